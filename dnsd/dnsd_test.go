package dnsd

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

const topDomain = "t.example.com"

type harness struct {
	t      *testing.T
	server *Server
	client *net.UDPConn
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	server, err := Open(conn, topDomain)
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })

	client, err := net.DialUDP("udp", nil, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return &harness{t: t, server: server, client: client}
}

// send writes a query for name advertising 4096 byte replies and returns
// its id.
func (h *harness) send(name string, qtype uint16) uint16 {
	h.t.Helper()
	return h.sendSized(name, qtype, 4096)
}

// sendSized writes a query with the given EDNS payload size, or without an
// OPT record when size is 0.
func (h *harness) sendSized(name string, qtype uint16, size uint16) uint16 {
	h.t.Helper()
	msg := new(dns.Msg)
	msg.SetQuestion(name, qtype)
	if size > 0 {
		msg.SetEdns0(size, false)
	}
	buf, err := msg.Pack()
	require.NoError(h.t, err)
	_, err = h.client.Write(buf)
	require.NoError(h.t, err)
	return msg.Id
}

// recv reads the next response sent to the client.
func (h *harness) recv() *dns.Msg {
	h.t.Helper()
	buf := make([]byte, 64*1024)
	require.NoError(h.t, h.client.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := h.client.Read(buf)
	require.NoError(h.t, err)
	msg := new(dns.Msg)
	require.NoError(h.t, msg.Unpack(buf[:n]))
	return msg
}

// nothingPending asserts no response is on its way to the client.
func (h *harness) nothingPending() {
	h.t.Helper()
	buf := make([]byte, 512)
	require.NoError(h.t, h.client.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, err := h.client.Read(buf)
	require.Error(h.t, err)
}

func nullData(t *testing.T, msg *dns.Msg) []byte {
	t.Helper()
	require.Len(t, msg.Answer, 1)
	rr, ok := msg.Answer[0].(*dns.NULL)
	require.True(t, ok)
	return []byte(rr.Data)
}

func TestOpenRejectsBadDomain(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	_, err = Open(conn, ".")
	require.Error(t, err)
}

func TestHelloIsHeld(t *testing.T) {
	h := newHarness(t)
	require.False(t, h.server.HasAck())

	id := h.send("hello."+topDomain+".", dns.TypeNULL)
	n, err := h.server.Read(make([]byte, 1500))
	require.ErrorIs(t, err, ErrHandshake)
	require.Equal(t, 0, n)
	require.True(t, h.server.HasAck())
	h.nothingPending()

	h.server.QueuePacket([]byte("10.0.0.2-1024"))
	require.True(t, h.server.HasPacket())
	h.server.ForceAck()
	require.False(t, h.server.HasAck())
	require.False(t, h.server.HasPacket())

	resp := h.recv()
	require.Equal(t, id, resp.Id)
	require.True(t, resp.Authoritative)
	require.Equal(t, "10.0.0.2-1024", string(nullData(t, resp)))
}

func TestForceAckWithoutPacket(t *testing.T) {
	h := newHarness(t)

	h.send("p0."+topDomain+".", dns.TypeNULL)
	n, err := h.server.Read(make([]byte, 1500))
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.True(t, h.server.HasAck())

	h.server.ForceAck()
	resp := h.recv()
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Empty(t, resp.Answer)

	// nothing held any more, a second force is a no-op
	h.server.ForceAck()
	h.nothingPending()
}

func TestDataFragments(t *testing.T) {
	h := newHarness(t)
	packet := bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 30)

	names := QueryNames(packet, 50, topDomain)
	require.Len(t, names, 3)

	buf := make([]byte, 1500)
	for i, name := range names {
		h.send(name, dns.TypeNULL)
		n, err := h.server.Read(buf)
		require.NoError(t, err)
		if i < len(names)-1 {
			require.Equal(t, 0, n)
		} else {
			require.Equal(t, packet, buf[:n])
		}
	}

	// each newer query released the one before it
	h.recv()
	h.recv()
	require.True(t, h.server.HasAck())
}

func TestDataNameIsCaseInsensitive(t *testing.T) {
	h := newHarness(t)
	packet := []byte("upper case resolver")

	names := QueryNames(packet, 200, topDomain)
	require.Len(t, names, 1)

	h.send(upper(names[0]), dns.TypeNULL)
	buf := make([]byte, 1500)
	n, err := h.server.Read(buf)
	require.NoError(t, err)
	require.Equal(t, packet, buf[:n])
}

func upper(s string) string {
	return string(bytes.ToUpper([]byte(s)))
}

func TestNewQueryDeliversQueuedPacket(t *testing.T) {
	h := newHarness(t)
	buf := make([]byte, 1500)

	first := h.send("p1."+topDomain+".", dns.TypeNULL)
	_, err := h.server.Read(buf)
	require.NoError(t, err)

	h.server.QueuePacket([]byte("downstream"))

	h.send("p2."+topDomain+".", dns.TypeNULL)
	_, err = h.server.Read(buf)
	require.NoError(t, err)

	resp := h.recv()
	require.Equal(t, first, resp.Id)
	require.Equal(t, "downstream", string(nullData(t, resp)))
	require.False(t, h.server.HasPacket())
	require.True(t, h.server.HasAck())
}

func TestQueuePacketCopies(t *testing.T) {
	h := newHarness(t)
	payload := []byte("abc")
	h.server.QueuePacket(payload)
	payload[0] = 'x'

	h.send("p."+topDomain+".", dns.TypeNULL)
	_, err := h.server.Read(make([]byte, 16))
	require.NoError(t, err)
	h.server.ForceAck()
	require.Equal(t, "abc", string(nullData(t, h.recv())))
}

func TestForeignNameIsRejected(t *testing.T) {
	h := newHarness(t)

	h.send("www.example.org.", dns.TypeNULL)
	n, err := h.server.Read(make([]byte, 1500))
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.False(t, h.server.HasAck())
	require.Equal(t, dns.RcodeNameError, h.recv().Rcode)

	h.send(topDomain+".", dns.TypeNULL)
	_, err = h.server.Read(make([]byte, 1500))
	require.NoError(t, err)
	require.Equal(t, dns.RcodeNameError, h.recv().Rcode)
}

func TestWrongTypeIsRejected(t *testing.T) {
	h := newHarness(t)

	h.send("p."+topDomain+".", dns.TypeA)
	_, err := h.server.Read(make([]byte, 1500))
	require.NoError(t, err)
	require.False(t, h.server.HasAck())
	require.Equal(t, dns.RcodeNameError, h.recv().Rcode)
}

func TestBadBase32IsRejected(t *testing.T) {
	h := newHarness(t)

	h.send("d0189."+topDomain+".", dns.TypeNULL)
	n, err := h.server.Read(make([]byte, 1500))
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.False(t, h.server.HasAck())
	require.Equal(t, dns.RcodeNameError, h.recv().Rcode)
}

func TestUnknownCommandAnsweredAtOnce(t *testing.T) {
	h := newHarness(t)

	h.send("zzz."+topDomain+".", dns.TypeNULL)
	_, err := h.server.Read(make([]byte, 1500))
	require.NoError(t, err)
	require.False(t, h.server.HasAck())
	resp := h.recv()
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Empty(t, resp.Answer)
}

func TestGarbageDatagramIsIgnored(t *testing.T) {
	h := newHarness(t)

	_, err := h.client.Write([]byte{0x01, 0x02, 0x03})
	require.NoError(t, err)
	n, err := h.server.Read(make([]byte, 1500))
	require.NoError(t, err)
	require.Equal(t, 0, n)
	h.nothingPending()
}

func TestPacketLargerThanReaderBufferIsDropped(t *testing.T) {
	h := newHarness(t)
	packet := bytes.Repeat([]byte{7}, 100)

	names := QueryNames(packet, 120, topDomain)
	require.Len(t, names, 1)
	h.send(names[0], dns.TypeNULL)

	n, err := h.server.Read(make([]byte, 10))
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestFirstFragmentResyncs(t *testing.T) {
	h := newHarness(t)
	buf := make([]byte, 1500)

	// a lost last fragment leaves a partial packet behind
	stale := QueryNames(bytes.Repeat([]byte{1}, 80), 50, topDomain)
	h.send(stale[0], dns.TypeNULL)
	_, err := h.server.Read(buf)
	require.NoError(t, err)

	packet := []byte("fresh packet")
	h.send(QueryNames(packet, 50, topDomain)[0], dns.TypeNULL)
	n, err := h.server.Read(buf)
	require.NoError(t, err)
	require.Equal(t, packet, buf[:n])
}

func TestQueryNamesLabels(t *testing.T) {
	names := QueryNames(bytes.Repeat([]byte{0xff}, 100), 100, topDomain)
	require.Len(t, names, 1)
	_, ok := dns.IsDomainName(names[0])
	require.True(t, ok)
	for _, label := range dns.SplitDomainName(names[0]) {
		require.LessOrEqual(t, len(label), 63)
	}
	require.Equal(t, byte(CmdData), names[0][0])
}

func TestOversizePacketIsDroppedNotTruncated(t *testing.T) {
	h := newHarness(t)
	packet := bytes.Repeat([]byte{0x5a}, 900)

	id := h.sendSized("p."+topDomain+".", dns.TypeNULL, 0)
	_, err := h.server.Read(make([]byte, 1500))
	require.NoError(t, err)

	h.server.QueuePacket(packet)
	h.server.ForceAck()

	resp := h.recv()
	require.Equal(t, id, resp.Id)
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.False(t, resp.Truncated)
	require.Empty(t, resp.Answer)
	require.False(t, h.server.HasPacket())
	require.Equal(t, uint64(1), h.server.Dropped())
}

func TestPacketFitsAdvertisedSize(t *testing.T) {
	h := newHarness(t)
	packet := bytes.Repeat([]byte{0x5a}, 900)

	h.sendSized("p."+topDomain+".", dns.TypeNULL, 1232)
	_, err := h.server.Read(make([]byte, 1500))
	require.NoError(t, err)

	h.server.QueuePacket(packet)
	h.server.ForceAck()

	require.Equal(t, packet, nullData(t, h.recv()))
	require.Zero(t, h.server.Dropped())
}

func TestSmallPacketWithoutEDNS(t *testing.T) {
	h := newHarness(t)

	h.sendSized("p."+topDomain+".", dns.TypeNULL, 0)
	_, err := h.server.Read(make([]byte, 1500))
	require.NoError(t, err)

	h.server.QueuePacket([]byte("fits in 512"))
	h.server.ForceAck()

	resp := h.recv()
	require.Nil(t, resp.IsEdns0())
	require.Equal(t, "fits in 512", string(nullData(t, resp)))
}

func TestQueuePacketKeepsLatest(t *testing.T) {
	h := newHarness(t)
	h.server.QueuePacket([]byte("compressed frame"))
	h.server.QueuePacket([]byte("10.0.0.2-1024"))

	h.send("p."+topDomain+".", dns.TypeNULL)
	_, err := h.server.Read(make([]byte, 16))
	require.NoError(t, err)
	h.server.ForceAck()
	require.Equal(t, "10.0.0.2-1024", string(nullData(t, h.recv())))
}
