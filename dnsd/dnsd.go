// Package dnsd is the DNS side of the tunnel: a single-client authoritative
// server for the tunnel's top domain.
//
// Clients send NULL queries named <cmd><data>.<topdomain>. The command is
// the first character of the first label:
//
//	h  hello, answered with the handshake reply queued by the reactor
//	p  poll, carries nothing and only gives the server a query to answer
//	d  data, followed by unpadded base32 of [flags][fragment]
//
// The server holds the latest query instead of answering it right away.
// A held query is the only way downstream data can reach the client, so it
// is answered when a newer query replaces it or when the reactor forces an
// acknowledgement, carrying the queued packet if there is one.
package dnsd

import (
	"encoding/base32"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/astaxie/beego/logs"
	"github.com/easymesh/dnstun/util/udp"
	"github.com/miekg/dns"
)

// ErrHandshake is returned by Read for a hello exchange. It is a signal,
// not a failure.
var ErrHandshake = errors.New("dnsd: handshake request")

const (
	CmdHello = 'h'
	CmdPoll  = 'p'
	CmdData  = 'd'

	// FlagLast marks the fragment that completes a packet.
	FlagLast = 0x01
	// FlagFirst marks the fragment that starts a packet.
	FlagFirst = 0x02

	maxDatagram   = 64 * 1024
	maxReassembly = 64 * 1024
	maxLabel      = 63
)

var base32Encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

type query struct {
	msg  *dns.Msg
	addr net.Addr
}

type Server struct {
	conn   net.PacketConn
	fd     int
	domain string

	held *query

	outbuf  []byte
	hasOut  bool
	dropped uint64

	inbuf    []byte
	inlen    int
	discard  bool
	datagram []byte
}

// Open serves topDomain on conn. conn must be backed by a socket, since its
// descriptor is polled by the reactor.
func Open(conn net.PacketConn, topDomain string) (*Server, error) {
	domain := dns.CanonicalName(topDomain)
	if _, ok := dns.IsDomainName(domain); !ok || domain == "." {
		return nil, fmt.Errorf("invalid top domain %q", topDomain)
	}

	fd, err := udp.Fd(conn)
	if err != nil {
		return nil, err
	}

	return &Server{
		conn:     conn,
		fd:       fd,
		domain:   domain,
		inbuf:    make([]byte, maxReassembly),
		datagram: make([]byte, maxDatagram),
	}, nil
}

func (s *Server) Fd() int {
	return s.fd
}

func (s *Server) Close() error {
	return s.conn.Close()
}

// HasAck reports whether a client query is waiting for an answer.
func (s *Server) HasAck() bool {
	return s.held != nil
}

// HasPacket reports whether a downstream packet is waiting for a query.
func (s *Server) HasPacket() bool {
	return s.hasOut
}

// Dropped counts queued packets that were too large for the query that
// should have carried them.
func (s *Server) Dropped() uint64 {
	return s.dropped
}

// QueuePacket copies p as the next downstream packet. Only one packet can
// be queued; the caller checks HasPacket first.
func (s *Server) QueuePacket(p []byte) {
	if s.hasOut {
		logs.Warn("replacing undelivered packet of %d bytes", len(s.outbuf))
	}
	s.outbuf = append(s.outbuf[:0], p...)
	s.hasOut = true
}

// ForceAck answers the held query now, with the queued packet if any.
func (s *Server) ForceAck() {
	if s.held == nil {
		return
	}
	s.answerHeld()
}

// Read handles one datagram. It returns the length of a completed upstream
// packet copied into p, ErrHandshake for a hello, or 0 when the datagram
// carried nothing for the tunnel.
func (s *Server) Read(p []byte) (int, error) {
	n, addr, err := s.conn.ReadFrom(s.datagram)
	if err != nil {
		return 0, err
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(s.datagram[:n]); err != nil {
		logs.Debug("cannot parse DNS query from %s, %s", addr, err.Error())
		return 0, nil
	}
	if msg.Response {
		return 0, nil
	}
	if msg.Opcode != dns.OpcodeQuery {
		s.reject(msg, addr, dns.RcodeNotImplemented)
		return 0, nil
	}
	if len(msg.Question) != 1 {
		s.reject(msg, addr, dns.RcodeFormatError)
		return 0, nil
	}

	question := msg.Question[0]
	name := dns.CanonicalName(question.Name)
	if name == s.domain || !dns.IsSubDomain(s.domain, name) {
		logs.Debug("NXDOMAIN: not authoritative for %s", question.Name)
		s.reject(msg, addr, dns.RcodeNameError)
		return 0, nil
	}
	if question.Qtype != dns.TypeNULL {
		// resolvers ask for A/AAAA/NS on their own, stay quiet about it
		s.reject(msg, addr, dns.RcodeNameError)
		return 0, nil
	}

	prefix := strings.TrimSuffix(name, "."+s.domain)
	switch prefix[0] {
	case CmdHello:
		s.hold(msg, addr)
		return 0, ErrHandshake

	case CmdPoll:
		s.hold(msg, addr)
		return 0, nil

	case CmdData:
		encoded := strings.ToUpper(strings.ReplaceAll(prefix[1:], ".", ""))
		chunk, err := base32Encoding.DecodeString(encoded)
		if err != nil || len(chunk) == 0 {
			logs.Debug("NXDOMAIN: bad data label from %s", addr)
			s.reject(msg, addr, dns.RcodeNameError)
			return 0, nil
		}
		s.hold(msg, addr)
		return s.assemble(p, chunk[0], chunk[1:]), nil

	default:
		s.reply(&query{msg: msg, addr: addr}, nil)
		return 0, nil
	}
}

// assemble appends a fragment and hands out the packet on its last one.
func (s *Server) assemble(p []byte, flags byte, frag []byte) int {
	if flags&FlagFirst != 0 {
		s.inlen = 0
		s.discard = false
	}

	if !s.discard {
		if s.inlen+len(frag) > len(s.inbuf) {
			logs.Warn("upstream packet exceeds %d bytes, discarding", len(s.inbuf))
			s.discard = true
		} else {
			s.inlen += copy(s.inbuf[s.inlen:], frag)
		}
	}

	if flags&FlagLast == 0 {
		return 0
	}

	n := s.inlen
	discard := s.discard || n > len(p)
	s.inlen = 0
	s.discard = false
	if discard {
		return 0
	}
	return copy(p, s.inbuf[:n])
}

func (s *Server) hold(msg *dns.Msg, addr net.Addr) {
	if s.held != nil {
		s.answerHeld()
	}
	s.held = &query{msg: msg, addr: addr}
}

// answerHeld delivers the queued packet, if any, on the held query. A packet
// larger than the client can take is dropped and counted rather than sent
// as a truncated reply the client would discard.
func (s *Server) answerHeld() {
	q := s.held
	s.held = nil

	if !s.hasOut {
		s.reply(q, nil)
		return
	}
	s.hasOut = false

	resp, limit := s.response(q, s.outbuf)
	if resp.Len() > limit {
		s.dropped++
		logs.Warn("drop %d byte packet, %s takes at most %d byte replies", len(s.outbuf), q.addr, limit)
		s.reply(q, nil)
		return
	}
	s.send(resp, q.addr, limit)
}

func (s *Server) reply(q *query, payload []byte) {
	resp, limit := s.response(q, payload)
	s.send(resp, q.addr, limit)
}

// response builds the answer to q and the reply size the client accepts.
func (s *Server) response(q *query, payload []byte) (*dns.Msg, int) {
	resp := new(dns.Msg)
	resp.SetReply(q.msg)
	resp.Authoritative = true

	if len(payload) > 0 {
		resp.Answer = []dns.RR{&dns.NULL{
			Hdr: dns.RR_Header{
				Name:   q.msg.Question[0].Name,
				Rrtype: dns.TypeNULL,
				Class:  dns.ClassINET,
				Ttl:    0,
			},
			Data: string(payload),
		}}
	}

	limit := dns.MinMsgSize
	if opt := q.msg.IsEdns0(); opt != nil {
		if size := int(opt.UDPSize()); size > limit {
			limit = size
		}
		resp.SetEdns0(maxDatagram-1, false)
	}
	return resp, limit
}

func (s *Server) reject(msg *dns.Msg, addr net.Addr, rcode int) {
	resp := new(dns.Msg)
	resp.SetRcode(msg, rcode)
	resp.Authoritative = rcode == dns.RcodeNameError
	s.send(resp, addr, dns.MinMsgSize)
}

func (s *Server) send(resp *dns.Msg, addr net.Addr, limit int) {
	buf, err := resp.Pack()
	if err != nil {
		logs.Warn("pack response for %s fail, %s", addr, err.Error())
		return
	}
	if len(buf) > limit {
		logs.Warn("response of %d bytes exceeds %d advertised by %s, truncating", len(buf), limit, addr)
		resp.Truncate(limit)
		if buf, err = resp.Pack(); err != nil {
			logs.Warn("pack response for %s fail, %s", addr, err.Error())
			return
		}
	}

	err = udp.UdpWrite(s.conn, addr, buf)
	if err != nil {
		logs.Warn("send response to %s fail, %s", addr, err.Error())
	}
}

// QueryNames splits packet into the data query names a client sends for it,
// each carrying at most fragSize bytes.
func QueryNames(packet []byte, fragSize int, topDomain string) []string {
	domain := dns.Fqdn(topDomain)
	var names []string
	for off := 0; off == 0 || off < len(packet); off += fragSize {
		end := off + fragSize
		if end > len(packet) {
			end = len(packet)
		}

		var flags byte
		if off == 0 {
			flags |= FlagFirst
		}
		if end == len(packet) {
			flags |= FlagLast
		}

		chunk := append([]byte{flags}, packet[off:end]...)
		encoded := string(CmdData) + strings.ToLower(base32Encoding.EncodeToString(chunk))

		var labels []string
		for len(encoded) > maxLabel {
			labels = append(labels, encoded[:maxLabel])
			encoded = encoded[maxLabel:]
		}
		labels = append(labels, encoded)
		names = append(names, strings.Join(labels, ".")+"."+domain)

		if end == len(packet) {
			break
		}
	}
	return names
}
