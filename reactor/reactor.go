// Package reactor moves IP frames between the tun device and the DNS
// channel.
//
// The DNS side can only answer queries the client sends, and it can hold at
// most one undelivered packet. The loop therefore stops reading the tun
// device while a packet is queued, and shortens its poll timeout while a
// client query is held so the answer goes out promptly even when there is
// no traffic to piggyback it on.
package reactor

import (
	"errors"
	"fmt"
	"time"

	"github.com/astaxie/beego/logs"
	"github.com/bassosimone/runtimex"
	"github.com/easymesh/dnstun/codec"
	"github.com/easymesh/dnstun/dnsd"
	"github.com/easymesh/dnstun/util"
	"github.com/easymesh/dnstun/util/ip"
	"golang.org/x/sys/unix"
)

const (
	// AckTimeout bounds the wait while a client query is held.
	AckTimeout = 50 * time.Millisecond
	// IdleTimeout bounds the wait otherwise.
	IdleTimeout = time.Second
	// BufferSize is the minimum capacity of each frame buffer.
	BufferSize = 64 * 1024
)

type TunnelChannel interface {
	Fd() int
	Read(p []byte) (int, error)
	Write(p []byte) error
}

type DNSChannel interface {
	Fd() int
	HasAck() bool
	HasPacket() bool
	QueuePacket(p []byte)
	Read(p []byte) (int, error)
	ForceAck()
}

// PollFunc has the signature of unix.Poll.
type PollFunc func(fds []unix.PollFd, timeout int) (int, error)

type Options struct {
	// ClientIP and MTU are announced to the client in the handshake reply.
	ClientIP ip.IP4
	MTU      int

	// Trace logs a one line summary of every frame at debug level.
	Trace bool

	// Poll defaults to unix.Poll.
	Poll PollFunc
}

type Stats struct {
	TunFrames  uint64
	TunBytes   uint64
	DNSFrames  uint64
	DNSBytes   uint64
	Dropped    uint64
	ForcedAcks uint64
	Handshakes uint64
}

func (s Stats) String() string {
	return fmt.Sprintf("tun->dns %d frames/%d bytes, dns->tun %d frames/%d bytes, dropped %d, forced acks %d, handshakes %d",
		s.TunFrames, s.TunBytes, s.DNSFrames, s.DNSBytes, s.Dropped, s.ForcedAcks, s.Handshakes)
}

type Reactor struct {
	tun  TunnelChannel
	dns  DNSChannel
	flag *util.RunFlag

	poll  PollFunc
	trace bool
	codec *codec.Codec
	hello []byte

	in  []byte
	out []byte
	fds [2]unix.PollFd

	stats Stats
}

func New(tun TunnelChannel, dns DNSChannel, flag *util.RunFlag, opts Options) *Reactor {
	poll := opts.Poll
	if poll == nil {
		poll = unix.Poll
	}
	size := BufferSize
	if bound := codec.Bound(opts.MTU); bound > size {
		size = bound
	}
	return &Reactor{
		tun:   tun,
		dns:   dns,
		flag:  flag,
		poll:  poll,
		trace: opts.Trace,
		codec: codec.NewCodec(),
		hello: []byte(HandshakeReply(opts.ClientIP, opts.MTU)),
		in:    make([]byte, size),
		out:   make([]byte, size),
	}
}

// HandshakeReply is the literal answer to a hello: "<client ip>-<mtu>".
func HandshakeReply(clientIP ip.IP4, mtu int) string {
	return fmt.Sprintf("%s-%d", clientIP, mtu)
}

func (r *Reactor) Stats() Stats {
	return r.stats
}

// Run loops until the run flag is cleared. It returns nil after a
// cooperative stop and an error only if polling fails while running.
func (r *Reactor) Run() error {
	for r.flag.Running() {
		timeout := IdleTimeout
		if r.dns.HasAck() {
			timeout = AckTimeout
		}

		fds := r.fds[:1]
		fds[0] = unix.PollFd{Fd: int32(r.dns.Fd()), Events: unix.POLLIN}
		watchTun := !r.dns.HasPacket()
		if watchTun {
			fds = append(fds, unix.PollFd{Fd: int32(r.tun.Fd()), Events: unix.POLLIN})
		}

		n, err := r.poll(fds, int(timeout/time.Millisecond))
		if !r.flag.Running() {
			break
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err == nil {
			err = invalid(fds)
		}
		if err != nil {
			logs.Warn("poll fail, %s", err.Error())
			return fmt.Errorf("poll: %w", err)
		}

		if n == 0 {
			if r.dns.HasAck() {
				r.dns.ForceAck()
				r.stats.ForcedAcks++
			}
			continue
		}

		if watchTun && readable(fds[1]) {
			r.tunToDNS()
		}
		if readable(fds[0]) {
			r.dnsToTun()
		}
	}
	return nil
}

func readable(fd unix.PollFd) bool {
	return fd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0
}

func invalid(fds []unix.PollFd) error {
	for _, fd := range fds {
		if fd.Revents&unix.POLLNVAL != 0 {
			return fmt.Errorf("descriptor %d is not open", fd.Fd)
		}
	}
	return nil
}

func (r *Reactor) tunToDNS() {
	n, err := r.tun.Read(r.in)
	if err != nil || n <= 0 {
		return
	}
	frame := r.in[:n]
	if r.trace {
		logs.Debug("tun -> dns %s", ip.Describe(frame))
	}

	m, err := r.codec.Compress(r.out, frame)
	if err != nil {
		r.stats.Dropped++
		logs.Warn("drop %d byte frame from tun, %s", n, err.Error())
		return
	}

	runtimex.Assert(!r.dns.HasPacket())
	r.dns.QueuePacket(r.out[:m])
	r.stats.TunFrames++
	r.stats.TunBytes += uint64(n)
}

func (r *Reactor) dnsToTun() {
	n, err := r.dns.Read(r.in)
	if errors.Is(err, dnsd.ErrHandshake) {
		r.dns.QueuePacket(r.hello)
		r.stats.Handshakes++
		logs.Info("client handshake, replying %s", r.hello)
		return
	}
	if err != nil || n <= 0 {
		return
	}

	m, err := r.codec.Decompress(r.out, r.in[:n])
	if err != nil {
		r.stats.Dropped++
		logs.Warn("drop %d byte payload from dns, %s", n, err.Error())
		return
	}
	frame := r.out[:m]
	if r.trace {
		logs.Debug("dns -> tun %s", ip.Describe(frame))
	}

	if err := r.tun.Write(frame); err != nil {
		r.stats.Dropped++
		logs.Warn(err.Error())
		return
	}
	r.stats.DNSFrames++
	r.stats.DNSBytes += uint64(m)
}
