package udp

import (
	"fmt"
	"net"
	"syscall"
)

func OpenUdp(bindAddr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, err
	}
	udpHander, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return udpHander, nil
}

func UdpWrite(conn net.PacketConn, dstAddr net.Addr, body []byte) error {
	cnt, err := conn.WriteTo(body, dstAddr)
	if err != nil {
		return fmt.Errorf("udp write fail, %s", err.Error())
	}
	if cnt != len(body) {
		return fmt.Errorf("udp send %d out of %d bytes", cnt, len(body))
	}
	return nil
}

// Fd returns the socket descriptor behind conn so it can be polled
// alongside the tun device. It stays valid until conn is closed.
func Fd(conn net.PacketConn) (int, error) {
	sc, ok := conn.(interface {
		SyscallConn() (syscall.RawConn, error)
	})
	if !ok {
		return -1, fmt.Errorf("%T has no file descriptor", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	err = raw.Control(func(s uintptr) {
		fd = int(s)
	})
	if err != nil {
		return -1, err
	}
	return fd, nil
}
