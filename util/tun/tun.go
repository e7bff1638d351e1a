package tun

import "github.com/easymesh/dnstun/util/ip"

// TunApi is the tunnel side of the reactor: a virtual L3 interface that
// yields and accepts whole IP packets.
type TunApi interface {
	Write(p []byte) error
	Read(p []byte) (n int, err error)
	Close() error

	// Fd is polled for readability by the reactor.
	Fd() int
	Name() string

	SetAddress(ipnet ip.IP4Net) error
	SetMTU(mtu int) error
}

// TunnelPrefixLen is the netmask given to the tunnel network (/27).
const TunnelPrefixLen = 27
