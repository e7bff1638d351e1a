package ip

import (
	"errors"
	"net"
)

type IP4 uint32

func FromBytesIP4(ip []byte) IP4 {
	return IP4(uint32(ip[3]) |
		(uint32(ip[2]) << 8) |
		(uint32(ip[1]) << 16) |
		(uint32(ip[0]) << 24))
}

func FromIP(ip net.IP) IP4 {
	return FromBytesIP4(ip.To4())
}

// ParseIP4 accepts dotted-quad IPv4 literals only.
func ParseIP4(s string) (IP4, error) {
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return IP4(0), errors.New("Invalid IPv4 address format")
	}
	return FromIP(ip), nil
}

func MustParseIP4(s string) IP4 {
	ip, err := ParseIP4(s)
	if err != nil {
		panic(err)
	}
	return ip
}

func (ip IP4) Octets() (a, b, c, d byte) {
	a, b, c, d = byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip)
	return
}

func (ip IP4) ToIP() net.IP {
	return net.IPv4(ip.Octets())
}

func (ip IP4) String() string {
	return ip.ToIP().String()
}
