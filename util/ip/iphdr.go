package ip

import (
	"encoding/binary"
	"fmt"
	"net"
)

const MAX_IPHEADER = 20
const MAX_IP6HEADER = 40

type IPType int

const (
	_ IPType = iota
	IPv4
	IPv6
	IPUnknown
)

func IPHeaderType(buff byte) IPType {
	switch buff >> 4 {
	case 4:
		return IPv4
	case 6:
		return IPv6
	default:
		return IPUnknown
	}
}

type IP4Header struct {
	Version uint8
	HeadLen uint8

	Tos     uint8
	TotLen  uint16
	Id      uint16
	FragOff uint16

	TTL      uint8
	Protocal uint8

	Check uint16
	SAddr IP4
	DAddr IP4
}

func IP4HeaderDecoder(buff []byte) *IP4Header {
	if len(buff) < MAX_IPHEADER {
		return nil
	}
	iphdr := new(IP4Header)
	return iphdr.Decoder(buff)
}

func (iphdr *IP4Header) Decoder(buff []byte) *IP4Header {
	iphdr.Version = buff[0] >> 4
	iphdr.HeadLen = buff[0] & 0x0f
	iphdr.Tos = buff[1]
	iphdr.TotLen = binary.BigEndian.Uint16(buff[2:])
	iphdr.Id = binary.BigEndian.Uint16(buff[4:])
	iphdr.FragOff = binary.BigEndian.Uint16(buff[6:])
	iphdr.TTL = buff[8]
	iphdr.Protocal = buff[9]
	iphdr.Check = binary.BigEndian.Uint16(buff[10:])
	iphdr.SAddr = IP4(binary.BigEndian.Uint32(buff[12:]))
	iphdr.DAddr = IP4(binary.BigEndian.Uint32(buff[16:]))
	return iphdr
}

func (iphdr *IP4Header) String() string {
	return fmt.Sprintf("%s -> %s proto %d len %d ttl %d",
		iphdr.SAddr, iphdr.DAddr, iphdr.Protocal, iphdr.TotLen, iphdr.TTL)
}

// Describe renders the addresses of a frame for debug traces.
func Describe(frame []byte) string {
	if len(frame) == 0 {
		return "empty frame"
	}
	switch IPHeaderType(frame[0]) {
	case IPv4:
		if iphdr := IP4HeaderDecoder(frame); iphdr != nil {
			return "ipv4 " + iphdr.String()
		}
	case IPv6:
		if len(frame) >= MAX_IP6HEADER {
			return fmt.Sprintf("ipv6 %s -> %s next %d",
				net.IP(frame[8:24]), net.IP(frame[24:40]), frame[6])
		}
	}
	return fmt.Sprintf("unknown frame of %d bytes", len(frame))
}
