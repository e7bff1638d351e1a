package tun

import (
	"bytes"
	"fmt"
	"os"
	"unsafe"

	"github.com/easymesh/dnstun/util/ip"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const (
	tunDevice    = "/dev/net/tun"
	ifnameSize   = 16
	tunifaceName = "dns%d"
)

type ifreqFlags struct {
	IfrnName  [ifnameSize]byte
	IfruFlags uint16
	_         [22]byte
}

type tunLinux struct {
	tunf   *os.File
	fd     int
	ifname string
}

func ioctl(fd int, request, argp uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), request, argp)
	if errno != 0 {
		return fmt.Errorf("ioctl failed with '%s'", errno)
	}
	return nil
}

func fromZeroTerm(s []byte) string {
	return string(bytes.TrimRight(s, "\000"))
}

func (tun *tunLinux) Write(p []byte) error {
	cnt, err := tun.tunf.Write(p)
	if err != nil {
		return fmt.Errorf("tun write fail, %s", err.Error())
	}
	if cnt != len(p) {
		return fmt.Errorf("tun send %d out of %d bytes", cnt, len(p))
	}
	return nil
}

func (tun *tunLinux) Read(p []byte) (int, error) {
	return tun.tunf.Read(p)
}

func (tun *tunLinux) Close() error {
	return tun.tunf.Close()
}

func (tun *tunLinux) Fd() int {
	return tun.fd
}

func (tun *tunLinux) Name() string {
	return tun.ifname
}

// OpenTun creates the next free dns%d interface. The descriptor stays in
// blocking mode: the reactor only reads after poll reports it readable.
func OpenTun() (TunApi, error) {
	tunfd, err := unix.Open(tunDevice, unix.O_RDWR|unix.O_CLOEXEC, 0600)
	if err != nil {
		return nil, fmt.Errorf("open %s fail, %s", tunDevice, err.Error())
	}

	var ifr ifreqFlags
	copy(ifr.IfrnName[:len(ifr.IfrnName)-1], []byte(tunifaceName+"\000"))
	ifr.IfruFlags = unix.IFF_TUN | unix.IFF_NO_PI

	err = ioctl(tunfd, unix.TUNSETIFF, uintptr(unsafe.Pointer(&ifr)))
	if err != nil {
		unix.Close(tunfd)
		return nil, err
	}

	tuns := new(tunLinux)
	tuns.fd = tunfd
	tuns.tunf = os.NewFile(uintptr(tunfd), "tun")
	tuns.ifname = fromZeroTerm(ifr.IfrnName[:ifnameSize])
	return tuns, nil
}

// SetAddress assigns ipn to the interface and brings it up. The kernel
// derives the connected route for the tunnel network from the prefix.
func (tun *tunLinux) SetAddress(ipn ip.IP4Net) error {
	iface, err := netlink.LinkByName(tun.ifname)
	if err != nil {
		return fmt.Errorf("failed to lookup interface %v", tun.ifname)
	}

	err = netlink.AddrAdd(iface, &netlink.Addr{IPNet: ipn.ToIPNet(), Label: ""})
	if err != nil {
		return fmt.Errorf("failed to add IP address %v to %v: %v", ipn.String(), tun.ifname, err)
	}

	err = netlink.LinkSetUp(iface)
	if err != nil {
		return fmt.Errorf("failed to set interface %v to UP state: %v", tun.ifname, err)
	}
	return nil
}

func (tun *tunLinux) SetMTU(mtu int) error {
	iface, err := netlink.LinkByName(tun.ifname)
	if err != nil {
		return fmt.Errorf("failed to lookup interface %v", tun.ifname)
	}

	err = netlink.LinkSetMTU(iface, mtu)
	if err != nil {
		return fmt.Errorf("failed to set MTU for %v: %v", tun.ifname, err)
	}
	return nil
}
