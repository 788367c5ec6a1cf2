//go:build unix

package reactor

import (
	"net/netip"

	"golang.org/x/sys/unix"
)

func SockaddrFromAddrPort(address netip.AddrPort) (family int, sockaddr unix.Sockaddr) {
	addr := address.Addr().Unmap()
	if addr.Is4() {
		return unix.AF_INET, &unix.SockaddrInet4{Port: int(address.Port()), Addr: addr.As4()}
	}
	var zone uint32
	if name := addr.Zone(); name != "" {
		if index, err := zoneIndex(name); err == nil {
			zone = index
		}
	}
	return unix.AF_INET6, &unix.SockaddrInet6{Port: int(address.Port()), ZoneId: zone, Addr: addr.As16()}
}

func AddrPortFromSockaddr(sockaddr unix.Sockaddr) netip.AddrPort {
	switch sa := sockaddr.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}
