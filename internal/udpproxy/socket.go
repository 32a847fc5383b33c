package udpproxy

import (
	"fmt"
	"net"
	"net/netip"
)

// AddressFamily distinguishes IPv4 from IPv6 sockets. A worker only ever
// accepts destinations of its own family.
type AddressFamily int

const (
	IPv4 AddressFamily = iota
	IPv6
)

func (f AddressFamily) String() string {
	if f == IPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// AddressFamilyOf returns the family of addr.
func AddressFamilyOf(addr netip.Addr) AddressFamily {
	if addr.Is4() || addr.Is4In6() {
		return IPv4
	}
	return IPv6
}

// Socket is a local, unconnected UDP endpoint that a worker owns. Unlike a
// connected socket (net.DialUDP), it can send to and receive from many
// distinct remote endpoints, which is what lets one worker multiplex several
// destinations.
type Socket interface {
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
	LocalAddrPort() netip.AddrPort
	Close() error
}

// SocketFactory creates the local UDP sockets backing proxy workers. It is
// an external collaborator: the production KernelSocketFactory binds a real
// kernel socket, while tests inject an in-memory fake so no actual network
// I/O is required to exercise allocation and quota behavior.
type SocketFactory interface {
	ListenUDP(family AddressFamily) (Socket, error)
}

type udpConnSocket struct {
	*net.UDPConn
}

func (s *udpConnSocket) LocalAddrPort() netip.AddrPort {
	if addr, ok := s.LocalAddr().(*net.UDPAddr); ok {
		return addr.AddrPort()
	}
	return netip.AddrPort{}
}

// KernelSocketFactory binds real ephemeral UDP sockets via the OS.
type KernelSocketFactory struct{}

func (KernelSocketFactory) ListenUDP(family AddressFamily) (Socket, error) {
	network := "udp4"
	if family == IPv6 {
		network = "udp6"
	}
	conn, err := net.ListenUDP(network, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create UDP proxy socket (%s): %w", network, err)
	}
	return &udpConnSocket{conn}, nil
}
