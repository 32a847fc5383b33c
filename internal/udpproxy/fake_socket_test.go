package udpproxy_test

import (
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/vpnhood/tunnelcore/internal/udpproxy"
)

// fakeSocket is an in-memory Socket used to test allocation and quota logic
// without binding real kernel sockets. Reads block until a datagram is
// injected via deliver, or the socket is closed.
type fakeSocket struct {
	mu      sync.Mutex
	local   netip.AddrPort
	closed  bool
	inbound chan inboundDatagram
	writes  []writtenDatagram
}

type inboundDatagram struct {
	data []byte
	from netip.AddrPort
}

type writtenDatagram struct {
	data []byte
	to   netip.AddrPort
}

func newFakeSocket(local netip.AddrPort) *fakeSocket {
	return &fakeSocket{
		local:   local,
		inbound: make(chan inboundDatagram, 16),
	}
}

func (s *fakeSocket) WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("socket closed")
	}
	cp := append([]byte(nil), b...)
	s.writes = append(s.writes, writtenDatagram{data: cp, to: addr})
	return len(b), nil
}

func (s *fakeSocket) ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error) {
	dg, ok := <-s.inbound
	if !ok {
		return 0, netip.AddrPort{}, fmt.Errorf("fake socket read: %w", net.ErrClosed)
	}
	n := copy(b, dg.data)
	return n, dg.from, nil
}

func (s *fakeSocket) LocalAddrPort() netip.AddrPort { return s.local }

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.inbound)
	}
	return nil
}

func (s *fakeSocket) deliver(from netip.AddrPort, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.inbound <- inboundDatagram{data: append([]byte(nil), data...), from: from}
}

func (s *fakeSocket) writtenTo(addr netip.AddrPort) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]byte
	for _, w := range s.writes {
		if w.to == addr {
			out = append(out, w.data)
		}
	}
	return out
}

// fakeSocketFactory hands out fakeSockets with deterministic, incrementing
// ephemeral ports so tests can assert on worker-reuse behavior.
type fakeSocketFactory struct {
	mu       sync.Mutex
	nextPort uint16
	sockets  []*fakeSocket
}

func newFakeSocketFactory() *fakeSocketFactory {
	return &fakeSocketFactory{nextPort: 40000}
}

func (f *fakeSocketFactory) ListenUDP(family udpproxy.AddressFamily) (udpproxy.Socket, error) {
	f.mu.Lock()
	port := f.nextPort
	f.nextPort++
	f.mu.Unlock()

	addr := netip.MustParseAddr("127.0.0.1")
	if family == udpproxy.IPv6 {
		addr = netip.MustParseAddr("::1")
	}
	sock := newFakeSocket(netip.AddrPortFrom(addr, port))

	f.mu.Lock()
	f.sockets = append(f.sockets, sock)
	f.mu.Unlock()
	return sock, nil
}
