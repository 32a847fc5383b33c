package udpproxy

import (
	"errors"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vpnhood/tunnelcore/internal/timeoutmap"
)

const maxDatagramSize = 65507

// InboundHandler receives datagrams read off a worker's socket. The pool
// wires this to the owning session, which wraps the datagram into an
// IP/UDP packet addressed destinationEp -> sourceEp and pushes it into the
// client tunnel. It must not block for long: it runs on the worker's single
// read loop goroutine.
type InboundHandler interface {
	HandlePacket(sourceEp, destinationEp netip.AddrPort, payload []byte)
}

// InboundHandlerFunc adapts a function to InboundHandler.
type InboundHandlerFunc func(sourceEp, destinationEp netip.AddrPort, payload []byte)

func (f InboundHandlerFunc) HandlePacket(sourceEp, destinationEp netip.AddrPort, payload []byte) {
	f(sourceEp, destinationEp, payload)
}

// Worker owns one local UDP socket and multiplexes every destination
// endpoint reachable through it. Each destination appears at most once in a
// worker's map, so a reply from it identifies exactly one client source; the
// same destination may still be held by other workers of the same pool for
// other sources (Pool places it only on workers that don't hold it yet).
type Worker struct {
	family       AddressFamily
	socket       Socket
	destinations *timeoutmap.Map[netip.AddrPort, netip.AddrPort] // destination -> client source
	lastActivity int64                                           // unix nanos, atomic
	handler      InboundHandler
	log          *zerolog.Logger
}

func newWorker(family AddressFamily, socket Socket, udpTimeout time.Duration, handler InboundHandler, log *zerolog.Logger) *Worker {
	w := &Worker{
		family:       family,
		socket:       socket,
		destinations: timeoutmap.New[netip.AddrPort, netip.AddrPort](udpTimeout),
		handler:      handler,
		log:          log,
	}
	w.touchActivity()
	return w
}

func (w *Worker) Family() AddressFamily { return w.family }

func (w *Worker) LocalEndpoint() netip.AddrPort { return w.socket.LocalAddrPort() }

// HasDestination reports whether destination is already being proxied
// through this worker.
func (w *Worker) HasDestination(destination netip.AddrPort) bool {
	_, ok := w.destinations.Get(destination)
	return ok
}

// AddDestination records that packets to destination should be delivered to
// source on the reverse path. Caller (the pool) must already have verified
// destination isn't already held by this worker; an existing entry is kept.
func (w *Worker) AddDestination(destination, source netip.AddrPort) {
	w.destinations.InsertIfAbsent(destination, source)
}

// LastActive returns the last time this worker sent or received a datagram.
func (w *Worker) LastActive() time.Time {
	return time.Unix(0, atomic.LoadInt64(&w.lastActivity))
}

func (w *Worker) touchActivity() {
	atomic.StoreInt64(&w.lastActivity, time.Now().UnixNano())
}

// idleSince reports whether the worker has been idle longer than timeout.
func (w *Worker) idleSince(timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	return time.Since(w.LastActive()) > timeout
}

// Send writes payload to destination. noFragment is accepted for API parity
// with the spec but has no portable effect via the standard net package, so
// it is a documented best-effort no-op.
func (w *Worker) Send(destination netip.AddrPort, payload []byte, noFragment bool) error {
	w.touchActivity()
	w.destinations.Touch(destination)
	_, err := w.socket.WriteToUDPAddrPort(payload, destination)
	return err
}

// serve is the worker's single reader goroutine. It runs until the socket
// is closed, which happens exactly once, from Close.
func (w *Worker) serve() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, remote, err := w.socket.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Socket I/O errors are logged on the worker and do not poison
			// the pool; the worker remains usable unless the socket itself
			// is closed.
			if w.log != nil {
				w.log.Err(err).Str("family", w.family.String()).Msg("udp proxy worker read error")
			}
			continue
		}
		w.touchActivity()

		source, ok := w.destinations.Get(remote)
		if !ok {
			// Inbound datagram from an unknown remote: dropped silently.
			continue
		}
		w.destinations.Touch(remote)

		if w.handler == nil {
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		w.handler.HandlePacket(source, remote, payload)
	}
}

// Close closes the underlying socket, which unblocks and terminates serve,
// and releases every tracked destination entry.
func (w *Worker) Close() error {
	err := w.socket.Close()
	w.destinations.Clear(nil)
	return err
}
