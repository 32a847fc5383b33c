// Package udpproxy implements the UDP proxy pool: it multiplexes many
// client UDP flows onto a bounded set of local sockets (workers), enforcing
// that a worker holds any given destination endpoint for at most one client
// source at a time, so inbound replies on a worker can be demultiplexed
// purely by remote address.
package udpproxy

import (
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vpnhood/tunnelcore/internal/netfilter"
	"github.com/vpnhood/tunnelcore/internal/timeoutmap"
)

const (
	// DefaultUDPTimeout is how long a flow/worker/remote-endpoint entry may
	// sit idle before being reclaimed.
	DefaultUDPTimeout = 120 * time.Second
	// DefaultRemoteEndpointTimeout is the remote-endpoint set's own timeout
	// until the pool's SetUDPTimeout overrides it.
	DefaultRemoteEndpointTimeout = 60 * time.Second
	// DefaultWorkerMaxCount bounds proxy sockets per pool absent explicit
	// configuration.
	DefaultWorkerMaxCount = 128
)

// FlowKey identifies one client flow: the client's source endpoint and the
// remote destination it's talking to.
type FlowKey struct {
	Source      netip.AddrPort
	Destination netip.AddrPort
}

// NewEndpointEvent is emitted synchronously from the allocation path
// whenever SendPacket creates or reuses a worker for a new destination.
type NewEndpointEvent struct {
	Protocol    string
	LocalEp     netip.AddrPort
	RemoteEp    netip.AddrPort
	IsNewLocal  bool
	IsNewRemote bool
}

// EventSink receives pool events. Nil is a valid, no-op sink.
type EventSink interface {
	OnNewEndpoint(ev NewEndpointEvent)
}

// Payload is one client UDP datagram awaiting forwarding.
type Payload struct {
	SrcPort uint16
	DstPort uint16
	Data    []byte
}

// Options configures a new Pool.
type Options struct {
	SocketFactory  SocketFactory
	Handler        InboundHandler
	Events         EventSink
	Filter         netfilter.Filter
	UDPTimeout     time.Duration
	WorkerMaxCount int
	Log            *zerolog.Logger
}

// Pool is a per-session (or, in Shared mode, per-server) collection of UDP
// proxy workers.
type Pool struct {
	socketFactory SocketFactory
	handler       InboundHandler
	events        EventSink
	filter        netfilter.Filter
	log           *zerolog.Logger

	workerMu sync.Mutex
	workers  []*Worker

	flows           *timeoutmap.Map[FlowKey, *Worker]
	remoteEndpoints *timeoutmap.Map[netip.AddrPort, struct{}]

	udpTimeout     time.Duration
	workerMaxCount int

	disposeOnce sync.Once
}

// New builds a Pool. A nil Filter defaults to allow-all; a nil SocketFactory
// defaults to KernelSocketFactory.
func New(opts Options) *Pool {
	if opts.Filter == nil {
		opts.Filter = netfilter.AllowAll{}
	}
	if opts.SocketFactory == nil {
		opts.SocketFactory = KernelSocketFactory{}
	}
	if opts.UDPTimeout <= 0 {
		opts.UDPTimeout = DefaultUDPTimeout
	}
	if opts.WorkerMaxCount <= 0 {
		opts.WorkerMaxCount = DefaultWorkerMaxCount
	}
	if opts.Log == nil {
		nop := zerolog.Nop()
		opts.Log = &nop
	}

	return &Pool{
		socketFactory:   opts.SocketFactory,
		handler:         opts.Handler,
		events:          opts.Events,
		filter:          opts.Filter,
		log:             opts.Log,
		flows:           timeoutmap.New[FlowKey, *Worker](opts.UDPTimeout),
		remoteEndpoints: timeoutmap.New[netip.AddrPort, struct{}](DefaultRemoteEndpointTimeout),
		udpTimeout:      opts.UDPTimeout,
		workerMaxCount:  opts.WorkerMaxCount,
	}
}

// SetUDPTimeout propagates T to the connection map's eviction timeout, the
// remote-endpoint set's eviction timeout, and every live worker's
// destination map, before returning.
func (p *Pool) SetUDPTimeout(timeout time.Duration) {
	p.workerMu.Lock()
	p.udpTimeout = timeout
	workers := append([]*Worker(nil), p.workers...)
	p.workerMu.Unlock()

	p.flows.SetTimeout(timeout)
	p.remoteEndpoints.SetTimeout(timeout)
	for _, w := range workers {
		w.destinations.SetTimeout(timeout)
	}
}

// WorkerCount returns the number of live workers.
func (p *Pool) WorkerCount() int {
	p.workerMu.Lock()
	defer p.workerMu.Unlock()
	return len(p.workers)
}

// SendPacket forwards one client datagram toward destination, allocating a
// worker if no existing flow mapping covers (source, destination).
func (p *Pool) SendPacket(source, destination netip.AddrPort, payload Payload, noFragment bool) error {
	p.DoWatch()

	key := FlowKey{Source: source, Destination: destination}
	worker, _, err := p.flows.GetOrCreate(key, func() (*Worker, error) {
		return p.allocateWorker(source, destination)
	})
	if err != nil {
		return err
	}
	// GetOrCreate doesn't refresh lastActive on a cache hit, so an active
	// flow must be touched explicitly here or DoWatch's sweep would evict
	// it out from under still-flowing traffic.
	p.flows.Touch(key)
	p.remoteEndpoints.Touch(destination)

	data := payload.Data
	if data == nil {
		data = []byte{}
	}
	return worker.Send(destination, data, noFragment)
}

// allocateWorker implements the first-fit allocation policy under the
// worker-list lock: rejoin a worker that already maps destination to this
// same source, else reuse an existing worker of the right address family
// that doesn't already hold destination, otherwise create one if the
// worker quota allows it.
func (p *Pool) allocateWorker(source, destination netip.AddrPort) (*Worker, error) {
	if allow, _ := p.filter.Allowed(destination.Addr().AsSlice(), int(destination.Port())); !allow {
		return nil, &ErrDestinationBlocked{}
	}

	family := AddressFamilyOf(destination.Addr())

	p.workerMu.Lock()
	defer p.workerMu.Unlock()

	for _, w := range p.workers {
		if w.Family() != family {
			continue
		}
		if bound, ok := w.destinations.Get(destination); ok && bound == source {
			// The pool-level flow entry lapsed (or was swept) but this
			// worker still maps destination back to this same source:
			// rejoin it instead of allocating a second worker for the flow.
			return w, nil
		}
	}

	for _, w := range p.workers {
		if w.Family() == family && !w.HasDestination(destination) {
			w.AddDestination(destination, source)
			isNewRemote := p.remoteEndpoints.InsertIfAbsent(destination, struct{}{})
			p.emitNewEndpoint(w.LocalEndpoint(), destination, false, isNewRemote)
			return w, nil
		}
	}

	if len(p.workers) >= p.workerMaxCount {
		incrementQuotaExceeded()
		return nil, &UdpClientQuotaError{Count: len(p.workers)}
	}

	socket, err := p.socketFactory.ListenUDP(family)
	if err != nil {
		return nil, err
	}
	worker := newWorker(family, socket, p.udpTimeout, p.handler, p.log)
	worker.AddDestination(destination, source)
	p.workers = append(p.workers, worker)
	incrementWorkerCreated()
	go worker.serve()

	isNewRemote := p.remoteEndpoints.InsertIfAbsent(destination, struct{}{})
	p.emitNewEndpoint(worker.LocalEndpoint(), destination, true, isNewRemote)
	return worker, nil
}

func (p *Pool) emitNewEndpoint(localEp, remoteEp netip.AddrPort, isNewLocal, isNewRemote bool) {
	if p.events == nil {
		return
	}
	p.events.OnNewEndpoint(NewEndpointEvent{
		Protocol:    "UDP",
		LocalEp:     localEp,
		RemoteEp:    remoteEp,
		IsNewLocal:  isNewLocal,
		IsNewRemote: isNewRemote,
	})
}

// DoWatch scans the worker list and drops any worker idle past the
// configured UDP timeout. Workers are removed from the list under the
// worker-list lock, then disposed outside it, so socket I/O during
// disposal never blocks a concurrent SendPacket's allocation branch.
// It also sweeps the flow and remote-endpoint tables on the same timeout
// so a long-running pool doesn't grow them without bound, and scrubs any
// flow entry still pointing at a worker reclaimed in this pass, so a
// resumed flow reallocates a fresh worker instead of writing to a closed
// socket.
func (p *Pool) DoWatch() {
	p.workerMu.Lock()
	var kept, idle []*Worker
	for _, w := range p.workers {
		if w.idleSince(p.udpTimeout) {
			idle = append(idle, w)
		} else {
			kept = append(kept, w)
		}
	}
	p.workers = kept
	p.workerMu.Unlock()

	for _, w := range kept {
		w.destinations.Sweep(nil)
	}
	p.flows.Sweep(nil)
	p.remoteEndpoints.Sweep(nil)

	if len(idle) == 0 {
		return
	}
	decrementActiveWorkers(len(idle))

	idleSet := make(map[*Worker]struct{}, len(idle))
	for _, w := range idle {
		idleSet[w] = struct{}{}
	}
	for _, key := range p.flows.Keys() {
		if w, ok := p.flows.Get(key); ok {
			if _, reclaimed := idleSet[w]; reclaimed {
				p.flows.Delete(key)
			}
		}
	}

	for _, w := range idle {
		w.Close()
	}
}

// Dispose tears down every worker and clears the flow and remote-endpoint
// tracking. It is idempotent: a second call is a no-op.
func (p *Pool) Dispose() {
	p.disposeOnce.Do(func() {
		p.workerMu.Lock()
		workers := p.workers
		p.workers = nil
		p.workerMu.Unlock()

		if len(workers) > 0 {
			decrementActiveWorkers(len(workers))
		}
		for _, w := range workers {
			w.Close()
		}
		p.flows.Clear(nil)
		p.remoteEndpoints.Clear(nil)
	})
}
