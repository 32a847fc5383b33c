package udpproxy

import "fmt"

// UdpClientQuotaError is returned when allocating a worker would exceed the
// pool's configured worker_max_count. It carries the worker count observed
// at the moment of the failed allocation, per spec: "caller's responsibility
// to shed load."
type UdpClientQuotaError struct {
	Count int
}

func (e *UdpClientQuotaError) Error() string {
	return fmt.Sprintf("udp client quota exceeded: %d workers already active", e.Count)
}

// ErrDestinationBlocked is returned when the pool's injected network filter
// denies a destination.
type ErrDestinationBlocked struct {
	Reason string
}

func (e *ErrDestinationBlocked) Error() string {
	if e.Reason == "" {
		return "destination blocked by network filter"
	}
	return "destination blocked by network filter: " + e.Reason
}
