package accessauthority

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// FakeClient is an in-memory Client used by session manager tests. It lets
// tests script canned responses per call type and counts invocations so
// coalescing behavior (spec scenario 3) can be asserted.
type FakeClient struct {
	mu sync.Mutex

	CreateFunc func(ctx context.Context, req SessionRequest) (SessionResponse, error)
	GetFunc    func(ctx context.Context, sessionID uint64, hostEndpoint string, clientIP net.IP) (SessionResponse, error)
	UsageFunc  func(ctx context.Context, sessionID uint64, usage AccessUsage, closing bool) (SessionResponse, error)

	CreateCalls int
	GetCalls    int
	UsageCalls  int
}

func (f *FakeClient) SessionCreate(ctx context.Context, req SessionRequest) (SessionResponse, error) {
	f.mu.Lock()
	f.CreateCalls++
	f.mu.Unlock()
	if f.CreateFunc == nil {
		return SessionResponse{}, fmt.Errorf("fake access authority: no CreateFunc configured")
	}
	return f.CreateFunc(ctx, req)
}

func (f *FakeClient) SessionGet(ctx context.Context, sessionID uint64, hostEndpoint string, clientIP net.IP) (SessionResponse, error) {
	f.mu.Lock()
	f.GetCalls++
	f.mu.Unlock()
	if f.GetFunc == nil {
		return SessionResponse{}, fmt.Errorf("fake access authority: no GetFunc configured")
	}
	return f.GetFunc(ctx, sessionID, hostEndpoint, clientIP)
}

func (f *FakeClient) SessionAddUsage(ctx context.Context, sessionID uint64, usage AccessUsage, closing bool) (SessionResponse, error) {
	f.mu.Lock()
	f.UsageCalls++
	f.mu.Unlock()
	if f.UsageFunc == nil {
		return SessionResponse{ErrorCode: Ok, SessionID: sessionID}, nil
	}
	return f.UsageFunc(ctx, sessionID, usage, closing)
}

// CallCount returns (create, get, usage) call counts observed so far.
func (f *FakeClient) CallCount() (create, get, usage int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.CreateCalls, f.GetCalls, f.UsageCalls
}
