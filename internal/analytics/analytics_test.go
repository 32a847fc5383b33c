package analytics_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vpnhood/tunnelcore/internal/analytics"
)

type recordingTracker struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (r *recordingTracker) TrackEvent(_ context.Context, name string, _ map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, name)
	return r.err
}

func (r *recordingTracker) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestEmitNilTrackerIsNoop(t *testing.T) {
	nop := zerolog.Nop()
	require.NotPanics(t, func() {
		analytics.Emit(nil, &nop, analytics.EventHeartbeat, nil)
	})
}

func TestEmitDeliversEventAsynchronously(t *testing.T) {
	nop := zerolog.Nop()
	tracker := &recordingTracker{}

	analytics.Emit(tracker, &nop, analytics.EventPageView, analytics.PageViewProperties("1.0", "2.0.0"))

	require.Eventually(t, func() bool {
		return len(tracker.names()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{analytics.EventPageView}, tracker.names())
}

func TestEmitSwallowsTrackerError(t *testing.T) {
	nop := zerolog.Nop()
	tracker := &recordingTracker{err: errors.New("network down")}

	require.NotPanics(t, func() {
		analytics.Emit(tracker, &nop, analytics.EventHeartbeat, analytics.HeartbeatProperties(3))
	})
	require.Eventually(t, func() bool {
		return len(tracker.names()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestNoopTracker(t *testing.T) {
	var tracker analytics.Tracker = analytics.Noop{}
	require.NoError(t, tracker.TrackEvent(context.Background(), "x", nil))
}
