// Package analytics defines the fire-and-forget event tracker consulted by
// the session manager for the page_view and heartbeat events. Failures are
// always swallowed; nothing on the request path waits on delivery.
package analytics

import (
	"context"

	"github.com/rs/zerolog"
)

// Event names emitted by the session manager.
const (
	EventPageView  = "page_view"
	EventHeartbeat = "heartbeat"
)

// Tracker sends a named event with properties to an analytics backend.
type Tracker interface {
	TrackEvent(ctx context.Context, name string, properties map[string]any) error
}

// Emit launches TrackEvent in a detached goroutine and logs (rather than
// propagates) any failure. It is a no-op if tracker is nil, matching the
// spec's "absence of the analytics hook short-circuits to a no-op."
func Emit(tracker Tracker, log *zerolog.Logger, name string, properties map[string]any) {
	if tracker == nil {
		return
	}
	go func() {
		if err := tracker.TrackEvent(context.Background(), name, properties); err != nil {
			log.Debug().Err(err).Str("event", name).Msg("Failed to emit analytics event")
		}
	}()
}

// Noop is a Tracker that does nothing; useful in tests and when analytics
// are disabled.
type Noop struct{}

func (Noop) TrackEvent(context.Context, string, map[string]any) error { return nil }

// PageViewProperties builds the properties map for the page_view event fired
// on new session creation.
func PageViewProperties(clientVersion, serverVersion string) map[string]any {
	page := "server_version/" + serverVersion
	return map[string]any{
		"client_version": clientVersion,
		"server_version": serverVersion,
		"page_title":     page,
		"page_location":  page,
	}
}

// HeartbeatProperties builds the properties map for the periodic heartbeat
// event, carrying the count of non-disposed sessions.
func HeartbeatProperties(sessionCount int) map[string]any {
	return map[string]any{
		"session_count": sessionCount,
	}
}
