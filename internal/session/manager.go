// Package session implements the Session Manager: the authenticated,
// concurrent-safe registry of live VPN sessions, session creation and
// recovery against an external Access Authority, and the periodic
// heartbeat/cleanup job.
package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vpnhood/tunnelcore/internal/accessauthority"
	"github.com/vpnhood/tunnelcore/internal/analytics"
	"github.com/vpnhood/tunnelcore/internal/keymutex"
	"github.com/vpnhood/tunnelcore/internal/timeoutmap"
	"github.com/vpnhood/tunnelcore/internal/udpproxy"
)

// heartbeatInterval bounds the heartbeat analytics event to at most once per
// this duration, regardless of how often RunJob's outer cadence calls in.
const heartbeatInterval = 10 * time.Minute

// defaultSessionTimeout is how long a session may sit idle before cleanup
// removes and disposes it.
const defaultSessionTimeout = 6 * time.Hour

// PoolMode selects whether each Session owns a private UdpProxyPool or all
// sessions share one server-wide pool. Either model satisfies the pool
// invariants; it is purely a deployment choice (spec §9).
type PoolMode int

const (
	PerSessionPool PoolMode = iota
	SharedPoolMode
)

// EndpointPair is the (local, remote) address pair a request arrived on,
// plus the client's apparent IP as seen by the authority.
type EndpointPair struct {
	LocalEndpoint  string
	RemoteEndpoint string
	ClientIP       net.IP
}

// HelloRequest carries the client's hello payload for session creation.
type HelloRequest struct {
	ClientInfo        accessauthority.ClientInfo
	EncryptedClientID []byte
	TokenID           string
	ExtraData         []byte
}

// Options configures a new Manager.
type Options struct {
	Client        accessauthority.Client
	Analytics     analytics.Tracker
	Log           *zerolog.Logger
	ServerVersion string

	// SessionTimeout is the idle duration after which cleanup removes a
	// session. Defaults to 6h.
	SessionTimeout time.Duration

	// PoolMode selects per-session vs. shared pool ownership.
	PoolMode PoolMode
	// NewUDPPool constructs a private pool for a session, wiring handler as
	// the pool's InboundHandler so inbound replies reach that session's
	// HandlePacket; required when PoolMode is PerSessionPool.
	NewUDPPool func(handler udpproxy.InboundHandler) *udpproxy.Pool
	// SharedPool is the single pool handed to every session; required when
	// PoolMode is SharedPoolMode.
	SharedPool *udpproxy.Pool
}

// Manager owns the set of live sessions: it authenticates incoming requests
// by (session-id, session-key), creates sessions via the Access Authority,
// recovers sessions lost from memory, and drives periodic cleanup and
// heartbeat.
type Manager struct {
	client        accessauthority.Client
	analyticsHook analytics.Tracker
	serverVersion string
	sessionTimeout time.Duration

	poolMode   PoolMode
	newUDPPool func(handler udpproxy.InboundHandler) *udpproxy.Pool
	sharedPool *udpproxy.Pool

	log *zerolog.Logger

	sessions      *timeoutmap.Map[uint64, *Session]
	recoveryLocks *keymutex.Map[uint64]

	heartbeatMu   sync.Mutex
	lastHeartbeat time.Time

	disposeOnce sync.Once
	closedChan  chan struct{}
}

// NewManager builds a Manager. Session map eviction is driven explicitly by
// cleanup, not by the timeout map's own sweep, so it's constructed with a
// zero (disabled) timeout.
func NewManager(opts Options) *Manager {
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = defaultSessionTimeout
	}
	if opts.Log == nil {
		nop := zerolog.Nop()
		opts.Log = &nop
	}
	return &Manager{
		client:         opts.Client,
		analyticsHook:  opts.Analytics,
		serverVersion:  opts.ServerVersion,
		sessionTimeout: opts.SessionTimeout,
		poolMode:       opts.PoolMode,
		newUDPPool:     opts.NewUDPPool,
		sharedPool:     opts.SharedPool,
		log:            opts.Log,
		sessions:       timeoutmap.New[uint64, *Session](0),
		recoveryLocks:  keymutex.New[uint64](),
		closedChan:     make(chan struct{}),
	}
}

// UpdateLogger swaps the logger used by the manager and every session it
// subsequently creates.
func (m *Manager) UpdateLogger(log *zerolog.Logger) {
	// Benign data race, no problem if the old pointer is read or not concurrently.
	m.log = log
}

// CreateSession validates hello by calling the access authority, and on
// success materializes a Session and fires a fire-and-forget page_view
// analytics event. It returns the authority's response verbatim.
func (m *Manager) CreateSession(ctx context.Context, hello HelloRequest, endpoints EndpointPair) (accessauthority.SessionResponse, error) {
	req := accessauthority.SessionRequest{
		HostEndpoint:      endpoints.LocalEndpoint,
		ClientIP:          endpoints.ClientIP,
		ExtraData:         hello.ExtraData,
		ClientInfo:        hello.ClientInfo,
		EncryptedClientID: hello.EncryptedClientID,
		TokenID:           hello.TokenID,
	}

	requestID := uuid.NewString()

	resp, err := m.client.SessionCreate(ctx, req)
	if err != nil {
		return accessauthority.SessionResponse{}, fmt.Errorf("access authority session create (request %s): %w", requestID, err)
	}

	switch resp.ErrorCode {
	case accessauthority.AccessError:
		return accessauthority.SessionResponse{}, ErrUnauthorized
	case accessauthority.Ok:
		// continue below
	default:
		return accessauthority.SessionResponse{}, &SessionError{RequestID: requestID, Response: resp}
	}

	if _, err := m.createSessionInternal(requestID, resp); err != nil {
		return accessauthority.SessionResponse{}, err
	}

	analytics.Emit(m.analyticsHook, m.log, analytics.EventPageView,
		analytics.PageViewProperties(hello.ClientInfo.ClientVersion, m.serverVersion))

	return resp, nil
}

// createSessionInternal materializes a Session from an authority response and
// atomically inserts it under its session-id.
func (m *Manager) createSessionInternal(requestID string, resp accessauthority.SessionResponse) (*Session, error) {
	sess := m.newSession(resp)
	_, created, err := m.sessions.GetOrCreate(resp.SessionID, func() (*Session, error) {
		return sess, nil
	})
	if err != nil {
		sess.Dispose()
		return nil, err
	}
	if !created {
		// Session-id collision: must not occur under normal operation, but
		// handled defensively per spec.
		sess.Dispose()
		failResp := resp
		failResp.ErrorCode = accessauthority.SessionErrorCode
		failResp.ErrorMessage = "Could not add session to collection."
		return nil, &SessionError{RequestID: requestID, Response: failResp}
	}
	sessionsActive.Inc()
	sessionsCreatedTotal.Inc()
	return sess, nil
}

func (m *Manager) newSession(resp accessauthority.SessionResponse) *Session {
	logger := m.log.With().Uint64("sessionId", resp.SessionID).Logger()
	var newPool func(udpproxy.InboundHandler) *udpproxy.Pool
	if m.poolMode == PerSessionPool {
		newPool = m.newUDPPool
	}
	sess := newSession(resp, m.client, &logger, newPool)
	if m.poolMode == SharedPoolMode && m.sharedPool != nil {
		sess.SetSharedPool(m.sharedPool)
	}
	return sess
}

// GetSession resolves sessionID, authenticating it against key. An unknown
// id triggers recovery from the access authority.
func (m *Manager) GetSession(ctx context.Context, sessionID uint64, key []byte, endpoints EndpointPair) (*Session, error) {
	sess, ok := m.sessions.Get(sessionID)
	if !ok {
		var err error
		sess, err = m.recoverSession(ctx, sessionID, key, endpoints)
		if err != nil {
			return nil, err
		}
	} else if !sess.MatchesKey(key) {
		return nil, ErrUnauthorized
	}

	resp := sess.Response()
	if resp.ErrorCode != accessauthority.Ok {
		return nil, &SessionError{RequestID: fmt.Sprintf("%d", sessionID), Response: resp}
	}
	if sess.IsDisposed() {
		return nil, &SessionClosedError{SessionID: sessionID, Response: resp}
	}

	sess.Touch()
	return sess, nil
}

// recoverSession re-establishes a session that isn't in memory by calling
// the access authority, coalescing concurrent recoveries of the same id
// behind a per-id lock so the authority sees at most one session_get.
func (m *Manager) recoverSession(ctx context.Context, sessionID uint64, key []byte, endpoints EndpointPair) (*Session, error) {
	unlock := m.recoveryLocks.Lock(sessionID)
	defer unlock()

	if sess, ok := m.sessions.Get(sessionID); ok {
		return sess, nil
	}

	resp, err := m.client.SessionGet(ctx, sessionID, endpoints.LocalEndpoint, endpoints.ClientIP)
	if err == nil && !constantTimeEqual(resp.SessionKey, key) {
		err = fmt.Errorf("%w: session key mismatch on recovery", ErrUnauthorized)
	}
	if err == nil && resp.ErrorCode != accessauthority.Ok {
		// The session is authorized at this point, so the authority's detail
		// may be surfaced to the caller.
		err = &SessionError{RequestID: fmt.Sprintf("%d", sessionID), Response: resp}
	}

	if err != nil {
		recoveryFailuresTotal.Inc()
		deadResp := resp
		deadResp.SessionID = sessionID
		// Stamp the requester's own key, not whatever (possibly empty) key
		// the authority returned, so the cached dead session still
		// authenticates this requester on a retry and surfaces
		// SessionError/SessionClosed instead of a spurious ErrUnauthorized.
		deadResp.SessionKey = key
		deadResp.ErrorCode = accessauthority.SessionErrorCode
		deadResp.ErrorMessage = err.Error()
		dead := m.newSession(deadResp)
		// Cache the failure so a flurry of requests for the same dead id
		// doesn't re-hit the authority before the next cleanup pass.
		m.sessions.InsertIfAbsent(sessionID, dead)
		dead.Dispose()
		return nil, err
	}

	recoveriesTotal.Inc()
	return m.createSessionInternal(uuid.NewString(), resp)
}

// SessionCount returns the number of sessions currently tracked in memory.
func (m *Manager) SessionCount() int {
	return m.sessions.Len()
}

// CloseSession cooperatively closes the session, if present. Missing ids are
// not an error, and a second call on an already-closed session is a no-op.
func (m *Manager) CloseSession(ctx context.Context, sessionID uint64) {
	sess, ok := m.sessions.Get(sessionID)
	if !ok {
		return
	}
	if err := sess.Close(ctx); err != nil && m.log != nil {
		m.log.Err(err).Uint64("sessionId", sessionID).Msg("error closing session")
	}
}

// SyncSessions concurrently triggers every live session's periodic sync.
// Per-session failures are logged and do not fail the batch.
func (m *Manager) SyncSessions(ctx context.Context) {
	var g errgroup.Group
	for _, id := range m.sessions.Keys() {
		sess, ok := m.sessions.Get(id)
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := sess.Sync(ctx); err != nil {
				m.log.Err(err).Uint64("sessionId", sess.SessionID()).Msg("failed to sync session")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// RunJob runs the heartbeat and cleanup passes. It is invoked by an external
// job runner on the configured cleanup interval; the heartbeat internally
// self-debounces to at most once per heartbeatInterval.
func (m *Manager) RunJob(ctx context.Context) {
	m.heartbeat()
	m.cleanup(ctx)
}

// heartbeat is a self-debounced critical section: only one caller at a time
// gets through, and at most once per heartbeatInterval.
func (m *Manager) heartbeat() {
	m.heartbeatMu.Lock()
	if !m.lastHeartbeat.IsZero() && time.Since(m.lastHeartbeat) < heartbeatInterval {
		m.heartbeatMu.Unlock()
		return
	}
	m.lastHeartbeat = time.Now()
	m.heartbeatMu.Unlock()

	count := 0
	for _, id := range m.sessions.Keys() {
		if sess, ok := m.sessions.Get(id); ok && !sess.IsDisposed() {
			count++
		}
	}
	analytics.Emit(m.analyticsHook, m.log, analytics.EventHeartbeat, analytics.HeartbeatProperties(count))
}

// cleanup runs two passes: close sessions whose access-usage has expired,
// then remove and dispose sessions that are disposed or idle past the
// session timeout.
func (m *Manager) cleanup(ctx context.Context) {
	now := time.Now()

	for _, id := range m.sessions.Keys() {
		sess, ok := m.sessions.Get(id)
		if !ok || sess.IsDisposed() {
			continue
		}
		resp := sess.Response()
		if resp.AccessUsage != nil && resp.AccessUsage.ExpirationTime != nil && resp.AccessUsage.ExpirationTime.Before(now) {
			if err := sess.Sync(ctx); err != nil {
				m.log.Err(err).Uint64("sessionId", id).Msg("failed to close expired session")
			}
		}
	}

	minActivity := now.Add(-m.sessionTimeout)
	for _, id := range m.sessions.Keys() {
		sess, ok := m.sessions.Get(id)
		if !ok {
			continue
		}
		// remove-then-dispose: a concurrent GetSession between the delete and
		// the Dispose call below can observe a disposed session; that's the
		// documented race (spec §9), surfaced as SessionClosedError.
		if sess.IsDisposed() || sess.LastActivityTime().Before(minActivity) {
			if m.sessions.Delete(id) {
				sessionsActive.Dec()
			}
			sess.Dispose()
		}
	}
}

// Dispose disposes every session in parallel and marks the manager disposed.
// Idempotent: a concurrent second call joins the same in-flight disposal.
func (m *Manager) Dispose() {
	m.disposeOnce.Do(func() {
		close(m.closedChan)

		var g errgroup.Group
		for _, id := range m.sessions.Keys() {
			sess, ok := m.sessions.Get(id)
			if !ok {
				continue
			}
			g.Go(func() error {
				sess.Dispose()
				return nil
			})
		}
		_ = g.Wait()
		m.sessions.Clear(nil)
	})
}
