package session

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vpnhood/tunnelcore/internal/accessauthority"
	"github.com/vpnhood/tunnelcore/internal/packetutil"
	"github.com/vpnhood/tunnelcore/internal/udpproxy"
)

// defaultProtocolVersion is used when the authority's extra-data blob is
// absent or doesn't carry a protocol_version field.
const defaultProtocolVersion = 3

// ExtraData is the opaque per-session blob attached by the Access Authority,
// decoded following the teacher's POGS-style single-struct unmarshal
// convention (tunnelrpc/pogs), pared down since this core has no capnp
// transport of its own.
type ExtraData struct {
	ProtocolVersion int `json:"protocol_version"`
}

func decodeExtraData(raw []byte) ExtraData {
	if len(raw) == 0 {
		return ExtraData{ProtocolVersion: defaultProtocolVersion}
	}
	var extra ExtraData
	if err := json.Unmarshal(raw, &extra); err != nil || extra.ProtocolVersion == 0 {
		return ExtraData{ProtocolVersion: defaultProtocolVersion}
	}
	return extra
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Session is a single authorized client tunnel context, addressed by a
// 64-bit session id. The manager treats it as opaque beyond the surface
// exposed here; its own UDP/TCP data-plane state is not otherwise visible.
type Session struct {
	id        uint64
	key       []byte
	extraData ExtraData

	client accessauthority.Client
	log    *zerolog.Logger

	mu       sync.RWMutex
	response accessauthority.SessionResponse

	lastActivity int64 // unix nanos, accessed atomically

	disposeOnce sync.Once
	disposed    atomic.Bool

	poolOnce   sync.Once
	pool       *udpproxy.Pool
	newPool    func(udpproxy.InboundHandler) *udpproxy.Pool // non-nil only in per-session pool-ownership mode

	writerMu sync.RWMutex
	writer   OutboundWriter
}

// OutboundWriter delivers a packet wrapped by HandlePacket back toward the
// client. The tunnel reader/writer that ultimately carries it to the wire is
// out of scope here; this is the seam a server binary plugs into.
type OutboundWriter interface {
	WritePacket(pk packetutil.RawPacket) error
}

func newSession(resp accessauthority.SessionResponse, client accessauthority.Client, log *zerolog.Logger, newPool func(udpproxy.InboundHandler) *udpproxy.Pool) *Session {
	s := &Session{
		id:        resp.SessionID,
		key:       append([]byte(nil), resp.SessionKey...),
		extraData: decodeExtraData(resp.ExtraData),
		client:    client,
		log:       log,
		response:  resp,
		newPool:   newPool,
	}
	s.Touch()
	return s
}

// SetOutboundWriter installs the sink HandlePacket delivers wrapped UDP
// replies to. Safe to call at any time; nil disables delivery (the default).
func (s *Session) SetOutboundWriter(w OutboundWriter) {
	s.writerMu.Lock()
	s.writer = w
	s.writerMu.Unlock()
}

// HandlePacket implements udpproxy.InboundHandler: it wraps a datagram read
// back from destinationEp into an IP/UDP packet addressed
// destinationEp -> sourceEp and pushes it to the installed OutboundWriter.
// It runs on the owning worker's single read-loop goroutine and must not
// block; delivery failures are logged, never returned, since InboundHandler
// has no error channel back to the worker.
func (s *Session) HandlePacket(sourceEp, destinationEp netip.AddrPort, payload []byte) {
	s.writerMu.RLock()
	writer := s.writer
	s.writerMu.RUnlock()
	if writer == nil {
		return
	}

	// A session's pool may run several workers concurrently, each on its own
	// read-loop goroutine, so this cannot reuse a single shared Encoder (not
	// safe for concurrent use); RecomputeChecksums allocates a fresh one.
	udpPacket := packetutil.NewUDP(destinationEp.Addr(), sourceEp.Addr(), destinationEp.Port(), sourceEp.Port(), payload)
	raw, err := packetutil.RecomputeChecksums(udpPacket)
	if err != nil {
		if s.log != nil {
			s.log.Err(err).Uint64("sessionId", s.id).Msg("failed to encode inbound udp reply")
		}
		return
	}
	if err := writer.WritePacket(raw); err != nil {
		if s.log != nil {
			s.log.Err(err).Uint64("sessionId", s.id).Msg("failed to deliver inbound udp reply")
		}
	}
}

// SessionID returns the session's 64-bit identifier.
func (s *Session) SessionID() uint64 { return s.id }

// SessionKey returns the key issued by the access authority for this
// session. Callers authenticating a request should use MatchesKey instead of
// comparing this slice directly, to stay constant-time.
func (s *Session) SessionKey() []byte { return s.key }

// MatchesKey reports whether candidate equals the session's key. The
// comparison runs in constant time so a timing side channel can't be used to
// recover the key byte by byte.
func (s *Session) MatchesKey(candidate []byte) bool {
	return constantTimeEqual(s.key, candidate)
}

// Response returns the most recently recorded authority response.
func (s *Session) Response() accessauthority.SessionResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.response
}

func (s *Session) setResponse(resp accessauthority.SessionResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.response = resp
}

// ExtraData returns the decoded extra-data blob attached at creation.
func (s *Session) ExtraData() ExtraData { return s.extraData }

// LastActivityTime returns the last time this session was touched by a
// resolved request.
func (s *Session) LastActivityTime() time.Time {
	return time.Unix(0, atomic.LoadInt64(&s.lastActivity))
}

// Touch marks the session as active now. GetSession calls this on every
// successful resolution.
func (s *Session) Touch() {
	atomic.StoreInt64(&s.lastActivity, time.Now().UnixNano())
}

// IsDisposed reports whether Dispose has run.
func (s *Session) IsDisposed() bool { return s.disposed.Load() }

// UDPPool returns this session's UdpProxyPool, lazily constructing it on
// first use in per-session pool-ownership deployments. It returns nil in
// shared-pool deployments unless SetSharedPool was called.
func (s *Session) UDPPool() *udpproxy.Pool {
	if s.newPool == nil {
		return s.pool
	}
	s.poolOnce.Do(func() {
		s.pool = s.newPool(s)
	})
	return s.pool
}

// SetSharedPool injects a server-wide pool for deployments where sessions do
// not own a private UdpProxyPool (spec §9 pool-ownership design note).
func (s *Session) SetSharedPool(pool *udpproxy.Pool) {
	s.poolOnce.Do(func() {
		s.pool = pool
	})
}

// Sync pushes usage to the authority and updates the mirrored response. It
// is a no-op once the session is disposed.
func (s *Session) Sync(ctx context.Context) error {
	if s.IsDisposed() {
		return nil
	}
	resp, err := s.client.SessionAddUsage(ctx, s.id, accessauthority.AccessUsage{}, false)
	if err != nil {
		if s.log != nil {
			s.log.Err(err).Uint64("sessionId", s.id).Msg("failed to sync session usage")
		}
		return err
	}
	s.setResponse(resp)
	return nil
}

// Close cooperatively closes the session: it reports final usage to the
// authority (best effort) and then disposes local resources. Idempotent.
func (s *Session) Close(ctx context.Context) error {
	if s.IsDisposed() {
		return nil
	}
	resp, err := s.client.SessionAddUsage(ctx, s.id, accessauthority.AccessUsage{}, true)
	if err != nil {
		if s.log != nil {
			s.log.Err(err).Uint64("sessionId", s.id).Msg("failed to report closing usage")
		}
	} else {
		s.setResponse(resp)
	}
	s.Dispose()
	return err
}

// Dispose unconditionally tears down owned resources (the UDP pool, if this
// session owns one privately). Idempotent: a second call is a no-op.
func (s *Session) Dispose() {
	s.disposeOnce.Do(func() {
		s.disposed.Store(true)
		if s.newPool != nil && s.pool != nil {
			s.pool.Dispose()
		}
	})
}
