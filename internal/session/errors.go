package session

import (
	"errors"
	"fmt"

	"github.com/vpnhood/tunnelcore/internal/accessauthority"
)

// ErrUnauthorized is returned whenever a request presents a session-key that
// doesn't match the stored one, or the authority refuses session creation.
// Its text is the generic, client-safe message: the underlying reason (a
// banned token, a key mismatch) is never appended on the creation path.
var ErrUnauthorized = errors.New("Access Error.")

// SessionError surfaces an authority-level failure on an already-authorized
// session: the response is carried verbatim so callers can inspect the
// authority's own error code and message.
type SessionError struct {
	RequestID string
	Response  accessauthority.SessionResponse
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session error (request %s): %s", e.RequestID, e.Response.ErrorMessage)
}

// SessionClosedError is returned by GetSession when the resolved session is
// disposed. It can legitimately race with a concurrent remove-then-dispose in
// cleanup (spec §9 open question); callers should treat it the same as any
// other session-not-usable error.
type SessionClosedError struct {
	SessionID uint64
	Response  accessauthority.SessionResponse
}

func (e *SessionClosedError) Error() string {
	return fmt.Sprintf("session %d is closed", e.SessionID)
}
