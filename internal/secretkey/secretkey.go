// Package secretkey holds the server secret and derives the client-facing
// API key from it. The derivation must stay stable across versions since
// clients compute the same value independently.
package secretkey

import (
	"crypto/hmac"
	"crypto/sha256"
	"sync"
)

// TunnelHTTPPassCheck is the fixed ASCII tag mixed into the derivation so
// clients and servers agree on the derived API key without exchanging it.
const TunnelHTTPPassCheck = "TUNNEL_HTTP_PASS_CHECK"

const secretLen = 128

// Store holds the server secret and its derived API key, and keeps the two
// in sync under concurrent reads and a rare write (secret rotation).
type Store struct {
	mu     sync.RWMutex
	secret [secretLen]byte
	apiKey []byte
}

// NewStore builds a Store from an initial secret, computing its derived key.
func NewStore(secret [secretLen]byte) *Store {
	s := &Store{secret: secret}
	s.apiKey = derive(secret[:])
	return s
}

// SetSecret atomically replaces the server secret and recomputes the
// derived API key.
func (s *Store) SetSecret(secret [secretLen]byte) {
	apiKey := derive(secret[:])
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secret = secret
	s.apiKey = apiKey
}

// Secret returns the current server secret.
func (s *Store) Secret() [secretLen]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.secret
}

// APIKey returns the API key derived from the current server secret.
func (s *Store) APIKey() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]byte, len(s.apiKey))
	copy(out, s.apiKey)
	return out
}

// derive computes api_key = HMAC-SHA256(secret, TunnelHTTPPassCheck).
//
// No library in the reference corpus does HMAC-based key derivation, and the
// standard crypto/hmac + crypto/sha256 pair is the idiomatic Go tool for
// exactly this primitive, so this is implemented directly on the standard
// library rather than through a third-party KDF.
func derive(secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(TunnelHTTPPassCheck))
	return mac.Sum(nil)
}
