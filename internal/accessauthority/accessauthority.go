// Package accessauthority defines the contract the session manager uses to
// create, recover and report usage for sessions against the external Access
// Authority, plus an HTTP implementation of that contract.
//
// The session manager depends only on the Client interface; nothing in this
// package is on the hot path beyond the network round trip itself.
package accessauthority

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/vpnhood/tunnelcore/internal/retry"
)

const defaultTimeout = 15 * time.Second

// defaultRetries bounds how many times a post() retries a transient
// network failure before giving up and returning the error to the caller.
const defaultRetries = 3

// Error codes returned in SessionResponse.ErrorCode.
type ErrorCode int

const (
	Ok ErrorCode = iota
	AccessError
	SessionErrorCode
	GeneralError
)

func (c ErrorCode) String() string {
	switch c {
	case Ok:
		return "Ok"
	case AccessError:
		return "AccessError"
	case SessionErrorCode:
		return "SessionError"
	default:
		return "GeneralError"
	}
}

// AccessUsage describes usage/expiration information the authority attaches
// to an authorized session.
type AccessUsage struct {
	ExpirationTime *time.Time `json:"expirationTime,omitempty"`
	SentTraffic    int64      `json:"sentTraffic,omitempty"`
	ReceivedTraffic int64     `json:"receivedTraffic,omitempty"`
}

// SessionResponse is the immutable snapshot returned by the authority for a
// session create/get/usage call.
type SessionResponse struct {
	ErrorCode    ErrorCode    `json:"errorCode"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
	SessionID    uint64       `json:"sessionId"`
	SessionKey   []byte       `json:"sessionKey,omitempty"`
	CreatedTime  time.Time    `json:"createdTime"`
	AccessUsage  *AccessUsage `json:"accessUsage,omitempty"`
	ExtraData    []byte       `json:"extraData,omitempty"`
}

// ClientInfo identifies the connecting client application to the authority.
type ClientInfo struct {
	ClientVersion string
	UserAgent     string
}

// SessionRequest carries everything the authority needs to create a session.
type SessionRequest struct {
	HostEndpoint      string
	ClientIP          net.IP
	ExtraData         []byte
	ClientInfo        ClientInfo
	EncryptedClientID []byte
	TokenID           string
}

// Client is the contract consumed by the session manager. It deliberately
// says nothing about transport: the production implementation below uses
// HTTP, but tests supply an in-memory fake.
type Client interface {
	SessionCreate(ctx context.Context, req SessionRequest) (SessionResponse, error)
	SessionGet(ctx context.Context, sessionID uint64, hostEndpoint string, clientIP net.IP) (SessionResponse, error)
	SessionAddUsage(ctx context.Context, sessionID uint64, usage AccessUsage, closing bool) (SessionResponse, error)
}

// HTTPClient is the production Client, following the teacher's REST client
// conventions: a context-scoped http.Client, JSON bodies, a bounded default
// timeout. Failures are returned as wrapped errors; there are no sentinel
// error values to match against.
type HTTPClient struct {
	BaseURL    string
	MaxRetries uint
	Timeout    time.Duration
	// APIKey, if set, authenticates every request with an Authorization:
	// Bearer header, hex-encoded. It is the key internal/secretkey derives
	// from the server secret.
	APIKey []byte
	// Transport overrides the http.Client's RoundTripper; tests use this to
	// simulate transient network failures without a real flaky server.
	Transport http.RoundTripper
}

// NewHTTPClient builds a Client against baseURL with the default timeout and
// retry budget.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL:    baseURL,
		MaxRetries: defaultRetries,
		Timeout:    defaultTimeout,
	}
}

func (c *HTTPClient) client() *http.Client {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout, Transport: c.Transport}
}

func (c *HTTPClient) SessionCreate(ctx context.Context, req SessionRequest) (SessionResponse, error) {
	body := struct {
		HostEndpoint      string `json:"hostEndpoint"`
		ClientIP          string `json:"clientIp"`
		ExtraData         []byte `json:"extraData,omitempty"`
		ClientVersion     string `json:"clientVersion"`
		UserAgent         string `json:"userAgent"`
		EncryptedClientID []byte `json:"encryptedClientId,omitempty"`
		TokenID           string `json:"tokenId"`
	}{
		HostEndpoint:      req.HostEndpoint,
		ClientIP:          req.ClientIP.String(),
		ExtraData:         req.ExtraData,
		ClientVersion:     req.ClientInfo.ClientVersion,
		UserAgent:         req.ClientInfo.UserAgent,
		EncryptedClientID: req.EncryptedClientID,
		TokenID:           req.TokenID,
	}
	return c.post(ctx, "/api/sessions", body)
}

func (c *HTTPClient) SessionGet(ctx context.Context, sessionID uint64, hostEndpoint string, clientIP net.IP) (SessionResponse, error) {
	body := struct {
		SessionID    uint64 `json:"sessionId"`
		HostEndpoint string `json:"hostEndpoint"`
		ClientIP     string `json:"clientIp"`
	}{sessionID, hostEndpoint, clientIP.String()}
	return c.post(ctx, "/api/sessions/get", body)
}

func (c *HTTPClient) SessionAddUsage(ctx context.Context, sessionID uint64, usage AccessUsage, closing bool) (SessionResponse, error) {
	body := struct {
		SessionID uint64      `json:"sessionId"`
		Usage     AccessUsage `json:"usage"`
		Closing   bool        `json:"closing"`
	}{sessionID, usage, closing}
	return c.post(ctx, "/api/sessions/usage", body)
}

func (c *HTTPClient) post(ctx context.Context, path string, payload any) (SessionResponse, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return SessionResponse{}, errors.Wrap(err, "marshal request")
	}

	backoff := retry.BackoffHandler{MaxRetries: c.MaxRetries}
	var resp *http.Response
	for {
		httpReq, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(encoded))
		if reqErr != nil {
			return SessionResponse{}, errors.Wrap(reqErr, "build request")
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if len(c.APIKey) > 0 {
			httpReq.Header.Set("Authorization", "Bearer "+hex.EncodeToString(c.APIKey))
		}

		resp, err = c.client().Do(httpReq)
		if err == nil {
			break
		}
		if !backoff.Backoff(ctx) {
			return SessionResponse{}, errors.Wrap(err, "access authority request failed")
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return SessionResponse{}, errors.Wrap(err, "read access authority response")
	}
	if resp.StatusCode != http.StatusOK {
		return SessionResponse{}, fmt.Errorf("access authority returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var sessionResp SessionResponse
	if err := json.Unmarshal(respBody, &sessionResp); err != nil {
		return SessionResponse{}, errors.Wrap(err, "unmarshal access authority response")
	}
	return sessionResp, nil
}
