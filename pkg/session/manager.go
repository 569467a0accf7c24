// Package session manages the authenticated registry session obtained
// through the Handle.Net Sessions API (chapter 14.7 of the Handle
// technical manual, hdl.handle.net/20.1000/113).
//
// A Manager owns exactly one session for one unit of work. It is not a
// process-wide singleton: independent crawls hold independent managers.
package session

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noord-hollandsarchief/hdl-custom/pkg/credentials"
	"github.com/noord-hollandsarchief/hdl-custom/pkg/logging"
)

// ErrRejected marks an authentication attempt the registry refused even
// though the credentials loaded locally, e.g. an expired certificate.
var ErrRejected = errors.New("authentication rejected by registry")

// Session is an authenticated registry session. The token is opaque;
// its expiry is discovered only by a failed request.
type Session struct {
	ID              string
	AuthenticatedID string
	IssuedAt        time.Time
}

// Authorization returns the header value for requests reusing this
// session.
func (s *Session) Authorization() string {
	return fmt.Sprintf("Handle sessionId=%q", s.ID)
}

// Config holds session manager configuration.
type Config struct {
	// Server is the base registry URL, e.g.
	// https://epic-pid.storage.surfsara.nl:8001
	Server string

	// CertFile and KeyFile are the mutual-TLS credential pair.
	CertFile string
	KeyFile  string

	// CAFile optionally names a PEM bundle to trust instead of the
	// system pool (staging registries, tests).
	CAFile string

	// Timeout applies per individual HTTP request.
	Timeout time.Duration
}

// Manager performs the two-step session handshake and owns the
// resulting session until it is invalidated or closed.
type Manager struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger

	mu      sync.Mutex
	current *Session
}

// NewManager loads the credential pair and prepares the HTTP transport.
// Fails with credentials.ErrUnusable if the files cannot be used.
//
// Connections are deliberately not reused across requests: keep-alives
// are disabled and only the session token carries over. The registry's
// error behavior on stale persistent connections is unverified, and
// per-page latency dwarfs handshake cost anyway.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Server == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	cert, err := credentials.Load(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, err
	}

	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if cfg.CAFile != "" {
		pool, err := credentials.CAPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsCfg.RootCAs = pool
	}

	return &Manager{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				TLSClientConfig:   tlsCfg,
				DisableKeepAlives: true,
			},
		},
		logger: logging.NewLogger("session"),
	}, nil
}

// sessionResponse is the wire shape of both handshake steps.
type sessionResponse struct {
	SessionID     string `json:"sessionId"`
	Nonce         string `json:"nonce"`
	Authenticated bool   `json:"authenticated"`
	ID            string `json:"id"`
}

// Authenticate performs the handshake: create a session, then authorize
// it over mutual TLS. The authorized identity is logged so an operator
// can delete the session manually if the process dies.
func (m *Manager) Authenticate(ctx context.Context) (*Session, error) {
	var created sessionResponse
	if err := m.do(ctx, http.MethodPost, "/api/sessions", "", &created); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if created.SessionID == "" {
		return nil, fmt.Errorf("%w: empty sessionId", ErrRejected)
	}

	m.logger.Debug().Str("session_id", created.SessionID).Msg("Authorizing session")

	auth := fmt.Sprintf("Handle clientCert=%q, sessionId=%q", "true", created.SessionID)
	var authorized sessionResponse
	if err := m.do(ctx, http.MethodPut, "/api/sessions/this", auth, &authorized); err != nil {
		return nil, fmt.Errorf("authorize session: %w", err)
	}
	if !authorized.Authenticated {
		return nil, fmt.Errorf("%w: session %s not authenticated", ErrRejected, created.SessionID)
	}

	s := &Session{
		ID:              created.SessionID,
		AuthenticatedID: authorized.ID,
		IssuedAt:        time.Now(),
	}

	m.logger.Info().
		Str("session_id", s.ID).
		Str("authenticated_id", s.AuthenticatedID).
		Msg("Got authorized session")

	m.mu.Lock()
	m.current = s
	m.mu.Unlock()

	return s, nil
}

// Current returns the owned session, or nil before the first
// authentication.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Header returns the Authorization value for the owned session,
// authenticating first if none exists yet.
func (m *Manager) Header(ctx context.Context) (string, error) {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()

	if s == nil {
		var err error
		s, err = m.Authenticate(ctx)
		if err != nil {
			return "", err
		}
	}
	return s.Authorization(), nil
}

// EnsureValid discards a session believed stale and authenticates a new
// one. Called after a request came back with an authorization failure;
// the caller must invoke it at most once per failed request.
func (m *Manager) EnsureValid(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	old := m.current
	m.current = nil
	m.mu.Unlock()

	if old != nil {
		m.logger.Warn().
			Str("session_id", old.ID).
			Dur("age", time.Since(old.IssuedAt)).
			Msg("Discarding stale session")
	}
	return m.Authenticate(ctx)
}

// Close deletes the owned session on the server. Best-effort: a failed
// delete only means the session expires on its own.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	s := m.current
	m.current = nil
	m.mu.Unlock()

	if s == nil {
		return nil
	}

	m.logger.Debug().Str("session_id", s.ID).Msg("Deleting session")

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, m.cfg.Server+"/api/sessions/this", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", s.Authorization())

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Expecting 204 No Content.
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("delete session: unexpected status %s", resp.Status)
	}
	return nil
}

// do issues one request against the sessions API and decodes the JSON
// response body into out.
func (m *Manager) do(ctx context.Context, method, path, authorization string, out *sessionResponse) error {
	req, err := http.NewRequestWithContext(ctx, method, m.cfg.Server+path, nil)
	if err != nil {
		return err
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %s", ErrRejected, resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sessions API: unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode sessions response: %w", err)
	}

	m.logger.Debug().Int("status", resp.StatusCode).Str("path", path).Msg("Sessions API response")
	return nil
}
