package session

import (
	"context"
	"crypto/tls"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/noord-hollandsarchief/hdl-custom/internal/testutil"
	"github.com/noord-hollandsarchief/hdl-custom/internal/testutil/tlstest"
	"github.com/noord-hollandsarchief/hdl-custom/pkg/credentials"
)

// setupTLSRegistry starts a mock registry over TLS that accepts client
// certificates from a throwaway CA, and returns a manager config with a
// matching credential pair.
func setupTLSRegistry(t *testing.T) (*testutil.MockRegistry, Config) {
	t.Helper()

	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir)
	certPath, keyPath := ca.IssueClientPEM(t, dir, "21.12102", "312")

	mock := testutil.NewUnstartedMockRegistry()
	mock.Server().TLS = &tls.Config{
		Certificates: []tls.Certificate{ca.IssueServerCert(t)},
		ClientCAs:    ca.Pool(),
		ClientAuth:   tls.VerifyClientCertIfGiven,
	}
	mock.Server().StartTLS()
	t.Cleanup(mock.Close)

	return mock, Config{
		Server:   mock.URL(),
		CertFile: certPath,
		KeyFile:  keyPath,
		CAFile:   ca.CAFile(),
		Timeout:  5 * time.Second,
	}
}

func TestNewManager_BadCredentials(t *testing.T) {
	dir := t.TempDir()

	_, err := NewManager(Config{
		Server:   "https://registry.example",
		CertFile: filepath.Join(dir, "missing.pem"),
		KeyFile:  filepath.Join(dir, "missing-key.pem"),
	})
	if err == nil {
		t.Fatal("NewManager() with missing credentials should fail")
	}
	if !errors.Is(err, credentials.ErrUnusable) {
		t.Errorf("NewManager() error = %v, want credentials.ErrUnusable", err)
	}
}

func TestAuthenticate(t *testing.T) {
	mock, cfg := setupTLSRegistry(t)

	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	s, err := m.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if s.ID == "" {
		t.Error("session ID is empty")
	}
	if s.AuthenticatedID != "312:21.12102/USER01" {
		t.Errorf("AuthenticatedID = %q", s.AuthenticatedID)
	}
	if m.Current() != s {
		t.Error("Current() does not return the authenticated session")
	}
	if mock.AuthCount != 1 {
		t.Errorf("server saw %d authorizations, want 1", mock.AuthCount)
	}
}

func TestAuthenticate_Rejected(t *testing.T) {
	mock, cfg := setupTLSRegistry(t)
	mock.RejectAuthorization(true)

	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	_, err = m.Authenticate(context.Background())
	if !errors.Is(err, ErrRejected) {
		t.Errorf("Authenticate() error = %v, want ErrRejected", err)
	}
	if m.Current() != nil {
		t.Error("Current() should stay nil after rejected authentication")
	}
}

func TestHeader_AuthenticatesLazily(t *testing.T) {
	_, cfg := setupTLSRegistry(t)

	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	auth, err := m.Header(context.Background())
	if err != nil {
		t.Fatalf("Header: %v", err)
	}
	want := m.Current().Authorization()
	if auth != want {
		t.Errorf("Header() = %q, want %q", auth, want)
	}

	// Second call reuses the session, no new handshake.
	again, err := m.Header(context.Background())
	if err != nil {
		t.Fatalf("Header: %v", err)
	}
	if again != auth {
		t.Errorf("Header() changed between calls: %q vs %q", auth, again)
	}
}

func TestEnsureValid_ReplacesSession(t *testing.T) {
	_, cfg := setupTLSRegistry(t)

	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	first, err := m.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	second, err := m.EnsureValid(context.Background())
	if err != nil {
		t.Fatalf("EnsureValid: %v", err)
	}
	if second.ID == first.ID {
		t.Error("EnsureValid() should issue a fresh session")
	}
	if m.Current() != second {
		t.Error("Current() should return the fresh session")
	}
}

func TestClose_DeletesSession(t *testing.T) {
	mock, cfg := setupTLSRegistry(t)

	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := m.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if mock.DeletedCount != 1 {
		t.Errorf("server saw %d session deletes, want 1", mock.DeletedCount)
	}
	if m.Current() != nil {
		t.Error("Current() should be nil after Close")
	}

	// Closing without a session is a no-op.
	if err := m.Close(context.Background()); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestSession_Authorization(t *testing.T) {
	s := &Session{ID: "node0abc"}
	want := `Handle sessionId="node0abc"`
	if got := s.Authorization(); got != want {
		t.Errorf("Authorization() = %q, want %q", got, want)
	}
}
