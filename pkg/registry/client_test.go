package registry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/noord-hollandsarchief/hdl-custom/internal/testutil"
	"github.com/noord-hollandsarchief/hdl-custom/pkg/handle"
	"github.com/noord-hollandsarchief/hdl-custom/pkg/session"
)

// fakeSessions drives the mock registry's session accounting without a
// TLS handshake.
type fakeSessions struct {
	mock        *testutil.MockRegistry
	id          string
	ensureCalls int
	ensureErr   error
}

func (f *fakeSessions) Header(ctx context.Context) (string, error) {
	if f.id == "" {
		f.id = f.mock.IssueAuthorizedSession()
	}
	return fmt.Sprintf("Handle sessionId=%q", f.id), nil
}

func (f *fakeSessions) EnsureValid(ctx context.Context) (*session.Session, error) {
	f.ensureCalls++
	if f.ensureErr != nil {
		return nil, f.ensureErr
	}
	f.id = f.mock.IssueAuthorizedSession()
	return &session.Session{ID: f.id, IssuedAt: time.Now()}, nil
}

func setupClient(t *testing.T) (*testutil.MockRegistry, *fakeSessions, *Client) {
	t.Helper()

	mock := testutil.NewMockRegistry()
	t.Cleanup(mock.Close)

	sessions := &fakeSessions{mock: mock}
	client, err := New(Config{
		Server:   mock.URL(),
		Sessions: sessions,
		Timeout:  5 * time.Second,
		Retry: RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        10 * time.Millisecond,
			BackoffMultiplier: 2.0,
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return mock, sessions, client
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
	}{
		{
			name:        "valid config",
			config:      Config{Server: "https://registry.example", Sessions: &fakeSessions{}},
			expectError: false,
		},
		{
			name:        "missing server",
			config:      Config{Sessions: &fakeSessions{}},
			expectError: true,
		},
		{
			name:        "missing sessions",
			config:      Config{Server: "https://registry.example"},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(tt.config)
			if tt.expectError {
				if err == nil {
					t.Error("expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if client == nil {
				t.Error("client is nil")
			}
		})
	}
}

func TestFetchPage_RejectsBadParamsLocally(t *testing.T) {
	mock, _, client := setupClient(t)

	tests := []struct {
		name     string
		page     int
		pageSize int
	}{
		{"negative page", -1, 100},
		{"zero page size", 0, 0},
		{"negative page size", 0, -5},
		{"page size above registry limit", 0, MaxPageSize + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.FetchPage(context.Background(), "21.12102", tt.page, tt.pageSize)
			if err == nil {
				t.Fatal("expected error")
			}
			if ClassOf(err) != ErrorClassConfig {
				t.Errorf("error class = %q, want config", ClassOf(err))
			}
		})
	}

	// No request may reach the registry: malformed pagination makes it
	// attempt a full dump and fail only after a long delay.
	if n := mock.GetRequestCount(); n != 0 {
		t.Errorf("registry saw %d requests, want 0", n)
	}
}

func TestFetchPage_NormalizesHandles(t *testing.T) {
	mock, _, client := setupClient(t)
	mock.SetHandles("21.12102", []string{"21.12102/ab", "21.12102/Cd", "21.12102/EF"})

	page, err := client.FetchPage(context.Background(), "21.12102", 0, 10)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}

	want := []string{"21.12102/AB", "21.12102/CD", "21.12102/EF"}
	if len(page.Handles) != len(want) {
		t.Fatalf("got %d handles, want %d", len(page.Handles), len(want))
	}
	for i := range want {
		if page.Handles[i] != want[i] {
			t.Errorf("handle[%d] = %q, want %q", i, page.Handles[i], want[i])
		}
	}
	if page.TotalCount != "3" {
		t.Errorf("TotalCount = %q, want \"3\"", page.TotalCount)
	}
}

func TestFetchPage_TransientOn5xx(t *testing.T) {
	mock, _, client := setupClient(t)
	mock.SetHandles("21.12102", []string{"21.12102/AB"})
	mock.FailPage(0, 1, 500)

	_, err := client.FetchPage(context.Background(), "21.12102", 0, 10)
	if err == nil {
		t.Fatal("expected error")
	}
	if ClassOf(err) != ErrorClassTransient {
		t.Errorf("error class = %q, want transient", ClassOf(err))
	}

	// Page fetches are single-shot: retries belong to the crawl engine.
	page, err := client.FetchPage(context.Background(), "21.12102", 0, 10)
	if err != nil {
		t.Fatalf("second FetchPage: %v", err)
	}
	if len(page.Handles) != 1 {
		t.Errorf("got %d handles, want 1", len(page.Handles))
	}
}

func TestFetchRecord(t *testing.T) {
	mock, _, client := setupClient(t)
	mock.SetRecord("21.12102", "TEST", `{"responseCode":1,"handle":"21.12102/TEST","values":[{"index":1,"type":"URL","data":{"format":"string","value":"https://example.org"},"ttl":86400,"timestamp":"2021-02-18T09:41:10Z"}]}`)

	// Lookup is case-insensitive.
	rec, err := client.FetchRecord(context.Background(), "21.12102/test")
	if err != nil {
		t.Fatalf("FetchRecord: %v", err)
	}
	if rec.Handle != "21.12102/TEST" {
		t.Errorf("Handle = %q", rec.Handle)
	}
	if len(rec.Values) != 1 || rec.Values[0].Type != "URL" {
		t.Errorf("Values = %+v", rec.Values)
	}
	if len(rec.Raw) == 0 {
		t.Error("Raw body not kept")
	}
}

func TestFetchRecord_NotFound(t *testing.T) {
	_, _, client := setupClient(t)

	_, err := client.FetchRecord(context.Background(), "21.12102/DOES-NOT-EXIST")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound in chain", err)
	}
	if ClassOf(err) != ErrorClassNotFound {
		t.Errorf("error class = %q, want not_found", ClassOf(err))
	}
}

func TestFetchRecord_MalformedIdentifier(t *testing.T) {
	mock, _, client := setupClient(t)

	_, err := client.FetchRecord(context.Background(), "no-slash-here")
	if ClassOf(err) != ErrorClassConfig {
		t.Errorf("error class = %q, want config", ClassOf(err))
	}
	if n := mock.GetRequestCount(); n != 0 {
		t.Errorf("registry saw %d requests, want 0", n)
	}
}

func TestFetchRecord_RetriesTransient(t *testing.T) {
	mock, _, client := setupClient(t)
	mock.SetRecord("21.12102", "TEST", `{"responseCode":1,"handle":"21.12102/TEST","values":[]}`)
	mock.FailRecords(2, 503)

	rec, err := client.FetchRecord(context.Background(), "21.12102/TEST")
	if err != nil {
		t.Fatalf("FetchRecord: %v", err)
	}
	if rec.Handle != "21.12102/TEST" {
		t.Errorf("Handle = %q", rec.Handle)
	}
}

func TestFetchRecord_ReauthenticatesOnce(t *testing.T) {
	mock, sessions, client := setupClient(t)
	mock.SetRecord("21.12102", "TEST", `{"responseCode":1,"handle":"21.12102/TEST","values":[]}`)

	// Prime the session, then expire it server-side.
	if _, err := client.FetchRecord(context.Background(), "21.12102/TEST"); err != nil {
		t.Fatalf("priming FetchRecord: %v", err)
	}
	mock.InvalidateSessions()

	// The client still holds the stale session and must recover in-line.
	rec, err := client.FetchRecord(context.Background(), "21.12102/TEST")
	if err != nil {
		t.Fatalf("FetchRecord after invalidation: %v", err)
	}
	if rec.Handle != "21.12102/TEST" {
		t.Errorf("Handle = %q", rec.Handle)
	}
	if sessions.ensureCalls != 1 {
		t.Errorf("EnsureValid called %d times, want 1", sessions.ensureCalls)
	}
}

func TestFetchRecord_SecondAuthFailureSurfaces(t *testing.T) {
	mock, sessions, client := setupClient(t)
	mock.SetRecord("21.12102", "TEST", `{"responseCode":1,"handle":"21.12102/TEST","values":[]}`)
	mock.RejectDataRequests(true)

	_, err := client.FetchRecord(context.Background(), "21.12102/TEST")
	if err == nil {
		t.Fatal("expected error")
	}
	if ClassOf(err) != ErrorClassAuth {
		t.Errorf("error class = %q, want auth", ClassOf(err))
	}
	if sessions.ensureCalls != 1 {
		t.Errorf("EnsureValid called %d times, want exactly 1", sessions.ensureCalls)
	}
}

func TestCount(t *testing.T) {
	mock, _, client := setupClient(t)
	mock.SetHandles("21.12102", []string{"21.12102/A", "21.12102/B", "21.12102/C"})

	total, err := client.Count(context.Background(), "21.12102")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if total != 3 {
		t.Errorf("Count() = %d, want 3", total)
	}
}

// mapCache is an in-memory RecordCache for tests.
type mapCache struct {
	entries map[string]*handle.Record
	sets    int
}

func (c *mapCache) Get(ctx context.Context, id string) (*handle.Record, error) {
	return c.entries[id], nil
}

func (c *mapCache) Set(ctx context.Context, id string, rec *handle.Record) error {
	c.entries[id] = rec
	c.sets++
	return nil
}

func TestFetchRecord_CacheReadThrough(t *testing.T) {
	mock := testutil.NewMockRegistry()
	t.Cleanup(mock.Close)
	mock.SetRecord("21.12102", "TEST", `{"responseCode":1,"handle":"21.12102/TEST","values":[]}`)

	recordCache := &mapCache{entries: map[string]*handle.Record{}}
	client, err := New(Config{
		Server:   mock.URL(),
		Sessions: &fakeSessions{mock: mock},
		Cache:    recordCache,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := client.FetchRecord(context.Background(), "21.12102/TEST"); err != nil {
		t.Fatalf("first FetchRecord: %v", err)
	}
	if recordCache.sets != 1 {
		t.Errorf("cache sets = %d, want 1", recordCache.sets)
	}

	before := mock.GetRequestCount()
	if _, err := client.FetchRecord(context.Background(), "21.12102/test"); err != nil {
		t.Fatalf("second FetchRecord: %v", err)
	}
	if mock.GetRequestCount() != before {
		t.Error("cache hit should not reach the registry")
	}
}
