// Package testutil provides testing utilities for the PID client.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
)

// MockRegistry is a configurable in-memory Handle.Net registry for
// tests. It implements the Sessions API, the paginated listing API, and
// the single-record API, with hooks for failure injection.
type MockRegistry struct {
	server *httptest.Server

	mu          sync.Mutex
	prefix      string
	handles     []string
	records     map[string]string
	sessions    map[string]bool
	sessionSeq  int
	rejectData  bool
	rejectAuth  bool
	pageFails   map[int]*failurePlan
	recordFails *failurePlan

	// Tracking
	RequestCount  int
	PagesServed   []int
	AuthCount     int
	DeletedCount  int
	LastRequested http.Header
}

type failurePlan struct {
	status    int
	remaining int
}

// NewMockRegistry creates a started mock registry server.
func NewMockRegistry() *MockRegistry {
	m := &MockRegistry{
		records:   make(map[string]string),
		sessions:  make(map[string]bool),
		pageFails: make(map[int]*failurePlan),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handler))
	return m
}

// NewUnstartedMockRegistry creates a mock registry whose server has not
// been started, so a test can attach a TLS configuration first.
func NewUnstartedMockRegistry() *MockRegistry {
	m := &MockRegistry{
		records:   make(map[string]string),
		sessions:  make(map[string]bool),
		pageFails: make(map[int]*failurePlan),
	}
	m.server = httptest.NewUnstartedServer(http.HandlerFunc(m.handler))
	return m
}

// Server exposes the underlying httptest server for TLS setup.
func (m *MockRegistry) Server() *httptest.Server {
	return m.server
}

// URL returns the mock server URL.
func (m *MockRegistry) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockRegistry) Close() {
	m.server.Close()
}

// SetHandles replaces the enumerable dataset for a prefix.
func (m *MockRegistry) SetHandles(prefix string, handles []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefix = prefix
	m.handles = handles
}

// AddHandles appends identifiers mid-test, simulating concurrent
// insertions during a crawl.
func (m *MockRegistry) AddHandles(handles ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handles = append(m.handles, handles...)
}

// SetRecord configures the response body for a single-record lookup.
// The suffix match is case-insensitive, like the registry's.
func (m *MockRegistry) SetRecord(prefix, suffix, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[strings.ToUpper(prefix+"/"+suffix)] = body
}

// FailPage makes the next `times` requests for a page index fail with
// the given status.
func (m *MockRegistry) FailPage(page, times, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageFails[page] = &failurePlan{status: status, remaining: times}
}

// FailRecords makes the next `times` record lookups fail with status.
func (m *MockRegistry) FailRecords(times, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordFails = &failurePlan{status: status, remaining: times}
}

// IssueAuthorizedSession creates an already-authorized session without
// going through the handshake, for tests driving the data APIs with a
// fake session source.
func (m *MockRegistry) IssueAuthorizedSession() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionSeq++
	id := fmt.Sprintf("node0session%04d", m.sessionSeq)
	m.sessions[id] = true
	return id
}

// InvalidateSessions expires every issued session, so the next data
// request is rejected until the client re-authenticates.
func (m *MockRegistry) InvalidateSessions() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.sessions {
		m.sessions[id] = false
	}
}

// RejectAuthorization makes the session authorization step fail, as the
// registry does for certificates it does not accept.
func (m *MockRegistry) RejectAuthorization(reject bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectAuth = reject
}

// RejectDataRequests forces 401 on every data request regardless of
// session state, including after re-authentication.
func (m *MockRegistry) RejectDataRequests(reject bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectData = reject
}

// GetRequestCount returns the number of requests the server handled.
func (m *MockRegistry) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RequestCount
}

func (m *MockRegistry) handler(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.RequestCount++
	m.LastRequested = r.Header.Clone()
	m.mu.Unlock()

	switch {
	case r.URL.Path == "/api/sessions" && r.Method == http.MethodPost:
		m.createSession(w)
	case r.URL.Path == "/api/sessions/this" && r.Method == http.MethodPut:
		m.authorizeSession(w, r)
	case r.URL.Path == "/api/sessions/this" && r.Method == http.MethodDelete:
		m.deleteSession(w, r)
	case r.URL.Path == "/api/handles" && r.Method == http.MethodGet:
		m.listHandles(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/handles/") && r.Method == http.MethodGet:
		m.getRecord(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (m *MockRegistry) createSession(w http.ResponseWriter) {
	m.mu.Lock()
	m.sessionSeq++
	id := fmt.Sprintf("node0session%04d", m.sessionSeq)
	m.sessions[id] = false
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": id,
		"nonce":     "Df1HlFib4vc8CcWZqHuKXQ==",
	})
}

func (m *MockRegistry) authorizeSession(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	id := sessionIDFrom(auth)

	m.mu.Lock()
	if m.rejectAuth {
		m.mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	_, known := m.sessions[id]
	if known && strings.Contains(auth, `clientCert="true"`) {
		m.sessions[id] = true
		m.AuthCount++
	}
	authorized := known && m.sessions[id]
	m.mu.Unlock()

	if !authorized {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId":     id,
		"nonce":         "Df1HlFib4vc8CcWZqHuKXQ==",
		"authenticated": true,
		"id":            "312:21.12102/USER01",
	})
}

func (m *MockRegistry) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := sessionIDFrom(r.Header.Get("Authorization"))

	m.mu.Lock()
	delete(m.sessions, id)
	m.DeletedCount++
	m.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

// authorized checks the data-request session header.
func (m *MockRegistry) authorized(r *http.Request) bool {
	id := sessionIDFrom(r.Header.Get("Authorization"))
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rejectData {
		return false
	}
	return m.sessions[id]
}

func (m *MockRegistry) listHandles(w http.ResponseWriter, r *http.Request) {
	if !m.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	// The real registry interprets missing pagination parameters as a
	// request for the full dump and eventually errors out; the mock is
	// blunter so a client bug cannot go unnoticed.
	if !q.Has("page") || !q.Has("pageSize") {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	page, err1 := strconv.Atoi(q.Get("page"))
	size, err2 := strconv.Atoi(q.Get("pageSize"))
	if err1 != nil || err2 != nil || page < 0 || size < 0 {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	m.mu.Lock()
	if plan := m.pageFails[page]; plan != nil && plan.remaining > 0 {
		plan.remaining--
		status := plan.status
		m.mu.Unlock()
		w.WriteHeader(status)
		return
	}
	m.PagesServed = append(m.PagesServed, page)
	total := len(m.handles)
	var slice []string
	if size > 0 {
		lo := page * size
		if lo > total {
			lo = total
		}
		hi := lo + size
		if hi > total {
			hi = total
		}
		slice = append(slice, m.handles[lo:hi]...)
	}
	prefix := m.prefix
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"responseCode": 1,
		"prefix":       prefix,
		"totalCount":   strconv.Itoa(total),
		"page":         page,
		"pageSize":     size,
		"handles":      slice,
	})
}

func (m *MockRegistry) getRecord(w http.ResponseWriter, r *http.Request) {
	if !m.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	m.mu.Lock()
	if m.recordFails != nil && m.recordFails.remaining > 0 {
		m.recordFails.remaining--
		status := m.recordFails.status
		m.mu.Unlock()
		w.WriteHeader(status)
		return
	}
	id := strings.ToUpper(strings.TrimPrefix(r.URL.Path, "/api/handles/"))
	body, ok := m.records[id]
	m.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}

// sessionIDFrom extracts the sessionId value from an Authorization
// header like `Handle clientCert="true", sessionId="node0..."`.
func sessionIDFrom(auth string) string {
	const marker = `sessionId="`
	i := strings.Index(auth, marker)
	if i < 0 {
		return ""
	}
	rest := auth[i+len(marker):]
	j := strings.Index(rest, `"`)
	if j < 0 {
		return ""
	}
	return rest[:j]
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
