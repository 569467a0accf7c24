// Package registry provides the core Handle.Net REST client with
// session-aware authentication, error classification, and retry
// handling.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/noord-hollandsarchief/hdl-custom/pkg/credentials"
	"github.com/noord-hollandsarchief/hdl-custom/pkg/handle"
	"github.com/noord-hollandsarchief/hdl-custom/pkg/logging"
	"github.com/noord-hollandsarchief/hdl-custom/pkg/session"
)

// MaxPageSize is the documented registry limit. Listing more than
// 10,000 handles at a time overflows the handle server.
const MaxPageSize = 10000

// Prometheus metrics for registry operations.
var (
	pidRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pid_requests_total",
		Help: "Total registry requests by endpoint and status",
	}, []string{"endpoint", "status"})

	pidRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pid_request_duration_seconds",
		Help:    "Registry request duration in seconds by endpoint",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
	}, []string{"endpoint"})

	pidErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pid_errors_total",
		Help: "Total registry errors by class",
	}, []string{"class"})
)

// SessionSource supplies the Authorization header for requests and
// re-authenticates when a session turns out to be stale. Implemented by
// session.Manager.
type SessionSource interface {
	Header(ctx context.Context) (string, error)
	EnsureValid(ctx context.Context) (*session.Session, error)
}

// RecordCache is an optional read-through cache for full records.
// Get returns (nil, nil) on a miss. Implemented by cache.Manager.
type RecordCache interface {
	Get(ctx context.Context, id string) (*handle.Record, error)
	Set(ctx context.Context, id string, rec *handle.Record) error
}

// Config holds the registry client configuration.
type Config struct {
	// Server is the base registry URL.
	Server string

	// Sessions owns the authenticated session for this unit of work.
	Sessions SessionSource

	// Timeout applies per individual HTTP request. The registry takes
	// ~30s per page regardless of page size, so this must be generous.
	Timeout time.Duration

	// Retry configures backoff for single-record fetches. Page fetches
	// are retried by the crawl engine instead, which owns checkpointing.
	Retry RetryConfig

	// Cache optionally serves repeated record fetches.
	Cache RecordCache
}

// Client is the Handle.Net REST API client.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     zerolog.Logger
}

// New creates a new registry client.
func New(cfg Config) (*Client, error) {
	if cfg.Server == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session source is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				// Fresh connection per request; only the session token
				// is reused across requests.
				DisableKeepAlives: true,
			},
		},
		logger: logging.NewLogger("registry"),
	}, nil
}

// FetchRecord resolves a single identifier to its full record. The
// lookup is idempotent; transient failures are retried with backoff and
// a rejected session triggers exactly one re-authentication.
func (c *Client) FetchRecord(ctx context.Context, id string) (*handle.Record, error) {
	prefix, suffix, err := handle.Split(id)
	if err != nil {
		return nil, &RegistryError{Op: "fetch record", Class: ErrorClassConfig, Message: err.Error()}
	}
	canonical := handle.Normalize(id)

	if c.cfg.Cache != nil {
		rec, err := c.cfg.Cache.Get(ctx, canonical)
		if err != nil {
			c.logger.Warn().Err(err).Str("handle", canonical).Msg("Record cache get failed")
		} else if rec != nil {
			c.logger.Debug().Str("handle", canonical).Msg("Record cache hit")
			return rec, nil
		}
	}

	var rec *handle.Record
	retryErr := retryWithBackoff(ctx, c.cfg.Retry, func() error {
		body, err := c.get(ctx, "record", "/api/handles/"+url.PathEscape(prefix)+"/"+url.PathEscape(suffix))
		if err != nil {
			return err
		}

		var decoded handle.Record
		if err := json.Unmarshal(body, &decoded); err != nil {
			pidErrorsTotal.WithLabelValues(string(ErrorClassParse)).Inc()
			return &RegistryError{Op: "fetch record", Class: ErrorClassParse, Message: "decode record body", Err: err}
		}
		decoded.Raw = body
		rec = &decoded
		return nil
	}, ClassOf)
	if retryErr != nil {
		return nil, retryErr
	}

	if c.cfg.Cache != nil {
		if err := c.cfg.Cache.Set(ctx, canonical, rec); err != nil {
			c.logger.Warn().Err(err).Str("handle", canonical).Msg("Record cache set failed")
		}
	}

	return rec, nil
}

// FetchPage resolves one (prefix, page, pageSize) tuple to a page of
// bare identifiers, normalized to canonical case.
//
// Both pagination parameters are validated locally before any network
// I/O: the registry silently reinterprets omitted, negative, or
// zero-valued parameters as a request for the full unpaginated set,
// which for a large prefix fails with a server error only after a long
// delay.
func (c *Client) FetchPage(ctx context.Context, prefix string, page, pageSize int) (*handle.Page, error) {
	if page < 0 {
		return nil, &RegistryError{Op: "fetch page", Class: ErrorClassConfig,
			Message: fmt.Sprintf("page must be >= 0 (got %d)", page)}
	}
	if pageSize <= 0 {
		return nil, &RegistryError{Op: "fetch page", Class: ErrorClassConfig,
			Message: fmt.Sprintf("pageSize must be > 0 (got %d)", pageSize)}
	}
	if pageSize > MaxPageSize {
		return nil, &RegistryError{Op: "fetch page", Class: ErrorClassConfig,
			Message: fmt.Sprintf("pageSize must be <= %d (got %d)", MaxPageSize, pageSize)}
	}

	return c.fetchPage(ctx, prefix, page, pageSize)
}

// Count probes the prefix with pageSize=0, which the registry answers
// with a count and no handles. The count is as advisory as the
// totalCount on regular pages.
func (c *Client) Count(ctx context.Context, prefix string) (int64, error) {
	p, err := c.fetchPage(ctx, prefix, 0, 0)
	if err != nil {
		return 0, err
	}
	total, err := p.Total()
	if err != nil {
		pidErrorsTotal.WithLabelValues(string(ErrorClassParse)).Inc()
		return 0, &RegistryError{Op: "count", Class: ErrorClassParse,
			Message: fmt.Sprintf("totalCount %q", p.TotalCount), Err: err}
	}
	return total, nil
}

// fetchPage issues the listing request. Parameter validation happened
// in the exported callers; pageSize 0 is only reachable through Count.
func (c *Client) fetchPage(ctx context.Context, prefix string, page, pageSize int) (*handle.Page, error) {
	q := url.Values{}
	q.Set("prefix", prefix)
	q.Set("page", fmt.Sprintf("%d", page))
	q.Set("pageSize", fmt.Sprintf("%d", pageSize))

	start := time.Now()
	body, err := c.get(ctx, "page", "/api/handles?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var decoded handle.Page
	if err := json.Unmarshal(body, &decoded); err != nil {
		pidErrorsTotal.WithLabelValues(string(ErrorClassParse)).Inc()
		return nil, &RegistryError{Op: "fetch page", Class: ErrorClassParse, Message: "decode page body", Err: err}
	}

	for i, h := range decoded.Handles {
		decoded.Handles[i] = handle.Normalize(h)
	}

	c.logger.Debug().
		Str("prefix", prefix).
		Int("page", page).
		Int("page_size", pageSize).
		Int("handles", len(decoded.Handles)).
		Dur("duration", time.Since(start)).
		Msg("Got handles")

	return &decoded, nil
}

// get performs one authenticated GET. On an authorization failure it
// re-authenticates at most once and repeats the request; a second
// rejection surfaces as an auth error.
func (c *Client) get(ctx context.Context, endpoint, path string) ([]byte, error) {
	reauthenticated := false

	for {
		auth, err := c.cfg.Sessions.Header(ctx)
		if err != nil {
			return nil, c.classifySessionError(endpoint, err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Server+path, nil)
		if err != nil {
			return nil, &RegistryError{Op: endpoint, Class: ErrorClassConfig, Message: "build request", Err: err}
		}
		req.Header.Set("Authorization", auth)
		req.Header.Set("Accept", "application/json")

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		pidRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

		if err != nil {
			pidErrorsTotal.WithLabelValues(string(ErrorClassTransient)).Inc()
			pidRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
			return nil, &RegistryError{Op: endpoint, Class: ErrorClassTransient, Message: "request failed", Err: err}
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		pidRequestsTotal.WithLabelValues(endpoint, fmt.Sprintf("%d", resp.StatusCode)).Inc()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			if !reauthenticated {
				reauthenticated = true
				c.logger.Warn().
					Str("endpoint", endpoint).
					Int("status", resp.StatusCode).
					Msg("Session rejected, re-authenticating once")
				if _, err := c.cfg.Sessions.EnsureValid(ctx); err != nil {
					return nil, c.classifySessionError(endpoint, err)
				}
				continue
			}
			pidErrorsTotal.WithLabelValues(string(ErrorClassAuth)).Inc()
			return nil, &RegistryError{Op: endpoint, StatusCode: resp.StatusCode,
				Class: ErrorClassAuth, Message: "session rejected after re-authentication"}

		case resp.StatusCode == http.StatusNotFound:
			pidErrorsTotal.WithLabelValues(string(ErrorClassNotFound)).Inc()
			return nil, &RegistryError{Op: endpoint, StatusCode: resp.StatusCode,
				Class: ErrorClassNotFound, Message: resp.Status, Err: ErrNotFound}

		case resp.StatusCode >= 500:
			pidErrorsTotal.WithLabelValues(string(ErrorClassTransient)).Inc()
			return nil, &RegistryError{Op: endpoint, StatusCode: resp.StatusCode,
				Class: ErrorClassTransient, Message: resp.Status}

		case resp.StatusCode >= 400:
			// Unexpected 4xx means the request itself is wrong; retrying
			// the same request cannot succeed.
			pidErrorsTotal.WithLabelValues(string(ErrorClassConfig)).Inc()
			return nil, &RegistryError{Op: endpoint, StatusCode: resp.StatusCode,
				Class: ErrorClassConfig, Message: resp.Status}
		}

		if readErr != nil {
			pidErrorsTotal.WithLabelValues(string(ErrorClassTransient)).Inc()
			return nil, &RegistryError{Op: endpoint, Class: ErrorClassTransient, Message: "read body", Err: readErr}
		}

		return body, nil
	}
}

// classifySessionError maps session manager failures onto the error
// taxonomy: unusable credentials and rejected handshakes are fatal,
// anything else (network blip during re-auth) stays transient.
func (c *Client) classifySessionError(endpoint string, err error) error {
	class := ErrorClassTransient
	if isCredentialError(err) {
		class = ErrorClassCredential
	}
	pidErrorsTotal.WithLabelValues(string(class)).Inc()
	return &RegistryError{Op: endpoint, Class: class, Message: "session", Err: err}
}

func isCredentialError(err error) bool {
	return errors.Is(err, credentials.ErrUnusable) || errors.Is(err, session.ErrRejected)
}
