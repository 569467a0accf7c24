// Package crawl drives the resumable, checkpointed enumeration of all
// identifiers under a registry prefix.
//
// Pages are fetched strictly sequentially, never concurrently: the
// registry documents no ordering guarantee beyond per-query page
// semantics, so concurrent fetches could not be safely de-duplicated or
// checkpointed. Throughput is bounded by per-page latency, which the
// registry shows regardless of page size.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/noord-hollandsarchief/hdl-custom/pkg/handle"
	"github.com/noord-hollandsarchief/hdl-custom/pkg/logging"
	"github.com/noord-hollandsarchief/hdl-custom/pkg/registry"
	"github.com/noord-hollandsarchief/hdl-custom/pkg/throttle"
)

// Prometheus metrics for crawl progress.
var (
	pidPagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pid_pages_fetched_total",
		Help: "Total pages fetched across all crawls",
	})

	pidHandlesDownloadedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pid_handles_downloaded_total",
		Help: "Total identifiers delivered to the sink",
	})

	pidCrawlResumesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pid_crawl_resumes_total",
		Help: "Total crawls resumed from an existing checkpoint",
	})
)

// State is the crawl engine's current phase.
type State string

const (
	// StateIdle means Run has not started yet.
	StateIdle State = "idle"

	// StateFetching means a page request is in flight.
	StateFetching State = "fetching_page"

	// StatePersisting means a fetched page is being handed to the sink
	// and checkpointed.
	StatePersisting State = "persisting"

	// StateRetryWait means a retryable failure is being backed off.
	StateRetryWait State = "retry_wait"

	// StateDone is the terminal success state: a page came back empty.
	StateDone State = "done"

	// StateFatal is the terminal failure state: retries exhausted or a
	// non-retryable error. The checkpoint is left intact for resumption.
	StateFatal State = "fatal"
)

// ErrPageBudget is returned when MaxPagesPerRun pages were fetched in
// one run. The checkpoint is kept; the next run resumes where this one
// stopped.
var ErrPageBudget = errors.New("page budget for this run exhausted")

// PageFetcher resolves one (prefix, page, pageSize) tuple to a page of
// identifiers. Implemented by registry.Client.
type PageFetcher interface {
	FetchPage(ctx context.Context, prefix string, page, pageSize int) (*handle.Page, error)
}

// FatalError carries enough checkpoint context for an operator to
// resume without redoing completed pages.
type FatalError struct {
	Prefix string
	Page   int
	Count  int64
	Err    error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	return fmt.Sprintf("crawl of %s aborted at page %d (%d handles delivered): %v",
		e.Prefix, e.Page, e.Count, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FatalError) Unwrap() error {
	return e.Err
}

// Config holds crawl engine configuration.
type Config struct {
	// Prefix is the namespace to enumerate.
	Prefix string

	// PageSize per request. Must be positive and at most the registry
	// maximum; default 10,000.
	PageSize int

	// MaxAttempts bounds attempts per page, including the first.
	MaxAttempts int

	// Throttle is the conventional pause between page requests.
	Throttle time.Duration

	// MaxPagesPerRun optionally bounds how many pages a single run
	// fetches before stopping with ErrPageBudget, leaving the
	// checkpoint in place. Zero means run to completion.
	MaxPagesPerRun int

	// InitialBackoff and MaxBackoff bound the exponential backoff
	// applied between attempts of the same page.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns the operational defaults for the shared EPIC
// registry: full pages, 10s pacing, patient backoff.
func DefaultConfig(prefix string) Config {
	return Config{
		Prefix:         prefix,
		PageSize:       registry.MaxPageSize,
		MaxAttempts:    5,
		Throttle:       10 * time.Second,
		InitialBackoff: 10 * time.Second,
		MaxBackoff:     5 * time.Minute,
	}
}

// Engine enumerates one prefix as a sequence of pages, tolerating
// transient failures and resuming from the last checkpoint. One engine
// per crawl; independent crawls share nothing.
type Engine struct {
	cfg     Config
	fetcher PageFetcher
	sink    Sink
	store   Store
	pacer   *throttle.Throttle
	logger  zerolog.Logger
	state   State
}

// New creates a crawl engine.
func New(cfg Config, fetcher PageFetcher, sink Sink, store Store) (*Engine, error) {
	if cfg.Prefix == "" {
		return nil, fmt.Errorf("prefix is required")
	}
	if fetcher == nil || sink == nil || store == nil {
		return nil, fmt.Errorf("fetcher, sink, and store are required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = registry.MaxPageSize
	}
	if cfg.PageSize > registry.MaxPageSize {
		return nil, fmt.Errorf("page size must be <= %d (got %d)", registry.MaxPageSize, cfg.PageSize)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 10 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}

	return &Engine{
		cfg:     cfg,
		fetcher: fetcher,
		sink:    sink,
		store:   store,
		pacer:   throttle.New(cfg.Throttle),
		logger:  logging.NewLogger("crawl").With().Str("prefix", cfg.Prefix).Logger(),
		state:   StateIdle,
	}, nil
}

// State returns the engine's current phase.
func (e *Engine) State() State {
	return e.state
}

// Run enumerates the prefix until the keyspace is exhausted, the
// context is cancelled, or an unrecoverable error occurs. It always
// returns the last checkpoint so the caller can report where a future
// run will resume. Cancellation is observed between pages and during
// backoff sleeps, never mid-page.
func (e *Engine) Run(ctx context.Context) (Checkpoint, error) {
	cp, err := e.store.Load(ctx, e.cfg.Prefix)
	if err != nil {
		e.state = StateFatal
		return cp, &FatalError{Prefix: e.cfg.Prefix, Err: fmt.Errorf("load checkpoint: %w", err)}
	}

	if cp.IsEmpty() {
		cp = Checkpoint{
			Prefix:    e.cfg.Prefix,
			RunID:     uuid.NewString(),
			StartedAt: time.Now(),
		}
		e.logger.Info().
			Str("run_id", cp.RunID).
			Int("page_size", e.cfg.PageSize).
			Msg("Starting crawl")
	} else {
		pidCrawlResumesTotal.Inc()
		e.logger.Info().
			Str("run_id", cp.RunID).
			Int("page", cp.NextPage).
			Int64("count", cp.Count).
			Msg("Resuming crawl from checkpoint")
	}

	fetchedThisRun := 0
	for {
		if e.cfg.MaxPagesPerRun > 0 && fetchedThisRun >= e.cfg.MaxPagesPerRun {
			e.logger.Info().
				Int("pages_this_run", fetchedThisRun).
				Int("next_page", cp.NextPage).
				Msg("Page budget reached, checkpoint kept for resumption")
			return cp, ErrPageBudget
		}

		// Cancellation is only observed here, between pages, so the
		// checkpoint always describes a cleanly completed page.
		select {
		case <-ctx.Done():
			e.logger.Info().
				Int("page", cp.NextPage).
				Int64("count", cp.Count).
				Msg("Crawl interrupted, checkpoint kept for resumption")
			return cp, ctx.Err()
		default:
		}

		if err := e.pacer.Wait(ctx); err != nil {
			return cp, err
		}

		page, err := e.fetchWithRetry(ctx, cp.NextPage)
		if err != nil {
			e.state = StateFatal
			e.logger.Error().
				Err(err).
				Int("page", cp.NextPage).
				Int64("count", cp.Count).
				Msg("Crawl aborted")
			return cp, &FatalError{Prefix: e.cfg.Prefix, Page: cp.NextPage, Count: cp.Count, Err: err}
		}

		pidPagesFetchedTotal.Inc()
		fetchedThisRun++

		// An empty page is the only end-of-keyspace signal. The advisory
		// totalCount may fluctuate mid-crawl and is a string on the
		// wire, so it never participates in the stopping decision.
		if len(page.Handles) == 0 {
			e.state = StateDone
			if err := e.store.Clear(ctx, e.cfg.Prefix); err != nil {
				e.logger.Warn().Err(err).Msg("Failed to clear checkpoint after completion")
			}
			e.logger.Info().
				Int("pages", cp.NextPage).
				Int64("count", cp.Count).
				Dur("elapsed", time.Since(cp.StartedAt)).
				Msg("Crawl complete")
			return cp, nil
		}

		e.state = StatePersisting
		first := cp.Count + 1
		if err := e.sink.Accept(ctx, first, page.Handles); err != nil {
			e.state = StateFatal
			return cp, &FatalError{Prefix: e.cfg.Prefix, Page: cp.NextPage, Count: cp.Count,
				Err: fmt.Errorf("sink rejected page: %w", err)}
		}

		cp.Advance(len(page.Handles))
		if err := e.store.Save(ctx, cp); err != nil {
			e.state = StateFatal
			return cp, &FatalError{Prefix: e.cfg.Prefix, Page: cp.NextPage, Count: cp.Count,
				Err: fmt.Errorf("save checkpoint: %w", err)}
		}

		pidHandlesDownloadedTotal.Add(float64(len(page.Handles)))
		e.logProgress(cp, page)
	}
}

// fetchWithRetry attempts one page index until it succeeds, a
// non-retryable error occurs, or the attempt budget runs out. The same
// index is re-attempted every time; skipping a page on retry would be
// silent data loss.
func (e *Engine) fetchWithRetry(ctx context.Context, pageIndex int) (*handle.Page, error) {
	backoff := e.cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		e.state = StateFetching
		page, err := e.fetcher.FetchPage(ctx, e.cfg.Prefix, pageIndex, e.cfg.PageSize)
		if err == nil {
			if attempt > 1 {
				e.logger.Info().
					Int("page", pageIndex).
					Int("attempt", attempt).
					Msg("Page fetch succeeded after retry")
			}
			return page, nil
		}

		lastErr = err
		class := registry.ClassOf(err)

		if !registry.IsRetryable(err) {
			return nil, err
		}
		if attempt >= e.cfg.MaxAttempts {
			break
		}

		e.state = StateRetryWait
		jitter := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		e.logger.Warn().
			Err(err).
			Str("error_class", string(class)).
			Int("page", pageIndex).
			Int("attempt", attempt).
			Dur("backoff", jitter).
			Msg("Page fetch failed, retrying same page")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", registry.ErrContextCancelled, ctx.Err())
		case <-time.After(jitter):
		}

		backoff *= 2
		if backoff > e.cfg.MaxBackoff {
			backoff = e.cfg.MaxBackoff
		}
	}

	return nil, fmt.Errorf("%w for page %d after %d attempts: %v",
		registry.ErrRetryExhausted, pageIndex, e.cfg.MaxAttempts, lastErr)
}

// logProgress reports a completed page. The advisory total is surfaced
// as a display hint only; a parse failure downgrades to a warning and
// changes nothing.
func (e *Engine) logProgress(cp Checkpoint, page *handle.Page) {
	evt := e.logger.Info().
		Int("page", cp.NextPage-1).
		Int("size", len(page.Handles)).
		Int64("count", cp.Count)

	if total, err := page.Total(); err == nil && total > 0 {
		evt = evt.Float64("progress_pct", float64(cp.Count)/float64(total)*100)
	} else if err != nil {
		e.logger.Warn().
			Str("total_count", page.TotalCount).
			Msg("Advisory totalCount not numeric, ignoring")
	}

	evt.Msg("Got handles")
}
