// Package refresh runs the scheduled NAV refresh job: cron-triggered or
// admin-invoked, bounded-parallel batch fetches against the quote
// provider, with a single-run sentinel and cooperative shutdown.
package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/navfolio/portfolio-server/internal/coordination"
	"github.com/navfolio/portfolio-server/internal/model"
	"github.com/navfolio/portfolio-server/internal/navstore"
	"github.com/navfolio/portfolio-server/internal/observ"
	"github.com/navfolio/portfolio-server/internal/store"
)

// Config mirrors the nav.* configuration block.
type Config struct {
	Schedule     string
	Timezone     string
	BatchSize    int
	Concurrency  int
	ReqDelay     time.Duration
	BatchDelay   time.Duration
	RetryMax     int
}

// Engine schedules and runs NAV refresh sweeps.
type Engine struct {
	db        *store.Store
	nav       *navstore.NavStore
	sentinel  *coordination.RefreshSentinel
	cfg       Config
	cron      *cron.Cron

	mu         sync.Mutex
	lastRun    model.RunSummary
}

func New(db *store.Store, nav *navstore.NavStore, sentinel *coordination.RefreshSentinel, cfg Config) (*Engine, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Timezone); err == nil {
			loc = l
		}
	}

	e := &Engine{db: db, nav: nav, sentinel: sentinel, cfg: cfg, cron: cron.New(cron.WithLocation(loc))}
	if _, err := e.cron.AddFunc(cfg.Schedule, func() {
		_, _ = e.Run(context.Background())
	}); err != nil {
		return nil, err
	}
	return e, nil
}

// Start begins the cron scheduler loop. It does not block.
func (e *Engine) Start() { e.cron.Start() }

// Stop halts scheduling of new runs and waits, until ctx expires, for a
// run the scheduler already dispatched to finish. It does not cancel that
// run: scheduled runs execute with context.Background(), so a sweep in
// progress keeps going through its remaining batches.
func (e *Engine) Stop(ctx context.Context) {
	stopCtx := e.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

// LastRun returns the most recently completed run summary.
func (e *Engine) LastRun() model.RunSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRun
}

// Run executes one refresh sweep: discover the active scheme set, fetch
// each in bounded-parallel batches with inter-request and inter-batch
// delays, and write a RunSummary. Returns an error if the sentinel is
// already held by a concurrent run, if workload discovery fails, or (with
// the partial summary) if ctx is cancelled before a batch starts.
func (e *Engine) Run(ctx context.Context) (model.RunSummary, error) {
	if !e.sentinel.TryAcquire() {
		return model.RunSummary{}, model.ErrValidation("a refresh run is already in progress")
	}
	defer e.sentinel.Release()

	started := time.Now()
	summary := model.RunSummary{RunID: uuid.NewString(), StartedAt: started.UTC()}

	schemes, err := store.DistinctSchemesWithOpenPositions(ctx, e.db.DB())
	if err != nil {
		observ.LogErr("refresh_discovery_failed", err, nil)
		return model.RunSummary{}, err
	}
	summary.Total = len(schemes)

	batchSize := e.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	concurrency := e.cfg.Concurrency
	if concurrency <= 0 || concurrency > batchSize {
		concurrency = batchSize
	}

	for start := 0; start < len(schemes); start += batchSize {
		select {
		case <-ctx.Done():
			summary.DurationMs = time.Since(started).Milliseconds()
			e.recordLastRun(summary)
			return summary, ctx.Err()
		default:
		}

		end := start + batchSize
		if end > len(schemes) {
			end = len(schemes)
		}
		batch := schemes[start:end]

		successes, failures := e.runBatch(ctx, batch, concurrency)
		summary.Successes = append(summary.Successes, successes...)
		summary.Failures = append(summary.Failures, failures...)

		if end < len(schemes) {
			select {
			case <-time.After(e.cfg.BatchDelay):
			case <-ctx.Done():
			}
		}
	}

	summary.DurationMs = time.Since(started).Milliseconds()
	e.recordLastRun(summary)
	observ.Log("refresh_run_completed", map[string]any{
		"runId": summary.RunID, "total": summary.Total,
		"successes": len(summary.Successes), "failures": len(summary.Failures),
		"durationMs": summary.DurationMs,
	})
	observ.SetGauge("refresh_last_run_total", float64(summary.Total), nil)
	observ.SetGauge("refresh_last_run_failures", float64(len(summary.Failures)), nil)
	return summary, nil
}

// runBatch fetches a batch of schemes with at most concurrency in-flight
// requests, pausing reqDelay between dispatches to cooperate with the
// provider.
func (e *Engine) runBatch(ctx context.Context, schemes []int, concurrency int) ([]int, []model.RefreshFailure) {
	type outcome struct {
		schemeCode int
		err        error
	}

	sem := make(chan struct{}, concurrency)
	results := make(chan outcome, len(schemes))
	var wg sync.WaitGroup

	for i, code := range schemes {
		wg.Add(1)
		sem <- struct{}{}
		go func(code int) {
			defer wg.Done()
			defer func() { <-sem }()
			err := e.fetchWithRetry(ctx, code)
			results <- outcome{schemeCode: code, err: err}
		}(code)

		if i < len(schemes)-1 {
			select {
			case <-time.After(e.cfg.ReqDelay):
			case <-ctx.Done():
			}
		}
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var successes []int
	var failures []model.RefreshFailure
	for o := range results {
		if o.err != nil {
			failures = append(failures, model.RefreshFailure{SchemeCode: o.schemeCode, Error: o.err.Error()})
			continue
		}
		successes = append(successes, o.schemeCode)
	}
	return successes, failures
}

func (e *Engine) fetchWithRetry(ctx context.Context, schemeCode int) error {
	retryMax := e.cfg.RetryMax
	if retryMax <= 0 {
		retryMax = 3
	}
	var lastErr error
	for attempt := 0; attempt < retryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(1<<attempt) * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := e.nav.RefreshOne(ctx, schemeCode); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func (e *Engine) recordLastRun(s model.RunSummary) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastRun = s
}
