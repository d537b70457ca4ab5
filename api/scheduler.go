/*
scheduler.go - Automated reconciliation scheduler

PURPOSE:
  Periodically reconciles every employee's cached balance against the sum
  of their available lots. Lots that expire with a balance left make the
  cached balance drift; this is where the drift shows up.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Calls OffsetEngine.ReconcileAll; every run is persisted by the engine
  - Correct=false only reports drift, Correct=true also fixes the cache

CONFIGURATION:
  - CheckInterval: How often to check (default: 24 hours)
  - Enabled: Whether scheduler is active (default: false)
  - Correct: Whether to write corrections (default: false)

USAGE:
  scheduler := NewReconciliationScheduler(engine, log)
  scheduler.Enabled = true
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Reconcile endpoint (manual reconciliation)
  - credit/reconcile.go: Reconcile, ReconcileAll
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/service-credits/credit"
)

// ReconciliationScheduler runs ReconcileAll on a ticker.
type ReconciliationScheduler struct {
	Engine        *credit.OffsetEngine
	CheckInterval time.Duration
	Enabled       bool
	Correct       bool
	Actor         string

	log    *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewReconciliationScheduler creates a disabled scheduler with defaults.
func NewReconciliationScheduler(engine *credit.OffsetEngine, log *zap.Logger) *ReconciliationScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ReconciliationScheduler{
		Engine:        engine,
		CheckInterval: 24 * time.Hour,
		Actor:         "system:reconciler",
		log:           log.Named("scheduler"),
	}
}

// Start begins the scheduler. It runs one pass immediately.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.log.Info("disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel
	rs.stop = make(chan struct{})
	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)

	go rs.run(ctx)

	rs.log.Info("started",
		zap.Duration("interval", rs.CheckInterval),
		zap.Bool("correct", rs.Correct))
}

// Stop stops the scheduler and waits for an in-flight pass to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.cancel()
	rs.wg.Wait()
	rs.ticker = nil
	rs.log.Info("stopped")
}

func (rs *ReconciliationScheduler) run(ctx context.Context) {
	defer rs.wg.Done()

	rs.checkAndProcess(ctx)

	for {
		select {
		case <-rs.ticker.C:
			rs.checkAndProcess(ctx)
		case <-rs.stop:
			return
		}
	}
}

func (rs *ReconciliationScheduler) checkAndProcess(ctx context.Context) []credit.ReconciliationRun {
	start := time.Now()
	runs, err := rs.Engine.ReconcileAll(ctx, rs.Actor, rs.Correct)

	drifted, corrected := 0, 0
	for _, run := range runs {
		if run.HasDrift() {
			drifted++
		}
		if run.Corrected {
			corrected++
		}
	}

	fields := []zap.Field{
		zap.Int("employees", len(runs)),
		zap.Int("drifted", drifted),
		zap.Int("corrected", corrected),
		zap.Duration("took", time.Since(start)),
	}
	if err != nil {
		rs.log.Error("reconciliation pass finished with errors", append(fields, zap.Error(err))...)
	} else {
		rs.log.Info("reconciliation pass finished", fields...)
	}
	return runs
}

// RunNow triggers an immediate pass and returns its runs.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) []credit.ReconciliationRun {
	return rs.checkAndProcess(ctx)
}

// NextRunTime returns when the next scheduled check will occur.
func (rs *ReconciliationScheduler) NextRunTime() time.Time {
	return time.Now().Add(rs.CheckInterval)
}
