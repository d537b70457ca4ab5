/*
reconcile.go - Cached balance drift detection and correction

PURPOSE:
  Employee.ServiceCreditBalance is an incrementally maintained counter.
  When an approved lot with a remaining balance passes its expiry date the
  counter is NOT adjusted, so it drifts above what FIFO can actually draw.

  Reconcile recomputes the available balance from lots and records the
  result as a ReconciliationRun. It only writes the corrected value back
  when asked to (correct=true); otherwise it reports.

DESIGN:
  - Runs under the same employee lock and transaction as apply/revert,
    so the comparison never races a concurrent offset.
  - Every run is persisted, including failed ones, for audit.
  - ReconcileAll keeps going past per-employee failures and returns them
    joined.

SEE ALSO:
  - api/scheduler.go: periodic runs
  - cmd/server/main.go: "creditd reconcile"
*/
package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// ReconciliationRun is the audit record of one reconciliation.
type ReconciliationRun struct {
	ID              string
	EmployeeID      EmployeeID
	CachedBalance   decimal.Decimal
	ComputedBalance decimal.Decimal
	Drift           decimal.Decimal // cached - computed
	Corrected       bool
	Status          RunStatus
	Error           string
	Actor           string
	StartedAt       time.Time
	CompletedAt     *time.Time
}

// HasDrift reports whether cached and computed balances disagree.
func (r ReconciliationRun) HasDrift() bool { return !r.Drift.IsZero() }

// Reconcile compares an employee's cached balance with the sum of their
// available lots.
func (e *OffsetEngine) Reconcile(ctx context.Context, employeeID EmployeeID, actor string, correct bool) (*ReconciliationRun, error) {
	if actor == "" {
		return nil, e.fail("reconcile", invalid("actor", "required"))
	}
	unlock, err := e.lockEmployee(ctx, employeeID)
	if err != nil {
		return nil, e.fail("reconcile", err)
	}
	defer unlock()

	run := ReconciliationRun{
		ID:         uuid.NewString(),
		EmployeeID: employeeID,
		Actor:      actor,
		StartedAt:  e.clock.Now(),
	}

	err = e.store.WithTx(ctx, func(s Store) error {
		c := e.bind(s)
		cached, err := c.balances.Read(ctx, employeeID)
		if err != nil {
			return err
		}
		available, err := c.lots.ListAvailable(ctx, employeeID)
		if err != nil {
			return err
		}
		computed := decimal.Zero
		for _, lot := range available {
			computed = computed.Add(lot.CreditsBalance)
		}

		run.CachedBalance = cached
		run.ComputedBalance = computed
		run.Drift = cached.Sub(computed)

		if correct && run.HasDrift() {
			if _, err := s.AdjustBalance(ctx, employeeID, run.Drift.Neg()); err != nil {
				return fmt.Errorf("failed to correct balance: %w", err)
			}
			run.Corrected = true
		}

		completed := e.clock.Now()
		run.Status = RunCompleted
		run.CompletedAt = &completed
		return s.SaveReconciliationRun(ctx, run)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, e.fail("reconcile", err)
		}
		// Keep an audit row for the failure outside the rolled back tx.
		run.Status = RunFailed
		run.Error = err.Error()
		run.Corrected = false
		if saveErr := e.store.SaveReconciliationRun(ctx, run); saveErr != nil {
			e.log.Error("failed to record failed reconciliation run", zap.Error(saveErr))
		}
		return nil, e.fail("reconcile", err)
	}

	if run.HasDrift() {
		e.metrics.DriftObserved(employeeID, run.Drift)
		e.log.Warn("balance drift detected",
			zap.String("employee_id", string(employeeID)),
			zap.String("cached", run.CachedBalance.StringFixed(CreditPlaces)),
			zap.String("computed", run.ComputedBalance.StringFixed(CreditPlaces)),
			zap.Bool("corrected", run.Corrected),
		)
	} else {
		e.metrics.DriftObserved(employeeID, decimal.Zero)
	}
	return &run, nil
}

// ReconcileAll reconciles every employee in the directory.
func (e *OffsetEngine) ReconcileAll(ctx context.Context, actor string, correct bool) ([]ReconciliationRun, error) {
	ids, err := e.store.ListEmployeeIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list employees: %w", err)
	}

	var (
		runs []ReconciliationRun
		errs []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		run, err := e.Reconcile(ctx, id, actor, correct)
		if err != nil {
			errs = append(errs, fmt.Errorf("employee %s: %w", id, err))
			continue
		}
		runs = append(runs, *run)
	}

	drifted := 0
	for _, r := range runs {
		if r.HasDrift() {
			drifted++
		}
	}
	e.log.Info("reconciliation finished",
		zap.Int("employees", len(ids)),
		zap.Int("drifted", drifted),
		zap.Int("failed", len(errs)),
		zap.Bool("correct", correct),
	)
	return runs, errors.Join(errs...)
}

// ReconciliationRuns returns the most recent runs, newest first.
func (e *OffsetEngine) ReconciliationRuns(ctx context.Context, limit int) ([]ReconciliationRun, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.store.ListReconciliationRuns(ctx, limit)
}
