package credit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/service-credits/credit"
)

// =============================================================================
// RECONCILIATION
// =============================================================================

func TestReconcile_ReportsDriftWithoutCorrecting(t *testing.T) {
	// GIVEN: A 2.00 lot that expired with its balance intact, plus a
	//        current 1.00 lot. Cached balance is still 3.00.
	// WHEN: Reconciling with correct=false
	// THEN: Drift 2.00 is reported and the cache is untouched

	f := newFixture(t)
	f.approvedLot(t, "emp-1", date(2024, time.February, 1), 16)
	f.approvedLot(t, "emp-1", date(2025, time.February, 1), 8)

	run, err := f.engine.Reconcile(f.ctx, "emp-1", "scheduler", false)
	require.NoError(t, err)

	assert.NotEmpty(t, run.ID)
	assert.Equal(t, credit.RunCompleted, run.Status)
	assertCredits(t, "3", run.CachedBalance)
	assertCredits(t, "1", run.ComputedBalance)
	assertCredits(t, "2", run.Drift)
	assert.True(t, run.HasDrift())
	assert.False(t, run.Corrected)
	assertCredits(t, "3", f.balance(t, "emp-1"))
}

func TestReconcile_CorrectsWhenAsked(t *testing.T) {
	f := newFixture(t)
	f.approvedLot(t, "emp-1", date(2024, time.February, 1), 16)
	f.approvedLot(t, "emp-1", date(2025, time.February, 1), 8)

	run, err := f.engine.Reconcile(f.ctx, "emp-1", "admin", true)
	require.NoError(t, err)
	assert.True(t, run.Corrected)
	assertCredits(t, "1", f.balance(t, "emp-1"))

	// A second pass finds nothing to do.
	again, err := f.engine.Reconcile(f.ctx, "emp-1", "admin", true)
	require.NoError(t, err)
	assert.False(t, again.HasDrift())
	assert.False(t, again.Corrected)

	runs, err := f.engine.ReconciliationRuns(f.ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, again.ID, runs[0].ID, "newest first")
}

func TestReconcileAll_ContinuesPastCleanEmployees(t *testing.T) {
	f := newFixture(t)
	f.employee(t, "emp-2", credit.CategoryProbationary)
	f.approvedLot(t, "emp-1", date(2024, time.January, 15), 8)
	f.approvedLot(t, "emp-2", date(2025, time.January, 15), 8)

	runs, err := f.engine.ReconcileAll(f.ctx, "scheduler", false)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	drift := map[credit.EmployeeID]bool{}
	for _, r := range runs {
		drift[r.EmployeeID] = r.HasDrift()
	}
	assert.True(t, drift["emp-1"])
	assert.False(t, drift["emp-2"])
}

func TestReconcile_UnknownEmployee(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Reconcile(f.ctx, "nobody", "admin", false)
	assert.ErrorIs(t, err, credit.ErrNotFound)
}

// =============================================================================
// COMPONENT GUARDS
// =============================================================================

func TestLotStore_DeductAndRestoreGuardConservation(t *testing.T) {
	// GIVEN: An approved 1.00 lot
	// WHEN: Deducting or restoring more than the lot allows
	// THEN: InvariantViolation and the lot is unchanged

	f := newFixture(t)
	lot := f.approvedLot(t, "emp-1", date(2025, time.January, 1), 8)
	lots := credit.NewLotStore(f.store, credit.NewBalanceAggregator(f.store), f.clock)

	_, err := lots.Deduct(f.ctx, lot.ID, credit.Credits(1.01))
	assert.ErrorIs(t, err, credit.ErrInvariantViolation)

	_, err = lots.Restore(f.ctx, lot.ID, credit.Credits(0.01))
	assert.ErrorIs(t, err, credit.ErrInvariantViolation)

	got, err := lots.Deduct(f.ctx, lot.ID, credit.Credits(0.4))
	require.NoError(t, err)
	assertCredits(t, "0.60", got.CreditsBalance)

	got, err = lots.Restore(f.ctx, lot.ID, credit.Credits(0.4))
	require.NoError(t, err)
	assertCredits(t, "1", got.CreditsBalance)
	assertCredits(t, "0", got.CreditsUsed)
}

func TestOffsetLedger_RevertOnce(t *testing.T) {
	f := newFixture(t)
	ledger := credit.NewOffsetLedger(f.store, f.clock)

	o, err := ledger.Record(f.ctx, "lot-1", "att-1", "emp-1", credit.Credits(0.5), "hr-1")
	require.NoError(t, err)
	assert.Equal(t, credit.OffsetApplied, o.Status)

	n, err := ledger.CountApplied(f.ctx, "att-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = ledger.Revert(f.ctx, o.ID, "hr-1", "oops")
	require.NoError(t, err)
	_, err = ledger.Revert(f.ctx, o.ID, "hr-1", "oops")
	assert.ErrorIs(t, err, credit.ErrAlreadyReverted)

	n, err = ledger.CountApplied(f.ctx, "att-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = ledger.Record(f.ctx, "lot-1", "att-1", "emp-1", credit.Credits(0), "hr-1")
	assert.ErrorIs(t, err, credit.ErrValidation)
}
