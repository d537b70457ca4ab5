package credit_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/service-credits/credit"
)

// =============================================================================
// CREATE
// =============================================================================

func TestCreateCredit_ComputesCreditsAndExpiry(t *testing.T) {
	// GIVEN: 12 hours worked on Saturday March 8, 2025
	// THEN: 1.50 credits, pending, expires March 8, 2026

	f := newFixture(t)
	lot, err := f.engine.CreateCredit(f.ctx, credit.CreateLotInput{
		EmployeeID:  "emp-1",
		CreditType:  credit.CreditHolidayWork,
		WorkDate:    time.Date(2025, time.March, 8, 14, 30, 0, 0, time.UTC),
		HoursWorked: decimal.NewFromInt(12),
		Description: "  inventory  ",
		CreatedBy:   "hr-1",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, lot.ID)
	assert.Equal(t, credit.LotPending, lot.Status)
	assertCredits(t, "1.50", lot.CreditsEarned)
	assertCredits(t, "0", lot.CreditsUsed)
	assertCredits(t, "1.50", lot.CreditsBalance)
	assert.Equal(t, date(2025, time.March, 8), lot.WorkDate)
	require.NotNil(t, lot.ExpiryDate)
	assert.Equal(t, date(2026, time.March, 8), *lot.ExpiryDate)
	assert.Equal(t, "inventory", lot.Description)

	// Pending lots do not count toward the balance.
	assertCredits(t, "0", f.balance(t, "emp-1"))
}

func TestCreditsForHours_RoundsToTwoPlaces(t *testing.T) {
	tests := []struct {
		hours string
		want  string
	}{
		{"8", "1"},
		{"4", "0.5"},
		{"3", "0.38"},
		{"10", "1.25"},
		{"0.5", "0.06"},
	}
	for _, tt := range tests {
		t.Run(tt.hours, func(t *testing.T) {
			assertCredits(t, tt.want, credit.CreditsForHours(decimal.RequireFromString(tt.hours)))
		})
	}
}

func TestCreateCredit_Rejections(t *testing.T) {
	f := newFixture(t)
	f.employee(t, "emp-contract", credit.CategoryContractual)
	_, err := f.engine.RegisterEmployee(f.ctx, credit.NewEmployeeInput{
		ID: "emp-inactive", Name: "Former", Category: credit.CategoryRegular, Active: false,
	})
	require.NoError(t, err)

	valid := credit.CreateLotInput{
		EmployeeID:  "emp-1",
		CreditType:  credit.CreditTraining,
		WorkDate:    date(2025, time.May, 3),
		HoursWorked: decimal.NewFromInt(8),
		CreatedBy:   "hr-1",
	}

	tests := []struct {
		name    string
		mutate  func(in *credit.CreateLotInput)
		wantErr error
	}{
		{"unknown type", func(in *credit.CreateLotInput) { in.CreditType = "overtime" }, credit.ErrValidation},
		{"zero hours", func(in *credit.CreateLotInput) { in.HoursWorked = decimal.Zero }, credit.ErrValidation},
		{"hours round to nothing", func(in *credit.CreateLotInput) { in.HoursWorked = decimal.RequireFromString("0.01") }, credit.ErrValidation},
		{"missing work date", func(in *credit.CreateLotInput) { in.WorkDate = time.Time{} }, credit.ErrValidation},
		{"contractual employee", func(in *credit.CreateLotInput) { in.EmployeeID = "emp-contract" }, credit.ErrValidation},
		{"inactive employee", func(in *credit.CreateLotInput) { in.EmployeeID = "emp-inactive" }, credit.ErrValidation},
		{"unknown employee", func(in *credit.CreateLotInput) { in.EmployeeID = "emp-missing" }, credit.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mutate(&in)
			_, err := f.engine.CreateCredit(f.ctx, in)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	lots, err := f.engine.Lots(f.ctx, "emp-1")
	require.NoError(t, err)
	assert.Empty(t, lots)
}

// =============================================================================
// APPROVE / REJECT
// =============================================================================

func TestApproveCredit_AddsToBalanceOnce(t *testing.T) {
	// GIVEN: A pending 2.00 lot
	// WHEN: Approved, then approved again
	// THEN: Balance is 2.00; the second approval fails InvalidState

	f := newFixture(t)
	lot := f.pendingLot(t, "emp-1", date(2025, time.January, 1), 16)

	approved, err := f.engine.ApproveCredit(f.ctx, lot.ID, "supervisor-1", "  verified  ")
	require.NoError(t, err)
	assert.Equal(t, credit.LotApproved, approved.Status)
	assert.Equal(t, "supervisor-1", approved.ApprovedBy)
	assert.Equal(t, "verified", approved.ApprovalRemarks)
	require.NotNil(t, approved.ApprovedAt)
	assert.Equal(t, testNow, *approved.ApprovedAt)
	assertCredits(t, "2", f.balance(t, "emp-1"))

	_, err = f.engine.ApproveCredit(f.ctx, lot.ID, "supervisor-1", "")
	var stateErr *credit.InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, credit.LotApproved, stateErr.Current)
	assertCredits(t, "2", f.balance(t, "emp-1"))
}

func TestRejectCredit(t *testing.T) {
	f := newFixture(t)
	lot := f.pendingLot(t, "emp-1", date(2025, time.January, 1), 16)

	_, err := f.engine.RejectCredit(f.ctx, lot.ID, "supervisor-1", "")
	assert.ErrorIs(t, err, credit.ErrValidation)

	rejected, err := f.engine.RejectCredit(f.ctx, lot.ID, "supervisor-1", "no timesheet")
	require.NoError(t, err)
	assert.Equal(t, credit.LotRejected, rejected.Status)
	assert.Equal(t, "no timesheet", rejected.RejectionReason)
	require.NotNil(t, rejected.RejectedAt)

	_, err = f.engine.ApproveCredit(f.ctx, lot.ID, "supervisor-1", "")
	assert.ErrorIs(t, err, credit.ErrInvalidState)
	assertCredits(t, "0", f.balance(t, "emp-1"))
}

func TestApproveCredit_UnknownLot(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.ApproveCredit(f.ctx, "lot-missing", "supervisor-1", "")
	assert.ErrorIs(t, err, credit.ErrNotFound)
	assert.True(t, credit.IsNotFound(err))
}

func TestEffectiveStatus(t *testing.T) {
	expiry := date(2026, time.January, 1)
	lot := credit.CreditLot{Status: credit.LotApproved, ExpiryDate: &expiry, CreditsBalance: credit.Credits(1)}

	assert.Equal(t, credit.LotApproved, lot.EffectiveStatus(date(2025, time.December, 31)))
	assert.True(t, lot.IsAvailable(date(2025, time.December, 31)))
	assert.Equal(t, credit.LotExpired, lot.EffectiveStatus(expiry))
	assert.False(t, lot.IsAvailable(expiry))

	lot.Status = credit.LotPending
	assert.Equal(t, credit.LotPending, lot.EffectiveStatus(expiry))

	noExpiry := credit.CreditLot{Status: credit.LotApproved, CreditsBalance: credit.Credits(1)}
	assert.True(t, noExpiry.IsAvailable(date(2099, time.January, 1)))
}
