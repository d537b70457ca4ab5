package credit

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BALANCE AGGREGATOR - Cached per-employee total
// =============================================================================

// BalanceAggregator maintains Employee.ServiceCreditBalance, the cached sum
// of credits an employee can spend. It is incremented on lot approval,
// decremented on offset apply and incremented again on revert.
//
// The cache is NOT touched when a lot expires. Reconciler measures (and
// optionally corrects) the resulting drift.
type BalanceAggregator struct {
	dir EmployeeDirectory
}

func NewBalanceAggregator(dir EmployeeDirectory) *BalanceAggregator {
	return &BalanceAggregator{dir: dir}
}

// Read returns the cached balance. Inside a transaction the value is
// authoritative; outside it is a point-in-time hint.
func (b *BalanceAggregator) Read(ctx context.Context, id EmployeeID) (decimal.Decimal, error) {
	return b.dir.ReadBalance(ctx, id)
}

func (b *BalanceAggregator) Increase(ctx context.Context, id EmployeeID, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, invalid("amount", "increase by negative amount %s", amount)
	}
	return b.dir.AdjustBalance(ctx, id, amount)
}

// Decrease fails with InsufficientBalanceError rather than let the cached
// balance go negative.
func (b *BalanceAggregator) Decrease(ctx context.Context, id EmployeeID, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, invalid("amount", "decrease by negative amount %s", amount)
	}
	current, err := b.dir.ReadBalance(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	if current.LessThan(amount) {
		return decimal.Zero, &InsufficientBalanceError{EmployeeID: id, Available: current, Requested: amount}
	}
	next, err := b.dir.AdjustBalance(ctx, id, amount.Neg())
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to decrease balance: %w", err)
	}
	return next, nil
}
