package credit

import (
	"context"

	"github.com/shopspring/decimal"
)

// Summary is an employee's ledger position.
//
// Totals cover approved lots, expired ones included. AvailableBalance only
// counts lots FIFO consumption could still draw from. CachedBalance is the
// employee's stored counter; it differs from AvailableBalance once a lot
// with a remaining balance expires.
type Summary struct {
	EmployeeID       EmployeeID
	TotalEarned      decimal.Decimal
	TotalUsed        decimal.Decimal
	TotalBalance     decimal.Decimal
	AvailableBalance decimal.Decimal
	CachedBalance    decimal.Decimal

	PendingCount  int
	ApprovedCount int
	RejectedCount int
	ExpiredCount  int
}

// Drift is CachedBalance - AvailableBalance.
func (s Summary) Drift() decimal.Decimal {
	return s.CachedBalance.Sub(s.AvailableBalance)
}

// GetSummary computes the summary from the employee's lots. ApprovedCount
// excludes lots reported as expired.
func (e *OffsetEngine) GetSummary(ctx context.Context, employeeID EmployeeID) (*Summary, error) {
	emp, err := e.store.GetEmployee(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	if emp == nil {
		return nil, notFound("employee", string(employeeID))
	}
	lots, err := e.store.LotsByEmployee(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	sum := summarize(employeeID, lots, e.clock)
	sum.CachedBalance = emp.ServiceCreditBalance
	return &sum, nil
}

func summarize(employeeID EmployeeID, lots []CreditLot, clock Clock) Summary {
	now := clock.Now()
	s := Summary{
		EmployeeID:       employeeID,
		TotalEarned:      decimal.Zero,
		TotalUsed:        decimal.Zero,
		TotalBalance:     decimal.Zero,
		AvailableBalance: decimal.Zero,
		CachedBalance:    decimal.Zero,
	}
	for _, lot := range lots {
		switch lot.EffectiveStatus(now) {
		case LotPending:
			s.PendingCount++
			continue
		case LotRejected:
			s.RejectedCount++
			continue
		case LotExpired:
			s.ExpiredCount++
		case LotApproved:
			s.ApprovedCount++
			s.AvailableBalance = s.AvailableBalance.Add(lot.CreditsBalance)
		}
		s.TotalEarned = s.TotalEarned.Add(lot.CreditsEarned)
		s.TotalUsed = s.TotalUsed.Add(lot.CreditsUsed)
		s.TotalBalance = s.TotalBalance.Add(lot.CreditsBalance)
	}
	return s
}
