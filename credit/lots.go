/*
lots.go - Credit lot lifecycle and per-lot balance mutation

LIFECYCLE:
  Create ──▶ pending ──Approve──▶ approved ──(deduct/restore)──▶ ...
                    └──Reject───▶ rejected (terminal)

  An approved lot whose expiry date has passed is reported as "expired"
  and is never offered for consumption, even with a positive balance.

FIFO ORDER:
  ListAvailable sorts by work date ascending, then by lot ID ascending.
  Lot IDs are ULIDs, so the tie-break follows creation order.
*/
package credit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CreateLotInput carries the fields a caller supplies for a new lot.
type CreateLotInput struct {
	EmployeeID  EmployeeID
	CreditType  CreditType
	WorkDate    time.Time
	HoursWorked decimal.Decimal
	Description string
	CreatedBy   string
}

// LotStore owns credit lots: creation, approval, the FIFO availability
// query and the atomic deduct/restore pair.
type LotStore struct {
	store    Store
	balances *BalanceAggregator
	clock    Clock
}

func NewLotStore(store Store, balances *BalanceAggregator, clock Clock) *LotStore {
	if clock == nil {
		clock = SystemClock{}
	}
	return &LotStore{store: store, balances: balances, clock: clock}
}

// Create records a new pending lot. CreditsEarned is hours/8 rounded to two
// decimals and the expiry date is one year after the work date.
func (s *LotStore) Create(ctx context.Context, in CreateLotInput) (*CreditLot, error) {
	if in.EmployeeID == "" {
		return nil, invalid("employee_id", "required")
	}
	if !in.CreditType.Valid() {
		return nil, invalid("credit_type", "unknown credit type %q", in.CreditType)
	}
	if in.WorkDate.IsZero() {
		return nil, invalid("work_date", "required")
	}
	if !in.HoursWorked.IsPositive() {
		return nil, invalid("hours_worked", "must be greater than zero, got %s", in.HoursWorked)
	}
	earned := CreditsForHours(in.HoursWorked)
	if !earned.IsPositive() {
		return nil, invalid("hours_worked", "%s hours earns no credits", in.HoursWorked)
	}

	emp, err := s.store.FindEligible(ctx, in.EmployeeID)
	if err != nil {
		return nil, fmt.Errorf("failed to check eligibility: %w", err)
	}
	if emp == nil {
		existing, err := s.store.GetEmployee(ctx, in.EmployeeID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, notFound("employee", string(in.EmployeeID))
		}
		return nil, invalid("employee_id", "employee %s is not eligible for service credits", in.EmployeeID)
	}

	now := s.clock.Now()
	workDate := DateOnly(in.WorkDate)
	expiry := workDate.AddDate(ExpiryPeriodYears, 0, 0)

	lot := CreditLot{
		ID:             LotID(NewID()),
		EmployeeID:     in.EmployeeID,
		CreditType:     in.CreditType,
		WorkDate:       workDate,
		HoursWorked:    in.HoursWorked,
		Description:    strings.TrimSpace(in.Description),
		CreditsEarned:  earned,
		CreditsUsed:    decimal.Zero,
		CreditsBalance: earned,
		Status:         LotPending,
		ExpiryDate:     &expiry,
		CreatedBy:      in.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.InsertLot(ctx, lot); err != nil {
		return nil, fmt.Errorf("failed to insert lot: %w", err)
	}
	return &lot, nil
}

// Get returns the lot or a NotFoundError.
func (s *LotStore) Get(ctx context.Context, id LotID) (*CreditLot, error) {
	lot, err := s.store.GetLot(ctx, id)
	if err != nil {
		return nil, err
	}
	if lot == nil {
		return nil, notFound("lot", string(id))
	}
	return lot, nil
}

// Approve moves a pending lot to approved and adds its earned credits to the
// employee's cached balance. Run it inside a transaction.
func (s *LotStore) Approve(ctx context.Context, id LotID, approverID, remarks string) (*CreditLot, error) {
	if approverID == "" {
		return nil, invalid("approver_id", "required")
	}
	lot, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if lot.Status != LotPending {
		return nil, &InvalidStateError{LotID: id, Current: lot.Status, Expected: LotPending}
	}

	now := s.clock.Now()
	lot.Status = LotApproved
	lot.ApprovedBy = approverID
	lot.ApprovedAt = &now
	lot.ApprovalRemarks = strings.TrimSpace(remarks)
	lot.UpdatedAt = now

	if err := s.store.UpdateLot(ctx, *lot); err != nil {
		return nil, fmt.Errorf("failed to update lot: %w", err)
	}
	if _, err := s.balances.Increase(ctx, lot.EmployeeID, lot.CreditsEarned); err != nil {
		return nil, err
	}
	return lot, nil
}

// Reject moves a pending lot to rejected. No balance effect.
func (s *LotStore) Reject(ctx context.Context, id LotID, rejectorID, reason string) (*CreditLot, error) {
	if rejectorID == "" {
		return nil, invalid("rejector_id", "required")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, invalid("reason", "required")
	}
	lot, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if lot.Status != LotPending {
		return nil, &InvalidStateError{LotID: id, Current: lot.Status, Expected: LotPending}
	}

	now := s.clock.Now()
	lot.Status = LotRejected
	lot.RejectedBy = rejectorID
	lot.RejectedAt = &now
	lot.RejectionReason = reason
	lot.UpdatedAt = now

	if err := s.store.UpdateLot(ctx, *lot); err != nil {
		return nil, fmt.Errorf("failed to update lot: %w", err)
	}
	return lot, nil
}

// List returns every lot of the employee in FIFO order, whatever its status.
func (s *LotStore) List(ctx context.Context, employeeID EmployeeID) ([]CreditLot, error) {
	lots, err := s.store.LotsByEmployee(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	sortFIFO(lots)
	return lots, nil
}

// ListAvailable returns approved, unexpired lots with a positive balance,
// oldest work date first.
func (s *LotStore) ListAvailable(ctx context.Context, employeeID EmployeeID) ([]CreditLot, error) {
	lots, err := s.List(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	available := lots[:0]
	for _, lot := range lots {
		if lot.IsAvailable(now) {
			available = append(available, lot)
		}
	}
	return available, nil
}

// Deduct draws amount from the lot's balance.
func (s *LotStore) Deduct(ctx context.Context, id LotID, amount decimal.Decimal) (*CreditLot, error) {
	if !amount.IsPositive() {
		return nil, invalid("amount", "must be greater than zero, got %s", amount)
	}
	lot, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if amount.GreaterThan(lot.CreditsBalance) {
		return nil, &InvariantError{
			Op:     "deduct",
			Detail: fmt.Sprintf("lot %s: deduct %s exceeds balance %s", id, amount, lot.CreditsBalance),
		}
	}
	lot.CreditsUsed = lot.CreditsUsed.Add(amount)
	lot.CreditsBalance = lot.CreditsBalance.Sub(amount)
	return s.save(ctx, "deduct", lot)
}

// Restore gives amount back to the lot. Inverse of Deduct.
func (s *LotStore) Restore(ctx context.Context, id LotID, amount decimal.Decimal) (*CreditLot, error) {
	if !amount.IsPositive() {
		return nil, invalid("amount", "must be greater than zero, got %s", amount)
	}
	lot, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if amount.GreaterThan(lot.CreditsUsed) {
		return nil, &InvariantError{
			Op:     "restore",
			Detail: fmt.Sprintf("lot %s: restore %s exceeds used %s", id, amount, lot.CreditsUsed),
		}
	}
	lot.CreditsUsed = lot.CreditsUsed.Sub(amount)
	lot.CreditsBalance = lot.CreditsBalance.Add(amount)
	return s.save(ctx, "restore", lot)
}

func (s *LotStore) save(ctx context.Context, op string, lot *CreditLot) (*CreditLot, error) {
	if !lot.Conserved() {
		return nil, &InvariantError{
			Op: op,
			Detail: fmt.Sprintf("lot %s: used %s + balance %s != earned %s",
				lot.ID, lot.CreditsUsed, lot.CreditsBalance, lot.CreditsEarned),
		}
	}
	lot.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateLot(ctx, *lot); err != nil {
		return nil, fmt.Errorf("failed to update lot: %w", err)
	}
	return lot, nil
}

// sortFIFO orders lots by work date, then by ID.
func sortFIFO(lots []CreditLot) {
	sort.SliceStable(lots, func(i, j int) bool {
		if !lots[i].WorkDate.Equal(lots[j].WorkDate) {
			return lots[i].WorkDate.Before(lots[j].WorkDate)
		}
		return lots[i].ID < lots[j].ID
	})
}
