package credit

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// OFFSET LEDGER - Provenance of every credit drawn from a lot
// =============================================================================

// OffsetLedger records which lot paid for which absence. Records are never
// deleted; a revert flips the status to reverted and keeps the row.
type OffsetLedger struct {
	store Store
	clock Clock
}

func NewOffsetLedger(store Store, clock Clock) *OffsetLedger {
	if clock == nil {
		clock = SystemClock{}
	}
	return &OffsetLedger{store: store, clock: clock}
}

// Record appends an applied offset drawing amount from lotID.
func (l *OffsetLedger) Record(
	ctx context.Context,
	lotID LotID,
	attendanceRecordID AttendanceRecordID,
	employeeID EmployeeID,
	amount decimal.Decimal,
	appliedBy string,
) (*OffsetRecord, error) {
	if !amount.IsPositive() {
		return nil, invalid("credits_used", "must be greater than zero, got %s", amount)
	}
	offset := OffsetRecord{
		ID:                 OffsetID(NewID()),
		LotID:              lotID,
		AttendanceRecordID: attendanceRecordID,
		EmployeeID:         employeeID,
		CreditsUsed:        amount,
		Status:             OffsetApplied,
		AppliedBy:          appliedBy,
		AppliedAt:          l.clock.Now(),
	}
	if err := l.store.InsertOffset(ctx, offset); err != nil {
		return nil, fmt.Errorf("failed to insert offset: %w", err)
	}
	return &offset, nil
}

func (l *OffsetLedger) Get(ctx context.Context, id OffsetID) (*OffsetRecord, error) {
	offset, err := l.store.GetOffset(ctx, id)
	if err != nil {
		return nil, err
	}
	if offset == nil {
		return nil, notFound("offset", string(id))
	}
	return offset, nil
}

// Revert flips an applied offset to reverted. It does not touch the lot or
// the balance; OffsetEngine.Revert does that in the same transaction.
func (l *OffsetLedger) Revert(ctx context.Context, id OffsetID, revertedBy, reason string) (*OffsetRecord, error) {
	offset, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if offset.Status != OffsetApplied {
		return nil, &AlreadyRevertedError{OffsetID: id}
	}
	now := l.clock.Now()
	offset.Status = OffsetReverted
	offset.RevertedBy = revertedBy
	offset.RevertedAt = &now
	offset.RevertReason = strings.TrimSpace(reason)

	if err := l.store.UpdateOffset(ctx, *offset); err != nil {
		return nil, fmt.Errorf("failed to update offset: %w", err)
	}
	return offset, nil
}

// ListByAttendanceRecord returns all offsets (any status) for one absence.
func (l *OffsetLedger) ListByAttendanceRecord(ctx context.Context, id AttendanceRecordID) ([]OffsetRecord, error) {
	return l.store.OffsetsByAttendanceRecord(ctx, id)
}

func (l *OffsetLedger) ListByLot(ctx context.Context, id LotID) ([]OffsetRecord, error) {
	return l.store.OffsetsByLot(ctx, id)
}

// CountApplied returns how many offsets for the absence are still applied.
func (l *OffsetLedger) CountApplied(ctx context.Context, id AttendanceRecordID) (int, error) {
	offsets, err := l.ListByAttendanceRecord(ctx, id)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range offsets {
		if o.Status == OffsetApplied {
			n++
		}
	}
	return n, nil
}
