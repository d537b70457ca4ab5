/*
engine.go - FIFO offset engine

PURPOSE:
  OffsetEngine is the only entry point that mutates the ledger. It runs
  LotStore, OffsetLedger and BalanceAggregator inside ONE store transaction
  per call, under a per-employee lock.

APPLY (FIFO consumption):
  1. cached balance >= needed, else ErrInsufficientBalance (no mutation)
  2. lots := ListAvailable (oldest work date first, ties by lot ID)
  3. for each lot while remaining > 0:
        take := min(lot.balance, remaining)
        deduct lot, record offset, remaining -= take
  4. remaining > 0 → ErrInsufficientBalance, roll back everything
  5. decrease cached balance by needed
  6. mark the absence as offset
  7. commit

  Example: lots L1(Jan 1, 2.00) and L2(Feb 1, 1.00), apply 2.50
           → offsets [L1: 2.00, L2: 0.50], L1=0.00, L2=0.50, balance 0.50

REVERT:
  1. load offset; ErrNotFound / ErrAlreadyReverted
  2. restore lot, 3. increase cached balance, 4. mark offset reverted
  5. if no applied offset remains for the absence, restore its status
  6. commit

CONCURRENCY:
  The per-employee lock stops two applies for the same employee from both
  passing step 1 and overdrawing. Different employees run in parallel.
  Step 4 re-validates inside the transaction regardless.

SEE ALSO:
  - lots.go, offsets.go, balance.go: components
  - locker.go: per-employee lock with timeout (ErrBusy)
  - reconcile.go: cached balance drift
*/
package credit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultLockTimeout bounds how long an operation waits for the employee lock.
const DefaultLockTimeout = 5 * time.Second

// =============================================================================
// METRICS HOOK
// =============================================================================

// Recorder receives engine events. metrics.Metrics implements it with
// Prometheus collectors.
type Recorder interface {
	CreditApproved(credits decimal.Decimal)
	OffsetApplied(credits decimal.Decimal, lots int)
	OffsetReverted(credits decimal.Decimal)
	OperationFailed(op, kind string)
	DriftObserved(employeeID EmployeeID, drift decimal.Decimal)
}

type nopRecorder struct{}

func (nopRecorder) CreditApproved(decimal.Decimal)             {}
func (nopRecorder) OffsetApplied(decimal.Decimal, int)         {}
func (nopRecorder) OffsetReverted(decimal.Decimal)             {}
func (nopRecorder) OperationFailed(string, string)             {}
func (nopRecorder) DriftObserved(EmployeeID, decimal.Decimal) {}

// =============================================================================
// ENGINE
// =============================================================================

type OffsetEngine struct {
	store   TxStore
	clock   Clock
	locks   *KeyedLocker
	log     *zap.Logger
	metrics Recorder
}

type Option func(*OffsetEngine)

func WithClock(c Clock) Option { return func(e *OffsetEngine) { e.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(e *OffsetEngine) { e.log = l } }

func WithRecorder(r Recorder) Option { return func(e *OffsetEngine) { e.metrics = r } }

func WithLockTimeout(d time.Duration) Option {
	return func(e *OffsetEngine) { e.locks = NewKeyedLocker(d) }
}

func NewOffsetEngine(store TxStore, opts ...Option) *OffsetEngine {
	e := &OffsetEngine{
		store:   store,
		clock:   SystemClock{},
		locks:   NewKeyedLocker(DefaultLockTimeout),
		log:     zap.NewNop(),
		metrics: nopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.Named("credit.engine")
	return e
}

// components binds the three ledger components to one store (usually the
// transactional view handed to WithTx).
type components struct {
	lots     *LotStore
	offsets  *OffsetLedger
	balances *BalanceAggregator
}

func (e *OffsetEngine) bind(s Store) components {
	balances := NewBalanceAggregator(s)
	return components{
		lots:     NewLotStore(s, balances, e.clock),
		offsets:  NewOffsetLedger(s, e.clock),
		balances: balances,
	}
}

func (e *OffsetEngine) lockEmployee(ctx context.Context, id EmployeeID) (func(), error) {
	return e.locks.Lock(ctx, "employee:"+string(id))
}

// fail records the failure and logs it. Invariant violations are always
// logged at error level.
func (e *OffsetEngine) fail(op string, err error) error {
	kind := Kind(err)
	e.metrics.OperationFailed(op, kind)
	switch {
	case errors.Is(err, ErrInvariantViolation):
		e.log.Error("ledger invariant violated", zap.String("op", op), zap.Error(err))
	case kind == "internal":
		e.log.Error("operation failed", zap.String("op", op), zap.Error(err))
	default:
		e.log.Debug("operation rejected", zap.String("op", op), zap.String("kind", kind), zap.Error(err))
	}
	return err
}

// =============================================================================
// CREDIT LOT OPERATIONS
// =============================================================================

// CreateCredit records a pending lot for hours worked.
func (e *OffsetEngine) CreateCredit(ctx context.Context, in CreateLotInput) (*CreditLot, error) {
	var lot *CreditLot
	err := e.store.WithTx(ctx, func(s Store) error {
		var err error
		lot, err = e.bind(s).lots.Create(ctx, in)
		return err
	})
	if err != nil {
		return nil, e.fail("create_credit", err)
	}
	e.log.Info("credit lot created",
		zap.String("lot_id", string(lot.ID)),
		zap.String("employee_id", string(lot.EmployeeID)),
		zap.String("credits_earned", lot.CreditsEarned.StringFixed(CreditPlaces)),
	)
	return lot, nil
}

// ApproveCredit approves a pending lot and adds its credits to the
// employee's cached balance in the same transaction.
func (e *OffsetEngine) ApproveCredit(ctx context.Context, lotID LotID, approverID, remarks string) (*CreditLot, error) {
	peek, err := e.store.GetLot(ctx, lotID)
	if err != nil {
		return nil, e.fail("approve_credit", err)
	}
	if peek == nil {
		return nil, e.fail("approve_credit", notFound("lot", string(lotID)))
	}
	unlock, err := e.lockEmployee(ctx, peek.EmployeeID)
	if err != nil {
		return nil, e.fail("approve_credit", err)
	}
	defer unlock()

	var lot *CreditLot
	err = e.store.WithTx(ctx, func(s Store) error {
		var err error
		lot, err = e.bind(s).lots.Approve(ctx, lotID, approverID, remarks)
		return err
	})
	if err != nil {
		return nil, e.fail("approve_credit", err)
	}
	e.metrics.CreditApproved(lot.CreditsEarned)
	e.log.Info("credit lot approved",
		zap.String("lot_id", string(lot.ID)),
		zap.String("approved_by", approverID),
	)
	return lot, nil
}

// RejectCredit rejects a pending lot. The balance is untouched.
func (e *OffsetEngine) RejectCredit(ctx context.Context, lotID LotID, rejectorID, reason string) (*CreditLot, error) {
	var lot *CreditLot
	err := e.store.WithTx(ctx, func(s Store) error {
		var err error
		lot, err = e.bind(s).lots.Reject(ctx, lotID, rejectorID, reason)
		return err
	})
	if err != nil {
		return nil, e.fail("reject_credit", err)
	}
	e.log.Info("credit lot rejected", zap.String("lot_id", string(lot.ID)), zap.String("rejected_by", rejectorID))
	return lot, nil
}

// =============================================================================
// APPLY
// =============================================================================

type ApplyInput struct {
	EmployeeID         EmployeeID
	AttendanceRecordID AttendanceRecordID
	CreditsNeeded      decimal.Decimal
	AppliedBy          string
}

func (in ApplyInput) validate() error {
	switch {
	case in.EmployeeID == "":
		return invalid("employee_id", "required")
	case in.AttendanceRecordID == "":
		return invalid("attendance_record_id", "required")
	case strings.TrimSpace(in.AppliedBy) == "":
		return invalid("applied_by", "required")
	case !in.CreditsNeeded.IsPositive():
		return invalid("credits_needed", "must be greater than zero, got %s", in.CreditsNeeded)
	case !in.CreditsNeeded.Equal(in.CreditsNeeded.Round(CreditPlaces)):
		return invalid("credits_needed", "at most %d decimal places, got %s", CreditPlaces, in.CreditsNeeded)
	}
	return nil
}

type ApplyResult struct {
	CreditsApplied   decimal.Decimal
	Offsets          []OffsetRecord
	RemainingBalance decimal.Decimal
}

// Apply consumes CreditsNeeded from the employee's lots in FIFO order.
func (e *OffsetEngine) Apply(ctx context.Context, in ApplyInput) (*ApplyResult, error) {
	if err := in.validate(); err != nil {
		return nil, e.fail("apply", err)
	}
	unlock, err := e.lockEmployee(ctx, in.EmployeeID)
	if err != nil {
		return nil, e.fail("apply", err)
	}
	defer unlock()

	var result *ApplyResult
	err = e.store.WithTx(ctx, func(s Store) error {
		c := e.bind(s)

		emp, err := s.GetEmployee(ctx, in.EmployeeID)
		if err != nil {
			return err
		}
		if emp == nil {
			return notFound("employee", string(in.EmployeeID))
		}
		rec, err := s.GetAttendanceRecord(ctx, in.AttendanceRecordID)
		if err != nil {
			return err
		}
		if rec == nil {
			return notFound("attendance record", string(in.AttendanceRecordID))
		}
		if rec.EmployeeID != in.EmployeeID {
			return invalid("attendance_record_id", "attendance record %s belongs to employee %s", rec.ID, rec.EmployeeID)
		}

		// 1. Pre-check against the cached balance.
		cached, err := c.balances.Read(ctx, in.EmployeeID)
		if err != nil {
			return err
		}
		if cached.LessThan(in.CreditsNeeded) {
			return &InsufficientBalanceError{EmployeeID: in.EmployeeID, Available: cached, Requested: in.CreditsNeeded}
		}

		// 2-3. Walk lots oldest first.
		lots, err := c.lots.ListAvailable(ctx, in.EmployeeID)
		if err != nil {
			return err
		}
		remaining := in.CreditsNeeded
		offsets := make([]OffsetRecord, 0, len(lots))
		for _, lot := range lots {
			if !remaining.IsPositive() {
				break
			}
			take := decimal.Min(lot.CreditsBalance, remaining)
			if _, err := c.lots.Deduct(ctx, lot.ID, take); err != nil {
				return err
			}
			offset, err := c.offsets.Record(ctx, lot.ID, in.AttendanceRecordID, in.EmployeeID, take, in.AppliedBy)
			if err != nil {
				return err
			}
			offsets = append(offsets, *offset)
			remaining = remaining.Sub(take)
		}

		// 4. Lots could not cover the request (cache drifted above lots).
		if remaining.IsPositive() {
			return &InsufficientBalanceError{
				EmployeeID: in.EmployeeID,
				Available:  in.CreditsNeeded.Sub(remaining),
				Requested:  in.CreditsNeeded,
			}
		}

		// 5.
		left, err := c.balances.Decrease(ctx, in.EmployeeID, in.CreditsNeeded)
		if err != nil {
			return err
		}

		// 6.
		if err := s.MarkOffsetApplied(ctx, in.AttendanceRecordID, e.clock.Now()); err != nil {
			return fmt.Errorf("failed to mark attendance record: %w", err)
		}

		result = &ApplyResult{
			CreditsApplied:   in.CreditsNeeded,
			Offsets:          offsets,
			RemainingBalance: left,
		}
		return nil
	})
	if err != nil {
		return nil, e.fail("apply", err)
	}

	e.metrics.OffsetApplied(result.CreditsApplied, len(result.Offsets))
	e.log.Info("offset applied",
		zap.String("employee_id", string(in.EmployeeID)),
		zap.String("attendance_record_id", string(in.AttendanceRecordID)),
		zap.String("credits", result.CreditsApplied.StringFixed(CreditPlaces)),
		zap.Int("lots", len(result.Offsets)),
		zap.String("applied_by", in.AppliedBy),
	)
	return result, nil
}

// =============================================================================
// REVERT
// =============================================================================

// Revert undoes one offset: the lot and the cached balance get the credits
// back, and the absence returns to its pre-offset status once no applied
// offset remains for it.
func (e *OffsetEngine) Revert(ctx context.Context, offsetID OffsetID, revertedBy, reason string) (*OffsetRecord, error) {
	if strings.TrimSpace(revertedBy) == "" {
		return nil, e.fail("revert", invalid("reverted_by", "required"))
	}
	if strings.TrimSpace(reason) == "" {
		return nil, e.fail("revert", invalid("reason", "required"))
	}

	// The employee is needed for the lock before the transaction starts.
	peek, err := e.store.GetOffset(ctx, offsetID)
	if err != nil {
		return nil, e.fail("revert", err)
	}
	if peek == nil {
		return nil, e.fail("revert", notFound("offset", string(offsetID)))
	}
	unlock, err := e.lockEmployee(ctx, peek.EmployeeID)
	if err != nil {
		return nil, e.fail("revert", err)
	}
	defer unlock()

	var reverted *OffsetRecord
	err = e.store.WithTx(ctx, func(s Store) error {
		c := e.bind(s)

		// 1.
		offset, err := c.offsets.Get(ctx, offsetID)
		if err != nil {
			return err
		}
		if offset.Status != OffsetApplied {
			return &AlreadyRevertedError{OffsetID: offsetID}
		}

		// 2-3.
		if _, err := c.lots.Restore(ctx, offset.LotID, offset.CreditsUsed); err != nil {
			return err
		}
		if _, err := c.balances.Increase(ctx, offset.EmployeeID, offset.CreditsUsed); err != nil {
			return err
		}

		// 4.
		reverted, err = c.offsets.Revert(ctx, offsetID, revertedBy, reason)
		if err != nil {
			return err
		}

		// 5.
		applied, err := c.offsets.CountApplied(ctx, offset.AttendanceRecordID)
		if err != nil {
			return err
		}
		if applied == 0 {
			if err := s.RestoreOriginalStatus(ctx, offset.AttendanceRecordID, e.clock.Now()); err != nil {
				return fmt.Errorf("failed to restore attendance record: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, e.fail("revert", err)
	}

	e.metrics.OffsetReverted(reverted.CreditsUsed)
	e.log.Info("offset reverted",
		zap.String("offset_id", string(reverted.ID)),
		zap.String("lot_id", string(reverted.LotID)),
		zap.String("credits", reverted.CreditsUsed.StringFixed(CreditPlaces)),
		zap.String("reverted_by", revertedBy),
	)
	return reverted, nil
}

// =============================================================================
// READS
// =============================================================================

// Lots returns all of an employee's lots in FIFO order.
func (e *OffsetEngine) Lots(ctx context.Context, employeeID EmployeeID) ([]CreditLot, error) {
	return e.bind(e.store).lots.List(ctx, employeeID)
}

func (e *OffsetEngine) Lot(ctx context.Context, id LotID) (*CreditLot, error) {
	return e.bind(e.store).lots.Get(ctx, id)
}

func (e *OffsetEngine) Offset(ctx context.Context, id OffsetID) (*OffsetRecord, error) {
	return e.bind(e.store).offsets.Get(ctx, id)
}

func (e *OffsetEngine) OffsetsByLot(ctx context.Context, id LotID) ([]OffsetRecord, error) {
	return e.bind(e.store).offsets.ListByLot(ctx, id)
}

func (e *OffsetEngine) OffsetsByAttendanceRecord(ctx context.Context, id AttendanceRecordID) ([]OffsetRecord, error) {
	return e.bind(e.store).offsets.ListByAttendanceRecord(ctx, id)
}

// Now exposes the engine clock so callers render effective statuses with
// the same notion of "now" the engine uses.
func (e *OffsetEngine) Now() time.Time { return e.clock.Now() }
