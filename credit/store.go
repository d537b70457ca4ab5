/*
store.go - Persistence interfaces for lots, offsets and collaborators

PURPOSE:
  Defines the boundary between ledger logic and storage. The components in
  this package (LotStore, OffsetLedger, BalanceAggregator) hold the business
  rules; a Store only reads and writes rows.

KEY INTERFACES:
  Store:               rows for lots, offsets, reconciliation runs, plus the
                       two collaborator directories
  TxStore:             Store + WithTx for all-or-nothing units of work
  EmployeeDirectory:   eligibility lookup and the cached balance field
  AttendanceDirectory: absence records the engine marks as offset
  Registry:            creates employees and attendance records

ATOMICITY:
  Every mutating engine operation runs inside WithTx. If fn returns an
  error nothing it wrote is visible afterwards.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite (BEGIN IMMEDIATE transactions)
  - credit/store/memory.go: in-memory, snapshot + rollback
*/
package credit

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// EmployeeDirectory is owned by the HR side of the system. The ledger only
// reads eligibility and mutates the cached service credit balance.
type EmployeeDirectory interface {
	// GetEmployee returns nil, nil when the employee does not exist.
	GetEmployee(ctx context.Context, id EmployeeID) (*Employee, error)

	// FindEligible returns the employee if it exists, is active and has a
	// qualifying employment category. Otherwise nil, nil.
	FindEligible(ctx context.Context, id EmployeeID) (*Employee, error)

	// ReadBalance returns the cached balance. Missing employee: ErrNotFound.
	ReadBalance(ctx context.Context, id EmployeeID) (decimal.Decimal, error)

	// AdjustBalance adds delta to the cached balance and returns the result.
	// It does not enforce non-negativity; BalanceAggregator does.
	AdjustBalance(ctx context.Context, id EmployeeID, delta decimal.Decimal) (decimal.Decimal, error)

	// ListEmployeeIDs is used by reconciliation.
	ListEmployeeIDs(ctx context.Context) ([]EmployeeID, error)
}

// AttendanceDirectory is owned by the attendance side of the system.
type AttendanceDirectory interface {
	Exists(ctx context.Context, id AttendanceRecordID) (bool, error)

	// MarkOffsetApplied sets the record's status to "offset", remembering
	// the previous status the first time it is called. at becomes the
	// record's updated_at.
	MarkOffsetApplied(ctx context.Context, id AttendanceRecordID, at time.Time) error

	// RestoreOriginalStatus puts back the status remembered by
	// MarkOffsetApplied. No-op if the record was never marked.
	RestoreOriginalStatus(ctx context.Context, id AttendanceRecordID, at time.Time) error
}

// Registry writes the collaborator records themselves. Production
// deployments feed it from HR and attendance imports; the HTTP API and
// tests use it directly.
type Registry interface {
	// CreateEmployee fails with ErrValidation if the ID is taken.
	CreateEmployee(ctx context.Context, emp Employee) error
	// GetAttendanceRecord returns nil, nil when the record does not exist.
	GetAttendanceRecord(ctx context.Context, id AttendanceRecordID) (*AttendanceRecord, error)
	// CreateAttendanceRecord inserts a new record. It never overwrites: a
	// taken ID fails with ErrValidation.
	CreateAttendanceRecord(ctx context.Context, rec AttendanceRecord) error
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	EmployeeDirectory
	AttendanceDirectory
	Registry

	InsertLot(ctx context.Context, lot CreditLot) error
	// GetLot returns nil, nil when the lot does not exist.
	GetLot(ctx context.Context, id LotID) (*CreditLot, error)
	UpdateLot(ctx context.Context, lot CreditLot) error
	// LotsByEmployee returns every lot of the employee ordered by work date,
	// then ID.
	LotsByEmployee(ctx context.Context, employeeID EmployeeID) ([]CreditLot, error)

	InsertOffset(ctx context.Context, offset OffsetRecord) error
	// GetOffset returns nil, nil when the offset does not exist.
	GetOffset(ctx context.Context, id OffsetID) (*OffsetRecord, error)
	UpdateOffset(ctx context.Context, offset OffsetRecord) error
	OffsetsByAttendanceRecord(ctx context.Context, id AttendanceRecordID) ([]OffsetRecord, error)
	OffsetsByLot(ctx context.Context, id LotID) ([]OffsetRecord, error)

	SaveReconciliationRun(ctx context.Context, run ReconciliationRun) error
	ListReconciliationRuns(ctx context.Context, limit int) ([]ReconciliationRun, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
