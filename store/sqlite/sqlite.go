/*
Package sqlite provides a SQLite-backed implementation of credit.TxStore.

PURPOSE:
  Persists employees, attendance records, credit lots, offset records and
  reconciliation runs. All ledger rules live in package credit; this
  package only reads and writes rows.

INTERFACES IMPLEMENTED:
  credit.EmployeeDirectory:   eligibility lookup + cached balance column
  credit.AttendanceDirectory: absence status with original_status snapshot
  credit.Registry:            employee and attendance record creation
  credit.Store / TxStore:     lots, offsets, reconciliation runs

KEY TABLES:
  employees:           HR collaborator rows, service_credit_balance cache
  attendance_records:  absences; original_status set on first offset
  credit_lots:         one row per earning event
  credit_offsets:      provenance, never deleted (status applied/reverted)
  reconciliation_runs: drift audit

DECIMALS:
  Credit amounts are stored as TEXT with two fractional digits and scanned
  back through decimal.Decimal's sql.Scanner. No REAL columns, no float
  rounding.

INDEXES:
  - idx_credit_lots_fifo: (employee_id, work_date, id), the FIFO hot path
  - idx_credit_offsets_attendance / idx_credit_offsets_lot: provenance

CONCURRENCY:
  Transactions open with BEGIN IMMEDIATE (_txlock=immediate) so the write
  lock is taken up front instead of on first write. _busy_timeout bounds the
  wait; SQLITE_BUSY / SQLITE_LOCKED surface as credit.ErrBusy.

  ":memory:" databases are per-connection, so they get a single pooled
  connection. There WithTx waits at most the busy timeout for that
  connection and then returns credit.ErrBusy as well.

  The transaction view runs every query on the *sql.Tx. Reads inside
  WithTx never go back to the pool.

WAL MODE:
  Opened with WAL so readers do not block the single writer.

USAGE:
  store, err := sqlite.New("./data/credits.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := credit.NewOffsetEngine(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - credit/store.go: Interface definitions
  - credit/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/service-credits/credit"
)

const (
	dateLayout = "2006-01-02"
	// Fixed-width so stored timestamps sort lexicographically.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements credit.TxStore using SQLite.
type Store struct {
	db          *sql.DB
	q           querier
	eligibility credit.EligibilityPolicy
	busyTimeout time.Duration
}

type config struct {
	eligibility credit.EligibilityPolicy
	busyTimeout time.Duration
}

type Option func(*config)

// WithEligibility overrides the categories that earn credits.
func WithEligibility(p credit.EligibilityPolicy) Option {
	return func(c *config) { c.eligibility = p }
}

// WithBusyTimeout sets how long SQLite waits on a locked database before
// returning SQLITE_BUSY.
func WithBusyTimeout(d time.Duration) Option {
	return func(c *config) { c.busyTimeout = d }
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	cfg := config{eligibility: credit.DefaultEligibility(), busyTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.busyTimeout <= 0 {
		cfg.busyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate",
		dbPath, cfg.busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if isMemory(dbPath) {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, q: db, eligibility: cfg.eligibility, busyTimeout: cfg.busyTimeout}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		service_credit_balance TEXT NOT NULL DEFAULT '0.00',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS attendance_records (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL REFERENCES employees(id),
		date TEXT NOT NULL,
		status TEXT NOT NULL,
		original_status TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_attendance_employee_date
		ON attendance_records(employee_id, date);

	CREATE TABLE IF NOT EXISTS credit_lots (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL REFERENCES employees(id),
		credit_type TEXT NOT NULL,
		work_date TEXT NOT NULL,
		hours_worked TEXT NOT NULL,
		description TEXT,
		credits_earned TEXT NOT NULL,
		credits_used TEXT NOT NULL,
		credits_balance TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending', 'approved', 'rejected')),
		expiry_date TEXT,
		created_by TEXT,
		approved_by TEXT,
		approved_at TEXT,
		approval_remarks TEXT,
		rejected_by TEXT,
		rejected_at TEXT,
		rejection_reason TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- FIFO availability query (hot path)
	CREATE INDEX IF NOT EXISTS idx_credit_lots_fifo
		ON credit_lots(employee_id, work_date, id);
	CREATE INDEX IF NOT EXISTS idx_credit_lots_status
		ON credit_lots(status);

	CREATE TABLE IF NOT EXISTS credit_offsets (
		id TEXT PRIMARY KEY,
		lot_id TEXT NOT NULL REFERENCES credit_lots(id),
		attendance_record_id TEXT NOT NULL REFERENCES attendance_records(id),
		employee_id TEXT NOT NULL REFERENCES employees(id),
		credits_used TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('applied', 'reverted')),
		applied_by TEXT NOT NULL,
		applied_at TEXT NOT NULL,
		reverted_by TEXT,
		reverted_at TEXT,
		revert_reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_credit_offsets_attendance
		ON credit_offsets(attendance_record_id);
	CREATE INDEX IF NOT EXISTS idx_credit_offsets_lot
		ON credit_offsets(lot_id);

	CREATE TABLE IF NOT EXISTS reconciliation_runs (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		cached_balance TEXT NOT NULL DEFAULT '0.00',
		computed_balance TEXT NOT NULL DEFAULT '0.00',
		drift TEXT NOT NULL DEFAULT '0.00',
		corrected BOOLEAN NOT NULL DEFAULT FALSE,
		status TEXT NOT NULL,
		error TEXT,
		actor TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_reconciliation_runs_started
		ON reconciliation_runs(started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_reconciliation_runs_employee
		ON reconciliation_runs(employee_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction. fn receives a Store whose
// queries all run on the transaction.
func (s *Store) WithTx(ctx context.Context, fn func(credit.Store) error) error {
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	sqlTx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	txStore := &Store{db: s.db, q: sqlTx, eligibility: s.eligibility, busyTimeout: s.busyTimeout}
	if err := fn(txStore); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapErr(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

// acquire reserves a pooled connection, waiting at most the busy timeout.
func (s *Store) acquire(ctx context.Context) (*sql.Conn, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.busyTimeout)
	defer cancel()

	conn, err := s.db.Conn(waitCtx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: no database connection within %s", credit.ErrBusy, s.busyTimeout)
		}
		return nil, mapErr(fmt.Errorf("failed to acquire connection: %w", err))
	}
	return conn, nil
}

func isMemory(dbPath string) bool {
	return dbPath == ":memory:" || strings.HasPrefix(dbPath, "file::memory:")
}

// mapErr turns SQLite lock contention into credit.ErrBusy.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", credit.ErrBusy, err)
	}
	return err
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := s.q.ExecContext(ctx, query, args...)
	return res, mapErr(err)
}

// =============================================================================
// EMPLOYEES (credit.EmployeeDirectory)
// =============================================================================

func (s *Store) CreateEmployee(ctx context.Context, emp credit.Employee) error {
	_, err := s.exec(ctx, `
		INSERT INTO employees (id, name, category, active, service_credit_balance, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(emp.ID), emp.Name, string(emp.Category), emp.Active,
		formatCredits(emp.ServiceCreditBalance), formatTime(emp.CreatedAt),
	)
	if isConstraint(err) {
		return &credit.ValidationError{Field: "id", Message: fmt.Sprintf("employee %s already exists", emp.ID)}
	}
	return err
}

func (s *Store) GetEmployee(ctx context.Context, id credit.EmployeeID) (*credit.Employee, error) {
	var (
		emp       credit.Employee
		empID     string
		category  string
		createdAt string
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT id, name, category, active, service_credit_balance, created_at
		FROM employees WHERE id = ?`, string(id),
	).Scan(&empID, &emp.Name, &category, &emp.Active, &emp.ServiceCreditBalance, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	emp.ID = credit.EmployeeID(empID)
	emp.Category = credit.EmploymentCategory(category)
	emp.CreatedAt = parseTime(createdAt)
	return &emp, nil
}

func (s *Store) FindEligible(ctx context.Context, id credit.EmployeeID) (*credit.Employee, error) {
	emp, err := s.GetEmployee(ctx, id)
	if err != nil || emp == nil {
		return nil, err
	}
	if !s.eligibility.IsEligible(*emp) {
		return nil, nil
	}
	return emp, nil
}

func (s *Store) ReadBalance(ctx context.Context, id credit.EmployeeID) (decimal.Decimal, error) {
	var bal decimal.Decimal
	err := s.q.QueryRowContext(ctx,
		`SELECT service_credit_balance FROM employees WHERE id = ?`, string(id),
	).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, &credit.NotFoundError{Kind: "employee", ID: string(id)}
	}
	if err != nil {
		return decimal.Zero, mapErr(err)
	}
	return bal, nil
}

func (s *Store) AdjustBalance(ctx context.Context, id credit.EmployeeID, delta decimal.Decimal) (decimal.Decimal, error) {
	current, err := s.ReadBalance(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	next := current.Add(delta)
	if _, err := s.exec(ctx,
		`UPDATE employees SET service_credit_balance = ? WHERE id = ?`,
		formatCredits(next), string(id),
	); err != nil {
		return decimal.Zero, err
	}
	return next, nil
}

func (s *Store) ListEmployeeIDs(ctx context.Context) ([]credit.EmployeeID, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id FROM employees ORDER BY id`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var ids []credit.EmployeeID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, credit.EmployeeID(id))
	}
	return ids, rows.Err()
}

// =============================================================================
// ATTENDANCE (credit.AttendanceDirectory)
// =============================================================================

func (s *Store) CreateAttendanceRecord(ctx context.Context, rec credit.AttendanceRecord) error {
	_, err := s.exec(ctx, `
		INSERT INTO attendance_records (id, employee_id, date, status, original_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(rec.ID), string(rec.EmployeeID), rec.Date.Format(dateLayout), rec.Status,
		nullString(rec.OriginalStatus), formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if isConstraint(err) {
		return &credit.ValidationError{Field: "id", Message: fmt.Sprintf("attendance record %s already exists", rec.ID)}
	}
	return err
}

func (s *Store) GetAttendanceRecord(ctx context.Context, id credit.AttendanceRecordID) (*credit.AttendanceRecord, error) {
	var (
		rec                  credit.AttendanceRecord
		recID, empID, day    string
		original             sql.NullString
		createdAt, updatedAt string
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT id, employee_id, date, status, original_status, created_at, updated_at
		FROM attendance_records WHERE id = ?`, string(id),
	).Scan(&recID, &empID, &day, &rec.Status, &original, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	rec.ID = credit.AttendanceRecordID(recID)
	rec.EmployeeID = credit.EmployeeID(empID)
	rec.Date = parseDate(day)
	rec.OriginalStatus = original.String
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}

func (s *Store) Exists(ctx context.Context, id credit.AttendanceRecordID) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attendance_records WHERE id = ?`, string(id),
	).Scan(&n)
	if err != nil {
		return false, mapErr(err)
	}
	return n > 0, nil
}

// MarkOffsetApplied sets status to offset. original_status is only written
// the first time; SQLite evaluates SET expressions against the old row.
func (s *Store) MarkOffsetApplied(ctx context.Context, id credit.AttendanceRecordID, at time.Time) error {
	res, err := s.exec(ctx, `
		UPDATE attendance_records
		SET original_status = COALESCE(original_status, status),
			status = ?,
			updated_at = ?
		WHERE id = ?`,
		credit.AttendanceOffset, formatTime(at), string(id),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &credit.NotFoundError{Kind: "attendance record", ID: string(id)}
	}
	return nil
}

func (s *Store) RestoreOriginalStatus(ctx context.Context, id credit.AttendanceRecordID, at time.Time) error {
	res, err := s.exec(ctx, `
		UPDATE attendance_records
		SET status = original_status,
			original_status = NULL,
			updated_at = ?
		WHERE id = ? AND original_status IS NOT NULL`,
		formatTime(at), string(id),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		exists, err := s.Exists(ctx, id)
		if err != nil {
			return err
		}
		if !exists {
			return &credit.NotFoundError{Kind: "attendance record", ID: string(id)}
		}
	}
	return nil
}

// =============================================================================
// CREDIT LOTS
// =============================================================================

const lotColumns = `id, employee_id, credit_type, work_date, hours_worked, description,
	credits_earned, credits_used, credits_balance, status, expiry_date,
	created_by, approved_by, approved_at, approval_remarks,
	rejected_by, rejected_at, rejection_reason, created_at, updated_at`

func (s *Store) InsertLot(ctx context.Context, lot credit.CreditLot) error {
	_, err := s.exec(ctx, `INSERT INTO credit_lots (`+lotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(lot.ID), string(lot.EmployeeID), string(lot.CreditType),
		lot.WorkDate.Format(dateLayout), lot.HoursWorked.String(), nullString(lot.Description),
		formatCredits(lot.CreditsEarned), formatCredits(lot.CreditsUsed), formatCredits(lot.CreditsBalance),
		string(lot.Status), nullDate(lot.ExpiryDate),
		nullString(lot.CreatedBy), nullString(lot.ApprovedBy), nullTime(lot.ApprovedAt), nullString(lot.ApprovalRemarks),
		nullString(lot.RejectedBy), nullTime(lot.RejectedAt), nullString(lot.RejectionReason),
		formatTime(lot.CreatedAt), formatTime(lot.UpdatedAt),
	)
	return err
}

// UpdateLot writes every mutable column. Identity, employee, type, work
// date, hours and earned credits never change after insert.
func (s *Store) UpdateLot(ctx context.Context, lot credit.CreditLot) error {
	res, err := s.exec(ctx, `
		UPDATE credit_lots SET
			credits_used = ?, credits_balance = ?, status = ?,
			approved_by = ?, approved_at = ?, approval_remarks = ?,
			rejected_by = ?, rejected_at = ?, rejection_reason = ?,
			updated_at = ?
		WHERE id = ?`,
		formatCredits(lot.CreditsUsed), formatCredits(lot.CreditsBalance), string(lot.Status),
		nullString(lot.ApprovedBy), nullTime(lot.ApprovedAt), nullString(lot.ApprovalRemarks),
		nullString(lot.RejectedBy), nullTime(lot.RejectedAt), nullString(lot.RejectionReason),
		formatTime(lot.UpdatedAt), string(lot.ID),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &credit.NotFoundError{Kind: "lot", ID: string(lot.ID)}
	}
	return nil
}

func (s *Store) GetLot(ctx context.Context, id credit.LotID) (*credit.CreditLot, error) {
	lots, err := s.queryLots(ctx, `SELECT `+lotColumns+` FROM credit_lots WHERE id = ?`, string(id))
	if err != nil || len(lots) == 0 {
		return nil, err
	}
	return &lots[0], nil
}

func (s *Store) LotsByEmployee(ctx context.Context, employeeID credit.EmployeeID) ([]credit.CreditLot, error) {
	return s.queryLots(ctx, `SELECT `+lotColumns+` FROM credit_lots
		WHERE employee_id = ?
		ORDER BY work_date ASC, id ASC`, string(employeeID))
}

func (s *Store) queryLots(ctx context.Context, query string, args ...any) ([]credit.CreditLot, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var lots []credit.CreditLot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func scanLot(rows *sql.Rows) (credit.CreditLot, error) {
	var (
		lot                               credit.CreditLot
		id, empID, creditType, status     string
		workDate, createdAt, updatedAt    string
		description, expiry               sql.NullString
		createdBy, approvedBy, approvedAt sql.NullString
		remarks, rejectedBy, rejectedAt   sql.NullString
		rejectionReason                   sql.NullString
	)
	err := rows.Scan(
		&id, &empID, &creditType, &workDate, &lot.HoursWorked, &description,
		&lot.CreditsEarned, &lot.CreditsUsed, &lot.CreditsBalance, &status, &expiry,
		&createdBy, &approvedBy, &approvedAt, &remarks,
		&rejectedBy, &rejectedAt, &rejectionReason, &createdAt, &updatedAt,
	)
	if err != nil {
		return credit.CreditLot{}, err
	}

	lot.ID = credit.LotID(id)
	lot.EmployeeID = credit.EmployeeID(empID)
	lot.CreditType = credit.CreditType(creditType)
	lot.WorkDate = parseDate(workDate)
	lot.Description = description.String
	lot.Status = credit.LotStatus(status)
	if expiry.Valid {
		t := parseDate(expiry.String)
		lot.ExpiryDate = &t
	}
	lot.CreatedBy = createdBy.String
	lot.ApprovedBy = approvedBy.String
	lot.ApprovedAt = parseNullTime(approvedAt)
	lot.ApprovalRemarks = remarks.String
	lot.RejectedBy = rejectedBy.String
	lot.RejectedAt = parseNullTime(rejectedAt)
	lot.RejectionReason = rejectionReason.String
	lot.CreatedAt = parseTime(createdAt)
	lot.UpdatedAt = parseTime(updatedAt)
	return lot, nil
}

// =============================================================================
// OFFSETS
// =============================================================================

const offsetColumns = `id, lot_id, attendance_record_id, employee_id, credits_used, status,
	applied_by, applied_at, reverted_by, reverted_at, revert_reason`

func (s *Store) InsertOffset(ctx context.Context, o credit.OffsetRecord) error {
	_, err := s.exec(ctx, `INSERT INTO credit_offsets (`+offsetColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(o.ID), string(o.LotID), string(o.AttendanceRecordID), string(o.EmployeeID),
		formatCredits(o.CreditsUsed), string(o.Status),
		o.AppliedBy, formatTime(o.AppliedAt),
		nullString(o.RevertedBy), nullTime(o.RevertedAt), nullString(o.RevertReason),
	)
	return err
}

func (s *Store) UpdateOffset(ctx context.Context, o credit.OffsetRecord) error {
	res, err := s.exec(ctx, `
		UPDATE credit_offsets SET
			status = ?, reverted_by = ?, reverted_at = ?, revert_reason = ?
		WHERE id = ?`,
		string(o.Status), nullString(o.RevertedBy), nullTime(o.RevertedAt), nullString(o.RevertReason),
		string(o.ID),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &credit.NotFoundError{Kind: "offset", ID: string(o.ID)}
	}
	return nil
}

func (s *Store) GetOffset(ctx context.Context, id credit.OffsetID) (*credit.OffsetRecord, error) {
	offsets, err := s.queryOffsets(ctx, `SELECT `+offsetColumns+` FROM credit_offsets WHERE id = ?`, string(id))
	if err != nil || len(offsets) == 0 {
		return nil, err
	}
	return &offsets[0], nil
}

func (s *Store) OffsetsByAttendanceRecord(ctx context.Context, id credit.AttendanceRecordID) ([]credit.OffsetRecord, error) {
	return s.queryOffsets(ctx, `SELECT `+offsetColumns+` FROM credit_offsets
		WHERE attendance_record_id = ? ORDER BY id`, string(id))
}

func (s *Store) OffsetsByLot(ctx context.Context, id credit.LotID) ([]credit.OffsetRecord, error) {
	return s.queryOffsets(ctx, `SELECT `+offsetColumns+` FROM credit_offsets
		WHERE lot_id = ? ORDER BY id`, string(id))
}

func (s *Store) queryOffsets(ctx context.Context, query string, args ...any) ([]credit.OffsetRecord, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var offsets []credit.OffsetRecord
	for rows.Next() {
		var (
			o                                    credit.OffsetRecord
			id, lotID, recID, empID, status      string
			appliedAt                            string
			revertedBy, revertedAt, revertReason sql.NullString
		)
		if err := rows.Scan(
			&id, &lotID, &recID, &empID, &o.CreditsUsed, &status,
			&o.AppliedBy, &appliedAt, &revertedBy, &revertedAt, &revertReason,
		); err != nil {
			return nil, err
		}
		o.ID = credit.OffsetID(id)
		o.LotID = credit.LotID(lotID)
		o.AttendanceRecordID = credit.AttendanceRecordID(recID)
		o.EmployeeID = credit.EmployeeID(empID)
		o.Status = credit.OffsetStatus(status)
		o.AppliedAt = parseTime(appliedAt)
		o.RevertedBy = revertedBy.String
		o.RevertedAt = parseNullTime(revertedAt)
		o.RevertReason = revertReason.String
		offsets = append(offsets, o)
	}
	return offsets, rows.Err()
}

// =============================================================================
// RECONCILIATION RUNS
// =============================================================================

// SaveReconciliationRun inserts or updates a run by ID.
func (s *Store) SaveReconciliationRun(ctx context.Context, r credit.ReconciliationRun) error {
	_, err := s.exec(ctx, `
		INSERT INTO reconciliation_runs (id, employee_id, cached_balance, computed_balance, drift,
			corrected, status, error, actor, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			cached_balance = excluded.cached_balance,
			computed_balance = excluded.computed_balance,
			drift = excluded.drift,
			corrected = excluded.corrected,
			status = excluded.status,
			error = excluded.error,
			completed_at = excluded.completed_at`,
		r.ID, string(r.EmployeeID),
		formatCredits(r.CachedBalance), formatCredits(r.ComputedBalance), formatCredits(r.Drift),
		r.Corrected, string(r.Status), nullString(r.Error), r.Actor,
		formatTime(r.StartedAt), nullTime(r.CompletedAt),
	)
	return err
}

// ListReconciliationRuns returns the newest runs first.
func (s *Store) ListReconciliationRuns(ctx context.Context, limit int) ([]credit.ReconciliationRun, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, employee_id, cached_balance, computed_balance, drift,
			corrected, status, error, actor, started_at, completed_at
		FROM reconciliation_runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var runs []credit.ReconciliationRun
	for rows.Next() {
		var (
			r                 credit.ReconciliationRun
			empID, status     string
			startedAt         string
			runErr, completed sql.NullString
		)
		if err := rows.Scan(
			&r.ID, &empID, &r.CachedBalance, &r.ComputedBalance, &r.Drift,
			&r.Corrected, &status, &runErr, &r.Actor, &startedAt, &completed,
		); err != nil {
			return nil, err
		}
		r.EmployeeID = credit.EmployeeID(empID)
		r.Status = credit.RunStatus(status)
		r.Error = runErr.String
		r.StartedAt = parseTime(startedAt)
		r.CompletedAt = parseNullTime(completed)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatCredits(d decimal.Decimal) string {
	return d.StringFixed(credit.CreditPlaces)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullDate(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(dateLayout), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func parseDate(s string) time.Time {
	t, _ := time.Parse(dateLayout, s)
	return t
}

var _ credit.TxStore = (*Store)(nil)
