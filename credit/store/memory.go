// Package store provides in-memory credit.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/service-credits/credit"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// state holds every row. Its methods do no locking; Memory and the
// transaction view take care of that.
type state struct {
	employees  map[credit.EmployeeID]credit.Employee
	attendance map[credit.AttendanceRecordID]credit.AttendanceRecord
	lots       map[credit.LotID]credit.CreditLot
	offsets    map[credit.OffsetID]credit.OffsetRecord
	runs       []credit.ReconciliationRun

	eligibility credit.EligibilityPolicy
}

func newState(eligibility credit.EligibilityPolicy) *state {
	return &state{
		employees:   make(map[credit.EmployeeID]credit.Employee),
		attendance:  make(map[credit.AttendanceRecordID]credit.AttendanceRecord),
		lots:        make(map[credit.LotID]credit.CreditLot),
		offsets:     make(map[credit.OffsetID]credit.OffsetRecord),
		eligibility: eligibility,
	}
}

func (s *state) clone() *state {
	c := newState(s.eligibility)
	for k, v := range s.employees {
		c.employees[k] = v
	}
	for k, v := range s.attendance {
		c.attendance[k] = v
	}
	for k, v := range s.lots {
		c.lots[k] = v
	}
	for k, v := range s.offsets {
		c.offsets[k] = v
	}
	c.runs = append([]credit.ReconciliationRun(nil), s.runs...)
	return c
}

type Option func(*state)

// WithEligibility overrides the categories that earn credits.
func WithEligibility(p credit.EligibilityPolicy) Option {
	return func(s *state) { s.eligibility = p }
}

// Memory is a concurrency-safe credit.Store.
type Memory struct {
	mu sync.RWMutex
	s  *state
}

func NewMemory(opts ...Option) *Memory {
	s := newState(credit.DefaultEligibility())
	for _, opt := range opts {
		opt(s)
	}
	return &Memory{s: s}
}

// =============================================================================
// EMPLOYEES
// =============================================================================

func (s *state) createEmployee(emp credit.Employee) error {
	if _, ok := s.employees[emp.ID]; ok {
		return &credit.ValidationError{Field: "id", Message: "employee " + string(emp.ID) + " already exists"}
	}
	s.employees[emp.ID] = emp
	return nil
}

func (s *state) getEmployee(id credit.EmployeeID) *credit.Employee {
	emp, ok := s.employees[id]
	if !ok {
		return nil
	}
	return &emp
}

func (s *state) findEligible(id credit.EmployeeID) *credit.Employee {
	emp := s.getEmployee(id)
	if emp == nil || !s.eligibility.IsEligible(*emp) {
		return nil
	}
	return emp
}

func (s *state) readBalance(id credit.EmployeeID) (decimal.Decimal, error) {
	emp, ok := s.employees[id]
	if !ok {
		return decimal.Zero, &credit.NotFoundError{Kind: "employee", ID: string(id)}
	}
	return emp.ServiceCreditBalance, nil
}

func (s *state) adjustBalance(id credit.EmployeeID, delta decimal.Decimal) (decimal.Decimal, error) {
	emp, ok := s.employees[id]
	if !ok {
		return decimal.Zero, &credit.NotFoundError{Kind: "employee", ID: string(id)}
	}
	emp.ServiceCreditBalance = emp.ServiceCreditBalance.Add(delta)
	s.employees[id] = emp
	return emp.ServiceCreditBalance, nil
}

func (s *state) listEmployeeIDs() []credit.EmployeeID {
	ids := make([]credit.EmployeeID, 0, len(s.employees))
	for id := range s.employees {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// =============================================================================
// ATTENDANCE
// =============================================================================

func (s *state) createAttendanceRecord(rec credit.AttendanceRecord) error {
	if _, ok := s.attendance[rec.ID]; ok {
		return &credit.ValidationError{Field: "id", Message: "attendance record " + string(rec.ID) + " already exists"}
	}
	s.attendance[rec.ID] = rec
	return nil
}

func (s *state) markOffsetApplied(id credit.AttendanceRecordID, at time.Time) error {
	rec, ok := s.attendance[id]
	if !ok {
		return &credit.NotFoundError{Kind: "attendance record", ID: string(id)}
	}
	if rec.OriginalStatus == "" {
		rec.OriginalStatus = rec.Status
	}
	rec.Status = credit.AttendanceOffset
	rec.UpdatedAt = at
	s.attendance[id] = rec
	return nil
}

func (s *state) restoreOriginalStatus(id credit.AttendanceRecordID, at time.Time) error {
	rec, ok := s.attendance[id]
	if !ok {
		return &credit.NotFoundError{Kind: "attendance record", ID: string(id)}
	}
	if rec.OriginalStatus == "" {
		return nil
	}
	rec.Status = rec.OriginalStatus
	rec.OriginalStatus = ""
	rec.UpdatedAt = at
	s.attendance[id] = rec
	return nil
}

// =============================================================================
// LOTS AND OFFSETS
// =============================================================================

func (s *state) lotsByEmployee(id credit.EmployeeID) []credit.CreditLot {
	var lots []credit.CreditLot
	for _, lot := range s.lots {
		if lot.EmployeeID == id {
			lots = append(lots, lot)
		}
	}
	sort.Slice(lots, func(i, j int) bool {
		if !lots[i].WorkDate.Equal(lots[j].WorkDate) {
			return lots[i].WorkDate.Before(lots[j].WorkDate)
		}
		return lots[i].ID < lots[j].ID
	})
	return lots
}

func (s *state) offsetsWhere(match func(credit.OffsetRecord) bool) []credit.OffsetRecord {
	var out []credit.OffsetRecord
	for _, o := range s.offsets {
		if match(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *state) listRuns(limit int) []credit.ReconciliationRun {
	out := make([]credit.ReconciliationRun, 0, len(s.runs))
	for i := len(s.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.runs[i])
	}
	return out
}

func (s *state) saveRun(run credit.ReconciliationRun) {
	for i := range s.runs {
		if s.runs[i].ID == run.ID {
			s.runs[i] = run
			return
		}
	}
	s.runs = append(s.runs, run)
}

// =============================================================================
// view - credit.Store over a state without locking
// =============================================================================

type view struct{ s *state }

func (v view) CreateEmployee(_ context.Context, emp credit.Employee) error {
	return v.s.createEmployee(emp)
}

func (v view) GetEmployee(_ context.Context, id credit.EmployeeID) (*credit.Employee, error) {
	return v.s.getEmployee(id), nil
}

func (v view) FindEligible(_ context.Context, id credit.EmployeeID) (*credit.Employee, error) {
	return v.s.findEligible(id), nil
}

func (v view) ReadBalance(_ context.Context, id credit.EmployeeID) (decimal.Decimal, error) {
	return v.s.readBalance(id)
}

func (v view) AdjustBalance(_ context.Context, id credit.EmployeeID, delta decimal.Decimal) (decimal.Decimal, error) {
	return v.s.adjustBalance(id, delta)
}

func (v view) ListEmployeeIDs(_ context.Context) ([]credit.EmployeeID, error) {
	return v.s.listEmployeeIDs(), nil
}

func (v view) Exists(_ context.Context, id credit.AttendanceRecordID) (bool, error) {
	_, ok := v.s.attendance[id]
	return ok, nil
}

func (v view) MarkOffsetApplied(_ context.Context, id credit.AttendanceRecordID, at time.Time) error {
	return v.s.markOffsetApplied(id, at)
}

func (v view) RestoreOriginalStatus(_ context.Context, id credit.AttendanceRecordID, at time.Time) error {
	return v.s.restoreOriginalStatus(id, at)
}

func (v view) GetAttendanceRecord(_ context.Context, id credit.AttendanceRecordID) (*credit.AttendanceRecord, error) {
	rec, ok := v.s.attendance[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (v view) CreateAttendanceRecord(_ context.Context, rec credit.AttendanceRecord) error {
	return v.s.createAttendanceRecord(rec)
}

func (v view) InsertLot(_ context.Context, lot credit.CreditLot) error {
	v.s.lots[lot.ID] = lot
	return nil
}

func (v view) GetLot(_ context.Context, id credit.LotID) (*credit.CreditLot, error) {
	lot, ok := v.s.lots[id]
	if !ok {
		return nil, nil
	}
	return &lot, nil
}

func (v view) UpdateLot(_ context.Context, lot credit.CreditLot) error {
	if _, ok := v.s.lots[lot.ID]; !ok {
		return &credit.NotFoundError{Kind: "lot", ID: string(lot.ID)}
	}
	v.s.lots[lot.ID] = lot
	return nil
}

func (v view) LotsByEmployee(_ context.Context, id credit.EmployeeID) ([]credit.CreditLot, error) {
	return v.s.lotsByEmployee(id), nil
}

func (v view) InsertOffset(_ context.Context, o credit.OffsetRecord) error {
	v.s.offsets[o.ID] = o
	return nil
}

func (v view) GetOffset(_ context.Context, id credit.OffsetID) (*credit.OffsetRecord, error) {
	o, ok := v.s.offsets[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (v view) UpdateOffset(_ context.Context, o credit.OffsetRecord) error {
	if _, ok := v.s.offsets[o.ID]; !ok {
		return &credit.NotFoundError{Kind: "offset", ID: string(o.ID)}
	}
	v.s.offsets[o.ID] = o
	return nil
}

func (v view) OffsetsByAttendanceRecord(_ context.Context, id credit.AttendanceRecordID) ([]credit.OffsetRecord, error) {
	return v.s.offsetsWhere(func(o credit.OffsetRecord) bool { return o.AttendanceRecordID == id }), nil
}

func (v view) OffsetsByLot(_ context.Context, id credit.LotID) ([]credit.OffsetRecord, error) {
	return v.s.offsetsWhere(func(o credit.OffsetRecord) bool { return o.LotID == id }), nil
}

func (v view) SaveReconciliationRun(_ context.Context, run credit.ReconciliationRun) error {
	v.s.saveRun(run)
	return nil
}

func (v view) ListReconciliationRuns(_ context.Context, limit int) ([]credit.ReconciliationRun, error) {
	return v.s.listRuns(limit), nil
}

// =============================================================================
// LOCKED ACCESS
// =============================================================================

func (m *Memory) read(fn func(v view) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(view{s: m.s})
}

func (m *Memory) write(fn func(v view) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(view{s: m.s})
}

func (m *Memory) CreateEmployee(ctx context.Context, emp credit.Employee) error {
	return m.write(func(v view) error { return v.CreateEmployee(ctx, emp) })
}

func (m *Memory) GetEmployee(ctx context.Context, id credit.EmployeeID) (emp *credit.Employee, err error) {
	err = m.read(func(v view) error { emp, err = v.GetEmployee(ctx, id); return err })
	return emp, err
}

func (m *Memory) FindEligible(ctx context.Context, id credit.EmployeeID) (emp *credit.Employee, err error) {
	err = m.read(func(v view) error { emp, err = v.FindEligible(ctx, id); return err })
	return emp, err
}

func (m *Memory) ReadBalance(ctx context.Context, id credit.EmployeeID) (bal decimal.Decimal, err error) {
	err = m.read(func(v view) error { bal, err = v.ReadBalance(ctx, id); return err })
	return bal, err
}

func (m *Memory) AdjustBalance(ctx context.Context, id credit.EmployeeID, delta decimal.Decimal) (bal decimal.Decimal, err error) {
	err = m.write(func(v view) error { bal, err = v.AdjustBalance(ctx, id, delta); return err })
	return bal, err
}

func (m *Memory) ListEmployeeIDs(ctx context.Context) (ids []credit.EmployeeID, err error) {
	err = m.read(func(v view) error { ids, err = v.ListEmployeeIDs(ctx); return err })
	return ids, err
}

func (m *Memory) Exists(ctx context.Context, id credit.AttendanceRecordID) (ok bool, err error) {
	err = m.read(func(v view) error { ok, err = v.Exists(ctx, id); return err })
	return ok, err
}

func (m *Memory) MarkOffsetApplied(ctx context.Context, id credit.AttendanceRecordID, at time.Time) error {
	return m.write(func(v view) error { return v.MarkOffsetApplied(ctx, id, at) })
}

func (m *Memory) RestoreOriginalStatus(ctx context.Context, id credit.AttendanceRecordID, at time.Time) error {
	return m.write(func(v view) error { return v.RestoreOriginalStatus(ctx, id, at) })
}

func (m *Memory) GetAttendanceRecord(ctx context.Context, id credit.AttendanceRecordID) (rec *credit.AttendanceRecord, err error) {
	err = m.read(func(v view) error { rec, err = v.GetAttendanceRecord(ctx, id); return err })
	return rec, err
}

func (m *Memory) CreateAttendanceRecord(ctx context.Context, rec credit.AttendanceRecord) error {
	return m.write(func(v view) error { return v.CreateAttendanceRecord(ctx, rec) })
}

func (m *Memory) InsertLot(ctx context.Context, lot credit.CreditLot) error {
	return m.write(func(v view) error { return v.InsertLot(ctx, lot) })
}

func (m *Memory) GetLot(ctx context.Context, id credit.LotID) (lot *credit.CreditLot, err error) {
	err = m.read(func(v view) error { lot, err = v.GetLot(ctx, id); return err })
	return lot, err
}

func (m *Memory) UpdateLot(ctx context.Context, lot credit.CreditLot) error {
	return m.write(func(v view) error { return v.UpdateLot(ctx, lot) })
}

func (m *Memory) LotsByEmployee(ctx context.Context, id credit.EmployeeID) (lots []credit.CreditLot, err error) {
	err = m.read(func(v view) error { lots, err = v.LotsByEmployee(ctx, id); return err })
	return lots, err
}

func (m *Memory) InsertOffset(ctx context.Context, o credit.OffsetRecord) error {
	return m.write(func(v view) error { return v.InsertOffset(ctx, o) })
}

func (m *Memory) GetOffset(ctx context.Context, id credit.OffsetID) (o *credit.OffsetRecord, err error) {
	err = m.read(func(v view) error { o, err = v.GetOffset(ctx, id); return err })
	return o, err
}

func (m *Memory) UpdateOffset(ctx context.Context, o credit.OffsetRecord) error {
	return m.write(func(v view) error { return v.UpdateOffset(ctx, o) })
}

func (m *Memory) OffsetsByAttendanceRecord(ctx context.Context, id credit.AttendanceRecordID) (out []credit.OffsetRecord, err error) {
	err = m.read(func(v view) error { out, err = v.OffsetsByAttendanceRecord(ctx, id); return err })
	return out, err
}

func (m *Memory) OffsetsByLot(ctx context.Context, id credit.LotID) (out []credit.OffsetRecord, err error) {
	err = m.read(func(v view) error { out, err = v.OffsetsByLot(ctx, id); return err })
	return out, err
}

func (m *Memory) SaveReconciliationRun(ctx context.Context, run credit.ReconciliationRun) error {
	return m.write(func(v view) error { return v.SaveReconciliationRun(ctx, run) })
}

func (m *Memory) ListReconciliationRuns(ctx context.Context, limit int) (out []credit.ReconciliationRun, err error) {
	err = m.read(func(v view) error { out, err = v.ListReconciliationRuns(ctx, limit); return err })
	return out, err
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory(opts ...Option) *TxMemory {
	return &TxMemory{Memory: NewMemory(opts...)}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// Transactions are serialized by the store's write lock.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(credit.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := tm.s.clone()
	if err := fn(view{s: tm.s}); err != nil {
		tm.s = snapshot
		return err
	}
	return nil
}

var (
	_ credit.Store   = (*Memory)(nil)
	_ credit.TxStore = (*TxMemory)(nil)
	_ credit.Store   = view{}
)
