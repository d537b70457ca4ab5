package credit

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DIRECTORY - Employee and attendance records the ledger depends on
// =============================================================================

type NewEmployeeInput struct {
	ID       EmployeeID
	Name     string
	Category EmploymentCategory
	Active   bool
}

// RegisterEmployee adds an employee with a zero cached balance.
func (e *OffsetEngine) RegisterEmployee(ctx context.Context, in NewEmployeeInput) (*Employee, error) {
	if strings.TrimSpace(string(in.ID)) == "" {
		return nil, invalid("id", "required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, invalid("name", "required")
	}
	switch in.Category {
	case CategoryRegular, CategoryProbationary, CategoryContractual, CategoryJobOrder:
	default:
		return nil, invalid("category", "unknown employment category %q", in.Category)
	}
	emp := Employee{
		ID:                   in.ID,
		Name:                 strings.TrimSpace(in.Name),
		Category:             in.Category,
		Active:               in.Active,
		ServiceCreditBalance: decimal.Zero,
		CreatedAt:            e.clock.Now(),
	}
	if err := e.store.CreateEmployee(ctx, emp); err != nil {
		return nil, e.fail("register_employee", err)
	}
	return &emp, nil
}

func (e *OffsetEngine) Employee(ctx context.Context, id EmployeeID) (*Employee, error) {
	emp, err := e.store.GetEmployee(ctx, id)
	if err != nil {
		return nil, err
	}
	if emp == nil {
		return nil, notFound("employee", string(id))
	}
	return emp, nil
}

type NewAttendanceInput struct {
	ID         AttendanceRecordID
	EmployeeID EmployeeID
	Date       time.Time
	Status     string
}

// RecordAttendance stores a new attendance record. An empty ID gets a ULID
// and an empty status defaults to absent. An existing record is never
// overwritten.
func (e *OffsetEngine) RecordAttendance(ctx context.Context, in NewAttendanceInput) (*AttendanceRecord, error) {
	if in.EmployeeID == "" {
		return nil, invalid("employee_id", "required")
	}
	if in.Date.IsZero() {
		return nil, invalid("date", "required")
	}
	if in.ID == "" {
		in.ID = AttendanceRecordID(NewID())
	}
	status := strings.TrimSpace(in.Status)
	if status == "" {
		status = AttendanceAbsent
	}
	now := e.clock.Now()
	rec := AttendanceRecord{
		ID:         in.ID,
		EmployeeID: in.EmployeeID,
		Date:       DateOnly(in.Date),
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := e.store.WithTx(ctx, func(s Store) error {
		emp, err := s.GetEmployee(ctx, in.EmployeeID)
		if err != nil {
			return err
		}
		if emp == nil {
			return notFound("employee", string(in.EmployeeID))
		}
		return s.CreateAttendanceRecord(ctx, rec)
	})
	if err != nil {
		return nil, e.fail("record_attendance", err)
	}
	return &rec, nil
}

func (e *OffsetEngine) AttendanceRecord(ctx context.Context, id AttendanceRecordID) (*AttendanceRecord, error) {
	rec, err := e.store.GetAttendanceRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, notFound("attendance record", string(id))
	}
	return rec, nil
}
