/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model in package credit from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Credit amounts go out as strings with two decimals ("2.50") so clients
  never see float artifacts. Requests accept either a JSON number or a
  string; decimal.Decimal parses both.

DATES:
  work_date and date are "YYYY-MM-DD". Timestamps are RFC 3339.

ACTORS:
  Every mutating request names its actor in the body (created_by,
  approver_id, applied_by, ...). The X-Actor-ID header is used when the
  body field is empty.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/service-credits/credit"
)

const dateLayout = "2006-01-02"

// =============================================================================
// EMPLOYEES
// =============================================================================

type CreateEmployeeRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Active   *bool  `json:"active,omitempty"`
}

type EmployeeDTO struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Category             string    `json:"category"`
	Active               bool      `json:"active"`
	ServiceCreditBalance string    `json:"service_credit_balance"`
	CreatedAt            time.Time `json:"created_at"`
}

type SummaryDTO struct {
	EmployeeID       string `json:"employee_id"`
	TotalEarned      string `json:"total_earned"`
	TotalUsed        string `json:"total_used"`
	TotalBalance     string `json:"total_balance"`
	AvailableBalance string `json:"available_balance"`
	CachedBalance    string `json:"cached_balance"`
	PendingCount     int    `json:"pending_count"`
	ApprovedCount    int    `json:"approved_count"`
	RejectedCount    int    `json:"rejected_count"`
	ExpiredCount     int    `json:"expired_count"`
}

// =============================================================================
// CREDIT LOTS
// =============================================================================

type CreateCreditRequest struct {
	CreditType  string          `json:"credit_type"`
	WorkDate    string          `json:"work_date"`
	HoursWorked decimal.Decimal `json:"hours_worked"`
	Description string          `json:"description"`
	CreatedBy   string          `json:"created_by"`
}

type ApproveCreditRequest struct {
	ApproverID string `json:"approver_id"`
	Remarks    string `json:"remarks"`
}

type RejectCreditRequest struct {
	RejectorID string `json:"rejector_id"`
	Reason     string `json:"reason"`
}

type CreditLotDTO struct {
	ID             string `json:"id"`
	EmployeeID     string `json:"employee_id"`
	CreditType     string `json:"credit_type"`
	WorkDate       string `json:"work_date"`
	HoursWorked    string `json:"hours_worked"`
	Description    string `json:"description,omitempty"`
	CreditsEarned  string `json:"credits_earned"`
	CreditsUsed    string `json:"credits_used"`
	CreditsBalance string `json:"credits_balance"`
	// Status is the effective status: "expired" for approved lots past
	// their expiry date.
	Status          string     `json:"status"`
	ExpiryDate      string     `json:"expiry_date,omitempty"`
	CreatedBy       string     `json:"created_by,omitempty"`
	ApprovedBy      string     `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	ApprovalRemarks string     `json:"approval_remarks,omitempty"`
	RejectedBy      string     `json:"rejected_by,omitempty"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// =============================================================================
// ATTENDANCE AND OFFSETS
// =============================================================================

type CreateAttendanceRequest struct {
	ID         string `json:"id"`
	EmployeeID string `json:"employee_id"`
	Date       string `json:"date"`
	Status     string `json:"status"`
}

type AttendanceDTO struct {
	ID             string    `json:"id"`
	EmployeeID     string    `json:"employee_id"`
	Date           string    `json:"date"`
	Status         string    `json:"status"`
	OriginalStatus string    `json:"original_status,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type ApplyOffsetRequest struct {
	EmployeeID         string          `json:"employee_id"`
	AttendanceRecordID string          `json:"attendance_record_id"`
	CreditsNeeded      decimal.Decimal `json:"credits_needed"`
	AppliedBy          string          `json:"applied_by"`
}

type ApplyOffsetResponse struct {
	CreditsApplied   string      `json:"credits_applied"`
	RemainingBalance string      `json:"remaining_balance"`
	Offsets          []OffsetDTO `json:"offsets"`
}

type RevertOffsetRequest struct {
	RevertedBy string `json:"reverted_by"`
	Reason     string `json:"reason"`
}

type OffsetDTO struct {
	ID                 string     `json:"id"`
	LotID              string     `json:"lot_id"`
	AttendanceRecordID string     `json:"attendance_record_id"`
	EmployeeID         string     `json:"employee_id"`
	CreditsUsed        string     `json:"credits_used"`
	Status             string     `json:"status"`
	AppliedBy          string     `json:"applied_by"`
	AppliedAt          time.Time  `json:"applied_at"`
	RevertedBy         string     `json:"reverted_by,omitempty"`
	RevertedAt         *time.Time `json:"reverted_at,omitempty"`
	RevertReason       string     `json:"revert_reason,omitempty"`
}

// =============================================================================
// RECONCILIATION
// =============================================================================

type ReconcileRequest struct {
	EmployeeID string `json:"employee_id"`
	Correct    bool   `json:"correct"`
	Actor      string `json:"actor"`
}

type ReconciliationRunDTO struct {
	ID              string     `json:"id"`
	EmployeeID      string     `json:"employee_id"`
	CachedBalance   string     `json:"cached_balance"`
	ComputedBalance string     `json:"computed_balance"`
	Drift           string     `json:"drift"`
	Corrected       bool       `json:"corrected"`
	Status          string     `json:"status"`
	Error           string     `json:"error,omitempty"`
	Actor           string     `json:"actor"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

type ReconcileResponse struct {
	Runs   []ReconciliationRunDTO `json:"runs"`
	Errors []string               `json:"errors,omitempty"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// InsufficientBalanceDetails is the Details payload for insufficient_balance.
type InsufficientBalanceDetails struct {
	Available string `json:"available"`
	Requested string `json:"requested"`
	Shortfall string `json:"shortfall"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func credits(d decimal.Decimal) string {
	return d.StringFixed(credit.CreditPlaces)
}

func toEmployeeDTO(e credit.Employee) EmployeeDTO {
	return EmployeeDTO{
		ID:                   string(e.ID),
		Name:                 e.Name,
		Category:             string(e.Category),
		Active:               e.Active,
		ServiceCreditBalance: credits(e.ServiceCreditBalance),
		CreatedAt:            e.CreatedAt,
	}
}

func toSummaryDTO(s credit.Summary) SummaryDTO {
	return SummaryDTO{
		EmployeeID:       string(s.EmployeeID),
		TotalEarned:      credits(s.TotalEarned),
		TotalUsed:        credits(s.TotalUsed),
		TotalBalance:     credits(s.TotalBalance),
		AvailableBalance: credits(s.AvailableBalance),
		CachedBalance:    credits(s.CachedBalance),
		PendingCount:     s.PendingCount,
		ApprovedCount:    s.ApprovedCount,
		RejectedCount:    s.RejectedCount,
		ExpiredCount:     s.ExpiredCount,
	}
}

func toCreditLotDTO(l credit.CreditLot, now time.Time) CreditLotDTO {
	dto := CreditLotDTO{
		ID:              string(l.ID),
		EmployeeID:      string(l.EmployeeID),
		CreditType:      string(l.CreditType),
		WorkDate:        l.WorkDate.Format(dateLayout),
		HoursWorked:     l.HoursWorked.String(),
		Description:     l.Description,
		CreditsEarned:   credits(l.CreditsEarned),
		CreditsUsed:     credits(l.CreditsUsed),
		CreditsBalance:  credits(l.CreditsBalance),
		Status:          string(l.EffectiveStatus(now)),
		CreatedBy:       l.CreatedBy,
		ApprovedBy:      l.ApprovedBy,
		ApprovedAt:      l.ApprovedAt,
		ApprovalRemarks: l.ApprovalRemarks,
		RejectedBy:      l.RejectedBy,
		RejectedAt:      l.RejectedAt,
		RejectionReason: l.RejectionReason,
		CreatedAt:       l.CreatedAt,
		UpdatedAt:       l.UpdatedAt,
	}
	if l.ExpiryDate != nil {
		dto.ExpiryDate = l.ExpiryDate.Format(dateLayout)
	}
	return dto
}

func toCreditLotDTOs(lots []credit.CreditLot, now time.Time) []CreditLotDTO {
	out := make([]CreditLotDTO, 0, len(lots))
	for _, l := range lots {
		out = append(out, toCreditLotDTO(l, now))
	}
	return out
}

func toAttendanceDTO(r credit.AttendanceRecord) AttendanceDTO {
	return AttendanceDTO{
		ID:             string(r.ID),
		EmployeeID:     string(r.EmployeeID),
		Date:           r.Date.Format(dateLayout),
		Status:         r.Status,
		OriginalStatus: r.OriginalStatus,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func toOffsetDTO(o credit.OffsetRecord) OffsetDTO {
	return OffsetDTO{
		ID:                 string(o.ID),
		LotID:              string(o.LotID),
		AttendanceRecordID: string(o.AttendanceRecordID),
		EmployeeID:         string(o.EmployeeID),
		CreditsUsed:        credits(o.CreditsUsed),
		Status:             string(o.Status),
		AppliedBy:          o.AppliedBy,
		AppliedAt:          o.AppliedAt,
		RevertedBy:         o.RevertedBy,
		RevertedAt:         o.RevertedAt,
		RevertReason:       o.RevertReason,
	}
}

func toOffsetDTOs(offsets []credit.OffsetRecord) []OffsetDTO {
	out := make([]OffsetDTO, 0, len(offsets))
	for _, o := range offsets {
		out = append(out, toOffsetDTO(o))
	}
	return out
}

func toRunDTO(r credit.ReconciliationRun) ReconciliationRunDTO {
	return ReconciliationRunDTO{
		ID:              r.ID,
		EmployeeID:      string(r.EmployeeID),
		CachedBalance:   credits(r.CachedBalance),
		ComputedBalance: credits(r.ComputedBalance),
		Drift:           credits(r.Drift),
		Corrected:       r.Corrected,
		Status:          string(r.Status),
		Error:           r.Error,
		Actor:           r.Actor,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
	}
}

func toRunDTOs(runs []credit.ReconciliationRun) []ReconciliationRunDTO {
	out := make([]ReconciliationRunDTO, 0, len(runs))
	for _, r := range runs {
		out = append(out, toRunDTO(r))
	}
	return out
}
