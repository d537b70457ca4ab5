/*
Package credit provides the service credit ledger and FIFO offset engine.

PURPOSE:
  Employees earn service credits by working outside their normal schedule
  (weekends, holidays, election duty, ...). Each earning event is a LOT with
  its own balance and a one-year shelf life. Absences are OFFSET by drawing
  credits from the employee's lots, oldest first.

KEY CONCEPTS IN THIS FILE (types.go):
  - CreditLot: One earning event. Tracks earned/used/balance.
  - OffsetRecord: Credits drawn from ONE lot to cover ONE absence.
  - Employee / AttendanceRecord: Collaborator records the engine reads.

INVARIANTS:
  1. Conservation: lot.CreditsUsed + lot.CreditsBalance == lot.CreditsEarned
  2. Provenance: sum of applied offsets for a lot == lot.CreditsUsed
  3. Offsets move applied -> reverted exactly once, never deleted

PRECISION:
  All credit amounts use decimal.Decimal with two fractional digits.
  8 hours worked = 1.00 credit.

SEE ALSO:
  - engine.go: FIFO apply / revert
  - lots.go, offsets.go, balance.go: the three components the engine drives
  - store.go: persistence interfaces
*/
package credit

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNTS
// =============================================================================

// CreditPlaces is the number of fractional digits credits are kept at.
const CreditPlaces = 2

// HoursPerCredit is the number of worked hours that earn one credit.
var HoursPerCredit = decimal.NewFromInt(8)

// CreditsForHours converts worked hours into earned credits, rounded to
// two decimals.
func CreditsForHours(hours decimal.Decimal) decimal.Decimal {
	return hours.Div(HoursPerCredit).Round(CreditPlaces)
}

// Credits is a convenience constructor used by callers and tests.
func Credits(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(CreditPlaces)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EmployeeID string
type LotID string
type OffsetID string
type AttendanceRecordID string

// =============================================================================
// CREDIT TYPE
// =============================================================================

// CreditType categorizes the work that earned a lot.
type CreditType string

const (
	CreditElectionDuty      CreditType = "election_duty"
	CreditTraining          CreditType = "training"
	CreditWeekendWork       CreditType = "weekend_work"
	CreditHolidayWork       CreditType = "holiday_work"
	CreditSpecialAssignment CreditType = "special_assignment"
	CreditOther             CreditType = "other"
)

var validCreditTypes = map[CreditType]bool{
	CreditElectionDuty:      true,
	CreditTraining:          true,
	CreditWeekendWork:       true,
	CreditHolidayWork:       true,
	CreditSpecialAssignment: true,
	CreditOther:             true,
}

func (t CreditType) Valid() bool { return validCreditTypes[t] }

// =============================================================================
// CREDIT LOT
// =============================================================================

type LotStatus string

const (
	LotPending  LotStatus = "pending"
	LotApproved LotStatus = "approved"
	LotRejected LotStatus = "rejected"
	// LotExpired is never stored. It is reported by EffectiveStatus for
	// approved lots past their expiry date.
	LotExpired LotStatus = "expired"
)

// ExpiryPeriodYears is how long a lot stays usable after its work date.
const ExpiryPeriodYears = 1

type CreditLot struct {
	ID          LotID
	EmployeeID  EmployeeID
	CreditType  CreditType
	WorkDate    time.Time
	HoursWorked decimal.Decimal
	Description string

	CreditsEarned  decimal.Decimal
	CreditsUsed    decimal.Decimal
	CreditsBalance decimal.Decimal

	Status     LotStatus
	ExpiryDate *time.Time

	// Audit fields
	CreatedBy       string
	ApprovedBy      string
	ApprovedAt      *time.Time
	ApprovalRemarks string
	RejectedBy      string
	RejectedAt      *time.Time
	RejectionReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsExpired reports whether the lot is past its expiry date at now.
// A lot without an expiry date never expires.
func (l CreditLot) IsExpired(now time.Time) bool {
	return l.ExpiryDate != nil && !l.ExpiryDate.After(now)
}

// IsAvailable reports whether FIFO consumption may draw from this lot.
func (l CreditLot) IsAvailable(now time.Time) bool {
	return l.Status == LotApproved && l.CreditsBalance.IsPositive() && !l.IsExpired(now)
}

// EffectiveStatus returns the stored status, or LotExpired for an approved
// lot whose expiry date has passed.
func (l CreditLot) EffectiveStatus(now time.Time) LotStatus {
	if l.Status == LotApproved && l.IsExpired(now) {
		return LotExpired
	}
	return l.Status
}

// Conserved reports whether used + balance == earned with both non-negative.
func (l CreditLot) Conserved() bool {
	if l.CreditsUsed.IsNegative() || l.CreditsBalance.IsNegative() {
		return false
	}
	return l.CreditsUsed.Add(l.CreditsBalance).Equal(l.CreditsEarned)
}

// =============================================================================
// OFFSET RECORD
// =============================================================================

type OffsetStatus string

const (
	OffsetApplied  OffsetStatus = "applied"
	OffsetReverted OffsetStatus = "reverted"
)

type OffsetRecord struct {
	ID                 OffsetID
	LotID              LotID
	AttendanceRecordID AttendanceRecordID
	EmployeeID         EmployeeID
	CreditsUsed        decimal.Decimal
	Status             OffsetStatus

	AppliedBy    string
	AppliedAt    time.Time
	RevertedBy   string
	RevertedAt   *time.Time
	RevertReason string
}

// =============================================================================
// COLLABORATOR RECORDS
// =============================================================================

// EmploymentCategory is the employee's contract category. Only some
// categories earn service credits; see EligibilityPolicy.
type EmploymentCategory string

const (
	CategoryRegular      EmploymentCategory = "regular"
	CategoryProbationary EmploymentCategory = "probationary"
	CategoryContractual  EmploymentCategory = "contractual"
	CategoryJobOrder     EmploymentCategory = "job_order"
)

type Employee struct {
	ID                   EmployeeID
	Name                 string
	Category             EmploymentCategory
	Active               bool
	ServiceCreditBalance decimal.Decimal
	CreatedAt            time.Time
}

// EligibilityPolicy decides which employees may earn service credits.
type EligibilityPolicy struct {
	Categories map[EmploymentCategory]bool
}

// DefaultEligibility admits active regular and probationary employees.
func DefaultEligibility() EligibilityPolicy {
	return NewEligibility([]string{string(CategoryRegular), string(CategoryProbationary)})
}

func NewEligibility(categories []string) EligibilityPolicy {
	p := EligibilityPolicy{Categories: make(map[EmploymentCategory]bool, len(categories))}
	for _, c := range categories {
		p.Categories[EmploymentCategory(c)] = true
	}
	return p
}

func (p EligibilityPolicy) IsEligible(e Employee) bool {
	return e.Active && p.Categories[e.Category]
}

// AttendanceStatus values used by the engine. Other statuses are carried
// through untouched.
const (
	AttendanceAbsent = "absent"
	AttendanceOffset = "offset"
)

type AttendanceRecord struct {
	ID             AttendanceRecordID
	EmployeeID     EmployeeID
	Date           time.Time
	Status         string
	OriginalStatus string // status before the first offset was applied
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
