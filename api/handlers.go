/*
handlers.go - HTTP API handlers for the service credit ledger

PURPOSE:
  Exposes the offset engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to package credit.

ENDPOINTS:
  Employees:
    POST   /api/employees                 Register employee
    GET    /api/employees/{id}            Employee with cached balance
    GET    /api/employees/{id}/summary    Credit summary
    GET    /api/employees/{id}/credits    All lots, FIFO order
    POST   /api/employees/{id}/credits    Create pending lot

  Credits:
    POST   /api/credits/{id}/approve      Approve pending lot
    POST   /api/credits/{id}/reject       Reject pending lot
    GET    /api/credits/{id}/offsets      Offsets drawn from a lot

  Attendance and offsets:
    POST   /api/attendance                Record attendance
    GET    /api/attendance/{id}           Attendance record
    GET    /api/attendance/{id}/offsets   Offsets covering a record
    POST   /api/offsets                   Apply credits (FIFO)
    POST   /api/offsets/{id}/revert       Revert one offset

  Admin:
    POST   /api/admin/reconcile           Reconcile one or all employees
    GET    /api/admin/reconciliation/runs Recent reconciliation runs

ERROR HANDLING:
  Errors are returned as JSON with a stable code (credit.Kind):
  - 400 validation
  - 404 not_found
  - 409 invalid_state, already_reverted
  - 422 insufficient_balance (details: available, requested, shortfall)
  - 503 busy (Retry-After: 1)
  - 500 everything else

SECURITY NOTE:
  No authentication. Actor IDs are taken at face value.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/service-credits/credit"
)

// ActorHeader names the caller when the request body does not.
const ActorHeader = "X-Actor-ID"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *credit.OffsetEngine
	Log    *zap.Logger

	// ReconcileActor is recorded on runs triggered without an explicit actor.
	ReconcileActor string
}

// NewHandler creates a new handler around the engine.
func NewHandler(engine *credit.OffsetEngine, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Engine:         engine,
		Log:            log.Named("api"),
		ReconcileActor: "api",
	}
}

// =============================================================================
// EMPLOYEE HANDLERS
// =============================================================================

// CreateEmployee registers an employee with a zero balance.
func (h *Handler) CreateEmployee(w http.ResponseWriter, r *http.Request) {
	var req CreateEmployeeRequest
	if !decode(w, r, &req) {
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	emp, err := h.Engine.RegisterEmployee(r.Context(), credit.NewEmployeeInput{
		ID:       credit.EmployeeID(req.ID),
		Name:     req.Name,
		Category: credit.EmploymentCategory(req.Category),
		Active:   active,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEmployeeDTO(*emp))
}

// GetEmployee returns the employee with its cached balance.
func (h *Handler) GetEmployee(w http.ResponseWriter, r *http.Request) {
	emp, err := h.Engine.Employee(r.Context(), credit.EmployeeID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEmployeeDTO(*emp))
}

// GetSummary returns lot totals next to the cached balance.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Engine.GetSummary(r.Context(), credit.EmployeeID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(*summary))
}

// =============================================================================
// CREDIT LOT HANDLERS
// =============================================================================

// ListCredits returns every lot of the employee, oldest work date first.
func (h *Handler) ListCredits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := credit.EmployeeID(chi.URLParam(r, "id"))
	if _, err := h.Engine.Employee(ctx, id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	lots, err := h.Engine.Lots(ctx, id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditLotDTOs(lots, h.Engine.Now()))
}

// CreateCredit records a pending lot for the employee in the URL.
func (h *Handler) CreateCredit(w http.ResponseWriter, r *http.Request) {
	var req CreateCreditRequest
	if !decode(w, r, &req) {
		return
	}
	workDate, err := parseDate("work_date", req.WorkDate)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	lot, err := h.Engine.CreateCredit(r.Context(), credit.CreateLotInput{
		EmployeeID:  credit.EmployeeID(chi.URLParam(r, "id")),
		CreditType:  credit.CreditType(req.CreditType),
		WorkDate:    workDate,
		HoursWorked: req.HoursWorked,
		Description: req.Description,
		CreatedBy:   actor(r, req.CreatedBy),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCreditLotDTO(*lot, h.Engine.Now()))
}

// ApproveCredit moves a pending lot to approved and credits the balance.
func (h *Handler) ApproveCredit(w http.ResponseWriter, r *http.Request) {
	var req ApproveCreditRequest
	if !decode(w, r, &req) {
		return
	}
	lot, err := h.Engine.ApproveCredit(r.Context(),
		credit.LotID(chi.URLParam(r, "id")), actor(r, req.ApproverID), req.Remarks)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditLotDTO(*lot, h.Engine.Now()))
}

// RejectCredit moves a pending lot to rejected.
func (h *Handler) RejectCredit(w http.ResponseWriter, r *http.Request) {
	var req RejectCreditRequest
	if !decode(w, r, &req) {
		return
	}
	lot, err := h.Engine.RejectCredit(r.Context(),
		credit.LotID(chi.URLParam(r, "id")), actor(r, req.RejectorID), req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditLotDTO(*lot, h.Engine.Now()))
}

// ListLotOffsets returns the offsets drawn from a lot.
func (h *Handler) ListLotOffsets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := credit.LotID(chi.URLParam(r, "id"))
	if _, err := h.Engine.Lot(ctx, id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	offsets, err := h.Engine.OffsetsByLot(ctx, id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOffsetDTOs(offsets))
}

// =============================================================================
// ATTENDANCE AND OFFSET HANDLERS
// =============================================================================

// CreateAttendance stores an attendance record.
func (h *Handler) CreateAttendance(w http.ResponseWriter, r *http.Request) {
	var req CreateAttendanceRequest
	if !decode(w, r, &req) {
		return
	}
	day, err := parseDate("date", req.Date)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	rec, err := h.Engine.RecordAttendance(r.Context(), credit.NewAttendanceInput{
		ID:         credit.AttendanceRecordID(req.ID),
		EmployeeID: credit.EmployeeID(req.EmployeeID),
		Date:       day,
		Status:     req.Status,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAttendanceDTO(*rec))
}

// GetAttendance returns an attendance record with its current status.
func (h *Handler) GetAttendance(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Engine.AttendanceRecord(r.Context(), credit.AttendanceRecordID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAttendanceDTO(*rec))
}

// ListAttendanceOffsets returns applied and reverted offsets for a record.
func (h *Handler) ListAttendanceOffsets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := credit.AttendanceRecordID(chi.URLParam(r, "id"))
	if _, err := h.Engine.AttendanceRecord(ctx, id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	offsets, err := h.Engine.OffsetsByAttendanceRecord(ctx, id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOffsetDTOs(offsets))
}

// ApplyOffset consumes credits oldest lot first against an absence.
func (h *Handler) ApplyOffset(w http.ResponseWriter, r *http.Request) {
	var req ApplyOffsetRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := h.Engine.Apply(r.Context(), credit.ApplyInput{
		EmployeeID:         credit.EmployeeID(req.EmployeeID),
		AttendanceRecordID: credit.AttendanceRecordID(req.AttendanceRecordID),
		CreditsNeeded:      req.CreditsNeeded,
		AppliedBy:          actor(r, req.AppliedBy),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ApplyOffsetResponse{
		CreditsApplied:   credits(result.CreditsApplied),
		RemainingBalance: credits(result.RemainingBalance),
		Offsets:          toOffsetDTOs(result.Offsets),
	})
}

// RevertOffset undoes one offset and restores its lot.
func (h *Handler) RevertOffset(w http.ResponseWriter, r *http.Request) {
	var req RevertOffsetRequest
	if !decode(w, r, &req) {
		return
	}
	offset, err := h.Engine.Revert(r.Context(),
		credit.OffsetID(chi.URLParam(r, "id")), actor(r, req.RevertedBy), req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOffsetDTO(*offset))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// Reconcile compares cached balances against lot sums. With an employee_id
// it reconciles one employee, otherwise all of them.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	by := actor(r, req.Actor)
	if by == "" {
		by = h.ReconcileActor
	}

	if req.EmployeeID != "" {
		run, err := h.Engine.Reconcile(r.Context(), credit.EmployeeID(req.EmployeeID), by, req.Correct)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ReconcileResponse{Runs: []ReconciliationRunDTO{toRunDTO(*run)}})
		return
	}

	runs, err := h.Engine.ReconcileAll(r.Context(), by, req.Correct)
	resp := ReconcileResponse{Runs: toRunDTOs(runs)}
	if err != nil {
		resp.Errors = splitJoined(err)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListReconciliationRuns returns recent runs, newest first. ?limit=N.
func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", "validation", err)
			return
		}
		limit = n
	}
	runs, err := h.Engine.ReconciliationRuns(r.Context(), limit)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTOs(runs))
}

// =============================================================================
// HELPERS
// =============================================================================

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "validation", err)
		return false
	}
	return true
}

// actor prefers the body field and falls back to the X-Actor-ID header.
func actor(r *http.Request, fromBody string) string {
	if s := strings.TrimSpace(fromBody); s != "" {
		return s
	}
	return strings.TrimSpace(r.Header.Get(ActorHeader))
}

func parseDate(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, &credit.ValidationError{Field: field, Message: "required"}
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, &credit.ValidationError{Field: field, Message: "must be YYYY-MM-DD"}
	}
	return t, nil
}

func splitJoined(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}

// statusFor maps a credit error kind to its HTTP status.
func statusFor(kind string) int {
	switch kind {
	case "validation":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "invalid_state", "already_reverted":
		return http.StatusConflict
	case "insufficient_balance":
		return http.StatusUnprocessableEntity
	case "busy":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	kind := credit.Kind(err)
	status := statusFor(kind)

	resp := ErrorResponse{Error: err.Error(), Code: kind}
	var insufficient *credit.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		resp.Details = InsufficientBalanceDetails{
			Available: credits(insufficient.Available),
			Requested: credits(insufficient.Requested),
			Shortfall: credits(insufficient.Shortfall()),
		}
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	if status >= http.StatusInternalServerError {
		h.Log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("kind", kind),
			zap.Error(err))
		if status == http.StatusInternalServerError {
			resp.Error = "internal error"
		}
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, code string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
