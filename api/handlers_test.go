/*
handlers_test.go - HTTP tests for the credit API

Tests for:
- The apply/revert round trip through the router
- Error code mapping (400/404/409/422/503)
- Actor header fallback
- Reconciliation endpoints and /metrics
*/
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/service-credits/credit"
	"github.com/warp/service-credits/metrics"
	"github.com/warp/service-credits/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)

type apiFixture struct {
	router http.Handler
	engine *credit.OffsetEngine
	logs   *observer.ObservedLogs
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core)

	reg := prometheus.NewRegistry()
	engine := credit.NewOffsetEngine(store,
		credit.WithClock(credit.NewFixedClock(testNow)),
		credit.WithLogger(log),
		credit.WithRecorder(metrics.New(reg)),
	)
	h := NewHandler(engine, log)
	return &apiFixture{
		router: NewRouter(h, RouterOptions{Gatherer: reg}),
		engine: engine,
		logs:   logs,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// seed registers emp-1 with one approved lot per work date (8h = 1.00 each
// unless hours says otherwise) and an absence att-1.
func (f *apiFixture) seed(t *testing.T, lots map[string]string) map[string]string {
	t.Helper()
	rec := f.do(t, "POST", "/api/employees", CreateEmployeeRequest{ID: "emp-1", Name: "Maria Santos", Category: "regular"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	ids := map[string]string{}
	for workDate, hours := range lots {
		rec = f.do(t, "POST", "/api/employees/emp-1/credits",
			`{"credit_type":"election_duty","work_date":"`+workDate+`","hours_worked":"`+hours+`","created_by":"hr-1"}`)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		lot := decodeBody[CreditLotDTO](t, rec)

		rec = f.do(t, "POST", "/api/credits/"+lot.ID+"/approve", ApproveCreditRequest{ApproverID: "sup-1"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		ids[workDate] = lot.ID
	}

	rec = f.do(t, "POST", "/api/attendance", CreateAttendanceRequest{ID: "att-1", EmployeeID: "emp-1", Date: "2025-05-30"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return ids
}

// =============================================================================
// APPLY AND REVERT
// =============================================================================

func TestAPI_ApplyAndRevertRoundTrip(t *testing.T) {
	// GIVEN: Lots Jan 1 (2.00) and Feb 1 (1.00), absence att-1
	// WHEN: Applying 2.50 over HTTP, then reverting both offsets
	// THEN: FIFO split in the response, attendance restored at the end

	f := newAPIFixture(t)
	ids := f.seed(t, map[string]string{"2025-01-01": "16", "2025-02-01": "8"})

	rec := f.do(t, "POST", "/api/offsets",
		`{"employee_id":"emp-1","attendance_record_id":"att-1","credits_needed":2.5,"applied_by":"hr-1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	applied := decodeBody[ApplyOffsetResponse](t, rec)

	assert.Equal(t, "2.50", applied.CreditsApplied)
	assert.Equal(t, "0.50", applied.RemainingBalance)
	require.Len(t, applied.Offsets, 2)
	assert.Equal(t, ids["2025-01-01"], applied.Offsets[0].LotID)
	assert.Equal(t, "2.00", applied.Offsets[0].CreditsUsed)
	assert.Equal(t, ids["2025-02-01"], applied.Offsets[1].LotID)
	assert.Equal(t, "0.50", applied.Offsets[1].CreditsUsed)

	rec = f.do(t, "GET", "/api/attendance/att-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	att := decodeBody[AttendanceDTO](t, rec)
	assert.Equal(t, "offset", att.Status)
	assert.Equal(t, "absent", att.OriginalStatus)

	rec = f.do(t, "GET", "/api/employees/emp-1/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decodeBody[SummaryDTO](t, rec)
	assert.Equal(t, "3.00", summary.TotalEarned)
	assert.Equal(t, "2.50", summary.TotalUsed)
	assert.Equal(t, "0.50", summary.AvailableBalance)
	assert.Equal(t, "0.50", summary.CachedBalance)
	assert.Equal(t, 2, summary.ApprovedCount)

	for _, o := range applied.Offsets {
		rec = f.do(t, "POST", "/api/offsets/"+o.ID+"/revert", RevertOffsetRequest{RevertedBy: "hr-1", Reason: "wrong date"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "reverted", decodeBody[OffsetDTO](t, rec).Status)
	}

	rec = f.do(t, "GET", "/api/employees/emp-1", nil)
	assert.Equal(t, "3.00", decodeBody[EmployeeDTO](t, rec).ServiceCreditBalance)

	rec = f.do(t, "GET", "/api/attendance/att-1", nil)
	assert.Equal(t, "absent", decodeBody[AttendanceDTO](t, rec).Status)

	rec = f.do(t, "GET", "/api/attendance/att-1/offsets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]OffsetDTO](t, rec), 2)

	rec = f.do(t, "GET", "/api/credits/"+ids["2025-01-01"]+"/offsets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]OffsetDTO](t, rec), 1)

	// Second revert of the same offset.
	rec = f.do(t, "POST", "/api/offsets/"+applied.Offsets[0].ID+"/revert", RevertOffsetRequest{RevertedBy: "hr-1", Reason: "again"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_reverted", decodeBody[ErrorResponse](t, rec).Code)
}

func TestAPI_InsufficientBalance(t *testing.T) {
	// GIVEN: One 1.00 lot
	// WHEN: Applying 1.50
	// THEN: 422 with available, requested and shortfall details

	f := newAPIFixture(t)
	f.seed(t, map[string]string{"2025-01-01": "8"})

	rec := f.do(t, "POST", "/api/offsets",
		ApplyOffsetRequest{EmployeeID: "emp-1", AttendanceRecordID: "att-1", CreditsNeeded: credit.Credits(1.5), AppliedBy: "hr-1"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	var body struct {
		Code    string                     `json:"code"`
		Details InsufficientBalanceDetails `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "insufficient_balance", body.Code)
	assert.Equal(t, "1.00", body.Details.Available)
	assert.Equal(t, "1.50", body.Details.Requested)
	assert.Equal(t, "0.50", body.Details.Shortfall)

	rec = f.do(t, "GET", "/api/attendance/att-1", nil)
	assert.Equal(t, "absent", decodeBody[AttendanceDTO](t, rec).Status)
}

func TestAPI_ActorHeaderFallback(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t, nil)

	rec := f.do(t, "POST", "/api/employees/emp-1/credits",
		`{"credit_type":"training","work_date":"2025-04-01","hours_worked":8}`, ActorHeader, "hr-7")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	lot := decodeBody[CreditLotDTO](t, rec)
	assert.Equal(t, "hr-7", lot.CreatedBy)
	assert.Equal(t, "pending", lot.Status)
	assert.Equal(t, "2026-04-01", lot.ExpiryDate)

	// Approver missing from body and header.
	rec = f.do(t, "POST", "/api/credits/"+lot.ID+"/approve", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "POST", "/api/credits/"+lot.ID+"/approve", `{}`, ActorHeader, "sup-2")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "sup-2", decodeBody[CreditLotDTO](t, rec).ApprovedBy)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestAPI_ErrorCodes(t *testing.T) {
	f := newAPIFixture(t)
	ids := f.seed(t, map[string]string{"2025-01-01": "8"})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown employee", "GET", "/api/employees/nobody", nil, http.StatusNotFound, "not_found"},
		{"unknown employee summary", "GET", "/api/employees/nobody/summary", nil, http.StatusNotFound, "not_found"},
		{"unknown employee credits", "GET", "/api/employees/nobody/credits", nil, http.StatusNotFound, "not_found"},
		{"unknown lot", "POST", "/api/credits/lot-x/approve", ApproveCreditRequest{ApproverID: "sup"}, http.StatusNotFound, "not_found"},
		{"unknown lot offsets", "GET", "/api/credits/lot-x/offsets", nil, http.StatusNotFound, "not_found"},
		{"unknown offset", "POST", "/api/offsets/off-x/revert", RevertOffsetRequest{RevertedBy: "hr", Reason: "r"}, http.StatusNotFound, "not_found"},
		{"unknown attendance", "GET", "/api/attendance/att-x", nil, http.StatusNotFound, "not_found"},
		{"approve approved lot", "POST", "/api/credits/" + ids["2025-01-01"] + "/approve", ApproveCreditRequest{ApproverID: "sup"}, http.StatusConflict, "invalid_state"},
		{"bad date", "POST", "/api/employees/emp-1/credits", `{"credit_type":"training","work_date":"01/02/2025","hours_worked":8,"created_by":"hr"}`, http.StatusBadRequest, "validation"},
		{"unknown credit type", "POST", "/api/employees/emp-1/credits", `{"credit_type":"overtime","work_date":"2025-01-02","hours_worked":8,"created_by":"hr"}`, http.StatusBadRequest, "validation"},
		{"unknown field", "POST", "/api/offsets", `{"employee":"emp-1"}`, http.StatusBadRequest, "validation"},
		{"malformed json", "POST", "/api/offsets", `{`, http.StatusBadRequest, "validation"},
		{"zero amount", "POST", "/api/offsets", `{"employee_id":"emp-1","attendance_record_id":"att-1","credits_needed":"0","applied_by":"hr"}`, http.StatusBadRequest, "validation"},
		{"three decimals", "POST", "/api/offsets", `{"employee_id":"emp-1","attendance_record_id":"att-1","credits_needed":"0.125","applied_by":"hr"}`, http.StatusBadRequest, "validation"},
		{"revert without reason", "POST", "/api/offsets/off-x/revert", RevertOffsetRequest{RevertedBy: "hr"}, http.StatusBadRequest, "validation"},
		{"bad limit", "GET", "/api/admin/reconciliation/runs?limit=abc", nil, http.StatusBadRequest, "validation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decodeBody[ErrorResponse](t, rec).Code)
		})
	}
}

func TestAPI_AttendanceOwnershipAndDuplicates(t *testing.T) {
	// GIVEN: emp-1 with 1.00 and emp-2 with absence att-2
	// WHEN: Applying emp-1's credits to att-2, then re-posting att-1
	// THEN: Both are 400 validation; att-2 stays absent, emp-1 keeps 1.00

	f := newAPIFixture(t)
	f.seed(t, map[string]string{"2025-01-01": "8"})
	rec := f.do(t, "POST", "/api/employees", CreateEmployeeRequest{ID: "emp-2", Name: "Jose Cruz", Category: "regular"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = f.do(t, "POST", "/api/attendance", CreateAttendanceRequest{ID: "att-2", EmployeeID: "emp-2", Date: "2025-05-30"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, "POST", "/api/offsets",
		`{"employee_id":"emp-1","attendance_record_id":"att-2","credits_needed":"1","applied_by":"hr-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Equal(t, "validation", decodeBody[ErrorResponse](t, rec).Code)

	rec = f.do(t, "POST", "/api/attendance", CreateAttendanceRequest{ID: "att-1", EmployeeID: "emp-1", Date: "2025-05-31", Status: "present"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Equal(t, "validation", decodeBody[ErrorResponse](t, rec).Code)

	rec = f.do(t, "GET", "/api/attendance/att-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, credit.AttendanceAbsent, decodeBody[AttendanceDTO](t, rec).Status)

	rec = f.do(t, "GET", "/api/attendance/att-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2025-05-30", decodeBody[AttendanceDTO](t, rec).Date)

	rec = f.do(t, "GET", "/api/employees/emp-1/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1.00", decodeBody[SummaryDTO](t, rec).CachedBalance)
}

func TestStatusFor(t *testing.T) {
	tests := map[string]int{
		"validation":           http.StatusBadRequest,
		"not_found":            http.StatusNotFound,
		"invalid_state":        http.StatusConflict,
		"already_reverted":     http.StatusConflict,
		"insufficient_balance": http.StatusUnprocessableEntity,
		"busy":                 http.StatusServiceUnavailable,
		"invariant_violation":  http.StatusInternalServerError,
		"internal":             http.StatusInternalServerError,
	}
	for kind, want := range tests {
		assert.Equal(t, want, statusFor(kind), kind)
	}
}

func TestWriteDomainError_BusyAndInternal(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := &Handler{Log: zap.New(core)}
	req := httptest.NewRequest("POST", "/api/offsets", nil)

	rec := httptest.NewRecorder()
	h.writeDomainError(rec, req, credit.ErrBusy)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "busy", decodeBody[ErrorResponse](t, rec).Code)

	rec = httptest.NewRecorder()
	h.writeDomainError(rec, req, &credit.InvariantError{Op: "apply", Detail: "balance below zero"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "invariant_violation", body.Code)
	assert.Equal(t, "internal error", body.Error)

	assert.Equal(t, 2, logs.FilterMessage("request failed").Len())
}

// =============================================================================
// RECONCILIATION AND OPERATIONS
// =============================================================================

func TestAPI_Reconcile(t *testing.T) {
	// GIVEN: A lot that expired on 2025-01-15 with 1.00 left
	// WHEN: Reconciling without and then with correction
	// THEN: Drift is reported, then corrected; runs are listed newest first

	f := newAPIFixture(t)
	f.seed(t, map[string]string{"2024-01-15": "8"})

	rec := f.do(t, "POST", "/api/admin/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeBody[ReconcileResponse](t, rec)
	require.Len(t, report.Runs, 1)
	assert.Equal(t, "1.00", report.Runs[0].Drift)
	assert.False(t, report.Runs[0].Corrected)
	assert.Equal(t, "api", report.Runs[0].Actor)

	rec = f.do(t, "POST", "/api/admin/reconcile", ReconcileRequest{EmployeeID: "emp-1", Correct: true, Actor: "admin-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	fixed := decodeBody[ReconcileResponse](t, rec)
	require.Len(t, fixed.Runs, 1)
	assert.True(t, fixed.Runs[0].Corrected)
	assert.Equal(t, "admin-1", fixed.Runs[0].Actor)

	rec = f.do(t, "GET", "/api/employees/emp-1", nil)
	assert.Equal(t, "0.00", decodeBody[EmployeeDTO](t, rec).ServiceCreditBalance)

	rec = f.do(t, "GET", "/api/admin/reconciliation/runs?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decodeBody[[]ReconciliationRunDTO](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, fixed.Runs[0].ID, runs[0].ID)

	rec = f.do(t, "GET", "/api/employees/emp-1/credits", nil)
	lots := decodeBody[[]CreditLotDTO](t, rec)
	require.Len(t, lots, 1)
	assert.Equal(t, "expired", lots[0].Status)

	rec = f.do(t, "POST", "/api/admin/reconcile", ReconcileRequest{EmployeeID: "nobody"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_MetricsAndRequestLog(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t, map[string]string{"2025-01-01": "8"})

	rec := f.do(t, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "credits_approved_total 1"), rec.Body.String())

	rec = f.do(t, "GET", "/api/employees/emp-1", nil, "X-Request-Id", "req-42")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-Id"))

	entries := f.logs.FilterMessage("http_request").FilterField(zap.String("request_id", "req-42")).All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/api/employees/{id}", fields["route"])
	assert.EqualValues(t, http.StatusOK, fields["status"])
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)

	rec = f.do(t, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
