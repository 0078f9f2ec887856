package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"

	"pipegate.io/pipegate/internal/admission"
	"pipegate.io/pipegate/internal/api/middleware"
	"pipegate.io/pipegate/internal/domain"
	"pipegate.io/pipegate/internal/idempotency"
	"pipegate.io/pipegate/internal/limits"
	"pipegate.io/pipegate/internal/pkg/logger"
	"pipegate.io/pipegate/internal/queue"
	"pipegate.io/pipegate/internal/store/memory"
	"pipegate.io/pipegate/internal/usecase"
)

func init() {
	gin.SetMode(gin.TestMode)
	_ = logger.Init("error", "json")
}

type stubPinger struct {
	err error
}

func (p *stubPinger) Ping(context.Context) error { return p.err }

type stubSweeper struct {
	repaired int
}

func (s *stubSweeper) Sweep(context.Context) (int, error) { return s.repaired, nil }

type testEnv struct {
	router   *gin.Engine
	provider *limits.StaticProvider
	pinger   *stubPinger
	sweeper  *stubSweeper
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	counters := memory.NewCounterStore()
	items := memory.NewQueueStore()
	reservations := memory.NewReservationStore()
	idemStore := memory.NewIdempotencyStore()

	controller := admission.NewController(counters, reservations, nil)
	queueSvc := queue.NewService(items, controller, nil)
	provider := limits.NewStaticProvider(domain.SubscriptionLimits{
		DailyRuns:      10,
		MonthlyRuns:    100,
		ConcurrentRuns: 5,
	})

	var seq atomic.Int64
	runs := usecase.NewService(idempotency.NewGuard(idemStore), controller, queueSvc, provider, counters, nil).
		WithIDGenerator(func() string {
			return fmt.Sprintf("run-%d", seq.Add(1))
		})

	pinger := &stubPinger{}
	sweeper := &stubSweeper{}
	srv := NewServer(ServerDeps{Runs: runs, DB: pinger, Sweeper: sweeper})

	router := gin.New()
	router.Use(middleware.ErrorHandler())
	v1 := router.Group("/api/v1")
	v1.POST("/runs", srv.RequestRun)
	v1.GET("/runs", srv.ListRuns)
	v1.GET("/runs/:id", srv.GetRun)
	v1.DELETE("/runs/:id", srv.CancelRun)
	v1.POST("/runs/:id/start", srv.StartRun)
	v1.POST("/runs/:id/outcome", srv.ReportOutcome)
	v1.GET("/quota", srv.GetQuota)
	v1.POST("/sweep", srv.TriggerSweep)
	v1.GET("/health/live", srv.GetLiveness)
	v1.GET("/health/ready", srv.GetReadiness)

	return &testEnv{router: router, provider: provider, pinger: pinger, sweeper: sweeper}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func runBody(pipeline string) map[string]interface{} {
	return map[string]interface{}{
		"org_id":        "org-1",
		"pipeline_id":   pipeline,
		"credential_id": "cred-1",
		"run_date":      "2026-08-30",
	}
}

func TestRequestRun_Admitted(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/api/v1/runs", runBody("pipe-1"))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d body=%s", w.Code, http.StatusAccepted, w.Body.String())
	}

	var decision domain.Decision
	if err := json.Unmarshal(w.Body.Bytes(), &decision); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	if decision.Outcome != domain.OutcomeAdmitted {
		t.Fatalf("outcome = %s, want %s", decision.Outcome, domain.OutcomeAdmitted)
	}
	if decision.QueueID == "" {
		t.Fatal("queue id missing from admitted decision")
	}
}

func TestRequestRun_DuplicateReturnsPriorRun(t *testing.T) {
	e := newTestEnv(t)

	first := e.do(t, http.MethodPost, "/api/v1/runs", runBody("pipe-1"))
	if first.Code != http.StatusAccepted {
		t.Fatalf("first status = %d, want %d", first.Code, http.StatusAccepted)
	}
	var admitted domain.Decision
	if err := json.Unmarshal(first.Body.Bytes(), &admitted); err != nil {
		t.Fatalf("decode first decision: %v", err)
	}

	second := e.do(t, http.MethodPost, "/api/v1/runs", runBody("pipe-1"))
	if second.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d, want %d body=%s", second.Code, http.StatusOK, second.Body.String())
	}
	var dup domain.Decision
	if err := json.Unmarshal(second.Body.Bytes(), &dup); err != nil {
		t.Fatalf("decode duplicate decision: %v", err)
	}
	if dup.Outcome != domain.OutcomeDuplicate {
		t.Fatalf("outcome = %s, want %s", dup.Outcome, domain.OutcomeDuplicate)
	}
	if dup.QueueID != admitted.QueueID {
		t.Fatalf("duplicate queue id = %s, want %s", dup.QueueID, admitted.QueueID)
	}
}

func TestRequestRun_DeniedReturns429(t *testing.T) {
	e := newTestEnv(t)
	e.provider.SetPlan("org-1", domain.SubscriptionLimits{
		DailyRuns:      1,
		MonthlyRuns:    100,
		ConcurrentRuns: 5,
	})

	if w := e.do(t, http.MethodPost, "/api/v1/runs", runBody("pipe-1")); w.Code != http.StatusAccepted {
		t.Fatalf("first status = %d, want %d", w.Code, http.StatusAccepted)
	}

	w := e.do(t, http.MethodPost, "/api/v1/runs", runBody("pipe-2"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d body=%s", w.Code, http.StatusTooManyRequests, w.Body.String())
	}

	var resp struct {
		Outcome   string `json:"outcome"`
		Reason    string `json:"reason"`
		Retryable bool   `json:"retryable"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode denial: %v", err)
	}
	if resp.Reason != string(domain.DenyDailyLimit) {
		t.Fatalf("reason = %s, want %s", resp.Reason, domain.DenyDailyLimit)
	}
	if resp.Retryable {
		t.Fatal("daily-limit denial must not be retryable")
	}
}

func TestRequestRun_MissingFieldsRejected(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/api/v1/runs", map[string]interface{}{"org_id": "org-1"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d body=%s", w.Code, http.StatusBadRequest, w.Body.String())
	}
}

func TestGetRun_UnknownReturns404(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodGet, "/api/v1/runs/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d body=%s", w.Code, http.StatusNotFound, w.Body.String())
	}
}

// TestExternalWorkerLifecycle drives a run from admission to terminal
// outcome purely through the HTTP API, the way an out-of-process worker
// does: claim via /start, then report.
func TestExternalWorkerLifecycle(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/api/v1/runs", runBody("pipe-1"))
	var decision domain.Decision
	if err := json.Unmarshal(w.Body.Bytes(), &decision); err != nil {
		t.Fatalf("decode decision: %v", err)
	}

	// A report before the claim must not apply: the run is still PENDING.
	early := e.do(t, http.MethodPost, "/api/v1/runs/"+decision.QueueID+"/outcome",
		map[string]interface{}{"outcome": "SUCCEEDED"})
	if early.Code != http.StatusConflict {
		t.Fatalf("early report status = %d, want %d body=%s", early.Code, http.StatusConflict, early.Body.String())
	}
	got := e.do(t, http.MethodGet, "/api/v1/runs/"+decision.QueueID, nil)
	if got.Code != http.StatusOK {
		t.Fatalf("get status = %d, want %d body=%s", got.Code, http.StatusOK, got.Body.String())
	}
	var pending domain.QueueItem
	if err := json.Unmarshal(got.Body.Bytes(), &pending); err != nil {
		t.Fatalf("decode pending item: %v", err)
	}
	if pending.State != domain.RunPending {
		t.Fatalf("state after early report = %s, want %s", pending.State, domain.RunPending)
	}

	start := e.do(t, http.MethodPost, "/api/v1/runs/"+decision.QueueID+"/start", nil)
	if start.Code != http.StatusOK {
		t.Fatalf("start status = %d, want %d body=%s", start.Code, http.StatusOK, start.Body.String())
	}
	var claimed domain.QueueItem
	if err := json.Unmarshal(start.Body.Bytes(), &claimed); err != nil {
		t.Fatalf("decode claimed item: %v", err)
	}
	if claimed.State != domain.RunRunning {
		t.Fatalf("claimed state = %s, want %s", claimed.State, domain.RunRunning)
	}

	again := e.do(t, http.MethodPost, "/api/v1/runs/"+decision.QueueID+"/start", nil)
	if again.Code != http.StatusConflict {
		t.Fatalf("second claim status = %d, want %d body=%s", again.Code, http.StatusConflict, again.Body.String())
	}

	resp := e.do(t, http.MethodPost, "/api/v1/runs/"+decision.QueueID+"/outcome",
		map[string]interface{}{"outcome": "SUCCEEDED"})
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d body=%s", resp.Code, http.StatusOK, resp.Body.String())
	}

	var item domain.QueueItem
	if err := json.Unmarshal(resp.Body.Bytes(), &item); err != nil {
		t.Fatalf("decode item: %v", err)
	}
	if item.State != domain.RunSucceeded {
		t.Fatalf("state = %s, want %s", item.State, domain.RunSucceeded)
	}

	dup := e.do(t, http.MethodPost, "/api/v1/runs/"+decision.QueueID+"/outcome",
		map[string]interface{}{"outcome": "FAILED", "reason": "late report"})
	if dup.Code != http.StatusConflict {
		t.Fatalf("duplicate report status = %d, want %d body=%s", dup.Code, http.StatusConflict, dup.Body.String())
	}
}

// TestExternalWorkerReportFreesConcurrency verifies the reservation commits
// when the outcome arrives over the API: the concurrency slot returns while
// the daily count stays consumed.
func TestExternalWorkerReportFreesConcurrency(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/api/v1/runs", runBody("pipe-1"))
	var decision domain.Decision
	if err := json.Unmarshal(w.Body.Bytes(), &decision); err != nil {
		t.Fatalf("decode decision: %v", err)
	}

	if r := e.do(t, http.MethodPost, "/api/v1/runs/"+decision.QueueID+"/start", nil); r.Code != http.StatusOK {
		t.Fatalf("start status = %d, want %d", r.Code, http.StatusOK)
	}
	if r := e.do(t, http.MethodPost, "/api/v1/runs/"+decision.QueueID+"/outcome",
		map[string]interface{}{"outcome": "SUCCEEDED"}); r.Code != http.StatusOK {
		t.Fatalf("report status = %d, want %d", r.Code, http.StatusOK)
	}

	q := e.do(t, http.MethodGet, "/api/v1/quota?org_id=org-1", nil)
	var snap struct {
		RunsToday         int `json:"runs_today"`
		ConcurrentRunning int `json:"concurrent_running"`
	}
	if err := json.Unmarshal(q.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode quota: %v", err)
	}
	if snap.RunsToday != 1 {
		t.Fatalf("runs_today = %d, want 1", snap.RunsToday)
	}
	if snap.ConcurrentRunning != 0 {
		t.Fatalf("concurrent_running = %d, want 0", snap.ConcurrentRunning)
	}
}

func TestCancelRun_ReturnsCancelledItem(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/api/v1/runs", runBody("pipe-1"))
	var decision domain.Decision
	if err := json.Unmarshal(w.Body.Bytes(), &decision); err != nil {
		t.Fatalf("decode decision: %v", err)
	}

	resp := e.do(t, http.MethodDelete, "/api/v1/runs/"+decision.QueueID, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d body=%s", resp.Code, http.StatusOK, resp.Body.String())
	}
	var item domain.QueueItem
	if err := json.Unmarshal(resp.Body.Bytes(), &item); err != nil {
		t.Fatalf("decode item: %v", err)
	}
	if item.State != domain.RunCancelled {
		t.Fatalf("state = %s, want %s", item.State, domain.RunCancelled)
	}
}

func TestListRuns_LimitValidation(t *testing.T) {
	e := newTestEnv(t)

	if w := e.do(t, http.MethodGet, "/api/v1/runs?limit=0", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("limit=0 status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if w := e.do(t, http.MethodGet, "/api/v1/runs?limit=501", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("limit=501 status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	w := e.do(t, http.MethodGet, "/api/v1/runs?org_id=org-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d body=%s", w.Code, http.StatusOK, w.Body.String())
	}
}

func TestGetQuota_ReflectsAdmission(t *testing.T) {
	e := newTestEnv(t)

	if w := e.do(t, http.MethodPost, "/api/v1/runs", runBody("pipe-1")); w.Code != http.StatusAccepted {
		t.Fatalf("admit status = %d, want %d", w.Code, http.StatusAccepted)
	}

	w := e.do(t, http.MethodGet, "/api/v1/quota?org_id=org-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d body=%s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp struct {
		RunsToday      int `json:"runs_today"`
		RemainingToday int `json:"remaining_today"`
		Limits         struct {
			DailyRuns int `json:"daily_runs"`
		} `json:"limits"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode quota: %v", err)
	}
	if resp.RunsToday != 1 {
		t.Fatalf("runs_today = %d, want 1", resp.RunsToday)
	}
	if resp.RemainingToday != resp.Limits.DailyRuns-1 {
		t.Fatalf("remaining_today = %d, want %d", resp.RemainingToday, resp.Limits.DailyRuns-1)
	}
}

func TestGetQuota_RequiresOrg(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodGet, "/api/v1/quota", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d body=%s", w.Code, http.StatusBadRequest, w.Body.String())
	}
}

func TestTriggerSweep_ReportsRepairCount(t *testing.T) {
	e := newTestEnv(t)
	e.sweeper.repaired = 3

	w := e.do(t, http.MethodPost, "/api/v1/sweep", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d body=%s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp struct {
		Repaired int `json:"repaired"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode sweep response: %v", err)
	}
	if resp.Repaired != 3 {
		t.Fatalf("repaired = %d, want 3", resp.Repaired)
	}
}

func TestHealthEndpoints(t *testing.T) {
	e := newTestEnv(t)

	if w := e.do(t, http.MethodGet, "/api/v1/health/live", nil); w.Code != http.StatusOK {
		t.Fatalf("liveness status = %d, want %d", w.Code, http.StatusOK)
	}
	if w := e.do(t, http.MethodGet, "/api/v1/health/ready", nil); w.Code != http.StatusOK {
		t.Fatalf("readiness status = %d, want %d body=%s", w.Code, http.StatusOK, w.Body.String())
	}

	e.pinger.err = errors.New("connection refused")
	w := e.do(t, http.MethodGet, "/api/v1/health/ready", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded readiness status = %d, want %d body=%s", w.Code, http.StatusServiceUnavailable, w.Body.String())
	}
}
