package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"Foreman/backend/go/internal/apperror"
	"Foreman/backend/go/internal/channel"
	"Foreman/backend/go/internal/config"
	"Foreman/backend/go/internal/eventbus"
	"Foreman/backend/go/internal/lifecycle"
	"Foreman/backend/go/internal/models"
	"Foreman/backend/go/internal/orchestrator"
	"Foreman/backend/go/internal/registry"
	"Foreman/backend/go/internal/store"
	"Foreman/backend/go/internal/workerhub"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

type fakeRunner struct {
	mu      sync.Mutex
	lc      *lifecycle.Manager
	invoked []orchestrator.InvokeRequest
	reports map[string]orchestrator.CompletionReport
	logs    map[string][]string
}

func (r *fakeRunner) Invoke(ctx context.Context, req orchestrator.InvokeRequest) (*models.Task, error) {
	r.mu.Lock()
	r.invoked = append(r.invoked, req)
	r.mu.Unlock()
	return r.lc.Create(ctx, lifecycle.CreateRequest{
		OwnerID:     req.OwnerID,
		Description: req.Description,
		HandlerKind: req.HandlerKind,
		HandlerID:   req.HandlerID,
		Trigger:     models.ManualTrigger(req.Actor),
		InputData:   req.Input,
		Subject:     req.Subject,
	})
}

func (r *fakeRunner) CompleteExternal(ctx context.Context, taskID string, report orchestrator.CompletionReport) (*models.Task, bool, error) {
	r.mu.Lock()
	r.reports[taskID] = report
	r.mu.Unlock()
	if report.Success {
		return r.lc.Complete(ctx, taskID, lifecycle.Succeeded(report.Result))
	}
	return r.lc.Complete(ctx, taskID, lifecycle.Failed(apperror.App(apperror.ClassPermanent, apperror.CodeExternalTaskFailed, report.Message)))
}

func (r *fakeRunner) IngestLogs(ctx context.Context, taskID, stream string, lines []string) (int, error) {
	if _, err := r.lc.Get(ctx, taskID); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs[taskID] = append(r.logs[taskID], lines...)
	return len(lines), nil
}

type apiEnv struct {
	lc     *lifecycle.Manager
	runner *fakeRunner
	hub    *workerhub.Hub
	router *gin.Engine
}

func newAPIEnv(t *testing.T, rl config.RateLimiterConfig) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := store.NewMemory()
	reg, err := registry.NewStatic(map[string][]string{"billing": {"billing:*"}}, []registry.Subscription{
		{Subscriber: "ledger", KeyPattern: "billing:*", HandlerKind: models.HandlerWorker, HandlerID: "ledger-sync"},
		{Subscriber: "audit", KeyPattern: "billing:invoice_*", HandlerKind: models.HandlerInternal, HandlerID: "audit-log"},
	})
	require.NoError(t, err)
	lc := lifecycle.NewManager(st, nil)
	bus := eventbus.New(st, reg, nil)
	hub := workerhub.New(workerhub.Options{Config: config.WorkerChannelConfig{RequestTimeout: "2s"}, Tasks: lc})
	runner := &fakeRunner{lc: lc, reports: map[string]orchestrator.CompletionReport{}, logs: map[string][]string{}}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	a := NewAPI(Options{Tasks: lc, Events: bus, Runner: runner, Hub: hub, Context: ctx})
	return &apiEnv{lc: lc, runner: runner, hub: hub, router: SetupRouter(a, RouterConfig{JwtSecret: secret, RateLimiter: rl})}
}

func token(t *testing.T, sub, role string) string {
	t.Helper()
	tok, err := IssueToken(secret, sub, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *apiEnv) do(t *testing.T, method, path, tok string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	out := map[string]interface{}{}
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func (e *apiEnv) task(t *testing.T, owner string) *models.Task {
	t.Helper()
	task, err := e.lc.Create(context.Background(), lifecycle.CreateRequest{
		OwnerID:     owner,
		HandlerKind: models.HandlerDocker,
		HandlerID:   "pdf-archive",
		Trigger:     models.ManualTrigger("ops"),
	})
	require.NoError(t, err)
	return task
}

func TestHealthzNeedsNoToken(t *testing.T) {
	e := newAPIEnv(t, config.RateLimiterConfig{})
	w, body := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestAuthRejectsMissingAndForgedTokens(t *testing.T) {
	e := newAPIEnv(t, config.RateLimiterConfig{})
	w, _ := e.do(t, http.MethodGet, "/api/v1/tasks", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	forged, err := IssueToken("other-secret", "billing", RoleApp, time.Hour)
	require.NoError(t, err)
	w, _ = e.do(t, http.MethodGet, "/api/v1/tasks", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	expired, err := IssueToken(secret, "billing", RoleApp, -time.Minute)
	require.NoError(t, err)
	w, _ = e.do(t, http.MethodGet, "/api/v1/tasks", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	noRole, err := IssueToken(secret, "billing", "", 0)
	require.NoError(t, err)
	w, _ = e.do(t, http.MethodGet, "/api/v1/operator/workers", noRole, nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "a token without a role is an app token")
}

func TestPublicTaskViewHidesEnvelope(t *testing.T) {
	e := newAPIEnv(t, config.RateLimiterConfig{})
	task := e.task(t, "archive")
	fault := apperror.Permanent(apperror.CodeWorkerDispatchFailed, "dispatch failed").
		WithCause(apperror.App(apperror.ClassPermanent, "LEDGER_LOCKED", "ledger is locked")).
		WithStack()
	_, applied, err := e.lc.Complete(context.Background(), task.ID, lifecycle.Failed(fault))
	require.NoError(t, err)
	require.True(t, applied)

	w, body := e.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID, token(t, "archive", RoleApp), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "failed", body["status"])
	assert.Equal(t, apperror.CodeWorkerDispatchFailed, body["errorCode"])
	assert.Equal(t, "ledger is locked", body["errorMessage"])
	assert.NotContains(t, body, "error")
	assert.NotContains(t, w.Body.String(), "stack")

	w, _ = e.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID, token(t, "ledger", RoleApp), nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "other owners cannot see the task")

	w, _ = e.do(t, http.MethodGet, "/api/v1/operator/tasks/"+task.ID, token(t, "archive", RoleApp), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body = e.do(t, http.MethodGet, "/api/v1/operator/tasks/"+task.ID, token(t, "ops", RoleOperator), nil)
	require.Equal(t, http.StatusOK, w.Code)
	envelope := body["error"].(map[string]interface{})
	assert.NotEmpty(t, envelope["stack"])
	assert.Equal(t, "LEDGER_LOCKED", envelope["cause"].(map[string]interface{})["code"])
}

func TestMissingTaskMapsToNotFound(t *testing.T) {
	e := newAPIEnv(t, config.RateLimiterConfig{})
	w, body := e.do(t, http.MethodGet, "/api/v1/tasks/nope", token(t, "archive", RoleApp), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, apperror.CodeTaskNotFound, body["code"])
	assert.NotContains(t, body, "envelope")

	w, body = e.do(t, http.MethodGet, "/api/v1/operator/tasks/nope", token(t, "ops", RoleOperator), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, body, "envelope")
}

func TestListTasksScopedToCaller(t *testing.T) {
	e := newAPIEnv(t, config.RateLimiterConfig{})
	e.task(t, "archive")
	e.task(t, "archive")
	e.task(t, "ledger")

	_, body := e.do(t, http.MethodGet, "/api/v1/tasks?owner=ledger", token(t, "archive", RoleApp), nil)
	assert.Len(t, body["tasks"], 2, "apps cannot list another owner")

	_, body = e.do(t, http.MethodGet, "/api/v1/tasks?owner=ledger", token(t, "ops", RoleOperator), nil)
	assert.Len(t, body["tasks"], 1)

	w, _ := e.do(t, http.MethodGet, "/api/v1/tasks?limit=zero", token(t, "ops", RoleOperator), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEmitEventUsesCallerAsEmitter(t *testing.T) {
	e := newAPIEnv(t, config.RateLimiterConfig{})
	billing := token(t, "billing", RoleApp)

	w, body := e.do(t, http.MethodPost, "/api/v1/events", billing, map[string]interface{}{
		"key": "billing:invoice_created", "data": map[string]interface{}{"amount": 12},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.ElementsMatch(t, []interface{}{"ledger", "audit"}, body["subscribers"])

	// 应用不能冒充其他 emitter
	w, body = e.do(t, http.MethodPost, "/api/v1/events", token(t, "ledger", RoleApp), map[string]interface{}{
		"key": "billing:invoice_created", "emitterId": "billing",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, apperror.CodeForbiddenEmit, body["code"])

	w, _ = e.do(t, http.MethodPost, "/api/v1/events", token(t, "ops", RoleOperator), map[string]interface{}{
		"key": "billing:refund_issued", "emitterId": "billing",
	})
	assert.Equal(t, http.StatusCreated, w.Code)

	w, _ = e.do(t, http.MethodPost, "/api/v1/events", billing, "not an object")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPendingEventsFilteredBySubscriber(t *testing.T) {
	e := newAPIEnv(t, config.RateLimiterConfig{})
	billing := token(t, "billing", RoleApp)
	for _, key := range []string{"billing:invoice_created", "billing:invoice_created", "billing:refund_issued"} {
		w, _ := e.do(t, http.MethodPost, "/api/v1/events", billing, map[string]interface{}{"key": key})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	_, body := e.do(t, http.MethodGet, "/api/v1/events/pending", token(t, "audit", RoleApp), nil)
	pending := body["pending"].([]interface{})
	require.Len(t, pending, 1)
	assert.Equal(t, float64(2), pending[0].(map[string]interface{})["count"])

	_, body = e.do(t, http.MethodGet, "/api/v1/events/pending", token(t, "ops", RoleOperator), nil)
	assert.Len(t, body["pending"], 3)

	_, body = e.do(t, http.MethodGet, "/api/v1/events/pending?subscriber=ledger", token(t, "ops", RoleOperator), nil)
	assert.Len(t, body["pending"], 2)
}

func TestInvokeTaskOwnership(t *testing.T) {
	e := newAPIEnv(t, config.RateLimiterConfig{})
	payload := map[string]interface{}{"handlerKind": "worker", "handlerId": "ledger-sync", "ownerId": "ledger"}

	w, body := e.do(t, http.MethodPost, "/api/v1/tasks", token(t, "billing", RoleApp), payload)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, apperror.CodeSubjectScopeInvalid, body["code"])

	w, body = e.do(t, http.MethodPost, "/api/v1/tasks", token(t, "ops", RoleOperator), payload)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "ledger", body["ownerId"])
	assert.Equal(t, "created", body["status"])
	require.Len(t, e.runner.invoked, 1)
	assert.Equal(t, "ops", e.runner.invoked[0].Actor)

	w, _ = e.do(t, http.MethodPost, "/api/v1/tasks", token(t, "ops", RoleOperator), map[string]interface{}{"handlerId": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExternalCompletionRequiresWorkerRole(t *testing.T) {
	e := newAPIEnv(t, config.RateLimiterConfig{})
	task := e.task(t, "archive")
	require.NoError(t, e.lc.Start(context.Background(), task.ID))
	path := "/api/v1/tasks/" + task.ID + "/complete"

	w, _ := e.do(t, http.MethodPost, path, token(t, "archive", RoleApp), map[string]interface{}{"success": true})
	assert.Equal(t, http.StatusForbidden, w.Code)

	worker := token(t, "docker-runner", RoleWorker)
	w, body := e.do(t, http.MethodPost, path, worker, map[string]interface{}{"success": true, "result": "s3://out.pdf"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, body["applied"])
	assert.Equal(t, "completed", body["task"].(map[string]interface{})["status"])

	// 第二次上报被忽略
	w, body = e.do(t, http.MethodPost, path, worker, map[string]interface{}{"success": false, "message": "late"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["applied"])
}

func TestExternalCompletionValidatesEnvelope(t *testing.T) {
	e := newAPIEnv(t, config.RateLimiterConfig{})
	task := e.task(t, "archive")
	w, _ := e.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/complete", token(t, "runner", RoleWorker), map[string]interface{}{
		"success": false,
		"error":   map[string]interface{}{"code": "BROKEN", "origin": "martian", "class": "permanent"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, e.runner.reports)
}

func TestIngestLogs(t *testing.T) {
	e := newAPIEnv(t, config.RateLimiterConfig{})
	task := e.task(t, "archive")
	worker := token(t, "runner", RoleWorker)

	w, body := e.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/logs", worker, map[string]interface{}{
		"stream": "stdout", "lines": []string{"rendering page 1", "rendering page 2"},
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, float64(2), body["accepted"])
	assert.Len(t, e.runner.logs[task.ID], 2)

	w, _ = e.do(t, http.MethodPost, "/api/v1/tasks/missing/logs", worker, map[string]interface{}{"lines": []string{"x"}})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRateLimitPerCaller(t *testing.T) {
	e := newAPIEnv(t, config.RateLimiterConfig{Enabled: true, Rate: 0.001, Capacity: 2})
	a, b := token(t, "billing", RoleApp), token(t, "ledger", RoleApp)
	for i := 0; i < 2; i++ {
		w, _ := e.do(t, http.MethodGet, "/api/v1/tasks", a, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w, _ := e.do(t, http.MethodGet, "/api/v1/tasks", a, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w, _ = e.do(t, http.MethodGet, "/api/v1/tasks", b, nil)
	assert.Equal(t, http.StatusOK, w.Code, "callers have separate buckets")

	w, _ = e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWorkerSocketRegistersManager(t *testing.T) {
	e := newAPIEnv(t, config.RateLimiterConfig{})
	srv := httptest.NewServer(e.router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/workers"
	ctx := context.Background()

	_, err := channel.Dial(ctx, url, token(t, "billing", RoleApp), channel.WebSocketOptions{})
	require.Error(t, err, "apps cannot open a worker channel")

	tr, err := channel.Dial(ctx, url, token(t, "wm-1", RoleWorker), channel.WebSocketOptions{})
	require.NoError(t, err)
	mgr := channel.New(tr, channel.Options{Name: "manager"})
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go mgr.Serve(serveCtx)

	var res channel.InitResult
	require.NoError(t, mgr.Request(ctx, channel.ActionInit, &channel.InitRequest{
		ManagerID: "wm-1",
		Pools:     []channel.PoolStatus{{PoolID: "ledger-sync", Ready: true}},
	}, &res))
	assert.True(t, res.Acknowledged)
	assert.True(t, e.hub.Ready(ctx, "ledger-sync"))

	_, body := e.do(t, http.MethodGet, "/api/v1/operator/workers", token(t, "ops", RoleOperator), nil)
	managers := body["managers"].([]interface{})
	require.Len(t, managers, 1)
	assert.Equal(t, "wm-1", managers[0].(map[string]interface{})["managerId"])

	mgr.Close()
	assert.Eventually(t, func() bool { return len(e.hub.Managers()) == 0 }, 2*time.Second, 10*time.Millisecond)
}
