package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stagecraft/stagecraft/internal/bus"
	"github.com/stagecraft/stagecraft/internal/common/config"
	"github.com/stagecraft/stagecraft/internal/common/logger"
	"github.com/stagecraft/stagecraft/internal/definition"
	"github.com/stagecraft/stagecraft/internal/envelope"
	"github.com/stagecraft/stagecraft/internal/events"
	"github.com/stagecraft/stagecraft/internal/kv"
	"github.com/stagecraft/stagecraft/internal/metrics"
	"github.com/stagecraft/stagecraft/internal/registry"
	"github.com/stagecraft/stagecraft/internal/stats"
	"github.com/stagecraft/stagecraft/internal/store"
	"github.com/stagecraft/stagecraft/internal/surface"
	"github.com/stagecraft/stagecraft/internal/workflow/service"
)

const testWebhookSecret = "hook-secret"

type testServer struct {
	server *Server
	svc    *service.Service
	store  *store.Store
	reg    *registry.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	st, cleanup, err := store.Open(config.DatabaseConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
	}, nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = cleanup() })

	b := bus.NewMemoryBus(config.BusConfig{PublishBuffer: 64, MaxDeliver: 5}, log, nil)
	t.Cleanup(func() { _ = b.Close() })

	topics := bus.NewTopics("")
	pub := events.NewPublisher(b, topics, log)
	reg := registry.New(st, pub, b, topics, nil, log, registry.DefaultConfig())
	kvs := kv.NewMemoryStore()

	m := metrics.New()
	svcCfg := service.DefaultServiceConfig()
	svcCfg.ResultWorkers = 1
	svc := service.NewService(svcCfg, st, b, topics, kvs, reg, pub, m, log)

	router := surface.NewRouter(surface.Config{
		WebhookSecret:  testWebhookSecret,
		IdempotencyTTL: time.Hour,
	}, svc, kvs, log)
	statsSvc := stats.New(st, log)

	srv := New(Config{Host: "127.0.0.1", Port: 0}, svc, router, statsSvc, reg, st, b, topics, kvs, m, log)
	return &testServer{server: srv, svc: svc, store: st, reg: reg}
}

// seedBuild registers a one-stage global definition and its agent so
// creations can start.
func (ts *testServer) seedBuild(t *testing.T) {
	t.Helper()
	err := ts.store.UpsertDefinition(context.Background(), &store.WorkflowDefinition{
		ID:      "def-build",
		Name:    "build",
		Version: "1.0.0",
		Stages: []definition.Stage{
			{Name: "build", AgentType: "build", TimeoutMs: 60000, OnSuccess: "END", OnFailure: "fail"},
		},
	})
	if err != nil {
		t.Fatalf("failed to seed definition: %v", err)
	}
	err = ts.reg.ApplyRegistration(context.Background(), &envelope.AgentRegisteredPayload{
		AgentID:    "agent-build",
		AgentTypes: []string{"build"},
		IntervalMs: 30000,
	})
	if err != nil {
		t.Fatalf("failed to register agent: %v", err)
	}
}

// do runs a request against the engine and decodes any JSON response body.
func (ts *testServer) do(t *testing.T, method, path string, body []byte, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.server.Engine().ServeHTTP(w, req)

	var decoded map[string]any
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("response is not valid JSON: %v\n%s", err, w.Body.String())
		}
	}
	return w, decoded
}

func (ts *testServer) createWorkflow(t *testing.T, name string) map[string]any {
	t.Helper()
	w, body := ts.do(t, http.MethodPost, "/api/v1/workflows",
		[]byte(`{"name":"`+name+`","type":"build","created_by":"tester"}`), nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	return body
}

func errCode(t *testing.T, body map[string]any) string {
	t.Helper()
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("response has no error object: %v", body)
	}
	code, _ := errObj["code"].(string)
	return code
}

func signBody(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestCreateAndGetWorkflow(t *testing.T) {
	ts := newTestServer(t)
	ts.seedBuild(t)

	created := ts.createWorkflow(t, "rest one")
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatal("created workflow has no id")
	}
	if traceID, _ := created["trace_id"].(string); traceID == "" {
		t.Error("created workflow has no trace_id")
	}
	if status, _ := created["status"].(string); status != string(store.WorkflowRunning) {
		t.Errorf("expected status running, got %q", status)
	}

	w, body := ts.do(t, http.MethodGet, "/api/v1/workflows/"+id, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if name, _ := body["name"].(string); name != "rest one" {
		t.Errorf("expected name %q, got %q", "rest one", name)
	}

	w, body = ts.do(t, http.MethodGet, "/api/v1/workflows/no-such-id", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if code := errCode(t, body); code != "WORKFLOW_NOT_FOUND" {
		t.Errorf("expected WORKFLOW_NOT_FOUND, got %q", code)
	}

	w, body = ts.do(t, http.MethodPost, "/api/v1/workflows", []byte("not json"), nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if code := errCode(t, body); code != "VALIDATION_FAILED" {
		t.Errorf("expected VALIDATION_FAILED, got %q", code)
	}

	w, body = ts.do(t, http.MethodPost, "/api/v1/workflows",
		[]byte(`{"name":"ghost","type":"no-such-type"}`), nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if code := errCode(t, body); code != "DEFINITION_NOT_FOUND" {
		t.Errorf("expected DEFINITION_NOT_FOUND, got %q", code)
	}
}

func TestCreateWorkflowIdempotencyKey(t *testing.T) {
	ts := newTestServer(t)
	ts.seedBuild(t)

	headers := map[string]string{"Idempotency-Key": "k-http-1"}
	w, created := ts.do(t, http.MethodPost, "/api/v1/workflows",
		[]byte(`{"name":"once","type":"build"}`), headers)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	id, _ := created["id"].(string)

	w, body := ts.do(t, http.MethodPost, "/api/v1/workflows",
		[]byte(`{"name":"once","type":"build"}`), headers)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	if code := errCode(t, body); code != "DUPLICATE" {
		t.Errorf("expected DUPLICATE, got %q", code)
	}
	errObj := body["error"].(map[string]any)
	details, _ := errObj["details"].(map[string]any)
	if got, _ := details["workflow_id"].(string); got != id {
		t.Errorf("expected original workflow id %q in details, got %q", id, got)
	}
}

func TestWorkflowControlEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.seedBuild(t)
	created := ts.createWorkflow(t, "controlled")
	id := created["id"].(string)

	for _, action := range []string{"pause", "resume", "cancel"} {
		w, _ := ts.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/"+action, nil, nil)
		if w.Code != http.StatusNoContent {
			t.Fatalf("expected 204 from %s, got %d: %s", action, w.Code, w.Body.String())
		}
	}

	w, body := ts.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/cancel", nil, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 cancelling a cancelled workflow, got %d", w.Code)
	}
	if code := errCode(t, body); code != "WORKFLOW_TERMINAL" {
		t.Errorf("expected WORKFLOW_TERMINAL, got %q", code)
	}

	w, body = ts.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/retry",
		[]byte(`{"from_stage":"build"}`), nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 retrying a cancelled workflow, got %d", w.Code)
	}
	if code := errCode(t, body); code != "WORKFLOW_TERMINAL" {
		t.Errorf("expected WORKFLOW_TERMINAL, got %q", code)
	}

	w, body = ts.do(t, http.MethodGet, "/api/v1/workflows/"+id, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if status, _ := body["status"].(string); status != string(store.WorkflowCancelled) {
		t.Errorf("expected status cancelled, got %q", status)
	}
}

func TestListWorkflowsFilters(t *testing.T) {
	ts := newTestServer(t)
	ts.seedBuild(t)
	ts.createWorkflow(t, "alpha")
	ts.createWorkflow(t, "beta")

	w, body := ts.do(t, http.MethodGet, "/api/v1/workflows", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if total, _ := body["total"].(float64); total != 2 {
		t.Errorf("expected 2 workflows, got %v", body["total"])
	}

	w, body = ts.do(t, http.MethodGet, "/api/v1/workflows?query=alph", nil, nil)
	if total, _ := body["total"].(float64); total != 1 {
		t.Errorf("expected 1 workflow matching query, got %v", body["total"])
	}

	w, body = ts.do(t, http.MethodGet, "/api/v1/workflows?limit=1", nil, nil)
	if total, _ := body["total"].(float64); total != 1 {
		t.Errorf("expected limit to cap the page at 1, got %v", body["total"])
	}

	w, body = ts.do(t, http.MethodGet, "/api/v1/workflows?status=running&type=build", nil, nil)
	if total, _ := body["total"].(float64); total != 2 {
		t.Errorf("expected 2 running build workflows, got %v", body["total"])
	}

	w, body = ts.do(t, http.MethodGet, "/api/v1/workflows?status=completed", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if total, _ := body["total"].(float64); total != 0 {
		t.Errorf("expected 0 completed workflows, got %v", body["total"])
	}
}

func TestTaskAndEventEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.seedBuild(t)
	created := ts.createWorkflow(t, "tasked")
	id := created["id"].(string)

	w, body := ts.do(t, http.MethodGet, "/api/v1/workflows/"+id+"/tasks", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	tasks, _ := body["tasks"].([]any)
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	task := tasks[0].(map[string]any)
	if stage, _ := task["stage_name"].(string); stage != "build" {
		t.Errorf("expected stage build, got %q", stage)
	}
	taskID, _ := task["task_id"].(string)
	if taskID == "" {
		t.Fatal("task has no task_id")
	}

	w, body = ts.do(t, http.MethodGet, "/api/v1/tasks/"+taskID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got, _ := body["workflow_id"].(string); got != id {
		t.Errorf("expected workflow_id %q, got %q", id, got)
	}

	w, body = ts.do(t, http.MethodGet, "/api/v1/tasks/no-such-task", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if code := errCode(t, body); code != "TASK_NOT_FOUND" {
		t.Errorf("expected TASK_NOT_FOUND, got %q", code)
	}

	w, body = ts.do(t, http.MethodGet, "/api/v1/workflows/"+id+"/events", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	audit, _ := body["events"].([]any)
	if len(audit) == 0 {
		t.Fatal("expected at least one audit event")
	}
	sawCreated := false
	for _, raw := range audit {
		ev := raw.(map[string]any)
		if ev["event_type"] == "workflow.created" {
			sawCreated = true
		}
	}
	if !sawCreated {
		t.Error("expected a workflow.created audit event")
	}

	w, body = ts.do(t, http.MethodGet, "/api/v1/workflows/no-such-id/tasks", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if code := errCode(t, body); code != "WORKFLOW_NOT_FOUND" {
		t.Errorf("expected WORKFLOW_NOT_FOUND, got %q", code)
	}
}

func TestTraceEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.seedBuild(t)
	created := ts.createWorkflow(t, "traced")
	traceID := created["trace_id"].(string)

	w, body := ts.do(t, http.MethodGet, "/api/v1/traces", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if total, _ := body["total"].(float64); total < 1 {
		t.Errorf("expected at least one trace, got %v", body["total"])
	}

	w, body = ts.do(t, http.MethodGet, "/api/v1/traces/"+traceID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got, _ := body["trace_id"].(string); got != traceID {
		t.Errorf("expected trace_id %q, got %q", traceID, got)
	}
	if count, _ := body["span_count"].(float64); count < 2 {
		t.Errorf("expected root and task spans, got span_count %v", body["span_count"])
	}

	w, body = ts.do(t, http.MethodGet, "/api/v1/traces/"+traceID+"/spans", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	spans, _ := body["spans"].([]any)
	if len(spans) < 2 {
		t.Errorf("expected at least 2 spans, got %d", len(spans))
	}

	w, body = ts.do(t, http.MethodGet, "/api/v1/traces/no-such-trace", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if code := errCode(t, body); code != "TRACE_NOT_FOUND" {
		t.Errorf("expected TRACE_NOT_FOUND, got %q", code)
	}

	w, _ = ts.do(t, http.MethodGet, "/api/v1/traces/no-such-trace/spans", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for spans of unknown trace, got %d", w.Code)
	}
}

func TestStatsEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.seedBuild(t)
	ts.createWorkflow(t, "counted")

	w, body := ts.do(t, http.MethodGet, "/api/v1/stats/overview", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if total, _ := body["total_workflows"].(float64); total != 1 {
		t.Errorf("expected 1 workflow in overview, got %v", body["total_workflows"])
	}

	w, body = ts.do(t, http.MethodGet, "/api/v1/stats/agents", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if _, ok := body["agents"].([]any); !ok {
		t.Errorf("expected agents array, got %v", body["agents"])
	}

	w, body = ts.do(t, http.MethodGet, "/api/v1/stats/timeseries", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got, _ := body["range"].(string); got != "24h" {
		t.Errorf("expected default range 24h, got %q", got)
	}

	w, body = ts.do(t, http.MethodGet, "/api/v1/stats/timeseries?range=90d", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown range, got %d", w.Code)
	}
	if code := errCode(t, body); code != "VALIDATION_FAILED" {
		t.Errorf("expected VALIDATION_FAILED, got %q", code)
	}

	w, body = ts.do(t, http.MethodGet, "/api/v1/stats/workflows?limit=5", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if total, _ := body["total"].(float64); total != 1 {
		t.Errorf("expected 1 recent workflow, got %v", body["total"])
	}
}

func TestAgentsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.seedBuild(t)

	w, body := ts.do(t, http.MethodGet, "/api/v1/agents", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	agents, _ := body["agents"].([]any)
	if len(agents) != 1 {
		t.Fatalf("expected 1 agent, got %d", len(agents))
	}
	agent := agents[0].(map[string]any)
	if id, _ := agent["agent_id"].(string); id != "agent-build" {
		t.Errorf("expected agent-build, got %q", id)
	}
	if status, _ := agent["status"].(string); status != store.AgentOnline {
		t.Errorf("expected online agent, got %q", status)
	}
}

func TestPlatformAdminCRUD(t *testing.T) {
	ts := newTestServer(t)
	ts.seedBuild(t) // registers the build agent type used by definitions

	w, created := ts.do(t, http.MethodPost, "/api/v1/platforms",
		[]byte(`{"name":"web","layer":"application"}`), nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	platformID := created["id"].(string)
	if enabled, _ := created["enabled"].(bool); !enabled {
		t.Error("expected platform enabled by default")
	}

	w, body := ts.do(t, http.MethodGet, "/api/v1/platforms", nil, nil)
	if total, _ := body["total"].(float64); total != 1 {
		t.Errorf("expected 1 platform, got %v", body["total"])
	}

	w, body = ts.do(t, http.MethodPut, "/api/v1/platforms/"+platformID,
		[]byte(`{"name":"web-updated","enabled":false}`), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if name, _ := body["name"].(string); name != "web-updated" {
		t.Errorf("expected updated name, got %q", name)
	}
	if enabled, _ := body["enabled"].(bool); enabled {
		t.Error("expected platform disabled after update")
	}

	// Definitions reject unresolvable agent types with the violation list.
	w, body = ts.do(t, http.MethodPost, "/api/v1/platforms/"+platformID+"/definitions",
		[]byte(`{"name":"broken","stages":[{"name":"a","agent_type":"ghost","on_success":"END","on_failure":"fail"}]}`), nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	errObj := body["error"].(map[string]any)
	details, _ := errObj["details"].(map[string]any)
	if errs, _ := details["errors"].([]any); len(errs) == 0 {
		t.Error("expected violation details on invalid definition")
	}

	w, body = ts.do(t, http.MethodPost, "/api/v1/platforms/"+platformID+"/definitions",
		[]byte(`{"name":"release","stages":[{"name":"build","agent_type":"build","timeout_ms":60000,"on_success":"END","on_failure":"fail"}]}`), nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	defID := body["id"].(string)
	if version, _ := body["version"].(string); version != "1.0.0" {
		t.Errorf("expected default version 1.0.0, got %q", version)
	}

	w, body = ts.do(t, http.MethodGet, "/api/v1/platforms/"+platformID+"/definitions", nil, nil)
	if total, _ := body["total"].(float64); total != 1 {
		t.Errorf("expected 1 definition, got %v", body["total"])
	}

	// A definition is only addressable under its own platform.
	w, _ = ts.do(t, http.MethodGet, "/api/v1/platforms/other/definitions/"+defID, nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 across platforms, got %d", w.Code)
	}

	w, body = ts.do(t, http.MethodPut, "/api/v1/platforms/"+platformID+"/definitions/"+defID,
		[]byte(`{"version":"2.0.0"}`), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if version, _ := body["version"].(string); version != "2.0.0" {
		t.Errorf("expected version 2.0.0, got %q", version)
	}

	w, _ = ts.do(t, http.MethodDelete, "/api/v1/platforms/"+platformID+"/definitions/"+defID, nil, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	w, _ = ts.do(t, http.MethodGet, "/api/v1/platforms/"+platformID+"/definitions/"+defID, nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", w.Code)
	}

	// Surface bindings: lowercase types normalize, re-binds keep the row.
	w, body = ts.do(t, http.MethodPut, "/api/v1/platforms/"+platformID+"/surfaces/rest", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if typ, _ := body["surface_type"].(string); typ != string(store.SurfaceREST) {
		t.Errorf("expected surface_type REST, got %q", typ)
	}
	firstID := body["id"].(string)

	w, body = ts.do(t, http.MethodPut, "/api/v1/platforms/"+platformID+"/surfaces/REST",
		[]byte(`{"enabled":false}`), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if enabled, _ := body["enabled"].(bool); enabled {
		t.Error("expected binding disabled after re-bind")
	}
	if got, _ := body["id"].(string); got != firstID {
		t.Errorf("expected re-bind to keep row id %q, got %q", firstID, got)
	}

	w, body = ts.do(t, http.MethodGet, "/api/v1/platforms/"+platformID+"/surfaces", nil, nil)
	if total, _ := body["total"].(float64); total != 1 {
		t.Errorf("expected 1 surface binding, got %v", body["total"])
	}

	w, body = ts.do(t, http.MethodPut, "/api/v1/platforms/"+platformID+"/surfaces/smoke", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown surface type, got %d", w.Code)
	}

	w, _ = ts.do(t, http.MethodDelete, "/api/v1/platforms/"+platformID+"/surfaces/REST", nil, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	w, _ = ts.do(t, http.MethodDelete, "/api/v1/platforms/"+platformID+"/surfaces/REST", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 deleting an unbound surface, got %d", w.Code)
	}

	w, _ = ts.do(t, http.MethodDelete, "/api/v1/platforms/"+platformID, nil, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	w, _ = ts.do(t, http.MethodGet, "/api/v1/platforms/"+platformID, nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after platform delete, got %d", w.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	w, body := ts.do(t, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if status, _ := body["status"].(string); status != "ok" {
		t.Errorf("expected ok, got %q", status)
	}

	// Not ready until the orchestration service runs.
	w, _ = ts.do(t, http.MethodGet, "/health/ready", nil, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before start, got %d", w.Code)
	}

	if err := ts.svc.Start(context.Background()); err != nil {
		t.Fatalf("failed to start service: %v", err)
	}
	t.Cleanup(func() { _ = ts.svc.Stop() })

	w, _ = ts.do(t, http.MethodGet, "/health/ready", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 after start, got %d", w.Code)
	}

	w, body = ts.do(t, http.MethodGet, "/health/detailed", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	orch, _ := body["orchestration"].(map[string]any)
	if running, _ := orch["running"].(bool); !running {
		t.Error("expected orchestration running")
	}
	deps, _ := body["dependencies"].(map[string]any)
	for _, name := range []string{"database", "bus", "kv"} {
		dep, _ := deps[name].(map[string]any)
		if status, _ := dep["status"].(string); status != "ok" {
			t.Errorf("expected %s ok, got %v", name, deps[name])
		}
	}
	dlq, _ := body["dlq"].(map[string]any)
	if depth, ok := dlq["results"].(float64); !ok || depth != 0 {
		t.Errorf("expected empty results DLQ, got %v", dlq)
	}
	reg, _ := body["registry"].(map[string]any)
	if _, ok := reg["agents"].(float64); !ok {
		t.Errorf("expected registry agent count, got %v", body["registry"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	// Request counters only appear after an observation; prime with one call.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	ts.server.Engine().ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	ts.server.Engine().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "stagecraft_registry_agents_online") {
		t.Error("expected registry gauge in metrics exposition")
	}
	if !strings.Contains(w.Body.String(), "stagecraft_gateway_http_requests_total") {
		t.Error("expected request counter in metrics exposition")
	}
}

func TestWebhookEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.seedBuild(t)

	push := []byte(`{"ref":"refs/heads/main","after":"` + strings.Repeat("ab", 20) + `","repository":{"full_name":"acme/widgets"},"pusher":{"name":"alice"}}`)
	headers := map[string]string{
		surface.EventHeader:     "push",
		surface.SignatureHeader: signBody(push),
	}
	w, body := ts.do(t, http.MethodPost, "/api/v1/github/webhook?type=build", push, headers)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if status, _ := body["status"].(string); status != "accepted" {
		t.Errorf("expected accepted, got %q", status)
	}
	if id, _ := body["workflow_id"].(string); id == "" {
		t.Error("expected a workflow_id for the push delivery")
	}

	ping := []byte(`{"zen":"Keep it logically awesome."}`)
	headers = map[string]string{
		surface.EventHeader:     "ping",
		surface.SignatureHeader: signBody(ping),
	}
	w, body = ts.do(t, http.MethodPost, "/api/v1/github/webhook?type=build", ping, headers)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for ping, got %d", w.Code)
	}
	if status, _ := body["status"].(string); status != "ignored" {
		t.Errorf("expected ignored, got %q", status)
	}

	headers = map[string]string{
		surface.EventHeader:     "push",
		surface.SignatureHeader: "sha256=" + strings.Repeat("00", 32),
	}
	w, body = ts.do(t, http.MethodPost, "/api/v1/github/webhook?type=build", push, headers)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if code := errCode(t, body); code != "UNAUTHORIZED" {
		t.Errorf("expected UNAUTHORIZED, got %q", code)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/workflows", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	ts.server.Engine().ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected wildcard origin, got %q", got)
	}
}
