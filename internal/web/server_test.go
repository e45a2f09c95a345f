package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/handoff/internal/analytics"
	"github.com/lucasnoah/handoff/internal/catalog"
	"github.com/lucasnoah/handoff/internal/events"
	"github.com/lucasnoah/handoff/internal/metrics"
	"github.com/lucasnoah/handoff/internal/orchestrator"
	"github.com/lucasnoah/handoff/internal/pipeline"
	"github.com/lucasnoah/handoff/internal/stage"
)

type mockDeployer struct{ target string }

func (m *mockDeployer) Rollback(_ context.Context, _, deployment string) error {
	m.target = deployment
	return nil
}

type testServer struct {
	srv     *Server
	orch    *orchestrator.Orchestrator
	store   *pipeline.Store
	bus     *events.Bus
	handler http.Handler
	src     string
	release chan struct{}
}

// setupServer builds a two-stage pipeline whose build stage waits for
// release when block is set.
func setupServer(t *testing.T, block bool) *testServer {
	t.Helper()
	cat, err := catalog.New([]catalog.StageDefinition{
		{ID: "build", Name: "Build", EstimatedDuration: time.Minute, CanRetry: true, MaxRetries: 1, NextStage: "ship"},
		{ID: "ship", Name: "Ship", EstimatedDuration: time.Minute, Dependencies: []catalog.StageID{"build"}},
	})
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	ts := &testServer{src: t.TempDir(), release: make(chan struct{})}
	ts.bus = events.NewBus(nil)
	ts.store = pipeline.NewStore(cat, pipeline.NewMemoryBackend(), ts.bus, nil)

	execs := map[catalog.StageID]stage.Executor{
		"build": stage.Func(func(ctx context.Context, in stage.Input) (map[string]any, error) {
			if block {
				select {
				case <-ts.release:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return map[string]any{"build_duration_ms": 10}, nil
		}),
		"ship": stage.Func(func(ctx context.Context, in stage.Input) (map[string]any, error) {
			return map[string]any{
				pipeline.OutProductURL:           "https://shop.example.com",
				pipeline.OutProviderProjectID:    "prj_1",
				pipeline.OutPreviousDeploymentID: "dpl_0",
			}, nil
		}),
	}
	ts.orch = orchestrator.New(ts.store, orchestrator.Options{Executors: execs, Deployer: &mockDeployer{}})
	m := metrics.New(nil)
	m.Attach(ts.bus)
	ts.srv = NewServer(ts.orch, ts.bus, m.Handler(), nil, ":0")
	ts.srv.heartbeat = 50 * time.Millisecond
	ts.handler = ts.srv.Router()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ts.orch.Shutdown(ctx)
		ts.bus.Close()
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) create(t *testing.T) string {
	t.Helper()
	inst, err := ts.store.Create(context.Background(), "", "owner-1", pipeline.RunConfig{ProjectName: "shop", SourceDir: ts.src})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return inst.ID
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestStartAndGet(t *testing.T) {
	ts := setupServer(t, false)

	rec := ts.do(t, http.MethodPost, "/api/pipelines", map[string]any{
		"project_id":  "owner-1",
		"source_dir":  ts.src,
		"recipient":   "owner@example.com",
		"skip_stages": []string{},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var created map[string]string
	decode(t, rec, &created)
	id := created["id"]
	if id == "" {
		t.Fatal("no id returned")
	}
	if loc := rec.Header().Get("Location"); loc != "/api/pipelines/"+id {
		t.Errorf("Location = %q", loc)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := ts.orch.Wait(ctx, id); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	rec = ts.do(t, http.MethodGet, "/api/pipelines/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var inst pipeline.Instance
	decode(t, rec, &inst)
	if inst.Status != pipeline.StatusCompleted {
		t.Errorf("status = %q, want completed", inst.Status)
	}
	if inst.Config.Recipient != "owner@example.com" {
		t.Errorf("recipient = %q", inst.Config.Recipient)
	}
	if inst.Outputs[pipeline.OutProductURL] != "https://shop.example.com" {
		t.Errorf("product_url = %v", inst.Outputs[pipeline.OutProductURL])
	}
}

func TestStartValidationError(t *testing.T) {
	ts := setupServer(t, false)

	rec := ts.do(t, http.MethodPost, "/api/pipelines", map[string]any{"project_name": "x"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body errorBody
	decode(t, rec, &body)
	if body.Code != "INVALID_CONFIGURATION" {
		t.Errorf("code = %q", body.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/pipelines", strings.NewReader("{not json"))
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", rec.Code)
	}
}

func TestGetUnknown(t *testing.T) {
	ts := setupServer(t, false)
	rec := ts.do(t, http.MethodGet, "/api/pipelines/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	ts := setupServer(t, false)
	ts.create(t)
	b := ts.create(t)
	ts.store.Pause(context.Background(), b)

	rec := ts.do(t, http.MethodGet, "/api/pipelines", nil)
	var rows []PipelineRow
	decode(t, rec, &rows)
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}

	rec = ts.do(t, http.MethodGet, "/api/pipelines?status=paused", nil)
	rows = nil
	decode(t, rec, &rows)
	if len(rows) != 1 || rows[0].ID != b {
		t.Errorf("paused rows = %+v, want [%s]", rows, b)
	}
	if rows[0].ProjectName != "shop" || rows[0].UpdatedAgo != "just now" {
		t.Errorf("row = %+v", rows[0])
	}
}

func TestControlActions(t *testing.T) {
	ts := setupServer(t, false)
	id := ts.create(t)

	rec := ts.do(t, http.MethodPost, "/api/pipelines/"+id+"/pause", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d: %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, http.MethodPost, "/api/pipelines/"+id+"/pause", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second pause status = %d, want 409", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/pipelines/"+id+"/accept", map[string]string{"by": "alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("accept status = %d", rec.Code)
	}
	var inst pipeline.Instance
	decode(t, rec, &inst)
	if inst.Outputs[pipeline.OutAcceptedBy] != "alice" {
		t.Errorf("accepted_by = %v", inst.Outputs[pipeline.OutAcceptedBy])
	}

	rec = ts.do(t, http.MethodPost, "/api/pipelines/"+id+"/cancel", map[string]string{"reason": "duplicate"})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", rec.Code)
	}
	inst = pipeline.Instance{}
	decode(t, rec, &inst)
	if inst.Status != pipeline.StatusCancelled || inst.CancelReason != "duplicate" {
		t.Errorf("after cancel: status %q reason %q", inst.Status, inst.CancelReason)
	}

	rec = ts.do(t, http.MethodPost, "/api/pipelines/"+id+"/resume", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("resume cancelled status = %d, want 409", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/pipelines/"+id+"/explode", nil)
	if rec.Code != http.StatusNotFound && rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("unknown action status = %d", rec.Code)
	}
}

func TestRollbackEndpoint(t *testing.T) {
	ts := setupServer(t, false)
	id := ts.create(t)

	rec := ts.do(t, http.MethodPost, "/api/pipelines/"+id+"/rollback", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("rollback before deploy status = %d, want 400", rec.Code)
	}

	ts.store.UpdateOutputs(context.Background(), id, map[string]any{
		pipeline.OutProviderProjectID:    "prj_1",
		pipeline.OutPreviousDeploymentID: "dpl_0",
	})
	rec = ts.do(t, http.MethodPost, "/api/pipelines/"+id+"/rollback", map[string]string{"ref": "dpl_9"})
	if rec.Code != http.StatusOK {
		t.Fatalf("rollback status = %d: %s", rec.Code, rec.Body.String())
	}
	var inst pipeline.Instance
	decode(t, rec, &inst)
	if inst.Outputs[pipeline.OutActiveDeploymentID] != "dpl_9" {
		t.Errorf("active deployment = %v, want dpl_9", inst.Outputs[pipeline.OutActiveDeploymentID])
	}
}

func TestOutputsWebhook(t *testing.T) {
	ts := setupServer(t, false)
	id := ts.create(t)

	rec := ts.do(t, http.MethodPost, "/api/pipelines/"+id+"/outputs", map[string]any{"domain": "shop.example.com"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	rec = ts.do(t, http.MethodPost, "/api/pipelines/"+id+"/outputs", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty outputs status = %d, want 400", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/pipelines/"+id+"/events", nil)
	var evs []events.Event
	decode(t, rec, &evs)
	found := false
	for _, e := range evs {
		if e.Type == events.OutputUpdated {
			found = true
		}
	}
	if !found {
		t.Errorf("no output_updated event in %d events", len(evs))
	}
}

func TestDeleteRequiresTerminal(t *testing.T) {
	ts := setupServer(t, false)
	id := ts.create(t)

	if rec := ts.do(t, http.MethodDelete, "/api/pipelines/"+id, nil); rec.Code != http.StatusConflict {
		t.Errorf("delete active status = %d, want 409", rec.Code)
	}
	ts.store.Cancel(context.Background(), id, "done")
	if rec := ts.do(t, http.MethodDelete, "/api/pipelines/"+id, nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete cancelled status = %d, want 204", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/api/pipelines/"+id, nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestCatalogHealthAndMetrics(t *testing.T) {
	ts := setupServer(t, false)

	rec := ts.do(t, http.MethodGet, "/api/catalog", nil)
	var defs []catalog.StageDefinition
	decode(t, rec, &defs)
	if len(defs) != 2 || defs[0].ID != "build" {
		t.Errorf("catalog = %+v", defs)
	}

	rec = ts.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Errorf("healthz = %d %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d", rec.Code)
	}
}

func TestStats(t *testing.T) {
	ts := setupServer(t, false)
	id := ts.create(t)
	ts.store.Cancel(context.Background(), id, "stop")

	rec := ts.do(t, http.MethodGet, "/api/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var report analytics.Report
	decode(t, rec, &report)
	if report.Pipelines != 1 || len(report.Throughput) != 1 || report.Throughput[0].Cancelled != 1 {
		t.Errorf("report = %+v", report)
	}

	if rec := ts.do(t, http.MethodGet, "/api/stats?since=yesterday", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad since status = %d, want 400", rec.Code)
	}
}

func TestWriteErrorUnclassified(t *testing.T) {
	ts := setupServer(t, false)
	rec := httptest.NewRecorder()
	ts.srv.writeError(rec, context.Canceled)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("unclassified status = %d, want 500", rec.Code)
	}
}

func TestRelTime(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		at   time.Time
		want string
	}{
		{now.Add(-10 * time.Second), "just now"},
		{now.Add(-5 * time.Minute), "5m ago"},
		{now.Add(-3 * time.Hour), "3h ago"},
		{now.Add(-50 * time.Hour), "2d ago"},
		{time.Time{}, ""},
	}
	for _, tt := range tests {
		if got := relTime(tt.at, now); got != tt.want {
			t.Errorf("relTime(%v) = %q, want %q", tt.at, got, tt.want)
		}
	}
}

// readSSE collects event names from an SSE body until "done" or EOF.
func readSSE(t *testing.T, resp *http.Response) []string {
	t.Helper()
	var names []string
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			names = append(names, name)
			if name == "done" {
				break
			}
		}
	}
	return names
}

func TestStreamLiveEvents(t *testing.T) {
	ts := setupServer(t, true)
	httpSrv := httptest.NewServer(ts.handler)
	defer httpSrv.Close()

	id, err := ts.orch.Start(context.Background(), pipeline.RunConfig{ProjectName: "shop", SourceDir: ts.src})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, httpSrv.URL+"/api/pipelines/"+id+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	close(ts.release)
	names := readSSE(t, resp)

	if len(names) < 3 || names[0] != "snapshot" || names[len(names)-1] != "done" {
		t.Fatalf("events = %v, want snapshot ... done", names)
	}
	seen := map[string]bool{}
	for _, n := range names {
		seen[n] = true
	}
	if !seen[string(events.StageCompleted)] {
		t.Errorf("no stage_completed in %v", names)
	}
}

func TestStreamTerminalInstance(t *testing.T) {
	ts := setupServer(t, false)
	httpSrv := httptest.NewServer(ts.handler)
	defer httpSrv.Close()

	id := ts.create(t)
	ts.store.Cancel(context.Background(), id, "stop")

	resp, err := http.Get(httpSrv.URL + "/api/pipelines/" + id + "/stream")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	names := readSSE(t, resp)
	if len(names) != 2 || names[0] != "snapshot" || names[1] != "done" {
		t.Errorf("events = %v, want [snapshot done]", names)
	}
}

func TestStreamUnknownPipeline(t *testing.T) {
	ts := setupServer(t, false)
	rec := ts.do(t, http.MethodGet, "/api/pipelines/nope/stream", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
