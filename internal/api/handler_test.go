package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jiazeyu1987/patentforge/internal/config"
	"github.com/jiazeyu1987/patentforge/internal/iteration"
	"github.com/jiazeyu1987/patentforge/internal/prompt"
	"github.com/jiazeyu1987/patentforge/internal/queue"
	"github.com/jiazeyu1987/patentforge/internal/store"
)

type fakeEngine struct {
	result *store.Result
	err    error
}

func (f *fakeEngine) Run(ctx context.Context, in iteration.RunInput) (*store.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	r := *f.result
	r.TaskID = in.JobID
	return &r, nil
}

// newTestServer builds an httptest.Server with a real in-memory SQLite store
// and a Manager backed by a fake Iteration Engine.
func newTestServer(t *testing.T, engine queue.Engine) (*httptest.Server, store.Store, *queue.Manager) {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{MaxWorkers: 2, QueueSize: 10, TaskTimeout: time.Minute}
	m := queue.New(cfg, st, engine)

	templates, err := prompt.NewTemplateRegistry(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewTemplateRegistry: %v", err)
	}
	userPrompts, err := prompt.NewUserPromptStore(t.TempDir() + "/user_prompts.json")
	if err != nil {
		t.Fatalf("NewUserPromptStore: %v", err)
	}

	h := NewHandler(st, m, templates, userPrompts)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, st, m
}

func doRequest(t *testing.T, srv *httptest.Server, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, srv.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func TestGenerate_Synchronous(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeEngine{result: &store.Result{OutputPath: "output/draft.md", Iterations: 2, LastReview: "看起来不错"}})

	resp := doRequest(t, srv, http.MethodPost, "/api/generate", map[string]any{
		"mode": "idea", "ideaText": "一个想法", "iterations": 2,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["outputPath"] != "output/draft.md" {
		t.Errorf("outputPath = %v", body["outputPath"])
	}
	if body["ok"] != true {
		t.Errorf("ok = %v, want true", body["ok"])
	}
}

func TestGenerate_InvalidInputReturns400(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeEngine{})

	resp := doRequest(t, srv, http.MethodPost, "/api/generate", map[string]any{
		"mode": "idea", "iterations": 1,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["ok"] != false {
		t.Errorf("ok = %v, want false", body["ok"])
	}
}

func TestGenerateAsync_ReturnsTaskID(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeEngine{result: &store.Result{}})

	resp := doRequest(t, srv, http.MethodPost, "/api/generate/async", map[string]any{
		"mode": "idea", "ideaText": "x", "iterations": 1,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["taskId"] == "" || body["taskId"] == nil {
		t.Error("expected a non-empty taskId")
	}
}

func TestGetTask_UnknownReturns404(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeEngine{})

	resp := doRequest(t, srv, http.MethodGet, "/api/tasks/does-not-exist", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGetTask_ReturnsStatusAndProgress(t *testing.T) {
	srv, _, m := newTestServer(t, &fakeEngine{result: &store.Result{OutputPath: "x.md"}})

	id, err := m.Submit(context.Background(), store.Input{Mode: store.ModeIdea, IdeaText: "x", Iterations: 1})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	resp := doRequest(t, srv, http.MethodGet, "/api/tasks/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["status"] != "queued" {
		t.Errorf("status = %v, want queued", body["status"])
	}
	if body["progress"] != float64(0) {
		t.Errorf("progress = %v, want 0", body["progress"])
	}
}

func TestCancelTask_QueuedJobReturnsOK(t *testing.T) {
	srv, _, m := newTestServer(t, &fakeEngine{result: &store.Result{}})

	id, err := m.Submit(context.Background(), store.Input{Mode: store.ModeIdea, IdeaText: "x", Iterations: 1})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	resp := doRequest(t, srv, http.MethodPost, "/api/tasks/"+id+"/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["ok"] != true {
		t.Errorf("ok = %v, want true", body["ok"])
	}
}

func TestCancelTask_UnknownReturns404(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeEngine{})

	resp := doRequest(t, srv, http.MethodPost, "/api/tasks/does-not-exist/cancel", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListTemplates_ReturnsCompiledDefaults(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeEngine{})

	resp := doRequest(t, srv, http.MethodGet, "/api/templates/", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	templates, ok := body["templates"].([]any)
	if !ok || len(templates) == 0 {
		t.Fatalf("expected non-empty templates list, got %v", body["templates"])
	}
}

func TestUserPrompts_SetThenGet(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeEngine{})

	setResp := doRequest(t, srv, http.MethodPost, "/api/user/prompts", map[string]any{
		"writer": "自定义撰写提示", "reviewer": "自定义审查提示",
	})
	if setResp.StatusCode != http.StatusOK {
		t.Fatalf("set status = %d, want 200", setResp.StatusCode)
	}

	getResp := doRequest(t, srv, http.MethodGet, "/api/user/prompts", nil)
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", getResp.StatusCode)
	}
	body := decodeBody(t, getResp)
	data, ok := body["data"].(map[string]any)
	if !ok {
		t.Fatalf("expected data object, got %v", body["data"])
	}
	prompts, ok := data["prompts"].(map[string]any)
	if !ok || prompts["writer"] != "自定义撰写提示" {
		t.Errorf("prompts = %v", data["prompts"])
	}
}

func TestRounds_EmptyForUnknownTask(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeEngine{})

	resp := doRequest(t, srv, http.MethodGet, "/api/conversations/tasks/does-not-exist/rounds", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	data, ok := body["data"].([]any)
	if !ok || len(data) != 0 {
		t.Errorf("data = %v, want empty array", body["data"])
	}
}

func TestGetRound_UnknownReturns404(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeEngine{})

	resp := doRequest(t, srv, http.MethodGet, "/api/conversations/tasks/does-not-exist/rounds/1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGetRound_BadIndexReturns400(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeEngine{})

	resp := doRequest(t, srv, http.MethodGet, "/api/conversations/tasks/foo/rounds/notanumber", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
