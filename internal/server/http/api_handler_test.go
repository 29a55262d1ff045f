package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"taskstream/internal/agent"
	authapp "taskstream/internal/auth/app"
	"taskstream/internal/logging"
	"taskstream/internal/server/app"
	"taskstream/internal/server/ports"
)

type testEnv struct {
	handler  http.Handler
	registry *app.TaskRegistry
	auth     *authapp.Service
}

func newTestEnv(t *testing.T, backend ports.Agent) *testEnv {
	t.Helper()
	if backend == nil {
		backend = &agent.ScriptedAgent{Result: "done"}
	}

	registry := app.NewTaskRegistry(app.RegistryOptions{Logger: logging.Nop()})
	executor := app.NewTaskExecutor(registry, backend, 0, logging.Nop(), nil)
	authService := authapp.NewService(authapp.Config{
		Secret: "test-secret",
		Users:  map[string]string{"alice": "wonderland", "bob": "builder"},
	})

	handler := NewRouter(RouterOptions{
		Registry:     registry,
		Executor:     executor,
		AuthService:  authService,
		PingInterval: 50 * time.Millisecond,
	})
	return &testEnv{handler: handler, registry: registry, auth: authService}
}

func (e *testEnv) token(t *testing.T, subject string) string {
	t.Helper()
	token, err := e.auth.IssueToken(subject)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token.Value
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestCreateTaskReturnsID(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, "alice")

	rec := env.do(t, http.MethodPost, "/tasks", token, map[string]string{"prompt": "hello"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	resp := decodeBody[map[string]string](t, rec)
	if !strings.HasPrefix(resp["task_id"], "task-") {
		t.Errorf("expected task id, got %q", resp["task_id"])
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, "alice")

	rec := env.do(t, http.MethodPost, "/tasks", token, map[string]string{"prompt": "   "})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("blank prompt: expected 400, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+token)
	rec2 := httptest.NewRecorder()
	env.handler.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusBadRequest {
		t.Errorf("malformed body: expected 400, got %d", rec2.Code)
	}
}

func TestTaskEndpointsRequireAuth(t *testing.T) {
	env := newTestEnv(t, nil)

	paths := []struct{ method, path string }{
		{http.MethodPost, "/tasks"},
		{http.MethodGet, "/tasks"},
		{http.MethodGet, "/tasks/task-x"},
		{http.MethodGet, "/tasks/task-x/events"},
		{http.MethodPost, "/auth/logout"},
	}
	for _, p := range paths {
		rec := env.do(t, p.method, p.path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without token: expected 401, got %d", p.method, p.path, rec.Code)
		}
	}
}

func TestTokenAcceptedFromQueryParameter(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, "alice")

	rec := env.do(t, http.MethodGet, "/tasks?token="+token, "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("query token: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestListTasksScopedToOwnerNewestFirst(t *testing.T) {
	env := newTestEnv(t, nil)
	aliceToken := env.token(t, "alice")
	bobToken := env.token(t, "bob")

	env.do(t, http.MethodPost, "/tasks", aliceToken, map[string]string{"prompt": "first"})
	time.Sleep(2 * time.Millisecond)
	env.do(t, http.MethodPost, "/tasks", aliceToken, map[string]string{"prompt": "second"})
	env.do(t, http.MethodPost, "/tasks", bobToken, map[string]string{"prompt": "bob's task"})

	rec := env.do(t, http.MethodGet, "/tasks", aliceToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	tasks := decodeBody[[]map[string]any](t, rec)
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks for alice, got %d", len(tasks))
	}
	if tasks[0]["prompt"] != "second" || tasks[1]["prompt"] != "first" {
		t.Errorf("expected newest first, got %v then %v", tasks[0]["prompt"], tasks[1]["prompt"])
	}
}

func TestGetTask(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, "alice")

	created := decodeBody[map[string]string](t, env.do(t, http.MethodPost, "/tasks", token, map[string]string{"prompt": "hello"}))

	rec := env.do(t, http.MethodGet, "/tasks/"+created["task_id"], token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	task := decodeBody[map[string]any](t, rec)
	if task["prompt"] != "hello" {
		t.Errorf("expected prompt echoed back, got %v", task["prompt"])
	}

	rec = env.do(t, http.MethodGet, "/tasks/task-missing", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown task: expected 404, got %d", rec.Code)
	}
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestTokenEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/auth/token", "", map[string]string{"username": "alice", "password": "wonderland"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[map[string]any](t, rec)
	if resp["access_token"] == "" || resp["token_type"] != "bearer" {
		t.Errorf("unexpected token response: %v", resp)
	}

	rec = env.do(t, http.MethodPost, "/auth/token", "", map[string]string{"username": "alice", "password": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad credentials: expected 401, got %d", rec.Code)
	}
}

func TestValidateTokenEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, "alice")

	rec := env.do(t, http.MethodGet, "/auth/validate-token", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeBody[map[string]any](t, rec)
	if resp["valid"] != true || resp["subject"] != "alice" {
		t.Errorf("unexpected validation response: %v", resp)
	}

	rec = env.do(t, http.MethodGet, "/auth/validate-token", "garbage", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("garbage token: expected 401, got %d", rec.Code)
	}
}

func TestLogoutInvalidatesToken(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, "alice")

	rec := env.do(t, http.MethodPost, "/auth/logout", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout: expected 200, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/tasks", token, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("token after logout: expected 401, got %d", rec.Code)
	}
}

func TestNewLoginSupersedesStreamToken(t *testing.T) {
	env := newTestEnv(t, nil)
	oldToken := env.token(t, "alice")
	env.token(t, "alice")

	rec := env.do(t, http.MethodGet, "/tasks", oldToken, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("superseded token: expected 401, got %d", rec.Code)
	}
}

func TestCORSHeadersOnAllowedOrigin(t *testing.T) {
	registry := app.NewTaskRegistry(app.RegistryOptions{Logger: logging.Nop()})
	executor := app.NewTaskExecutor(registry, &agent.ScriptedAgent{}, 0, logging.Nop(), nil)
	authService := authapp.NewService(authapp.Config{Secret: "test-secret"})
	handler := NewRouter(RouterOptions{
		Registry:       registry,
		Executor:       executor,
		AuthService:    authService,
		AllowedOrigins: []string{"http://localhost:3000"},
	})

	req := httptest.NewRequest(http.MethodOptions, "/tasks", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("expected origin echoed, got %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/tasks", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("expected no CORS header for disallowed origin, got %q", got)
	}
}

func TestCreateTaskRunsToCompletion(t *testing.T) {
	env := newTestEnv(t, &agent.ScriptedAgent{
		Steps:  []ports.Step{{Kind: ports.EventStep, Content: "working"}},
		Result: "all done",
	})
	token := env.token(t, "alice")

	created := decodeBody[map[string]string](t, env.do(t, http.MethodPost, "/tasks", token, map[string]string{"prompt": "run"}))
	taskID := created["task_id"]

	deadline := time.Now().Add(3 * time.Second)
	for {
		rec := env.do(t, http.MethodGet, "/tasks/"+taskID, token, nil)
		task := decodeBody[map[string]any](t, rec)
		if task["status"] == "completed" {
			if task["result"] != "all done" {
				t.Errorf("expected artifact on record, got %v", task["result"])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never completed, last status %v", task["status"])
		}
		time.Sleep(5 * time.Millisecond)
	}
}
