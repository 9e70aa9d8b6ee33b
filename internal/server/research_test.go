package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/deepresearch/internal/orchestrator"
	"github.com/mohammad-safakhou/deepresearch/internal/runtime"
	"github.com/mohammad-safakhou/deepresearch/internal/store"
)

var taskCols = []string{"id", "research_id", "query", "kind", "status", "result", "error", "created_at", "updated_at"}

var testSecret = []byte("test-secret")

type fakeSubmitter struct {
	err   error
	calls []string
}

func (f *fakeSubmitter) Submit(ctx context.Context, query string, kind store.Kind) (store.Task, error) {
	return f.SubmitWithID(ctx, "generated-id", query, kind)
}

func (f *fakeSubmitter) SubmitWithID(_ context.Context, researchID, query string, kind store.Kind) (store.Task, error) {
	f.calls = append(f.calls, researchID+"|"+query+"|"+string(kind))
	if f.err != nil {
		return store.Task{}, f.err
	}
	now := time.Now().UTC()
	return store.Task{ResearchID: researchID, Query: query, Kind: kind, Status: store.StatusPending, CreatedAt: now, UpdatedAt: now}, nil
}

func newTestServer(t *testing.T, sub Submitter) (*echo.Echo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	e := New(Deps{
		Tasks:     &store.Store{DB: db},
		Orch:      sub,
		JWTSecret: testSecret,
		Logger:    log.New(io.Discard, "", 0),
	})
	return e, mock
}

func do(e *echo.Echo, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestSubmitReturnsPendingTask(t *testing.T) {
	sub := &fakeSubmitter{}
	e, _ := newTestServer(t, sub)

	rec := do(e, http.MethodPost, "/api/research", `{"query":"quantum computing","research_type":"researcher"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["research_id"] != "generated-id" || resp["status"] != "pending" || resp["kind"] != "single-agent" {
		t.Fatalf("unexpected response: %v", resp)
	}
	if resp["result"] != nil || resp["error"] != nil {
		t.Fatalf("pending task must carry null result and error: %v", resp)
	}
	if len(sub.calls) != 1 || sub.calls[0] != "generated-id|quantum computing|single-agent" {
		t.Fatalf("unexpected submit calls: %v", sub.calls)
	}
}

func TestSubmitWithSuppliedID(t *testing.T) {
	sub := &fakeSubmitter{}
	e, _ := newTestServer(t, sub)

	rec := do(e, http.MethodPost, "/api/research", `{"query":"q","research_id":"mine"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if sub.calls[0] != "mine|q|multi-agent" {
		t.Fatalf("unexpected call: %v", sub.calls)
	}
}

func TestSubmitErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"empty query", `{"query":"   "}`, nil, http.StatusBadRequest},
		{"unknown kind", `{"query":"q","kind":"swarm"}`, nil, http.StatusBadRequest},
		{"malformed", `{"query":`, nil, http.StatusBadRequest},
		{"duplicate", `{"query":"q","research_id":"taken"}`, fmt.Errorf("%w: taken", store.ErrDuplicateKey), http.StatusConflict},
		{"overloaded", `{"query":"q"}`, orchestrator.ErrOverloaded, http.StatusServiceUnavailable},
		{"closed", `{"query":"q"}`, orchestrator.ErrClosed, http.StatusServiceUnavailable},
		{"store down", `{"query":"q"}`, errors.New("connection refused"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, _ := newTestServer(t, &fakeSubmitter{err: tc.err})
			rec := do(e, http.MethodPost, "/api/research", tc.body, nil)
			if rec.Code != tc.want {
				t.Fatalf("expected %d got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["error"] == "" {
				t.Fatalf("expected JSON error body, got %q", rec.Body.String())
			}
		})
	}
}

func TestGetTask(t *testing.T) {
	e, mock := newTestServer(t, &fakeSubmitter{})
	now := time.Now()
	mock.ExpectQuery(`SELECT .* FROM research_tasks WHERE research_id=\$1`).
		WithArgs("r-1").
		WillReturnRows(sqlmock.NewRows(taskCols).
			AddRow(int64(1), "r-1", "q", "multi-agent", "failed", nil, "engine exploded", now, now))

	rec := do(e, http.MethodGet, "/api/research/r-1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var task store.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if task.Status != store.StatusFailed || task.Error == nil || *task.Error != "engine exploded" || task.Result != nil {
		t.Fatalf("unexpected task: %+v", task)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	e, mock := newTestServer(t, &fakeSubmitter{})
	mock.ExpectQuery(`SELECT .* FROM research_tasks WHERE research_id=\$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(taskCols))

	rec := do(e, http.MethodGet, "/api/research/missing", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
}

func TestListTasks(t *testing.T) {
	e, mock := newTestServer(t, &fakeSubmitter{})
	now := time.Now()
	mock.ExpectQuery(`SELECT .* FROM research_tasks WHERE status=\$3 ORDER BY created_at DESC, id DESC LIMIT \$1 OFFSET \$2`).
		WithArgs(10, 5, "completed").
		WillReturnRows(sqlmock.NewRows(taskCols).
			AddRow(int64(2), "r-2", "b", "multi-agent", "completed", []byte(`{"draft_report":"d","compressed_research":"c","raw_notes":["n"]}`), nil, now, now).
			AddRow(int64(1), "r-1", "a", "multi-agent", "completed", []byte(`{"draft_report":"d","compressed_research":"c","raw_notes":[]}`), nil, now.Add(-time.Minute), now))

	rec := do(e, http.MethodGet, "/api/research?limit=10&offset=5&status=completed", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var tasks []store.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ResearchID != "r-2" || tasks[0].Result == nil || tasks[0].Result.RawNotes[0] != "n" {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListRejectsBadParams(t *testing.T) {
	e, _ := newTestServer(t, &fakeSubmitter{})
	for _, q := range []string{"limit=abc", "offset=-1", "status=archived"} {
		rec := do(e, http.MethodGet, "/api/research?"+q, "", nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400 got %d", q, rec.Code)
		}
	}
}

func TestReportMarkdown(t *testing.T) {
	e, mock := newTestServer(t, &fakeSubmitter{})
	now := time.Now()
	mock.ExpectQuery(`SELECT .* FROM research_tasks WHERE research_id=\$1`).
		WithArgs("r-1").
		WillReturnRows(sqlmock.NewRows(taskCols).
			AddRow(int64(1), "r-1", "fusion", "multi-agent", "completed",
				[]byte(`{"draft_report":"# Research Report\n\nstellarators","compressed_research":"stellarators","raw_notes":["n1","n2"]}`), nil, now, now))

	rec := do(e, http.MethodGet, "/api/research/r-1/report", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	want := "# Research Report\n\n**Query:** fusion\n\n## Report\nstellarators\n\n## Raw Notes\nn1\nn2\n"
	if got := rec.Body.String(); got != want {
		t.Fatalf("unexpected markdown:\n%q\nwant\n%q", got, want)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/markdown") {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestReportNotReady(t *testing.T) {
	e, mock := newTestServer(t, &fakeSubmitter{})
	now := time.Now()
	mock.ExpectQuery(`SELECT .* FROM research_tasks WHERE research_id=\$1`).
		WithArgs("r-1").
		WillReturnRows(sqlmock.NewRows(taskCols).
			AddRow(int64(1), "r-1", "q", "multi-agent", "running", nil, nil, now, now))

	rec := do(e, http.MethodGet, "/api/research/r-1/report", "", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", rec.Code)
	}
}

func TestDeleteRequiresAdmin(t *testing.T) {
	e, mock := newTestServer(t, &fakeSubmitter{})
	viewer, _ := runtime.SignJWT("viewer", testSecret, time.Hour)
	admin, _ := runtime.SignJWT("ops", testSecret, time.Hour, runtime.ScopeAdmin)

	if rec := do(e, http.MethodDelete, "/api/research/r-1", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous delete: expected 401 got %d", rec.Code)
	}
	if rec := do(e, http.MethodDelete, "/api/research/r-1", "", map[string]string{"Authorization": "Bearer " + viewer}); rec.Code != http.StatusForbidden {
		t.Fatalf("viewer delete: expected 403 got %d", rec.Code)
	}

	mock.ExpectExec(`DELETE FROM research_tasks WHERE research_id=\$1`).
		WithArgs("r-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM research_tasks WHERE research_id=\$1`).
		WithArgs("r-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	auth := map[string]string{"Authorization": "Bearer " + admin}
	if rec := do(e, http.MethodDelete, "/api/research/r-1", "", auth); rec.Code != http.StatusNoContent {
		t.Fatalf("admin delete: expected 204 got %d", rec.Code)
	}
	if rec := do(e, http.MethodDelete, "/api/research/r-1", "", auth); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: expected 404 got %d", rec.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestHealth(t *testing.T) {
	e, _ := newTestServer(t, &fakeSubmitter{})
	rec := do(e, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var body map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "healthy" || body["version"] != Version {
		t.Fatalf("unexpected health body: %v", body)
	}
}

type downStore struct{ TaskStore }

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealthDegraded(t *testing.T) {
	e := New(Deps{Tasks: downStore{}, Orch: &fakeSubmitter{}, JWTSecret: testSecret, Logger: log.New(io.Discard, "", 0)})
	rec := do(e, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}
}

func TestDeleteLogsAdminSubject(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	var out strings.Builder
	e := New(Deps{Tasks: &store.Store{DB: db}, Orch: &fakeSubmitter{}, JWTSecret: testSecret, Logger: log.New(&out, "", 0)})
	admin, _ := runtime.SignJWT("ops", testSecret, time.Hour, runtime.ScopeAdmin)

	mock.ExpectExec(`DELETE FROM research_tasks WHERE research_id=\$1`).
		WithArgs("r-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if rec := do(e, http.MethodDelete, "/api/research/r-1", "", map[string]string{"Authorization": "Bearer " + admin}); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", rec.Code)
	}
	if !strings.Contains(out.String(), `research r-1 deleted by "ops"`) {
		t.Fatalf("missing audit line for delete: %q", out.String())
	}
}

func TestUnprefixedResearchRoutes(t *testing.T) {
	sub := &fakeSubmitter{}
	e, mock := newTestServer(t, sub)

	rec := do(e, http.MethodPost, "/research", `{"query":"tidal energy","research_type":"supervisor"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if len(sub.calls) != 1 || sub.calls[0] != "generated-id|tidal energy|multi-agent" {
		t.Fatalf("unexpected submit calls: %v", sub.calls)
	}

	now := time.Now()
	mock.ExpectQuery(`SELECT .* FROM research_tasks WHERE research_id=\$1`).
		WithArgs("generated-id").
		WillReturnRows(sqlmock.NewRows(taskCols).
			AddRow(int64(1), "generated-id", "tidal energy", "multi-agent", "running", nil, nil, now, now))
	rec = do(e, http.MethodGet, "/research/generated-id", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var task store.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if task.Status != store.StatusRunning {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestDebugLogsRequests(t *testing.T) {
	var out strings.Builder
	e := New(Deps{Tasks: downStore{}, Orch: &fakeSubmitter{}, JWTSecret: testSecret, Logger: log.New(&out, "", 0), Debug: true})
	do(e, http.MethodGet, "/health", "", nil)
	if !strings.Contains(out.String(), "GET /health 503") {
		t.Fatalf("expected request log line, got %q", out.String())
	}
}
