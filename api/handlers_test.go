package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"board-api/domain"
	"board-api/storage"
)

type mockAuth struct{ err error }

func (m mockAuth) UserIDFromAuthHeader(string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return "user", nil
}

type testServer struct {
	e       *echo.Echo
	store   *stubStore
	deduper *RedisDeduper
	sender  *UpdateSender
	logs    *test.Hook
}

func newTestServer(t *testing.T, auth Authenticator) *testServer {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	_, _, deduper := newTestDeduper(t)
	store := newStubStore()
	store.tasks["ws"] = []domain.Task{
		{ID: "C", Name: "Write docs", WorkspaceID: "ws", Status: domain.StatusBacklog, Position: 3000},
		{ID: "A", Name: "Plan sprint", WorkspaceID: "ws", ProjectID: "p1", Status: domain.StatusBacklog, Position: 1000},
		{ID: "B", Name: "Fix login", WorkspaceID: "ws", ProjectID: "p1", Status: domain.StatusBacklog, Position: 2000},
		{ID: "Y", Name: "Release notes", WorkspaceID: "ws", Status: domain.StatusTodo, Position: 2000},
		{ID: "X", Name: "Review PR", WorkspaceID: "ws", AssigneeID: "u2", Status: domain.StatusTodo, Position: 1000},
	}
	sender := NewUpdateSender(store, deduper, logger, UpdateSenderConfig{Workers: 1, Buffer: 8, Timeout: time.Second})
	t.Cleanup(sender.Close)

	e := echo.New()
	Register(e, store, auth, deduper, sender, nil, logger)
	return &testServer{e: e, store: store, deduper: deduper, sender: sender, logs: hook}
}

func (s *testServer) do(method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := sonic.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func taskIDs(tasks []domain.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func TestGetTasksBoardOrder(t *testing.T) {
	srv := newTestServer(t, mockAuth{})
	rec := srv.do(http.MethodGet, "/api/workspaces/ws/tasks", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body: %s", rec.Code, rec.Body.String())
	}
	var resp tasksResponse
	decodeBody(t, rec, &resp)
	if got := taskIDs(resp.Tasks); !reflect.DeepEqual(got, []string{"A", "B", "C", "X", "Y"}) {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestGetTasksFilters(t *testing.T) {
	srv := newTestServer(t, mockAuth{})
	tests := []struct {
		query string
		want  []string
	}{
		{query: "projectId=p1", want: []string{"A", "B"}},
		{query: "assigneeId=u2", want: []string{"X"}},
		{query: "status=todo", want: []string{"X", "Y"}},
		{query: "search=RE", want: []string{"X", "Y"}},
		{query: "projectId=p1&search=login", want: []string{"B"}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := srv.do(http.MethodGet, "/api/workspaces/ws/tasks?"+tt.query, "", nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("unexpected status: %d", rec.Code)
			}
			var resp tasksResponse
			decodeBody(t, rec, &resp)
			if got := taskIDs(resp.Tasks); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetTasksDueDateFilter(t *testing.T) {
	srv := newTestServer(t, mockAuth{})
	due := time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)
	srv.store.tasks["ws"][0].DueDate = &due

	for _, q := range []string{"2024-05-10", "2024-05-10T08:00:00Z"} {
		rec := srv.do(http.MethodGet, "/api/workspaces/ws/tasks?dueDate="+q, "", nil)
		var resp tasksResponse
		decodeBody(t, rec, &resp)
		if got := taskIDs(resp.Tasks); !reflect.DeepEqual(got, []string{"C"}) {
			t.Fatalf("dueDate=%s: got %v", q, got)
		}
	}
}

func TestGetTasksErrors(t *testing.T) {
	t.Run("unauthorized", func(t *testing.T) {
		srv := newTestServer(t, mockAuth{err: errors.New("nope")})
		if rec := srv.do(http.MethodGet, "/api/workspaces/ws/tasks", "", nil); rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})
	t.Run("bad status filter", func(t *testing.T) {
		srv := newTestServer(t, mockAuth{})
		if rec := srv.do(http.MethodGet, "/api/workspaces/ws/tasks?status=ARCHIVED", "", nil); rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
	t.Run("bad due date", func(t *testing.T) {
		srv := newTestServer(t, mockAuth{})
		if rec := srv.do(http.MethodGet, "/api/workspaces/ws/tasks?dueDate=tomorrow", "", nil); rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
	t.Run("storage failure", func(t *testing.T) {
		srv := newTestServer(t, mockAuth{})
		srv.store.fetchErr = errors.New("table down")
		if rec := srv.do(http.MethodGet, "/api/workspaces/ws/tasks", "", nil); rec.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", rec.Code)
		}
	})
}

func TestGetBoard(t *testing.T) {
	srv := newTestServer(t, mockAuth{})
	rec := srv.do(http.MethodGet, "/api/workspaces/ws/board", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var resp boardResponse
	decodeBody(t, rec, &resp)
	if resp.WorkspaceID != "ws" || resp.Total != 5 {
		t.Fatalf("unexpected board header: %+v", resp)
	}
	if len(resp.Columns) != 5 {
		t.Fatalf("expected 5 columns, got %d", len(resp.Columns))
	}
	wantLabels := []string{"Backlog", "Todo", "In Progress", "In Review", "Done"}
	for i, col := range resp.Columns {
		if col.Status != domain.Statuses()[i] || col.Label != wantLabels[i] {
			t.Fatalf("column %d: got %s/%s", i, col.Status, col.Label)
		}
		if col.Count != len(col.Tasks) {
			t.Fatalf("column %s count mismatch", col.Status)
		}
		if col.Tasks == nil {
			t.Fatalf("column %s tasks must be an empty list, not null", col.Status)
		}
	}
	if got := taskIDs(resp.Columns[0].Tasks); !reflect.DeepEqual(got, []string{"A", "B", "C"}) {
		t.Fatalf("unexpected backlog: %v", got)
	}
}

func TestPostMoveCrossColumn(t *testing.T) {
	srv := newTestServer(t, mockAuth{})
	body := `{"taskId":"B","source":{"status":"BACKLOG","index":1},"destination":{"status":"TODO","index":1}}`
	rec := srv.do(http.MethodPost, "/api/workspaces/ws/board/moves", body, map[string]string{idempotencyHeader: "move-1"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d body: %s", rec.Code, rec.Body.String())
	}

	var resp moveResponse
	decodeBody(t, rec, &resp)
	want := []domain.TaskUpdate{
		{ID: "B", Status: domain.StatusTodo, Position: 2000},
		{ID: "Y", Status: domain.StatusTodo, Position: 3000},
		{ID: "C", Status: domain.StatusBacklog, Position: 2000},
	}
	if !reflect.DeepEqual(resp.Updates, want) {
		t.Fatalf("unexpected updates: %+v", resp.Updates)
	}
	if resp.IdempotencyKey != "move-1" {
		t.Fatalf("unexpected key: %q", resp.IdempotencyKey)
	}
	if got := taskIDs(resp.Columns[1].Tasks); !reflect.DeepEqual(got, []string{"X", "B", "Y"}) {
		t.Fatalf("unexpected TODO column: %v", got)
	}

	call := waitForUpdate(t, srv.store)
	if call.workspaceID != "ws" || !reflect.DeepEqual(call.updates, want) {
		t.Fatalf("unexpected persisted updates: %+v", call)
	}
}

func TestPostMoveDuplicateKey(t *testing.T) {
	srv := newTestServer(t, mockAuth{})
	body := `{"taskId":"A","source":{"status":"BACKLOG","index":0},"destination":{"status":"DONE","index":0}}`
	headers := map[string]string{idempotencyHeader: "same"}

	if rec := srv.do(http.MethodPost, "/api/workspaces/ws/board/moves", body, headers); rec.Code != http.StatusAccepted {
		t.Fatalf("first move: unexpected status %d", rec.Code)
	}
	waitForUpdate(t, srv.store)
	if rec := srv.do(http.MethodPost, "/api/workspaces/ws/board/moves", body, headers); rec.Code != http.StatusConflict {
		t.Fatalf("replayed move: expected 409, got %d", rec.Code)
	}
}

func TestPostMoveStaleReleasesKey(t *testing.T) {
	srv := newTestServer(t, mockAuth{})
	body := `{"taskId":"Z","source":{"status":"BACKLOG","index":0},"destination":{"status":"DONE","index":0}}`
	headers := map[string]string{idempotencyHeader: "stale-1"}

	rec := srv.do(http.MethodPost, "/api/workspaces/ws/board/moves", body, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for stale move, got %d", rec.Code)
	}
	var resp moveResponse
	decodeBody(t, rec, &resp)
	if !resp.Stale || len(resp.Updates) != 0 {
		t.Fatalf("unexpected stale response: %+v", resp)
	}
	if got := taskIDs(resp.Columns[0].Tasks); !reflect.DeepEqual(got, []string{"A", "B", "C"}) {
		t.Fatalf("stale move must return the unchanged board, got %v", got)
	}
	if srv.store.callCount() != 0 {
		t.Fatalf("stale move must not persist anything")
	}

	added, err := srv.deduper.Add(context.Background(), dedupeScope("user", "ws"), "stale-1")
	if err != nil || !added {
		t.Fatalf("stale move must release its key, added=%v err=%v", added, err)
	}

	warned := false
	for _, e := range srv.logs.AllEntries() {
		if e.Message == "stale move ignored" && e.Level == log.WarnLevel {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("expected stale move warning")
	}
}

func TestPostMoveNoDestination(t *testing.T) {
	srv := newTestServer(t, mockAuth{})
	body := `{"taskId":"A","source":{"status":"BACKLOG","index":0}}`
	rec := srv.do(http.MethodPost, "/api/workspaces/ws/board/moves", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp moveResponse
	decodeBody(t, rec, &resp)
	if len(resp.Updates) != 0 {
		t.Fatalf("expected no updates, got %+v", resp.Updates)
	}
	if resp.IdempotencyKey == "" {
		t.Fatalf("expected a generated idempotency key")
	}
	if srv.store.callCount() != 0 {
		t.Fatalf("no-op move must not persist anything")
	}
}

func TestPostMoveFilteredView(t *testing.T) {
	srv := newTestServer(t, mockAuth{})
	// In the p1 view BACKLOG shows only A and B; moving B to the top must not
	// renumber the hidden task C.
	body := `{"taskId":"B","source":{"status":"BACKLOG","index":1},"destination":{"status":"BACKLOG","index":0}}`
	rec := srv.do(http.MethodPost, "/api/workspaces/ws/board/moves?projectId=p1", body, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var resp moveResponse
	decodeBody(t, rec, &resp)
	want := []domain.TaskUpdate{
		{ID: "B", Status: domain.StatusBacklog, Position: 1000},
		{ID: "A", Status: domain.StatusBacklog, Position: 2000},
	}
	if !reflect.DeepEqual(resp.Updates, want) {
		t.Fatalf("unexpected updates: %+v", resp.Updates)
	}
}

func TestPostMoveFilteredKeepsStoredPositionsDistinct(t *testing.T) {
	srv := newTestServer(t, mockAuth{})
	// TODO has no p1 tasks, so the drop lands below the hidden X and Y.
	body := `{"taskId":"A","source":{"status":"BACKLOG","index":0},"destination":{"status":"TODO","index":0}}`
	rec := srv.do(http.MethodPost, "/api/workspaces/ws/board/moves?projectId=p1", body, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d body: %s", rec.Code, rec.Body.String())
	}
	var resp moveResponse
	decodeBody(t, rec, &resp)
	for _, col := range resp.Columns {
		if col.Status == domain.StatusTodo && !reflect.DeepEqual(taskIDs(col.Tasks), []string{"A"}) {
			t.Fatalf("response must show the filtered view, got %v", taskIDs(col.Tasks))
		}
	}

	call := waitForUpdate(t, srv.store)
	srv.store.apply("ws", call.updates)
	tasks, _ := srv.store.FetchTasks(context.Background(), "ws")

	seen := map[domain.Status]map[int]string{}
	for _, tk := range tasks {
		if seen[tk.Status] == nil {
			seen[tk.Status] = map[int]string{}
		}
		if other, ok := seen[tk.Status][tk.Position]; ok {
			t.Fatalf("%s and %s share %s position %d", other, tk.ID, tk.Status, tk.Position)
		}
		seen[tk.Status][tk.Position] = tk.ID
	}

	rec = srv.do(http.MethodGet, "/api/workspaces/ws/board", "", nil)
	var b boardResponse
	decodeBody(t, rec, &b)
	want := map[domain.Status][]string{
		domain.StatusBacklog: {"B", "C"},
		domain.StatusTodo:    {"X", "Y", "A"},
	}
	for _, col := range b.Columns {
		if w, ok := want[col.Status]; ok && !reflect.DeepEqual(taskIDs(col.Tasks), w) {
			t.Fatalf("unexpected %s order: %v, want %v", col.Status, taskIDs(col.Tasks), w)
		}
	}
}

func TestPostMoveRejectsBadInput(t *testing.T) {
	srv := newTestServer(t, mockAuth{})
	tests := map[string]string{
		"unknown field":  `{"taskId":"A","source":{"status":"BACKLOG","index":0},"extra":true}`,
		"unknown status": `{"source":{"status":"ARCHIVED","index":0},"destination":{"status":"DONE","index":0}}`,
		"missing status": `{"source":{"index":0},"destination":{"status":"DONE","index":0}}`,
		"not json":       `move it`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			rec := srv.do(http.MethodPost, "/api/workspaces/ws/board/moves", body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d body: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestPostMoveUnauthorized(t *testing.T) {
	srv := newTestServer(t, mockAuth{err: errors.New("nope")})
	body := `{"taskId":"A","source":{"status":"BACKLOG","index":0},"destination":{"status":"DONE","index":0}}`
	if rec := srv.do(http.MethodPost, "/api/workspaces/ws/board/moves", body, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestPostBulkUpdate(t *testing.T) {
	srv := newTestServer(t, mockAuth{})
	body := `{"tasks":[{"id":"A","status":"DONE","position":1000},{"id":"B","status":"in_review","position":1000}]}`
	rec := srv.do(http.MethodPost, "/api/workspaces/ws/tasks/bulk-update", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body: %s", rec.Code, rec.Body.String())
	}
	var resp bulkUpdateResponse
	decodeBody(t, rec, &resp)
	if resp.Updated != 2 {
		t.Fatalf("unexpected updated count: %d", resp.Updated)
	}
	call := waitForUpdate(t, srv.store)
	if len(call.updates) != 2 || call.updates[1].Status != domain.StatusInReview {
		t.Fatalf("unexpected persisted updates: %+v", call.updates)
	}
}

func TestPostBulkUpdateErrors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		updateErr error
		want      int
	}{
		{name: "missing id", body: `{"tasks":[{"status":"DONE","position":1000}]}`, want: http.StatusBadRequest},
		{name: "negative position", body: `{"tasks":[{"id":"A","status":"DONE","position":-1}]}`, want: http.StatusBadRequest},
		{name: "bad status", body: `{"tasks":[{"id":"A","status":"LATER","position":1}]}`, want: http.StatusBadRequest},
		{name: "duplicate id", body: `{"tasks":[{"id":"A","status":"DONE","position":1000},{"id":"A","status":"TODO","position":2000}]}`, want: http.StatusBadRequest},
		{name: "not found", body: `{"tasks":[{"id":"Q","status":"DONE","position":1}]}`, updateErr: storage.ErrTaskNotFound, want: http.StatusNotFound},
		{name: "storage failure", body: `{"tasks":[{"id":"A","status":"DONE","position":1}]}`, updateErr: errors.New("boom"), want: http.StatusInternalServerError},
		{name: "empty", body: `{"tasks":[]}`, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, mockAuth{})
			srv.store.updateErr = tt.updateErr
			rec := srv.do(http.MethodPost, "/api/workspaces/ws/tasks/bulk-update", tt.body, nil)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d body: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestTaskLifecycle(t *testing.T) {
	srv := newTestServer(t, mockAuth{})

	rec := srv.do(http.MethodPost, "/api/workspaces/ws/tasks", `{"name":" Write tests ","status":"todo","projectId":"p1"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: unexpected status %d body: %s", rec.Code, rec.Body.String())
	}
	var created domain.Task
	decodeBody(t, rec, &created)
	if created.ID == "" || created.WorkspaceID != "ws" || created.Name != "Write tests" {
		t.Fatalf("unexpected created task: %+v", created)
	}
	if created.Status != domain.StatusTodo || created.Position != 3000 {
		t.Fatalf("new task must be appended to TODO, got %s/%d", created.Status, created.Position)
	}

	rec = srv.do(http.MethodGet, "/api/workspaces/ws/tasks/"+created.ID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: unexpected status %d", rec.Code)
	}
	var got domain.Task
	decodeBody(t, rec, &got)
	if got.ID != created.ID || got.ProjectID != "p1" {
		t.Fatalf("unexpected task: %+v", got)
	}

	if rec = srv.do(http.MethodDelete, "/api/workspaces/ws/tasks/"+created.ID, "", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: unexpected status %d", rec.Code)
	}
	if rec = srv.do(http.MethodDelete, "/api/workspaces/ws/tasks/"+created.ID, "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: expected 404, got %d", rec.Code)
	}
	if rec = srv.do(http.MethodGet, "/api/workspaces/ws/tasks/"+created.ID, "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", rec.Code)
	}
}

func TestPostTaskErrors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		updateErr error
		want      int
	}{
		{name: "missing name", body: `{"name":"  ","status":"TODO"}`, want: http.StatusBadRequest},
		{name: "missing status", body: `{"name":"x"}`, want: http.StatusBadRequest},
		{name: "unknown status", body: `{"name":"x","status":"LATER"}`, want: http.StatusBadRequest},
		{name: "unknown field", body: `{"name":"x","status":"TODO","position":5}`, want: http.StatusBadRequest},
		{name: "storage failure", body: `{"name":"x","status":"TODO"}`, updateErr: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, mockAuth{})
			srv.store.updateErr = tt.updateErr
			rec := srv.do(http.MethodPost, "/api/workspaces/ws/tasks", tt.body, nil)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d body: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestTaskRoutesUnauthorized(t *testing.T) {
	srv := newTestServer(t, mockAuth{err: errors.New("nope")})
	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		if rec := srv.do(method, "/api/workspaces/ws/tasks/A", "", nil); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", method, rec.Code)
		}
	}
	if rec := srv.do(http.MethodPost, "/api/workspaces/ws/tasks", `{"name":"x","status":"TODO"}`, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("create: expected 401, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, mockAuth{err: errors.New("no auth needed")})
	rec := srv.do(http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected healthz response: %d %q", rec.Code, rec.Body.String())
	}
}

func TestRegisterUsesCustomLabels(t *testing.T) {
	logger, _ := test.NewNullLogger()
	store := newStubStore()
	sender := NewUpdateSender(store, nil, logger, UpdateSenderConfig{Workers: 1})
	t.Cleanup(sender.Close)

	e := echo.New()
	labels := domain.DefaultLabels()
	labels[domain.StatusTodo] = "Up Next"
	Register(e, store, mockAuth{}, nil, sender, labels, logger)

	req := httptest.NewRequest(http.MethodGet, "/api/workspaces/empty/board", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var resp boardResponse
	decodeBody(t, rec, &resp)
	if resp.Columns[1].Label != "Up Next" {
		t.Fatalf("expected custom label, got %q", resp.Columns[1].Label)
	}
	if resp.Total != 0 {
		t.Fatalf("expected empty board, got %d tasks", resp.Total)
	}
}
