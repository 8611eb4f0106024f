package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"board-api/board"
	"board-api/domain"
	"board-api/storage"
)

const (
	tasksRoute      = "/api/workspaces/:workspaceId/tasks"
	taskRoute       = "/api/workspaces/:workspaceId/tasks/:taskId"
	boardRoute      = "/api/workspaces/:workspaceId/board"
	moveRoute       = "/api/workspaces/:workspaceId/board/moves"
	bulkUpdateRoute = "/api/workspaces/:workspaceId/tasks/bulk-update"

	tasksEventName      = "board.tasks.list"
	createTaskEventName = "board.task.create"
	getTaskEventName    = "board.task.get"
	deleteTaskEventName = "board.task.delete"
	boardEventName      = "board.view"
	moveEventName       = "board.move"
	bulkUpdateEventName = "board.tasks.bulk_update"

	idempotencyHeader = "Idempotency-Key"

	postMoveMaxSize       = 16 << 10
	postTaskMaxSize       = 64 << 10
	postBulkUpdateMaxSize = 1 << 20
)

// Register wires up all API routes on the provided Echo instance. deduper may
// be nil, in which case Idempotency-Key headers are echoed but not enforced.
func Register(e *echo.Echo, store Storage, auth Authenticator, deduper Deduper, sender *UpdateSender, labels domain.Labels, logger *log.Logger) {
	if labels == nil {
		labels = domain.DefaultLabels()
	}
	e.GET(tasksRoute, getTasks(store, auth, logger))
	e.POST(tasksRoute, postTask(store, auth, logger))
	e.GET(taskRoute, getTask(store, auth, logger))
	e.DELETE(taskRoute, deleteTask(store, auth, logger))
	e.GET(boardRoute, getBoard(store, auth, labels, logger))
	e.POST(moveRoute, postMove(store, auth, deduper, sender, labels, logger))
	e.POST(bulkUpdateRoute, postBulkUpdate(store, auth, logger))
	e.GET("/healthz", healthz())
}

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

type columnResponse struct {
	Status domain.Status `json:"status"`
	Label  string        `json:"label"`
	Count  int           `json:"count"`
	Tasks  []domain.Task `json:"tasks"`
}

type boardResponse struct {
	WorkspaceID string           `json:"workspaceId"`
	Columns     []columnResponse `json:"columns"`
	Total       int              `json:"total"`
}

type moveResponse struct {
	Columns        []columnResponse    `json:"columns"`
	Updates        []domain.TaskUpdate `json:"updates"`
	Stale          bool                `json:"stale,omitempty"`
	IdempotencyKey string              `json:"idempotencyKey,omitempty"`
}

type createTaskRequest struct {
	Name        string        `json:"name"`
	Status      domain.Status `json:"status"`
	ProjectID   string        `json:"projectId,omitempty"`
	AssigneeID  string        `json:"assigneeId,omitempty"`
	Description string        `json:"description,omitempty"`
	DueDate     *time.Time    `json:"dueDate,omitempty"`
}

type bulkUpdateRequest struct {
	Tasks []domain.TaskUpdate `json:"tasks"`
}

type bulkUpdateResponse struct {
	Updated int `json:"updated"`
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}
}

// startMetrics opens the request span and swaps the request context so
// storage calls are traced under it.
func startMetrics(c echo.Context, logger *log.Logger, name, route string) (*requestMetrics, context.Context) {
	metrics, ctx := newRequestMetrics(c.Request().Context(), logger, name, route)
	c.SetRequest(c.Request().WithContext(ctx))
	return metrics, ctx
}

// authenticate resolves the caller and the workspace path parameter, writing
// the error response itself when either is missing.
func authenticate(c echo.Context, auth Authenticator, metrics *requestMetrics) (userID, workspaceID string, err error) {
	start := time.Now()
	userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	metrics.ObserveAuth(time.Since(start))
	if authErr != nil {
		metrics.SetErrorStage("auth")
		return "", "", c.String(http.StatusUnauthorized, authErr.Error())
	}
	workspaceID = strings.TrimSpace(c.Param("workspaceId"))
	if workspaceID == "" {
		metrics.SetErrorStage("workspace")
		return "", "", c.String(http.StatusBadRequest, "missing workspace id")
	}
	metrics.SetWorkspace(workspaceID)
	return userID, workspaceID, nil
}

var errBadFilter = errors.New("invalid filter")

// parseFilter reads projectId, assigneeId, status, dueDate and search from
// the query string. dueDate accepts RFC 3339 or a bare YYYY-MM-DD date.
func parseFilter(c echo.Context) (domain.TaskFilter, error) {
	f := domain.TaskFilter{
		ProjectID:  strings.TrimSpace(c.QueryParam("projectId")),
		AssigneeID: strings.TrimSpace(c.QueryParam("assigneeId")),
		Search:     strings.TrimSpace(c.QueryParam("search")),
	}
	if raw := c.QueryParam("status"); strings.TrimSpace(raw) != "" {
		s, err := domain.ParseStatus(raw)
		if err != nil {
			return f, errBadFilter
		}
		f.Status = s
	}
	if raw := strings.TrimSpace(c.QueryParam("dueDate")); raw != "" {
		due, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			due, err = time.Parse(time.DateOnly, raw)
		}
		if err != nil {
			return f, errBadFilter
		}
		f.DueDate = &due
	}
	return f, nil
}

// loadColumns fetches and groups all of a workspace's tasks and returns the
// board together with the view selected by filter.
func loadColumns(ctx context.Context, store Storage, workspaceID string, filter domain.TaskFilter, metrics *requestMetrics) (full, view board.Columns, err error) {
	fetchStart := time.Now()
	tasks, err := store.FetchTasks(ctx, workspaceID)
	metrics.ObserveFetch(time.Since(fetchStart))
	if err != nil {
		metrics.SetErrorStage("fetch")
		return nil, nil, err
	}
	full, err = board.Group(tasks)
	if err != nil {
		metrics.SetErrorStage("group")
		return nil, nil, err
	}
	view = full.Filter(filter)
	metrics.SetTasks(view.Len())
	return full, view, nil
}

func columnsResponse(cols board.Columns, labels domain.Labels) []columnResponse {
	out := make([]columnResponse, 0, len(domain.Statuses()))
	for _, s := range domain.Statuses() {
		tasks := cols[s]
		if tasks == nil {
			tasks = []domain.Task{}
		}
		out = append(out, columnResponse{Status: s, Label: labels.Label(s), Count: len(tasks), Tasks: tasks})
	}
	return out
}

func getTasks(store Storage, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := startMetrics(c, logger, tasksEventName, tasksRoute)
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		_, workspaceID, err := authenticate(c, auth, metrics)
		if err != nil || c.Response().Committed {
			return err
		}
		filter, ferr := parseFilter(c)
		if ferr != nil {
			metrics.SetErrorStage("filter")
			return c.String(http.StatusBadRequest, ferr.Error())
		}

		_, cols, lerr := loadColumns(ctx, store, workspaceID, filter, metrics)
		if lerr != nil {
			logger.WithError(lerr).WithField("workspace_id", workspaceID).Error("load tasks failed")
			return c.String(http.StatusInternalServerError, "failed to load tasks")
		}

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, tasksResponse{Tasks: cols.Flatten()})
		metrics.ObserveEncode(time.Since(encodeStart))
		return err
	}
}

func getBoard(store Storage, auth Authenticator, labels domain.Labels, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := startMetrics(c, logger, boardEventName, boardRoute)
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		_, workspaceID, err := authenticate(c, auth, metrics)
		if err != nil || c.Response().Committed {
			return err
		}
		filter, ferr := parseFilter(c)
		if ferr != nil {
			metrics.SetErrorStage("filter")
			return c.String(http.StatusBadRequest, ferr.Error())
		}

		_, cols, lerr := loadColumns(ctx, store, workspaceID, filter, metrics)
		if lerr != nil {
			logger.WithError(lerr).WithField("workspace_id", workspaceID).Error("load board failed")
			return c.String(http.StatusInternalServerError, "failed to load board")
		}

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, boardResponse{
			WorkspaceID: workspaceID,
			Columns:     columnsResponse(cols, labels),
			Total:       cols.Len(),
		})
		metrics.ObserveEncode(time.Since(encodeStart))
		return err
	}
}

func postMove(store Storage, auth Authenticator, deduper Deduper, sender *UpdateSender, labels domain.Labels, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := startMetrics(c, logger, moveEventName, moveRoute)
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		userID, workspaceID, err := authenticate(c, auth, metrics)
		if err != nil || c.Response().Committed {
			return err
		}

		dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, postMoveMaxSize))
		dec.DisallowUnknownFields()
		var mv domain.Move
		if derr := dec.Decode(&mv); derr != nil {
			metrics.SetErrorStage("decode")
			return c.String(http.StatusBadRequest, "invalid body")
		}
		filter, ferr := parseFilter(c)
		if ferr != nil {
			metrics.SetErrorStage("filter")
			return c.String(http.StatusBadRequest, ferr.Error())
		}

		scope := dedupeScope(userID, workspaceID)
		key := strings.TrimSpace(c.Request().Header.Get(idempotencyHeader))
		claimed := ""
		if key == "" {
			key = uuid.NewString()
		} else if deduper != nil {
			added, derr := deduper.Add(ctx, scope, key)
			switch {
			case derr != nil:
				logger.WithError(derr).WithField("workspace_id", workspaceID).Warn("idempotency check unavailable")
			case !added:
				metrics.SetErrorStage("duplicate")
				return c.String(http.StatusConflict, "duplicate move")
			default:
				claimed = key
			}
		}
		release := func() {
			if claimed == "" {
				return
			}
			if rerr := deduper.Remove(context.Background(), scope, claimed); rerr != nil {
				logger.Errorf("dedupe rollback failed, err: %v, key: %s, scope: %s", rerr, claimed, scope)
			}
		}

		full, view, lerr := loadColumns(ctx, store, workspaceID, filter, metrics)
		if lerr != nil {
			release()
			logger.WithError(lerr).WithField("workspace_id", workspaceID).Error("load board failed")
			return c.String(http.StatusInternalServerError, "failed to load board")
		}

		// Indexes address the filtered view; hidden tasks are renumbered
		// along with the visible ones.
		applyStart := time.Now()
		projected, aerr := board.Project(full, view, mv)
		var res board.Result
		if aerr == nil {
			res, aerr = board.Apply(full, projected)
		}
		metrics.ObserveApply(time.Since(applyStart))
		switch {
		case errors.Is(aerr, board.ErrStaleMove):
			release()
			metrics.SetStale(true)
			logger.WithError(aerr).WithFields(log.Fields{
				"workspace_id": workspaceID,
				"task_id":      mv.TaskID,
			}).Warn("stale move ignored")
			return c.JSON(http.StatusOK, moveResponse{
				Columns:        columnsResponse(view, labels),
				Updates:        []domain.TaskUpdate{},
				Stale:          true,
				IdempotencyKey: key,
			})
		case aerr != nil:
			release()
			metrics.SetErrorStage("apply")
			return c.String(http.StatusBadRequest, aerr.Error())
		}

		if !res.Moved() {
			release()
			return c.JSON(http.StatusOK, moveResponse{
				Columns:        columnsResponse(view, labels),
				Updates:        []domain.TaskUpdate{},
				IdempotencyKey: key,
			})
		}
		resp := moveResponse{
			Columns:        columnsResponse(res.Columns.Filter(filter), labels),
			Updates:        res.Updates,
			IdempotencyKey: key,
		}
		metrics.SetUpdates(len(res.Updates))

		job := updateJob{workspaceID: workspaceID, updates: res.Updates, scope: scope, key: claimed}
		queued, serr := sender.Submit(ctx, job)
		if serr != nil {
			release()
			metrics.SetErrorStage("persist")
			logger.WithError(serr).WithField("workspace_id", workspaceID).Error("persist move inline failed")
			return c.String(http.StatusInternalServerError, "failed to persist move")
		}
		if !queued {
			logger.WithField("workspace_id", workspaceID).Warn("update buffer saturated; persisted inline")
		}
		return c.JSON(http.StatusAccepted, resp)
	}
}

func postBulkUpdate(store Storage, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := startMetrics(c, logger, bulkUpdateEventName, bulkUpdateRoute)
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		_, workspaceID, err := authenticate(c, auth, metrics)
		if err != nil || c.Response().Committed {
			return err
		}

		dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, postBulkUpdateMaxSize))
		dec.DisallowUnknownFields()
		var req bulkUpdateRequest
		if derr := dec.Decode(&req); derr != nil {
			metrics.SetErrorStage("decode")
			return c.String(http.StatusBadRequest, "invalid body")
		}
		seen := make(map[string]struct{}, len(req.Tasks))
		for _, u := range req.Tasks {
			if strings.TrimSpace(u.ID) == "" || u.Position < 0 {
				metrics.SetErrorStage("validate")
				return c.String(http.StatusBadRequest, "invalid task update")
			}
			if _, dup := seen[u.ID]; dup {
				metrics.SetErrorStage("validate")
				return c.String(http.StatusBadRequest, "duplicate task id "+u.ID)
			}
			seen[u.ID] = struct{}{}
		}
		metrics.SetUpdates(len(req.Tasks))
		if len(req.Tasks) == 0 {
			return c.JSON(http.StatusOK, bulkUpdateResponse{})
		}

		if uerr := store.BulkUpdateTasks(ctx, workspaceID, req.Tasks); uerr != nil {
			if errors.Is(uerr, storage.ErrTaskNotFound) {
				metrics.SetErrorStage("not_found")
				return c.String(http.StatusNotFound, "task not found")
			}
			metrics.SetErrorStage("persist")
			logger.WithError(uerr).WithField("workspace_id", workspaceID).Error("bulk update failed")
			return c.String(http.StatusInternalServerError, "failed to update tasks")
		}
		return c.JSON(http.StatusOK, bulkUpdateResponse{Updated: len(req.Tasks)})
	}
}

// postTask appends a new task to the bottom of its column.
func postTask(store Storage, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := startMetrics(c, logger, createTaskEventName, tasksRoute)
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		_, workspaceID, err := authenticate(c, auth, metrics)
		if err != nil || c.Response().Committed {
			return err
		}

		dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, postTaskMaxSize))
		dec.DisallowUnknownFields()
		var req createTaskRequest
		if derr := dec.Decode(&req); derr != nil {
			metrics.SetErrorStage("decode")
			return c.String(http.StatusBadRequest, "invalid body")
		}
		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" || !req.Status.Valid() {
			metrics.SetErrorStage("validate")
			return c.String(http.StatusBadRequest, "name and status are required")
		}

		full, _, lerr := loadColumns(ctx, store, workspaceID, domain.TaskFilter{}, metrics)
		if lerr != nil {
			logger.WithError(lerr).WithField("workspace_id", workspaceID).Error("load board failed")
			return c.String(http.StatusInternalServerError, "failed to load board")
		}

		task := domain.Task{
			ID:          uuid.NewString(),
			Name:        req.Name,
			WorkspaceID: workspaceID,
			ProjectID:   req.ProjectID,
			AssigneeID:  req.AssigneeID,
			Description: req.Description,
			DueDate:     req.DueDate,
			Status:      req.Status,
			Position:    board.AppendPosition(full[req.Status]),
		}
		if cerr := store.CreateTask(ctx, task); cerr != nil {
			metrics.SetErrorStage("persist")
			logger.WithError(cerr).WithField("workspace_id", workspaceID).Error("create task failed")
			return c.String(http.StatusInternalServerError, "failed to create task")
		}
		metrics.SetUpdates(1)
		return c.JSON(http.StatusCreated, task)
	}
}

func getTask(store Storage, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := startMetrics(c, logger, getTaskEventName, taskRoute)
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		_, workspaceID, err := authenticate(c, auth, metrics)
		if err != nil || c.Response().Committed {
			return err
		}

		fetchStart := time.Now()
		task, gerr := store.GetTask(ctx, workspaceID, c.Param("taskId"))
		metrics.ObserveFetch(time.Since(fetchStart))
		switch {
		case errors.Is(gerr, storage.ErrTaskNotFound):
			metrics.SetErrorStage("not_found")
			return c.String(http.StatusNotFound, "task not found")
		case gerr != nil:
			metrics.SetErrorStage("fetch")
			logger.WithError(gerr).WithField("workspace_id", workspaceID).Error("load task failed")
			return c.String(http.StatusInternalServerError, "failed to load task")
		}
		metrics.SetTasks(1)
		return c.JSON(http.StatusOK, task)
	}
}

func deleteTask(store Storage, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := startMetrics(c, logger, deleteTaskEventName, taskRoute)
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		_, workspaceID, err := authenticate(c, auth, metrics)
		if err != nil || c.Response().Committed {
			return err
		}

		derr := store.DeleteTask(ctx, workspaceID, c.Param("taskId"))
		switch {
		case errors.Is(derr, storage.ErrTaskNotFound):
			metrics.SetErrorStage("not_found")
			return c.String(http.StatusNotFound, "task not found")
		case derr != nil:
			metrics.SetErrorStage("persist")
			logger.WithError(derr).WithField("workspace_id", workspaceID).Error("delete task failed")
			return c.String(http.StatusInternalServerError, "failed to delete task")
		}
		metrics.SetUpdates(1)
		return c.NoContent(http.StatusNoContent)
	}
}
