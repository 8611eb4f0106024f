package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"board-api/domain"
)

const (
	streamRoute     = "/api/workspaces/:workspaceId/board/stream"
	streamEventName = "board.stream"
)

// BoardNotifier delivers a signal whenever a workspace's board was refreshed.
// Signals are coalesced: a slow reader sees at most one pending signal.
type BoardNotifier interface {
	Subscribe(ctx context.Context, workspaceID string) (<-chan struct{}, func(), error)
}

// RedisNotifier listens on the "<prefix>:<workspaceId>" channels the board
// refresher publishes to.
type RedisNotifier struct {
	rc     *redis.Client
	prefix string
}

func NewRedisNotifier(rc *redis.Client, prefix string) *RedisNotifier {
	if prefix == "" {
		prefix = "board"
	}
	return &RedisNotifier{rc: rc, prefix: prefix}
}

func (n *RedisNotifier) Subscribe(ctx context.Context, workspaceID string) (<-chan struct{}, func(), error) {
	sub := n.rc.Subscribe(ctx, n.prefix+":"+workspaceID)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgs := sub.Channel()
		for {
			select {
			case <-done:
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}
	return out, stop, nil
}

// RegisterStream adds the server-sent events endpoint that pushes the
// workspace board after every refresh.
func RegisterStream(e *echo.Echo, store Storage, auth Authenticator, notifier BoardNotifier, labels domain.Labels, logger *log.Logger) {
	if labels == nil {
		labels = domain.DefaultLabels()
	}
	e.GET(streamRoute, streamBoard(store, auth, notifier, labels, logger))
}

func streamBoard(store Storage, auth Authenticator, notifier BoardNotifier, labels domain.Labels, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := startMetrics(c, logger, streamEventName, streamRoute)
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		// EventSource cannot set headers, so the token may come as a query parameter.
		if c.Request().Header.Get(echo.HeaderAuthorization) == "" {
			if token := c.QueryParam("token"); token != "" {
				c.Request().Header.Set(echo.HeaderAuthorization, "Bearer "+token)
			}
		}
		_, workspaceID, err := authenticate(c, auth, metrics)
		if err != nil || c.Response().Committed {
			return err
		}
		filter, ferr := parseFilter(c)
		if ferr != nil {
			metrics.SetErrorStage("filter")
			return c.String(http.StatusBadRequest, ferr.Error())
		}

		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		updates, stop, serr := notifier.Subscribe(ctx, workspaceID)
		if serr != nil {
			metrics.SetErrorStage("subscribe")
			logger.WithError(serr).WithField("workspace_id", workspaceID).Error("board subscription failed")
			return c.String(http.StatusServiceUnavailable, "updates unavailable")
		}
		defer stop()

		h := c.Response().Header()
		h.Set(echo.HeaderContentType, "text/event-stream")
		h.Set(echo.HeaderCacheControl, "no-cache")
		h.Set(echo.HeaderConnection, "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		c.Response().WriteHeader(http.StatusOK)

		for {
			_, cols, lerr := loadColumns(ctx, store, workspaceID, filter, metrics)
			if lerr != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.WithError(lerr).WithField("workspace_id", workspaceID).Error("load board failed")
				return nil
			}
			data, merr := sonic.Marshal(boardResponse{
				WorkspaceID: workspaceID,
				Columns:     columnsResponse(cols, labels),
				Total:       cols.Len(),
			})
			if merr != nil {
				return merr
			}
			if werr := writeEvent(c.Response(), "board", data); werr != nil {
				return nil
			}
			flusher.Flush()

			select {
			case <-ctx.Done():
				return nil
			case _, ok := <-updates:
				if !ok {
					return nil
				}
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, data []byte) error {
	frame := make([]byte, 0, len(event)+len(data)+16)
	frame = append(frame, "event: "...)
	frame = append(frame, event...)
	frame = append(frame, "\ndata: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	_, err := w.Write(frame)
	return err
}
