package main

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"board-api/domain"
	"board-api/storage"
)

type eventSource interface {
	DequeueBoardEvent(ctx context.Context) (*storage.QueuedEvent, error)
	DeleteMessage(ctx context.Context, id, receipt string) error
}

type cacheRefresher interface {
	Refresh(ctx context.Context, workspaceID string) ([]domain.Task, error)
}

// boardNotification is published to subscribers after a workspace's cached
// board has been rebuilt.
type boardNotification struct {
	domain.BoardEvent
	TaskCount int `json:"taskCount"`
}

type refresher struct {
	events        eventSource
	cache         cacheRefresher
	rc            *redis.Client
	channelPrefix string
	idle          time.Duration
	log           *log.Logger
}

func boardChannel(prefix, workspaceID string) string {
	return prefix + ":" + workspaceID
}

// processEvent rebuilds the cached task list and notifies the workspace's
// channel. A publish failure is logged but does not fail the event.
func (r *refresher) processEvent(ctx context.Context, ev domain.BoardEvent) error {
	if ev.WorkspaceID == "" {
		return errors.New("board event without workspace")
	}
	tasks, err := r.cache.Refresh(ctx, ev.WorkspaceID)
	if err != nil {
		return err
	}

	payload, err := sonic.Marshal(boardNotification{BoardEvent: ev, TaskCount: len(tasks)})
	if err != nil {
		return err
	}
	channel := boardChannel(r.channelPrefix, ev.WorkspaceID)
	if err := r.rc.Publish(ctx, channel, payload).Err(); err != nil {
		r.log.Errorf("Unable to publish board refresh for %s to %s: %v", ev.WorkspaceID, channel, err)
	}
	return nil
}

// pollOnce handles at most one queued event. It reports whether a message
// was received. Messages that cannot be decoded are dropped; messages whose
// processing fails stay on the queue until their visibility timeout lapses.
func (r *refresher) pollOnce(ctx context.Context) (bool, error) {
	q, err := r.events.DequeueBoardEvent(ctx)
	if q == nil {
		return false, err
	}
	entry := r.log.WithField("message_id", q.MessageID)
	if err != nil {
		entry.WithError(err).Warn("dropping malformed board event")
		return true, r.events.DeleteMessage(ctx, q.MessageID, q.PopReceipt)
	}

	entry = entry.WithFields(log.Fields{"workspace_id": q.Event.WorkspaceID, "event_id": q.Event.ID})
	if err := r.processEvent(ctx, q.Event); err != nil {
		entry.WithError(err).Error("board refresh failed")
		return true, nil
	}
	entry.Debug("board refreshed")
	return true, r.events.DeleteMessage(ctx, q.MessageID, q.PopReceipt)
}

// run polls until ctx is cancelled, sleeping for r.idle when the queue is
// empty or unreachable.
func (r *refresher) run(ctx context.Context) {
	for ctx.Err() == nil {
		got, err := r.pollOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.log.Errorf("receive: %v", err)
		}
		if got && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(r.idle):
		}
	}
}
