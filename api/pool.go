package api

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"
	"time"

	"board-api/domain"

	log "github.com/sirupsen/logrus"
)

var errSenderClosed = errors.New("update sender closed")

// UpdateSenderConfig sizes the background pool that persists reorder updates.
type UpdateSenderConfig struct {
	Workers        int
	Buffer         int
	Timeout        time.Duration
	HandoffTimeout time.Duration
}

// UpdateSenderConfigFromEnv reads UPDATE_WORKERS, UPDATE_BUFFER,
// UPDATE_TIMEOUT and UPDATE_HANDOFF_TIMEOUT, falling back to defaults.
func UpdateSenderConfigFromEnv() UpdateSenderConfig {
	return UpdateSenderConfig{
		Workers:        envInt("UPDATE_WORKERS", 16),
		Buffer:         envInt("UPDATE_BUFFER", 1024),
		Timeout:        envDur("UPDATE_TIMEOUT", 30*time.Second),
		HandoffTimeout: envDur("UPDATE_HANDOFF_TIMEOUT", 15*time.Millisecond),
	}
}

type updateJob struct {
	workspaceID string
	updates     []domain.TaskUpdate
	scope       string
	key         string // idempotency key to release when persisting fails
}

// UpdateSender persists board updates on a bounded worker pool. When the
// pool cannot accept a job in time the update is applied inline.
type UpdateSender struct {
	store   Storage
	deduper Deduper
	log     *log.Logger
	cfg     UpdateSenderConfig

	mu     sync.RWMutex
	jobs   chan updateJob
	closed bool
	wg     sync.WaitGroup
}

func NewUpdateSender(store Storage, deduper Deduper, logger *log.Logger, cfg UpdateSenderConfig) *UpdateSender {
	if logger == nil {
		panic("Logger is not initialized")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	s := &UpdateSender{
		store:   store,
		deduper: deduper,
		log:     logger,
		cfg:     cfg,
		jobs:    make(chan updateJob, cfg.Buffer),
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	logger.Infof("update sender started, workers: %d, buffer: %d, timeout: %v, handoff: %v", cfg.Workers, cfg.Buffer, cfg.Timeout, cfg.HandoffTimeout)
	return s
}

// Submit hands updates to the pool. queued reports whether a worker took the
// job; otherwise the updates were persisted inline and err is the result.
func (s *UpdateSender) Submit(ctx context.Context, job updateJob) (queued bool, err error) {
	if len(job.updates) == 0 {
		return false, nil
	}
	if s.tryEnqueue(job) {
		return true, nil
	}

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return false, errSenderClosed
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return false, s.store.BulkUpdateTasks(ctx, job.workspaceID, job.updates)
}

func (s *UpdateSender) tryEnqueue(job updateJob) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}

	select {
	case s.jobs <- job:
		return true
	default:
	}

	if s.cfg.HandoffTimeout <= 0 {
		return false
	}
	timer := time.NewTimer(s.cfg.HandoffTimeout)
	defer timer.Stop()

	select {
	case s.jobs <- job:
		return true
	case <-timer.C:
		return false
	}
}

func (s *UpdateSender) worker(id int) {
	defer s.wg.Done()
	for j := range s.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		err := s.store.BulkUpdateTasks(ctx, j.workspaceID, j.updates)
		cancel()
		if err == nil {
			continue
		}

		s.log.WithError(err).WithFields(log.Fields{
			"workspace_id": j.workspaceID,
			"updates":      len(j.updates),
			"worker":       id,
		}).Error("board update failed")
		s.release(j)
	}
}

func (s *UpdateSender) release(j updateJob) {
	if j.key == "" || s.deduper == nil {
		return
	}
	if err := s.deduper.Remove(context.Background(), j.scope, j.key); err != nil {
		s.log.Errorf("dedupe rollback failed, err: %v, key: %s, scope: %s", err, j.key, j.scope)
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (s *UpdateSender) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()
	s.wg.Wait()
}

func envInt(name string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(name)); err == nil && v >= 0 {
		return v
	}
	return def
}

func envDur(name string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(name)); err == nil && v >= 0 {
		return v
	}
	return def
}
