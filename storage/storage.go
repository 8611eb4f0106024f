package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"board-api/domain"
)

// maxTransactionActions is the Table service limit for one entity group transaction.
const maxTransactionActions = 100

var (
	// ErrTaskNotFound is returned when a task or a bulk update references a
	// task that is not stored in the workspace.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskExists is returned when a created task collides with a stored one.
	ErrTaskExists = errors.New("task already exists")
)

var retryStatusCodes = []int{408, 429, 500, 502, 503, 504}

// Storage provides access to the tasks table and the board events queue.
type Storage struct {
	taskTable   *aztables.Client
	eventsQueue *azqueue.QueueClient
	pageSize    int32
	now         func() time.Time
	log         *log.Logger
}

// New creates a Storage instance from the given connection string. An empty
// eventsQueue disables board event publication.
func New(connStr, tasksTable, eventsQueue string, pageSize int) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   retryStatusCodes,
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	s := &Storage{taskTable: svc.NewClient(tasksTable), now: time.Now, log: log.StandardLogger()}
	if pageSize > 0 {
		s.pageSize = int32(pageSize)
	}
	if eventsQueue == "" {
		return s, nil
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   retryStatusCodes,
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, eventsQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	s.eventsQueue = q
	return s, nil
}

type taskEntity struct {
	aztables.Entity
	Name        string `json:"Name"`
	ProjectID   string `json:"ProjectId"`
	AssigneeID  string `json:"AssigneeId"`
	Description string `json:"Description"`
	DueDate     string `json:"DueDate"`
	Status      string `json:"Status"`
	Position    int    `json:"Position"`
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	status, err := domain.ParseStatus(ent.Status)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task %s: %w", ent.RowKey, err)
	}
	t := domain.Task{
		ID:          ent.RowKey,
		Name:        ent.Name,
		WorkspaceID: ent.PartitionKey,
		ProjectID:   ent.ProjectID,
		AssigneeID:  ent.AssigneeID,
		Description: ent.Description,
		Status:      status,
		Position:    ent.Position,
	}
	if ent.DueDate != "" {
		due, err := time.Parse(time.RFC3339, ent.DueDate)
		if err != nil {
			return domain.Task{}, fmt.Errorf("task %s: due date: %w", ent.RowKey, err)
		}
		t.DueDate = &due
	}
	return t, nil
}

type newTaskEntity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	Name         string `json:"Name"`
	ProjectID    string `json:"ProjectId,omitempty"`
	AssigneeID   string `json:"AssigneeId,omitempty"`
	Description  string `json:"Description,omitempty"`
	DueDate      string `json:"DueDate,omitempty"`
	Status       string `json:"Status"`
	Position     int    `json:"Position"`
	PositionType string `json:"Position@odata.type"`
}

func encodeTaskEntity(t domain.Task) ([]byte, error) {
	if t.WorkspaceID == "" || t.ID == "" {
		return nil, errors.New("task entity requires workspace and id")
	}
	if !t.Status.Valid() {
		return nil, fmt.Errorf("task %s: %w: %q", t.ID, domain.ErrUnknownStatus, string(t.Status))
	}
	ent := newTaskEntity{
		PartitionKey: t.WorkspaceID,
		RowKey:       t.ID,
		Name:         t.Name,
		ProjectID:    t.ProjectID,
		AssigneeID:   t.AssigneeID,
		Description:  t.Description,
		Status:       string(t.Status),
		Position:     t.Position,
		PositionType: "Edm.Int32",
	}
	if t.DueDate != nil {
		ent.DueDate = t.DueDate.UTC().Format(time.RFC3339)
	}
	return json.Marshal(ent)
}

// partitionFilter builds an OData filter selecting one workspace partition.
func partitionFilter(workspaceID string) string {
	return "PartitionKey eq '" + strings.ReplaceAll(workspaceID, "'", "''") + "'"
}

// FetchTasks retrieves all tasks of the provided workspace.
func (s *Storage) FetchTasks(ctx context.Context, workspaceID string) ([]domain.Task, error) {
	filter := partitionFilter(workspaceID)
	opts := &aztables.ListEntitiesOptions{Filter: &filter}
	if s.pageSize > 0 {
		top := s.pageSize
		opts.Top = &top
	}
	pager := s.taskTable.NewListEntitiesPager(opts)
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			t, err := decodeTaskEntity(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

type taskPositionUpdate struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	Status       string `json:"Status"`
	Position     int    `json:"Position"`
	PositionType string `json:"Position@odata.type"`
}

// BulkUpdateTasks merges status and position of the given tasks. Updates are
// submitted as entity group transactions of at most 100 actions; a batch
// either applies fully or not at all. Once every batch committed a board
// event is published; a failed publish is logged and does not fail the call.
func (s *Storage) BulkUpdateTasks(ctx context.Context, workspaceID string, updates []domain.TaskUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	actions, err := updateActions(workspaceID, updates)
	if err != nil {
		return err
	}
	for _, batch := range batches(actions, maxTransactionActions) {
		if _, err := s.taskTable.SubmitTransaction(ctx, batch, nil); err != nil {
			if isStatus(err, http.StatusNotFound) {
				return fmt.Errorf("workspace %s: %w", workspaceID, ErrTaskNotFound)
			}
			return err
		}
	}

	taskIDs := make([]string, len(updates))
	for i, u := range updates {
		taskIDs[i] = u.ID
	}
	s.announce(ctx, workspaceID, domain.EventTasksReordered, taskIDs)
	return nil
}

// CreateTask inserts t into its workspace partition.
func (s *Storage) CreateTask(ctx context.Context, t domain.Task) error {
	data, err := encodeTaskEntity(t)
	if err != nil {
		return err
	}
	if _, err := s.taskTable.AddEntity(ctx, data, nil); err != nil {
		if isStatus(err, http.StatusConflict) {
			return fmt.Errorf("task %s: %w", t.ID, ErrTaskExists)
		}
		return err
	}
	s.announce(ctx, t.WorkspaceID, domain.EventTaskCreated, []string{t.ID})
	return nil
}

// GetTask loads a single task of the workspace.
func (s *Storage) GetTask(ctx context.Context, workspaceID, taskID string) (domain.Task, error) {
	resp, err := s.taskTable.GetEntity(ctx, workspaceID, taskID, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return domain.Task{}, fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
		}
		return domain.Task{}, err
	}
	return decodeTaskEntity(resp.Value)
}

// DeleteTask removes a task regardless of its ETag.
func (s *Storage) DeleteTask(ctx context.Context, workspaceID, taskID string) error {
	etag := azcore.ETagAny
	if _, err := s.taskTable.DeleteEntity(ctx, workspaceID, taskID, &aztables.DeleteEntityOptions{IfMatch: &etag}); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
		}
		return err
	}
	s.announce(ctx, workspaceID, domain.EventTaskDeleted, []string{taskID})
	return nil
}

// announce publishes a board event after a committed write. Publish failures
// are logged only.
func (s *Storage) announce(ctx context.Context, workspaceID, typ string, taskIDs []string) {
	ev := domain.BoardEvent{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Type:        typ,
		TaskIDs:     taskIDs,
		Timestamp:   s.now().UnixNano(),
	}
	if err := s.PublishBoardEvent(ctx, ev); err != nil {
		s.log.WithError(err).WithFields(log.Fields{
			"workspace_id": workspaceID,
			"event_id":     ev.ID,
			"event_type":   typ,
		}).Warn("board event publish failed")
	}
}

func isStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}

func batches(actions []aztables.TransactionAction, size int) [][]aztables.TransactionAction {
	out := make([][]aztables.TransactionAction, 0, (len(actions)+size-1)/size)
	for start := 0; start < len(actions); start += size {
		out = append(out, actions[start:min(start+size, len(actions))])
	}
	return out
}

func updateActions(workspaceID string, updates []domain.TaskUpdate) ([]aztables.TransactionAction, error) {
	etag := azcore.ETagAny
	actions := make([]aztables.TransactionAction, 0, len(updates))
	for _, u := range updates {
		if !u.Status.Valid() {
			return nil, fmt.Errorf("task %s: %w: %q", u.ID, domain.ErrUnknownStatus, string(u.Status))
		}
		payload, err := json.Marshal(taskPositionUpdate{
			PartitionKey: workspaceID,
			RowKey:       u.ID,
			Status:       string(u.Status),
			Position:     u.Position,
			PositionType: "Edm.Int32",
		})
		if err != nil {
			return nil, err
		}
		actions = append(actions, aztables.TransactionAction{
			ActionType: aztables.TransactionTypeUpdateMerge,
			Entity:     payload,
			IfMatch:    &etag,
		})
	}
	return actions, nil
}

// PublishBoardEvent sends ev to the board events queue. It is a no-op when no
// queue is configured.
func (s *Storage) PublishBoardEvent(ctx context.Context, ev domain.BoardEvent) error {
	if s.eventsQueue == nil {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.eventsQueue.EnqueueMessage(ctx, string(data), nil)
	return err
}

// QueuedEvent is a board event together with the receipt needed to delete it.
type QueuedEvent struct {
	Event      domain.BoardEvent
	MessageID  string
	PopReceipt string
}

// DequeueBoardEvent retrieves a single message from the events queue. It
// returns nil when the queue is empty.
func (s *Storage) DequeueBoardEvent(ctx context.Context) (*QueuedEvent, error) {
	if s.eventsQueue == nil {
		return nil, errors.New("board events queue not configured")
	}
	resp, err := s.eventsQueue.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	return queuedEventFrom(resp.Messages[0])
}

// queuedEventFrom decodes a dequeued message. A message carrying an id and a
// receipt is always returned, together with any decode error, so the caller
// can drop it.
func queuedEventFrom(msg *azqueue.DequeuedMessage) (*QueuedEvent, error) {
	if msg == nil || msg.MessageID == nil || msg.PopReceipt == nil {
		return nil, errors.New("queue message without id or receipt")
	}
	q := &QueuedEvent{MessageID: *msg.MessageID, PopReceipt: *msg.PopReceipt}
	if msg.MessageText == nil {
		return q, fmt.Errorf("board event %s: empty message", q.MessageID)
	}
	if err := json.Unmarshal([]byte(*msg.MessageText), &q.Event); err != nil {
		return q, fmt.Errorf("decode board event %s: %w", q.MessageID, err)
	}
	return q, nil
}

// DeleteMessage removes a processed message from the events queue.
func (s *Storage) DeleteMessage(ctx context.Context, id, receipt string) error {
	if s.eventsQueue == nil {
		return errors.New("board events queue not configured")
	}
	_, err := s.eventsQueue.DeleteMessage(ctx, id, receipt, nil)
	return err
}
