package exports

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Task types
const (
	TypeTimelineExport = "timeline:export"
	TypeCleanupOutputs = "exports:cleanup"
)

// Queues served by the worker with their weights
var Queues = map[string]int{
	"critical": 6,
	"default":  3,
	"low":      1,
}

// ExportPayload identifies the export a task renders. The request itself is
// read from the store so a cancelled export is seen by the worker.
type ExportPayload struct {
	ExportID string `json:"exportId"`
}

// Enqueuer schedules export tasks
type Enqueuer interface {
	EnqueueExport(payload ExportPayload, queue string) error
}

// QueueClient handles export queue operations
type QueueClient struct {
	client  *asynq.Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewQueueClient creates a new queue client. The task timeout leaves headroom
// over the export timeout for staging and storage.
func NewQueueClient(opt asynq.RedisConnOpt, exportTimeout time.Duration, logger *zap.Logger) *QueueClient {
	return &QueueClient{
		client:  asynq.NewClient(opt),
		timeout: exportTimeout + 5*time.Minute,
		logger:  logger,
	}
}

// Close closes the queue client
func (q *QueueClient) Close() error {
	return q.client.Close()
}

// NewExportTask builds a timeline export task
func NewExportTask(payload ExportPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeTimelineExport, data), nil
}

// EnqueueExport queues a timeline export on the named queue
func (q *QueueClient) EnqueueExport(payload ExportPayload, queue string) error {
	task, err := NewExportTask(payload)
	if err != nil {
		return err
	}

	opts := []asynq.Option{
		asynq.MaxRetry(2),
		asynq.Timeout(q.timeout),
		asynq.Queue(queue),
		asynq.TaskID(payload.ExportID),
	}

	info, err := q.client.Enqueue(task, opts...)
	if err != nil {
		q.logger.Error("Failed to enqueue timeline export", zap.Error(err), zap.String("export_id", payload.ExportID))
		return err
	}

	q.logger.Info("Timeline export enqueued",
		zap.String("task_id", info.ID),
		zap.String("export_id", payload.ExportID),
		zap.String("queue", info.Queue),
	)
	return nil
}

// Schedule registers periodic output cleanup on scheduler
func Schedule(scheduler *asynq.Scheduler) error {
	_, err := scheduler.Register("@hourly", asynq.NewTask(TypeCleanupOutputs, nil),
		asynq.Queue("low"),
		asynq.MaxRetry(1),
	)
	return err
}
