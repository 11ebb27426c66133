package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sunshow/crmflow/internal/db"
	"github.com/sunshow/crmflow/internal/engine"
	"github.com/sunshow/crmflow/internal/metrics"
)

// Engine is the task queue surface a worker drives
type Engine interface {
	GetPendingTasks(ctx context.Context, queue string, limit int, workerID string) ([]*db.WorkflowTask, error)
	LockTask(ctx context.Context, taskID, workerID string, lockDuration time.Duration) (bool, error)
	CompleteLockedTask(ctx context.Context, taskID, workerID string, output *string) error
	FailLockedTask(ctx context.Context, taskID, workerID, errMsg string) error
	ReleaseTask(ctx context.Context, taskID, workerID string) error
	CancelTask(ctx context.Context, taskID, reason string) error
	GetInstance(ctx context.Context, id string) (*db.WorkflowInstance, error)
}

// Config tunes a worker
type Config struct {
	Queue        string
	BatchSize    int
	Concurrency  int
	LockDuration time.Duration
	PollInterval time.Duration
	ErrorBackoff time.Duration
}

func (c *Config) withDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.LockDuration <= 0 {
		c.LockDuration = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = time.Second
	}
}

// Worker polls one queue, locks due tasks and runs them through its handler
type Worker struct {
	id      string
	cfg     Config
	engine  Engine
	handler Handler
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger
}

// New creates a worker for cfg.Queue
func New(cfg Config, eng Engine, handler Handler, m *metrics.Metrics, logger *zap.SugaredLogger) *Worker {
	cfg.withDefaults()
	return &Worker{
		id:      fmt.Sprintf("worker-%s-%s", cfg.Queue, uuid.New().String()[:8]),
		cfg:     cfg,
		engine:  eng,
		handler: handler,
		metrics: m,
		logger:  logger,
	}
}

// ID returns the lock owner identity of the worker
func (w *Worker) ID() string {
	return w.id
}

// Run polls until ctx is cancelled
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Infow("Starting worker loop", "worker_id", w.id, "queue", w.cfg.Queue)
	for {
		n, err := w.Poll(ctx)
		wait := time.Duration(0)
		switch {
		case err != nil && ctx.Err() == nil:
			w.logger.Errorw("Failed to poll tasks", "queue", w.cfg.Queue, "error", err)
			wait = w.cfg.ErrorBackoff
		case n == 0:
			wait = w.cfg.PollInterval
		}

		select {
		case <-ctx.Done():
			w.logger.Infow("Worker loop stopped", "worker_id", w.id)
			return nil
		case <-time.After(wait):
		}
	}
}

// Poll runs one round: fetch a batch of due tasks and process those this
// worker manages to lock. It returns the number of tasks processed.
func (w *Worker) Poll(ctx context.Context) (int, error) {
	tasks, err := w.engine.GetPendingTasks(ctx, w.cfg.Queue, w.cfg.BatchSize, w.id)
	if err != nil {
		return 0, fmt.Errorf("get pending tasks: %w", err)
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	processed := make([]bool, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for i, task := range tasks {
		g.Go(func() error {
			ok, err := w.process(gctx, task)
			processed[i] = ok
			return err
		})
	}
	err = g.Wait()

	n := 0
	for _, ok := range processed {
		if ok {
			n++
		}
	}
	return n, err
}

// process locks and executes one task. Losing the lock race is not an error.
func (w *Worker) process(ctx context.Context, task *db.WorkflowTask) (bool, error) {
	locked, err := w.engine.LockTask(ctx, task.ID, w.id, w.cfg.LockDuration)
	if err != nil {
		return false, fmt.Errorf("lock task %s: %w", task.ID, err)
	}
	if !locked {
		return false, nil
	}

	inst, err := w.engine.GetInstance(ctx, task.InstanceID)
	if err != nil {
		w.release(ctx, task)
		return false, fmt.Errorf("get instance %s: %w", task.InstanceID, err)
	}

	// cancel and pause only touch idle tasks; a worker holding a lock backs off here
	switch {
	case inst.Status.Terminal():
		if err := w.engine.CancelTask(ctx, task.ID, fmt.Sprintf("instance %s", inst.Status)); err != nil {
			return false, fmt.Errorf("cancel task %s: %w", task.ID, err)
		}
		return true, nil
	case inst.Status == db.InstancePaused:
		w.release(ctx, task)
		return false, nil
	}

	w.logger.Infow("Acquired task",
		"task_id", task.ID,
		"instance_id", task.InstanceID,
		"node_id", task.NodeID,
		"queue", w.cfg.Queue,
		"worker_id", w.id,
	)

	start := time.Now()
	output, runErr := w.run(ctx, newJob(task, inst))
	w.metrics.ObserveTask(w.cfg.Queue, runErr == nil, time.Since(start).Seconds())

	if runErr != nil {
		if ctx.Err() != nil {
			// shutting down: hand the task back instead of burning a retry
			w.release(context.WithoutCancel(ctx), task)
			return false, nil
		}
		w.logger.Warnw("Task execution failed",
			"task_id", task.ID,
			"instance_id", task.InstanceID,
			"error", runErr,
		)
		return true, w.fail(ctx, task, runErr.Error())
	}

	var out *string
	if output != nil {
		b, err := json.Marshal(output)
		if err != nil {
			return true, w.failf(ctx, task, "encode output: %v", err)
		}
		s := string(b)
		out = &s
	}
	if err := w.engine.CompleteLockedTask(ctx, task.ID, w.id, out); err != nil {
		if errors.Is(err, engine.ErrInvalidOperation) {
			// instance finished or lock lost while running; the engine cancelled or kept the task
			w.logger.Warnw("Task finished elsewhere", "task_id", task.ID, "error", err)
			return true, nil
		}
		return true, fmt.Errorf("complete task %s: %w", task.ID, err)
	}
	return true, nil
}

// run invokes the handler, turning a panic into a task failure
func (w *Worker) run(ctx context.Context, job *Job) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler.Handle(ctx, job)
}

func (w *Worker) failf(ctx context.Context, task *db.WorkflowTask, format string, args ...any) error {
	return w.fail(ctx, task, fmt.Sprintf(format, args...))
}

func (w *Worker) fail(ctx context.Context, task *db.WorkflowTask, msg string) error {
	if err := w.engine.FailLockedTask(ctx, task.ID, w.id, msg); err != nil {
		if errors.Is(err, engine.ErrInvalidOperation) {
			w.logger.Warnw("Task finished elsewhere", "task_id", task.ID, "error", err)
			return nil
		}
		return fmt.Errorf("fail task %s: %w", task.ID, err)
	}
	return nil
}

func (w *Worker) release(ctx context.Context, task *db.WorkflowTask) {
	if err := w.engine.ReleaseTask(ctx, task.ID, w.id); err != nil {
		w.logger.Warnw("Failed to release task", "task_id", task.ID, "error", err)
	}
}
