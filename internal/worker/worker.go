package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/farhan-ahmed1/exportd/internal/logger"
	"github.com/farhan-ahmed1/exportd/internal/monitoring"
	"github.com/farhan-ahmed1/exportd/internal/storage"
	"github.com/farhan-ahmed1/exportd/internal/task"
)

// storeTimeout bounds each storage call made around an export
const storeTimeout = 5 * time.Second

// Poster hands a callback to the host loop. *loop.Loop satisfies it.
type Poster interface {
	Post(fn func()) error
}

// Worker runs exports from the pool's job channel and posts each
// completion back to the host loop
type Worker struct {
	id            string
	jobs          <-chan *task.ExportTask
	poster        Poster
	storage       storage.Storage
	metrics       *monitoring.Metrics
	storePayloads bool
	onState       func(id string, state WorkerState)
	logger        *logger.Logger

	quit chan struct{}
	done chan struct{}

	mu      sync.RWMutex
	running bool

	// Stats
	exportsSucceeded atomic.Int64
	exportsFailed    atomic.Int64
}

// Config holds worker configuration
type Config struct {
	ID string

	// Persist successful payloads next to the record
	StorePayloads bool

	// Called when the worker switches between idle and busy
	OnStateChange func(id string, state WorkerState)

	Logger *logger.Logger
}

// NewWorker creates a worker reading from jobs. storage and metrics may be nil.
func NewWorker(jobs <-chan *task.ExportTask, poster Poster, store storage.Storage, metrics *monitoring.Metrics, config Config) *Worker {
	if config.ID == "" {
		config.ID = fmt.Sprintf("worker-%d", time.Now().UnixNano())
	}
	l := config.Logger
	if l == nil {
		l = logger.Component("worker")
	}

	return &Worker{
		id:            config.ID,
		jobs:          jobs,
		poster:        poster,
		storage:       store,
		metrics:       metrics,
		storePayloads: config.StorePayloads,
		onState:       config.OnStateChange,
		logger:        l,
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start begins the worker loop
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("worker %s is already running", w.id)
	}
	w.running = true

	w.logger.Debug("Worker starting", logger.Fields{"worker_id": w.id})
	go w.run()
	return nil
}

// run consumes jobs until the channel is closed and drained, or Stop is called
func (w *Worker) run() {
	defer close(w.done)
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	for {
		select {
		case <-w.quit:
			w.logger.Debug("Worker stop signal received", logger.Fields{"worker_id": w.id})
			return
		case t, ok := <-w.jobs:
			if !ok {
				w.logger.Debug("Job channel closed", logger.Fields{"worker_id": w.id})
				return
			}
			w.process(t)
		}
	}
}

// process runs one export and hands the task to the host loop. Everything
// that reads the task's output happens before Post: once posted, the task
// belongs to the loop.
func (w *Worker) process(t *task.ExportTask) {
	w.setState(WorkerStateBusy)
	defer w.setState(WorkerStateIdle)

	if w.metrics != nil {
		w.metrics.MarkWorkerBusy(w.id, t.ID, t.Index)
		w.metrics.RecordExportStarted()
		defer w.metrics.MarkWorkerIdle(w.id)
	}

	started := t.Snapshot()
	started.State = task.StateExecuting
	started.WorkerID = w.id
	w.saveRecord(&started)

	t.Execute()

	rec := t.Snapshot()
	rec.WorkerID = w.id
	duration := rec.FinishedAt.Sub(rec.StartedAt)
	succeeded := rec.State == task.StateSucceeded

	if succeeded && w.storePayloads {
		w.savePayload(t.ID, t.Output())
	}
	w.saveRecord(&rec)

	if succeeded {
		w.exportsSucceeded.Add(1)
		w.logger.Info("Export succeeded", logger.Fields{
			"worker_id":  w.id,
			"task_id":    t.ID,
			"index":      t.Index,
			"size":       rec.Size,
			"elapsed_ms": rec.ElapsedMillis,
		})
	} else {
		w.exportsFailed.Add(1)
		w.logger.Warn("Export failed", logger.Fields{
			"worker_id":  w.id,
			"task_id":    t.ID,
			"index":      t.Index,
			"error":      rec.Error,
			"elapsed_ms": rec.ElapsedMillis,
		})
	}

	if w.metrics != nil {
		if succeeded {
			w.metrics.RecordExportSucceeded(duration, rec.Size)
		} else {
			w.metrics.RecordExportFailed(duration)
		}
		w.metrics.RecordWorkerExport(w.id, duration, succeeded)
	}

	if err := w.poster.Post(t.Complete); err != nil {
		w.logger.Error("Completion could not be delivered", logger.Fields{
			"worker_id": w.id,
			"task_id":   t.ID,
			"error":     err,
		})
	}
}

func (w *Worker) saveRecord(rec *task.Record) {
	if w.storage == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := w.storage.SaveRecord(ctx, rec); err != nil {
		w.logger.Error("Failed to save export record", logger.Fields{
			"worker_id": w.id,
			"task_id":   rec.TaskID,
			"state":     rec.State.String(),
			"error":     err,
		})
	}
}

func (w *Worker) savePayload(taskID string, data []byte) {
	if w.storage == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := w.storage.SavePayload(ctx, taskID, data); err != nil {
		w.logger.Error("Failed to save export payload", logger.Fields{
			"worker_id": w.id,
			"task_id":   taskID,
			"error":     err,
		})
	}
}

func (w *Worker) setState(state WorkerState) {
	if w.onState != nil {
		w.onState(w.id, state)
	}
}

// Stop signals the worker to exit after its current export and waits for it
func (w *Worker) Stop() error {
	return w.Shutdown(context.Background())
}

// Shutdown signals the worker to exit after its current export and waits
// until it has, or until ctx is done
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker %s is not running", w.id)
	}
	w.running = false
	close(w.quit)
	w.mu.Unlock()

	select {
	case <-w.done:
		w.logger.Debug("Worker stopped", logger.Fields{"worker_id": w.id})
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker %s did not stop: %w", w.id, ctx.Err())
	}
}

// Done is closed once the worker loop has exited
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// IsRunning returns whether the worker is currently running
func (w *Worker) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Stats returns worker statistics
func (w *Worker) Stats() (succeeded, failed int64) {
	return w.exportsSucceeded.Load(), w.exportsFailed.Load()
}

// ID returns the worker's unique identifier
func (w *Worker) ID() string {
	return w.id
}
