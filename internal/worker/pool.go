package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/farhan-ahmed1/exportd/internal/logger"
	"github.com/farhan-ahmed1/exportd/internal/monitoring"
	"github.com/farhan-ahmed1/exportd/internal/storage"
	"github.com/farhan-ahmed1/exportd/internal/task"
)

// ErrPoolClosed is returned by Submit and AddWorker after Shutdown
var ErrPoolClosed = errors.New("worker pool closed")

// Pool manages a dynamic pool of export workers sharing one job queue
type Pool struct {
	poster  Poster
	storage storage.Storage
	metrics *monitoring.Metrics
	logger  *logger.Logger

	// submitMu guards jobs against close while Submit is sending
	submitMu sync.RWMutex
	jobs     chan *task.ExportTask
	closed   bool

	mu           sync.RWMutex
	workers      map[string]*Worker
	workerStates map[string]WorkerState
	nextWorkerID int
	wg           sync.WaitGroup

	// Configuration
	minWorkers      int
	maxWorkers      int
	shutdownTimeout time.Duration
	storePayloads   bool
}

// WorkerState represents the current state of a worker
type WorkerState string

const (
	WorkerStateIdle         WorkerState = "idle"
	WorkerStateBusy         WorkerState = "busy"
	WorkerStateShuttingDown WorkerState = "shutting_down"
)

// PoolConfig holds configuration for the worker pool
type PoolConfig struct {
	MinWorkers      int
	MaxWorkers      int
	QueueSize       int
	ShutdownTimeout time.Duration
	StorePayloads   bool
	Logger          *logger.Logger
}

// NewPool creates a worker pool that posts completions through poster.
// storage and metrics may be nil.
func NewPool(poster Poster, store storage.Storage, metrics *monitoring.Metrics, cfg PoolConfig) *Pool {
	if cfg.MinWorkers < 1 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 64
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	l := cfg.Logger
	if l == nil {
		l = logger.Component("pool")
	}

	return &Pool{
		poster:          poster,
		storage:         store,
		metrics:         metrics,
		logger:          l,
		jobs:            make(chan *task.ExportTask, cfg.QueueSize),
		workers:         make(map[string]*Worker),
		workerStates:    make(map[string]WorkerState),
		minWorkers:      cfg.MinWorkers,
		maxWorkers:      cfg.MaxWorkers,
		shutdownTimeout: cfg.ShutdownTimeout,
		storePayloads:   cfg.StorePayloads,
		nextWorkerID:    1,
	}
}

// Start initializes the pool with minimum workers
func (p *Pool) Start() error {
	p.logger.Info("Pool starting", logger.Fields{
		"min_workers": p.minWorkers,
		"max_workers": p.maxWorkers,
		"queue_size":  cap(p.jobs),
	})

	for i := 0; i < p.minWorkers; i++ {
		if _, err := p.AddWorker(context.Background()); err != nil {
			p.logger.Error("Failed to start initial worker", logger.Fields{"n": i + 1, "error": err})
		}
	}

	if p.GetWorkerCount() == 0 {
		return fmt.Errorf("failed to start any workers")
	}
	return nil
}

// Submit queues t for a worker. It blocks while the queue is full, until
// ctx is done. The pool takes over t: a worker executes it and posts its
// completion to the host loop.
func (p *Pool) Submit(ctx context.Context, t *task.ExportTask) error {
	if t == nil {
		return fmt.Errorf("task cannot be nil")
	}

	p.submitMu.RLock()
	defer p.submitMu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.jobs <- t:
	case <-ctx.Done():
		return fmt.Errorf("failed to submit task %s: %w", t.ID, ctx.Err())
	}

	if p.metrics != nil {
		p.metrics.RecordExportSubmitted()
	}
	p.logger.Debug("Export submitted", logger.Fields{"task_id": t.ID, "index": t.Index})
	return nil
}

// Backlog returns the number of submitted tasks not yet picked up
func (p *Pool) Backlog() int64 {
	return int64(len(p.jobs))
}

// AddWorker spawns a new worker and adds it to the pool
func (p *Pool) AddWorker(ctx context.Context) (string, error) {
	// Held until the worker is tracked, so Shutdown cannot start waiting
	// before wg.Add
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()
	if p.closed {
		return "", ErrPoolClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.workers) >= p.maxWorkers {
		return "", fmt.Errorf("pool at maximum capacity (%d workers)", p.maxWorkers)
	}

	workerID := fmt.Sprintf("worker-%d", p.nextWorkerID)
	p.nextWorkerID++

	worker := NewWorker(p.jobs, p.poster, p.storage, p.metrics, Config{
		ID:            workerID,
		StorePayloads: p.storePayloads,
		OnStateChange: p.updateWorkerState,
		Logger:        p.logger.WithComponent("worker"),
	})

	if err := worker.Start(); err != nil {
		return "", fmt.Errorf("failed to start worker: %w", err)
	}

	p.workers[workerID] = worker
	p.workerStates[workerID] = WorkerStateIdle
	if p.metrics != nil {
		p.metrics.RegisterWorker(workerID)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		<-worker.Done()
	}()

	p.logger.Info("Added worker", logger.Fields{"worker_id": workerID, "total": len(p.workers)})
	return workerID, nil
}

// RemoveWorker stops a worker after its current export and removes it
func (p *Pool) RemoveWorker(ctx context.Context, workerID string) error {
	p.mu.Lock()
	worker, exists := p.workers[workerID]
	if !exists {
		p.mu.Unlock()
		return fmt.Errorf("worker %s not found", workerID)
	}
	if len(p.workers) <= p.minWorkers {
		p.mu.Unlock()
		return fmt.Errorf("pool at minimum capacity (%d workers)", p.minWorkers)
	}
	p.workerStates[workerID] = WorkerStateShuttingDown
	p.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, p.shutdownTimeout)
	defer cancel()

	if err := worker.Shutdown(shutdownCtx); err != nil {
		p.logger.Warn("Worker shutdown error", logger.Fields{"worker_id": workerID, "error": err})
	}

	p.mu.Lock()
	delete(p.workers, workerID)
	delete(p.workerStates, workerID)
	total := len(p.workers)
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.UnregisterWorker(workerID)
	}

	p.logger.Info("Removed worker", logger.Fields{"worker_id": workerID, "total": total})
	return nil
}

// GetWorkerCount returns the current number of workers
func (p *Pool) GetWorkerCount() int32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return int32(len(p.workers))
}

// GetIdleWorker returns an idle worker ID, or empty string if none available.
// With metrics attached the longest-idle worker wins; without them, the
// lowest ID.
func (p *Pool) GetIdleWorker() string {
	var byIdleTime []string
	if p.metrics != nil {
		byIdleTime = p.metrics.IdleWorkers()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, workerID := range byIdleTime {
		if p.workerStates[workerID] == WorkerStateIdle {
			return workerID
		}
	}

	var idle []string
	for workerID, state := range p.workerStates {
		if state == WorkerStateIdle {
			idle = append(idle, workerID)
		}
	}
	if len(idle) == 0 {
		return ""
	}
	sort.Strings(idle)
	return idle[0]
}

// GetWorkerStates returns a snapshot of all worker states
func (p *Pool) GetWorkerStates() map[string]WorkerState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	states := make(map[string]WorkerState, len(p.workerStates))
	for id, state := range p.workerStates {
		states[id] = state
	}
	return states
}

// Shutdown stops accepting tasks, lets the workers drain everything already
// queued, and waits for them. Each drained task still has its completion
// posted, so the host loop must keep running until Shutdown returns.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.submitMu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.submitMu.Unlock()

	p.logger.Info("Pool shutting down", logger.Fields{
		"workers": p.GetWorkerCount(),
		"backlog": p.Backlog(),
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("All workers shut down gracefully")
	case <-ctx.Done():
		p.logger.Warn("Pool shutdown timeout exceeded", logger.Fields{"backlog": p.Backlog()})
		return ctx.Err()
	}

	p.mu.Lock()
	for id := range p.workers {
		if p.metrics != nil {
			p.metrics.UnregisterWorker(id)
		}
	}
	p.workers = make(map[string]*Worker)
	p.workerStates = make(map[string]WorkerState)
	p.mu.Unlock()

	return nil
}

// updateWorkerState records a worker's idle/busy transitions
func (p *Pool) updateWorkerState(workerID string, state WorkerState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if current, exists := p.workerStates[workerID]; exists && current != WorkerStateShuttingDown {
		p.workerStates[workerID] = state
	}
}

// GetStats returns pool statistics
func (p *Pool) GetStats() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	idleCount := 0
	busyCount := 0
	for _, state := range p.workerStates {
		switch state {
		case WorkerStateIdle:
			idleCount++
		case WorkerStateBusy:
			busyCount++
		}
	}

	var succeeded, failed int64
	for _, w := range p.workers {
		s, f := w.Stats()
		succeeded += s
		failed += f
	}

	return map[string]interface{}{
		"total_workers":     len(p.workers),
		"idle_workers":      idleCount,
		"busy_workers":      busyCount,
		"min_workers":       p.minWorkers,
		"max_workers":       p.maxWorkers,
		"backlog":           p.Backlog(),
		"exports_succeeded": succeeded,
		"exports_failed":    failed,
	}
}
