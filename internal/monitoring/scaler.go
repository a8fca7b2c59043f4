package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/farhan-ahmed1/exportd/internal/config"
	"github.com/farhan-ahmed1/exportd/internal/logger"
)

// ScalingDecision represents a decision to scale workers
type ScalingDecision struct {
	Action       ScalingAction `json:"action"`
	CurrentCount int32         `json:"current_count"`
	DesiredCount int32         `json:"desired_count"`
	Reason       string        `json:"reason,omitempty"`
	Backlog      int64         `json:"backlog"`
	IdleTime     time.Duration `json:"idle_time"`
	Throughput   float64       `json:"throughput"`
	DecisionTime time.Time     `json:"decision_time"`
}

// ScalingAction represents the type of scaling action
type ScalingAction string

const (
	ScaleUp   ScalingAction = "scale_up"
	ScaleDown ScalingAction = "scale_down"
	NoAction  ScalingAction = "no_action"
)

// WorkerController defines the interface for controlling workers
type WorkerController interface {
	// GetWorkerCount returns the current number of active workers
	GetWorkerCount() int32

	// AddWorker spawns a new worker and returns its ID
	AddWorker(ctx context.Context) (string, error)

	// RemoveWorker gracefully shuts down a worker
	RemoveWorker(ctx context.Context, workerID string) error

	// GetIdleWorker returns an idle worker ID if available
	GetIdleWorker() string
}

// AutoScaler resizes the export pool from its backlog and idle time
type AutoScaler struct {
	metrics    *Metrics
	controller WorkerController
	config     config.AutoScalingConfig
	maxWorkers int
	clock      clock.Clock
	logger     *logger.Logger

	mu              sync.RWMutex
	running         bool
	stopChan        chan struct{}
	decisions       []ScalingDecision
	lastScaleUp     time.Time
	lastScaleDown   time.Time
	consecutiveIdle int
	scaleUpCount    int64
	scaleDownCount  int64

	// Cooldown prevents rapid scaling oscillations
	scaleUpCooldown   time.Duration
	scaleDownCooldown time.Duration
}

// ScalerOption configures an AutoScaler
type ScalerOption func(*AutoScaler)

// WithScalerClock sets the clock used for ticks, cooldowns and idle time
func WithScalerClock(c clock.Clock) ScalerOption {
	return func(s *AutoScaler) {
		s.clock = c
	}
}

// WithScalerLogger sets the logger
func WithScalerLogger(l *logger.Logger) ScalerOption {
	return func(s *AutoScaler) {
		s.logger = l
	}
}

// NewAutoScaler creates a new auto-scaler bounded by cfg.MinWorkers and maxWorkers
func NewAutoScaler(metrics *Metrics, controller WorkerController, cfg config.AutoScalingConfig, maxWorkers int, opts ...ScalerOption) *AutoScaler {
	s := &AutoScaler{
		metrics:           metrics,
		controller:        controller,
		config:            cfg,
		maxWorkers:        maxWorkers,
		clock:             clock.New(),
		stopChan:          make(chan struct{}),
		decisions:         make([]ScalingDecision, 0, 100),
		scaleUpCooldown:   30 * time.Second,
		scaleDownCooldown: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Component("autoscaler")
	}
	return s
}

// Start begins the auto-scaling loop
func (s *AutoScaler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("auto-scaler is already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	stop := s.stopChan
	s.mu.Unlock()

	s.logger.Info("Auto-scaler starting", logger.Fields{
		"min_workers": s.config.MinWorkers,
		"max_workers": s.maxWorkers,
		"threshold":   s.config.ScaleUpThreshold,
		"idle_time":   s.config.ScaleDownIdleTime.String(),
		"interval":    s.config.CheckInterval.String(),
	})

	go s.run(ctx, stop)
	return nil
}

// Stop stops the auto-scaling loop
func (s *AutoScaler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	s.logger.Info("Auto-scaler stopping")
	close(s.stopChan)
	s.running = false
}

// run is the main auto-scaling loop
func (s *AutoScaler) run(ctx context.Context, stop <-chan struct{}) {
	ticker := s.clock.Ticker(s.config.CheckInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := s.evaluate(ctx); err != nil {
				s.logger.Error("Scaling evaluation failed", logger.Fields{"error": err})
			}
		}
	}
}

// evaluate samples the backlog and applies a scaling decision
func (s *AutoScaler) evaluate(ctx context.Context) error {
	s.metrics.UpdateBacklog()

	snapshot := s.metrics.Snapshot()
	currentWorkers := s.controller.GetWorkerCount()

	decision := s.decide(snapshot, currentWorkers)
	s.recordDecision(decision)

	if decision.Action != NoAction {
		s.logger.Info("Scaling decision", logger.Fields{
			"action": string(decision.Action),
			"from":   decision.CurrentCount,
			"to":     decision.DesiredCount,
			"reason": decision.Reason,
		})

		if err := s.execute(ctx, decision); err != nil {
			return fmt.Errorf("failed to %s: %w", decision.Action, err)
		}
	}

	return nil
}

// decide determines if scaling is needed based on metrics
func (s *AutoScaler) decide(snapshot MetricsSnapshot, currentWorkers int32) ScalingDecision {
	decision := ScalingDecision{
		Action:       NoAction,
		CurrentCount: currentWorkers,
		DesiredCount: currentWorkers,
		Backlog:      snapshot.Backlog,
		IdleTime:     snapshot.OldestIdleTime,
		Throughput:   snapshot.CurrentThroughput,
		DecisionTime: s.clock.Now(),
	}

	if s.shouldScaleUp(snapshot, currentWorkers) {
		decision.Action = ScaleUp
		decision.DesiredCount = s.calculateScaleUpTarget(snapshot, currentWorkers)
		decision.Reason = fmt.Sprintf("backlog %d exceeds threshold %d",
			snapshot.Backlog, s.config.ScaleUpThreshold)
		return decision
	}

	if s.shouldScaleDown(snapshot, currentWorkers) {
		decision.Action = ScaleDown
		decision.DesiredCount = s.calculateScaleDownTarget(snapshot, currentWorkers)
		decision.Reason = fmt.Sprintf("workers idle for %v (threshold: %v), idle workers: %d/%d",
			snapshot.OldestIdleTime, s.config.ScaleDownIdleTime,
			snapshot.IdleWorkers, currentWorkers)
		return decision
	}

	return decision
}

// shouldScaleUp determines if we should add workers
func (s *AutoScaler) shouldScaleUp(snapshot MetricsSnapshot, currentWorkers int32) bool {
	if currentWorkers >= int32(s.maxWorkers) {
		return false
	}

	if s.clock.Since(s.lastScaleUp) < s.scaleUpCooldown {
		return false
	}

	if snapshot.Backlog > int64(s.config.ScaleUpThreshold) {
		return true
	}

	// Every worker busy and exports waiting
	if snapshot.IdleWorkers == 0 && snapshot.Backlog > 0 {
		return true
	}

	return false
}

// shouldScaleDown determines if we should remove workers
func (s *AutoScaler) shouldScaleDown(snapshot MetricsSnapshot, currentWorkers int32) bool {
	if currentWorkers <= int32(s.config.MinWorkers) {
		return false
	}

	if snapshot.IdleWorkers == 0 {
		s.consecutiveIdle = 0
		return false
	}

	if s.clock.Since(s.lastScaleDown) < s.scaleDownCooldown {
		return false
	}

	if snapshot.OldestIdleTime > s.config.ScaleDownIdleTime.Duration {
		s.consecutiveIdle++
		// Require multiple consecutive checks to avoid flapping
		return s.consecutiveIdle >= 2
	}

	s.consecutiveIdle = 0
	return false
}

// calculateScaleUpTarget determines how many workers to add
func (s *AutoScaler) calculateScaleUpTarget(snapshot MetricsSnapshot, current int32) int32 {
	// One extra worker per threshold's worth of backlog
	per := int64(s.config.ScaleUpThreshold)
	if per < 1 {
		per = 1
	}
	desiredWorkers := current + int32(snapshot.Backlog/per)
	if desiredWorkers <= current {
		desiredWorkers = current + 1
	}

	if desiredWorkers > int32(s.maxWorkers) {
		desiredWorkers = int32(s.maxWorkers)
	}

	// Scale gradually: add at most 50% of current workers at once
	maxIncrease := current/2 + 1
	if desiredWorkers > current+maxIncrease {
		desiredWorkers = current + maxIncrease
	}

	return desiredWorkers
}

// calculateScaleDownTarget determines how many workers to remove
func (s *AutoScaler) calculateScaleDownTarget(snapshot MetricsSnapshot, current int32) int32 {
	desiredWorkers := current - snapshot.IdleWorkers

	if desiredWorkers < int32(s.config.MinWorkers) {
		desiredWorkers = int32(s.config.MinWorkers)
	}

	// Scale gradually: remove at most 25% of current workers at once
	maxDecrease := current / 4
	if maxDecrease < 1 {
		maxDecrease = 1
	}
	if current-desiredWorkers > maxDecrease {
		desiredWorkers = current - maxDecrease
	}

	return desiredWorkers
}

// execute carries out the scaling decision
func (s *AutoScaler) execute(ctx context.Context, decision ScalingDecision) error {
	switch decision.Action {
	case ScaleUp:
		return s.scaleUp(ctx, decision)
	case ScaleDown:
		return s.scaleDown(ctx, decision)
	default:
		return nil
	}
}

// scaleUp adds workers to reach the desired count
func (s *AutoScaler) scaleUp(ctx context.Context, decision ScalingDecision) error {
	workersToAdd := decision.DesiredCount - decision.CurrentCount

	var failed int
	for i := int32(0); i < workersToAdd; i++ {
		workerID, err := s.controller.AddWorker(ctx)
		if err != nil {
			failed++
			s.logger.Warn("Failed to add worker", logger.Fields{"error": err})
			continue
		}
		s.logger.Debug("Added worker", logger.Fields{"worker_id": workerID})
	}

	s.mu.Lock()
	s.lastScaleUp = s.clock.Now()
	s.scaleUpCount++
	s.mu.Unlock()

	if failed > 0 {
		return fmt.Errorf("encountered %d errors while scaling up", failed)
	}
	return nil
}

// scaleDown removes idle workers to reach the desired count
func (s *AutoScaler) scaleDown(ctx context.Context, decision ScalingDecision) error {
	workersToRemove := decision.CurrentCount - decision.DesiredCount

	var failed int
	for i := int32(0); i < workersToRemove; i++ {
		workerID := s.controller.GetIdleWorker()
		if workerID == "" {
			s.logger.Debug("No idle workers available to remove")
			break
		}

		if err := s.controller.RemoveWorker(ctx, workerID); err != nil {
			failed++
			s.logger.Warn("Failed to remove worker", logger.Fields{"worker_id": workerID, "error": err})
			continue
		}
		s.logger.Debug("Removed worker", logger.Fields{"worker_id": workerID})
	}

	s.mu.Lock()
	s.lastScaleDown = s.clock.Now()
	s.scaleDownCount++
	s.consecutiveIdle = 0
	s.mu.Unlock()

	if failed > 0 {
		return fmt.Errorf("encountered %d errors while scaling down", failed)
	}
	return nil
}

// recordDecision stores the decision for history/analysis
func (s *AutoScaler) recordDecision(decision ScalingDecision) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.decisions = append(s.decisions, decision)
	if len(s.decisions) > 100 {
		s.decisions = s.decisions[1:]
	}
}

// GetDecisionHistory returns recent scaling decisions
func (s *AutoScaler) GetDecisionHistory(limit int) []ScalingDecision {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.decisions) {
		limit = len(s.decisions)
	}

	start := len(s.decisions) - limit
	history := make([]ScalingDecision, limit)
	copy(history, s.decisions[start:])
	return history
}

// GetStats returns auto-scaler statistics
func (s *AutoScaler) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]interface{}{
		"running":          s.running,
		"scale_up_count":   s.scaleUpCount,
		"scale_down_count": s.scaleDownCount,
		"last_scale_up":    s.lastScaleUp,
		"last_scale_down":  s.lastScaleDown,
		"decisions_count":  len(s.decisions),
		"consecutive_idle": s.consecutiveIdle,
	}
}
