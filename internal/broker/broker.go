package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/farhan-ahmed1/exportd/internal/logger"
	"github.com/farhan-ahmed1/exportd/internal/loop"
	"github.com/farhan-ahmed1/exportd/internal/monitoring"
	"github.com/farhan-ahmed1/exportd/internal/storage"
	"github.com/farhan-ahmed1/exportd/internal/task"
	"github.com/farhan-ahmed1/exportd/internal/worker"
	"golang.org/x/time/rate"
)

// ExportPool accepts export tasks for background execution. *worker.Pool
// satisfies it.
type ExportPool interface {
	Submit(ctx context.Context, t *task.ExportTask) error
	GetStats() map[string]interface{}
}

// IndexStatus reports an index and the last export delivered for it
type IndexStatus struct {
	Name            string    `json:"name"`
	Delivered       int       `json:"delivered"`
	LastTaskID      string    `json:"last_task_id,omitempty"`
	LastSuccess     bool      `json:"last_success"`
	LastError       string    `json:"last_error,omitempty"`
	LastSize        int       `json:"last_size"`
	LastElapsedMs   int64     `json:"last_elapsed_ms"`
	LastCompletedAt time.Time `json:"last_completed_at,omitempty"`
}

// Broker provides the HTTP API for requesting exports and reading them back
type Broker struct {
	addr     string
	registry *task.Registry
	pool     ExportPool
	loop     *loop.Loop
	storage  storage.Storage
	metrics  *monitoring.Metrics
	scaler   *monitoring.AutoScaler
	limiter  *rate.Limiter
	server   *http.Server
	serverMu sync.RWMutex
	logger   *logger.Logger

	// Owned by the loop: written by completion targets, read through loop.Call
	deliveries map[string]*IndexStatus

	// Shutdown
	done  chan struct{}
	ready chan struct{}
}

// Config holds broker configuration
type Config struct {
	Addr     string // e.g., ":8000"
	Registry *task.Registry
	Pool     ExportPool
	Loop     *loop.Loop

	// Optional
	Storage storage.Storage
	Metrics *monitoring.Metrics
	Scaler  *monitoring.AutoScaler
	Logger  *logger.Logger

	// Submissions per second; zero means unlimited
	SubmitRate  float64
	SubmitBurst int
}

// NewBroker creates a new broker instance
func NewBroker(cfg Config) *Broker {
	if cfg.Addr == "" {
		cfg.Addr = ":8000"
	}

	brokerLogger := cfg.Logger
	if brokerLogger == nil {
		brokerLogger = logger.Component("broker")
	}

	var limiter *rate.Limiter
	if cfg.SubmitRate > 0 {
		burst := cfg.SubmitBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRate), burst)
	}

	return &Broker{
		addr:       cfg.Addr,
		registry:   cfg.Registry,
		pool:       cfg.Pool,
		loop:       cfg.Loop,
		storage:    cfg.Storage,
		metrics:    cfg.Metrics,
		scaler:     cfg.Scaler,
		limiter:    limiter,
		logger:     brokerLogger,
		deliveries: make(map[string]*IndexStatus),
		done:       make(chan struct{}),
		ready:      make(chan struct{}),
	}
}

// Handler returns the API routes wrapped in the broker middleware
func (b *Broker) Handler() http.Handler {
	mux := http.NewServeMux()

	// Export endpoints
	mux.HandleFunc("POST /api/exports", b.handleSubmit)
	mux.HandleFunc("GET /api/exports/{id}", b.handleRecord)
	mux.HandleFunc("GET /api/exports/{id}/data", b.handleData)

	mux.HandleFunc("GET /api/indexes", b.handleIndexes)
	mux.HandleFunc("GET /api/metrics", b.handleMetrics)

	// Health check
	mux.HandleFunc("GET /health", b.handleHealth)

	return b.withLogging(b.withCORS(mux))
}

// Start starts the HTTP server
func (b *Broker) Start() error {
	server := &http.Server{
		Addr:         b.addr,
		Handler:      b.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	b.serverMu.Lock()
	b.server = server
	b.serverMu.Unlock()

	// Signal that broker is ready
	close(b.ready)

	b.logger.Info("Starting broker server", logger.Fields{
		"address": b.addr,
	})
	return server.ListenAndServe()
}

// Ready returns a channel that is closed when the broker is ready
func (b *Broker) Ready() <-chan struct{} {
	return b.ready
}

// Stop gracefully shuts down the broker
func (b *Broker) Stop(ctx context.Context) error {
	close(b.done)

	b.serverMu.RLock()
	server := b.server
	b.serverMu.RUnlock()

	if server == nil {
		return nil
	}

	b.logger.Info("Shutting down broker server", logger.Fields{})
	return server.Shutdown(ctx)
}

type submitRequest struct {
	Index string `json:"index"`
}

// handleSubmit starts an export of the requested index
func (b *Broker) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if b.limiter != nil && !b.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Too many export requests", http.StatusTooManyRequests)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		b.logger.Warn("Failed to decode export request", logger.Fields{
			"error": err.Error(),
		})
		http.Error(w, "Invalid export request", http.StatusBadRequest)
		return
	}
	if req.Index == "" {
		http.Error(w, "Index name required", http.StatusBadRequest)
		return
	}

	t, err := b.registry.NewTask(req.Index, b.recordDelivery(req.Index))
	if err != nil {
		if errors.Is(err, task.ErrUnknownIndex) {
			http.Error(w, "Index not found", http.StatusNotFound)
			return
		}
		b.logger.Error("Failed to create export task", logger.Fields{
			"error": err.Error(),
			"index": req.Index,
		})
		http.Error(w, "Failed to create export", http.StatusInternalServerError)
		return
	}

	if err := b.pool.Submit(r.Context(), t); err != nil {
		b.logger.Error("Failed to submit export", logger.Fields{
			"error":   err.Error(),
			"task_id": t.ID,
			"index":   req.Index,
		})
		http.Error(w, "Export pool unavailable", http.StatusServiceUnavailable)
		return
	}

	b.logger.Info("Export submitted", logger.Fields{
		"task_id": t.ID,
		"index":   req.Index,
	})

	b.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":     t.ID,
		"index":  req.Index,
		"status": "submitted",
	})
}

// recordDelivery returns the completion target for exports of name. It runs
// on the loop, which is the only place deliveries is touched.
func (b *Broker) recordDelivery(name string) task.CompletionFunc {
	return func(res *task.Result) {
		st, ok := b.deliveries[name]
		if !ok {
			st = &IndexStatus{Name: name}
			b.deliveries[name] = st
		}
		st.Delivered++
		st.LastTaskID = res.TaskID
		st.LastSuccess = res.Success
		st.LastError = res.Error
		st.LastSize = len(res.Output)
		st.LastElapsedMs = res.ElapsedMillis
		st.LastCompletedAt = res.CompletedAt

		b.logger.Debug("Export delivered", logger.Fields{
			"task_id": res.TaskID,
			"index":   name,
			"success": res.Success,
		})
	}
}

// handleRecord returns the stored record of an export
func (b *Broker) handleRecord(w http.ResponseWriter, r *http.Request) {
	if b.storage == nil {
		http.Error(w, "Storage not configured", http.StatusServiceUnavailable)
		return
	}

	taskID := r.PathValue("id")
	rec, err := b.storage.GetRecord(r.Context(), taskID)
	if err != nil {
		b.storageError(w, taskID, err)
		return
	}

	b.writeJSON(w, http.StatusOK, rec)
}

// handleData returns the exported bytes
func (b *Broker) handleData(w http.ResponseWriter, r *http.Request) {
	if b.storage == nil {
		http.Error(w, "Storage not configured", http.StatusServiceUnavailable)
		return
	}

	taskID := r.PathValue("id")
	data, err := b.storage.GetPayload(r.Context(), taskID)
	if err != nil {
		b.storageError(w, taskID, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		b.logger.Error("Failed to write payload", logger.Fields{
			"task_id": taskID,
			"error":   err.Error(),
		})
	}
}

func (b *Broker) storageError(w http.ResponseWriter, taskID string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "Export not found", http.StatusNotFound)
		return
	}
	b.logger.Error("Storage lookup failed", logger.Fields{
		"task_id": taskID,
		"error":   err.Error(),
	})
	http.Error(w, "Storage lookup failed", http.StatusInternalServerError)
}

// handleIndexes lists registered indexes with their last delivered export
func (b *Broker) handleIndexes(w http.ResponseWriter, r *http.Request) {
	names := b.registry.Names()
	statuses := make([]IndexStatus, 0, len(names))

	err := b.loop.Call(r.Context(), func() {
		for _, name := range names {
			if st, ok := b.deliveries[name]; ok {
				statuses = append(statuses, *st)
			} else {
				statuses = append(statuses, IndexStatus{Name: name})
			}
		}
	})
	if err != nil {
		b.logger.Warn("Loop did not answer index query", logger.Fields{
			"error": err.Error(),
		})
		http.Error(w, "Loop unavailable", http.StatusServiceUnavailable)
		return
	}

	b.writeJSON(w, http.StatusOK, map[string]interface{}{
		"indexes": statuses,
		"total":   len(statuses),
	})
}

// handleMetrics reports pool, loop, storage and scaler statistics
func (b *Broker) handleMetrics(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"pool": b.pool.GetStats(),
		"loop": map[string]interface{}{
			"pending":   b.loop.Pending(),
			"processed": b.loop.Processed(),
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}

	if b.metrics != nil {
		resp["metrics"] = b.metrics.Snapshot()
	}
	if b.scaler != nil {
		resp["autoscaler"] = b.scaler.GetStats()
	}
	if b.storage != nil {
		stats, err := b.storage.Stats(r.Context())
		if err != nil {
			b.logger.Warn("Failed to read storage stats", logger.Fields{
				"error": err.Error(),
			})
		} else {
			resp["storage"] = stats
		}
	}

	b.writeJSON(w, http.StatusOK, resp)
}

// handleHealth returns health status
func (b *Broker) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	}
	code := http.StatusOK

	if b.storage != nil {
		if err := b.storage.Ping(ctx); err != nil {
			b.logger.Error("Storage health check failed", logger.Fields{
				"error": err.Error(),
			})
			health["status"] = "unhealthy"
			health["storage_error"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}

	select {
	case <-b.loop.Done():
		health["status"] = "unhealthy"
		health["loop_error"] = loop.ErrClosed.Error()
		code = http.StatusServiceUnavailable
	default:
	}

	b.writeJSON(w, code, health)
}

func (b *Broker) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		b.logger.Error("Failed to encode response", logger.Fields{
			"error": err.Error(),
		})
	}
}

// Middleware: withLogging logs all HTTP requests
func (b *Broker) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		b.logger.Debug("HTTP request", logger.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		})
	})
}

// Middleware: withCORS adds CORS headers
func (b *Broker) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ensure the worker pool keeps satisfying the broker contract
var _ ExportPool = (*worker.Pool)(nil)
