package monitoring

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	maxBacklogSamples    = 100
	maxThroughputSamples = 100
	maxDurationSamples   = 1000
	maxWorkerSamples     = 100

	throughputWindow = 5 * time.Second
)

// BacklogSource reports how many submitted exports are waiting for a worker
type BacklogSource interface {
	Backlog() int64
}

// Metrics collects export statistics for the API and the auto-scaler
type Metrics struct {
	mu    sync.RWMutex
	clock clock.Clock

	// Backlog metrics
	backlog       int64
	backlogHigh   int64 // high water mark
	backlogSeries []BacklogSnapshot
	backlogSource BacklogSource

	// Worker metrics
	activeWorkers  int32
	idleWorkers    int32
	busyWorkers    int32
	workerLastIdle map[string]time.Time

	// Per-worker detailed metrics
	workerStats         map[string]*WorkerStats
	workerCurrentExport map[string]*ExportInfo

	// Export metrics
	exportsSubmitted int64
	exportsSucceeded int64
	exportsFailed    int64
	exportsInFlight  int32
	bytesExported    int64

	// Throughput tracking
	throughputSamples []ThroughputSample
	lastSampleTime    time.Time
	lastSampleTotal   int64

	durations []time.Duration

	startTime time.Time
}

// BacklogSnapshot is a point-in-time backlog measurement
type BacklogSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Depth     int64     `json:"depth"`
}

// ThroughputSample represents a throughput measurement over a time window
type ThroughputSample struct {
	Timestamp     time.Time     `json:"timestamp"`
	ExportsPerSec float64       `json:"exports_per_sec"`
	WindowSize    time.Duration `json:"window_size"`
}

// WorkerStats holds detailed statistics for a single worker
type WorkerStats struct {
	ID               string          `json:"id"`
	State            string          `json:"state"` // "idle" or "busy"
	ExportsSucceeded int64           `json:"exports_succeeded"`
	ExportsFailed    int64           `json:"exports_failed"`
	TotalIdleTime    time.Duration   `json:"total_idle_time"`
	TotalBusyTime    time.Duration   `json:"total_busy_time"`
	LastIdleStart    time.Time       `json:"last_idle_start"`
	LastBusyStart    time.Time       `json:"last_busy_start"`
	Durations        []time.Duration `json:"-"`
	StartTime        time.Time       `json:"start_time"`
}

// ExportInfo describes the export a worker is running
type ExportInfo struct {
	TaskID    string    `json:"task_id"`
	Index     string    `json:"index"`
	StartTime time.Time `json:"start_time"`
}

// MetricsSnapshot provides a point-in-time view of all metrics
type MetricsSnapshot struct {
	Backlog     int64 `json:"backlog"`
	BacklogHigh int64 `json:"backlog_high"`

	ActiveWorkers  int32         `json:"active_workers"`
	IdleWorkers    int32         `json:"idle_workers"`
	BusyWorkers    int32         `json:"busy_workers"`
	OldestIdleTime time.Duration `json:"oldest_idle_time"`

	ExportsSubmitted int64 `json:"exports_submitted"`
	ExportsSucceeded int64 `json:"exports_succeeded"`
	ExportsFailed    int64 `json:"exports_failed"`
	ExportsInFlight  int32 `json:"exports_in_flight"`
	BytesExported    int64 `json:"bytes_exported"`

	CurrentThroughput float64       `json:"current_throughput"`
	AvgThroughput     float64       `json:"avg_throughput"`
	AvgDuration       time.Duration `json:"avg_duration"`
	P95Duration       time.Duration `json:"p95_duration"`
	P99Duration       time.Duration `json:"p99_duration"`

	Uptime      time.Duration `json:"uptime"`
	LastUpdated time.Time     `json:"last_updated"`
}

// NewMetrics creates a metrics collector. A nil clk uses the wall clock;
// a nil source reports a zero backlog.
func NewMetrics(source BacklogSource, clk clock.Clock) *Metrics {
	if clk == nil {
		clk = clock.New()
	}
	now := clk.Now()
	return &Metrics{
		clock:               clk,
		backlogSource:       source,
		startTime:           now,
		lastSampleTime:      now,
		workerLastIdle:      make(map[string]time.Time),
		workerStats:         make(map[string]*WorkerStats),
		workerCurrentExport: make(map[string]*ExportInfo),
		backlogSeries:       make([]BacklogSnapshot, 0, maxBacklogSamples),
		throughputSamples:   make([]ThroughputSample, 0, maxThroughputSamples),
		durations:           make([]time.Duration, 0, maxDurationSamples),
	}
}

// SetBacklogSource attaches the backlog source after construction, for
// callers where the source itself needs the Metrics.
func (m *Metrics) SetBacklogSource(source BacklogSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backlogSource = source
}

// UpdateBacklog samples the backlog source
func (m *Metrics) UpdateBacklog() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var depth int64
	if m.backlogSource != nil {
		depth = m.backlogSource.Backlog()
	}
	now := m.clock.Now()

	atomic.StoreInt64(&m.backlog, depth)
	if depth > m.backlogHigh {
		m.backlogHigh = depth
	}

	m.backlogSeries = append(m.backlogSeries, BacklogSnapshot{Timestamp: now, Depth: depth})
	if len(m.backlogSeries) > maxBacklogSamples {
		m.backlogSeries = m.backlogSeries[1:]
	}

	return depth
}

// GetBacklog returns the last sampled backlog
func (m *Metrics) GetBacklog() int64 {
	return atomic.LoadInt64(&m.backlog)
}

// GetBacklogTrend returns backlog samples taken within duration
func (m *Metrics) GetBacklogTrend(duration time.Duration) []BacklogSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := m.clock.Now().Add(-duration)
	var trend []BacklogSnapshot
	for _, snap := range m.backlogSeries {
		if snap.Timestamp.After(cutoff) {
			trend = append(trend, snap)
		}
	}
	return trend
}

// GetThroughputTrend returns throughput samples within the specified duration
func (m *Metrics) GetThroughputTrend(duration time.Duration) []ThroughputSample {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := m.clock.Now().Add(-duration)
	var trend []ThroughputSample
	for _, sample := range m.throughputSamples {
		if sample.Timestamp.After(cutoff) {
			trend = append(trend, sample)
		}
	}
	return trend
}

// RegisterWorker adds a new worker to tracking
func (m *Metrics) RegisterWorker(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.workerStats[workerID]; exists {
		return
	}

	atomic.AddInt32(&m.activeWorkers, 1)
	atomic.AddInt32(&m.idleWorkers, 1)

	now := m.clock.Now()
	m.workerStats[workerID] = &WorkerStats{
		ID:            workerID,
		State:         "idle",
		LastIdleStart: now,
		StartTime:     now,
		Durations:     make([]time.Duration, 0, maxWorkerSamples),
	}
	m.workerLastIdle[workerID] = now
}

// UnregisterWorker removes a worker from tracking
func (m *Metrics) UnregisterWorker(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.workerStats[workerID]; !exists {
		return
	}

	if _, wasIdle := m.workerLastIdle[workerID]; wasIdle {
		atomic.AddInt32(&m.idleWorkers, -1)
	} else {
		atomic.AddInt32(&m.busyWorkers, -1)
	}
	atomic.AddInt32(&m.activeWorkers, -1)

	delete(m.workerLastIdle, workerID)
	delete(m.workerStats, workerID)
	delete(m.workerCurrentExport, workerID)
}

// MarkWorkerBusy marks a worker as running the given export
func (m *Metrics) MarkWorkerBusy(workerID, taskID, index string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if _, wasIdle := m.workerLastIdle[workerID]; wasIdle {
		if stats, exists := m.workerStats[workerID]; exists {
			stats.TotalIdleTime += now.Sub(stats.LastIdleStart)
			stats.State = "busy"
			stats.LastBusyStart = now
		}

		delete(m.workerLastIdle, workerID)
		atomic.AddInt32(&m.idleWorkers, -1)
		atomic.AddInt32(&m.busyWorkers, 1)
	}

	m.workerCurrentExport[workerID] = &ExportInfo{
		TaskID:    taskID,
		Index:     index,
		StartTime: now,
	}
}

// MarkWorkerIdle marks a worker as idle
func (m *Metrics) MarkWorkerIdle(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, registered := m.workerStats[workerID]; !registered {
		return
	}
	if _, alreadyIdle := m.workerLastIdle[workerID]; alreadyIdle {
		return
	}

	now := m.clock.Now()
	m.workerLastIdle[workerID] = now

	stats := m.workerStats[workerID]
	stats.TotalBusyTime += now.Sub(stats.LastBusyStart)
	stats.State = "idle"
	stats.LastIdleStart = now

	delete(m.workerCurrentExport, workerID)

	atomic.AddInt32(&m.busyWorkers, -1)
	atomic.AddInt32(&m.idleWorkers, 1)
}

// RecordWorkerExport records a finished export for a specific worker
func (m *Metrics) RecordWorkerExport(workerID string, duration time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats, exists := m.workerStats[workerID]
	if !exists {
		return
	}
	if success {
		stats.ExportsSucceeded++
	} else {
		stats.ExportsFailed++
	}

	stats.Durations = append(stats.Durations, duration)
	if len(stats.Durations) > maxWorkerSamples {
		stats.Durations = stats.Durations[1:]
	}
}

// GetWorkerCounts returns active, idle, and busy worker counts
func (m *Metrics) GetWorkerCounts() (active, idle, busy int32) {
	return atomic.LoadInt32(&m.activeWorkers),
		atomic.LoadInt32(&m.idleWorkers),
		atomic.LoadInt32(&m.busyWorkers)
}

// getOldestIdleTime returns how long the oldest worker has been idle (caller must hold lock)
func (m *Metrics) getOldestIdleTime() time.Duration {
	var oldest time.Time
	for _, idleSince := range m.workerLastIdle {
		if oldest.IsZero() || idleSince.Before(oldest) {
			oldest = idleSince
		}
	}

	if oldest.IsZero() {
		return 0
	}
	return m.clock.Since(oldest)
}

// GetOldestIdleTime returns how long the oldest worker has been idle
func (m *Metrics) GetOldestIdleTime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.getOldestIdleTime()
}

// IdleWorkers returns the IDs of idle workers, longest idle first
func (m *Metrics) IdleWorkers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.workerLastIdle))
	for id := range m.workerLastIdle {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := m.workerLastIdle[ids[i]], m.workerLastIdle[ids[j]]
		if !a.Equal(b) {
			return a.Before(b)
		}
		return ids[i] < ids[j]
	})
	return ids
}

// GetWorkerDetails returns detailed stats for a specific worker
func (m *Metrics) GetWorkerDetails(workerID string) (*WorkerStats, *ExportInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats, exists := m.workerStats[workerID]
	if !exists {
		return nil, nil, false
	}

	statsCopy := *stats
	statsCopy.Durations = append([]time.Duration(nil), stats.Durations...)

	var exportCopy *ExportInfo
	if current, busy := m.workerCurrentExport[workerID]; busy {
		c := *current
		exportCopy = &c
	}

	return &statsCopy, exportCopy, true
}

// GetAllWorkerDetails returns all workers ordered by ID
func (m *Metrics) GetAllWorkerDetails() []WorkerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	workers := make([]WorkerStats, 0, len(m.workerStats))
	for _, stats := range m.workerStats {
		s := *stats
		s.Durations = nil
		workers = append(workers, s)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })

	return workers
}

// RecordExportSubmitted counts an export accepted by the pool
func (m *Metrics) RecordExportSubmitted() {
	atomic.AddInt64(&m.exportsSubmitted, 1)
}

// RecordExportStarted increments the in-flight counter
func (m *Metrics) RecordExportStarted() {
	atomic.AddInt32(&m.exportsInFlight, 1)
}

// RecordExportSucceeded records a successful export of size bytes
func (m *Metrics) RecordExportSucceeded(duration time.Duration, size int) {
	atomic.AddInt64(&m.exportsSucceeded, 1)
	atomic.AddInt64(&m.bytesExported, int64(size))
	atomic.AddInt32(&m.exportsInFlight, -1)
	m.recordDuration(duration)
}

// RecordExportFailed records a failed export
func (m *Metrics) RecordExportFailed(duration time.Duration) {
	atomic.AddInt64(&m.exportsFailed, 1)
	atomic.AddInt32(&m.exportsInFlight, -1)
	m.recordDuration(duration)
}

func (m *Metrics) recordDuration(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.durations = append(m.durations, duration)
	if len(m.durations) > maxDurationSamples {
		m.durations = m.durations[1:]
	}

	m.updateThroughput()
}

// updateThroughput takes a throughput sample once per window (caller must hold lock)
func (m *Metrics) updateThroughput() {
	now := m.clock.Now()
	elapsed := now.Sub(m.lastSampleTime)
	if elapsed < throughputWindow {
		return
	}

	finished := atomic.LoadInt64(&m.exportsSucceeded) + atomic.LoadInt64(&m.exportsFailed)
	m.throughputSamples = append(m.throughputSamples, ThroughputSample{
		Timestamp:     now,
		ExportsPerSec: float64(finished-m.lastSampleTotal) / elapsed.Seconds(),
		WindowSize:    elapsed,
	})
	if len(m.throughputSamples) > maxThroughputSamples {
		m.throughputSamples = m.throughputSamples[1:]
	}

	m.lastSampleTime = now
	m.lastSampleTotal = finished
}

// getThroughput returns the most recent throughput sample (caller must hold lock)
func (m *Metrics) getThroughput() float64 {
	if len(m.throughputSamples) == 0 {
		return 0
	}
	return m.throughputSamples[len(m.throughputSamples)-1].ExportsPerSec
}

// GetThroughput returns the current throughput (exports per second)
func (m *Metrics) GetThroughput() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.getThroughput()
}

// getAvgThroughput returns the average throughput over all samples (caller must hold lock)
func (m *Metrics) getAvgThroughput() float64 {
	if len(m.throughputSamples) == 0 {
		return 0
	}

	var sum float64
	for _, sample := range m.throughputSamples {
		sum += sample.ExportsPerSec
	}
	return sum / float64(len(m.throughputSamples))
}

// GetAvgThroughput returns the average throughput over all samples
func (m *Metrics) GetAvgThroughput() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.getAvgThroughput()
}

// calculatePercentiles uses nearest-rank percentiles over the retained
// samples (caller must hold lock)
func (m *Metrics) calculatePercentiles() (avg, p95, p99 time.Duration) {
	n := len(m.durations)
	if n == 0 {
		return 0, 0, 0
	}

	sorted := append([]time.Duration(nil), m.durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	avg = sum / time.Duration(n)

	return avg, sorted[rank(n, 95)], sorted[rank(n, 99)]
}

// rank returns the zero-based nearest-rank index of percentile p in n samples
func rank(n, p int) int {
	r := (p*n + 99) / 100
	if r < 1 {
		r = 1
	}
	return r - 1
}

// CalculatePercentiles calculates export duration percentiles
func (m *Metrics) CalculatePercentiles() (avg, p95, p99 time.Duration) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.calculatePercentiles()
}

// Snapshot returns a point-in-time snapshot of all metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	active, idle, busy := m.GetWorkerCounts()
	avg, p95, p99 := m.calculatePercentiles()
	now := m.clock.Now()

	return MetricsSnapshot{
		Backlog:           m.GetBacklog(),
		BacklogHigh:       m.backlogHigh,
		ActiveWorkers:     active,
		IdleWorkers:       idle,
		BusyWorkers:       busy,
		OldestIdleTime:    m.getOldestIdleTime(),
		ExportsSubmitted:  atomic.LoadInt64(&m.exportsSubmitted),
		ExportsSucceeded:  atomic.LoadInt64(&m.exportsSucceeded),
		ExportsFailed:     atomic.LoadInt64(&m.exportsFailed),
		ExportsInFlight:   atomic.LoadInt32(&m.exportsInFlight),
		BytesExported:     atomic.LoadInt64(&m.bytesExported),
		CurrentThroughput: m.getThroughput(),
		AvgThroughput:     m.getAvgThroughput(),
		AvgDuration:       avg,
		P95Duration:       p95,
		P99Duration:       p99,
		Uptime:            now.Sub(m.startTime),
		LastUpdated:       now,
	}
}

// Reset clears all metrics (useful for testing)
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	atomic.StoreInt64(&m.backlog, 0)
	m.backlogHigh = 0
	atomic.StoreInt32(&m.activeWorkers, 0)
	atomic.StoreInt32(&m.idleWorkers, 0)
	atomic.StoreInt32(&m.busyWorkers, 0)
	atomic.StoreInt64(&m.exportsSubmitted, 0)
	atomic.StoreInt64(&m.exportsSucceeded, 0)
	atomic.StoreInt64(&m.exportsFailed, 0)
	atomic.StoreInt32(&m.exportsInFlight, 0)
	atomic.StoreInt64(&m.bytesExported, 0)

	m.workerLastIdle = make(map[string]time.Time)
	m.workerStats = make(map[string]*WorkerStats)
	m.workerCurrentExport = make(map[string]*ExportInfo)
	m.backlogSeries = make([]BacklogSnapshot, 0, maxBacklogSamples)
	m.throughputSamples = make([]ThroughputSample, 0, maxThroughputSamples)
	m.durations = make([]time.Duration, 0, maxDurationSamples)

	now := m.clock.Now()
	m.startTime = now
	m.lastSampleTime = now
	m.lastSampleTotal = 0
}
