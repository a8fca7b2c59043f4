package monitoring

import (
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

// fakeBacklog implements BacklogSource for testing
type fakeBacklog struct {
	depth atomic.Int64
}

func newFakeBacklog(depth int64) *fakeBacklog {
	b := &fakeBacklog{}
	b.depth.Store(depth)
	return b
}

func (b *fakeBacklog) Backlog() int64 { return b.depth.Load() }

func (b *fakeBacklog) set(depth int64) { b.depth.Store(depth) }

func TestMetrics_Backlog(t *testing.T) {
	backlog := newFakeBacklog(42)
	metrics := NewMetrics(backlog, clock.NewMock())

	if depth := metrics.UpdateBacklog(); depth != 42 {
		t.Errorf("Expected backlog 42, got %d", depth)
	}
	if metrics.GetBacklog() != 42 {
		t.Errorf("Expected backlog 42, got %d", metrics.GetBacklog())
	}

	backlog.set(100)
	metrics.UpdateBacklog()
	backlog.set(5)
	metrics.UpdateBacklog()

	snapshot := metrics.Snapshot()
	if snapshot.Backlog != 5 {
		t.Errorf("Expected backlog 5, got %d", snapshot.Backlog)
	}
	if snapshot.BacklogHigh != 100 {
		t.Errorf("Expected high water mark 100, got %d", snapshot.BacklogHigh)
	}
}

func TestMetrics_NilBacklogSource(t *testing.T) {
	metrics := NewMetrics(nil, nil)
	if depth := metrics.UpdateBacklog(); depth != 0 {
		t.Errorf("Expected zero backlog, got %d", depth)
	}

	metrics.SetBacklogSource(newFakeBacklog(7))
	if depth := metrics.UpdateBacklog(); depth != 7 {
		t.Errorf("Expected backlog 7, got %d", depth)
	}
}

func TestMetrics_BacklogTrend(t *testing.T) {
	clk := clock.NewMock()
	backlog := newFakeBacklog(1)
	metrics := NewMetrics(backlog, clk)

	metrics.UpdateBacklog()
	clk.Add(time.Minute)
	backlog.set(2)
	metrics.UpdateBacklog()
	clk.Add(time.Second)
	backlog.set(3)
	metrics.UpdateBacklog()

	trend := metrics.GetBacklogTrend(30 * time.Second)
	if len(trend) != 2 {
		t.Fatalf("Expected 2 samples within 30s, got %d", len(trend))
	}
	if trend[0].Depth != 2 || trend[1].Depth != 3 {
		t.Errorf("Unexpected trend: %+v", trend)
	}
}

func TestMetrics_WorkerLifecycle(t *testing.T) {
	clk := clock.NewMock()
	metrics := NewMetrics(nil, clk)

	metrics.RegisterWorker("worker-1")
	metrics.RegisterWorker("worker-2")
	metrics.RegisterWorker("worker-2") // duplicate is ignored

	active, idle, busy := metrics.GetWorkerCounts()
	if active != 2 || idle != 2 || busy != 0 {
		t.Errorf("Expected 2/2/0, got %d/%d/%d", active, idle, busy)
	}

	clk.Add(3 * time.Second)
	metrics.MarkWorkerBusy("worker-1", "task-1", "notes")

	active, idle, busy = metrics.GetWorkerCounts()
	if active != 2 || idle != 1 || busy != 1 {
		t.Errorf("Expected 2/1/1, got %d/%d/%d", active, idle, busy)
	}

	stats, current, ok := metrics.GetWorkerDetails("worker-1")
	if !ok {
		t.Fatal("Expected worker-1 to be tracked")
	}
	if stats.State != "busy" || stats.TotalIdleTime != 3*time.Second {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if current == nil || current.TaskID != "task-1" || current.Index != "notes" {
		t.Errorf("Unexpected current export: %+v", current)
	}

	clk.Add(2 * time.Second)
	metrics.RecordWorkerExport("worker-1", 2*time.Second, true)
	metrics.MarkWorkerIdle("worker-1")
	metrics.MarkWorkerIdle("worker-1") // already idle

	stats, current, _ = metrics.GetWorkerDetails("worker-1")
	if stats.State != "idle" || stats.TotalBusyTime != 2*time.Second || stats.ExportsSucceeded != 1 {
		t.Errorf("Unexpected stats after idle: %+v", stats)
	}
	if current != nil {
		t.Error("Expected no current export for idle worker")
	}

	metrics.MarkWorkerBusy("worker-2", "task-2", "notes")
	metrics.UnregisterWorker("worker-2")
	metrics.UnregisterWorker("worker-2") // unknown is ignored

	active, idle, busy = metrics.GetWorkerCounts()
	if active != 1 || idle != 1 || busy != 0 {
		t.Errorf("Expected 1/1/0, got %d/%d/%d", active, idle, busy)
	}
	if _, _, ok := metrics.GetWorkerDetails("worker-2"); ok {
		t.Error("Expected worker-2 to be removed")
	}
}

func TestMetrics_IdleWorkersOldestFirst(t *testing.T) {
	clk := clock.NewMock()
	metrics := NewMetrics(nil, clk)

	metrics.RegisterWorker("b")
	clk.Add(time.Second)
	metrics.RegisterWorker("a")
	metrics.RegisterWorker("c")
	metrics.MarkWorkerBusy("c", "t", "notes")

	ids := metrics.IdleWorkers()
	if len(ids) != 2 || ids[0] != "b" || ids[1] != "a" {
		t.Errorf("Expected [b a], got %v", ids)
	}

	clk.Add(4 * time.Second)
	if idle := metrics.GetOldestIdleTime(); idle != 5*time.Second {
		t.Errorf("Expected oldest idle 5s, got %v", idle)
	}
}

func TestMetrics_ExportCounters(t *testing.T) {
	metrics := NewMetrics(nil, clock.NewMock())

	for i := 0; i < 3; i++ {
		metrics.RecordExportSubmitted()
		metrics.RecordExportStarted()
	}
	metrics.RecordExportSucceeded(10*time.Millisecond, 4096)
	metrics.RecordExportSucceeded(20*time.Millisecond, 1024)
	metrics.RecordExportFailed(5 * time.Millisecond)

	snapshot := metrics.Snapshot()
	if snapshot.ExportsSubmitted != 3 {
		t.Errorf("Expected 3 submitted, got %d", snapshot.ExportsSubmitted)
	}
	if snapshot.ExportsSucceeded != 2 || snapshot.ExportsFailed != 1 {
		t.Errorf("Expected 2 succeeded / 1 failed, got %d / %d", snapshot.ExportsSucceeded, snapshot.ExportsFailed)
	}
	if snapshot.ExportsInFlight != 0 {
		t.Errorf("Expected nothing in flight, got %d", snapshot.ExportsInFlight)
	}
	if snapshot.BytesExported != 5120 {
		t.Errorf("Expected 5120 bytes, got %d", snapshot.BytesExported)
	}
}

func TestMetrics_Percentiles(t *testing.T) {
	metrics := NewMetrics(nil, clock.NewMock())

	if avg, p95, p99 := metrics.CalculatePercentiles(); avg != 0 || p95 != 0 || p99 != 0 {
		t.Error("Expected zero percentiles without samples")
	}

	for i := 1; i <= 100; i++ {
		metrics.RecordExportStarted()
		metrics.RecordExportSucceeded(time.Duration(i)*time.Millisecond, 1)
	}

	avg, p95, p99 := metrics.CalculatePercentiles()
	if avg != 50500*time.Microsecond {
		t.Errorf("Expected avg 50.5ms, got %v", avg)
	}
	if p95 != 95*time.Millisecond {
		t.Errorf("Expected p95 95ms, got %v", p95)
	}
	if p99 != 99*time.Millisecond {
		t.Errorf("Expected p99 99ms, got %v", p99)
	}
}

func TestMetrics_Throughput(t *testing.T) {
	clk := clock.NewMock()
	metrics := NewMetrics(nil, clk)

	for i := 0; i < 10; i++ {
		metrics.RecordExportStarted()
		metrics.RecordExportSucceeded(time.Millisecond, 1)
	}
	if metrics.GetThroughput() != 0 {
		t.Error("Expected no sample before the window elapsed")
	}

	clk.Add(throughputWindow)
	metrics.RecordExportStarted()
	metrics.RecordExportSucceeded(time.Millisecond, 1)

	// 11 exports over 5 seconds
	if got := metrics.GetThroughput(); got != 2.2 {
		t.Errorf("Expected 2.2 exports/sec, got %v", got)
	}

	clk.Add(throughputWindow)
	metrics.RecordExportStarted()
	metrics.RecordExportFailed(time.Millisecond)

	if got := metrics.GetThroughput(); got != 0.2 {
		t.Errorf("Expected 0.2 exports/sec, got %v", got)
	}
	if got := metrics.GetAvgThroughput(); math.Abs(got-1.2) > 1e-9 {
		t.Errorf("Expected average 1.2, got %v", got)
	}
	if trend := metrics.GetThroughputTrend(time.Minute); len(trend) != 2 {
		t.Errorf("Expected 2 samples, got %d", len(trend))
	}
}

func TestMetrics_GetAllWorkerDetailsSorted(t *testing.T) {
	metrics := NewMetrics(nil, clock.NewMock())
	for _, id := range []string{"w3", "w1", "w2"} {
		metrics.RegisterWorker(id)
	}

	workers := metrics.GetAllWorkerDetails()
	if len(workers) != 3 || workers[0].ID != "w1" || workers[2].ID != "w3" {
		t.Errorf("Unexpected order: %+v", workers)
	}
}

func TestMetrics_Reset(t *testing.T) {
	clk := clock.NewMock()
	metrics := NewMetrics(newFakeBacklog(9), clk)

	metrics.RegisterWorker("w")
	metrics.UpdateBacklog()
	metrics.RecordExportSubmitted()
	metrics.RecordExportStarted()
	metrics.RecordExportSucceeded(time.Second, 10)
	clk.Add(time.Hour)

	metrics.Reset()

	snapshot := metrics.Snapshot()
	if snapshot.ActiveWorkers != 0 || snapshot.Backlog != 0 || snapshot.ExportsSucceeded != 0 || snapshot.BytesExported != 0 {
		t.Errorf("Expected cleared snapshot, got %+v", snapshot)
	}
	if snapshot.Uptime != 0 {
		t.Errorf("Expected uptime to restart, got %v", snapshot.Uptime)
	}
}
