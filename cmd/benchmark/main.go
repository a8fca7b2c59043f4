package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"sort"
	"time"

	"github.com/farhan-ahmed1/exportd/internal/index"
	"github.com/farhan-ahmed1/exportd/internal/logger"
	"github.com/farhan-ahmed1/exportd/internal/loop"
	"github.com/farhan-ahmed1/exportd/internal/monitoring"
	"github.com/farhan-ahmed1/exportd/internal/task"
	"github.com/farhan-ahmed1/exportd/internal/worker"
)

// results of one benchmark run
type results struct {
	exports    int
	succeeded  int
	failed     int
	bytes      int64
	duration   time.Duration
	latencies  []time.Duration
	exportAvg  time.Duration
	exportP95  time.Duration
	exportP99  time.Duration
	memAlloc   uint64
	goroutines int
}

func (r *results) String() string {
	sort.Slice(r.latencies, func(i, j int) bool { return r.latencies[i] < r.latencies[j] })
	pct := func(p float64) time.Duration {
		if len(r.latencies) == 0 {
			return 0
		}
		return r.latencies[int(float64(len(r.latencies)-1)*p)]
	}

	var eps float64
	if r.duration > 0 {
		eps = float64(r.succeeded) / r.duration.Seconds()
	}

	return fmt.Sprintf(`
Benchmark Results:
==================
Exports:            %d
Succeeded:          %d
Failed:             %d
Bytes exported:     %d
Duration:           %v
Exports/Second:     %.2f

Delivery latency (submit to completion on the loop):
  P50:              %v
  P95:              %v
  P99:              %v

Export duration (worker side):
  Avg:              %v
  P95:              %v
  P99:              %v

Memory allocated:   %d KB
Goroutines:         %d
`, r.exports, r.succeeded, r.failed, r.bytes, r.duration, eps,
		pct(0.50), pct(0.95), pct(0.99),
		r.exportAvg, r.exportP95, r.exportP99,
		r.memAlloc/1024, r.goroutines)
}

func main() {
	workers := flag.Int("workers", 4, "Number of export workers")
	exports := flag.Int("exports", 200, "Number of exports to run")
	docs := flag.Int("docs", 1000, "Documents in the benchmark index")
	driver := flag.String("driver", "memory", "Index driver: memory or sqlite")
	cpuProfile := flag.String("cpuprofile", "", "Write CPU profile to file")
	memProfile := flag.String("memprofile", "", "Write memory profile to file")
	flag.Parse()

	fmt.Printf("Running export benchmark: driver=%s workers=%d exports=%d docs=%d\n",
		*driver, *workers, *exports, *docs)

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			fail(err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			fail(err)
		}
		defer pprof.StopCPUProfile()
	}

	res, err := run(*driver, *workers, *exports, *docs)
	if err != nil {
		fail(err)
	}
	fmt.Println(res.String())

	if *memProfile != "" {
		f, err := os.Create(*memProfile)
		if err != nil {
			fail(err)
		}
		defer f.Close()
		runtime.GC()
		if err := pprof.WriteHeapProfile(f); err != nil {
			fail(err)
		}
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "\nBenchmark failed: %v\n", err)
	os.Exit(1)
}

func openIndex(driver string, docs int) (task.SearchContext, func(), error) {
	var add func(index.Document) error
	var sc task.SearchContext
	cleanup := func() {}

	switch driver {
	case "memory":
		idx := index.NewMemoryIndex()
		add, sc = idx.Add, idx
	case "sqlite":
		dir, err := os.MkdirTemp("", "exportd-bench")
		if err != nil {
			return nil, nil, err
		}
		idx, err := index.OpenSQLite(dir + "/bench.db")
		if err != nil {
			os.RemoveAll(dir)
			return nil, nil, err
		}
		add, sc = idx.Add, idx
		cleanup = func() {
			idx.Close()
			os.RemoveAll(dir)
		}
	default:
		return nil, nil, fmt.Errorf("unknown driver %q", driver)
	}

	for i := 0; i < docs; i++ {
		doc := index.Document{
			ID:    fmt.Sprintf("bench-%06d", i),
			Title: fmt.Sprintf("benchmark document %d", i),
			Body:  fmt.Sprintf("payload for document %d with a few searchable words", i),
		}
		if err := add(doc); err != nil {
			cleanup()
			return nil, nil, err
		}
	}
	return sc, cleanup, nil
}

// run drives the loop on the calling goroutine until every export has been
// delivered
func run(driver string, workers, exports, docs int) (*results, error) {
	if exports < 1 {
		return nil, fmt.Errorf("need at least one export")
	}
	sc, cleanup, err := openIndex(driver, docs)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	quiet := logger.NewWithOutput("warn", "text", "benchmark", os.Stderr)
	l := loop.New(loop.Config{Logger: quiet})
	metrics := monitoring.NewMetrics(nil, nil)
	pool := worker.NewPool(l, nil, metrics, worker.PoolConfig{
		MinWorkers: workers,
		MaxWorkers: workers,
		QueueSize:  exports,
		Logger:     quiet,
	})
	metrics.SetBacklogSource(pool)
	if err := pool.Start(); err != nil {
		return nil, err
	}

	res := &results{exports: exports, latencies: make([]time.Duration, 0, exports)}
	start := time.Now()

	for i := 0; i < exports; i++ {
		submitted := time.Now()
		t := task.NewExportTask(sc, func(r *task.Result) {
			res.latencies = append(res.latencies, time.Since(submitted))
			if r.Success {
				res.succeeded++
				res.bytes += int64(len(r.Output))
			} else {
				res.failed++
			}
			if res.succeeded+res.failed == exports {
				l.Close()
			}
		})
		if err := pool.Submit(context.Background(), t); err != nil {
			return nil, err
		}
	}

	if err := l.Run(context.Background()); err != nil {
		return nil, err
	}
	res.duration = time.Since(start)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		return nil, err
	}

	res.exportAvg, res.exportP95, res.exportP99 = metrics.CalculatePercentiles()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	res.memAlloc = m.Alloc
	res.goroutines = runtime.NumGoroutine()
	return res, nil
}
