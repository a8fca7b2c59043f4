package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/farhan-ahmed1/exportd/internal/broker"
	"github.com/farhan-ahmed1/exportd/internal/config"
	"github.com/farhan-ahmed1/exportd/internal/index"
	"github.com/farhan-ahmed1/exportd/internal/logger"
	"github.com/farhan-ahmed1/exportd/internal/loop"
	"github.com/farhan-ahmed1/exportd/internal/monitoring"
	"github.com/farhan-ahmed1/exportd/internal/storage"
	"github.com/farhan-ahmed1/exportd/internal/task"
	"github.com/farhan-ahmed1/exportd/internal/worker"
	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", "", "Path to TOML config file")
	indexName := flag.String("index", "", "Index name (overrides config)")
	driver := flag.String("driver", "", "Index driver: memory or sqlite (overrides config)")
	dbPath := flag.String("db", "", "SQLite database file (overrides config)")
	out := flag.String("out", "", "Write a one-shot export to this file")
	serve := flag.Bool("serve", false, "Serve the HTTP API instead of exporting once")
	seed := flag.Int("seed", 0, "Add this many demo documents to the index")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "exportd: %v\n", err)
		os.Exit(1)
	}
	if *indexName != "" {
		cfg.Index.Name = *indexName
	}
	if *driver != "" {
		cfg.Index.Driver = *driver
	}
	if *dbPath != "" {
		cfg.Index.Path = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "exportd: invalid config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format, "exportd")
	log := logger.Component("main")

	if !*serve && *out == "" {
		log.Fatal("Nothing to do: pass -out for a one-shot export or -serve")
	}

	idx, closeIndex, err := openIndex(cfg.Index)
	if err != nil {
		log.Fatal("Failed to open index", logger.Fields{"error": err, "driver": cfg.Index.Driver})
	}
	defer closeIndex()

	if *seed > 0 {
		if err := seedDocuments(idx, *seed); err != nil {
			log.Fatal("Failed to seed index", logger.Fields{"error": err})
		}
		log.Info("Seeded index", logger.Fields{"index": cfg.Index.Name, "documents": *seed})
	}

	registry := task.NewRegistry()
	if err := registry.Register(cfg.Index.Name, idx); err != nil {
		log.Fatal("Failed to register index", logger.Fields{"error": err})
	}

	store := openStorage(cfg.Redis, log)
	if store != nil {
		defer store.Close()
	}

	if *serve {
		err = runServer(cfg, registry, store, log)
	} else {
		err = runOnce(cfg, registry, store, *out, log)
	}
	if err != nil {
		log.Fatal("exportd failed", logger.Fields{"error": err})
	}
}

// searchIndex is what exportd needs from an index driver
type searchIndex interface {
	task.SearchContext
	Add(doc index.Document) error
}

func openIndex(cfg config.IndexConfig) (searchIndex, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return index.NewMemoryIndex(), func() {}, nil
	case config.DriverSQLite:
		idx, err := index.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return idx, func() { idx.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown index driver %q", cfg.Driver)
	}
}

var demoWords = []string{
	"export", "snapshot", "search", "index", "worker", "loop",
	"redis", "sqlite", "document", "query", "token", "ranking",
}

func seedDocuments(idx searchIndex, n int) error {
	for i := 0; i < n; i++ {
		w1 := demoWords[i%len(demoWords)]
		w2 := demoWords[(i*7+3)%len(demoWords)]
		doc := index.Document{
			ID:    fmt.Sprintf("doc-%05d", i),
			Title: fmt.Sprintf("%s %s", w1, w2),
			Body:  fmt.Sprintf("demo document %d about %s and %s", i, w1, w2),
			Tags:  []string{w1},
		}
		if err := idx.Add(doc); err != nil {
			return fmt.Errorf("add %s: %w", doc.ID, err)
		}
	}
	return nil
}

// openStorage connects to Redis when configured. Exports still run without
// it; only their records are not kept.
func openStorage(cfg config.RedisConfig, log *logger.Logger) storage.Storage {
	if !cfg.Enabled() {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	store := storage.NewRedisStorage(client)
	if err := store.Ping(ctx); err != nil {
		log.Warn("Redis unavailable, export records will not be stored", logger.Fields{
			"addr":  cfg.RedisAddr(),
			"error": err,
		})
		client.Close()
		return nil
	}
	return &closingStorage{RedisStorage: store, client: client}
}

// closingStorage closes the Redis client along with the storage
type closingStorage struct {
	*storage.RedisStorage
	client *redis.Client
}

func (s *closingStorage) Close() error {
	return s.client.Close()
}

func newPool(cfg *config.Config, minWorkers int, l *loop.Loop, store storage.Storage, metrics *monitoring.Metrics) *worker.Pool {
	return worker.NewPool(l, store, metrics, worker.PoolConfig{
		MinWorkers:      minWorkers,
		MaxWorkers:      cfg.Worker.MaxWorkers,
		QueueSize:       cfg.Worker.QueueSize,
		ShutdownTimeout: cfg.Worker.ShutdownTimeout.Duration,
		StorePayloads:   cfg.Redis.StorePayloads,
	})
}

// runOnce exports the configured index a single time. The loop runs on this
// goroutine until the completion closes it.
func runOnce(cfg *config.Config, registry *task.Registry, store storage.Storage, out string, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l := loop.New(loop.Config{BacklogWarning: cfg.Loop.BacklogWarning})
	pool := newPool(cfg, cfg.Worker.Concurrency, l, store, nil)
	if err := pool.Start(); err != nil {
		return err
	}

	var result *task.Result
	t, err := registry.NewTask(cfg.Index.Name, func(res *task.Result) {
		result = res
		l.Close()
	})
	if err != nil {
		return err
	}
	if err := pool.Submit(ctx, t); err != nil {
		return err
	}
	log.Info("Export started", logger.Fields{"task_id": t.ID, "index": cfg.Index.Name})

	runErr := l.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout.Duration)
	defer cancel()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		log.Warn("Pool did not shut down cleanly", logger.Fields{"error": err})
	}

	if runErr != nil {
		return fmt.Errorf("export interrupted: %w", runErr)
	}
	if !result.Success {
		return fmt.Errorf("export %s failed: %s", result.TaskID, result.Error)
	}

	if err := os.WriteFile(out, result.Output, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}
	log.Info("Export written", logger.Fields{
		"task_id":    result.TaskID,
		"file":       out,
		"size":       len(result.Output),
		"elapsed_ms": result.ElapsedMillis,
	})
	return nil
}

// runServer serves the HTTP API until interrupted. The pool is shut down
// before the loop so drained exports can still deliver.
func runServer(cfg *config.Config, registry *task.Registry, store storage.Storage, log *logger.Logger) error {
	l := loop.New(loop.Config{BacklogWarning: cfg.Loop.BacklogWarning})
	loopDone := make(chan error, 1)
	go func() { loopDone <- l.Run(context.Background()) }()

	// With autoscaling the pool may shrink to the scaler's floor, but it
	// still starts at the configured concurrency
	minWorkers := cfg.Worker.Concurrency
	if cfg.AutoScaling.Enabled {
		minWorkers = cfg.AutoScaling.MinWorkers
	}

	metrics := monitoring.NewMetrics(nil, nil)
	pool := newPool(cfg, minWorkers, l, store, metrics)
	metrics.SetBacklogSource(pool)
	if err := pool.Start(); err != nil {
		return err
	}
	for int(pool.GetWorkerCount()) < cfg.Worker.Concurrency {
		if _, err := pool.AddWorker(context.Background()); err != nil {
			return err
		}
	}

	var scaler *monitoring.AutoScaler
	if cfg.AutoScaling.Enabled {
		scaler = monitoring.NewAutoScaler(metrics, pool, cfg.AutoScaling, cfg.Worker.MaxWorkers)
		if err := scaler.Start(context.Background()); err != nil {
			return err
		}
	}

	b := broker.NewBroker(broker.Config{
		Addr:     cfg.Broker.ListenAddr,
		Registry: registry,
		Pool:     pool,
		Loop:     l,
		Storage:  store,
		Metrics:  metrics,
		Scaler:   scaler,

		SubmitRate:  cfg.Broker.SubmitRate,
		SubmitBurst: cfg.Broker.SubmitBurst,
	})
	serveErr := make(chan error, 1)
	go func() { serveErr <- b.Start() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var failure error
	select {
	case sig := <-sigChan:
		log.Info("Shutting down", logger.Fields{"signal": sig.String()})
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			failure = err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout.Duration)
	defer cancel()

	if err := b.Stop(ctx); err != nil {
		log.Warn("Broker shutdown error", logger.Fields{"error": err})
	}
	if scaler != nil {
		scaler.Stop()
	}
	if err := pool.Shutdown(ctx); err != nil {
		log.Warn("Pool shutdown error", logger.Fields{"error": err})
	}
	l.Close()
	if err := <-loopDone; err != nil {
		log.Warn("Loop stopped with error", logger.Fields{"error": err})
	}

	return failure
}
