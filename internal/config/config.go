package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Index drivers understood by the exportd binary.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Config holds all configuration for exportd
type Config struct {
	Redis       RedisConfig       `toml:"redis"`
	Worker      WorkerConfig      `toml:"worker"`
	AutoScaling AutoScalingConfig `toml:"autoscaling"`
	Loop        LoopConfig        `toml:"loop"`
	Index       IndexConfig       `toml:"index"`
	Broker      BrokerConfig      `toml:"broker"`
	Logging     LoggingConfig     `toml:"logging"`
}

// RedisConfig holds Redis connection settings. An empty Host disables
// persistence of export records.
type RedisConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	PoolSize int    `toml:"pool_size"`

	// Store export payloads next to their records
	StorePayloads bool `toml:"store_payloads"`
}

// WorkerConfig holds settings for the background export pool
type WorkerConfig struct {
	// Number of goroutines running exports
	Concurrency int `toml:"concurrency"`

	// Upper bound for AddWorker
	MaxWorkers int `toml:"max_workers"`

	// Tasks accepted but not yet picked up by a worker
	QueueSize int `toml:"queue_size"`

	// Graceful shutdown timeout
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// AutoScalingConfig controls resizing of the export pool from its backlog
type AutoScalingConfig struct {
	Enabled    bool `toml:"enabled"`
	MinWorkers int  `toml:"min_workers"`

	// Scale up when more tasks than this are waiting for a worker
	ScaleUpThreshold int `toml:"scale_up_threshold"`

	// Scale down once a worker has been idle this long
	ScaleDownIdleTime Duration `toml:"scale_down_idle_time"`

	CheckInterval Duration `toml:"check_interval"`
}

// LoopConfig holds settings for the host execution loop
type LoopConfig struct {
	// Callbacks pending above this count are logged as a backlog warning
	BacklogWarning int `toml:"backlog_warning"`
}

// IndexConfig selects the search index served by exportd
type IndexConfig struct {
	Name   string `toml:"name"`
	Driver string `toml:"driver"` // memory, sqlite
	Path   string `toml:"path"`   // sqlite database file
}

// BrokerConfig holds HTTP API settings
type BrokerConfig struct {
	ListenAddr string `toml:"listen_addr"`

	// Export submissions accepted per second, with bursts up to SubmitBurst.
	// Zero disables the limit.
	SubmitRate  float64 `toml:"submit_rate"`
	SubmitBurst int     `toml:"submit_burst"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // json, text
}

// Duration wraps time.Duration so TOML files can use "30s" style strings.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Redis: RedisConfig{
			Host:          getEnv("REDIS_HOST", "localhost"),
			Port:          getEnvInt("REDIS_PORT", 6379),
			Password:      getEnv("REDIS_PASSWORD", ""),
			DB:            0,
			PoolSize:      10,
			StorePayloads: true,
		},
		Worker: WorkerConfig{
			Concurrency:     getEnvInt("EXPORTD_WORKERS", 2),
			MaxWorkers:      8,
			QueueSize:       64,
			ShutdownTimeout: Duration{30 * time.Second},
		},
		AutoScaling: AutoScalingConfig{
			Enabled:           getEnv("EXPORTD_AUTOSCALE", "false") == "true",
			MinWorkers:        1,
			ScaleUpThreshold:  16,
			ScaleDownIdleTime: Duration{5 * time.Minute},
			CheckInterval:     Duration{10 * time.Second},
		},
		Loop: LoopConfig{
			BacklogWarning: 1000,
		},
		Index: IndexConfig{
			Name:   getEnv("EXPORTD_INDEX", "default"),
			Driver: DriverMemory,
			Path:   "exportd.db",
		},
		Broker: BrokerConfig{
			ListenAddr:  getEnv("EXPORTD_LISTEN_ADDR", ":8080"),
			SubmitRate:  0,
			SubmitBurst: 10,
		},
		Logging: LoggingConfig{
			Level:  getEnv("EXPORTD_LOG_LEVEL", "info"),
			Format: getEnv("EXPORTD_LOG_FORMAT", "text"),
		},
	}
}

// Load returns Default() overlaid with the TOML file at path. Keys missing
// from the file keep their default values.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}

	return cfg, nil
}

// RedisAddr returns the full Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Enabled reports whether export records should be persisted.
func (c *RedisConfig) Enabled() bool {
	return c.Host != ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Redis.Enabled() && (c.Redis.Port < 1 || c.Redis.Port > 65535) {
		return fmt.Errorf("redis port must be between 1 and 65535")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker concurrency must be at least 1")
	}
	if c.Worker.MaxWorkers < c.Worker.Concurrency {
		return fmt.Errorf("max workers must be >= worker concurrency")
	}
	if c.Worker.QueueSize < 1 {
		return fmt.Errorf("worker queue size must be at least 1")
	}
	if c.AutoScaling.Enabled {
		if c.AutoScaling.MinWorkers < 1 || c.AutoScaling.MinWorkers > c.Worker.MaxWorkers {
			return fmt.Errorf("autoscaling min workers must be between 1 and max workers")
		}
		if c.AutoScaling.CheckInterval.Duration <= 0 {
			return fmt.Errorf("autoscaling check interval must be positive")
		}
	}
	if c.Broker.SubmitRate < 0 {
		return fmt.Errorf("broker submit rate cannot be negative")
	}
	if c.Broker.SubmitRate > 0 && c.Broker.SubmitBurst < 1 {
		return fmt.Errorf("broker submit burst must be at least 1 when rate limiting")
	}
	if c.Index.Name == "" {
		return fmt.Errorf("index name cannot be empty")
	}
	switch c.Index.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Index.Path == "" {
			return fmt.Errorf("sqlite index requires a path")
		}
	default:
		return fmt.Errorf("unknown index driver: %s", c.Index.Driver)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format: %s", c.Logging.Format)
	}
	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt is getEnv for integers; unparsable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
