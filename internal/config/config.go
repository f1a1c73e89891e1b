// Package config loads flowgrid settings from defaults, an optional YAML
// file and FLOWGRID_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, so storage.backend
// is read from FLOWGRID_STORAGE_BACKEND.
const EnvPrefix = "FLOWGRID"

// Config is the full flowgrid configuration.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Storage StorageConfig `mapstructure:"storage"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Locks   LockConfig    `mapstructure:"locks"`
	Cluster ClusterConfig `mapstructure:"cluster"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Stream  StreamConfig  `mapstructure:"stream"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Worker  WorkerConfig  `mapstructure:"worker"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`
	// Format is json or text.
	Format string `mapstructure:"format"`
}

// StorageConfig selects the event log backend and holds the connection
// settings shared with the queue and lock backends.
type StorageConfig struct {
	// Backend is one of memory, sqlite, postgres, redis, bolt.
	Backend string `mapstructure:"backend"`

	SQLitePath    string `mapstructure:"sqlite_path"`
	PostgresDSN   string `mapstructure:"postgres_dsn"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`
	BoltPath      string `mapstructure:"bolt_path"`
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`
}

// QueueConfig controls the task queue.
type QueueConfig struct {
	// Backend is one of memory, sqlite, postgres, mongo. Empty follows the
	// storage backend where it can hold tasks, and memory otherwise.
	Backend string `mapstructure:"backend"`

	ReapInterval   time.Duration `mapstructure:"reap_interval"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// LockConfig controls the lock manager.
type LockConfig struct {
	// Backend is memory, redis (uses the storage redis settings) or grpc
	// (a remote lock server at Address).
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
	Address string        `mapstructure:"address"`

	// Listen, if set, makes serve expose its lock manager over gRPC.
	Listen string `mapstructure:"listen"`
}

// ClusterConfig controls failure detection in the registry.
type ClusterConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MissThreshold     int           `mapstructure:"miss_threshold"`
	DeadThreshold     int           `mapstructure:"dead_threshold"`
}

// EngineConfig controls the workflow engine.
type EngineConfig struct {
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	// LockInstances serialises instance advancement through the lock manager.
	LockInstances bool `mapstructure:"lock_instances"`
}

// StreamConfig controls the realtime stream processor run by serve.
type StreamConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	StallAfter   time.Duration `mapstructure:"stall_after"`
}

// HTTPConfig controls the API server.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// WorkerConfig controls the worker command.
type WorkerConfig struct {
	// ID defaults to a generated identifier when empty.
	ID string `mapstructure:"id"`
	// Server is the base URL of the API server the worker talks to.
	Server       string        `mapstructure:"server"`
	Principal    string        `mapstructure:"principal"`
	Concurrency  int           `mapstructure:"concurrency"`
	Queues       []string      `mapstructure:"queues"`
	LeaseTTL     time.Duration `mapstructure:"lease_ttl"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// Default returns the built-in configuration: everything in memory, API on
// :8080.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			Backend:       "memory",
			SQLitePath:    "flowgrid.db",
			RedisAddr:     "localhost:6379",
			RedisPrefix:   "flowgrid",
			BoltPath:      "flowgrid.bolt",
			MongoDatabase: "flowgrid",
		},
		Queue: QueueConfig{
			ReapInterval:   time.Second,
			MaxAttempts:    5,
			InitialBackoff: time.Second,
			MaxBackoff:     time.Minute,
		},
		Locks: LockConfig{
			Backend: "memory",
			TTL:     15 * time.Second,
		},
		Cluster: ClusterConfig{
			HeartbeatInterval: 5 * time.Second,
			MissThreshold:     3,
			DeadThreshold:     6,
		},
		Engine: EngineConfig{
			ReconcileInterval: time.Second,
		},
		Stream: StreamConfig{
			Enabled:      true,
			PollInterval: 500 * time.Millisecond,
			StallAfter:   5 * time.Minute,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Worker: WorkerConfig{
			Server:       "http://localhost:8080",
			Concurrency:  4,
			LeaseTTL:     30 * time.Second,
			PollInterval: 200 * time.Millisecond,
		},
	}
}

// SetDefaults registers every key of Default with v. Environment variables
// are only consulted for keys viper knows about, so this must run before
// Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.sqlite_path", d.Storage.SQLitePath)
	v.SetDefault("storage.postgres_dsn", d.Storage.PostgresDSN)
	v.SetDefault("storage.redis_addr", d.Storage.RedisAddr)
	v.SetDefault("storage.redis_password", d.Storage.RedisPassword)
	v.SetDefault("storage.redis_db", d.Storage.RedisDB)
	v.SetDefault("storage.redis_prefix", d.Storage.RedisPrefix)
	v.SetDefault("storage.bolt_path", d.Storage.BoltPath)
	v.SetDefault("storage.mongo_uri", d.Storage.MongoURI)
	v.SetDefault("storage.mongo_database", d.Storage.MongoDatabase)

	v.SetDefault("queue.backend", d.Queue.Backend)
	v.SetDefault("queue.reap_interval", d.Queue.ReapInterval)
	v.SetDefault("queue.max_attempts", d.Queue.MaxAttempts)
	v.SetDefault("queue.initial_backoff", d.Queue.InitialBackoff)
	v.SetDefault("queue.max_backoff", d.Queue.MaxBackoff)

	v.SetDefault("locks.backend", d.Locks.Backend)
	v.SetDefault("locks.ttl", d.Locks.TTL)
	v.SetDefault("locks.address", d.Locks.Address)
	v.SetDefault("locks.listen", d.Locks.Listen)

	v.SetDefault("cluster.heartbeat_interval", d.Cluster.HeartbeatInterval)
	v.SetDefault("cluster.miss_threshold", d.Cluster.MissThreshold)
	v.SetDefault("cluster.dead_threshold", d.Cluster.DeadThreshold)

	v.SetDefault("engine.reconcile_interval", d.Engine.ReconcileInterval)
	v.SetDefault("engine.lock_instances", d.Engine.LockInstances)

	v.SetDefault("stream.enabled", d.Stream.Enabled)
	v.SetDefault("stream.poll_interval", d.Stream.PollInterval)
	v.SetDefault("stream.stall_after", d.Stream.StallAfter)

	v.SetDefault("http.addr", d.HTTP.Addr)

	v.SetDefault("worker.id", d.Worker.ID)
	v.SetDefault("worker.server", d.Worker.Server)
	v.SetDefault("worker.principal", d.Worker.Principal)
	v.SetDefault("worker.concurrency", d.Worker.Concurrency)
	v.SetDefault("worker.queues", []string{})
	v.SetDefault("worker.lease_ttl", d.Worker.LeaseTTL)
	v.SetDefault("worker.poll_interval", d.Worker.PollInterval)
}

// NewViper returns a viper instance with defaults registered and
// FLOWGRID_* environment overrides enabled.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads the YAML file at path, if path is not empty, on top of the
// defaults and the environment, and validates the result.
func Load(path string) (*Config, error) {
	return LoadViper(NewViper(), path)
}

// LoadViper is Load on a caller-supplied viper instance, typically one with
// command-line flags bound to it.
func LoadViper(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// QueueBackend resolves an empty Queue.Backend against the storage backend.
func (c *Config) QueueBackend() string {
	if c.Queue.Backend != "" {
		return c.Queue.Backend
	}
	switch c.Storage.Backend {
	case "sqlite", "postgres":
		return c.Storage.Backend
	}
	return "memory"
}

// Logger builds the process logger writing to w.
func (c LogConfig) Logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", c.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch c.Format {
	case "json", "":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, errors.New("log format must be json or text, got " + c.Format)
}
