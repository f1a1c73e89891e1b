package config

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ValidationError is a single invalid setting.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every invalid setting found by Validate.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidLogLevels returns the accepted log.level values.
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidStorageBackends returns the accepted storage.backend values.
func ValidStorageBackends() []string {
	return []string{"memory", "sqlite", "postgres", "redis", "bolt"}
}

// ValidQueueBackends returns the accepted queue.backend values.
func ValidQueueBackends() []string {
	return []string{"memory", "sqlite", "postgres", "mongo"}
}

// ValidLockBackends returns the accepted locks.backend values.
func ValidLockBackends() []string {
	return []string{"memory", "redis", "grpc"}
}

// Validate returns every invalid setting in c.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	errs = append(errs, c.validateLog()...)
	errs = append(errs, c.validateStorage()...)
	errs = append(errs, c.validateQueue()...)
	errs = append(errs, c.validateLocks()...)
	errs = append(errs, c.validateCluster()...)
	errs = append(errs, c.validateRuntime()...)
	return errs
}

func (c *Config) validateLog() []ValidationError {
	var errs []ValidationError
	if !slices.Contains(ValidLogLevels(), c.Log.Level) {
		errs = append(errs, ValidationError{
			Field:   "log.level",
			Value:   c.Log.Level,
			Message: "must be one of " + strings.Join(ValidLogLevels(), ", "),
		})
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, ValidationError{Field: "log.format", Value: c.Log.Format, Message: "must be json or text"})
	}
	return errs
}

func (c *Config) validateStorage() []ValidationError {
	s := c.Storage
	var errs []ValidationError
	switch s.Backend {
	case "memory":
	case "sqlite":
		errs = appendRequired(errs, "storage.sqlite_path", s.SQLitePath)
	case "postgres":
		errs = appendRequired(errs, "storage.postgres_dsn", s.PostgresDSN)
	case "redis":
		errs = appendRequired(errs, "storage.redis_addr", s.RedisAddr)
	case "bolt":
		errs = appendRequired(errs, "storage.bolt_path", s.BoltPath)
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.backend",
			Value:   s.Backend,
			Message: "must be one of " + strings.Join(ValidStorageBackends(), ", "),
		})
	}
	if s.RedisDB < 0 {
		errs = append(errs, ValidationError{Field: "storage.redis_db", Value: s.RedisDB, Message: "must be non-negative"})
	}
	return errs
}

func (c *Config) validateQueue() []ValidationError {
	q := c.Queue
	var errs []ValidationError
	if q.Backend != "" && !slices.Contains(ValidQueueBackends(), q.Backend) {
		errs = append(errs, ValidationError{
			Field:   "queue.backend",
			Value:   q.Backend,
			Message: "must be one of " + strings.Join(ValidQueueBackends(), ", "),
		})
	}
	// Implicit backends share the storage settings already checked above.
	switch q.Backend {
	case "sqlite":
		errs = appendRequired(errs, "storage.sqlite_path", c.Storage.SQLitePath)
	case "postgres":
		errs = appendRequired(errs, "storage.postgres_dsn", c.Storage.PostgresDSN)
	case "mongo":
		errs = appendRequired(errs, "storage.mongo_uri", c.Storage.MongoURI)
		errs = appendRequired(errs, "storage.mongo_database", c.Storage.MongoDatabase)
	}
	errs = appendPositive(errs, "queue.reap_interval", q.ReapInterval)
	if q.MaxAttempts < 1 {
		errs = append(errs, ValidationError{Field: "queue.max_attempts", Value: q.MaxAttempts, Message: "must be at least 1"})
	}
	if q.InitialBackoff < 0 {
		errs = append(errs, ValidationError{Field: "queue.initial_backoff", Value: q.InitialBackoff, Message: "must be non-negative"})
	}
	if q.MaxBackoff > 0 && q.MaxBackoff < q.InitialBackoff {
		errs = append(errs, ValidationError{Field: "queue.max_backoff", Value: q.MaxBackoff, Message: "must not be below queue.initial_backoff"})
	}
	return errs
}

func (c *Config) validateLocks() []ValidationError {
	l := c.Locks
	var errs []ValidationError
	switch l.Backend {
	case "memory":
	case "redis":
		errs = appendRequired(errs, "storage.redis_addr", c.Storage.RedisAddr)
	case "grpc":
		errs = appendRequired(errs, "locks.address", l.Address)
	default:
		errs = append(errs, ValidationError{
			Field:   "locks.backend",
			Value:   l.Backend,
			Message: "must be one of " + strings.Join(ValidLockBackends(), ", "),
		})
	}
	errs = appendPositive(errs, "locks.ttl", l.TTL)
	return errs
}

func (c *Config) validateCluster() []ValidationError {
	cl := c.Cluster
	var errs []ValidationError
	errs = appendPositive(errs, "cluster.heartbeat_interval", cl.HeartbeatInterval)
	if cl.MissThreshold < 1 {
		errs = append(errs, ValidationError{Field: "cluster.miss_threshold", Value: cl.MissThreshold, Message: "must be at least 1"})
	}
	if cl.DeadThreshold <= cl.MissThreshold {
		errs = append(errs, ValidationError{Field: "cluster.dead_threshold", Value: cl.DeadThreshold, Message: "must exceed cluster.miss_threshold"})
	}
	return errs
}

func (c *Config) validateRuntime() []ValidationError {
	var errs []ValidationError
	errs = appendPositive(errs, "engine.reconcile_interval", c.Engine.ReconcileInterval)
	if c.Stream.Enabled {
		errs = appendPositive(errs, "stream.poll_interval", c.Stream.PollInterval)
		errs = appendPositive(errs, "stream.stall_after", c.Stream.StallAfter)
	}
	errs = appendRequired(errs, "http.addr", c.HTTP.Addr)

	if c.Worker.Concurrency < 1 {
		errs = append(errs, ValidationError{Field: "worker.concurrency", Value: c.Worker.Concurrency, Message: "must be at least 1"})
	}
	errs = appendPositive(errs, "worker.lease_ttl", c.Worker.LeaseTTL)
	errs = appendPositive(errs, "worker.poll_interval", c.Worker.PollInterval)
	for i, q := range c.Worker.Queues {
		if strings.TrimSpace(q) == "" {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("worker.queues[%d]", i), Value: q, Message: "must not be empty"})
		}
	}
	return errs
}

func appendRequired(errs []ValidationError, field, value string) []ValidationError {
	if value == "" {
		return append(errs, ValidationError{Field: field, Value: value, Message: "is required"})
	}
	return errs
}

func appendPositive(errs []ValidationError, field string, d time.Duration) []ValidationError {
	if d <= 0 {
		return append(errs, ValidationError{Field: field, Value: d, Message: "must be positive"})
	}
	return errs
}
