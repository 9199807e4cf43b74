// Package config provides worker configuration: built-in defaults, an
// optional YAML file merged over them, and environment overrides.
package config

import "time"

// Config is the complete worker configuration.
type Config struct {
	Redis    *RedisConfig    `yaml:"redis"`
	State    *StateConfig    `yaml:"state"`
	Pipeline *PipelineConfig `yaml:"pipeline"`
	Queue    *QueueConfig    `yaml:"queue"`
	LLM      *LLMConfig      `yaml:"llm"`
}

// RedisConfig holds connection settings for the shared KV store.
type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"required"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// StateConfig controls state persistence, locking, and corruption handling.
// All pipeline_* keys carry the retention window as TTL so stale reports are
// eventually reclaimed.
type StateConfig struct {
	// RetentionSeconds is the TTL applied to persisted pipeline state and
	// validation-failure counters.
	RetentionSeconds int `yaml:"retention_seconds" validate:"min=1"`

	// LockTTLSeconds is the TTL of the per-report ownership lock. A worker
	// that cannot finish a stage within this window fails its next save.
	LockTTLSeconds int `yaml:"lock_ttl_seconds" validate:"min=1"`

	// MaxValidationFailures is how many times a persisted state may fail
	// schema validation on load before it is marked permanently corrupted.
	MaxValidationFailures int `yaml:"max_validation_failures" validate:"min=1"`
}

// Retention returns the state retention window as a duration.
func (c *StateConfig) Retention() time.Duration {
	return time.Duration(c.RetentionSeconds) * time.Second
}

// LockTTL returns the lock TTL as a duration.
func (c *StateConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// PipelineConfig bounds intra-stage parallelism.
type PipelineConfig struct {
	// BatchSize is the claims stage fanout across comments.
	BatchSize int `yaml:"batch_size" validate:"min=1"`

	// MaxConcurrentSubtopics bounds the sort and summary stage fanout.
	MaxConcurrentSubtopics int `yaml:"max_concurrent_subtopics" validate:"min=1"`
}

// QueueConfig contains worker pool configuration. These values control how
// jobs are polled, claimed, and processed.
type QueueConfig struct {
	// WorkerCount is the number of worker goroutines per replica/pod.
	WorkerCount int `yaml:"worker_count" validate:"min=1"`

	// PollInterval is the base interval for checking pending jobs.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter is the random jitter added to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// JobTimeout is the maximum time a single report may be processed.
	JobTimeout time.Duration `yaml:"job_timeout"`

	// GracefulShutdownTimeout is the max time to wait for active jobs to
	// complete during shutdown. Should match JobTimeout.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// LLMConfig holds provider transport settings. The per-stage model and
// prompts arrive with each job; the credential arrives in the job input.
type LLMConfig struct {
	// BaseURL overrides the provider endpoint (empty uses the default).
	BaseURL string `yaml:"base_url,omitempty"`

	// RequestTimeout bounds a single completion call.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}
