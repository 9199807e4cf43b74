package config

import "time"

// DefaultConfig returns the complete built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Redis:    DefaultRedisConfig(),
		State:    DefaultStateConfig(),
		Pipeline: DefaultPipelineConfig(),
		Queue:    DefaultQueueConfig(),
		LLM:      DefaultLLMConfig(),
	}
}

// DefaultRedisConfig returns the built-in Redis defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr: "localhost:6379",
	}
}

// DefaultStateConfig returns the built-in state/lock defaults.
func DefaultStateConfig() *StateConfig {
	return &StateConfig{
		RetentionSeconds:      86400,
		LockTTLSeconds:        300,
		MaxValidationFailures: 3,
	}
}

// DefaultPipelineConfig returns the built-in parallelism bounds.
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		BatchSize:              10,
		MaxConcurrentSubtopics: 6,
	}
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:             5,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		JobTimeout:              30 * time.Minute,
		GracefulShutdownTimeout: 30 * time.Minute,
	}
}

// DefaultLLMConfig returns the built-in LLM transport defaults.
func DefaultLLMConfig() *LLMConfig {
	return &LLMConfig{
		RequestTimeout: 120 * time.Second,
	}
}
