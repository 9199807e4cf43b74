package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Load returns ready-to-use configuration: built-in defaults, overlaid with
// the optional YAML file at path, overlaid with environment variables.
// An empty path skips the file step; a missing file is an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &LoadError{File: path, Err: err}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &LoadError{File: path, Err: fmt.Errorf("%w: %v", ErrInvalidYAML, err)}
		}
		slog.Info("Loaded configuration file", "path", path)
	}

	// Fill anything the file left unset from the built-in defaults.
	if err := mergo.Merge(cfg, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("merging defaults: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}
	return cfg, nil
}

// applyEnvOverrides applies the environment variables that operators use to
// tune a deployment without shipping a config file.
func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")

	setInt(&cfg.State.RetentionSeconds, "STATE_RETENTION_SECONDS")
	setInt(&cfg.State.LockTTLSeconds, "LOCK_TTL_SECONDS")
	setInt(&cfg.State.MaxValidationFailures, "MAX_VALIDATION_FAILURES")

	setInt(&cfg.Pipeline.BatchSize, "BATCH_SIZE")
	setInt(&cfg.Pipeline.MaxConcurrentSubtopics, "MAX_CONCURRENT_SUBTOPICS")

	setInt(&cfg.Queue.WorkerCount, "WORKER_COUNT")

	setString(&cfg.LLM.BaseURL, "LLM_BASE_URL")
}

func setString(target *string, env string) {
	if val := os.Getenv(env); val != "" {
		*target = val
	}
}

func setInt(target *int, env string) {
	val := os.Getenv(env)
	if val == "" {
		return
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		slog.Warn("Ignoring non-integer environment override", "var", env, "value", val)
		return
	}
	*target = parsed
}
