// Package state persists pipeline checkpoints and owns the per-report lock
// and validation-failure counter key layout.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/crowdlens/taxo/pkg/cache"
	"github.com/crowdlens/taxo/pkg/models"
)

// Key prefixes. Namespaced and stable; other services read these keys.
const (
	stateKeyPrefix   = "pipeline_state:"
	lockKeyPrefix    = "pipeline_lock:"
	failureKeyPrefix = "pipeline_validation_failure:"
)

// ErrInvalidState indicates a persisted state failed schema validation on
// load. The caller decides whether to count this against the corruption
// budget.
var ErrInvalidState = errors.New("invalid pipeline state")

// Store is the Redis-backed persistence layer for pipeline state. Every key
// it writes carries the retention window as TTL, so abandoned reports are
// eventually reclaimed by the KV store itself; the store never deletes state.
type Store struct {
	cache     cache.Cache
	retention time.Duration
	lockTTL   time.Duration
	validate  *validator.Validate
}

// NewStore creates a state store. retention is the TTL applied to state and
// counter keys (the state retention window); lockTTL is the TTL of the
// per-report ownership lock.
func NewStore(c cache.Cache, retention, lockTTL time.Duration) *Store {
	return &Store{
		cache:     c,
		retention: retention,
		lockTTL:   lockTTL,
		validate:  validator.New(),
	}
}

// LockTTL returns the configured lock TTL.
func (s *Store) LockTTL() time.Duration {
	return s.lockTTL
}

// StateKey returns the KV key holding a report's serialized state.
func StateKey(reportID string) string {
	return stateKeyPrefix + reportID
}

// LockKey returns the KV key holding a report's ownership lock.
func LockKey(reportID string) string {
	return lockKeyPrefix + reportID
}

// FailureKey returns the KV key holding a report's validation-failure
// counter for the given step.
func FailureKey(reportID, step string) string {
	return failureKeyPrefix + reportID + ":" + step
}

// Save serializes and persists the state under the retention window. The
// state's UpdatedAt is refreshed as part of the write.
func (s *Store) Save(ctx context.Context, st *models.PipelineState) error {
	st.UpdatedAt = models.Now()
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("serializing state for report %s: %w", st.ReportID, err)
	}
	return s.cache.Set(ctx, StateKey(st.ReportID), string(data), s.retention)
}

// Get loads and validates the state for a report. It returns (nil, nil) when
// no state exists and an error wrapping ErrInvalidState when the persisted
// value fails schema validation.
func (s *Store) Get(ctx context.Context, reportID string) (*models.PipelineState, error) {
	raw, ok, err := s.cache.Get(ctx, StateKey(reportID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	var st models.PipelineState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("%w: report %s: %v", ErrInvalidState, reportID, err)
	}
	if err := s.validateState(&st); err != nil {
		return nil, fmt.Errorf("%w: report %s: %v", ErrInvalidState, reportID, err)
	}
	return &st, nil
}

// validateState checks the wire schema plus the result/analytic consistency
// invariant: a stage has a completed result iff its analytic is completed.
func (s *Store) validateState(st *models.PipelineState) error {
	if err := s.validate.Struct(st); err != nil {
		return err
	}
	for stage := range st.CompletedResults {
		a, ok := st.StepAnalytics[stage]
		if !ok || a.Status != models.StepCompleted {
			return fmt.Errorf("stage %s has a result but analytic status is not completed", stage)
		}
	}
	for stage, a := range st.StepAnalytics {
		if a.Status == models.StepCompleted && !st.StageCompleted(stage) {
			return fmt.Errorf("stage %s analytic is completed but no result is present", stage)
		}
	}
	return nil
}

// AcquirePipelineLock attempts to take ownership of a report.
func (s *Store) AcquirePipelineLock(ctx context.Context, reportID, token string) (bool, error) {
	return s.cache.AcquireLock(ctx, LockKey(reportID), token, s.lockTTL)
}

// ReleasePipelineLock releases ownership iff token still owns the lock.
func (s *Store) ReleasePipelineLock(ctx context.Context, reportID, token string) (bool, error) {
	return s.cache.ReleaseLock(ctx, LockKey(reportID), token)
}

// ExtendPipelineLock refreshes the lock TTL iff token still owns the lock.
func (s *Store) ExtendPipelineLock(ctx context.Context, reportID, token string) (bool, error) {
	return s.cache.ExtendLock(ctx, LockKey(reportID), token, s.lockTTL)
}

// VerifyLockOwnership reports whether token currently owns the report lock.
// Called before every state save; a false return means the TTL elapsed and
// another worker may own the report now.
func (s *Store) VerifyLockOwnership(ctx context.Context, reportID, token string) (bool, error) {
	val, ok, err := s.cache.Get(ctx, LockKey(reportID))
	if err != nil {
		return false, err
	}
	return ok && val == token, nil
}

// IncrementValidationFailure bumps the corruption counter for a report/step
// and returns the post-increment value. The counter expires with the state
// retention window.
func (s *Store) IncrementValidationFailure(ctx context.Context, reportID, step string) (int64, error) {
	key := FailureKey(reportID, step)
	n, err := s.cache.Increment(ctx, key)
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if _, err := s.cache.Expire(ctx, key, s.retention); err != nil {
			slog.Warn("Failed to set TTL on validation failure counter",
				"report_id", reportID, "step", step, "error", err)
		}
	}
	return n, nil
}
