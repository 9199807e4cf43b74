// Package runner orchestrates the four-stage pipeline: entry locking, state
// loading and resumption, the lock-gated save protocol, and failure paths.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/crowdlens/taxo/pkg/models"
	"github.com/crowdlens/taxo/pkg/state"
	"github.com/crowdlens/taxo/pkg/steps"
)

// validationFailureStep is the counter key segment for state-level schema
// failures (as opposed to per-stage failures).
const validationFailureStep = "state"

// RunError describes why a run did not complete.
type RunError struct {
	Kind    models.ErrorKind `json:"kind"`
	Message string           `json:"message"`
	Step    models.Stage     `json:"step,omitempty"`
}

// RunResult is the outcome of one Run call. State is nil only for entry
// failures that happen before a state exists or loads.
type RunResult struct {
	Success bool                  `json:"success"`
	State   *models.PipelineState `json:"state,omitempty"`
	Error   *RunError             `json:"error,omitempty"`
}

// Runner executes pipeline runs against a state store. A single Runner is
// shared by all workers in the process; per-run state lives on the stack.
type Runner struct {
	store                 *state.Store
	executor              *steps.Executor
	maxValidationFailures int
}

// New creates a runner. maxValidationFailures bounds how many times a
// corrupt persisted state may be observed before it is marked permanently
// failed.
func New(store *state.Store, executor *steps.Executor, maxValidationFailures int) *Runner {
	if maxValidationFailures < 1 {
		maxValidationFailures = 3
	}
	return &Runner{
		store:                 store,
		executor:              executor,
		maxValidationFailures: maxValidationFailures,
	}
}

// Run executes the pipeline for one report.
//
// The returned error is a sentinel (ErrLockContended, ErrTransientCorruption,
// ErrMissingStateForResume, ErrAlreadyExists, ErrLockLostDuringSave) or a
// cache transport error for protocol-level failures; stage failures are
// reported only through the result and the persisted state. The result is
// never nil.
func (r *Runner) Run(ctx context.Context, input *models.PipelineInput, cfg models.RunnerConfig) (*RunResult, error) {
	logger := slog.With("report_id", cfg.ReportID, "user_id", cfg.UserID)
	runCtx := steps.RunContext{ReportID: cfg.ReportID, UserID: cfg.UserID, Logger: logger}

	// 1. Lock. A caller-supplied token means the queue holds the lock on our
	// behalf; we then never release it.
	token := cfg.LockValue
	ownsLock := false
	if token == "" {
		token = uuid.NewString()
		ok, err := r.store.AcquirePipelineLock(ctx, cfg.ReportID, token)
		if err != nil {
			return entryFailure(models.ErrKindCacheError, err.Error()), err
		}
		if !ok {
			logger.Info("Pipeline lock contended, yielding")
			return entryFailure(models.ErrKindLockContended, ErrLockContended.Error()), ErrLockContended
		}
		ownsLock = true
	}

	// releaseLock is skipped on the lock-lost path: a worker that observed
	// lock loss must not touch a lock another worker may now own.
	skipRelease := false
	if ownsLock {
		defer func() {
			if skipRelease {
				return
			}
			if _, err := r.store.ReleasePipelineLock(context.Background(), cfg.ReportID, token); err != nil {
				logger.Warn("Failed to release pipeline lock", "error", err)
			}
		}()
	}

	// 2. Load or construct state.
	st, err := r.store.Get(ctx, cfg.ReportID)
	if err != nil {
		if errors.Is(err, state.ErrInvalidState) {
			return r.handleCorruptState(ctx, cfg, token, &skipRelease, logger)
		}
		return entryFailure(models.ErrKindCacheError, err.Error()), err
	}

	switch {
	case st == nil && cfg.ResumeFromState:
		logger.Warn("Resume requested but no state exists")
		return entryFailure(models.ErrKindMissingStateForResume, ErrMissingStateForResume.Error()), ErrMissingStateForResume
	case st == nil:
		st = models.NewPipelineState(cfg.ReportID, cfg.UserID)
	case !cfg.ResumeFromState && st.Status != models.StatusFailed:
		// Overwrite-start is forbidden; a failed state is treated as a
		// fresh resume from the last completed stage.
		logger.Warn("Refusing to overwrite existing state", "status", st.Status)
		return &RunResult{
			State: st,
			Error: &RunError{Kind: models.ErrKindAlreadyExists, Message: ErrAlreadyExists.Error()},
		}, ErrAlreadyExists
	}

	prepareForRun(st)

	// 3. Stage loop.
	for _, stage := range models.StageOrder() {
		if ctxErr := ctx.Err(); ctxErr != nil {
			serr := &steps.StageError{
				Stage:   stage,
				Kind:    models.ErrKindCancelled,
				Message: "run cancelled between stages",
				Err:     ctxErr,
			}
			return r.failRun(ctx, st, token, stage, serr, &skipRelease, logger)
		}
		if st.StageCompleted(stage) {
			logger.Info("Skipping completed stage", "stage", stage)
			continue
		}

		st.Status = stage.RunningStatus()
		analytic := st.Analytics(stage)
		analytic.Status = models.StepRunning
		started := models.Now()
		analytic.StartedAt = &started

		logger.Info("Stage starting", "stage", stage)
		data, usage, cost, serr := r.executeStage(ctx, stage, st, input, runCtx)

		finished := models.Now()
		analytic.FinishedAt = &finished
		analytic.DurationMs = finished.Sub(started.Time).Milliseconds()
		analytic.InputTokens = usage.InputTokens
		analytic.OutputTokens = usage.OutputTokens
		analytic.TotalTokens = usage.TotalTokens
		analytic.Cost = cost

		if serr != nil {
			return r.failRun(ctx, st, token, stage, serr, &skipRelease, logger)
		}

		analytic.Status = models.StepCompleted
		st.CompletedResults[stage] = models.StageOutcome{Data: data, Usage: usage, Cost: cost}
		st.RecomputeTotals()

		if err := r.saveGated(ctx, st, token); err != nil {
			if errors.Is(err, ErrLockLostDuringSave) {
				skipRelease = true
				logger.Error("Lock lost during save, aborting without saving", "stage", stage)
				return &RunResult{
					State: st,
					Error: &RunError{Kind: models.ErrKindLockLostDuringSave, Message: err.Error(), Step: stage},
				}, ErrLockLostDuringSave
			}
			return &RunResult{
				State: st,
				Error: &RunError{Kind: models.ErrKindCacheError, Message: err.Error(), Step: stage},
			}, err
		}
		logger.Info("Stage completed", "stage", stage, "duration_ms", analytic.DurationMs, "cost", cost)
	}

	// 4. Exit.
	st.Status = models.StatusCompleted
	if err := r.saveGated(ctx, st, token); err != nil {
		if errors.Is(err, ErrLockLostDuringSave) {
			skipRelease = true
			return &RunResult{
				State: st,
				Error: &RunError{Kind: models.ErrKindLockLostDuringSave, Message: err.Error()},
			}, ErrLockLostDuringSave
		}
		return &RunResult{
			State: st,
			Error: &RunError{Kind: models.ErrKindCacheError, Message: err.Error()},
		}, err
	}

	logger.Info("Pipeline completed",
		"total_tokens", st.TotalTokens,
		"total_cost", st.TotalCost,
		"total_duration_ms", st.TotalDurationMs,
	)
	return &RunResult{Success: true, State: st}, nil
}

// executeStage dispatches one stage, feeding it the previous stages' results
// from the checkpoint, and returns the serialized stage payload.
func (r *Runner) executeStage(ctx context.Context, stage models.Stage, st *models.PipelineState, input *models.PipelineInput, runCtx steps.RunContext) (json.RawMessage, models.Usage, float64, *steps.StageError) {
	llmCfg := input.LLM.ForStage(stage)

	switch stage {
	case models.StageClustering:
		result, serr := r.executor.Clustering(ctx, input.Comments, llmCfg, input.APIKey, runCtx)
		if serr != nil {
			return nil, models.Usage{}, 0, serr
		}
		return encodeStageData(stage, result.Taxonomy, result.Usage, result.Cost)

	case models.StageClaims:
		taxonomy, err := st.Taxonomy()
		if err != nil {
			return nil, models.Usage{}, 0, corruptCheckpoint(stage, err)
		}
		result, serr := r.executor.Claims(ctx, taxonomy, input.Comments, llmCfg, input.APIKey, runCtx)
		if serr != nil {
			return nil, models.Usage{}, 0, serr
		}
		return encodeStageData(stage, result.Tree, result.Usage, result.Cost)

	case models.StageSortDedup:
		tree, err := st.ClaimsTreeResult()
		if err != nil {
			return nil, models.Usage{}, 0, corruptCheckpoint(stage, err)
		}
		result, serr := r.executor.SortAndDeduplicate(ctx, tree, input.EffectiveSortStrategy(), llmCfg, input.APIKey, runCtx)
		if serr != nil {
			return nil, models.Usage{}, 0, serr
		}
		return encodeStageData(stage, result.Tree, result.Usage, result.Cost)

	case models.StageSummaries:
		tree, err := st.SortedTreeResult()
		if err != nil {
			return nil, models.Usage{}, 0, corruptCheckpoint(stage, err)
		}
		result, serr := r.executor.Summaries(ctx, tree, llmCfg, input.APIKey, runCtx)
		if serr != nil {
			return nil, models.Usage{}, 0, serr
		}
		return encodeStageData(stage, result.Summaries, result.Usage, result.Cost)

	default:
		return nil, models.Usage{}, 0, &steps.StageError{
			Stage:   stage,
			Kind:    models.ErrKindValidationFailed,
			Message: fmt.Sprintf("unknown stage %q", stage),
		}
	}
}

func encodeStageData(stage models.Stage, data any, usage models.Usage, cost float64) (json.RawMessage, models.Usage, float64, *steps.StageError) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, models.Usage{}, 0, &steps.StageError{
			Stage:   stage,
			Kind:    models.ErrKindValidationFailed,
			Message: "stage output is not serializable",
			Err:     err,
		}
	}
	return raw, usage, cost, nil
}

func corruptCheckpoint(stage models.Stage, err error) *steps.StageError {
	return &steps.StageError{
		Stage:   stage,
		Kind:    models.ErrKindValidationFailed,
		Message: "checkpointed result for a prior stage is unreadable",
		Err:     err,
	}
}

// failRun finalizes a stage failure: the analytic and the state both record
// the error, the state is saved under the lock gate, and the run returns.
func (r *Runner) failRun(ctx context.Context, st *models.PipelineState, token string, stage models.Stage, serr *steps.StageError, skipRelease *bool, logger *slog.Logger) (*RunResult, error) {
	stateErr := &models.StateError{Step: stage, Message: serr.Error(), Kind: serr.Kind}

	analytic := st.Analytics(stage)
	analytic.Status = models.StepFailed
	analytic.Error = stateErr
	if analytic.FinishedAt == nil {
		finished := models.Now()
		analytic.FinishedAt = &finished
		if analytic.StartedAt != nil {
			analytic.DurationMs = finished.Sub(analytic.StartedAt.Time).Milliseconds()
		}
	}

	st.Status = models.StatusFailed
	st.Error = stateErr
	st.RecomputeTotals()

	logger.Error("Stage failed", "stage", stage, "kind", serr.Kind, "error", serr)

	runErr := &RunError{Kind: serr.Kind, Message: serr.Error(), Step: stage}
	if err := r.saveGated(ctx, st, token); err != nil {
		if errors.Is(err, ErrLockLostDuringSave) {
			*skipRelease = true
			return &RunResult{
				State: st,
				Error: &RunError{Kind: models.ErrKindLockLostDuringSave, Message: err.Error(), Step: stage},
			}, ErrLockLostDuringSave
		}
		logger.Error("Failed to persist failed state", "error", err)
	}
	return &RunResult{State: st, Error: runErr}, nil
}

// handleCorruptState implements the corruption budget: below the limit the
// caller may retry; at the limit the state is overwritten as permanently
// failed.
func (r *Runner) handleCorruptState(ctx context.Context, cfg models.RunnerConfig, token string, skipRelease *bool, logger *slog.Logger) (*RunResult, error) {
	n, err := r.store.IncrementValidationFailure(ctx, cfg.ReportID, validationFailureStep)
	if err != nil {
		return entryFailure(models.ErrKindCacheError, err.Error()), err
	}

	if n < int64(r.maxValidationFailures) {
		logger.Warn("Persisted state failed validation", "failure_count", n)
		return entryFailure(models.ErrKindTransientCorruption, ErrTransientCorruption.Error()), ErrTransientCorruption
	}

	logger.Error("Persisted state is permanently corrupted", "failure_count", n)
	st := models.NewPipelineState(cfg.ReportID, cfg.UserID)
	st.Status = models.StatusFailed
	st.Error = &models.StateError{
		Message: fmt.Sprintf("state failed validation %d times", n),
		Kind:    models.ErrKindPermanentlyCorrupted,
	}

	if err := r.saveGated(ctx, st, token); err != nil {
		if errors.Is(err, ErrLockLostDuringSave) {
			*skipRelease = true
			return &RunResult{
				State: st,
				Error: &RunError{Kind: models.ErrKindLockLostDuringSave, Message: err.Error()},
			}, ErrLockLostDuringSave
		}
		logger.Error("Failed to persist permanently corrupted marker", "error", err)
	}
	return &RunResult{
		State: st,
		Error: &RunError{Kind: models.ErrKindPermanentlyCorrupted, Message: st.Error.Message},
	}, nil
}

// saveGated is the atomic save gate: verify lock ownership immediately
// before writing state. A worker whose lock TTL elapsed mid-stage must not
// corrupt state another worker now owns.
func (r *Runner) saveGated(ctx context.Context, st *models.PipelineState, token string) error {
	// Terminal saves must survive caller cancellation.
	saveCtx := context.WithoutCancel(ctx)

	owns, err := r.store.VerifyLockOwnership(saveCtx, st.ReportID, token)
	if err != nil {
		return err
	}
	if !owns {
		return ErrLockLostDuringSave
	}
	return r.store.Save(saveCtx, st)
}

// prepareForRun normalizes a loaded (or fresh) state for execution: stale
// failure markers are cleared and incomplete stages reset to pending, so a
// resume re-executes exactly the stages without checkpointed results.
func prepareForRun(st *models.PipelineState) {
	st.Error = nil
	st.Status = models.StatusPending
	for _, stage := range models.StageOrder() {
		if st.StageCompleted(stage) {
			continue
		}
		st.StepAnalytics[stage] = &models.StepAnalytics{Status: models.StepPending}
	}
	st.RecomputeTotals()
}

func entryFailure(kind models.ErrorKind, message string) *RunResult {
	return &RunResult{Error: &RunError{Kind: kind, Message: message}}
}
