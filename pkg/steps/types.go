// Package steps implements the four pipeline stage executors. All executors
// share one contract: previous results in, validated stage output plus
// token/cost accounting out, failures expressed as a tagged *StageError.
package steps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/crowdlens/taxo/pkg/config"
	"github.com/crowdlens/taxo/pkg/llm"
	"github.com/crowdlens/taxo/pkg/models"
	"github.com/crowdlens/taxo/pkg/pricing"
)

// RunContext carries per-run identity and the per-report logger into the
// step executors.
type RunContext struct {
	ReportID string
	UserID   string
	Logger   *slog.Logger
}

// Log returns the run logger, falling back to the default logger.
func (c RunContext) Log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// StageError is a tagged stage failure.
type StageError struct {
	Stage   models.Stage
	Kind    models.ErrorKind
	Message string
	Err     error
}

// Error returns the formatted error message.
func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stage %s: %s: %v", e.Stage, e.Message, e.Err)
	}
	return fmt.Sprintf("stage %s: %s", e.Stage, e.Message)
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage models.Stage, kind models.ErrorKind, message string, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Message: message, Err: err}
}

// classifyCallError maps an LLM transport failure to the error taxonomy,
// distinguishing caller cancellation from provider failure.
func classifyCallError(stage models.Stage, err error) *StageError {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return stageErr(stage, models.ErrKindCancelled, "call cancelled", err)
	}
	return stageErr(stage, models.ErrKindAPICallFailed, "LLM call failed", err)
}

// ClusteringResult is the stage-1 output.
type ClusteringResult struct {
	Taxonomy []models.Topic
	Filter   SanitizeReport
	Usage    models.Usage
	Cost     float64
}

// ClaimsResult is the stage-2 output.
type ClaimsResult struct {
	Tree models.ClaimsTree

	// UnmatchedClaims counts claims the LLM attributed to topic or subtopic
	// names not present in the taxonomy. They are never inserted.
	UnmatchedClaims int

	// FailedComments lists comment IDs whose extraction failed. The stage
	// only fails when every comment fails.
	FailedComments []string

	Usage models.Usage
	Cost  float64
}

// SortResult is the stage-3 output.
type SortResult struct {
	Tree models.SortedTree

	// MissedClaims counts claims the grouping response did not account for;
	// each was recovered as its own single-item group.
	MissedClaims int

	// DroppedSubtopics lists subtopics whose deduplication call failed.
	DroppedSubtopics []string

	Usage models.Usage
	Cost  float64
}

// SummariesResult is the stage-4 output.
type SummariesResult struct {
	Summaries []models.TopicSummaryText

	// FailedTopics lists topics whose summary call failed; these are
	// non-fatal and simply absent from Summaries.
	FailedTopics []string

	Usage models.Usage
	Cost  float64
}

// Executor holds the collaborators shared by all four stage executors.
type Executor struct {
	llm     llm.Client
	catalog *pricing.ModelCatalog
	cfg     *config.PipelineConfig
}

// NewExecutor creates a stage executor set.
func NewExecutor(client llm.Client, catalog *pricing.ModelCatalog, cfg *config.PipelineConfig) *Executor {
	if cfg == nil {
		cfg = config.DefaultPipelineConfig()
	}
	return &Executor{llm: client, catalog: catalog, cfg: cfg}
}

// stageCost resolves the cost of accumulated usage, mapping a missing
// catalog entry to the unknown_model stage failure.
func (e *Executor) stageCost(stage models.Stage, model string, usage models.Usage) (float64, *StageError) {
	cost, err := e.catalog.Cost(model, usage)
	if err != nil {
		return 0, stageErr(stage, models.ErrKindUnknownModel, fmt.Sprintf("no cost entry for model %q", model), err)
	}
	return cost, nil
}

// checkModel rejects unknown models before any API call is spent on them.
func (e *Executor) checkModel(stage models.Stage, model string) *StageError {
	if !e.catalog.Has(model) {
		return stageErr(stage, models.ErrKindUnknownModel, fmt.Sprintf("no cost entry for model %q", model), pricing.ErrUnknownModel)
	}
	return nil
}
