package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is the current PipelineState wire schema version.
// Bump only with a migration story for persisted states.
const SchemaVersion = 1

// timeLayout is the wire format for all state timestamps: RFC 3339 in UTC
// with fixed millisecond precision.
const timeLayout = "2006-01-02T15:04:05.000Z"

// Timestamp is a time.Time that serializes with millisecond precision.
// All state timestamps use this type so a save/load round-trip is lossless.
type Timestamp struct {
	time.Time
}

// Now returns the current UTC time truncated to millisecond precision.
func Now() Timestamp {
	return Timestamp{time.Now().UTC().Truncate(time.Millisecond)}
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format(timeLayout) + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	t.Time = parsed.UTC()
	return nil
}

// PipelineStatus is the lifecycle status of a pipeline run.
type PipelineStatus string

// Pipeline status constants.
const (
	StatusPending          PipelineStatus = "pending"
	StatusClustering       PipelineStatus = "clustering"
	StatusExtractingClaims PipelineStatus = "extracting_claims"
	StatusSorting          PipelineStatus = "sorting"
	StatusSummarizing      PipelineStatus = "summarizing"
	StatusCompleted        PipelineStatus = "completed"
	StatusFailed           PipelineStatus = "failed"
)

// Stage identifies one of the four pipeline stages.
type Stage string

// Stage name constants. These are persisted as map keys in the state JSON
// and must stay stable.
const (
	StageClustering Stage = "clustering"
	StageClaims     Stage = "claims"
	StageSortDedup  Stage = "sort_and_deduplicate"
	StageSummaries  Stage = "summaries"
)

// StageOrder returns all stages in execution order.
func StageOrder() []Stage {
	return []Stage{StageClustering, StageClaims, StageSortDedup, StageSummaries}
}

// RunningStatus returns the pipeline status that corresponds to a stage
// being in flight.
func (s Stage) RunningStatus() PipelineStatus {
	switch s {
	case StageClustering:
		return StatusClustering
	case StageClaims:
		return StatusExtractingClaims
	case StageSortDedup:
		return StatusSorting
	case StageSummaries:
		return StatusSummarizing
	default:
		return StatusPending
	}
}

// StepStatus is the lifecycle status of a single stage within a run.
type StepStatus string

// Step status constants.
const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Usage holds token accounting for one or more LLM calls.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// Add folds another usage into this one.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// StepAnalytics tracks execution metadata for one stage of one run.
type StepAnalytics struct {
	Status       StepStatus  `json:"status" validate:"required,oneof=pending running completed failed"`
	StartedAt    *Timestamp  `json:"startedAt,omitempty"`
	FinishedAt   *Timestamp  `json:"finishedAt,omitempty"`
	DurationMs   int64       `json:"durationMs"`
	InputTokens  int         `json:"inputTokens"`
	OutputTokens int         `json:"outputTokens"`
	TotalTokens  int         `json:"totalTokens"`
	Cost         float64     `json:"cost"`
	Error        *StateError `json:"error"`
}

// StageOutcome is the persisted result of a completed stage: the stage's
// validated output plus its token/cost accounting. Data is kept as raw JSON
// so a save/load round-trip preserves the exact bytes the stage produced.
type StageOutcome struct {
	Data  json.RawMessage `json:"data"`
	Usage Usage           `json:"usage"`
	Cost  float64         `json:"cost"`
}

// StateError records the error that terminated a run.
type StateError struct {
	Step    Stage     `json:"step"`
	Message string    `json:"message"`
	Kind    ErrorKind `json:"kind"`
}

// PipelineState is the checkpoint for a single report. Exactly one exists
// per report ID and it is the sole source of truth for resumption.
type PipelineState struct {
	ReportID      string         `json:"reportId" validate:"required"`
	UserID        string         `json:"userId" validate:"required"`
	SchemaVersion int            `json:"schemaVersion" validate:"required,eq=1"`
	Status        PipelineStatus `json:"status" validate:"required,oneof=pending clustering extracting_claims sorting summarizing completed failed"`
	CreatedAt     Timestamp      `json:"createdAt"`
	UpdatedAt     Timestamp      `json:"updatedAt"`

	// CompletedResults holds the output of every completed stage, keyed by
	// stage name. A key is present iff the matching analytic is completed.
	CompletedResults map[Stage]StageOutcome `json:"completedResults"`

	// StepAnalytics holds per-stage execution metadata for all four stages.
	StepAnalytics map[Stage]*StepAnalytics `json:"stepAnalytics" validate:"required,dive,required"`

	// Aggregates over analytics of completed and failed stages.
	TotalTokens     int     `json:"totalTokens"`
	TotalCost       float64 `json:"totalCost"`
	TotalDurationMs int64   `json:"totalDurationMs"`

	Error *StateError `json:"error"`
}

// NewPipelineState constructs the initial state for a fresh run.
func NewPipelineState(reportID, userID string) *PipelineState {
	now := Now()
	analytics := make(map[Stage]*StepAnalytics, len(StageOrder()))
	for _, stage := range StageOrder() {
		analytics[stage] = &StepAnalytics{Status: StepPending}
	}
	return &PipelineState{
		ReportID:         reportID,
		UserID:           userID,
		SchemaVersion:    SchemaVersion,
		Status:           StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
		CompletedResults: make(map[Stage]StageOutcome),
		StepAnalytics:    analytics,
	}
}

// Analytics returns the analytics entry for a stage, creating it if the
// loaded state predates the stage (defensive against older checkpoints).
func (s *PipelineState) Analytics(stage Stage) *StepAnalytics {
	if s.StepAnalytics == nil {
		s.StepAnalytics = make(map[Stage]*StepAnalytics)
	}
	a, ok := s.StepAnalytics[stage]
	if !ok {
		a = &StepAnalytics{Status: StepPending}
		s.StepAnalytics[stage] = a
	}
	return a
}

// StageCompleted reports whether a stage already has a validated result.
func (s *PipelineState) StageCompleted(stage Stage) bool {
	_, ok := s.CompletedResults[stage]
	return ok
}

// RecomputeTotals rebuilds the aggregate fields from the per-stage analytics.
// Only completed and failed stages contribute.
func (s *PipelineState) RecomputeTotals() {
	var tokens int
	var cost float64
	var duration int64
	for _, stage := range StageOrder() {
		a, ok := s.StepAnalytics[stage]
		if !ok {
			continue
		}
		if a.Status != StepCompleted && a.Status != StepFailed {
			continue
		}
		tokens += a.TotalTokens
		cost += a.Cost
		duration += a.DurationMs
	}
	s.TotalTokens = tokens
	s.TotalCost = cost
	s.TotalDurationMs = duration
}

// Taxonomy decodes the clustering stage result.
func (s *PipelineState) Taxonomy() ([]Topic, error) {
	outcome, ok := s.CompletedResults[StageClustering]
	if !ok {
		return nil, fmt.Errorf("no clustering result for report %s", s.ReportID)
	}
	var taxonomy []Topic
	if err := json.Unmarshal(outcome.Data, &taxonomy); err != nil {
		return nil, fmt.Errorf("decoding clustering result: %w", err)
	}
	return taxonomy, nil
}

// ClaimsTreeResult decodes the claims stage result.
func (s *PipelineState) ClaimsTreeResult() (ClaimsTree, error) {
	outcome, ok := s.CompletedResults[StageClaims]
	if !ok {
		return nil, fmt.Errorf("no claims result for report %s", s.ReportID)
	}
	var tree ClaimsTree
	if err := json.Unmarshal(outcome.Data, &tree); err != nil {
		return nil, fmt.Errorf("decoding claims result: %w", err)
	}
	return tree, nil
}

// SortedTreeResult decodes the sort_and_deduplicate stage result.
func (s *PipelineState) SortedTreeResult() (SortedTree, error) {
	outcome, ok := s.CompletedResults[StageSortDedup]
	if !ok {
		return nil, fmt.Errorf("no sort_and_deduplicate result for report %s", s.ReportID)
	}
	var tree SortedTree
	if err := json.Unmarshal(outcome.Data, &tree); err != nil {
		return nil, fmt.Errorf("decoding sort_and_deduplicate result: %w", err)
	}
	return tree, nil
}
