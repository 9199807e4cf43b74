package models

// Comment is a single free-text comment in the input batch.
type Comment struct {
	ID        string `json:"id" validate:"required"`
	Text      string `json:"text" validate:"required"`
	Speaker   string `json:"speaker,omitempty"`
	Interview string `json:"interview,omitempty"`
}

// SortStrategy selects the ordering metric for the sorted tree.
type SortStrategy string

// Sort strategy constants.
const (
	SortByPeople SortStrategy = "numPeople"
	SortByClaims SortStrategy = "numClaims"
)

// StageLLMConfig is the per-stage LLM configuration supplied by the caller.
type StageLLMConfig struct {
	ModelName    string `json:"model_name" validate:"required"`
	SystemPrompt string `json:"system_prompt" validate:"required"`
	UserPrompt   string `json:"user_prompt" validate:"required"`
}

// LLMStageConfigs bundles the four per-stage LLM configurations.
type LLMStageConfigs struct {
	Clustering         StageLLMConfig `json:"clustering"`
	Claims             StageLLMConfig `json:"claims"`
	SortAndDeduplicate StageLLMConfig `json:"sort_and_deduplicate"`
	Summaries          StageLLMConfig `json:"summaries"`
}

// ForStage returns the configuration for the given stage.
func (c LLMStageConfigs) ForStage(stage Stage) StageLLMConfig {
	switch stage {
	case StageClustering:
		return c.Clustering
	case StageClaims:
		return c.Claims
	case StageSortDedup:
		return c.SortAndDeduplicate
	case StageSummaries:
		return c.Summaries
	default:
		return StageLLMConfig{}
	}
}

// PipelineInput is the immutable input for one pipeline run.
type PipelineInput struct {
	Comments     []Comment       `json:"comments" validate:"required,min=1,dive"`
	LLM          LLMStageConfigs `json:"llm"`
	APIKey       string          `json:"api_key" validate:"required"`
	EnableCruxes bool            `json:"enable_cruxes"`
	SortStrategy SortStrategy    `json:"sort_strategy" validate:"omitempty,oneof=numPeople numClaims"`
}

// EffectiveSortStrategy returns the configured strategy, defaulting to
// sorting by distinct speakers.
func (in *PipelineInput) EffectiveSortStrategy() SortStrategy {
	if in.SortStrategy == SortByClaims {
		return SortByClaims
	}
	return SortByPeople
}

// RunnerConfig carries per-run settings supplied by the caller alongside the
// pipeline input.
type RunnerConfig struct {
	ReportID        string `json:"report_id" validate:"required"`
	UserID          string `json:"user_id" validate:"required"`
	ResumeFromState bool   `json:"resume_from_state"`

	// LockValue, when set, is a lock token the caller already owns for this
	// report. The runner then skips acquisition and never releases the lock.
	LockValue string `json:"lock_value,omitempty"`
}
