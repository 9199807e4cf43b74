package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/crowdlens/taxo/pkg/llm"
	"github.com/crowdlens/taxo/pkg/models"
)

// clusteringResponse is the strict JSON shape requested from the LLM.
type clusteringResponse struct {
	Taxonomy []models.Topic `json:"taxonomy"`
}

// Clustering runs stage 1: sanitize the raw comments, build a single
// concatenated prompt, and parse the returned taxonomy.
func (e *Executor) Clustering(ctx context.Context, comments []models.Comment, cfg models.StageLLMConfig, apiKey string, runCtx RunContext) (*ClusteringResult, *StageError) {
	logger := runCtx.Log().With("stage", models.StageClustering)

	if serr := e.checkModel(models.StageClustering, cfg.ModelName); serr != nil {
		return nil, serr
	}

	kept, report := sanitizeComments(comments)
	if report.TooShort+report.Truncated+report.Unsafe > 0 {
		logger.Info("Sanitized comment batch",
			"kept", report.Kept,
			"too_short", report.TooShort,
			"truncated", report.Truncated,
			"unsafe", report.Unsafe,
			"unsafe_fraction", report.UnsafeFraction(),
		)
	}
	if len(kept) == 0 {
		return nil, stageErr(models.StageClustering, models.ErrKindValidationFailed,
			"no meaningful comments after sanitization", nil)
	}

	user, included := buildClusteringPrompt(cfg.UserPrompt, kept)
	if included < len(kept) {
		logger.Warn("Clustering prompt truncated",
			"comments_included", included, "comments_total", len(kept))
	}

	resp, err := e.llm.Complete(ctx, apiKey, llm.CompletionRequest{
		System:       cfg.SystemPrompt,
		User:         user,
		Model:        cfg.ModelName,
		JSONResponse: true,
	})
	if err != nil {
		return nil, classifyCallError(models.StageClustering, err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return nil, stageErr(models.StageClustering, models.ErrKindEmptyResponse, "empty completion", nil)
	}

	var parsed clusteringResponse
	if err := json.Unmarshal([]byte(resp.Text), &parsed); err != nil {
		return nil, stageErr(models.StageClustering, models.ErrKindParseFailed, "response is not a taxonomy object", err)
	}
	if len(parsed.Taxonomy) == 0 {
		return nil, stageErr(models.StageClustering, models.ErrKindValidationFailed, "taxonomy has no topics", nil)
	}
	for _, topic := range parsed.Taxonomy {
		if topic.TopicName == "" {
			return nil, stageErr(models.StageClustering, models.ErrKindValidationFailed, "taxonomy contains a topic without a name", nil)
		}
		for _, sub := range topic.Subtopics {
			if sub.SubtopicName == "" {
				return nil, stageErr(models.StageClustering, models.ErrKindValidationFailed,
					fmt.Sprintf("topic %q contains a subtopic without a name", topic.TopicName), nil)
			}
		}
	}

	cost, serr := e.stageCost(models.StageClustering, cfg.ModelName, resp.Usage)
	if serr != nil {
		return nil, serr
	}

	logger.Info("Clustering completed",
		"topics", len(parsed.Taxonomy),
		"total_tokens", resp.Usage.TotalTokens,
		"cost", cost,
	)

	return &ClusteringResult{
		Taxonomy: parsed.Taxonomy,
		Filter:   report,
		Usage:    resp.Usage,
		Cost:     cost,
	}, nil
}

// buildClusteringPrompt concatenates the comment batch under the configured
// user prompt, capped at maxPromptChars. Returns the prompt and how many
// comments made it in.
func buildClusteringPrompt(userPrompt string, comments []models.Comment) (string, int) {
	var b strings.Builder
	b.WriteString(userPrompt)
	b.WriteString("\n\nComments:\n")

	included := 0
	for _, comment := range comments {
		line := formatCommentLine(comment)
		if b.Len()+len(line) > maxPromptChars {
			break
		}
		b.WriteString(line)
		included++
	}
	return b.String(), included
}

func formatCommentLine(comment models.Comment) string {
	if comment.Speaker != "" {
		return fmt.Sprintf("[%s] %s: %s\n", comment.ID, comment.Speaker, comment.Text)
	}
	return fmt.Sprintf("[%s] %s\n", comment.ID, comment.Text)
}
