package steps

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/crowdlens/taxo/pkg/llm"
	"github.com/crowdlens/taxo/pkg/models"
)

// topicSummaryOutcome is the per-topic summary task result.
type topicSummaryOutcome struct {
	topicName string
	summary   string
	usage     models.Usage
	err       *StageError
}

// Summaries runs stage 4: one short natural-language summary per topic of
// the sorted tree. Per-topic failures are non-fatal; the stage succeeds with
// whatever completed.
func (e *Executor) Summaries(ctx context.Context, tree models.SortedTree, cfg models.StageLLMConfig, apiKey string, runCtx RunContext) (*SummariesResult, *StageError) {
	logger := runCtx.Log().With("stage", models.StageSummaries)

	if serr := e.checkModel(models.StageSummaries, cfg.ModelName); serr != nil {
		return nil, serr
	}
	if len(tree) == 0 {
		return nil, stageErr(models.StageSummaries, models.ErrKindValidationFailed, "sorted tree has no topics", nil)
	}

	outcomes := make([]topicSummaryOutcome, len(tree))
	group := &errgroup.Group{}
	group.SetLimit(e.cfg.MaxConcurrentSubtopics)

	for i, topic := range tree {
		if ctxErr := ctx.Err(); ctxErr != nil {
			outcomes[i] = topicSummaryOutcome{
				topicName: topic.Name,
				err:       stageErr(models.StageSummaries, models.ErrKindCancelled, "dispatch cancelled", ctxErr),
			}
			continue
		}
		i, topic := i, topic
		group.Go(func() error {
			outcomes[i] = e.summarizeTopic(ctx, topic, cfg, apiKey)
			return nil
		})
	}
	_ = group.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, stageErr(models.StageSummaries, models.ErrKindCancelled, "summaries cancelled", ctxErr)
	}

	result := &SummariesResult{Summaries: []models.TopicSummaryText{}}
	for _, outcome := range outcomes {
		if outcome.err != nil {
			result.FailedTopics = append(result.FailedTopics, outcome.topicName)
			logger.Warn("Topic summary failed (fail-open)",
				"topic", outcome.topicName, "error", outcome.err)
			continue
		}
		result.Usage.Add(outcome.usage)
		result.Summaries = append(result.Summaries, models.TopicSummaryText{
			TopicName: outcome.topicName,
			Summary:   outcome.summary,
		})
	}

	cost, serr := e.stageCost(models.StageSummaries, cfg.ModelName, result.Usage)
	if serr != nil {
		return nil, serr
	}
	result.Cost = cost

	logger.Info("Summaries completed",
		"topics", len(tree),
		"failed_topics", len(result.FailedTopics),
		"total_tokens", result.Usage.TotalTokens,
		"cost", cost,
	)
	return result, nil
}

// summarizeTopic performs one summary call.
func (e *Executor) summarizeTopic(ctx context.Context, topic models.TopicPair, cfg models.StageLLMConfig, apiKey string) topicSummaryOutcome {
	outcome := topicSummaryOutcome{topicName: topic.Name}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\nTopic: %s\n", cfg.UserPrompt, topic.Name)
	for _, sub := range topic.Data.Topics {
		fmt.Fprintf(&b, "\nSubtopic: %s\n", sub.Name)
		for _, claim := range sub.Data.Claims {
			fmt.Fprintf(&b, "- %s (+%d duplicates)\n", claim.Claim, len(claim.Duplicates))
		}
	}

	resp, err := e.llm.Complete(ctx, apiKey, llm.CompletionRequest{
		System: cfg.SystemPrompt,
		User:   b.String(),
		Model:  cfg.ModelName,
	})
	if err != nil {
		outcome.err = classifyCallError(models.StageSummaries, err)
		return outcome
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		outcome.err = stageErr(models.StageSummaries, models.ErrKindEmptyResponse, "empty completion", nil)
		return outcome
	}

	outcome.summary = text
	outcome.usage = resp.Usage
	return outcome
}
