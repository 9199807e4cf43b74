package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/crowdlens/taxo/pkg/llm"
	"github.com/crowdlens/taxo/pkg/models"
)

// claimCandidate is one entry of the per-comment extraction response.
type claimCandidate struct {
	Claim        string `json:"claim"`
	Quote        string `json:"quote"`
	TopicName    string `json:"topicName"`
	SubtopicName string `json:"subtopicName"`
}

type claimsResponse struct {
	Claims []claimCandidate `json:"claims"`
}

// commentOutcome is the per-comment task result, merged single-writer after
// the batch joins.
type commentOutcome struct {
	comment    models.Comment
	candidates []claimCandidate
	usage      models.Usage
	err        *StageError
}

// Claims runs stage 2: extract claims from every comment independently and
// assemble them into a claims tree keyed by the taxonomy's exact topic and
// subtopic names. Individual comment failures are partial; the stage fails
// only when every comment fails.
func (e *Executor) Claims(ctx context.Context, taxonomy []models.Topic, comments []models.Comment, cfg models.StageLLMConfig, apiKey string, runCtx RunContext) (*ClaimsResult, *StageError) {
	logger := runCtx.Log().With("stage", models.StageClaims)

	if serr := e.checkModel(models.StageClaims, cfg.ModelName); serr != nil {
		return nil, serr
	}
	if len(taxonomy) == 0 {
		return nil, stageErr(models.StageClaims, models.ErrKindValidationFailed, "taxonomy is empty", nil)
	}
	if len(comments) == 0 {
		return nil, stageErr(models.StageClaims, models.ErrKindValidationFailed, "no comments to extract from", nil)
	}

	taxonomyJSON, err := json.Marshal(taxonomy)
	if err != nil {
		return nil, stageErr(models.StageClaims, models.ErrKindValidationFailed, "taxonomy is not serializable", err)
	}

	outcomes := make([]commentOutcome, len(comments))
	group := &errgroup.Group{}
	group.SetLimit(e.cfg.BatchSize)

	for i, comment := range comments {
		// Cooperative cancellation: stop dispatching once the caller gives up.
		if ctxErr := ctx.Err(); ctxErr != nil {
			outcomes[i] = commentOutcome{
				comment: comment,
				err:     stageErr(models.StageClaims, models.ErrKindCancelled, "dispatch cancelled", ctxErr),
			}
			continue
		}
		i, comment := i, comment
		group.Go(func() error {
			outcomes[i] = e.extractFromComment(ctx, string(taxonomyJSON), comment, cfg, apiKey)
			return nil
		})
	}
	_ = group.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, stageErr(models.StageClaims, models.ErrKindCancelled, "claim extraction cancelled", ctxErr)
	}

	// Single-writer merge of the per-comment partial results.
	tree := models.NewClaimsTree(taxonomy)
	result := &ClaimsResult{Tree: tree}
	var firstErr *StageError
	for _, outcome := range outcomes {
		if outcome.err != nil {
			if firstErr == nil {
				firstErr = outcome.err
			}
			result.FailedComments = append(result.FailedComments, outcome.comment.ID)
			logger.Warn("Claim extraction failed for comment",
				"comment_id", outcome.comment.ID, "error", outcome.err)
			continue
		}
		result.Usage.Add(outcome.usage)
		for _, candidate := range outcome.candidates {
			claim := models.Claim{
				Claim:        candidate.Claim,
				Quote:        candidate.Quote,
				Speaker:      outcome.comment.Speaker,
				TopicName:    candidate.TopicName,
				SubtopicName: candidate.SubtopicName,
				CommentID:    outcome.comment.ID,
				Duplicates:   []models.Claim{},
			}
			if !tree.Insert(claim) {
				result.UnmatchedClaims++
				logger.Warn("Claim references unknown taxonomy node",
					"comment_id", outcome.comment.ID,
					"topic", candidate.TopicName,
					"subtopic", candidate.SubtopicName,
				)
			}
		}
	}

	if len(result.FailedComments) == len(comments) {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, stageErr(models.StageClaims, models.ErrKindAPICallFailed, "all comments failed extraction", nil)
	}

	cost, serr := e.stageCost(models.StageClaims, cfg.ModelName, result.Usage)
	if serr != nil {
		return nil, serr
	}
	result.Cost = cost

	logger.Info("Claim extraction completed",
		"comments", len(comments),
		"failed_comments", len(result.FailedComments),
		"unmatched_claims", result.UnmatchedClaims,
		"total_tokens", result.Usage.TotalTokens,
		"cost", cost,
	)
	return result, nil
}

// extractFromComment performs one extraction call.
func (e *Executor) extractFromComment(ctx context.Context, taxonomyJSON string, comment models.Comment, cfg models.StageLLMConfig, apiKey string) commentOutcome {
	user := fmt.Sprintf("%s\n\nTaxonomy:\n%s\n\nComment (%s):\n%s",
		cfg.UserPrompt, taxonomyJSON, comment.ID, comment.Text)

	resp, err := e.llm.Complete(ctx, apiKey, llm.CompletionRequest{
		System:       cfg.SystemPrompt,
		User:         user,
		Model:        cfg.ModelName,
		JSONResponse: true,
	})
	if err != nil {
		return commentOutcome{comment: comment, err: classifyCallError(models.StageClaims, err)}
	}
	if strings.TrimSpace(resp.Text) == "" {
		return commentOutcome{comment: comment, err: stageErr(models.StageClaims, models.ErrKindEmptyResponse, "empty completion", nil)}
	}

	var parsed claimsResponse
	if err := json.Unmarshal([]byte(resp.Text), &parsed); err != nil {
		return commentOutcome{comment: comment, err: stageErr(models.StageClaims, models.ErrKindParseFailed, "response is not a claims object", err)}
	}
	return commentOutcome{comment: comment, candidates: parsed.Claims, usage: resp.Usage}
}
