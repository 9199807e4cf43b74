package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/crowdlens/taxo/pkg/llm"
	"github.com/crowdlens/taxo/pkg/models"
)

// claimIndex identifies a claim by its position within a subtopic. The LLM
// emits either "claimId<n>" strings or bare integers; both are parsed into
// this type once at the response boundary.
type claimIndex int

// parseClaimIndex parses one grouping identifier. limit is the number of
// claims in the subtopic; out-of-range indices are rejected.
func parseClaimIndex(raw json.RawMessage, limit int) (claimIndex, error) {
	token := strings.TrimSpace(string(raw))

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		lower := strings.ToLower(s)
		if rest, ok := strings.CutPrefix(lower, "claimid"); ok {
			s = strings.TrimSpace(rest)
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("unparseable claim id %s", token)
		}
		return boundedIndex(n, limit, token)
	}

	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("unparseable claim id %s", token)
	}
	return boundedIndex(n, limit, token)
}

func boundedIndex(n, limit int, token string) (claimIndex, error) {
	if n < 0 || n >= limit {
		return 0, fmt.Errorf("claim id %s out of range [0,%d)", token, limit)
	}
	return claimIndex(n), nil
}

// groupedClaim is one deduplication group from the LLM response.
type groupedClaim struct {
	OriginalClaimIDs []json.RawMessage `json:"originalClaimIds"`
	ClaimText        string            `json:"claimText"`
}

type groupingResponse struct {
	GroupedClaims []groupedClaim `json:"groupedClaims"`
}

// subtopicJob is one unit of stage-3 work.
type subtopicJob struct {
	topicName    string
	subtopicName string
	claims       []models.Claim
}

// subtopicOutcome is the deduplicated subtopic, or its failure.
type subtopicOutcome struct {
	topicName    string
	subtopicName string
	claims       []models.Claim
	speakers     []string
	missed       int
	usage        models.Usage
	err          *StageError
}

// SortAndDeduplicate runs stage 3: deduplicate claims within every non-empty
// subtopic, then order subtopics and topics by the sort strategy. Subtopics
// whose call failed are dropped; a topic without surviving subtopics is
// dropped; an empty result fails the stage.
func (e *Executor) SortAndDeduplicate(ctx context.Context, tree models.ClaimsTree, strategy models.SortStrategy, cfg models.StageLLMConfig, apiKey string, runCtx RunContext) (*SortResult, *StageError) {
	logger := runCtx.Log().With("stage", models.StageSortDedup)

	if serr := e.checkModel(models.StageSortDedup, cfg.ModelName); serr != nil {
		return nil, serr
	}

	jobs := subtopicJobs(tree)
	if len(jobs) == 0 {
		return nil, stageErr(models.StageSortDedup, models.ErrKindValidationFailed, "claims tree has no claims", nil)
	}

	outcomes := make([]subtopicOutcome, len(jobs))
	group := &errgroup.Group{}
	group.SetLimit(e.cfg.MaxConcurrentSubtopics)

	for i, job := range jobs {
		if ctxErr := ctx.Err(); ctxErr != nil {
			outcomes[i] = subtopicOutcome{
				topicName:    job.topicName,
				subtopicName: job.subtopicName,
				err:          stageErr(models.StageSortDedup, models.ErrKindCancelled, "dispatch cancelled", ctxErr),
			}
			continue
		}
		i, job := i, job
		group.Go(func() error {
			outcomes[i] = e.dedupeSubtopic(ctx, job, cfg, apiKey, logger)
			return nil
		})
	}
	_ = group.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, stageErr(models.StageSortDedup, models.ErrKindCancelled, "deduplication cancelled", ctxErr)
	}

	result := &SortResult{}
	byTopic := make(map[string][]subtopicOutcome)
	var topicOrder []string
	for _, outcome := range outcomes {
		if outcome.err != nil {
			result.DroppedSubtopics = append(result.DroppedSubtopics,
				outcome.topicName+"/"+outcome.subtopicName)
			logger.Warn("Dropping subtopic after deduplication failure",
				"topic", outcome.topicName,
				"subtopic", outcome.subtopicName,
				"error", outcome.err,
			)
			continue
		}
		result.Usage.Add(outcome.usage)
		result.MissedClaims += outcome.missed
		if _, seen := byTopic[outcome.topicName]; !seen {
			topicOrder = append(topicOrder, outcome.topicName)
		}
		byTopic[outcome.topicName] = append(byTopic[outcome.topicName], outcome)
	}

	sorted := assembleSortedTree(topicOrder, byTopic, strategy)
	if len(sorted) == 0 {
		return nil, stageErr(models.StageSortDedup, models.ErrKindValidationFailed, "no topics survived deduplication", nil)
	}

	cost, serr := e.stageCost(models.StageSortDedup, cfg.ModelName, result.Usage)
	if serr != nil {
		return nil, serr
	}
	result.Tree = sorted
	result.Cost = cost

	logger.Info("Sort and deduplicate completed",
		"topics", len(sorted),
		"dropped_subtopics", len(result.DroppedSubtopics),
		"missed_claims", result.MissedClaims,
		"total_tokens", result.Usage.TotalTokens,
		"cost", cost,
	)
	return result, nil
}

// subtopicJobs flattens the tree's non-empty subtopics into a deterministic
// work list. Map iteration is unordered, so names are sorted to give the
// later stable sorts a fixed tie-break base.
func subtopicJobs(tree models.ClaimsTree) []subtopicJob {
	topicNames := make([]string, 0, len(tree))
	for name := range tree {
		topicNames = append(topicNames, name)
	}
	sort.Strings(topicNames)

	var jobs []subtopicJob
	for _, topicName := range topicNames {
		topic := tree[topicName]
		subNames := make([]string, 0, len(topic.Subtopics))
		for name := range topic.Subtopics {
			subNames = append(subNames, name)
		}
		sort.Strings(subNames)
		for _, subName := range subNames {
			sub := topic.Subtopics[subName]
			if len(sub.Claims) == 0 {
				continue
			}
			jobs = append(jobs, subtopicJob{
				topicName:    topicName,
				subtopicName: subName,
				claims:       sub.Claims,
			})
		}
	}
	return jobs
}

// dedupeSubtopic deduplicates one subtopic. A single-claim subtopic passes
// through without an LLM call.
func (e *Executor) dedupeSubtopic(ctx context.Context, job subtopicJob, cfg models.StageLLMConfig, apiKey string, logger *slog.Logger) subtopicOutcome {
	outcome := subtopicOutcome{topicName: job.topicName, subtopicName: job.subtopicName}

	if len(job.claims) == 1 {
		claim := job.claims[0]
		claim.Duplicates = []models.Claim{}
		outcome.claims = []models.Claim{claim}
		outcome.speakers = collectSpeakers(outcome.claims)
		return outcome
	}

	var b strings.Builder
	b.WriteString(cfg.UserPrompt)
	b.WriteString("\n\nClaims:\n")
	for i, claim := range job.claims {
		fmt.Fprintf(&b, "claimId%d: %s\n", i, claim.Claim)
	}

	resp, err := e.llm.Complete(ctx, apiKey, llm.CompletionRequest{
		System:       cfg.SystemPrompt,
		User:         b.String(),
		Model:        cfg.ModelName,
		JSONResponse: true,
	})
	if err != nil {
		outcome.err = classifyCallError(models.StageSortDedup, err)
		return outcome
	}
	if strings.TrimSpace(resp.Text) == "" {
		outcome.err = stageErr(models.StageSortDedup, models.ErrKindEmptyResponse, "empty completion", nil)
		return outcome
	}
	outcome.usage = resp.Usage

	var parsed groupingResponse
	if err := json.Unmarshal([]byte(resp.Text), &parsed); err != nil {
		outcome.err = stageErr(models.StageSortDedup, models.ErrKindParseFailed, "response is not a grouping object", err)
		return outcome
	}

	outcome.claims, outcome.missed = applyGrouping(job, parsed.GroupedClaims, logger)
	outcome.speakers = collectSpeakers(outcome.claims)
	return outcome
}

// applyGrouping folds the LLM's grouping back onto the original claims. The
// first valid id of each group becomes the primary; the rest become its
// duplicates. Claims no group accounted for are appended as single-item
// groups.
func applyGrouping(job subtopicJob, groups []groupedClaim, logger *slog.Logger) ([]models.Claim, int) {
	accounted := make([]bool, len(job.claims))
	var out []models.Claim

	for _, group := range groups {
		var indices []claimIndex
		for _, raw := range group.OriginalClaimIDs {
			idx, err := parseClaimIndex(raw, len(job.claims))
			if err != nil {
				logger.Warn("Skipping bad claim id in grouping response",
					"topic", job.topicName,
					"subtopic", job.subtopicName,
					"error", err,
				)
				continue
			}
			if accounted[idx] {
				logger.Warn("Claim id appears in multiple groups, keeping first",
					"topic", job.topicName,
					"subtopic", job.subtopicName,
					"claim_id", int(idx),
				)
				continue
			}
			accounted[idx] = true
			indices = append(indices, idx)
		}
		if len(indices) == 0 {
			continue
		}

		primary := job.claims[indices[0]]
		primary.Duplicates = []models.Claim{}
		if group.ClaimText != "" {
			primary.Claim = group.ClaimText
		}
		for _, idx := range indices[1:] {
			duplicate := job.claims[idx]
			duplicate.Duplicated = true
			duplicate.Duplicates = []models.Claim{}
			primary.Duplicates = append(primary.Duplicates, duplicate)
		}
		out = append(out, primary)
	}

	missed := 0
	for i, claim := range job.claims {
		if accounted[i] {
			continue
		}
		missed++
		claim.Duplicates = []models.Claim{}
		out = append(out, claim)
	}
	if missed > 0 {
		logger.Warn("Grouping response missed claims, recovered as singles",
			"topic", job.topicName,
			"subtopic", job.subtopicName,
			"missed", missed,
		)
	}

	// Within a subtopic, primaries with the most duplicates come first.
	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].Duplicates) > len(out[j].Duplicates)
	})
	return out, missed
}

// collectSpeakers returns the unique speakers over primaries and their
// duplicates, in order of first appearance.
func collectSpeakers(claims []models.Claim) []string {
	seen := make(map[string]bool)
	var speakers []string
	add := func(speaker string) {
		if speaker == "" || seen[speaker] {
			return
		}
		seen[speaker] = true
		speakers = append(speakers, speaker)
	}
	for _, claim := range claims {
		add(claim.Speaker)
		for _, dup := range claim.Duplicates {
			add(dup.Speaker)
		}
	}
	return speakers
}

// assembleSortedTree builds the final ordered tree. Both levels are ordered
// by the strategy metric descending with stable ties.
func assembleSortedTree(topicOrder []string, byTopic map[string][]subtopicOutcome, strategy models.SortStrategy) models.SortedTree {
	var tree models.SortedTree
	for _, topicName := range topicOrder {
		outcomes := byTopic[topicName]

		subtopics := make([]models.SubtopicPair, 0, len(outcomes))
		topicSeen := make(map[string]bool)
		var topicSpeakers []string
		topicClaims := 0
		for _, outcome := range outcomes {
			claimCount := 0
			for _, claim := range outcome.claims {
				claimCount += 1 + len(claim.Duplicates)
			}
			subtopics = append(subtopics, models.SubtopicPair{
				Name: outcome.subtopicName,
				Data: models.SubtopicSummary{
					Claims:   outcome.claims,
					Speakers: outcome.speakers,
					Counts: models.TreeCounts{
						Claims:   claimCount,
						Speakers: len(outcome.speakers),
					},
				},
			})
			topicClaims += claimCount
			for _, speaker := range outcome.speakers {
				if !topicSeen[speaker] {
					topicSeen[speaker] = true
					topicSpeakers = append(topicSpeakers, speaker)
				}
			}
		}

		sort.SliceStable(subtopics, func(i, j int) bool {
			return metric(subtopics[i].Data.Counts, strategy) > metric(subtopics[j].Data.Counts, strategy)
		})

		tree = append(tree, models.TopicPair{
			Name: topicName,
			Data: models.TopicSummary{
				Topics:   subtopics,
				Speakers: topicSpeakers,
				Counts: models.TreeCounts{
					Claims:   topicClaims,
					Speakers: len(topicSpeakers),
				},
			},
		})
	}

	sort.SliceStable(tree, func(i, j int) bool {
		return metric(tree[i].Data.Counts, strategy) > metric(tree[j].Data.Counts, strategy)
	})
	return tree
}

func metric(counts models.TreeCounts, strategy models.SortStrategy) int {
	if strategy == models.SortByClaims {
		return counts.Claims
	}
	return counts.Speakers
}
