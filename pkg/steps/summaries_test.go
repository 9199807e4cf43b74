package steps

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdlens/taxo/pkg/llm"
	"github.com/crowdlens/taxo/pkg/models"
)

func summariesTree() models.SortedTree {
	return models.SortedTree{
		{
			Name: "Food",
			Data: models.TopicSummary{
				Topics: []models.SubtopicPair{
					{
						Name: "Quality",
						Data: models.SubtopicSummary{
							Claims: []models.Claim{{Claim: "Pasta is great"}},
						},
					},
				},
			},
		},
		{
			Name: "Service",
			Data: models.TopicSummary{
				Topics: []models.SubtopicPair{
					{
						Name: "Speed",
						Data: models.SubtopicSummary{
							Claims: []models.Claim{{Claim: "Waits are long"}},
						},
					},
				},
			},
		},
	}
}

func TestSummariesHappyPath(t *testing.T) {
	stub := llm.NewStubClient()
	stub.Hook = func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if strings.Contains(req.User, "Topic: Food") {
			return &llm.CompletionResponse{
				Text:  "Diners praise the food quality.",
				Usage: models.Usage{TotalTokens: 50},
			}, nil
		}
		return &llm.CompletionResponse{
			Text:  "Service speed draws complaints.",
			Usage: models.Usage{TotalTokens: 40},
		}, nil
	}
	executor := newTestExecutor(stub)

	result, serr := executor.Summaries(context.Background(), summariesTree(), testStageConfig(), "key", RunContext{})
	require.Nil(t, serr)

	require.Len(t, result.Summaries, 2)
	assert.Equal(t, "Food", result.Summaries[0].TopicName)
	assert.Equal(t, "Diners praise the food quality.", result.Summaries[0].Summary)
	assert.Equal(t, 90, result.Usage.TotalTokens)
	assert.Empty(t, result.FailedTopics)

	// Summaries are free text, not forced JSON.
	for _, call := range stub.Calls() {
		assert.False(t, call.JSONResponse)
	}
}

func TestSummariesPartialFailureIsNonFatal(t *testing.T) {
	stub := llm.NewStubClient()
	stub.Hook = func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if strings.Contains(req.User, "Topic: Service") {
			return nil, errors.New("provider 500")
		}
		return &llm.CompletionResponse{Text: "Diners praise the food quality."}, nil
	}
	executor := newTestExecutor(stub)

	result, serr := executor.Summaries(context.Background(), summariesTree(), testStageConfig(), "key", RunContext{})
	require.Nil(t, serr)

	require.Len(t, result.Summaries, 1)
	assert.Equal(t, "Food", result.Summaries[0].TopicName)
	assert.Equal(t, []string{"Service"}, result.FailedTopics)
}

func TestSummariesAllTopicsFailedStillSucceeds(t *testing.T) {
	stub := llm.NewStubClient()
	stub.Hook = func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return nil, errors.New("provider down")
	}
	executor := newTestExecutor(stub)

	result, serr := executor.Summaries(context.Background(), summariesTree(), testStageConfig(), "key", RunContext{})
	require.Nil(t, serr, "summaries fail open")
	assert.Empty(t, result.Summaries)
	assert.Len(t, result.FailedTopics, 2)
}

func TestSummariesEmptyTreeRejected(t *testing.T) {
	executor := newTestExecutor(llm.NewStubClient())

	_, serr := executor.Summaries(context.Background(), models.SortedTree{}, testStageConfig(), "key", RunContext{})
	require.NotNil(t, serr)
	assert.Equal(t, models.ErrKindValidationFailed, serr.Kind)
}

func TestSummariesEmptyCompletionFailsThatTopic(t *testing.T) {
	stub := llm.NewStubClient()
	stub.Hook = func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if strings.Contains(req.User, "Topic: Food") {
			return &llm.CompletionResponse{Text: "  "}, nil
		}
		return &llm.CompletionResponse{Text: "Service speed draws complaints."}, nil
	}
	executor := newTestExecutor(stub)

	result, serr := executor.Summaries(context.Background(), summariesTree(), testStageConfig(), "key", RunContext{})
	require.Nil(t, serr)
	assert.Equal(t, []string{"Food"}, result.FailedTopics)
	require.Len(t, result.Summaries, 1)
	assert.Equal(t, "Service", result.Summaries[0].TopicName)
}
