package steps

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdlens/taxo/pkg/config"
	"github.com/crowdlens/taxo/pkg/llm"
	"github.com/crowdlens/taxo/pkg/models"
	"github.com/crowdlens/taxo/pkg/pricing"
)

func newTestExecutor(stub *llm.StubClient) *Executor {
	catalog := pricing.NewModelCatalog(map[string]pricing.ModelRate{
		"test-model": {InputPer1K: 0.001, OutputPer1K: 0.002},
	})
	return NewExecutor(stub, catalog, config.DefaultPipelineConfig())
}

func testStageConfig() models.StageLLMConfig {
	return models.StageLLMConfig{
		ModelName:    "test-model",
		SystemPrompt: "You are a taxonomist.",
		UserPrompt:   "Cluster these comments.",
	}
}

func testComments() []models.Comment {
	return []models.Comment{
		{ID: "c1", Text: "The pasta was absolutely delicious.", Speaker: "alice"},
		{ID: "c2", Text: "Waited forty minutes for a table.", Speaker: "bob"},
	}
}

func TestClusteringHappyPath(t *testing.T) {
	stub := llm.NewStubClient(&llm.CompletionResponse{
		Text: `{"taxonomy":[{"topicName":"Food","subtopics":[{"subtopicName":"Quality"}]},
			{"topicName":"Service","subtopics":[{"subtopicName":"Speed"}]}]}`,
		Usage: models.Usage{InputTokens: 1000, OutputTokens: 500, TotalTokens: 1500},
	})
	executor := newTestExecutor(stub)

	result, serr := executor.Clustering(context.Background(), testComments(), testStageConfig(), "key", RunContext{})
	require.Nil(t, serr)

	require.Len(t, result.Taxonomy, 2)
	assert.Equal(t, "Food", result.Taxonomy[0].TopicName)
	assert.Equal(t, 2, result.Filter.Kept)
	assert.Equal(t, 1500, result.Usage.TotalTokens)
	assert.InDelta(t, 0.002, result.Cost, 1e-9)

	calls := stub.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].JSONResponse)
	assert.Contains(t, calls[0].User, "[c1] alice: The pasta was absolutely delicious.")
	assert.Contains(t, calls[0].User, "[c2] bob:")
}

func TestClusteringUnknownModelFailsBeforeCall(t *testing.T) {
	stub := llm.NewStubClient()
	executor := newTestExecutor(stub)

	cfg := testStageConfig()
	cfg.ModelName = "mystery-model"

	_, serr := executor.Clustering(context.Background(), testComments(), cfg, "key", RunContext{})
	require.NotNil(t, serr)
	assert.Equal(t, models.ErrKindUnknownModel, serr.Kind)
	assert.Zero(t, stub.CallCount(), "no tokens may be spent on an unpriceable model")
}

func TestClusteringEmptyResponse(t *testing.T) {
	stub := llm.NewStubClient(&llm.CompletionResponse{Text: "   \n"})
	executor := newTestExecutor(stub)

	_, serr := executor.Clustering(context.Background(), testComments(), testStageConfig(), "key", RunContext{})
	require.NotNil(t, serr)
	assert.Equal(t, models.ErrKindEmptyResponse, serr.Kind)
}

func TestClusteringUnparseableResponse(t *testing.T) {
	stub := llm.NewStubClient(&llm.CompletionResponse{Text: "I could not produce JSON, sorry."})
	executor := newTestExecutor(stub)

	_, serr := executor.Clustering(context.Background(), testComments(), testStageConfig(), "key", RunContext{})
	require.NotNil(t, serr)
	assert.Equal(t, models.ErrKindParseFailed, serr.Kind)
}

func TestClusteringRejectsInvalidTaxonomy(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty taxonomy", `{"taxonomy":[]}`},
		{"nameless topic", `{"taxonomy":[{"topicName":"","subtopics":[]}]}`},
		{"nameless subtopic", `{"taxonomy":[{"topicName":"Food","subtopics":[{"subtopicName":""}]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := llm.NewStubClient(&llm.CompletionResponse{Text: tt.text})
			executor := newTestExecutor(stub)

			_, serr := executor.Clustering(context.Background(), testComments(), testStageConfig(), "key", RunContext{})
			require.NotNil(t, serr)
			assert.Equal(t, models.ErrKindValidationFailed, serr.Kind)
		})
	}
}

func TestClusteringAllCommentsFiltered(t *testing.T) {
	stub := llm.NewStubClient()
	executor := newTestExecutor(stub)

	comments := []models.Comment{{ID: "c1", Text: "ok"}}
	_, serr := executor.Clustering(context.Background(), comments, testStageConfig(), "key", RunContext{})
	require.NotNil(t, serr)
	assert.Equal(t, models.ErrKindValidationFailed, serr.Kind)
	assert.Zero(t, stub.CallCount())
}

func TestClusteringCancelledCall(t *testing.T) {
	stub := llm.NewStubClient()
	stub.Hook = func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return nil, context.Canceled
	}
	executor := newTestExecutor(stub)

	_, serr := executor.Clustering(context.Background(), testComments(), testStageConfig(), "key", RunContext{})
	require.NotNil(t, serr)
	assert.Equal(t, models.ErrKindCancelled, serr.Kind)
}

func TestBuildClusteringPromptCapsLength(t *testing.T) {
	comments := make([]models.Comment, 0, 60)
	for i := 0; i < 60; i++ {
		comments = append(comments, models.Comment{
			ID:   "c",
			Text: string(make([]byte, 2000)),
		})
	}
	prompt, included := buildClusteringPrompt("prompt", comments)

	assert.LessOrEqual(t, len(prompt), maxPromptChars)
	assert.Less(t, included, len(comments))
	assert.Greater(t, included, 0)
}
