package state

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdlens/taxo/pkg/cache"
	"github.com/crowdlens/taxo/pkg/models"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(cache.NewRedisCache(client), 24*time.Hour, 5*time.Minute), mr
}

func TestKeyLayout(t *testing.T) {
	assert.Equal(t, "pipeline_state:r1", StateKey("r1"))
	assert.Equal(t, "pipeline_lock:r1", LockKey("r1"))
	assert.Equal(t, "pipeline_validation_failure:r1:clustering", FailureKey("r1", "clustering"))
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	st := models.NewPipelineState("r1", "u1")
	a := st.Analytics(models.StageClustering)
	a.Status = models.StepCompleted
	a.TotalTokens = 42
	a.Cost = 0.004
	st.CompletedResults[models.StageClustering] = models.StageOutcome{
		Data:  json.RawMessage(`[{"topicName":"Food","subtopics":[{"subtopicName":"Quality"}]}]`),
		Usage: models.Usage{InputTokens: 30, OutputTokens: 12, TotalTokens: 42},
		Cost:  0.004,
	}
	st.RecomputeTotals()

	require.NoError(t, store.Save(ctx, st))
	assert.Equal(t, 24*time.Hour, mr.TTL(StateKey("r1")), "state key carries the retention window")

	loaded, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, st.ReportID, loaded.ReportID)
	assert.Equal(t, st.TotalTokens, loaded.TotalTokens)
	assert.True(t, loaded.StageCompleted(models.StageClustering))
	assert.JSONEq(t,
		string(st.CompletedResults[models.StageClustering].Data),
		string(loaded.CompletedResults[models.StageClustering].Data))

	// Timestamps survive the round-trip exactly.
	assert.True(t, st.CreatedAt.Equal(loaded.CreatedAt.Time))
}

func TestGetMissingStateReturnsNil(t *testing.T) {
	store, _ := newTestStore(t)

	st, err := store.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestGetRejectsMalformedJSON(t *testing.T) {
	store, mr := newTestStore(t)

	require.NoError(t, mr.Set(StateKey("r1"), "{not json"))

	_, err := store.Get(context.Background(), "r1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestGetRejectsSchemaViolations(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	// Missing required fields.
	require.NoError(t, mr.Set(StateKey("r1"), `{"reportId":"r1"}`))
	_, err := store.Get(ctx, "r1")
	assert.ErrorIs(t, err, ErrInvalidState)

	// Wrong schema version.
	st := models.NewPipelineState("r2", "u1")
	st.SchemaVersion = 99
	data, merr := json.Marshal(st)
	require.NoError(t, merr)
	require.NoError(t, mr.Set(StateKey("r2"), string(data)))
	_, err = store.Get(ctx, "r2")
	assert.ErrorIs(t, err, ErrInvalidState)

	// Unknown status value.
	st = models.NewPipelineState("r3", "u1")
	st.Status = "exploded"
	data, merr = json.Marshal(st)
	require.NoError(t, merr)
	require.NoError(t, mr.Set(StateKey("r3"), string(data)))
	_, err = store.Get(ctx, "r3")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestGetRejectsResultAnalyticMismatch(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	// Result present but analytic not completed.
	st := models.NewPipelineState("r1", "u1")
	st.CompletedResults[models.StageClustering] = models.StageOutcome{Data: json.RawMessage(`[]`)}
	data, err := json.Marshal(st)
	require.NoError(t, err)
	require.NoError(t, mr.Set(StateKey("r1"), string(data)))
	_, err = store.Get(ctx, "r1")
	assert.ErrorIs(t, err, ErrInvalidState)

	// Analytic completed but no result.
	st = models.NewPipelineState("r2", "u1")
	st.Analytics(models.StageClustering).Status = models.StepCompleted
	data, err = json.Marshal(st)
	require.NoError(t, err)
	require.NoError(t, mr.Set(StateKey("r2"), string(data)))
	_, err = store.Get(ctx, "r2")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestPipelineLockLifecycle(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := store.AcquirePipelineLock(ctx, "r1", "token-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.AcquirePipelineLock(ctx, "r1", "token-b")
	require.NoError(t, err)
	assert.False(t, ok)

	owns, err := store.VerifyLockOwnership(ctx, "r1", "token-a")
	require.NoError(t, err)
	assert.True(t, owns)

	owns, err = store.VerifyLockOwnership(ctx, "r1", "token-b")
	require.NoError(t, err)
	assert.False(t, owns)

	extended, err := store.ExtendPipelineLock(ctx, "r1", "token-a")
	require.NoError(t, err)
	assert.True(t, extended)

	released, err := store.ReleasePipelineLock(ctx, "r1", "token-a")
	require.NoError(t, err)
	assert.True(t, released)

	owns, err = store.VerifyLockOwnership(ctx, "r1", "token-a")
	require.NoError(t, err)
	assert.False(t, owns, "released lock is owned by nobody")
}

func TestLockExpiresAfterTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	ok, err := store.AcquirePipelineLock(ctx, "r1", "token-a")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(6 * time.Minute)

	owns, err := store.VerifyLockOwnership(ctx, "r1", "token-a")
	require.NoError(t, err)
	assert.False(t, owns)

	ok, err = store.AcquirePipelineLock(ctx, "r1", "token-b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIncrementValidationFailure(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	n, err := store.IncrementValidationFailure(ctx, "r1", "state")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 24*time.Hour, mr.TTL(FailureKey("r1", "state")), "counter expires with retention")

	n, err = store.IncrementValidationFailure(ctx, "r1", "state")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Counters are scoped per step.
	n, err = store.IncrementValidationFailure(ctx, "r1", "clustering")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
