package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/intentmix/internal/intent"
	"github.com/raphaelgruber/intentmix/internal/models"
)

func testQuestion(runID, text string, seed int) models.GeneratedQuestion {
	return models.GeneratedQuestion{
		ID:              uuid.NewString(),
		RunID:           runID,
		Batch:           1,
		Text:            text,
		Mix:             intent.Mix{{ID: "3", Weight: 0.7}, {ID: "8", Weight: 0.3}},
		ExpectedIntents: []string{"3", "8"},
		Difficulty:      models.DifficultyHard,
		MaxSimilarity:   0.2,
		Provider:        "stub",
		Model:           "stub",
		Embedding:       testEmbedding(seed),
		CreatedAt:       time.Now(),
	}
}

func TestQueryCreateAndGetQuestion(t *testing.T) {
	client := requireDB(t)
	ctx := context.Background()
	t.Cleanup(func() { _ = client.WipeData(ctx) })

	q := testQuestion("run-get", "my paddy is yellow, is it the rain or the urea?", 1)
	created, err := client.QueryCreateQuestion(ctx, q.ID, models.NewQuestionRecord(q))
	require.NoError(t, err)
	require.NotNil(t, created.ID)

	id, err := recordKey(*created.ID)
	require.NoError(t, err)
	assert.Equal(t, q.ID, id)

	got, err := client.QueryGetQuestion(ctx, q.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, q.Text, got.Question)
	assert.Equal(t, []string{"3", "8"}, got.IntentIDs)
	assert.Equal(t, "hard", got.Difficulty)
	assert.Len(t, got.Embedding, 16)

	missing, err := client.QueryGetQuestion(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestQueryCreateQuestionDuplicateID(t *testing.T) {
	client := requireDB(t)
	ctx := context.Background()
	t.Cleanup(func() { _ = client.WipeData(ctx) })

	q := testQuestion("run-dup", "when will the PM-KISAN installment come for tenant farmers?", 2)
	_, err := client.QueryCreateQuestion(ctx, q.ID, models.NewQuestionRecord(q))
	require.NoError(t, err)

	_, err = client.QueryCreateQuestion(ctx, q.ID, models.NewQuestionRecord(q))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyExists), "got %v", err)
}

func TestQueryListAndCountQuestions(t *testing.T) {
	client := requireDB(t)
	ctx := context.Background()
	t.Cleanup(func() { _ = client.WipeData(ctx) })

	for i, text := range []string{"first question here", "second question here", "third question here"} {
		run := "run-a"
		if i == 2 {
			run = "run-b"
		}
		q := testQuestion(run, text, i+1)
		q.CreatedAt = time.Now().Add(time.Duration(i) * time.Second)
		_, err := client.QueryCreateQuestion(ctx, q.ID, models.NewQuestionRecord(q))
		require.NoError(t, err)
	}

	n, err := client.QueryCountQuestions(ctx, "run-a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = client.QueryCountQuestions(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	all, err := client.QueryListQuestions(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "first question here", all[0].Question)
	assert.Len(t, all[0].Embedding, 16)

	limited, err := client.QueryListQuestions(ctx, "run-a", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestQueryNearestQuestions(t *testing.T) {
	client := requireDB(t)
	ctx := context.Background()
	t.Cleanup(func() { _ = client.WipeData(ctx) })

	target := testQuestion("run-near", "target question text", 3)
	other := testQuestion("run-near", "unrelated question text", 5)
	for _, q := range []models.GeneratedQuestion{target, other} {
		_, err := client.QueryCreateQuestion(ctx, q.ID, models.NewQuestionRecord(q))
		require.NoError(t, err)
	}

	hits, err := client.QueryNearestQuestions(ctx, testEmbedding(3), 2)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, target.Text, hits[0].Question)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-4)
}

func TestSinkRoundTrip(t *testing.T) {
	client := requireDB(t)
	ctx := context.Background()
	t.Cleanup(func() { _ = client.WipeData(ctx) })

	sink := NewSink(client)
	q := testQuestion("run-sink", "is the cold storage subsidy open for onion growers?", 4)
	require.NoError(t, sink.Save(ctx, q))

	corpus, err := sink.LoadCorpus(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{q.Text}, corpus.Texts)
	assert.Len(t, corpus.Vectors[0], 16)
}

func TestQueryRecordRun(t *testing.T) {
	client := requireDB(t)
	ctx := context.Background()
	t.Cleanup(func() { _ = client.WipeData(ctx) })

	run := RunRecord{
		Strategy:   "adaptive",
		Difficulty: "hard",
		StartedAt:  time.Now(),
		Summary:    map[string]any{"generated": 6, "failed_batches": 0},
	}
	require.NoError(t, client.QueryRecordRun(ctx, "run-1", run))
	// Recording again updates in place.
	require.NoError(t, client.QueryRecordRun(ctx, "run-1", run))
}

func TestWrapQueryError(t *testing.T) {
	assert.Nil(t, wrapQueryError(nil))

	plain := errors.New("connection closed")
	assert.Same(t, plain, wrapQueryError(plain))
}
