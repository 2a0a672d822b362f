package metrics

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/intentmix/internal/intent"
	"github.com/raphaelgruber/intentmix/internal/models"
)

func TestCollectorRecord(t *testing.T) {
	c := NewCollector()
	c.RecordTiming(OpEmbedding, 10*time.Millisecond)
	c.RecordTiming(OpEmbedding, 30*time.Millisecond)
	c.ObserveLLM("groq", 200*time.Millisecond, errors.New("429"))
	c.ObserveLLM("groq", 100*time.Millisecond, nil)

	snap := c.Snapshot()
	assert.Equal(t, []string{OpEmbedding, "llm:groq"}, snap.Names())

	emb := snap.Operations[OpEmbedding]
	assert.Equal(t, int64(2), emb.Count)
	assert.Equal(t, int64(10), emb.MinTimeMs)
	assert.Equal(t, int64(30), emb.MaxTimeMs)
	assert.InDelta(t, 20.0, emb.AvgTimeMs, 0.001)

	llm := snap.Operations[LLMOp("groq")]
	assert.Equal(t, int64(2), llm.Count)
	assert.Equal(t, int64(1), llm.Failures)
}

func TestCollectorConcurrent(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordTiming(OpPersist, time.Millisecond)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), c.Snapshot().Operations[OpPersist].Count)
}

func question(d models.Difficulty, vec []float32, ids ...string) models.GeneratedQuestion {
	mix := make(intent.Mix, len(ids))
	for i, id := range ids {
		mix[i] = intent.MixEntry{ID: id, Weight: 1 / float64(len(ids))}
	}
	return models.GeneratedQuestion{Text: "q", Mix: mix, Difficulty: d, Embedding: vec}
}

func TestEvaluate(t *testing.T) {
	qs := []models.GeneratedQuestion{
		question(models.DifficultyHard, []float32{1, 0}, "1", "2"),
		question(models.DifficultyHard, []float32{0, 1}, "2", "3"),
		question(models.DifficultyExpert, nil, "1", "2", "4"),
	}
	ev := Evaluate(qs, 8, 1)

	assert.Equal(t, 3, ev.TotalGenerated)
	assert.InDelta(t, 1.0, ev.SemanticDiversity, 1e-9)
	assert.InDelta(t, 0.5, ev.IntentCoverage, 1e-9)
	assert.InDelta(t, 0.25, ev.DuplicationRate, 1e-9)
	assert.InDelta(t, 2.33, ev.AvgIntentsPerQuestion, 1e-9)
	assert.Equal(t, map[string]int{"hard": 2, "expert": 1}, ev.DifficultyDistribution)
	assert.Equal(t, map[string]int{"1": 2, "2": 3, "3": 1, "4": 1}, ev.IntentDistribution)
}

func TestEvaluateEmpty(t *testing.T) {
	ev := Evaluate(nil, 10, 4)
	assert.Zero(t, ev.TotalGenerated)
	assert.Zero(t, ev.DuplicationRate)
	assert.NotNil(t, ev.IntentDistribution)
}

func TestWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "generation_metrics.json")
	report := Report{
		Meta:       RunMeta{RunID: "run-1", Batches: 2},
		Evaluation: Evaluate(nil, 1, 0),
	}
	require.NoError(t, WriteJSON(path, report))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "run-1", got["meta"].(map[string]any)["run_id"])
}
