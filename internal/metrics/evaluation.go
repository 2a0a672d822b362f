package metrics

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/raphaelgruber/intentmix/internal/models"
	"github.com/raphaelgruber/intentmix/internal/similarity"
)

// Evaluation scores the questions accepted in a run.
type Evaluation struct {
	TotalGenerated int `json:"total_generated"`
	// SemanticDiversity is 1 minus the mean pairwise cosine similarity.
	SemanticDiversity float64 `json:"semantic_diversity"`
	// IntentCoverage is the share of eligible intents used at least once.
	IntentCoverage         float64        `json:"intent_coverage"`
	DuplicationRate        float64        `json:"duplication_rate"`
	DifficultyDistribution map[string]int `json:"difficulty_distribution"`
	AvgIntentsPerQuestion  float64        `json:"avg_intents_per_question"`
	IntentDistribution     map[string]int `json:"intent_distribution"`
}

// Evaluate scores questions. Only questions carrying an embedding take part in
// the diversity score.
func Evaluate(questions []models.GeneratedQuestion, eligibleIntents, rejectedDuplicates int) Evaluation {
	ev := Evaluation{
		TotalGenerated:         len(questions),
		DifficultyDistribution: map[string]int{},
		IntentDistribution:     map[string]int{},
	}
	if len(questions) == 0 {
		return ev
	}

	var intentCount int
	for _, q := range questions {
		ev.DifficultyDistribution[string(q.Difficulty)]++
		for _, id := range q.Mix.IDs() {
			ev.IntentDistribution[id]++
		}
		intentCount += len(q.Mix)
	}

	ev.IntentCoverage = round(float64(len(ev.IntentDistribution))/float64(max(1, eligibleIntents)), 4)
	ev.DuplicationRate = round(float64(rejectedDuplicates)/float64(len(questions)+rejectedDuplicates), 4)
	ev.AvgIntentsPerQuestion = round(float64(intentCount)/float64(len(questions)), 2)
	ev.SemanticDiversity = diversity(questions)
	return ev
}

func diversity(questions []models.GeneratedQuestion) float64 {
	var vectors [][]float32
	for _, q := range questions {
		if len(q.Embedding) > 0 {
			vectors = append(vectors, q.Embedding)
		}
	}
	if len(vectors) < 2 {
		return 0
	}

	var sum float64
	var pairs int
	for i := range vectors {
		for j := i + 1; j < len(vectors); j++ {
			s, err := similarity.Cosine(vectors[i], vectors[j])
			if err != nil {
				continue
			}
			sum += s
			pairs++
		}
	}
	if pairs == 0 {
		return 0
	}
	return round(1-sum/float64(pairs), 4)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// RunMeta describes the run a report belongs to.
type RunMeta struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	DurationS  float64   `json:"duration_seconds"`
	Batches    int       `json:"batches"`
	Difficulty string    `json:"difficulty"`
	Strategy   string    `json:"strategy"`
}

// Report is the generation_metrics.json document.
type Report struct {
	Meta       RunMeta    `json:"meta"`
	Evaluation Evaluation `json:"evaluation"`
	Operations Snapshot   `json:"operations"`
	Summary    any        `json:"summary,omitempty"`
}

// WriteJSON writes v to path as indented JSON.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
