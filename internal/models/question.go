// Package models defines the records produced by a generation run.
package models

import (
	"fmt"
	"strings"
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/raphaelgruber/intentmix/internal/intent"
)

// Difficulty is the requested confusion level of a question.
type Difficulty string

const (
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
	DifficultyExpert Difficulty = "expert"
)

// Difficulties lists the accepted levels from easiest to hardest.
func Difficulties() []Difficulty {
	return []Difficulty{DifficultyMedium, DifficultyHard, DifficultyExpert}
}

// ParseDifficulty normalizes s. Empty input is medium.
func ParseDifficulty(s string) (Difficulty, error) {
	switch d := Difficulty(strings.ToLower(strings.TrimSpace(s))); d {
	case "":
		return DifficultyMedium, nil
	case DifficultyMedium, DifficultyHard, DifficultyExpert:
		return d, nil
	default:
		return "", fmt.Errorf("unknown difficulty %q (want medium, hard or expert)", s)
	}
}

// GeneratedQuestion is an accepted question. It is immutable once the
// orchestrator hands it to the sinks.
type GeneratedQuestion struct {
	ID                 string     `json:"id"`
	RunID              string     `json:"run_id"`
	Batch              int        `json:"batch"`
	Text               string     `json:"question"`
	Mix                intent.Mix `json:"intent_mix"`
	ExpectedIntents    []string   `json:"expected_intents"`
	Difficulty         Difficulty `json:"difficulty"`
	ConfusionRationale string     `json:"confusion_points,omitempty"`
	MaxSimilarity      float64    `json:"max_similarity"`
	Provider           string     `json:"provider,omitempty"`
	Model              string     `json:"model,omitempty"`
	Persona            string     `json:"persona,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`

	// Embedding travels with the question so sinks can store it for later runs.
	Embedding []float32 `json:"-"`
}

// QuestionRecord is a generated question as stored in SurrealDB.
type QuestionRecord struct {
	ID                 *surrealmodels.RecordID `json:"id,omitempty"`
	RunID              string                  `json:"run_id"`
	Batch              int                     `json:"batch"`
	Question           string                  `json:"question"`
	IntentIDs          []string                `json:"intent_ids"`
	IntentWeights      []float64               `json:"intent_weights"`
	ExpectedIntents    []string                `json:"expected_intents"`
	Difficulty         string                  `json:"difficulty"`
	ConfusionRationale string                  `json:"confusion_points,omitempty"`
	MaxSimilarity      float64                 `json:"max_similarity"`
	Provider           string                  `json:"provider,omitempty"`
	Model              string                  `json:"model,omitempty"`
	Persona            string                  `json:"persona,omitempty"`
	Embedding          []float32               `json:"embedding,omitempty"`
	CreatedAt          time.Time               `json:"created_at"`
}

// NewQuestionRecord flattens q for storage. The record id is left to the caller.
func NewQuestionRecord(q GeneratedQuestion) QuestionRecord {
	weights := make([]float64, len(q.Mix))
	for i, e := range q.Mix {
		weights[i] = e.Weight
	}
	return QuestionRecord{
		RunID:              q.RunID,
		Batch:              q.Batch,
		Question:           q.Text,
		IntentIDs:          q.Mix.IDs(),
		IntentWeights:      weights,
		ExpectedIntents:    q.ExpectedIntents,
		Difficulty:         string(q.Difficulty),
		ConfusionRationale: q.ConfusionRationale,
		MaxSimilarity:      q.MaxSimilarity,
		Provider:           q.Provider,
		Model:              q.Model,
		Persona:            q.Persona,
		Embedding:          q.Embedding,
		CreatedAt:          q.CreatedAt,
	}
}
