package db

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"

	"github.com/raphaelgruber/intentmix/internal/models"
)

// StoredQuestion is the slice of a stored question needed to seed an index.
type StoredQuestion struct {
	Question  string    `json:"question"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// NearestQuestion is a stored question with its cosine similarity to a query.
type NearestQuestion struct {
	Question string  `json:"question"`
	Score    float64 `json:"score"`
}

// RunRecord is the summary of one generation run.
type RunRecord struct {
	Strategy   string         `json:"strategy"`
	Difficulty string         `json:"difficulty"`
	StartedAt  time.Time      `json:"started_at"`
	Summary    map[string]any `json:"summary"`
}

// QueryCreateQuestion stores a question under id.
func (c *Client) QueryCreateQuestion(ctx context.Context, id string, rec models.QuestionRecord) (*models.QuestionRecord, error) {
	rec.ID = nil
	results, err := surrealdb.Query[[]models.QuestionRecord](ctx, c.db, `
		CREATE type::record("generated_question", $id) CONTENT $data
	`, map[string]any{"id": id, "data": rec})
	if err != nil {
		return nil, fmt.Errorf("create question: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("create question: %w", ErrNotFound)
	}
	return &(*results)[0].Result[0], nil
}

// QueryGetQuestion retrieves a question by ID.
// Returns nil if not found.
func (c *Client) QueryGetQuestion(ctx context.Context, id string) (*models.QuestionRecord, error) {
	results, err := surrealdb.Query[[]models.QuestionRecord](ctx, c.db, `
		SELECT * FROM type::record("generated_question", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get question: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return &(*results)[0].Result[0], nil
}

// QueryListQuestions returns stored questions, oldest first. An empty runID
// lists every run; limit <= 0 means no limit.
func (c *Client) QueryListQuestions(ctx context.Context, runID string, limit int) ([]StoredQuestion, error) {
	where := ""
	vars := map[string]any{}
	if runID != "" {
		where = "WHERE run_id = $run"
		vars["run"] = runID
	}
	limitClause := ""
	if limit > 0 {
		limitClause = "LIMIT $limit"
		vars["limit"] = limit
	}

	sql := fmt.Sprintf(`
		SELECT question, embedding, created_at FROM generated_question %s ORDER BY created_at ASC %s
	`, where, limitClause)
	results, err := surrealdb.Query[[]StoredQuestion](ctx, c.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	if results == nil || len(*results) == 0 {
		return []StoredQuestion{}, nil
	}
	return (*results)[0].Result, nil
}

// QueryCountQuestions counts stored questions. An empty runID counts all runs.
func (c *Client) QueryCountQuestions(ctx context.Context, runID string) (int, error) {
	sql := `SELECT count() AS count FROM generated_question GROUP ALL`
	vars := map[string]any{}
	if runID != "" {
		sql = `SELECT count() AS count FROM generated_question WHERE run_id = $run GROUP ALL`
		vars["run"] = runID
	}

	results, err := surrealdb.Query[[]struct {
		Count int `json:"count"`
	}](ctx, c.db, sql, vars)
	if err != nil {
		return 0, fmt.Errorf("count questions: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return 0, nil
	}
	return (*results)[0].Result[0].Count, nil
}

// QueryNearestQuestions returns the k stored questions most similar to
// embedding. Rows whose vectors have a different dimension are skipped.
func (c *Client) QueryNearestQuestions(ctx context.Context, embedding []float32, k int) ([]NearestQuestion, error) {
	results, err := surrealdb.Query[[]NearestQuestion](ctx, c.db, `
		SELECT question, vector::similarity::cosine(embedding, $emb) AS score
		FROM generated_question
		WHERE embedding != NONE AND array::len(embedding) = $dim
		ORDER BY score DESC
		LIMIT $k
	`, map[string]any{"emb": embedding, "dim": len(embedding), "k": k})
	if err != nil {
		return nil, fmt.Errorf("nearest questions: %w", err)
	}
	if results == nil || len(*results) == 0 {
		return []NearestQuestion{}, nil
	}
	return (*results)[0].Result, nil
}

// QueryRecordRun stores the summary of run id.
func (c *Client) QueryRecordRun(ctx context.Context, id string, run RunRecord) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPSERT type::record("generation_run", $id) CONTENT $data
	`, map[string]any{"id": id, "data": run})
	if err != nil {
		return fmt.Errorf("record run: %w", wrapQueryError(err))
	}
	return nil
}
