package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/raphaelgruber/intentmix/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS generated_questions (
	id               TEXT PRIMARY KEY,
	run_id           TEXT NOT NULL,
	batch            INTEGER NOT NULL,
	question         TEXT NOT NULL,
	intent_mix       TEXT NOT NULL,
	expected_intents TEXT NOT NULL,
	difficulty       TEXT NOT NULL,
	confusion_points TEXT,
	max_similarity   REAL NOT NULL,
	provider         TEXT,
	model            TEXT,
	persona          TEXT,
	embedding        BLOB,
	created_at       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_generated_questions_run ON generated_questions(run_id);
`

// SQLite stores questions, with their embeddings, in a local database file.
type SQLite struct {
	db *sql.DB
}

var (
	_ Sink         = (*SQLite)(nil)
	_ CorpusLoader = (*SQLite)(nil)
)

// NewSQLite opens a SQLite database and runs migrations.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Name() string { return "sqlite" }

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Save(ctx context.Context, q models.GeneratedQuestion) error {
	mix, err := json.Marshal(q.Mix)
	if err != nil {
		return fmt.Errorf("marshal intent mix: %w", err)
	}
	expected, err := json.Marshal(q.ExpectedIntents)
	if err != nil {
		return fmt.Errorf("marshal expected intents: %w", err)
	}

	created := q.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO generated_questions
		 (id, run_id, batch, question, intent_mix, expected_intents, difficulty, confusion_points,
		  max_similarity, provider, model, persona, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.RunID, q.Batch, q.Text, string(mix), string(expected), string(q.Difficulty), q.ConfusionRationale,
		q.MaxSimilarity, q.Provider, q.Model, q.Persona, encodeVector(q.Embedding), created.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert question: %w", err)
	}
	return nil
}

// LoadCorpus returns every stored question with its embedding, in insertion order.
func (s *SQLite) LoadCorpus(ctx context.Context) (Corpus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT question, embedding FROM generated_questions ORDER BY rowid`)
	if err != nil {
		return Corpus{}, fmt.Errorf("query questions: %w", err)
	}
	defer rows.Close()

	var c Corpus
	for rows.Next() {
		var text string
		var blob []byte
		if err := rows.Scan(&text, &blob); err != nil {
			return Corpus{}, fmt.Errorf("scan question: %w", err)
		}
		c.Texts = append(c.Texts, text)
		c.Vectors = append(c.Vectors, decodeVector(blob))
	}
	if err := rows.Err(); err != nil {
		return Corpus{}, fmt.Errorf("iterate questions: %w", err)
	}
	return c, nil
}

// Count returns the number of stored questions for runID, or all of them when
// runID is empty.
func (s *SQLite) Count(ctx context.Context, runID string) (int, error) {
	var n int
	var err error
	if runID == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM generated_questions`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM generated_questions WHERE run_id = ?`, runID).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count questions: %w", err)
	}
	return n, nil
}

func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
