package store

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/raphaelgruber/intentmix/internal/models"
)

var csvHeader = []string{
	"question", "intent_ids", "intent_weights", "expected_intents", "difficulty",
	"similarity_score", "provider", "model", "persona", "confusion_points",
}

// CSV appends questions to a CSV file, writing the header when the file is new.
type CSV struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *csv.Writer
}

var _ Sink = (*CSV)(nil)

// NewCSV opens path for appending.
func NewCSV(path string) (*CSV, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open csv sink: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat csv sink: %w", err)
	}

	s := &CSV{path: path, f: f, w: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err := s.write(csvHeader); err != nil {
			f.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *CSV) Name() string { return "csv" }

// Path returns the output file.
func (s *CSV) Path() string { return s.path }

func (s *CSV) Save(_ context.Context, q models.GeneratedQuestion) error {
	weights := make([]string, len(q.Mix))
	for i, e := range q.Mix {
		weights[i] = strconv.FormatFloat(e.Weight, 'f', 3, 64)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write([]string{
		q.Text,
		strings.Join(q.Mix.IDs(), ";"),
		strings.Join(weights, ";"),
		strings.Join(q.ExpectedIntents, ";"),
		string(q.Difficulty),
		strconv.FormatFloat(q.MaxSimilarity, 'f', 4, 64),
		q.Provider,
		q.Model,
		q.Persona,
		q.ConfusionRationale,
	})
}

func (s *CSV) write(record []string) error {
	if err := s.w.Write(record); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func (s *CSV) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	return errors.Join(s.w.Error(), s.f.Close())
}

// CSVCorpus loads a questions CSV (first column, header row skipped) and an
// optional embeddings CSV with one row of floats per question.
type CSVCorpus struct {
	QuestionsPath  string
	EmbeddingsPath string
}

var _ CorpusLoader = CSVCorpus{}

func (c CSVCorpus) LoadCorpus(_ context.Context) (Corpus, error) {
	rows, err := readCSV(c.QuestionsPath)
	if err != nil {
		return Corpus{}, fmt.Errorf("load questions: %w", err)
	}

	var corpus Corpus
	var kept []int
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		if text := strings.TrimSpace(row[0]); text != "" {
			corpus.Texts = append(corpus.Texts, text)
			kept = append(kept, i)
		}
	}

	if c.EmbeddingsPath == "" {
		return corpus, nil
	}
	vectors, err := readVectors(c.EmbeddingsPath)
	if errors.Is(err, os.ErrNotExist) {
		return corpus, nil
	}
	if err != nil {
		return Corpus{}, fmt.Errorf("load embeddings: %w", err)
	}

	// Embedding rows pair with question rows by position. Questions without a
	// row are embedded at preload.
	corpus.Vectors = make([][]float32, len(corpus.Texts))
	for i, row := range kept {
		if row < len(vectors) {
			corpus.Vectors[i] = vectors[row]
		}
	}
	return corpus, nil
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	if _, err := r.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	return r.ReadAll()
}

func readVectors(path string) ([][]float32, error) {
	rows, err := readCSV(path)
	if err != nil {
		return nil, err
	}
	vectors := make([][]float32, 0, len(rows))
	for i, row := range rows {
		v := make([]float32, len(row))
		for j, cell := range row {
			f, err := strconv.ParseFloat(strings.TrimSpace(cell), 32)
			if err != nil {
				return nil, fmt.Errorf("row %d col %d: %w", i+2, j+1, err)
			}
			v[j] = float32(f)
		}
		vectors = append(vectors, v)
	}
	return vectors, nil
}
