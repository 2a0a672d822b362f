// Package store persists generated questions and loads the corpus that seeds
// the similarity index.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/raphaelgruber/intentmix/internal/models"
)

// Sink receives accepted questions. A failed Save is reported to the caller,
// which logs it and moves on.
type Sink interface {
	Name() string
	Save(ctx context.Context, q models.GeneratedQuestion) error
	Close() error
}

// Corpus is a set of existing questions. Vectors is either nil or parallel to
// Texts, with nil entries for questions that still need embedding.
type Corpus struct {
	Texts   []string
	Vectors [][]float32
}

// Len returns the number of questions.
func (c Corpus) Len() int { return len(c.Texts) }

// Append adds other to c.
func (c *Corpus) Append(other Corpus) {
	if len(other.Texts) == 0 {
		return
	}
	if c.Vectors == nil && other.Vectors != nil {
		c.Vectors = make([][]float32, len(c.Texts))
	}
	c.Texts = append(c.Texts, other.Texts...)
	if c.Vectors == nil {
		return
	}
	if other.Vectors == nil {
		c.Vectors = append(c.Vectors, make([][]float32, len(other.Texts))...)
		return
	}
	c.Vectors = append(c.Vectors, other.Vectors...)
}

// CorpusLoader supplies existing questions.
type CorpusLoader interface {
	LoadCorpus(ctx context.Context) (Corpus, error)
}

// Multi fans a question out to several sinks.
type Multi struct {
	sinks []Sink
}

var _ Sink = (*Multi)(nil)

// NewMulti creates a fan-out sink.
func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) Name() string {
	names := make([]string, len(m.sinks))
	for i, s := range m.sinks {
		names[i] = s.Name()
	}
	return strings.Join(names, ",")
}

// Save writes q to every sink. One sink failing does not stop the others.
func (m *Multi) Save(ctx context.Context, q models.GeneratedQuestion) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Save(ctx, q); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Discard drops every question. Dry runs without a sink use it.
type Discard struct{}

func (Discard) Name() string { return "discard" }

func (Discard) Save(context.Context, models.GeneratedQuestion) error { return nil }

func (Discard) Close() error { return nil }

// LoadAll merges the corpora of every loader. A failing loader is logged and
// skipped.
func LoadAll(ctx context.Context, loaders ...CorpusLoader) Corpus {
	var out Corpus
	for _, l := range loaders {
		c, err := l.LoadCorpus(ctx)
		if err != nil {
			slog.Warn("corpus loader failed", "loader", fmt.Sprintf("%T", l), "error", err)
			continue
		}
		out.Append(c)
	}
	return out
}
