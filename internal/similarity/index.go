// Package similarity keeps the vectors of every known question and answers
// nearest-neighbor and near-duplicate queries by cosine similarity.
package similarity

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/raphaelgruber/intentmix/internal/embedding"
)

// Source tells where an entry came from.
type Source string

const (
	SourceCorpus    Source = "corpus"
	SourceGenerated Source = "generated"
)

// scoreEpsilon absorbs rounding so identical vectors always reach threshold 1.
const scoreEpsilon = 1e-9

// Entry is one indexed question.
type Entry struct {
	Text   string
	Vector []float32
	Source Source
	norm   float64
}

// Match is a retrieval hit.
type Match struct {
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
	Source Source  `json:"source"`
}

// Option configures an Index.
type Option func(*Index)

// WithEmbedTimeout bounds each embedding call. A timed out call surfaces as
// ErrEmbedding.
func WithEmbedTimeout(d time.Duration) Option {
	return func(ix *Index) { ix.timeout = d }
}

// Index is an append-only, in-memory vector index. Reads may run concurrently;
// writes are serialized.
type Index struct {
	mu       sync.RWMutex
	embedder embedding.Embedder
	timeout  time.Duration
	entries  []Entry
	dim      int
}

// NewIndex creates an empty index that embeds text with e.
func NewIndex(e embedding.Embedder, opts ...Option) *Index {
	ix := &Index{embedder: e}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Len returns the number of entries.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Count returns the number of entries from source.
func (ix *Index) Count(source Source) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := 0
	for _, e := range ix.entries {
		if e.Source == source {
			n++
		}
	}
	return n
}

// Embed computes the vector for text, wrapping failures in ErrEmbedding.
func (ix *Index) Embed(ctx context.Context, text string) ([]float32, error) {
	if ix.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ix.timeout)
		defer cancel()
	}
	v, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}
	if len(v) == 0 {
		return nil, fmt.Errorf("%w: empty vector", ErrEmbedding)
	}
	return v, nil
}

// RetrieveNearest embeds query and returns the k most similar entries, best
// first. Equal scores keep insertion order. An empty index yields no matches.
func (ix *Index) RetrieveNearest(ctx context.Context, query string, k int) ([]Match, error) {
	return ix.RetrieveRelevant(ctx, query, k, -1)
}

// RetrieveRelevant is RetrieveNearest restricted to scores at or above minScore.
func (ix *Index) RetrieveRelevant(ctx context.Context, query string, k int, minScore float64) ([]Match, error) {
	if k <= 0 || ix.Len() == 0 {
		return nil, nil
	}
	v, err := ix.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return ix.NearestVector(v, k, minScore)
}

// NearestVector ranks entries against a precomputed vector.
func (ix *Index) NearestVector(v []float32, k int, minScore float64) ([]Match, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if k <= 0 || len(ix.entries) == 0 {
		return nil, nil
	}
	if len(v) != ix.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), ix.dim)
	}

	qn := norm(v)
	matches := make([]Match, 0, len(ix.entries))
	for _, e := range ix.entries {
		s := score(v, qn, e)
		if s+scoreEpsilon < minScore {
			continue
		}
		matches = append(matches, Match{Text: e.Text, Score: s, Source: e.Source})
	}
	slices.SortStableFunc(matches, func(a, b Match) int {
		return cmp.Compare(b.Score, a.Score)
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// CheckDuplicate embeds candidate and reports whether any entry scores at or
// above threshold, along with the best score (0 on an empty index).
func (ix *Index) CheckDuplicate(ctx context.Context, candidate string, threshold float64) (bool, float64, error) {
	v, err := ix.Embed(ctx, candidate)
	if err != nil {
		return false, 0, err
	}
	return ix.CheckDuplicateVector(v, threshold)
}

// CheckDuplicateVector is CheckDuplicate for a precomputed vector. The best
// score is clamped to [0,1]; anti-correlated entries count as unrelated.
func (ix *Index) CheckDuplicateVector(v []float32, threshold float64) (bool, float64, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.entries) == 0 {
		return false, 0, nil
	}
	if len(v) != ix.dim {
		return false, 0, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), ix.dim)
	}

	qn := norm(v)
	best := 0.0
	for _, e := range ix.entries {
		best = max(best, score(v, qn, e))
	}
	return best > 0 && best+scoreEpsilon >= threshold, best, nil
}

// Insert embeds text and appends it. Insert never deduplicates; call
// CheckDuplicate first.
func (ix *Index) Insert(ctx context.Context, text string, source Source) error {
	v, err := ix.Embed(ctx, text)
	if err != nil {
		return err
	}
	return ix.InsertVector(text, v, source)
}

// InsertVector appends a precomputed vector. The first insert fixes the
// index dimension.
func (ix *Index) InsertVector(text string, v []float32, source Source) error {
	if len(v) == 0 {
		return fmt.Errorf("%w: empty vector", ErrDimensionMismatch)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.dim == 0 {
		ix.dim = len(v)
	} else if len(v) != ix.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), ix.dim)
	}
	ix.entries = append(ix.entries, Entry{
		Text:   text,
		Vector: slices.Clone(v),
		Source: source,
		norm:   norm(v),
	})
	return nil
}

// Preload seeds the index with corpus questions. vectors may be nil or shorter
// than texts; missing vectors, and vectors whose dimension differs from the
// live embedder's, are computed in one batch call. An embedder that does not
// declare its dimension is asked for one vector first. Returns the number of
// entries added.
func (ix *Index) Preload(ctx context.Context, texts []string, vectors [][]float32) (int, error) {
	if len(texts) == 0 {
		return 0, nil
	}

	all := make([][]float32, len(texts))
	copy(all, vectors)

	dim := ix.embedder.Dimension()
	if dim <= 0 {
		v, err := ix.Embed(ctx, texts[0])
		if err != nil {
			return 0, fmt.Errorf("preload: %w", err)
		}
		all[0], dim = v, len(v)
	}

	var missing []int
	for i := range texts {
		if len(all[i]) != dim {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		batch := make([]string, len(missing))
		for j, i := range missing {
			batch[j] = texts[i]
		}
		start := time.Now()
		computed, err := ix.embedder.EmbedBatch(ctx, batch)
		if err != nil {
			return 0, fmt.Errorf("%w: preload: %w", ErrEmbedding, err)
		}
		if len(computed) != len(batch) {
			return 0, fmt.Errorf("%w: preload: got %d vectors for %d texts", ErrEmbedding, len(computed), len(batch))
		}
		for j, i := range missing {
			all[i] = computed[j]
		}
		slog.Debug("embedded corpus", "count", len(batch), "duration_ms", time.Since(start).Milliseconds())
	}

	added := 0
	for i, text := range texts {
		if err := ix.InsertVector(text, all[i], SourceCorpus); err != nil {
			return added, fmt.Errorf("preload %q: %w", text, err)
		}
		added++
	}
	return added, nil
}

// Vectors returns copies of the vectors from source, in insertion order.
func (ix *Index) Vectors(source Source) [][]float32 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out [][]float32
	for _, e := range ix.entries {
		if e.Source == source {
			out = append(out, slices.Clone(e.Vector))
		}
	}
	return out
}

func score(v []float32, vn float64, e Entry) float64 {
	if vn == 0 || e.norm == 0 {
		return 0
	}
	var dot float64
	for i := range v {
		dot += float64(v[i]) * float64(e.Vector[i])
	}
	return clamp(dot / (vn * e.norm))
}
