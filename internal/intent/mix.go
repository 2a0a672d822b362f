package intent

import (
	"fmt"
	"math"
	"strings"
)

// MixEntry is one intent in a mix with its share of the mix.
type MixEntry struct {
	ID     string  `json:"id"`
	Weight float64 `json:"weight"`
}

// Mix is an ordered set of distinct intents whose weights sum to 1.
type Mix []MixEntry

const weightTolerance = 1e-9

// IDs returns the intent ids in mix order.
func (m Mix) IDs() []string {
	ids := make([]string, len(m))
	for i, e := range m {
		ids[i] = e.ID
	}
	return ids
}

// Contains reports whether id is part of the mix.
func (m Mix) Contains(id string) bool {
	for _, e := range m {
		if e.ID == id {
			return true
		}
	}
	return false
}

// Validate checks distinct ids and a unit weight sum.
func (m Mix) Validate() error {
	if len(m) == 0 {
		return fmt.Errorf("%w: empty mix", ErrInvalidMixSize)
	}
	seen := make(map[string]bool, len(m))
	var sum float64
	for _, e := range m {
		if seen[e.ID] {
			return fmt.Errorf("duplicate intent %q in mix", e.ID)
		}
		seen[e.ID] = true
		if e.Weight < 0 {
			return fmt.Errorf("negative weight for intent %q", e.ID)
		}
		sum += e.Weight
	}
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("mix weights sum to %f", sum)
	}
	return nil
}

// String renders the mix as "id:weight" pairs.
func (m Mix) String() string {
	parts := make([]string, len(m))
	for i, e := range m {
		parts[i] = fmt.Sprintf("%s:%.3f", e.ID, e.Weight)
	}
	return strings.Join(parts, ",")
}

func newMix(ids []string, weights []float64) Mix {
	var sum float64
	for _, w := range weights {
		sum += w
	}
	mix := make(Mix, len(ids))
	for i, id := range ids {
		w := 1 / float64(len(ids))
		if sum > weightTolerance {
			w = weights[i] / sum
		}
		mix[i] = MixEntry{ID: id, Weight: w}
	}
	return mix
}
