package intent

import (
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"slices"
	"sync"
)

// State is the per-intent weight and usage record.
type State struct {
	Weight        float64 `json:"weight"`
	TimesUsed     int     `json:"times_used"`
	TimesSampled  int     `json:"times_sampled"`
	TimesRejected int     `json:"times_rejected"`
	LastUsedAt    int64   `json:"last_used_at"`
}

// Snapshot is the weight vector after one evolution step.
type Snapshot struct {
	Step     int                `json:"step"`
	Strategy Strategy           `json:"strategy"`
	Weights  map[string]float64 `json:"weights"`
}

// EvolutionLog is the post-run record of the tracker.
type EvolutionLog struct {
	Strategy        Strategy           `json:"strategy"`
	GenerationCount int                `json:"generation_count"`
	Evolutions      int                `json:"evolutions"`
	CurrentWeights  map[string]float64 `json:"current_weights"`
	History         []Snapshot         `json:"weight_history"`
	Usage           map[string]State   `json:"intent_usage"`
}

// Tracker owns the mutable sampling state for one run.
// All methods are safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	catalog *Catalog
	params  Params
	rng     *rand.Rand

	ids    []string // eligible ids, catalog order
	pos    map[string]int
	states map[string]*State // every catalog id, excluded ones included

	recent         []bool
	clock          int64
	accepted       int
	sinceEvolution int
	history        []Snapshot
}

// NewTracker creates a tracker with uniform weights over the eligible intents.
// A nil rng gets a randomly seeded source.
func NewTracker(catalog *Catalog, params Params, rng *rand.Rand) (*Tracker, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("tracker params: %w", err)
	}
	ids := catalog.Eligible()
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: all %d intents are excluded", ErrEmptyCatalog, catalog.Len())
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	t := &Tracker{
		catalog: catalog,
		params:  params,
		rng:     rng,
		ids:     ids,
		pos:     make(map[string]int, len(ids)),
		states:  make(map[string]*State, catalog.Len()),
		recent:  make([]bool, len(ids)),
	}
	for _, d := range catalog.defs {
		t.states[d.ID] = &State{}
	}
	for i, id := range ids {
		t.pos[id] = i
		t.states[id].Weight = 1 / float64(len(ids))
	}
	return t, nil
}

// Params returns the tuning in effect.
func (t *Tracker) Params() Params {
	return t.params
}

// RandomMixSize picks a mix size in the configured bounds, capped by the number
// of eligible intents.
func (t *Tracker) RandomMixSize() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	hi := min(t.params.MaxMix, len(t.ids))
	lo := min(t.params.MinMix, hi)
	return lo + t.rng.IntN(hi-lo+1)
}

// SampleMix draws size distinct eligible intents without replacement, each draw
// proportional to the current weights.
func (t *Tracker) SampleMix(size int) (Mix, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if size < t.params.MinMix || size > t.params.MaxMix {
		return nil, fmt.Errorf("%w: %d outside [%d,%d]", ErrInvalidMixSize, size, t.params.MinMix, t.params.MaxMix)
	}
	if size > len(t.ids) {
		return nil, fmt.Errorf("%w: want %d, have %d", ErrEmptyCatalog, size, len(t.ids))
	}

	pool := slices.Clone(t.ids)
	weights := make([]float64, len(pool))
	for i, id := range pool {
		weights[i] = t.states[id].Weight
	}

	chosen := make([]string, 0, size)
	chosenW := make([]float64, 0, size)
	for range size {
		i := t.draw(weights)
		chosen = append(chosen, pool[i])
		chosenW = append(chosenW, weights[i])
		pool = slices.Delete(pool, i, i+1)
		weights = slices.Delete(weights, i, i+1)
	}

	for _, id := range chosen {
		t.states[id].TimesSampled++
	}
	return newMix(chosen, chosenW), nil
}

func (t *Tracker) draw(weights []float64) int {
	var total float64
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return t.rng.IntN(len(weights))
	}
	r := t.rng.Float64() * total
	for i, w := range weights {
		r -= w
		if r < 0 {
			return i
		}
	}
	return len(weights) - 1
}

// ForceMix builds an equal-weight mix from operator-supplied ids, dropping
// repeats. Excluded intents may be forced.
func (t *Tracker) ForceMix(ids []string) (Mix, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []string
	for _, id := range ids {
		if !t.catalog.Has(id) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownIntent, id)
		}
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no intents given", ErrInvalidMixSize)
	}
	for _, id := range out {
		t.states[id].TimesSampled++
	}
	return newMix(out, nil), nil
}

// RecordUsage updates usage counters for a mix. An accepted usage counts toward
// the evolution cadence and evolves the weights when the cadence is reached.
func (t *Tracker) RecordUsage(mix Mix, accepted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.clock++
	for _, e := range mix {
		st, ok := t.states[e.ID]
		if !ok {
			continue
		}
		if !accepted {
			st.TimesRejected++
			continue
		}
		st.TimesUsed++
		st.LastUsedAt = t.clock
		if i, ok := t.pos[e.ID]; ok {
			t.recent[i] = true
		}
	}
	if !accepted {
		return
	}

	t.accepted++
	t.sinceEvolution++
	if t.params.EvolveEvery > 0 && t.sinceEvolution >= t.params.EvolveEvery {
		t.evolveLocked()
	}
}

// EndBatch closes a batch. With a zero cadence it evolves the weights once if
// anything was accepted since the last evolution.
func (t *Tracker) EndBatch() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.params.EvolveEvery == 0 && t.sinceEvolution > 0 {
		t.evolveLocked()
	}
}

func (t *Tracker) evolveLocked() {
	w := make([]float64, len(t.ids))
	used := make([]int, len(t.ids))
	for i, id := range t.ids {
		w[i] = t.states[id].Weight
		used[i] = t.states[id].TimesUsed
	}

	evolve(t.params, t.rng, w, t.recent, used)
	boundedNormalize(w, t.params.Floor, t.params.Ceiling)

	for i, id := range t.ids {
		t.states[id].Weight = w[i]
		t.recent[i] = false
	}
	t.sinceEvolution = 0
	t.history = append(t.history, Snapshot{
		Step:     len(t.history) + 1,
		Strategy: t.params.Strategy,
		Weights:  t.weightsLocked(),
	})

	slog.Debug("intent weights evolved", "strategy", t.params.Strategy, "step", len(t.history))
}

// Weights returns the current normalized weight of every eligible intent.
func (t *Tracker) Weights() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.weightsLocked()
}

func (t *Tracker) weightsLocked() map[string]float64 {
	out := make(map[string]float64, len(t.ids))
	for _, id := range t.ids {
		out[id] = t.states[id].Weight
	}
	return out
}

// State returns a copy of the record for id.
func (t *Tracker) State(id string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[id]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Uncovered returns eligible ids that have never been accepted.
func (t *Tracker) Uncovered() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []string
	for _, id := range t.ids {
		if t.states[id].TimesUsed == 0 {
			out = append(out, id)
		}
	}
	return out
}

// EvolutionLog exports the weight history and usage.
func (t *Tracker) EvolutionLog() EvolutionLog {
	t.mu.Lock()
	defer t.mu.Unlock()

	usage := make(map[string]State, len(t.states))
	for id, st := range t.states {
		usage[id] = *st
	}
	history := make([]Snapshot, len(t.history))
	for i, s := range t.history {
		history[i] = Snapshot{Step: s.Step, Strategy: s.Strategy, Weights: maps.Clone(s.Weights)}
	}
	return EvolutionLog{
		Strategy:        t.params.Strategy,
		GenerationCount: t.accepted,
		Evolutions:      len(t.history),
		CurrentWeights:  t.weightsLocked(),
		History:         history,
		Usage:           usage,
	}
}
