package intent

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
)

// Strategy selects how weights evolve over a run.
type Strategy string

// Supported evolution strategies.
const (
	StrategyAdaptive   Strategy = "adaptive"
	StrategyRandomWalk Strategy = "random_walk"
	StrategyCoverage   Strategy = "coverage_based"
)

// Strategies lists the accepted strategy names.
func Strategies() []Strategy {
	return []Strategy{StrategyAdaptive, StrategyRandomWalk, StrategyCoverage}
}

// ParseStrategy resolves a strategy name. "coverage" is accepted as shorthand.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "adaptive", "":
		return StrategyAdaptive, nil
	case "random_walk", "random-walk":
		return StrategyRandomWalk, nil
	case "coverage_based", "coverage-based", "coverage":
		return StrategyCoverage, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// Params tunes sampling and evolution.
type Params struct {
	Strategy Strategy

	// Floor is the minimum normalized weight of any eligible intent.
	Floor float64
	// Ceiling caps a normalized weight. Zero disables the cap; it is also ignored
	// when it cannot be met by the eligible set.
	Ceiling float64

	// Damping multiplies intents used since the last evolution (adaptive).
	Damping float64
	// Boost multiplies intents not used since the last evolution (adaptive).
	Boost float64
	// WalkRange bounds the random_walk perturbation to [1-r, 1+r].
	WalkRange float64
	// CoverageBoost multiplies never-used intents (coverage_based).
	CoverageBoost float64

	MinMix int
	MaxMix int

	// EvolveEvery is the number of accepted usages between evolutions. Zero
	// defers evolution to EndBatch.
	EvolveEvery int
}

// DefaultParams returns the stock tuning.
func DefaultParams() Params {
	return Params{
		Strategy:      StrategyAdaptive,
		Floor:         0.005,
		Ceiling:       0.30,
		Damping:       0.95,
		Boost:         1.1,
		WalkRange:     0.2,
		CoverageBoost: 2.0,
		MinMix:        2,
		MaxMix:        3,
	}
}

// Validate checks parameter ranges.
func (p Params) Validate() error {
	if _, err := ParseStrategy(string(p.Strategy)); err != nil {
		return err
	}
	switch {
	case p.Floor <= 0 || p.Floor >= 1:
		return fmt.Errorf("floor must be in (0,1), got %v", p.Floor)
	case p.Ceiling < 0 || p.Ceiling > 1:
		return fmt.Errorf("ceiling must be in [0,1], got %v", p.Ceiling)
	case p.Damping <= 0 || p.Damping >= 1:
		return fmt.Errorf("damping must be in (0,1), got %v", p.Damping)
	case p.Boost < 1:
		return fmt.Errorf("boost must be >= 1, got %v", p.Boost)
	case p.WalkRange < 0 || p.WalkRange >= 1:
		return fmt.Errorf("random walk range must be in [0,1), got %v", p.WalkRange)
	case p.CoverageBoost < 1:
		return fmt.Errorf("coverage boost must be >= 1, got %v", p.CoverageBoost)
	case p.MinMix < 1 || p.MaxMix < p.MinMix:
		return fmt.Errorf("%w: bounds [%d,%d]", ErrInvalidMixSize, p.MinMix, p.MaxMix)
	case p.EvolveEvery < 0:
		return fmt.Errorf("evolve cadence must be >= 0, got %d", p.EvolveEvery)
	}
	return nil
}

// evolve applies one strategy step in place. recent marks intents used since
// the previous evolution; used holds lifetime accepted usage counts.
func evolve(p Params, rng *rand.Rand, w []float64, recent []bool, used []int) {
	switch p.Strategy {
	case StrategyRandomWalk:
		for i := range w {
			w[i] *= 1 + (rng.Float64()*2-1)*p.WalkRange
		}
	case StrategyCoverage:
		anyUnused := false
		for _, n := range used {
			if n == 0 {
				anyUnused = true
				break
			}
		}
		if !anyUnused {
			adapt(p, w, recent)
			return
		}
		for i := range w {
			if used[i] == 0 {
				w[i] *= p.CoverageBoost
			}
		}
	default:
		adapt(p, w, recent)
	}
}

func adapt(p Params, w []float64, recent []bool) {
	for i := range w {
		if recent[i] {
			w[i] *= p.Damping
		} else {
			w[i] *= p.Boost
		}
	}
}

// boundedNormalize rescales w to sum to 1 with every entry in [floor, ceiling].
// Non-positive and NaN entries are treated as zero and lifted to the floor.
func boundedNormalize(w []float64, floor, ceiling float64) {
	n := len(w)
	if n == 0 {
		return
	}
	if floor*float64(n) >= 1 {
		for i := range w {
			w[i] = 1 / float64(n)
		}
		return
	}
	if ceiling > 0 && ceiling*float64(n) < 1 {
		ceiling = 0
	}
	for i := range w {
		if !(w[i] > 0) || math.IsInf(w[i], 0) {
			w[i] = 0
		}
	}

	// Water-filling: pin entries that break a bound and spread the remaining
	// mass over the rest. Ceilings are pinned before floors since capping an
	// entry raises the others.
	fixed := make([]bool, n)
	scaled := make([]float64, n)
	for range 2*n + 1 {
		mass := 1.0
		var free float64
		freeCount := 0
		for i := range w {
			if fixed[i] {
				mass -= w[i]
			} else {
				free += w[i]
				freeCount++
			}
		}
		if freeCount == 0 || mass <= 0 {
			break
		}

		var over, under []int
		for i := range w {
			if fixed[i] {
				continue
			}
			v := mass / float64(freeCount)
			if free > 0 {
				v = w[i] / free * mass
			}
			scaled[i] = v
			switch {
			case ceiling > 0 && v > ceiling:
				over = append(over, i)
			case v < floor:
				under = append(under, i)
			}
		}

		switch {
		case len(over) > 0:
			for _, i := range over {
				w[i], fixed[i] = ceiling, true
			}
		case len(under) > 0:
			for _, i := range under {
				w[i], fixed[i] = floor, true
			}
		default:
			for i := range w {
				if !fixed[i] {
					w[i] = scaled[i]
				}
			}
			return
		}
	}

	// Bounds pinned every entry; fall back to a plain rescale.
	var sum float64
	for i := range w {
		w[i] = max(w[i], floor)
		sum += w[i]
	}
	for i := range w {
		if sum > 0 {
			w[i] /= sum
		} else {
			w[i] = 1 / float64(n)
		}
	}
}
