package synth

import (
	"fmt"
	"sort"
)

// Strategy names a cell-type mixing model. Each strategy is a pure function
// from a region's observed cell-type frequency table to the per-spot
// sampling distribution over cell types.
type Strategy string

const (
	// StrategyUniform samples every cell type present in the region with
	// equal probability.
	StrategyUniform Strategy = "uniform"

	// StrategyProportional samples cell types at their observed regional
	// frequency.
	StrategyProportional Strategy = "proportional"

	// StrategyDominant lets the two most frequent cell types dominate the
	// spot: they share a fixed bulk of the sampling mass and the remaining
	// types split the rest proportionally.
	StrategyDominant Strategy = "dominant"
)

// dominantMass is the sampling mass shared by the top-2 cell types under
// StrategyDominant. Ties on frequency break by type name so the dominant
// pair is deterministic.
const dominantMass = 0.8

// TypeWeight pairs a cell type with its sampling probability.
type TypeWeight struct {
	Type   string
	Weight float64
}

var strategyFuncs = map[Strategy]func([]TypeWeight) []TypeWeight{
	StrategyUniform:      uniformWeights,
	StrategyProportional: proportionalWeights,
	StrategyDominant:     dominantWeights,
}

// Strategies returns the recognized strategy names in sorted order.
func Strategies() []Strategy {
	out := make([]Strategy, 0, len(strategyFuncs))
	for s := range strategyFuncs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// mixWeights applies the named strategy to a region's frequency profile and
// returns a normalized distribution. The input must be sorted by type name
// and contain only types with at least one cell.
func mixWeights(strategy Strategy, freqs []TypeWeight) ([]TypeWeight, error) {
	fn, ok := strategyFuncs[strategy]
	if !ok {
		return nil, fmt.Errorf("%w: unknown mixing strategy %q (choose from %v)",
			ErrConfiguration, strategy, Strategies())
	}
	if len(freqs) == 0 {
		return nil, fmt.Errorf("%w: empty cell-type frequency profile", ErrConfiguration)
	}
	return normalizeWeights(fn(freqs)), nil
}

func uniformWeights(freqs []TypeWeight) []TypeWeight {
	out := make([]TypeWeight, len(freqs))
	for i, f := range freqs {
		out[i] = TypeWeight{Type: f.Type, Weight: 1}
	}
	return out
}

func proportionalWeights(freqs []TypeWeight) []TypeWeight {
	out := make([]TypeWeight, len(freqs))
	copy(out, freqs)
	return out
}

func dominantWeights(freqs []TypeWeight) []TypeWeight {
	// Rank by frequency, breaking ties by type name.
	ranked := make([]TypeWeight, len(freqs))
	copy(ranked, freqs)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Weight != ranked[j].Weight {
			return ranked[i].Weight > ranked[j].Weight
		}
		return ranked[i].Type < ranked[j].Type
	})

	nDominant := 2
	if len(ranked) < nDominant {
		nDominant = len(ranked)
	}
	dominant := make(map[string]bool, nDominant)
	for _, tw := range ranked[:nDominant] {
		dominant[tw.Type] = true
	}

	var minorTotal float64
	for _, f := range freqs {
		if !dominant[f.Type] {
			minorTotal += f.Weight
		}
	}

	out := make([]TypeWeight, len(freqs))
	for i, f := range freqs {
		w := 0.0
		switch {
		case dominant[f.Type]:
			w = dominantMass / float64(nDominant)
		case minorTotal > 0:
			w = (1 - dominantMass) * f.Weight / minorTotal
		}
		out[i] = TypeWeight{Type: f.Type, Weight: w}
	}
	return out
}

func normalizeWeights(weights []TypeWeight) []TypeWeight {
	var total float64
	for _, w := range weights {
		total += w.Weight
	}
	if total <= 0 {
		return weights
	}
	out := make([]TypeWeight, len(weights))
	for i, w := range weights {
		out[i] = TypeWeight{Type: w.Type, Weight: w.Weight / total}
	}
	return out
}
