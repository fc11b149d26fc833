// Package synth synthesizes pseudo-spot count matrices from labeled
// single-cell counts, together with the gold-standard cell-to-region
// membership table used to benchmark label transfer against known truth.
package synth

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/pseudospot/server/internal/data/matrix"
)

// MockRegionName is the region label of the synthetic negative control.
// Its spots are drawn with uniform cell-type frequency from the whole cell
// pool, then gene identities are permuted to destroy real signal.
const MockRegionName = "mock"

// Params configures one generation run.
type Params struct {
	Strategy  Strategy `json:"strategy"`
	SpotsMin  int      `json:"spots_min"`
	SpotsMax  int      `json:"spots_max"`
	DepthMean float64  `json:"depth_mean"`
	DepthSD   float64  `json:"depth_sd"`
	// DepthMin is the minimum viable target depth; draws below it are
	// clamped up.
	DepthMin int64 `json:"depth_min"`
	// Budget bounds the number of sampling attempts per spot. Exhausting it
	// before the target depth is reached fails the whole run with
	// ErrInsufficientData.
	Budget int `json:"budget"`
	// UniqueCells forbids the same cell contributing twice to one spot.
	// Cells are always drawn with replacement across spots.
	UniqueCells bool  `json:"unique_cells"`
	MockRegion  bool  `json:"mock_region"`
	Seed        int64 `json:"seed"`
}

// Defaults applied by Generate for zero-valued fields.
const (
	DefaultSpotsMin  = 10
	DefaultSpotsMax  = 30
	DefaultDepthMean = 5000
	DefaultDepthSD   = 500
	DefaultDepthMin  = 100
	DefaultBudget    = 10000
)

func (p *Params) setDefaults() {
	if p.Strategy == "" {
		p.Strategy = StrategyProportional
	}
	if p.SpotsMin == 0 && p.SpotsMax == 0 {
		p.SpotsMin, p.SpotsMax = DefaultSpotsMin, DefaultSpotsMax
	}
	if p.DepthMean == 0 {
		p.DepthMean = DefaultDepthMean
	}
	if p.DepthSD == 0 {
		p.DepthSD = DefaultDepthSD
	}
	if p.DepthMin == 0 {
		p.DepthMin = DefaultDepthMin
	}
	if p.Budget == 0 {
		p.Budget = DefaultBudget
	}
}

// Normalize fills zero-valued fields with defaults and validates the
// result. Generate does the same internally; callers that want to reject
// bad parameters before queueing work can use this directly.
func (p *Params) Normalize() error {
	p.setDefaults()
	return p.validate()
}

func (p Params) validate() error {
	if _, ok := strategyFuncs[p.Strategy]; !ok {
		return fmt.Errorf("%w: unknown mixing strategy %q (choose from %v)",
			ErrConfiguration, p.Strategy, Strategies())
	}
	if p.SpotsMin <= 0 || p.SpotsMax <= 0 {
		return fmt.Errorf("%w: spot range bounds must be positive, got [%d, %d]",
			ErrConfiguration, p.SpotsMin, p.SpotsMax)
	}
	if p.SpotsMin > p.SpotsMax {
		return fmt.Errorf("%w: inverted spot range [%d, %d]",
			ErrConfiguration, p.SpotsMin, p.SpotsMax)
	}
	if p.DepthMean <= 0 {
		return fmt.Errorf("%w: depth mean must be positive, got %g", ErrConfiguration, p.DepthMean)
	}
	if p.DepthSD < 0 {
		return fmt.Errorf("%w: depth standard deviation must be non-negative, got %g",
			ErrConfiguration, p.DepthSD)
	}
	if p.DepthMin <= 0 {
		return fmt.Errorf("%w: minimum depth must be positive, got %d", ErrConfiguration, p.DepthMin)
	}
	if p.Budget <= 0 {
		return fmt.Errorf("%w: sampling budget must be positive, got %d", ErrConfiguration, p.Budget)
	}
	return nil
}

// Spot is one synthetic spatial observation: the element-wise sum of its
// contributing cells' count vectors. Counts are sparse parallel slices
// sorted by gene index.
type Spot struct {
	ID          string
	Region      string
	CellIDs     []string
	TargetDepth int64
	Genes       []int32
	Counts      []int64
	Total       int64
}

// GoldRecord marks a cell as ground-truth-associated with a region because
// it contributed to at least one of the region's spots.
type GoldRecord struct {
	CellID  string
	Region  string
	Present bool
}

// Result is the immutable output of one generation run.
type Result struct {
	Genes   []string
	Regions []string // generation order; mock region last when present
	Spots   []Spot
	Gold    []GoldRecord
	// MockPerm is the fixed gene permutation applied to all mock spots
	// (nil when no mock region was generated). MockPerm[i] is the index the
	// counts originally at gene i were moved to.
	MockPerm []int
	Params   Params
}

// Generate synthesizes pseudo-spots for every region of the dataset. It is
// a pure function of (dataset, params): the same seed reproduces the same
// spots, contributors and gold standard. On error no partial result is
// returned.
func Generate(ds *matrix.Dataset, p Params) (*Result, error) {
	p.setDefaults()
	if err := p.validate(); err != nil {
		return nil, err
	}
	if ds == nil || ds.NCells() == 0 {
		return nil, fmt.Errorf("%w: empty dataset", ErrConfiguration)
	}

	byRegion := ds.CellsByRegion()
	regions := ds.Regions()
	for _, r := range regions {
		if r == MockRegionName {
			return nil, fmt.Errorf("%w: dataset already contains a region named %q",
				ErrConfiguration, MockRegionName)
		}
		if len(byRegion[r]) == 0 {
			return nil, fmt.Errorf("%w: region %q has no eligible cells", ErrConfiguration, r)
		}
	}

	rng := rand.New(rand.NewSource(p.Seed))
	res := &Result{
		Genes:   ds.Genes,
		Regions: append([]string(nil), regions...),
		Params:  p,
	}

	allCells := make([]int, ds.NCells())
	for i := range allCells {
		allCells[i] = i
	}

	contributed := make(map[string]map[string]bool) // region -> cell id

	for _, region := range regions {
		spots, err := generateRegion(ds, rng, p, region, byRegion[region], p.Strategy)
		if err != nil {
			return nil, err
		}
		recordGold(contributed, region, spots)
		res.Spots = append(res.Spots, spots...)
	}

	if p.MockRegion {
		// The mock region draws uniformly over every cell type in the pool.
		mockSpots, err := generateRegion(ds, rng, p, MockRegionName, allCells, StrategyUniform)
		if err != nil {
			return nil, err
		}
		res.MockPerm = rng.Perm(ds.NGenes())
		for i := range mockSpots {
			permuteGenes(&mockSpots[i], res.MockPerm)
		}
		recordGold(contributed, MockRegionName, mockSpots)
		res.Spots = append(res.Spots, mockSpots...)
		res.Regions = append(res.Regions, MockRegionName)
	}

	for _, region := range res.Regions {
		cells := make([]string, 0, len(contributed[region]))
		for id := range contributed[region] {
			cells = append(cells, id)
		}
		sort.Strings(cells)
		for _, id := range cells {
			res.Gold = append(res.Gold, GoldRecord{CellID: id, Region: region, Present: true})
		}
	}

	return res, nil
}

// generateRegion synthesizes all spots for one region from the given cell
// pool. The pool must be non-empty.
func generateRegion(ds *matrix.Dataset, rng *rand.Rand, p Params, region string, pool []int, strategy Strategy) ([]Spot, error) {
	freqs := typeFrequencies(ds, pool)
	weights, err := mixWeights(strategy, freqs)
	if err != nil {
		return nil, err
	}

	// Cells of each type within the pool, keyed in weight order.
	typeCells := make([][]int, len(weights))
	typeIdx := make(map[string]int, len(weights))
	for i, w := range weights {
		typeIdx[w.Type] = i
	}
	for _, ci := range pool {
		if i, ok := typeIdx[ds.Cells[ci].Type]; ok {
			typeCells[i] = append(typeCells[i], ci)
		}
	}

	cum := cumulativeWeights(weights)

	nSpots := p.SpotsMin
	if p.SpotsMax > p.SpotsMin {
		nSpots += rng.Intn(p.SpotsMax - p.SpotsMin + 1)
	}

	spots := make([]Spot, 0, nSpots)
	for s := 0; s < nSpots; s++ {
		target := int64(rng.NormFloat64()*p.DepthSD + p.DepthMean)
		if target < p.DepthMin {
			target = p.DepthMin
		}

		spot, err := sampleSpot(ds, rng, p, cum, typeCells, target)
		if err != nil {
			return nil, fmt.Errorf("region %q spot %d: %w", region, s+1, err)
		}
		spot.ID = fmt.Sprintf("%s_spot_%d", region, s+1)
		spot.Region = region
		spots = append(spots, spot)
	}
	return spots, nil
}

// sampleSpot draws cells until the summed depth reaches target or the
// attempt budget runs out.
func sampleSpot(ds *matrix.Dataset, rng *rand.Rand, p Params, cum []float64, typeCells [][]int, target int64) (Spot, error) {
	acc := make(map[int32]int64)
	var cellIDs []string
	var used map[int]bool
	if p.UniqueCells {
		used = make(map[int]bool)
	}

	var total int64
	attempts := 0
	for total < target {
		attempts++
		if attempts > p.Budget {
			return Spot{}, fmt.Errorf("%w: budget of %d draws exhausted at depth %d of %d",
				ErrInsufficientData, p.Budget, total, target)
		}

		ti := searchCumulative(cum, rng.Float64())
		cells := typeCells[ti]
		if len(cells) == 0 {
			continue
		}
		ci := cells[rng.Intn(len(cells))]
		if used != nil {
			if used[ci] {
				continue
			}
			used[ci] = true
		}

		cell := &ds.Cells[ci]
		for j, g := range cell.Genes {
			acc[g] += cell.Counts[j]
		}
		total += cell.Total
		cellIDs = append(cellIDs, cell.ID)
	}

	genes := make([]int32, 0, len(acc))
	for g := range acc {
		genes = append(genes, g)
	}
	sort.Slice(genes, func(i, j int) bool { return genes[i] < genes[j] })
	counts := make([]int64, len(genes))
	for i, g := range genes {
		counts[i] = acc[g]
	}

	return Spot{
		CellIDs:     cellIDs,
		TargetDepth: target,
		Genes:       genes,
		Counts:      counts,
		Total:       total,
	}, nil
}

// typeFrequencies returns the pool's cell-type frequency profile sorted by
// type name.
func typeFrequencies(ds *matrix.Dataset, pool []int) []TypeWeight {
	counts := ds.TypeCounts(pool)
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)

	out := make([]TypeWeight, len(types))
	for i, t := range types {
		out[i] = TypeWeight{Type: t, Weight: float64(counts[t]) / float64(len(pool))}
	}
	return out
}

func cumulativeWeights(weights []TypeWeight) []float64 {
	cum := make([]float64, len(weights))
	var acc float64
	for i, w := range weights {
		acc += w.Weight
		cum[i] = acc
	}
	// Guard against float drift so the last bucket always catches r < 1.
	if len(cum) > 0 {
		cum[len(cum)-1] = 1
	}
	return cum
}

func searchCumulative(cum []float64, r float64) int {
	i := sort.SearchFloat64s(cum, r)
	if i >= len(cum) {
		i = len(cum) - 1
	}
	return i
}

// permuteGenes remaps a spot's gene indices through the fixed mock
// permutation and restores sorted order. Totals and sparsity are preserved.
func permuteGenes(spot *Spot, perm []int) {
	type entry struct {
		gene  int32
		count int64
	}
	entries := make([]entry, len(spot.Genes))
	for i, g := range spot.Genes {
		entries[i] = entry{gene: int32(perm[g]), count: spot.Counts[i]}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].gene < entries[j].gene })
	for i, e := range entries {
		spot.Genes[i] = e.gene
		spot.Counts[i] = e.count
	}
}

func recordGold(contributed map[string]map[string]bool, region string, spots []Spot) {
	set := contributed[region]
	if set == nil {
		set = make(map[string]bool)
		contributed[region] = set
	}
	for i := range spots {
		for _, id := range spots[i].CellIDs {
			set[id] = true
		}
	}
}
