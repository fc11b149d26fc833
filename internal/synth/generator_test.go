package synth

import (
	"errors"
	"fmt"
	"testing"

	"github.com/pseudospot/server/internal/data/matrix"
)

// testDataset builds a labeled dataset with nCells cells spread evenly over
// the given cell types and regions. Every cell has a total count of 50
// across two of the ten genes.
func testDataset(t *testing.T, nCells int, types, regions []string) *matrix.Dataset {
	t.Helper()

	genes := make([]string, 10)
	for i := range genes {
		genes[i] = fmt.Sprintf("gene_%d", i)
	}

	cells := make([]matrix.Cell, nCells)
	for i := 0; i < nCells; i++ {
		cells[i] = matrix.Cell{
			ID:     fmt.Sprintf("cell_%03d", i),
			Type:   types[i%len(types)],
			Region: regions[i%len(regions)],
			Genes:  []int32{int32(i % 10), int32((i + 3) % 10)},
			Counts: []int64{30, 20},
		}
	}

	ds, err := matrix.NewDataset("test", genes, cells)
	if err != nil {
		t.Fatalf("failed to build test dataset: %v", err)
	}
	return ds
}

func baseParams() Params {
	return Params{
		Strategy:  StrategyProportional,
		SpotsMin:  3,
		SpotsMax:  6,
		DepthMean: 500,
		DepthSD:   50,
		DepthMin:  100,
		Budget:    10000,
		Seed:      42,
	}
}

func TestGenerate_SumInvariant(t *testing.T) {
	ds := testDataset(t, 60, []string{"T", "B", "NK"}, []string{"cortex", "medulla"})

	res, err := Generate(ds, baseParams())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	cellByID := make(map[string]*matrix.Cell)
	for i := range ds.Cells {
		cellByID[ds.Cells[i].ID] = &ds.Cells[i]
	}

	for si := range res.Spots {
		spot := &res.Spots[si]

		want := make(map[int32]int64)
		for _, id := range spot.CellIDs {
			c, ok := cellByID[id]
			if !ok {
				t.Fatalf("spot %s references unknown cell %s", spot.ID, id)
			}
			for j, g := range c.Genes {
				want[g] += c.Counts[j]
			}
		}

		got := make(map[int32]int64)
		var total int64
		for j, g := range spot.Genes {
			got[g] = spot.Counts[j]
			total += spot.Counts[j]
		}
		if total != spot.Total {
			t.Errorf("spot %s: recorded total %d != summed counts %d", spot.ID, spot.Total, total)
		}
		if len(got) != len(want) {
			t.Errorf("spot %s: %d nonzero genes, want %d", spot.ID, len(got), len(want))
		}
		for g, wc := range want {
			if got[g] != wc {
				t.Errorf("spot %s gene %d: count %d, want %d", spot.ID, g, got[g], wc)
			}
		}
	}
}

func TestGenerate_SpotCountBounds(t *testing.T) {
	ds := testDataset(t, 60, []string{"T", "B"}, []string{"r1", "r2", "r3"})
	p := baseParams()
	p.SpotsMin, p.SpotsMax = 2, 7

	res, err := Generate(ds, p)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	for region, n := range res.SpotsByRegion() {
		if n < p.SpotsMin || n > p.SpotsMax {
			t.Errorf("region %s: %d spots, want within [%d, %d]", region, n, p.SpotsMin, p.SpotsMax)
		}
	}
}

func TestGenerate_Determinism(t *testing.T) {
	ds := testDataset(t, 60, []string{"T", "B", "NK"}, []string{"cortex"})
	p := baseParams()
	p.MockRegion = true

	res1, err := Generate(ds, p)
	if err != nil {
		t.Fatalf("first Generate failed: %v", err)
	}
	res2, err := Generate(ds, p)
	if err != nil {
		t.Fatalf("second Generate failed: %v", err)
	}

	if len(res1.Spots) != len(res2.Spots) {
		t.Fatalf("spot counts differ: %d vs %d", len(res1.Spots), len(res2.Spots))
	}
	for i := range res1.Spots {
		a, b := &res1.Spots[i], &res2.Spots[i]
		if a.ID != b.ID || a.Total != b.Total || len(a.CellIDs) != len(b.CellIDs) {
			t.Errorf("spot %d differs between runs: %s/%d vs %s/%d", i, a.ID, a.Total, b.ID, b.Total)
		}
		for j := range a.CellIDs {
			if a.CellIDs[j] != b.CellIDs[j] {
				t.Errorf("spot %s contributor %d differs: %s vs %s", a.ID, j, a.CellIDs[j], b.CellIDs[j])
			}
		}
	}
	if len(res1.Gold) != len(res2.Gold) {
		t.Errorf("gold standard sizes differ: %d vs %d", len(res1.Gold), len(res2.Gold))
	}
	for i := range res1.MockPerm {
		if res1.MockPerm[i] != res2.MockPerm[i] {
			t.Fatalf("mock permutation differs at %d", i)
		}
	}

	// A different seed must change the sampling.
	p.Seed = 43
	res3, err := Generate(ds, p)
	if err != nil {
		t.Fatalf("third Generate failed: %v", err)
	}
	same := len(res1.Spots) == len(res3.Spots)
	if same {
		for i := range res1.Spots {
			if res1.Spots[i].Total != res3.Spots[i].Total {
				same = false
				break
			}
		}
	}
	if same {
		t.Error("different seeds produced identical spot totals")
	}
}

func TestGenerate_DepthNearTarget(t *testing.T) {
	ds := testDataset(t, 60, []string{"T", "B"}, []string{"cortex"})

	res, err := Generate(ds, baseParams())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	// Every cell contributes 50 counts, so a spot may overshoot its target
	// by at most one cell's total.
	const maxCellTotal = 50
	for i := range res.Spots {
		s := &res.Spots[i]
		if s.Total < s.TargetDepth {
			t.Errorf("spot %s: total %d below target %d", s.ID, s.Total, s.TargetDepth)
		}
		if s.Total >= s.TargetDepth+maxCellTotal {
			t.Errorf("spot %s: total %d overshoots target %d by more than one cell", s.ID, s.Total, s.TargetDepth)
		}
	}
}

func TestGenerate_FixedScenario(t *testing.T) {
	// 100 cells, 3 cell types evenly split, one region, bounds [5,5],
	// depth 1000 +/- 100.
	ds := testDataset(t, 100, []string{"T", "B", "NK"}, []string{"cortex"})
	p := Params{
		Strategy:  StrategyUniform,
		SpotsMin:  5,
		SpotsMax:  5,
		DepthMean: 1000,
		DepthSD:   100,
		DepthMin:  100,
		Budget:    10000,
		Seed:      7,
	}

	res, err := Generate(ds, p)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if n := len(res.Spots); n != 5 {
		t.Fatalf("expected exactly 5 spots, got %d", n)
	}
	for i := range res.Spots {
		s := &res.Spots[i]
		if s.Total < 600 || s.Total > 1400 {
			t.Errorf("spot %s: total %d far from configured depth 1000", s.ID, s.Total)
		}
	}
	if len(res.Gold) > 100 {
		t.Errorf("gold standard has %d rows for one region, want <= 100", len(res.Gold))
	}
}

func TestGenerate_ConfigurationErrors(t *testing.T) {
	ds := testDataset(t, 30, []string{"T"}, []string{"cortex"})

	cases := []struct {
		name   string
		mutate func(*Params)
	}{
		{"invertedRange", func(p *Params) { p.SpotsMin, p.SpotsMax = 10, 1 }},
		{"zeroMin", func(p *Params) { p.SpotsMin = -1 }},
		{"unknownStrategy", func(p *Params) { p.Strategy = "chaotic" }},
		{"negativeSD", func(p *Params) { p.DepthSD = -5 }},
		{"negativeMean", func(p *Params) { p.DepthMean = -100 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := baseParams()
			tc.mutate(&p)
			_, err := Generate(ds, p)
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestGenerate_InsufficientData(t *testing.T) {
	// One region with one tiny cell and a target depth it can never reach
	// within budget.
	genes := []string{"g1", "g2"}
	cells := []matrix.Cell{{
		ID:     "only_cell",
		Type:   "T",
		Region: "cortex",
		Genes:  []int32{0},
		Counts: []int64{1},
	}}
	ds, err := matrix.NewDataset("tiny", genes, cells)
	if err != nil {
		t.Fatalf("failed to build dataset: %v", err)
	}

	p := baseParams()
	p.DepthMean, p.DepthSD, p.DepthMin = 1000, 0, 1000
	p.Budget = 100

	_, err = Generate(ds, p)
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestGenerate_UniqueCellsWithinSpot(t *testing.T) {
	ds := testDataset(t, 60, []string{"T", "B"}, []string{"cortex"})
	p := baseParams()
	p.UniqueCells = true
	p.DepthMean, p.DepthSD, p.DepthMin = 400, 0, 400

	res, err := Generate(ds, p)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	for i := range res.Spots {
		seen := make(map[string]bool)
		for _, id := range res.Spots[i].CellIDs {
			if seen[id] {
				t.Errorf("spot %s samples cell %s twice with UniqueCells set", res.Spots[i].ID, id)
			}
			seen[id] = true
		}
	}
}

func TestGenerate_MockRegion(t *testing.T) {
	ds := testDataset(t, 60, []string{"T", "B", "NK"}, []string{"cortex", "medulla"})
	p := baseParams()
	p.MockRegion = true

	res, err := Generate(ds, p)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if res.Regions[len(res.Regions)-1] != MockRegionName {
		t.Fatalf("expected mock region last in %v", res.Regions)
	}
	if len(res.MockPerm) != ds.NGenes() {
		t.Fatalf("mock permutation covers %d genes, want %d", len(res.MockPerm), ds.NGenes())
	}
	seen := make([]bool, len(res.MockPerm))
	for _, v := range res.MockPerm {
		if v < 0 || v >= len(seen) || seen[v] {
			t.Fatalf("mock permutation is not a permutation: %v", res.MockPerm)
		}
		seen[v] = true
	}

	cellByID := make(map[string]*matrix.Cell)
	for i := range ds.Cells {
		cellByID[ds.Cells[i].ID] = &ds.Cells[i]
	}

	var nMock int
	for si := range res.Spots {
		spot := &res.Spots[si]
		if spot.Region != MockRegionName {
			continue
		}
		nMock++

		// Totals and sparsity survive the permutation; per-gene identity is
		// the contributors' sum pushed through MockPerm.
		want := make(map[int32]int64)
		var wantTotal int64
		for _, id := range spot.CellIDs {
			c := cellByID[id]
			for j, g := range c.Genes {
				want[int32(res.MockPerm[g])] += c.Counts[j]
				wantTotal += c.Counts[j]
			}
		}
		if spot.Total != wantTotal {
			t.Errorf("mock spot %s: total %d != contributors' sum %d", spot.ID, spot.Total, wantTotal)
		}
		for j, g := range spot.Genes {
			if want[g] != spot.Counts[j] {
				t.Errorf("mock spot %s gene %d: count %d, want %d under permutation",
					spot.ID, g, spot.Counts[j], want[g])
			}
		}
	}
	if nMock < p.SpotsMin {
		t.Errorf("mock region produced %d spots, want at least %d", nMock, p.SpotsMin)
	}
}

func TestGenerate_GoldStandard(t *testing.T) {
	ds := testDataset(t, 60, []string{"T", "B"}, []string{"cortex", "medulla"})
	p := baseParams()
	p.MockRegion = true

	res, err := Generate(ds, p)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	contributed := make(map[string]bool) // "cell|region"
	for i := range res.Spots {
		for _, id := range res.Spots[i].CellIDs {
			contributed[id+"|"+res.Spots[i].Region] = true
		}
	}

	recorded := make(map[string]bool)
	for _, g := range res.Gold {
		if !g.Present {
			t.Errorf("gold record (%s, %s) has present=false", g.CellID, g.Region)
		}
		key := g.CellID + "|" + g.Region
		if recorded[key] {
			t.Errorf("duplicate gold record for (%s, %s)", g.CellID, g.Region)
		}
		recorded[key] = true
		if !contributed[key] {
			t.Errorf("gold record (%s, %s) has no contributing spot", g.CellID, g.Region)
		}
	}
	for key := range contributed {
		if !recorded[key] {
			t.Errorf("contribution %s missing from gold standard", key)
		}
	}
}

func TestGenerate_MockRegionNameCollision(t *testing.T) {
	ds := testDataset(t, 30, []string{"T"}, []string{MockRegionName})
	p := baseParams()
	p.MockRegion = true

	_, err := Generate(ds, p)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for region named %q, got %v", MockRegionName, err)
	}
}
