// Package main is the spotgen CLI: one-shot pseudo-spot generation without
// the server.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/pseudospot/server/internal/data/matrix"
	"github.com/pseudospot/server/internal/data/soma"
	"github.com/pseudospot/server/internal/synth"
)

func main() {
	matrixDir := flag.String("matrix-dir", "", "Input triplet directory (genes.tsv, cells.tsv, matrix.mtx[.gz])")
	somaPath := flag.String("soma", "", "Input TileDB-SOMA experiment (alternative to -matrix-dir)")
	typeColumn := flag.String("type-column", "cell_type", "SOMA obs column holding cell types")
	regionColumn := flag.String("region-column", "region", "SOMA obs column holding regions")
	outDir := flag.String("out", "spots_out", "Output directory")

	strategy := flag.String("strategy", string(synth.StrategyProportional),
		fmt.Sprintf("Mixing strategy %v", synth.Strategies()))
	spotsMin := flag.Int("spots-min", synth.DefaultSpotsMin, "Minimum spots per region")
	spotsMax := flag.Int("spots-max", synth.DefaultSpotsMax, "Maximum spots per region")
	depthMean := flag.Float64("depth-mean", synth.DefaultDepthMean, "Mean target depth per spot")
	depthSD := flag.Float64("depth-sd", synth.DefaultDepthSD, "Target depth standard deviation")
	depthMin := flag.Int64("depth-min", synth.DefaultDepthMin, "Minimum target depth")
	budget := flag.Int("budget", synth.DefaultBudget, "Sampling attempt budget per spot")
	uniqueCells := flag.Bool("unique-cells", false, "Forbid a cell contributing twice to one spot")
	mockRegion := flag.Bool("mock", false, "Add the permuted negative-control region")
	seed := flag.Int64("seed", 0, "Random seed (same seed reproduces the same output)")
	flag.Parse()

	ds, err := loadDataset(*matrixDir, *somaPath, *typeColumn, *regionColumn)
	if err != nil {
		log.Fatalf("Failed to load dataset: %v", err)
	}
	log.Printf("Loaded %d genes, %d cells, %d regions", ds.NGenes(), ds.NCells(), len(ds.Regions()))

	params := synth.Params{
		Strategy:    synth.Strategy(*strategy),
		SpotsMin:    *spotsMin,
		SpotsMax:    *spotsMax,
		DepthMean:   *depthMean,
		DepthSD:     *depthSD,
		DepthMin:    *depthMin,
		Budget:      *budget,
		UniqueCells: *uniqueCells,
		MockRegion:  *mockRegion,
		Seed:        *seed,
	}

	result, err := synth.Generate(ds, params)
	if err != nil {
		log.Fatalf("Generation failed: %v", err)
	}
	log.Printf("Generated %d spots across %d regions (%d gold records)",
		len(result.Spots), len(result.Regions), len(result.Gold))

	if err := writeOutputs(*outDir, result); err != nil {
		log.Fatalf("Failed to write outputs: %v", err)
	}
	log.Printf("Wrote outputs to %s", *outDir)
}

func loadDataset(matrixDir, somaPath, typeColumn, regionColumn string) (*matrix.Dataset, error) {
	switch {
	case matrixDir != "":
		return matrix.ReadDirectory(matrixDir)
	case somaPath != "":
		reader, err := soma.NewReader(somaPath)
		if err != nil {
			return nil, err
		}
		return soma.LoadDataset(reader, filepath.Base(somaPath), typeColumn, regionColumn)
	default:
		return nil, fmt.Errorf("one of -matrix-dir or -soma is required")
	}
}

func writeOutputs(dir string, result *synth.Result) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	mtxFile, err := os.Create(filepath.Join(dir, "matrix.mtx.gz"))
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(mtxFile)
	if err := result.WriteMatrixMTX(gz); err != nil {
		mtxFile.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		mtxFile.Close()
		return err
	}
	if err := mtxFile.Close(); err != nil {
		return err
	}

	tables := []struct {
		name  string
		write func(*os.File) error
	}{
		{"spots.tsv", func(f *os.File) error { return result.WriteSpotsTable(f) }},
		{"genes.tsv", func(f *os.File) error { return result.WriteGenesTable(f) }},
		{"gold.tsv", func(f *os.File) error { return result.WriteGoldStandard(f) }},
	}
	for _, tbl := range tables {
		f, err := os.Create(filepath.Join(dir, tbl.name))
		if err != nil {
			return err
		}
		if err := tbl.write(f); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}
