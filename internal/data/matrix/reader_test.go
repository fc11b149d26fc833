package matrix

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}

func writeGzip(t *testing.T, dir, name, content string) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("failed to create %s: %v", name, err)
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	if _, err := gz.Write([]byte(content)); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("failed to close %s: %v", name, err)
	}
}

const testMTX = `%%MatrixMarket matrix coordinate integer general
% generated fixture
3 2 4
1 1 5
3 1 2
2 2 7
3 2 1
`

const testCells = `cell_id	cell_type	region
AAAC	T	cortex
GGTA	B	medulla
`

const testGenes = "Gm1\nGm2\nGm3\n"

func TestReadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "matrix.mtx", testMTX)
	writeFile(t, dir, "cells.tsv", testCells)
	writeFile(t, dir, "genes.tsv", testGenes)

	ds, err := ReadDirectory(dir)
	if err != nil {
		t.Fatalf("ReadDirectory failed: %v", err)
	}

	if ds.NGenes() != 3 || ds.NCells() != 2 {
		t.Fatalf("expected 3 genes x 2 cells, got %d x %d", ds.NGenes(), ds.NCells())
	}

	c0 := ds.Cells[0]
	if c0.ID != "AAAC" || c0.Type != "T" || c0.Region != "cortex" {
		t.Errorf("unexpected first cell: %+v", c0)
	}
	if c0.Total != 7 {
		t.Errorf("first cell total %d, want 7", c0.Total)
	}

	c1 := ds.Cells[1]
	if c1.Total != 8 {
		t.Errorf("second cell total %d, want 8", c1.Total)
	}

	if got := ds.Regions(); len(got) != 2 || got[0] != "cortex" || got[1] != "medulla" {
		t.Errorf("unexpected regions: %v", got)
	}
	if got := ds.CellTypes(); len(got) != 2 || got[0] != "B" || got[1] != "T" {
		t.Errorf("unexpected cell types: %v", got)
	}
	if idx, ok := ds.GeneIndex("Gm3"); !ok || idx != 2 {
		t.Errorf("GeneIndex(Gm3) = %d, %v; want 2, true", idx, ok)
	}
}

func TestReadDirectory_Gzipped(t *testing.T) {
	dir := t.TempDir()
	writeGzip(t, dir, "matrix.mtx.gz", testMTX)
	writeGzip(t, dir, "cells.tsv.gz", testCells)
	writeGzip(t, dir, "genes.tsv.gz", testGenes)

	ds, err := ReadDirectory(dir)
	if err != nil {
		t.Fatalf("ReadDirectory failed on gzipped triplet: %v", err)
	}
	if ds.NGenes() != 3 || ds.NCells() != 2 {
		t.Fatalf("expected 3 genes x 2 cells, got %d x %d", ds.NGenes(), ds.NCells())
	}
}

func TestReadDirectory_FeaturesFallback(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "matrix.mtx", testMTX)
	writeFile(t, dir, "cells.tsv", testCells)
	// features.tsv with extra columns; first column is the identifier.
	writeFile(t, dir, "features.tsv", "ENSG1\tGm1\tGene Expression\nENSG2\tGm2\tGene Expression\nENSG3\tGm3\tGene Expression\n")

	ds, err := ReadDirectory(dir)
	if err != nil {
		t.Fatalf("ReadDirectory failed: %v", err)
	}
	if ds.Genes[0] != "ENSG1" {
		t.Errorf("expected first feature column as gene id, got %q", ds.Genes[0])
	}
}

func TestReadDirectory_Errors(t *testing.T) {
	t.Run("missingMatrix", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "cells.tsv", testCells)
		writeFile(t, dir, "genes.tsv", testGenes)
		if _, err := ReadDirectory(dir); err == nil {
			t.Fatal("expected error for missing matrix.mtx")
		}
	})

	t.Run("dimensionMismatch", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "matrix.mtx", "%%MatrixMarket matrix coordinate integer general\n5 2 1\n1 1 3\n")
		writeFile(t, dir, "cells.tsv", testCells)
		writeFile(t, dir, "genes.tsv", testGenes)
		if _, err := ReadDirectory(dir); err == nil || !strings.Contains(err.Error(), "genes") {
			t.Fatalf("expected gene dimension mismatch error, got %v", err)
		}
	})

	t.Run("negativeCount", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "matrix.mtx", "%%MatrixMarket matrix coordinate integer general\n3 2 1\n1 1 -3\n")
		writeFile(t, dir, "cells.tsv", testCells)
		writeFile(t, dir, "genes.tsv", testGenes)
		if _, err := ReadDirectory(dir); err == nil {
			t.Fatal("expected error for negative count")
		}
	})

	t.Run("missingRegionColumn", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "matrix.mtx", testMTX)
		writeFile(t, dir, "cells.tsv", "cell_id\tcell_type\nAAAC\tT\nGGTA\tB\n")
		writeFile(t, dir, "genes.tsv", testGenes)
		if _, err := ReadDirectory(dir); err == nil {
			t.Fatal("expected error for missing region column")
		}
	})

	t.Run("outOfRangeTriplet", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "matrix.mtx", "%%MatrixMarket matrix coordinate integer general\n3 2 1\n9 1 3\n")
		writeFile(t, dir, "cells.tsv", testCells)
		writeFile(t, dir, "genes.tsv", testGenes)
		if _, err := ReadDirectory(dir); err == nil {
			t.Fatal("expected error for out-of-range triplet")
		}
	})
}
