// Package soma provides minimal, read-only access to a TileDB-SOMA
// experiment as an alternative input backend for spot synthesis. Only what
// PseudoSpot needs is supported:
//   - gene names in matrix column order (from ms/RNA/var)
//   - per-cell string labels for the cell-type and region columns (from obs)
//   - a full scan of the sparse counts in ms/RNA/X/data
//
// Built without "-tags soma" the reader resolves and validates the
// experiment path but all reads return ErrUnsupported.
package soma

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pseudospot/server/internal/data/matrix"
)

var (
	// ErrUnsupported indicates this binary was built without SOMA/TileDB support.
	ErrUnsupported = errors.New("soma support is not enabled in this build (build with: go build -tags soma)")
)

// ResolveExperimentURI accepts either:
//   - /path/to/.../soma/experiment.soma
//   - /path/to/.../soma  (parent directory)
//
// and returns the experiment.soma path.
func ResolveExperimentURI(somaPath string) (string, error) {
	p := strings.TrimSpace(somaPath)
	if p == "" {
		return "", errors.New("empty soma_path")
	}
	p = os.ExpandEnv(p)
	p = filepath.Clean(p)

	if strings.HasSuffix(p, ".soma") {
		return p, nil
	}
	return filepath.Join(p, "experiment.soma"), nil
}

// LoadDataset assembles a labeled count matrix from a SOMA experiment. The
// type and region obs columns are required; X values are rounded to the
// nearest non-negative integer count. Cells missing either label are
// dropped.
func LoadDataset(r *Reader, name, typeColumn, regionColumn string) (*matrix.Dataset, error) {
	genes, geneJoinIDs, err := r.GeneList()
	if err != nil {
		return nil, fmt.Errorf("failed to load genes from SOMA var: %w", err)
	}
	geneCol := make(map[int64]int, len(geneJoinIDs))
	for i, id := range geneJoinIDs {
		geneCol[id] = i
	}

	types, err := r.ObsLabels(typeColumn)
	if err != nil {
		return nil, fmt.Errorf("failed to load obs column %q: %w", typeColumn, err)
	}
	regions, err := r.ObsLabels(regionColumn)
	if err != nil {
		return nil, fmt.Errorf("failed to load obs column %q: %w", regionColumn, err)
	}

	joinIDs := make([]int64, 0, len(types))
	for id := range types {
		if _, ok := regions[id]; ok {
			joinIDs = append(joinIDs, id)
		}
	}
	sort.Slice(joinIDs, func(i, j int) bool { return joinIDs[i] < joinIDs[j] })

	cellRow := make(map[int64]int, len(joinIDs))
	cells := make([]matrix.Cell, len(joinIDs))
	for i, id := range joinIDs {
		cellRow[id] = i
		cells[i] = matrix.Cell{
			ID:     "cell_" + strconv.FormatInt(id, 10),
			Type:   types[id],
			Region: regions[id],
		}
	}

	err = r.ScanX(func(cell, gene int64, val float32) {
		row, ok := cellRow[cell]
		if !ok {
			return
		}
		col, ok := geneCol[gene]
		if !ok {
			return
		}
		count := int64(val + 0.5)
		if count <= 0 {
			return
		}
		cells[row].Genes = append(cells[row].Genes, int32(col))
		cells[row].Counts = append(cells[row].Counts, count)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan SOMA X: %w", err)
	}

	return matrix.NewDataset(name, genes, cells)
}
