// Package matrix provides labeled single-cell count matrices read from
// 10x-style triplet directories (MatrixMarket counts + cell/gene tables).
package matrix

import (
	"fmt"
	"sort"
)

// Cell is one row of the count matrix with its labels. Gene counts are
// stored sparsely as parallel slices sorted by gene index.
type Cell struct {
	ID     string
	Type   string
	Region string
	Genes  []int32
	Counts []int64
	Total  int64
}

// Dataset is an immutable cell-by-gene count matrix with per-cell
// cell-type and region labels.
type Dataset struct {
	Name  string
	Genes []string
	Cells []Cell

	geneIndex map[string]int
}

// NewDataset builds a dataset from gene names and cells, validating labels
// and count shapes.
func NewDataset(name string, genes []string, cells []Cell) (*Dataset, error) {
	if len(genes) == 0 {
		return nil, fmt.Errorf("dataset %q has no genes", name)
	}
	if len(cells) == 0 {
		return nil, fmt.Errorf("dataset %q has no cells", name)
	}

	geneIndex := make(map[string]int, len(genes))
	for i, g := range genes {
		if g == "" {
			return nil, fmt.Errorf("dataset %q: empty gene name at index %d", name, i)
		}
		if _, dup := geneIndex[g]; dup {
			return nil, fmt.Errorf("dataset %q: duplicate gene name %q", name, g)
		}
		geneIndex[g] = i
	}

	seen := make(map[string]bool, len(cells))
	for i := range cells {
		c := &cells[i]
		if c.ID == "" {
			return nil, fmt.Errorf("dataset %q: cell %d has empty id", name, i)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("dataset %q: duplicate cell id %q", name, c.ID)
		}
		seen[c.ID] = true
		if c.Type == "" {
			return nil, fmt.Errorf("dataset %q: cell %q has no cell_type label", name, c.ID)
		}
		if c.Region == "" {
			return nil, fmt.Errorf("dataset %q: cell %q has no region label", name, c.ID)
		}
		if len(c.Genes) != len(c.Counts) {
			return nil, fmt.Errorf("dataset %q: cell %q has mismatched count vectors", name, c.ID)
		}
		var total int64
		for j, g := range c.Genes {
			if g < 0 || int(g) >= len(genes) {
				return nil, fmt.Errorf("dataset %q: cell %q references gene index %d out of range", name, c.ID, g)
			}
			if c.Counts[j] < 0 {
				return nil, fmt.Errorf("dataset %q: cell %q has negative count for gene %s", name, c.ID, genes[g])
			}
			total += c.Counts[j]
		}
		c.Total = total
	}

	return &Dataset{Name: name, Genes: genes, Cells: cells, geneIndex: geneIndex}, nil
}

// NGenes returns the number of genes.
func (d *Dataset) NGenes() int { return len(d.Genes) }

// NCells returns the number of cells.
func (d *Dataset) NCells() int { return len(d.Cells) }

// GeneIndex returns the column index of a gene name.
func (d *Dataset) GeneIndex(gene string) (int, bool) {
	i, ok := d.geneIndex[gene]
	return i, ok
}

// Regions returns the distinct region labels in sorted order.
func (d *Dataset) Regions() []string {
	return d.distinct(func(c *Cell) string { return c.Region })
}

// CellTypes returns the distinct cell-type labels in sorted order.
func (d *Dataset) CellTypes() []string {
	return d.distinct(func(c *Cell) string { return c.Type })
}

func (d *Dataset) distinct(key func(*Cell) string) []string {
	set := make(map[string]bool)
	for i := range d.Cells {
		set[key(&d.Cells[i])] = true
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CellsByRegion returns cell indices grouped by region label.
func (d *Dataset) CellsByRegion() map[string][]int {
	out := make(map[string][]int)
	for i := range d.Cells {
		out[d.Cells[i].Region] = append(out[d.Cells[i].Region], i)
	}
	return out
}

// TypeCounts returns, for the given cell indices, the number of cells per
// cell type.
func (d *Dataset) TypeCounts(cellIdx []int) map[string]int {
	out := make(map[string]int)
	for _, i := range cellIdx {
		out[d.Cells[i].Type]++
	}
	return out
}
