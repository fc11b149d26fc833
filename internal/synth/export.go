package synth

import (
	"bufio"
	"fmt"
	"io"
)

// WriteMatrixMTX writes the spot-by-gene matrix in MatrixMarket coordinate
// format (rows=genes, cols=spots, 1-based), the same axis convention the
// input triplet uses so downstream toolkits can ingest it unchanged.
func (r *Result) WriteMatrixMTX(w io.Writer) error {
	bw := bufio.NewWriter(w)

	var nnz int
	for i := range r.Spots {
		nnz += len(r.Spots[i].Genes)
	}

	fmt.Fprintln(bw, "%%MatrixMarket matrix coordinate integer general")
	fmt.Fprintf(bw, "%d %d %d\n", len(r.Genes), len(r.Spots), nnz)
	for si := range r.Spots {
		spot := &r.Spots[si]
		for j, g := range spot.Genes {
			fmt.Fprintf(bw, "%d %d %d\n", g+1, si+1, spot.Counts[j])
		}
	}
	return bw.Flush()
}

// WriteSpotsTable writes the per-spot metadata table: spot id, region of
// origin, number of contributing cells, target depth and realized total.
func (r *Result) WriteSpotsTable(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "spot_id\tregion\tn_cells\ttarget_depth\ttotal_count")
	for i := range r.Spots {
		s := &r.Spots[i]
		fmt.Fprintf(bw, "%s\t%s\t%d\t%d\t%d\n", s.ID, s.Region, len(s.CellIDs), s.TargetDepth, s.Total)
	}
	return bw.Flush()
}

// WriteGenesTable writes the gene axis, one name per line, in matrix column
// order.
func (r *Result) WriteGenesTable(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, g := range r.Genes {
		fmt.Fprintln(bw, g)
	}
	return bw.Flush()
}

// WriteGoldStandard writes the long-format gold-standard membership table.
// Only (cell, region) pairs with at least one contribution appear; absent
// pairs are implicitly false downstream.
func (r *Result) WriteGoldStandard(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "cell_id\tregion_id\tpresent")
	for _, g := range r.Gold {
		fmt.Fprintf(bw, "%s\t%s\t%t\n", g.CellID, g.Region, g.Present)
	}
	return bw.Flush()
}

// SpotsByRegion returns the number of generated spots per region.
func (r *Result) SpotsByRegion() map[string]int {
	out := make(map[string]int, len(r.Regions))
	for i := range r.Spots {
		out[r.Spots[i].Region]++
	}
	return out
}
