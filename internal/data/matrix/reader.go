package matrix

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// ReadDirectory loads a 10x-style triplet directory:
//
//	matrix.mtx[.gz]  MatrixMarket coordinate counts (rows=genes, cols=cells)
//	genes.tsv[.gz]   one gene name per line (features.tsv also accepted)
//	cells.tsv[.gz]   header + cell_id, cell_type, region columns
//
// The dataset name defaults to the directory base name.
func ReadDirectory(dir string) (*Dataset, error) {
	genes, err := readGenes(dir)
	if err != nil {
		return nil, err
	}

	ids, types, regions, err := readCells(dir)
	if err != nil {
		return nil, err
	}

	cells := make([]Cell, len(ids))
	for i := range ids {
		cells[i] = Cell{ID: ids[i], Type: types[i], Region: regions[i]}
	}

	if err := readCounts(dir, len(genes), cells); err != nil {
		return nil, err
	}

	return NewDataset(filepath.Base(filepath.Clean(dir)), genes, cells)
}

// openMaybeGzip opens the first existing candidate, transparently
// decompressing .gz files.
func openMaybeGzip(dir string, candidates ...string) (io.ReadCloser, string, error) {
	for _, name := range candidates {
		for _, suffix := range []string{"", ".gz"} {
			path := filepath.Join(dir, name+suffix)
			f, err := os.Open(path)
			if os.IsNotExist(err) {
				continue
			}
			if err != nil {
				return nil, "", err
			}
			if suffix == ".gz" {
				gz, err := gzip.NewReader(f)
				if err != nil {
					f.Close()
					return nil, "", fmt.Errorf("failed to open %s: %w", path, err)
				}
				return &gzipReadCloser{gz: gz, f: f}, path, nil
			}
			return f, path, nil
		}
	}
	return nil, "", fmt.Errorf("none of %v found in %s", candidates, dir)
}

type gzipReadCloser struct {
	gz *gzip.Reader
	f  *os.File
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.gz.Read(p) }

func (g *gzipReadCloser) Close() error {
	gzErr := g.gz.Close()
	fErr := g.f.Close()
	if gzErr != nil {
		return gzErr
	}
	return fErr
}

func readGenes(dir string) ([]string, error) {
	r, path, err := openMaybeGzip(dir, "genes.tsv", "features.tsv")
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var genes []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		// features.tsv may carry extra columns (ensembl id, symbol, kind);
		// the first column is the identifier.
		genes = append(genes, strings.Split(line, "\t")[0])
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return genes, nil
}

func readCells(dir string) (ids, types, regions []string, err error) {
	r, path, err := openMaybeGzip(dir, "cells.tsv", "barcodes.tsv")
	if err != nil {
		return nil, nil, nil, err
	}
	defer r.Close()

	idCol, typeCol, regionCol := 0, 1, 2
	headerSeen := false

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")

		if !headerSeen {
			headerSeen = true
			if cols, ok := headerColumns(fields); ok {
				idCol, typeCol, regionCol = cols[0], cols[1], cols[2]
				continue
			}
		}

		maxCol := idCol
		for _, c := range []int{typeCol, regionCol} {
			if c > maxCol {
				maxCol = c
			}
		}
		if len(fields) <= maxCol {
			return nil, nil, nil, fmt.Errorf("%s line %d: expected at least %d columns, got %d",
				path, lineNo, maxCol+1, len(fields))
		}
		ids = append(ids, fields[idCol])
		types = append(types, fields[typeCol])
		regions = append(regions, fields[regionCol])
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(ids) == 0 {
		return nil, nil, nil, fmt.Errorf("%s: no cells", path)
	}
	return ids, types, regions, nil
}

// headerColumns recognizes a header row and maps the cell_id, cell_type and
// region columns. Returns ok=false when the first row is already data.
func headerColumns(fields []string) ([3]int, bool) {
	cols := [3]int{-1, -1, -1}
	for i, f := range fields {
		switch strings.ToLower(strings.TrimSpace(f)) {
		case "cell_id", "barcode", "cell":
			cols[0] = i
		case "cell_type", "celltype":
			cols[1] = i
		case "region", "layer":
			cols[2] = i
		}
	}
	if cols[0] < 0 || cols[1] < 0 || cols[2] < 0 {
		return cols, false
	}
	return cols, true
}

// readCounts fills the cells' sparse count vectors from matrix.mtx. The
// MatrixMarket convention is 1-based (gene, cell, count) triplets with a
// "rows cols nnz" size line after comments.
func readCounts(dir string, nGenes int, cells []Cell) error {
	r, path, err := openMaybeGzip(dir, "matrix.mtx")
	if err != nil {
		return err
	}
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	sizeSeen := false
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "%") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return fmt.Errorf("%s line %d: expected 3 fields, got %d", path, lineNo, len(fields))
		}

		if !sizeSeen {
			sizeSeen = true
			rows, err1 := strconv.Atoi(fields[0])
			cols, err2 := strconv.Atoi(fields[1])
			if err1 != nil || err2 != nil {
				return fmt.Errorf("%s line %d: invalid size line", path, lineNo)
			}
			if rows != nGenes {
				return fmt.Errorf("%s: matrix has %d genes but genes table has %d", path, rows, nGenes)
			}
			if cols != len(cells) {
				return fmt.Errorf("%s: matrix has %d cells but cells table has %d", path, cols, len(cells))
			}
			continue
		}

		gene, err1 := strconv.Atoi(fields[0])
		cell, err2 := strconv.Atoi(fields[1])
		count, err3 := strconv.ParseInt(fields[2], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return fmt.Errorf("%s line %d: invalid triplet %q", path, lineNo, line)
		}
		if gene < 1 || gene > nGenes || cell < 1 || cell > len(cells) {
			return fmt.Errorf("%s line %d: triplet (%d, %d) out of range", path, lineNo, gene, cell)
		}
		if count < 0 {
			return fmt.Errorf("%s line %d: negative count %d", path, lineNo, count)
		}
		c := &cells[cell-1]
		c.Genes = append(c.Genes, int32(gene-1))
		c.Counts = append(c.Counts, count)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if !sizeSeen {
		return fmt.Errorf("%s: missing MatrixMarket size line", path)
	}
	return nil
}
