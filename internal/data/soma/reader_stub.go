//go:build !soma

package soma

import (
	"fmt"
	"os"
)

// Reader is a stub when built without "-tags soma".
type Reader struct {
	experimentURI string
}

// NewReader creates a SOMA reader (stub). It still resolves and validates
// the experiment path, so config issues can be caught early, but all read
// methods return ErrUnsupported.
func NewReader(somaPath string) (*Reader, error) {
	uri, err := ResolveExperimentURI(somaPath)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(uri); statErr != nil {
		return nil, fmt.Errorf("soma experiment not found at %s: %w", uri, statErr)
	}
	return &Reader{experimentURI: uri}, nil
}

func (r *Reader) Supported() bool { return false }

func (r *Reader) ExperimentURI() string { return r.experimentURI }

// GeneList returns gene names and their soma_joinids in column order.
func (r *Reader) GeneList() ([]string, []int64, error) {
	return nil, nil, ErrUnsupported
}

// ObsLabels returns cell_joinid -> label for a string obs column.
func (r *Reader) ObsLabels(column string) (map[int64]string, error) {
	return nil, ErrUnsupported
}

// ScanX streams every non-zero entry of ms/RNA/X/data.
func (r *Reader) ScanX(onEntry func(cell, gene int64, val float32)) error {
	return ErrUnsupported
}
