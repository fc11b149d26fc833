// Package service provides business logic for the spot simulation server.
package service

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"

	"github.com/pseudospot/server/internal/cache"
	"github.com/pseudospot/server/internal/config"
	"github.com/pseudospot/server/internal/data/matrix"
	"github.com/pseudospot/server/internal/data/soma"
)

// DatasetService wraps one loaded reference dataset and answers metadata
// queries about it.
type DatasetService struct {
	id      string
	dataset *matrix.Dataset
	cache   *cache.Manager
}

// DatasetSummary describes a dataset for the API.
type DatasetSummary struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	NGenes    int      `json:"n_genes"`
	NCells    int      `json:"n_cells"`
	Regions   []string `json:"regions"`
	CellTypes []string `json:"cell_types"`
}

// RegionComposition is the cell-type breakdown of one region.
type RegionComposition struct {
	Region string      `json:"region"`
	NCells int         `json:"n_cells"`
	Types  []TypeShare `json:"types"`
}

// TypeShare is one cell type's share of a region.
type TypeShare struct {
	Type     string  `json:"type"`
	NCells   int     `json:"n_cells"`
	Fraction float64 `json:"fraction"`
}

// NewDatasetService loads a dataset according to its configuration. A
// matrix_dir takes priority; otherwise a soma_path is required.
func NewDatasetService(id string, cfg config.DatasetConfig, cacheMgr *cache.Manager) (*DatasetService, error) {
	var ds *matrix.Dataset
	var err error

	switch {
	case cfg.MatrixDir != "":
		log.Printf("[Dataset] Loading %s from matrix directory %s", id, cfg.MatrixDir)
		ds, err = matrix.ReadDirectory(cfg.MatrixDir)
	case cfg.SomaPath != "":
		log.Printf("[Dataset] Loading %s from SOMA experiment %s", id, cfg.SomaPath)
		typeCol := cfg.TypeColumn
		if typeCol == "" {
			typeCol = "cell_type"
		}
		regionCol := cfg.RegionColumn
		if regionCol == "" {
			regionCol = "region"
		}
		var reader *soma.Reader
		reader, err = soma.NewReader(cfg.SomaPath)
		if err == nil {
			ds, err = soma.LoadDataset(reader, id, typeCol, regionCol)
		}
	default:
		return nil, fmt.Errorf("dataset %s: either matrix_dir or soma_path is required", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset %s: %w", id, err)
	}

	log.Printf("[Dataset] %s ready: %d genes, %d cells, %d regions",
		id, ds.NGenes(), ds.NCells(), len(ds.Regions()))

	return &DatasetService{id: id, dataset: ds, cache: cacheMgr}, nil
}

// newDatasetServiceFromMatrix wraps an already-built dataset (tests).
func newDatasetServiceFromMatrix(id string, ds *matrix.Dataset, cacheMgr *cache.Manager) *DatasetService {
	return &DatasetService{id: id, dataset: ds, cache: cacheMgr}
}

// ID returns the dataset ID.
func (s *DatasetService) ID() string { return s.id }

// Dataset returns the underlying count matrix.
func (s *DatasetService) Dataset() *matrix.Dataset { return s.dataset }

// Summary returns dataset metadata.
func (s *DatasetService) Summary() DatasetSummary {
	return DatasetSummary{
		ID:        s.id,
		Name:      s.dataset.Name,
		NGenes:    s.dataset.NGenes(),
		NCells:    s.dataset.NCells(),
		Regions:   s.dataset.Regions(),
		CellTypes: s.dataset.CellTypes(),
	}
}

// Composition returns the per-region cell-type composition. An empty region
// list means all regions. Results are cached since the dataset is immutable
// once loaded.
func (s *DatasetService) Composition(regions []string) ([]RegionComposition, error) {
	key := cache.CompositionKey(s.id, regions)
	if s.cache != nil {
		if data, ok := s.cache.GetQuery(key); ok {
			var cached []RegionComposition
			if err := json.Unmarshal(data, &cached); err == nil {
				return cached, nil
			}
		}
	}

	want := regions
	if len(want) == 0 {
		want = s.dataset.Regions()
	}
	byRegion := s.dataset.CellsByRegion()

	result := make([]RegionComposition, 0, len(want))
	for _, region := range want {
		cells := byRegion[region]
		if len(cells) == 0 {
			return nil, fmt.Errorf("region not found: %s", region)
		}

		counts := s.dataset.TypeCounts(cells)
		types := make([]string, 0, len(counts))
		for t := range counts {
			types = append(types, t)
		}
		sort.Strings(types)

		comp := RegionComposition{Region: region, NCells: len(cells)}
		for _, t := range types {
			comp.Types = append(comp.Types, TypeShare{
				Type:     t,
				NCells:   counts[t],
				Fraction: float64(counts[t]) / float64(len(cells)),
			})
		}
		result = append(result, comp)
	}

	if s.cache != nil {
		if data, err := json.Marshal(result); err == nil {
			s.cache.SetQuery(key, data)
		}
	}
	return result, nil
}
