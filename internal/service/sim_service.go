package service

import (
	"bytes"
	"context"
	"fmt"

	"github.com/klauspost/compress/gzip"

	"github.com/pseudospot/server/internal/render"
	"github.com/pseudospot/server/internal/simstore"
	"github.com/pseudospot/server/internal/synth"
)

// Artifact names stored per completed job.
const (
	ArtifactMatrix  = "matrix.mtx.gz"
	ArtifactSpots   = "spots.tsv"
	ArtifactGenes   = "genes.tsv"
	ArtifactGold    = "gold.tsv"
	ArtifactPreview = "preview.png"
)

// SimService runs spot simulation jobs.
type SimService struct {
	registry interface {
		Get(datasetID string) *DatasetService
	}
	renderer *render.PreviewRenderer
}

// NewSimService creates a new simulation service.
func NewSimService(registry interface{ Get(datasetID string) *DatasetService }, renderer *render.PreviewRenderer) *SimService {
	return &SimService{registry: registry, renderer: renderer}
}

// ExecuteSimJob runs the simulation for a job (called by JobManager worker).
// Results land in the store: spot summaries, gold records, and the exported
// artifacts.
func (s *SimService) ExecuteSimJob(ctx context.Context, store *simstore.Store, jobID string) error {
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}

	svc := s.registry.Get(job.DatasetID)
	if svc == nil {
		return fmt.Errorf("dataset not found: %s", job.DatasetID)
	}

	// Phase 1: Generate spots
	store.UpdateJobProgress(jobID, "sampling", 0, 4)

	result, err := synth.Generate(svc.Dataset(), job.Params)
	if err != nil {
		return fmt.Errorf("generation failed: %w", err)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Phase 2: Persist spot summaries and gold standard
	store.UpdateJobProgress(jobID, "saving_results", 1, 4)

	spots := make([]simstore.SpotSummary, len(result.Spots))
	for i, sp := range result.Spots {
		spots[i] = simstore.SpotSummary{
			SpotID:      sp.ID,
			Region:      sp.Region,
			NCells:      len(sp.CellIDs),
			TargetDepth: sp.TargetDepth,
			TotalCount:  sp.Total,
		}
	}
	if err := store.InsertSpots(jobID, spots); err != nil {
		return fmt.Errorf("failed to save spots: %w", err)
	}

	gold := make([]simstore.GoldRecord, len(result.Gold))
	for i, g := range result.Gold {
		gold[i] = simstore.GoldRecord{CellID: g.CellID, RegionID: g.Region, Present: g.Present}
	}
	if err := store.InsertGold(jobID, gold); err != nil {
		return fmt.Errorf("failed to save gold standard: %w", err)
	}

	if err := store.UpdateJobCounts(jobID, len(spots), len(gold)); err != nil {
		return fmt.Errorf("failed to update counts: %w", err)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Phase 3: Export artifacts
	store.UpdateJobProgress(jobID, "exporting", 2, 4)

	if err := s.exportArtifacts(store, jobID, result); err != nil {
		return err
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Phase 4: Render preview
	store.UpdateJobProgress(jobID, "rendering", 3, 4)

	marks := make([]render.Spot, len(result.Spots))
	for i, sp := range result.Spots {
		marks[i] = render.Spot{Region: sp.Region, TotalCount: sp.Total, TargetDepth: sp.TargetDepth}
	}
	preview, err := s.renderer.RenderLayout(result.Regions, marks)
	if err != nil {
		return fmt.Errorf("failed to render preview: %w", err)
	}
	if err := store.PutArtifact(jobID, ArtifactPreview, preview); err != nil {
		return fmt.Errorf("failed to save preview: %w", err)
	}

	store.UpdateJobProgress(jobID, "done", 4, 4)
	return nil
}

func (s *SimService) exportArtifacts(store *simstore.Store, jobID string, result *synth.Result) error {
	var mtx bytes.Buffer
	gz := gzip.NewWriter(&mtx)
	if err := result.WriteMatrixMTX(gz); err != nil {
		return fmt.Errorf("failed to export matrix: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to compress matrix: %w", err)
	}
	if err := store.PutArtifact(jobID, ArtifactMatrix, mtx.Bytes()); err != nil {
		return fmt.Errorf("failed to save matrix: %w", err)
	}

	tables := []struct {
		name  string
		write func(*bytes.Buffer) error
	}{
		{ArtifactSpots, func(b *bytes.Buffer) error { return result.WriteSpotsTable(b) }},
		{ArtifactGenes, func(b *bytes.Buffer) error { return result.WriteGenesTable(b) }},
		{ArtifactGold, func(b *bytes.Buffer) error { return result.WriteGoldStandard(b) }},
	}
	for _, tbl := range tables {
		var buf bytes.Buffer
		if err := tbl.write(&buf); err != nil {
			return fmt.Errorf("failed to export %s: %w", tbl.name, err)
		}
		if err := store.PutArtifact(jobID, tbl.name, buf.Bytes()); err != nil {
			return fmt.Errorf("failed to save %s: %w", tbl.name, err)
		}
	}
	return nil
}
