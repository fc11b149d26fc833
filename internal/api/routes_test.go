package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pseudospot/server/internal/cache"
	"github.com/pseudospot/server/internal/config"
	"github.com/pseudospot/server/internal/render"
	"github.com/pseudospot/server/internal/service"
	"github.com/pseudospot/server/internal/synth"
)

// writeFixtureDataset writes a small triplet dataset: 10 genes, 60 cells
// across two regions (cortex: 30 T + 10 B, medulla: 20 B).
func writeFixtureDataset(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	var genes strings.Builder
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&genes, "GENE%d\n", i)
	}

	var cells strings.Builder
	cells.WriteString("cell_id\tcell_type\tregion\n")
	var mtx strings.Builder
	mtx.WriteString("%%MatrixMarket matrix coordinate integer general\n")
	mtx.WriteString("10 60 120\n")

	writeCell := func(col int, cellType, region string) {
		fmt.Fprintf(&cells, "%s_%s_%d\t%s\t%s\n", region, cellType, col, cellType, region)
		fmt.Fprintf(&mtx, "%d %d 30\n", (col%10)+1, col+1)
		fmt.Fprintf(&mtx, "%d %d 20\n", ((col+3)%10)+1, col+1)
	}
	col := 0
	for i := 0; i < 30; i++ {
		writeCell(col, "T", "cortex")
		col++
	}
	for i := 0; i < 10; i++ {
		writeCell(col, "B", "cortex")
		col++
	}
	for i := 0; i < 20; i++ {
		writeCell(col, "B", "medulla")
		col++
	}

	files := map[string]string{
		"genes.tsv":  genes.String(),
		"cells.tsv":  cells.String(),
		"matrix.mtx": mtx.String(),
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
	return dir
}

type testRouter struct {
	router  http.Handler
	manager *JobManager
}

func setupTestRouter(t *testing.T) *testRouter {
	t.Helper()

	cacheManager, err := cache.NewManager(cache.Config{
		ArtifactSizeMB: 16,
		ArtifactTTL:    time.Minute,
		QueryCacheSize: 32,
	})
	if err != nil {
		t.Fatalf("failed to initialize cache: %v", err)
	}
	t.Cleanup(func() { cacheManager.Close() })

	dsSvc, err := service.NewDatasetService("test", config.DatasetConfig{
		MatrixDir: writeFixtureDataset(t),
	}, cacheManager)
	if err != nil {
		t.Fatalf("failed to load dataset: %v", err)
	}

	registry := NewDatasetRegistry("test", []string{"test"}, "")
	registry.Register("test", dsSvc)

	jm, err := NewJobManager(JobManagerConfig{
		MaxConcurrent: 1,
		SQLitePath:    filepath.Join(t.TempDir(), "jobs.sqlite"),
	})
	if err != nil {
		t.Fatalf("failed to create job manager: %v", err)
	}

	renderer := render.NewPreviewRenderer(render.Config{Width: 400, SpotSize: 16})
	simSvc := service.NewSimService(registry, renderer)
	jm.Executor = simSvc.ExecuteSimJob
	jm.Start()
	t.Cleanup(jm.Stop)

	router := NewRouter(RouterConfig{
		Registry:    registry,
		CORSOrigins: []string{"http://localhost:3000"},
		JobManager:  jm,
		Cache:       cacheManager,
		Eval:        service.NewEvalService(),
		Defaults: synth.Params{
			Strategy:  synth.StrategyProportional,
			SpotsMin:  2,
			SpotsMax:  3,
			DepthMean: 200,
			DepthSD:   20,
			DepthMin:  100,
			Budget:    10000,
		},
	})

	return &testRouter{router: router, manager: jm}
}

func (tr *testRouter) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	tr.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode JSON: %v (body: %s)", err, rec.Body.String())
	}
	return payload
}

// waitForJob polls the status endpoint until the job reaches a terminal
// state.
func (tr *testRouter) waitForJob(t *testing.T, jobID string) string {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		rec := tr.do(t, http.MethodGet, "/d/test/api/sim/jobs/"+jobID, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status request failed: %d %s", rec.Code, rec.Body.String())
		}
		payload := decodeJSON(t, rec)
		status, _ := payload["status"].(string)
		switch status {
		case "completed", "failed", "cancelled":
			if status == "failed" {
				t.Fatalf("job failed: %v", payload["error"])
			}
			return status
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("timed out waiting for job")
	return ""
}

func TestHealthEndpoint(t *testing.T) {
	tr := setupTestRouter(t)
	rec := tr.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("unexpected health response: %d %q", rec.Code, rec.Body.String())
	}
}

func TestDatasetsEndpoint(t *testing.T) {
	tr := setupTestRouter(t)
	rec := tr.do(t, http.MethodGet, "/api/datasets", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	payload := decodeJSON(t, rec)
	if payload["default"] != "test" {
		t.Errorf("unexpected default dataset: %v", payload["default"])
	}
}

func TestStrategiesEndpoint(t *testing.T) {
	tr := setupTestRouter(t)
	rec := tr.do(t, http.MethodGet, "/api/strategies", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	payload := decodeJSON(t, rec)
	strategies, ok := payload["strategies"].([]any)
	if !ok || len(strategies) != 3 {
		t.Errorf("expected 3 strategies, got %v", payload["strategies"])
	}
}

func TestMetadataEndpoint(t *testing.T) {
	tr := setupTestRouter(t)
	rec := tr.do(t, http.MethodGet, "/d/test/api/metadata", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeJSON(t, rec)
	if payload["n_genes"].(float64) != 10 || payload["n_cells"].(float64) != 60 {
		t.Errorf("unexpected metadata: %v", payload)
	}
}

func TestMetadataEndpoint_UnknownDataset(t *testing.T) {
	tr := setupTestRouter(t)
	rec := tr.do(t, http.MethodGet, "/d/nope/api/metadata", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCompositionEndpoint(t *testing.T) {
	tr := setupTestRouter(t)

	rec := tr.do(t, http.MethodGet, "/d/test/api/composition?regions=cortex", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeJSON(t, rec)
	comps, ok := payload["composition"].([]any)
	if !ok || len(comps) != 1 {
		t.Fatalf("expected 1 region composition, got %v", payload["composition"])
	}

	rec = tr.do(t, http.MethodGet, "/d/test/api/composition?regions=nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown region, got %d", rec.Code)
	}
}

func TestSimJobFlow(t *testing.T) {
	tr := setupTestRouter(t)

	body := []byte(`{"mock_region": true, "seed": 42}`)
	rec := tr.do(t, http.MethodPost, "/d/test/api/sim/jobs/", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeJSON(t, rec)
	jobID, _ := payload["job_id"].(string)
	if jobID == "" {
		t.Fatal("missing job_id in submit response")
	}

	tr.waitForJob(t, jobID)

	// Spot listing
	rec = tr.do(t, http.MethodGet, "/d/test/api/sim/jobs/"+jobID+"/spots", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("spots request failed: %d %s", rec.Code, rec.Body.String())
	}
	spotsPayload := decodeJSON(t, rec)
	total := int(spotsPayload["total"].(float64))
	// Two real regions plus the mock region, 2-3 spots each.
	if total < 6 || total > 9 {
		t.Errorf("expected 6-9 spots, got %d", total)
	}

	// Region filter
	rec = tr.do(t, http.MethodGet, "/d/test/api/sim/jobs/"+jobID+"/spots?region=mock", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("mock spots request failed: %d", rec.Code)
	}
	mockPayload := decodeJSON(t, rec)
	if int(mockPayload["total"].(float64)) < 2 {
		t.Errorf("expected mock spots, got %v", mockPayload["total"])
	}

	// Gold standard
	rec = tr.do(t, http.MethodGet, "/d/test/api/sim/jobs/"+jobID+"/gold", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("gold request failed: %d", rec.Code)
	}
	goldPayload := decodeJSON(t, rec)
	goldRecords, _ := goldPayload["gold"].([]any)
	if len(goldRecords) == 0 {
		t.Fatal("expected gold records")
	}

	// Matrix artifact (twice: second hit comes from the cache)
	for i := 0; i < 2; i++ {
		rec = tr.do(t, http.MethodGet, "/d/test/api/sim/jobs/"+jobID+"/matrix.mtx.gz", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("matrix request %d failed: %d", i, rec.Code)
		}
		b := rec.Body.Bytes()
		if len(b) < 2 || b[0] != 0x1f || b[1] != 0x8b {
			t.Fatalf("matrix artifact is not gzip (request %d)", i)
		}
	}

	// Preview artifact
	rec = tr.do(t, http.MethodGet, "/d/test/api/sim/jobs/"+jobID+"/preview.png", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("preview request failed: %d", rec.Code)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")) {
		t.Error("preview artifact is not PNG")
	}

	// Gold TSV artifact
	rec = tr.do(t, http.MethodGet, "/d/test/api/sim/jobs/"+jobID+"/gold.tsv", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("gold.tsv request failed: %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Body.String(), "cell_id\t") {
		t.Errorf("unexpected gold.tsv header: %q", rec.Body.String()[:20])
	}

	// Evaluation: score every gold cell high, add low-scoring fakes.
	var preds strings.Builder
	preds.WriteString("cell_id\tregion_id\tscore\n")
	seenRegion := make(map[string]bool)
	for _, raw := range goldRecords {
		g := raw.(map[string]any)
		fmt.Fprintf(&preds, "%s\t%s\t0.9\n", g["cell_id"], g["region_id"])
		seenRegion[g["region_id"].(string)] = true
	}
	i := 0
	for region := range seenRegion {
		fmt.Fprintf(&preds, "fake_%d\t%s\t0.1\n", i, region)
		i++
	}

	rec = tr.do(t, http.MethodPost, "/d/test/api/sim/jobs/"+jobID+"/eval", []byte(preds.String()))
	if rec.Code != http.StatusOK {
		t.Fatalf("eval request failed: %d %s", rec.Code, rec.Body.String())
	}
	evalPayload := decodeJSON(t, rec)
	result := evalPayload["result"].(map[string]any)
	macro, ok := result["macro_auc"].(float64)
	if !ok || macro != 1.0 {
		t.Errorf("expected macro AUC 1.0, got %v", result["macro_auc"])
	}
}

func TestSimJobSubmit_BadStrategy(t *testing.T) {
	tr := setupTestRouter(t)

	rec := tr.do(t, http.MethodPost, "/d/test/api/sim/jobs/", []byte(`{"strategy": "nope"}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSimJobStatus_NotFound(t *testing.T) {
	tr := setupTestRouter(t)

	rec := tr.do(t, http.MethodGet, "/d/test/api/sim/jobs/deadbeef", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSimJobArtifacts_BeforeCompletion(t *testing.T) {
	tr := setupTestRouter(t)

	// Submit directly through the store so no worker picks it up.
	job, err := tr.manager.Submit("test", synth.Params{
		Strategy:  synth.StrategyUniform,
		SpotsMin:  1,
		SpotsMax:  1,
		DepthMean: 100,
		DepthSD:   0,
		DepthMin:  50,
		Budget:    100000,
		Seed:      1,
	})
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}

	// Whatever state the job is in, a non-completed job must refuse artifact
	// downloads; once completed they must succeed.
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		rec := tr.do(t, http.MethodGet, "/d/test/api/sim/jobs/"+job.ID+"/matrix.mtx.gz", nil)
		if rec.Code == http.StatusOK {
			return
		}
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 before completion, got %d", rec.Code)
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("job never completed")
}

func TestJobListEndpoint(t *testing.T) {
	tr := setupTestRouter(t)

	rec := tr.do(t, http.MethodPost, "/d/test/api/sim/jobs/", []byte(`{"seed": 3}`))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	jobID := decodeJSON(t, rec)["job_id"].(string)
	tr.waitForJob(t, jobID)

	rec = tr.do(t, http.MethodGet, "/d/test/api/sim/jobs/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list request failed: %d", rec.Code)
	}
	payload := decodeJSON(t, rec)
	if int(payload["total"].(float64)) != 1 {
		t.Errorf("expected 1 job, got %v", payload["total"])
	}
}
