// Package api provides HTTP handlers for the PseudoSpot server.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/pseudospot/server/internal/cache"
	"github.com/pseudospot/server/internal/service"
	"github.com/pseudospot/server/internal/simstore"
	"github.com/pseudospot/server/internal/synth"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	JobManager  *JobManager
	Cache       *cache.Manager
	Eval        *service.EvalService
	Defaults    synth.Params
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Global datasets endpoint (not dataset-scoped)
	r.Get("/api/datasets", datasetsHandler(cfg.Registry))

	// Global strategy list (independent of any dataset)
	r.Get("/api/strategies", strategiesHandler(cfg.Defaults))

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		r.Route("/api", func(r chi.Router) {
			r.Get("/metadata", datasetMetadataHandler)
			r.Get("/regions", datasetRegionsHandler)
			r.Get("/composition", datasetCompositionHandler)

			// Simulation job endpoints
			r.Route("/sim/jobs", func(r chi.Router) {
				r.Post("/", simJobSubmitHandler(cfg.JobManager, cfg.Defaults))
				r.Get("/", simJobListHandler(cfg.JobManager))
				r.Get("/{job_id}", simJobStatusHandler(cfg.JobManager))
				r.Get("/{job_id}/spots", simJobSpotsHandler(cfg.JobManager))
				r.Get("/{job_id}/gold", simJobGoldHandler(cfg.JobManager))
				r.Get("/{job_id}/matrix.mtx.gz", simJobArtifactHandler(cfg.JobManager, cfg.Cache, service.ArtifactMatrix, "application/gzip"))
				r.Get("/{job_id}/spots.tsv", simJobArtifactHandler(cfg.JobManager, cfg.Cache, service.ArtifactSpots, "text/tab-separated-values"))
				r.Get("/{job_id}/genes.tsv", simJobArtifactHandler(cfg.JobManager, cfg.Cache, service.ArtifactGenes, "text/tab-separated-values"))
				r.Get("/{job_id}/gold.tsv", simJobArtifactHandler(cfg.JobManager, cfg.Cache, service.ArtifactGold, "text/tab-separated-values"))
				r.Get("/{job_id}/preview.png", simJobArtifactHandler(cfg.JobManager, cfg.Cache, service.ArtifactPreview, "image/png"))
				r.Post("/{job_id}/eval", simJobEvalHandler(cfg.JobManager, cfg.Eval))
				r.Delete("/{job_id}", simJobCancelHandler(cfg.JobManager))
			})
		})
	})

	return r
}

// Context key for dataset service
type ctxKey string

const datasetServiceKey ctxKey = "datasetService"

// datasetMiddleware resolves the dataset from URL and injects its service into context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			svc := registry.Get(datasetID)
			if svc == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDatasetService(r *http.Request) *service.DatasetService {
	if svc, ok := r.Context().Value(datasetServiceKey).(*service.DatasetService); ok {
		return svc
	}
	return nil
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

// strategiesHandler returns the supported mixing strategies and the server's
// default parameters.
func strategiesHandler(defaults synth.Params) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"strategies": synth.Strategies(),
			"defaults":   defaults,
		})
	}
}

// Dataset-scoped handlers (get service from context)

func datasetMetadataHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not available", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(svc.Summary())
}

func datasetRegionsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not available", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"regions": svc.Dataset().Regions(),
	})
}

func datasetCompositionHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not available", http.StatusInternalServerError)
		return
	}

	var regions []string
	if q := strings.TrimSpace(r.URL.Query().Get("regions")); q != "" {
		for _, part := range strings.Split(q, ",") {
			if part = strings.TrimSpace(part); part != "" {
				regions = append(regions, part)
			}
		}
	}

	comps, err := svc.Composition(regions)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"dataset":     svc.ID(),
		"composition": comps,
	})
}

// Simulation job handlers

type simJobSubmitRequest struct {
	Strategy    string   `json:"strategy"`
	SpotsMin    int      `json:"spots_min"`
	SpotsMax    int      `json:"spots_max"`
	DepthMean   float64  `json:"depth_mean"`
	DepthSD     *float64 `json:"depth_sd"`
	DepthMin    int64    `json:"depth_min"`
	Budget      int      `json:"budget"`
	UniqueCells *bool    `json:"unique_cells"`
	MockRegion  *bool    `json:"mock_region"`
	Seed        *int64   `json:"seed"`
}

// mergeParams overlays request fields on the server defaults. Pointer fields
// distinguish "absent" from an explicit zero/false.
func mergeParams(defaults synth.Params, req simJobSubmitRequest) synth.Params {
	p := defaults
	if req.Strategy != "" {
		p.Strategy = synth.Strategy(req.Strategy)
	}
	if req.SpotsMin != 0 || req.SpotsMax != 0 {
		p.SpotsMin = req.SpotsMin
		p.SpotsMax = req.SpotsMax
	}
	if req.DepthMean != 0 {
		p.DepthMean = req.DepthMean
	}
	if req.DepthSD != nil {
		p.DepthSD = *req.DepthSD
	}
	if req.DepthMin != 0 {
		p.DepthMin = req.DepthMin
	}
	if req.Budget != 0 {
		p.Budget = req.Budget
	}
	if req.UniqueCells != nil {
		p.UniqueCells = *req.UniqueCells
	}
	if req.MockRegion != nil {
		p.MockRegion = *req.MockRegion
	}
	if req.Seed != nil {
		p.Seed = *req.Seed
	} else {
		p.Seed = time.Now().UnixNano()
	}
	return p
}

func simJobSubmitHandler(jm *JobManager, defaults synth.Params) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		svc := getDatasetService(r)
		if svc == nil {
			http.Error(w, "dataset service not available", http.StatusInternalServerError)
			return
		}

		var req simJobSubmitRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
				return
			}
		}

		params := mergeParams(defaults, req)
		if err := params.Normalize(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		datasetID := chi.URLParam(r, "dataset")
		job, err := jm.Submit(datasetID, params)
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
			"params": job.Params,
		})
	}
}

func simJobListHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		datasetID := chi.URLParam(r, "dataset")
		jobs, err := jm.Store().ListJobsByDataset(datasetID)
		if err != nil {
			http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"dataset": datasetID,
			"jobs":    jobs,
			"total":   len(jobs),
		})
	}
}

// jobForRequest resolves the job and checks it belongs to the URL's dataset.
func jobForRequest(jm *JobManager, w http.ResponseWriter, r *http.Request) *simstore.Job {
	jobID := chi.URLParam(r, "job_id")
	job := jm.Get(jobID)
	if job == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return nil
	}

	datasetID := chi.URLParam(r, "dataset")
	if job.DatasetID != datasetID {
		http.Error(w, "job not found", http.StatusNotFound)
		return nil
	}
	return job
}

func simJobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := jobForRequest(jm, w, r)
		if job == nil {
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id":      job.ID,
			"status":      job.Status,
			"params":      job.Params,
			"created_at":  job.CreatedAt,
			"started_at":  job.StartedAt,
			"finished_at": job.FinishedAt,
			"progress":    job.Progress,
			"n_spots":     job.NSpots,
			"n_gold":      job.NGold,
			"error":       job.Error,
		})
	}
}

func simJobSpotsHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := jobForRequest(jm, w, r)
		if job == nil {
			return
		}
		if job.Status != simstore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}

		region := strings.TrimSpace(r.URL.Query().Get("region"))
		offset := 0
		limit := 100
		if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
			if v, err := strconv.Atoi(offsetStr); err == nil && v >= 0 {
				offset = v
			}
		}
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			if v, err := strconv.Atoi(limitStr); err == nil && v > 0 {
				limit = v
				if limit > 1000 {
					limit = 1000
				}
			}
		}

		spots, total, err := jm.Store().QuerySpots(job.ID, region, offset, limit)
		if err != nil {
			http.Error(w, "failed to query spots: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id": job.ID,
			"spots":  spots,
			"total":  total,
			"offset": offset,
			"limit":  limit,
		})
	}
}

func simJobGoldHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := jobForRequest(jm, w, r)
		if job == nil {
			return
		}
		if job.Status != simstore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}

		region := strings.TrimSpace(r.URL.Query().Get("region"))
		records, err := jm.Store().QueryGold(job.ID, region)
		if err != nil {
			http.Error(w, "failed to query gold standard: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id": job.ID,
			"gold":   records,
			"total":  len(records),
		})
	}
}

// simJobArtifactHandler serves a stored artifact, going through the byte
// cache so repeat downloads skip SQLite.
func simJobArtifactHandler(jm *JobManager, cacheMgr *cache.Manager, artifact, contentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := jobForRequest(jm, w, r)
		if job == nil {
			return
		}
		if job.Status != simstore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}

		key := cache.ArtifactKey(job.ID, artifact)
		var data []byte
		if cacheMgr != nil {
			if cached, ok := cacheMgr.GetArtifact(key); ok {
				data = cached
			}
		}
		if data == nil {
			stored, err := jm.Store().GetArtifact(job.ID, artifact)
			if err != nil {
				http.Error(w, "failed to load artifact: "+err.Error(), http.StatusInternalServerError)
				return
			}
			if stored == nil {
				http.Error(w, "artifact not found: "+artifact, http.StatusNotFound)
				return
			}
			data = stored
			if cacheMgr != nil {
				cacheMgr.SetArtifact(key, data)
			}
		}

		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", "attachment; filename=\""+artifact+"\"")
		w.Write(data)
	}
}

func simJobEvalHandler(jm *JobManager, eval *service.EvalService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil || eval == nil {
			http.Error(w, "evaluation not configured", http.StatusNotImplemented)
			return
		}

		job := jobForRequest(jm, w, r)
		if job == nil {
			return
		}
		if job.Status != simstore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}

		preds, err := service.ParsePredictions(r.Body)
		if err != nil {
			http.Error(w, "invalid predictions: "+err.Error(), http.StatusBadRequest)
			return
		}

		gold, err := jm.Store().QueryGold(job.ID, "")
		if err != nil {
			http.Error(w, "failed to load gold standard: "+err.Error(), http.StatusInternalServerError)
			return
		}

		result, err := eval.Evaluate(gold, preds)
		if err != nil {
			http.Error(w, "evaluation failed: "+err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id": job.ID,
			"result": result,
		})
	}
}

func simJobCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := jobForRequest(jm, w, r)
		if job == nil {
			return
		}

		jm.Cancel(job.ID)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id":    job.ID,
			"cancelled": true,
		})
	}
}
