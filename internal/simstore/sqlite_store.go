// Package simstore provides persistent storage for simulation job state and
// results using SQLite.
package simstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pseudospot/server/internal/synth"
)

// JobStatus represents the current state of a simulation job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// JobProgress represents the progress of a simulation job.
type JobProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// Job represents a spot simulation job.
type Job struct {
	ID         string       `json:"job_id"`
	DatasetID  string       `json:"dataset_id"`
	Status     JobStatus    `json:"status"`
	Params     synth.Params `json:"params"`
	Progress   JobProgress  `json:"progress"`
	CreatedAt  time.Time    `json:"created_at"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	NSpots     int          `json:"n_spots"`
	NGold      int          `json:"n_gold"`
	Error      string       `json:"error,omitempty"`
}

// SpotSummary is the per-spot record kept for a completed job. The full
// count matrix lives in the matrix artifact; this table backs the spot
// listing and preview endpoints.
type SpotSummary struct {
	SpotID      string `json:"spot_id"`
	Region      string `json:"region"`
	NCells      int    `json:"n_cells"`
	TargetDepth int64  `json:"target_depth"`
	TotalCount  int64  `json:"total_count"`
}

// GoldRecord is one row of the gold-standard table.
type GoldRecord struct {
	CellID   string `json:"cell_id"`
	RegionID string `json:"region_id"`
	Present  bool   `json:"present"`
}

// Store provides persistent storage for simulation jobs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based simulation store.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sim_jobs (
		job_id TEXT PRIMARY KEY,
		dataset_id TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		n_spots INTEGER DEFAULT 0,
		n_gold INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sim_jobs_dataset ON sim_jobs(dataset_id);
	CREATE INDEX IF NOT EXISTS idx_sim_jobs_status ON sim_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_sim_jobs_finished ON sim_jobs(finished_at);

	CREATE TABLE IF NOT EXISTS sim_spots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		spot_id TEXT NOT NULL,
		region TEXT NOT NULL,
		n_cells INTEGER NOT NULL,
		target_depth INTEGER NOT NULL,
		total_count INTEGER NOT NULL,
		FOREIGN KEY (job_id) REFERENCES sim_jobs(job_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_sim_spots_job ON sim_spots(job_id);
	CREATE INDEX IF NOT EXISTS idx_sim_spots_job_region ON sim_spots(job_id, region);

	CREATE TABLE IF NOT EXISTS sim_gold (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		cell_id TEXT NOT NULL,
		region_id TEXT NOT NULL,
		present INTEGER NOT NULL,
		FOREIGN KEY (job_id) REFERENCES sim_jobs(job_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_sim_gold_job ON sim_gold(job_id);
	CREATE INDEX IF NOT EXISTS idx_sim_gold_job_region ON sim_gold(job_id, region_id);

	CREATE TABLE IF NOT EXISTS sim_artifacts (
		job_id TEXT NOT NULL,
		name TEXT NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (job_id, name),
		FOREIGN KEY (job_id) REFERENCES sim_jobs(job_id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateJob creates a new job record with status=queued.
func (s *Store) CreateJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO sim_jobs (job_id, dataset_id, status, params_json, phase, done, total, n_spots, n_gold, error, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.DatasetID,
		string(job.Status),
		string(paramsJSON),
		job.Progress.Phase,
		job.Progress.Done,
		job.Progress.Total,
		job.NSpots,
		job.NGold,
		job.Error,
		job.CreatedAt.Format(time.RFC3339),
		nil,
		nil,
	)
	return err
}

// GetJob retrieves a job by ID. A missing job returns (nil, nil).
func (s *Store) GetJob(jobID string) (*Job, error) {
	row := s.db.QueryRow(`
		SELECT job_id, dataset_id, status, params_json, phase, done, total, n_spots, n_gold, error, created_at, started_at, finished_at
		FROM sim_jobs WHERE job_id = ?
	`, jobID)

	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateJobStatus updates the job status; terminal statuses also record the
// finish time.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status == JobStatusCompleted || status == JobStatusFailed || status == JobStatusCancelled {
		t := time.Now().Format(time.RFC3339)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE sim_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// UpdateJobStarted marks a job as running with start time.
func (s *Store) UpdateJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE sim_jobs SET status = ?, started_at = ?
		WHERE job_id = ?
	`, string(JobStatusRunning), now, jobID)
	return err
}

// UpdateJobProgress updates the progress fields.
func (s *Store) UpdateJobProgress(jobID string, phase string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE sim_jobs SET phase = ?, done = ?, total = ?
		WHERE job_id = ?
	`, phase, done, total, jobID)
	return err
}

// UpdateJobCounts updates the spot and gold-record counts.
func (s *Store) UpdateJobCounts(jobID string, nSpots, nGold int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE sim_jobs SET n_spots = ?, n_gold = ?
		WHERE job_id = ?
	`, nSpots, nGold, jobID)
	return err
}

// InsertSpots inserts spot summaries in a batch transaction.
func (s *Store) InsertSpots(jobID string, spots []SpotSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO sim_spots (job_id, spot_id, region, n_cells, target_depth, total_count)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, sp := range spots {
		if _, err := stmt.Exec(jobID, sp.SpotID, sp.Region, sp.NCells, sp.TargetDepth, sp.TotalCount); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// QuerySpots returns spot summaries with optional region filter and
// pagination. An empty region matches all regions.
func (s *Store) QuerySpots(jobID, region string, offset, limit int) ([]SpotSummary, int, error) {
	where := "WHERE job_id = ?"
	args := []interface{}{jobID}
	if region != "" {
		where += " AND region = ?"
		args = append(args, region)
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sim_spots "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT spot_id, region, n_cells, target_depth, total_count
		FROM sim_spots %s
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`, where)

	rows, err := s.db.Query(query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var spots []SpotSummary
	for rows.Next() {
		var sp SpotSummary
		if err := rows.Scan(&sp.SpotID, &sp.Region, &sp.NCells, &sp.TargetDepth, &sp.TotalCount); err != nil {
			return nil, 0, err
		}
		spots = append(spots, sp)
	}

	return spots, total, nil
}

// InsertGold inserts gold-standard records in a batch transaction.
func (s *Store) InsertGold(jobID string, records []GoldRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO sim_gold (job_id, cell_id, region_id, present)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		present := 0
		if r.Present {
			present = 1
		}
		if _, err := stmt.Exec(jobID, r.CellID, r.RegionID, present); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// QueryGold returns gold-standard records for a job, ordered by region then
// cell ID. An empty region matches all regions.
func (s *Store) QueryGold(jobID, region string) ([]GoldRecord, error) {
	where := "WHERE job_id = ?"
	args := []interface{}{jobID}
	if region != "" {
		where += " AND region_id = ?"
		args = append(args, region)
	}

	rows, err := s.db.Query(`
		SELECT cell_id, region_id, present
		FROM sim_gold `+where+`
		ORDER BY region_id ASC, cell_id ASC
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []GoldRecord
	for rows.Next() {
		var r GoldRecord
		var present int
		if err := rows.Scan(&r.CellID, &r.RegionID, &present); err != nil {
			return nil, err
		}
		r.Present = present != 0
		records = append(records, r)
	}

	return records, nil
}

// PutArtifact stores a named binary artifact for a job, replacing any
// previous version.
func (s *Store) PutArtifact(jobID, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO sim_artifacts (job_id, name, data) VALUES (?, ?, ?)
		ON CONFLICT(job_id, name) DO UPDATE SET data = excluded.data
	`, jobID, name, data)
	return err
}

// GetArtifact retrieves a named artifact. A missing artifact returns
// (nil, nil).
func (s *Store) GetArtifact(jobID, name string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(`
		SELECT data FROM sim_artifacts WHERE job_id = ? AND name = ?
	`, jobID, name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// ListJobsByDataset returns all jobs for a dataset, newest first.
func (s *Store) ListJobsByDataset(datasetID string) ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT job_id, dataset_id, status, params_json, phase, done, total, n_spots, n_gold, error, created_at, started_at, finished_at
		FROM sim_jobs WHERE dataset_id = ?
		ORDER BY created_at DESC
	`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT job_id, dataset_id, status, params_json, phase, done, total, n_spots, n_gold, error, created_at, started_at, finished_at
		FROM sim_jobs WHERE status = ?
		ORDER BY created_at ASC
	`, string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// MarkRunningAsFailed marks all running jobs as failed (for restart recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE sim_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusFailed), errMsg, now, string(JobStatusRunning))
	return err
}

// DeleteExpiredJobs deletes finished jobs older than retentionDays along
// with their spots, gold records, and artifacts.
func (s *Store) DeleteExpiredJobs(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	expired := `SELECT job_id FROM sim_jobs WHERE finished_at IS NOT NULL AND finished_at < ?`
	for _, table := range []string{"sim_spots", "sim_gold", "sim_artifacts"} {
		if _, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE job_id IN (%s)", table, expired), cutoff); err != nil {
			return 0, err
		}
	}

	result, err := s.db.Exec(`
		DELETE FROM sim_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// DeleteJob deletes a job and everything attached to it.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"sim_spots", "sim_gold", "sim_artifacts"} {
		if _, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE job_id = ?", table), jobID); err != nil {
			return err
		}
	}

	_, err := s.db.Exec("DELETE FROM sim_jobs WHERE job_id = ?", jobID)
	return err
}

func scanJob(scan func(dest ...interface{}) error) (*Job, error) {
	var job Job
	var paramsJSON string
	var createdAtStr string
	var startedAtStr, finishedAtStr sql.NullString

	err := scan(
		&job.ID,
		&job.DatasetID,
		&job.Status,
		&paramsJSON,
		&job.Progress.Phase,
		&job.Progress.Done,
		&job.Progress.Total,
		&job.NSpots,
		&job.NGold,
		&job.Error,
		&createdAtStr,
		&startedAtStr,
		&finishedAtStr,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}

	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	if startedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, startedAtStr.String)
		job.StartedAt = &t
	}
	if finishedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
		job.FinishedAt = &t
	}

	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
