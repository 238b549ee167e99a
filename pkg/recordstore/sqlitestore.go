package recordstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/modelforge/modelforge-go/pkg/models"
)

// SQLiteStore provides SQLite-based persistence for jobs and trained
// model records.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-based storage instance
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Open database with connection pooling parameters
	// Format: file:path?param=value
	dsn := fmt.Sprintf("file:%s?_busy_timeout=10000&_journal_mode=WAL&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so the pool stays small.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SQLiteStore{db: db}

	// WAL mode should be enabled for file-based databases. In-memory
	// databases report "delete" or "memory" mode, which tests use.
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return nil, fmt.Errorf("failed to check journal mode: %w", err)
	}
	if journalMode != "wal" && journalMode != "delete" && journalMode != "memory" {
		return nil, fmt.Errorf("unexpected journal mode: got %s", journalMode)
	}

	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// retryOnBusy retries a database operation if it fails due to
// SQLITE_BUSY. This is a safety net on top of the busy_timeout pragma.
func (s *SQLiteStore) retryOnBusy(operation func() error, maxRetries int) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if strings.Contains(err.Error(), "SQLITE_BUSY") {
			// Exponential backoff: 10ms, 20ms, 40ms, 80ms, 160ms
			backoff := time.Duration(10*(1<<uint(i))) * time.Millisecond
			time.Sleep(backoff)
			continue
		}

		return err
	}
	return fmt.Errorf("operation failed after %d retries: %w", maxRetries, err)
}

// initSchema creates the database schema if it doesn't exist
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		model_name TEXT NOT NULL,
		dataset_path TEXT NOT NULL,
		priority INTEGER NOT NULL,
		status TEXT NOT NULL,
		failure_kind TEXT,
		error TEXT,
		progress REAL NOT NULL DEFAULT 0,
		model_path TEXT,
		submitted_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		data TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_submitted_at ON jobs(submitted_at);

	CREATE TABLE IF NOT EXISTS model_records (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		model_name TEXT NOT NULL,
		model_path TEXT NOT NULL,
		performance TEXT,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (job_id) REFERENCES jobs(id)
	);

	CREATE INDEX IF NOT EXISTS idx_model_records_job_id ON model_records(job_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateJob inserts a newly submitted job.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *models.Job) error {
	return s.retryOnBusy(func() error {
		return s.saveJob(ctx, job)
	}, 5)
}

func (s *SQLiteStore) saveJob(ctx context.Context, job *models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	query := `
		INSERT OR REPLACE INTO jobs (id, model_name, dataset_path, priority, status, failure_kind, error, progress, model_path, submitted_at, started_at, completed_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		job.ID,
		job.ModelName,
		job.DatasetPath,
		job.Priority,
		job.Status,
		job.FailureKind,
		job.Error,
		job.Progress,
		job.ModelPath,
		job.SubmittedAt,
		job.StartedAt,
		job.CompletedAt,
		string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}

	return nil
}

// UpdateJobStatus applies a partial update to a stored job. Only the
// fields set in the update are changed.
func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, id string, fields models.JobUpdate) error {
	return s.retryOnBusy(func() error {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return err
		}

		if fields.Status != "" {
			job.Status = fields.Status
		}
		if fields.Error != nil {
			job.Error = *fields.Error
		}
		if fields.FailureKind != nil {
			job.FailureKind = *fields.FailureKind
		}
		if fields.Progress != nil {
			job.Progress = *fields.Progress
		}
		if fields.ModelPath != nil {
			job.ModelPath = *fields.ModelPath
		}
		if fields.Performance != nil {
			job.Performance = fields.Performance
		}
		if fields.Optimized != nil {
			job.Optimized = fields.Optimized
		}
		if fields.StartedAt != nil {
			job.StartedAt = fields.StartedAt
		}
		if fields.CompletedAt != nil {
			job.CompletedAt = fields.CompletedAt
		}

		return s.saveJob(ctx, job)
	}, 5)
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var data string
	query := `SELECT data FROM jobs WHERE id = ?`

	err := s.db.QueryRowContext(ctx, query, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrUnknownJob)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var job models.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

// CountJobsByStatus returns the number of stored jobs per status.
func (s *SQLiteStore) CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	query := `SELECT status, COUNT(*) FROM jobs GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int64)
	for rows.Next() {
		var status models.JobStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			continue
		}
		counts[status] = count
	}

	return counts, rows.Err()
}

// MarkActiveJobsStopped closes out jobs a previous run left in a
// non-terminal status. Jobs are never re-hydrated into the queue.
func (s *SQLiteStore) MarkActiveJobsStopped(ctx context.Context) (int64, error) {
	query := `SELECT data FROM jobs WHERE status IN (?, ?, ?)`
	rows, err := s.db.QueryContext(ctx, query,
		models.JobStatusPending,
		models.JobStatusQueued,
		models.JobStatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to load stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			continue
		}
		var job models.Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			continue
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	var stopped int64
	for _, job := range jobs {
		job.Status = models.JobStatusStopped
		if job.CompletedAt == nil {
			job.CompletedAt = &now
		}
		if err := s.retryOnBusy(func() error { return s.saveJob(ctx, job) }, 5); err != nil {
			return stopped, err
		}
		stopped++
	}
	return stopped, nil
}

// CreateModelRecord inserts a registry entry for a trained model.
func (s *SQLiteStore) CreateModelRecord(ctx context.Context, record *models.ModelRecord) error {
	performance, err := json.Marshal(record.Performance)
	if err != nil {
		return fmt.Errorf("failed to marshal performance: %w", err)
	}

	return s.retryOnBusy(func() error {
		query := `
			INSERT OR REPLACE INTO model_records (id, job_id, model_name, model_path, performance, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`
		_, err := s.db.ExecContext(ctx, query,
			record.ID,
			record.JobID,
			record.ModelName,
			record.ModelPath,
			string(performance),
			record.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save model record: %w", err)
		}
		return nil
	}, 5)
}

// ListModelRecords lists trained model records, newest first.
func (s *SQLiteStore) ListModelRecords(ctx context.Context, limit int) ([]*models.ModelRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, job_id, model_name, model_path, performance, created_at FROM model_records ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list model records: %w", err)
	}
	defer rows.Close()

	records := make([]*models.ModelRecord, 0)
	for rows.Next() {
		var record models.ModelRecord
		var performance sql.NullString
		if err := rows.Scan(&record.ID, &record.JobID, &record.ModelName, &record.ModelPath, &performance, &record.CreatedAt); err != nil {
			continue
		}
		if performance.Valid && performance.String != "" {
			if err := json.Unmarshal([]byte(performance.String), &record.Performance); err != nil {
				continue
			}
		}
		records = append(records, &record)
	}

	return records, rows.Err()
}
