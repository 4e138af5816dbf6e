package persistence

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/storyreel/internal/backend"
	"github.com/MimeLyc/storyreel/internal/jobs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore keeps job history. It implements jobs.Store.
type SQLiteStore struct {
	db *sql.DB
}

var _ jobs.Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		// embed.FS paths always use forward slashes.
		content, err := migrationFiles.ReadFile(path.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

// UpsertJob records the latest snapshot of a job, keyed by its assigned id.
func (s *SQLiteStore) UpsertJob(ctx context.Context, job jobs.Job) error {
	if job.AssignedID == "" {
		return fmt.Errorf("job has no assigned id")
	}
	createdAt := job.CreatedAt.UTC()
	updatedAt := job.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	if createdAt.IsZero() {
		createdAt = updatedAt
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO job_history (
			assigned_id, job_id, mode, label, extension, state, status, progress, message, cause, error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(assigned_id) DO UPDATE SET
			job_id=excluded.job_id,
			label=excluded.label,
			extension=excluded.extension,
			state=excluded.state,
			status=excluded.status,
			progress=excluded.progress,
			message=excluded.message,
			cause=excluded.cause,
			error=excluded.error,
			updated_at=excluded.updated_at
		WHERE excluded.updated_at >= job_history.updated_at`,
		job.AssignedID,
		job.ID,
		string(job.Mode),
		job.Label,
		job.Extension,
		string(job.State),
		string(job.Status),
		job.Progress,
		job.Message,
		string(job.Cause),
		job.Error,
		createdAt,
		updatedAt,
	)
	return err
}

const selectColumns = `assigned_id, job_id, mode, label, extension, state, status, progress, message, cause, error, created_at, updated_at`

func (s *SQLiteStore) GetJob(ctx context.Context, assignedID string) (jobs.Job, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+selectColumns+` FROM job_history WHERE assigned_id = ?`,
		assignedID,
	)
	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return jobs.Job{}, false, nil
		}
		return jobs.Job{}, false, err
	}
	return job, true, nil
}

// ListJobs returns the most recently updated jobs first. limit <= 0 returns all.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit int) ([]jobs.Job, error) {
	query := `SELECT ` + selectColumns + ` FROM job_history ORDER BY updated_at DESC, assigned_id ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]jobs.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

// DeleteJobsBefore removes terminal jobs last updated before the cutoff.
func (s *SQLiteStore) DeleteJobsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM job_history WHERE updated_at < ? AND state IN (?, ?, ?)`,
		before.UTC(),
		string(jobs.StateCompleted),
		string(jobs.StateFailed),
		string(jobs.StateIdle),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (jobs.Job, error) {
	var job jobs.Job
	var mode, state, status, cause string
	if err := row.Scan(
		&job.AssignedID,
		&job.ID,
		&mode,
		&job.Label,
		&job.Extension,
		&state,
		&status,
		&job.Progress,
		&job.Message,
		&cause,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return jobs.Job{}, err
	}
	job.Mode = backend.Mode(mode)
	job.State = jobs.State(state)
	job.Status = backend.Status(status)
	job.Cause = jobs.Cause(cause)
	return job, nil
}
