package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the pure-Go (CGo-free) embedded relational store backing
// both the Job Manager's task table and the Conversation Store's rounds
// table, per §4.6.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and runs
// migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			mode         TEXT NOT NULL,
			project_path TEXT NOT NULL DEFAULT '',
			idea_text    TEXT NOT NULL DEFAULT '',
			iterations   INTEGER NOT NULL,
			output_name  TEXT NOT NULL DEFAULT '',
			template_id  TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL DEFAULT 'queued',
			progress     INTEGER NOT NULL DEFAULT 0,
			message      TEXT NOT NULL DEFAULT '',
			result       TEXT,
			error        TEXT NOT NULL DEFAULT '',
			created_at   DATETIME NOT NULL,
			started_at   DATETIME,
			finished_at  DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_status     ON tasks(status);
		CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);

		CREATE TABLE IF NOT EXISTS rounds (
			job_id   TEXT NOT NULL,
			idx       INTEGER NOT NULL,
			role      TEXT NOT NULL,
			prompt    TEXT NOT NULL,
			response  TEXT NOT NULL,
			ts        DATETIME NOT NULL,
			PRIMARY KEY (job_id, idx, role)
		);
		CREATE INDEX IF NOT EXISTS idx_rounds_job ON rounds(job_id);
	`)
	if err != nil {
		return err
	}
	// Idempotent column additions for databases that predate a given field.
	_, _ = s.db.Exec(`ALTER TABLE tasks ADD COLUMN template_id TEXT NOT NULL DEFAULT ''`)
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, j *Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks
			(id, mode, project_path, idea_text, iterations, output_name, template_id,
			 status, progress, message, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '', '', ?)
	`,
		j.ID, j.Input.Mode, j.Input.ProjectPath, j.Input.IdeaText, j.Input.Iterations,
		j.Input.OutputName, j.Input.TemplateID, StatusQueued, j.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, mode, project_path, idea_text, iterations, output_name, template_id,
		       status, progress, message, result, error, created_at, started_at, finished_at
		FROM tasks WHERE id = ?
	`, id)

	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{Input: Input{}}
	var resultJSON sql.NullString
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&j.ID, &j.Input.Mode, &j.Input.ProjectPath, &j.Input.IdeaText, &j.Input.Iterations,
		&j.Input.OutputName, &j.Input.TemplateID,
		&j.Status, &j.Progress, &j.Message, &resultJSON, &j.Error,
		&j.CreatedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if resultJSON.Valid && resultJSON.String != "" {
		var res Result
		if jsonErr := json.Unmarshal([]byte(resultJSON.String), &res); jsonErr == nil {
			j.Result = &res
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		j.FinishedAt = &t
	}
	return j, nil
}

func (s *SQLiteStore) UpdateProgress(ctx context.Context, id string, progress int, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET progress = ?, message = ? WHERE id = ?
	`, progress, message, id)
	if err != nil {
		return fmt.Errorf("update progress for job %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) MarkRunning(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, started_at = ? WHERE id = ?
	`, StatusRunning, now, id)
	if err != nil {
		return fmt.Errorf("mark running for job %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Finish(ctx context.Context, id string, status Status, result *Result, errMsg string) error {
	now := time.Now().UTC()

	var resultJSON any
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result for job %s: %w", id, err)
		}
		resultJSON = string(b)
	}

	progress := 0
	if status == StatusCompleted {
		progress = 100
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, progress = CASE WHEN ? > progress THEN ? ELSE progress END,
		    result = ?, error = ?, finished_at = ?
		WHERE id = ?
	`, status, progress, progress, resultJSON, errMsg, now, id)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rounds WHERE job_id = ?`, id); err != nil {
		return fmt.Errorf("delete rounds for job %s: %w", id, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ResetRunning moves all jobs stuck in "running" back to "queued". Called at
// startup to recover jobs that were interrupted by a crash; their already
// persisted round records are left untouched.
func (s *SQLiteStore) ResetRunning(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM tasks WHERE status = ?`, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("query running jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate running jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, started_at = NULL WHERE status = ?
	`, StatusQueued, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("reset running jobs: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE status IN (?, ?, ?) AND finished_at IS NOT NULL AND finished_at < ?
	`, StatusCompleted, StatusFailed, StatusCancelled, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return res.RowsAffected()
}

// List returns jobs ordered by created_at DESC with pagination, and the total count.
func (s *SQLiteStore) List(ctx context.Context, limit, offset int) ([]*Job, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mode, project_path, idea_text, iterations, output_name, template_id,
		       status, progress, message, result, error, created_at, started_at, finished_at
		FROM tasks
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, total, nil
}

// CountsByStatus returns the number of tasks currently in each status,
// backing the Job Manager's statistics() contract.
func (s *SQLiteStore) CountsByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// LogRound appends an immutable round record. Re-inserting the same
// (job_id, idx, role) triple is rejected by the primary key, matching the
// invariant that round records are never overwritten.
func (s *SQLiteStore) LogRound(ctx context.Context, r *Round) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rounds (job_id, idx, role, prompt, response, ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.JobID, r.Index, r.Role, r.Prompt, r.Response, r.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("log round %s/%d/%s: %w", r.JobID, r.Index, r.Role, err)
	}
	return nil
}

func (s *SQLiteStore) RoundsFor(ctx context.Context, jobID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT idx FROM rounds WHERE job_id = ? ORDER BY idx ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("rounds for %s: %w", jobID, err)
	}
	defer rows.Close()

	var indices []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("scan round index: %w", err)
		}
		indices = append(indices, idx)
	}
	return indices, rows.Err()
}

func (s *SQLiteStore) Round(ctx context.Context, jobID string, index int) (*RoundView, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, prompt, response, ts FROM rounds
		WHERE job_id = ? AND idx = ?
	`, jobID, index)
	if err != nil {
		return nil, fmt.Errorf("round %s/%d: %w", jobID, index, err)
	}
	defer rows.Close()

	view := &RoundView{}
	found := false
	for rows.Next() {
		r := &Round{JobID: jobID, Index: index}
		if err := rows.Scan(&r.Role, &r.Prompt, &r.Response, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		found = true
		switch r.Role {
		case RoleWriter:
			view.Writer = r
		case RoleModifier:
			view.Modifier = r
		case RoleReviewer:
			view.Reviewer = r
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrJobNotFound
	}
	return view, nil
}
