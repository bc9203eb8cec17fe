package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jo-hoe/clipforge/internal/common"
	"github.com/jo-hoe/clipforge/internal/faults"
)

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("ensure db dir: %w", err)
		}
	}
	// Busy timeout to avoid SQLITE_BUSY in concurrent access.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serializes every transition in this process.
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		source_reference TEXT NOT NULL,
		start_offset_seconds REAL NOT NULL,
		duration_seconds REAL NOT NULL,
		target_profile TEXT NOT NULL,
		callback_url TEXT,
		status TEXT NOT NULL,
		output_location TEXT,
		error_message TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS job_transitions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL REFERENCES jobs(id),
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		message TEXT,
		at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_job_transitions_job ON job_transitions(job_id, seq);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, job *Job) error {
	if err := prepareNew(job); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, source_reference, start_offset_seconds, duration_seconds, target_profile, callback_url, status, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.SourceReference, job.Clip.StartOffsetSeconds, job.Clip.DurationSeconds, job.TargetProfile,
		nullIfEmpty(job.CallbackURL), string(job.Status), job.Attempts, formatTime(job.CreatedAt), formatTime(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	return getJob(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getJob(ctx context.Context, q queryRower, id string) (*Job, error) {
	row := q.QueryRowContext(ctx, `SELECT id, source_reference, start_offset_seconds, duration_seconds, target_profile,
		callback_url, status, output_location, error_message, attempts, created_at, updated_at
		FROM jobs WHERE id = ?`, id)

	var job Job
	var status, created, updated string
	var callback, loc, errMsg sql.NullString
	if err := row.Scan(
		&job.ID,
		&job.SourceReference,
		&job.Clip.StartOffsetSeconds,
		&job.Clip.DurationSeconds,
		&job.TargetProfile,
		&callback,
		&status,
		&loc,
		&errMsg,
		&job.Attempts,
		&created,
		&updated,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, faults.JobNotFound(id)
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.Status = Status(status)
	job.CallbackURL = callback.String
	job.OutputLocation = loc.String
	job.ErrorMessage = errMsg.String
	job.CreatedAt = parseTime(created)
	job.UpdatedAt = parseTime(updated)
	return &job, nil
}

func (s *SQLiteStore) Transition(ctx context.Context, id string, to Status, f Fields) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job, err := getJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(id, job.Status, to, f); err != nil {
		return nil, err
	}
	from := job.Status
	t := apply(job, to, f, s.now())

	res, err := tx.ExecContext(ctx, `UPDATE jobs
		SET status = ?, output_location = ?, error_message = ?, attempts = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(job.Status), nullIfEmpty(job.OutputLocation), nullIfEmpty(job.ErrorMessage), job.Attempts,
		formatTime(job.UpdatedAt), id, string(from),
	)
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, faults.InvalidTransition(id, string(from), string(to))
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO job_transitions (job_id, from_status, to_status, message, at) VALUES (?, ?, ?, ?, ?)`,
		id, string(t.From), string(t.To), nullIfEmpty(t.Message), formatTime(t.At),
	); err != nil {
		return nil, fmt.Errorf("record transition: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) Transitions(ctx context.Context, id string) ([]Transition, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT from_status, to_status, message, at FROM job_transitions WHERE job_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var from, to, at string
		var msg sql.NullString
		if err := rows.Scan(&from, &to, &msg, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		out = append(out, Transition{JobID: id, From: Status(from), To: Status(to), Message: msg.String, At: parseTime(at)})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Unfinished(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM jobs WHERE status NOT IN (?, ?)`,
		string(StatusCompleted), string(StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("query unfinished jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	// The single connection must be free again before loading each job.
	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	sortByCreation(out)
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
