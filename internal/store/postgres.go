package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"guideline-ingest/internal/models"
)

var (
	// ErrDuplicateEventID is returned when a job with the same event id already exists.
	ErrDuplicateEventID = errors.New("duplicate event id")
	// ErrNoTransition is returned when an update matched no pending or processing job.
	ErrNoTransition = errors.New("no job eligible for transition")
)

const uniqueViolation = "23505"

// Error describes a failed store operation.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "store: " + e.Op + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		err = fmt.Errorf("%w: %s", ErrDuplicateEventID, pgErr.ConstraintName)
	}
	return &Error{Op: op, Err: err}
}

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool      *pgxpool.Pool
	closeOnce sync.Once
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, wrap("parse dsn", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, wrap("connect", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool. It is safe to call more than once.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		if s.pool != nil {
			s.pool.Close()
		}
	})
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return wrap("ping", s.pool.Ping(ctx))
}

const jobColumns = `id, event_id, status, input_text, summary, checklist, error_message, created_at, updated_at`

// CreateJob inserts a pending job for eventID.
func (s *Store) CreateJob(ctx context.Context, eventID, inputText string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (event_id, status, input_text)
		VALUES ($1, $2, $3)
		RETURNING `+jobColumns, eventID, string(models.StatusPending), inputText)
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, wrap("create job", err)
	}
	return job, nil
}

// GetJobByEventID fetches a job by its external id. A missing row is reported through the
// boolean, not as an error.
func (s *Store) GetJobByEventID(ctx context.Context, eventID string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE event_id = $1`, eventID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, wrap("get job", err)
	}
	return job, true, nil
}

// UpdateJobStatus sets a non-terminal status.
func (s *Store) UpdateJobStatus(ctx context.Context, eventID string, status models.Status) error {
	if !status.Valid() || status.Terminal() {
		return wrap("update status", fmt.Errorf("status %q must be set with its outcome", status))
	}
	return s.transition(ctx, "update status", `
		UPDATE jobs SET status = $2, updated_at = NOW()
		WHERE event_id = $1 AND status IN ('pending', 'processing')
	`, eventID, string(status))
}

// UpdateJobResult marks the job completed and stores both derived fields in one statement.
func (s *Store) UpdateJobResult(ctx context.Context, eventID, summary, checklist string) error {
	return s.transition(ctx, "update result", `
		UPDATE jobs SET status = $2, summary = $3, checklist = $4, updated_at = NOW()
		WHERE event_id = $1 AND status IN ('pending', 'processing')
	`, eventID, string(models.StatusCompleted), summary, checklist)
}

// UpdateJobError marks the job failed with a human-readable cause.
func (s *Store) UpdateJobError(ctx context.Context, eventID, message string) error {
	return s.transition(ctx, "update error", `
		UPDATE jobs SET status = $2, error_message = $3, updated_at = NOW()
		WHERE event_id = $1 AND status IN ('pending', 'processing')
	`, eventID, string(models.StatusFailed), message)
}

func (s *Store) transition(ctx context.Context, op, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return wrap(op, err)
	}
	if tag.RowsAffected() == 0 {
		return wrap(op, ErrNoTransition)
	}
	return nil
}

// ListStalePending returns pending jobs created before now-olderThan, oldest first.
func (s *Store) ListStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND created_at < NOW() - make_interval(secs => $2)
		ORDER BY created_at
		LIMIT $3
	`, string(models.StatusPending), olderThan.Seconds(), limit)
	if err != nil {
		return nil, wrap("list stale pending", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, wrap("list stale pending", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list stale pending", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var status string
	var summary, checklist, errMsg pgtype.Text
	if err := row.Scan(&job.ID, &job.EventID, &status, &job.InputText, &summary, &checklist, &errMsg, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	job.Status = models.Status(status)
	job.Summary = textPtr(summary)
	job.Checklist = textPtr(checklist)
	job.ErrorMessage = textPtr(errMsg)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
