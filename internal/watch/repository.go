package watch

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"brandwriter/jobwatch-service/internal/job"
	"brandwriter/jobwatch-service/internal/poller"
)

// Repository persists watch snapshots.
type Repository interface {
	Save(ctx context.Context, w Watch) error
	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (Watch, error)
	// List returns every watch, newest first.
	List(ctx context.Context) ([]Watch, error)
	// ListActive returns the watches that have no outcome yet.
	ListActive(ctx context.Context) ([]Watch, error)
}

// ─── Postgres ────────────────────────────────────────────────────────────────

// DB is the part of *pgxpool.Pool the repository uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresRepository stores watches in the job_watches table.
type PostgresRepository struct {
	pool DB
}

// NewPostgresRepository returns a repository over pool. The schema must exist
// (see db.EnsureSchema).
func NewPostgresRepository(pool DB) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const selectWatch = `
	SELECT id::text, kind, backend_job_id, start_key, subject_id, status, progress,
	       counters, total, error_message, outcome, created_at, updated_at
	FROM job_watches`

func (r *PostgresRepository) Save(ctx context.Context, w Watch) error {
	counters := w.Job.Counters
	if counters == nil {
		counters = map[string]int{}
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO job_watches (id, kind, backend_job_id, start_key, subject_id, status,
		                          progress, counters, total, error_message, outcome,
		                          created_at, updated_at)
		 VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE
		 SET status        = EXCLUDED.status,
		     progress      = EXCLUDED.progress,
		     counters      = EXCLUDED.counters,
		     total         = EXCLUDED.total,
		     error_message = EXCLUDED.error_message,
		     outcome       = EXCLUDED.outcome,
		     updated_at    = EXCLUDED.updated_at`,
		w.ID, string(w.Kind), w.BackendJobID, w.StartKey, w.SubjectID, string(w.Job.Status),
		w.Job.Progress, counters, w.Job.Total, errorMessage(w), string(w.Outcome),
		w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save watch %s: %w", w.ID, err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (Watch, error) {
	rows, err := r.pool.Query(ctx, selectWatch+` WHERE id::text = $1`, id)
	if err != nil {
		return Watch{}, fmt.Errorf("get watch query: %w", err)
	}
	ws, err := scanWatches(rows)
	if err != nil {
		return Watch{}, err
	}
	if len(ws) == 0 {
		return Watch{}, ErrNotFound
	}
	return ws[0], nil
}

func (r *PostgresRepository) List(ctx context.Context) ([]Watch, error) {
	rows, err := r.pool.Query(ctx, selectWatch+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list watches query: %w", err)
	}
	return scanWatches(rows)
}

func (r *PostgresRepository) ListActive(ctx context.Context) ([]Watch, error) {
	rows, err := r.pool.Query(ctx, selectWatch+` WHERE outcome = '' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list active watches query: %w", err)
	}
	return scanWatches(rows)
}

func scanWatches(rows pgx.Rows) ([]Watch, error) {
	defer rows.Close()

	out := make([]Watch, 0)
	for rows.Next() {
		var (
			w        Watch
			kind     string
			status   string
			outcome  string
			errMsg   string
			counters map[string]int
		)
		if err := rows.Scan(
			&w.ID, &kind, &w.BackendJobID, &w.StartKey, &w.SubjectID, &status, &w.Job.Progress,
			&counters, &w.Job.Total, &errMsg, &outcome, &w.CreatedAt, &w.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan watch: %w", err)
		}
		w.Kind = job.Kind(kind)
		w.Job.ID = w.BackendJobID
		w.Job.Kind = w.Kind
		w.Job.Status = job.Status(status)
		w.Job.Counters = counters
		w.Outcome = poller.Outcome(outcome)
		if w.Outcome == poller.OutcomeFailed {
			w.Job.ErrorMessage = errMsg
		}
		w.Error = errMsg
		out = append(out, w)
	}
	return out, rows.Err()
}

func errorMessage(w Watch) string {
	if w.Error != "" {
		return w.Error
	}
	return w.Job.ErrorMessage
}

// ─── In-memory ───────────────────────────────────────────────────────────────

// MemoryRepository keeps watches in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	watches map[string]Watch
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{watches: make(map[string]Watch)}
}

func (r *MemoryRepository) Save(_ context.Context, w Watch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watches[w.ID] = w
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (Watch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.watches[id]
	if !ok {
		return Watch{}, ErrNotFound
	}
	return w, nil
}

func (r *MemoryRepository) List(_ context.Context) ([]Watch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Watch, 0, len(r.watches))
	for _, w := range r.watches {
		out = append(out, w)
	}
	slices.SortFunc(out, func(a, b Watch) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out, nil
}

func (r *MemoryRepository) ListActive(ctx context.Context) ([]Watch, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	active := slices.DeleteFunc(all, func(w Watch) bool { return !w.Active() })
	slices.Reverse(active)
	return active, nil
}

// IsNotFound reports whether err means the watch does not exist.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
