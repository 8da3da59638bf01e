package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/harbor_jobs/internal/jobs"
)

const jobColumns = `id, tenant_id, type, status, input, output, error, progress, progress_details,
	attempts, max_attempts, timeout_seconds, next_run_at, started_at, completed_at, created_at, updated_at`

const itemColumns = `id, job_id, position, status, input, output, error, attempts, created_at, completed_at`

// PostgresStore is the Store backed by the harborjobs schema.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an open pool. The schema must already be migrated.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Create(ctx context.Context, n jobs.NewJob) (*jobs.Job, error) {
	n = n.Normalize()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO harborjobs.jobs (tenant_id, type, input, max_attempts, timeout_seconds, next_run_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+jobColumns,
		n.TenantID, n.Type, []byte(n.Input), n.MaxAttempts, n.TimeoutSeconds, n.NextRunAt)
	j, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) CreateWithItems(ctx context.Context, n jobs.NewJob, inputs []json.RawMessage) (*jobs.Job, error) {
	if err := checkItemCount(len(inputs)); err != nil {
		return nil, err
	}
	n = n.Normalize()

	payloads := make([]string, len(inputs))
	for i, in := range inputs {
		if len(in) == 0 {
			in = json.RawMessage(`{}`)
		}
		payloads[i] = string(in)
	}

	var job *jobs.Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO harborjobs.jobs (tenant_id, type, input, max_attempts, timeout_seconds, next_run_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING `+jobColumns,
			n.TenantID, n.Type, []byte(n.Input), n.MaxAttempts, n.TimeoutSeconds, n.NextRunAt)
		var err error
		if job, err = scanJob(row); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}

		rows, err := tx.Query(ctx, `
			INSERT INTO harborjobs.job_items (job_id, position, input)
			SELECT $1, t.ord - 1, t.payload::jsonb
			FROM unnest($2::text[]) WITH ORDINALITY AS t(payload, ord)
			RETURNING `+itemColumns,
			job.ID, payloads)
		if err != nil {
			return fmt.Errorf("insert items: %w", err)
		}
		job.Items, err = collectItems(rows)
		if err != nil {
			return fmt.Errorf("insert items: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(job.Items, func(a, b *jobs.Item) int { return a.Position - b.Position })
	return job, nil
}

func (s *PostgresStore) ClaimNext(ctx context.Context, jobType string, limit int) ([]*jobs.Job, error) {
	if limit <= 0 {
		limit = DefaultClaimLimit
	}
	// The locking sub-select and the update run as one statement, so a row
	// is either claimed here or skipped because another claimer holds it.
	rows, err := s.pool.Query(ctx, `
		WITH picked AS (
			SELECT id FROM harborjobs.jobs
			WHERE status = 'queued'
			  AND (next_run_at IS NULL OR next_run_at <= now())
			  AND ($1 = '' OR type = $1)
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE harborjobs.jobs
		SET status = 'running', started_at = now(), attempts = attempts + 1, updated_at = now()
		WHERE id IN (SELECT id FROM picked)
		RETURNING `+jobColumns,
		jobType, limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	claimed, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	if len(claimed) == 0 {
		return nil, nil
	}
	// UPDATE ... RETURNING does not preserve the CTE's order.
	slices.SortFunc(claimed, func(a, b *jobs.Job) int { return a.CreatedAt.Compare(b.CreatedAt) })

	ids := make([]string, len(claimed))
	byID := make(map[string]*jobs.Job, len(claimed))
	for i, j := range claimed {
		ids[i] = j.ID
		byID[j.ID] = j
	}
	itemRows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+` FROM harborjobs.job_items
		WHERE job_id = ANY($1::uuid[])
		ORDER BY job_id, position`, ids)
	if err != nil {
		return nil, fmt.Errorf("load claimed items: %w", err)
	}
	items, err := collectItems(itemRows)
	if err != nil {
		return nil, fmt.Errorf("load claimed items: %w", err)
	}
	for _, it := range items {
		j := byID[it.JobID]
		j.Items = append(j.Items, it)
	}
	return claimed, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*jobs.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM harborjobs.jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err != nil {
		return nil, notFound("job", id, err)
	}
	return j, nil
}

func (s *PostgresStore) GetForTenant(ctx context.Context, id, tenantID string) (*jobs.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM harborjobs.jobs
		WHERE id = $1 AND coalesce(tenant_id, '') = $2`, id, tenantID)
	j, err := scanJob(row)
	if err != nil {
		return nil, notFound("job", id, err)
	}
	return j, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, u jobs.JobUpdate) (*jobs.Job, error) {
	set, args, err := jobSetClause(u)
	if err != nil {
		return nil, err
	}
	args = append(args, id)
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE harborjobs.jobs SET %s
		WHERE id = $%d
		RETURNING %s`, set, len(args), jobColumns), args...)
	j, err := scanJob(row)
	if err != nil {
		return nil, notFound("job", id, err)
	}
	return j, nil
}

func (s *PostgresStore) UpdateItem(ctx context.Context, id string, u jobs.ItemUpdate) (*jobs.Item, error) {
	set, args, err := itemSetClause(u)
	if err != nil {
		return nil, err
	}
	if set == "" {
		row := s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM harborjobs.job_items WHERE id = $1`, id)
		it, err := scanItem(row)
		if err != nil {
			return nil, notFound("item", id, err)
		}
		return it, nil
	}
	args = append(args, id)
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE harborjobs.job_items SET %s
		WHERE id = $%d
		RETURNING %s`, set, len(args), itemColumns), args...)
	it, err := scanItem(row)
	if err != nil {
		return nil, notFound("item", id, err)
	}
	return it, nil
}

func (s *PostgresStore) BatchUpdateItems(ctx context.Context, patches []jobs.ItemPatch) error {
	if len(patches) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, p := range patches {
			set, args, err := itemSetClause(p.Data)
			if err != nil {
				return err
			}
			if set == "" {
				continue
			}
			args = append(args, p.ID)
			tag, err := tx.Exec(ctx, fmt.Sprintf(
				`UPDATE harborjobs.job_items SET %s WHERE id = $%d`, set, len(args)), args...)
			if err != nil {
				return notFound("item", p.ID, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("item %s: %w", p.ID, ErrNotFound)
			}
		}
		return nil
	})
}

func (s *PostgresStore) DetectAndFailTimedOut(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE harborjobs.jobs
		SET status = 'failed',
		    error = jsonb_build_object(
		        'code', $1::text,
		        'message', 'job exceeded timeout of ' || timeout_seconds || ' seconds'),
		    completed_at = now(),
		    updated_at = now()
		WHERE status = 'running'
		  AND started_at + make_interval(secs => timeout_seconds) < now()`,
		jobs.CodeJobTimeout)
	if err != nil {
		return 0, fmt.Errorf("fail timed out jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) CountRunningByType(ctx context.Context, jobType string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM harborjobs.jobs WHERE status = 'running' AND type = $1`, jobType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count running: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) FindPendingItems(ctx context.Context, jobID string, limit int) ([]*jobs.Item, error) {
	if limit <= 0 {
		limit = jobs.MaxItemsPerJob
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+` FROM harborjobs.job_items
		WHERE job_id = $1 AND status = 'pending'
		ORDER BY position
		LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("find pending items: %w", err)
	}
	return collectItems(rows)
}

func (s *PostgresStore) CountItemsByStatus(ctx context.Context, jobID string) (jobs.ItemCounts, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, count(*) FROM harborjobs.job_items
		WHERE job_id = $1
		GROUP BY status`, jobID)
	if err != nil {
		return nil, fmt.Errorf("count items: %w", err)
	}
	defer rows.Close()

	counts := jobs.ItemCounts{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[jobs.ItemStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) SkipPendingItems(ctx context.Context, jobID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE harborjobs.job_items
		SET status = 'skipped', completed_at = now()
		WHERE job_id = $1 AND status = 'pending'`, jobID)
	if err != nil {
		return 0, fmt.Errorf("skip pending items: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, f jobs.JobFilter) (jobs.Page[*jobs.Job], error) {
	limit := jobs.PageLimit(f.Limit)
	if !validCursor(f.Cursor) {
		return jobs.Page[*jobs.Job]{}, nil
	}

	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.TenantID != "" {
		where = append(where, "tenant_id = "+arg(f.TenantID))
	}
	if f.Type != "" {
		where = append(where, "type = "+arg(f.Type))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(string(f.Status)))
	}
	if f.Cursor != "" {
		where = append(where, "(created_at, id) < (SELECT created_at, id FROM harborjobs.jobs WHERE id = "+arg(f.Cursor)+")")
	}

	query := `SELECT ` + jobColumns + ` FROM harborjobs.jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT " + arg(limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return jobs.Page[*jobs.Job]{}, fmt.Errorf("list jobs: %w", err)
	}
	list, err := collectJobs(rows)
	if err != nil {
		return jobs.Page[*jobs.Job]{}, fmt.Errorf("list jobs: %w", err)
	}
	return pageOf(list, limit, func(j *jobs.Job) string { return j.ID }), nil
}

func (s *PostgresStore) ListItems(ctx context.Context, f jobs.ItemFilter) (jobs.Page[*jobs.Item], error) {
	limit := jobs.PageLimit(f.Limit)
	if !validCursor(f.Cursor) {
		return jobs.Page[*jobs.Item]{}, nil
	}

	args := []any{f.JobID}
	query := `SELECT ` + itemColumns + ` FROM harborjobs.job_items WHERE job_id = $1`
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Cursor != "" {
		args = append(args, f.Cursor)
		query += fmt.Sprintf(" AND position > (SELECT position FROM harborjobs.job_items WHERE id = $%d)", len(args))
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY position LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return jobs.Page[*jobs.Item]{}, fmt.Errorf("list items: %w", err)
	}
	list, err := collectItems(rows)
	if err != nil {
		return jobs.Page[*jobs.Item]{}, fmt.Errorf("list items: %w", err)
	}
	return pageOf(list, limit, func(it *jobs.Item) string { return it.ID }), nil
}

// validCursor rejects cursors that cannot be a row id. They select nothing,
// like a cursor for a row that no longer exists.
func validCursor(c string) bool {
	if c == "" {
		return true
	}
	_, err := uuid.Parse(c)
	return err == nil
}

// pageOf trims a limit+1 result to limit rows and sets the next cursor when
// the extra row was present.
func pageOf[T any](rows []T, limit int, id func(T) string) jobs.Page[T] {
	if len(rows) <= limit {
		return jobs.Page[T]{Rows: rows}
	}
	rows = rows[:limit]
	return jobs.Page[T]{Rows: rows, NextCursor: id(rows[limit-1])}
}

type setBuilder struct {
	parts []string
	args  []any
}

func (b *setBuilder) add(column string, v any) {
	b.args = append(b.args, v)
	b.parts = append(b.parts, fmt.Sprintf("%s = $%d", column, len(b.args)))
}

func (b *setBuilder) clause() string {
	return strings.Join(b.parts, ", ")
}

func jobSetClause(u jobs.JobUpdate) (string, []any, error) {
	var b setBuilder
	if u.Status.Set {
		b.add("status", string(u.Status.Value))
	}
	if u.Progress.Set {
		b.add("progress", u.Progress.Value)
	}
	if u.ProgressDetails.Set {
		b.add("progress_details", rawOrNil(u.ProgressDetails.Value))
	}
	if u.Output.Set {
		b.add("output", rawOrNil(u.Output.Value))
	}
	if u.Error.Set {
		raw, err := jobs.MarshalJobError(u.Error.Value)
		if err != nil {
			return "", nil, err
		}
		b.add("error", raw)
	}
	if u.Attempts.Set {
		b.add("attempts", u.Attempts.Value)
	}
	if u.NextRunAt.Set {
		b.add("next_run_at", u.NextRunAt.Value)
	}
	if u.StartedAt.Set {
		b.add("started_at", u.StartedAt.Value)
	}
	if u.CompletedAt.Set {
		b.add("completed_at", u.CompletedAt.Value)
	}
	b.parts = append(b.parts, "updated_at = now()")
	return b.clause(), b.args, nil
}

func itemSetClause(u jobs.ItemUpdate) (string, []any, error) {
	var b setBuilder
	if u.Status.Set {
		b.add("status", string(u.Status.Value))
	}
	if u.Output.Set {
		b.add("output", rawOrNil(u.Output.Value))
	}
	if u.Error.Set {
		raw, err := jobs.MarshalItemError(u.Error.Value)
		if err != nil {
			return "", nil, err
		}
		b.add("error", raw)
	}
	if u.Attempts.Set {
		b.add("attempts", u.Attempts.Value)
	}
	if u.CompletedAt.Set {
		b.add("completed_at", u.CompletedAt.Value)
	}
	return b.clause(), b.args, nil
}

func rawOrNil(b json.RawMessage) []byte {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func scanJob(row pgx.Row) (*jobs.Job, error) {
	var (
		j                             jobs.Job
		status                        string
		input, output, errRaw, detail []byte
	)
	err := row.Scan(&j.ID, &j.TenantID, &j.Type, &status, &input, &output, &errRaw, &j.Progress, &detail,
		&j.Attempts, &j.MaxAttempts, &j.TimeoutSeconds, &j.NextRunAt, &j.StartedAt, &j.CompletedAt,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Status = jobs.Status(status)
	j.Input = json.RawMessage(input)
	j.Output = json.RawMessage(output)
	j.ProgressDetails = json.RawMessage(detail)
	if len(errRaw) > 0 {
		j.Error = &jobs.JobError{}
		if err := json.Unmarshal(errRaw, j.Error); err != nil {
			return nil, fmt.Errorf("decode job error: %w", err)
		}
	}
	return &j, nil
}

func scanItem(row pgx.Row) (*jobs.Item, error) {
	var (
		it                    jobs.Item
		status                string
		input, output, errRaw []byte
	)
	err := row.Scan(&it.ID, &it.JobID, &it.Position, &status, &input, &output, &errRaw,
		&it.Attempts, &it.CreatedAt, &it.CompletedAt)
	if err != nil {
		return nil, err
	}
	it.Status = jobs.ItemStatus(status)
	it.Input = json.RawMessage(input)
	it.Output = json.RawMessage(output)
	if len(errRaw) > 0 {
		it.Error = &jobs.ItemError{}
		if err := json.Unmarshal(errRaw, it.Error); err != nil {
			return nil, fmt.Errorf("decode item error: %w", err)
		}
	}
	return &it, nil
}

func collectJobs(rows pgx.Rows) ([]*jobs.Job, error) {
	defer rows.Close()
	var out []*jobs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func collectItems(rows pgx.Rows) ([]*jobs.Item, error) {
	defer rows.Close()
	var out []*jobs.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// notFound maps a missing row, or an id that is not a valid uuid, to
// ErrNotFound and passes every other error through.
func notFound(kind, id string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", kind, id, err)
}
