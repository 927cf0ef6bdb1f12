package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"outreach/internal/domain"
	logx "outreach/pkg/logx"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// dialect captures the few differences between sqlite and postgres.
type dialect struct {
	name string
	// dollar rewrites ? placeholders to $1..$n.
	dollar bool
	// forUpdate is appended to row reads that precede a write in a tx.
	forUpdate string
}

var (
	sqliteDialect   = dialect{name: "sqlite"}
	postgresDialect = dialect{name: "postgres", dollar: true, forUpdate: " FOR UPDATE"}
)

func (d dialect) rebind(q string) string {
	if !d.dollar {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// sqlStore implements Store on database/sql for both SQL drivers.
// Timestamps are stored as unix milliseconds.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema/" + s.d.name + ".sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("migrate %s: %w", s.d.name, err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) exec(ctx context.Context, q queryer, query string, args ...any) (int64, error) {
	res, err := q.ExecContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqlStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// tenants

const tenantCols = `id, name, driver, is_active, status, last_online, last_error, auth, created_at, updated_at`

func (s *sqlStore) CreateTenant(ctx context.Context, t domain.Tenant) error {
	var exists int
	err := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT COUNT(1) FROM tenants WHERE id = ?`), t.ID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return fmt.Errorf("%w: tenant %s already exists", domain.ErrInvalidTenant, t.ID)
	}
	_, err = s.exec(ctx, s.db,
		`INSERT INTO tenants(`+tenantCols+`) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, t.Driver, boolInt(t.IsActive), string(t.Status), zeroMs(t.LastOnline),
		t.LastError, string(t.Auth), ms(t.CreatedAt), ms(t.UpdatedAt),
	)
	return err
}

func scanTenant(sc interface{ Scan(...any) error }) (domain.Tenant, error) {
	var (
		t                    domain.Tenant
		active               int
		status, auth         string
		lastOnline           sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := sc.Scan(&t.ID, &t.Name, &t.Driver, &active, &status, &lastOnline, &t.LastError, &auth, &createdAt, &updatedAt); err != nil {
		return domain.Tenant{}, err
	}
	t.IsActive = active != 0
	t.Status = domain.ConnStatus(status)
	if lastOnline.Valid {
		t.LastOnline = time.UnixMilli(lastOnline.Int64)
	}
	if auth != "" {
		t.Auth = []byte(auth)
	}
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updatedAt)
	return t, nil
}

func (s *sqlStore) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+tenantCols+` FROM tenants WHERE id = ?`), id)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Tenant{}, fmt.Errorf("tenant %s: %w", id, domain.ErrNotFound)
	}
	return t, err
}

func (s *sqlStore) ListTenants(ctx context.Context, activeOnly bool) ([]domain.Tenant, error) {
	q := `SELECT ` + tenantCols + ` FROM tenants`
	var args []any
	if activeOnly {
		q += ` WHERE is_active = ?`
		args = append(args, 1)
	}
	q += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.Tenant, 0)
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateTenant(ctx context.Context, id string, u domain.TenantUpdate) error {
	q := `UPDATE tenants SET status = ?, last_error = ?, updated_at = ?`
	args := []any{string(u.Status), u.LastError, ms(time.Now())}
	if !u.LastOnline.IsZero() {
		q += `, last_online = ?`
		args = append(args, ms(u.LastOnline))
	}
	q += ` WHERE id = ?`
	args = append(args, id)
	n, err := s.exec(ctx, s.db, q, args...)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("tenant %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *sqlStore) SetTenantActive(ctx context.Context, id string, active bool) error {
	n, err := s.exec(ctx, s.db, `UPDATE tenants SET is_active = ?, updated_at = ? WHERE id = ?`,
		boolInt(active), ms(time.Now()), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("tenant %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *sqlStore) PurgeTenant(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx,
			`DELETE FROM job_items WHERE job_id IN (SELECT id FROM jobs WHERE tenant_id = ?)`, id); err != nil {
			return fmt.Errorf("purge items: %w", err)
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM jobs WHERE tenant_id = ?`, id); err != nil {
			return fmt.Errorf("purge jobs: %w", err)
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM audit WHERE tenant_id = ?`, id); err != nil {
			return fmt.Errorf("purge audit: %w", err)
		}
		n, err := s.exec(ctx, tx, `DELETE FROM tenants WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("purge tenant: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("tenant %s: %w", id, domain.ErrNotFound)
		}
		return nil
	})
}

// audit

func (s *sqlStore) AppendAudit(ctx context.Context, e domain.AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.exec(ctx, s.db,
		`INSERT INTO audit(at, tenant_id, job_id, action, detail) VALUES(?,?,?,?,?)`,
		ms(e.At), e.TenantID, e.JobID, e.Action, e.Detail,
	)
	return err
}

func (s *sqlStore) ListAudit(ctx context.Context, tenantID string, limit int) ([]domain.AuditEntry, error) {
	q := `SELECT at, tenant_id, job_id, action, detail FROM audit`
	var args []any
	if tenantID != "" {
		q += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	q += ` ORDER BY id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.AuditEntry, 0)
	for rows.Next() {
		var (
			e  domain.AuditEntry
			at int64
		)
		if err := rows.Scan(&at, &e.TenantID, &e.JobID, &e.Action, &e.Detail); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// jobs

const jobCols = `id, kind, tenant_id, name, status, scheduled_at, rate_per_minute, jitter_min_ms, jitter_max_ms,
	total, success, failed, skipped, payload, last_error, created_at, updated_at, started_at, completed_at`

const itemCols = `id, job_id, seq, target, payload, status, tries, max_tries, last_error, sent_at, external_id`

func (s *sqlStore) CreateJob(ctx context.Context, j domain.Job, items []domain.JobItem) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, s.d.rebind(`SELECT COUNT(1) FROM jobs WHERE id = ?`), j.ID).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("%w: job %s already exists", domain.ErrInvalidJob, j.ID)
		}
		_, err := s.exec(ctx, tx, `INSERT INTO jobs(`+jobCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			j.ID, string(j.Kind), j.TenantID, j.Name, string(j.Status), nullMs(j.ScheduledAt),
			j.Rate.RatePerMinute, j.Rate.JitterMinMs, j.Rate.JitterMaxMs,
			j.Counters.Total, j.Counters.Success, j.Counters.Failed, j.Counters.Skipped,
			j.Payload, j.LastError, ms(j.CreatedAt), ms(j.UpdatedAt), nullMs(j.StartedAt), nullMs(j.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		for _, it := range items {
			_, err := s.exec(ctx, tx, `INSERT INTO job_items(`+itemCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
				it.ID, j.ID, it.Seq, it.Target, it.Payload, string(it.Status), it.Tries, it.MaxTries,
				it.LastError, nullMs(it.SentAt), it.ExternalID,
			)
			if err != nil {
				return fmt.Errorf("insert item %s: %w", it.ID, err)
			}
		}
		return nil
	})
}

func scanJob(sc interface{ Scan(...any) error }) (domain.Job, error) {
	var (
		j                                   domain.Job
		kind, status                        string
		scheduledAt, startedAt, completedAt sql.NullInt64
		createdAt, updatedAt                int64
	)
	err := sc.Scan(&j.ID, &kind, &j.TenantID, &j.Name, &status, &scheduledAt,
		&j.Rate.RatePerMinute, &j.Rate.JitterMinMs, &j.Rate.JitterMaxMs,
		&j.Counters.Total, &j.Counters.Success, &j.Counters.Failed, &j.Counters.Skipped,
		&j.Payload, &j.LastError, &createdAt, &updatedAt, &startedAt, &completedAt)
	if err != nil {
		return domain.Job{}, err
	}
	j.Kind = domain.JobKind(kind)
	j.Status = domain.JobStatus(status)
	j.ScheduledAt = fromNull(scheduledAt)
	j.StartedAt = fromNull(startedAt)
	j.CompletedAt = fromNull(completedAt)
	j.CreatedAt = time.UnixMilli(createdAt)
	j.UpdatedAt = time.UnixMilli(updatedAt)
	return j, nil
}

func scanItem(sc interface{ Scan(...any) error }) (domain.JobItem, error) {
	var (
		it     domain.JobItem
		status string
		sentAt sql.NullInt64
	)
	err := sc.Scan(&it.ID, &it.JobID, &it.Seq, &it.Target, &it.Payload, &status, &it.Tries, &it.MaxTries,
		&it.LastError, &sentAt, &it.ExternalID)
	if err != nil {
		return domain.JobItem{}, err
	}
	it.Status = domain.ItemStatus(status)
	it.SentAt = fromNull(sentAt)
	return it, nil
}

func (s *sqlStore) getJob(ctx context.Context, q queryer, id string, lock bool) (domain.Job, error) {
	query := `SELECT ` + jobCols + ` FROM jobs WHERE id = ?`
	if lock {
		query += s.d.forUpdate
	}
	j, err := scanJob(q.QueryRowContext(ctx, s.d.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return j, err
}

func (s *sqlStore) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return s.getJob(ctx, s.db, id, false)
}

func (s *sqlStore) queryJobs(ctx context.Context, q string, args ...any) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListJobs(ctx context.Context, f domain.JobFilter) ([]domain.Job, error) {
	q := `SELECT ` + jobCols + ` FROM jobs`
	var (
		where []string
		args  []any
	)
	if f.TenantID != "" {
		where = append(where, `tenant_id = ?`)
		args = append(args, f.TenantID)
	}
	if f.Status != "" {
		where = append(where, `status = ?`)
		args = append(args, string(f.Status))
	}
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, ` AND `)
	}
	q += ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryJobs(ctx, q, args...)
}

func (s *sqlStore) ListItems(ctx context.Context, jobID string) ([]domain.JobItem, error) {
	if _, err := s.GetJobStatus(ctx, jobID); err != nil {
		return nil, err
	}
	return s.queryItems(ctx, `SELECT `+itemCols+` FROM job_items WHERE job_id = ? ORDER BY seq, id`, jobID)
}

func (s *sqlStore) queryItems(ctx context.Context, q string, args ...any) ([]domain.JobItem, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.JobItem, 0)
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetJobStatus(ctx context.Context, id string) (domain.JobStatus, error) {
	return s.jobStatus(ctx, s.db, id, false)
}

func (s *sqlStore) jobStatus(ctx context.Context, q queryer, id string, lock bool) (domain.JobStatus, error) {
	query := `SELECT status FROM jobs WHERE id = ?`
	if lock {
		query += s.d.forUpdate
	}
	var st string
	err := q.QueryRowContext(ctx, s.d.rebind(query), id).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return domain.JobStatus(st), err
}

func (s *sqlStore) PromoteDueJobs(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.d.rebind(
			`SELECT id FROM jobs WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ? ORDER BY id`+s.d.forUpdate),
			string(domain.JobScheduled), ms(now))
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range ids {
			_, err := s.exec(ctx, tx,
				`UPDATE jobs SET status = ?, updated_at = ?, started_at = COALESCE(started_at, ?) WHERE id = ? AND status = ?`,
				string(domain.JobRunning), ms(now), ms(now), id, string(domain.JobScheduled))
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *sqlStore) ListRunnableJobs(ctx context.Context, limit int) ([]domain.Job, error) {
	q := `SELECT ` + jobCols + ` FROM jobs
		WHERE status = ? AND (total = 0 OR NOT EXISTS (
			SELECT 1 FROM tenants t WHERE t.id = jobs.tenant_id AND t.status <> ?))
		ORDER BY updated_at, created_at, id`
	args := []any{string(domain.JobRunning), string(domain.ConnOnline)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryJobs(ctx, q, args...)
}

func (s *sqlStore) TouchJob(ctx context.Context, id string, now time.Time) error {
	n, err := s.exec(ctx, s.db, `UPDATE jobs SET updated_at = ? WHERE id = ? AND status = ?`,
		ms(now), id, string(domain.JobRunning))
	if err != nil || n > 0 {
		return err
	}
	_, err = s.GetJobStatus(ctx, id)
	return err
}

func (s *sqlStore) FindPendingItems(ctx context.Context, jobID string, limit int) ([]domain.JobItem, error) {
	q := `SELECT ` + itemCols + ` FROM job_items WHERE job_id = ? AND status = ? ORDER BY seq, id`
	args := []any{jobID, string(domain.ItemPending)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryItems(ctx, q, args...)
}

func (s *sqlStore) MarkItemProcessing(ctx context.Context, itemID string) error {
	n, err := s.exec(ctx, s.db, `UPDATE job_items SET status = ? WHERE id = ? AND status = ?`,
		string(domain.ItemProcessing), itemID, string(domain.ItemPending))
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var st string
	err = s.db.QueryRowContext(ctx, s.d.rebind(`SELECT status FROM job_items WHERE id = ?`), itemID).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("item %s: %w", itemID, domain.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: item %s is %s", domain.ErrInvalidTransition, itemID, st)
}

func (s *sqlStore) RecordItemResult(ctx context.Context, jobID string, r domain.ItemResult, now time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		st, err := s.jobStatus(ctx, tx, jobID, true)
		if err != nil {
			return err
		}
		q := `UPDATE job_items SET status = ?, tries = ?, last_error = ?, sent_at = ?`
		args := []any{string(r.Status), r.Tries, r.LastError, nullMs(r.SentAt)}
		if r.ExternalID != "" {
			q += `, external_id = ?`
			args = append(args, r.ExternalID)
		}
		q += ` WHERE id = ? AND job_id = ?`
		args = append(args, r.ItemID, jobID)
		n, err := s.exec(ctx, tx, q, args...)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("item %s of job %s: %w", r.ItemID, jobID, domain.ErrNotFound)
		}
		if st == domain.JobCancelled {
			return nil
		}
		_, err = s.exec(ctx, tx,
			`UPDATE jobs SET success = success + ?, failed = failed + ?, skipped = skipped + ?, updated_at = ? WHERE id = ?`,
			r.Delta.Success, r.Delta.Failed, r.Delta.Skipped, ms(now), jobID)
		return err
	})
}

func (s *sqlStore) ResetProcessingItems(ctx context.Context) (int, error) {
	n, err := s.exec(ctx, s.db, `UPDATE job_items SET status = ? WHERE status = ?`,
		string(domain.ItemPending), string(domain.ItemProcessing))
	return int(n), err
}

func (s *sqlStore) TransitionJob(ctx context.Context, id string, to domain.JobStatus, now time.Time) (domain.Job, error) {
	var out domain.Job
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		j, err := s.getJob(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if !domain.CanTransition(j.Status, to) {
			return fmt.Errorf("%w: job %s %s -> %s", domain.ErrInvalidTransition, id, j.Status, to)
		}
		applyTransition(&j, to, now)
		_, err = s.exec(ctx, tx, `UPDATE jobs SET status = ?, updated_at = ?, started_at = ?, completed_at = ? WHERE id = ?`,
			string(j.Status), ms(j.UpdatedAt), nullMs(j.StartedAt), nullMs(j.CompletedAt), id)
		if err != nil {
			return err
		}
		out = j
		return nil
	})
	return out, err
}

func (s *sqlStore) CompleteJobIfDone(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := s.exec(ctx, s.db,
		`UPDATE jobs SET status = ?, updated_at = ?, completed_at = ?
		 WHERE id = ? AND status = ? AND success + failed + skipped >= total`,
		string(domain.JobCompleted), ms(now), ms(now), id, string(domain.JobRunning))
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if _, err := s.GetJobStatus(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *sqlStore) FailJob(ctx context.Context, id string, reason string, now time.Time) error {
	sources := domain.SourcesFor(domain.JobFailed)
	marks := strings.TrimSuffix(strings.Repeat("?,", len(sources)), ",")
	args := []any{string(domain.JobFailed), reason, ms(now), ms(now), id}
	for _, st := range sources {
		args = append(args, string(st))
	}
	n, err := s.exec(ctx, s.db,
		`UPDATE jobs SET status = ?, last_error = ?, updated_at = ?, completed_at = ? WHERE id = ? AND status IN (`+marks+`)`,
		args...)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	st, err := s.GetJobStatus(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s %s -> %s", domain.ErrInvalidTransition, id, st, domain.JobFailed)
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func zeroMs(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func nullMs(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
