package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"outreach/internal/domain"
	logx "outreach/pkg/logx"
)

// Config configures storage.
type Config struct {
	Driver string
	// Path is the database file for sqlite.
	Path string
	// DSN is the connection string for postgres.
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pool default
}

// Store is the persistence API used by the supervisor and the dispatch engine.
//
// Lookups of missing records return an error wrapping domain.ErrNotFound.
// Status changes that the current state does not allow return an error
// wrapping domain.ErrInvalidTransition.
type Store interface {
	CreateTenant(ctx context.Context, t domain.Tenant) error
	GetTenant(ctx context.Context, id string) (domain.Tenant, error)
	ListTenants(ctx context.Context, activeOnly bool) ([]domain.Tenant, error)
	UpdateTenant(ctx context.Context, id string, u domain.TenantUpdate) error
	SetTenantActive(ctx context.Context, id string, active bool) error
	// PurgeTenant deletes job items, jobs, audit entries and the tenant
	// record, in that order, in one transaction.
	PurgeTenant(ctx context.Context, id string) error

	AppendAudit(ctx context.Context, e domain.AuditEntry) error
	ListAudit(ctx context.Context, tenantID string, limit int) ([]domain.AuditEntry, error)

	// CreateJob inserts the job and all of its items atomically.
	CreateJob(ctx context.Context, j domain.Job, items []domain.JobItem) error
	GetJob(ctx context.Context, id string) (domain.Job, error)
	ListJobs(ctx context.Context, f domain.JobFilter) ([]domain.Job, error)
	ListItems(ctx context.Context, jobID string) ([]domain.JobItem, error)
	GetJobStatus(ctx context.Context, id string) (domain.JobStatus, error)

	// PromoteDueJobs moves SCHEDULED jobs with ScheduledAt <= now to RUNNING
	// and returns their ids.
	PromoteDueJobs(ctx context.Context, now time.Time) ([]string, error)
	// ListRunnableJobs returns up to limit RUNNING jobs that can make
	// progress now, least recently updated first. Jobs whose tenant exists
	// but is not ONLINE are left out unless they have no items; a missing
	// tenant or an empty job is returned so the engine can fail it.
	ListRunnableJobs(ctx context.Context, limit int) ([]domain.Job, error)
	// TouchJob bumps UpdatedAt of a RUNNING job so it rotates behind the
	// others. Other statuses are left alone.
	TouchJob(ctx context.Context, id string, now time.Time) error
	// FindPendingItems returns up to limit PENDING items in insertion order.
	FindPendingItems(ctx context.Context, jobID string, limit int) ([]domain.JobItem, error)
	// MarkItemProcessing moves a PENDING item to PROCESSING.
	MarkItemProcessing(ctx context.Context, itemID string) error
	// RecordItemResult writes the item outcome and applies r.Delta to the
	// job counters in one transaction. Counters of a CANCELLED job are left
	// untouched.
	RecordItemResult(ctx context.Context, jobID string, r domain.ItemResult, now time.Time) error
	// ResetProcessingItems returns items left PROCESSING by a crashed
	// process to PENDING.
	ResetProcessingItems(ctx context.Context) (int, error)

	// TransitionJob applies a validated status change and returns the
	// updated job.
	TransitionJob(ctx context.Context, id string, to domain.JobStatus, now time.Time) (domain.Job, error)
	// CompleteJobIfDone marks a RUNNING job COMPLETED once nothing is
	// pending and reports whether it did.
	CompleteJobIfDone(ctx context.Context, id string, now time.Time) (bool, error)
	// FailJob moves a non-terminal job to FAILED with reason as LastError.
	FailJob(ctx context.Context, id string, reason string, now time.Time) error

	Close() error
}

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Comp("storage"), logx.String("driver", driver))

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
