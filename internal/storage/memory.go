package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"outreach/internal/domain"
)

// Memory is a process-local Store. Values are copied in and out so callers
// never share state with the store.
type Memory struct {
	mu      sync.RWMutex
	tenants map[string]domain.Tenant
	jobs    map[string]*domain.Job
	items   map[string][]*domain.JobItem // job id -> items in seq order
	itemJob map[string]string            // item id -> job id
	audit   []domain.AuditEntry
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		tenants: map[string]domain.Tenant{},
		jobs:    map[string]*domain.Job{},
		items:   map[string][]*domain.JobItem{},
		itemJob: map[string]string{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateTenant(_ context.Context, t domain.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[t.ID]; ok {
		return fmt.Errorf("%w: tenant %s already exists", domain.ErrInvalidTenant, t.ID)
	}
	m.tenants[t.ID] = cloneTenant(t)
	return nil
}

func (m *Memory) GetTenant(_ context.Context, id string) (domain.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return domain.Tenant{}, fmt.Errorf("tenant %s: %w", id, domain.ErrNotFound)
	}
	return cloneTenant(t), nil
}

func (m *Memory) ListTenants(_ context.Context, activeOnly bool) ([]domain.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		if activeOnly && !t.IsActive {
			continue
		}
		out = append(out, cloneTenant(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) UpdateTenant(_ context.Context, id string, u domain.TenantUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return fmt.Errorf("tenant %s: %w", id, domain.ErrNotFound)
	}
	t.Status = u.Status
	t.LastError = u.LastError
	if !u.LastOnline.IsZero() {
		t.LastOnline = u.LastOnline
	}
	t.UpdatedAt = time.Now()
	m.tenants[id] = t
	return nil
}

func (m *Memory) SetTenantActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return fmt.Errorf("tenant %s: %w", id, domain.ErrNotFound)
	}
	t.IsActive = active
	t.UpdatedAt = time.Now()
	m.tenants[id] = t
	return nil
}

func (m *Memory) PurgeTenant(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[id]; !ok {
		return fmt.Errorf("tenant %s: %w", id, domain.ErrNotFound)
	}
	for jid, j := range m.jobs {
		if j.TenantID != id {
			continue
		}
		for _, it := range m.items[jid] {
			delete(m.itemJob, it.ID)
		}
		delete(m.items, jid)
		delete(m.jobs, jid)
	}
	kept := m.audit[:0]
	for _, e := range m.audit {
		if e.TenantID != id {
			kept = append(kept, e)
		}
	}
	m.audit = kept
	delete(m.tenants, id)
	return nil
}

func (m *Memory) AppendAudit(_ context.Context, e domain.AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.mu.Lock()
	m.audit = append(m.audit, e)
	m.mu.Unlock()
	return nil
}

// ListAudit returns the newest entries first.
func (m *Memory) ListAudit(_ context.Context, tenantID string, limit int) ([]domain.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.AuditEntry, 0)
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if tenantID != "" && e.TenantID != tenantID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) CreateJob(_ context.Context, j domain.Job, items []domain.JobItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return fmt.Errorf("%w: job %s already exists", domain.ErrInvalidJob, j.ID)
	}
	for _, it := range items {
		if _, ok := m.itemJob[it.ID]; ok {
			return fmt.Errorf("%w: item %s already exists", domain.ErrInvalidJob, it.ID)
		}
	}
	jc := cloneJob(j)
	m.jobs[j.ID] = &jc
	list := make([]*domain.JobItem, 0, len(items))
	for _, it := range items {
		ic := cloneItem(it)
		ic.JobID = j.ID
		list = append(list, &ic)
		m.itemJob[it.ID] = j.ID
	}
	sort.SliceStable(list, func(a, b int) bool { return list[a].Seq < list[b].Seq })
	m.items[j.ID] = list
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return cloneJob(*j), nil
}

// ListJobs returns the newest jobs first.
func (m *Memory) ListJobs(_ context.Context, f domain.JobFilter) ([]domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Job, 0)
	for _, j := range m.jobs {
		if f.TenantID != "" && j.TenantID != f.TenantID {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		out = append(out, cloneJob(*j))
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) ListItems(_ context.Context, jobID string) ([]domain.JobItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.jobs[jobID]; !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	out := make([]domain.JobItem, 0, len(m.items[jobID]))
	for _, it := range m.items[jobID] {
		out = append(out, cloneItem(*it))
	}
	return out, nil
}

func (m *Memory) GetJobStatus(_ context.Context, id string) (domain.JobStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return "", fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return j.Status, nil
}

func (m *Memory) PromoteDueJobs(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, j := range m.jobs {
		if j.Status != domain.JobScheduled || j.ScheduledAt == nil || j.ScheduledAt.After(now) {
			continue
		}
		j.Status = domain.JobRunning
		j.UpdatedAt = now
		if j.StartedAt == nil {
			t := now
			j.StartedAt = &t
		}
		ids = append(ids, j.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) ListRunnableJobs(_ context.Context, limit int) ([]domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Job, 0)
	for _, j := range m.jobs {
		if j.Status != domain.JobRunning {
			continue
		}
		if t, ok := m.tenants[j.TenantID]; ok && t.Status != domain.ConnOnline && j.Counters.Total > 0 {
			continue
		}
		out = append(out, cloneJob(*j))
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].UpdatedAt.Equal(out[b].UpdatedAt) {
			return out[a].UpdatedAt.Before(out[b].UpdatedAt)
		}
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) TouchJob(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if j.Status == domain.JobRunning {
		j.UpdatedAt = now
	}
	return nil
}

func (m *Memory) FindPendingItems(_ context.Context, jobID string, limit int) ([]domain.JobItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.JobItem, 0)
	for _, it := range m.items[jobID] {
		if it.Status != domain.ItemPending {
			continue
		}
		out = append(out, cloneItem(*it))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkItemProcessing(_ context.Context, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.itemLocked(itemID)
	if err != nil {
		return err
	}
	if it.Status != domain.ItemPending {
		return fmt.Errorf("%w: item %s is %s", domain.ErrInvalidTransition, itemID, it.Status)
	}
	it.Status = domain.ItemProcessing
	return nil
}

func (m *Memory) RecordItemResult(_ context.Context, jobID string, r domain.ItemResult, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	it, err := m.itemLocked(r.ItemID)
	if err != nil {
		return err
	}
	if it.JobID != jobID {
		return fmt.Errorf("item %s of job %s: %w", r.ItemID, jobID, domain.ErrNotFound)
	}
	it.Status = r.Status
	it.Tries = r.Tries
	it.LastError = r.LastError
	it.SentAt = cloneTime(r.SentAt)
	if r.ExternalID != "" {
		it.ExternalID = r.ExternalID
	}
	if j.Status != domain.JobCancelled {
		j.Counters.Add(r.Delta)
		j.UpdatedAt = now
	}
	return nil
}

func (m *Memory) ResetProcessingItems(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, list := range m.items {
		for _, it := range list {
			if it.Status == domain.ItemProcessing {
				it.Status = domain.ItemPending
				n++
			}
		}
	}
	return n, nil
}

func (m *Memory) TransitionJob(_ context.Context, id string, to domain.JobStatus, now time.Time) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if !domain.CanTransition(j.Status, to) {
		return domain.Job{}, fmt.Errorf("%w: job %s %s -> %s", domain.ErrInvalidTransition, id, j.Status, to)
	}
	applyTransition(j, to, now)
	return cloneJob(*j), nil
}

func (m *Memory) CompleteJobIfDone(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if j.Status != domain.JobRunning || j.Counters.Pending() > 0 {
		return false, nil
	}
	applyTransition(j, domain.JobCompleted, now)
	return true, nil
}

func (m *Memory) FailJob(_ context.Context, id string, reason string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if !domain.CanTransition(j.Status, domain.JobFailed) {
		return fmt.Errorf("%w: job %s %s -> %s", domain.ErrInvalidTransition, id, j.Status, domain.JobFailed)
	}
	j.LastError = reason
	applyTransition(j, domain.JobFailed, now)
	return nil
}

func (m *Memory) itemLocked(id string) (*domain.JobItem, error) {
	jid, ok := m.itemJob[id]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, domain.ErrNotFound)
	}
	for _, it := range m.items[jid] {
		if it.ID == id {
			return it, nil
		}
	}
	return nil, fmt.Errorf("item %s: %w", id, domain.ErrNotFound)
}

func applyTransition(j *domain.Job, to domain.JobStatus, now time.Time) {
	j.Status = to
	j.UpdatedAt = now
	if to == domain.JobRunning && j.StartedAt == nil {
		t := now
		j.StartedAt = &t
	}
	if to.Terminal() {
		t := now
		j.CompletedAt = &t
	}
}

func cloneTenant(t domain.Tenant) domain.Tenant {
	if t.Auth != nil {
		t.Auth = append([]byte(nil), t.Auth...)
	}
	return t
}

func cloneJob(j domain.Job) domain.Job {
	if j.Payload != nil {
		j.Payload = append([]byte(nil), j.Payload...)
	}
	j.ScheduledAt = cloneTime(j.ScheduledAt)
	j.StartedAt = cloneTime(j.StartedAt)
	j.CompletedAt = cloneTime(j.CompletedAt)
	return j
}

func cloneItem(it domain.JobItem) domain.JobItem {
	if it.Payload != nil {
		it.Payload = append([]byte(nil), it.Payload...)
	}
	it.SentAt = cloneTime(it.SentAt)
	return it
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
