package domain

import (
	"fmt"
	"strings"
	"time"
)

// JobKind selects the send strategy used for a job's items.
type JobKind string

const (
	KindCampaign       JobKind = "CAMPAIGN"
	KindGroupJoin      JobKind = "GROUP_JOIN"
	KindGroupBroadcast JobKind = "GROUP_BROADCAST"
)

func (k JobKind) Valid() bool {
	switch k {
	case KindCampaign, KindGroupJoin, KindGroupBroadcast:
		return true
	}
	return false
}

// ParseJobKind accepts the canonical names case-insensitively.
func ParseJobKind(s string) (JobKind, error) {
	k := JobKind(strings.ToUpper(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: unknown job kind %q", ErrInvalidJob, s)
	}
	return k, nil
}

type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobScheduled JobStatus = "SCHEDULED"
	JobRunning   JobStatus = "RUNNING"
	JobPaused    JobStatus = "PAUSED"
	JobCompleted JobStatus = "COMPLETED"
	JobCancelled JobStatus = "CANCELLED"
	JobFailed    JobStatus = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobCancelled || s == JobFailed
}

// jobTransitions lists every legal job status change.
// CANCELLED is reachable from every non-terminal state.
var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:   {JobScheduled, JobRunning, JobCancelled, JobFailed},
	JobScheduled: {JobRunning, JobCancelled, JobFailed},
	JobRunning:   {JobPaused, JobCompleted, JobCancelled, JobFailed},
	JobPaused:    {JobRunning, JobCancelled},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to JobStatus) bool {
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SourcesFor returns every status from which to is reachable.
func SourcesFor(to JobStatus) []JobStatus {
	out := make([]JobStatus, 0, 4)
	for _, from := range []JobStatus{JobPending, JobScheduled, JobRunning, JobPaused} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

type ItemStatus string

const (
	ItemPending    ItemStatus = "PENDING"
	ItemProcessing ItemStatus = "PROCESSING"
	ItemSent       ItemStatus = "SENT"
	ItemFailed     ItemStatus = "FAILED"
	ItemSkipped    ItemStatus = "SKIPPED"
)

func (s ItemStatus) Terminal() bool {
	return s == ItemSent || s == ItemFailed || s == ItemSkipped
}

// RateConfig controls pacing of one job.
type RateConfig struct {
	RatePerMinute int `json:"rate_per_minute"`
	JitterMinMs   int `json:"jitter_min_ms"`
	JitterMaxMs   int `json:"jitter_max_ms"`
}

// BatchSize is the number of items one tick may dispatch for the job:
// max(1, ceil(RatePerMinute/60)).
func (r RateConfig) BatchSize() int {
	if r.RatePerMinute <= 60 {
		return 1
	}
	return (r.RatePerMinute + 59) / 60
}

// Validate checks bounds. maxRate <= 0 disables the upper bound.
func (r RateConfig) Validate(maxRate int) error {
	if r.RatePerMinute < 1 {
		return fmt.Errorf("%w: rate_per_minute must be >= 1", ErrInvalidJob)
	}
	if maxRate > 0 && r.RatePerMinute > maxRate {
		return fmt.Errorf("%w: rate_per_minute must be <= %d", ErrInvalidJob, maxRate)
	}
	if r.JitterMinMs < 0 || r.JitterMaxMs < 0 {
		return fmt.Errorf("%w: jitter must be >= 0", ErrInvalidJob)
	}
	if r.JitterMaxMs < r.JitterMinMs {
		return fmt.Errorf("%w: jitter_max_ms must be >= jitter_min_ms", ErrInvalidJob)
	}
	return nil
}

// Counters track item outcomes of a job.
type Counters struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

func (c Counters) Processed() int { return c.Success + c.Failed + c.Skipped }
func (c Counters) Pending() int   { return c.Total - c.Processed() }

// Add applies a delta in place.
func (c *Counters) Add(d CounterDelta) {
	c.Success += d.Success
	c.Failed += d.Failed
	c.Skipped += d.Skipped
}

// CounterDelta is the change one item outcome applies to its job.
type CounterDelta struct {
	Success int
	Failed  int
	Skipped int
}

func (d CounterDelta) IsZero() bool { return d.Success == 0 && d.Failed == 0 && d.Skipped == 0 }

// Job is a persisted unit of bulk work.
type Job struct {
	ID          string     `json:"id"`
	Kind        JobKind    `json:"kind"`
	TenantID    string     `json:"tenant_id"`
	Name        string     `json:"name,omitempty"`
	Status      JobStatus  `json:"status"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	Rate        RateConfig `json:"rate"`
	Counters    Counters   `json:"counters"`
	Payload     []byte     `json:"payload,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// JobItem is one unit of work inside a job.
type JobItem struct {
	ID         string     `json:"id"`
	JobID      string     `json:"job_id"`
	Seq        int        `json:"seq"`
	Target     string     `json:"target"`
	Payload    []byte     `json:"payload,omitempty"`
	Status     ItemStatus `json:"status"`
	Tries      int        `json:"tries"`
	MaxTries   int        `json:"max_tries"`
	LastError  string     `json:"last_error,omitempty"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
	ExternalID string     `json:"external_id,omitempty"`
}

// ItemResult is the outcome of one send attempt, committed together with
// its counter delta.
type ItemResult struct {
	ItemID     string
	Status     ItemStatus
	Tries      int
	LastError  string
	SentAt     *time.Time
	ExternalID string
	Delta      CounterDelta
}

// JobFilter narrows job listings. Zero values match everything.
type JobFilter struct {
	TenantID string
	Status   JobStatus
	Limit    int
}
