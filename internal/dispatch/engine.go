package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"outreach/internal/connector"
	"outreach/internal/domain"
	"outreach/internal/eventbus"
	rsup "outreach/internal/runtime/supervisor"
	"outreach/internal/storage"
	logx "outreach/pkg/logx"
)

// ErrTickInProgress is returned by Tick when another tick is still running.
var ErrTickInProgress = errors.New("dispatch tick already in progress")

// Config tunes the engine. Zero values take defaults.
type Config struct {
	// Schedule drives the tick loop; see ParseSchedule. Default "1s".
	Schedule string
	// MaxJobsPerTick bounds how many RUNNING jobs one tick advances. Default 10.
	MaxJobsPerTick int
	// MaxRatePerMinute is the upper bound accepted for a job's rate. Default 3600.
	MaxRatePerMinute int
	// DefaultMaxTries applies to items created without their own. Default 3.
	DefaultMaxTries int
	// TenantRatePerSec caps sends per tenant across all of its jobs. 0 disables.
	TenantRatePerSec float64
	// SendTimeout bounds a single send. Default 30s.
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = "1s"
	}
	if c.MaxJobsPerTick <= 0 {
		c.MaxJobsPerTick = 10
	}
	if c.MaxRatePerMinute <= 0 {
		c.MaxRatePerMinute = 3600
	}
	if c.DefaultMaxTries <= 0 {
		c.DefaultMaxTries = 3
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	return c
}

// Resolver looks up the live connector of an ONLINE tenant.
type Resolver interface {
	Connector(tenantID string) (connector.Connector, bool)
}

type Options struct {
	Config    Config
	Store     storage.Store
	Resolver  Resolver
	Publisher eventbus.Publisher
	Logger    logx.Logger
	// Senders overrides strategies per kind; missing kinds use DefaultSenders.
	Senders map[domain.JobKind]Sender

	// Now, Sleep and Intn are injectable for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	Intn  func(n int) int
}

// Engine is the process-wide job scheduler.
type Engine struct {
	store    storage.Store
	resolver Resolver
	pub      eventbus.Publisher
	log      logx.Logger
	senders  map[domain.JobKind]Sender
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	intn     func(n int) int

	mu       sync.Mutex
	cfg      Config
	limiters *tenantLimiters
	rt       *rsup.Supervisor

	ticking atomic.Bool
	wake    chan struct{}

	ticks        atomic.Uint64
	skipped      atomic.Uint64
	itemsSent    atomic.Uint64
	itemsFailed  atomic.Uint64
	itemsSkipped atomic.Uint64
	statMu       sync.Mutex
	lastTickAt   time.Time
	lastTickDur  time.Duration
	lastErr      string
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("dispatch: store is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("dispatch: connector resolver is required")
	}
	cfg := opts.Config.withDefaults()
	if _, err := ParseSchedule(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("dispatch schedule: %w", err)
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	pub := opts.Publisher
	if pub == nil {
		pub = eventbus.Nop{}
	}
	senders := DefaultSenders()
	for k, s := range opts.Senders {
		senders[k] = s
	}
	e := &Engine{
		store:    opts.Store,
		resolver: opts.Resolver,
		pub:      pub,
		log:      log.With(logx.Comp("dispatch")),
		senders:  senders,
		now:      opts.Now,
		sleep:    opts.Sleep,
		intn:     opts.Intn,
		cfg:      cfg,
		limiters: newTenantLimiters(cfg.TenantRatePerSec),
		wake:     make(chan struct{}, 1),
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.sleep == nil {
		e.sleep = sleepCtx
	}
	if e.intn == nil {
		var rmu sync.Mutex
		r := rand.New(rand.NewSource(time.Now().UnixNano()))
		e.intn = func(n int) int {
			rmu.Lock()
			defer rmu.Unlock()
			return r.Intn(n)
		}
	}
	return e, nil
}

func (e *Engine) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Apply hot-swaps the per-tick limits. The tick schedule only changes on
// the next Start.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	e.mu.Lock()
	old := e.cfg
	e.cfg = cfg
	if old.TenantRatePerSec != cfg.TenantRatePerSec {
		e.limiters = newTenantLimiters(cfg.TenantRatePerSec)
	}
	e.mu.Unlock()
	e.log.Info("dispatch config applied",
		logx.Int("max_jobs_per_tick", cfg.MaxJobsPerTick),
		logx.Any("tenant_rate_per_sec", cfg.TenantRatePerSec))
}

// Start resets items left PROCESSING by a previous process and runs the
// tick loop until Stop. Calling Start twice is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.rt != nil {
		e.mu.Unlock()
		return nil
	}
	cfg := e.cfg
	e.mu.Unlock()

	parsed, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return err
	}
	sched, err := parsed.Schedule()
	if err != nil {
		return err
	}
	if n, err := e.store.ResetProcessingItems(ctx); err != nil {
		return fmt.Errorf("reset processing items: %w", err)
	} else if n > 0 {
		e.log.Warn("requeued items interrupted by restart", logx.Int("items", n))
	}

	rt := rsup.New(context.Background(), rsup.WithLogger(e.log))
	e.mu.Lock()
	if e.rt != nil {
		e.mu.Unlock()
		return nil
	}
	e.rt = rt
	e.mu.Unlock()

	rt.GoRestart("dispatch.loop", func(ctx context.Context) error {
		for {
			wait := time.Until(sched.Next(time.Now()))
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-e.wake:
				t.Stop()
			case <-t.C:
			}
			if err := e.Tick(ctx); err != nil && !errors.Is(err, ErrTickInProgress) && ctx.Err() == nil {
				e.log.Warn("dispatch tick failed", logx.Err(err))
			}
		}
	})
	e.log.Info("dispatch engine started", logx.String("schedule", cfg.Schedule))
	return nil
}

// Stop ends the tick loop. An in-flight send is allowed to finish within ctx.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	rt := e.rt
	e.rt = nil
	e.mu.Unlock()
	if rt == nil {
		return nil
	}
	err := rt.Stop(ctx)
	e.log.Info("dispatch engine stopped")
	return err
}

// Wake requests an immediate tick from the loop. Non-blocking.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// JobSpec describes a job to create.
type JobSpec struct {
	Kind        domain.JobKind
	TenantID    string
	Name        string
	ScheduledAt *time.Time
	Rate        domain.RateConfig
	Payload     []byte
	// MaxTries applies to every item. Zero uses Config.DefaultMaxTries.
	MaxTries int
	// Draft creates the job PENDING; StartJob releases it.
	Draft bool
	Items []ItemSpec
}

type ItemSpec struct {
	Target  string
	Payload []byte
}

// CreateJob validates and persists a job with all of its items.
//
// The job starts RUNNING, or SCHEDULED when ScheduledAt is in the future, or
// PENDING when spec.Draft is set.
func (e *Engine) CreateJob(ctx context.Context, spec JobSpec) (domain.Job, error) {
	cfg := e.config()
	if !spec.Kind.Valid() {
		return domain.Job{}, fmt.Errorf("%w: unknown job kind %q", domain.ErrInvalidJob, spec.Kind)
	}
	if err := spec.Rate.Validate(cfg.MaxRatePerMinute); err != nil {
		return domain.Job{}, err
	}
	if spec.MaxTries < 0 {
		return domain.Job{}, fmt.Errorf("%w: max_tries must be >= 0", domain.ErrInvalidJob)
	}
	maxTries := spec.MaxTries
	if maxTries == 0 {
		maxTries = cfg.DefaultMaxTries
	}
	if _, err := e.store.GetTenant(ctx, spec.TenantID); err != nil {
		return domain.Job{}, err
	}

	now := e.now()
	job := domain.Job{
		ID:          domain.NewID(),
		Kind:        spec.Kind,
		TenantID:    spec.TenantID,
		Name:        strings.TrimSpace(spec.Name),
		ScheduledAt: spec.ScheduledAt,
		Rate:        spec.Rate,
		Counters:    domain.Counters{Total: len(spec.Items)},
		Payload:     spec.Payload,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	switch {
	case spec.Draft:
		job.Status = domain.JobPending
	case spec.ScheduledAt != nil && spec.ScheduledAt.After(now):
		job.Status = domain.JobScheduled
	default:
		job.Status = domain.JobRunning
		job.StartedAt = &now
	}

	items := make([]domain.JobItem, 0, len(spec.Items))
	for i, it := range spec.Items {
		target := strings.TrimSpace(it.Target)
		if target == "" {
			return domain.Job{}, fmt.Errorf("%w: item %d has an empty target", domain.ErrInvalidJob, i)
		}
		items = append(items, domain.JobItem{
			ID:       domain.NewID(),
			JobID:    job.ID,
			Seq:      i,
			Target:   target,
			Payload:  it.Payload,
			Status:   domain.ItemPending,
			MaxTries: maxTries,
		})
	}

	if err := e.store.CreateJob(ctx, job, items); err != nil {
		return domain.Job{}, fmt.Errorf("create job: %w", err)
	}
	e.log.Info("job created", logx.Job(job.ID), logx.Tenant(job.TenantID),
		logx.String("kind", string(job.Kind)), logx.String("status", string(job.Status)), logx.Int("items", len(items)))
	e.publishJob(job)
	if job.Status == domain.JobRunning {
		e.Wake()
	}
	return job, nil
}

// StartJob releases a PENDING job, to SCHEDULED if its time has not come yet.
func (e *Engine) StartJob(ctx context.Context, id string) (domain.Job, error) {
	job, err := e.store.GetJob(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status != domain.JobPending {
		return domain.Job{}, fmt.Errorf("%w: job %s is %s", domain.ErrInvalidTransition, id, job.Status)
	}
	to := domain.JobRunning
	if job.ScheduledAt != nil && job.ScheduledAt.After(e.now()) {
		to = domain.JobScheduled
	}
	return e.transition(ctx, id, to)
}

// PauseJob stops a RUNNING job at the next item boundary.
func (e *Engine) PauseJob(ctx context.Context, id string) (domain.Job, error) {
	return e.transition(ctx, id, domain.JobPaused)
}

func (e *Engine) ResumeJob(ctx context.Context, id string) (domain.Job, error) {
	st, err := e.store.GetJobStatus(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if st != domain.JobPaused {
		return domain.Job{}, fmt.Errorf("%w: job %s is %s", domain.ErrInvalidTransition, id, st)
	}
	return e.transition(ctx, id, domain.JobRunning)
}

// CancelJob is terminal; the job's counters never change afterwards.
func (e *Engine) CancelJob(ctx context.Context, id string) (domain.Job, error) {
	return e.transition(ctx, id, domain.JobCancelled)
}

func (e *Engine) transition(ctx context.Context, id string, to domain.JobStatus) (domain.Job, error) {
	job, err := e.store.TransitionJob(ctx, id, to, e.now())
	if err != nil {
		return domain.Job{}, err
	}
	e.log.Info("job status changed", logx.Job(id), logx.String("status", string(to)))
	e.publishJob(job)
	if to == domain.JobRunning {
		e.Wake()
	}
	return job, nil
}

func (e *Engine) JobStatus(ctx context.Context, id string) (domain.Job, error) {
	return e.store.GetJob(ctx, id)
}

func (e *Engine) ListJobs(ctx context.Context, f domain.JobFilter) ([]domain.Job, error) {
	return e.store.ListJobs(ctx, f)
}

func (e *Engine) JobItems(ctx context.Context, id string) ([]domain.JobItem, error) {
	return e.store.ListItems(ctx, id)
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running          bool          `json:"running"`
	Ticks            uint64        `json:"ticks"`
	SkippedTicks     uint64        `json:"skipped_ticks"`
	ItemsSent        uint64        `json:"items_sent"`
	ItemsFailed      uint64        `json:"items_failed"`
	ItemsSkipped     uint64        `json:"items_skipped"`
	LastTickAt       time.Time     `json:"last_tick_at,omitempty"`
	LastTickDuration time.Duration `json:"last_tick_duration"`
	LastError        string        `json:"last_error,omitempty"`
	Config           Config        `json:"config"`
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	running := e.rt != nil
	cfg := e.cfg
	e.mu.Unlock()
	e.statMu.Lock()
	defer e.statMu.Unlock()
	return Snapshot{
		Running:          running,
		Ticks:            e.ticks.Load(),
		SkippedTicks:     e.skipped.Load(),
		ItemsSent:        e.itemsSent.Load(),
		ItemsFailed:      e.itemsFailed.Load(),
		ItemsSkipped:     e.itemsSkipped.Load(),
		LastTickAt:       e.lastTickAt,
		LastTickDuration: e.lastTickDur,
		LastError:        e.lastErr,
		Config:           cfg,
	}
}

// JobUpdate is the payload of job.status and job.progress events.
type JobUpdate struct {
	JobID     string           `json:"job_id"`
	Kind      domain.JobKind   `json:"kind"`
	Status    domain.JobStatus `json:"status"`
	Counters  domain.Counters  `json:"counters"`
	LastError string           `json:"last_error,omitempty"`
}

// ItemUpdate is the payload of job.item events.
type ItemUpdate struct {
	ItemID    string            `json:"item_id"`
	Target    string            `json:"target"`
	Status    domain.ItemStatus `json:"status"`
	Tries     int               `json:"tries"`
	LastError string            `json:"last_error,omitempty"`
}

func (e *Engine) publishJob(job domain.Job) {
	e.publish(eventbus.KindJobStatus, job)
}

func (e *Engine) publish(kind string, job domain.Job) {
	e.pub.Publish(eventbus.Event{
		Kind:     kind,
		TenantID: job.TenantID,
		JobID:    job.ID,
		Time:     e.now(),
		Payload:  JobUpdate{JobID: job.ID, Kind: job.Kind, Status: job.Status, Counters: job.Counters, LastError: job.LastError},
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
