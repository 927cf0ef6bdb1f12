package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/connector"
	"outreach/internal/connector/connectortest"
	"outreach/internal/domain"
	"outreach/internal/eventbus"
	"outreach/internal/storage"
	logx "outreach/pkg/logx"
)

type staticResolver struct {
	mu    sync.Mutex
	conns map[string]connector.Connector
}

func (r *staticResolver) Connector(id string) (connector.Connector, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	return c, ok
}

type harness struct {
	engine *Engine
	store  *storage.Memory
	fake   *connectortest.Fake
	bus    eventbus.Bus

	mu     sync.Mutex
	sleeps []time.Duration
}

const tenantID = "tenant-1"

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	store := storage.NewMemory()
	now := time.Now()
	require.NoError(t, store.CreateTenant(context.Background(), domain.Tenant{
		ID: tenantID, Name: "acme", Driver: "fake", IsActive: true, Status: domain.ConnOnline,
		CreatedAt: now, UpdatedAt: now,
	}))
	fake := connectortest.NewFake()
	h := &harness{store: store, fake: fake, bus: eventbus.New()}
	opts := Options{
		Store:     store,
		Resolver:  &staticResolver{conns: map[string]connector.Connector{tenantID: fake}},
		Publisher: h.bus,
		Logger:    logx.Nop(),
		Sleep: func(_ context.Context, d time.Duration) error {
			h.mu.Lock()
			h.sleeps = append(h.sleeps, d)
			h.mu.Unlock()
			return nil
		},
		Intn: func(n int) int { return n - 1 },
	}
	for _, m := range mutate {
		m(&opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	h.engine = e
	return h
}

func (h *harness) create(t *testing.T, ratePerMinute, n, maxTries int) domain.Job {
	t.Helper()
	items := make([]ItemSpec, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, ItemSpec{Target: fmt.Sprintf("user-%d", i)})
	}
	job, err := h.engine.CreateJob(context.Background(), JobSpec{
		Kind:     domain.KindCampaign,
		TenantID: tenantID,
		Name:     "spring promo",
		Rate:     domain.RateConfig{RatePerMinute: ratePerMinute},
		Payload:  []byte("hello"),
		MaxTries: maxTries,
		Items:    items,
	})
	require.NoError(t, err)
	return job
}

func (h *harness) job(t *testing.T, id string) domain.Job {
	t.Helper()
	j, err := h.engine.JobStatus(context.Background(), id)
	require.NoError(t, err)
	requireBalanced(t, h.store, j)
	return j
}

// requireBalanced checks success+failed+skipped+pending == total against the
// items themselves.
func requireBalanced(t *testing.T, s storage.Store, j domain.Job) {
	t.Helper()
	items, err := s.ListItems(context.Background(), j.ID)
	require.NoError(t, err)
	var pending int
	for _, it := range items {
		if !it.Status.Terminal() {
			pending++
		}
	}
	require.Equal(t, j.Counters.Total, len(items))
	require.LessOrEqual(t, j.Counters.Processed(), j.Counters.Total)
	// A result committed after cancellation leaves counters behind the items.
	if j.Status != domain.JobCancelled {
		require.Equal(t, j.Counters.Total, j.Counters.Processed()+pending)
	}
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, h.engine.Tick(context.Background()))
}

func TestCreateJobValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	item := []ItemSpec{{Target: "x"}}
	rate := domain.RateConfig{RatePerMinute: 60}

	_, err := h.engine.CreateJob(ctx, JobSpec{Kind: "FAX", TenantID: tenantID, Rate: rate, Items: item})
	require.ErrorIs(t, err, domain.ErrInvalidJob)
	_, err = h.engine.CreateJob(ctx, JobSpec{Kind: domain.KindCampaign, TenantID: tenantID, Items: item})
	require.ErrorIs(t, err, domain.ErrInvalidJob)
	_, err = h.engine.CreateJob(ctx, JobSpec{Kind: domain.KindCampaign, TenantID: tenantID, Rate: domain.RateConfig{RatePerMinute: 100000}, Items: item})
	require.ErrorIs(t, err, domain.ErrInvalidJob)
	_, err = h.engine.CreateJob(ctx, JobSpec{Kind: domain.KindCampaign, TenantID: tenantID, Rate: domain.RateConfig{RatePerMinute: 60, JitterMinMs: 50, JitterMaxMs: 10}, Items: item})
	require.ErrorIs(t, err, domain.ErrInvalidJob)
	_, err = h.engine.CreateJob(ctx, JobSpec{Kind: domain.KindCampaign, TenantID: "ghost", Rate: rate, Items: item})
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.engine.CreateJob(ctx, JobSpec{Kind: domain.KindCampaign, TenantID: tenantID, Rate: rate, Items: []ItemSpec{{Target: " "}}})
	require.ErrorIs(t, err, domain.ErrInvalidJob)

	now := time.Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)
	tests := []struct {
		name string
		spec JobSpec
		want domain.JobStatus
	}{
		{name: "immediate", spec: JobSpec{}, want: domain.JobRunning},
		{name: "past schedule", spec: JobSpec{ScheduledAt: &past}, want: domain.JobRunning},
		{name: "future schedule", spec: JobSpec{ScheduledAt: &future}, want: domain.JobScheduled},
		{name: "draft", spec: JobSpec{Draft: true}, want: domain.JobPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := tt.spec
			spec.Kind, spec.TenantID, spec.Rate, spec.Items = domain.KindCampaign, tenantID, rate, item
			job, err := h.engine.CreateJob(ctx, spec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, job.Status)
			items, err := h.engine.JobItems(ctx, job.ID)
			require.NoError(t, err)
			require.Len(t, items, 1)
			assert.Equal(t, 3, items[0].MaxTries, "default max tries")
		})
	}
}

func TestRateBoundsBatchSize(t *testing.T) {
	tests := []struct {
		rate int
		want int
	}{
		{rate: 60, want: 1},
		{rate: 1, want: 1},
		{rate: 120, want: 2},
		{rate: 600, want: 10},
		{rate: 3600, want: 10},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("rate=%d", tt.rate), func(t *testing.T) {
			h := newHarness(t)
			job := h.create(t, tt.rate, 10, 3)
			h.tick(t)
			assert.Len(t, h.fake.Sent(), tt.want)
			assert.Equal(t, tt.want, h.job(t, job.ID).Counters.Success)
		})
	}
}

func TestFullBatchCompletesInOneTick(t *testing.T) {
	h := newHarness(t)
	events, unsub := h.bus.Subscribe(64)
	defer unsub()
	job := h.create(t, 300, 5, 3)

	h.tick(t)

	got := h.job(t, job.ID)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, 5, got.Counters.Success)
	assert.Zero(t, got.Counters.Failed)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, []string{"user-0", "user-1", "user-2", "user-3", "user-4"}, h.fake.Sent())

	items, err := h.engine.JobItems(context.Background(), job.ID)
	require.NoError(t, err)
	for _, it := range items {
		assert.Equal(t, domain.ItemSent, it.Status)
		assert.Equal(t, 1, it.Tries)
		assert.NotEmpty(t, it.ExternalID)
		require.NotNil(t, it.SentAt)
	}

	var sawCompleted bool
	itemEvents := 0
	for len(events) > 0 {
		e := <-events
		if e.Kind == eventbus.KindJobItem {
			itemEvents++
		}
		if u, ok := e.Payload.(JobUpdate); ok && e.Kind == eventbus.KindJobStatus && u.Status == domain.JobCompleted {
			sawCompleted = true
		}
	}
	assert.Equal(t, 5, itemEvents)
	assert.True(t, sawCompleted)
}

func TestPauseAndResumeWithoutDuplicates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.create(t, 120, 5, 3)

	h.tick(t)
	assert.Equal(t, 2, h.job(t, job.ID).Counters.Success)

	_, err := h.engine.PauseJob(ctx, job.ID)
	require.NoError(t, err)
	h.tick(t)
	h.tick(t)
	assert.Len(t, h.fake.Sent(), 2, "paused job must not dispatch")

	_, err = h.engine.ResumeJob(ctx, job.ID)
	require.NoError(t, err)
	for i := 0; i < 5 && h.job(t, job.ID).Status == domain.JobRunning; i++ {
		h.tick(t)
	}

	got := h.job(t, job.ID)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, 5, got.Counters.Success)
	for i := 0; i < 5; i++ {
		assert.Equal(t, 1, h.fake.Attempts(fmt.Sprintf("user-%d", i)), "no item is processed twice")
	}
}

func TestPauseMidBatchStopsBeforeNextItem(t *testing.T) {
	h := newHarness(t)
	var jobID string
	h.fake.SendFunc = func(target string, _ []byte, _ int) error {
		if target == "user-0" {
			_, err := h.engine.PauseJob(context.Background(), jobID)
			return err
		}
		return nil
	}
	job := h.create(t, 600, 10, 3)
	jobID = job.ID

	h.tick(t)

	got := h.job(t, job.ID)
	assert.Equal(t, domain.JobPaused, got.Status)
	assert.Equal(t, 1, got.Counters.Success, "in-flight send finishes")
	assert.Equal(t, []string{"user-0"}, h.fake.Sent())

	items, err := h.store.FindPendingItems(context.Background(), job.ID, 0)
	require.NoError(t, err)
	assert.Len(t, items, 9, "no item moved to PROCESSING after the pause")
}

func TestCancelIsTerminal(t *testing.T) {
	h := newHarness(t)
	var jobID string
	h.fake.SendFunc = func(target string, _ []byte, _ int) error {
		if target == "user-1" {
			_, err := h.engine.CancelJob(context.Background(), jobID)
			return err
		}
		return nil
	}
	job := h.create(t, 600, 5, 3)
	jobID = job.ID

	h.tick(t)
	got := h.job(t, job.ID)
	assert.Equal(t, domain.JobCancelled, got.Status)
	assert.Equal(t, 1, got.Counters.Success, "result committed after cancel leaves counters untouched")
	frozen := got.Counters

	h.tick(t)
	h.tick(t)
	assert.Equal(t, frozen, h.job(t, job.ID).Counters)
	assert.Len(t, h.fake.Sent(), 2)

	_, err := h.engine.ResumeJob(context.Background(), job.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = h.engine.CancelJob(context.Background(), job.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestTransientFailuresExhaustTries(t *testing.T) {
	h := newHarness(t)
	h.fake.SendFunc = func(string, []byte, int) error { return connectortest.ErrTransient }
	job := h.create(t, 60, 1, 3)

	for i := 0; i < 5 && h.job(t, job.ID).Status == domain.JobRunning; i++ {
		h.tick(t)
	}

	got := h.job(t, job.ID)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, 1, got.Counters.Failed)
	items, err := h.engine.JobItems(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemFailed, items[0].Status)
	assert.Equal(t, 3, items[0].Tries)
	assert.Equal(t, 3, h.fake.Attempts("user-0"))
	assert.Contains(t, items[0].LastError, "transient")
}

func TestRetrySucceedsOnThirdTry(t *testing.T) {
	h := newHarness(t)
	h.fake.SendFunc = func(_ string, _ []byte, attempt int) error {
		if attempt < 3 {
			return connectortest.ErrTransient
		}
		return nil
	}
	job := h.create(t, 60, 1, 5)

	for i := 0; i < 5 && h.job(t, job.ID).Status == domain.JobRunning; i++ {
		h.tick(t)
	}

	got := h.job(t, job.ID)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, 1, got.Counters.Success)
	assert.Zero(t, got.Counters.Failed)
	items, err := h.engine.JobItems(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemSent, items[0].Status)
	assert.Equal(t, 3, items[0].Tries)
}

func TestPermanentFailureSkipsWithoutTry(t *testing.T) {
	h := newHarness(t)
	h.fake.SendFunc = func(target string, _ []byte, _ int) error {
		if target == "user-1" {
			return domain.Permanent(errors.New("opted out"))
		}
		return nil
	}
	job := h.create(t, 300, 3, 3)
	h.tick(t)

	got := h.job(t, job.ID)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, 2, got.Counters.Success)
	assert.Equal(t, 1, got.Counters.Skipped)
	items, err := h.engine.JobItems(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemSkipped, items[1].Status)
	assert.Zero(t, items[1].Tries)
}

func TestSetupFaultsFailJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now()

	empty, err := h.engine.CreateJob(ctx, JobSpec{Kind: domain.KindCampaign, TenantID: tenantID, Rate: domain.RateConfig{RatePerMinute: 60}})
	require.NoError(t, err)

	orphan := domain.Job{ID: "orphan", Kind: domain.KindCampaign, TenantID: "ghost", Status: domain.JobRunning,
		Rate: domain.RateConfig{RatePerMinute: 60}, Counters: domain.Counters{Total: 1}, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, h.store.CreateJob(ctx, orphan, []domain.JobItem{{ID: "o-1", Target: "x", Status: domain.ItemPending, MaxTries: 3}}))

	odd := domain.Job{ID: "odd", Kind: "FAX", TenantID: tenantID, Status: domain.JobRunning,
		Rate: domain.RateConfig{RatePerMinute: 60}, Counters: domain.Counters{Total: 1}, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, h.store.CreateJob(ctx, odd, []domain.JobItem{{ID: "f-1", Target: "x", Status: domain.ItemPending, MaxTries: 3}}))

	h.tick(t)

	for id, reason := range map[string]string{empty.ID: "no items", "orphan": "not found", "odd": "unknown job kind"} {
		got := h.job(t, id)
		assert.Equal(t, domain.JobFailed, got.Status, id)
		assert.Contains(t, got.LastError, reason, id)
	}
	assert.Empty(t, h.fake.Sent())
}

func TestOfflineTenantLeavesJobUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.create(t, 60, 2, 3)
	require.NoError(t, h.store.UpdateTenant(ctx, tenantID, domain.TenantUpdate{Status: domain.ConnOffline}))

	h.tick(t)
	got := h.job(t, job.ID)
	assert.Equal(t, domain.JobRunning, got.Status)
	assert.Zero(t, got.Counters.Processed())
	assert.Empty(t, h.fake.Sent())

	require.NoError(t, h.store.UpdateTenant(ctx, tenantID, domain.TenantUpdate{Status: domain.ConnOnline}))
	h.tick(t)
	assert.Equal(t, 1, h.job(t, job.ID).Counters.Success)
}

// steppingClock advances a millisecond per reading so UpdatedAt ordering is
// deterministic.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Now()
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

func oneJobPerTick(o *Options) {
	o.Config.MaxJobsPerTick = 1
	o.Now = steppingClock()
}

func (h *harness) addTenant(t *testing.T, id string, status domain.ConnStatus) {
	t.Helper()
	now := time.Now()
	require.NoError(t, h.store.CreateTenant(context.Background(), domain.Tenant{
		ID: id, Name: id, Driver: "fake", IsActive: true, Status: status, CreatedAt: now, UpdatedAt: now,
	}))
}

func (h *harness) createFor(t *testing.T, tenant string, n int) domain.Job {
	t.Helper()
	items := make([]ItemSpec, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, ItemSpec{Target: fmt.Sprintf("%s-%d", tenant, i)})
	}
	job, err := h.engine.CreateJob(context.Background(), JobSpec{
		Kind: domain.KindCampaign, TenantID: tenant, Payload: []byte("hi"),
		Rate: domain.RateConfig{RatePerMinute: 60}, Items: items,
	})
	require.NoError(t, err)
	return job
}

func TestJobsOfUnavailableTenantsDoNotStarveOthers(t *testing.T) {
	tests := []struct {
		name   string
		status domain.ConnStatus
	}{
		// Filtered out by the store.
		{name: "tenant offline", status: domain.ConnOffline},
		// Persisted ONLINE but no live connector yet: rotated by the engine.
		{name: "connector not resolved", status: domain.ConnOnline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, oneJobPerTick)
			h.addTenant(t, "idle", tt.status)
			stuck := h.createFor(t, "idle", 2)
			live := h.create(t, 60, 3, 3)

			for i := 0; i < 10; i++ {
				h.tick(t)
			}
			got := h.job(t, live.ID)
			assert.Equal(t, domain.JobCompleted, got.Status)
			assert.Equal(t, 3, got.Counters.Success)

			idle := h.job(t, stuck.ID)
			assert.Equal(t, domain.JobRunning, idle.Status)
			assert.Zero(t, idle.Counters.Processed())
		})
	}
}

func TestRunnableJobsRotateAcrossTicks(t *testing.T) {
	h := newHarness(t, oneJobPerTick)
	jobs := []domain.Job{h.create(t, 60, 2, 3), h.create(t, 60, 2, 3), h.create(t, 60, 2, 3)}

	success := func() []int {
		out := make([]int, len(jobs))
		for i, j := range jobs {
			out[i] = h.job(t, j.ID).Counters.Success
		}
		return out
	}

	// One job per tick, oldest UpdatedAt first, then round robin.
	want := [][]int{
		{1, 0, 0},
		{1, 1, 0},
		{1, 1, 1},
		{2, 1, 1},
		{2, 2, 1},
		{2, 2, 2},
	}
	for i, w := range want {
		h.tick(t)
		assert.Equal(t, w, success(), "after tick %d", i+1)
	}
	for _, j := range jobs {
		assert.Equal(t, domain.JobCompleted, h.job(t, j.ID).Status)
	}
}

func TestTickAdvancesAtMostMaxJobs(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Config.MaxJobsPerTick = 2
		o.Now = steppingClock()
	})
	a, b, c := h.create(t, 60, 5, 3), h.create(t, 60, 5, 3), h.create(t, 60, 5, 3)

	h.tick(t)
	assert.Equal(t, 1, h.job(t, a.ID).Counters.Success)
	assert.Equal(t, 1, h.job(t, b.ID).Counters.Success)
	assert.Zero(t, h.job(t, c.ID).Counters.Success)
	assert.Len(t, h.fake.Sent(), 2)
}

type flakyReloadStore struct {
	*storage.Memory
	failGet atomic.Bool
}

func (s *flakyReloadStore) GetJob(ctx context.Context, id string) (domain.Job, error) {
	if s.failGet.Load() {
		return domain.Job{}, errors.New("read replica lagging")
	}
	return s.Memory.GetJob(ctx, id)
}

func TestBatchCommitsWhenReloadFails(t *testing.T) {
	var flaky *flakyReloadStore
	h := newHarness(t, func(o *Options) {
		flaky = &flakyReloadStore{Memory: o.Store.(*storage.Memory)}
		o.Store = flaky
	})
	job := h.create(t, 60, 1, 3)
	events, cancel := h.bus.Subscribe(16, eventbus.KindJobStatus, eventbus.KindJobProgress)
	defer cancel()

	flaky.failGet.Store(true)
	h.tick(t)
	flaky.failGet.Store(false)

	got := h.job(t, job.ID)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, 1, got.Counters.Success)
	assert.Empty(t, events, "nothing to publish without a reloaded job")
}

func TestEngineTagsLogLinesOnce(t *testing.T) {
	var buf bytes.Buffer
	h := newHarness(t, func(o *Options) { o.Logger = logx.NewWriter(&buf, "debug") })
	h.create(t, 60, 1, 3)
	h.tick(t)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	for _, line := range lines {
		assert.Equal(t, 1, strings.Count(line, `"comp":`), line)
		assert.Contains(t, line, `"comp":"dispatch"`)
	}
}

func TestConnectorOfflineMidSendRequeues(t *testing.T) {
	h := newHarness(t)
	h.fake.SendFunc = func(string, []byte, int) error { return domain.ErrTenantOffline }
	job := h.create(t, 600, 3, 3)

	h.tick(t)
	items, err := h.engine.JobItems(context.Background(), job.ID)
	require.NoError(t, err)
	for _, it := range items {
		assert.Equal(t, domain.ItemPending, it.Status)
		assert.Zero(t, it.Tries)
	}
	assert.Equal(t, 1, h.fake.Attempts("user-0"))
	assert.Zero(t, h.fake.Attempts("user-1"), "batch stops once the tenant drops")
}

func TestJitterBetweenItems(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.CreateJob(context.Background(), JobSpec{
		Kind: domain.KindCampaign, TenantID: tenantID, Payload: []byte("hi"),
		Rate:  domain.RateConfig{RatePerMinute: 180, JitterMinMs: 100, JitterMaxMs: 300},
		Items: []ItemSpec{{Target: "a"}, {Target: "b"}, {Target: "c"}},
	})
	require.NoError(t, err)
	h.tick(t)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []time.Duration{300 * time.Millisecond, 300 * time.Millisecond}, h.sleeps)
}

func TestGroupJoinStrategy(t *testing.T) {
	h := newHarness(t)
	job, err := h.engine.CreateJob(context.Background(), JobSpec{
		Kind: domain.KindGroupJoin, TenantID: tenantID,
		Rate:  domain.RateConfig{RatePerMinute: 120},
		Items: []ItemSpec{{Target: "invite-a"}, {Target: "invite-b"}},
	})
	require.NoError(t, err)
	h.tick(t)

	got := h.job(t, job.ID)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, 2, got.Counters.Success)
	items, err := h.engine.JobItems(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "group-invite-a", items[0].ExternalID)
}

type sendOnly struct{ connector.Connector }

func TestGroupJoinWithoutSupportIsSkipped(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Resolver = &staticResolver{conns: map[string]connector.Connector{tenantID: sendOnly{connectortest.NewFake()}}}
	})
	job, err := h.engine.CreateJob(context.Background(), JobSpec{
		Kind: domain.KindGroupJoin, TenantID: tenantID,
		Rate:  domain.RateConfig{RatePerMinute: 60},
		Items: []ItemSpec{{Target: "invite-a"}},
	})
	require.NoError(t, err)
	h.tick(t)
	got := h.job(t, job.ID)
	assert.Equal(t, 1, got.Counters.Skipped)
}

func TestGroupBroadcastUsesItemPayload(t *testing.T) {
	h := newHarness(t)
	var (
		mu       sync.Mutex
		payloads []string
	)
	h.fake.SendFunc = func(_ string, p []byte, _ int) error {
		mu.Lock()
		payloads = append(payloads, string(p))
		mu.Unlock()
		return nil
	}
	_, err := h.engine.CreateJob(context.Background(), JobSpec{
		Kind: domain.KindGroupBroadcast, TenantID: tenantID, Payload: []byte("default"),
		Rate:  domain.RateConfig{RatePerMinute: 120},
		Items: []ItemSpec{{Target: "-100"}, {Target: "-200", Payload: []byte("custom")}},
	})
	require.NoError(t, err)
	h.tick(t)
	assert.Equal(t, []string{"default", "custom"}, payloads)
}

func TestScheduledJobPromotedWhenDue(t *testing.T) {
	clock := time.Now()
	var mu sync.Mutex
	h := newHarness(t, func(o *Options) {
		o.Now = func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return clock
		}
	})
	at := clock.Add(time.Minute)
	job, err := h.engine.CreateJob(context.Background(), JobSpec{
		Kind: domain.KindCampaign, TenantID: tenantID, ScheduledAt: &at, Payload: []byte("x"),
		Rate: domain.RateConfig{RatePerMinute: 60}, Items: []ItemSpec{{Target: "a"}},
	})
	require.NoError(t, err)
	require.Equal(t, domain.JobScheduled, job.Status)

	h.tick(t)
	assert.Equal(t, domain.JobScheduled, h.job(t, job.ID).Status)

	mu.Lock()
	clock = clock.Add(2 * time.Minute)
	mu.Unlock()
	h.tick(t)
	assert.Equal(t, domain.JobCompleted, h.job(t, job.ID).Status)
}

func TestDraftJobNeedsStart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job, err := h.engine.CreateJob(ctx, JobSpec{
		Kind: domain.KindCampaign, TenantID: tenantID, Draft: true, Payload: []byte("x"),
		Rate: domain.RateConfig{RatePerMinute: 60}, Items: []ItemSpec{{Target: "a"}},
	})
	require.NoError(t, err)
	h.tick(t)
	assert.Empty(t, h.fake.Sent())

	_, err = h.engine.PauseJob(ctx, job.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	started, err := h.engine.StartJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobRunning, started.Status)
	_, err = h.engine.StartJob(ctx, job.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	h.tick(t)
	assert.Equal(t, []string{"a"}, h.fake.Sent())
}

func TestTickIsSingleFlight(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	h.fake.SendFunc = func(string, []byte, int) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}
	h.create(t, 60, 1, 3)

	done := make(chan error, 1)
	go func() { done <- h.engine.Tick(context.Background()) }()
	<-entered

	require.ErrorIs(t, h.engine.Tick(context.Background()), ErrTickInProgress)
	close(release)
	require.NoError(t, <-done)

	snap := h.engine.Snapshot()
	assert.Equal(t, uint64(1), snap.Ticks)
	assert.Equal(t, uint64(1), snap.SkippedTicks)
	assert.Equal(t, uint64(1), snap.ItemsSent)
}

func TestSenderPanicIsIsolatedPerJob(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Senders = map[domain.JobKind]Sender{
			domain.KindGroupBroadcast: SenderFunc(func(context.Context, connector.Connector, domain.Job, domain.JobItem) (connector.SendResult, error) {
				panic("boom")
			}),
		}
	})
	ctx := context.Background()
	bad, err := h.engine.CreateJob(ctx, JobSpec{Kind: domain.KindGroupBroadcast, TenantID: tenantID, Payload: []byte("x"),
		Rate: domain.RateConfig{RatePerMinute: 60}, MaxTries: 1, Items: []ItemSpec{{Target: "g"}}})
	require.NoError(t, err)
	good := h.create(t, 60, 1, 3)

	h.tick(t)
	assert.Equal(t, domain.JobCompleted, h.job(t, good.ID).Status)
	b := h.job(t, bad.ID)
	assert.Equal(t, 1, b.Counters.Failed)
	items, err := h.engine.JobItems(ctx, bad.ID)
	require.NoError(t, err)
	assert.Contains(t, items[0].LastError, "panicked")
}

func TestStartRunsLoopAndWakesOnCreate(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Config.Schedule = "1h" })
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, h.store.CreateJob(ctx, domain.Job{
		ID: "stale", Kind: domain.KindCampaign, TenantID: tenantID, Status: domain.JobPaused, Payload: []byte("x"),
		Rate: domain.RateConfig{RatePerMinute: 60}, Counters: domain.Counters{Total: 1}, CreatedAt: now, UpdatedAt: now,
	}, []domain.JobItem{{ID: "stale-0", Target: "s", Status: domain.ItemPending, MaxTries: 3}}))
	require.NoError(t, h.store.MarkItemProcessing(ctx, "stale-0"))

	require.NoError(t, h.engine.Start(ctx))
	require.NoError(t, h.engine.Start(ctx))
	defer func() { _ = h.engine.Stop(context.Background()) }()

	pending, err := h.store.FindPendingItems(ctx, "stale", 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "interrupted item is requeued on start")

	job := h.create(t, 60, 1, 3)
	require.Eventually(t, func() bool {
		j, err := h.engine.JobStatus(ctx, job.ID)
		return err == nil && j.Status == domain.JobCompleted
	}, 2*time.Second, 5*time.Millisecond, "create wakes the loop long before the hourly tick")
	assert.True(t, h.engine.Snapshot().Running)

	require.NoError(t, h.engine.Stop(context.Background()))
	assert.False(t, h.engine.Snapshot().Running)
}

func TestTenantLimiterPacesSends(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Config.TenantRatePerSec = 20 })
	job := h.create(t, 3600, 30, 3)

	began := time.Now()
	h.tick(t)
	// The first 20 sends use the burst; the remaining 10 wait 50ms each.
	assert.GreaterOrEqual(t, time.Since(began), 400*time.Millisecond)
	assert.Equal(t, domain.JobCompleted, h.job(t, job.ID).Status)

	h.engine.Apply(Config{TenantRatePerSec: 50, MaxJobsPerTick: 1})
	snap := h.engine.Snapshot()
	assert.Equal(t, 1, snap.Config.MaxJobsPerTick)
	assert.InDelta(t, 50.0, snap.Config.TenantRatePerSec, 0.001)
}
