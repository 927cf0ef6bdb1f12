package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

const DefaultStopTimeout = 5 * time.Second

type Options struct {
	Store     storage.Store
	Drivers   *connector.Registry
	Publisher eventbus.Publisher
	Logger    logx.Logger
	// StopTimeout bounds each connector shutdown. Zero means DefaultStopTimeout.
	StopTimeout time.Duration
	Now         func() time.Time
}

// TenantStatus is the observable state of one tenant.
type TenantStatus struct {
	TenantID   string            `json:"tenant_id"`
	Name       string            `json:"name"`
	Driver     string            `json:"driver"`
	IsActive   bool              `json:"is_active"`
	Status     domain.ConnStatus `json:"status"`
	LastOnline time.Time         `json:"last_online,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
	QR         string            `json:"qr,omitempty"`
	Running    bool              `json:"running"`
}

// Supervisor owns every tenant's connector handle.
type Supervisor struct {
	store       storage.Store
	drivers     *connector.Registry
	pub         eventbus.Publisher
	log         logx.Logger
	stopTimeout time.Duration
	now         func() time.Time
	rt          *rsup.Supervisor

	mu      sync.Mutex
	handles map[string]*handle
	closed  bool
}

type handle struct {
	tenantID string
	name     string
	conn     connector.Connector
	ctx      context.Context
	cancel   context.CancelFunc
	inject   chan connector.Event
	done     chan struct{}

	// quiet suppresses persistence; set during Shutdown.
	quiet    atomic.Bool
	stopping atomic.Bool

	mu     sync.Mutex
	status domain.ConnStatus
	qr     string
}

func (h *handle) snapshot() (domain.ConnStatus, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.qr
}

func New(opts Options) (*Supervisor, error) {
	if opts.Store == nil {
		return nil, errors.New("tenant: store is required")
	}
	if opts.Drivers == nil {
		return nil, errors.New("tenant: driver registry is required")
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Comp("tenant"))
	pub := opts.Publisher
	if pub == nil {
		pub = eventbus.Nop{}
	}
	st := opts.StopTimeout
	if st <= 0 {
		st = DefaultStopTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Supervisor{
		store:       opts.Store,
		drivers:     opts.Drivers,
		pub:         pub,
		log:         log,
		stopTimeout: st,
		now:         now,
		rt:          rsup.New(context.Background(), rsup.WithLogger(log)),
		handles:     map[string]*handle{},
	}, nil
}

// Register persists a new tenant in UNINITIALIZED state. No connector is
// created until Start.
func (s *Supervisor) Register(ctx context.Context, cfg domain.TenantConfig) (string, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return "", fmt.Errorf("%w: name is required", domain.ErrInvalidTenant)
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if !s.drivers.Has(driver) {
		return "", fmt.Errorf("%w: unknown connector driver %q", domain.ErrInvalidTenant, cfg.Driver)
	}
	auth := cfg.Auth
	if len(auth) == 0 {
		auth = json.RawMessage(`{}`)
	}
	if !json.Valid(auth) {
		return "", fmt.Errorf("%w: auth must be valid JSON", domain.ErrInvalidTenant)
	}
	now := s.now()
	t := domain.Tenant{
		ID:        domain.NewID(),
		Name:      name,
		Driver:    driver,
		IsActive:  true,
		Status:    domain.ConnUninitialized,
		Auth:      auth,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateTenant(ctx, t); err != nil {
		return "", fmt.Errorf("register tenant: %w", err)
	}
	s.audit(ctx, t.ID, "register", driver)
	s.publishStatus(t.ID, t.Name, domain.ConnUninitialized, "", "")
	s.log.Info("tenant registered", logx.Tenant(t.ID), logx.String("driver", driver))
	return t.ID, nil
}

// Start builds and starts the tenant's connector. It returns once the start
// request is issued; the outcome arrives through connector events. Calling
// Start on a tenant that already has a handle is a no-op.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	t, err := s.store.GetTenant(ctx, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("tenant supervisor is shut down")
	}
	if _, ok := s.handles[id]; ok {
		s.mu.Unlock()
		return nil
	}

	hlog := s.log.With(logx.Tenant(id))
	conn, err := s.build(t, hlog)
	if err != nil {
		s.mu.Unlock()
		hlog.Warn("connector build failed", logx.Err(err))
		s.persist(ctx, id, t.Name, domain.TenantUpdate{Status: domain.ConnOffline, LastError: err.Error()}, "")
		return nil
	}

	hctx, cancel := context.WithCancel(s.rt.Context())
	h := &handle{
		tenantID: id,
		name:     t.Name,
		conn:     conn,
		ctx:      hctx,
		cancel:   cancel,
		inject:   make(chan connector.Event, 1),
		done:     make(chan struct{}),
		status:   domain.ConnConnecting,
	}
	s.handles[id] = h
	s.mu.Unlock()

	s.persist(ctx, id, t.Name, domain.TenantUpdate{Status: domain.ConnConnecting}, "")
	s.audit(ctx, id, "start", "")

	s.rt.Go0("tenant.pump."+id, func(context.Context) { s.pump(h, hlog) })
	s.rt.Go0("tenant.start."+id, func(context.Context) {
		if err := safeCall(func() error { return conn.Start(hctx) }); err != nil {
			hlog.Warn("connector start failed", logx.Err(err))
			select {
			case h.inject <- connector.Event{Type: connector.EventFailure, Time: s.now(), Err: err}:
			case <-hctx.Done():
			}
		}
	})
	return nil
}

func (s *Supervisor) build(t domain.Tenant, log logx.Logger) (c connector.Connector, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("connector build panicked: %v", r)
		}
	}()
	return s.drivers.Build(t, log)
}

// pump relays the connector's events in order until the stream ends or the
// handle is torn down.
func (s *Supervisor) pump(h *handle, log logx.Logger) {
	defer close(h.done)
	events := h.conn.Events()
	for {
		var (
			e  connector.Event
			ok bool
		)
		select {
		case <-h.ctx.Done():
			return
		case e = <-h.inject:
			ok = true
		case e, ok = <-events:
		}
		if !ok {
			if !h.stopping.Load() {
				log.Warn("connector event stream closed")
				s.fail(h, "event stream closed", log)
			}
			return
		}
		if s.apply(h, e, log) {
			return
		}
	}
}

// apply handles one event and reports whether the handle is finished.
func (s *Supervisor) apply(h *handle, e connector.Event, log logx.Logger) bool {
	if e.Time.IsZero() {
		e.Time = s.now()
	}
	switch e.Type {
	case connector.EventQR:
		h.mu.Lock()
		h.status = domain.ConnNeedQR
		h.qr = e.QR
		h.mu.Unlock()
		s.pub.Publish(eventbus.Event{Kind: eventbus.KindTenantQR, TenantID: h.tenantID, Time: e.Time, Payload: map[string]string{"qr": e.QR}})
		s.relay(h, domain.TenantUpdate{Status: domain.ConnNeedQR}, e.QR)
	case connector.EventAuthenticated:
		s.setStatus(h, domain.ConnConnecting)
		s.relay(h, domain.TenantUpdate{Status: domain.ConnConnecting}, "")
	case connector.EventReady:
		s.setStatus(h, domain.ConnOnline)
		log.Info("tenant online")
		s.relay(h, domain.TenantUpdate{Status: domain.ConnOnline, LastOnline: e.Time}, "")
	case connector.EventDisconnected:
		if h.stopping.Load() {
			s.fail(h, "", log)
			return false
		}
		reason := e.Reason
		if reason == "" {
			reason = "disconnected"
		}
		s.fail(h, reason, log)
		return true
	case connector.EventFailure:
		msg := "connector failure"
		if e.Err != nil {
			msg = e.Err.Error()
		}
		s.fail(h, msg, log)
		return true
	case connector.EventMessage:
		if e.Message != nil {
			s.pub.Publish(eventbus.Event{Kind: eventbus.KindTenantMessage, TenantID: h.tenantID, Time: e.Time, Payload: *e.Message})
		}
	default:
		log.Debug("ignoring connector event", logx.String("type", string(e.Type)))
	}
	return false
}

// fail marks the handle OFFLINE. Unless the supervisor is already stopping
// it, the handle is detached and its connector released in the background
// so a later Start can build a fresh one.
func (s *Supervisor) fail(h *handle, reason string, log logx.Logger) {
	s.setStatus(h, domain.ConnOffline)
	s.relay(h, domain.TenantUpdate{Status: domain.ConnOffline, LastError: reason}, "")
	if h.stopping.Load() {
		return
	}
	log.Warn("tenant offline", logx.String("reason", reason))

	s.mu.Lock()
	if cur, ok := s.handles[h.tenantID]; ok && cur == h {
		delete(s.handles, h.tenantID)
	}
	s.mu.Unlock()

	h.stopping.Store(true)
	s.rt.Go0("tenant.release."+h.tenantID, func(context.Context) {
		ctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
		defer cancel()
		if err := safeCall(func() error { return h.conn.Stop(ctx) }); err != nil {
			log.Debug("connector release", logx.Err(err))
		}
		h.cancel()
	})
}

func (s *Supervisor) setStatus(h *handle, st domain.ConnStatus) {
	h.mu.Lock()
	h.status = st
	if st != domain.ConnNeedQR {
		h.qr = ""
	}
	h.mu.Unlock()
}

// relay persists and publishes an event-driven change. Persistence errors
// are logged; the in-memory state is kept.
func (s *Supervisor) relay(h *handle, u domain.TenantUpdate, qr string) {
	if h.quiet.Load() {
		return
	}
	s.persist(h.ctx, h.tenantID, h.name, u, qr)
}

func (s *Supervisor) persist(ctx context.Context, id, name string, u domain.TenantUpdate, qr string) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := s.store.UpdateTenant(ctx, id, u); err != nil {
		s.log.Warn("persist tenant status failed", logx.Tenant(id), logx.String("status", string(u.Status)), logx.Err(err))
	}
	s.publishStatus(id, name, u.Status, u.LastError, qr)
}

func (s *Supervisor) publishStatus(id, name string, st domain.ConnStatus, lastErr, qr string) {
	s.pub.Publish(eventbus.Event{
		Kind:     eventbus.KindTenantStatus,
		TenantID: id,
		Time:     s.now(),
		Payload:  TenantStatus{TenantID: id, Name: name, Status: st, LastError: lastErr, QR: qr},
	})
}

func (s *Supervisor) audit(ctx context.Context, tenantID, action, detail string) {
	if err := s.store.AppendAudit(ctx, domain.AuditEntry{At: s.now(), TenantID: tenantID, Action: action, Detail: detail}); err != nil {
		s.log.Warn("audit append failed", logx.Tenant(tenantID), logx.String("action", action), logx.Err(err))
	}
}

// Stop disconnects the tenant. The connector gets StopTimeout to shut down
// before local cleanup proceeds regardless. The tenant is always left OFFLINE.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	t, err := s.store.GetTenant(ctx, id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	h := s.handles[id]
	delete(s.handles, id)
	s.mu.Unlock()

	if h != nil {
		s.stopHandle(h)
	}
	s.persist(ctx, id, t.Name, domain.TenantUpdate{Status: domain.ConnOffline}, "")
	s.audit(ctx, id, "stop", "")
	s.log.Info("tenant stopped", logx.Tenant(id))
	return nil
}

func (s *Supervisor) stopHandle(h *handle) {
	h.stopping.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
	defer cancel()

	log := s.log.With(logx.Tenant(h.tenantID))
	stopped := make(chan error, 1)
	go func() { stopped <- safeCall(func() error { return h.conn.Stop(ctx) }) }()
	select {
	case err := <-stopped:
		if err != nil {
			log.Warn("connector stop failed", logx.Err(err))
		}
	case <-ctx.Done():
		log.Warn("connector stop timed out; continuing cleanup", logx.Duration("timeout", s.stopTimeout))
	}

	// Let the pump drain the final events, then cut it loose.
	select {
	case <-h.done:
	case <-ctx.Done():
	}
	h.cancel()
	<-h.done
	s.setStatus(h, domain.ConnOffline)
}

// Remove stops the tenant and deletes it with all of its jobs, items and
// audit entries.
func (s *Supervisor) Remove(ctx context.Context, id string) error {
	if err := s.Stop(ctx, id); err != nil {
		return err
	}
	if err := s.store.PurgeTenant(ctx, id); err != nil {
		return fmt.Errorf("purge tenant: %w", err)
	}
	s.pub.Publish(eventbus.Event{Kind: eventbus.KindTenantStatus, TenantID: id, Time: s.now(), Payload: map[string]bool{"removed": true}})
	s.log.Info("tenant removed", logx.Tenant(id))
	return nil
}

// SetActive flips the tenant's is_active flag. Recover only restarts active
// tenants; deactivating a running tenant also stops it.
func (s *Supervisor) SetActive(ctx context.Context, id string, active bool) error {
	if err := s.store.SetTenantActive(ctx, id, active); err != nil {
		return err
	}
	action := "activate"
	if !active {
		action = "deactivate"
	}
	s.audit(ctx, id, action, "")
	s.log.Info("tenant "+action+"d", logx.Tenant(id))

	s.mu.Lock()
	_, running := s.handles[id]
	s.mu.Unlock()
	if !active && running {
		return s.Stop(ctx, id)
	}
	return nil
}

// Audit returns the tenant's most recent audit entries, newest first.
func (s *Supervisor) Audit(ctx context.Context, id string, limit int) ([]domain.AuditEntry, error) {
	if _, err := s.store.GetTenant(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListAudit(ctx, id, limit)
}

func (s *Supervisor) Status(ctx context.Context, id string) (TenantStatus, error) {
	t, err := s.store.GetTenant(ctx, id)
	if err != nil {
		return TenantStatus{}, err
	}
	return s.statusOf(t), nil
}

func (s *Supervisor) AllStatuses(ctx context.Context) ([]TenantStatus, error) {
	ts, err := s.store.ListTenants(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make([]TenantStatus, 0, len(ts))
	for _, t := range ts {
		out = append(out, s.statusOf(t))
	}
	return out, nil
}

func (s *Supervisor) statusOf(t domain.Tenant) TenantStatus {
	st := TenantStatus{
		TenantID:   t.ID,
		Name:       t.Name,
		Driver:     t.Driver,
		IsActive:   t.IsActive,
		Status:     t.Status,
		LastOnline: t.LastOnline,
		LastError:  t.LastError,
	}
	s.mu.Lock()
	h := s.handles[t.ID]
	s.mu.Unlock()
	if h != nil {
		_, st.QR = h.snapshot()
		st.Running = true
	}
	return st
}

// Connector resolves the handle of an ONLINE tenant.
func (s *Supervisor) Connector(tenantID string) (connector.Connector, bool) {
	s.mu.Lock()
	h := s.handles[tenantID]
	s.mu.Unlock()
	if h == nil {
		return nil, false
	}
	if st, _ := h.snapshot(); st != domain.ConnOnline {
		return nil, false
	}
	return h.conn, true
}

// Recover restarts the active tenants that were ONLINE when the previous
// process exited. Each start runs on its own goroutine so a slow or failing
// tenant never delays the others. Tenants caught mid-handshake are marked
// OFFLINE; a failed reconnect is not retried.
func (s *Supervisor) Recover(ctx context.Context) error {
	tenants, err := s.store.ListTenants(ctx, true)
	if err != nil {
		return fmt.Errorf("recover: list tenants: %w", err)
	}
	n := 0
	for _, t := range tenants {
		switch t.Status {
		case domain.ConnOnline:
			id := t.ID
			n++
			s.rt.Go0("tenant.recover."+id, func(rctx context.Context) {
				if err := s.Start(rctx, id); err != nil {
					s.log.Warn("recover start failed", logx.Tenant(id), logx.Err(err))
				}
			})
		case domain.ConnNeedQR, domain.ConnConnecting:
			s.persist(ctx, t.ID, t.Name, domain.TenantUpdate{Status: domain.ConnOffline, LastError: "interrupted by restart"}, "")
		}
	}
	s.log.Info("recovery issued", logx.Int("tenants", n))
	return nil
}

// Shutdown stops every handle in parallel without touching persisted
// status, so the next process recovers the tenants that were ONLINE.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	hs := make([]*handle, 0, len(s.handles))
	for id, h := range s.handles {
		hs = append(hs, h)
		delete(s.handles, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range hs {
		h := h
		h.quiet.Store(true)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.stopHandle(h)
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("tenant shutdown timed out", logx.Err(ctx.Err()))
	}
	return s.rt.Stop(ctx)
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("connector panicked: %v", r)
		}
	}()
	return fn()
}
