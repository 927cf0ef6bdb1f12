// Package connectortest provides a scriptable in-memory Connector for tests.
package connectortest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"outreach/internal/connector"
	"outreach/internal/domain"
	logx "outreach/pkg/logx"
)

// Fake is a Connector whose behaviour is scripted by the test.
//
// By default Start emits Authenticated then Ready and every Send succeeds.
type Fake struct {
	mu sync.Mutex

	// OnStart lists the events emitted when Start is called.
	OnStart []connector.Event
	// StartErr is returned from Start (after OnStart events are emitted).
	StartErr error
	// StopDelay makes Stop block until the delay elapses or ctx is done.
	StopDelay time.Duration
	// SendFunc decides the outcome of each send. Nil means success.
	SendFunc func(target string, payload []byte, attempt int) error
	// JoinFunc decides the outcome of JoinGroup. Nil means success.
	JoinFunc func(invite string) (string, error)

	status    domain.ConnStatus
	events    chan connector.Event
	closeOnce sync.Once

	starts   int
	stops    int
	sends    []string
	attempts map[string]int
}

func NewFake() *Fake {
	return &Fake{
		OnStart: []connector.Event{
			{Type: connector.EventAuthenticated},
			{Type: connector.EventReady},
		},
		status:   domain.ConnUninitialized,
		events:   make(chan connector.Event, 32),
		attempts: map[string]int{},
	}
}

func (f *Fake) Start(ctx context.Context) error {
	f.mu.Lock()
	f.starts++
	evs := append([]connector.Event(nil), f.OnStart...)
	err := f.StartErr
	f.mu.Unlock()
	for _, e := range evs {
		f.Emit(e)
	}
	return err
}

func (f *Fake) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.stops++
	delay := f.StopDelay
	f.mu.Unlock()
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	f.Emit(connector.Event{Type: connector.EventDisconnected, Reason: "stopped"})
	f.Close()
	return nil
}

func (f *Fake) Send(ctx context.Context, target string, payload []byte) (connector.SendResult, error) {
	f.mu.Lock()
	f.attempts[target]++
	attempt := f.attempts[target]
	fn := f.SendFunc
	f.mu.Unlock()
	if fn != nil {
		if err := fn(target, payload, attempt); err != nil {
			return connector.SendResult{}, err
		}
	}
	f.mu.Lock()
	f.sends = append(f.sends, target)
	f.mu.Unlock()
	return connector.SendResult{ExternalID: fmt.Sprintf("msg-%s-%d", target, attempt)}, nil
}

func (f *Fake) JoinGroup(ctx context.Context, invite string) (string, error) {
	f.mu.Lock()
	fn := f.JoinFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(invite)
	}
	f.mu.Lock()
	f.sends = append(f.sends, invite)
	f.mu.Unlock()
	return "group-" + invite, nil
}

func (f *Fake) Status() domain.ConnStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *Fake) Events() <-chan connector.Event { return f.events }

// Emit pushes an event onto the stream. Events after Close are dropped.
func (f *Fake) Emit(e connector.Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	f.mu.Lock()
	switch e.Type {
	case connector.EventQR:
		f.status = domain.ConnNeedQR
	case connector.EventAuthenticated:
		f.status = domain.ConnConnecting
	case connector.EventReady:
		f.status = domain.ConnOnline
	case connector.EventDisconnected, connector.EventFailure:
		f.status = domain.ConnOffline
	}
	f.mu.Unlock()
	defer func() { _ = recover() }()
	select {
	case f.events <- e:
	default:
	}
}

// Close ends the event stream.
func (f *Fake) Close() {
	f.closeOnce.Do(func() { close(f.events) })
}

func (f *Fake) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *Fake) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

// Sent returns every successfully sent target in order.
func (f *Fake) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends...)
}

// Attempts returns how many sends were attempted for target.
func (f *Fake) Attempts(target string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[target]
}

// ErrTransient is a convenient retryable send error.
var ErrTransient = errors.New("transient send failure")

// Driver hands out fakes per tenant ID. A fresh Fake is created for tenants
// without a prepared one.
type Driver struct {
	mu    sync.Mutex
	fakes map[string]*Fake
	built map[string]int
	// Prepare, if set, customizes every fake created by the driver.
	Prepare func(tenantID string, f *Fake)
	// BuildErr fails Build for the listed tenant IDs.
	BuildErr map[string]error
}

func NewDriver() *Driver {
	return &Driver{fakes: map[string]*Fake{}, built: map[string]int{}}
}

// Set installs the fake returned for the next Build of tenantID.
func (d *Driver) Set(tenantID string, f *Fake) {
	d.mu.Lock()
	d.fakes[tenantID] = f
	d.mu.Unlock()
}

// Fake returns the most recent fake built for tenantID.
func (d *Driver) Fake(tenantID string) *Fake {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fakes[tenantID]
}

func (d *Driver) Built(tenantID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.built[tenantID]
}

func (d *Driver) New(t domain.Tenant, _ logx.Logger) (connector.Connector, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.BuildErr[t.ID]; err != nil {
		return nil, err
	}
	d.built[t.ID]++
	f := d.fakes[t.ID]
	// A used fake (closed stream) is replaced so restarts get a fresh handle.
	if f == nil || f.Starts() > 0 {
		f = NewFake()
		if d.Prepare != nil {
			d.Prepare(t.ID, f)
		}
		d.fakes[t.ID] = f
	}
	return f, nil
}
