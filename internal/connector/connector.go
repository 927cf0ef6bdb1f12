// Package connector defines the per-tenant messaging handle consumed by the
// supervisor and the dispatch engine, and a registry of drivers that build
// handles from tenant records.
package connector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"outreach/internal/domain"
	logx "outreach/pkg/logx"
)

// EventType tags a connector lifecycle event.
type EventType string

const (
	EventQR            EventType = "qr"
	EventAuthenticated EventType = "authenticated"
	EventReady         EventType = "ready"
	EventDisconnected  EventType = "disconnected"
	EventFailure       EventType = "failure"
	// EventMessage carries an inbound message; it does not change status.
	EventMessage EventType = "message"
)

// Event is one item of a connector's event stream.
type Event struct {
	Type   EventType
	Time   time.Time
	QR     string // EventQR
	Reason string // EventDisconnected
	Err    error  // EventFailure
	// Message is set for EventMessage.
	Message *InboundMessage
}

type InboundMessage struct {
	From string `json:"from"`
	Text string `json:"text"`
}

// SendResult describes an accepted send.
type SendResult struct {
	ExternalID string
}

// Connector is one tenant's handle to the external messaging network.
//
// Start and Stop only issue requests; the outcome is observed later through
// Events. The events channel is closed by the connector once it will emit no
// more events (after Stop, or after a terminal failure).
//
// Send may return an error wrapped with domain.Permanent when the target can
// never succeed (blocked, not found, opted out).
type Connector interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, target string, payload []byte) (SendResult, error)
	Status() domain.ConnStatus
	Events() <-chan Event
}

// GroupJoiner is implemented by connectors able to join groups from an
// invite reference.
type GroupJoiner interface {
	JoinGroup(ctx context.Context, invite string) (groupID string, err error)
}

// Driver builds a connector for a tenant.
type Driver interface {
	New(t domain.Tenant, log logx.Logger) (Connector, error)
}

// DriverFunc adapts a function to Driver.
type DriverFunc func(t domain.Tenant, log logx.Logger) (Connector, error)

func (f DriverFunc) New(t domain.Tenant, log logx.Logger) (Connector, error) { return f(t, log) }

// Registry maps driver names to drivers. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

func NewRegistry() *Registry {
	return &Registry{drivers: map[string]Driver{}}
}

func (r *Registry) Register(name string, d Driver) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || d == nil {
		return
	}
	r.mu.Lock()
	r.drivers[name] = d
	r.mu.Unlock()
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	_, ok := r.drivers[strings.ToLower(strings.TrimSpace(name))]
	r.mu.RUnlock()
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.drivers))
	for k := range r.drivers {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Build constructs a connector for t using its driver.
func (r *Registry) Build(t domain.Tenant, log logx.Logger) (Connector, error) {
	r.mu.RLock()
	d, ok := r.drivers[strings.ToLower(strings.TrimSpace(t.Driver))]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown connector driver %q", domain.ErrInvalidTenant, t.Driver)
	}
	return d.New(t, log)
}
