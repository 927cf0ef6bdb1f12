package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	KindTenantStatus  = "tenant.status"
	KindTenantQR      = "tenant.qr"
	KindTenantMessage = "tenant.message"
	KindJobStatus     = "job.status"
	KindJobProgress   = "job.progress"
	KindJobItem       = "job.item"
)

// Event is one progress or status signal. Payload must be JSON-serializable;
// the websocket hub and the redis relay forward it as is.
type Event struct {
	Kind     string    `json:"kind"`
	TenantID string    `json:"tenant_id,omitempty"`
	JobID    string    `json:"job_id,omitempty"`
	Time     time.Time `json:"time"`
	Payload  any       `json:"payload,omitempty"`
}

// Publisher never blocks the caller.
type Publisher interface {
	Publish(e Event)
}

// Bus fans events out to buffered subscribers. A subscriber whose buffer is
// full misses the event and the miss is counted.
type Bus interface {
	Publisher
	// Subscribe receives every event, or only the listed kinds.
	Subscribe(buffer int, kinds ...string) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

const defaultBuffer = 8

func New() Bus {
	return &fanout{subs: map[*subscriber]struct{}{}}
}

type subscriber struct {
	ch    chan Event
	kinds map[string]struct{}
}

func (s *subscriber) wants(kind string) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

type fanout struct {
	// Publish sends under the read lock and unsubscribe closes under the
	// write lock, so a send never races a close.
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Uint64
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(e.Kind) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *fanout) Subscribe(buffer int, kinds ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	if len(kinds) > 0 {
		s.kinds = make(map[string]struct{}, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *fanout) Dropped() uint64 { return b.dropped.Load() }

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}
