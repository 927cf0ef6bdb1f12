package progress

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"outreach/internal/eventbus"
	logx "outreach/pkg/logx"
)

type HubOptions struct {
	// ClientBuffer is the per-client queue; a client that falls this far
	// behind is disconnected. Default 64.
	ClientBuffer int
	WriteTimeout time.Duration // default 5s
	// CheckOrigin overrides the upgrader origin check. Nil allows all.
	CheckOrigin func(r *http.Request) bool
}

// Hub streams bus events to websocket clients as JSON.
//
// Clients may narrow the stream with ?tenant=<id> and/or ?job=<id>.
type Hub struct {
	log      logx.Logger
	upgrader websocket.Upgrader
	buffer   int
	writeTO  time.Duration

	events <-chan eventbus.Event
	unsub  func()

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	delivered atomic.Uint64
	evicted   atomic.Uint64
}

type client struct {
	conn     *websocket.Conn
	send     chan eventbus.Event
	tenantID string
	jobID    string
	once     sync.Once
	done     chan struct{}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) wants(e eventbus.Event) bool {
	if c.tenantID != "" && e.TenantID != c.tenantID {
		return false
	}
	if c.jobID != "" && e.JobID != c.jobID {
		return false
	}
	return true
}

// NewHub subscribes to bus immediately so no event published after it
// returns is missed.
func NewHub(bus eventbus.Bus, log logx.Logger, opts HubOptions) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.ClientBuffer <= 0 {
		opts.ClientBuffer = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	check := opts.CheckOrigin
	if check == nil {
		check = func(*http.Request) bool { return true }
	}
	ch, unsub := bus.Subscribe(256)
	return &Hub{
		log:      log.With(logx.Comp("progress.hub")),
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096, CheckOrigin: check},
		buffer:   opts.ClientBuffer,
		writeTO:  opts.WriteTimeout,
		events:   ch,
		unsub:    unsub,
		clients:  map[*client]struct{}{},
	}
}

// Run fans events out until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-h.events:
			if !ok {
				return nil
			}
			h.broadcast(e)
		}
	}
}

func (h *Hub) broadcast(e eventbus.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(e) {
			continue
		}
		select {
		case c.send <- e:
		default:
			// Slow consumer: drop it rather than stall everyone else.
			delete(h.clients, c)
			h.evicted.Add(1)
			c.close()
			h.log.Warn("websocket client evicted", logx.String("remote", c.conn.RemoteAddr().String()))
		}
	}
}

func (h *Hub) shutdown() {
	h.unsub()
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and streams events to the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}
	c := &client{
		conn:     conn,
		send:     make(chan eventbus.Event, h.buffer),
		tenantID: r.URL.Query().Get("tenant"),
		jobID:    r.URL.Query().Get("job"),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("websocket client connected", logx.Int("clients", n))

	go h.readLoop(c)
	h.writeLoop(c)
}

// readLoop only watches for the client going away.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	defer h.remove(c)
	for {
		select {
		case <-c.done:
			return
		case e := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeTO))
			if err := c.conn.WriteJSON(e); err != nil {
				return
			}
			h.delivered.Add(1)
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

type HubStats struct {
	Clients   int    `json:"clients"`
	Delivered uint64 `json:"delivered"`
	Evicted   uint64 `json:"evicted"`
}

func (h *Hub) Stats() HubStats {
	return HubStats{Clients: h.Clients(), Delivered: h.delivered.Load(), Evicted: h.evicted.Load()}
}

// AllowOrigins accepts upgrades whose Origin header matches one of origins,
// compared case-insensitively. Requests without an Origin (non-browser
// clients) are accepted.
func AllowOrigins(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[strings.ToLower(strings.TrimRight(origin, "/"))]
		return ok
	}
}
