// Package loopback is an in-process connector driver. It completes the
// connection handshake locally and accepts every send, which makes it useful
// for local runs and smoke tests of the dispatch pipeline.
package loopback

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
	logx "outreach/pkg/logx"
)

const DriverName = "loopback"

// Options are read from the tenant's auth material.
type Options struct {
	// RequireQR emits a QR event before authenticating.
	RequireQR bool `json:"require_qr"`
	// HandshakeDelay is a Go duration string applied before ready.
	HandshakeDelay string `json:"handshake_delay"`
	// Blocked targets fail permanently.
	Blocked []string `json:"blocked"`
}

type Conn struct {
	tenantID string
	opt      Options
	delay    time.Duration
	log      logx.Logger

	mu      sync.Mutex
	status  domain.ConnStatus
	cancel  context.CancelFunc
	events  chan connector.Event
	closed  bool
	blocked map[string]struct{}

	seq atomic.Uint64
}

// Driver builds loopback connectors.
func Driver() connector.Driver {
	return connector.DriverFunc(func(t domain.Tenant, log logx.Logger) (connector.Connector, error) {
		return New(t, log)
	})
}

func New(t domain.Tenant, log logx.Logger) (*Conn, error) {
	var opt Options
	if len(t.Auth) > 0 {
		if err := json.Unmarshal(t.Auth, &opt); err != nil {
			return nil, fmt.Errorf("loopback auth: %w", err)
		}
	}
	var delay time.Duration
	if s := strings.TrimSpace(opt.HandshakeDelay); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("loopback handshake_delay: %w", err)
		}
		delay = d
	}
	blocked := make(map[string]struct{}, len(opt.Blocked))
	for _, b := range opt.Blocked {
		blocked[strings.TrimSpace(b)] = struct{}{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Conn{
		tenantID: t.ID,
		opt:      opt,
		delay:    delay,
		log:      log,
		status:   domain.ConnUninitialized,
		events:   make(chan connector.Event, 16),
		blocked:  blocked,
	}, nil
}

func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("loopback: connector closed")
	}
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	go c.handshake(runCtx)
	return nil
}

func (c *Conn) handshake(ctx context.Context) {
	if c.opt.RequireQR {
		c.emit(connector.Event{Type: connector.EventQR, QR: "loopback:" + c.tenantID})
	}
	if c.delay > 0 {
		t := time.NewTimer(c.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
	c.emit(connector.Event{Type: connector.EventAuthenticated})
	c.emit(connector.Event{Type: connector.EventReady})
	c.log.Debug("loopback handshake complete")
}

func (c *Conn) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.emit(connector.Event{Type: connector.EventDisconnected, Reason: "stopped"})

	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	c.mu.Unlock()
	return nil
}

func (c *Conn) Send(ctx context.Context, target string, payload []byte) (connector.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return connector.SendResult{}, err
	}
	if c.Status() != domain.ConnOnline {
		return connector.SendResult{}, domain.ErrTenantOffline
	}
	if _, ok := c.blocked[strings.TrimSpace(target)]; ok {
		return connector.SendResult{}, domain.Permanent(fmt.Errorf("target %q is blocked", target))
	}
	id := c.seq.Add(1)
	c.log.Trace("loopback send", logx.String("target", target), logx.Int("bytes", len(payload)))
	return connector.SendResult{ExternalID: fmt.Sprintf("loop-%s-%d", c.tenantID, id)}, nil
}

func (c *Conn) JoinGroup(ctx context.Context, invite string) (string, error) {
	if _, err := c.Send(ctx, invite, nil); err != nil {
		return "", err
	}
	return "group:" + invite, nil
}

func (c *Conn) Status() domain.ConnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Conn) Events() <-chan connector.Event { return c.events }

func (c *Conn) emit(e connector.Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	switch e.Type {
	case connector.EventQR:
		c.status = domain.ConnNeedQR
	case connector.EventAuthenticated:
		c.status = domain.ConnConnecting
	case connector.EventReady:
		c.status = domain.ConnOnline
	case connector.EventDisconnected, connector.EventFailure:
		c.status = domain.ConnOffline
	}
	select {
	case c.events <- e:
	default:
		c.log.Warn("loopback event dropped", logx.String("type", string(e.Type)))
	}
}
