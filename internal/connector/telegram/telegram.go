// Package telegram is a connector driver backed by a Telegram bot account.
//
// Each tenant carries its own bot token in its auth material. Telegram has no
// QR pairing step, so the handshake is getMe (authenticated) followed by the
// long poller starting (ready).
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"outreach/internal/connector"
	"outreach/internal/domain"
	logx "outreach/pkg/logx"
)

const DriverName = "telegram"

type Auth struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string; default 10s.
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type Conn struct {
	auth        Auth
	pollTimeout time.Duration
	log         logx.Logger

	mu      sync.Mutex
	bot     *tele.Bot
	status  domain.ConnStatus
	polling bool
	closed  bool
	events  chan connector.Event
}

func Driver() connector.Driver {
	return connector.DriverFunc(func(t domain.Tenant, log logx.Logger) (connector.Connector, error) {
		return New(t, log)
	})
}

func New(t domain.Tenant, log logx.Logger) (*Conn, error) {
	var a Auth
	if err := json.Unmarshal(t.Auth, &a); err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	if strings.TrimSpace(a.Token) == "" {
		return nil, fmt.Errorf("%w: telegram token is empty", domain.ErrInvalidTenant)
	}
	timeout := 10 * time.Second
	if s := strings.TrimSpace(a.PollTimeout); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("telegram poll_timeout: %w", err)
		}
		timeout = d
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Conn{
		auth:        a,
		pollTimeout: timeout,
		log:         log,
		status:      domain.ConnUninitialized,
		events:      make(chan connector.Event, 64),
	}, nil
}

// Start issues the handshake in the background and returns immediately.
func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("telegram: connector closed")
	}
	if c.bot != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	go c.connect()
	return nil
}

func (c *Conn) connect() {
	b, err := tele.NewBot(tele.Settings{
		Token:  c.auth.Token,
		Poller: &tele.LongPoller{Timeout: c.pollTimeout},
		OnError: func(err error, _ tele.Context) {
			c.log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		c.emit(connector.Event{Type: connector.EventFailure, Err: fmt.Errorf("telegram getMe: %w", err)})
		return
	}
	c.emit(connector.Event{Type: connector.EventAuthenticated})

	b.Handle(tele.OnText, func(tc tele.Context) error {
		m := tc.Message()
		if m == nil {
			return nil
		}
		from := ""
		if m.Sender != nil {
			from = strconv.FormatInt(m.Sender.ID, 10)
		}
		c.emit(connector.Event{Type: connector.EventMessage, Message: &connector.InboundMessage{From: from, Text: m.Text}})
		return nil
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.bot = b
	c.polling = true
	c.mu.Unlock()

	c.emit(connector.Event{Type: connector.EventReady})
	c.log.Info("polling started")
	b.Start()
	c.log.Info("polling stopped")

	c.mu.Lock()
	stopped := c.closed
	c.polling = false
	c.mu.Unlock()
	if !stopped {
		c.emit(connector.Event{Type: connector.EventDisconnected, Reason: "poller exited"})
	}
}

func (c *Conn) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	b := c.bot
	polling := c.polling
	c.mu.Unlock()

	if b != nil && polling {
		// telebot's Stop waits for the poller; never let it outlive ctx.
		done := make(chan struct{})
		go func() {
			b.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			c.log.Warn("telegram stop timed out", logx.Err(ctx.Err()))
		}
	}

	c.emit(connector.Event{Type: connector.EventDisconnected, Reason: "stopped"})
	c.mu.Lock()
	c.closed = true
	close(c.events)
	c.mu.Unlock()
	return nil
}

func (c *Conn) Send(ctx context.Context, target string, payload []byte) (connector.SendResult, error) {
	c.mu.Lock()
	b := c.bot
	c.mu.Unlock()
	if b == nil || c.Status() != domain.ConnOnline {
		return connector.SendResult{}, domain.ErrTenantOffline
	}
	to, err := parseRecipient(target)
	if err != nil {
		return connector.SendResult{}, domain.Permanent(err)
	}
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return connector.SendResult{}, domain.Permanent(errors.New("empty message"))
	}
	if err := ctx.Err(); err != nil {
		return connector.SendResult{}, err
	}
	m, err := b.Send(to, text)
	if err != nil {
		return connector.SendResult{}, classify(err)
	}
	return connector.SendResult{ExternalID: strconv.Itoa(m.ID)}, nil
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
		c.log.Warn("telegram event dropped", logx.String("type", string(e.Type)))
	}
}

type recipient string

func (r recipient) Recipient() string { return string(r) }

// parseRecipient accepts numeric chat IDs and @usernames.
func parseRecipient(target string) (tele.Recipient, error) {
	t := strings.TrimSpace(target)
	if t == "" {
		return nil, errors.New("empty target")
	}
	if strings.HasPrefix(t, "@") && len(t) > 1 {
		return recipient(t), nil
	}
	id, err := strconv.ParseInt(t, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram target %q", target)
	}
	return tele.ChatID(id), nil
}

// classify wraps errors the target can never recover from as permanent.
func classify(err error) error {
	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrChatNotFound),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrNotStartedByUser),
		errors.Is(err, tele.ErrKickedFromGroup):
		return domain.Permanent(err)
	}
	return err
}
