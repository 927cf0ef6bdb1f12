package progress

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"outreach/internal/eventbus"
	logx "outreach/pkg/logx"
)

const DefaultRedisChannel = "outreach:progress"

// RedisRelay republishes every bus event as JSON on a redis channel.
type RedisRelay struct {
	rdb     redis.UniversalClient
	channel string
	log     logx.Logger

	events <-chan eventbus.Event
	unsub  func()

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewRedisRelay subscribes to bus immediately; Run does the publishing.
func NewRedisRelay(rdb redis.UniversalClient, channel string, bus eventbus.Bus, log logx.Logger) *RedisRelay {
	if strings.TrimSpace(channel) == "" {
		channel = DefaultRedisChannel
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	ch, unsub := bus.Subscribe(1024)
	return &RedisRelay{
		rdb:     rdb,
		channel: channel,
		log:     log.With(logx.Comp("progress.redis"), logx.String("channel", channel)),
		events:  ch,
		unsub:   unsub,
	}
}

func (r *RedisRelay) Channel() string { return r.channel }

func (r *RedisRelay) Run(ctx context.Context) error {
	defer r.unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-r.events:
			if !ok {
				return nil
			}
			r.publish(ctx, e)
		}
	}
}

func (r *RedisRelay) publish(ctx context.Context, e eventbus.Event) {
	b, err := Encode(e)
	if err != nil {
		r.failed.Add(1)
		r.log.Warn("encode event failed", logx.String("kind", e.Kind), logx.Err(err))
		return
	}
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.rdb.Publish(pctx, r.channel, b).Err(); err != nil {
		// Log one failure in a hundred while redis is down.
		if r.failed.Add(1)%100 == 1 {
			r.log.Warn("redis publish failed", logx.Err(err), logx.Uint64("failed", r.failed.Load()))
		}
		return
	}
	r.published.Add(1)
}

func (r *RedisRelay) Stats() (published, failed uint64) {
	return r.published.Load(), r.failed.Load()
}

// Encode renders an event in the wire format shared by the hub and relay.
func Encode(e eventbus.Event) ([]byte, error) {
	return json.Marshal(e)
}
