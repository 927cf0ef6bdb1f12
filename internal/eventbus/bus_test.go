package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Kind: KindJobProgress, JobID: "j1"})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			assert.Equal(t, KindJobProgress, e.Kind)
			assert.Equal(t, "j1", e.JobID)
			assert.False(t, e.Time.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Kind: "a"})
	b.Publish(Event{Kind: "b"})

	require.Len(t, ch, 1)
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(Event{Kind: "after"})
}

func TestSubscribeFiltersKinds(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4, KindTenantQR)
	defer unsub()

	b.Publish(Event{Kind: KindJobItem})
	b.Publish(Event{Kind: KindTenantQR, TenantID: "t1"})

	require.Len(t, ch, 1)
	assert.Equal(t, "t1", (<-ch).TenantID)
	assert.Zero(t, b.Dropped())
}
