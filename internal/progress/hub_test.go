package progress

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/eventbus"
	logx "outreach/pkg/logx"
)

func startHub(t *testing.T, opts HubOptions) (*Hub, eventbus.Bus, string) {
	t.Helper()
	bus := eventbus.New()
	hub := NewHub(bus, logx.Nop(), opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hub.Run(ctx)
		close(done)
	}()
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return hub, bus, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, hub *Hub, url string, want int) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return hub.Clients() == want }, 2*time.Second, 5*time.Millisecond)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got map[string]any
	require.NoError(t, conn.ReadJSON(&got))
	return got
}

func TestHubStreamsEvents(t *testing.T) {
	hub, bus, url := startHub(t, HubOptions{})
	conn := dial(t, hub, url, 1)

	bus.Publish(eventbus.Event{Kind: eventbus.KindJobProgress, TenantID: "t1", JobID: "j1", Payload: map[string]int{"success": 3}})

	got := readEvent(t, conn)
	assert.Equal(t, eventbus.KindJobProgress, got["kind"])
	assert.Equal(t, "j1", got["job_id"])
	assert.Equal(t, float64(3), got["payload"].(map[string]any)["success"])
}

func TestHubFiltersByTenantAndJob(t *testing.T) {
	hub, bus, url := startHub(t, HubOptions{})
	tenantConn := dial(t, hub, url+"?tenant=t2", 1)
	jobConn := dial(t, hub, url+"?job=j9", 2)

	bus.Publish(eventbus.Event{Kind: eventbus.KindTenantStatus, TenantID: "t1"})
	bus.Publish(eventbus.Event{Kind: eventbus.KindTenantStatus, TenantID: "t2"})
	bus.Publish(eventbus.Event{Kind: eventbus.KindJobItem, TenantID: "t1", JobID: "j9"})

	got := readEvent(t, tenantConn)
	assert.Equal(t, "t2", got["tenant_id"])
	got = readEvent(t, jobConn)
	assert.Equal(t, "j9", got["job_id"])
}

func TestHubDropsClientsOnShutdown(t *testing.T) {
	bus := eventbus.New()
	hub := NewHub(bus, logx.Nop(), HubOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hub.Run(ctx)
		close(done)
	}()
	srv := httptest.NewServer(hub)
	defer srv.Close()
	conn := dial(t, hub, "ws"+strings.TrimPrefix(srv.URL, "http"), 1)

	cancel()
	<-done
	assert.Zero(t, hub.Clients())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestEncode(t *testing.T) {
	b, err := Encode(eventbus.Event{Kind: eventbus.KindJobStatus, JobID: "j1", Time: time.Unix(0, 0).UTC()})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"job.status","job_id":"j1","time":"1970-01-01T00:00:00Z"}`, string(b))
}

func TestAllowOrigins(t *testing.T) {
	check := AllowOrigins([]string{"https://Console.example.com/", " http://localhost:3000 "})
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://console.example.com", true},
		{"http://localhost:3000", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/v1/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, check(r), tt.origin)
	}
}
