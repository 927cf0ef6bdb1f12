package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/config"
	"outreach/internal/domain"
)

func writeConfig(t *testing.T, path string, cfg map[string]any) {
	t.Helper()
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
}

func baseConfig(dbPath string) map[string]any {
	return map[string]any{
		"logging":  map[string]any{"level": "error"},
		"storage":  map[string]any{"driver": "sqlite", "path": dbPath},
		"dispatch": map[string]any{"schedule": "50ms", "max_jobs_per_tick": 5},
		"http":     map[string]any{"addr": "127.0.0.1:0"},
	}
}

func startApp(t *testing.T, cfgPath string) *App {
	t.Helper()
	a, err := New(context.Background(), Options{ConfigPath: cfgPath, Environ: map[string]string{}})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	return a
}

func stopApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopUnknown))
}

func call(t *testing.T, a *App, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, "http://"+a.HTTPAddr()+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestCampaignEndToEndAndRecovery(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "outreach.json")
	writeConfig(t, cfgPath, baseConfig(filepath.Join(dir, "outreach.db")))

	a := startApp(t, cfgPath)

	var tn struct {
		TenantID string `json:"tenant_id"`
	}
	require.Equal(t, http.StatusCreated, call(t, a, http.MethodPost, "/v1/tenants/",
		map[string]any{"name": "acme", "driver": "loopback", "start": true}, &tn))
	require.Eventually(t, func() bool {
		var st struct {
			Status domain.ConnStatus `json:"status"`
		}
		call(t, a, http.MethodGet, "/v1/tenants/"+tn.TenantID, nil, &st)
		return st.Status == domain.ConnOnline
	}, 3*time.Second, 20*time.Millisecond)

	var job struct {
		ID string `json:"id"`
	}
	require.Equal(t, http.StatusCreated, call(t, a, http.MethodPost, "/v1/jobs/", map[string]any{
		"kind": "CAMPAIGN", "tenant_id": tn.TenantID, "message": "hi",
		"rate": map[string]int{"rate_per_minute": 3600}, "targets": []string{"a", "b", "c"},
	}, &job))

	require.Eventually(t, func() bool {
		var j struct {
			Status   domain.JobStatus `json:"status"`
			Counters domain.Counters  `json:"counters"`
		}
		call(t, a, http.MethodGet, "/v1/jobs/"+job.ID, nil, &j)
		return j.Status == domain.JobCompleted && j.Counters.Success == 3
	}, 5*time.Second, 20*time.Millisecond)

	var stats map[string]any
	require.Equal(t, http.StatusOK, call(t, a, http.MethodGet, "/v1/stats", nil, &stats))
	assert.Contains(t, stats, "dispatch")
	assert.Contains(t, stats, "stream")

	stopApp(t, a)

	// The tenant was ONLINE at shutdown, so the next process reconnects it.
	b := startApp(t, cfgPath)
	defer stopApp(t, b)
	require.Eventually(t, func() bool {
		var st struct {
			Status  domain.ConnStatus `json:"status"`
			Running bool              `json:"running"`
		}
		call(t, b, http.MethodGet, "/v1/tenants/"+tn.TenantID, nil, &st)
		return st.Status == domain.ConnOnline && st.Running
	}, 3*time.Second, 20*time.Millisecond)
}

func TestConfigReloadAppliesDispatchLimits(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "outreach.json")
	cfg := baseConfig(filepath.Join(dir, "outreach.db"))
	writeConfig(t, cfgPath, cfg)

	a := startApp(t, cfgPath)
	defer stopApp(t, a)
	assert.Equal(t, 5, a.engine.Snapshot().Config.MaxJobsPerTick)

	cfg["dispatch"] = map[string]any{"schedule": "50ms", "max_jobs_per_tick": 7, "tenant_rate_per_sec": 2}
	writeConfig(t, cfgPath, cfg)
	// The file watcher may get there first; either way the change lands.
	_, err := a.cfgm.Reload(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap := a.engine.Snapshot()
		return snap.Config.MaxJobsPerTick == 7 && snap.Config.TenantRatePerSec == 2
	}, 3*time.Second, 20*time.Millisecond)

	// A bad schedule is rejected and the running config is kept.
	cfg["dispatch"] = map[string]any{"schedule": "every fortnight"}
	writeConfig(t, cfgPath, cfg)
	_, err = a.cfgm.Reload(context.Background())
	require.Error(t, err)
	assert.Equal(t, 7, a.cfgm.Get().Dispatch.MaxJobsPerTick)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "outreach.json")
	writeConfig(t, cfgPath, map[string]any{"dispatch": map[string]any{"send_timeout": "forever"}})
	_, err := New(context.Background(), Options{ConfigPath: cfgPath, Environ: map[string]string{}})
	require.Error(t, err)

	writeConfig(t, cfgPath, map[string]any{"storage": map[string]any{"driver": "cassandra"}})
	_, err = New(context.Background(), Options{ConfigPath: cfgPath, Environ: map[string]string{}})
	require.Error(t, err)
}

func TestMapDispatch(t *testing.T) {
	dc, err := mapDispatch(&config.Config{Dispatch: config.DispatchConfig{
		Schedule: "@every 2s", MaxJobsPerTick: 3, SendTimeout: "4s", TenantRatePerSec: 0.5,
	}})
	require.NoError(t, err)
	assert.Equal(t, "@every 2s", dc.Schedule)
	assert.Equal(t, 3, dc.MaxJobsPerTick)
	assert.Equal(t, 4*time.Second, dc.SendTimeout)
	assert.InDelta(t, 0.5, dc.TenantRatePerSec, 1e-9)

	_, err = mapDispatch(&config.Config{Dispatch: config.DispatchConfig{Schedule: "*/5 * * *"}})
	assert.Error(t, err)
}
