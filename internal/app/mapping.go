package app

import (
	"context"
	"fmt"
	"time"

	"outreach/internal/config"
	"outreach/internal/dispatch"
	"outreach/internal/httpapi"
	"outreach/internal/progress"
	"outreach/internal/storage"
	"outreach/internal/tenant"
	"outreach/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: sc.Driver, Path: sc.Path, DSN: sc.DSN, BusyTimeout: busy, MaxConns: sc.MaxConns}, nil
}

func mapStopTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("supervisor.stop_timeout", cfg.Supervisor.StopTimeout, tenant.DefaultStopTimeout)
}

func mapDispatch(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatch
	sendTimeout, err := config.ParseDurationField("dispatch.send_timeout", d.SendTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	if d.Schedule != "" {
		parsed, err := dispatch.ParseSchedule(d.Schedule)
		if err != nil {
			return dispatch.Config{}, fmt.Errorf("dispatch.schedule: %w", err)
		}
		if _, err := parsed.Schedule(); err != nil {
			return dispatch.Config{}, fmt.Errorf("dispatch.schedule: %w", err)
		}
	}
	return dispatch.Config{
		Schedule:         d.Schedule,
		MaxJobsPerTick:   d.MaxJobsPerTick,
		MaxRatePerMinute: d.MaxRatePerMinute,
		DefaultMaxTries:  d.DefaultMaxTries,
		TenantRatePerSec: d.TenantRatePerSec,
		SendTimeout:      sendTimeout,
	}, nil
}

func mapHTTP(cfg *config.Config) (httpapi.ServerConfig, time.Duration, error) {
	h := cfg.HTTP
	var (
		out httpapi.ServerConfig
		err error
	)
	out.Addr = h.ListenAddr()
	out.Token = h.Token
	out.AllowInsecure = h.AllowInsecure
	if out.ReadTimeout, err = config.ParseDurationField("http.read_timeout", h.ReadTimeout); err != nil {
		return out, 0, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("http.write_timeout", h.WriteTimeout); err != nil {
		return out, 0, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 60*time.Second); err != nil {
		return out, 0, err
	}
	shutdown, err := config.ParseDurationOrDefault("http.shutdown_timeout", h.ShutdownTimeout, 3*time.Second)
	if err != nil {
		return out, 0, err
	}
	return out, shutdown, nil
}

func mapHub(cfg *config.Config) (progress.HubOptions, error) {
	wt, err := config.ParseDurationField("progress.write_timeout", cfg.Progress.WriteTimeout)
	if err != nil {
		return progress.HubOptions{}, err
	}
	opts := progress.HubOptions{ClientBuffer: cfg.Progress.ClientBuffer, WriteTimeout: wt}
	if len(cfg.HTTP.AllowedOrigins) > 0 {
		opts.CheckOrigin = progress.AllowOrigins(cfg.HTTP.AllowedOrigins)
	}
	return opts, nil
}

// validate is the config manager hook: it rejects configs that would fail
// to map onto a component.
func validate(_ context.Context, cfg *config.Config) error {
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapStopTimeout(cfg); err != nil {
		return err
	}
	if _, err := mapDispatch(cfg); err != nil {
		return err
	}
	if _, _, err := mapHTTP(cfg); err != nil {
		return err
	}
	if _, err := mapHub(cfg); err != nil {
		return err
	}
	return nil
}
