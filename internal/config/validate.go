package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the parts of cfg that do not need another package to
// interpret. Dispatch schedules are checked by the app validator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required for sqlite"))
		}
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres (or set OUTREACH_STORAGE_DSN)"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if cfg.Storage.MaxConns < 0 {
		errs = append(errs, errors.New("storage.max_conns must be >= 0"))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	dur("supervisor.stop_timeout", cfg.Supervisor.StopTimeout)

	d := cfg.Dispatch
	if d.MaxJobsPerTick < 0 {
		errs = append(errs, errors.New("dispatch.max_jobs_per_tick must be >= 0"))
	}
	if d.MaxRatePerMinute < 0 {
		errs = append(errs, errors.New("dispatch.max_rate_per_minute must be >= 0"))
	}
	if d.DefaultMaxTries < 0 {
		errs = append(errs, errors.New("dispatch.default_max_tries must be >= 0"))
	}
	if d.TenantRatePerSec < 0 {
		errs = append(errs, errors.New("dispatch.tenant_rate_per_sec must be >= 0"))
	}
	dur("dispatch.send_timeout", d.SendTimeout)

	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)
	dur("http.idle_timeout", cfg.HTTP.IdleTimeout)
	dur("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout)

	if cfg.Progress.ClientBuffer < 0 {
		errs = append(errs, errors.New("progress.client_buffer must be >= 0"))
	}
	dur("progress.write_timeout", cfg.Progress.WriteTimeout)
	if cfg.Progress.Redis.DB < 0 {
		errs = append(errs, errors.New("progress.redis.db must be >= 0"))
	}

	return errors.Join(errs...)
}
