package config

import (
	"reflect"
	"sort"
	"strings"

	"outreach/pkg/logx"
)

// Reloadable sections are applied in place; any other changed section needs a
// restart to take effect.
var reloadable = map[string]bool{"logging": true, "dispatch": true}

// Change summarizes the difference between two configs.
type Change struct {
	Sections []string
	// RestartRequired lists changed sections a running process cannot apply.
	RestartRequired []string
	// Attrs are safe to log; secrets are reduced to "*_set" flags.
	Attrs []logx.Field
}

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Attrs = append(ch.Attrs, attrs...)
		if !reloadable[section] {
			ch.RestartRequired = append(ch.RestartRequired, section)
		}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	ostore, ns := oldCfg.Storage, newCfg.Storage
	if ostore.Driver != ns.Driver || ostore.Path != ns.Path || ostore.DSN != ns.DSN ||
		ostore.BusyTimeout != ns.BusyTimeout || ostore.MaxConns != ns.MaxConns {
		mark("storage",
			logx.String("storage.driver", strings.TrimSpace(ns.Driver)),
			logx.Bool("storage.dsn_set", strings.TrimSpace(ns.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Supervisor, newCfg.Supervisor) {
		mark("supervisor",
			logx.String("supervisor.stop_timeout", newCfg.Supervisor.StopTimeout),
			logx.Bool("supervisor.recover", newCfg.Supervisor.RecoverEnabled()),
		)
	}

	od, nd := oldCfg.Dispatch, newCfg.Dispatch
	if !reflect.DeepEqual(od, nd) {
		mark("dispatch",
			logx.Int("dispatch.max_jobs_per_tick", nd.MaxJobsPerTick),
			logx.Any("dispatch.tenant_rate_per_sec", nd.TenantRatePerSec),
		)
		// Only the limits are hot; the loop itself is built at start.
		if od.IsEnabled() != nd.IsEnabled() || od.Schedule != nd.Schedule ||
			od.MaxRatePerMinute != nd.MaxRatePerMinute || od.DefaultMaxTries != nd.DefaultMaxTries ||
			od.SendTimeout != nd.SendTimeout {
			ch.RestartRequired = append(ch.RestartRequired, "dispatch")
		}
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		mark("http",
			logx.String("http.addr", newCfg.HTTP.ListenAddr()),
			logx.Bool("http.token_set", newCfg.HTTP.Token != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	op, np := oldCfg.Progress, newCfg.Progress
	if op.ClientBuffer != np.ClientBuffer || op.WriteTimeout != np.WriteTimeout ||
		op.Redis != np.Redis {
		mark("progress",
			logx.Bool("progress.redis_enabled", np.Redis.Enabled()),
			logx.Bool("progress.redis_password_set", np.Redis.Password != ""),
		)
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.RestartRequired)
	return ch
}
