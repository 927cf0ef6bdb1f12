package config

import "strings"

// Config is the daemon configuration file. Durations are Go duration strings
// ("500ms", "10s", "1m"); empty means the component default.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Supervisor SupervisorConfig `json:"supervisor"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	HTTP       HTTPConfig       `json:"http"`
	Progress   ProgressConfig   `json:"progress"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./outreach.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://outreach@localhost/outreach" }
//
// The DSN usually carries a password; set it through OUTREACH_STORAGE_DSN.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxConns    int32  `json:"max_conns,omitempty"`    // postgres
}

type SupervisorConfig struct {
	// StopTimeout bounds one connector shutdown. Default "5s".
	StopTimeout string `json:"stop_timeout,omitempty"`
	// Recover restarts previously ONLINE tenants at boot. Default true.
	Recover *bool `json:"recover,omitempty"`
}

// RecoverEnabled reports whether boot recovery runs.
func (c SupervisorConfig) RecoverEnabled() bool { return c.Recover == nil || *c.Recover }

// DispatchConfig tunes the job engine. Zero values take engine defaults.
//
// max_jobs_per_tick and tenant_rate_per_sec are applied on reload; the rest
// needs a restart.
type DispatchConfig struct {
	Enabled          *bool   `json:"enabled,omitempty"`
	Schedule         string  `json:"schedule,omitempty"` // "1s", "every:5s", "@every 1m", cron
	MaxJobsPerTick   int     `json:"max_jobs_per_tick,omitempty"`
	MaxRatePerMinute int     `json:"max_rate_per_minute,omitempty"`
	DefaultMaxTries  int     `json:"default_max_tries,omitempty"`
	TenantRatePerSec float64 `json:"tenant_rate_per_sec,omitempty"`
	SendTimeout      string  `json:"send_timeout,omitempty"`
}

func (c DispatchConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// HTTPConfig controls the operator API.
//
// Binding to a non-loopback address requires a token or allow_insecure.
// Set the token through OUTREACH_HTTP_TOKEN.
type HTTPConfig struct {
	Addr            string `json:"addr,omitempty"` // default "127.0.0.1:8080"
	Token           string `json:"token,omitempty"`
	AllowInsecure   bool   `json:"allow_insecure,omitempty"`
	Pprof           bool   `json:"pprof,omitempty"` // mounts /debug/pprof/ behind the same auth
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	// AllowedOrigins restricts websocket upgrades. Empty allows any origin.
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

const DefaultHTTPAddr = "127.0.0.1:8080"

func (c HTTPConfig) ListenAddr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultHTTPAddr
}

type ProgressConfig struct {
	ClientBuffer int         `json:"client_buffer,omitempty"`
	WriteTimeout string      `json:"write_timeout,omitempty"`
	Redis        RedisConfig `json:"redis"`
}

// RedisConfig enables the redis progress relay when Addr is set.
type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Channel  string `json:"channel,omitempty"`
}

func (c RedisConfig) Enabled() bool { return strings.TrimSpace(c.Addr) != "" }
