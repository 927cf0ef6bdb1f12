package config

import (
	"strings"

	"github.com/caarlos0/env/v11"
)

// envOverrides are secrets and deployment knobs that win over the file.
type envOverrides struct {
	LogLevel      string `env:"OUTREACH_LOG_LEVEL"`
	StorageDriver string `env:"OUTREACH_STORAGE_DRIVER"`
	StorageDSN    string `env:"OUTREACH_STORAGE_DSN"`
	RedisAddr     string `env:"OUTREACH_REDIS_ADDR"`
	RedisPassword string `env:"OUTREACH_REDIS_PASSWORD"`
	HTTPAddr      string `env:"OUTREACH_HTTP_ADDR"`
	HTTPToken     string `env:"OUTREACH_HTTP_TOKEN"`
}

// ApplyEnv overlays OUTREACH_* variables onto cfg. A nil environ reads the
// process environment.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	var o envOverrides
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return err
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Logging.Level, o.LogLevel)
	set(&cfg.Storage.Driver, o.StorageDriver)
	set(&cfg.Storage.DSN, o.StorageDSN)
	set(&cfg.Progress.Redis.Addr, o.RedisAddr)
	set(&cfg.Progress.Redis.Password, o.RedisPassword)
	set(&cfg.HTTP.Addr, o.HTTPAddr)
	set(&cfg.HTTP.Token, o.HTTPToken)
	return nil
}
