package config

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"outreach/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
	watchRetryMin   = 250 * time.Millisecond
	watchRetryMax   = 5 * time.Second
)

// ConfigManager loads the config file, overlays the environment, and
// republishes validated changes to subscribers while Watch runs.
type ConfigManager struct {
	path      string
	environ   map[string]string
	validator func(ctx context.Context, cfg *Config) error
	log       logx.Logger

	mu     sync.RWMutex
	cfg    *Config
	digest [sha256.Size]byte

	// Sends happen under subsMu, so Unsubscribe cannot close a channel mid-send.
	subsMu sync.Mutex
	subs   map[chan *Config]struct{}
}

// NewConfigManager reads path on Load. An empty path means defaults plus
// environment overrides, and Watch becomes a no-op.
func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, subs: make(map[chan *Config]struct{})}
}

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetEnvironment replaces the process environment as the override source.
func (m *ConfigManager) SetEnvironment(environ map[string]string) { m.environ = environ }

// SetValidator installs a hook run by Load and Reload before committing.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

func (m *ConfigManager) Path() string { return m.path }

// Parse reads the file (if any), applies env overrides and validates. It
// does not commit.
func (m *ConfigManager) Parse() (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(m.path) != "" {
		raw, err := os.ReadFile(m.path)
		if err != nil {
			return nil, err
		}
		if cfg, err = decode(m.path, raw); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnv(cfg, m.environ); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (m *ConfigManager) runValidator(ctx context.Context, cfg *Config) error {
	if m.validator == nil {
		return nil
	}
	vctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	return m.validator(vctx, cfg)
}

// Load parses, validates and commits the config.
func (m *ConfigManager) Load(ctx context.Context) (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := m.runValidator(ctx, cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	d := digestOf(cfg)
	m.mu.Lock()
	m.cfg, m.digest = cfg, d
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload re-reads the file and publishes it when it changed and validates.
// It reports whether a new config was published.
func (m *ConfigManager) Reload(ctx context.Context) (bool, error) {
	cfg, err := m.Parse()
	if err != nil {
		return false, err
	}
	d := digestOf(cfg)
	m.mu.RLock()
	same := m.cfg != nil && d == m.digest
	m.mu.RUnlock()
	if same {
		return false, nil
	}
	if err := m.runValidator(ctx, cfg); err != nil {
		return false, err
	}
	m.Commit(cfg)
	m.publish(cfg)
	return true, nil
}

// digestOf identifies the effective config (file plus environment), so an
// editor saving identical content twice publishes nothing.
func digestOf(cfg *Config) [sha256.Size]byte {
	b, _ := json.Marshal(cfg)
	return sha256.Sum256(b)
}

func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

// publish hands cfg to every subscriber. A full subscriber loses its oldest
// queued config, never the newest.
func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		offerNewest(ch, cfg)
	}
}

func offerNewest(ch chan *Config, cfg *Config) {
	for {
		select {
		case ch <- cfg:
			return
		default:
		}
		select {
		case <-ch:
		default:
			// Unbuffered with no reader waiting.
			return
		}
	}
}

// Watch reloads on changes to the config file until ctx ends. Events are
// debounced; a failed fsnotify watcher is rebuilt with jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	if strings.TrimSpace(m.path) == "" {
		<-ctx.Done()
		return nil
	}
	dir := filepath.Dir(m.path)
	retry := watchRetryMin
	for {
		w, err := openWatcher(dir)
		if err == nil {
			retry = watchRetryMin
			m.log.Debug("config watcher started", logx.String("dir", dir))
			err = m.watch(ctx, w)
			_ = w.Close()
		}
		if ctx.Err() != nil {
			return nil
		}
		m.log.Warn("config watcher failed; retrying", logx.String("dir", dir), logx.Duration("in", retry), logx.Err(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retry + rand.N(retry/2+1)):
		}
		retry = min(retry*2, watchRetryMax)
	}
}

func openWatcher(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// The directory, not the file: editors replace files by rename.
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// watch returns nil when ctx ends and an error when the watcher breaks.
func (m *ConfigManager) watch(ctx context.Context, w *fsnotify.Watcher) error {
	name := filepath.Base(m.path)
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			if ev.Op&relevant != 0 && strings.EqualFold(filepath.Base(ev.Name), name) {
				debounce.Reset(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("error channel closed")
			}
			if !errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch error", logx.Err(err))
				continue
			}
			m.log.Warn("config watch overflow; forcing reload")
			debounce.Reset(reloadDebounce)
		case <-debounce.C:
			m.reloadAndLog(ctx)
		}
	}
}

func (m *ConfigManager) reloadAndLog(ctx context.Context) {
	published, err := m.Reload(ctx)
	switch {
	case err != nil:
		m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
	case published:
		m.log.Debug("config published", logx.String("path", m.path))
	default:
		m.log.Debug("config unchanged", logx.String("path", m.path))
	}
}
