package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"outreach/internal/config"
	"outreach/internal/connector"
	"outreach/internal/connector/loopback"
	"outreach/internal/connector/telegram"
	"outreach/internal/dispatch"
	"outreach/internal/eventbus"
	"outreach/internal/httpapi"
	"outreach/internal/progress"
	rtsup "outreach/internal/runtime/supervisor"
	"outreach/internal/storage"
	"outreach/internal/tenant"
	"outreach/pkg/logx"
)

type Options struct {
	ConfigPath string
	// Environ replaces the process environment for OUTREACH_* overrides.
	Environ map[string]string
	// Drivers are registered next to the built-in loopback and telegram drivers.
	Drivers map[string]connector.Driver
}

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus     eventbus.Bus
	store   storage.Store
	tenants *tenant.Supervisor
	engine  *dispatch.Engine
	hub     *progress.Hub
	rdb     redis.UniversalClient
	relay   *progress.RedisRelay
	http    *httpapi.Server

	dispatchEnabled bool
	recoverEnabled  bool
	stopTimeout     time.Duration
	httpShutdown    time.Duration
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(opts.ConfigPath)
	cfgm.SetEnvironment(opts.Environ)
	cfgm.SetValidator(validate)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logSvc, log := logx.New(mapLogging(cfg))
	cfgm.SetLogger(log.With(logx.Comp("config")))

	// validate has already run; the mappings below cannot fail.
	sc, _ := mapStorage(cfg)
	stopTimeout, _ := mapStopTimeout(cfg)
	dc, _ := mapDispatch(cfg)
	hc, httpShutdown, _ := mapHTTP(cfg)
	ho, _ := mapHub(cfg)

	store, err := storage.Open(ctx, sc, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}

	reg := connector.NewRegistry()
	reg.Register(loopback.DriverName, loopback.Driver())
	reg.Register(telegram.DriverName, telegram.Driver())
	for name, d := range opts.Drivers {
		reg.Register(name, d)
	}

	bus := eventbus.New()
	tenants, err := tenant.New(tenant.Options{
		Store:       store,
		Drivers:     reg,
		Publisher:   bus,
		Logger:      log,
		StopTimeout: stopTimeout,
	})
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	engine, err := dispatch.New(dispatch.Options{
		Config:    dc,
		Store:     store,
		Resolver:  tenants,
		Publisher: bus,
		Logger:    log,
	})
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgm:            cfgm,
		log:             log.With(logx.Comp("app")),
		logs:            logSvc,
		bus:             bus,
		store:           store,
		tenants:         tenants,
		engine:          engine,
		hub:             progress.NewHub(bus, log, ho),
		dispatchEnabled: cfg.Dispatch.IsEnabled(),
		recoverEnabled:  cfg.Supervisor.RecoverEnabled(),
		stopTimeout:     stopTimeout,
		httpShutdown:    httpShutdown,
	}
	if rc := cfg.Progress.Redis; rc.Enabled() {
		a.rdb = redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		a.relay = progress.NewRedisRelay(a.rdb, rc.Channel, bus, log)
	}
	router := httpapi.NewRouter(httpapi.Deps{
		Tenants: tenants,
		Jobs:    engine,
		Stream:  a.hub,
		Stats:   a.stats,
		Logger:  log,
		Token:   cfg.HTTP.Token,
		Pprof:   cfg.HTTP.Pprof,
	})
	a.http = httpapi.NewServer(hc, router, log)
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// HTTPAddr is the bound operator API address once started.
func (a *App) HTTPAddr() string { return a.http.Addr() }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.sup.Go("progress.hub", a.hub.Run)
	if a.relay != nil {
		a.sup.Go("progress.redis", a.relay.Run)
	}

	if a.recoverEnabled {
		if err := a.tenants.Recover(ctx); err != nil {
			return err
		}
	}
	if a.dispatchEnabled {
		if err := a.engine.Start(ctx); err != nil {
			return fmt.Errorf("dispatch: %w", err)
		}
	} else {
		a.log.Info("dispatch disabled via config")
	}
	if err := a.http.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("http: %w", err)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("http", a.http.Addr()), logx.Bool("dispatch", a.dispatchEnabled))
	return nil
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	ch := config.SummarizeConfigChange(oldCfg, newCfg)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if ch.Has("logging") {
		a.logs.Apply(mapLogging(newCfg))
	}
	if ch.Has("dispatch") {
		dc, err := mapDispatch(newCfg)
		if err != nil {
			a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
		} else {
			a.engine.Apply(dc)
		}
	}
	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(ch.RestartRequired, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Info("config reloaded", fields...)
}

type Stats struct {
	Dispatch    dispatch.Snapshot `json:"dispatch"`
	Stream      progress.HubStats `json:"stream"`
	Redis       *RedisStats       `json:"redis,omitempty"`
	BusDropped  uint64            `json:"bus_dropped"`
	Supervisors map[string]any    `json:"supervisors"`
}

type RedisStats struct {
	Channel   string `json:"channel"`
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}

func (a *App) stats() any {
	s := Stats{
		Dispatch:    a.engine.Snapshot(),
		Stream:      a.hub.Stats(),
		BusDropped:  a.bus.Dropped(),
		Supervisors: map[string]any{},
	}
	if a.relay != nil {
		pub, failed := a.relay.Stats()
		s.Redis = &RedisStats{Channel: a.relay.Channel(), Published: pub, Failed: failed}
	}
	if a.sup != nil {
		s.Supervisors["app"] = a.sup.Counters()
	}
	return s
}

// Stop runs each shutdown step with its own bound so one component cannot
// stall the rest. Tenants keep their persisted status for the next Recover.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (no time left)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline",
					logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			}()
		}
	}

	// Stop intake first, then the work, then the connections it uses.
	step("http", a.httpShutdown, a.http.Stop)
	step("dispatch", 5*time.Second, a.engine.Stop)
	step("tenants", a.stopTimeout+time.Second, a.tenants.Shutdown)
	step("supervisor", 2*time.Second, a.sup.Wait)
	if a.rdb != nil {
		step("redis", time.Second, func(context.Context) error { return a.rdb.Close() })
	}
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
