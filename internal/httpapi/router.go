package httpapi

import (
	"context"
	"net/http"
	hpprof "net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"outreach/internal/dispatch"
	"outreach/internal/domain"
	"outreach/internal/tenant"
	"outreach/pkg/logx"
)

// Tenants is the part of the tenant supervisor the API drives.
type Tenants interface {
	Register(ctx context.Context, cfg domain.TenantConfig) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (tenant.TenantStatus, error)
	AllStatuses(ctx context.Context) ([]tenant.TenantStatus, error)
	SetActive(ctx context.Context, id string, active bool) error
	Audit(ctx context.Context, id string, limit int) ([]domain.AuditEntry, error)
}

// Jobs is the part of the dispatch engine the API drives.
type Jobs interface {
	CreateJob(ctx context.Context, spec dispatch.JobSpec) (domain.Job, error)
	StartJob(ctx context.Context, id string) (domain.Job, error)
	PauseJob(ctx context.Context, id string) (domain.Job, error)
	ResumeJob(ctx context.Context, id string) (domain.Job, error)
	CancelJob(ctx context.Context, id string) (domain.Job, error)
	JobStatus(ctx context.Context, id string) (domain.Job, error)
	ListJobs(ctx context.Context, f domain.JobFilter) ([]domain.Job, error)
	JobItems(ctx context.Context, id string) ([]domain.JobItem, error)
}

type Deps struct {
	Tenants Tenants
	Jobs    Jobs
	// Stream serves the websocket progress feed at /v1/ws. Optional.
	Stream http.Handler
	// Stats feeds GET /v1/stats. Optional.
	Stats  func() any
	Logger logx.Logger
	Token  string
	Pprof  bool
}

type api struct {
	tenants Tenants
	jobs    Jobs
	stats   func() any
	log     logx.Logger
}

// NewRouter builds the operator API. /healthz is always unauthenticated.
func NewRouter(d Deps) http.Handler {
	log := d.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &api{tenants: d.Tenants, jobs: d.Jobs, stats: d.Stats, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(requireToken(d.Token))

		r.Route("/v1", func(r chi.Router) {
			r.Route("/tenants", func(r chi.Router) {
				r.Post("/", a.registerTenant)
				r.Get("/", a.listTenants)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", a.getTenant)
					r.Patch("/", a.patchTenant)
					r.Delete("/", a.removeTenant)
					r.Get("/audit", a.tenantAudit)
					r.Post("/start", a.startTenant)
					r.Post("/stop", a.stopTenant)
				})
			})
			r.Route("/jobs", func(r chi.Router) {
				r.Post("/", a.createJob)
				r.Get("/", a.listJobs)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", a.getJob)
					r.Get("/items", a.jobItems)
					r.Post("/{action}", a.jobAction)
				})
			})
			r.Get("/stats", a.getStats)
			if d.Stream != nil {
				r.Handle("/ws", d.Stream)
			}
		})

		if d.Pprof {
			r.HandleFunc("/debug/pprof/*", hpprof.Index)
			r.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
			r.HandleFunc("/debug/pprof/profile", hpprof.Profile)
			r.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
			r.HandleFunc("/debug/pprof/trace", hpprof.Trace)
		}
	})
	return r
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []logx.Field{
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", status),
				logx.Duration("took", time.Since(start)),
				logx.String("req_id", middleware.GetReqID(r.Context())),
			}
			if status >= 500 {
				log.Warn("http request", fields...)
				return
			}
			log.Debug("http request", fields...)
		})
	}
}

func (a *api) getStats(w http.ResponseWriter, _ *http.Request) {
	if a.stats == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, a.stats())
}
