package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"outreach/internal/dispatch"
	"outreach/internal/domain"
)

// createJobRequest carries text payloads; the engine stores them as bytes.
// Targets is shorthand for items that all use Message.
type createJobRequest struct {
	Kind        string            `json:"kind"`
	TenantID    string            `json:"tenant_id"`
	Name        string            `json:"name,omitempty"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	Rate        domain.RateConfig `json:"rate"`
	Message     string            `json:"message,omitempty"`
	MaxTries    int               `json:"max_tries,omitempty"`
	Draft       bool              `json:"draft,omitempty"`
	Targets     []string          `json:"targets,omitempty"`
	Items       []itemRequest     `json:"items,omitempty"`
}

type itemRequest struct {
	Target  string `json:"target"`
	Message string `json:"message,omitempty"`
}

func (req createJobRequest) spec() (dispatch.JobSpec, error) {
	kind, err := domain.ParseJobKind(req.Kind)
	if err != nil {
		return dispatch.JobSpec{}, err
	}
	spec := dispatch.JobSpec{
		Kind:        kind,
		TenantID:    strings.TrimSpace(req.TenantID),
		Name:        req.Name,
		ScheduledAt: req.ScheduledAt,
		Rate:        req.Rate,
		MaxTries:    req.MaxTries,
		Draft:       req.Draft,
	}
	if req.Message != "" {
		spec.Payload = []byte(req.Message)
	}
	for _, t := range req.Targets {
		spec.Items = append(spec.Items, dispatch.ItemSpec{Target: t})
	}
	for _, it := range req.Items {
		is := dispatch.ItemSpec{Target: it.Target}
		if it.Message != "" {
			is.Payload = []byte(it.Message)
		}
		spec.Items = append(spec.Items, is)
	}
	return spec, nil
}

// Views render payloads as text. The nil Payload shadows the embedded bytes.
type jobView struct {
	domain.Job
	Message string `json:"message,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

type itemView struct {
	domain.JobItem
	Message string `json:"message,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

func viewJob(j domain.Job) jobView { return jobView{Job: j, Message: string(j.Payload)} }

func viewItems(items []domain.JobItem) []itemView {
	out := make([]itemView, 0, len(items))
	for _, it := range items {
		out = append(out, itemView{JobItem: it, Message: string(it.Payload)})
	}
	return out
}

func (a *api) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	spec, err := req.spec()
	if err != nil {
		a.fail(w, r, err)
		return
	}
	job, err := a.jobs.CreateJob(r.Context(), spec)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewJob(job))
}

func (a *api) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.JobFilter{TenantID: q.Get("tenant")}
	if s := q.Get("status"); s != "" {
		f.Status = domain.JobStatus(strings.ToUpper(s))
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", s))
			return
		}
		f.Limit = n
	}
	jobs, err := a.jobs.ListJobs(r.Context(), f)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, viewJob(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.jobs.JobStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewJob(job))
}

func (a *api) jobItems(w http.ResponseWriter, r *http.Request) {
	items, err := a.jobs.JobItems(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewItems(items))
}

func (a *api) jobAction(w http.ResponseWriter, r *http.Request) {
	var fn func(ctx context.Context, id string) (domain.Job, error)
	switch chi.URLParam(r, "action") {
	case "start":
		fn = a.jobs.StartJob
	case "pause":
		fn = a.jobs.PauseJob
	case "resume":
		fn = a.jobs.ResumeJob
	case "cancel":
		fn = a.jobs.CancelJob
	default:
		writeError(w, http.StatusNotFound, "unknown job action")
		return
	}
	job, err := fn(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewJob(job))
}
