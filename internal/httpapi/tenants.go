package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"outreach/internal/domain"
)

type registerTenantRequest struct {
	Name   string          `json:"name"`
	Driver string          `json:"driver"`
	Auth   json.RawMessage `json:"auth,omitempty"`
	// Start connects the tenant right after registering it.
	Start bool `json:"start,omitempty"`
}

func (a *api) registerTenant(w http.ResponseWriter, r *http.Request) {
	var req registerTenantRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := a.tenants.Register(r.Context(), domain.TenantConfig{Name: req.Name, Driver: req.Driver, Auth: req.Auth})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if req.Start {
		if err := a.tenants.Start(r.Context(), id); err != nil {
			a.fail(w, r, err)
			return
		}
	}
	st, err := a.tenants.Status(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (a *api) listTenants(w http.ResponseWriter, r *http.Request) {
	out, err := a.tenants.AllStatuses(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) getTenant(w http.ResponseWriter, r *http.Request) {
	st, err := a.tenants.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) startTenant(w http.ResponseWriter, r *http.Request) {
	a.tenantAction(w, r, a.tenants.Start)
}

func (a *api) stopTenant(w http.ResponseWriter, r *http.Request) {
	a.tenantAction(w, r, a.tenants.Stop)
}

func (a *api) tenantAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	st, err := a.tenants.Status(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) removeTenant(w http.ResponseWriter, r *http.Request) {
	if err := a.tenants.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type patchTenantRequest struct {
	IsActive *bool `json:"is_active"`
}

func (a *api) patchTenant(w http.ResponseWriter, r *http.Request) {
	var req patchTenantRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.IsActive == nil {
		writeError(w, http.StatusBadRequest, "is_active is required")
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.tenants.SetActive(r.Context(), id, *req.IsActive); err != nil {
		a.fail(w, r, err)
		return
	}
	st, err := a.tenants.Status(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

const defaultAuditLimit = 50

func (a *api) tenantAudit(w http.ResponseWriter, r *http.Request) {
	limit := defaultAuditLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", s))
			return
		}
		limit = n
	}
	entries, err := a.tenants.Audit(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
