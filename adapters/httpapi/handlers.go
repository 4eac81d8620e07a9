// Package httpapi implements the admin HTTP surface (§6): processor
// CRUD, capability search, liveness/readiness, and metrics export,
// adapted from the teacher's adapters/telemetryhttp handler style.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/frameworks-oss/frameorchestrator/engine"
	"github.com/frameworks-oss/frameorchestrator/internal/errs"
	"github.com/frameworks-oss/frameorchestrator/internal/frame"
	"github.com/frameworks-oss/frameorchestrator/internal/metrics"
)

// Handlers bundles the admin surface's dependencies.
type Handlers struct {
	engine *engine.Engine
}

// New constructs Handlers bound to e.
func New(e *engine.Engine) *Handlers {
	return &Handlers{engine: e}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// RegisterProcessor handles POST /processors (§6: 201/409/422).
func (h *Handlers) RegisterProcessor(w http.ResponseWriter, r *http.Request) {
	var p frame.Processor
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "malformed request body")
		return
	}
	if err := h.engine.Registry().Register(r.Context(), &p); err != nil {
		switch {
		case errors.Is(err, errs.ErrConflict):
			writeError(w, http.StatusConflict, "processor already registered")
		case errs.Is(err, errs.KindValidation):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.engine.WatchProcessorHealth(r.Context(), &p)
	writeJSON(w, http.StatusCreated, &p)
}

// ListProcessors handles GET /processors.
func (h *Handlers) ListProcessors(w http.ResponseWriter, r *http.Request) {
	all, err := h.engine.Registry().ListAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, all)
}

// GetProcessor handles GET /processors/{id}.
func (h *Handlers) GetProcessor(w http.ResponseWriter, r *http.Request, id string) {
	p, ok, err := h.engine.Registry().Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "processor not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// UpdateProcessor handles PUT /processors/{id} (§6: body id must match
// path).
func (h *Handlers) UpdateProcessor(w http.ResponseWriter, r *http.Request, id string) {
	var p frame.Processor
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "malformed request body")
		return
	}
	if strings.TrimSpace(p.ID) != id {
		writeError(w, http.StatusUnprocessableEntity, "body id must match path id")
		return
	}
	if err := h.engine.Registry().Update(r.Context(), &p); err != nil {
		switch {
		case errors.Is(err, errs.ErrNotFound):
			writeError(w, http.StatusNotFound, "processor not found")
		case errs.Is(err, errs.KindValidation):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, &p)
}

// DeleteProcessor handles DELETE /processors/{id} (§6: 204/404).
func (h *Handlers) DeleteProcessor(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.engine.Registry().Unregister(r.Context(), id); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "processor not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.engine.HealthMonitor().Unwatch(id)
	h.engine.Breakers().Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

// SearchProcessors handles GET /processors/search?capability=….
func (h *Handlers) SearchProcessors(w http.ResponseWriter, r *http.Request) {
	capability := r.URL.Query().Get("capability")
	if capability == "" {
		writeError(w, http.StatusUnprocessableEntity, "capability query parameter is required")
		return
	}
	matches, err := h.engine.Registry().FindByCapability(r.Context(), capability)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

// healthResponse is the liveness/readiness payload (§6).
type healthResponse struct {
	Status      string `json:"status"`
	StoreReachable bool `json:"store_reachable"`
}

// Health handles GET /health: liveness plus Store reachability (§6).
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	reachable := true
	if _, err := h.engine.Registry().ListAll(r.Context()); err != nil {
		reachable = false
	}
	status := "healthy"
	code := http.StatusOK
	if !reachable {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthResponse{Status: status, StoreReachable: reachable})
}

// Healthz is a minimal readiness probe alias of Health, matching the
// teacher's separate liveness/readiness endpoint naming.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	h.Health(w, r)
}

// Metrics wraps the metrics.Provider's exposition handler, falling back to
// 501 when the provider does not support HTTP export (e.g. the noop
// provider), matching the teacher's NewMetricsHandler fallback.
func Metrics(p metrics.Provider) http.Handler {
	if p == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })
	}
	if exposer, ok := p.(interface{ MetricsHandler() http.Handler }); ok {
		return exposer.MetricsHandler()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "metrics handler unavailable", http.StatusNotImplemented)
	})
}

// Mux builds the full admin surface routed on a standard library
// http.ServeMux (§6's admin endpoint list).
func Mux(e *engine.Engine, provider metrics.Provider) *http.ServeMux {
	h := New(e)
	mux := http.NewServeMux()

	mux.HandleFunc("/processors", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			h.RegisterProcessor(w, r)
		case http.MethodGet:
			h.ListProcessors(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/processors/search", h.SearchProcessors)
	mux.HandleFunc("/processors/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/processors/")
		if id == "" || id == "search" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.Method {
		case http.MethodGet:
			h.GetProcessor(w, r, id)
		case http.MethodPut:
			h.UpdateProcessor(w, r, id)
		case http.MethodDelete:
			h.DeleteProcessor(w, r, id)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/healthz", h.Healthz)
	mux.Handle("/metrics", Metrics(provider))
	return mux
}
