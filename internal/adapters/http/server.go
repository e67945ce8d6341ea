// Package http exposes the order saga engine over a JSON HTTP API.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"orderflow/internal/orders"
	"orderflow/internal/orders/saga"
)

const maxBodyBytes = 1 << 20

// Engine is the behavior the handlers need from the saga engine.
type Engine interface {
	Start(ctx context.Context, input saga.OrderInput) (string, error)
	GetStatus(ctx context.Context, id string) (saga.Instance, error)
}

// Handlers serves the order API.
type Handlers struct {
	engine Engine
	logf   func(format string, args ...any)
}

// NewHandlers constructs order handlers.
func NewHandlers(engine Engine, logf func(format string, args ...any)) *Handlers {
	if logf == nil {
		logf = log.Printf
	}
	return &Handlers{engine: engine, logf: logf}
}

type startResponse struct {
	InstanceID string `json:"instanceId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Start accepts an order and answers 202 with the instance location.
func (h *Handlers) Start(w http.ResponseWriter, r *http.Request) {
	var input saga.OrderInput
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&input); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	id, err := h.engine.Start(r.Context(), input)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Location", "/instances/"+id)
	writeJSON(w, http.StatusAccepted, startResponse{InstanceID: id})
}

// Get answers the replayed instance.
func (h *Handlers) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inst, err := h.engine.GetStatus(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// RegisterRoutes registers order routes.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Post("/start", h.Start)
	r.Get("/instances/{id}", h.Get)
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, saga.ErrInvalidInput):
		code = http.StatusBadRequest
	case errors.Is(err, saga.ErrInstanceConflict):
		code = http.StatusConflict
	case errors.Is(err, saga.ErrInstanceNotFound):
		code = http.StatusNotFound
	case errors.Is(err, orders.ErrEngineClosed):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		h.logf("http: %v", err)
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

// NewRouter builds the public router. Extra handlers (for example the
// WebSocket stream) are mounted as given.
func NewRouter(h *Handlers, mounts map[string]http.Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	// Long-lived connections bypass the request timeout.
	for pattern, handler := range mounts {
		r.Handle(pattern, handler)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		h.RegisterRoutes(r)
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
