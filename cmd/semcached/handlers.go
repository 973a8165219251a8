package main

import (
	"log/slog"
	"net/http"

	json "github.com/goccy/go-json"

	semcache "github.com/blueberrycongee/semcache"
	"github.com/blueberrycongee/semcache/internal/observability"
	"github.com/blueberrycongee/semcache/pkg/errors"
)

// handler serves the query API on top of whichever client is current.
type handler struct {
	clients *clientSwap
	logger  *slog.Logger
}

func newHandler(clients *clientSwap, logger *slog.Logger) *handler {
	return &handler{clients: clients, logger: logger.With("component", "http")}
}

func (h *handler) query(w http.ResponseWriter, r *http.Request) {
	client, release := h.clients.acquire()
	if client == nil {
		h.writeError(w, r, errors.New(errors.KindServiceUnavailable, "server is shutting down"))
		return
	}
	defer release()

	var req semcache.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.NewValidationFault("malformed request body"))
		return
	}

	resp, err := client.Query(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	client, release := h.clients.acquire()
	if client == nil {
		h.writeError(w, r, errors.New(errors.KindServiceUnavailable, "server is shutting down"))
		return
	}
	defer release()

	h.writeJSON(w, http.StatusOK, client.Stats(r.Context()))
}

func (h *handler) invalidate(w http.ResponseWriter, r *http.Request) {
	client, release := h.clients.acquire()
	if client == nil {
		h.writeError(w, r, errors.New(errors.KindServiceUnavailable, "server is shutting down"))
		return
	}
	defer release()

	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		h.writeError(w, r, errors.NewValidationFault("body must carry a query to invalidate"))
		return
	}
	if err := client.Invalidate(r.Context(), req.Query); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("response encoding failed", "error", err)
	}
}

// writeError renders the typed failure shape. Untyped errors are logged in
// full and served as a generic upstream fault so internals never leak.
func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	terr, ok := errors.As(err)
	if !ok {
		observability.LoggerWithRequestID(r.Context(), h.logger).Error("untyped handler error",
			"path", r.URL.Path,
			"error", err)
		terr = errors.New(errors.KindUpstreamFault, "internal error")
	}
	h.writeJSON(w, terr.HTTPStatus(), terr)
}
