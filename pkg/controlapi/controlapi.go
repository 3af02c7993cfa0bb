// Package controlapi exposes the narrow internal control surface the
// job execution core needs a caller to reach: cancel a run, retry a
// run's failed devices, and read a run's current state. It is a thin
// adapter over the scheduler and dispatcher command paths; it holds
// no business logic of its own.
package controlapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/netraven/netraven/pkg/storage"
	"github.com/netraven/netraven/pkg/types"
)

// Scheduler is the subset of pkg/scheduler's Scheduler this surface
// needs.
type Scheduler interface {
	CancelRun(runID uuid.UUID)
}

// Dispatcher is the subset of pkg/dispatcher's Dispatcher this surface
// needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, run *types.JobRun)
	RetryFailed(ctx context.Context, runID uuid.UUID) (*types.JobRun, error)
}

// Config controls the CORS policy applied to this surface. spec.md
// scopes CORS/auth/rate-limiting policy to the external REST layer,
// but this surface still needs a policy of its own to be embeddable
// under a UI origin during development.
type Config struct {
	AllowedOrigins []string
}

// DefaultConfig denies all cross-origin requests; callers embedding
// this surface under a UI in development set AllowedOrigins
// explicitly.
func DefaultConfig() Config {
	return Config{}
}

// NewRouter builds the chi router for this surface.
func NewRouter(repo storage.Repository, scheduler Scheduler, dispatcher Dispatcher, cfg Config) chi.Router {
	r := chi.NewRouter()
	opts := cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}
	if len(cfg.AllowedOrigins) == 0 {
		// go-chi/cors treats an empty origin list as "allow all".
		opts.AllowOriginFunc = func(*http.Request, string) bool { return false }
	}
	r.Use(cors.Handler(opts))

	h := &handler{repo: repo, scheduler: scheduler, dispatcher: dispatcher}
	r.Get("/job-runs/{id}", h.getJobRun)
	r.Post("/job-runs/{id}/cancel", h.cancelJobRun)
	r.Post("/job-runs/{id}/retry-failed", h.retryFailed)
	return r
}

type handler struct {
	repo       storage.Repository
	scheduler  Scheduler
	dispatcher Dispatcher
}

func (h *handler) getJobRun(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := h.repo.GetJobRun(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "job run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *handler) cancelJobRun(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.repo.GetJobRun(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "job run not found")
		return
	}

	h.scheduler.CancelRun(id)
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) retryFailed(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	newRun, err := h.dispatcher.RetryFailed(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	// Detach from the request context: the retry run must keep
	// executing after this response is written.
	go h.dispatcher.Dispatch(context.Background(), newRun)

	writeJSON(w, http.StatusAccepted, newRun)
}

func parseID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "id"))
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// NewServer wraps NewRouter in an *http.Server with the same
// conservative timeouts the teacher's health server uses.
func NewServer(addr string, repo storage.Repository, scheduler Scheduler, dispatcher Dispatcher, cfg Config) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      NewRouter(repo, scheduler, dispatcher, cfg),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
