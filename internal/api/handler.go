package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/code-monkeys/internal/agent"
	"github.com/nidhogg/code-monkeys/internal/crew"
	"github.com/nidhogg/code-monkeys/internal/gateway"
	"github.com/nidhogg/code-monkeys/internal/orchestrator"
	"github.com/nidhogg/code-monkeys/internal/skill"
	"github.com/nidhogg/code-monkeys/internal/store"
)

// History is the persisted run history.
type History interface {
	GetRun(ctx context.Context, id string) (*store.RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]*store.RunRecord, error)
	ListAttempts(ctx context.Context, runID string) ([]store.Attempt, error)
}

// EventSource replays and follows the events of a run.
type EventSource interface {
	Subscribe(ctx context.Context, runID string) <-chan orchestrator.Event
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	registry *agent.Registry
	crew     *crew.Crew
	history  History
	events   EventSource
	gw       *gateway.Gateway
	skills   *skill.Manager
	logger   *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(registry *agent.Registry, c *crew.Crew, logger *zap.Logger) *Handler {
	return &Handler{registry: registry, crew: c, logger: logger}
}

// SetHistory enables the persisted history endpoints.
func (h *Handler) SetHistory(hist History) { h.history = hist }

// SetEvents enables the run event stream.
func (h *Handler) SetEvents(src EventSource) { h.events = src }

// SetGateway enables the notification status endpoint.
func (h *Handler) SetGateway(gw *gateway.Gateway) { h.gw = gw }

// SetSkills enables the skill catalog endpoint.
func (h *Handler) SetSkills(m *skill.Manager) { h.skills = m }

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/workers", h.listWorkers)
		r.Get("/workers/{id}", h.getWorker)
		r.Get("/tasks", h.listTasks)
		r.Get("/skills", h.listSkills)
		r.Post("/runs", h.submitRun)
		r.Get("/runs", h.listRuns)
		r.Get("/runs/{id}", h.getRun)
		r.Get("/runs/{id}/outputs", h.runOutputs)
		r.Get("/runs/{id}/attempts", h.runAttempts)
		r.Get("/runs/{id}/events", h.runEvents)
		r.Get("/history", h.listHistory)
		r.Get("/gateway/status", h.gatewayStatus)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "crew": "code-monkeys"})
}

func (h *Handler) listWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"coordinator": h.registry.Coordinator().RoleID,
		"workers":     h.registry.List(),
	})
}

func (h *Handler) getWorker(w http.ResponseWriter, r *http.Request) {
	wk, err := h.registry.Resolve(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, wk)
}

// listTasks shows the pipeline with its derived dependencies. The
// requirement placeholder is left in place.
func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	g, err := orchestrator.Build(h.crew.Specs(), "{requirement}")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"terminal": g.Terminal().ID,
		"tasks":    g.Tasks(),
	})
}

func (h *Handler) listSkills(w http.ResponseWriter, r *http.Request) {
	if h.skills == nil {
		writeJSON(w, http.StatusOK, []*skill.Skill{})
		return
	}
	writeJSON(w, http.StatusOK, h.skills.All())
}

type runRequest struct {
	Requirement string `json:"requirement"`
}

func (h *Handler) submitRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	req.Requirement = strings.TrimSpace(req.Requirement)
	if req.Requirement == "" {
		writeError(w, http.StatusBadRequest, errors.New("requirement is required"))
		return
	}
	id, err := h.crew.Submit(req.Requirement)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	h.logger.Info("run submitted", zap.String("run", id))
	w.Header().Set("Location", "/api/runs/"+id)
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "state": string(crew.StateQueued)})
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.crew.Tracker().List())
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if info, ok := h.crew.Tracker().Get(id); ok {
		writeJSON(w, http.StatusOK, info)
		return
	}
	if h.history != nil {
		rec, err := h.history.GetRun(r.Context(), id)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, rec)
			return
		case !errors.Is(err, store.ErrRunNotFound):
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
}

func (h *Handler) runOutputs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.crew.Tracker().Get(id); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	outputs, ok := h.crew.Tracker().Outputs(id)
	if !ok {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "run has not finished"})
		return
	}
	writeJSON(w, http.StatusOK, outputs)
}

func (h *Handler) runAttempts(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "run history not configured"})
		return
	}
	attempts, err := h.history.ListAttempts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if attempts == nil {
		attempts = []store.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (h *Handler) listHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "run history not configured"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.history.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []*store.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// runEvents streams a run's transitions as server-sent events, from the
// first event until the run finishes or the client goes away.
func (h *Handler) runEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event stream not configured"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range h.events.Subscribe(r.Context(), chi.URLParam(r, "id")) {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		name := "transition"
		if ev.TaskID == "" {
			name = "run"
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
		flusher.Flush()
	}
}

func (h *Handler) gatewayStatus(w http.ResponseWriter, r *http.Request) {
	if h.gw == nil {
		writeJSON(w, http.StatusOK, []gateway.AdapterStatus{})
		return
	}
	writeJSON(w, http.StatusOK, h.gw.Statuses())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
