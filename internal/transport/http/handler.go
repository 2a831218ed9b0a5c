// Package http exposes the control API: starting and steering runs,
// resolving control point decisions and reading run results. The API is a
// thin layer over the pipeline service; all state lives in the engine.
package http

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"datapulse/internal/controlpoint"
	apierrors "datapulse/internal/errors"
	"datapulse/internal/middleware"
	"datapulse/internal/pipeline"
	"datapulse/internal/services"
	"datapulse/internal/websocket"
)

// Handler carries the services the routes need
type Handler struct {
	service  *services.PipelineService
	health   *services.HealthService
	hub      *websocket.Hub
	metrics  http.Handler
	validate *validator.Validate
	logger   *slog.Logger
}

// Options configures optional router features
type Options struct {
	// Metrics, when set, is mounted at /metrics
	Metrics http.Handler
	// RateLimitRPS enables rate limiting when positive
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewHandler creates the HTTP handler
func NewHandler(service *services.PipelineService, health *services.HealthService, hub *websocket.Hub, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service:  service,
		health:   health,
		hub:      hub,
		metrics:  opts.Metrics,
		validate: validator.New(),
		logger:   logger.With(slog.String("component", "transport.http")),
	}
}

// Router builds the chi router with the standard middleware chain
func (h *Handler) Router(opts Options) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.StructuredLogger(h.logger))
	r.Use(middleware.Recoverer(h.logger))
	if opts.RateLimitRPS > 0 {
		r.Use(middleware.RateLimit(opts.RateLimitRPS, opts.RateLimitBurst))
	}
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.Get("/healthz", h.handleLiveness)
	r.Get("/readyz", h.handleReadiness)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics)
	}
	if h.hub != nil {
		r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
			websocket.ServeWS(h.hub, w, req)
		})
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", h.handleStartRun)
			r.Get("/", h.handleListRuns)
			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", h.handleGetRun)
				r.Post("/pause", h.handlePause)
				r.Post("/resume", h.handleResume)
				r.Post("/cancel", h.handleCancel)
				r.Post("/controlpoints/{pointID}/decision", h.handleDecision)
				r.Get("/quality", h.handleQuality)
				r.Get("/insights", h.handleInsights)
				r.Get("/recommendations", h.handleRecommendations)
				r.Get("/artifacts", h.handleArtifacts)
			})
		})
		r.Get("/jobs", h.handleListJobs)
		r.Get("/controlpoints/pending", h.handlePendingDecisions)
	})

	return r
}

// StartRunRequest is the body of POST /api/runs
type StartRunRequest struct {
	Source     string         `json:"source" validate:"required"`
	Stage      string         `json:"stage,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Bind implements render.Binder
func (req *StartRunRequest) Bind(r *http.Request) error {
	return nil
}

// DecisionRequest is the body of the control point decision endpoint
type DecisionRequest struct {
	Action string `json:"action" validate:"required,oneof=approve reject skip"`
	Actor  string `json:"actor" validate:"required"`
	Note   string `json:"note,omitempty"`
}

// Bind implements render.Binder
func (req *DecisionRequest) Bind(r *http.Request) error {
	return nil
}

func (h *Handler) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, apierrors.ErrInvalidRequest(err))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		render.Render(w, r, apierrors.ErrInvalidRequest(err))
		return
	}

	job, err := h.service.StartRun(r.Context(), pipeline.RunRequest{
		Source:     req.Source,
		Stage:      req.Stage,
		Parameters: req.Parameters,
	})
	if err != nil {
		render.Render(w, r, apierrors.ErrInvalidRequest(err))
		return
	}

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, job)
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{"runs": h.service.Runs()})
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.Run(chi.URLParam(r, "runID"))
	if err != nil {
		render.Render(w, r, apierrors.FromPipeline(err))
		return
	}
	render.JSON(w, r, snap)
}

func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	h.runAction(w, r, "pause", h.service.Pause)
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	h.runAction(w, r, "resume", h.service.Resume)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.runAction(w, r, "cancel", h.service.Cancel)
}

func (h *Handler) runAction(w http.ResponseWriter, r *http.Request, action string, fn func(string) error) {
	runID := chi.URLParam(r, "runID")
	if err := fn(runID); err != nil {
		render.Render(w, r, apierrors.FromPipeline(err))
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]string{"run_id": runID, "action": action})
}

func (h *Handler) handleDecision(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	pointID := chi.URLParam(r, "pointID")

	var req DecisionRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, apierrors.ErrInvalidRequest(err))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		render.Render(w, r, apierrors.ErrInvalidRequest(err))
		return
	}

	err := h.service.Decide(runID, pointID, controlpoint.Action(req.Action), req.Actor, req.Note)
	switch err {
	case nil:
	case controlpoint.ErrNoPendingDecision:
		render.Render(w, r, apierrors.ErrNotFound(fmt.Sprintf("no pending decision at %s for run %s", pointID, runID)))
		return
	case controlpoint.ErrInvalidAction:
		render.Render(w, r, apierrors.ErrInvalidRequest(err))
		return
	default:
		render.Render(w, r, apierrors.ErrInternal(err))
		return
	}

	render.JSON(w, r, map[string]string{
		"run_id":   runID,
		"point_id": pointID,
		"action":   req.Action,
	})
}

func (h *Handler) handleQuality(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.QualityReport(chi.URLParam(r, "runID"))
	if err != nil {
		render.Render(w, r, apierrors.FromPipeline(err))
		return
	}
	render.JSON(w, r, report)
}

func (h *Handler) handleInsights(w http.ResponseWriter, r *http.Request) {
	profile, err := h.service.Insights(chi.URLParam(r, "runID"))
	if err != nil {
		render.Render(w, r, apierrors.FromPipeline(err))
		return
	}
	render.JSON(w, r, profile)
}

func (h *Handler) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	recs, err := h.service.Recommendations(chi.URLParam(r, "runID"))
	if err != nil {
		render.Render(w, r, apierrors.FromPipeline(err))
		return
	}
	render.JSON(w, r, recs)
}

func (h *Handler) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	metas, err := h.service.Artifacts(chi.URLParam(r, "runID"))
	if err != nil {
		render.Render(w, r, apierrors.ErrInvalidRequest(err))
		return
	}
	render.JSON(w, r, map[string]any{"artifacts": metas})
}

func (h *Handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.service.Jobs()
	if err != nil {
		render.Render(w, r, apierrors.ErrInternal(err))
		return
	}
	render.JSON(w, r, map[string]any{"jobs": jobs})
}

func (h *Handler) handlePendingDecisions(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{"pending": h.service.PendingDecisions()})
}

func (h *Handler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.health.Liveness())
}

func (h *Handler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status := h.health.Readiness()
	if status.Status != "ok" {
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, status)
}
