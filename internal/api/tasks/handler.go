// Package tasks exposes pipeline instances over HTTP: submission, status,
// operator feedback, cancellation and live event streams (SSE and
// WebSocket).
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/genpipe/internal/core/domain"
	"github.com/tjfontaine/genpipe/internal/events"
	"github.com/tjfontaine/genpipe/internal/server"
)

const (
	defaultListLimit = 50
	maxBodyBytes     = 1 << 20
)

// Pipeline is the orchestrator surface the handlers drive.
type Pipeline interface {
	NewInstance(intent string, inputs map[string]any, steps []string, config map[string]any) (*domain.Instance, error)
	Submit(ctx context.Context, inst *domain.Instance) error
	GetStatus(ctx context.Context, id string) (domain.StatusView, error)
	List(ctx context.Context, limit int) ([]domain.StatusView, error)
	Cancel(ctx context.Context, id string) error
	NormalizePatch(raw map[string]any) (domain.Patch, error)
}

// FeedbackSink accepts operator feedback for paused instances.
type FeedbackSink interface {
	SubmitFeedback(ctx context.Context, instanceID string, fb *domain.Feedback) error
}

// Subscriber opens event subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, instanceID string) (*events.Subscription, error)
}

// Option configures a Handler.
type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithPingInterval sets how often WebSocket clients are pinged.
// Non-positive values keep the default.
func WithPingInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// Handler serves the task API.
type Handler struct {
	pipeline     Pipeline
	feedback     FeedbackSink
	events       Subscriber
	logger       *slog.Logger
	pingInterval time.Duration
}

// NewHandler creates the task API handler.
func NewHandler(pipeline Pipeline, feedback FeedbackSink, events Subscriber, opts ...Option) *Handler {
	h := &Handler{
		pipeline:     pipeline,
		feedback:     feedback,
		events:       events,
		logger:       slog.Default(),
		pingInterval: defaultPingInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/health", h.HandleHealth)
	r.Route("/api/v1/tasks", func(r chi.Router) {
		r.Post("/", h.HandleCreate)
		r.Get("/", h.HandleList)
		r.Get("/{id}", h.HandleGet)
		r.Get("/{id}/events", h.HandleEvents)
		r.Post("/{id}/feedback", h.HandleFeedback)
		r.Post("/{id}/cancel", h.HandleCancel)
	})
	r.Get("/ws/{id}", h.HandleWebSocket)
}

// CreateTaskRequest submits a new pipeline instance.
type CreateTaskRequest struct {
	Intent string         `json:"intent"`
	Inputs map[string]any `json:"inputs,omitempty"`
	Steps  []string       `json:"steps,omitempty"`
	// Config overrides step parameters, either nested by step or as dotted keys.
	Config map[string]any `json:"config,omitempty"`
}

// FeedbackRequest answers a paused instance.
type FeedbackRequest struct {
	Action  string         `json:"action"`
	Message string         `json:"message,omitempty"`
	Patch   map[string]any `json:"patch,omitempty"`
}

type listResponse struct {
	Object string              `json:"object"`
	Data   []domain.StatusView `json:"data"`
}

type errorResponse struct {
	Error *domain.APIError `json:"error"`
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleCreate validates and submits an instance, answering 202 with its
// initial status.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	inst, err := h.pipeline.NewInstance(req.Intent, req.Inputs, req.Steps, req.Config)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.pipeline.Submit(r.Context(), inst); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/v1/tasks/"+inst.ID)
	writeJSON(w, http.StatusAccepted, inst.View())
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			h.writeError(w, r, domain.ErrInvalidRequest("limit must be a positive integer").WithParam("limit"))
			return
		}
		limit = n
	}

	views, err := h.pipeline.List(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if views == nil {
		views = []domain.StatusView{}
	}
	writeJSON(w, http.StatusOK, listResponse{Object: "list", Data: views})
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	view, err := h.pipeline.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleFeedback forwards operator feedback. Instances that are not paused
// answer 409.
func (h *Handler) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req FeedbackRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	fb := &domain.Feedback{
		Action:  domain.FeedbackAction(req.Action),
		Message: req.Message,
	}
	if !fb.Action.Valid() {
		h.writeError(w, r, domain.ErrInvalidRequest("action must be one of retry, proceed, cancel").WithParam("action"))
		return
	}
	if len(req.Patch) > 0 {
		patch, err := h.pipeline.NormalizePatch(req.Patch)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		fb.Patch = patch
	}

	if err := h.feedback.SubmitFeedback(r.Context(), id, fb); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeStatus(w, r, id)
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.pipeline.Cancel(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeStatus(w, r, id)
}

func (h *Handler) writeStatus(w http.ResponseWriter, r *http.Request, id string) {
	view, err := h.pipeline.GetStatus(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, view)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.ErrInvalidRequest("request body is empty")
		}
		return domain.ErrInvalidRequest("invalid JSON body: " + err.Error())
	}
	return nil
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := domain.ToAPIError(err)
	status := apiErr.HTTPStatusCode()
	if status >= http.StatusInternalServerError {
		server.LoggerFrom(r.Context(), h.logger).Error("task request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorResponse{Error: apiErr})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
