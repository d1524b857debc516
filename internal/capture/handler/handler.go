package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"syncbridge/internal/capture"
	"syncbridge/internal/loopguard"
	"syncbridge/internal/platform/middleware"
	dErrors "syncbridge/pkg/domain-errors"
	"syncbridge/pkg/platform/httputil"
)

// Dispatcher accepts change events.
type Dispatcher interface {
	Notify(ctx context.Context, ev capture.Event) bool
	Pending() []capture.Pending
}

// Contexts manages operation contexts for trusted callers.
type Contexts interface {
	Open(serviceName, operationID string) string
	Close(key string)
	Active() []loopguard.OperationContext
}

// Handler exposes the local store hook endpoint and operation contexts to
// platform services running out of process. Every route requires the admin
// token.
type Handler struct {
	dispatcher Dispatcher
	contexts   Contexts
	adminToken string
	logger     *slog.Logger
}

func New(dispatcher Dispatcher, contexts Contexts, adminToken string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{dispatcher: dispatcher, contexts: contexts, adminToken: adminToken, logger: logger}
}

// Register mounts the routes under r behind the admin token check.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAdminToken(h.adminToken, h.logger))
		r.Post("/api/changes", h.handleChange)
		r.Get("/api/changes/pending", h.handlePending)
		r.Route("/api/operation-contexts", func(r chi.Router) {
			r.Get("/", h.handleListContexts)
			r.Post("/", h.handleOpenContext)
			r.Delete("/{key}", h.handleCloseContext)
		})
	})
}

type changeResponse struct {
	Scheduled bool `json:"scheduled"`
}

func (h *Handler) handleChange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var ev capture.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.logger.WarnContext(ctx, "invalid change event",
			"request_id", middleware.GetRequestID(ctx),
			"error", err.Error(),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if !ev.Op.IsValid() || ev.Table == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "op must be insert, update or remove and table is required"))
		return
	}
	scheduled := h.dispatcher.Notify(ctx, ev)
	httputil.WriteJSON(w, http.StatusAccepted, changeResponse{Scheduled: scheduled})
}

func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.dispatcher.Pending())
}

type openContextRequest struct {
	ServiceName string `json:"serviceName"`
	OperationID string `json:"operationId"`
}

type contextResponse struct {
	Key         string    `json:"key"`
	ServiceName string    `json:"serviceName"`
	OperationID string    `json:"operationId"`
	CreatedAt   time.Time `json:"createdAt,omitzero"`
}

func (h *Handler) handleOpenContext(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req openContextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if req.ServiceName == "" || req.OperationID == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "serviceName and operationId are required"))
		return
	}
	key := h.contexts.Open(req.ServiceName, req.OperationID)
	h.logger.InfoContext(ctx, "operation context opened",
		"request_id", middleware.GetRequestID(ctx),
		"service", req.ServiceName,
		"operation_id", req.OperationID,
	)
	httputil.WriteJSON(w, http.StatusCreated, contextResponse{
		Key:         key,
		ServiceName: req.ServiceName,
		OperationID: req.OperationID,
	})
}

func (h *Handler) handleCloseContext(w http.ResponseWriter, r *http.Request) {
	h.contexts.Close(chi.URLParam(r, "key"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListContexts(w http.ResponseWriter, r *http.Request) {
	active := h.contexts.Active()
	out := make([]contextResponse, 0, len(active))
	for _, oc := range active {
		out = append(out, contextResponse{
			Key:         oc.Key,
			ServiceName: oc.ServiceName,
			OperationID: oc.OperationID,
			CreatedAt:   oc.CreatedAt,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}
