package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"syncbridge/internal/inbound"
	"syncbridge/internal/inbound/models"
	"syncbridge/internal/platform/middleware"
	dErrors "syncbridge/pkg/domain-errors"
	"syncbridge/pkg/platform/httputil"
)

const maxBodyBytes = 1 << 20

const payloadSchemaURL = "https://syncbridge.local/schemas/webhook.json"

const payloadSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "schemaId", "data"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "schemaId": {"type": "string", "minLength": 1},
    "data": {"type": "object"},
    "w3id": {"type": "string"},
    "acl": {"type": "array", "items": {"type": "string"}},
    "timestamp": {"type": ["string", "number"]}
  }
}`

// Processor handles decoded payloads.
type Processor interface {
	Process(ctx context.Context, payload *inbound.Payload) (*inbound.Result, error)
	Stats(ctx context.Context) (models.Stats, error)
}

// Handler serves the registry webhook endpoint.
type Handler struct {
	processor Processor
	validator middleware.WebhookValidator
	schema    *jsonschema.Schema
	logger    *slog.Logger
}

// New compiles the payload schema. A nil validator accepts unauthenticated
// webhooks.
func New(processor Processor, validator middleware.WebhookValidator, logger *slog.Logger) (*Handler, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	schema, err := compilePayloadSchema()
	if err != nil {
		return nil, err
	}
	return &Handler{processor: processor, validator: validator, schema: schema, logger: logger}, nil
}

func compilePayloadSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(payloadSchema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft2020)
	if err := c.AddResource(payloadSchemaURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(payloadSchemaURL)
}

// Register mounts the webhook routes under r.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireWebhookAuth(h.validator, h.logger))
		r.Post("/api/webhook", h.handleWebhook)
	})
	r.Get("/api/webhook/stats", h.handleStats)
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	payload, err := h.decode(r)
	if err != nil {
		h.logger.WarnContext(ctx, "rejected webhook body",
			"request_id", requestID,
			"error", err.Error(),
		)
		httputil.WriteError(w, err)
		return
	}

	res, err := h.processor.Process(ctx, payload)
	if err != nil {
		h.logger.WarnContext(ctx, "webhook not applied",
			"request_id", requestID,
			"global_id", payload.ID,
			"schema_id", payload.SchemaID,
			"error", err.Error(),
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) decode(r *http.Request) (*inbound.Payload, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "unreadable request body")
	}
	if len(body) > maxBodyBytes {
		return nil, dErrors.New(dErrors.CodeBadRequest, "request body too large")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid JSON")
	}
	if err := h.schema.Validate(inst); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "payload does not match webhook schema")
	}
	var payload inbound.Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid payload")
	}
	return &payload, nil
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.processor.Stats(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to read processing stats", "error", err)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "stats unavailable"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}
