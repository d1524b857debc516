// Package inbound applies remote change notifications to the local store.
//
// Each distinct payload is processed at most once: a processing record keyed
// by the payload's webhook id is inserted under a uniqueness constraint
// before any work starts, and redeliveries find that record and return.
package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"syncbridge/internal/envelope"
	"syncbridge/internal/inbound/metrics"
	"syncbridge/internal/inbound/models"
	"syncbridge/internal/ontology"
	dErrors "syncbridge/pkg/domain-errors"
	"syncbridge/pkg/platform/sentinel"
)

// Store persists processing records.
//
// Create returns sentinel.ErrAlreadyUsed when the webhook id exists. Reclaim
// moves a failed, retriable record back to processing and returns
// sentinel.ErrInvalidState when the record is in any other state.
type Store interface {
	Find(ctx context.Context, webhookID string) (*models.Record, error)
	Create(ctx context.Context, rec *models.Record) error
	Reclaim(ctx context.Context, webhookID string, now time.Time) error
	MarkCompleted(ctx context.Context, webhookID, localID string, now time.Time) error
	MarkFailed(ctx context.Context, webhookID, message string, retriable bool, now time.Time) error
	Stats(ctx context.Context) (models.Stats, error)
	Purge(ctx context.Context, before time.Time) (int, error)
}

// Registry resolves mappings by schema id.
type Registry interface {
	ResolveBySchema(schemaID string) (*ontology.Mapping, bool)
}

// Identity reads and records identity mappings.
type Identity interface {
	GetLocalID(ctx context.Context, globalID string) (string, bool, error)
	StoreMapping(ctx context.Context, localID, globalID, table string) error
}

// Writer applies a decoded record to the local store, creating the entity
// under localID when it does not exist. An empty localID lets the writer
// choose one. The id written is returned.
type Writer interface {
	Apply(ctx context.Context, table, localID string, record envelope.Record) (string, error)
}

// Guard arms echo-suppression locks.
type Guard interface {
	Arm(ctx context.Context, ids ...string) error
}

// Transactor runs fn so the identity mapping and the local write commit
// together.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Archiver stores failed payloads for external replay.
type Archiver interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// Result outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
)

// Result reports how a payload was handled.
type Result struct {
	WebhookID string `json:"webhook_id"`
	Status    string `json:"status"`
	LocalID   string `json:"local_id,omitempty"`
}

const refLookupConcurrency = 8

var tracer = otel.Tracer("syncbridge/inbound")

// Processor runs the inbound state machine.
type Processor struct {
	store    Store
	registry Registry
	identity Identity
	writer   Writer
	guard    Guard
	tx       Transactor
	archiver Archiver
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	newID    func() string
}

type Option func(*Processor)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) {
		p.metrics = m
	}
}

// WithGuard arms loop guard locks before each local write.
func WithGuard(guard Guard) Option {
	return func(p *Processor) {
		p.guard = guard
	}
}

func WithTransactor(t Transactor) Option {
	return func(p *Processor) {
		p.tx = t
	}
}

// WithArchiver keeps a copy of every failed payload.
func WithArchiver(a Archiver) Option {
	return func(p *Processor) {
		p.archiver = a
	}
}

// WithLocalIDGenerator replaces UUIDv4 local ids for new entities.
func WithLocalIDGenerator(fn func() string) Option {
	return func(p *Processor) {
		p.newID = fn
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		p.now = now
	}
}

func New(store Store, registry Registry, identity Identity, writer Writer, opts ...Option) (*Processor, error) {
	if store == nil {
		return nil, fmt.Errorf("processing store is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("mapping registry is required")
	}
	if identity == nil {
		return nil, fmt.Errorf("identity resolver is required")
	}
	if writer == nil {
		return nil, fmt.Errorf("local writer is required")
	}
	p := &Processor{
		store:    store,
		registry: registry,
		identity: identity,
		writer:   writer,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	if p.tx == nil {
		p.tx = directTx{}
	}
	return p, nil
}

type directTx struct{}

func (directTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Process handles one payload. Duplicates return a successful result. When
// processing fails the record is marked failed and the error is returned
// alongside a result carrying the webhook id.
func (p *Processor) Process(ctx context.Context, payload *Payload) (*Result, error) {
	if payload == nil || payload.ID == "" || payload.SchemaID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "id and schemaId are required")
	}
	webhookID, err := WebhookID(payload)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "payload cannot be canonicalized")
	}

	ctx, span := tracer.Start(ctx, "inbound.process", trace.WithAttributes(
		attribute.String("webhook_id", webhookID),
		attribute.String("global_id", payload.ID),
		attribute.String("schema_id", payload.SchemaID),
	))
	defer span.End()
	start := p.now()

	m, mapped := p.registry.ResolveBySchema(payload.SchemaID)
	table := ""
	if mapped {
		table = m.TableName
	}

	claimed, existing, err := p.claim(ctx, webhookID, payload, table)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !claimed {
		p.metrics.ObserveOutcome(OutcomeDuplicate, table, start)
		p.logger.InfoContext(ctx, "webhook already processed",
			"webhook_id", webhookID,
			"global_id", payload.ID,
			"status", string(existing.Status),
		)
		return &Result{WebhookID: webhookID, Status: OutcomeDuplicate, LocalID: existing.LocalID}, nil
	}

	var localID string
	if !mapped {
		err = dErrors.Newf(dErrors.CodeUnknownSchema, "no mapping for schema %s", payload.SchemaID)
	} else {
		localID, err = p.apply(ctx, payload, m)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.fail(ctx, webhookID, payload, table, err)
		p.metrics.ObserveOutcome(OutcomeFailed, table, start)
		return &Result{WebhookID: webhookID, Status: OutcomeFailed}, err
	}

	if err := p.store.MarkCompleted(ctx, webhookID, localID, p.now()); err != nil {
		p.logger.ErrorContext(ctx, "failed to mark webhook completed",
			"webhook_id", webhookID,
			"error", err,
		)
	}
	p.metrics.ObserveOutcome(OutcomeCompleted, table, start)
	p.logger.InfoContext(ctx, "webhook applied",
		"webhook_id", webhookID,
		"global_id", payload.ID,
		"table", table,
		"local_id", localID,
	)
	return &Result{WebhookID: webhookID, Status: OutcomeCompleted, LocalID: localID}, nil
}

// claim inserts the processing record or reclaims a retriable failure. It
// returns false with the existing record when another delivery owns it.
func (p *Processor) claim(ctx context.Context, webhookID string, payload *Payload, table string) (bool, *models.Record, error) {
	existing, err := p.store.Find(ctx, webhookID)
	switch {
	case err == nil:
		if !existing.Reclaimable() {
			return false, existing, nil
		}
		err := p.store.Reclaim(ctx, webhookID, p.now())
		if errors.Is(err, sentinel.ErrInvalidState) {
			return false, existing, nil
		}
		if err != nil {
			return false, nil, fmt.Errorf("reclaim processing record: %w", err)
		}
		p.logger.InfoContext(ctx, "retrying failed webhook",
			"webhook_id", webhookID,
			"attempts", existing.Attempts+1,
		)
		return true, existing, nil
	case !errors.Is(err, sentinel.ErrNotFound):
		return false, nil, fmt.Errorf("find processing record: %w", err)
	}

	now := p.now()
	rec := &models.Record{
		WebhookID: webhookID,
		GlobalID:  payload.ID,
		SchemaID:  payload.SchemaID,
		TableName: table,
		Status:    models.StatusProcessing,
		Attempts:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = p.store.Create(ctx, rec)
	if errors.Is(err, sentinel.ErrAlreadyUsed) {
		return false, rec, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("create processing record: %w", err)
	}
	return true, rec, nil
}

// apply decodes the payload, resolves its references and writes the local
// entity. Nothing is written unless every required reference resolves.
func (p *Processor) apply(ctx context.Context, payload *Payload, m *ontology.Mapping) (string, error) {
	meta, err := envelope.FromData(payload.ID, m.OntologyType, payload.ACL, payload.Data)
	if err != nil {
		return "", err
	}
	record, refs, err := envelope.Decode(meta, m)
	if err != nil {
		return "", err
	}
	if err := p.resolveRefs(ctx, refs); err != nil {
		return "", err
	}
	record = envelope.ApplyRefs(record, refs)

	localID, known, err := p.identity.GetLocalID(ctx, payload.ID)
	if err != nil {
		return "", fmt.Errorf("resolve local id: %w", err)
	}

	// New entities get their local id up front so both locks are held
	// before the write can raise a change event.
	if !known {
		localID = p.newID()
	}
	err = p.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := p.arm(ctx, localID, payload.ID); err != nil {
			return err
		}
		written, err := p.writer.Apply(ctx, m.TableName, localID, record)
		if err != nil {
			return fmt.Errorf("write %s: %w", m.TableName, err)
		}
		if known {
			return nil
		}
		if written != localID {
			localID = written
			if err := p.arm(ctx, localID); err != nil {
				return err
			}
		}
		return p.identity.StoreMapping(ctx, localID, payload.ID, m.TableName)
	})
	if err != nil {
		return "", err
	}
	return localID, nil
}

func (p *Processor) arm(ctx context.Context, ids ...string) error {
	if p.guard == nil {
		return nil
	}
	if err := p.guard.Arm(ctx, ids...); err != nil {
		return fmt.Errorf("arm loop guard: %w", err)
	}
	return nil
}

// resolveRefs fills in local ids for references. A required reference with
// no local counterpart fails the whole payload; optional ones keep their
// original value.
func (p *Processor) resolveRefs(ctx context.Context, refs []envelope.Reference) error {
	if len(refs) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refLookupConcurrency)
	for i := range refs {
		g.Go(func() error {
			ref := &refs[i]
			localID, ok, err := p.identity.GetLocalID(gctx, ref.ID)
			if err != nil {
				return fmt.Errorf("resolve reference %s: %w", ref.ID, err)
			}
			if !ok {
				if ref.Required {
					return dErrors.Newf(dErrors.CodeEntityNotFound, "referenced %s %s has no local entity", ref.Table, ref.ID)
				}
				return nil
			}
			ref.Replacement = localID
			return nil
		})
	}
	return g.Wait()
}

func (p *Processor) fail(ctx context.Context, webhookID string, payload *Payload, table string, cause error) {
	retriable := isRetriable(cause)
	p.logger.ErrorContext(ctx, "webhook processing failed",
		"webhook_id", webhookID,
		"global_id", payload.ID,
		"table", table,
		"retriable", retriable,
		"error", cause,
	)
	if err := p.store.MarkFailed(ctx, webhookID, cause.Error(), retriable, p.now()); err != nil {
		p.logger.ErrorContext(ctx, "failed to mark webhook failed",
			"webhook_id", webhookID,
			"error", err,
		)
	}
	p.archive(ctx, webhookID, payload, table)
}

func (p *Processor) archive(ctx context.Context, webhookID string, payload *Payload, table string) {
	if p.archiver == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err == nil {
		err = p.archiver.Put(ctx, ArchiveKey(table, webhookID), body, "application/json")
	}
	if err != nil {
		p.metrics.IncrementArchiveFailures()
		p.logger.WarnContext(ctx, "failed to archive webhook payload",
			"webhook_id", webhookID,
			"error", err,
		)
	}
}

// ArchiveKey is the object key of an archived failed payload.
func ArchiveKey(table, webhookID string) string {
	if table == "" {
		table = "_unmapped"
	}
	return fmt.Sprintf("failed/%s/%s.json", table, webhookID)
}

// isRetriable classifies failures: payload-shape problems are permanent,
// missing references and infrastructure errors may succeed on redelivery.
func isRetriable(err error) bool {
	switch dErrors.CodeOf(err) {
	case dErrors.CodeUnknownSchema, dErrors.CodeDecode, dErrors.CodeValidation,
		dErrors.CodeBadRequest, dErrors.CodeMappingConflict:
		return false
	}
	return true
}

// Stats reports processing record counts.
func (p *Processor) Stats(ctx context.Context) (models.Stats, error) {
	return p.store.Stats(ctx)
}
