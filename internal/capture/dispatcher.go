// Package capture turns local mutation events into outbound publications.
//
// Events are coalesced per (table, entity id) with a debounce timer; when a
// timer fires the entity's current state is loaded, encoded and handed to
// the publisher unless the loop guard reports the entity as recently
// written from the inbound side.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"syncbridge/internal/capture/metrics"
	"syncbridge/internal/envelope"
	"syncbridge/internal/ontology"
	"syncbridge/internal/publish"
	dErrors "syncbridge/pkg/domain-errors"
	"syncbridge/pkg/platform/sentinel"
	"syncbridge/pkg/requestcontext"
)

// DefaultDebounceWindow applies to tables without an override.
const DefaultDebounceWindow = 3 * time.Second

// Op is the kind of local mutation.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpRemove Op = "remove"
)

func (o Op) IsValid() bool {
	switch o {
	case OpInsert, OpUpdate, OpRemove:
		return true
	}
	return false
}

// Event is one after-insert/update/remove notification from the local store.
// Junction rows carry the parent id in Row under the junction's parent field.
type Event struct {
	Op       Op             `json:"op"`
	Table    string         `json:"table"`
	EntityID string         `json:"entityId"`
	Row      map[string]any `json:"row,omitempty"`
}

// Registry resolves mappings and junction declarations.
type Registry interface {
	ResolveByTable(table string) (*ontology.Mapping, bool)
	Junction(table string) (ontology.Junction, bool)
}

// Identity resolves and mints global ids. Repoint records the id a vault
// assigned in place of the minted one; Forget drops a minted id whose
// create never landed.
type Identity interface {
	GetGlobalID(ctx context.Context, localID string) (string, bool, error)
	EnsureGlobalID(ctx context.Context, localID, table string) (string, bool, error)
	Repoint(ctx context.Context, localID, fromGlobal, toGlobal string) error
	Forget(ctx context.Context, localID, globalID string) error
}

// Repository reads current entity state. Load returns sentinel.ErrNotFound
// when the entity no longer exists.
type Repository interface {
	Load(ctx context.Context, table, id string) (envelope.Record, error)
}

// Gate authorizes outbound sync of protected entity classes.
type Gate interface {
	IsAuthorized(entityID, entityClass string) bool
}

// Guard reports echo-suppression locks.
type Guard interface {
	Suppressed(ctx context.Context, ids ...string) (bool, error)
}

// Firing outcomes.
const (
	OutcomePublished  = "published"
	OutcomeSuppressed = "suppressed"
	OutcomeVanished   = "vanished"
	OutcomeFailed     = "failed"
)

// Drop reasons for events that never schedule a timer.
const (
	dropUnmapped     = "unmapped"
	dropUnauthorized = "unauthorized"
	dropNoParent     = "junction_without_parent"
	dropInvalid      = "invalid"
	dropClosed       = "closed"
)

var tracer = otel.Tracer("syncbridge/capture")

type key struct {
	table string
	id    string
}

// keyLock serializes firings of one key. refs counts holders and waiters.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

type pendingTimer struct {
	timer *time.Timer
	gen   uint64
	due   time.Time
}

// Pending describes a scheduled firing.
type Pending struct {
	Table    string    `json:"table"`
	EntityID string    `json:"entityId"`
	Due      time.Time `json:"due"`
}

// Dispatcher debounces local change events and publishes entity state.
type Dispatcher struct {
	registry  Registry
	identity  Identity
	repo      Repository
	publisher publish.Publisher
	gate      Gate
	guard     Guard
	logger    *slog.Logger
	metrics   *metrics.Metrics

	window    time.Duration
	overrides map[string]time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	gen     uint64
	pending map[key]*pendingTimer
	closed  bool

	inflightMu sync.Mutex
	inflight   map[key]*keyLock
}

type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithDebounceWindow sets the default window.
func WithDebounceWindow(window time.Duration) Option {
	return func(d *Dispatcher) {
		if window > 0 {
			d.window = window
		}
	}
}

// WithTableWindows overrides the window for individual tables.
func WithTableWindows(windows map[string]time.Duration) Option {
	return func(d *Dispatcher) {
		for table, w := range windows {
			if w > 0 {
				d.overrides[table] = w
			}
		}
	}
}

// WithGate restricts protected entity classes to trusted operation contexts.
// Without a gate every class is authorized.
func WithGate(gate Gate) Option {
	return func(d *Dispatcher) {
		d.gate = gate
	}
}

// WithGuard enables echo suppression.
func WithGuard(guard Guard) Option {
	return func(d *Dispatcher) {
		d.guard = guard
	}
}

func New(registry Registry, identity Identity, repo Repository, publisher publish.Publisher, opts ...Option) (*Dispatcher, error) {
	if registry == nil {
		return nil, fmt.Errorf("mapping registry is required")
	}
	if identity == nil {
		return nil, fmt.Errorf("identity resolver is required")
	}
	if repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		registry:  registry,
		identity:  identity,
		repo:      repo,
		publisher: publisher,
		window:    DefaultDebounceWindow,
		overrides: make(map[string]time.Duration),
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[key]*pendingTimer),
		inflight:  make(map[key]*keyLock),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.New(slog.DiscardHandler)
	}
	return d, nil
}

// Notify accepts a local change event. It reports whether a firing was
// scheduled; dropped events are not errors.
func (d *Dispatcher) Notify(ctx context.Context, ev Event) bool {
	if !ev.Op.IsValid() || ev.Table == "" {
		d.drop(ctx, ev, dropInvalid)
		return false
	}

	table, id := ev.Table, ev.EntityID
	if j, ok := d.registry.Junction(table); ok {
		parentID := rowString(ev.Row, j.ParentIDField)
		if parentID == "" {
			d.drop(ctx, ev, dropNoParent)
			return false
		}
		d.logger.DebugContext(ctx, "junction event remapped to parent",
			"junction", table,
			"parent_table", j.ParentTable,
			"parent_id", parentID,
		)
		table, id = j.ParentTable, parentID
	}
	if id == "" {
		d.drop(ctx, ev, dropInvalid)
		return false
	}

	m, ok := d.registry.ResolveByTable(table)
	if !ok {
		d.drop(ctx, ev, dropUnmapped)
		return false
	}
	table = m.TableName

	if d.gate != nil && !d.gate.IsAuthorized(id, table) {
		d.drop(ctx, ev, dropUnauthorized)
		return false
	}

	if !d.schedule(key{table: table, id: id}) {
		d.drop(ctx, ev, dropClosed)
		return false
	}
	d.metrics.IncrementReceived(table)
	return true
}

func (d *Dispatcher) drop(ctx context.Context, ev Event, reason string) {
	d.metrics.IncrementDropped(ev.Table, reason)
	d.logger.DebugContext(ctx, "change event dropped",
		"table", ev.Table,
		"entity_id", ev.EntityID,
		"op", string(ev.Op),
		"reason", reason,
	)
}

func (d *Dispatcher) windowFor(table string) time.Duration {
	if w, ok := d.overrides[table]; ok {
		return w
	}
	return d.window
}

// schedule replaces any live timer for k. The generation check in fire
// discards a callback whose timer was replaced after it started.
func (d *Dispatcher) schedule(k key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}

	if p, ok := d.pending[k]; ok {
		p.timer.Stop()
	}
	d.gen++
	gen := d.gen
	window := d.windowFor(k.table)
	d.pending[k] = &pendingTimer{
		gen: gen,
		due: time.Now().Add(window),
		timer: time.AfterFunc(window, func() {
			d.fire(k, gen)
		}),
	}
	d.metrics.SetPending(len(d.pending))
	return true
}

func (d *Dispatcher) fire(k key, gen uint64) {
	d.mu.Lock()
	p, ok := d.pending[k]
	if !ok || p.gen != gen || d.closed {
		d.mu.Unlock()
		return
	}
	delete(d.pending, k)
	d.metrics.SetPending(len(d.pending))
	d.wg.Add(1)
	d.mu.Unlock()

	defer d.wg.Done()
	d.process(d.ctx, k)
}

// lockKey blocks until no other firing of k is running.
func (d *Dispatcher) lockKey(k key) func() {
	d.inflightMu.Lock()
	l, ok := d.inflight[k]
	if !ok {
		l = &keyLock{}
		d.inflight[k] = l
	}
	l.refs++
	d.inflightMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		d.inflightMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.inflight, k)
		}
		d.inflightMu.Unlock()
	}
}

func (d *Dispatcher) process(ctx context.Context, k key) {
	unlock := d.lockKey(k)
	defer unlock()

	ctx, span := tracer.Start(ctx, "capture.fire", trace.WithAttributes(
		attribute.String("table", k.table),
		attribute.String("entity_id", k.id),
	))
	defer span.End()

	start := time.Now()
	ctx = requestcontext.WithTime(ctx, start)
	outcome, err := d.publishEntity(ctx, k.table, k.id)
	d.metrics.ObserveFiring(k.table, outcome, start)
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.ErrorContext(ctx, "outbound sync failed",
			"table", k.table,
			"local_id", k.id,
			"error", err,
		)
	}
}

// publishEntity runs one firing and returns its outcome.
func (d *Dispatcher) publishEntity(ctx context.Context, table, localID string) (string, error) {
	m, ok := d.registry.ResolveByTable(table)
	if !ok {
		return OutcomeFailed, dErrors.Newf(dErrors.CodeUnknownSchema, "no mapping for table %s", table)
	}

	globalID, _, err := d.identity.GetGlobalID(ctx, localID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("resolve global id: %w", err)
	}
	if d.guard != nil {
		suppressed, err := d.guard.Suppressed(ctx, localID, globalID)
		if err != nil {
			return OutcomeFailed, err
		}
		if suppressed {
			d.logger.DebugContext(ctx, "outbound sync suppressed",
				"table", table,
				"local_id", localID,
				"global_id", globalID,
			)
			return OutcomeSuppressed, nil
		}
	}

	record, err := d.repo.Load(ctx, table, localID)
	if errors.Is(err, sentinel.ErrNotFound) {
		d.logger.DebugContext(ctx, "entity vanished before firing",
			"table", table,
			"local_id", localID,
		)
		return OutcomeVanished, nil
	}
	if err != nil {
		return OutcomeFailed, fmt.Errorf("load %s/%s: %w", table, localID, err)
	}

	owner, participants, err := d.resolveOwners(ctx, record, m)
	if err != nil {
		return OutcomeFailed, err
	}

	record, err = d.globalizeRefs(ctx, record, m)
	if err != nil {
		return OutcomeFailed, err
	}

	meta, err := envelope.Encode(record, m)
	if err != nil {
		return OutcomeFailed, err
	}

	globalID, minted, err := d.identity.EnsureGlobalID(ctx, localID, table)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("ensure global id: %w", err)
	}
	op := publish.OperationUpdate
	if minted {
		op = publish.OperationCreate
	}

	pub := &publish.Publication{
		Meta:         meta.WithID(globalID),
		SchemaID:     m.SchemaID,
		TableName:    table,
		LocalID:      localID,
		Owner:        owner,
		Participants: participants,
		Operation:    op,
	}
	remoteID, err := d.publisher.Publish(ctx, pub)
	if err != nil {
		if minted {
			d.forget(ctx, localID, globalID)
		}
		return OutcomeFailed, dErrors.Wrap(err, dErrors.CodePublishFailed, "publish meta-envelope")
	}
	if remoteID != "" && remoteID != globalID {
		if err := d.identity.Repoint(ctx, localID, globalID, remoteID); err != nil {
			return OutcomeFailed, fmt.Errorf("record vault assigned id: %w", err)
		}
		globalID = remoteID
	}
	d.logger.InfoContext(ctx, "entity published",
		"table", table,
		"local_id", localID,
		"global_id", globalID,
		"operation", string(op),
	)
	return OutcomePublished, nil
}

// forget releases a minted id after a failed create so the next firing
// creates again.
func (d *Dispatcher) forget(ctx context.Context, localID, globalID string) {
	if err := d.identity.Forget(ctx, localID, globalID); err != nil {
		d.logger.WarnContext(ctx, "failed to release minted global id",
			"local_id", localID,
			"global_id", globalID,
			"error", err,
		)
	}
}

// resolveOwners returns the owning ename and the other participants'
// enames. A reference owner field is followed to the referenced rows.
func (d *Dispatcher) resolveOwners(ctx context.Context, record envelope.Record, m *ontology.Mapping) (string, []string, error) {
	f, ok := m.FieldByLocal(m.OwnerField)
	if !ok {
		return "", nil, nil
	}
	var enames []string
	if !f.IsRef() {
		enames = envelope.Owners(record, m)
	} else {
		seen := map[string]bool{}
		for _, ref := range envelope.OutboundRefs(record, m) {
			if ref.Field != m.OwnerField {
				continue
			}
			path := d.ownerPath(m, ref.Table)
			if path == "" {
				continue
			}
			row, err := d.repo.Load(ctx, ref.Table, ref.ID)
			if errors.Is(err, sentinel.ErrNotFound) {
				d.logger.DebugContext(ctx, "owner row missing",
					"table", ref.Table,
					"local_id", ref.ID,
				)
				continue
			}
			if err != nil {
				return "", nil, fmt.Errorf("load owner %s/%s: %w", ref.Table, ref.ID, err)
			}
			ename := rowString(row, path)
			if ename == "" || seen[ename] {
				continue
			}
			seen[ename] = true
			enames = append(enames, ename)
		}
	}
	if len(enames) == 0 {
		return "", nil, nil
	}
	return enames[0], enames[1:], nil
}

// ownerPath names the column holding the ename on rows of table.
func (d *Dispatcher) ownerPath(m *ontology.Mapping, table string) string {
	if m.OwnerPath != "" {
		return m.OwnerPath
	}
	rm, ok := d.registry.ResolveByTable(table)
	if !ok || rm.OwnerField == "" {
		return ""
	}
	if f, ok := rm.FieldByLocal(rm.OwnerField); ok && f.IsRef() {
		return ""
	}
	return rm.OwnerField
}

// globalizeRefs swaps local ids in reference fields for "type(globalId)".
// References to entities that were never synced are omitted.
func (d *Dispatcher) globalizeRefs(ctx context.Context, record envelope.Record, m *ontology.Mapping) (envelope.Record, error) {
	refs := envelope.OutboundRefs(record, m)
	if len(refs) == 0 {
		return record, nil
	}
	for i, ref := range refs {
		refType := ref.Table
		if rm, ok := d.registry.ResolveByTable(ref.Table); ok {
			refType = rm.OntologyType
		}
		gid, ok, err := d.identity.GetGlobalID(ctx, ref.ID)
		if err != nil {
			return nil, fmt.Errorf("resolve reference %s.%s: %w", m.TableName, ref.Field, err)
		}
		if !ok {
			d.logger.DebugContext(ctx, "unsynced reference omitted",
				"table", m.TableName,
				"field", ref.Field,
				"ref_table", ref.Table,
				"ref_id", ref.ID,
			)
			refs[i].Drop = true
			continue
		}
		refs[i].Replacement = envelope.FormatRef(refType, gid)
	}
	return envelope.ApplyRefs(record, refs), nil
}

// Pending lists scheduled firings ordered by due time.
func (d *Dispatcher) Pending() []Pending {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Pending, 0, len(d.pending))
	for k, p := range d.pending {
		out = append(out, Pending{Table: k.table, EntityID: k.id, Due: p.due})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Due.Equal(out[j].Due) {
			return out[i].Table+out[i].EntityID < out[j].Table+out[j].EntityID
		}
		return out[i].Due.Before(out[j].Due)
	})
	return out
}

// Flush fires every pending timer now and waits for the firings to finish.
func (d *Dispatcher) Flush(ctx context.Context) {
	d.mu.Lock()
	keys := make([]key, 0, len(d.pending))
	for k, p := range d.pending {
		p.timer.Stop()
		keys = append(keys, k)
	}
	clear(d.pending)
	d.metrics.SetPending(0)
	d.mu.Unlock()

	for _, k := range keys {
		if ctx.Err() != nil {
			return
		}
		d.process(ctx, k)
	}
}

// Close cancels pending timers and waits for in-flight firings. Events
// arriving afterwards are dropped.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, p := range d.pending {
		p.timer.Stop()
	}
	clear(d.pending)
	d.metrics.SetPending(0)
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}

func rowString(row map[string]any, field string) string {
	if row == nil || field == "" {
		return ""
	}
	switch v := row[field].(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
