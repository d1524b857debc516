// Package loopguard suppresses outbound echoes of inbound writes and gates
// outbound sync of protected entity classes behind trusted operation
// contexts. All state is process-local unless a shared LockSet is used.
package loopguard

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Default operation context timings.
const (
	DefaultContextTTL = 30 * time.Second
	DefaultCloseDelay = time.Second
)

// OperationContext asserts that a service is mid-operation.
type OperationContext struct {
	Key         string
	ServiceName string
	OperationID string
	CreatedAt   time.Time
}

// Gate tracks open operation contexts. Safe for concurrent use.
type Gate struct {
	mu         sync.Mutex
	contexts   map[string]OperationContext
	protected  map[string]struct{}
	trusted    map[string]struct{}
	ttl        time.Duration
	closeDelay time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

type GateOption func(*Gate)

// WithProtected sets the entity classes that need a trusted context.
func WithProtected(classes ...string) GateOption {
	return func(g *Gate) {
		g.protected = toSet(classes)
	}
}

// WithTrusted sets the service names whose contexts authorize protected classes.
func WithTrusted(services ...string) GateOption {
	return func(g *Gate) {
		g.trusted = make(map[string]struct{}, len(services))
		for _, s := range services {
			g.trusted[s] = struct{}{}
		}
	}
}

func WithContextTTL(ttl time.Duration) GateOption {
	return func(g *Gate) {
		g.ttl = ttl
	}
}

// WithCloseDelay sets how long Run keeps a context open after fn returns.
func WithCloseDelay(d time.Duration) GateOption {
	return func(g *Gate) {
		g.closeDelay = d
	}
}

func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) {
		g.now = now
	}
}

func WithGateLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) {
		g.logger = logger
	}
}

// NewGate builds a gate with no protected classes unless configured.
func NewGate(opts ...GateOption) *Gate {
	g := &Gate{
		contexts:   make(map[string]OperationContext),
		protected:  map[string]struct{}{},
		trusted:    map[string]struct{}{},
		ttl:        DefaultContextTTL,
		closeDelay: DefaultCloseDelay,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.New(slog.DiscardHandler)
	}
	return g
}

// Open registers an operation context and returns its key.
func (g *Gate) Open(serviceName, operationID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.purgeLocked(now)

	key := fmt.Sprintf("%s:%s:%d", serviceName, operationID, now.UnixNano())
	for n := 1; ; n++ {
		if _, taken := g.contexts[key]; !taken {
			break
		}
		key = fmt.Sprintf("%s:%s:%d-%d", serviceName, operationID, now.UnixNano(), n)
	}
	g.contexts[key] = OperationContext{
		Key:         key,
		ServiceName: serviceName,
		OperationID: operationID,
		CreatedAt:   now,
	}
	g.logger.Debug("operation context opened", "key", key, "service", serviceName)
	return key
}

// Close removes an operation context. Unknown keys are ignored.
func (g *Gate) Close(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.contexts, key)
}

// IsProtected reports whether entityClass needs a trusted context.
func (g *Gate) IsProtected(entityClass string) bool {
	_, ok := g.protected[strings.ToLower(entityClass)]
	return ok
}

// IsAuthorized reports whether outbound sync of the entity may proceed.
// Unprotected classes are always authorized.
func (g *Gate) IsAuthorized(entityID, entityClass string) bool {
	if !g.IsProtected(entityClass) {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for _, oc := range g.contexts {
		if now.Sub(oc.CreatedAt) >= g.ttl {
			continue
		}
		if _, ok := g.trusted[oc.ServiceName]; ok {
			return true
		}
	}
	g.logger.Debug("outbound sync not authorized",
		"entity_id", entityID,
		"entity_class", entityClass,
	)
	return false
}

// Run opens a context for service, runs fn, and closes the context after the
// configured close delay so change events fired by fn's writes still see it.
func (g *Gate) Run(ctx context.Context, serviceName, operationID string, fn func(ctx context.Context) error) error {
	key := g.Open(serviceName, operationID)
	defer g.closeLater(key)
	return fn(ctx)
}

func (g *Gate) closeLater(key string) {
	if g.closeDelay <= 0 {
		g.Close(key)
		return
	}
	time.AfterFunc(g.closeDelay, func() { g.Close(key) })
}

// Active returns the live contexts ordered by creation time.
func (g *Gate) Active() []OperationContext {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.purgeLocked(g.now())
	out := make([]OperationContext, 0, len(g.contexts))
	for _, oc := range g.contexts {
		out = append(out, oc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (g *Gate) purgeLocked(now time.Time) {
	for key, oc := range g.contexts {
		if now.Sub(oc.CreatedAt) >= g.ttl {
			delete(g.contexts, key)
		}
	}
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[strings.ToLower(v)] = struct{}{}
	}
	return out
}
