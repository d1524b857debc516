// Package evault publishes meta-envelopes to the owner's vault over GraphQL.
// The vault endpoint is resolved per owner through the registry and cached.
package evault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"syncbridge/internal/publish"
	"syncbridge/pkg/platform/circuit"
	"syncbridge/pkg/platform/sentinel"
)

// ErrVaultUnavailable is returned without a network call while the breaker
// for a vault endpoint is open.
var ErrVaultUnavailable = fmt.Errorf("vault circuit open: %w", sentinel.ErrUnavailable)

// referenceOntology marks a meta-envelope that points at another vault's copy.
const referenceOntology = "reference"

const (
	storeMutation = `mutation StoreMetaEnvelope($input: MetaEnvelopeInput!) {
  storeMetaEnvelope(input: $input) { metaEnvelope { id ontology } }
}`
	updateMutation = `mutation UpdateMetaEnvelopeById($id: String!, $input: MetaEnvelopeInput!) {
  updateMetaEnvelopeById(id: $id, input: $input) { metaEnvelope { id ontology } }
}`
)

// Publisher talks to vaults resolved through a registry.
type Publisher struct {
	registry *url.URL
	client   *http.Client
	logger   *slog.Logger

	mu        sync.RWMutex
	endpoints map[string]string

	breakerOpts []circuit.Option
	breakerMu   sync.Mutex
	breakers    map[string]*circuit.Breaker
}

type Option func(*Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithHTTPClient replaces the default client built from the timeout.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Publisher) {
		if client != nil {
			p.client = client
		}
	}
}

// WithBreaker configures the per-endpoint circuit breakers.
func WithBreaker(opts ...circuit.Option) Option {
	return func(p *Publisher) {
		p.breakerOpts = append(p.breakerOpts, opts...)
	}
}

func New(registryURL string, timeout time.Duration, opts ...Option) (*Publisher, error) {
	if registryURL == "" {
		return nil, fmt.Errorf("registry url is required")
	}
	u, err := url.Parse(registryURL)
	if err != nil {
		return nil, fmt.Errorf("parse registry url: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	p := &Publisher{
		registry:  u,
		client:    &http.Client{Timeout: timeout},
		logger:    slog.New(slog.DiscardHandler),
		endpoints: make(map[string]string),
		breakers:  make(map[string]*circuit.Breaker),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

type metaEnvelopeInput struct {
	Ontology string         `json:"ontology"`
	Payload  map[string]any `json:"payload"`
	ACL      []string       `json:"acl"`
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   map[string]json.RawMessage `json:"data"`
	Errors []graphQLError             `json:"errors"`
}

type mutationResult struct {
	MetaEnvelope struct {
		ID       string `json:"id"`
		Ontology string `json:"ontology"`
	} `json:"metaEnvelope"`
}

// Publish stores or updates the meta-envelope in the owner's vault and
// returns the id the vault holds it under. An update the vault does not
// recognise falls back to a store. Creates leave a reference in each
// participant's vault.
func (p *Publisher) Publish(ctx context.Context, pub *publish.Publication) (string, error) {
	if pub == nil || pub.Meta == nil || pub.Meta.ID == "" {
		return "", fmt.Errorf("publication requires a meta-envelope with a global id")
	}
	if pub.Owner == "" {
		return "", fmt.Errorf("publication %s has no owner vault", pub.Meta.ID)
	}
	endpoint, err := p.resolve(ctx, pub.Owner)
	if err != nil {
		return "", err
	}
	breaker := p.breaker(endpoint)
	if !breaker.Allow() {
		return "", fmt.Errorf("%w: %s", ErrVaultUnavailable, endpoint)
	}
	remoteID, stored, err := p.publish(ctx, endpoint, pub)
	p.record(ctx, breaker, err)
	if err != nil {
		return "", err
	}
	if stored && pub.Operation == publish.OperationCreate {
		p.storeReferences(ctx, pub, remoteID)
	}
	return remoteID, nil
}

// publish reports the remote id and whether a new meta-envelope was stored.
func (p *Publisher) publish(ctx context.Context, endpoint string, pub *publish.Publication) (string, bool, error) {
	input := metaEnvelopeInput{
		Ontology: pub.SchemaID,
		Payload:  pub.Meta.Data(),
		ACL:      pub.Meta.ACL,
	}
	if len(input.ACL) == 0 {
		input.ACL = []string{"*"}
	}

	if pub.Operation == publish.OperationUpdate {
		_, err := p.mutate(ctx, endpoint, pub.Owner, "updateMetaEnvelopeById", updateMutation, map[string]any{
			"id":    pub.Meta.ID,
			"input": input,
		})
		if err == nil {
			return pub.Meta.ID, false, nil
		}
		if !isNotFound(err) {
			return "", false, err
		}
		p.logger.InfoContext(ctx, "meta-envelope missing remotely, storing",
			"global_id", pub.Meta.ID,
			"owner", pub.Owner,
		)
	}

	id, err := p.store(ctx, endpoint, pub.Owner, input)
	if err != nil {
		return "", false, err
	}
	if id != pub.Meta.ID {
		p.logger.DebugContext(ctx, "vault assigned id",
			"global_id", pub.Meta.ID,
			"remote_id", id,
			"owner", pub.Owner,
		)
	}
	return id, true, nil
}

func (p *Publisher) store(ctx context.Context, endpoint, ename string, input metaEnvelopeInput) (string, error) {
	res, err := p.mutate(ctx, endpoint, ename, "storeMetaEnvelope", storeMutation, map[string]any{
		"input": input,
	})
	if err != nil {
		return "", err
	}
	if res.MetaEnvelope.ID == "" {
		return "", fmt.Errorf("storeMetaEnvelope: vault returned no id")
	}
	return res.MetaEnvelope.ID, nil
}

// storeReferences points every participant's vault at the owner's copy.
// Failures are logged; the owner's meta-envelope is already stored.
func (p *Publisher) storeReferences(ctx context.Context, pub *publish.Publication, remoteID string) {
	referenceID := pub.Owner + "/" + remoteID
	for _, participant := range pub.Participants {
		if participant == "" || participant == pub.Owner {
			continue
		}
		if err := p.storeReference(ctx, participant, referenceID); err != nil {
			p.logger.WarnContext(ctx, "failed to store participant reference",
				"participant", participant,
				"reference", referenceID,
				"error", err,
			)
		}
	}
}

func (p *Publisher) storeReference(ctx context.Context, ename, referenceID string) error {
	endpoint, err := p.resolve(ctx, ename)
	if err != nil {
		return err
	}
	breaker := p.breaker(endpoint)
	if !breaker.Allow() {
		return fmt.Errorf("%w: %s", ErrVaultUnavailable, endpoint)
	}
	_, err = p.store(ctx, endpoint, ename, metaEnvelopeInput{
		Ontology: referenceOntology,
		Payload:  map[string]any{"_by_reference": referenceID},
		ACL:      []string{"*"},
	})
	p.record(ctx, breaker, err)
	return err
}

func (p *Publisher) breaker(endpoint string) *circuit.Breaker {
	p.breakerMu.Lock()
	defer p.breakerMu.Unlock()
	b, ok := p.breakers[endpoint]
	if !ok {
		b = circuit.New(endpoint, p.breakerOpts...)
		p.breakers[endpoint] = b
	}
	return b
}

// record feeds the outcome to the breaker. Errors reported by a reachable
// vault count as successes.
func (p *Publisher) record(ctx context.Context, b *circuit.Breaker, err error) {
	if err != nil && vaultDown(err) {
		if _, change := b.RecordFailure(); change.Opened {
			p.logger.WarnContext(ctx, "vault circuit opened", "endpoint", b.Name(), "error", err)
		}
		return
	}
	if _, change := b.RecordSuccess(); change.Closed {
		p.logger.InfoContext(ctx, "vault circuit closed", "endpoint", b.Name())
	}
}

// resolve returns the GraphQL endpoint for owner.
func (p *Publisher) resolve(ctx context.Context, owner string) (string, error) {
	p.mu.RLock()
	endpoint, ok := p.endpoints[owner]
	p.mu.RUnlock()
	if ok {
		return endpoint, nil
	}

	ref := p.registry.ResolveReference(&url.URL{Path: "/resolve", RawQuery: url.Values{"w3id": {owner}}.Encode()})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build resolve request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", owner, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("resolve %s: registry returned %d", owner, resp.StatusCode)
	}
	var body struct {
		URI string `json:"uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode resolve response: %w", err)
	}
	if body.URI == "" {
		return "", fmt.Errorf("resolve %s: registry returned no uri", owner)
	}
	base, err := url.Parse(body.URI)
	if err != nil {
		return "", fmt.Errorf("parse vault uri: %w", err)
	}
	endpoint = base.ResolveReference(&url.URL{Path: "/graphql"}).String()

	p.mu.Lock()
	p.endpoints[owner] = endpoint
	p.mu.Unlock()
	return endpoint, nil
}

func (p *Publisher) mutate(ctx context.Context, endpoint, owner, field, query string, vars map[string]any) (*mutationResult, error) {
	payload, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", field, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", field, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-ENAME", owner)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &transportError{field: field, err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", field, err)
	}
	if resp.StatusCode >= 300 {
		return nil, &statusError{field: field, code: resp.StatusCode}
	}

	var out graphQLResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", field, err)
	}
	if len(out.Errors) > 0 {
		return nil, &remoteError{field: field, message: out.Errors[0].Message}
	}
	result := &mutationResult{}
	if data, ok := out.Data[field]; ok && len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, result); err != nil {
			return nil, fmt.Errorf("decode %s result: %w", field, err)
		}
	}
	return result, nil
}

type remoteError struct {
	field   string
	message string
}

func (e *remoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.field, e.message)
}

func isNotFound(err error) bool {
	var re *remoteError
	return errors.As(err, &re) && strings.Contains(strings.ToLower(re.message), "not found")
}

type statusError struct {
	field string
	code  int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: vault returned %d", e.field, e.code)
}

type transportError struct {
	field string
	err   error
}

func (e *transportError) Error() string { return e.field + ": " + e.err.Error() }

func (e *transportError) Unwrap() error { return e.err }

func vaultDown(err error) bool {
	var te *transportError
	if errors.As(err, &te) {
		return true
	}
	var se *statusError
	return errors.As(err, &se) && se.code >= http.StatusInternalServerError
}
