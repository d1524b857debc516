// Package identity resolves local ids to global ids and back.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"syncbridge/internal/identity/models"
	dErrors "syncbridge/pkg/domain-errors"
	"syncbridge/pkg/platform/sentinel"
	"syncbridge/pkg/platform/tx"
	"syncbridge/pkg/requestcontext"
)

// Store persists identity mappings. Find methods return sentinel.ErrNotFound
// when no row exists; Insert returns sentinel.ErrConflict when either id is
// already mapped. Repoint and Delete act only on the exact (local, global)
// pair given and return sentinel.ErrNotFound otherwise.
type Store interface {
	FindByLocal(ctx context.Context, localID string) (*models.Mapping, error)
	FindByGlobal(ctx context.Context, globalID string) (*models.Mapping, error)
	Insert(ctx context.Context, mapping *models.Mapping) error
	Repoint(ctx context.Context, localID, fromGlobal, toGlobal string) error
	Delete(ctx context.Context, localID, globalID string) error
}

type Service struct {
	store  Store
	logger *slog.Logger
	mint   func() string
	group  singleflight.Group
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithIDGenerator replaces UUIDv4 minting. Used by tests.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		s.mint = fn
	}
}

func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("identity store is required")
	}
	svc := &Service{
		store: store,
		mint:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.logger == nil {
		svc.logger = slog.New(slog.DiscardHandler)
	}
	return svc, nil
}

// GetLocalID returns the local id mapped to globalID.
func (s *Service) GetLocalID(ctx context.Context, globalID string) (string, bool, error) {
	if globalID == "" {
		return "", false, nil
	}
	m, err := s.store.FindByGlobal(ctx, globalID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up local id")
	}
	return m.LocalID, true, nil
}

// GetGlobalID returns the global id mapped to localID.
func (s *Service) GetGlobalID(ctx context.Context, localID string) (string, bool, error) {
	if localID == "" {
		return "", false, nil
	}
	m, err := s.store.FindByLocal(ctx, localID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up global id")
	}
	return m.GlobalID, true, nil
}

// StoreMapping records localID ↔ globalID. Storing an identical pair again
// succeeds; a pair that conflicts with an existing mapping on either side
// fails with mapping_conflict and leaves the original untouched.
func (s *Service) StoreMapping(ctx context.Context, localID, globalID, table string) error {
	if localID == "" || globalID == "" {
		return dErrors.New(dErrors.CodeBadRequest, "local id and global id are required")
	}
	err := s.store.Insert(ctx, &models.Mapping{
		LocalID:   localID,
		GlobalID:  globalID,
		TableName: table,
		CreatedAt: requestcontext.Now(ctx),
	})
	if err == nil {
		s.logger.DebugContext(ctx, "identity mapping stored",
			"local_id", localID,
			"global_id", globalID,
			"table", table,
		)
		return nil
	}
	if !errors.Is(err, sentinel.ErrConflict) {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to store identity mapping")
	}

	existing, findErr := s.store.FindByLocal(ctx, localID)
	if findErr == nil && existing.GlobalID == globalID {
		return nil
	}
	s.logger.WarnContext(ctx, "identity mapping conflict",
		"local_id", localID,
		"global_id", globalID,
		"table", table,
	)
	return dErrors.Newf(dErrors.CodeMappingConflict, "local id %s or global id %s is already mapped", localID, globalID)
}

// EnsureGlobalID returns the global id for localID, minting and storing a
// new one when none exists. minted reports whether this call created it.
// Concurrent calls for the same local id outside a transaction share one
// lookup.
func (s *Service) EnsureGlobalID(ctx context.Context, localID, table string) (globalID string, minted bool, err error) {
	if localID == "" {
		return "", false, dErrors.New(dErrors.CodeBadRequest, "local id is required")
	}
	if _, inTx := tx.From(ctx); inTx {
		return s.ensure(ctx, localID, table)
	}

	type result struct {
		id     string
		minted bool
	}
	v, err, _ := s.group.Do(localID, func() (any, error) {
		id, minted, err := s.ensure(ctx, localID, table)
		return result{id: id, minted: minted}, err
	})
	if err != nil {
		return "", false, err
	}
	r := v.(result)
	return r.id, r.minted, nil
}

func (s *Service) ensure(ctx context.Context, localID, table string) (string, bool, error) {
	if id, ok, err := s.GetGlobalID(ctx, localID); err != nil || ok {
		return id, false, err
	}

	candidate := s.mint()
	err := s.StoreMapping(ctx, localID, candidate, table)
	if err == nil {
		return candidate, true, nil
	}
	if !dErrors.HasCode(err, dErrors.CodeMappingConflict) {
		return "", false, err
	}

	// Lost an insert race; the winner's mapping is authoritative.
	id, ok, getErr := s.GetGlobalID(ctx, localID)
	if getErr != nil {
		return "", false, getErr
	}
	if !ok {
		return "", false, err
	}
	return id, false, nil
}

// Repoint replaces the provisional global id of localID with the id the
// remote vault assigned. Repointing to the current id is a no-op.
func (s *Service) Repoint(ctx context.Context, localID, fromGlobal, toGlobal string) error {
	if localID == "" || fromGlobal == "" || toGlobal == "" {
		return dErrors.New(dErrors.CodeBadRequest, "local id and both global ids are required")
	}
	if fromGlobal == toGlobal {
		return nil
	}
	err := s.store.Repoint(ctx, localID, fromGlobal, toGlobal)
	switch {
	case err == nil:
		s.logger.InfoContext(ctx, "identity mapping repointed",
			"local_id", localID,
			"from_global_id", fromGlobal,
			"to_global_id", toGlobal,
		)
		return nil
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Newf(dErrors.CodeMappingConflict, "global id %s is already mapped", toGlobal)
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Newf(dErrors.CodeNotFound, "local id %s is not mapped to %s", localID, fromGlobal)
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to repoint identity mapping")
}

// Forget drops a mapping minted for a create that never reached the remote
// side, so the next attempt is a create again. A pair that no longer exists
// is not an error.
func (s *Service) Forget(ctx context.Context, localID, globalID string) error {
	if localID == "" || globalID == "" {
		return dErrors.New(dErrors.CodeBadRequest, "local id and global id are required")
	}
	err := s.store.Delete(ctx, localID, globalID)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to forget identity mapping")
	}
	s.logger.DebugContext(ctx, "identity mapping forgotten",
		"local_id", localID,
		"global_id", globalID,
	)
	return nil
}
