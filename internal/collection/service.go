package collection

import (
	"context"
	"sync"

	"github.com/opsdeskhq/opsdesk/internal/config"
	"github.com/opsdeskhq/opsdesk/internal/entity"
	"github.com/opsdeskhq/opsdesk/internal/event"
	"github.com/opsdeskhq/opsdesk/internal/loggy"
	"github.com/opsdeskhq/opsdesk/internal/store"
)

// Handle is the caller-facing view of one collection
type Handle struct {
	c *SyncedCollection
}

// Items returns the current snapshot
func (h *Handle) Items() []entity.Record {
	return h.c.Items()
}

// IsLoading reports whether the initial snapshot is still being fetched
func (h *Handle) IsLoading() bool {
	return h.c.State() == StateLoading
}

// Err returns the last load failure
func (h *Handle) Err() error {
	return h.c.Err()
}

// Refetch forces a reload
func (h *Handle) Refetch() {
	h.c.Refetch()
}

// Service owns every live collection, one per (kind, filter) pair, and
// hands out handles. Requesting the same filter twice shares one snapshot.
type Service struct {
	store  store.Store
	bus    *event.Bus
	cfg    config.SyncConfig
	logger *loggy.Logger

	mu          sync.Mutex
	collections map[string]*SyncedCollection
	disposed    bool
}

// NewService creates the collection service
func NewService(st store.Store, bus *event.Bus, cfg config.SyncConfig, logger *loggy.Logger) *Service {
	return &Service{
		store:       st,
		bus:         bus,
		cfg:         cfg,
		logger:      logger,
		collections: make(map[string]*SyncedCollection),
	}
}

// UseCollection returns a handle for the filter's view, creating and
// starting the underlying collection on first use
func (s *Service) UseCollection(ctx context.Context, filter entity.Filter) (*Handle, error) {
	key := filter.Key()

	s.mu.Lock()
	if c, ok := s.collections[key]; ok {
		s.mu.Unlock()
		return &Handle{c: c}, nil
	}
	c := NewSyncedCollection(filter, s.store, s.bus, s.cfg, s.logger)
	s.collections[key] = c
	s.mu.Unlock()

	if err := c.Start(ctx); err != nil {
		s.mu.Lock()
		delete(s.collections, key)
		s.mu.Unlock()
		return nil, err
	}

	return &Handle{c: c}, nil
}

// Release disposes the collection for the filter, if one exists
func (s *Service) Release(ctx context.Context, filter entity.Filter) {
	key := filter.Key()

	s.mu.Lock()
	c, ok := s.collections[key]
	if ok {
		delete(s.collections, key)
	}
	s.mu.Unlock()

	if ok {
		c.Dispose(ctx)
	}
}

// ApplyOptimistic installs a predicted record state in every live view of
// its kind. The returned map (collection key to previous state, nil for
// absent) is the rollback token.
func (s *Service) ApplyOptimistic(rec entity.Record) map[string]entity.Record {
	prev := make(map[string]entity.Record)
	for key, c := range s.ofKind(rec.RecordKind()) {
		prev[key] = c.ApplyOptimistic(rec)
	}
	return prev
}

// Restore undoes an optimistic projection using the token returned by
// ApplyOptimistic. Views created after the projection are untouched; the
// convergence refetch corrects them.
func (s *Service) Restore(kind entity.Kind, id string, prev map[string]entity.Record) {
	for key, c := range s.ofKind(kind) {
		state, ok := prev[key]
		if !ok {
			continue
		}
		c.RestoreEntity(id, state)
	}
}

// RefetchKind forces a reload of every live view of the kind
func (s *Service) RefetchKind(kind entity.Kind) {
	for _, c := range s.ofKind(kind) {
		c.Refetch()
	}
}

// Get looks the record up in any live view of the kind
func (s *Service) Get(kind entity.Kind, id string) (entity.Record, bool) {
	for _, c := range s.ofKind(kind) {
		if rec, ok := c.Get(id); ok {
			return rec, true
		}
	}
	return nil, false
}

// States reports the lifecycle phase of every live collection by key
func (s *Service) States() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]State, len(s.collections))
	for key, c := range s.collections {
		out[key] = c.State()
	}
	return out
}

// Shutdown disposes every collection
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	collections := make([]*SyncedCollection, 0, len(s.collections))
	for _, c := range s.collections {
		collections = append(collections, c)
	}
	s.collections = make(map[string]*SyncedCollection)
	s.mu.Unlock()

	for _, c := range collections {
		c.Dispose(ctx)
	}
}

func (s *Service) ofKind(kind entity.Kind) map[string]*SyncedCollection {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]*SyncedCollection)
	for key, c := range s.collections {
		if c.Kind() == kind {
			out[key] = c
		}
	}
	return out
}
