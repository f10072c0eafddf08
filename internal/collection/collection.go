// Package collection maintains live, filtered local snapshots of server
// state. Each SyncedCollection owns one (entity kind, filter) view: an
// ordered list of records unique by id, reconciled against push events and
// periodically refetched as a convergence backstop.
package collection

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/opsdeskhq/opsdesk/internal/config"
	"github.com/opsdeskhq/opsdesk/internal/entity"
	"github.com/opsdeskhq/opsdesk/internal/event"
	"github.com/opsdeskhq/opsdesk/internal/loggy"
	"github.com/opsdeskhq/opsdesk/internal/store"
)

// State is the lifecycle phase of a collection
type State string

const (
	// StateLoading means the initial snapshot fetch has not completed
	StateLoading State = "loading"
	// StateReady means push events flow and the snapshot is live
	StateReady State = "ready"
	// StateDegraded means the push feed is down and the collection relies
	// on interval polling only
	StateDegraded State = "degraded"
	// StateDisposed means the collection was torn down
	StateDisposed State = "disposed"
)

// SyncedCollection holds the local snapshot for one (kind, filter) view.
//
// The snapshot invariant: at any observable instant the items slice
// contains exactly the records that satisfy the filter, each in its most
// recent known state, ordered by the comparator, unique by id. All snapshot
// mutations happen under mu; network calls and timers never hold it.
type SyncedCollection struct {
	kind   entity.Kind
	store  store.Store
	bus    *event.Bus
	cfg    config.SyncConfig
	logger *loggy.Logger

	limiter *rate.Limiter

	mu         sync.Mutex
	filter     entity.Filter
	less       entity.Less
	items      []entity.Record
	state      State
	loadErr    error
	generation uint64

	sub          *event.Subscription
	refetchTimer *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSyncedCollection creates a collection for the filter's entity kind.
// Call Start to load the snapshot and begin consuming events.
func NewSyncedCollection(filter entity.Filter, st store.Store, bus *event.Bus, cfg config.SyncConfig, logger *loggy.Logger) *SyncedCollection {
	perSecond := cfg.RefetchPerSecond
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.RefetchBurst
	if burst <= 0 {
		burst = 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &SyncedCollection{
		kind:    filter.FilterKind(),
		store:   st,
		bus:     bus,
		cfg:     cfg,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		filter:  filter,
		less:    entity.DefaultLess(filter.FilterKind()),
		state:   StateLoading,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to the push feed, loads the initial snapshot and starts
// the polling backstop
func (c *SyncedCollection) Start(ctx context.Context) error {
	if c.bus != nil {
		sub, err := c.bus.Subscribe(ctx, c.kind, c.applyChangeEvent, c.onBusError)
		if err != nil {
			return fmt.Errorf("subscribing %s collection: %w", c.kind, err)
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
	}

	gen := c.currentGeneration()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.load(gen)
	}()

	if c.cfg.PollInterval > 0 {
		c.wg.Add(1)
		go c.pollLoop()
	}

	return nil
}

// Kind returns the entity kind this collection tracks
func (c *SyncedCollection) Kind() entity.Kind {
	return c.kind
}

// State returns the current lifecycle phase
func (c *SyncedCollection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the last load failure, if the collection is in error
func (c *SyncedCollection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadErr
}

// Items returns a deep copy of the current snapshot in comparator order
func (c *SyncedCollection) Items() []entity.Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]entity.Record, len(c.items))
	for i, rec := range c.items {
		out[i] = rec.Clone()
	}
	return out
}

// Get returns a copy of one record by id
func (c *SyncedCollection) Get(id string) (entity.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i := c.indexOf(id); i >= 0 {
		return c.items[i].Clone(), true
	}
	return nil, false
}

// SetFilter swaps the active filter and reloads. A load still in flight
// for the previous filter is superseded; its response will be discarded.
func (c *SyncedCollection) SetFilter(filter entity.Filter) error {
	if filter.FilterKind() != c.kind {
		return fmt.Errorf("filter kind %s does not match collection kind %s", filter.FilterKind(), c.kind)
	}

	c.mu.Lock()
	c.filter = filter
	c.state = StateLoading
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.load(gen)
	}()
	return nil
}

// Refetch forces a full reload of the snapshot, subject to the refetch
// rate limit
func (c *SyncedCollection) Refetch() {
	if !c.limiter.Allow() {
		// The polling backstop converges eventually anyway
		c.logger.Debug("Refetch throttled", "entity_type", string(c.kind))
		return
	}
	c.load(c.currentGeneration())
}

// Dispose tears the collection down: the bus subscription is removed,
// the timers stop, and the snapshot becomes unobservable
func (c *SyncedCollection) Dispose(ctx context.Context) {
	c.mu.Lock()
	if c.state == StateDisposed {
		c.mu.Unlock()
		return
	}
	c.state = StateDisposed
	c.generation++
	sub := c.sub
	c.sub = nil
	if c.refetchTimer != nil {
		c.refetchTimer.Stop()
		c.refetchTimer = nil
	}
	c.items = nil
	c.mu.Unlock()

	c.cancel()

	if sub != nil && c.bus != nil {
		if err := c.bus.Unsubscribe(ctx, sub); err != nil {
			c.logger.Warn("Failed to unsubscribe collection", "entity_type", string(c.kind), "error", err)
		}
	}

	c.wg.Wait()
}

// load fetches the full snapshot for the given generation and installs it
// if no newer load has been requested since
func (c *SyncedCollection) load(gen uint64) {
	ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
	defer cancel()

	rows, err := c.store.Query(ctx, c.kind)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDisposed || gen != c.generation {
		// A newer filter owns the snapshot now
		return
	}

	if err != nil {
		// Keep whatever snapshot exists; callers see the error flag
		c.loadErr = err
		if c.state == StateLoading {
			c.state = c.healthyState()
		}
		c.logger.Warn("Collection load failed", "entity_type", string(c.kind), "error", err)
		return
	}

	items := make([]entity.Record, 0, len(rows))
	for _, rec := range rows {
		if c.filter.Match(rec) {
			items = append(items, rec)
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return c.less(items[i], items[j]) })

	c.items = items
	c.loadErr = nil
	if c.state == StateLoading {
		c.state = c.healthyState()
	}
}

// applyChangeEvent reconciles one push event into the snapshot.
//
// Reconciliation is equivalent to recomputing membership from the latest
// known row: the predicate is re-evaluated against the merged state and
// derived fields are already recomputed at decode time. Applying the same
// event twice leaves the snapshot unchanged.
func (c *SyncedCollection) applyChangeEvent(evt entity.ChangeEvent) {
	if evt.Kind != c.kind {
		return
	}

	c.mu.Lock()
	if c.state == StateDisposed {
		c.mu.Unlock()
		return
	}
	if c.state == StateLoading {
		// The event may postdate the snapshot the in-flight load will
		// install; the debounced refetch reconciles it
		c.mu.Unlock()
		c.scheduleRefetch()
		return
	}

	switch evt.Type {
	case entity.EventInsert, entity.EventUpdate:
		c.upsertLocked(evt.New.Clone())
	case entity.EventDelete:
		c.removeLocked(evt.EntityID())
	}
	c.mu.Unlock()

	c.scheduleRefetch()
}

// ApplyOptimistic installs a locally predicted record state ahead of
// server confirmation. It returns a clone of the record's previous state
// in this view (nil if the record was absent) for rollback.
func (c *SyncedCollection) ApplyOptimistic(rec entity.Record) entity.Record {
	if rec.RecordKind() != c.kind {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var prev entity.Record
	if i := c.indexOf(rec.EntityID()); i >= 0 {
		prev = c.items[i].Clone()
	}
	c.upsertLocked(rec.Clone())
	return prev
}

// RestoreEntity undoes an optimistic projection: the record's state in
// this view reverts to prev (absent when prev is nil)
func (c *SyncedCollection) RestoreEntity(id string, prev entity.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev == nil {
		c.removeLocked(id)
		return
	}
	c.upsertLocked(prev.Clone())
}

// upsertLocked merges a record into the snapshot: membership follows the
// predicate, position follows the comparator, identity follows the id
func (c *SyncedCollection) upsertLocked(rec entity.Record) {
	id := rec.EntityID()
	i := c.indexOf(id)

	if !c.filter.Match(rec) {
		// The record left the filtered view (or never belonged)
		if i >= 0 {
			c.items = append(c.items[:i], c.items[i+1:]...)
		}
		return
	}

	if i >= 0 {
		c.items = append(c.items[:i], c.items[i+1:]...)
	}
	at := sort.Search(len(c.items), func(j int) bool { return c.less(rec, c.items[j]) })
	c.items = append(c.items, nil)
	copy(c.items[at+1:], c.items[at:])
	c.items[at] = rec
}

func (c *SyncedCollection) removeLocked(id string) {
	if i := c.indexOf(id); i >= 0 {
		c.items = append(c.items[:i], c.items[i+1:]...)
	}
}

func (c *SyncedCollection) indexOf(id string) int {
	for i, rec := range c.items {
		if rec.EntityID() == id {
			return i
		}
	}
	return -1
}

// scheduleRefetch arms the debounced convergence refetch. Consecutive
// events within the debounce window collapse into one refetch.
func (c *SyncedCollection) scheduleRefetch() {
	debounce := c.cfg.RefetchDebounce
	if debounce <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDisposed {
		return
	}
	if c.refetchTimer != nil {
		c.refetchTimer.Reset(debounce)
		return
	}
	c.refetchTimer = time.AfterFunc(debounce, func() {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		c.Refetch()
	})
}

func (c *SyncedCollection) onBusError(err error) {
	c.mu.Lock()
	if c.state == StateReady {
		c.state = StateDegraded
	}
	c.mu.Unlock()

	c.logger.Warn("Collection degraded to polling", "entity_type", string(c.kind), "error", err)
}

// healthyState maps bus health onto the collection's live state
func (c *SyncedCollection) healthyState() State {
	if c.bus != nil && !c.bus.Healthy() {
		return StateDegraded
	}
	return StateReady
}

func (c *SyncedCollection) pollLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.Refetch()
		}
	}
}

func (c *SyncedCollection) currentGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}
