// Package mutation executes remote writes with optimistic local
// projections. The predicted effect lands in the collection snapshots
// before the network call starts; on terminal failure the previous state
// is restored, and on success a deferred refetch absorbs server-side
// effects the prediction could not know about.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opsdeskhq/opsdesk/internal/collection"
	"github.com/opsdeskhq/opsdesk/internal/config"
	"github.com/opsdeskhq/opsdesk/internal/entity"
	"github.com/opsdeskhq/opsdesk/internal/event"
	"github.com/opsdeskhq/opsdesk/internal/loggy"
	"github.com/opsdeskhq/opsdesk/internal/retry"
	"github.com/opsdeskhq/opsdesk/internal/store"
	"github.com/opsdeskhq/opsdesk/internal/ulid"
)

// ErrUnknownEntity is returned when a mutation targets an id no live view
// has seen
var ErrUnknownEntity = errors.New("entity not present in any live view")

// Options tunes one mutation
type Options struct {
	// Critical escalates a terminal failure to a persistent notification
	Critical bool
}

// undo records what restores one entity if the prediction fails
type undo struct {
	kind     entity.Kind
	entityID string
	prev     map[string]entity.Record
}

// overlay tracks the optimistic projection of one in-flight operation
type overlay struct {
	operationID string
	undos       []undo
}

// Coordinator runs mutations through the resilience engine while keeping
// the optimistic overlays consistent with bus-delivered server truth
type Coordinator struct {
	store       store.Store
	collections *collection.Service
	retries     *retry.Coordinator
	bus         *event.Bus
	cfg         config.SyncConfig
	logger      *loggy.Logger

	mu       sync.Mutex
	overlays map[string]*overlay
	timers   map[uint64]*time.Timer
	timerSeq uint64
	closed   bool

	subs []*event.Subscription
}

// NewCoordinator creates a mutation coordinator
func NewCoordinator(st store.Store, collections *collection.Service, retries *retry.Coordinator, bus *event.Bus, cfg config.SyncConfig, logger *loggy.Logger) *Coordinator {
	return &Coordinator{
		store:       st,
		collections: collections,
		retries:     retries,
		bus:         bus,
		cfg:         cfg,
		logger:      logger,
		overlays:    make(map[string]*overlay),
		timers:      make(map[uint64]*time.Timer),
	}
}

// Start subscribes to every entity feed so bus-delivered server truth can
// supersede outstanding optimistic projections
func (c *Coordinator) Start(ctx context.Context) error {
	if c.bus == nil {
		return nil
	}
	for _, kind := range entity.Kinds() {
		sub, err := c.bus.Subscribe(ctx, kind, c.onBusEvent, nil)
		if err != nil {
			return fmt.Errorf("subscribing mutation coordinator to %s feed: %w", kind, err)
		}
		c.subs = append(c.subs, sub)
	}
	return nil
}

// Close drops the bus subscriptions and stops pending refetch timers
func (c *Coordinator) Close(ctx context.Context) {
	c.mu.Lock()
	c.closed = true
	timers := make([]*time.Timer, 0, len(c.timers))
	for _, timer := range c.timers {
		timers = append(timers, timer)
	}
	c.timers = nil
	c.mu.Unlock()

	for _, timer := range timers {
		timer.Stop()
	}
	for _, sub := range c.subs {
		if err := c.bus.Unsubscribe(ctx, sub); err != nil {
			c.logger.Warn("Failed to unsubscribe mutation coordinator", "error", err)
		}
	}
}

// Insert creates a new record. The record appears in matching views
// immediately; its id is assigned here when absent.
func (c *Coordinator) Insert(ctx context.Context, rec entity.Record, opts Options) (string, error) {
	rec = rec.Clone()
	if rec.EntityID() == "" {
		assignID(rec)
	}
	rec.Derive(time.Now())

	operationID := ulid.OperationID()
	c.applyProjection(operationID, rec)

	err := c.execute(ctx, operationID, rec.RecordKind(), rec.EntityID(), opts, func(ctx context.Context) error {
		_, err := c.store.Insert(ctx, rec)
		return err
	})
	return operationID, err
}

// Update replaces a record's state. The new state is visible in matching
// views before the network call resolves.
func (c *Coordinator) Update(ctx context.Context, rec entity.Record, opts Options) (string, error) {
	if rec.EntityID() == "" {
		return "", fmt.Errorf("update requires an entity id")
	}
	rec = rec.Clone()
	rec.Derive(time.Now())

	operationID := ulid.OperationID()
	c.applyProjection(operationID, rec)

	err := c.execute(ctx, operationID, rec.RecordKind(), rec.EntityID(), opts, func(ctx context.Context) error {
		_, err := c.store.Update(ctx, rec)
		return err
	})
	return operationID, err
}

// recordPaymentRequest is the payload of the record_payment server
// operation; the server recomputes the balance authoritatively
type recordPaymentRequest struct {
	CustomerID string               `json:"customer_id"`
	OrderID    string               `json:"order_id,omitempty"`
	Amount     float64              `json:"amount"`
	Method     entity.PaymentMethod `json:"method"`
}

// RecordPayment records a payment against a customer balance. The
// customer's balance drops by the amount client-side while the server
// performs the authoritative recomputation; the deferred refetch supplies
// the final value.
func (c *Coordinator) RecordPayment(ctx context.Context, customerID, orderID string, amount float64, method entity.PaymentMethod, opts Options) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("payment amount must be positive")
	}

	cust, ok := c.collections.Get(entity.KindCustomer, customerID)
	if !ok {
		return "", fmt.Errorf("projecting payment for %s: %w", customerID, ErrUnknownEntity)
	}

	customer := cust.(*entity.Customer)
	customer.CurrentBalance -= amount
	customer.Derive(time.Now())

	payment := &entity.Payment{
		ID:         ulid.PaymentID(),
		CustomerID: customerID,
		OrderID:    orderID,
		Amount:     amount,
		Method:     method,
		RecordedAt: time.Now(),
	}

	operationID := ulid.OperationID()
	c.applyProjection(operationID, customer, payment)

	err := c.execute(ctx, operationID, entity.KindCustomer, customerID, opts, func(ctx context.Context) error {
		_, err := c.store.Call(ctx, "record_payment", recordPaymentRequest{
			CustomerID: customerID,
			OrderID:    orderID,
			Amount:     amount,
			Method:     method,
		})
		return err
	})
	return operationID, err
}

// execute runs the network call through the resilience engine. A queued
// result is pending, not terminal: the projection stays visible and the
// drain finishes the reconciliation either way.
func (c *Coordinator) execute(ctx context.Context, operationID string, kind entity.Kind, entityID string, opts Options, op retry.Operation) error {
	wrapped := func(ctx context.Context) error {
		if err := op(ctx); err != nil {
			return err
		}
		c.complete(operationID, kind)
		return nil
	}

	return c.retries.ExecuteWithRetry(ctx, operationID, wrapped, retry.Options{
		Critical:    opts.Critical,
		EntityType:  kind,
		EntityID:    entityID,
		OnExhausted: func(error) { c.rollback(operationID) },
	})
}

// complete drops the overlay and schedules the deferred authoritative
// refetch. The confirmed server state is not re-applied locally; the
// refetch or the next change event supplies it.
func (c *Coordinator) complete(operationID string, kind entity.Kind) {
	c.mu.Lock()
	delete(c.overlays, operationID)
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return
	}

	delay := c.cfg.MutationRefetch
	if delay <= 0 {
		c.collections.RefetchKind(kind)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	id := c.timerSeq
	c.timerSeq++
	c.timers[id] = time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.timers, id)
		stopped := c.closed
		c.mu.Unlock()
		if stopped {
			return
		}
		c.collections.RefetchKind(kind)
	})
	c.mu.Unlock()
}

// rollback restores every entity the operation touched to its
// pre-mutation state. Entities already superseded by a bus event keep the
// server's state.
func (c *Coordinator) rollback(operationID string) {
	c.mu.Lock()
	ov, ok := c.overlays[operationID]
	if ok {
		delete(c.overlays, operationID)
	}
	c.mu.Unlock()

	if !ok {
		return
	}

	for _, u := range ov.undos {
		c.collections.Restore(u.kind, u.entityID, u.prev)
	}
	c.logger.Debug("Rolled back optimistic projection", "operation_id", operationID)
}

// applyProjection installs the predicted records and records the undo
// state under the operation id
func (c *Coordinator) applyProjection(operationID string, records ...entity.Record) {
	ov := &overlay{operationID: operationID}
	for _, rec := range records {
		prev := c.collections.ApplyOptimistic(rec)
		ov.undos = append(ov.undos, undo{
			kind:     rec.RecordKind(),
			entityID: rec.EntityID(),
			prev:     prev,
		})
	}

	c.mu.Lock()
	c.overlays[operationID] = ov
	c.mu.Unlock()
}

// onBusEvent applies the server-wins rule: a change event for an entity
// with an outstanding projection supersedes the prediction. The undo state
// for that entity is discarded without rollback; the operation's eventual
// success or failure no longer moves the entity.
func (c *Coordinator) onBusEvent(evt entity.ChangeEvent) {
	id := evt.EntityID()
	if id == "" {
		return
	}

	c.mu.Lock()
	for _, ov := range c.overlays {
		kept := ov.undos[:0]
		for _, u := range ov.undos {
			if u.kind == evt.Kind && u.entityID == id {
				continue
			}
			kept = append(kept, u)
		}
		ov.undos = kept
	}
	c.mu.Unlock()
}

// PendingOperations reports the ids of operations whose projections are
// still outstanding
func (c *Coordinator) PendingOperations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.overlays))
	for id := range c.overlays {
		ids = append(ids, id)
	}
	return ids
}

func assignID(rec entity.Record) {
	switch r := rec.(type) {
	case *entity.Order:
		r.ID = ulid.OrderID()
	case *entity.Customer:
		r.ID = ulid.CustomerID()
	case *entity.InventoryItem:
		r.ID = ulid.InventoryID()
	case *entity.Payment:
		r.ID = ulid.PaymentID()
	}
}
