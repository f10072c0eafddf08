package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opsdeskhq/opsdesk/internal/entity"
	"github.com/opsdeskhq/opsdesk/internal/loggy"
	"github.com/opsdeskhq/opsdesk/internal/ulid"
)

// Handler receives decoded change events for a subscribed kind
type Handler func(entity.ChangeEvent)

// ErrorHandler receives transport-level failures
type ErrorHandler func(error)

// Subscription identifies one registered listener
type Subscription struct {
	ID   string
	Kind entity.Kind
}

type subscriber struct {
	onEvent Handler
	onError ErrorHandler
}

// Bus fans change events out from one transport connection to any number
// of listeners. Events for one entity kind reach listeners in the order
// the server sent them; a single dispatch goroutine guarantees it.
type Bus struct {
	transport Transport
	logger    *loggy.Logger

	mu              sync.Mutex
	subs            map[entity.Kind]map[string]*subscriber
	pending         map[entity.Kind]bool
	healthListeners map[string]func(healthy bool)
	healthy         bool
	closed          bool

	wg sync.WaitGroup
}

// NewBus creates a bus over the given transport
func NewBus(transport Transport, logger *loggy.Logger) *Bus {
	return &Bus{
		transport:       transport,
		logger:          logger,
		subs:            make(map[entity.Kind]map[string]*subscriber),
		pending:         make(map[entity.Kind]bool),
		healthListeners: make(map[string]func(bool)),
	}
}

// Start connects the transport and begins dispatching events. Feeds for
// kinds subscribed while the transport was down are opened now.
func (b *Bus) Start(ctx context.Context) error {
	if err := b.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connecting event transport: %w", err)
	}

	b.setHealthy(true)
	b.replayPending(ctx)

	b.wg.Add(1)
	go b.dispatch()

	return nil
}

// replayPending sends the subscribe control frames deferred while the
// transport was down
func (b *Bus) replayPending(ctx context.Context) {
	b.mu.Lock()
	kinds := make([]entity.Kind, 0, len(b.pending))
	for kind := range b.pending {
		kinds = append(kinds, kind)
		delete(b.pending, kind)
	}
	b.mu.Unlock()

	for _, kind := range kinds {
		if err := b.transport.Subscribe(ctx, kind); err != nil {
			b.logger.Warn("Failed to reopen feed", "entity_type", string(kind), "error", err)
			b.mu.Lock()
			b.pending[kind] = true
			b.mu.Unlock()
		}
	}
}

// Subscribe registers a listener for one entity kind. The first listener
// for a kind opens the server-side feed for it. While the transport is
// down the control frame is deferred until the next Start; the listener
// is registered either way so dependents can run degraded on polling.
func (b *Bus) Subscribe(ctx context.Context, kind entity.Kind, onEvent Handler, onError ErrorHandler) (*Subscription, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
	if onEvent == nil {
		return nil, fmt.Errorf("event handler is required")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("event bus is closed")
	}
	first := len(b.subs[kind]) == 0
	if first {
		b.subs[kind] = make(map[string]*subscriber)
	}
	sub := &Subscription{ID: ulid.SubscriptionID(), Kind: kind}
	b.subs[kind][sub.ID] = &subscriber{onEvent: onEvent, onError: onError}
	healthy := b.healthy
	if first && !healthy {
		b.pending[kind] = true
	}
	b.mu.Unlock()

	if first && healthy {
		if err := b.transport.Subscribe(ctx, kind); err != nil {
			b.mu.Lock()
			delete(b.subs[kind], sub.ID)
			b.mu.Unlock()
			return nil, fmt.Errorf("subscribing to %s feed: %w", kind, err)
		}
	}

	b.logger.Debug("Listener subscribed", "subscription_id", sub.ID, "entity_type", string(kind))
	return sub, nil
}

// Unsubscribe removes a listener. The last listener for a kind closes the
// server-side feed for it.
func (b *Bus) Unsubscribe(ctx context.Context, sub *Subscription) error {
	if sub == nil {
		return nil
	}

	b.mu.Lock()
	kindSubs, ok := b.subs[sub.Kind]
	if ok {
		delete(kindSubs, sub.ID)
	}
	last := ok && len(kindSubs) == 0
	deferred := b.pending[sub.Kind]
	if last {
		delete(b.pending, sub.Kind)
	}
	closed := b.closed
	b.mu.Unlock()

	// A feed whose subscribe was never sent needs no control frame
	if last && !closed && !deferred {
		if err := b.transport.Unsubscribe(ctx, sub.Kind); err != nil {
			return fmt.Errorf("unsubscribing from %s feed: %w", sub.Kind, err)
		}
	}
	return nil
}

// Healthy reports whether the feed is currently delivering events
func (b *Bus) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthy
}

// OnHealthChange registers a listener for health transitions and returns
// its removal function. The connectivity watcher feeds on this.
func (b *Bus) OnHealthChange(fn func(healthy bool)) func() {
	id := ulid.SubscriptionID()
	b.mu.Lock()
	b.healthListeners[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.healthListeners, id)
		b.mu.Unlock()
	}
}

// Close tears down the transport and waits for the dispatch loop
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := b.transport.Close()
	b.wg.Wait()
	return err
}

func (b *Bus) dispatch() {
	defer b.wg.Done()

	frames := b.transport.Frames()
	errors := b.transport.Errors()

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				b.markUnhealthy(nil)
				return
			}
			b.deliver(frame)
		case err, ok := <-errors:
			if !ok {
				errors = nil
				continue
			}
			b.markUnhealthy(err)
		}
	}
}

func (b *Bus) deliver(frame []byte) {
	evt, err := entity.DecodeChangeEvent(frame, time.Now())
	if err != nil {
		// A malformed frame is dropped, not fatal; the periodic refetch
		// covers whatever change it carried
		b.logger.Warn("Dropping undecodable change frame", "error", err)
		return
	}

	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subs[evt.Kind]))
	for _, s := range b.subs[evt.Kind] {
		handlers = append(handlers, s.onEvent)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(evt)
	}
}

// markUnhealthy flips the health flag and notifies error handlers and
// health listeners. The bus never reconnects; dependents fall back to
// polling until a new transport is started.
func (b *Bus) markUnhealthy(cause error) {
	b.mu.Lock()
	wasHealthy := b.healthy
	b.healthy = false
	closed := b.closed

	// Active feeds reopen if a fresh transport is started
	for kind, kindSubs := range b.subs {
		if len(kindSubs) > 0 {
			b.pending[kind] = true
		}
	}

	var errorHandlers []ErrorHandler
	if cause != nil {
		for _, kindSubs := range b.subs {
			for _, s := range kindSubs {
				if s.onError != nil {
					errorHandlers = append(errorHandlers, s.onError)
				}
			}
		}
	}
	listeners := make([]func(bool), 0, len(b.healthListeners))
	for _, fn := range b.healthListeners {
		listeners = append(listeners, fn)
	}
	b.mu.Unlock()

	if !wasHealthy || closed {
		return
	}

	if cause != nil {
		b.logger.Warn("Event feed unhealthy", "error", cause)
	} else {
		b.logger.Warn("Event feed ended")
	}

	for _, h := range errorHandlers {
		h(cause)
	}
	for _, fn := range listeners {
		fn(false)
	}
}

func (b *Bus) setHealthy(healthy bool) {
	b.mu.Lock()
	changed := b.healthy != healthy
	b.healthy = healthy
	listeners := make([]func(bool), 0, len(b.healthListeners))
	for _, fn := range b.healthListeners {
		listeners = append(listeners, fn)
	}
	b.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range listeners {
		fn(healthy)
	}
}
