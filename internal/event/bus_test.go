package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdeskhq/opsdesk/internal/entity"
	"github.com/opsdeskhq/opsdesk/internal/loggy"
)

type fakeTransport struct {
	mu           sync.Mutex
	connected    bool
	closed       bool
	subscribes   []entity.Kind
	unsubscribes []entity.Kind

	frames chan []byte
	errors chan error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(chan []byte, 32),
		errors: make(chan error, 8),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, kind entity.Kind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, kind)
	return nil
}

func (f *fakeTransport) Unsubscribe(ctx context.Context, kind entity.Kind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes = append(f.unsubscribes, kind)
	return nil
}

func (f *fakeTransport) Frames() <-chan []byte { return f.frames }
func (f *fakeTransport) Errors() <-chan error  { return f.errors }

func (f *fakeTransport) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected && !f.closed
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.frames)
	}
	return nil
}

func (f *fakeTransport) subscribedKinds() []entity.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]entity.Kind(nil), f.subscribes...)
}

func (f *fakeTransport) unsubscribedKinds() []entity.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]entity.Kind(nil), f.unsubscribes...)
}

func startTestBus(t *testing.T) (*Bus, *fakeTransport) {
	t.Helper()
	transport := newFakeTransport()
	bus := NewBus(transport, loggy.NewNoopLogger())
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Close() })
	return bus, transport
}

func inventoryFrame(id, name string, current, reserved, threshold int) []byte {
	return []byte(fmt.Sprintf(`{
		"entity_type": "inventory",
		"event_type": "update",
		"new_row": {"id": %q, "name": %q,
			"current_quantity": %d,
			"reserved_quantity": %d,
			"reorder_threshold": %d}
	}`, id, name, current, reserved, threshold))
}

func TestSubscribeRejectsUnknownKind(t *testing.T) {
	bus, _ := startTestBus(t)

	_, err := bus.Subscribe(context.Background(), entity.Kind("vehicle"), func(entity.ChangeEvent) {}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown entity kind")
}

func TestBusDeliversEventsToMatchingKind(t *testing.T) {
	bus, transport := startTestBus(t)

	inventoryEvents := make(chan entity.ChangeEvent, 8)
	orderEvents := make(chan entity.ChangeEvent, 8)

	_, err := bus.Subscribe(context.Background(), entity.KindInventory, func(e entity.ChangeEvent) {
		inventoryEvents <- e
	}, nil)
	require.NoError(t, err)

	_, err = bus.Subscribe(context.Background(), entity.KindOrder, func(e entity.ChangeEvent) {
		orderEvents <- e
	}, nil)
	require.NoError(t, err)

	transport.frames <- inventoryFrame("invt_1", "flour", 4, 0, 5)
	transport.frames <- inventoryFrame("invt_2", "sugar", 20, 3, 5)
	transport.frames <- []byte(`{"entity_type": "order", "event_type": "delete", "old_row": {"id": "ordr_1"}}`)

	first := <-inventoryEvents
	second := <-inventoryEvents
	assert.Equal(t, "invt_1", first.EntityID())
	assert.Equal(t, "invt_2", second.EntityID())

	item, ok := first.New.(*entity.InventoryItem)
	require.True(t, ok)
	assert.Equal(t, 4, item.AvailableQuantity)
	assert.True(t, item.LowStock)

	deleted := <-orderEvents
	assert.Equal(t, entity.EventDelete, deleted.Type)
	assert.Equal(t, "ordr_1", deleted.EntityID())

	select {
	case e := <-orderEvents:
		t.Fatalf("order listener received foreign event %v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusDropsMalformedFrames(t *testing.T) {
	bus, transport := startTestBus(t)

	events := make(chan entity.ChangeEvent, 8)
	_, err := bus.Subscribe(context.Background(), entity.KindInventory, func(e entity.ChangeEvent) {
		events <- e
	}, nil)
	require.NoError(t, err)

	transport.frames <- []byte(`{"entity_type": "inventory", "event_type": "update"}`) // Missing row
	transport.frames <- []byte(`not json`)
	transport.frames <- inventoryFrame("invt_1", "flour", 10, 0, 5)

	evt := <-events
	assert.Equal(t, "invt_1", evt.EntityID())
	assert.True(t, bus.Healthy())
}

func TestBusSubscribesTransportOncePerKind(t *testing.T) {
	bus, transport := startTestBus(t)

	noop := func(entity.ChangeEvent) {}

	first, err := bus.Subscribe(context.Background(), entity.KindCustomer, noop, nil)
	require.NoError(t, err)
	second, err := bus.Subscribe(context.Background(), entity.KindCustomer, noop, nil)
	require.NoError(t, err)

	assert.Equal(t, []entity.Kind{entity.KindCustomer}, transport.subscribedKinds())

	require.NoError(t, bus.Unsubscribe(context.Background(), first))
	assert.Empty(t, transport.unsubscribedKinds())

	require.NoError(t, bus.Unsubscribe(context.Background(), second))
	assert.Equal(t, []entity.Kind{entity.KindCustomer}, transport.unsubscribedKinds())
}

func TestSubscribeBeforeStartDefersControlFrame(t *testing.T) {
	transport := newFakeTransport()
	bus := NewBus(transport, loggy.NewNoopLogger())
	t.Cleanup(func() { _ = bus.Close() })

	// The feed is down from process start; listeners must still register
	// so collections can run degraded on polling
	first, err := bus.Subscribe(context.Background(), entity.KindInventory, func(entity.ChangeEvent) {}, nil)
	require.NoError(t, err)
	assert.False(t, bus.Healthy())
	assert.Empty(t, transport.subscribedKinds())

	_, err = bus.Subscribe(context.Background(), entity.KindOrder, func(entity.ChangeEvent) {}, nil)
	require.NoError(t, err)

	// A subscribe that was never sent needs no unsubscribe either
	require.NoError(t, bus.Unsubscribe(context.Background(), first))
	assert.Empty(t, transport.unsubscribedKinds())

	// The feed comes up: only the still-registered kind replays
	require.NoError(t, bus.Start(context.Background()))
	assert.Equal(t, []entity.Kind{entity.KindOrder}, transport.subscribedKinds())
	assert.True(t, bus.Healthy())
}

func TestBusTransportErrorMarksUnhealthy(t *testing.T) {
	bus, transport := startTestBus(t)

	gotErr := make(chan error, 1)
	_, err := bus.Subscribe(context.Background(), entity.KindOrder, func(entity.ChangeEvent) {}, func(err error) {
		gotErr <- err
	})
	require.NoError(t, err)

	health := make(chan bool, 1)
	remove := bus.OnHealthChange(func(healthy bool) { health <- healthy })
	defer remove()

	cause := errors.New("connection reset")
	transport.errors <- cause

	select {
	case err := <-gotErr:
		assert.Equal(t, cause, err)
	case <-time.After(time.Second):
		t.Fatal("error handler not invoked")
	}

	select {
	case healthy := <-health:
		assert.False(t, healthy)
	case <-time.After(time.Second):
		t.Fatal("health listener not invoked")
	}

	assert.False(t, bus.Healthy())
}
