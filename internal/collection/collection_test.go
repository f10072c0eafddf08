package collection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdeskhq/opsdesk/internal/config"
	"github.com/opsdeskhq/opsdesk/internal/entity"
	"github.com/opsdeskhq/opsdesk/internal/event"
	"github.com/opsdeskhq/opsdesk/internal/loggy"
)

type fakeStore struct {
	mu      sync.Mutex
	rows    map[entity.Kind][]entity.Record
	queries int32
	delay   time.Duration
	err     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[entity.Kind][]entity.Record)}
}

func (f *fakeStore) setRows(kind entity.Kind, rows ...entity.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[kind] = rows
}

func (f *fakeStore) Query(ctx context.Context, kind entity.Kind) ([]entity.Record, error) {
	atomic.AddInt32(&f.queries, 1)

	f.mu.Lock()
	delay := f.delay
	err := f.err
	rows := make([]entity.Record, 0, len(f.rows[kind]))
	for _, r := range f.rows[kind] {
		rows = append(rows, r.Clone())
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (f *fakeStore) Insert(ctx context.Context, rec entity.Record) (entity.Record, error) {
	return rec.Clone(), nil
}

func (f *fakeStore) Update(ctx context.Context, rec entity.Record) (entity.Record, error) {
	return rec.Clone(), nil
}

func (f *fakeStore) Call(ctx context.Context, name string, payload any) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func testSyncConfig() config.SyncConfig {
	// Timers disabled so reconciliation is exercised directly
	return config.SyncConfig{RefetchPerSecond: 1000, RefetchBurst: 1000}
}

func item(id, name string, current, reserved, threshold int) *entity.InventoryItem {
	i := &entity.InventoryItem{
		ID:               id,
		Name:             name,
		CurrentQuantity:  current,
		ReservedQuantity: reserved,
		ReorderThreshold: threshold,
	}
	i.Derive(time.Now())
	return i
}

func updateEvent(rec entity.Record) entity.ChangeEvent {
	rec.Derive(time.Now())
	return entity.ChangeEvent{Kind: rec.RecordKind(), Type: entity.EventUpdate, New: rec}
}

func insertEvent(rec entity.Record) entity.ChangeEvent {
	rec.Derive(time.Now())
	return entity.ChangeEvent{Kind: rec.RecordKind(), Type: entity.EventInsert, New: rec}
}

func deleteEvent(rec entity.Record) entity.ChangeEvent {
	return entity.ChangeEvent{Kind: rec.RecordKind(), Type: entity.EventDelete, Old: rec}
}

func startCollection(t *testing.T, st *fakeStore, filter entity.Filter, cfg config.SyncConfig) *SyncedCollection {
	t.Helper()
	c := NewSyncedCollection(filter, st, nil, cfg, loggy.NewNoopLogger())
	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return c.State() != StateLoading }, time.Second, 5*time.Millisecond)
	t.Cleanup(func() { c.Dispose(context.Background()) })
	return c
}

func itemIDs(records []entity.Record) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.EntityID()
	}
	return ids
}

func TestLoadFiltersAndOrders(t *testing.T) {
	st := newFakeStore()
	st.setRows(entity.KindInventory,
		item("invt_1", "sugar", 20, 0, 5),
		item("invt_2", "flour", 3, 0, 5),
		item("invt_3", "yeast", 2, 0, 5),
	)

	c := startCollection(t, st, entity.InventoryFilter{LowStockOnly: true}, testSyncConfig())

	// Name ascending; sugar excluded by the predicate
	assert.Equal(t, []string{"invt_2", "invt_3"}, itemIDs(c.Items()))
	assert.NoError(t, c.Err())
}

func TestLoadErrorSetsFlagAndKeepsSnapshot(t *testing.T) {
	st := newFakeStore()
	st.setRows(entity.KindInventory, item("invt_1", "flour", 10, 0, 5))

	c := startCollection(t, st, entity.InventoryFilter{}, testSyncConfig())
	require.Len(t, c.Items(), 1)

	st.mu.Lock()
	st.err = assert.AnError
	st.mu.Unlock()

	c.Refetch()
	require.Eventually(t, func() bool { return c.Err() != nil }, time.Second, 5*time.Millisecond)
	assert.Len(t, c.Items(), 1)
}

func TestApplyInsertRespectsPredicateAndOrder(t *testing.T) {
	st := newFakeStore()
	st.setRows(entity.KindInventory, item("invt_2", "flour", 10, 0, 5))

	c := startCollection(t, st, entity.InventoryFilter{}, testSyncConfig())

	c.applyChangeEvent(insertEvent(item("invt_1", "yeast", 8, 0, 5)))
	assert.Equal(t, []string{"invt_2", "invt_1"}, itemIDs(c.Items())) // flour, yeast

	// Re-delivery of the same insert must not duplicate
	c.applyChangeEvent(insertEvent(item("invt_1", "yeast", 8, 0, 5)))
	assert.Equal(t, []string{"invt_2", "invt_1"}, itemIDs(c.Items()))
}

func TestApplyUpdateRecomputesMembershipAndDerived(t *testing.T) {
	st := newFakeStore()
	st.setRows(entity.KindInventory, item("invt_1", "flour", 10, 0, 5))

	unfiltered := startCollection(t, st, entity.InventoryFilter{}, testSyncConfig())
	lowStock := startCollection(t, st, entity.InventoryFilter{LowStockOnly: true}, testSyncConfig())

	require.Empty(t, lowStock.Items())

	// Quantity drops to 4: low stock becomes true from this single event
	evt := updateEvent(item("invt_1", "flour", 4, 0, 5))
	unfiltered.applyChangeEvent(evt)
	lowStock.applyChangeEvent(evt)

	items := unfiltered.Items()
	require.Len(t, items, 1)
	flour := items[0].(*entity.InventoryItem)
	assert.Equal(t, 4, flour.AvailableQuantity)
	assert.True(t, flour.LowStock)

	require.Len(t, lowStock.Items(), 1)
	assert.Equal(t, "invt_1", lowStock.Items()[0].EntityID())

	// Restock: the item leaves the low-stock view but stays in the
	// unfiltered one
	evt = updateEvent(item("invt_1", "flour", 50, 0, 5))
	unfiltered.applyChangeEvent(evt)
	lowStock.applyChangeEvent(evt)

	assert.Len(t, unfiltered.Items(), 1)
	assert.Empty(t, lowStock.Items())
}

func TestApplyUpdateForUnknownEntityActsAsInsert(t *testing.T) {
	st := newFakeStore()
	c := startCollection(t, st, entity.InventoryFilter{LowStockOnly: true}, testSyncConfig())

	require.Empty(t, c.Items())

	c.applyChangeEvent(updateEvent(item("invt_9", "salt", 1, 0, 5)))
	assert.Equal(t, []string{"invt_9"}, itemIDs(c.Items()))
}

func TestApplyDeleteIsIdempotent(t *testing.T) {
	st := newFakeStore()
	st.setRows(entity.KindInventory, item("invt_1", "flour", 10, 0, 5))

	c := startCollection(t, st, entity.InventoryFilter{}, testSyncConfig())
	require.Len(t, c.Items(), 1)

	evt := deleteEvent(item("invt_1", "flour", 10, 0, 5))
	c.applyChangeEvent(evt)
	assert.Empty(t, c.Items())

	c.applyChangeEvent(evt)
	assert.Empty(t, c.Items())
}

func TestApplySameEventTwiceIsIdempotent(t *testing.T) {
	st := newFakeStore()
	st.setRows(entity.KindInventory,
		item("invt_1", "flour", 10, 0, 5),
		item("invt_2", "sugar", 20, 0, 5),
	)

	c := startCollection(t, st, entity.InventoryFilter{}, testSyncConfig())

	evt := updateEvent(item("invt_1", "flour", 7, 2, 5))
	c.applyChangeEvent(evt)
	once := c.Items()

	c.applyChangeEvent(evt)
	twice := c.Items()

	assert.Equal(t, once, twice)
}

func TestSetFilterLastFilterWins(t *testing.T) {
	st := newFakeStore()
	st.setRows(entity.KindInventory,
		item("invt_1", "flour", 3, 0, 5),
		item("invt_2", "sugar", 20, 0, 5),
	)

	c := startCollection(t, st, entity.InventoryFilter{}, testSyncConfig())
	require.Len(t, c.Items(), 2)

	// The first reload is slow; the second must win
	st.mu.Lock()
	st.delay = 100 * time.Millisecond
	st.mu.Unlock()
	require.NoError(t, c.SetFilter(entity.InventoryFilter{}))

	st.mu.Lock()
	st.delay = 0
	st.mu.Unlock()
	require.NoError(t, c.SetFilter(entity.InventoryFilter{LowStockOnly: true}))

	require.Eventually(t, func() bool { return c.State() != StateLoading }, time.Second, 5*time.Millisecond)

	// Give the superseded slow response time to arrive and be discarded
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, []string{"invt_1"}, itemIDs(c.Items()))
}

func TestDebouncedRefetchCollapsesEvents(t *testing.T) {
	st := newFakeStore()
	st.setRows(entity.KindInventory, item("invt_1", "flour", 10, 0, 5))

	cfg := testSyncConfig()
	cfg.RefetchDebounce = 30 * time.Millisecond
	c := startCollection(t, st, entity.InventoryFilter{}, cfg)

	before := atomic.LoadInt32(&st.queries)
	for i := 0; i < 5; i++ {
		c.applyChangeEvent(updateEvent(item("invt_1", "flour", 10-i, 0, 5)))
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&st.queries) > before
	}, time.Second, 5*time.Millisecond)

	// One debounced refetch for the burst, not five
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, before+1, atomic.LoadInt32(&st.queries))
}

func TestOptimisticApplyAndRestore(t *testing.T) {
	st := newFakeStore()
	st.setRows(entity.KindInventory, item("invt_1", "flour", 10, 0, 5))

	c := startCollection(t, st, entity.InventoryFilter{}, testSyncConfig())
	before := c.Items()

	prev := c.ApplyOptimistic(item("invt_1", "flour", 2, 0, 5))
	require.NotNil(t, prev)
	assert.Equal(t, 2, c.Items()[0].(*entity.InventoryItem).CurrentQuantity)

	c.RestoreEntity("invt_1", prev)
	assert.Equal(t, before, c.Items())
}

func TestOptimisticInsertRollbackRemoves(t *testing.T) {
	st := newFakeStore()
	c := startCollection(t, st, entity.InventoryFilter{}, testSyncConfig())

	prev := c.ApplyOptimistic(item("invt_1", "flour", 10, 0, 5))
	assert.Nil(t, prev)
	require.Len(t, c.Items(), 1)

	c.RestoreEntity("invt_1", prev)
	assert.Empty(t, c.Items())
}

// deadTransport refuses to connect, like a push feed that is down when
// the process starts
type deadTransport struct {
	frames chan []byte
	errors chan error
}

func newDeadTransport() *deadTransport {
	return &deadTransport{frames: make(chan []byte), errors: make(chan error)}
}

func (d *deadTransport) Connect(ctx context.Context) error {
	return errors.New("dial tcp: connection refused")
}

func (d *deadTransport) Subscribe(ctx context.Context, kind entity.Kind) error {
	return errors.New("event feed not connected")
}

func (d *deadTransport) Unsubscribe(ctx context.Context, kind entity.Kind) error {
	return errors.New("event feed not connected")
}

func (d *deadTransport) Frames() <-chan []byte { return d.frames }
func (d *deadTransport) Errors() <-chan error  { return d.errors }
func (d *deadTransport) Healthy() bool         { return false }
func (d *deadTransport) Close() error          { return nil }

func TestCollectionStartsDegradedWhenFeedDown(t *testing.T) {
	bus := event.NewBus(newDeadTransport(), loggy.NewNoopLogger())
	require.Error(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Close() })

	st := newFakeStore()
	st.setRows(entity.KindInventory, item("invt_1", "flour", 10, 0, 5))

	cfg := testSyncConfig()
	cfg.PollInterval = 20 * time.Millisecond
	c := NewSyncedCollection(entity.InventoryFilter{}, st, bus, cfg, loggy.NewNoopLogger())
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Dispose(context.Background()) })

	require.Eventually(t, func() bool { return c.State() != StateLoading }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateDegraded, c.State())
	assert.Equal(t, []string{"invt_1"}, itemIDs(c.Items()))

	// The polling backstop still converges
	st.setRows(entity.KindInventory,
		item("invt_1", "flour", 10, 0, 5),
		item("invt_2", "sugar", 20, 0, 5),
	)
	require.Eventually(t, func() bool { return len(c.Items()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestEventDuringLoadSchedulesRefetch(t *testing.T) {
	st := newFakeStore()
	st.setRows(entity.KindInventory, item("invt_1", "flour", 10, 0, 5))
	st.mu.Lock()
	st.delay = 50 * time.Millisecond
	st.mu.Unlock()

	cfg := testSyncConfig()
	cfg.RefetchDebounce = 100 * time.Millisecond
	c := NewSyncedCollection(entity.InventoryFilter{}, st, nil, cfg, loggy.NewNoopLogger())
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Dispose(context.Background()) })
	require.Equal(t, StateLoading, c.State())

	// Committed after the in-flight snapshot query was served; the
	// snapshot that lands will not contain it
	c.applyChangeEvent(updateEvent(item("invt_1", "flour", 3, 0, 5)))
	st.mu.Lock()
	st.delay = 0
	st.mu.Unlock()
	st.setRows(entity.KindInventory, item("invt_1", "flour", 3, 0, 5))

	// The debounced refetch reconciles it well before the poll interval
	require.Eventually(t, func() bool {
		rec, ok := c.Get("invt_1")
		return ok && rec.(*entity.InventoryItem).CurrentQuantity == 3
	}, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&st.queries), int32(2))
}

func TestBusErrorDegradesCollection(t *testing.T) {
	st := newFakeStore()
	c := startCollection(t, st, entity.InventoryFilter{}, testSyncConfig())
	require.Equal(t, StateReady, c.State())

	c.onBusError(assert.AnError)
	assert.Equal(t, StateDegraded, c.State())
}

func TestDisposedCollectionIgnoresEvents(t *testing.T) {
	st := newFakeStore()
	st.setRows(entity.KindInventory, item("invt_1", "flour", 10, 0, 5))

	c := startCollection(t, st, entity.InventoryFilter{}, testSyncConfig())
	c.Dispose(context.Background())

	c.applyChangeEvent(updateEvent(item("invt_1", "flour", 1, 0, 5)))
	assert.Empty(t, c.Items())
	assert.Equal(t, StateDisposed, c.State())
}
