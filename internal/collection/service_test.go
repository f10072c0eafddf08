package collection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdeskhq/opsdesk/internal/entity"
	"github.com/opsdeskhq/opsdesk/internal/loggy"
)

func startService(t *testing.T, st *fakeStore) *Service {
	t.Helper()
	s := NewService(st, nil, testSyncConfig(), loggy.NewNoopLogger())
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func useCollection(t *testing.T, s *Service, filter entity.Filter) *Handle {
	t.Helper()
	h, err := s.UseCollection(context.Background(), filter)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !h.IsLoading() }, time.Second, 5*time.Millisecond)
	return h
}

func TestUseCollectionSharesViewsByFilterKey(t *testing.T) {
	st := newFakeStore()
	st.setRows(entity.KindInventory, item("invt_1", "flour", 10, 0, 5))
	s := startService(t, st)

	a := useCollection(t, s, entity.InventoryFilter{})
	b := useCollection(t, s, entity.InventoryFilter{})

	assert.Same(t, a.c, b.c)
	assert.Len(t, s.States(), 1)

	_ = useCollection(t, s, entity.InventoryFilter{LowStockOnly: true})
	assert.Len(t, s.States(), 2)
}

func TestApplyOptimisticSpansAllViewsOfKind(t *testing.T) {
	st := newFakeStore()
	st.setRows(entity.KindInventory, item("invt_1", "flour", 10, 0, 5))
	s := startService(t, st)

	unfiltered := useCollection(t, s, entity.InventoryFilter{})
	lowStock := useCollection(t, s, entity.InventoryFilter{LowStockOnly: true})

	require.Len(t, unfiltered.Items(), 1)
	require.Empty(t, lowStock.Items())

	// The predicted state pushes the item into low stock in every view
	prev := s.ApplyOptimistic(item("invt_1", "flour", 2, 0, 5))
	assert.Len(t, unfiltered.Items(), 1)
	assert.Len(t, lowStock.Items(), 1)

	s.Restore(entity.KindInventory, "invt_1", prev)
	assert.Len(t, unfiltered.Items(), 1)
	assert.Equal(t, 10, unfiltered.Items()[0].(*entity.InventoryItem).CurrentQuantity)
	assert.Empty(t, lowStock.Items())
}

func TestServiceGet(t *testing.T) {
	st := newFakeStore()
	st.setRows(entity.KindInventory, item("invt_1", "flour", 10, 0, 5))
	s := startService(t, st)

	_ = useCollection(t, s, entity.InventoryFilter{})

	rec, ok := s.Get(entity.KindInventory, "invt_1")
	require.True(t, ok)
	assert.Equal(t, "invt_1", rec.EntityID())

	_, ok = s.Get(entity.KindInventory, "invt_404")
	assert.False(t, ok)
}

func TestShutdownDisposesEverything(t *testing.T) {
	st := newFakeStore()
	s := startService(t, st)

	h := useCollection(t, s, entity.InventoryFilter{})
	s.Shutdown(context.Background())

	assert.Equal(t, StateDisposed, h.c.State())
	assert.Empty(t, s.States())
}
