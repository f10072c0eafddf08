package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeChangeEvent(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

	t.Run("inventory update recomputes derived fields", func(t *testing.T) {
		// available_quantity on the wire must be ignored
		frame := `{
			"entity_type": "inventory",
			"event_type": "UPDATE",
			"new_row": {"id":"invt-1","name":"Widget","sku":"W-1","current_quantity":4,"reserved_quantity":1,"reorder_threshold":5},
			"old_row": {"id":"invt-1","name":"Widget","sku":"W-1","current_quantity":10,"reserved_quantity":1,"reorder_threshold":5}
		}`

		evt, err := DecodeChangeEvent([]byte(frame), now)
		require.NoError(t, err)

		assert.Equal(t, KindInventory, evt.Kind)
		assert.Equal(t, EventUpdate, evt.Type)
		assert.Equal(t, "invt-1", evt.EntityID())

		item := evt.New.(*InventoryItem)
		assert.Equal(t, 3, item.AvailableQuantity)
		assert.True(t, item.LowStock)

		old := evt.Old.(*InventoryItem)
		assert.Equal(t, 9, old.AvailableQuantity)
		assert.False(t, old.LowStock)
	})

	t.Run("delete with only old row", func(t *testing.T) {
		frame := `{
			"entity_type": "order",
			"event_type": "delete",
			"old_row": {"id":"ordr-9","customer_id":"cust-1","status":"cancelled","total":12.5}
		}`

		evt, err := DecodeChangeEvent([]byte(frame), now)
		require.NoError(t, err)
		assert.Equal(t, EventDelete, evt.Type)
		assert.Nil(t, evt.New)
		assert.Equal(t, "ordr-9", evt.EntityID())
	})

	t.Run("unknown entity type", func(t *testing.T) {
		frame := `{"entity_type":"driver","event_type":"insert","new_row":{"id":"x"}}`
		_, err := DecodeChangeEvent([]byte(frame), now)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown entity type")
	})

	t.Run("unknown event type", func(t *testing.T) {
		frame := `{"entity_type":"order","event_type":"upsert","new_row":{"id":"x"}}`
		_, err := DecodeChangeEvent([]byte(frame), now)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown event type")
	})

	t.Run("insert without new row", func(t *testing.T) {
		frame := `{"entity_type":"payment","event_type":"insert"}`
		_, err := DecodeChangeEvent([]byte(frame), now)
		require.Error(t, err)
	})

	t.Run("row without id", func(t *testing.T) {
		frame := `{"entity_type":"customer","event_type":"insert","new_row":{"name":"Acme"}}`
		_, err := DecodeChangeEvent([]byte(frame), now)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "without id")
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := DecodeChangeEvent([]byte(`{nope`), now)
		assert.Error(t, err)
	})
}
