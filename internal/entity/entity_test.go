package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInventoryDerive(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name          string
		item          InventoryItem
		wantAvailable int
		wantLowStock  bool
	}{
		{
			name:          "healthy stock",
			item:          InventoryItem{CurrentQuantity: 10, ReservedQuantity: 2, ReorderThreshold: 5},
			wantAvailable: 8,
			wantLowStock:  false,
		},
		{
			name:          "at threshold is low",
			item:          InventoryItem{CurrentQuantity: 7, ReservedQuantity: 2, ReorderThreshold: 5},
			wantAvailable: 5,
			wantLowStock:  true,
		},
		{
			name:          "reservation drives availability negative",
			item:          InventoryItem{CurrentQuantity: 3, ReservedQuantity: 5, ReorderThreshold: 0},
			wantAvailable: -2,
			wantLowStock:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.item.Derive(now)
			assert.Equal(t, tt.wantAvailable, tt.item.AvailableQuantity)
			assert.Equal(t, tt.wantLowStock, tt.item.LowStock)
		})
	}
}

func TestOrderDerive(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	created := now.Add(-72 * time.Hour)

	o := Order{ID: "ordr-1", Status: OrderStatusDelivered, CreatedAt: created}
	o.Derive(now)
	assert.Equal(t, 3, o.DaysOutstanding)

	paid := Order{ID: "ordr-2", Status: OrderStatusPaid, CreatedAt: created, DaysOutstanding: 99}
	paid.Derive(now)
	assert.Equal(t, 0, paid.DaysOutstanding, "paid orders are not outstanding")

	future := Order{ID: "ordr-3", Status: OrderStatusPending, CreatedAt: now.Add(time.Hour)}
	future.Derive(now)
	assert.Equal(t, 0, future.DaysOutstanding)
}

func TestCustomerDerive(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	unpaidSince := now.Add(-10 * 24 * time.Hour)

	c := Customer{ID: "cust-1", CurrentBalance: 150, OldestUnpaidAt: &unpaidSince}
	c.Derive(now)
	assert.Equal(t, 10, c.DaysOutstanding)

	settled := Customer{ID: "cust-2", CurrentBalance: 0, OldestUnpaidAt: &unpaidSince}
	settled.Derive(now)
	assert.Equal(t, 0, settled.DaysOutstanding)

	noDate := Customer{ID: "cust-3", CurrentBalance: 50}
	noDate.Derive(now)
	assert.Equal(t, 0, noDate.DaysOutstanding)
}

func TestCloneIsDeep(t *testing.T) {
	when := time.Now()
	c := &Customer{ID: "cust-1", Name: "Acme", CurrentBalance: 100, OldestUnpaidAt: &when}

	clone := c.Clone().(*Customer)
	clone.CurrentBalance = 0
	*clone.OldestUnpaidAt = when.Add(time.Hour)

	assert.Equal(t, float64(100), c.CurrentBalance)
	assert.True(t, c.OldestUnpaidAt.Equal(when), "clone must not alias pointer fields")
}

func TestNewRecord(t *testing.T) {
	for _, kind := range Kinds() {
		rec, ok := NewRecord(kind)
		assert.True(t, ok)
		assert.Equal(t, kind, rec.RecordKind())
	}

	_, ok := NewRecord(Kind("driver"))
	assert.False(t, ok)
}
