// Package entity defines the typed records the sync engine tracks, the
// change events delivered for them, and the filters and orderings used by
// synced collections.
//
// Derived fields (available quantity, low-stock, days outstanding) are
// always recomputed locally via Derive and never trusted from the wire.
package entity

import (
	"time"
)

// Kind identifies the type of a tracked record
type Kind string

const (
	// KindOrder represents an order record
	KindOrder Kind = "order"
	// KindCustomer represents a customer record
	KindCustomer Kind = "customer"
	// KindInventory represents an inventory item record
	KindInventory Kind = "inventory"
	// KindPayment represents a payment record
	KindPayment Kind = "payment"
)

// Kinds lists every tracked kind, in the order subscriptions are opened
func Kinds() []Kind {
	return []Kind{KindOrder, KindCustomer, KindInventory, KindPayment}
}

// Valid reports whether the kind is one of the tracked kinds
func (k Kind) Valid() bool {
	switch k {
	case KindOrder, KindCustomer, KindInventory, KindPayment:
		return true
	}
	return false
}

// Record is a tracked row of some kind. Implementations are value-ish
// structs; Clone returns a deep copy so snapshots can hand out records
// without aliasing engine state.
type Record interface {
	EntityID() string
	RecordKind() Kind
	Clone() Record
	// Derive recomputes the derived fields from the authoritative ones.
	// now is injected so reconciliation is deterministic under test.
	Derive(now time.Time)
}

// OrderStatus represents the lifecycle state of an order
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusAssigned  OrderStatus = "assigned"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Order represents a customer order
type Order struct {
	ID         string      `json:"id"`
	CustomerID string      `json:"customer_id"`
	Status     OrderStatus `json:"status"`
	Total      float64     `json:"total"`
	DriverID   string      `json:"driver_id,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`

	// DaysOutstanding is derived, never taken from the wire
	DaysOutstanding int `json:"-"`
}

func (o *Order) EntityID() string { return o.ID }

func (o *Order) RecordKind() Kind { return KindOrder }

func (o *Order) Clone() Record {
	c := *o
	return &c
}

func (o *Order) Derive(now time.Time) {
	o.DaysOutstanding = 0
	if o.Status == OrderStatusPaid || o.Status == OrderStatusCancelled {
		return
	}
	if o.CreatedAt.IsZero() || now.Before(o.CreatedAt) {
		return
	}
	o.DaysOutstanding = int(now.Sub(o.CreatedAt).Hours() / 24)
}

// Customer represents a customer account
type Customer struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Phone          string     `json:"phone,omitempty"`
	CurrentBalance float64    `json:"current_balance"`
	TotalRevenue   float64    `json:"total_revenue"`
	OldestUnpaidAt *time.Time `json:"oldest_unpaid_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	// DaysOutstanding is derived from OldestUnpaidAt
	DaysOutstanding int `json:"-"`
}

func (c *Customer) EntityID() string { return c.ID }

func (c *Customer) RecordKind() Kind { return KindCustomer }

func (c *Customer) Clone() Record {
	cp := *c
	if c.OldestUnpaidAt != nil {
		t := *c.OldestUnpaidAt
		cp.OldestUnpaidAt = &t
	}
	return &cp
}

func (c *Customer) Derive(now time.Time) {
	c.DaysOutstanding = 0
	if c.OldestUnpaidAt == nil || c.CurrentBalance <= 0 {
		return
	}
	if now.Before(*c.OldestUnpaidAt) {
		return
	}
	c.DaysOutstanding = int(now.Sub(*c.OldestUnpaidAt).Hours() / 24)
}

// InventoryItem represents a stocked item
type InventoryItem struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	SKU              string    `json:"sku"`
	CurrentQuantity  int       `json:"current_quantity"`
	ReservedQuantity int       `json:"reserved_quantity"`
	ReorderThreshold int       `json:"reorder_threshold"`
	UpdatedAt        time.Time `json:"updated_at"`

	// AvailableQuantity and LowStock are derived, never taken from the wire
	AvailableQuantity int  `json:"-"`
	LowStock          bool `json:"-"`
}

func (i *InventoryItem) EntityID() string { return i.ID }

func (i *InventoryItem) RecordKind() Kind { return KindInventory }

func (i *InventoryItem) Clone() Record {
	c := *i
	return &c
}

func (i *InventoryItem) Derive(now time.Time) {
	i.AvailableQuantity = i.CurrentQuantity - i.ReservedQuantity
	i.LowStock = i.AvailableQuantity <= i.ReorderThreshold
}

// PaymentMethod represents how a payment was made
type PaymentMethod string

const (
	PaymentMethodCash     PaymentMethod = "cash"
	PaymentMethodCard     PaymentMethod = "card"
	PaymentMethodTransfer PaymentMethod = "transfer"
)

// Payment represents a recorded payment against a customer balance
type Payment struct {
	ID         string        `json:"id"`
	CustomerID string        `json:"customer_id"`
	OrderID    string        `json:"order_id,omitempty"`
	Amount     float64       `json:"amount"`
	Method     PaymentMethod `json:"method"`
	RecordedAt time.Time     `json:"recorded_at"`
}

func (p *Payment) EntityID() string { return p.ID }

func (p *Payment) RecordKind() Kind { return KindPayment }

func (p *Payment) Clone() Record {
	c := *p
	return &c
}

// Derive is a no-op: payments carry no derived fields
func (p *Payment) Derive(now time.Time) {}

// NewRecord returns a zero record of the given kind, used when decoding
// wire payloads into their concrete type
func NewRecord(kind Kind) (Record, bool) {
	switch kind {
	case KindOrder:
		return &Order{}, true
	case KindCustomer:
		return &Customer{}, true
	case KindInventory:
		return &InventoryItem{}, true
	case KindPayment:
		return &Payment{}, true
	}
	return nil, false
}
