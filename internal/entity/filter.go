package entity

import (
	"fmt"
	"strings"
)

// Filter is a pure, side-effect-free membership predicate over records of
// one kind. Key is a stable string identity so collections can be cached
// per (kind, filter) pair.
type Filter interface {
	FilterKind() Kind
	Match(Record) bool
	Key() string
}

// All matches every record of the given kind
type All struct {
	Kind Kind
}

func (f All) FilterKind() Kind    { return f.Kind }
func (f All) Match(r Record) bool { return r.RecordKind() == f.Kind }
func (f All) Key() string         { return string(f.Kind) + ":all" }

// OrderFilter matches orders by status and/or assigned driver
type OrderFilter struct {
	Status   OrderStatus // empty matches any status
	DriverID string      // empty matches any driver
}

func (f OrderFilter) FilterKind() Kind { return KindOrder }

func (f OrderFilter) Match(r Record) bool {
	o, ok := r.(*Order)
	if !ok {
		return false
	}
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.DriverID != "" && o.DriverID != f.DriverID {
		return false
	}
	return true
}

func (f OrderFilter) Key() string {
	return fmt.Sprintf("order:status=%s,driver=%s", f.Status, f.DriverID)
}

// CustomerFilter matches customers with an outstanding balance at or above
// MinBalance when Outstanding is set
type CustomerFilter struct {
	Outstanding bool
	MinBalance  float64
	NamePrefix  string
}

func (f CustomerFilter) FilterKind() Kind { return KindCustomer }

func (f CustomerFilter) Match(r Record) bool {
	c, ok := r.(*Customer)
	if !ok {
		return false
	}
	if f.Outstanding && c.CurrentBalance < f.MinBalance {
		return false
	}
	if f.Outstanding && c.CurrentBalance <= 0 {
		return false
	}
	if f.NamePrefix != "" && !strings.HasPrefix(strings.ToLower(c.Name), strings.ToLower(f.NamePrefix)) {
		return false
	}
	return true
}

func (f CustomerFilter) Key() string {
	return fmt.Sprintf("customer:outstanding=%t,min=%.2f,prefix=%s", f.Outstanding, f.MinBalance, strings.ToLower(f.NamePrefix))
}

// InventoryFilter matches inventory items, optionally restricted to items
// whose derived low-stock flag is set
type InventoryFilter struct {
	LowStockOnly bool
}

func (f InventoryFilter) FilterKind() Kind { return KindInventory }

func (f InventoryFilter) Match(r Record) bool {
	i, ok := r.(*InventoryItem)
	if !ok {
		return false
	}
	if f.LowStockOnly && !i.LowStock {
		return false
	}
	return true
}

func (f InventoryFilter) Key() string {
	return fmt.Sprintf("inventory:low_stock=%t", f.LowStockOnly)
}

// PaymentFilter matches payments for one customer, or all payments when
// CustomerID is empty
type PaymentFilter struct {
	CustomerID string
}

func (f PaymentFilter) FilterKind() Kind { return KindPayment }

func (f PaymentFilter) Match(r Record) bool {
	p, ok := r.(*Payment)
	if !ok {
		return false
	}
	if f.CustomerID != "" && p.CustomerID != f.CustomerID {
		return false
	}
	return true
}

func (f PaymentFilter) Key() string {
	return "payment:customer=" + f.CustomerID
}

// Less is a stable strict-weak ordering over records of one kind
type Less func(a, b Record) bool

// DefaultLess returns the comparator a collection of the given kind sorts
// by: orders and payments newest first, customers and inventory by name.
// Ties fall back to id so the ordering is total.
func DefaultLess(kind Kind) Less {
	switch kind {
	case KindOrder:
		return func(a, b Record) bool {
			oa, ob := a.(*Order), b.(*Order)
			if !oa.CreatedAt.Equal(ob.CreatedAt) {
				return oa.CreatedAt.After(ob.CreatedAt)
			}
			return oa.ID < ob.ID
		}
	case KindCustomer:
		return func(a, b Record) bool {
			ca, cb := a.(*Customer), b.(*Customer)
			na, nb := strings.ToLower(ca.Name), strings.ToLower(cb.Name)
			if na != nb {
				return na < nb
			}
			return ca.ID < cb.ID
		}
	case KindInventory:
		return func(a, b Record) bool {
			ia, ib := a.(*InventoryItem), b.(*InventoryItem)
			na, nb := strings.ToLower(ia.Name), strings.ToLower(ib.Name)
			if na != nb {
				return na < nb
			}
			return ia.ID < ib.ID
		}
	case KindPayment:
		return func(a, b Record) bool {
			pa, pb := a.(*Payment), b.(*Payment)
			if !pa.RecordedAt.Equal(pb.RecordedAt) {
				return pa.RecordedAt.After(pb.RecordedAt)
			}
			return pa.ID < pb.ID
		}
	}
	return func(a, b Record) bool { return a.EntityID() < b.EntityID() }
}
