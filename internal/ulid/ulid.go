// Package ulid provides a type-safe wrapper around github.com/oklog/ulid/v2
// with prefixed identifiers for the entity kinds the engine tracks.
//
// ULIDs are lexicographically sortable by time, which makes them suitable
// primary keys for the audit log and stable identifiers for in-flight
// operations.
package ulid

import (
	"bytes"
	"crypto/rand"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Common prefixes for different parts of the application
const (
	// Prefix for order entities
	PrefixOrder = "ordr"

	// Prefix for customer entities
	PrefixCustomer = "cust"

	// Prefix for inventory items
	PrefixInventory = "invt"

	// Prefix for payment entities
	PrefixPayment = "pay"

	// Prefix for mutation operation IDs
	PrefixOperation = "op"

	// Prefix for audit log records
	PrefixAudit = "aud"

	// Prefix for event bus subscriptions
	PrefixSubscription = "sub"

	// PrefixSeparator is used to separate the prefix from the ULID
	PrefixSeparator = "-"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
	// Nil represents the zero value of ULID, useful for nil checks
	Nil = ULID{ulid.ULID{}, ""}
)

// ULID wraps ulid.ULID with prefix handling, JSON and database integration.
type ULID struct {
	ulid.ULID
	prefix string
}

// Generate creates a new ULID with the current timestamp.
func Generate() ULID {
	return NewWithTime(time.Now())
}

// GenerateWithPrefix creates a new ULID with the current timestamp and a prefix.
// The prefix provides context about what the ID represents (e.g., "ordr" for order).
func GenerateWithPrefix(prefix string) ULID {
	id := NewWithTime(time.Now())
	id.prefix = prefix
	return id
}

// NewWithTime creates a new ULID with a specific timestamp.
func NewWithTime(t time.Time) ULID {
	entropyLock.Lock()
	id := ulid.MustNew(ulid.Timestamp(t), entropy)
	entropyLock.Unlock()
	return ULID{id, ""}
}

// Parse parses a ULID string and returns the ULID struct.
// It handles both plain ULIDs and prefixed ULIDs (e.g., "ordr-01AN4Z07BY79KA1307SR9X4MV3").
func Parse(id string) (ULID, error) {
	parts := strings.Split(id, PrefixSeparator)

	var rawID string
	var prefix string

	if len(parts) > 1 {
		prefix = parts[0]
		rawID = parts[1]
	} else {
		rawID = id
	}

	parsed, err := ulid.Parse(rawID)
	if err != nil {
		return ULID{}, err
	}

	return ULID{parsed, prefix}, nil
}

// Validate checks if a string is a valid ULID format.
// It supports both plain ULIDs and prefixed ULIDs.
func Validate(id string) bool {
	parts := strings.Split(id, PrefixSeparator)

	var rawID string

	if len(parts) > 1 {
		rawID = parts[1]
	} else {
		rawID = id
	}

	_, err := ulid.Parse(rawID)
	return err == nil
}

// Compare compares two ULIDs lexicographically.
// The comparison ignores prefixes and only compares the actual ULID values.
func (u ULID) Compare(other ULID) int {
	return bytes.Compare(u.ULID[:], other.ULID[:])
}

// IsZero returns true if the ULID is the zero value (Nil).
func (u ULID) IsZero() bool {
	return u.ULID == ulid.ULID{}
}

// Prefix returns the prefix of the ULID.
func (u ULID) Prefix() string {
	return u.prefix
}

// String returns the string representation of the ULID.
// If the ULID has a prefix, it's included in the format "prefix-ulid".
func (u ULID) String() string {
	if u.prefix != "" {
		return u.prefix + PrefixSeparator + u.ULID.String()
	}
	return u.ULID.String()
}

// Time returns the timestamp component of the ULID.
func (u ULID) Time() time.Time {
	return ulid.Time(u.ULID.Time())
}

// MarshalJSON implements the json.Marshaler interface.
func (u ULID) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (u *ULID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// Value implements the driver.Valuer interface for database serialization.
func (u ULID) Value() (driver.Value, error) {
	return u.String(), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (u *ULID) Scan(src interface{}) error {
	switch src := src.(type) {
	case nil:
		return nil
	case string:
		parsed, err := Parse(src)
		if err != nil {
			return err
		}
		*u = parsed
		return nil
	case []byte:
		parsed, err := Parse(string(src))
		if err != nil {
			return err
		}
		*u = parsed
		return nil
	}
	return fmt.Errorf("cannot scan %T into ULID", src)
}

// Domain-specific ID generation methods

// OrderID generates a new ULID with the order prefix
func OrderID() string {
	return GenerateWithPrefix(PrefixOrder).String()
}

// CustomerID generates a new ULID with the customer prefix
func CustomerID() string {
	return GenerateWithPrefix(PrefixCustomer).String()
}

// InventoryID generates a new ULID with the inventory prefix
func InventoryID() string {
	return GenerateWithPrefix(PrefixInventory).String()
}

// PaymentID generates a new ULID with the payment prefix
func PaymentID() string {
	return GenerateWithPrefix(PrefixPayment).String()
}

// OperationID generates a new ULID with the operation prefix
func OperationID() string {
	return GenerateWithPrefix(PrefixOperation).String()
}

// AuditID generates a new ULID with the audit prefix
func AuditID() string {
	return GenerateWithPrefix(PrefixAudit).String()
}

// SubscriptionID generates a new ULID with the subscription prefix
func SubscriptionID() string {
	return GenerateWithPrefix(PrefixSubscription).String()
}
