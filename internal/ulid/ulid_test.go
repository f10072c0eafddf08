package ulid

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateWithPrefix(t *testing.T) {
	tests := []struct {
		name   string
		gen    func() string
		prefix string
	}{
		{"order", OrderID, PrefixOrder},
		{"customer", CustomerID, PrefixCustomer},
		{"inventory", InventoryID, PrefixInventory},
		{"payment", PaymentID, PrefixPayment},
		{"operation", OperationID, PrefixOperation},
		{"audit", AuditID, PrefixAudit},
		{"subscription", SubscriptionID, PrefixSubscription},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := tt.gen()
			assert.True(t, strings.HasPrefix(id, tt.prefix+PrefixSeparator))
			assert.True(t, Validate(id), "generated ID should be valid")
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	id := GenerateWithPrefix(PrefixOrder)

	parsed, err := Parse(id.String())
	require.NoError(t, err)

	assert.Equal(t, id.String(), parsed.String())
	assert.Equal(t, PrefixOrder, parsed.Prefix())
	assert.Equal(t, 0, id.Compare(parsed))
}

func TestParseWithoutPrefix(t *testing.T) {
	id := Generate()

	parsed, err := Parse(id.String())
	require.NoError(t, err)

	assert.Equal(t, "", parsed.Prefix())
	assert.False(t, parsed.IsZero())
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse("ordr-not-a-ulid")
	assert.Error(t, err)

	assert.False(t, Validate("definitely not a ulid"))
}

func TestSortableByTime(t *testing.T) {
	earlier := NewWithTime(time.Now().Add(-time.Hour))
	later := NewWithTime(time.Now())

	assert.Equal(t, -1, earlier.Compare(later))
}

func TestJSONRoundTrip(t *testing.T) {
	id := GenerateWithPrefix(PrefixOperation)

	data, err := json.Marshal(id)
	require.NoError(t, err)

	var decoded ULID
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, id.String(), decoded.String())
}

func TestScan(t *testing.T) {
	id := GenerateWithPrefix(PrefixAudit)

	var scanned ULID
	require.NoError(t, scanned.Scan(id.String()))
	assert.Equal(t, id.String(), scanned.String())

	require.NoError(t, scanned.Scan([]byte(id.String())))
	assert.Equal(t, id.String(), scanned.String())

	assert.Error(t, scanned.Scan(42))
}
