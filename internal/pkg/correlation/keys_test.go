package correlation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64Ptr(v int64) *int64 { return &v }

func TestLockKey_Deterministic(t *testing.T) {
	a := LockKey("sync", int64Ptr(42), int64Ptr(7), "SUB-42-7-ab12cd34")
	b := LockKey("sync", int64Ptr(42), int64Ptr(7), "SUB-42-7-ab12cd34")

	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "lock_"))
	assert.Len(t, a, len("lock_")+64)
}

func TestLockKey_DistinguishesInputs(t *testing.T) {
	base := LockKey("sync", int64Ptr(42), int64Ptr(7), "R")

	assert.NotEqual(t, base, LockKey("other", int64Ptr(42), int64Ptr(7), "R"))
	assert.NotEqual(t, base, LockKey("sync", int64Ptr(43), int64Ptr(7), "R"))
	assert.NotEqual(t, base, LockKey("sync", int64Ptr(42), nil, "R"))
	assert.NotEqual(t, base, LockKey("sync", int64Ptr(42), int64Ptr(7), ""))
}

func TestGenerateKey_PositionalParts(t *testing.T) {
	assert.Equal(t, GenerateKey("a", "b"), GenerateKey(" a", "b "))
	assert.NotEqual(t, GenerateKey("a", "", "b"), GenerateKey("a", "b", ""))
	assert.True(t, strings.HasPrefix(GenerateKey("x"), "idem_"))
}

func TestNotificationKey(t *testing.T) {
	assert.Equal(t, NotificationKey([]byte(`{"id":1}`)), NotificationKey([]byte(`{"id":1}`)))
	assert.NotEqual(t, NotificationKey([]byte(`{"id":1}`)), NotificationKey([]byte(`{"id":2}`)))
}

func TestParseExternalReference(t *testing.T) {
	tests := []struct {
		name    string
		ref     string
		user    int64
		product int64
		ok      bool
	}{
		{"checkout reference", "SUB-42-7-ab12cd34", 42, 7, true},
		{"surrounding whitespace", "  SUB-1-2-x  ", 1, 2, true},
		{"missing suffix", "SUB-42-7", 0, 0, false},
		{"non numeric user", "SUB-a-7-x", 0, 0, false},
		{"other format", "order-123", 0, 0, false},
		{"empty", "", 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, product, ok := ParseExternalReference(tt.ref)
			require.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.user, user)
			assert.Equal(t, tt.product, product)
		})
	}
}
