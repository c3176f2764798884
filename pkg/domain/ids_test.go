package domain

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "carenotes/pkg/domain-errors"
)

// TestParseIdentifier_Invariants validates the parsing invariant:
// "tenant and user IDs are non-empty, bounded, and drawn from a safe alphabet".
func TestParseIdentifier_Invariants(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseTenantID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("trims surrounding whitespace", func(t *testing.T) {
		id, err := ParseTenantID("  tenant-A ")
		require.NoError(t, err)
		assert.Equal(t, TenantID("tenant-A"), id)
	})

	t.Run("accepts slug and email style user IDs", func(t *testing.T) {
		_, err := ParseUserID("nurse.jones@carehome-1")
		require.NoError(t, err)
		_, err = ParseUserID("system:retention")
		require.NoError(t, err)
	})
}

func TestParseIdentifier_SecurityInvariants(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"SQL injection attempt", "'; DROP TABLE audit_events;--", true},
		{"Path traversal", "../../../etc/passwd", true},
		{"Null byte injection", "tenant\x00-A", true},
		{"Oversized input", strings.Repeat("a", 1000), true},
		{"Unicode zero-width space", "tenant\u200B-A", true},
		{"Whitespace only", "   ", true},
		{"Embedded space", "tenant A", true},

		{"Slug", "tenant-A", false},
		{"UUID", uuid.NewString(), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseUserID(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestParseEventID(t *testing.T) {
	t.Run("rejects nil UUID", func(t *testing.T) {
		_, err := ParseEventID(uuid.Nil.String())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		_, err := ParseEventID("not-a-uuid")
		require.Error(t, err)
	})

	t.Run("round-trips", func(t *testing.T) {
		id := NewEventID()
		parsed, err := ParseEventID(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, parsed)
	})
}
