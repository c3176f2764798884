package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"carenotes/internal/tenancy"
)

// Tenancy builds a valid identity or fails the test.
func Tenancy(t *testing.T, tenantID, userID string) tenancy.Context {
	t.Helper()
	tc, err := tenancy.New(tenantID, userID, "")
	require.NoError(t, err)
	return tc
}
