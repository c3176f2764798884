package requestcontext

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carenotes/internal/tenancy"
	dErrors "carenotes/pkg/domain-errors"
)

func TestWithTenancy(t *testing.T) {
	tcA, err := tenancy.New("tenant-A", "nurse-1", "corr-1")
	require.NoError(t, err)
	tcB, err := tenancy.New("tenant-B", "nurse-1", "corr-1")
	require.NoError(t, err)

	t.Run("binds identity", func(t *testing.T) {
		ctx, err := WithTenancy(context.Background(), tcA)
		require.NoError(t, err)
		got, ok := Tenancy(ctx)
		require.True(t, ok)
		assert.Equal(t, tcA, got)
	})

	t.Run("rejects tenant switch mid-operation", func(t *testing.T) {
		ctx, err := WithTenancy(context.Background(), tcA)
		require.NoError(t, err)
		_, err = WithTenancy(ctx, tcB)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})

	t.Run("identity survives detach", func(t *testing.T) {
		parent, cancel := context.WithCancel(context.Background())
		ctx, err := WithTenancy(parent, tcA)
		require.NoError(t, err)
		detached := tenancy.Detach(ctx)
		cancel()

		require.NoError(t, detached.Err())
		got, ok := Tenancy(detached)
		require.True(t, ok)
		assert.Equal(t, tcA.TenantID(), got.TenantID())
	})

	t.Run("missing identity", func(t *testing.T) {
		_, ok := Tenancy(context.Background())
		assert.False(t, ok)
	})
}

func TestNow(t *testing.T) {
	fixed := time.Date(2022, 3, 4, 5, 6, 7, 0, time.UTC)
	assert.Equal(t, fixed, Now(WithTime(context.Background(), fixed)))
	assert.WithinDuration(t, time.Now(), Now(context.Background()), time.Second)
}
