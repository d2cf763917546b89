package lease_test

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/punchamoorthee/creditops/internal/lease"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// testLease runs the same checks against two owners of one backend.
func testLease(t *testing.T, l, other lease.Lease) {
	t.Helper()
	ctx := t.Context()

	ok, err := l.Acquire(ctx, "pay-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// the holder renews, anyone else is refused
	ok, err = l.Acquire(ctx, "pay-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = other.Acquire(ctx, "pay-1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = l.Acquire(ctx, "pay-2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// only the holder can release
	require.NoError(t, other.Release(ctx, "pay-1"))
	ok, err = other.Acquire(ctx, "pay-1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, l.Release(ctx, "pay-1"))
	ok, err = other.Acquire(ctx, "pay-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLocal(t *testing.T) {
	l := lease.NewLocal()
	testLease(t, l, l.Replica())
}

func TestRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	l := lease.NewRedis(rdb, "topup_poll:")
	other := lease.NewRedis(rdb, "topup_poll:")
	testLease(t, l, other)

	require.True(t, mr.Exists("topup_poll:pay-2"))
	require.Equal(t, time.Minute, mr.TTL("topup_poll:pay-2"))

	// renewal pushes the deadline out again
	mr.FastForward(45 * time.Second)
	ok, err := l.Acquire(t.Context(), "pay-2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, time.Minute, mr.TTL("topup_poll:pay-2"))

	// a holder that stops renewing loses the claim with its ttl
	mr.FastForward(2 * time.Minute)
	ok, err = other.Acquire(t.Context(), "pay-2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}
