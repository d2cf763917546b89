package clock_test

import (
	"context"
	"testing"
	"time"

	"github.com/punchamoorthee/creditops/internal/clock"
	"github.com/stretchr/testify/require"
)

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := clock.NewFake(start)

	short := c.After(5 * time.Second)
	long := c.After(20 * time.Second)
	require.Equal(t, 2, c.Waiters())

	c.Advance(4 * time.Second)
	select {
	case <-short:
		t.Fatal("fired early")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-short:
		require.Equal(t, start.Add(5*time.Second), got)
	default:
		t.Fatal("expected short waiter to fire")
	}
	require.Equal(t, 1, c.Waiters())

	c.Advance(time.Minute)
	<-long
	require.Equal(t, 0, c.Waiters())
	require.Equal(t, start.Add(65*time.Second), c.Now())
}

func TestFakeAfterNonPositive(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	select {
	case <-c.After(0):
	default:
		t.Fatal("expected immediate fire")
	}
}

func TestFakeBlockUntil(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.After(time.Second)
	}()
	require.NoError(t, c.BlockUntil(t.Context(), 1))

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.BlockUntil(ctx, 5), context.DeadlineExceeded)
}
