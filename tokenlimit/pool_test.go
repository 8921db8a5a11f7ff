/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package tokenlimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func outstanding(p *Pool) int {
	return len(p.slots)
}

func TestNewPool(t *testing.T) {
	_, err := NewPool(0)
	require.EqualError(t, err, "capacity should be positive, got 0")
	_, err = NewPool(-1)
	require.Error(t, err)

	p, err := NewPool(3)
	require.NoError(t, err)
	require.Equal(t, 3, p.Capacity())
	require.Equal(t, 0, outstanding(p))
}

func TestPool_AcquireRelease(t *testing.T) {
	p, err := NewPool(2)
	require.NoError(t, err)

	permit1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	permit2, ok := p.TryAcquire()
	require.True(t, ok)
	require.Equal(t, 2, outstanding(p))

	_, ok = p.TryAcquire()
	require.False(t, ok)

	permit1.Release()
	require.Equal(t, 1, outstanding(p))

	// Second release of the same permit must not free a slot held by another permit.
	permit1.Release()
	require.Equal(t, 1, outstanding(p))

	permit3, ok := p.TryAcquire()
	require.True(t, ok)
	require.Equal(t, 2, outstanding(p))

	permit2.Release()
	permit3.Release()
	require.Equal(t, 0, outstanding(p))
}

func TestPool_AcquireWaitsForRelease(t *testing.T) {
	p, err := NewPool(1)
	require.NoError(t, err)

	holder, err := p.Acquire(context.Background())
	require.NoError(t, err)

	acquired := make(chan *Permit)
	go func() {
		permit, acqErr := p.Acquire(context.Background())
		if acqErr != nil {
			close(acquired)
			return
		}
		acquired <- permit
	}()

	select {
	case <-acquired:
		t.Fatal("permit should not be acquired while the pool is saturated")
	case <-time.After(100 * time.Millisecond):
	}

	holder.Release()

	select {
	case permit := <-acquired:
		require.NotNil(t, permit)
		permit.Release()
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not admitted after release")
	}
	require.Equal(t, 0, outstanding(p))
}

func TestPool_AcquireCanceled(t *testing.T) {
	p, err := NewPool(1)
	require.NoError(t, err)

	holder, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	permit, err := p.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Nil(t, permit)
	require.Equal(t, 1, outstanding(p))

	holder.Release()
	require.Equal(t, 0, outstanding(p))

	// Canceled waiter consumed no slot, so the whole capacity is available again.
	permit, ok := p.TryAcquire()
	require.True(t, ok)
	permit.Release()
}

func TestPermit_Release(t *testing.T) {
	var nilPermit *Permit
	require.NotPanics(t, nilPermit.Release)

	p, err := NewPool(1)
	require.NoError(t, err)
	foreign := &Permit{pool: p}
	require.PanicsWithValue(t, "tokenlimit: permit released to a pool without outstanding permits", foreign.Release)
}
