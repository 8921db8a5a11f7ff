/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package tokenlimit

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/acronis/go-tokenlimit/lrucache"
)

func TestNewRegistry(t *testing.T) {
	tests := []struct {
		name    string
		opts    RegistryOpts
		wantErr string
	}{
		{name: "no idle timeout", opts: RegistryOpts{}, wantErr: "idle timeout should be positive, got 0s"},
		{name: "negative limit", opts: RegistryOpts{Limit: -1, IdleTimeout: time.Second}, wantErr: "limit should not be negative, got -1"},
		{name: "negative max keys", opts: RegistryOpts{MaxKeys: -1, IdleTimeout: time.Second}, wantErr: "max keys should not be negative, got -1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.opts)
			require.EqualError(t, err, tt.wantErr)
		})
	}

	require.Panics(t, func() { MustNewRegistry(RegistryOpts{}) })

	r := MustNewRegistry(RegistryOpts{IdleTimeout: time.Minute})
	require.Equal(t, DefaultLimit, r.Limit())
	require.Equal(t, DefaultLimit, r.GetOrCreate("tok-A").Capacity())
}

func TestRegistry_GetOrCreate(t *testing.T) {
	r := MustNewRegistry(RegistryOpts{Limit: 2, IdleTimeout: time.Minute})

	poolA := r.GetOrCreate("tok-A")
	require.Equal(t, 2, poolA.Capacity())
	require.Same(t, poolA, r.GetOrCreate("tok-A"))

	poolB := r.GetOrCreate("tok-B")
	require.NotSame(t, poolA, poolB)
	require.Equal(t, 2, r.Len())

	// Keys are compared byte-exactly.
	require.NotSame(t, poolA, r.GetOrCreate("tok-a"))
	require.NotSame(t, poolA, r.GetOrCreate("tok-A "))
	require.Equal(t, 4, r.Len())
}

func TestRegistry_GetOrCreateConcurrently(t *testing.T) {
	r := MustNewRegistry(RegistryOpts{IdleTimeout: time.Minute})

	const workers = 100
	pools := make([]*Pool, workers)
	start := make(chan struct{})
	var eg errgroup.Group
	for i := 0; i < workers; i++ {
		i := i
		eg.Go(func() error {
			<-start
			pools[i] = r.GetOrCreate("tok-A")
			return nil
		})
	}
	close(start)
	require.NoError(t, eg.Wait())

	for i := 1; i < workers; i++ {
		require.Same(t, pools[0], pools[i])
	}
	require.Equal(t, 1, r.Len())
}

func TestRegistry_IdleEviction(t *testing.T) {
	const idleTimeout = 50 * time.Millisecond
	r := MustNewRegistry(RegistryOpts{Limit: 1, IdleTimeout: idleTimeout})

	oldPool := r.GetOrCreate("tok-A")
	permit, ok := oldPool.TryAcquire()
	require.True(t, ok)

	time.Sleep(idleTimeout * 2)

	newPool := r.GetOrCreate("tok-A")
	require.NotSame(t, oldPool, newPool)
	require.Equal(t, 0, outstanding(newPool))
	newPermit, ok := newPool.TryAcquire()
	require.True(t, ok, "fresh pool should not inherit saturation of the evicted one")

	// Permit acquired before eviction is still released to the old pool.
	permit.Release()
	require.Equal(t, 0, outstanding(oldPool))
	require.Equal(t, 1, outstanding(newPool))
	newPermit.Release()
}

func TestRegistry_AccessProlongsPool(t *testing.T) {
	const idleTimeout = 300 * time.Millisecond
	r := MustNewRegistry(RegistryOpts{IdleTimeout: idleTimeout})

	pool := r.GetOrCreate("tok-A")
	for i := 0; i < 6; i++ {
		time.Sleep(idleTimeout / 6)
		require.Same(t, pool, r.GetOrCreate("tok-A"), "attempt %d", i)
	}
}

func TestRegistry_RunPeriodicCleanup(t *testing.T) {
	r := MustNewRegistry(RegistryOpts{IdleTimeout: 20 * time.Millisecond})
	for i := 0; i < 10; i++ {
		r.GetOrCreate("tok-" + strconv.Itoa(i))
	}
	require.Equal(t, 10, r.Len())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.RunPeriodicCleanup(ctx, 10*time.Millisecond)
	}()

	require.Eventually(t, func() bool { return r.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	wg.Wait()
}

func TestRegistry_MaxKeys(t *testing.T) {
	t.Run("least recently used idle pool is dropped", func(t *testing.T) {
		r := MustNewRegistry(RegistryOpts{IdleTimeout: time.Minute, MaxKeys: 2})
		poolA := r.GetOrCreate("tok-A")
		r.GetOrCreate("tok-B")
		r.GetOrCreate("tok-C")
		require.Equal(t, 2, r.Len())
		require.NotSame(t, poolA, r.GetOrCreate("tok-A"))
	})

	t.Run("pool with held permits is kept", func(t *testing.T) {
		r := MustNewRegistry(RegistryOpts{Limit: 1, IdleTimeout: time.Minute, MaxKeys: 1})
		poolA := r.GetOrCreate("tok-A")
		permit, ok := poolA.TryAcquire()
		require.True(t, ok)

		r.GetOrCreate("tok-B")
		require.Equal(t, 2, r.Len())

		require.Same(t, poolA, r.GetOrCreate("tok-A"))
		_, ok = r.GetOrCreate("tok-A").TryAcquire()
		require.False(t, ok, "capacity of the credential must be respected")

		permit.Release()
		r.GetOrCreate("tok-C")
		require.Equal(t, 1, r.Len())
		require.NotSame(t, poolA, r.GetOrCreate("tok-A"))
	})
}

func TestRegistry_Metrics(t *testing.T) {
	metrics := lrucache.NewPrometheusMetricsWithOpts(lrucache.PrometheusMetricsOpts{Namespace: "tokenlimit"})
	r := MustNewRegistry(RegistryOpts{IdleTimeout: time.Minute, MetricsCollector: metrics})

	r.GetOrCreate("tok-A")
	r.GetOrCreate("tok-A")
	r.GetOrCreate("tok-B")

	require.Equal(t, 2.0, testutil.ToFloat64(metrics.EntriesAmount))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.HitsTotal))
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.MissesTotal))
}
