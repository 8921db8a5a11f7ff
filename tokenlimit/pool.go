/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package tokenlimit

import (
	"context"
	"fmt"

	"go.uber.org/atomic"
)

// DefaultLimit is the default number of concurrently in-flight requests per credential.
// GitHub's secondary rate limits start kicking in at 100 parallel requests.
const DefaultLimit = 99

// Pool is a fixed-capacity counting gate that limits the number of simultaneous permit holders.
// Pools are never closed, so Acquire can fail only because of the caller's context.
type Pool struct {
	slots chan struct{}
}

// NewPool creates a new Pool with the given capacity.
func NewPool(capacity int) (*Pool, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity should be positive, got %d", capacity)
	}
	return &Pool{slots: make(chan struct{}, capacity)}, nil
}

// Capacity returns the maximum number of permits which may be held at the same time.
func (p *Pool) Capacity() int {
	return cap(p.slots)
}

// Acquire blocks until a permit is available or ctx is done.
// Waiters are admitted in the order of their arrival.
// If ctx is done before the permit is granted, ctx.Err() is returned and no slot is consumed.
func (p *Pool) Acquire(ctx context.Context) (*Permit, error) {
	if permit, ok := p.TryAcquire(); ok {
		return permit, nil
	}
	select {
	case p.slots <- struct{}{}:
		return &Permit{pool: p}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// held returns the number of permits which are currently held.
func (p *Pool) held() int {
	return len(p.slots)
}

// TryAcquire acquires a permit without blocking.
// It returns false if all permits are held.
func (p *Pool) TryAcquire() (*Permit, bool) {
	select {
	case p.slots <- struct{}{}:
		return &Permit{pool: p}, true
	default:
		return nil, false
	}
}

// Permit represents one unit of concurrency acquired from a Pool.
// It keeps the pool alive even if the pool has already been evicted from the Registry.
type Permit struct {
	pool     *Pool
	released atomic.Bool
}

// Release returns the permit to its pool and unblocks at most one waiter.
// Only the first call has an effect, so it's safe to both defer Release and call it explicitly.
func (p *Permit) Release() {
	if p == nil || !p.released.CompareAndSwap(false, true) {
		return
	}
	select {
	case <-p.pool.slots:
	default:
		panic("tokenlimit: permit released to a pool without outstanding permits")
	}
}
