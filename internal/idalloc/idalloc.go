// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package idalloc implements the sub-uid/sub-gid allocator used to hand out
// the four ids (root-uid, root-gid, user-uid, user-gid) backing a sandbox's
// user namespace mapping.
//
// Allocation policy: a bounded FIFO free-list of returned ids, plus a
// monotonic high-water mark for ids that have never been used. allocate
// first drains the free-list, then bumps the mark while it is below max,
// and otherwise blocks until a release wakes it up. Waiters are served in
// FIFO order.
package idalloc

import (
	"context"
	"fmt"
)

// Pool allocates uint32 ids drawn from [min, max).
type Pool struct {
	min uint32
	max uint32

	free    chan uint32
	waiters chan chan uint32

	// highWater is the next never-used id. Guarded by mu.
	highWater uint32
	mu        chan struct{} // binary semaphore guarding highWater and waiters dispatch
}

// NewPool constructs a pool over the half-open range [min, max).
func NewPool(min, max uint32) (*Pool, error) {
	if max <= min {
		return nil, fmt.Errorf("idalloc: empty range [%d, %d)", min, max)
	}
	size := max - min
	p := &Pool{
		min:       min,
		max:       max,
		free:      make(chan uint32, size),
		waiters:   make(chan chan uint32, size),
		highWater: min,
		mu:        make(chan struct{}, 1),
	}
	p.mu <- struct{}{}
	return p, nil
}

// Len reports the capacity of the pool (max - min).
func (p *Pool) Len() uint32 {
	return p.max - p.min
}

// Allocate returns the next available id, blocking until one is released if
// the pool is exhausted. It respects ctx cancellation.
func (p *Pool) Allocate(ctx context.Context) (uint32, error) {
	for {
		select {
		case id := <-p.free:
			return id, nil
		default:
		}

		select {
		case <-p.mu:
			// Re-check the free-list under the lock: a concurrent Release
			// may have raced us between the non-blocking receive above and
			// acquiring mu.
			select {
			case id := <-p.free:
				p.mu <- struct{}{}
				return id, nil
			default:
			}
			if p.highWater < p.max {
				id := p.highWater
				p.highWater++
				p.mu <- struct{}{}
				return id, nil
			}
			// Exhausted: register as a waiter and wait for a release.
			ch := make(chan uint32, 1)
			p.waiters <- ch
			p.mu <- struct{}{}

			select {
			case id := <-ch:
				return id, nil
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Release returns id to the pool, waking the oldest waiter if any is
// blocked in Allocate. Release is idempotent-safe in the sense that it
// always enqueues the id regardless of the pool's internal state; it is the
// caller's responsibility to never release an id it does not hold.
func (p *Pool) Release(id uint32) {
	<-p.mu
	select {
	case ch := <-p.waiters:
		ch <- id
	default:
		p.free <- id
	}
	p.mu <- struct{}{}
}

// Quadruple is the (root-uid, root-gid, user-uid, user-gid) granted to a
// sandbox and mapped into its user namespace.
type Quadruple struct {
	RootUID uint32
	RootGID uint32
	UserUID uint32
	UserGID uint32
}

// Quadrupler allocates and releases whole ID quadruples from a pair of
// disjoint uid/gid pools.
type Quadrupler struct {
	uids *Pool
	gids *Pool
}

// NewQuadrupler builds a Quadrupler over the given uid and gid pools.
func NewQuadrupler(uids, gids *Pool) *Quadrupler {
	return &Quadrupler{uids: uids, gids: gids}
}

// Allocate draws four fresh ids, releasing any partial allocation if a
// later draw fails or ctx is canceled.
func (q *Quadrupler) Allocate(ctx context.Context) (Quadruple, error) {
	var quad Quadruple
	var err error

	if quad.RootUID, err = q.uids.Allocate(ctx); err != nil {
		return Quadruple{}, err
	}
	if quad.RootGID, err = q.gids.Allocate(ctx); err != nil {
		q.uids.Release(quad.RootUID)
		return Quadruple{}, err
	}
	if quad.UserUID, err = q.uids.Allocate(ctx); err != nil {
		q.uids.Release(quad.RootUID)
		q.gids.Release(quad.RootGID)
		return Quadruple{}, err
	}
	if quad.UserGID, err = q.gids.Allocate(ctx); err != nil {
		q.uids.Release(quad.RootUID)
		q.gids.Release(quad.RootGID)
		q.uids.Release(quad.UserUID)
		return Quadruple{}, err
	}
	return quad, nil
}

// Release returns all four ids in a quadruple to their pools.
func (q *Quadrupler) Release(quad Quadruple) {
	q.uids.Release(quad.RootUID)
	q.gids.Release(quad.RootGID)
	q.uids.Release(quad.UserUID)
	q.gids.Release(quad.UserGID)
}
