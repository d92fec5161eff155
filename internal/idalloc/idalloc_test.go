package idalloc

import (
	"context"
	"testing"
	"time"
)

func TestAllocateBumpsHighWater(t *testing.T) {
	p, err := NewPool(100, 103)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	ctx := context.Background()

	got := map[uint32]bool{}
	for i := 0; i < 3; i++ {
		id, err := p.Allocate(ctx)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if got[id] {
			t.Fatalf("id %d allocated twice", id)
		}
		got[id] = true
	}
}

func TestAllocateBlocksWhenExhausted(t *testing.T) {
	p, err := NewPool(0, 1)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	ctx := context.Background()

	id, err := p.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	done := make(chan uint32, 1)
	go func() {
		next, err := p.Allocate(context.Background())
		if err != nil {
			return
		}
		done <- next
	}()

	select {
	case <-done:
		t.Fatalf("Allocate returned before Release")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(id)

	select {
	case next := <-done:
		if next != id {
			t.Fatalf("expected reallocated id %d, got %d", id, next)
		}
	case <-time.After(time.Second):
		t.Fatalf("Allocate did not unblock after Release")
	}
}

func TestAllocateRespectsContext(t *testing.T) {
	p, err := NewPool(0, 1)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	if _, err := p.Allocate(context.Background()); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Allocate(ctx); err == nil {
		t.Fatalf("expected context deadline error")
	}
}

func TestQuadruplerReleaseReusable(t *testing.T) {
	uids, _ := NewPool(10000, 10001)
	gids, _ := NewPool(20000, 20001)
	q := NewQuadrupler(uids, gids)
	ctx := context.Background()

	a, err := q.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	q.Release(a)

	b, err := q.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if a != b {
		t.Fatalf("expected id reuse, got %+v then %+v", a, b)
	}
}
