// Package bufpool provides the shared, capped buffer pool used by the
// transport's stream machinery. It is process-wide state, initialized
// lazily and read-mostly, per the design notes in SPEC_FULL.md §9.
package bufpool

import "sync"

// BufferSize is the size of a single pooled buffer (~64 KiB per
// spec.md §5 "Backpressure").
const BufferSize = 64 * 1024

// MaxAggregate bounds the total bytes the pool will retain. Returns that
// would push the pool above this cap are dropped rather than retained,
// so the pool never grows unbounded under bursty traffic.
const MaxAggregate = 128 * 1024 * 1024

// Pool is a capped sync.Pool of []byte buffers of BufferSize.
type Pool struct {
	pool sync.Pool

	mu        sync.Mutex
	retained  int64
}

var shared = New()

// Shared returns the process-wide buffer pool.
func Shared() *Pool { return shared }

// New constructs an empty pool.
func New() *Pool {
	p := &Pool{}
	p.pool.New = func() any {
		return make([]byte, BufferSize)
	}
	return p
}

// Get returns a buffer of BufferSize, either reused or freshly allocated.
func (p *Pool) Get() []byte {
	buf := p.pool.Get().([]byte)
	p.mu.Lock()
	p.retained -= BufferSize
	if p.retained < 0 {
		p.retained = 0
	}
	p.mu.Unlock()
	return buf[:BufferSize]
}

// Put returns buf to the pool unless doing so would exceed MaxAggregate,
// in which case it is silently dropped and left for the garbage collector.
func (p *Pool) Put(buf []byte) {
	if cap(buf) != BufferSize {
		return
	}
	p.mu.Lock()
	if p.retained+BufferSize > MaxAggregate {
		p.mu.Unlock()
		return
	}
	p.retained += BufferSize
	p.mu.Unlock()
	p.pool.Put(buf[:BufferSize])
}
