package filetable

import (
	"sync"
	"sync/atomic"
)

// Pool hands out zeroed File records. A positive limit bounds the number of
// records in use at once.
type Pool struct {
	pool  sync.Pool
	limit int64

	inUse     atomic.Int64
	allocated atomic.Int64
	freed     atomic.Int64
	failures  atomic.Int64
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Limit     int64 `json:"limit"`
	InUse     int64 `json:"in_use"`
	Allocated int64 `json:"allocated"`
	Freed     int64 `json:"freed"`
	Failures  int64 `json:"failures"`
}

// NewPool creates a pool. A limit of 0 means unlimited.
func NewPool(limit int64) *Pool {
	p := &Pool{limit: limit}
	p.pool.New = func() interface{} {
		return new(File)
	}
	return p
}

// Get returns a zeroed record, or ErrOutOfMemory when the limit is reached.
func (p *Pool) Get() (*File, error) {
	if p.limit > 0 {
		for {
			n := p.inUse.Load()
			if n >= p.limit {
				p.failures.Add(1)
				return nil, newError(ErrOutOfMemory, "alloc").WithDetail("limit", p.limit)
			}
			if p.inUse.CompareAndSwap(n, n+1) {
				break
			}
		}
	} else {
		p.inUse.Add(1)
	}
	p.allocated.Add(1)
	return p.pool.Get().(*File), nil
}

// Put zeroes f and recycles it. f must not be used afterwards.
func (p *Pool) Put(f *File) {
	*f = File{}
	p.pool.Put(f)
	p.inUse.Add(-1)
	p.freed.Add(1)
}

// Stats returns the pool counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Limit:     p.limit,
		InUse:     p.inUse.Load(),
		Allocated: p.allocated.Load(),
		Freed:     p.freed.Load(),
		Failures:  p.failures.Load(),
	}
}
