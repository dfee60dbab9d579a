// Package percpu implements an approximate striped counter.
//
// A Counter keeps a shared total plus a set of shards. Updates land on a
// shard and are folded into the total once the shard's local delta reaches
// the batch size, so Read is cheap but may lag the true value by up to
// Slack. Sum adds every shard to the total; a fold is added to the total
// before it leaves its shard, so Sum never misses a delta that was applied
// before it started, though it may count a folding delta twice.
package percpu

import (
	"math/rand/v2"
	"runtime"
	"sync/atomic"
)

// cacheLine is the padding unit used to keep shards on separate lines.
const cacheLine = 64

type shard struct {
	local atomic.Int64
	_     [cacheLine - 8]byte
}

// Counter is a sharded int64 counter. The zero value is not usable; use New.
type Counter struct {
	count  atomic.Int64
	_      [cacheLine - 8]byte
	shards []shard
	mask   uint64
	batch  int64
}

// DefaultBatch returns the fold threshold used when New is given batch <= 0.
func DefaultBatch(shards int) int64 {
	return max(32, int64(shards)*2)
}

// New creates a counter with the given number of shards (rounded up to a power
// of two, GOMAXPROCS when <= 0) and fold batch (DefaultBatch when <= 0).
func New(shards int, batch int64) *Counter {
	if shards <= 0 {
		shards = runtime.GOMAXPROCS(0)
	}
	n := 1
	for n < shards {
		n <<= 1
	}
	if batch <= 0 {
		batch = DefaultBatch(n)
	}
	return &Counter{
		shards: make([]shard, n),
		mask:   uint64(n - 1),
		batch:  batch,
	}
}

// Add applies delta to a shard, folding the shard into the total when its
// local delta reaches the batch in either direction.
func (c *Counter) Add(delta int64) {
	s := &c.shards[rand.Uint64()&c.mask]
	v := s.local.Add(delta)
	if v >= c.batch || v <= -c.batch {
		c.count.Add(v)
		s.local.Add(-v)
	}
}

// Inc adds one.
func (c *Counter) Inc() { c.Add(1) }

// Dec subtracts one.
func (c *Counter) Dec() { c.Add(-1) }

// Read returns the folded total without visiting the shards.
func (c *Counter) Read() int64 {
	return c.count.Load()
}

// ReadPositive is Read clamped at zero.
func (c *Counter) ReadPositive() int64 {
	return max(0, c.Read())
}

// Sum returns the total plus every shard's unfolded delta. Shards are loaded
// before the total so that a fold racing with Sum is seen at least once.
func (c *Counter) Sum() int64 {
	var sum int64
	for i := range c.shards {
		sum += c.shards[i].local.Load()
	}
	return sum + c.count.Load()
}

// SumPositive is Sum clamped at zero.
func (c *Counter) SumPositive() int64 {
	return max(0, c.Sum())
}

// Shards returns the number of shards.
func (c *Counter) Shards() int {
	return len(c.shards)
}

// Slack bounds how far Read may trail the applied total: each shard keeps
// less than one batch unfolded.
func (c *Counter) Slack() int64 {
	return int64(len(c.shards)) * c.batch
}

// Batch returns the fold threshold.
func (c *Counter) Batch() int64 {
	return c.batch
}
