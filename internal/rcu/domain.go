// Package rcu provides epoch-based deferred reclamation.
//
// Readers that traverse shared structures without locks enter a read section
// with ReadLock and leave it with Unlock. Writers unlink an object first and
// then hand its reclamation to Call. A callback queued at epoch E runs only
// after the global epoch has advanced past E and no reader is still inside a
// section it entered at an epoch <= E; such readers are the only ones that
// could still hold a pointer to the unlinked object.
package rcu

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/objectfs/filetable/pkg/errors"
)

// idle marks a reader slot that is not inside a read section.
const idle = 0

// DefaultInterval is the period of the background reclamation loop.
const DefaultInterval = 10 * time.Millisecond

// waitBackoff is how long Synchronize sleeps between polls while readers
// are still inside their sections.
const waitBackoff = time.Millisecond

type slot struct {
	epoch atomic.Uint64
	_     [56]byte
}

type callback struct {
	epoch uint64
	fn    func()
}

// Config configures a Domain.
type Config struct {
	// Readers is the number of concurrent read sections supported without
	// spinning. Defaults to 4*GOMAXPROCS.
	Readers int
	// Interval is the period of the loop started by Run.
	Interval time.Duration
	// Clock drives the loop; defaults to the wall clock.
	Clock clock.Clock
	// Logger receives debug output; defaults to a no-op logger.
	Logger *zap.Logger
}

// Domain tracks reader epochs and pending reclamation callbacks.
type Domain struct {
	epoch atomic.Uint64
	slots []slot

	mu      sync.Mutex
	pending []callback

	queued    atomic.Int64
	reclaimed atomic.Int64

	interval time.Duration
	clock    clock.Clock
	log      *zap.Logger
}

// NewDomain creates a reclamation domain.
func NewDomain(cfg Config) *Domain {
	if cfg.Readers <= 0 {
		cfg.Readers = 4 * runtime.GOMAXPROCS(0)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	d := &Domain{
		slots:    make([]slot, cfg.Readers),
		interval: cfg.Interval,
		clock:    cfg.Clock,
		log:      cfg.Logger,
	}
	d.epoch.Store(1)
	return d
}

// Reader is an active read section. It must be released with Unlock.
type Reader struct {
	s *slot
}

// ReadLock enters a read section. Objects reachable from shared structures at
// this point stay valid until Unlock.
func (d *Domain) ReadLock() Reader {
	start := int(d.epoch.Load()) % len(d.slots)
	for spins := 0; ; spins++ {
		for i := 0; i < len(d.slots); i++ {
			s := &d.slots[(start+i)%len(d.slots)]
			if s.epoch.Load() != idle {
				continue
			}
			if s.epoch.CompareAndSwap(idle, d.epoch.Load()) {
				return Reader{s: s}
			}
		}
		runtime.Gosched()
	}
}

// Unlock leaves the read section.
func (r Reader) Unlock() {
	r.s.epoch.Store(idle)
}

// Read runs fn inside a read section.
func (d *Domain) Read(fn func()) {
	r := d.ReadLock()
	defer r.Unlock()
	fn()
}

// Call queues fn to run once every reader that might still see the object
// being reclaimed has left its read section.
func (d *Domain) Call(fn func()) {
	d.mu.Lock()
	d.pending = append(d.pending, callback{epoch: d.epoch.Load(), fn: fn})
	d.mu.Unlock()
	d.queued.Add(1)
}

// Poll advances the epoch and runs every callback whose grace period has
// elapsed, in queue order. It returns the number of callbacks still pending.
func (d *Domain) Poll() int {
	d.mu.Lock()
	d.epoch.Add(1)
	oldest := d.oldestReader()

	n := 0
	for n < len(d.pending) && d.pending[n].epoch < oldest {
		n++
	}
	ready := make([]callback, n)
	copy(ready, d.pending[:n])
	d.pending = append(d.pending[:0], d.pending[n:]...)
	remaining := len(d.pending)
	d.mu.Unlock()

	for _, cb := range ready {
		cb.fn()
	}
	d.reclaimed.Add(int64(len(ready)))
	return remaining
}

// oldestReader returns the smallest epoch among active readers, or the
// maximum epoch when none is active.
func (d *Domain) oldestReader() uint64 {
	oldest := ^uint64(0)
	for i := range d.slots {
		if e := d.slots[i].epoch.Load(); e != idle && e < oldest {
			oldest = e
		}
	}
	return oldest
}

// Synchronize waits until every reader active at the time of the call has
// left its read section.
func (d *Domain) Synchronize(ctx context.Context) error {
	done := make(chan struct{})
	d.Call(func() { close(done) })
	return d.wait(ctx, done)
}

// Barrier waits until every callback queued before the call has run.
func (d *Domain) Barrier(ctx context.Context) error {
	return d.Synchronize(ctx)
}

func (d *Domain) wait(ctx context.Context, done <-chan struct{}) error {
	for {
		d.Poll()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return errors.NewError(errors.ErrCodeOperationCanceled, "grace period wait interrupted").
				WithComponent("rcu").
				WithCause(ctx.Err())
		case <-time.After(waitBackoff):
		}
	}
}

// Run polls the domain every interval until ctx is done, then drains what it
// can without waiting on readers.
func (d *Domain) Run(ctx context.Context) {
	ticker := d.clock.Ticker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if left := d.Poll(); left > 0 {
				d.log.Debug("reclamation loop stopped with pending callbacks", zap.Int("pending", left))
			}
			return
		case <-ticker.C:
			d.Poll()
		}
	}
}

// Stats is a snapshot of domain counters.
type Stats struct {
	Epoch     uint64 `json:"epoch"`
	Pending   int    `json:"pending"`
	Queued    int64  `json:"queued"`
	Reclaimed int64  `json:"reclaimed"`
}

// Stats returns a snapshot of the domain counters.
func (d *Domain) Stats() Stats {
	d.mu.Lock()
	pending := len(d.pending)
	d.mu.Unlock()
	return Stats{
		Epoch:     d.epoch.Load(),
		Pending:   pending,
		Queued:    d.queued.Load(),
		Reclaimed: d.reclaimed.Load(),
	}
}
