// Package filetable allocates open-file records under a global ceiling and
// manages their reference-counted lifetime.
//
// A file is created by Acquire with one reference. Holders share it with
// Retain and give up their share with Release; the Release that drops the
// last reference runs the teardown sequence and hands the record to the
// reclamation domain, which frees it once no lock-free reader can still
// observe it.
package filetable

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/objectfs/filetable/internal/cred"
	"github.com/objectfs/filetable/internal/percpu"
	"github.com/objectfs/filetable/internal/rcu"
	"github.com/objectfs/filetable/internal/vfs"
)

// Config configures a Table.
type Config struct {
	// MaxFiles is the ceiling on counted files; 0 selects DefaultMaxFiles.
	MaxFiles int64
	// CounterShards and CounterBatch tune the approximate file counter.
	CounterShards int
	CounterBatch  int64
	// PoolLimit bounds the number of records in use; 0 is unlimited.
	PoolLimit int64
	Reclaim   rcu.Config
	Hooks     Hooks
	Observer  Observer
	Logger    *zap.Logger
}

// AcquireRequest describes the file to open.
type AcquireRequest struct {
	Path  vfs.Path
	Mode  Mode
	Flags Flags
	Ops   Operations
	Cred  *cred.Credentials
}

// Table is the set of open files sharing one ceiling, pool and reclamation domain.
type Table struct {
	counter *percpu.Counter
	adm     *admission
	pool    *Pool
	rcu     *rcu.Domain
	hooks   Hooks
	obs     Observer
	log     *zap.Logger

	files  sync.Map // uint64 -> *File
	nextID atomic.Uint64
	closed atomic.Bool

	teardowns        atomic.Int64
	teardownFailures atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a table.
func New(cfg Config) (*Table, error) {
	if cfg.MaxFiles < 0 {
		return nil, newError(ErrInvalidArgument, "new").WithDetail("max_files", cfg.MaxFiles)
	}
	if cfg.PoolLimit < 0 {
		return nil, newError(ErrInvalidArgument, "new").WithDetail("pool_limit", cfg.PoolLimit)
	}
	if cfg.MaxFiles == 0 {
		cfg.MaxFiles = DefaultMaxFiles()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	log := cfg.Logger.Named("filetable")
	if cfg.Reclaim.Logger == nil {
		cfg.Reclaim.Logger = log.Named("rcu")
	}

	counter := percpu.New(cfg.CounterShards, cfg.CounterBatch)
	t := &Table{
		counter: counter,
		adm:     newAdmission(counter, cfg.MaxFiles, log),
		pool:    NewPool(cfg.PoolLimit),
		rcu:     rcu.NewDomain(cfg.Reclaim),
		hooks:   cfg.Hooks,
		obs:     cfg.Observer,
		log:     log,
	}
	log.Debug("file table created",
		zap.Int64("max_files", cfg.MaxFiles),
		zap.Int("counter_shards", counter.Shards()),
		zap.Int64("pool_limit", cfg.PoolLimit))
	return t, nil
}

// Acquire admits, allocates and initializes a new file holding one
// reference. On error nothing remains counted or claimed. The file is not
// visible to Lookup or Walk until it is installed.
func (t *Table) Acquire(req AcquireRequest) (*File, error) {
	if t.closed.Load() {
		t.obs.RecordAcquire(ResultClosed)
		return nil, newError(ErrTableClosed, "acquire")
	}
	if err := validateRequest(req); err != nil {
		t.obs.RecordAcquire(ResultInvalid)
		return nil, err
	}

	if err := t.adm.admit(req.Cred); err != nil {
		t.obs.RecordAcquire(ResultLimit)
		return nil, err
	}
	f, err := t.pool.Get()
	if err != nil {
		t.counter.Dec()
		t.obs.RecordAcquire(ResultNoMem)
		return nil, err
	}
	f.transition(StateUncounted, StateAdmitted)
	f.id = t.nextID.Add(1)
	f.cred = req.Cred.Get()

	if sec := t.hooks.Security; sec != nil {
		if err := sec.FileAlloc(f); err != nil {
			f.transition(StateAdmitted, StateTornDown)
			t.reclaim(f)
			t.obs.RecordAcquire(ResultDenied)
			return nil, newError(ErrValidationDenied, "acquire").WithCause(err)
		}
	}
	f.refs.Store(1)

	f.mode = req.Mode
	f.flags = req.Flags
	f.ops = req.Ops
	inode := req.Path.Dentry.Inode

	if req.Mode&ModeWrite != 0 {
		if err := t.claimWrite(f, req.Path); err != nil {
			if sec := t.hooks.Security; sec != nil {
				sec.FileFree(f)
			}
			f.refs.Store(0)
			f.transition(StateAdmitted, StateTornDown)
			t.reclaim(f)
			t.obs.RecordAcquire(ResultInvalid)
			return nil, newError(ErrInvalidArgument, "acquire").
				WithDetail("path", req.Path.String()).
				WithCause(err)
		}
	}
	if req.Mode.readOnly() {
		inode.ReadCountInc()
	}
	if holdsCdev(inode, req.Mode) {
		inode.Cdev.Get()
	}
	req.Path.Get()
	f.path = req.Path
	f.inode = inode

	t.obs.RecordAcquire(ResultOK)
	return f, nil
}

// Install publishes f in the registry searched by Lookup and Walk. Callers
// install a file once its setup has succeeded; a file that was never
// installed can be abandoned with ReleaseWithoutAudit and is freed at once.
func (t *Table) Install(f *File) {
	if f.State() != StateAdmitted {
		panic(fmt.Sprintf("filetable: install of file %d in state %s", f.id, f.State()))
	}
	if f.published.CompareAndSwap(false, true) {
		t.files.Store(f.id, f)
	}
}

func validateRequest(req AcquireRequest) error {
	switch {
	case !req.Path.Valid():
		return newError(ErrInvalidArgument, "acquire").WithDetail("path", req.Path.String())
	case req.Cred == nil:
		return newError(ErrInvalidArgument, "acquire").WithDetail("cred", "nil")
	case req.Mode&ModePath != 0 && req.Mode&(ModeRead|ModeWrite) != 0:
		return newError(ErrInvalidArgument, "acquire").WithDetail("mode", req.Mode.String())
	}
	return nil
}

// claimWrite takes the inode write claim and, for non-special inodes, the
// mount writer claim.
func (t *Table) claimWrite(f *File, p vfs.Path) error {
	inode := p.Dentry.Inode
	if err := inode.GetWriteAccess(); err != nil {
		return err
	}
	if inode.Type.Special() {
		f.writeState.Store(writeInode)
		return nil
	}
	if err := p.Mount.WantWrite(); err != nil {
		inode.PutWriteAccess()
		return err
	}
	f.writeState.Store(writeInode | writeMount)
	return nil
}

func holdsCdev(inode *vfs.Inode, mode Mode) bool {
	return inode.Type == vfs.TypeCharDevice && inode.Cdev != nil && mode&ModePath == 0
}

// Retain takes another reference. The caller must already hold one.
func (t *Table) Retain(f *File) {
	if n := f.refs.Add(1); n <= 1 {
		panic(fmt.Sprintf("filetable: retain of file %d without a reference", f.id))
	}
}

// TryRetain takes a reference unless the count already reached zero. It is
// for readers that found f through Lookup or Walk.
func (t *Table) TryRetain(f *File) bool {
	for {
		n := f.refs.Load()
		if n <= 0 {
			return false
		}
		if f.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a reference. Dropping the last one tears the file down
// before returning; the record itself is freed after the grace period.
func (t *Table) Release(f *File) {
	n := f.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic(fmt.Sprintf("filetable: release of file %d with no references", f.id))
	}
	t.teardown(f)
}

// ReleaseWithoutAudit drops a reference on a file whose setup failed after
// Acquire. On the last reference it skips notifications, lock and
// event-interest cleanup, the release callback and auditors; it frees the
// security state, undoes the claims taken by Acquire and frees the record.
func (t *Table) ReleaseWithoutAudit(f *File) {
	n := f.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic(fmt.Sprintf("filetable: release of file %d with no references", f.id))
	}
	f.transition(StateAdmitted, StateTornDown)
	t.files.Delete(f.id)

	if sec := t.hooks.Security; sec != nil {
		sec.FileFree(f)
	}
	inode, path := f.inode, f.path
	if holdsCdev(inode, f.mode) {
		inode.Cdev.Put()
	}
	t.dropClaims(f)

	// An installed file may still be seen by lock-free readers.
	if f.published.Load() {
		t.retire(f)
	} else {
		t.reclaim(f)
	}
	path.Put()
}

// DropWriteAccess gives up the file's write claims. Later calls, including
// the one made by teardown, do nothing. The caller must hold a reference.
func (t *Table) DropWriteAccess(f *File) {
	if f.clearWriteState(writeInode) {
		f.inode.PutWriteAccess()
	}
	if f.inode.Type.Special() {
		return
	}
	if f.clearWriteState(writeMount) {
		f.path.Mount.DropWrite()
	}
}

// Lookup returns the live file with the given id, with a reference the
// caller must release.
func (t *Table) Lookup(id uint64) (*File, bool) {
	var found *File
	t.rcu.Read(func() {
		v, ok := t.files.Load(id)
		if !ok {
			return
		}
		if f := v.(*File); t.TryRetain(f) {
			found = f
		}
	})
	return found, found != nil
}

// Walk calls fn for every installed file until fn returns false. The
// pointer is only valid inside fn. Apart from ID, fields may be cleared by a
// concurrent teardown; take a reference with TryRetain before reading them.
func (t *Table) Walk(fn func(f *File) bool) {
	t.rcu.Read(func() {
		t.files.Range(func(_, v interface{}) bool {
			return fn(v.(*File))
		})
	})
	t.reapClosed()
}

// NrFiles returns the approximate number of counted files.
func (t *Table) NrFiles() int64 { return t.counter.ReadPositive() }

// NrFilesExact returns the exact number of counted files.
func (t *Table) NrFilesExact() int64 { return t.counter.SumPositive() }

// MaxFiles returns the ceiling.
func (t *Table) MaxFiles() int64 { return t.adm.Max() }

// SetMaxFiles changes the ceiling. Files already open are not affected.
func (t *Table) SetMaxFiles(n int64) error {
	if n <= 0 {
		return newError(ErrInvalidArgument, "set_max_files").WithDetail("max_files", n)
	}
	t.adm.SetMax(n)
	t.log.Info("file-max changed", zap.Int64("max_files", n))
	return nil
}

// Stats is a snapshot of table counters.
type Stats struct {
	NrFiles          int64     `json:"nr_files"`
	NrFilesExact     int64     `json:"nr_files_exact"`
	MaxFiles         int64     `json:"max_files"`
	Teardowns        int64     `json:"teardowns"`
	TeardownFailures int64     `json:"teardown_failures"`
	Pool             PoolStats `json:"pool"`
	Reclaim          rcu.Stats `json:"reclaim"`
}

// FileNr returns allocated, free and maximum file counts in the
// traditional file-nr layout. Free is always 0.
func (s Stats) FileNr() [3]int64 {
	return [3]int64{s.NrFiles, 0, s.MaxFiles}
}

// Stats returns a snapshot of the table counters.
func (t *Table) Stats() Stats {
	return Stats{
		NrFiles:          t.NrFiles(),
		NrFilesExact:     t.NrFilesExact(),
		MaxFiles:         t.MaxFiles(),
		Teardowns:        t.teardowns.Load(),
		TeardownFailures: t.teardownFailures.Load(),
		Pool:             t.pool.Stats(),
		Reclaim:          t.rcu.Stats(),
	}
}

// Synchronize waits for a grace period and runs the reclamation that became
// due. Tests and shutdown use it to observe freed records.
func (t *Table) Synchronize(ctx context.Context) error {
	return t.rcu.Synchronize(ctx)
}

// Start runs the reclamation loop until Close or ctx is done.
func (t *Table) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		t.rcu.Run(ctx)
	}(t.done)
}

// Close stops admitting files, waits for pending reclamation and stops the
// loop. Files still open stay valid; releasing one after Close reclaims it
// on the releasing goroutine.
func (t *Table) Close(ctx context.Context) error {
	t.closed.Store(true)

	err := t.rcu.Barrier(ctx)

	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			err = multierr.Append(err, ctx.Err())
		}
	}

	if live := t.NrFilesExact(); live > 0 {
		t.log.Warn("file table closed with open files", zap.Int64("nr_files", live))
	}
	return err
}
