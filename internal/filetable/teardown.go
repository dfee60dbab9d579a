package filetable

import (
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/filetable/internal/vfs"
)

// teardown releases everything a file holds once its last reference is
// gone. Each step runs at most once per file; only the release callback can
// fail, and its failure is logged rather than returned.
func (t *Table) teardown(f *File) {
	f.transition(StateAdmitted, StateTornDown)
	start := time.Now()
	t.files.Delete(f.id)

	inode, path := f.inode, f.path

	if n := t.hooks.Notify; n != nil {
		n.NotifyClose(f)
	}
	if r := t.hooks.Interest; r != nil {
		r.ReleaseFile(f)
	}
	if l := t.hooks.Locks; l != nil {
		l.RemoveFile(f, f.Owner())
	}
	if f.flags&FlagAsync != 0 {
		if fa, ok := f.ops.(Fasyncer); ok {
			if err := fa.Fasync(-1, f, false); err != nil {
				t.log.Debug("fasync disable failed", zap.Uint64("file", f.id), zap.Error(err))
			}
		}
	}

	var relErr error
	if r, ok := f.ops.(Releaser); ok {
		if err := r.Release(inode, f); err != nil {
			relErr = newError(ErrTeardownStepFailed, "release").
				WithDetail("file", f.id).
				WithCause(err)
			t.teardownFailures.Add(1)
			t.log.Warn("release callback failed",
				zap.Uint64("file", f.id),
				zap.Stringer("path", path),
				zap.Error(err))
		}
	}

	if sec := t.hooks.Security; sec != nil {
		sec.FileFree(f)
	}
	for _, a := range t.hooks.Auditors {
		a.AuditRelease(f)
	}
	if holdsCdev(inode, f.mode) {
		inode.Cdev.Put()
	}
	f.mu.Lock()
	f.owner = Owner{}
	f.mu.Unlock()

	t.dropClaims(f)
	t.retire(f)
	path.Put()

	t.teardowns.Add(1)
	t.obs.RecordTeardown(time.Since(start), relErr)
}

// dropClaims undoes the write and read claims taken by Acquire and clears
// the file's resource fields. The citations themselves are put by the caller.
func (t *Table) dropClaims(f *File) {
	if f.mode&ModeWrite != 0 {
		t.DropWriteAccess(f)
	}
	if f.mode.readOnly() {
		f.inode.ReadCountDec()
	}
	f.path = vfs.Path{}
	f.inode = nil
}

// retire schedules reclamation after the grace period.
func (t *Table) retire(f *File) {
	t.rcu.Call(func() { t.reclaim(f) })
	t.reapClosed()
}

// reapClosed runs expired reclamation on a closed table, whose loop no longer
// polls. A callback held back by an active reader is run by the next reap.
func (t *Table) reapClosed() {
	if t.closed.Load() {
		t.rcu.Poll()
	}
}

// reclaim uncounts the file, drops its credentials and recycles the record.
func (t *Table) reclaim(f *File) {
	f.transition(StateTornDown, StateReclaimed)
	c := f.cred
	t.counter.Dec()
	if c != nil {
		c.Put()
	}
	t.pool.Put(f)
	t.obs.RecordReclaim()
}
