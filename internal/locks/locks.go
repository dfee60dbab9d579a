// Package locks implements advisory byte-range and whole-file locks on
// inodes. Locks are taken through open files and released when the file is
// torn down. Range locks also go away when their owner closes any
// descriptor of the inode; see RemovePosix.
package locks

import (
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/objectfs/filetable/internal/filetable"
	"github.com/objectfs/filetable/internal/vfs"
	"github.com/objectfs/filetable/pkg/errors"
)

// Kind is the lock type.
type Kind uint8

const (
	Read Kind = iota + 1
	Write
)

func (k Kind) String() string {
	switch k {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return "unknown"
	}
}

// EOF is the end offset of a lock extending to the end of the file.
const EOF = math.MaxInt64

// ErrWouldBlock is returned when a conflicting lock is held.
var ErrWouldBlock = errors.NewError(errors.ErrCodeWouldBlock, "conflicting lock held").WithComponent("locks")

// Lock is a held lock. Range locks belong to an owner process; whole-file
// locks belong to the file they were taken through.
type Lock struct {
	File  *filetable.File
	PID   int
	Kind  Kind
	Start int64
	End   int64
	Whole bool
}

func (l *Lock) overlaps(start, end int64) bool {
	return l.Start <= end && start <= l.End
}

func (l *Lock) conflicts(o *Lock) bool {
	if l.Kind == Read && o.Kind == Read {
		return false
	}
	if l.Whole != o.Whole {
		return false
	}
	if l.Whole {
		return l.File != o.File
	}
	return l.PID != o.PID && l.overlaps(o.Start, o.End)
}

// Manager holds the locks of every inode.
type Manager struct {
	mu      sync.Mutex
	byInode map[*vfs.Inode][]*Lock
	log     *zap.Logger
}

// NewManager creates an empty lock manager.
func NewManager(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		byInode: make(map[*vfs.Inode][]*Lock),
		log:     log.Named("locks"),
	}
}

// LockRange takes a byte-range lock on behalf of owner through f. An
// existing lock of the same owner over the same range is replaced.
func (m *Manager) LockRange(f *filetable.File, owner filetable.Owner, kind Kind, start, end int64) error {
	if start < 0 || end < start {
		return errors.NewError(errors.ErrCodeInvalidArgument, "invalid lock range").
			WithComponent("locks").
			WithDetail("start", start).
			WithDetail("end", end)
	}
	return m.add(f, &Lock{File: f, PID: owner.PID, Kind: kind, Start: start, End: end})
}

// LockFile takes a whole-file lock through f.
func (m *Manager) LockFile(f *filetable.File, kind Kind) error {
	return m.add(f, &Lock{File: f, Kind: kind, Start: 0, End: EOF, Whole: true})
}

func (m *Manager) add(f *filetable.File, l *Lock) error {
	if err := checkMode(f, l.Kind); err != nil {
		return err
	}
	inode := f.Inode()

	m.mu.Lock()
	defer m.mu.Unlock()

	held := m.byInode[inode]
	kept := held[:0:0]
	for _, h := range held {
		if h.conflicts(l) {
			return ErrWouldBlock.Clone().
				WithDetail("kind", l.Kind.String()).
				WithDetail("holder_pid", h.PID)
		}
		if sameHolder(h, l) && h.Start == l.Start && h.End == l.End {
			continue
		}
		kept = append(kept, h)
	}
	m.byInode[inode] = append(kept, l)
	return nil
}

func sameHolder(a, b *Lock) bool {
	if a.Whole != b.Whole {
		return false
	}
	if a.Whole {
		return a.File == b.File
	}
	return a.PID == b.PID
}

func checkMode(f *filetable.File, kind Kind) error {
	var need filetable.Mode
	switch kind {
	case Read:
		need = filetable.ModeRead
	case Write:
		need = filetable.ModeWrite
	default:
		return errors.NewError(errors.ErrCodeInvalidArgument, "unknown lock kind").WithComponent("locks")
	}
	if f.Mode()&need == 0 {
		return errors.NewError(errors.ErrCodeInvalidArgument, "file not open for lock kind").
			WithComponent("locks").
			WithDetail("kind", kind.String()).
			WithDetail("mode", f.Mode().String())
	}
	return nil
}

// UnlockRange releases owner's range locks through f that lie inside
// [start, end].
func (m *Manager) UnlockRange(f *filetable.File, owner filetable.Owner, start, end int64) int {
	return m.remove(f.Inode(), func(l *Lock) bool {
		return !l.Whole && l.PID == owner.PID && l.Start >= start && l.End <= end
	})
}

// UnlockFile releases the whole-file lock held through f.
func (m *Manager) UnlockFile(f *filetable.File) int {
	return m.remove(f.Inode(), func(l *Lock) bool {
		return l.Whole && l.File == f
	})
}

// RemoveFile releases every lock taken through f. It is called by the file
// table when f is torn down.
func (m *Manager) RemoveFile(f *filetable.File, owner filetable.Owner) {
	n := m.remove(f.Inode(), func(l *Lock) bool {
		return l.File == f
	})
	if n > 0 {
		m.log.Debug("released locks on close",
			zap.Uint64("file", f.ID()),
			zap.Int("owner_pid", owner.PID),
			zap.Int("locks", n))
	}
}

// RemovePosix releases every range lock owner holds on f's inode, whichever
// file it was taken through. It is called on each close of a descriptor.
// Whole-file locks are left to RemoveFile.
func (m *Manager) RemovePosix(f *filetable.File, owner filetable.Owner) int {
	n := m.remove(f.Inode(), func(l *Lock) bool {
		return !l.Whole && l.PID == owner.PID
	})
	if n > 0 {
		m.log.Debug("released record locks on flush",
			zap.Uint64("file", f.ID()),
			zap.Int("owner_pid", owner.PID),
			zap.Int("locks", n))
	}
	return n
}

func (m *Manager) remove(inode *vfs.Inode, match func(*Lock) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	held, ok := m.byInode[inode]
	if !ok {
		return 0
	}
	kept := held[:0]
	for _, l := range held {
		if !match(l) {
			kept = append(kept, l)
		}
	}
	removed := len(held) - len(kept)
	if len(kept) == 0 {
		delete(m.byInode, inode)
	} else {
		m.byInode[inode] = kept
	}
	return removed
}

// Held returns a snapshot of the locks on inode.
func (m *Manager) Held(inode *vfs.Inode) []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Lock, 0, len(m.byInode[inode]))
	for _, l := range m.byInode[inode] {
		out = append(out, *l)
	}
	return out
}

// Conflict returns the first held lock that would block owner from taking a
// range lock of kind over [start, end] through f.
func (m *Manager) Conflict(f *filetable.File, owner filetable.Owner, kind Kind, start, end int64) (Lock, bool) {
	want := &Lock{File: f, PID: owner.PID, Kind: kind, Start: start, End: end}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, h := range m.byInode[f.Inode()] {
		if h.conflicts(want) {
			return *h, true
		}
	}
	return Lock{}, false
}
