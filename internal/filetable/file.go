package filetable

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/objectfs/filetable/internal/cred"
	"github.com/objectfs/filetable/internal/vfs"
)

// Mode describes how a file was opened. It is fixed at Acquire.
type Mode uint32

const (
	ModeRead Mode = 1 << iota
	ModeWrite
	ModeLseek
	ModePread
	ModePwrite
	ModeExec
	// ModePath files only name an object; they carry no access rights.
	ModePath
)

// readOnly reports whether the file was opened for reading and not writing.
func (m Mode) readOnly() bool {
	return m&(ModeRead|ModeWrite) == ModeRead
}

func (m Mode) String() string {
	s := ""
	for _, b := range []struct {
		bit  Mode
		name string
	}{
		{ModeRead, "r"}, {ModeWrite, "w"}, {ModeLseek, "l"}, {ModePread, "p"},
		{ModePwrite, "P"}, {ModeExec, "x"}, {ModePath, "o"},
	} {
		if m&b.bit != 0 {
			s += b.name
		} else {
			s += "-"
		}
	}
	return s
}

// Flags are the status flags of an open file. Unlike Mode they may change
// during the file's lifetime through SetFlags.
type Flags uint32

const (
	FlagNonblock Flags = 1 << iota
	FlagAppend
	// FlagAsync enables signal-driven I/O through the Fasyncer capability.
	FlagAsync
	FlagDirect
)

// State is the lifecycle stage of a file record.
type State uint32

const (
	StateUncounted State = iota
	StateAdmitted
	StateTornDown
	StateReclaimed
)

func (s State) String() string {
	switch s {
	case StateUncounted:
		return "uncounted"
	case StateAdmitted:
		return "admitted"
	case StateTornDown:
		return "torn-down"
	case StateReclaimed:
		return "reclaimed"
	default:
		return "unknown"
	}
}

// Owner is the process that receives signals for an async file.
type Owner struct {
	PID    int
	UID    uint32
	EUID   uint32
	Signal int
}

// Operations is the resource-specific behaviour bound to a file. Its
// capabilities are discovered through the optional interfaces below; a
// missing capability skips the corresponding step.
type Operations interface{}

// Releaser is called once from teardown, after the last reference is gone.
// It may block.
type Releaser interface {
	Release(inode *vfs.Inode, f *File) error
}

// Fasyncer toggles async notification. Teardown calls it with fd -1 and
// on=false for files that still have FlagAsync set.
type Fasyncer interface {
	Fasync(fd int, f *File, on bool) error
}

// Reader reads from the backing resource.
type Reader interface {
	Read(f *File, p []byte, off int64) (int, error)
}

// Writer writes to the backing resource.
type Writer interface {
	Write(f *File, p []byte, off int64) (int, error)
}

// Flusher is called when a descriptor referring to the file is closed.
type Flusher interface {
	Flush(f *File) error
}

// writeState bits.
const (
	writeInode uint32 = 1 << iota
	writeMount
)

// File is an open instance of a resource. Files are created by
// Table.Acquire and shared through Table.Retain; every reference is dropped
// with Table.Release.
type File struct {
	id    uint64
	refs  atomic.Int64
	state atomic.Uint32

	mode  Mode
	path  vfs.Path
	inode *vfs.Inode
	ops   Operations
	cred  *cred.Credentials

	writeState atomic.Uint32
	published  atomic.Bool

	mu    sync.Mutex
	flags Flags
	owner Owner

	// Security is owned by the security hooks.
	Security any
	// Private is owned by the operation table.
	Private any
}

// ID returns the file's serial number in its table.
func (f *File) ID() uint64 { return f.id }

// Mode returns the open mode.
func (f *File) Mode() Mode { return f.mode }

// Path returns the resource path. It is empty once teardown has started.
func (f *File) Path() vfs.Path { return f.path }

// Inode returns the inode the file refers to.
func (f *File) Inode() *vfs.Inode { return f.inode }

// Ops returns the bound operation table.
func (f *File) Ops() Operations { return f.ops }

// Cred returns the credentials of the opener. They stay valid until the
// record is reclaimed.
func (f *File) Cred() *cred.Credentials { return f.cred }

// Refs returns the current reference count. The value is racy.
func (f *File) Refs() int64 { return f.refs.Load() }

// State returns the lifecycle state.
func (f *File) State() State { return State(f.state.Load()) }

// transition moves the record between lifecycle states. Any other starting
// state is a lifecycle bug.
func (f *File) transition(from, to State) {
	if !f.state.CompareAndSwap(uint32(from), uint32(to)) {
		panic(fmt.Sprintf("filetable: file %d in state %s, want %s before %s", f.id, f.State(), from, to))
	}
}

// HoldsWriteAccess reports whether the file still holds its write claim on the inode.
func (f *File) HoldsWriteAccess() bool {
	return f.writeState.Load()&writeInode != 0
}

// clearWriteState clears bit and reports whether this call cleared it.
func (f *File) clearWriteState(bit uint32) bool {
	for {
		old := f.writeState.Load()
		if old&bit == 0 {
			return false
		}
		if f.writeState.CompareAndSwap(old, old&^bit) {
			return true
		}
	}
}

// Flags returns the status flags.
func (f *File) Flags() Flags {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags
}

// SetFlags replaces the status flags. Toggling FlagAsync calls the
// operation table's Fasyncer first; if it fails the flags are left unchanged.
func (f *File) SetFlags(fd int, flags Flags) error {
	f.mu.Lock()
	old := f.flags
	f.mu.Unlock()

	if (old^flags)&FlagAsync != 0 {
		if fa, ok := f.ops.(Fasyncer); ok {
			if err := fa.Fasync(fd, f, flags&FlagAsync != 0); err != nil {
				return err
			}
		}
	}

	f.mu.Lock()
	f.flags = flags
	f.mu.Unlock()
	return nil
}

// Owner returns the signal owner.
func (f *File) Owner() Owner {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owner
}

// SetOwner sets the signal owner.
func (f *File) SetOwner(o Owner) {
	f.mu.Lock()
	f.owner = o
	f.mu.Unlock()
}

// Read reads through the operation table.
func (f *File) Read(p []byte, off int64) (int, error) {
	if f.mode&ModeRead == 0 {
		return 0, newError(ErrInvalidArgument, "read").WithDetail("mode", f.mode.String())
	}
	r, ok := f.ops.(Reader)
	if !ok {
		return 0, newError(ErrNotSupported, "read")
	}
	return r.Read(f, p, off)
}

// Write writes through the operation table.
func (f *File) Write(p []byte, off int64) (int, error) {
	if f.mode&ModeWrite == 0 {
		return 0, newError(ErrInvalidArgument, "write").WithDetail("mode", f.mode.String())
	}
	if !f.HoldsWriteAccess() {
		return 0, newError(ErrWriteRevoked, "write")
	}
	w, ok := f.ops.(Writer)
	if !ok {
		return 0, newError(ErrNotSupported, "write")
	}
	return w.Write(f, p, off)
}

// Flush calls the operation table's Flusher if present.
func (f *File) Flush() error {
	if fl, ok := f.ops.(Flusher); ok {
		return fl.Flush(f)
	}
	return nil
}

func (f *File) String() string {
	return fmt.Sprintf("file{id=%d mode=%s path=%s refs=%d}", f.id, f.mode, f.path, f.Refs())
}
