package fuse

import (
	"context"
	"errors"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/objectfs/filetable/internal/cred"
	"github.com/objectfs/filetable/internal/filetable"
	"github.com/objectfs/filetable/internal/fsnotify"
	"github.com/objectfs/filetable/internal/locks"
	"github.com/objectfs/filetable/internal/vfs"
	fterrors "github.com/objectfs/filetable/pkg/errors"
	"github.com/objectfs/filetable/pkg/retry"
)

// safeInt64ToUint64 safely converts int64 to uint64, preventing negative values
func safeInt64ToUint64(i int64) uint64 {
	if i < 0 {
		return 0
	}
	return uint64(i)
}

// safeIntToUint32 safely converts int to uint32, preventing overflow
func safeIntToUint32(i int) uint32 {
	if i < 0 {
		return 0
	}
	if i > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(i)
}

// Setlkw polls a conflicting lock starting at lockRetry, backing off to
// lockRetryMax.
const (
	lockRetry    = time.Millisecond
	lockRetryMax = 50 * time.Millisecond
)

// firstIno is the inode number of the first file; 1 belongs to the root.
const firstIno = 2

// FileSystem serves a flat in-memory tree. Every FUSE open acquires a
// filetable.File and every FUSE release drops it.
type FileSystem struct {
	table  *filetable.Table
	mount  *vfs.Mount
	notify *fsnotify.Notifier
	locks  *locks.Manager

	lockWait *retry.Retryer

	config *Config
	log    *zap.Logger

	mu      sync.RWMutex
	files   map[string]*memFile
	nextIno uint64

	stats *Stats
}

// Config represents FUSE filesystem configuration
type Config struct {
	// Name of the vfs mount backing the tree
	Name string `yaml:"name"`

	DefaultUID  uint32 `yaml:"default_uid"`
	DefaultGID  uint32 `yaml:"default_gid"`
	DefaultMode uint32 `yaml:"default_mode"`
}

// Stats tracks filesystem operation statistics
type Stats struct {
	mu sync.RWMutex

	Opens    int64 `json:"opens"`
	Creates  int64 `json:"creates"`
	Reads    int64 `json:"reads"`
	Writes   int64 `json:"writes"`
	Releases int64 `json:"releases"`

	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`

	Errors int64 `json:"errors"`
}

// NewFileSystem creates a filesystem whose open files are allocated from
// table. notify and lockMgr may be nil.
func NewFileSystem(table *filetable.Table, notify *fsnotify.Notifier, lockMgr *locks.Manager, config *Config, log *zap.Logger) *FileSystem {
	if config == nil {
		config = &Config{}
	}
	if config.Name == "" {
		config.Name = "filetable"
	}
	if config.DefaultMode == 0 {
		config.DefaultMode = 0644
	}
	if log == nil {
		log = zap.NewNop()
	}
	if notify == nil {
		notify = fsnotify.New(log)
	}
	if lockMgr == nil {
		lockMgr = locks.NewManager(log)
	}

	lockWait := retry.New(retry.Config{
		MaxAttempts:     retry.Unlimited,
		InitialDelay:    lockRetry,
		MaxDelay:        lockRetryMax,
		Multiplier:      2,
		RetryableErrors: []fterrors.ErrorCode{fterrors.ErrCodeWouldBlock},
	})

	return &FileSystem{
		table:    table,
		mount:    vfs.NewMount(config.Name),
		notify:   notify,
		locks:    lockMgr,
		lockWait: lockWait,
		config:   config,
		log:      log.Named("fuse"),
		files:    make(map[string]*memFile),
		nextIno:  firstIno,
		stats:    &Stats{},
	}
}

// Root returns the root inode
func (fsys *FileSystem) Root() fs.InodeEmbedder {
	return &DirectoryNode{fs: fsys}
}

// Mount returns the vfs mount every file of the tree lives on.
func (fsys *FileSystem) Mount() *vfs.Mount { return fsys.mount }

// AddFile adds a regular file with the given contents. Files added before
// the tree is mounted appear in the root directory.
func (fsys *FileSystem) AddFile(name string, data []byte) (*vfs.Inode, error) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	if _, ok := fsys.files[name]; ok {
		return nil, fterrors.NewError(fterrors.ErrCodeInvalidArgument, "file exists").
			WithComponent("fuse").
			WithDetail("name", name)
	}

	inode := &vfs.Inode{Ino: fsys.nextIno, Type: vfs.TypeRegular, Mode: fsys.config.DefaultMode}
	fsys.nextIno++

	fsys.files[name] = &memFile{
		fs:     fsys,
		dentry: vfs.NewDentry(name, inode),
		data:   append([]byte(nil), data...),
		mtime:  time.Now(),
	}
	return inode, nil
}

func (fsys *FileSystem) file(name string) (*memFile, bool) {
	fsys.mu.RLock()
	defer fsys.mu.RUnlock()
	f, ok := fsys.files[name]
	return f, ok
}

// SetReadOnly switches the mount between read-only and read-write. Going
// read-only revokes the write access of every open file on the mount; their
// later writes fail with EROFS. It returns the number of files revoked.
func (fsys *FileSystem) SetReadOnly(ro bool) int {
	fsys.mount.SetReadOnly(ro)
	if !ro {
		return 0
	}

	var held []*filetable.File
	fsys.table.Walk(func(f *filetable.File) bool {
		if fsys.table.TryRetain(f) {
			held = append(held, f)
		}
		return true
	})

	revoked := 0
	for _, f := range held {
		if f.Path().Mount == fsys.mount && f.HoldsWriteAccess() {
			fsys.table.DropWriteAccess(f)
			revoked++
		}
		fsys.table.Release(f)
	}
	if revoked > 0 {
		fsys.log.Info("write access revoked", zap.String("mount", fsys.mount.Name), zap.Int("files", revoked))
	}
	return revoked
}

// GetStats returns current filesystem statistics
func (fsys *FileSystem) GetStats() *Stats {
	fsys.stats.mu.RLock()
	defer fsys.stats.mu.RUnlock()

	return &Stats{
		Opens:        fsys.stats.Opens,
		Creates:      fsys.stats.Creates,
		Reads:        fsys.stats.Reads,
		Writes:       fsys.stats.Writes,
		Releases:     fsys.stats.Releases,
		BytesRead:    fsys.stats.BytesRead,
		BytesWritten: fsys.stats.BytesWritten,
		Errors:       fsys.stats.Errors,
	}
}

func (fsys *FileSystem) record(update func(s *Stats)) {
	fsys.stats.mu.Lock()
	update(fsys.stats)
	fsys.stats.mu.Unlock()
}

func (fsys *FileSystem) fail(op string, err error) syscall.Errno {
	fsys.record(func(s *Stats) { s.Errors++ })
	errno := toErrno(err)
	fsys.log.Debug("operation failed", zap.String("op", op), zap.Stringer("errno", errno), zap.Error(err))
	return errno
}

// DirectoryNode represents the root directory
type DirectoryNode struct {
	fs.Inode
	fs *FileSystem
}

var (
	_ fs.NodeOnAdder   = (*DirectoryNode)(nil)
	_ fs.NodeCreater   = (*DirectoryNode)(nil)
	_ fs.NodeGetattrer = (*DirectoryNode)(nil)
	_ fs.NodeOpener    = (*FileNode)(nil)
	_ fs.NodeGetattrer = (*FileNode)(nil)
	_ fs.NodeSetattrer = (*FileNode)(nil)
	_ fs.FileReader    = (*FileHandle)(nil)
	_ fs.FileWriter    = (*FileHandle)(nil)
	_ fs.FileFlusher   = (*FileHandle)(nil)
	_ fs.FileReleaser  = (*FileHandle)(nil)
	_ fs.FileGetlker   = (*FileHandle)(nil)
	_ fs.FileSetlker   = (*FileHandle)(nil)
	_ fs.FileSetlkwer  = (*FileHandle)(nil)
)

// OnAdd publishes the files added before mounting.
func (n *DirectoryNode) OnAdd(ctx context.Context) {
	n.fs.mu.RLock()
	names := make([]string, 0, len(n.fs.files))
	for name := range n.fs.files {
		names = append(names, name)
	}
	n.fs.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		file, _ := n.fs.file(name)
		n.AddChild(name, n.newFileInode(ctx, file), false)
	}
}

func (n *DirectoryNode) newFileInode(ctx context.Context, file *memFile) *fs.Inode {
	return n.NewPersistentInode(ctx, &FileNode{fs: n.fs, file: file}, fs.StableAttr{
		Mode: fuse.S_IFREG,
		Ino:  file.dentry.Inode.Ino,
	})
}

// Getattr gets directory attributes
func (n *DirectoryNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = fuse.S_IFDIR | 0755
	out.Uid = n.fs.config.DefaultUID
	out.Gid = n.fs.config.DefaultGID
	return 0
}

// Create creates a new file and opens it
func (n *DirectoryNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (node *fs.Inode, fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	if n.fs.mount.ReadOnly() {
		return nil, nil, 0, syscall.EROFS
	}
	if _, err := n.fs.AddFile(name, nil); err != nil {
		return nil, nil, 0, syscall.EEXIST
	}
	file, _ := n.fs.file(name)
	n.fs.record(func(s *Stats) { s.Creates++ })

	node = n.newFileInode(ctx, file)
	fh, fuseFlags, errno = node.Operations().(*FileNode).Open(ctx, flags)
	return node, fh, fuseFlags, errno
}

// FileNode represents a file in the filesystem
type FileNode struct {
	fs.Inode
	fs   *FileSystem
	file *memFile
}

// Open acquires a file from the table for the caller.
func (f *FileNode) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	f.fs.record(func(s *Stats) { s.Opens++ })

	mode, fileFlags := openMode(flags)
	c, owner := callerOf(ctx)
	file, err := f.fs.table.Acquire(filetable.AcquireRequest{
		Path:  vfs.Path{Mount: f.fs.mount, Dentry: f.file.dentry},
		Mode:  mode,
		Flags: fileFlags,
		Ops:   f.file,
		Cred:  c,
	})
	c.Put()
	if err != nil {
		return nil, 0, f.fs.fail("open", err)
	}

	if flags&syscall.O_TRUNC != 0 && mode&filetable.ModeWrite != 0 {
		f.file.truncate(0)
	}
	file.SetOwner(owner)
	f.fs.table.Install(file)
	f.fs.notify.NotifyOpen(file)

	return &FileHandle{fs: f.fs, file: file}, fuse.FOPEN_DIRECT_IO, 0
}

// Getattr gets file attributes
func (f *FileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	size, mtime := f.file.stat()
	inode := f.file.dentry.Inode

	out.Ino = inode.Ino
	out.Mode = fuse.S_IFREG | inode.Mode
	out.Size = safeInt64ToUint64(size)
	out.Uid = f.fs.config.DefaultUID
	out.Gid = f.fs.config.DefaultGID
	out.SetTimes(&mtime, &mtime, &mtime)
	return 0
}

// Setattr supports truncation
func (f *FileNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if f.fs.mount.ReadOnly() {
			return syscall.EROFS
		}
		f.file.truncate(int64(size))
	}
	return f.Getattr(ctx, fh, out)
}

// FileHandle is an open FUSE file backed by a filetable.File
type FileHandle struct {
	fs   *FileSystem
	file *filetable.File
}

// File returns the table entry behind the handle.
func (fh *FileHandle) File() *filetable.File { return fh.file }

// Read reads data from the file
func (fh *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := fh.file.Read(dest, off)
	if err != nil {
		return nil, fh.fs.fail("read", err)
	}
	fh.fs.record(func(s *Stats) {
		s.Reads++
		s.BytesRead += int64(n)
	})
	fh.fs.notify.NotifyAccess(fh.file)
	return fuse.ReadResultData(dest[:n]), 0
}

// Write writes data to the file
func (fh *FileHandle) Write(ctx context.Context, data []byte, off int64) (written uint32, errno syscall.Errno) {
	n, err := fh.file.Write(data, off)
	if err != nil {
		return 0, fh.fs.fail("write", err)
	}
	fh.fs.record(func(s *Stats) {
		s.Writes++
		s.BytesWritten += int64(n)
	})
	fh.fs.notify.NotifyModify(fh.file)
	return safeIntToUint32(n), 0
}

// Flush is called on every close of a descriptor for the handle. Record
// locks belong to the process, so any close drops the caller's.
func (fh *FileHandle) Flush(ctx context.Context) syscall.Errno {
	if caller, ok := fuse.FromContext(ctx); ok {
		fh.fs.locks.RemovePosix(fh.file, filetable.Owner{PID: int(caller.Pid)})
	}
	if err := fh.file.Flush(); err != nil {
		return fh.fs.fail("flush", err)
	}
	return 0
}

// Release drops the handle's reference; the last one tears the file down.
func (fh *FileHandle) Release(ctx context.Context) syscall.Errno {
	fh.fs.table.Release(fh.file)
	return 0
}

// Getlk reports a lock that would block lk, or F_UNLCK.
func (fh *FileHandle) Getlk(ctx context.Context, owner uint64, lk *fuse.FileLock, flags uint32, out *fuse.FileLock) syscall.Errno {
	kind, ok := lockKind(lk.Typ)
	if !ok {
		return syscall.EINVAL
	}
	start, end := lockRange(lk)
	held, blocked := fh.fs.locks.Conflict(fh.file, filetable.Owner{PID: int(lk.Pid)}, kind, start, end)
	if !blocked {
		*out = fuse.FileLock{Typ: syscall.F_UNLCK}
		return 0
	}

	out.Typ = syscall.F_RDLCK
	if held.Kind == locks.Write {
		out.Typ = syscall.F_WRLCK
	}
	out.Start = safeInt64ToUint64(held.Start)
	out.End = safeInt64ToUint64(held.End)
	out.Pid = uint32(held.PID)
	return 0
}

// Setlk takes or drops a lock without waiting.
func (fh *FileHandle) Setlk(ctx context.Context, owner uint64, lk *fuse.FileLock, flags uint32) syscall.Errno {
	if err := fh.setlk(lk, flags); err != nil {
		return fh.fs.fail("setlk", err)
	}
	return 0
}

// Setlkw retries Setlk until the lock is granted or ctx is cancelled.
func (fh *FileHandle) Setlkw(ctx context.Context, owner uint64, lk *fuse.FileLock, flags uint32) syscall.Errno {
	err := fh.fs.lockWait.DoWithContext(ctx, func(context.Context) error {
		return fh.setlk(lk, flags)
	})
	if err != nil && ctx.Err() != nil {
		return syscall.EINTR
	}
	if err != nil {
		return fh.fs.fail("setlkw", err)
	}
	return 0
}

func (fh *FileHandle) setlk(lk *fuse.FileLock, flags uint32) error {
	whole := flags&fuse.FUSE_LK_FLOCK != 0
	lockOwner := filetable.Owner{PID: int(lk.Pid)}
	start, end := lockRange(lk)

	if lk.Typ == syscall.F_UNLCK {
		if whole {
			fh.fs.locks.UnlockFile(fh.file)
		} else {
			fh.fs.locks.UnlockRange(fh.file, lockOwner, start, end)
		}
		return nil
	}

	kind, ok := lockKind(lk.Typ)
	if !ok {
		return fterrors.NewError(fterrors.ErrCodeInvalidArgument, "unknown lock type").
			WithComponent("fuse").
			WithDetail("type", lk.Typ)
	}
	if whole {
		return fh.fs.locks.LockFile(fh.file, kind)
	}
	return fh.fs.locks.LockRange(fh.file, lockOwner, kind, start, end)
}

func lockKind(typ uint32) (locks.Kind, bool) {
	switch typ {
	case syscall.F_RDLCK:
		return locks.Read, true
	case syscall.F_WRLCK:
		return locks.Write, true
	}
	return 0, false
}

func lockRange(lk *fuse.FileLock) (int64, int64) {
	end := int64(locks.EOF)
	if lk.End < uint64(locks.EOF) {
		end = int64(lk.End)
	}
	start := int64(locks.EOF)
	if lk.Start < uint64(locks.EOF) {
		start = int64(lk.Start)
	}
	return start, end
}

// openMode translates open(2) flags.
func openMode(flags uint32) (filetable.Mode, filetable.Flags) {
	mode := filetable.ModeLseek | filetable.ModePread | filetable.ModePwrite
	switch flags & syscall.O_ACCMODE {
	case syscall.O_RDONLY:
		mode |= filetable.ModeRead
	case syscall.O_WRONLY:
		mode |= filetable.ModeWrite
	case syscall.O_RDWR:
		mode |= filetable.ModeRead | filetable.ModeWrite
	}

	var fileFlags filetable.Flags
	if flags&syscall.O_APPEND != 0 {
		fileFlags |= filetable.FlagAppend
	}
	if flags&syscall.O_NONBLOCK != 0 {
		fileFlags |= filetable.FlagNonblock
	}
	return mode, fileFlags
}

// callerOf builds credentials for the requesting process. The returned
// credentials hold a reference the caller must put.
func callerOf(ctx context.Context) (*cred.Credentials, filetable.Owner) {
	caller, ok := fuse.FromContext(ctx)
	if !ok || caller.Uid == 0 {
		owner := filetable.Owner{}
		if ok {
			owner.PID = int(caller.Pid)
		}
		return cred.Root(), owner
	}
	return cred.New(caller.Uid, caller.Gid, 0), filetable.Owner{
		PID:  int(caller.Pid),
		UID:  caller.Uid,
		EUID: caller.Uid,
	}
}

// toErrno maps table and vfs errors onto errno values.
func toErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, vfs.ErrReadOnly):
		// also matches filetable.ErrWriteRevoked
		return syscall.EROFS
	case errors.Is(err, vfs.ErrWriteDenied):
		return syscall.ETXTBSY
	case errors.Is(err, filetable.ErrResourceLimitExceeded):
		return syscall.ENFILE
	case errors.Is(err, filetable.ErrOutOfMemory):
		return syscall.ENOMEM
	case errors.Is(err, filetable.ErrValidationDenied):
		return syscall.EACCES
	case errors.Is(err, filetable.ErrNotSupported):
		return syscall.ENOTSUP
	case errors.Is(err, locks.ErrWouldBlock):
		return syscall.EAGAIN
	case errors.Is(err, filetable.ErrTableClosed):
		return syscall.ESHUTDOWN
	case errors.Is(err, filetable.ErrInvalidArgument):
		return syscall.EINVAL
	default:
		return syscall.EIO
	}
}

// memFile is the resource behind a tree entry. It serves as the
// filetable operations of every file opened on it.
type memFile struct {
	fs     *FileSystem
	dentry *vfs.Dentry

	mu    sync.RWMutex
	data  []byte
	mtime time.Time
}

func (m *memFile) Read(f *filetable.File, p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if off < 0 {
		return 0, fterrors.NewError(fterrors.ErrCodeInvalidArgument, "negative offset").WithComponent("fuse")
	}
	if off >= int64(len(m.data)) {
		return 0, nil
	}
	return copy(p, m.data[off:]), nil
}

func (m *memFile) Write(f *filetable.File, p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f.Flags()&filetable.FlagAppend != 0 {
		off = int64(len(m.data))
	}
	if off < 0 {
		return 0, fterrors.NewError(fterrors.ErrCodeInvalidArgument, "negative offset").WithComponent("fuse")
	}
	if end := off + int64(len(p)); end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	n := copy(m.data[off:], p)
	m.mtime = time.Now()
	return n, nil
}

func (m *memFile) Flush(f *filetable.File) error { return nil }

func (m *memFile) Release(inode *vfs.Inode, f *filetable.File) error {
	m.fs.record(func(s *Stats) { s.Releases++ })
	return nil
}

func (m *memFile) truncate(size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if size < int64(len(m.data)) {
		m.data = m.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, m.data)
		m.data = grown
	}
	m.mtime = time.Now()
}

func (m *memFile) stat() (int64, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.data)), m.mtime
}
