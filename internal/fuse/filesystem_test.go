package fuse

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/objectfs/filetable/internal/filetable"
	"github.com/objectfs/filetable/internal/fsnotify"
	"github.com/objectfs/filetable/internal/locks"
	"github.com/objectfs/filetable/internal/vfs"
	fterrors "github.com/objectfs/filetable/pkg/errors"
)

type fixture struct {
	table  *filetable.Table
	fsys   *FileSystem
	root   *DirectoryNode
	notify *fsnotify.Notifier
	locks  *locks.Manager
	motd   *vfs.Inode
}

func newFixture(t *testing.T, maxFiles int64) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	notifier := fsnotify.New(log)
	lockMgr := locks.NewManager(log)

	table, err := filetable.New(filetable.Config{
		MaxFiles:      maxFiles,
		CounterShards: 1,
		CounterBatch:  1,
		Hooks:         filetable.Hooks{Notify: notifier, Locks: lockMgr},
		Logger:        log,
	})
	require.NoError(t, err)

	fsys := NewFileSystem(table, notifier, lockMgr, nil, log)
	motd, err := fsys.AddFile("motd", []byte("hello"))
	require.NoError(t, err)

	root := fsys.Root().(*DirectoryNode)
	fs.NewNodeFS(root, &fs.Options{})

	return &fixture{table: table, fsys: fsys, root: root, notify: notifier, locks: lockMgr, motd: motd}
}

func userContext(pid, uid uint32) context.Context {
	return fuse.NewContext(context.Background(), &fuse.Caller{
		Owner: fuse.Owner{Uid: uid, Gid: uid},
		Pid:   pid,
	})
}

func (fx *fixture) node(t *testing.T, name string) *FileNode {
	t.Helper()
	child := fx.root.GetChild(name)
	require.NotNil(t, child, "missing %s", name)
	return child.Operations().(*FileNode)
}

func (fx *fixture) open(t *testing.T, ctx context.Context, name string, flags uint32) *FileHandle {
	t.Helper()
	fh, fuseFlags, errno := fx.node(t, name).Open(ctx, flags)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, uint32(fuse.FOPEN_DIRECT_IO), fuseFlags)
	return fh.(*FileHandle)
}

func (fx *fixture) reclaim(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, fx.table.Synchronize(ctx))
}

func readAll(t *testing.T, fh *FileHandle) string {
	t.Helper()
	buf := make([]byte, 64)
	res, errno := fh.Read(context.Background(), buf, 0)
	require.Equal(t, syscall.Errno(0), errno)
	data, status := res.Bytes(nil)
	require.True(t, status.Ok())
	return string(data)
}

func TestOpenReadWriteRelease(t *testing.T) {
	fx := newFixture(t, 16)
	ctx := userContext(42, 1000)

	fh := fx.open(t, ctx, "motd", syscall.O_RDWR)
	assert.Equal(t, int64(1), fx.table.NrFilesExact())
	assert.Equal(t, 42, fh.File().Owner().PID)
	assert.Equal(t, uint32(1000), fh.File().Cred().UID)

	found, ok := fx.table.Lookup(fh.File().ID())
	require.True(t, ok, "open files are installed")
	fx.table.Release(found)

	assert.Equal(t, "hello", readAll(t, fh))
	n, errno := fh.Write(ctx, []byte(", world"), 5)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, uint32(7), n)
	assert.Equal(t, "hello, world", readAll(t, fh))
	assert.Equal(t, syscall.Errno(0), fh.Flush(ctx))

	var attr fuse.AttrOut
	require.Equal(t, syscall.Errno(0), fx.node(t, "motd").Getattr(ctx, fh, &attr))
	assert.Equal(t, uint64(12), attr.Size)
	assert.Equal(t, fx.motd.Ino, attr.Ino)

	assert.Equal(t, syscall.Errno(0), fh.Release(ctx))
	fx.reclaim(t)
	assert.Equal(t, int64(0), fx.table.NrFilesExact())
	assert.Equal(t, int64(0), fx.fsys.Mount().Writers())
	assert.Equal(t, int64(0), fx.motd.WriteCount())

	stats := fx.fsys.GetStats()
	assert.Equal(t, int64(1), stats.Opens)
	assert.Equal(t, int64(1), stats.Releases)
	assert.Equal(t, int64(7), stats.BytesWritten)
}

func TestOpenFlags(t *testing.T) {
	fx := newFixture(t, 16)
	ctx := userContext(1, 1000)

	ro := fx.open(t, ctx, "motd", syscall.O_RDONLY)
	defer ro.Release(ctx)
	_, errno := ro.Write(ctx, []byte("x"), 0)
	assert.Equal(t, syscall.EINVAL, errno, "read-only handle")
	assert.Equal(t, int64(1), fx.motd.ReadCount())

	app := fx.open(t, ctx, "motd", syscall.O_WRONLY|syscall.O_APPEND)
	_, errno = app.Write(ctx, []byte("!"), 0)
	require.Equal(t, syscall.Errno(0), errno)
	_, errno = app.Read(ctx, make([]byte, 4), 0)
	assert.Equal(t, syscall.EINVAL, errno, "write-only handle")
	app.Release(ctx)
	assert.Equal(t, "hello!", readAll(t, ro))

	trunc := fx.open(t, ctx, "motd", syscall.O_WRONLY|syscall.O_TRUNC)
	trunc.Release(ctx)
	assert.Equal(t, "", readAll(t, ro))
}

func TestOpenAtCeiling(t *testing.T) {
	fx := newFixture(t, 1)
	user := userContext(7, 1000)

	first := fx.open(t, user, "motd", syscall.O_RDONLY)

	_, _, errno := fx.node(t, "motd").Open(user, syscall.O_RDONLY)
	assert.Equal(t, syscall.ENFILE, errno)
	assert.Equal(t, int64(1), fx.fsys.GetStats().Errors)

	// root is exempt from the ceiling
	admin := fx.open(t, context.Background(), "motd", syscall.O_RDONLY)
	assert.Equal(t, int64(2), fx.table.NrFilesExact())

	admin.Release(user)
	first.Release(user)
	fx.reclaim(t)
	assert.Equal(t, int64(0), fx.table.NrFilesExact())
}

func TestSetReadOnlyRevokesWriters(t *testing.T) {
	fx := newFixture(t, 16)
	ctx := userContext(3, 1000)

	rw := fx.open(t, ctx, "motd", syscall.O_RDWR)
	defer rw.Release(ctx)
	ro := fx.open(t, ctx, "motd", syscall.O_RDONLY)
	defer ro.Release(ctx)
	require.Equal(t, int64(1), fx.fsys.Mount().Writers())

	assert.Equal(t, 1, fx.fsys.SetReadOnly(true))
	assert.Equal(t, int64(0), fx.fsys.Mount().Writers())
	assert.Equal(t, int64(0), fx.motd.WriteCount())

	_, errno := rw.Write(ctx, []byte("x"), 0)
	assert.Equal(t, syscall.EROFS, errno)
	assert.Equal(t, "hello", readAll(t, rw))

	_, _, errno = fx.node(t, "motd").Open(ctx, syscall.O_WRONLY)
	assert.Equal(t, syscall.EROFS, errno)

	_, _, _, errno = fx.root.Create(ctx, "new", syscall.O_RDWR, 0644, &fuse.EntryOut{})
	assert.Equal(t, syscall.EROFS, errno)

	assert.Equal(t, 0, fx.fsys.SetReadOnly(false))
	again := fx.open(t, ctx, "motd", syscall.O_WRONLY)
	again.Release(ctx)
}

func TestCreate(t *testing.T) {
	fx := newFixture(t, 16)
	ctx := userContext(5, 1000)

	node, fh, _, errno := fx.root.Create(ctx, "notes", syscall.O_RDWR|syscall.O_CREAT, 0644, &fuse.EntryOut{})
	require.Equal(t, syscall.Errno(0), errno)
	require.NotNil(t, node)
	handle := fh.(*FileHandle)

	_, errno = handle.Write(ctx, []byte("draft"), 0)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, "draft", readAll(t, handle))
	handle.Release(ctx)

	_, _, _, errno = fx.root.Create(ctx, "notes", syscall.O_RDWR, 0644, &fuse.EntryOut{})
	assert.Equal(t, syscall.EEXIST, errno)
	assert.Equal(t, int64(1), fx.fsys.GetStats().Creates)
}

func TestSetattrTruncates(t *testing.T) {
	fx := newFixture(t, 16)
	ctx := userContext(5, 1000)

	in := &fuse.SetAttrIn{}
	in.Valid = fuse.FATTR_SIZE
	in.Size = 2

	var out fuse.AttrOut
	require.Equal(t, syscall.Errno(0), fx.node(t, "motd").Setattr(ctx, nil, in, &out))
	assert.Equal(t, uint64(2), out.Size)

	fh := fx.open(t, ctx, "motd", syscall.O_RDONLY)
	defer fh.Release(ctx)
	assert.Equal(t, "he", readAll(t, fh))
}

func TestNotifications(t *testing.T) {
	fx := newFixture(t, 16)
	ctx := userContext(9, 1000)
	w := fx.notify.Watch(fx.motd, fsnotify.OpAll, 0)

	fh := fx.open(t, ctx, "motd", syscall.O_RDWR)
	readAll(t, fh)
	_, errno := fh.Write(ctx, []byte("!"), 5)
	require.Equal(t, syscall.Errno(0), errno)
	fh.Release(ctx)

	var ops []fsnotify.Op
	for len(ops) < 4 {
		select {
		case ev := <-w.Events():
			assert.Equal(t, fx.motd.Ino, ev.Ino)
			ops = append(ops, ev.Op)
		case <-time.After(time.Second):
			t.Fatalf("got %v, want four events", ops)
		}
	}
	assert.Equal(t, []fsnotify.Op{fsnotify.OpOpen, fsnotify.OpAccess, fsnotify.OpModify, fsnotify.OpCloseWrite}, ops)
}

func TestRecordLocks(t *testing.T) {
	fx := newFixture(t, 16)
	alice := fx.open(t, userContext(100, 1000), "motd", syscall.O_RDWR)
	bob := fx.open(t, userContext(200, 1001), "motd", syscall.O_RDWR)
	defer bob.Release(context.Background())
	ctx := context.Background()

	aliceLock := &fuse.FileLock{Start: 0, End: 99, Typ: syscall.F_WRLCK, Pid: 100}
	require.Equal(t, syscall.Errno(0), alice.Setlk(ctx, 1, aliceLock, 0))

	bobLock := &fuse.FileLock{Start: 50, End: 60, Typ: syscall.F_RDLCK, Pid: 200}
	assert.Equal(t, syscall.EAGAIN, bob.Setlk(ctx, 2, bobLock, 0))

	var out fuse.FileLock
	require.Equal(t, syscall.Errno(0), bob.Getlk(ctx, 2, bobLock, 0, &out))
	assert.Equal(t, uint32(syscall.F_WRLCK), out.Typ)
	assert.Equal(t, uint32(100), out.Pid)
	assert.Equal(t, uint64(99), out.End)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Equal(t, syscall.EINTR, bob.Setlkw(cancelled, 2, bobLock, 0))

	// closing alice's file drops her locks
	alice.Release(ctx)
	require.Equal(t, syscall.Errno(0), bob.Getlk(ctx, 2, bobLock, 0, &out))
	assert.Equal(t, uint32(syscall.F_UNLCK), out.Typ)
	assert.Equal(t, syscall.Errno(0), bob.Setlkw(ctx, 2, bobLock, 0))

	unlock := &fuse.FileLock{Start: 0, End: ^uint64(0), Typ: syscall.F_UNLCK, Pid: 200}
	assert.Equal(t, syscall.Errno(0), bob.Setlk(ctx, 2, unlock, 0))
	assert.Empty(t, fx.locks.Held(fx.motd))
}

func TestFlushDropsCallerRecordLocks(t *testing.T) {
	fx := newFixture(t, 16)
	ctx := userContext(100, 1000)
	first := fx.open(t, ctx, "motd", syscall.O_RDWR)
	defer first.Release(ctx)
	second := fx.open(t, ctx, "motd", syscall.O_RDONLY)
	defer second.Release(ctx)
	other := fx.open(t, userContext(200, 1001), "motd", syscall.O_RDWR)
	defer other.Release(ctx)

	lk := &fuse.FileLock{Start: 0, End: 99, Typ: syscall.F_WRLCK, Pid: 100}
	require.Equal(t, syscall.Errno(0), first.Setlk(ctx, 1, lk, 0))
	otherLock := &fuse.FileLock{Start: 10, End: 20, Typ: syscall.F_WRLCK, Pid: 200}
	require.Equal(t, syscall.EAGAIN, other.Setlk(ctx, 2, otherLock, 0))

	// another process closing its descriptor leaves the lock alone
	require.Equal(t, syscall.Errno(0), other.Flush(userContext(200, 1001)))
	require.Equal(t, syscall.EAGAIN, other.Setlk(ctx, 2, otherLock, 0))

	// closing the read-only descriptor releases the lock taken through the other
	require.Equal(t, syscall.Errno(0), second.Flush(ctx))
	assert.Empty(t, fx.locks.Held(fx.motd))
	assert.Equal(t, syscall.Errno(0), other.Setlk(ctx, 2, otherLock, 0))
}

func TestFlock(t *testing.T) {
	fx := newFixture(t, 16)
	ctx := context.Background()
	a := fx.open(t, userContext(1, 1000), "motd", syscall.O_RDWR)
	defer a.Release(ctx)
	b := fx.open(t, userContext(1, 1000), "motd", syscall.O_RDWR)
	defer b.Release(ctx)

	lk := &fuse.FileLock{Typ: syscall.F_WRLCK, Pid: 1}
	require.Equal(t, syscall.Errno(0), a.Setlk(ctx, 1, lk, fuse.FUSE_LK_FLOCK))
	assert.Equal(t, syscall.EAGAIN, b.Setlk(ctx, 1, lk, fuse.FUSE_LK_FLOCK), "flock conflicts across open files")

	unlock := &fuse.FileLock{Typ: syscall.F_UNLCK, Pid: 1}
	require.Equal(t, syscall.Errno(0), a.Setlk(ctx, 1, unlock, fuse.FUSE_LK_FLOCK))
	assert.Equal(t, syscall.Errno(0), b.Setlk(ctx, 1, lk, fuse.FUSE_LK_FLOCK))
}

func TestToErrno(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want syscall.Errno
	}{
		{"nil", nil, 0},
		{"limit", filetable.ErrResourceLimitExceeded.Clone(), syscall.ENFILE},
		{"pool", filetable.ErrOutOfMemory.Clone(), syscall.ENOMEM},
		{"denied", filetable.ErrValidationDenied.Clone(), syscall.EACCES},
		{"read-only cause", filetable.ErrInvalidArgument.Clone().WithCause(vfs.ErrReadOnly), syscall.EROFS},
		{"revoked", filetable.ErrWriteRevoked.Clone(), syscall.EROFS},
		{"write denied", filetable.ErrInvalidArgument.Clone().WithCause(vfs.ErrWriteDenied.Clone()), syscall.ETXTBSY},
		{"invalid state", fterrors.NewError(fterrors.ErrCodeInvalidState, "instance is closed"), syscall.EIO},
		{"unsupported", filetable.ErrNotSupported.Clone(), syscall.ENOTSUP},
		{"closed", filetable.ErrTableClosed.Clone(), syscall.ESHUTDOWN},
		{"would block", locks.ErrWouldBlock.Clone(), syscall.EAGAIN},
		{"invalid", filetable.ErrInvalidArgument.Clone(), syscall.EINVAL},
		{"other", fterrors.NewError(fterrors.ErrCodeInternalError, "boom"), syscall.EIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, toErrno(tt.err))
		})
	}
}
