package filetable

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/objectfs/filetable/internal/vfs"
)

// recorder implements every hook and logs the calls it receives.
type recorder struct {
	mu     sync.Mutex
	events []string

	denyAlloc error
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

func (r *recorder) FileAlloc(*File) error {
	r.add("alloc")
	return r.denyAlloc
}

func (r *recorder) FileFree(*File)              { r.add("free") }
func (r *recorder) AuditRelease(*File)          { r.add("audit") }
func (r *recorder) NotifyClose(*File)           { r.add("notify") }
func (r *recorder) ReleaseFile(*File)           { r.add("interest") }
func (r *recorder) RemoveFile(_ *File, o Owner) { r.add(fmt.Sprintf("locks(%d)", o.PID)) }

func (r *recorder) hooks() Hooks {
	return Hooks{
		Security: r,
		Auditors: []Auditor{r},
		Notify:   r,
		Interest: r,
		Locks:    r,
	}
}

// recordingOps is an operation table with release and fasync capabilities.
type recordingOps struct {
	rec        *recorder
	releaseErr error
	// pathAtRelease records whether the path was still set when Release ran.
	pathAtRelease bool
}

func (o *recordingOps) Release(_ *vfs.Inode, f *File) error {
	o.rec.add("release")
	o.pathAtRelease = f.Path().Valid()
	return o.releaseErr
}

func (o *recordingOps) Fasync(fd int, _ *File, on bool) error {
	o.rec.add(fmt.Sprintf("fasync(%d,%t)", fd, on))
	return nil
}

func newResource(typ vfs.FileType) vfs.Path {
	inode := &vfs.Inode{Ino: 42, Type: typ}
	if typ == vfs.TypeCharDevice {
		inode.Cdev = &vfs.CharDevice{Major: 10, Minor: 130}
	}
	return vfs.Path{Mount: vfs.NewMount("test"), Dentry: vfs.NewDentry("file", inode)}
}

// newTestTable returns a table whose counter is exact, so ceilings are
// enforced without approximation slack.
func newTestTable(t *testing.T, cfg Config) *Table {
	t.Helper()
	if cfg.MaxFiles == 0 {
		cfg.MaxFiles = 64
	}
	cfg.CounterShards = 1
	cfg.CounterBatch = 1
	tbl, err := New(cfg)
	require.NoError(t, err)
	return tbl
}

func synchronize(t *testing.T, tbl *Table) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tbl.Synchronize(ctx))
}
