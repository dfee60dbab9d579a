// Package vfs is the minimal resource model open files point at: mounts,
// directory entries, inodes and character devices. Each carries only the
// reference and access counters the file table has to keep balanced.
package vfs

import (
	"fmt"
	"sync/atomic"

	"github.com/objectfs/filetable/pkg/errors"
)

// FileType is the kind of object an inode describes.
type FileType uint8

const (
	TypeRegular FileType = iota
	TypeDirectory
	TypeSymlink
	TypeCharDevice
	TypeBlockDevice
	TypeFIFO
	TypeSocket
)

func (t FileType) String() string {
	switch t {
	case TypeRegular:
		return "regular"
	case TypeDirectory:
		return "directory"
	case TypeSymlink:
		return "symlink"
	case TypeCharDevice:
		return "chardev"
	case TypeBlockDevice:
		return "blockdev"
	case TypeFIFO:
		return "fifo"
	case TypeSocket:
		return "socket"
	default:
		return "unknown"
	}
}

// Special reports whether the type is a device, FIFO or socket. Special
// files do not take write claims on their mount.
func (t FileType) Special() bool {
	switch t {
	case TypeCharDevice, TypeBlockDevice, TypeFIFO, TypeSocket:
		return true
	}
	return false
}

var (
	// ErrReadOnly is returned when a write claim is requested on a read-only mount.
	ErrReadOnly = errors.NewError(errors.ErrCodeReadOnly, "mount is read-only").WithComponent("vfs")
	// ErrWriteDenied is returned when writers and write denial collide on an inode.
	ErrWriteDenied = errors.NewError(errors.ErrCodeWriteDenied, "inode write access denied").WithComponent("vfs")
)

// Mount is a mounted volume. Files cite it and writers register on it.
type Mount struct {
	Name string

	refs     atomic.Int64
	writers  atomic.Int64
	readOnly atomic.Bool
}

// NewMount returns a mount holding one reference for the caller.
func NewMount(name string) *Mount {
	m := &Mount{Name: name}
	m.refs.Store(1)
	return m
}

// Get takes a reference.
func (m *Mount) Get() *Mount {
	m.refs.Add(1)
	return m
}

// Put drops a reference.
func (m *Mount) Put() {
	if n := m.refs.Add(-1); n < 0 {
		panic(fmt.Sprintf("vfs: mount %q reference count underflow", m.Name))
	}
}

// Refs returns the current reference count.
func (m *Mount) Refs() int64 { return m.refs.Load() }

// SetReadOnly marks the mount read-only. New write claims fail afterwards;
// existing ones stay until dropped.
func (m *Mount) SetReadOnly(ro bool) { m.readOnly.Store(ro) }

// ReadOnly reports whether the mount refuses new write claims.
func (m *Mount) ReadOnly() bool { return m.readOnly.Load() }

// WantWrite registers a writer on the mount.
func (m *Mount) WantWrite() error {
	if m.readOnly.Load() {
		return ErrReadOnly
	}
	m.writers.Add(1)
	return nil
}

// DropWrite unregisters a writer.
func (m *Mount) DropWrite() {
	if n := m.writers.Add(-1); n < 0 {
		panic(fmt.Sprintf("vfs: mount %q writer count underflow", m.Name))
	}
}

// Writers returns the number of registered writers.
func (m *Mount) Writers() int64 { return m.writers.Load() }

// CharDevice is a character device referenced by open device files.
type CharDevice struct {
	Major, Minor uint32

	refs atomic.Int64
}

// Get takes a reference.
func (c *CharDevice) Get() *CharDevice {
	c.refs.Add(1)
	return c
}

// Put drops a reference.
func (c *CharDevice) Put() {
	if n := c.refs.Add(-1); n < 0 {
		panic(fmt.Sprintf("vfs: cdev %d:%d reference count underflow", c.Major, c.Minor))
	}
}

// Refs returns the current reference count.
func (c *CharDevice) Refs() int64 { return c.refs.Load() }

// Inode is the object a dentry names.
type Inode struct {
	Ino  uint64
	Type FileType
	Mode uint32
	Cdev *CharDevice

	// writeCount > 0 counts writers, < 0 counts deny-write holders.
	writeCount atomic.Int64
	readCount  atomic.Int64
}

// GetWriteAccess registers a writer. It fails while write access is denied.
func (i *Inode) GetWriteAccess() error {
	for {
		n := i.writeCount.Load()
		if n < 0 {
			return ErrWriteDenied.Clone().WithDetail("ino", i.Ino)
		}
		if i.writeCount.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// PutWriteAccess unregisters a writer.
func (i *Inode) PutWriteAccess() {
	if n := i.writeCount.Add(-1); n < 0 {
		panic(fmt.Sprintf("vfs: inode %d write count underflow", i.Ino))
	}
}

// DenyWriteAccess blocks new writers. It fails while writers exist.
func (i *Inode) DenyWriteAccess() error {
	for {
		n := i.writeCount.Load()
		if n > 0 {
			return ErrWriteDenied.Clone().
				WithOperation("deny write").
				WithDetail("ino", i.Ino)
		}
		if i.writeCount.CompareAndSwap(n, n-1) {
			return nil
		}
	}
}

// AllowWriteAccess undoes DenyWriteAccess.
func (i *Inode) AllowWriteAccess() {
	i.writeCount.Add(1)
}

// WriteCount returns the signed writer count.
func (i *Inode) WriteCount() int64 { return i.writeCount.Load() }

// ReadCountInc registers a read-only opener.
func (i *Inode) ReadCountInc() { i.readCount.Add(1) }

// ReadCountDec unregisters a read-only opener.
func (i *Inode) ReadCountDec() {
	if n := i.readCount.Add(-1); n < 0 {
		panic(fmt.Sprintf("vfs: inode %d read count underflow", i.Ino))
	}
}

// ReadCount returns the number of read-only openers.
func (i *Inode) ReadCount() int64 { return i.readCount.Load() }

// Dentry names an inode within a mount.
type Dentry struct {
	Name  string
	Inode *Inode

	refs atomic.Int64
}

// NewDentry returns a dentry holding one reference for the caller.
func NewDentry(name string, inode *Inode) *Dentry {
	d := &Dentry{Name: name, Inode: inode}
	d.refs.Store(1)
	return d
}

// Get takes a reference.
func (d *Dentry) Get() *Dentry {
	d.refs.Add(1)
	return d
}

// Put drops a reference.
func (d *Dentry) Put() {
	if n := d.refs.Add(-1); n < 0 {
		panic(fmt.Sprintf("vfs: dentry %q reference count underflow", d.Name))
	}
}

// Refs returns the current reference count.
func (d *Dentry) Refs() int64 { return d.refs.Load() }

// Path locates a dentry on a mount.
type Path struct {
	Mount  *Mount
	Dentry *Dentry
}

// Valid reports whether both halves of the path are set and the dentry has an inode.
func (p Path) Valid() bool {
	return p.Mount != nil && p.Dentry != nil && p.Dentry.Inode != nil
}

// Get takes a reference on both the mount and the dentry.
func (p Path) Get() {
	p.Mount.Get()
	p.Dentry.Get()
}

// Put drops the references taken by Get, dentry first.
func (p Path) Put() {
	p.Dentry.Put()
	p.Mount.Put()
}

func (p Path) String() string {
	if !p.Valid() {
		return "<invalid path>"
	}
	return p.Mount.Name + ":" + p.Dentry.Name
}
