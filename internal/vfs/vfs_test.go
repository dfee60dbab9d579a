package vfs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpecialTypes(t *testing.T) {
	tests := []struct {
		typ     FileType
		special bool
	}{
		{TypeRegular, false},
		{TypeDirectory, false},
		{TypeSymlink, false},
		{TypeCharDevice, true},
		{TypeBlockDevice, true},
		{TypeFIFO, true},
		{TypeSocket, true},
	}
	for _, tt := range tests {
		t.Run(tt.typ.String(), func(t *testing.T) {
			assert.Equal(t, tt.special, tt.typ.Special())
		})
	}
}

func TestMountWriters(t *testing.T) {
	m := NewMount("data")
	require.NoError(t, m.WantWrite())
	assert.Equal(t, int64(1), m.Writers())

	m.SetReadOnly(true)
	err := m.WantWrite()
	assert.True(t, errors.Is(err, ErrReadOnly))
	assert.Equal(t, int64(1), m.Writers())

	m.DropWrite()
	assert.Equal(t, int64(0), m.Writers())
	assert.Panics(t, func() { m.DropWrite() })
}

func TestInodeWriteAccess(t *testing.T) {
	ino := &Inode{Ino: 1}

	require.NoError(t, ino.GetWriteAccess())
	err := ino.DenyWriteAccess()
	assert.True(t, errors.Is(err, ErrWriteDenied))
	assert.False(t, errors.Is(err, ErrReadOnly), "a busy inode is not a read-only mount")
	ino.PutWriteAccess()

	require.NoError(t, ino.DenyWriteAccess())
	err = ino.GetWriteAccess()
	assert.True(t, errors.Is(err, ErrWriteDenied))
	assert.False(t, errors.Is(err, ErrReadOnly))
	ino.AllowWriteAccess()
	assert.Equal(t, int64(0), ino.WriteCount())
}

func TestInodeReadCount(t *testing.T) {
	ino := &Inode{Ino: 2}
	ino.ReadCountInc()
	ino.ReadCountInc()
	ino.ReadCountDec()
	assert.Equal(t, int64(1), ino.ReadCount())
	ino.ReadCountDec()
	assert.Panics(t, func() { ino.ReadCountDec() })
}

func TestPathReferences(t *testing.T) {
	p := Path{Mount: NewMount("m"), Dentry: NewDentry("f", &Inode{Ino: 3})}
	require.True(t, p.Valid())
	assert.Equal(t, "m:f", p.String())

	p.Get()
	assert.Equal(t, int64(2), p.Mount.Refs())
	assert.Equal(t, int64(2), p.Dentry.Refs())

	p.Put()
	assert.Equal(t, int64(1), p.Mount.Refs())
	assert.Equal(t, int64(1), p.Dentry.Refs())

	assert.False(t, Path{}.Valid())
	assert.Equal(t, "<invalid path>", Path{}.String())
}

func TestCharDeviceRefs(t *testing.T) {
	c := &CharDevice{Major: 1, Minor: 3}
	c.Get()
	assert.Equal(t, int64(1), c.Refs())
	c.Put()
	assert.Panics(t, func() { c.Put() })
}
