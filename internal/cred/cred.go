// Package cred models the credentials captured by an open file.
//
// Credentials are reference counted: every holder takes a reference with Get
// and drops it with Put. A file pins the credentials of its opener from the
// moment it is allocated until its memory is reclaimed, which may be well
// after the file itself was torn down.
package cred

import (
	"fmt"
	"sync/atomic"
)

// Capability is a single privilege bit.
type Capability uint

const (
	CapChown Capability = iota
	CapDacOverride
	CapFowner
	CapKill
	CapSetuid
	CapSetgid
	CapLinuxImmutable
	CapSysAdmin
	CapSysResource
)

// CapSet is a bitmask of capabilities.
type CapSet uint64

// Has reports whether c is in the set.
func (s CapSet) Has(c Capability) bool {
	return s&(1<<c) != 0
}

// With returns the set with c added.
func (s CapSet) With(c Capability) CapSet {
	return s | 1<<c
}

// Credentials identify the subject that opened a file.
type Credentials struct {
	UID  uint32
	GID  uint32
	EUID uint32
	EGID uint32
	Caps CapSet

	refs atomic.Int64
}

// New returns credentials holding one reference.
func New(uid, gid uint32, caps CapSet) *Credentials {
	c := &Credentials{UID: uid, GID: gid, EUID: uid, EGID: gid, Caps: caps}
	c.refs.Store(1)
	return c
}

// Root returns fully privileged credentials.
func Root() *Credentials {
	return New(0, 0, ^CapSet(0))
}

// Capable reports whether the credentials carry the capability.
func (c *Credentials) Capable(want Capability) bool {
	return c != nil && c.Caps.Has(want)
}

// Get takes an additional reference and returns c.
func (c *Credentials) Get() *Credentials {
	if n := c.refs.Add(1); n <= 1 {
		panic(fmt.Sprintf("cred: get on released credentials (refs=%d)", n))
	}
	return c
}

// Put drops a reference.
func (c *Credentials) Put() {
	if n := c.refs.Add(-1); n < 0 {
		panic(fmt.Sprintf("cred: put on released credentials (refs=%d)", n))
	}
}

// Refs returns the current reference count. The value is racy.
func (c *Credentials) Refs() int64 {
	return c.refs.Load()
}

func (c *Credentials) String() string {
	return fmt.Sprintf("uid=%d gid=%d euid=%d egid=%d", c.UID, c.GID, c.EUID, c.EGID)
}
