// Package fsnotify delivers open, access, modify and close events on inodes
// to registered watchers.
package fsnotify

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/objectfs/filetable/internal/filetable"
	"github.com/objectfs/filetable/internal/vfs"
)

// Op is an event type mask.
type Op uint32

const (
	OpOpen Op = 1 << iota
	OpAccess
	OpModify
	OpCloseWrite
	OpCloseNoWrite

	OpClose = OpCloseWrite | OpCloseNoWrite
	OpAll   = OpOpen | OpAccess | OpModify | OpClose
)

func (op Op) String() string {
	switch op {
	case OpOpen:
		return "open"
	case OpAccess:
		return "access"
	case OpModify:
		return "modify"
	case OpCloseWrite:
		return "close_write"
	case OpCloseNoWrite:
		return "close_nowrite"
	default:
		return "mixed"
	}
}

// Event is a delivered notification.
type Event struct {
	Op     Op
	Ino    uint64
	Path   string
	FileID uint64
}

// DefaultBuffer is the event queue length of a watcher.
const DefaultBuffer = 64

// Watcher receives events for one inode. Events that do not fit in its
// queue are dropped and counted.
type Watcher struct {
	mask    Op
	events  chan Event
	dropped atomic.Int64
}

// Events returns the event channel. It is closed by Unwatch.
func (w *Watcher) Events() <-chan Event { return w.events }

// Dropped returns the number of events lost to a full queue.
func (w *Watcher) Dropped() int64 { return w.dropped.Load() }

func (w *Watcher) deliver(ev Event) bool {
	if w.mask&ev.Op == 0 {
		return false
	}
	select {
	case w.events <- ev:
		return true
	default:
		w.dropped.Add(1)
		return false
	}
}

// Notifier routes events to the watchers of each inode.
type Notifier struct {
	mu      sync.RWMutex
	watches map[*vfs.Inode][]*Watcher

	delivered atomic.Int64
	log       *zap.Logger
}

// New creates a notifier.
func New(log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{
		watches: make(map[*vfs.Inode][]*Watcher),
		log:     log.Named("fsnotify"),
	}
}

// Watch registers a watcher for the events in mask on inode. buffer <= 0
// uses DefaultBuffer.
func (n *Notifier) Watch(inode *vfs.Inode, mask Op, buffer int) *Watcher {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	w := &Watcher{mask: mask, events: make(chan Event, buffer)}

	n.mu.Lock()
	n.watches[inode] = append(n.watches[inode], w)
	n.mu.Unlock()
	return w
}

// Unwatch removes w and closes its channel.
func (n *Notifier) Unwatch(inode *vfs.Inode, w *Watcher) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ws := n.watches[inode]
	for i, x := range ws {
		if x != w {
			continue
		}
		ws = append(ws[:i], ws[i+1:]...)
		if len(ws) == 0 {
			delete(n.watches, inode)
		} else {
			n.watches[inode] = ws
		}
		close(w.events)
		return
	}
}

// Delivered returns the number of events queued to watchers.
func (n *Notifier) Delivered() int64 { return n.delivered.Load() }

func (n *Notifier) notify(f *filetable.File, op Op) {
	inode := f.Inode()
	if inode == nil {
		return
	}
	ev := Event{Op: op, Ino: inode.Ino, Path: f.Path().String(), FileID: f.ID()}

	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, w := range n.watches[inode] {
		if w.deliver(ev) {
			n.delivered.Add(1)
		}
	}
}

// NotifyOpen reports that f was opened.
func (n *Notifier) NotifyOpen(f *filetable.File) { n.notify(f, OpOpen) }

// NotifyAccess reports a read through f.
func (n *Notifier) NotifyAccess(f *filetable.File) { n.notify(f, OpAccess) }

// NotifyModify reports a write through f.
func (n *Notifier) NotifyModify(f *filetable.File) { n.notify(f, OpModify) }

// NotifyClose reports the final close of f. It is called by the file table
// during teardown and never blocks.
func (n *Notifier) NotifyClose(f *filetable.File) {
	op := OpCloseNoWrite
	if f.Mode()&filetable.ModeWrite != 0 {
		op = OpCloseWrite
	}
	n.notify(f, op)
}
