// Package eventpoll keeps event-interest registrations on open files.
//
// An Instance watches a set of files for readiness events. Registrations do
// not hold references on the files they name, so the file table calls
// ReleaseFile during teardown to drop every registration on a dying file.
package eventpoll

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/objectfs/filetable/internal/filetable"
	"github.com/objectfs/filetable/pkg/errors"
)

// Events is a readiness mask.
type Events uint32

const (
	EventIn Events = 1 << iota
	EventOut
	EventErr
	EventHup
)

var (
	ErrExists   = errors.NewError(errors.ErrCodeInvalidArgument, "file already registered").WithComponent("eventpoll")
	ErrNotFound = errors.NewError(errors.ErrCodeInvalidArgument, "file not registered").WithComponent("eventpoll")
	ErrClosed   = errors.NewError(errors.ErrCodeInvalidState, "instance is closed").WithComponent("eventpoll")
)

// Ready is a delivered readiness event.
type Ready struct {
	FileID uint64
	Events Events
}

type item struct {
	file     *filetable.File
	interest Events
	pending  Events
}

// Registry tracks which instances watch which files.
type Registry struct {
	mu     sync.Mutex
	byFile map[*filetable.File]map[*Instance]struct{}
	nextID atomic.Uint64
	log    *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		byFile: make(map[*filetable.File]map[*Instance]struct{}),
		log:    log.Named("eventpoll"),
	}
}

// Instance is one interest set.
type Instance struct {
	id  uint64
	reg *Registry

	mu     sync.Mutex
	items  map[*filetable.File]*item
	ready  []*item
	closed bool
	wake   chan struct{}
}

// Create returns a new, empty instance.
func (r *Registry) Create() *Instance {
	return &Instance{
		id:    r.nextID.Add(1),
		reg:   r,
		items: make(map[*filetable.File]*item),
		wake:  make(chan struct{}, 1),
	}
}

// ID returns the instance's serial number.
func (ep *Instance) ID() uint64 { return ep.id }

// Add registers interest in events on f.
func (ep *Instance) Add(f *filetable.File, events Events) error {
	ep.reg.mu.Lock()
	defer ep.reg.mu.Unlock()
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.closed {
		return ErrClosed.Clone().WithOperation("add")
	}
	if _, ok := ep.items[f]; ok {
		return ErrExists.Clone().WithOperation("add").WithDetail("file", f.ID())
	}
	ep.items[f] = &item{file: f, interest: events}

	set, ok := ep.reg.byFile[f]
	if !ok {
		set = make(map[*Instance]struct{})
		ep.reg.byFile[f] = set
	}
	set[ep] = struct{}{}
	return nil
}

// Modify replaces the interest mask for f.
func (ep *Instance) Modify(f *filetable.File, events Events) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	it, ok := ep.items[f]
	if !ok {
		return ErrNotFound.Clone().WithOperation("modify").WithDetail("file", f.ID())
	}
	it.interest = events
	it.pending &= events
	return nil
}

// Remove drops the registration for f.
func (ep *Instance) Remove(f *filetable.File) error {
	ep.reg.mu.Lock()
	defer ep.reg.mu.Unlock()
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if _, ok := ep.items[f]; !ok {
		return ErrNotFound.Clone().WithOperation("remove").WithDetail("file", f.ID())
	}
	ep.unlinkLocked(f)
	ep.reg.dropLocked(f, ep)
	return nil
}

// unlinkLocked removes f from the instance. ep.mu must be held.
func (ep *Instance) unlinkLocked(f *filetable.File) {
	it := ep.items[f]
	delete(ep.items, f)
	for i, r := range ep.ready {
		if r == it {
			ep.ready = append(ep.ready[:i], ep.ready[i+1:]...)
			break
		}
	}
}

// dropLocked removes ep from f's watcher set. r.mu must be held.
func (r *Registry) dropLocked(f *filetable.File, ep *Instance) {
	set := r.byFile[f]
	delete(set, ep)
	if len(set) == 0 {
		delete(r.byFile, f)
	}
}

// Len returns the number of registered files.
func (ep *Instance) Len() int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return len(ep.items)
}

// Signal reports events on f to every instance that registered interest
// in them.
func (r *Registry) Signal(f *filetable.File, events Events) {
	r.mu.Lock()
	instances := make([]*Instance, 0, len(r.byFile[f]))
	for ep := range r.byFile[f] {
		instances = append(instances, ep)
	}
	r.mu.Unlock()

	for _, ep := range instances {
		ep.signal(f, events)
	}
}

func (ep *Instance) signal(f *filetable.File, events Events) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	it, ok := ep.items[f]
	if !ok || it.interest&events == 0 {
		return
	}
	if it.pending == 0 {
		ep.ready = append(ep.ready, it)
	}
	it.pending |= events & it.interest
	select {
	case ep.wake <- struct{}{}:
	default:
	}
}

// Wait blocks until at least one event is ready or ctx is done, then
// returns up to limit ready events. limit <= 0 returns all of them.
func (ep *Instance) Wait(ctx context.Context, limit int) ([]Ready, error) {
	for {
		ep.mu.Lock()
		if ep.closed {
			ep.mu.Unlock()
			return nil, ErrClosed.Clone().WithOperation("wait")
		}
		if len(ep.ready) > 0 {
			n := len(ep.ready)
			if limit > 0 && limit < n {
				n = limit
			}
			out := make([]Ready, n)
			for i, it := range ep.ready[:n] {
				out[i] = Ready{FileID: it.file.ID(), Events: it.pending}
				it.pending = 0
			}
			ep.ready = append(ep.ready[:0], ep.ready[n:]...)
			ep.mu.Unlock()
			return out, nil
		}
		ep.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, errors.NewError(errors.ErrCodeOperationCanceled, "wait interrupted").
				WithComponent("eventpoll").
				WithCause(ctx.Err())
		case <-ep.wake:
		}
	}
}

// Close drops every registration of the instance.
func (ep *Instance) Close() {
	ep.reg.mu.Lock()
	defer ep.reg.mu.Unlock()
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.closed {
		return
	}
	ep.closed = true
	for f := range ep.items {
		ep.reg.dropLocked(f, ep)
	}
	ep.items = nil
	ep.ready = nil
	close(ep.wake)
}

// ReleaseFile drops every registration on f. It is called by the file table
// when f is torn down.
func (r *Registry) ReleaseFile(f *filetable.File) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.byFile[f]
	if !ok {
		return
	}
	for ep := range set {
		ep.mu.Lock()
		ep.unlinkLocked(f)
		ep.mu.Unlock()
	}
	delete(r.byFile, f)
	r.log.Debug("released event interest", zap.Uint64("file", f.ID()), zap.Int("instances", len(set)))
}

// Watchers returns the number of instances registered on f.
func (r *Registry) Watchers(f *filetable.File) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byFile[f])
}
