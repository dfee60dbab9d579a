package filetable

import "time"

// SecurityHooks validates new files and releases their security state.
type SecurityHooks interface {
	// FileAlloc runs after credentials are captured and before the file is
	// counted as referenced. An error denies the file.
	FileAlloc(f *File) error
	// FileFree releases whatever FileAlloc attached to the file.
	FileFree(f *File)
}

// Auditor observes the release of files it may have measured.
type Auditor interface {
	AuditRelease(f *File)
}

// CloseNotifier delivers close events to watchers of the file's inode.
type CloseNotifier interface {
	NotifyClose(f *File)
}

// InterestRegistry drops every event-interest registration on a file.
type InterestRegistry interface {
	ReleaseFile(f *File)
}

// LockManager releases the advisory locks held through a file.
type LockManager interface {
	RemoveFile(f *File, owner Owner)
}

// Hooks are the collaborators called during acquire and teardown. Nil
// members are skipped.
type Hooks struct {
	Security SecurityHooks
	Auditors []Auditor
	Notify   CloseNotifier
	Interest InterestRegistry
	Locks    LockManager
}

// Acquire results reported to an Observer.
const (
	ResultOK      = "ok"
	ResultLimit   = "limit"
	ResultNoMem   = "nomem"
	ResultDenied  = "denied"
	ResultInvalid = "invalid"
	ResultClosed  = "closed"
)

// Observer receives lifecycle events, typically to export them as metrics.
type Observer interface {
	RecordAcquire(result string)
	RecordTeardown(latency time.Duration, err error)
	RecordReclaim()
}

type nopObserver struct{}

func (nopObserver) RecordAcquire(string)                {}
func (nopObserver) RecordTeardown(time.Duration, error) {}
func (nopObserver) RecordReclaim()                      {}
