package filetable

import (
	"sync/atomic"

	"github.com/pbnjay/memory"
	"go.uber.org/zap"

	"github.com/objectfs/filetable/internal/cred"
	"github.com/objectfs/filetable/internal/percpu"
)

// MinMaxFiles is the smallest default ceiling.
const MinMaxFiles = 8192

// DefaultMaxFiles sizes the ceiling from system memory: roughly one file per
// 10KiB of RAM, never below MinMaxFiles.
func DefaultMaxFiles() int64 {
	return maxFilesFor(memory.TotalMemory())
}

func maxFilesFor(totalBytes uint64) int64 {
	return max(int64(totalBytes/1024/10), MinMaxFiles)
}

// admission enforces the global open-file ceiling.
type admission struct {
	counter *percpu.Counter
	max     atomic.Int64
	// oldMax is the count at the last "limit reached" log line.
	oldMax atomic.Int64
	log    *zap.Logger
}

func newAdmission(counter *percpu.Counter, maxFiles int64, log *zap.Logger) *admission {
	a := &admission{counter: counter, log: log}
	a.max.Store(maxFiles)
	return a
}

// admit counts one more file or fails with ErrResourceLimitExceeded. The
// folded count is trusted only while it stays below the ceiling by more than
// the counter's error bound; closer than that the exact sum decides. Holders
// of CapSysAdmin are never refused.
func (a *admission) admit(c *cred.Credentials) error {
	limit := a.max.Load()
	if a.counter.Read()+a.counter.Slack() >= limit && !c.Capable(cred.CapSysAdmin) {
		if nr := a.counter.SumPositive(); nr >= limit {
			a.reportOver(nr, limit)
			return newError(ErrResourceLimitExceeded, "acquire").
				WithDetail("nr_files", nr).
				WithDetail("max_files", limit)
		}
	}
	a.counter.Inc()
	return nil
}

// reportOver logs the rejection only when the count exceeds the last
// reported one.
func (a *admission) reportOver(nr, limit int64) {
	for {
		old := a.oldMax.Load()
		if nr <= old {
			return
		}
		if a.oldMax.CompareAndSwap(old, nr) {
			a.log.Info("file-max limit reached", zap.Int64("max_files", limit), zap.Int64("nr_files", nr))
			return
		}
	}
}

func (a *admission) Max() int64 { return a.max.Load() }

func (a *admission) SetMax(n int64) { a.max.Store(n) }
