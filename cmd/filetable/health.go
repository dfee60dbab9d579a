package main

import (
	"go.uber.org/zap"

	"github.com/objectfs/filetable/internal/filetable"
	"github.com/objectfs/filetable/internal/fuse"
	"github.com/objectfs/filetable/pkg/errors"
	"github.com/objectfs/filetable/pkg/health"
)

// Health components tracked by serve.
const (
	componentTable   = "table"
	componentReclaim = "reclaim"
)

// checker turns table counters into health check results. It is only
// called from the tracker's check loop.
type checker struct {
	table        *filetable.Table
	lastFailures int64
}

func newChecker(table *filetable.Table) *checker {
	return &checker{table: table, lastFailures: table.Stats().TeardownFailures}
}

func (c *checker) check(component string) error {
	switch component {
	case componentTable:
		nr, limit := c.table.NrFilesExact(), c.table.MaxFiles()
		if limit > 0 && nr >= limit {
			return errors.NewError(errors.ErrCodeResourceLimitExceeded, "file table at its ceiling").
				WithComponent("health").
				WithDetail("nr_files", nr).
				WithDetail("max_files", limit)
		}
	case componentReclaim:
		failures := c.table.Stats().TeardownFailures
		added := failures - c.lastFailures
		c.lastFailures = failures
		if added > 0 {
			return errors.NewError(errors.ErrCodeTeardownStepFailed, "release callbacks failed since last check").
				WithComponent("health").
				WithDetail("failures", added)
		}
	}
	return nil
}

// degradeMount makes the mounted tree read-only while release callbacks keep
// failing and writable again once the reclaim component recovers.
func degradeMount(tracker *health.Tracker, fsys *fuse.FileSystem, log *zap.Logger) {
	tracker.AddStateChangeCallback(health.StateReadOnly, func(component string, _, _ health.HealthState, err error) {
		revoked := fsys.SetReadOnly(true)
		log.Warn("mount switched to read-only",
			zap.String("component", component),
			zap.Int("revoked", revoked),
			zap.Error(err))
	})
	tracker.AddStateChangeCallback(health.StateHealthy, func(component string, oldState, _ health.HealthState, _ error) {
		if component != componentReclaim || oldState != health.StateReadOnly {
			return
		}
		fsys.SetReadOnly(false)
		log.Info("mount writable again", zap.String("component", component))
	})
	tracker.AddStateChangeCallback(health.StateDegraded, func(component string, _, _ health.HealthState, err error) {
		log.Warn("component degraded", zap.String("component", component), zap.Error(err))
	})
}
