package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/objectfs/filetable/internal/config"
	"github.com/objectfs/filetable/internal/eventpoll"
	"github.com/objectfs/filetable/internal/filetable"
	"github.com/objectfs/filetable/internal/fsnotify"
	"github.com/objectfs/filetable/internal/fuse"
	"github.com/objectfs/filetable/internal/locks"
	"github.com/objectfs/filetable/internal/metrics"
	"github.com/objectfs/filetable/pkg/errors"
	"github.com/objectfs/filetable/pkg/health"
)

// shutdownTimeout bounds unmounting, stopping the metrics server and
// draining pending reclamation.
const shutdownTimeout = 10 * time.Second

// components is the table together with the subsystems its hooks call.
type components struct {
	table    *filetable.Table
	metrics  *metrics.Collector
	notify   *fsnotify.Notifier
	locks    *locks.Manager
	interest *eventpoll.Registry
}

func newComponents(cfg *config.Configuration, metricsConfig *metrics.Config, log *zap.Logger) (*components, error) {
	collector, err := metrics.NewCollector(metricsConfig, log)
	if err != nil {
		return nil, err
	}

	c := &components{
		metrics:  collector,
		notify:   fsnotify.New(log),
		locks:    locks.NewManager(log),
		interest: eventpoll.NewRegistry(log),
	}

	tableConfig := cfg.FileTable()
	tableConfig.Hooks = filetable.Hooks{
		Notify:   c.notify,
		Interest: c.interest,
		Locks:    c.locks,
	}
	tableConfig.Observer = collector
	tableConfig.Logger = log

	if c.table, err = filetable.New(tableConfig); err != nil {
		return nil, err
	}
	if err := collector.RegisterTable(c.table); err != nil {
		return nil, err
	}
	return c, nil
}

func serve(ctx context.Context, cfg *config.Configuration, log *zap.Logger) error {
	c, err := newComponents(cfg, cfg.Collector(), log)
	if err != nil {
		return err
	}

	tracker := health.NewTracker(cfg.Tracker())
	tracker.RegisterComponent(componentTable)
	tracker.RegisterComponent(componentReclaim)
	c.metrics.SetHealthSource(tracker)

	c.table.Start(ctx)
	if err := c.metrics.Start(ctx); err != nil {
		return multierr.Append(err, c.table.Close(context.Background()))
	}

	var mount *fuse.MountManager
	if cfg.Mount.Enabled {
		var fsys *fuse.FileSystem
		if fsys, mount, err = mountTree(ctx, cfg.Mount, c, log); err != nil {
			return multierr.Combine(err, c.metrics.Stop(context.Background()), c.table.Close(context.Background()))
		}
		degradeMount(tracker, fsys, log)
	}

	log.Info("file table serving",
		zap.Int64("max_files", c.table.MaxFiles()),
		zap.Bool("metrics", cfg.Metrics.Enabled),
		zap.Bool("mount", mount != nil),
		zap.Duration("health_interval", cfg.Health.Interval))

	g, gctx := errgroup.WithContext(ctx)
	if mount != nil {
		g.Go(func() error {
			mount.Wait()
			if gctx.Err() == nil {
				return errors.NewError(errors.ErrCodeInternalError, "filesystem was unmounted externally").
					WithComponent("serve").
					WithDetail("mount_point", cfg.Mount.MountPoint)
			}
			return nil
		})
	}
	g.Go(func() error {
		tracker.StartHealthChecks(gctx, newChecker(c.table).check)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(c, mount, log)
	})
	return g.Wait()
}

func mountTree(ctx context.Context, cfg config.MountConfig, c *components, log *zap.Logger) (*fuse.FileSystem, *fuse.MountManager, error) {
	fsys := fuse.NewFileSystem(c.table, c.notify, c.locks, &fuse.Config{Name: cfg.FSName}, log)
	for i := 0; i < cfg.Files; i++ {
		name := fmt.Sprintf("file-%d", i)
		if _, err := fsys.AddFile(name, []byte(name+"\n")); err != nil {
			return nil, nil, err
		}
	}

	mount := fuse.NewMountManager(fsys, &fuse.MountConfig{
		MountPoint: cfg.MountPoint,
		FSName:     cfg.FSName,
		AllowOther: cfg.AllowOther,
		Debug:      cfg.Debug,
	}, log)
	if err := mount.Mount(ctx); err != nil {
		return nil, nil, err
	}
	return fsys, mount, nil
}

func shutdown(c *components, mount *fuse.MountManager, log *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs error
	if mount != nil && mount.IsMounted() {
		errs = multierr.Append(errs, mount.Unmount())
	}
	errs = multierr.Append(errs, c.metrics.Stop(ctx))
	errs = multierr.Append(errs, c.table.Close(ctx))

	stats := c.table.Stats()
	fileNr := stats.FileNr()
	log.Info("file table stopped",
		zap.Int64s("file_nr", fileNr[:]),
		zap.Int64("teardowns", stats.Teardowns),
		zap.Int64("teardown_failures", stats.TeardownFailures))
	return errs
}
