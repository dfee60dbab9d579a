package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/objectfs/filetable/internal/config"
	"github.com/objectfs/filetable/internal/cred"
	"github.com/objectfs/filetable/internal/eventpoll"
	"github.com/objectfs/filetable/internal/filetable"
	"github.com/objectfs/filetable/internal/vfs"
	"github.com/objectfs/filetable/pkg/retry"
)

// stressFiles is the number of distinct inodes the workload opens.
const stressFiles = 8

type stressOptions struct {
	workers    int
	iterations int
	hold       int
	retries    int
	maxFiles   int64
}

type stressReport struct {
	Duration string                 `json:"duration"`
	Opened   int64                  `json:"opened"`
	Rejected int64                  `json:"rejected"`
	Shared   int64                  `json:"shared"`
	Events   int64                  `json:"events"`
	Retries  retry.Stats            `json:"retries"`
	Table    filetable.Stats        `json:"table"`
	FileNr   [3]int64               `json:"file_nr"`
	Metrics  map[string]interface{} `json:"metrics"`
}

func parseStressFlags(args []string) (stressOptions, error) {
	var opts stressOptions
	fs := flag.NewFlagSet("stress", flag.ContinueOnError)
	fs.IntVar(&opts.workers, "workers", 8, "concurrent workers")
	fs.IntVar(&opts.iterations, "iterations", 1000, "open/close rounds per worker")
	fs.IntVar(&opts.hold, "hold", 4, "files each worker keeps open at once")
	fs.IntVar(&opts.retries, "retries", 3, "attempts per open while the table is full")
	fs.Int64Var(&opts.maxFiles, "max-files", 0, "override table.max_files")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.workers <= 0 || opts.iterations <= 0 || opts.hold <= 0 || opts.retries <= 0 {
		return opts, fmt.Errorf("workers, iterations, hold and retries must be positive")
	}
	return opts, nil
}

// stress opens, shares and closes files from several goroutines as an
// unprivileged user. Opens refused at the ceiling back off and retry. Each worker keeps up to hold files open and registers
// them with an event poll instance, so teardown exercises every hook.
func stress(ctx context.Context, cfg *config.Configuration, log *zap.Logger, args []string) error {
	opts, err := parseStressFlags(args)
	if err != nil {
		return err
	}
	if opts.maxFiles > 0 {
		cfg.Table.MaxFiles = opts.maxFiles
	}

	metricsConfig := cfg.Collector()
	metricsConfig.Enabled = true
	c, err := newComponents(cfg, metricsConfig, log)
	if err != nil {
		return err
	}
	c.table.Start(ctx)

	mount := vfs.NewMount("stress")
	paths := make([]vfs.Path, stressFiles)
	for i := range paths {
		inode := &vfs.Inode{Ino: uint64(i + 1), Type: vfs.TypeRegular, Mode: 0644}
		paths[i] = vfs.Path{Mount: mount, Dentry: vfs.NewDentry(fmt.Sprintf("f%d", i), inode)}
	}

	var opened, rejected, shared, events atomic.Int64
	retryStats := retry.NewStatsCollector()
	backoff := retry.New(retry.Config{
		MaxAttempts:  opts.retries,
		InitialDelay: 50 * time.Microsecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   2,
		Jitter:       true,
	})
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.workers; w++ {
		g.Go(func() error {
			user := cred.New(uint32(1000+w), 1000, 0)
			defer user.Put()

			ep := c.interest.Create()
			defer ep.Close()

			held := make([]*filetable.File, 0, opts.hold)
			defer func() {
				for _, f := range held {
					c.table.Release(f)
				}
			}()

			for i := 0; i < opts.iterations; i++ {
				if gctx.Err() != nil {
					return nil
				}
				if len(held) == opts.hold {
					c.table.Release(held[0])
					held = held[1:]
				}

				mode := filetable.ModeRead
				if (w+i)%3 == 0 {
					mode |= filetable.ModeWrite
				}
				var f *filetable.File
				attempts := 0
				began := time.Now()
				err := backoff.DoWithContext(gctx, func(context.Context) error {
					attempts++
					var err error
					f, err = c.table.Acquire(filetable.AcquireRequest{
						Path: paths[(w+i)%len(paths)],
						Mode: mode,
						Cred: user,
					})
					return err
				})
				if attempts > 1 {
					retryStats.RecordAttempt(attempts, err == nil, time.Since(began))
				}
				if stderrors.Is(err, filetable.ErrResourceLimitExceeded) || stderrors.Is(err, filetable.ErrOutOfMemory) {
					rejected.Add(1)
					continue
				}
				if err != nil && gctx.Err() != nil {
					return nil
				}
				if err != nil {
					return err
				}
				c.table.Install(f)
				f.SetOwner(filetable.Owner{PID: 1 + w, UID: user.UID, EUID: user.EUID})
				opened.Add(1)

				if err := ep.Add(f, eventpoll.EventIn); err != nil {
					c.table.Release(f)
					return err
				}
				c.interest.Signal(f, eventpoll.EventIn)

				if other, ok := c.table.Lookup(f.ID()); ok {
					shared.Add(1)
					c.table.Release(other)
				}

				ready, err := ep.Wait(gctx, opts.hold)
				if err != nil && gctx.Err() == nil {
					return err
				}
				events.Add(int64(len(ready)))

				held = append(held, f)
			}
			return nil
		})
	}
	workErr := g.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := c.table.Synchronize(ctx); err != nil {
		workErr = multierr.Append(workErr, err)
	}

	report := stressReport{
		Duration: time.Since(start).String(),
		Opened:   opened.Load(),
		Rejected: rejected.Load(),
		Shared:   shared.Load(),
		Events:   events.Load(),
		Retries:  retryStats.GetStats(),
		Table:    c.table.Stats(),
		Metrics:  c.metrics.GetMetrics(),
	}
	report.FileNr = report.Table.FileNr()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		workErr = multierr.Append(workErr, err)
	}

	log.Info("stress run finished",
		zap.Int64("opened", report.Opened),
		zap.Int64("rejected", report.Rejected),
		zap.Int64("nr_files", report.Table.NrFilesExact))
	return multierr.Append(workErr, c.table.Close(ctx))
}
