// Command filetable runs the open-file table as a service or drives it with a
// synthetic workload.
//
//	filetable [-config file.yaml] serve
//	filetable [-config file.yaml] stress [-workers 8] [-iterations 1000] [-hold 4]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/objectfs/filetable/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd, args := flag.Arg(0), flag.Args()[1:]; cmd {
	case "serve":
		err = serve(ctx, cfg, log.Named("serve"))
	case "stress":
		err = stress(ctx, cfg, log.Named("stress"), args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Error("command failed", zap.Error(err))
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: filetable [-config file] <command> [flags]

commands:
  serve    run the table with its metrics endpoint and optional FUSE mount
  stress   run a concurrent open/share/close workload and print statistics

flags:
`)
	flag.PrintDefaults()
}

// loadConfig layers defaults, the optional file and the environment.
func loadConfig(path string) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var logConfig zap.Config
	if cfg.Format == "console" {
		logConfig = zap.NewDevelopmentConfig()
		logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		logConfig = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	logConfig.Level = level
	logConfig.DisableStacktrace = true
	return logConfig.Build()
}
