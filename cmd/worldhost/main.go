package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"procworld/internal/audit"
	"procworld/internal/cluster"
	"procworld/internal/hostconfig"
	"procworld/internal/hostserver"
	"procworld/internal/indexdb"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Printf("world host: %v", err)
		os.Exit(1)
	}
}

// run owns every resource the host opens, so the read model and the audit
// log are flushed on the error path as well as on shutdown.
func run(args []string) error {
	flags := flag.NewFlagSet("worldhost", flag.ContinueOnError)
	configPath := flags.String("config", "worldhost.yml", "configuration file for the world host")
	envPath := flags.String("env", ".env", "optional dotenv file with WORLDHOST_* overrides")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", *envPath, err)
	}

	cfg, err := hostconfig.Load(*configPath)
	if errors.Is(err, os.ErrNotExist) {
		if err := hostconfig.WriteDefault(*configPath); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
		log.Printf("no configuration found, default configuration written to %s", *configPath)
		cfg, err = hostconfig.Load(*configPath)
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return fmt.Errorf("apply environment: %w", err)
	}

	logger := log.New(log.Writer(), "worldhost ", log.LstdFlags|log.Lmicroseconds)
	opts := hostserver.Options{Logger: logger}

	if len(cfg.Replicas) > 0 {
		manager, err := cluster.New(cfg, nil)
		if err != nil {
			return fmt.Errorf("initialise replica launcher: %w", err)
		}
		opts.Cluster = manager
	}
	if cfg.Index.Path != "" {
		index, err := indexdb.OpenSQLite(cfg.Index.Path, indexdb.Options{MaxWait: cfg.Index.FlushInterval.Duration()})
		if err != nil {
			return fmt.Errorf("open index %s: %w", cfg.Index.Path, err)
		}
		defer func() {
			if err := index.Close(); err != nil {
				logger.Printf("close index: %v", err)
			}
			if n := index.Dropped(); n > 0 {
				logger.Printf("index dropped %d events", n)
			}
		}()
		opts.Recorder = index
	}
	if cfg.Audit.Dir != "" {
		ledgerLog := audit.NewLedgerLog(cfg.Audit.Dir)
		defer func() {
			if err := ledgerLog.Close(); err != nil {
				logger.Printf("close audit log: %v", err)
			}
		}()
		opts.Audit = ledgerLog
	}

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	s, err := hostserver.New(cfg, opts)
	if err != nil {
		return fmt.Errorf("initialise world host: %w", err)
	}
	if err := s.Run(ctx); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(signals)
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
