package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"procworld/internal/config"
	"procworld/internal/replica"
)

func main() {
	var cfgPath, envPath string
	flag.StringVar(&cfgPath, "config", "", "path to replica configuration file")
	flag.StringVar(&envPath, "env", ".env", "optional dotenv file with REPLICA_* overrides")
	flag.Parse()

	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("load %s: %v", envPath, err)
	}

	written, err := writeConfigFromHost(cfgPath, os.LookupEnv)
	if err != nil {
		log.Fatalf("sync config from host: %v", err)
	}
	if written {
		log.Printf("configuration from host written to %s", cfgPath)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		log.Fatalf("apply environment: %v", err)
	}

	runner, err := replica.New(cfg, replica.Options{})
	if err != nil {
		log.Fatalf("initialise replica: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := runner.Run(ctx); err != nil {
		log.Fatalf("replica exited with error: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(signals)
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}

		// Ensure the process terminates if shutdown stalls.
		time.AfterFunc(10*time.Second, func() {
			log.Printf("forced shutdown after timeout")
			os.Exit(1)
		})
	}()

	return ctx, cancel
}
