// Package main implements the regcached daemon: it keeps the local
// registration cache synchronized with the upstream platform and serves the
// webhook ingestion endpoint plus the operator control surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/eventops/regcached/internal/buffer"
	"github.com/eventops/regcached/internal/cache"
	"github.com/eventops/regcached/internal/kv"
	"github.com/eventops/regcached/internal/log"
	"github.com/eventops/regcached/internal/syncer"
	"github.com/eventops/regcached/internal/upstream"
	"github.com/eventops/regcached/internal/webhook"
)

// Config holds the application configuration
type Config struct {
	StoreDSN       string `short:"s" env:"REGCACHED_STORE_DSN" long:"store-dsn" description:"etcd connection string for the cache store"`
	UpstreamURL    string `short:"u" env:"REGCACHED_UPSTREAM_URL" long:"upstream-url" description:"Base URL of the upstream platform API"`
	UpstreamToken  string `env:"REGCACHED_UPSTREAM_TOKEN" long:"upstream-token" description:"Static bearer token for upstream calls"`
	Entity         string `env:"REGCACHED_ENTITY" long:"entity" description:"Monitored upstream entity name" default:"registrations"`
	ListenAddr     string `env:"REGCACHED_LISTEN_ADDR" long:"listen-addr" description:"Webhook and admin listen address" default:":8080"`
	LogLevel       string `short:"l" env:"REGCACHED_LOG_LEVEL" long:"log-level" description:"Log level: debug|info|warn|error" default:"info"`
	SyncInterval   string `long:"sync-interval" description:"Periodic incremental sync interval" default:"5m"`
	StaleAfter     string `long:"stale-after" description:"Cursor age that makes an event an incremental sync candidate" default:"15m"`
	SweepInterval  string `long:"sweep-interval" description:"Buffer queue retry sweep interval" default:"1m"`
	BufferAttempts int    `long:"buffer-attempts" description:"Attempt ceiling for buffered submissions" default:"5"`
	Version        bool   `short:"v" long:"version" description:"Show version information"`
	Help           bool
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ParseCLI parses command-line arguments and returns the configuration
func ParseCLI(args []string) (cmdOpts *Config, err error) {
	cmdOpts = new(Config)
	parser := flags.NewParser(cmdOpts, flags.HelpFlag)
	parser.SubcommandsOptional = true            // if no command specified, start the daemon
	nonParsedArgs, err := parser.ParseArgs(args) // parse and execute subcommand if any
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			cmdOpts.Help = true
		}
		if !flags.WroteHelp(err) {
			parser.WriteHelp(os.Stdout)
		}
		return cmdOpts, err
	}
	if len(nonParsedArgs) > 0 { // we don't expect any non-parsed arguments
		return cmdOpts, fmt.Errorf("unknown argument(s): %v", nonParsedArgs)
	}
	return
}

// ShowVersion prints version information and exits
func ShowVersion() {
	fmt.Printf("regcached version %s\n", version)
	if commit != "none" && commit != "" {
		fmt.Printf("commit: %s\n", commit)
	}
	if date != "unknown" && date != "" {
		fmt.Printf("built: %s\n", date)
	}
}

// SetupLogging configures the logging system with structured output
func SetupLogging(logLevel string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(log.NewFormatter(false))

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"pid":     os.Getpid(),
	}).Info("regcached logging initialized")

	return nil
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS. We then handle this by calling
// our clean up procedure and exiting the program.
func SetupCloseHandler(cancel context.CancelFunc) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logrus.Debug("SetupCloseHandler received an interrupt from OS. Closing session...")
		cancel()
	}()
}

func main() {
	// Quick check for version flags before full parsing
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			ShowVersion()
			os.Exit(0)
		}
	}

	config, err := ParseCLI(os.Args[1:])
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}

	if err := SetupLogging(config.LogLevel); err != nil {
		logrus.WithError(err).Fatal("Failed to setup logging")
	}

	syncInterval, err := time.ParseDuration(config.SyncInterval)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid sync interval format")
	}
	staleAfter, err := time.ParseDuration(config.StaleAfter)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid stale-after format")
	}
	sweepInterval, err := time.ParseDuration(config.SweepInterval)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid sweep interval format")
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	SetupCloseHandler(cancel)

	// Connect to the cache store with retry logic
	store, err := kv.NewEtcdStoreWithRetry(ctx, config.StoreDSN)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to cache store after retries")
	}
	defer store.Close()

	recordCache := cache.New(store)
	client := upstream.NewHTTPClient(config.UpstreamURL, config.UpstreamToken, config.Entity)
	worker := syncer.New(recordCache, client,
		syncer.WithInterval(syncInterval),
		syncer.WithStaleAfter(staleAfter))
	queue := buffer.New(store, buffer.WithMaxAttempts(config.BufferAttempts))
	ingester := webhook.NewIngester(recordCache, config.Entity)

	submit := func(ctx context.Context, payload map[string]any) error {
		_, err := client.CreateRecord(ctx, payload)
		return err
	}

	// Initial full sync plus the periodic incremental timer
	go func() {
		if err := worker.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logrus.WithError(err).Error("Sync worker start failed")
		}
	}()

	// Buffer queue retry sweep
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if processed, err := queue.Sweep(ctx, submit); err != nil {
					logrus.WithError(err).Error("Buffer sweep failed")
				} else if processed > 0 {
					logrus.WithField("processed", processed).Info("Buffer sweep completed")
				}
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("POST /webhook", webhook.Handler(ingester))
	registerSubmissionRoutes(mux, queue, submit)
	registerAdminRoutes(mux, worker, queue, recordCache, submit)

	server := &http.Server{
		Addr:              config.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		worker.Stop()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Error("HTTP server shutdown failed")
		}
	}()

	logrus.WithField("addr", config.ListenAddr).Info("regcached listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logrus.WithError(err).Fatal("HTTP server failed")
	}

	logrus.Info("Graceful shutdown completed")
}
