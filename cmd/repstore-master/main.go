// Command repstore-master runs the write-side daemon from spec.md §2: a
// single-writer store fed by local mutations, serving the forwarding
// channel to any connected slaves and driving the expiry and snapshot
// control loops. No periodic checkpoint timer runs; the store is
// checkpointed once, during shutdown.
//
// The CLI surface (long/short flags, NewParser/Parse, exit-1-on-parse-
// error) follows the brimstore-valuesstore bench tool's go-flags usage;
// the signal-driven shutdown loop follows cuemby-warren's
// cmd/warren/main.go (signal.Notify(os.Interrupt, syscall.SIGTERM)
// feeding a select).
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"

	"github.com/pyzord/repstore/config"
	"github.com/pyzord/repstore/expiry"
	"github.com/pyzord/repstore/logging"
	"github.com/pyzord/repstore/metrics"
	"github.com/pyzord/repstore/pipeline"
	"github.com/pyzord/repstore/replication"
	"github.com/pyzord/repstore/scheduler"
	"github.com/pyzord/repstore/snapshot"
	"github.com/pyzord/repstore/store"
)

type options struct {
	ConfigFile   string `long:"config" short:"c" description:"path to a JSONC config file"`
	Home         string `long:"home" short:"d" description:"database home directory"`
	LocalAddr    string `long:"local-addr" short:"l" description:"address to bind the forwarding listener to"`
	Port         int    `long:"port" short:"p" description:"forwarding listener port"`
	DataPort     int    `long:"data-port" description:"data-replication listener port (full resync + live feed to followers)"`
	Foreground   bool   `long:"foreground" short:"x" description:"stay attached to the controlling terminal"`
	Verbose      bool   `long:"verbose" short:"v" description:"enable debug logging"`
	SnapshotRoot string `long:"snapshot-root" description:"directory for snapshot/delta artifacts"`
	MetricsAddr  string `long:"metrics-addr" description:"address to serve /metrics on (empty disables)"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}

	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg = config.Merge(cfg, config.Daemon{
		Home:         opts.Home,
		LocalAddr:    opts.LocalAddr,
		Port:         opts.Port,
		DataPort:     opts.DataPort,
		Foreground:   opts.Foreground,
		Verbose:      opts.Verbose,
		SnapshotRoot: opts.SnapshotRoot,
	})

	logging.Init(logging.Config{Verbose: cfg.Verbose, Foreground: cfg.Foreground})
	log := logging.WithRole("master")

	// run returns nil only after a clean, signal-driven shutdown; any
	// other outcome is a startup or runtime error. Exit status 128
	// mirrors spec.md §6 ("128 = received SIGTERM/INT/QUIT"); os.Exit
	// runs here, after run has finished all of its own cleanup, so no
	// deferred close is skipped.
	if err := run(cfg, opts.MetricsAddr); err != nil {
		log.Error().Err(err).Msg("master exited with error")
		os.Exit(1)
	}
	os.Exit(128)
}

func run(cfg config.Daemon, metricsAddr string) error {
	log := logging.WithRole("master")

	storeOpts := store.NewOpts("")
	storeOpts.CacheBytes = cfg.CacheMiB * 1024 * 1024
	storeOpts.ImportBatchSize = cfg.ImportBatchSize

	s, err := store.Open(filepath.Join(cfg.Home, "repstore.db"), storeOpts)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	master := pipeline.NewMaster(s)

	addr := net.JoinHostPort(cfg.LocalAddr, fmt.Sprintf("%d", cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.Close()
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	dataAddr := net.JoinHostPort(cfg.LocalAddr, fmt.Sprintf("%d", cfg.DataPort))
	dataLn, err := net.Listen("tcp", dataAddr)
	if err != nil {
		ln.Close()
		s.Close()
		return fmt.Errorf("listen %s: %w", dataAddr, err)
	}

	loop := scheduler.New()

	listener := replication.NewMasterListener(master)
	loop.Go(func(ctx context.Context) {
		if err := listener.Serve(ctx, ln); err != nil {
			log.Error().Err(err).Msg("forwarding listener stopped")
		}
	})

	// broadcaster fans every committed mutation's resolved record out to
	// connected followers over dataLn, the storage-layer "Data
	// replication" stream (spec.md §4.4) that keeps follower stores
	// live-updated and lets a freshly-attached follower rebuild from
	// scratch (replication/data_stream.go).
	broadcaster := replication.NewDataBroadcaster()
	master.OnApplied(broadcaster.Publish)
	dataListener := replication.NewDataListener(broadcaster, s)
	loop.Go(func(ctx context.Context) {
		if err := dataListener.Serve(ctx, dataLn); err != nil {
			log.Error().Err(err).Msg("data-replication listener stopped")
		}
	})

	expiryLoop := expiry.New(cfg.Home, s)
	loop.EveryDynamic(expiry.InitialDelay, func(ctx context.Context) time.Duration {
		hitCap, reset, err := expiryLoop.Pass(ctx)
		if err != nil {
			log.Error().Err(err).Msg("expiry pass failed")
		} else if reset > 0 {
			log.Info().Int("reset", reset).Msg("expiry pass reset records")
		}
		return expiry.Schedule(hitCap)
	})

	snapRoot := cfg.SnapshotRoot
	if snapRoot == "" {
		snapRoot = filepath.Join(cfg.Home, "snapshots-root")
	}
	emitter := snapshot.New(snapRoot, s, func() bool { return true })
	loop.Every(snapshot.InitialDelay, snapshot.Cadence, func(ctx context.Context) {
		if _, err := emitter.Run(); err != nil {
			log.Error().Err(err).Msg("snapshot run failed")
		}
	})

	if metricsAddr != "" {
		loop.Go(func(ctx context.Context) {
			serveMetrics(ctx, metricsAddr, log)
		})
	}

	log.Info().Str("addr", addr).Str("data_addr", dataAddr).Str("home", cfg.Home).Msg("master listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	<-sigCh

	log.Info().Msg("shutting down")
	loop.Stop()
	if err := s.Checkpoint(); err != nil {
		log.Warn().Err(err).Msg("final checkpoint failed")
	}
	dataLn.Close()
	ln.Close()
	s.Close()
	return nil
}

// serveMetrics runs a /metrics endpoint until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("metrics server stopped")
	}
}
