// Command repstore-slave runs the read-side daemon from spec.md §2: a
// read-only replica that bootstraps and stays live-updated over the
// master's data-replication stream (replication.ConsumeDataStream),
// forwards locally-received mutations upstream over the mutation-
// forwarding channel, and exposes the query.Store/MutationSink/UpDown
// seam a UDP or HTTP front-end would bind to (front-end protocol parsing
// itself is out of scope, per spec.md §1/§6).
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
	"github.com/pyzord/repstore/digest"
	"github.com/pyzord/repstore/logging"
	"github.com/pyzord/repstore/metrics"
	"github.com/pyzord/repstore/mutation"
	"github.com/pyzord/repstore/pipeline"
	"github.com/pyzord/repstore/query"
	"github.com/pyzord/repstore/replication"
	"github.com/pyzord/repstore/scheduler"
	"github.com/pyzord/repstore/store"
)

type options struct {
	ConfigFile  string `long:"config" short:"c" description:"path to a JSONC config file"`
	Home        string `long:"home" short:"d" description:"database home directory"`
	MasterAddr  string `long:"master-addr" short:"m" description:"host:port of the master's forwarding listener"`
	DataPort    int    `long:"data-port" description:"port the master's data-replication listener is bound to"`
	Foreground  bool   `long:"foreground" short:"x" description:"stay attached to the controlling terminal"`
	Verbose     bool   `long:"verbose" short:"v" description:"enable debug logging"`
	MetricsAddr string `long:"metrics-addr" description:"address to serve /metrics on (empty disables)"`
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
		Home:       opts.Home,
		MasterAddr: opts.MasterAddr,
		DataPort:   opts.DataPort,
		Foreground: opts.Foreground,
		Verbose:    opts.Verbose,
	})

	logging.Init(logging.Config{Verbose: cfg.Verbose, Foreground: cfg.Foreground})
	log := logging.WithRole("slave")

	// run returns nil only after a clean, signal-driven shutdown; any
	// other outcome is a startup or runtime error. Exit status 128
	// mirrors spec.md §6 ("128 = received SIGTERM/INT/QUIT"); os.Exit
	// runs here, after run has finished all of its own cleanup, so no
	// deferred close is skipped.
	if err := run(cfg, opts.MetricsAddr); err != nil {
		log.Error().Err(err).Msg("slave exited with error")
		os.Exit(1)
	}
	os.Exit(128)
}

func run(cfg config.Daemon, metricsAddr string) error {
	log := logging.WithRole("slave")
	loop := scheduler.New()

	s, err := replication.OpenFollowerStore(loop.Context(), filepath.Join(cfg.Home, "repstore.db"), store.NewOpts(""))
	if err != nil {
		return fmt.Errorf("bootstrap follower store: %w", err)
	}

	dataAddr, err := dataStreamAddr(cfg.MasterAddr, cfg.DataPort)
	if err != nil {
		s.Close()
		return fmt.Errorf("derive data-stream address: %w", err)
	}
	loop.Go(func(ctx context.Context) {
		replication.ConsumeDataStream(ctx, dataAddr, s)
	})

	forwarder := pipeline.NewForwarder()

	// frontEndUpDown is where a UDP/HTTP front-end's listener-gating logic
	// would subscribe (query.UpDown); this daemon only drives it.
	var frontEndUpDown query.UpDown = query.UpDownFunc{
		UpFn:   func() { log.Info().Msg("forwarding channel up, front-end may accept traffic") },
		DownFn: func() { log.Warn().Msg("forwarding channel down, front-end should reject traffic") },
	}

	client := replication.NewSlaveClient(cfg.MasterAddr, forwarder, func(up bool) {
		if up {
			frontEndUpDown.Up()
		} else {
			frontEndUpDown.Down()
		}
	})
	loop.Go(func(ctx context.Context) {
		client.Run(ctx)
	})

	// queryStore and sink are the collaborator seam spec.md §6 describes:
	// a front-end posts mutations through sink (which enqueues them for
	// forwarding, not applying them locally — a slave has no local write
	// path) and answers lookups through queryStore.
	var queryStore query.Store = query.NewStoreAdapter(s)
	var sink query.MutationSink = forwardingSink{forwarder: forwarder}
	_ = queryStore
	_ = sink

	if metricsAddr != "" {
		loop.Go(func(ctx context.Context) {
			serveMetrics(ctx, metricsAddr, log)
		})
	}

	log.Info().Str("master", cfg.MasterAddr).Str("data_addr", dataAddr).Str("home", cfg.Home).Msg("slave running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	<-sigCh

	log.Info().Msg("shutting down")
	loop.Stop()
	s.Close()
	return nil
}

// dataStreamAddr derives the master's data-replication listener address
// from its mutation-forwarding address, substituting dataPort for the
// forwarding port (cmd/repstore-master binds both on the same host).
func dataStreamAddr(masterAddr string, dataPort int) (string, error) {
	host, _, err := net.SplitHostPort(masterAddr)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", dataPort)), nil
}

// forwardingSink adapts a pipeline.Forwarder to query.MutationSink: a
// slave never applies a mutation to its own store (it's read-only), it
// only enqueues it for upstream forwarding.
type forwardingSink struct {
	forwarder *pipeline.Forwarder
}

func (s forwardingSink) Report(d digest.Digest, at time.Time) error {
	s.forwarder.Enqueue(mutation.Mutation{Digest: d, Kind: mutation.Report, Time: uint32(at.Unix())})
	return nil
}

func (s forwardingSink) Whitelist(d digest.Digest, at time.Time) error {
	s.forwarder.Enqueue(mutation.Mutation{Digest: d, Kind: mutation.Whitelist, Time: uint32(at.Unix())})
	return nil
}

func (s forwardingSink) Erase(d digest.Digest, at time.Time) error {
	s.forwarder.Enqueue(mutation.Mutation{Digest: d, Kind: mutation.Erase, Time: uint32(at.Unix())})
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
