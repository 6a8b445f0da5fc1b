// Command repstore-bench drives a store directly (no network hop) with
// concurrent clients issuing report/whitelist/lookup operations, and
// prints a throughput table at exit.
//
// Adapted from the brimstore-valuesstore bench tool: same optsStruct/
// go-flags/positional-args shape and the same "one goroutine per client,
// divide the keyspace, time the wall-clock of each phase" structure,
// retargeted at this store's digest/record/pipeline types and reporting
// via stats.Ring + brimtext instead of raw runtime.MemStats printlns.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gholt/brimtext"
	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"

	"github.com/pyzord/repstore/digest"
	"github.com/pyzord/repstore/mutation"
	"github.com/pyzord/repstore/pipeline"
	"github.com/pyzord/repstore/stats"
	"github.com/pyzord/repstore/store"
)

type optsStruct struct {
	Clients    int    `long:"clients" description:"Number of concurrent clients. Default: cores*cores"`
	Cores      int    `long:"cores" description:"Number of cores. Default: CPU core count"`
	Number     int    `short:"n" long:"number" description:"Number of digests to exercise per phase"`
	Home       string `short:"d" long:"home" description:"Database home directory (default: a temp dir)"`
	Positional struct {
		Tests []string `positional-arg-name:"tests" description:"report whitelist lookup"`
	} `positional-args:"yes"`

	keyspace []digest.Digest
	s        *store.BoltStore
	master   *pipeline.Master
	ring     *stats.Ring
}

var opts optsStruct
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		args = append(args, "-h")
	}
	if _, err := parser.ParseArgs(args); err != nil {
		os.Exit(1)
	}
	for _, arg := range opts.Positional.Tests {
		switch arg {
		case "report", "whitelist", "lookup":
		default:
			fmt.Fprintf(os.Stderr, "Unknown test named %q.\n", arg)
			os.Exit(1)
		}
	}

	if opts.Cores > 0 {
		runtime.GOMAXPROCS(opts.Cores)
	}
	opts.Cores = runtime.GOMAXPROCS(0)
	if opts.Clients == 0 {
		opts.Clients = opts.Cores * opts.Cores
	}
	if opts.Number == 0 {
		opts.Number = 100000
	}
	if opts.Home == "" {
		dir, err := os.MkdirTemp("", "repstore-bench-")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer os.RemoveAll(dir)
		opts.Home = dir
	}

	opts.keyspace = make([]digest.Digest, opts.Number)
	for i := range opts.keyspace {
		var d digest.Digest
		copy(d[:], uuid.New().NodeID())
		d[8] = byte(i >> 24)
		d[9] = byte(i >> 16)
		d[10] = byte(i >> 8)
		d[11] = byte(i)
		opts.keyspace[i] = d
	}

	opts.ring = stats.New(stats.DefaultWindow)

	fmt.Println(opts.Cores, "cores")
	fmt.Println(opts.Clients, "clients")
	fmt.Println(opts.Number, "digests")

	s, err := store.Open(opts.Home+"/bench.db", store.NewOpts(""))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	opts.s = s
	opts.master = pipeline.NewMaster(s)
	defer s.Close()

	rows := [][]string{{"phase", "duration", "ops/sec"}}
	for _, arg := range opts.Positional.Tests {
		var dur time.Duration
		switch arg {
		case "report":
			dur = reportPhase()
		case "whitelist":
			dur = whitelistPhase()
		case "lookup":
			dur = lookupPhase()
		}
		rate := float64(opts.Number) / dur.Seconds()
		rows = append(rows, []string{arg, dur.String(), fmt.Sprintf("%.0f", rate)})
	}

	fmt.Print(brimtext.Align(rows, brimtext.NewDefaultAlignOptions()))
	fmt.Println(opts.ring.Total(), "total ring-reported ops")
}

func eachClient(fn func(client int, keys []digest.Digest)) time.Duration {
	begin := time.Now()
	wg := &sync.WaitGroup{}
	wg.Add(opts.Clients)
	per := len(opts.keyspace) / opts.Clients
	for c := 0; c < opts.Clients; c++ {
		go func(client int) {
			defer wg.Done()
			start := client * per
			end := start + per
			if client == opts.Clients-1 {
				end = len(opts.keyspace)
			}
			fn(client, opts.keyspace[start:end])
		}(c)
	}
	wg.Wait()
	return time.Since(begin)
}

func reportPhase() time.Duration {
	var failures uint64
	dur := eachClient(func(client int, keys []digest.Digest) {
		ctx := context.Background()
		for _, d := range keys {
			if err := opts.master.Apply(ctx, reportMutation(d)); err != nil {
				atomic.AddUint64(&failures, 1)
			}
			opts.ring.Report()
		}
	})
	if failures > 0 {
		fmt.Println(failures, "FAILED reports")
	}
	return dur
}

func whitelistPhase() time.Duration {
	var failures uint64
	dur := eachClient(func(client int, keys []digest.Digest) {
		ctx := context.Background()
		for _, d := range keys {
			if err := opts.master.Apply(ctx, whitelistMutation(d)); err != nil {
				atomic.AddUint64(&failures, 1)
			}
			opts.ring.Report()
		}
	})
	if failures > 0 {
		fmt.Println(failures, "FAILED whitelists")
	}
	return dur
}

func reportMutation(d digest.Digest) mutation.Mutation {
	return mutation.Mutation{Digest: d, Kind: mutation.Report, Time: uint32(time.Now().Unix())}
}

func whitelistMutation(d digest.Digest) mutation.Mutation {
	return mutation.Mutation{Digest: d, Kind: mutation.Whitelist, Time: uint32(time.Now().Unix())}
}

func lookupPhase() time.Duration {
	var missing uint64
	dur := eachClient(func(client int, keys []digest.Digest) {
		for _, d := range keys {
			_, found, err := opts.s.Get(d)
			if err != nil {
				panic(err)
			}
			if !found {
				atomic.AddUint64(&missing, 1)
			}
			opts.ring.Report()
		}
	})
	if missing > 0 {
		fmt.Println(missing, "MISSING!")
	}
	return dur
}
