// Command repstore-import bulk-loads a dumpcodec-encoded snapshot (or
// delta) file into a store without going through the per-mutation RMW
// pipeline, per spec.md §4.2's bootstrap variant: records are read in
// fixed-size batches and written with pipeline.Master.ImportBatch, which
// assumes no duplicate digests within a single batch.
package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/pyzord/repstore/config"
	"github.com/pyzord/repstore/digest"
	"github.com/pyzord/repstore/dumpcodec"
	"github.com/pyzord/repstore/logging"
	"github.com/pyzord/repstore/pipeline"
	"github.com/pyzord/repstore/record"
	"github.com/pyzord/repstore/store"
)

type options struct {
	Home      string `long:"home" short:"d" description:"database home directory"`
	BatchSize int    `long:"batch-size" short:"b" description:"records per import transaction (default 25000)"`
	Verbose   bool   `long:"verbose" short:"v" description:"enable debug logging"`

	Positional struct {
		DumpFile string `positional-arg-name:"dump-file"`
	} `positional-args:"yes" required:"yes"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}

	logging.Init(logging.Config{Verbose: opts.Verbose, Foreground: true})
	log := logging.WithComponent("import")

	if err := run(opts); err != nil {
		log.Error().Err(err).Msg("import failed")
		os.Exit(1)
	}
}

func run(opts options) error {
	log := logging.WithComponent("import")

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = config.Default().ImportBatchSize
	}

	f, err := os.Open(opts.Positional.DumpFile)
	if err != nil {
		return fmt.Errorf("open dump file: %w", err)
	}
	defer f.Close()

	s, err := store.Open(opts.Home+"/repstore.db", store.NewOpts(""))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	master := pipeline.NewMaster(s)

	batch := make(map[digest.Digest]record.Record, batchSize)
	total := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := master.ImportBatch(batch); err != nil {
			return fmt.Errorf("import batch: %w", err)
		}
		total += len(batch)
		for k := range batch {
			delete(batch, k)
		}
		return nil
	}

	err = dumpcodec.ReadAll(f, func(d digest.Digest, r record.Record) error {
		batch[d] = r
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("read dump: %w", err)
	}
	if err := flush(); err != nil {
		return err
	}

	if err := s.Checkpoint(); err != nil {
		log.Warn().Err(err).Msg("post-import checkpoint failed")
	}

	log.Info().Int("records", total).Str("file", opts.Positional.DumpFile).Msg("import complete")
	return nil
}
