// Package config loads daemon configuration with flags-over-file-over-
// defaults precedence (spec.md §6 CLI surface), accepting a JSONC config
// file (comments and trailing commas allowed), the way
// calvinalkan-agent-task's own CLI tool config loader does.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// Daemon holds the options every repstore daemon accepts, corresponding
// to spec.md §6's CLI surface plus the ambient knobs SPEC_FULL.md §4.10
// adds around it.
type Daemon struct {
	Home            string  `json:"home,omitempty"`
	LocalAddr       string  `json:"local_addr,omitempty"`
	Port            int     `json:"port,omitempty"`
	DataPort        int     `json:"data_port,omitempty"`
	User            string  `json:"user,omitempty"`
	Foreground      bool    `json:"foreground,omitempty"`
	Verbose         bool    `json:"verbose,omitempty"`
	MasterAddr      string  `json:"master_addr,omitempty"`
	SlaveAddr       string  `json:"slave_addr,omitempty"`
	CacheMiB        int     `json:"cache_mib,omitempty"`
	SnapshotRoot    string  `json:"snapshot_root,omitempty"`
	ImportBatchSize int     `json:"import_batch_size,omitempty"`
	RetentionDays   int     `json:"retention_days,omitempty"`
}

// Default returns the built-in defaults, matching spec.md's constants
// (84-day retention, 25,000-record import batches). DataPort, the port
// of the data-replication stream (replication/data_stream.go), defaults
// to 24442, one above the default Port; it is not derived from Port, so
// overriding Port alone leaves DataPort at 24442.
func Default() Daemon {
	return Daemon{
		Home:            "/var/repstore",
		Port:            24441,
		DataPort:        24442,
		CacheMiB:        64,
		ImportBatchSize: 25000,
		RetentionDays:   84,
	}
}

// Load reads a JSONC config file at path (if it exists) and overlays it
// onto Default(). A missing file is not an error; a malformed one is.
func Load(path string) (Daemon, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return cfg, fmt.Errorf("config: invalid JSONC in %s: %w", path, err)
	}
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return cfg, fmt.Errorf("config: invalid JSON in %s: %w", path, err)
	}
	return cfg, nil
}

// Merge overlays overlay's non-zero fields onto base, implementing the
// "flags win over file" half of the precedence chain; base is typically
// the result of Load and overlay is parsed command-line flags.
func Merge(base, overlay Daemon) Daemon {
	if overlay.Home != "" {
		base.Home = overlay.Home
	}
	if overlay.LocalAddr != "" {
		base.LocalAddr = overlay.LocalAddr
	}
	if overlay.Port != 0 {
		base.Port = overlay.Port
	}
	if overlay.DataPort != 0 {
		base.DataPort = overlay.DataPort
	}
	if overlay.User != "" {
		base.User = overlay.User
	}
	if overlay.Foreground {
		base.Foreground = true
	}
	if overlay.Verbose {
		base.Verbose = true
	}
	if overlay.MasterAddr != "" {
		base.MasterAddr = overlay.MasterAddr
	}
	if overlay.SlaveAddr != "" {
		base.SlaveAddr = overlay.SlaveAddr
	}
	if overlay.CacheMiB != 0 {
		base.CacheMiB = overlay.CacheMiB
	}
	if overlay.SnapshotRoot != "" {
		base.SnapshotRoot = overlay.SnapshotRoot
	}
	if overlay.ImportBatchSize != 0 {
		base.ImportBatchSize = overlay.ImportBatchSize
	}
	if overlay.RetentionDays != 0 {
		base.RetentionDays = overlay.RetentionDays
	}
	return base
}
