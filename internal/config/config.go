// Package config loads the persistence-core configuration from a YAML
// file, with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/redikv/redikv/persistence"
)

// SavePolicyRule is the YAML-friendly mirror of persistence.SavePolicyRule:
// a (window_seconds, min_changes) pair.
type SavePolicyRule struct {
	WindowSeconds uint32 `yaml:"window_seconds"`
	MinChanges    uint32 `yaml:"min_changes"`
}

// Config mirrors the persistence core's recognized options one field at a time.
type Config struct {
	RDBEnabled        bool             `yaml:"rdb_enabled"`
	RDBFilename       string           `yaml:"rdb_filename"`
	DataDir           string           `yaml:"data_dir"`
	RDBCompression    bool             `yaml:"rdb_compression"`
	RDBChecksum       bool             `yaml:"rdb_checksum"`
	RDBSaveConditions []SavePolicyRule `yaml:"rdb_save_conditions"`
}

// Default returns the out-of-the-box configuration:
// rdb_enabled=true, rdb_filename="dump.rdb", data_dir="./data",
// compression and checksum on, and the classic 900/1, 300/10, 60/10000
// save-policy ladder.
func Default() Config {
	return Config{
		RDBEnabled:     true,
		RDBFilename:    "dump.rdb",
		DataDir:        "./data",
		RDBCompression: true,
		RDBChecksum:    true,
		RDBSaveConditions: []SavePolicyRule{
			{WindowSeconds: 900, MinChanges: 1},
			{WindowSeconds: 300, MinChanges: 10},
			{WindowSeconds: 60, MinChanges: 10000},
		},
	}
}

// Load reads path as YAML over the Default configuration, then applies any
// REDIKV_-prefixed environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment tooling override scalar fields without
// rewriting the YAML file, mirroring the flag/config-file layering the
// pack's cobra-based CLIs use.
func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("REDIKV_RDB_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RDBEnabled = b
		}
	}
	if v, ok := os.LookupEnv("REDIKV_RDB_FILENAME"); ok && v != "" {
		cfg.RDBFilename = v
	}
	if v, ok := os.LookupEnv("REDIKV_DATA_DIR"); ok && v != "" {
		cfg.DataDir = v
	}
	if v, ok := os.LookupEnv("REDIKV_RDB_COMPRESSION"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RDBCompression = b
		}
	}
	if v, ok := os.LookupEnv("REDIKV_RDB_CHECKSUM"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RDBChecksum = b
		}
	}
}

// Validate checks field-level invariants. It does not create DataDir;
// EnsureDataDir does that.
func (c Config) Validate() error {
	if c.RDBFilename == "" {
		return fmt.Errorf("config: rdb_filename must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir must not be empty")
	}
	for _, rule := range c.RDBSaveConditions {
		if rule.MinChanges == 0 {
			return fmt.Errorf("config: rdb_save_conditions entry has min_changes == 0")
		}
	}
	return nil
}

// EnsureDataDir creates DataDir if it does not already exist. A failure
// here is fatal: the process cannot persist without it.
func (c Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return fmt.Errorf("config: creating data_dir %s: %w", c.DataDir, err)
	}
	return nil
}

// SnapshotPath returns the full path to the configured snapshot file.
func (c Config) SnapshotPath() string {
	return filepath.Join(c.DataDir, c.RDBFilename)
}

// CodecOptions translates the compression/checksum booleans into
// persistence.Options for the Snapshotter/Codec.
func (c Config) CodecOptions() persistence.Options {
	opts := persistence.Options{}
	if c.RDBCompression {
		opts.Compression = persistence.CompressionGzip
	}
	if c.RDBChecksum {
		opts.Checksum = persistence.ChecksumCRC32
	}
	return opts
}

// SavePolicy translates RDBSaveConditions into persistence.SavePolicyRule
// values. An empty list disables automatic saves.
func (c Config) SavePolicy() []persistence.SavePolicyRule {
	rules := make([]persistence.SavePolicyRule, 0, len(c.RDBSaveConditions))
	for _, r := range c.RDBSaveConditions {
		rules = append(rules, persistence.SavePolicyRule{
			Window:     time.Duration(r.WindowSeconds) * time.Second,
			MinChanges: r.MinChanges,
		})
	}
	return rules
}

// ParseSaveConditions parses a comma-separated "window:changes" list (e.g.
// "900:1,300:10,60:10000") into SavePolicyRule values, for callers wiring
// config from a CLI flag rather than a YAML file.
func ParseSaveConditions(s string) ([]SavePolicyRule, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var rules []SavePolicyRule
	for _, part := range strings.Split(s, ",") {
		fields := strings.SplitN(strings.TrimSpace(part), ":", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("config: invalid save condition %q", part)
		}
		window, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("config: invalid window in %q: %w", part, err)
		}
		changes, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("config: invalid min_changes in %q: %w", part, err)
		}
		rules = append(rules, SavePolicyRule{WindowSeconds: uint32(window), MinChanges: uint32(changes)})
	}
	return rules, nil
}
