// Package config loads server configuration from an optional YAML
// file with environment-variable overrides. A missing file yields the
// defaults; a malformed file is an error.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mistakeknot/converge/internal/core"
)

const defaultConfigFile = "converge.yaml"

// Duration parses YAML values in time.ParseDuration notation ("5m",
// "90s"); plain integers are rejected to keep config files unit-safe.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"5m\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Addr       string `yaml:"addr"`
	SocketPath string `yaml:"socket_path"`
	DBPath     string `yaml:"db_path"`
	KeysFile   string `yaml:"keys_file"`

	// ConflictPolicy applies engine-wide; per-calendar overrides are
	// not supported.
	ConflictPolicy core.Policy `yaml:"conflict_policy"`

	StaleAfter       Duration `yaml:"stale_after"`
	UnreachableAfter Duration `yaml:"unreachable_after"`
	SweepInterval    Duration `yaml:"sweep_interval"`

	MaxAttempts int `yaml:"max_attempts"`
	DrainBatch  int `yaml:"drain_batch"`
}

func Default() Config {
	return Config{
		Addr:             ":7440",
		DBPath:           "converge.db",
		ConflictPolicy:   core.PolicyLatestWins,
		StaleAfter:       Duration(5 * time.Minute),
		UnreachableAfter: Duration(30 * time.Minute),
		SweepInterval:    Duration(time.Minute),
		MaxAttempts:      3,
		DrainBatch:       50,
	}
}

// ResolvePath picks the config file: an explicit argument wins, then
// CONVERGE_CONFIG, then the default name in the working directory.
func ResolvePath(explicit string) string {
	if v := strings.TrimSpace(explicit); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv("CONVERGE_CONFIG")); v != "" {
		return v
	}
	return defaultConfigFile
}

// Load reads path, fills unset fields with defaults, then applies env
// overrides. A nonexistent file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		// Unmarshal over the defaults so absent keys keep them.
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Addr, "CONVERGE_ADDR")
	setString(&cfg.SocketPath, "CONVERGE_SOCKET")
	setString(&cfg.DBPath, "CONVERGE_DB")
	setString(&cfg.KeysFile, "CONVERGE_KEYS_FILE")
	if v := strings.TrimSpace(os.Getenv("CONVERGE_CONFLICT_POLICY")); v != "" {
		cfg.ConflictPolicy = core.Policy(v)
	}
	setDuration(&cfg.StaleAfter, "CONVERGE_STALE_AFTER")
	setDuration(&cfg.UnreachableAfter, "CONVERGE_UNREACHABLE_AFTER")
	setDuration(&cfg.SweepInterval, "CONVERGE_SWEEP_INTERVAL")
	setInt(&cfg.MaxAttempts, "CONVERGE_MAX_ATTEMPTS")
	setInt(&cfg.DrainBatch, "CONVERGE_DRAIN_BATCH")
}

func (c Config) validate() error {
	switch c.ConflictPolicy {
	case core.PolicySourceWins, core.PolicyDestinationWins, core.PolicyLatestWins, core.PolicyManual:
	default:
		return fmt.Errorf("config: unknown conflict_policy %q", c.ConflictPolicy)
	}
	if c.Addr == "" && c.SocketPath == "" {
		return fmt.Errorf("config: addr or socket_path required")
	}
	if c.UnreachableAfter <= c.StaleAfter {
		return fmt.Errorf("config: unreachable_after must exceed stale_after")
	}
	return nil
}

func setString(dst *string, name string) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		*dst = v
	}
}

func setDuration(dst *Duration, name string) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = Duration(d)
	}
}

func setInt(dst *int, name string) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}
