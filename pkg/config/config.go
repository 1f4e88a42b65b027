package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/helsinki-systems/fc-nixos/pkg/rebootwindow"
)

const (
	DefaultConfigPath = "/etc/fc-agent.yaml"
	DefaultSpoolDir   = "/var/spool/maintenance"
	DefaultEncPath    = "/etc/nixos/enc.json"
	DefaultDirectory  = "https://directory.fcio.net/v2/api"
)

// Config represents the runtime configuration for the maintenance agent.
type Config struct {
	NodeName         string            `yaml:"node_name"`
	SpoolDir         string            `yaml:"spool_dir"`
	EncPath          string            `yaml:"enc_path"`
	Directory        DirectoryConfig   `yaml:"directory"`
	MaintenanceEnter map[string]string `yaml:"maintenance_enter"`
	MaintenanceLeave map[string]string `yaml:"maintenance_leave"`
	Reboot           RebootConfig      `yaml:"reboot"`
	Update           UpdateConfig      `yaml:"update"`
	Metrics          MetricsConfig     `yaml:"metrics"`
	Daemon           DaemonConfig      `yaml:"daemon"`
}

// DirectoryConfig points at the remote scheduling service.
type DirectoryConfig struct {
	URL        string `yaml:"url"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// RebootConfig describes how the node restarts after maintenance.
type RebootConfig struct {
	WarmCommand []string      `yaml:"warm_command"`
	ColdCommand []string      `yaml:"cold_command"`
	Windows     WindowsConfig `yaml:"windows"`
	Guard       *GuardConfig  `yaml:"guard"`
}

// WindowsConfig restricts reboots to weekly time windows. Reboots that fall
// outside are queued again as new requests.
type WindowsConfig struct {
	Allow    []string `yaml:"allow"`
	Deny     []string `yaml:"deny"`
	Timezone string   `yaml:"timezone"`
}

// GuardConfig enables cluster-wide reboot coordination through etcd so that
// only one node of a cluster restarts at a time.
type GuardConfig struct {
	EtcdEndpoints        []string       `yaml:"etcd_endpoints"`
	EtcdNamespace        string         `yaml:"etcd_namespace"`
	EtcdTLS              *EtcdTLSConfig `yaml:"etcd_tls"`
	LockKey              string         `yaml:"lock_key"`
	LockTTLSec           int            `yaml:"lock_ttl_sec"`
	CooldownKey          string         `yaml:"cooldown_key"`
	MinRebootIntervalSec int            `yaml:"min_reboot_interval_sec"`
	MaxLockAttempts      int            `yaml:"max_lock_attempts"`
	BackoffMinSec        int            `yaml:"backoff_min_sec"`
	BackoffMaxSec        int            `yaml:"backoff_max_sec"`
}

// EtcdTLSConfig configures optional TLS settings for connecting to etcd.
type EtcdTLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Insecure bool   `yaml:"insecure_skip_verify"`
}

// UpdateConfig drives the system update activity.
type UpdateConfig struct {
	Command                 []string         `yaml:"command"`
	RebootRequiredDetectors []DetectorConfig `yaml:"reboot_required_detectors"`
}

// DetectorConfig describes how to determine if an applied update requires a reboot.
type DetectorConfig struct {
	Name             string   `yaml:"name"`
	Type             string   `yaml:"type"`
	Path             string   `yaml:"path"`
	Cmd              []string `yaml:"cmd"`
	SuccessExitCodes []int    `yaml:"success_exit_codes"`
	TimeoutSec       int      `yaml:"timeout_sec"`
	Reboot           string   `yaml:"reboot"`
}

// MetricsConfig defines observability exposure options.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Listen   string `yaml:"listen"`
	Textfile string `yaml:"textfile"`
}

// DaemonConfig tunes the long-running mode.
type DaemonConfig struct {
	IntervalSec   int  `yaml:"interval_sec"`
	BackoffMinSec int  `yaml:"backoff_min_sec"`
	BackoffMaxSec int  `yaml:"backoff_max_sec"`
	WatchSpool    bool `yaml:"watch_spool"`
}

// ValidationError aggregates multiple configuration validation failures.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	return errors.As(target, &other)
}

// Load reads, parses, and validates a configuration from disk.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return decode(f)
}

// LoadOrDefault behaves like Load but falls back to the built-in defaults
// when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return Default()
	}
	return nil, err
}

// Default returns a validated configuration with every default applied.
func Default() (*Config, error) {
	var cfg Config
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks for semantic correctness in the configuration.
func (c *Config) Validate() error {
	problems := make([]string, 0)

	if strings.TrimSpace(c.NodeName) == "" {
		problems = append(problems, "node_name is required")
	}
	if strings.TrimSpace(c.SpoolDir) == "" {
		problems = append(problems, "spool_dir is required")
	}
	if c.Directory.TimeoutSec < 0 {
		problems = append(problems, "directory.timeout_sec must be non-negative")
	}
	for _, group := range []struct {
		name  string
		hooks map[string]string
	}{{"maintenance_enter", c.MaintenanceEnter}, {"maintenance_leave", c.MaintenanceLeave}} {
		for name := range group.hooks {
			if strings.TrimSpace(name) == "" {
				problems = append(problems, fmt.Sprintf("%s contains an entry without subsystem name", group.name))
			}
		}
	}
	if len(c.Reboot.WarmCommand) == 0 {
		problems = append(problems, "reboot.warm_command must specify the command to execute")
	}
	if len(c.Reboot.ColdCommand) == 0 {
		problems = append(problems, "reboot.cold_command must specify the command to execute")
	}
	if _, err := c.RebootWindows(); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Reboot.Guard != nil {
		problems = append(problems, c.Reboot.Guard.validate()...)
	}
	for i := range c.Update.RebootRequiredDetectors {
		for _, p := range c.Update.RebootRequiredDetectors[i].validate() {
			problems = append(problems, fmt.Sprintf("update.reboot_required_detectors[%d]: %s", i, p))
		}
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Listen) == "" {
		problems = append(problems, "metrics.listen must be set when metrics.enabled is true")
	}
	if c.Daemon.IntervalSec <= 0 {
		problems = append(problems, "daemon.interval_sec must be greater than zero")
	}
	if c.Daemon.BackoffMaxSec < c.Daemon.BackoffMinSec {
		problems = append(problems, "daemon.backoff_max_sec must be greater than or equal to daemon.backoff_min_sec")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.NodeName) == "" {
		if host, err := os.Hostname(); err == nil {
			c.NodeName = host
		}
	}
	if strings.TrimSpace(c.SpoolDir) == "" {
		c.SpoolDir = DefaultSpoolDir
	}
	if strings.TrimSpace(c.EncPath) == "" {
		c.EncPath = DefaultEncPath
	}
	if strings.TrimSpace(c.Directory.URL) == "" {
		c.Directory.URL = DefaultDirectory
	}
	if c.Directory.TimeoutSec == 0 {
		c.Directory.TimeoutSec = 30
	}
	if len(c.Reboot.WarmCommand) == 0 {
		c.Reboot.WarmCommand = []string{"reboot"}
	}
	if len(c.Reboot.ColdCommand) == 0 {
		c.Reboot.ColdCommand = []string{"poweroff"}
	}
	if g := c.Reboot.Guard; g != nil {
		if strings.TrimSpace(g.LockKey) == "" {
			g.LockKey = "/fc-maintenance/reboot-lock"
		}
		if strings.TrimSpace(g.CooldownKey) == "" {
			g.CooldownKey = "/fc-maintenance/reboot-cooldown"
		}
		if g.LockTTLSec == 0 {
			g.LockTTLSec = 600
		}
		if g.MaxLockAttempts == 0 {
			g.MaxLockAttempts = 30
		}
		if g.BackoffMinSec == 0 {
			g.BackoffMinSec = 5
		}
		if g.BackoffMaxSec == 0 {
			g.BackoffMaxSec = 60
		}
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9129"
	}
	if c.Daemon.IntervalSec == 0 {
		c.Daemon.IntervalSec = 600
	}
	if c.Daemon.BackoffMinSec == 0 {
		c.Daemon.BackoffMinSec = 30
	}
	if c.Daemon.BackoffMaxSec == 0 {
		c.Daemon.BackoffMaxSec = 600
	}
	for i := range c.Update.RebootRequiredDetectors {
		c.Update.RebootRequiredDetectors[i].applyDefaults(i)
	}
}

func (g *GuardConfig) validate() []string {
	problems := make([]string, 0)
	if len(g.EtcdEndpoints) == 0 {
		problems = append(problems, "reboot.guard.etcd_endpoints must contain at least one endpoint")
	}
	if g.LockTTLSec <= 0 {
		problems = append(problems, "reboot.guard.lock_ttl_sec must be greater than zero")
	}
	if g.MinRebootIntervalSec < 0 {
		problems = append(problems, "reboot.guard.min_reboot_interval_sec must be non-negative")
	}
	if g.MaxLockAttempts < 0 {
		problems = append(problems, "reboot.guard.max_lock_attempts must be non-negative")
	}
	if g.BackoffMinSec <= 0 {
		problems = append(problems, "reboot.guard.backoff_min_sec must be greater than zero")
	}
	if g.BackoffMaxSec < g.BackoffMinSec {
		problems = append(problems, "reboot.guard.backoff_max_sec must be greater than or equal to backoff_min_sec")
	}
	if g.EtcdTLS != nil && g.EtcdTLS.Enabled {
		if strings.TrimSpace(g.EtcdTLS.CAFile) == "" {
			problems = append(problems, "reboot.guard.etcd_tls.ca_file is required when TLS is enabled")
		}
		if strings.TrimSpace(g.EtcdTLS.CertFile) == "" {
			problems = append(problems, "reboot.guard.etcd_tls.cert_file is required when TLS is enabled")
		}
		if strings.TrimSpace(g.EtcdTLS.KeyFile) == "" {
			problems = append(problems, "reboot.guard.etcd_tls.key_file is required when TLS is enabled")
		}
	}
	return problems
}

func (d *DetectorConfig) applyDefaults(index int) {
	if strings.TrimSpace(d.Reboot) == "" {
		d.Reboot = "warm"
	}
	if strings.TrimSpace(d.Name) != "" {
		return
	}
	switch d.Type {
	case "file":
		if d.Path != "" {
			d.Name = fmt.Sprintf("file:%s", d.Path)
		} else {
			d.Name = fmt.Sprintf("file-detector-%d", index)
		}
	case "command":
		if len(d.Cmd) > 0 {
			d.Name = fmt.Sprintf("command:%s", d.Cmd[0])
		} else {
			d.Name = fmt.Sprintf("command-detector-%d", index)
		}
	default:
		d.Name = fmt.Sprintf("detector-%d", index)
	}
}

func (d DetectorConfig) validate() []string {
	problems := make([]string, 0)
	if strings.TrimSpace(d.Type) == "" {
		problems = append(problems, "type is required")
		return problems
	}
	switch d.Type {
	case "file":
		if strings.TrimSpace(d.Path) == "" {
			problems = append(problems, "path is required for file detectors")
		}
	case "command":
		if len(d.Cmd) == 0 {
			problems = append(problems, "cmd must contain at least one element for command detectors")
		}
	default:
		problems = append(problems, fmt.Sprintf("type %q is not supported", d.Type))
	}
	if d.Reboot != "warm" && d.Reboot != "cold" {
		problems = append(problems, fmt.Sprintf("reboot %q must be warm or cold", d.Reboot))
	}
	if d.TimeoutSec < 0 {
		problems = append(problems, "timeout_sec must be non-negative")
	}
	return problems
}

// Hook is one subsystem command of a maintenance hook group.
type Hook struct {
	Subsystem string
	Command   string
}

// EnterHooks returns the maintenance_enter commands ordered by subsystem name.
func (c *Config) EnterHooks() []Hook {
	return sortedHooks(c.MaintenanceEnter)
}

// LeaveHooks returns the maintenance_leave commands ordered by subsystem name.
func (c *Config) LeaveHooks() []Hook {
	return sortedHooks(c.MaintenanceLeave)
}

func sortedHooks(group map[string]string) []Hook {
	hooks := make([]Hook, 0, len(group))
	for name, cmd := range group {
		hooks = append(hooks, Hook{Subsystem: name, Command: cmd})
	}
	sort.Slice(hooks, func(i, j int) bool { return hooks[i].Subsystem < hooks[j].Subsystem })
	return hooks
}

// DirectoryTimeout returns the per-call timeout for the directory service.
func (c *Config) DirectoryTimeout() time.Duration {
	return time.Duration(c.Directory.TimeoutSec) * time.Second
}

// RebootWindows parses the reboot window rules. It returns nil when no
// rules are configured.
func (c *Config) RebootWindows() (*rebootwindow.Policy, error) {
	w := c.Reboot.Windows
	var loc *time.Location
	if tz := strings.TrimSpace(w.Timezone); tz != "" {
		var err error
		if loc, err = time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("reboot.windows.timezone: %w", err)
		}
	}
	policy, err := rebootwindow.Parse(w.Allow, w.Deny, loc)
	if err != nil {
		return nil, fmt.Errorf("reboot.windows.%w", err)
	}
	return policy, nil
}

// LockTTL returns the etcd reboot lock TTL as a duration.
func (g *GuardConfig) LockTTL() time.Duration {
	return time.Duration(g.LockTTLSec) * time.Second
}

// BackoffBounds returns the guard's lock retry window as durations.
func (g *GuardConfig) BackoffBounds() (time.Duration, time.Duration) {
	return time.Duration(g.BackoffMinSec) * time.Second, time.Duration(g.BackoffMaxSec) * time.Second
}

// RebootCooldownInterval returns the configured minimum spacing between reboots in the cluster.
func (g *GuardConfig) RebootCooldownInterval() time.Duration {
	if g == nil {
		return 0
	}
	return time.Duration(g.MinRebootIntervalSec) * time.Second
}

// DaemonInterval returns how long the daemon waits between passes.
func (c *Config) DaemonInterval() time.Duration {
	return time.Duration(c.Daemon.IntervalSec) * time.Second
}

// DaemonBackoff returns the daemon's error backoff window.
func (c *Config) DaemonBackoff() (time.Duration, time.Duration) {
	return time.Duration(c.Daemon.BackoffMinSec) * time.Second, time.Duration(c.Daemon.BackoffMaxSec) * time.Second
}
