// Package config defines the runtime configuration struct, its environment
// variable surface, and an optional YAML overlay for durable local defaults.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"dnsbl-monitor/pkg/logging"
	"dnsbl-monitor/pkg/rerrors"
	"dnsbl-monitor/pkg/throttle"
)

// Config holds the full runtime configuration for one run.
//
//nolint:fieldalignment // Struct is organized for readability; padding cost is acceptable.
type Config struct {
	DNSBLZones []string `yaml:"dnsbl_zones"`

	DNS       DNSConfig       `yaml:"dns"`
	Priority  PriorityConfig  `yaml:"priority"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Logging   logging.Config  `yaml:"logging"`
	Database  throttle.Config `yaml:"database"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// EnableSupplementalProbe is a pointer so "unset" (defaults to true) is
	// distinguishable from "explicitly disabled" across both the YAML
	// overlay and ENABLE_SUPPLEMENTAL_PROBE.
	EnableSupplementalProbe *bool         `yaml:"enable_supplemental_probe"`
	DryRun                  bool          `yaml:"dry_run"`
	MaxExecutionTime        time.Duration `yaml:"max_execution_time"`
}

// SupplementalProbeEnabled reports whether component I should run,
// defaulting to true per spec.md §6.
func (c *Config) SupplementalProbeEnabled() bool {
	return c.EnableSupplementalProbe == nil || *c.EnableSupplementalProbe
}

// DNSConfig controls the fan-out checker's per-query timeout and the
// DNS_CONCURRENCY semaphore size (spec.md §4.C, §5).
type DNSConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	Concurrency int64         `yaml:"concurrency"`
}

// PriorityConfig holds the two priority values the throttle-store writer
// installs (spec.md §4.F).
type PriorityConfig struct {
	Listed        int `yaml:"listed"`
	CleanFallback int `yaml:"clean_fallback"`
}

// TrackerConfig holds the issue-tracker credentials and classification
// fields the ticket deduplicator needs (spec.md §4.G, §6).
type TrackerConfig struct {
	URL              string   `yaml:"url"`
	User             string   `yaml:"user"`
	Token            string   `yaml:"token"`
	Project          string   `yaml:"project"`
	IssueType        string   `yaml:"issue_type"`
	DNSFailureType   string   `yaml:"dns_failure_type"`
	ExcludedStatuses []string `yaml:"excluded_statuses"`
}

// TelemetryConfig controls the run-scoped Prometheus listener (SPEC_FULL.md
// §11). Tracing is carried as the honest no-op the teacher itself ships.
type TelemetryConfig struct {
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port"`
}

// Load reads an optional YAML overlay from path (may be empty, meaning no
// overlay file), applies defaults, then lets environment variables override
// both — the authoritative path per spec.md §6 — and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		// #nosec G304 - path is operator-supplied via -config flag.
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, rerrors.Wrapf(rerrors.ErrConfig, "reading config overlay %q: %v", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, rerrors.Wrapf(rerrors.ErrConfig, "parsing config overlay %q: %v", path, err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DNS.Timeout == 0 {
		c.DNS.Timeout = 5 * time.Second
	}
	if c.DNS.Concurrency == 0 {
		c.DNS.Concurrency = 10
	}
	if c.MaxExecutionTime == 0 {
		c.MaxExecutionTime = 300 * time.Second
	}
	if c.Database.TableName == "" {
		c.Database.TableName = "ip_throttle"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "dnsbl-monitor"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
}

const (
	envDBDSN                   = "DB_DSN"
	envDNSBLZones              = "DNSBL_ZONES"
	envDNSTimeout              = "DNS_TIMEOUT"
	envDNSConcurrency          = "DNS_CONCURRENCY"
	envListedPriority          = "LISTED_PRIORITY"
	envCleanFallbackPriority   = "CLEAN_FALLBACK_PRIORITY"
	envTrackerURL              = "TRACKER_URL"
	envTrackerUser             = "TRACKER_USER"
	envTrackerToken            = "TRACKER_TOKEN"
	envTrackerProject          = "TRACKER_PROJECT"
	envTrackerIssueType        = "TRACKER_ISSUE_TYPE"
	envTrackerDNSFailureType   = "TRACKER_DNS_FAILURE_TYPE"
	envTrackerExcludedStatuses = "TRACKER_EXCLUDED_STATUSES"
	envEnableSupplementalProbe = "ENABLE_SUPPLEMENTAL_PROBE"
	envDryRun                  = "DRY_RUN"
	envMaxExecutionTime        = "MAX_EXECUTION_TIME"
)

func (c *Config) applyEnvOverrides() {
	if v, ok := lookupTrim(envDBDSN); ok {
		c.Database.DSN = v
	}
	if v, ok := lookupTrim(envDNSBLZones); ok {
		c.DNSBLZones = splitCSV(v)
	}
	if v, ok := lookupInt(envDNSTimeout); ok {
		c.DNS.Timeout = time.Duration(v) * time.Second
	}
	if v, ok := lookupInt(envDNSConcurrency); ok {
		c.DNS.Concurrency = int64(v)
	}
	if v, ok := lookupInt(envListedPriority); ok {
		c.Priority.Listed = v
	}
	if v, ok := lookupInt(envCleanFallbackPriority); ok {
		c.Priority.CleanFallback = v
	}
	if v, ok := lookupTrim(envTrackerURL); ok {
		c.Tracker.URL = v
	}
	if v, ok := lookupTrim(envTrackerUser); ok {
		c.Tracker.User = v
	}
	if v, ok := os.LookupEnv(envTrackerToken); ok {
		c.Tracker.Token = v
	}
	if v, ok := lookupTrim(envTrackerProject); ok {
		c.Tracker.Project = v
	}
	if v, ok := lookupTrim(envTrackerIssueType); ok {
		c.Tracker.IssueType = v
	}
	if v, ok := lookupTrim(envTrackerDNSFailureType); ok {
		c.Tracker.DNSFailureType = v
	}
	if v, ok := lookupTrim(envTrackerExcludedStatuses); ok {
		c.Tracker.ExcludedStatuses = splitCSV(v)
	}
	if v, ok := lookupBool(envEnableSupplementalProbe); ok {
		c.EnableSupplementalProbe = &v
	}
	if v, ok := lookupBool(envDryRun); ok {
		c.DryRun = v
	}
	if v, ok := lookupInt(envMaxExecutionTime); ok {
		c.MaxExecutionTime = time.Duration(v) * time.Second
	}
}

// Validate rejects a configuration that cannot safely run (spec.md §7
// ConfigError: fatal at start-up, no work performed).
func (c *Config) Validate() error {
	if len(c.DNSBLZones) == 0 {
		return rerrors.Wrap(rerrors.ErrConfig, "DNSBL_ZONES must list at least one zone")
	}
	if c.DNS.Timeout <= 0 {
		return rerrors.Wrap(rerrors.ErrConfig, "DNS_TIMEOUT must be positive")
	}
	if c.DNS.Concurrency <= 0 {
		return rerrors.Wrap(rerrors.ErrConfig, "DNS_CONCURRENCY must be positive")
	}
	if c.MaxExecutionTime <= 0 {
		return rerrors.Wrap(rerrors.ErrConfig, "MAX_EXECUTION_TIME must be positive")
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return rerrors.Wrap(rerrors.ErrConfig, "DB_DSN must be set")
	}
	if strings.TrimSpace(c.Tracker.URL) == "" {
		return rerrors.Wrap(rerrors.ErrConfig, "TRACKER_URL must be set")
	}
	if strings.TrimSpace(c.Tracker.Project) == "" {
		return rerrors.Wrap(rerrors.ErrConfig, "TRACKER_PROJECT must be set")
	}
	if strings.TrimSpace(c.Tracker.IssueType) == "" {
		return rerrors.Wrap(rerrors.ErrConfig, "TRACKER_ISSUE_TYPE must be set")
	}
	return nil
}

func lookupTrim(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func lookupInt(key string) (int, bool) {
	v, ok := lookupTrim(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func lookupBool(key string) (bool, bool) {
	v, ok := lookupTrim(key)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
