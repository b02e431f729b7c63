// Package config handles loading, validating, and applying
// configuration for the fleetd control plane.  Configuration is read
// from a YAML file and can be overridden by CLI flags.
package config

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/fleetd/internal/cred"
	"github.com/terrpan/fleetd/internal/fleet"
	"github.com/terrpan/fleetd/internal/provision"
	"github.com/terrpan/fleetd/internal/provision/docker"
	"github.com/terrpan/fleetd/internal/provision/gcpvm"
	"github.com/terrpan/fleetd/internal/provision/native"
	"github.com/terrpan/fleetd/internal/store"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Sealing    SealingConfig    `yaml:"sealing"`
	Server     ServerConfig     `yaml:"server"`
	Platform   PlatformConfig   `yaml:"platform"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Backends   BackendsConfig   `yaml:"backends"`
	Logging    LoggingConfig    `yaml:"logging"`
	OTel       OTelConfig       `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// Store & sealing
// ---------------------------------------------------------------------------

// StoreConfig locates the persistent store.
type StoreConfig struct {
	// Path is the SQLite database file.  Default: "fleetd.db".
	Path string `yaml:"path"`
}

// SealingConfig supplies the key that seals credential material at
// rest.  The key is 32 bytes, hex encoded.
type SealingConfig struct {
	// KeyPath is a file holding the hex-encoded key.
	KeyPath string `yaml:"key_path"`
	// Key can be set directly (e.g. via CLI flag).  If both KeyPath
	// and Key are set, Key wins.
	Key string `yaml:"key"`
}

// ---------------------------------------------------------------------------
// HTTP surface & webhook
// ---------------------------------------------------------------------------

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address.  Default: ":8080".
	Addr string `yaml:"addr"`
}

// PlatformConfig points at the remote platform's API.
type PlatformConfig struct {
	// APIBaseURL overrides the API endpoint for enterprise server
	// installs.  Empty means the public endpoint.
	APIBaseURL string `yaml:"api_base_url"`
}

// WebhookConfig holds the app-level webhook secret used when a
// credential carries no secret of its own.
type WebhookConfig struct {
	// SecretPath is a file holding the secret.
	SecretPath string `yaml:"secret_path"`
	// Secret can be set directly.  If both are set, Secret wins.
	Secret string `yaml:"secret"`
}

// ---------------------------------------------------------------------------
// Reconciler
// ---------------------------------------------------------------------------

// ReconcilerConfig tunes the reconciliation loop.
type ReconcilerConfig struct {
	// IntervalSecs is the sweep interval in seconds.  Default: 60.
	IntervalSecs int `yaml:"interval_secs"`
	// StaleAfterSecs is the ephemeral heartbeat staleness threshold in
	// seconds.  Default: 600.
	StaleAfterSecs int `yaml:"stale_after_secs"`
}

// Interval returns the sweep interval as a duration.
func (r ReconcilerConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSecs) * time.Second
}

// StaleAfter returns the staleness threshold as a duration.
func (r ReconcilerConfig) StaleAfter() time.Duration {
	return time.Duration(r.StaleAfterSecs) * time.Second
}

// ---------------------------------------------------------------------------
// Provisioning backends
// ---------------------------------------------------------------------------

// BackendsConfig selects and configures the provisioning backends.
type BackendsConfig struct {
	// Enabled lists the backends to start: "native", "container",
	// "gcpvm".  Default: ["container"].
	Enabled []string `yaml:"enabled"`

	// Native holds native-process settings.  Only read when "native"
	// is enabled.
	Native NativeBackendConfig `yaml:"native"`

	// Container holds container settings.  Only read when "container"
	// is enabled.
	Container ContainerBackendConfig `yaml:"container"`

	// GCP holds Compute Engine settings.  Only read when "gcpvm" is
	// enabled.
	GCP GCPBackendConfig `yaml:"gcp"`
}

// NativeBackendConfig holds native-process backend settings.
type NativeBackendConfig struct {
	// RootDir is where runner working directories are created.
	// Default: "/var/lib/fleetd/runners".
	RootDir string `yaml:"root_dir"`
	// StopGraceSecs is how long a runner gets between SIGTERM and
	// SIGKILL.  Default: 30.
	StopGraceSecs int `yaml:"stop_grace_secs"`
}

// ContainerBackendConfig holds container backend settings.
type ContainerBackendConfig struct {
	// Image is the default runner image, used by pools with no image
	// override.  Default: "ghcr.io/actions/actions-runner:latest".
	Image string `yaml:"image"`
}

// GCPBackendConfig holds GCP Compute Engine settings.
//
// Authentication uses Application Default Credentials (ADC) -- no
// credential fields are needed.
type GCPBackendConfig struct {
	// Project is the GCP project ID (required when "gcpvm" is enabled).
	Project string `yaml:"project"`

	// Zone is the GCP zone for runner VMs (required).
	Zone string `yaml:"zone"`

	// MachineType is the Compute Engine machine type.  Default: "e2-medium".
	MachineType string `yaml:"machine_type"`

	// Image is the full self-link or family URL of the runner image (required).
	Image string `yaml:"image"`

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64 `yaml:"disk_size_gb"`

	// Network is the VPC network name.  Default: "default".
	Network string `yaml:"network"`

	// Subnet is the subnetwork (optional).  If empty, the default
	// subnet for the zone is used.
	Subnet string `yaml:"subnet"`

	// PublicIP controls whether runner VMs get an external IP address.
	// Default: true.  Use a *bool so we can distinguish "not set"
	// (nil -> default true) from "explicitly set to false".
	PublicIP *bool `yaml:"public_ip"`

	// ServiceAccount is the GCP service account email to attach to
	// runner VMs (optional).
	ServiceAccount string `yaml:"service_account"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OpenTelemetry is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	// Default: "" (uses OTEL env vars).
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.  Default: true.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).  Default: false.
	StdOut bool `yaml:"stdout"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Store.Path == "" {
		c.Store.Path = "fleetd.db"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Reconciler.IntervalSecs == 0 {
		c.Reconciler.IntervalSecs = 60
	}
	if c.Reconciler.StaleAfterSecs == 0 {
		c.Reconciler.StaleAfterSecs = 600
	}
	if len(c.Backends.Enabled) == 0 {
		c.Backends.Enabled = []string{"container"}
	}
	if c.Backends.Native.RootDir == "" {
		c.Backends.Native.RootDir = "/var/lib/fleetd/runners"
	}
	if c.Backends.Native.StopGraceSecs == 0 {
		c.Backends.Native.StopGraceSecs = 30
	}
	if c.Backends.Container.Image == "" {
		c.Backends.Container.Image = "ghcr.io/actions/actions-runner:latest"
	}
	if c.Backends.GCP.MachineType == "" {
		c.Backends.GCP.MachineType = "e2-medium"
	}
	if c.Backends.GCP.DiskSizeGB == 0 {
		c.Backends.GCP.DiskSizeGB = 50
	}
	if c.Backends.GCP.Network == "" {
		c.Backends.GCP.Network = "default"
	}
	if c.Backends.GCP.PublicIP == nil {
		t := true
		c.Backends.GCP.PublicIP = &t
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	// OTel defaults: disabled by default, insecure=true for local dev
	if !c.OTel.Enabled {
		// If explicitly disabled, ensure insecure defaults to true for when enabled
		if !c.OTel.Insecure && c.OTel.Endpoint == "" {
			c.OTel.Insecure = true
		}
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if _, err := c.SealingKey(); err != nil {
		return err
	}

	for _, b := range c.Backends.Enabled {
		switch b {
		case "native", "container":
			// OK
		case "gcpvm":
			if c.Backends.GCP.Project == "" {
				return fmt.Errorf("backends.gcp.project is required when \"gcpvm\" is enabled")
			}
			if c.Backends.GCP.Zone == "" {
				return fmt.Errorf("backends.gcp.zone is required when \"gcpvm\" is enabled")
			}
			if c.Backends.GCP.Image == "" {
				return fmt.Errorf("backends.gcp.image is required when \"gcpvm\" is enabled")
			}
		default:
			return fmt.Errorf("backends.enabled: %q is not supported (supported: native, container, gcpvm)", b)
		}
	}

	if c.Reconciler.IntervalSecs < 0 || c.Reconciler.StaleAfterSecs < 0 {
		return fmt.Errorf("reconciler intervals must be positive")
	}

	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	case "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SealingKey decodes the configured sealing key.
func (c *Config) SealingKey() ([]byte, error) {
	raw := c.Sealing.Key
	if raw == "" && c.Sealing.KeyPath != "" {
		data, err := os.ReadFile(c.Sealing.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("reading sealing key from %s: %w", c.Sealing.KeyPath, err)
		}
		raw = strings.TrimSpace(string(data))
	}
	if raw == "" {
		return nil, fmt.Errorf("no sealing key: provide sealing.key or sealing.key_path")
	}

	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("sealing key is not valid hex: %w", err)
	}
	if len(key) != cred.KeySize {
		return nil, fmt.Errorf("sealing key must be %d bytes, got %d", cred.KeySize, len(key))
	}
	return key, nil
}

// WebhookSecret resolves the app-level webhook secret, which may be
// empty when every credential carries its own.
func (c *Config) WebhookSecret() (string, error) {
	if c.Webhook.Secret != "" {
		return c.Webhook.Secret, nil
	}
	if c.Webhook.SecretPath == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.Webhook.SecretPath)
	if err != nil {
		return "", fmt.Errorf("reading webhook secret from %s: %w", c.Webhook.SecretPath, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// BackendEnabled reports whether the named backend is configured to
// start.
func (c *Config) BackendEnabled(name string) bool {
	return slices.Contains(c.Backends.Enabled, name)
}

// NewBackends creates the provisioning registry with every enabled
// backend registered.
func (c *Config) NewBackends(ctx context.Context, st *store.Store, creds *cred.Resolver, logger *slog.Logger) (*provision.Registry, error) {
	reg := provision.NewRegistry()

	if c.BackendEnabled("native") {
		b := native.New(native.Config{
			RootDir:   c.Backends.Native.RootDir,
			StopGrace: time.Duration(c.Backends.Native.StopGraceSecs) * time.Second,
		}, st, creds, logger.WithGroup("backend.native"))
		reg.Register(fleet.IsolationNative, b)
	}

	if c.BackendEnabled("container") {
		b, err := docker.New(ctx, docker.Config{
			DefaultImage: c.Backends.Container.Image,
		}, st, creds, logger.WithGroup("backend.container"))
		if err != nil {
			return nil, fmt.Errorf("container backend: %w", err)
		}
		reg.Register(fleet.IsolationContainer, b)
	}

	if c.BackendEnabled("gcpvm") {
		b, err := gcpvm.New(ctx, gcpvm.Config{
			Project:        c.Backends.GCP.Project,
			Zone:           c.Backends.GCP.Zone,
			MachineType:    c.Backends.GCP.MachineType,
			Image:          c.Backends.GCP.Image,
			DiskSizeGB:     c.Backends.GCP.DiskSizeGB,
			Network:        c.Backends.GCP.Network,
			Subnet:         c.Backends.GCP.Subnet,
			PublicIP:       *c.Backends.GCP.PublicIP,
			ServiceAccount: c.Backends.GCP.ServiceAccount,
		}, st, creds, logger.WithGroup("backend.gcpvm"))
		if err != nil {
			return nil, fmt.Errorf("gcpvm backend: %w", err)
		}
		reg.Register(fleet.IsolationGCPVM, b)
	}

	return reg, nil
}
