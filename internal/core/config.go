package core

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the mltaskd configuration file.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	API       APIConfig       `yaml:"api"`
	Store     StoreConfig     `yaml:"store"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// ShutdownSeconds bounds graceful shutdown of the listener and dispatches.
	ShutdownSeconds int `yaml:"shutdown_seconds"`
}

type APIConfig struct {
	// Token enables bearer auth on /api and /ws when set.
	Token string    `yaml:"token"`
	TLS   TLSConfig `yaml:"tls"`
}

type TLSConfig struct {
	Cert        string `yaml:"cert"`
	Key         string `yaml:"key"`
	ClientCA    string `yaml:"client_ca"`
	RequireMTLS bool   `yaml:"require_mtls"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite | memory
	Path   string `yaml:"path"`
}

type ClusterConfig struct {
	Driver         string            `yaml:"driver"` // kubernetes | dryrun
	Kubeconfig     string            `yaml:"kubeconfig"`
	Context        string            `yaml:"context"`
	Namespace      string            `yaml:"namespace"`
	Group          string            `yaml:"group"`
	Version        string            `yaml:"version"`
	Resource       string            `yaml:"resource"`
	Kind           string            `yaml:"kind"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	QPS            float32           `yaml:"qps"`
	Burst          int               `yaml:"burst"`
	Labels         map[string]string `yaml:"labels"`
}

type DispatchConfig struct {
	Concurrency int `yaml:"concurrency"`
	Retries     int `yaml:"retries"`
}

type ReconcileConfig struct {
	Enabled           bool `yaml:"enabled"`
	IntervalSeconds   int  `yaml:"interval_seconds"`
	ReadyGraceSeconds int  `yaml:"ready_grace_seconds"`
}

type ArtifactsConfig struct {
	Driver string     `yaml:"driver"` // local | sftp
	Dir    string     `yaml:"dir"`
	SFTP   SFTPConfig `yaml:"sftp"`
}

type SFTPConfig struct {
	Addr           string `yaml:"addr"`
	User           string `yaml:"user"`
	KeyPath        string `yaml:"key_path"`
	Password       string `yaml:"password"`
	KnownHosts     string `yaml:"known_hosts"`
	Root           string `yaml:"root"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Retries        int    `yaml:"retries"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	FlushSeconds int    `yaml:"flush_seconds"`
	ServiceName  string `yaml:"service_name"`
	// PprofAddr starts a profiling listener when set, e.g. 127.0.0.1:6060.
	PprofAddr string `yaml:"pprof_addr"`
}

// DefaultConfig returns the settings used when no config file exists.
func DefaultConfig() Config {
	var cfg Config
	cfg.Reconcile.Enabled = true
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ShutdownSeconds <= 0 {
		c.Server.ShutdownSeconds = 30
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(dataDir(), "tasks.db")
	}
	if c.Cluster.Driver == "" {
		c.Cluster.Driver = "kubernetes"
	}
	if c.Cluster.Namespace == "" {
		c.Cluster.Namespace = "default"
	}
	if c.Cluster.Group == "" {
		c.Cluster.Group = "ml.carbonetes.io"
	}
	if c.Cluster.Version == "" {
		c.Cluster.Version = "v1"
	}
	if c.Cluster.Resource == "" {
		c.Cluster.Resource = "mltasks"
	}
	if c.Cluster.Kind == "" {
		c.Cluster.Kind = "MLTask"
	}
	if c.Cluster.TimeoutSeconds <= 0 {
		c.Cluster.TimeoutSeconds = 30
	}
	if c.Dispatch.Concurrency <= 0 {
		c.Dispatch.Concurrency = 16
	}
	if c.Dispatch.Retries <= 0 {
		c.Dispatch.Retries = 3
	}
	if c.Reconcile.IntervalSeconds <= 0 {
		c.Reconcile.IntervalSeconds = 10
	}
	if c.Reconcile.ReadyGraceSeconds <= 0 {
		c.Reconcile.ReadyGraceSeconds = 120
	}
	if c.Artifacts.Driver == "" {
		c.Artifacts.Driver = "local"
	}
	if c.Artifacts.Dir == "" {
		c.Artifacts.Dir = filepath.Join(dataDir(), "artifacts")
	}
	if c.Artifacts.SFTP.TimeoutSeconds <= 0 {
		c.Artifacts.SFTP.TimeoutSeconds = 10
	}
	if c.Artifacts.SFTP.Retries <= 0 {
		c.Artifacts.SFTP.Retries = 3
	}
	if c.Artifacts.SFTP.Root == "" {
		c.Artifacts.SFTP.Root = "mltaskd"
	}
	if c.Artifacts.SFTP.KnownHosts == "" {
		c.Artifacts.SFTP.KnownHosts = filepath.Join(ConfigDir(), "known_hosts")
	}
	if c.Telemetry.FlushSeconds <= 0 {
		c.Telemetry.FlushSeconds = 30
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "mltaskd"
	}
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	switch c.Artifacts.Driver {
	case "local":
	case "sftp":
		if c.Artifacts.SFTP.Addr == "" || c.Artifacts.SFTP.User == "" {
			return fmt.Errorf("artifacts.sftp: addr and user are required")
		}
		if c.Artifacts.SFTP.KeyPath == "" && c.Artifacts.SFTP.Password == "" {
			return fmt.Errorf("artifacts.sftp: key_path or password is required")
		}
	default:
		return fmt.Errorf("artifacts.driver: unknown driver %q", c.Artifacts.Driver)
	}
	if (c.API.TLS.Cert == "") != (c.API.TLS.Key == "") {
		return fmt.Errorf("api.tls: cert and key must be set together")
	}
	if c.API.TLS.RequireMTLS && c.API.TLS.ClientCA == "" {
		return fmt.Errorf("api.tls: require_mtls needs client_ca")
	}
	if c.Reconcile.ReadyGraceSeconds <= c.Cluster.TimeoutSeconds {
		return fmt.Errorf("reconcile.ready_grace_seconds (%d) must exceed cluster.timeout_seconds (%d)",
			c.Reconcile.ReadyGraceSeconds, c.Cluster.TimeoutSeconds)
	}
	return nil
}

func (c Config) DispatchTimeout() time.Duration {
	return time.Duration(c.Cluster.TimeoutSeconds) * time.Second
}

func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownSeconds) * time.Second
}

func (c Config) ReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval:   time.Duration(c.Reconcile.IntervalSeconds) * time.Second,
		ReadyGrace: time.Duration(c.Reconcile.ReadyGraceSeconds) * time.Second,
	}
}

func (c Config) ServiceConfig() ServiceConfig {
	return ServiceConfig{
		Namespace:       c.Cluster.Namespace,
		DispatchTimeout: c.DispatchTimeout(),
		Concurrency:     c.Dispatch.Concurrency,
		Labels:          c.Cluster.Labels,
	}
}

// ConfigDir is $XDG_CONFIG_HOME/mltaskd or ~/.config/mltaskd.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "mltaskd")
}

func dataDir() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "mltaskd")
}

// LoadConfig reads YAML configuration from a path. If path is empty, it resolves
// $XDG_CONFIG_HOME/mltaskd/config.yaml or ~/.config/mltaskd/config.yaml and
// falls back to defaults when that file does not exist.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = filepath.Join(ConfigDir(), "config.yaml")
	}
	cfg := Config{Reconcile: ReconcileConfig{Enabled: true}}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case explicit || !os.IsNotExist(err):
		return cfg, fmt.Errorf("open config: %w", err)
	}
	cfg.applyDefaults()

	// Merge secrets from secrets.env if present to avoid storing them in YAML
	secrets, err := LoadSecretsEnv("")
	if err != nil {
		return cfg, err
	}
	for _, k := range []string{"MLTASKD_API_TOKEN", "MLTASKD_SFTP_PASSWORD"} {
		if v := os.Getenv(k); v != "" {
			secrets[k] = v
		}
	}
	if t := secrets["MLTASKD_API_TOKEN"]; t != "" {
		cfg.API.Token = t
	}
	if p := secrets["MLTASKD_SFTP_PASSWORD"]; p != "" {
		cfg.Artifacts.SFTP.Password = p
	}
	return cfg, cfg.Validate()
}
