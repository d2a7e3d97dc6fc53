package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the browserd configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Pool         PoolConfig         `yaml:"pool" mapstructure:"pool"`
	Ports        PortsConfig        `yaml:"ports" mapstructure:"ports"`
	Proxy        ProxyConfig        `yaml:"proxy" mapstructure:"proxy"`
	Provider     ProviderConfig     `yaml:"provider" mapstructure:"provider"`
	Services     map[string]string  `yaml:"services" mapstructure:"services"`
	Storage      StorageConfig      `yaml:"storage" mapstructure:"storage"`
	Logging      LoggingConfig      `yaml:"logging" mapstructure:"logging"`
	Tracing      TracingConfig      `yaml:"tracing" mapstructure:"tracing"`
	Metrics      MetricsConfig      `yaml:"metrics" mapstructure:"metrics"`
}

// ServerConfig holds API server configuration
type ServerConfig struct {
	Address         string        `yaml:"address" mapstructure:"address"`
	Port            int           `yaml:"port" mapstructure:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// OrchestratorConfig holds daemon controller and reconciler settings
type OrchestratorConfig struct {
	ReconcileInterval    time.Duration `yaml:"reconcile_interval" mapstructure:"reconcile_interval"`
	MaxRetries           int           `yaml:"max_retries" mapstructure:"max_retries"`
	CleanupDelay         time.Duration `yaml:"cleanup_delay" mapstructure:"cleanup_delay"`
	HeartbeatTimeout     time.Duration `yaml:"heartbeat_timeout" mapstructure:"heartbeat_timeout"`
	ProviderTimeout      time.Duration `yaml:"provider_timeout" mapstructure:"provider_timeout"`
	StartAttempts        int           `yaml:"start_attempts" mapstructure:"start_attempts"`
	StopAttempts         int           `yaml:"stop_attempts" mapstructure:"stop_attempts"`
	ReadyTimeout         time.Duration `yaml:"ready_timeout" mapstructure:"ready_timeout"`
	ReconcileConcurrency int           `yaml:"reconcile_concurrency" mapstructure:"reconcile_concurrency"`
	RestartRate          float64       `yaml:"restart_rate" mapstructure:"restart_rate"`
	RestartBurst         int           `yaml:"restart_burst" mapstructure:"restart_burst"`
	OrphanGrace          time.Duration `yaml:"orphan_grace" mapstructure:"orphan_grace"`
	ControlTimeout       time.Duration `yaml:"control_timeout" mapstructure:"control_timeout"`
	NotifyTimeout        time.Duration `yaml:"notify_timeout" mapstructure:"notify_timeout"`
}

// PoolConfig holds warm pool settings
type PoolConfig struct {
	Size          int           `yaml:"size" mapstructure:"size"`
	BackoffBase   time.Duration `yaml:"backoff_base" mapstructure:"backoff_base"`
	BackoffMax    time.Duration `yaml:"backoff_max" mapstructure:"backoff_max"`
	CreateTimeout time.Duration `yaml:"create_timeout" mapstructure:"create_timeout"`
}

// PortsConfig is the host port range leased to daemons
type PortsConfig struct {
	Start int `yaml:"start" mapstructure:"start"`
	End   int `yaml:"end" mapstructure:"end"`
	// LeaseTTL of zero means leases never expire on their own
	LeaseTTL time.Duration `yaml:"lease_ttl" mapstructure:"lease_ttl"`
	// Probe checks that a port is bindable before leasing it
	Probe bool `yaml:"probe" mapstructure:"probe"`
}

// ProxyConfig holds the hostname routing edge settings
type ProxyConfig struct {
	Enabled      bool   `yaml:"enabled" mapstructure:"enabled"`
	BaseDomain   string `yaml:"base_domain" mapstructure:"base_domain"`
	Address      string `yaml:"address" mapstructure:"address"`
	Port         int    `yaml:"port" mapstructure:"port"`
	UpstreamHost string `yaml:"upstream_host" mapstructure:"upstream_host"`
}

// ProviderConfig selects and configures the container runtime
type ProviderConfig struct {
	Type        string `yaml:"type" mapstructure:"type"`
	Image       string `yaml:"image" mapstructure:"image"`
	DaemonPort  int    `yaml:"daemon_port" mapstructure:"daemon_port"`
	Network     string `yaml:"network" mapstructure:"network"`
	Project     string `yaml:"project" mapstructure:"project"`
	DockerHost  string `yaml:"docker_host" mapstructure:"docker_host"`
	RuncRoot    string `yaml:"runc_root" mapstructure:"runc_root"`
	BundleDir   string `yaml:"bundle_dir" mapstructure:"bundle_dir"`
	Rootfs      string `yaml:"rootfs" mapstructure:"rootfs"`
	MemoryBytes int64  `yaml:"memory_bytes" mapstructure:"memory_bytes"`
	ShmBytes    int64  `yaml:"shm_bytes" mapstructure:"shm_bytes"`
}

// StorageConfig holds orchestration state persistence settings
type StorageConfig struct {
	Enabled      bool   `yaml:"enabled" mapstructure:"enabled"`
	DatabasePath string `yaml:"database_path" mapstructure:"database_path"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	OutputFile string `yaml:"output_file" mapstructure:"output_file"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled       bool    `yaml:"enabled" mapstructure:"enabled"`
	Exporter      string  `yaml:"exporter" mapstructure:"exporter"`
	Endpoint      string  `yaml:"endpoint" mapstructure:"endpoint"`
	Insecure      bool    `yaml:"insecure" mapstructure:"insecure"`
	SamplingRatio float64 `yaml:"sampling_ratio" mapstructure:"sampling_ratio"`
	ServiceName   string  `yaml:"service_name" mapstructure:"service_name"`
	Environment   string  `yaml:"environment" mapstructure:"environment"`
}

// MetricsConfig toggles the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".browserd")

	return &Config{
		Server: ServerConfig{
			Address:         "127.0.0.1",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    2 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
			RequestTimeout:  90 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Orchestrator: OrchestratorConfig{
			ReconcileInterval:    5 * time.Second,
			MaxRetries:           3,
			CleanupDelay:         10 * time.Second,
			HeartbeatTimeout:     30 * time.Second,
			ProviderTimeout:      30 * time.Second,
			StartAttempts:        3,
			StopAttempts:         3,
			ReadyTimeout:         15 * time.Second,
			ReconcileConcurrency: 8,
			RestartRate:          2,
			RestartBurst:         4,
			OrphanGrace:          time.Minute,
			ControlTimeout:       3 * time.Second,
			NotifyTimeout:        10 * time.Second,
		},
		Pool: PoolConfig{
			Size:          0,
			BackoffBase:   time.Second,
			BackoffMax:    30 * time.Second,
			CreateTimeout: 30 * time.Second,
		},
		Ports: PortsConfig{
			Start: 9301,
			End:   9400,
		},
		Proxy: ProxyConfig{
			Enabled:      true,
			BaseDomain:   "browser.localhost",
			Address:      "127.0.0.1",
			Port:         8081,
			UpstreamHost: "127.0.0.1",
		},
		Provider: ProviderConfig{
			Type:       "docker",
			Image:      "browserd/daemon:latest",
			DaemonPort: 9223,
			Project:    "default",
			RuncRoot:   filepath.Join(dataDir, "runc"),
			BundleDir:  filepath.Join(dataDir, "bundles"),
			ShmBytes:   256 << 20,
		},
		Services: map[string]string{},
		Storage: StorageConfig{
			Enabled:      true,
			DatabasePath: filepath.Join(dataDir, "browserd.db"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:       false,
			Exporter:      "otlp",
			Endpoint:      "localhost:4318",
			Insecure:      true,
			SamplingRatio: 1.0,
			ServiceName:   "browserd",
			Environment:   "development",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// LoadConfig loads configuration from file, environment variables, and defaults
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	v := viper.New()
	setDefaults(v, config)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("browserd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.config/browserd")
		v.AddConfigPath("/etc/browserd")
	}

	// BROWSERD_ORCHESTRATOR_CLEANUP_DELAY overrides orchestrator.cleanup_delay
	v.SetEnvPrefix("BROWSERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults registers every key so AutomaticEnv can override keys absent
// from the config file.
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("server.address", c.Server.Address)
	v.SetDefault("server.port", c.Server.Port)
	v.SetDefault("server.read_timeout", c.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", c.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)
	v.SetDefault("server.request_timeout", c.Server.RequestTimeout)
	v.SetDefault("server.allowed_origins", c.Server.AllowedOrigins)

	v.SetDefault("orchestrator.reconcile_interval", c.Orchestrator.ReconcileInterval)
	v.SetDefault("orchestrator.max_retries", c.Orchestrator.MaxRetries)
	v.SetDefault("orchestrator.cleanup_delay", c.Orchestrator.CleanupDelay)
	v.SetDefault("orchestrator.heartbeat_timeout", c.Orchestrator.HeartbeatTimeout)
	v.SetDefault("orchestrator.provider_timeout", c.Orchestrator.ProviderTimeout)
	v.SetDefault("orchestrator.start_attempts", c.Orchestrator.StartAttempts)
	v.SetDefault("orchestrator.stop_attempts", c.Orchestrator.StopAttempts)
	v.SetDefault("orchestrator.ready_timeout", c.Orchestrator.ReadyTimeout)
	v.SetDefault("orchestrator.reconcile_concurrency", c.Orchestrator.ReconcileConcurrency)
	v.SetDefault("orchestrator.restart_rate", c.Orchestrator.RestartRate)
	v.SetDefault("orchestrator.restart_burst", c.Orchestrator.RestartBurst)
	v.SetDefault("orchestrator.orphan_grace", c.Orchestrator.OrphanGrace)
	v.SetDefault("orchestrator.control_timeout", c.Orchestrator.ControlTimeout)
	v.SetDefault("orchestrator.notify_timeout", c.Orchestrator.NotifyTimeout)

	v.SetDefault("pool.size", c.Pool.Size)
	v.SetDefault("pool.backoff_base", c.Pool.BackoffBase)
	v.SetDefault("pool.backoff_max", c.Pool.BackoffMax)
	v.SetDefault("pool.create_timeout", c.Pool.CreateTimeout)

	v.SetDefault("ports.start", c.Ports.Start)
	v.SetDefault("ports.end", c.Ports.End)
	v.SetDefault("ports.lease_ttl", c.Ports.LeaseTTL)
	v.SetDefault("ports.probe", c.Ports.Probe)

	v.SetDefault("proxy.enabled", c.Proxy.Enabled)
	v.SetDefault("proxy.base_domain", c.Proxy.BaseDomain)
	v.SetDefault("proxy.address", c.Proxy.Address)
	v.SetDefault("proxy.port", c.Proxy.Port)
	v.SetDefault("proxy.upstream_host", c.Proxy.UpstreamHost)

	v.SetDefault("provider.type", c.Provider.Type)
	v.SetDefault("provider.image", c.Provider.Image)
	v.SetDefault("provider.daemon_port", c.Provider.DaemonPort)
	v.SetDefault("provider.network", c.Provider.Network)
	v.SetDefault("provider.project", c.Provider.Project)
	v.SetDefault("provider.docker_host", c.Provider.DockerHost)
	v.SetDefault("provider.runc_root", c.Provider.RuncRoot)
	v.SetDefault("provider.bundle_dir", c.Provider.BundleDir)
	v.SetDefault("provider.rootfs", c.Provider.Rootfs)
	v.SetDefault("provider.memory_bytes", c.Provider.MemoryBytes)
	v.SetDefault("provider.shm_bytes", c.Provider.ShmBytes)

	v.SetDefault("storage.enabled", c.Storage.Enabled)
	v.SetDefault("storage.database_path", c.Storage.DatabasePath)

	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.format", c.Logging.Format)
	v.SetDefault("logging.output_file", c.Logging.OutputFile)

	v.SetDefault("tracing.enabled", c.Tracing.Enabled)
	v.SetDefault("tracing.exporter", c.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", c.Tracing.Endpoint)
	v.SetDefault("tracing.insecure", c.Tracing.Insecure)
	v.SetDefault("tracing.sampling_ratio", c.Tracing.SamplingRatio)
	v.SetDefault("tracing.service_name", c.Tracing.ServiceName)
	v.SetDefault("tracing.environment", c.Tracing.Environment)

	v.SetDefault("metrics.enabled", c.Metrics.Enabled)
}

// SaveConfig saves the current configuration to a file
func (c *Config) SaveConfig(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	o := c.Orchestrator
	if o.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile_interval must be positive")
	}
	if o.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	if o.CleanupDelay < 0 {
		return fmt.Errorf("cleanup_delay cannot be negative")
	}
	if o.StartAttempts < 1 {
		return fmt.Errorf("start_attempts must be at least 1")
	}
	if o.StopAttempts < 1 {
		return fmt.Errorf("stop_attempts must be at least 1")
	}
	if o.ReconcileConcurrency < 1 {
		return fmt.Errorf("reconcile_concurrency must be at least 1")
	}
	if o.RestartRate < 0 {
		return fmt.Errorf("restart_rate cannot be negative")
	}
	if o.OrphanGrace <= 0 {
		return fmt.Errorf("orphan_grace must be positive")
	}

	if c.Pool.Size < 0 {
		return fmt.Errorf("pool size cannot be negative")
	}
	if c.Pool.BackoffMax < c.Pool.BackoffBase {
		return fmt.Errorf("pool backoff_max must not be below backoff_base")
	}

	if c.Ports.Start <= 0 || c.Ports.End > 65535 || c.Ports.Start > c.Ports.End {
		return fmt.Errorf("invalid port range: %d-%d", c.Ports.Start, c.Ports.End)
	}
	pool := c.Ports.End - c.Ports.Start + 1
	if c.Pool.Size >= pool {
		return fmt.Errorf("pool size %d leaves no ports for sessions in range of %d", c.Pool.Size, pool)
	}

	if c.Proxy.Enabled {
		if c.Proxy.BaseDomain == "" {
			return fmt.Errorf("proxy base_domain is required when the proxy is enabled")
		}
		if c.Proxy.Port <= 0 || c.Proxy.Port > 65535 {
			return fmt.Errorf("invalid proxy port: %d", c.Proxy.Port)
		}
		if c.Proxy.Port == c.Server.Port && c.Proxy.Address == c.Server.Address {
			return fmt.Errorf("proxy and API server cannot share %s:%d", c.Server.Address, c.Server.Port)
		}
	}

	validProviders := map[string]bool{"docker": true, "runc": true, "fake": true}
	if !validProviders[c.Provider.Type] {
		return fmt.Errorf("invalid provider type: %s", c.Provider.Type)
	}
	if c.Provider.Image == "" {
		return fmt.Errorf("provider image is required")
	}
	if c.Provider.DaemonPort <= 0 || c.Provider.DaemonPort > 65535 {
		return fmt.Errorf("invalid daemon port: %d", c.Provider.DaemonPort)
	}

	if c.Storage.Enabled && c.Storage.DatabasePath == "" {
		return fmt.Errorf("database_path is required when storage is enabled")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"text":    true,
		"console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Tracing.Enabled {
		if c.Tracing.Exporter != "otlp" && c.Tracing.Exporter != "stdout" {
			return fmt.Errorf("invalid tracing exporter: %s", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0 || c.Tracing.SamplingRatio > 1 {
			return fmt.Errorf("tracing sampling_ratio must be within [0, 1]")
		}
	}

	return nil
}

// ServiceNames returns the singleton container names the reconciler must
// never treat as orphans, sorted.
func (c *Config) ServiceNames() []string {
	names := make([]string, 0, len(c.Services))
	for _, name := range c.Services {
		if name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
