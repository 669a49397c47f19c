// Package config loads scanfleet configuration from YAML files and the
// process environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/anstrom/scanfleet/internal/db"
	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/logging"
)

// Config represents the complete scanfleet configuration.
type Config struct {
	// Job controller settings
	Controller ControllerConfig `yaml:"controller" json:"controller"`

	// Workload dispatcher settings
	Dispatcher DispatcherConfig `yaml:"dispatcher" json:"dispatcher"`

	// Scan worker settings
	Worker WorkerConfig `yaml:"worker" json:"worker"`

	// Database configuration
	Database db.Config `yaml:"database" json:"database"`

	// Logging configuration
	Logging logging.Config `yaml:"logging" json:"logging"`
}

// APIConfig holds HTTP server settings.
type APIConfig struct {
	// Listen address
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`

	// Listen port
	Port int `yaml:"port" json:"port"`

	// CORS settings
	CORS CORSConfig `yaml:"cors" json:"cors"`

	// Request timeout
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`

	// Maximum request size
	MaxRequestSize int64 `yaml:"max_request_size" json:"max_request_size"`

	// Serve /metrics and record request metrics
	MetricsEnabled bool `yaml:"metrics_enabled" json:"metrics_enabled"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" json:"allowed_headers"`
}

// ControllerConfig holds job controller settings.
type ControllerConfig struct {
	API APIConfig `yaml:"api" json:"api"`

	// Path to the tool catalog
	ToolsFile string `yaml:"tools_file" json:"tools_file"`

	// Base URL workers post results to
	CallbackURL string `yaml:"callback_url" json:"callback_url"`

	// Base URL of a remote dispatcher service. Empty dispatches in-process.
	DispatcherURL string `yaml:"dispatcher_url" json:"dispatcher_url"`

	// Upper bound on a single dispatch call
	DispatchTimeout time.Duration `yaml:"dispatch_timeout" json:"dispatch_timeout"`
}

// AddressRewrite maps a cluster-internal authority to one reachable from workers.
type AddressRewrite struct {
	Internal string `yaml:"internal" json:"internal"`
	External string `yaml:"external" json:"external"`
}

// DispatcherConfig holds workload dispatcher settings.
type DispatcherConfig struct {
	API APIConfig `yaml:"api" json:"api"`

	// Image registry prefix, e.g. "l4sttr4in/scan-tools"
	Registry string `yaml:"registry" json:"registry"`

	// Image tag
	Tag string `yaml:"tag" json:"tag"`

	// Namespace jobs are created in
	Namespace string `yaml:"namespace" json:"namespace"`

	// Kubeconfig path. Empty tries in-cluster config first.
	KubeConfig string `yaml:"kubeconfig" json:"kubeconfig"`

	// Always, IfNotPresent or Never
	ImagePullPolicy string `yaml:"image_pull_policy" json:"image_pull_policy"`

	// Callback URL rewrites, first match wins
	AddressRewrites []AddressRewrite `yaml:"address_rewrites" json:"address_rewrites"`

	// Optional retention for finished jobs; nil leaves cleanup to the cluster
	TTLSecondsAfterFinished *int32 `yaml:"ttl_seconds_after_finished" json:"ttl_seconds_after_finished"`
}

// WorkerConfig holds scan worker settings.
type WorkerConfig struct {
	// Timeout for one result callback
	CallbackTimeout time.Duration `yaml:"callback_timeout" json:"callback_timeout"`

	// Anonymizing tunnel settings
	Tunnel TunnelConfig `yaml:"tunnel" json:"tunnel"`
}

// TunnelConfig holds worker tunnel settings.
type TunnelConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	ConfigDir      string        `yaml:"config_dir" json:"config_dir"`
	Interface      string        `yaml:"interface" json:"interface"`
	IPEchoURL      string        `yaml:"ip_echo_url" json:"ip_echo_url"`
	StartupTimeout time.Duration `yaml:"startup_timeout" json:"startup_timeout"`
}

const (
	defaultControllerPort  = 8000
	defaultDispatcherPort  = 8001
	defaultMaxRequestSize  = 1024 * 1024
	defaultDispatchTimeout = 30 * time.Second
	defaultCallbackTimeout = 10 * time.Second
	defaultRequestTimeout  = 60 * time.Second
	defaultTunnelStartup   = 30 * time.Second
)

func defaultAPI(port int) APIConfig {
	return APIConfig{
		ListenAddr: "0.0.0.0",
		Port:       port,
		CORS: CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
		},
		RequestTimeout: defaultRequestTimeout,
		MaxRequestSize: defaultMaxRequestSize,
		MetricsEnabled: true,
	}
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Controller: ControllerConfig{
			API:             defaultAPI(defaultControllerPort),
			ToolsFile:       "./tools.yaml",
			CallbackURL:     "http://controller:8000",
			DispatchTimeout: defaultDispatchTimeout,
		},
		Dispatcher: DispatcherConfig{
			API:             defaultAPI(defaultDispatcherPort),
			Registry:        "l4sttr4in/scan-tools",
			Tag:             "latest",
			Namespace:       "scan-system",
			ImagePullPolicy: "IfNotPresent",
		},
		Worker: WorkerConfig{
			CallbackTimeout: defaultCallbackTimeout,
			Tunnel: TunnelConfig{
				ConfigDir:      "/vpn",
				Interface:      "tun0",
				IPEchoURL:      "https://api.ipify.org",
				StartupTimeout: defaultTunnelStartup,
			},
		},
		Database: db.DefaultConfig(),
		Logging:  logging.DefaultConfig(),
	}
}

// Load loads configuration from a file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	config := Default()

	if path == "" {
		return config, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// JSON is a subset of YAML, so one decoder covers both.
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filepath.Base(path), err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// ApplyEnv overlays the deployment environment variables onto c.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	set("DATABASE_URL", &c.Database.URL)
	set("SCANNER_NODE_URL", &c.Controller.DispatcherURL)
	set("CONTROLLER_CALLBACK_URL", &c.Controller.CallbackURL)
	set("TOOLS_FILE", &c.Controller.ToolsFile)
	set("REGISTRY", &c.Dispatcher.Registry)
	set("TAG", &c.Dispatcher.Tag)
	set("NAMESPACE", &c.Dispatcher.Namespace)
	set("KUBECONFIG", &c.Dispatcher.KubeConfig)

	if v := strings.TrimSpace(getenv("LOG_LEVEL")); v != "" {
		c.Logging.Level = logging.LogLevel(strings.ToLower(v))
		if c.Logging.Level == "warning" {
			c.Logging.Level = logging.LevelWarn
		}
	}
	if v := strings.TrimSpace(getenv("LOG_FORMAT")); v != "" {
		c.Logging.Format = logging.LogFormat(strings.ToLower(v))
	}

	if external := strings.TrimSpace(getenv("EXTERNAL_CONTROLLER_IP")); external != "" {
		internal := fmt.Sprintf("controller.%s.svc.cluster.local", c.Dispatcher.Namespace)
		c.Dispatcher.AddressRewrites = append([]AddressRewrite{{Internal: internal, External: external}},
			c.Dispatcher.AddressRewrites...)
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validateAPI("controller.api", c.Controller.API); err != nil {
		return err
	}
	if err := validateAPI("dispatcher.api", c.Dispatcher.API); err != nil {
		return err
	}

	if c.Controller.DispatchTimeout <= 0 {
		return errors.ErrConfigInvalid("controller.dispatch_timeout", c.Controller.DispatchTimeout)
	}
	if c.Dispatcher.Registry == "" {
		return errors.ErrConfigMissing("dispatcher.registry")
	}
	if c.Dispatcher.Namespace == "" {
		return errors.ErrConfigMissing("dispatcher.namespace")
	}

	validPullPolicies := map[string]bool{
		"":             true,
		"Always":       true,
		"IfNotPresent": true,
		"Never":        true,
	}
	if !validPullPolicies[c.Dispatcher.ImagePullPolicy] {
		return errors.ErrConfigInvalid("dispatcher.image_pull_policy", c.Dispatcher.ImagePullPolicy)
	}

	for i, rw := range c.Dispatcher.AddressRewrites {
		if rw.Internal == "" {
			return errors.ErrConfigMissing(fmt.Sprintf("dispatcher.address_rewrites[%d].internal", i))
		}
	}

	if c.Dispatcher.TTLSecondsAfterFinished != nil && *c.Dispatcher.TTLSecondsAfterFinished < 0 {
		return errors.ErrConfigInvalid("dispatcher.ttl_seconds_after_finished", *c.Dispatcher.TTLSecondsAfterFinished)
	}

	if c.Worker.CallbackTimeout <= 0 {
		return errors.ErrConfigInvalid("worker.callback_timeout", c.Worker.CallbackTimeout)
	}

	validLogLevels := map[logging.LogLevel]bool{
		logging.LevelDebug: true,
		logging.LevelInfo:  true,
		logging.LevelWarn:  true,
		logging.LevelError: true,
	}
	if !validLogLevels[c.Logging.Level] {
		return errors.ErrConfigInvalid("logging.level", c.Logging.Level)
	}

	validLogFormats := map[logging.LogFormat]bool{
		logging.FormatText: true,
		logging.FormatJSON: true,
	}
	if !validLogFormats[c.Logging.Format] {
		return errors.ErrConfigInvalid("logging.format", c.Logging.Format)
	}

	return nil
}

func validateAPI(prefix string, api APIConfig) error {
	if api.Port <= 0 || api.Port > 65535 {
		return errors.ErrConfigInvalid(prefix+".port", api.Port)
	}
	if api.ListenAddr == "" {
		return errors.ErrConfigMissing(prefix + ".listen_addr")
	}
	return nil
}

// Address returns host:port for an API listener.
func (a APIConfig) Address() string {
	return fmt.Sprintf("%s:%d", a.ListenAddr, a.Port)
}
