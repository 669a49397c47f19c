package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/logging"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8000, cfg.Controller.API.Port)
	assert.Equal(t, "./tools.yaml", cfg.Controller.ToolsFile)
	assert.Equal(t, "http://controller:8000", cfg.Controller.CallbackURL)
	assert.Empty(t, cfg.Controller.DispatcherURL)
	assert.Equal(t, 30*time.Second, cfg.Controller.DispatchTimeout)
	assert.Greater(t, cfg.Controller.API.RequestTimeout, cfg.Controller.DispatchTimeout)
	assert.Equal(t, "l4sttr4in/scan-tools", cfg.Dispatcher.Registry)
	assert.Equal(t, "latest", cfg.Dispatcher.Tag)
	assert.Equal(t, "scan-system", cfg.Dispatcher.Namespace)
	assert.Nil(t, cfg.Dispatcher.TTLSecondsAfterFinished)
	assert.Equal(t, 10*time.Second, cfg.Worker.CallbackTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr bool
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "valid yaml config",
			file: "config.yaml",
			content: `
controller:
  tools_file: /etc/scanfleet/tools.yaml
  dispatcher_url: http://scanner-node-api:8000
dispatcher:
  registry: registry.local/tools
  tag: v2
  image_pull_policy: Never
  ttl_seconds_after_finished: 600
  address_rewrites:
    - internal: controller.scan-system.svc.cluster.local
      external: 10.0.0.5
`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/etc/scanfleet/tools.yaml", cfg.Controller.ToolsFile)
				assert.Equal(t, "http://scanner-node-api:8000", cfg.Controller.DispatcherURL)
				assert.Equal(t, "registry.local/tools", cfg.Dispatcher.Registry)
				assert.Equal(t, "Never", cfg.Dispatcher.ImagePullPolicy)
				require.NotNil(t, cfg.Dispatcher.TTLSecondsAfterFinished)
				assert.Equal(t, int32(600), *cfg.Dispatcher.TTLSecondsAfterFinished)
				require.Len(t, cfg.Dispatcher.AddressRewrites, 1)
				assert.Equal(t, "10.0.0.5", cfg.Dispatcher.AddressRewrites[0].External)
				assert.Equal(t, "scan-system", cfg.Dispatcher.Namespace)
			},
		},
		{
			name:    "valid json config",
			file:    "config.json",
			content: `{"dispatcher": {"namespace": "recon"}, "logging": {"level": "debug"}}`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "recon", cfg.Dispatcher.Namespace)
				assert.Equal(t, logging.LevelDebug, cfg.Logging.Level)
			},
		},
		{
			name:    "invalid yaml syntax",
			file:    "config.yaml",
			content: "controller: [unclosed",
			wantErr: true,
		},
		{
			name:    "invalid pull policy",
			file:    "config.yaml",
			content: "dispatcher:\n  image_pull_policy: Sometimes\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.file, tt.content))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"DATABASE_URL":            "postgres://scan:scan@db/scans",
		"SCANNER_NODE_URL":        "http://scanner-node-api:8000",
		"CONTROLLER_CALLBACK_URL": "http://controller.scan-system.svc.cluster.local:8000",
		"EXTERNAL_CONTROLLER_IP":  "10.102.199.42",
		"REGISTRY":                "example/scan-tools",
		"TAG":                     "  ",
		"LOG_LEVEL":               "WARNING",
		"LOG_FORMAT":              "json",
	}

	cfg := Default()
	cfg.ApplyEnv(func(key string) string { return env[key] })

	assert.Equal(t, "postgres://scan:scan@db/scans", cfg.Database.URL)
	assert.Equal(t, "http://scanner-node-api:8000", cfg.Controller.DispatcherURL)
	assert.Equal(t, "http://controller.scan-system.svc.cluster.local:8000", cfg.Controller.CallbackURL)
	assert.Equal(t, "example/scan-tools", cfg.Dispatcher.Registry)
	assert.Equal(t, "latest", cfg.Dispatcher.Tag, "blank values keep defaults")
	assert.Equal(t, logging.LevelWarn, cfg.Logging.Level)
	assert.Equal(t, logging.FormatJSON, cfg.Logging.Format)
	assert.Equal(t, []AddressRewrite{{
		Internal: "controller.scan-system.svc.cluster.local",
		External: "10.102.199.42",
	}}, cfg.Dispatcher.AddressRewrites)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"bad controller port", func(c *Config) { c.Controller.API.Port = 0 }, "controller.api.port"},
		{"missing dispatcher listen addr", func(c *Config) { c.Dispatcher.API.ListenAddr = "" }, "dispatcher.api.listen_addr"},
		{"missing registry", func(c *Config) { c.Dispatcher.Registry = "" }, "dispatcher.registry"},
		{"missing namespace", func(c *Config) { c.Dispatcher.Namespace = "" }, "dispatcher.namespace"},
		{"zero dispatch timeout", func(c *Config) { c.Controller.DispatchTimeout = 0 }, "controller.dispatch_timeout"},
		{"empty rewrite", func(c *Config) {
			c.Dispatcher.AddressRewrites = []AddressRewrite{{External: "1.2.3.4"}}
		}, "dispatcher.address_rewrites[0].internal"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)

			var cfgErr *errors.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestAPIAddress(t *testing.T) {
	assert.Equal(t, "0.0.0.0:8001", Default().Dispatcher.API.Address())
}
