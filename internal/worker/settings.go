// Package worker implements the scan worker protocol: read the job from the
// environment, optionally route traffic through a tunnel, scan each target
// and deliver every result to the controller callback.
package worker

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/anstrom/scanfleet/internal/config"
	"github.com/anstrom/scanfleet/internal/dispatcher"
	"github.com/anstrom/scanfleet/internal/errors"
)

// Tunnel environment variables read by LoadSettings.
const (
	EnvTunnelEnabled   = "VPN_ENABLED"
	EnvTunnelConfigDir = "VPN_CONFIG_DIR"
	EnvTunnelInterface = "VPN_INTERFACE"
	EnvIPEchoURL       = "IP_ECHO_URL"
	EnvCallbackTimeout = "CALLBACK_TIMEOUT"
)

// Settings describes one worker run.
type Settings struct {
	Tool            string
	JobID           string
	Targets         []string
	CallbackURL     string
	Options         map[string]interface{}
	CallbackTimeout time.Duration
	Tunnel          config.TunnelConfig
}

// LoadSettings reads the job from getenv. TARGETS wins over args; both are
// trimmed and blank entries dropped.
func LoadSettings(args []string, getenv func(string) string) (Settings, error) {
	defaults := config.Default().Worker
	s := Settings{
		JobID:           strings.TrimSpace(getenv(dispatcher.EnvJobID)),
		CallbackURL:     strings.TrimSuffix(strings.TrimSpace(getenv(dispatcher.EnvCallbackURL)), "/"),
		Options:         map[string]interface{}{},
		CallbackTimeout: defaults.CallbackTimeout,
		Tunnel:          defaults.Tunnel,
	}

	if raw := getenv(dispatcher.EnvTargets); strings.TrimSpace(raw) != "" {
		s.Targets = splitTargets(strings.Split(raw, ","))
	} else {
		s.Targets = splitTargets(args)
	}

	if raw := strings.TrimSpace(getenv(dispatcher.EnvScanOptions)); raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.Options); err != nil {
			return Settings{}, errors.ErrValidation(fmt.Sprintf("%s is not a JSON object: %v", dispatcher.EnvScanOptions, err))
		}
	}

	if raw := strings.TrimSpace(getenv(EnvTunnelEnabled)); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return Settings{}, errors.ErrConfigInvalid(EnvTunnelEnabled, raw)
		}
		s.Tunnel.Enabled = enabled
	}
	if v := strings.TrimSpace(getenv(EnvTunnelConfigDir)); v != "" {
		s.Tunnel.ConfigDir = v
	}
	if v := strings.TrimSpace(getenv(EnvTunnelInterface)); v != "" {
		s.Tunnel.Interface = v
	}
	if v := strings.TrimSpace(getenv(EnvIPEchoURL)); v != "" {
		s.Tunnel.IPEchoURL = v
	}
	if raw := strings.TrimSpace(getenv(EnvCallbackTimeout)); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return Settings{}, errors.ErrConfigInvalid(EnvCallbackTimeout, raw)
		}
		s.CallbackTimeout = d
	}

	return s, nil
}

func splitTargets(values []string) []string {
	targets := make([]string, 0, len(values))
	for _, v := range values {
		if t := strings.TrimSpace(v); t != "" {
			targets = append(targets, t)
		}
	}
	return targets
}
