package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/anstrom/scanfleet/internal/config"
	"github.com/anstrom/scanfleet/internal/errors"
)

const (
	ipProbeTimeout     = 10 * time.Second
	tunnelStopTimeout  = 10 * time.Second
	tunnelPollInterval = 500 * time.Millisecond
	maxIPResponse      = 256
)

// ErrTunnelDisabled is returned by NoTunnel.Up.
var ErrTunnelDisabled = stderrors.New("tunnel disabled")

// NetworkInfo describes the egress path once a tunnel is up.
type NetworkInfo struct {
	PublicIP     string
	LocalIP      string
	TunInterface string
}

// Tunnel isolates worker traffic behind a VPN.
type Tunnel interface {
	Up(ctx context.Context) (NetworkInfo, error)
	Down(ctx context.Context) error
}

// NoTunnel sends traffic directly.
type NoTunnel struct{}

// Up always reports ErrTunnelDisabled.
func (NoTunnel) Up(context.Context) (NetworkInfo, error) { return NetworkInfo{}, ErrTunnelDisabled }

// Down is a no-op.
func (NoTunnel) Down(context.Context) error { return nil }

// IPProber discovers the public egress address.
type IPProber interface {
	PublicIP(ctx context.Context) (string, error)
}

// HTTPIPProbe asks an echo service for the caller's address.
type HTTPIPProbe struct {
	url    string
	client *http.Client
}

// NewHTTPIPProbe creates a probe against url.
func NewHTTPIPProbe(url string) *HTTPIPProbe {
	return &HTTPIPProbe{url: url, client: &http.Client{Timeout: ipProbeTimeout}}
}

// PublicIP implements IPProber.
func (p *HTTPIPProbe) PublicIP(ctx context.Context) (string, error) {
	if p.url == "" {
		return "", fmt.Errorf("no IP echo service configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, http.NoBody)
	if err != nil {
		return "", err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("IP echo service returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxIPResponse))
	if err != nil {
		return "", err
	}
	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("IP echo service returned %q", ip)
	}
	return ip, nil
}

// InterfaceAddrFunc returns the first IPv4 address of the named interface.
type InterfaceAddrFunc func(name string) (string, error)

// OpenVPNTunnel runs openvpn with a randomly chosen profile.
type OpenVPNTunnel struct {
	cfg    config.TunnelConfig
	probe  IPProber
	logger *slog.Logger

	command       func(ctx context.Context, profile, iface string) *exec.Cmd
	interfaceAddr InterfaceAddrFunc
	pick          func(n int) int

	cmd    *exec.Cmd
	exited chan error
}

// NewOpenVPNTunnel creates a tunnel from cfg.
func NewOpenVPNTunnel(cfg config.TunnelConfig, probe IPProber, logger *slog.Logger) *OpenVPNTunnel {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenVPNTunnel{
		cfg:           cfg,
		probe:         probe,
		logger:        logger.With("component", "tunnel"),
		command:       openvpnCommand,
		interfaceAddr: firstIPv4,
		pick:          rand.Intn,
	}
}

func openvpnCommand(_ context.Context, profile, iface string) *exec.Cmd {
	// Not bound to ctx: the process must outlive Up and is stopped by Down.
	cmd := exec.Command("openvpn", "--config", profile, "--dev", iface)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd
}

// Profiles lists the .ovpn files in the config directory.
func (t *OpenVPNTunnel) Profiles() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(t.cfg.ConfigDir, "*.ovpn"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// Up starts openvpn and waits for the tun interface to receive an address.
func (t *OpenVPNTunnel) Up(ctx context.Context) (NetworkInfo, error) {
	profiles, err := t.Profiles()
	if err != nil {
		return NetworkInfo{}, errors.ErrTunnel("Failed to list VPN profiles", err)
	}
	if len(profiles) == 0 {
		return NetworkInfo{}, errors.ErrTunnel("No VPN profiles found",
			fmt.Errorf("no .ovpn files in %s", t.cfg.ConfigDir))
	}
	profile := profiles[t.pick(len(profiles))]
	t.logger.Info("Starting VPN", "profile", filepath.Base(profile), "interface", t.cfg.Interface)

	cmd := t.command(ctx, profile, t.cfg.Interface)
	if err := cmd.Start(); err != nil {
		return NetworkInfo{}, errors.ErrTunnel("Failed to start openvpn", err)
	}
	t.cmd = cmd
	t.exited = make(chan error, 1)
	go func() { t.exited <- cmd.Wait() }()

	localIP, err := t.waitForInterface(ctx)
	if err != nil {
		t.stop()
		return NetworkInfo{}, errors.ErrTunnel("VPN interface did not come up", err)
	}

	info := NetworkInfo{LocalIP: localIP, TunInterface: t.cfg.Interface}
	if t.probe != nil {
		if ip, probeErr := t.probe.PublicIP(ctx); probeErr == nil {
			info.PublicIP = ip
		} else {
			t.logger.Warn("Failed to discover public IP through VPN", "error", probeErr)
		}
	}

	t.logger.Info("VPN connected",
		"interface", info.TunInterface,
		"local_ip", info.LocalIP,
		"public_ip", info.PublicIP)
	return info, nil
}

func (t *OpenVPNTunnel) waitForInterface(ctx context.Context) (string, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = tunnelPollInterval
	expBackoff.MaxInterval = 2 * time.Second
	expBackoff.MaxElapsedTime = t.cfg.StartupTimeout

	var addr string
	operation := func() error {
		select {
		case err := <-t.exited:
			t.exited <- err
			return backoff.Permanent(fmt.Errorf("openvpn exited: %v", err))
		default:
		}
		a, err := t.interfaceAddr(t.cfg.Interface)
		if err != nil {
			return err
		}
		addr = a
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return "", err
	}
	return addr, nil
}

// Down stops openvpn. It is safe to call when Up failed or never ran.
func (t *OpenVPNTunnel) Down(ctx context.Context) error {
	if t.cmd == nil {
		return nil
	}
	t.logger.Info("Disconnecting VPN", "interface", t.cfg.Interface)
	return t.stopContext(ctx)
}

func (t *OpenVPNTunnel) stop() {
	_ = t.stopContext(context.Background())
}

func (t *OpenVPNTunnel) stopContext(ctx context.Context) error {
	cmd := t.cmd
	t.cmd = nil
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)

	timer := time.NewTimer(tunnelStopTimeout)
	defer timer.Stop()
	select {
	case <-t.exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := cmd.Process.Kill(); err != nil && !stderrors.Is(err, os.ErrProcessDone) {
		return errors.ErrTunnel("Failed to stop openvpn", err)
	}
	<-t.exited
	return nil
}

func firstIPv4(name string) (string, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return "", err
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.To4() != nil {
			return ipNet.IP.String(), nil
		}
	}
	return "", fmt.Errorf("interface %s has no IPv4 address", name)
}
