package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/worker/tools"
)

// unknownIP is reported as scan_ip when no egress address is known.
const unknownIP = "Unknown"

const tunnelDownTimeout = 15 * time.Second

// Summary counts what a run did.
type Summary struct {
	Scanned   int
	Delivered int
	Failed    int
	VPNUsed   bool
}

// Runner executes one tool over every target of a job.
type Runner struct {
	settings Settings
	tool     tools.Tool
	tunnel   Tunnel
	probe    IPProber
	reporter *Reporter
	logger   *slog.Logger
}

// NewRunner wires a run. tunnel and probe may be nil.
func NewRunner(settings Settings, tool tools.Tool, tunnel Tunnel, probe IPProber,
	reporter *Reporter, logger *slog.Logger) *Runner {
	if tunnel == nil {
		tunnel = NoTunnel{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		settings: settings,
		tool:     tool,
		tunnel:   tunnel,
		probe:    probe,
		reporter: reporter,
		logger:   logger.With("component", "worker", "tool", tool.Name(), "job_id", settings.JobID),
	}
}

// Run scans the targets in order and delivers each result as soon as it is
// ready. Delivery failures are logged and do not stop the run; only context
// cancellation does.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	var summary Summary

	initialIP := r.publicIP(ctx)
	r.logger.Info("Starting scan", "targets", r.settings.Targets, "initial_ip", initialIP)

	info, vpnUsed := r.setupTunnel(ctx)
	defer r.teardownTunnel()
	summary.VPNUsed = vpnUsed

	metadata := r.baseMetadata(initialIP, info, vpnUsed)

	limiter := r.limiter()
	for _, target := range r.settings.Targets {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return summary, fmt.Errorf("scan interrupted: %w", err)
			}
		}
		if err := ctx.Err(); err != nil {
			return summary, fmt.Errorf("scan interrupted: %w", err)
		}

		result := r.scanTarget(ctx, target, metadata)
		summary.Scanned++

		if err := r.reporter.Report(ctx, result); err != nil {
			summary.Failed++
			r.logger.Error("Failed to send result to controller", "target", target, "error", err)
			continue
		}
		if r.reporter.Enabled() {
			summary.Delivered++
		}
	}

	r.logger.Info("Scan completed",
		"scanned", summary.Scanned,
		"delivered", summary.Delivered,
		"failed", summary.Failed)
	return summary, nil
}

func (r *Runner) scanTarget(ctx context.Context, target string, base map[string]interface{}) Result {
	finding, err := r.tool.Scan(ctx, target, r.settings.Options)
	if err != nil {
		r.logger.Warn("Target resolution failed", "target", target, "error", err)
	}
	if len(finding.ResolvedIPs) == 0 {
		finding.ResolvedIPs = []string{target}
	}
	if finding.OpenPorts == nil {
		finding.OpenPorts = []int64{}
	}

	metadata := make(map[string]interface{}, len(base)+len(finding.Metadata))
	for k, v := range finding.Metadata {
		metadata[k] = v
	}
	for k, v := range base {
		metadata[k] = v
	}

	return Result{
		Target:       target,
		ResolvedIPs:  finding.ResolvedIPs,
		OpenPorts:    finding.OpenPorts,
		ScanMetadata: metadata,
	}
}

func (r *Runner) publicIP(ctx context.Context) string {
	if r.probe == nil {
		return unknownIP
	}
	ip, err := r.probe.PublicIP(ctx)
	if err != nil {
		r.logger.Debug("Failed to discover public IP", "error", err)
		return unknownIP
	}
	return ip
}

func (r *Runner) setupTunnel(ctx context.Context) (NetworkInfo, bool) {
	info, err := r.tunnel.Up(ctx)
	if err != nil {
		if !stderrors.Is(err, ErrTunnelDisabled) {
			r.logger.Warn("VPN connection failed, continuing without VPN", "error", err)
		}
		return NetworkInfo{}, false
	}
	return info, true
}

func (r *Runner) teardownTunnel() {
	ctx, cancel := context.WithTimeout(context.Background(), tunnelDownTimeout)
	defer cancel()
	if err := r.tunnel.Down(ctx); err != nil {
		r.logger.Error("Failed to disconnect VPN", "error", err)
	}
}

// baseMetadata builds the fields every result carries. Without a tunnel the
// initial egress address is the scan address.
func (r *Runner) baseMetadata(initialIP string, info NetworkInfo, vpnUsed bool) map[string]interface{} {
	meta := map[string]interface{}{
		"tool":          r.tool.Name(),
		"job_id":        nullable(r.settings.JobID),
		"vpn_used":      vpnUsed,
		"scan_ip":       initialIP,
		"vpn_local_ip":  nil,
		"tun_interface": false,
	}
	if vpnUsed {
		meta["scan_ip"] = unknownIP
		if info.PublicIP != "" {
			meta["scan_ip"] = info.PublicIP
		}
		meta["vpn_local_ip"] = nullable(info.LocalIP)
		meta["tun_interface"] = info.TunInterface
	}
	return meta
}

func (r *Runner) limiter() *rate.Limiter {
	perSecond, ok := tools.FloatOption(r.settings.Options, "rate")
	if !ok || perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// NewTunnel picks the tunnel implementation for settings.
func NewTunnel(settings Settings, logger *slog.Logger) Tunnel {
	if !settings.Tunnel.Enabled {
		return NoTunnel{}
	}
	return NewOpenVPNTunnel(settings.Tunnel, NewHTTPIPProbe(settings.Tunnel.IPEchoURL), logger)
}

// Run loads the tool named in settings and executes the job end to end.
func Run(ctx context.Context, settings Settings, logger *slog.Logger) (Summary, error) {
	if len(settings.Targets) == 0 {
		return Summary{}, errors.ErrValidation("no targets given")
	}
	tool, err := tools.New(settings.Tool, logger)
	if err != nil {
		return Summary{}, err
	}
	runner := NewRunner(settings, tool, NewTunnel(settings, logger),
		NewHTTPIPProbe(settings.Tunnel.IPEchoURL),
		NewReporter(settings.CallbackURL, settings.CallbackTimeout, logger), logger)
	return runner.Run(ctx)
}
