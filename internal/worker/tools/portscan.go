package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/Ullaakut/nmap/v3"
)

// DefaultPorts is scanned when the job does not name any ports.
const DefaultPorts = "22,80,443,8080,8443"

// ScanFunc runs an nmap scan of target over ports.
type ScanFunc func(ctx context.Context, target, ports string) (*nmap.Run, error)

// NmapRunner performs a TCP connect scan with the local nmap binary.
func NmapRunner(ctx context.Context, target, ports string) (*nmap.Run, error) {
	scanner, err := nmap.NewScanner(ctx,
		nmap.WithTargets(target),
		nmap.WithPorts(ports),
		nmap.WithConnectScan(),
		nmap.WithSkipHostDiscovery(),
		nmap.WithTimingTemplate(nmap.TimingNormal),
	)
	if err != nil {
		return nil, fmt.Errorf("create scanner: %w", err)
	}

	result, warnings, err := scanner.Run()
	if err != nil {
		return nil, fmt.Errorf("run scan: %w", err)
	}
	if warnings != nil && len(*warnings) > 0 {
		slog.Debug("Scan completed with warnings", "target", target, "warnings", *warnings)
	}
	return result, nil
}

// PortScan reports the open TCP ports of each target.
type PortScan struct {
	scan     ScanFunc
	resolver Resolver
	logger   *slog.Logger
}

// NewPortScan creates the port-scan tool.
func NewPortScan(scan ScanFunc, resolver Resolver, logger *slog.Logger) *PortScan {
	return &PortScan{scan: scan, resolver: resolver, logger: logger}
}

// Name implements Tool.
func (p *PortScan) Name() string { return NamePortScan }

// Scan implements Tool. Addresses come from the hosts nmap reports; a target
// nmap could not resolve falls back to a DNS lookup.
func (p *PortScan) Scan(ctx context.Context, target string, options map[string]interface{}) (Finding, error) {
	ports := StringOption(options, "ports", DefaultPorts)

	run, err := p.scan(ctx, target, ports)
	if err != nil {
		p.logger.Error("Port scan failed", "target", target, "ports", ports, "error", err)
		ips, _ := Resolve(ctx, p.resolver, target)
		return Finding{ResolvedIPs: ips, OpenPorts: []int64{}}, err
	}

	finding := convertRun(run)
	finding.Metadata = map[string]interface{}{"ports_scanned": ports}

	if len(finding.ResolvedIPs) == 0 {
		ips, resolveErr := Resolve(ctx, p.resolver, target)
		finding.ResolvedIPs = ips
		if resolveErr != nil {
			return finding, resolveErr
		}
	}

	p.logger.Info("Port scan completed",
		"target", target,
		"open_ports", finding.OpenPorts,
		"resolved_ips", finding.ResolvedIPs)
	return finding, nil
}

// convertRun collects host addresses and open ports from an nmap run.
func convertRun(run *nmap.Run) Finding {
	finding := Finding{OpenPorts: []int64{}}
	if run == nil {
		return finding
	}

	seen := make(map[int64]bool)
	for i := range run.Hosts {
		h := &run.Hosts[i]
		for _, addr := range h.Addresses {
			if addr.AddrType == "mac" || addr.Addr == "" {
				continue
			}
			finding.ResolvedIPs = append(finding.ResolvedIPs, addr.Addr)
		}
		for j := range h.Ports {
			port := &h.Ports[j]
			if port.State.State != "open" {
				continue
			}
			id := int64(port.ID)
			if !seen[id] {
				seen[id] = true
				finding.OpenPorts = append(finding.OpenPorts, id)
			}
		}
	}

	finding.ResolvedIPs = dedupe(finding.ResolvedIPs)
	sort.Slice(finding.OpenPorts, func(a, b int) bool { return finding.OpenPorts[a] < finding.OpenPorts[b] })
	return finding
}
