package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/anstrom/scanfleet/internal/logging"
	"github.com/anstrom/scanfleet/internal/worker"
	"github.com/anstrom/scanfleet/internal/worker/tools"
)

var workerCmd = &cobra.Command{
	Use:   "worker <tool> [targets...]",
	Short: "Run one scan tool over a job's targets",
	Long: `Run a scan tool as a cluster job worker. Targets come from the TARGETS
environment variable (comma separated) or from the arguments. Each result is
posted to CONTROLLER_CALLBACK_URL as soon as it is ready.

Available tools: dns-lookup, port-scan, httpx-scan.`,
	Example: `  TARGETS=example.com,10.0.0.1 scanfleet worker dns-lookup
  scanfleet worker port-scan 10.0.0.1`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(_ *cobra.Command, args []string) error {
	settings, err := worker.LoadSettings(args[1:], os.Getenv)
	if err != nil {
		return err
	}
	settings.Tool = args[0]
	if !validTool(settings.Tool) {
		return fmt.Errorf("unknown tool %q (available: %s)", settings.Tool, strings.Join(tools.Names(), ", "))
	}

	if cfg, cfgErr := loadConfig(); cfgErr == nil && os.Getenv(worker.EnvTunnelEnabled) == "" {
		settings.Tunnel.Enabled = cfg.Worker.Tunnel.Enabled
	}

	logger := logging.Default().WithComponent("worker").WithTool(settings.Tool)
	if settings.JobID != "" {
		logger = logger.WithJobID(settings.JobID)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := worker.Run(ctx, settings, logger.Logger)
	if err != nil {
		return fmt.Errorf("%s scan failed: %w", settings.Tool, err)
	}

	fmt.Printf("%s scan completed: %d scanned, %d delivered, %d failed\n",
		settings.Tool, summary.Scanned, summary.Delivered, summary.Failed)
	return nil
}

// validTool reports whether name is a tool the worker can run.
func validTool(name string) bool {
	for _, n := range tools.Names() {
		if n == name {
			return true
		}
	}
	return false
}
