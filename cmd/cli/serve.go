package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	corev1 "k8s.io/api/core/v1"

	"github.com/anstrom/scanfleet/internal/api"
	"github.com/anstrom/scanfleet/internal/catalog"
	"github.com/anstrom/scanfleet/internal/config"
	"github.com/anstrom/scanfleet/internal/controller"
	"github.com/anstrom/scanfleet/internal/db"
	"github.com/anstrom/scanfleet/internal/dispatcher"
	"github.com/anstrom/scanfleet/internal/logging"
	"github.com/anstrom/scanfleet/internal/metrics"
)

const databaseTimeout = 5 * time.Second

// Server command flags.
var (
	serverHost string
	serverPort int
)

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run the job controller API",
	Long: `Run the job controller. It loads the tool catalog, migrates the
database, and serves the scan submission and result collection API.

Jobs are dispatched in-process to the cluster unless a remote dispatcher
is configured with SCANNER_NODE_URL or controller.dispatcher_url.`,
	Example: `  scanfleet controller
  scanfleet controller --port 8000 --config /etc/scanfleet/config.yaml`,
	RunE: runController,
}

var dispatcherCmd = &cobra.Command{
	Use:   "dispatcher",
	Short: "Run the workload dispatcher service",
	Long: `Run the dispatcher service, which turns execution requests into
Kubernetes jobs in the configured namespace.`,
	Example: `  scanfleet dispatcher --port 8001`,
	RunE:    runDispatcher,
}

func init() {
	for _, cmd := range []*cobra.Command{controllerCmd, dispatcherCmd} {
		cmd.Flags().StringVar(&serverHost, "host", "", "listen address (overrides config)")
		cmd.Flags().IntVar(&serverPort, "port", 0, "listen port (overrides config)")
		rootCmd.AddCommand(cmd)
	}
}

func applyListenFlags(apiCfg *config.APIConfig) {
	if serverHost != "" {
		apiCfg.ListenAddr = serverHost
	}
	if serverPort > 0 {
		apiCfg.Port = serverPort
	}
}

func runController(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyListenFlags(&cfg.Controller.API)
	logger := logging.Default().WithComponent("controller")

	tools, err := catalog.Load(cfg.Controller.ToolsFile)
	if err != nil {
		return fmt.Errorf("failed to load tool catalog: %w", err)
	}
	logger.Info("Tool catalog loaded", "path", cfg.Controller.ToolsFile, "tools", tools.Names())

	logger.Info("Connecting to database...")
	database, err := db.ConnectAndMigrate(context.Background(), &cfg.Database, logger.Logger)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer func() {
		if closeErr := database.Close(); closeErr != nil {
			logger.ErrorDatabase("Failed to close database connection", closeErr)
		}
	}()

	pingCtx, cancel := context.WithTimeout(context.Background(), databaseTimeout)
	defer cancel()
	if err := database.Ping(pingCtx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	logger.InfoDatabase("Database connection successful", "host", cfg.Database.Host)

	registry := metrics.NewRegistry()
	registry.SetEnabled(cfg.Controller.API.MetricsEnabled)
	d, mode, err := buildDispatcher(cfg, registry, logger)
	if err != nil {
		return err
	}

	service := controller.NewService(db.NewStore(database), d, tools, controller.Config{
		CallbackURL:     cfg.Controller.CallbackURL,
		DispatchTimeout: cfg.Controller.DispatchTimeout,
		DispatchMode:    mode,
	}, logger.Logger, registry)

	logger.Info("Starting scanfleet controller",
		"version", version,
		"commit", commit,
		"build_time", buildTime,
		"address", cfg.Controller.API.Address(),
		"dispatch_mode", mode)

	server := api.NewControllerServer(cfg.Controller.API, service, registry, logger.Logger, version)
	return serveUntilSignal(server, logger)
}

func runDispatcher(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyListenFlags(&cfg.Dispatcher.API)
	logger := logging.Default().WithComponent("dispatcher")

	registry := metrics.NewRegistry()
	registry.SetEnabled(cfg.Dispatcher.API.MetricsEnabled)
	d, err := newClusterDispatcher(cfg.Dispatcher, registry, logger)
	if err != nil {
		return err
	}

	logger.Info("Starting scanfleet dispatcher",
		"version", version,
		"address", cfg.Dispatcher.API.Address(),
		"namespace", cfg.Dispatcher.Namespace,
		"registry", cfg.Dispatcher.Registry)

	server := api.NewDispatcherServer(cfg.Dispatcher.API, d, registry, logger.Logger)
	return serveUntilSignal(server, logger)
}

// buildDispatcher picks the remote dispatcher when one is configured and the
// in-process cluster dispatcher otherwise.
func buildDispatcher(cfg *config.Config, registry metrics.Recorder,
	logger *logging.Logger) (dispatcher.Dispatcher, string, error) {
	if cfg.Controller.DispatcherURL != "" {
		logger.Info("Dispatching through remote service", "url", cfg.Controller.DispatcherURL)
		return dispatcher.NewHTTPClient(cfg.Controller.DispatcherURL, cfg.Controller.DispatchTimeout,
			logger.Logger), "remote", nil
	}
	d, err := newClusterDispatcher(cfg.Dispatcher, registry, logger)
	if err != nil {
		return nil, "", err
	}
	return d, "cluster", nil
}

func newClusterDispatcher(cfg config.DispatcherConfig, registry metrics.Recorder,
	logger *logging.Logger) (*dispatcher.ClusterDispatcher, error) {
	client, err := dispatcher.NewKubeClientFromConfig(cfg.KubeConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster client: %w", err)
	}

	rewrites := make([]dispatcher.Rewrite, 0, len(cfg.AddressRewrites))
	for _, rw := range cfg.AddressRewrites {
		rewrites = append(rewrites, dispatcher.Rewrite{Internal: rw.Internal, External: rw.External})
	}

	return dispatcher.NewClusterDispatcher(buildConfig(cfg), dispatcher.NewAddressTranslator(rewrites...), client,
		dispatcher.WithLogger(logger.Logger),
		dispatcher.WithMetrics(registry)), nil
}

func buildConfig(cfg config.DispatcherConfig) dispatcher.BuildConfig {
	return dispatcher.BuildConfig{
		Registry:                cfg.Registry,
		Tag:                     cfg.Tag,
		Namespace:               cfg.Namespace,
		ImagePullPolicy:         corev1.PullPolicy(cfg.ImagePullPolicy),
		TTLSecondsAfterFinished: cfg.TTLSecondsAfterFinished,
	}
}

// serveUntilSignal runs server until SIGINT or SIGTERM.
func serveUntilSignal(server *api.Server, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Listening on %s\n", server.GetAddress())
	if err := server.Start(ctx); err != nil {
		logger.Error("API server error", "error", err)
		return err
	}
	fmt.Println("Server stopped successfully")
	return nil
}
