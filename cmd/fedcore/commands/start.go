package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/marmos91/fedcore/internal/logger"
	"github.com/marmos91/fedcore/internal/telemetry"
	"github.com/marmos91/fedcore/pkg/api"
	"github.com/marmos91/fedcore/pkg/broker"
	"github.com/marmos91/fedcore/pkg/config"
	"github.com/marmos91/fedcore/pkg/metrics"
	"github.com/marmos91/fedcore/pkg/routing"

	// Import prometheus metrics to register the fabric backend.
	_ "github.com/marmos91/fedcore/pkg/metrics/prometheus"
)

var (
	flagName      string
	flagCoreType  string
	flagBroker    string
	flagFederates int
	flagTimeout   time.Duration
	flagLogLevel  int
)

// logLevelNames maps the numeric CLI log levels onto logger levels. Levels
// 5 and above enable DEBUG.
var logLevelNames = map[int]string{
	0: "ERROR",
	1: "ERROR",
	2: "WARN",
	3: "INFO",
	4: "INFO",
	5: "DEBUG",
	6: "DEBUG",
	7: "DEBUG",
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a fedcore broker",
	Long: `Start a fedcore broker or core.

Without --broker the process runs as the root broker of a new federation and
owns the authoritative name directory. With --broker it registers as a child
core with the given parent.

Examples:
  # Root broker on the default endpoint
  fedcore start --name root

  # Child core connecting to a parent broker
  fedcore start --name child1 --broker tcp://parent:9500

  # Override a key set in the config file via environment
  FEDCORE_LOGGING_LEVEL=DEBUG fedcore start`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&flagName, "name", "", "federate or broker name")
	startCmd.Flags().StringVar(&flagCoreType, "core-type", "", "transport type (tcp|inproc|test)")
	startCmd.Flags().StringVar(&flagBroker, "broker", "", "parent broker endpoint")
	startCmd.Flags().IntVar(&flagFederates, "federates", 0, "expected child count for a broker")
	startCmd.Flags().DurationVar(&flagTimeout, "timeout", 0, "connection and grant timeout")
	startCmd.Flags().IntVar(&flagLogLevel, "log-level", -1, "log verbosity 0..7")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}
	applyFlagOverrides(cfg, cmd)
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}()

	var fabricMetrics metrics.FabricMetrics
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		fabricMetrics = metrics.NewFabricMetrics()
		go serveMetrics(cfg.Metrics.Port)
	}

	adapter, err := transportAdapter(cfg.CoreType)
	if err != nil {
		return err
	}

	registry := broker.NewRegistry()
	routes := routing.NewRouteTable(fabricMetrics)
	defer routes.Close()
	core := broker.NewCore(registry, routes, fabricMetrics)

	logger.Info("Starting fedcore",
		"name", cfg.Name,
		"version", Version,
		"core_type", cfg.CoreType,
		"federation", registry.FederationID())

	if cfg.API.Enabled {
		apiServer := api.NewServer(registry, cfg.API.Port)
		go func() {
			if err := apiServer.Serve(ctx); err != nil {
				logger.Error("API server failed", "error", err)
			}
		}()
	}

	if cfg.Broker != "" {
		link, err := broker.Connect(core, adapter, routes, cfg.Listen, cfg.Broker, fabricMetrics, cfg.Timeout)
		if err != nil {
			return err
		}
		defer link.Close()
		logger.Info("Registered with parent broker",
			"parent", cfg.Broker,
			"core_id", link.CoreID(),
			"federation", link.FederationID())
		<-ctx.Done()
		return nil
	}

	server := broker.NewServer(core, adapter, routes, cfg.Listen, fabricMetrics)
	if cfg.Federates > 0 {
		go waitForChildren(ctx, server, cfg.Federates, cfg.Timeout)
	}
	return server.Serve(ctx)
}

// applyFlagOverrides gives CLI flags the highest precedence.
func applyFlagOverrides(cfg *config.Config, cmd *cobra.Command) {
	if cmd.Flags().Changed("name") {
		cfg.Name = flagName
	}
	if cmd.Flags().Changed("core-type") {
		cfg.CoreType = flagCoreType
	}
	if cmd.Flags().Changed("broker") {
		cfg.Broker = flagBroker
	}
	if cmd.Flags().Changed("federates") {
		cfg.Federates = flagFederates
	}
	if cmd.Flags().Changed("timeout") {
		cfg.Timeout = flagTimeout
	}
	if cmd.Flags().Changed("log-level") {
		if name, ok := logLevelNames[flagLogLevel]; ok {
			cfg.Logging.Level = name
		}
	}
}

// transportAdapter resolves the comms adapter for a core type. The "test"
// type is an in-process network, used by harnesses.
func transportAdapter(coreType string) (routing.CommsAdapter, error) {
	switch coreType {
	case "tcp":
		return routing.NewTCPAdapter(), nil
	case "inproc", "test":
		return routing.NewInprocNetwork().Adapter(), nil
	default:
		return nil, fmt.Errorf("%w: core type %q", routing.ErrUnsupportedTransport, coreType)
	}
}

// waitForChildren reports when the expected child cores have registered, or
// warns once the connection timeout elapses first.
func waitForChildren(ctx context.Context, server *broker.Server, expected int, timeout time.Duration) {
	deadline := time.After(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			logger.Warn("Expected child cores did not all register",
				"expected", expected,
				"registered", server.PeerCount())
			return
		case <-ticker.C:
			if server.PeerCount() >= expected {
				logger.Info("All expected child cores registered", "count", expected)
				return
			}
		}
	}
}

func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
	addr := fmt.Sprintf(":%d", port)
	logger.Info("Metrics server listening", "addr", addr)
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := server.ListenAndServe(); err != nil {
		logger.Error("Metrics server failed", "error", err)
	}
}
