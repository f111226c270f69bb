package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shoalstore/shoal/internal/logger"
	"github.com/shoalstore/shoal/pkg/api"
	"github.com/shoalstore/shoal/pkg/config"
	"github.com/shoalstore/shoal/pkg/dataplane"
	"github.com/shoalstore/shoal/pkg/metadata"
	"github.com/shoalstore/shoal/pkg/metadata/badger"
	"github.com/shoalstore/shoal/pkg/metadata/memory"
	"github.com/shoalstore/shoal/pkg/metrics"
	"github.com/shoalstore/shoal/pkg/picker"
	"github.com/shoalstore/shoal/pkg/shark"
	"github.com/shoalstore/shoal/pkg/throttle"

	// Import prometheus metrics to register init() functions
	_ "github.com/shoalstore/shoal/pkg/metrics/prometheus"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the shoal server",
	Long: `Start the shoal server with the specified configuration.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/shoal/config.yaml.

Examples:
  # Start with default config
  shoald start

  # Start with a custom config file
  shoald start --config /etc/shoal/config.yaml

  # Start with environment variable overrides
  SHOAL_LOGGING_LEVEL=DEBUG shoald start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("configuration loaded",
		"port", cfg.Port,
		"metadata_backend", cfg.Metadata.Backend,
		"storage_nodes", len(cfg.StorageNodes),
	)

	metrics.InitRegistry()
	ops := metrics.NewOpsMetrics()

	idx, closeIndex, err := openIndex(cfg)
	if err != nil {
		return err
	}
	defer closeIndex()

	env := metadata.New(idx, metadata.StaticRoleResolver(cfg.Metadata.Roles), cfg.Metadata.Envelope)

	pick := picker.New(cfg.Placement, picker.NewStaticDirectory(cfg.StorageNodes, 100))
	go pick.Run(ctx)

	registry := shark.NewRegistry(cfg.Shark)

	thr := throttle.New(cfg.Throttle)
	defer thr.Stop()

	core := dataplane.New(env, pick, registry, ops, nil, cfg.Storage)

	handler := api.NewHandler(core, pick, thr, ops, nil, cfg.MaxRequestAge)
	server := api.NewServer(api.Config{
		Port:            cfg.Port,
		SocketTimeout:   cfg.SocketTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		MaxRequestAge:   cfg.MaxRequestAge,
	}, handler)

	// Cancel the server context on SIGINT/SIGTERM.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("signal received", "signal", sig.String())
		cancel()
	}()

	logger.Info("server is running")
	return server.Start(ctx)
}

// openIndex builds the configured metadata index. The returned closer
// is a no-op for backends without shutdown work.
func openIndex(cfg *config.Config) (metadata.Index, func(), error) {
	switch cfg.Metadata.Backend {
	case "badger":
		idx, err := badger.Open(cfg.Metadata.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open metadata index: %w", err)
		}
		return idx, func() {
			if err := idx.Close(); err != nil {
				logger.Error("metadata index close error", logger.KeyError, err)
			}
		}, nil
	case "memory":
		logger.Warn("using in-memory metadata index; records do not survive restart")
		return memory.New(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown metadata backend %q", cfg.Metadata.Backend)
	}
}
