package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dashlink/dashlink/internal/bus"
	"github.com/dashlink/dashlink/internal/config"
	"github.com/dashlink/dashlink/internal/database"
	"github.com/dashlink/dashlink/internal/gateway"
	"github.com/dashlink/dashlink/internal/ingest"
	"github.com/dashlink/dashlink/internal/mux"
	"github.com/dashlink/dashlink/internal/observability"
	"github.com/dashlink/dashlink/internal/registry"
	"github.com/dashlink/dashlink/internal/repository"
	"github.com/dashlink/dashlink/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dashlink servers",
	Long: `Start the JT808 signaling listener, the JT1078 video listener, the
command consumer and the HTTP gateway in one process.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("signaling-port", 0, "JT808 listen port")
	serveCmd.Flags().Int("video-port", 0, "JT1078 listen port")
	serveCmd.Flags().String("public-ip", "", "server IP placed inside AV request bodies")
	serveCmd.Flags().Int("http-port", 0, "HTTP gateway listen port")
}

// applyFlagOverrides lets explicitly-set CLI flags win over env and config
// file values.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("signaling-port") {
		cfg.Ingest.SignalingPort, _ = cmd.Flags().GetInt("signaling-port")
	}
	if cmd.Flags().Changed("video-port") {
		cfg.Ingest.VideoPort, _ = cmd.Flags().GetInt("video-port")
	}
	if cmd.Flags().Changed("public-ip") {
		cfg.Ingest.PublicIP, _ = cmd.Flags().GetString("public-ip")
	}
	if cmd.Flags().Changed("http-port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("http-port")
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cmd, cfg)

	logger := observability.NewLogger(cfg.Logging)
	observability.SetDefault(logger)
	logger.Info("starting dashlink", "version", version.Short())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage.
	db, err := database.New(cfg.Database, observability.WithComponent(logger, "database"))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}

	deviceRepo := repository.NewDeviceRepository(db.DB)
	connRepo := repository.NewConnectionRepository(db.DB)
	locationRepo := repository.NewLocationRepository(db.DB)
	streamRepo := repository.NewStreamRepository(db.DB)

	// Fan-out bus.
	fanout, err := bus.NewRedisBus(ctx, cfg.Redis, observability.WithComponent(logger, "bus"))
	if err != nil {
		return fmt.Errorf("connecting bus: %w", err)
	}
	defer fanout.Close()

	// Ingest node.
	sessions := registry.New(observability.WithComponent(logger, "registry"))
	muxer := mux.NewManager(cfg.Ingest.StreamFPS, observability.WithComponent(logger, "mux"))

	router := ingest.NewRouter(
		observability.WithComponent(logger, "router"),
		sessions, deviceRepo, connRepo, locationRepo,
		cfg.Ingest.WriteTimeout,
	)
	signaling := ingest.NewSignalingServer(cfg.Ingest,
		observability.WithComponent(logger, "signaling"), router, connRepo)
	video := ingest.NewVideoServer(cfg.Ingest,
		observability.WithComponent(logger, "video"), muxer, fanout)
	consumer := ingest.NewCommandConsumer(cfg.Ingest,
		observability.WithComponent(logger, "commands"), sessions, streamRepo, fanout)
	sweeper := ingest.NewSweeper(cfg.Sweeper,
		observability.WithComponent(logger, "sweeper"), connRepo, sessions)

	// Gateway.
	httpServer := gateway.NewServer(cfg.Server,
		observability.WithComponent(logger, "http"), version.Short())
	gateway.NewDeviceHandler(
		observability.WithComponent(logger, "api"),
		deviceRepo, connRepo, nil, cfg.Ingest,
	).Register(httpServer.API())
	gateway.NewHealthHandler(version.Short()).WithDB(db.DB).Register(httpServer.API())
	httpServer.Router().Handle("/ws/dashcam/", gateway.NewWSHandler(
		observability.WithComponent(logger, "ws"),
		deviceRepo, connRepo, fanout,
	))

	if err := signaling.Start(); err != nil {
		return fmt.Errorf("starting signaling server: %w", err)
	}
	if err := video.Start(); err != nil {
		return fmt.Errorf("starting video server: %w", err)
	}
	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("starting command consumer: %w", err)
	}
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("starting sweeper: %w", err)
	}

	httpErr := make(chan error, 1)
	go func() { httpErr <- httpServer.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErr:
		if err != nil {
			logger.Error("http server failed", "error", err)
		}
	}

	// Stop taking new work first, then drain device connections, then
	// release shared resources.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	consumer.Stop()
	sweeper.Stop()
	if err := signaling.Shutdown(shutdownCtx); err != nil {
		logger.Warn("signaling shutdown incomplete", "error", err)
	}
	if err := video.Shutdown(shutdownCtx); err != nil {
		logger.Warn("video shutdown incomplete", "error", err)
	}

	logger.Info("dashlink stopped")
	return nil
}
