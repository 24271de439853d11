package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryanchriswhite/CaptureBridge/internal/api"
	"github.com/bryanchriswhite/CaptureBridge/internal/logger"
	"github.com/spf13/cobra"
)

var authorizeOnStart bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the CaptureBridge server",
	Long: `Start the CaptureBridge HTTP server.

The server exposes a REST API to authorize a capture session, take
screenshots from it and stream capture events over a websocket.`,
	Example: `  # Start server on default port (8080)
  capturebridge serve

  # Start server on custom port
  capturebridge serve --port 9090

  # Authorize immediately instead of waiting for POST /api/authorize
  capturebridge serve --authorize

  # Start with debug logging
  capturebridge serve --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&authorizeOnStart, "authorize", false, "request capture authorization at startup")
}

func runServe(cmd *cobra.Command, args []string) error {
	fmt.Println("📸 CaptureBridge - On-demand screen capture")
	fmt.Println("===========================================")

	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()
	log := logger.WithComponent("serve")
	log.Info().
		Str("config", configMgr.GetConfigPath()).
		Str("log_level", cfg.LogLevel).
		Msg("Configuration loaded")

	rt, err := newCaptureRuntime(cfg, true, cmd.InOrStdin(), cmd.OutOrStdout())
	if err != nil {
		return fmt.Errorf("failed to initialize capture: %w", err)
	}
	defer rt.Close()

	server := api.NewServer(rt.bridge, configMgr, rt.hub, rt.metrics)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(cfg.ServerPort)
	}()

	if authorizeOnStart {
		rt.bridge.RequestAuthorization(context.Background(), func(ok bool) {
			log.Info().Bool("granted", ok).Msg("Startup authorization finished")
		})
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	fmt.Println()
	log.Info().Msg("✅ CaptureBridge is running!")
	log.Info().Msgf("   - API: http://localhost:%d/api", cfg.ServerPort)
	log.Info().Msgf("   - Metrics: http://localhost:%d/metrics", cfg.ServerPort)
	log.Info().Msg("   - Press Ctrl+C to stop")
	fmt.Println()

	select {
	case <-sigChan:
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	fmt.Println()
	log.Info().Msg("Shutting down gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown")
	}
	if err := rt.bridge.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Capture session shutdown")
	}
	return nil
}
