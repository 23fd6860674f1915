package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tsarna/fleetlink/pkg/fleetlink/mockserver"
	"go.uber.org/zap"
)

var mockServerCmd = &cobra.Command{
	Use:   "mock-server",
	Short: "Run a development dashboard server",
	Long: `Run a dashboard server that accepts clients presenting the configured
bearer token, reacts to every command and emits sample analytics, device
and task traffic.

Examples:
  fleetlink mock-server --token dev
  fleetlink mock-server --listen :9000 --token dev --interval 1s --device d1 --device d2`,
	Args: cobra.NoArgs,
	RunE: runMockServer,
}

var (
	mockListen   string
	mockPath     string
	mockToken    string
	mockInterval time.Duration
	mockDevices  []string
)

func init() {
	rootCmd.AddCommand(mockServerCmd)

	mockServerCmd.Flags().StringVar(&mockListen, "listen", ":8080", "address to listen on")
	mockServerCmd.Flags().StringVar(&mockPath, "path", "/ws", "WebSocket endpoint path")
	mockServerCmd.Flags().StringVar(&mockToken, "token", os.Getenv("FLEET_TOKEN"), "bearer token clients must present")
	mockServerCmd.Flags().DurationVar(&mockInterval, "interval", 5*time.Second, "interval between sample events, 0 to disable")
	mockServerCmd.Flags().StringArrayVar(&mockDevices, "device", []string{"device-1"}, "device announced to every client (repeatable)")
}

func runMockServer(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	server, err := mockserver.NewServerConfig().
		WithToken(mockToken).
		WithLogger(logger).
		WithInterval(mockInterval).
		WithDevices(mockDevices...).
		Build()
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(mockPath, server)
	httpServer := &http.Server{Addr: mockListen, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("Mock server listening", zap.String("addr", mockListen), zap.String("path", mockPath))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("mock server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down mock server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Error closing client connections", zap.Error(err))
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
