package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/tsarna/fleetlink/pkg/fleetlink"
	"github.com/tsarna/fleetlink/pkg/fleetlink/client"
	"github.com/tsarna/fleetlink/pkg/fleetlink/config"
	"github.com/tsarna/fleetlink/pkg/fleetlink/wire"
	"go.uber.org/zap"
)

var sendCmd = &cobra.Command{
	Use:   "send <config> <command> [json-args]",
	Short: "Send one command to the dashboard server",
	Long: `Connect to the dashboard server named in the configuration, send a single
command and disconnect.

The optional third argument is the command's JSON payload. Plain text that
is not valid JSON is sent as a string.

Examples:
  fleetlink send fleet.hcl ping_device '{"deviceId":"d1"}'
  fleetlink send fleet.hcl broadcast_message '{"message":"maintenance at noon"}'
  fleetlink send fleet.hcl subscribe_analytics`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runSend,
}

var (
	sendToken   string
	sendTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringVar(&sendToken, "token", "", "authentication token, overriding the configuration")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 30*time.Second, "total operation timeout")
}

func runSend(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	cfg, diags := config.NewConfig().WithLogger(logger).WithSources(args[0]).Build()
	if diags.HasErrors() {
		logger.Error("Failed to build config", zap.Error(diags))
		return diags
	}

	command := args[1]
	var data any
	if len(args) == 3 {
		data = parseArgs(args[2])
	}
	if !wire.IsCommand(command) {
		logger.Warn("Sending an unrecognized command", zap.String("command", command))
	}

	token := cfg.Server.Token
	if sendToken != "" {
		token = sendToken
	}
	if token == "" {
		return client.ErrNoToken
	}

	c, err := cfg.ClientBuilder().WithMaxAttempts(1).Build()
	if err != nil {
		return err
	}
	defer c.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	ready := make(chan error, 1)
	c.On(fleetlink.EventAdminConnected, fleetlink.HandlerFunc(func(ctx context.Context, event fleetlink.Event) error {
		select {
		case ready <- nil:
		default:
		}
		return nil
	}))
	c.On(fleetlink.EventError, fleetlink.Handle(func(ctx context.Context, e fleetlink.ErrorEvent) error {
		if e.Code == client.ErrorCodeReconnectFailed {
			select {
			case ready <- fmt.Errorf("failed to connect to %s: %s", c.URL(), e.Message):
			default:
			}
		}
		return nil
	}))

	if err := c.Connect(ctx, token); err != nil {
		return err
	}

	select {
	case err := <-ready:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return fmt.Errorf("timed out connecting to %s", c.URL())
	}

	if err := c.Emit(ctx, command, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", command, err)
	}

	logger.Info("Command sent", zap.String("url", c.URL()), zap.String("command", command))
	return nil
}

// parseArgs returns raw as a JSON value, or as a plain string when it is
// not valid JSON.
func parseArgs(raw string) any {
	var data any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return raw
	}
	return data
}
