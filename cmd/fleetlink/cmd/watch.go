package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tsarna/fleetlink/pkg/fleetlink"
	"github.com/tsarna/fleetlink/pkg/fleetlink/client"
	"github.com/tsarna/fleetlink/pkg/fleetlink/config"
	"github.com/tsarna/fleetlink/pkg/fleetlink/o11y"
	"github.com/tsarna/fleetlink/pkg/fleetlink/otel"
	"github.com/tsarna/fleetlink/pkg/fleetlink/schedule"
	"github.com/tsarna/fleetlink/pkg/fleetlink/subutils"
	"github.com/tsarna/fleetlink/pkg/fleetlink/transform"
	"go.uber.org/zap"
)

var watchCmd = &cobra.Command{
	Use:   "watch [config-files-or-directories...]",
	Short: "Stream events from the dashboard server",
	Long: `Connect to the dashboard server named in the configuration, restore the
configured subscriptions on every connection, run scheduled commands and
print each event as a tab-separated topic and JSON payload.

Topics are the event name followed by the device or task id, for example
task_update/t1 or device_status/d1.

Examples:
  fleetlink watch fleet.hcl
  fleetlink watch ./conf.d/ --match "task_update/+" --match "task_failed/#"
  fleetlink watch fleet.hcl --filter 'select(.progress >= 50)'
  fleetlink watch fleet.hcl --changes --match "device_status/+"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWatch,
}

var watchOpts watchOptions

type watchOptions struct {
	token     string
	matches   []string
	drops     []string
	filter    string
	changes   bool
	rateLimit time.Duration
	queueSize int
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchOpts.token, "token", "", "authentication token, overriding the configuration")
	watchCmd.Flags().StringArrayVar(&watchOpts.matches, "match", nil, "only print topics matching this MQTT-style pattern (repeatable)")
	watchCmd.Flags().StringArrayVar(&watchOpts.drops, "drop", nil, "never print topics matching this MQTT-style pattern (repeatable)")
	watchCmd.Flags().StringVar(&watchOpts.filter, "filter", "", "jq program applied to each payload; no output skips the event")
	watchCmd.Flags().BoolVar(&watchOpts.changes, "changes", false, "print only the fields that changed since the previous event on the same topic")
	watchCmd.Flags().DurationVar(&watchOpts.rateLimit, "rate-limit", 0, "print at most one event per topic per interval")
	watchCmd.Flags().IntVar(&watchOpts.queueSize, "queue-size", 1000, "events buffered between the connection and the printer")
}

func runWatch(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	cfg, diags := config.NewConfig().
		WithLogger(logger).
		WithSources(stringsToSources(args)...).
		Build()
	if diags.HasErrors() {
		logger.Error("Failed to build config", zap.Error(diags))
		return diags
	}

	pipeline, err := buildPipeline(watchOpts, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	observability, metrics := setupMetrics(cfg.Metrics)

	sess, err := cfg.NewSession(func(b *client.ClientBuilder) {
		b.WithObservability(observability)
	})
	if err != nil {
		return err
	}

	printer := subutils.NewAsyncHandler(
		subutils.NewLoggingHandler(transform.Handler(pipeline, printMessage(cmd.OutOrStdout())), logger, zap.DebugLevel),
		watchOpts.queueSize,
		logger,
	).Start()
	defer printer.Close()

	c := sess.Client()
	c.OnAny(printer)
	c.On(fleetlink.EventError, fleetlink.Handle(func(ctx context.Context, e fleetlink.ErrorEvent) error {
		if e.Code == client.ErrorCodeReconnectFailed {
			logger.Error("Giving up on the dashboard server", zap.String("message", e.Message))
			stop()
		}
		return nil
	}))

	scheduler := schedule.New(c, logger)
	for _, job := range cfg.Schedules {
		if err := scheduler.Add(job); err != nil {
			return err
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	if metrics != nil {
		go metrics.Report(ctx, cfg.Metrics.ReportInterval, func(s o11y.Snapshot) {
			logger.Info("Client metrics", zap.Any("counters", s.Counters), zap.Any("gauges", s.Gauges))
		})
	}

	token := cfg.Server.Token
	if watchOpts.token != "" {
		token = watchOpts.token
	}

	logger.Info("Starting watch",
		zap.String("url", cfg.Server.URL),
		zap.Strings("devices", cfg.Subscribe.Devices),
		zap.Strings("tasks", cfg.Subscribe.Tasks),
		zap.Bool("analytics", cfg.Subscribe.Analytics),
		zap.Int("schedules", len(cfg.Schedules)),
	)

	if err := sess.Start(ctx, token); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	<-ctx.Done()
	logger.Info("Shutting down")

	if err := sess.Stop(); err != nil {
		logger.Warn("Error during disconnect", zap.Error(err))
	}
	return nil
}

func buildPipeline(opts watchOptions, logger *zap.Logger) ([]transform.MessageTransformFunc, error) {
	var pipeline []transform.MessageTransformFunc

	// admin_connected is the client's own bookkeeping, not fleet traffic
	pipeline = append(pipeline, transform.DropTopicPattern(string(fleetlink.EventAdminConnected)))

	for _, pattern := range opts.drops {
		pipeline = append(pipeline, transform.DropTopicPattern(pattern))
	}
	if len(opts.matches) > 0 {
		pipeline = append(pipeline, matchAny(opts.matches))
	}
	if opts.rateLimit > 0 {
		pipeline = append(pipeline, transform.RateLimitByTopic(opts.rateLimit))
	}
	if opts.changes {
		pipeline = append(pipeline, transform.ChangesOnly())
	}
	if opts.filter != "" {
		jq, err := transform.JqTransform(opts.filter, logger)
		if err != nil {
			return nil, err
		}
		pipeline = append(pipeline, jq)
	}

	return pipeline, nil
}

// matchAny keeps messages matching at least one pattern.
func matchAny(patterns []string) transform.MessageTransformFunc {
	matchers := make([]transform.MessageTransformFunc, len(patterns))
	for i, pattern := range patterns {
		matchers[i] = transform.MatchTopicPattern(pattern)
	}

	return func(msg *transform.Message) (*transform.Message, bool) {
		for _, match := range matchers {
			if matched, _ := match(msg); matched != nil {
				return matched, true
			}
		}
		return nil, false
	}
}

func printMessage(out io.Writer) func(ctx context.Context, msg *transform.Message) error {
	return func(ctx context.Context, msg *transform.Message) error {
		payload, err := json.Marshal(msg.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", msg.Topic, err)
		}
		_, err = fmt.Fprintf(out, "%s\t%s\n", msg.Topic, payload)
		return err
	}
}

func setupMetrics(settings *config.MetricsSettings) (*o11y.ObservabilityConfig, *o11y.MemoryProvider) {
	if settings == nil {
		return nil, nil
	}

	if settings.Exporter == config.ExporterOtel {
		provider := otel.NewProvider(settings.ServiceName, version)
		return &o11y.ObservabilityConfig{MetricsProvider: provider, TracingProvider: provider}, nil
	}

	memory := o11y.NewMemoryProvider()
	return &o11y.ObservabilityConfig{MetricsProvider: memory}, memory
}
