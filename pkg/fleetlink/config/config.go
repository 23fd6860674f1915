// Package config loads fleetlink settings from HCL files.
//
// A minimal configuration names the server and takes the token from the
// environment:
//
//	server {
//	  url   = "wss://fleet.example.com/ws"
//	  token = env.FLEET_TOKEN
//	}
//
//	subscribe {
//	  devices   = ["d1", "d2"]
//	  analytics = true
//	}
//
//	schedule "nightly" {
//	  at      = "0 2 * * *"
//	  command = "broadcast_message"
//	  args    = { message = "nightly maintenance" }
//	}
package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/tsarna/fleetlink/pkg/fleetlink/client"
	"github.com/tsarna/fleetlink/pkg/fleetlink/schedule"
	"github.com/tsarna/fleetlink/pkg/fleetlink/session"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"go.uber.org/zap"
)

type ConfigBuilder struct {
	logger  *zap.Logger
	sources []any
}

// Config is the evaluated result of every source.
type Config struct {
	Logger    *zap.Logger
	Functions map[string]function.Function
	Constants map[string]cty.Value
	evalCtx   *hcl.EvalContext

	Server    ServerSettings
	Reconnect ReconnectSettings
	Subscribe session.Interests
	Schedules []schedule.Job
	Metrics   *MetricsSettings
}

func NewConfig() *ConfigBuilder {
	return &ConfigBuilder{
		logger:  zap.NewNop(),
		sources: make([]any, 0),
	}
}

func (cb *ConfigBuilder) WithLogger(logger *zap.Logger) *ConfigBuilder {
	if logger != nil {
		cb.logger = logger
	}
	return cb
}

// WithSources adds configuration sources: a file path, a directory of .hcl
// files, or raw HCL bytes.
func (cb *ConfigBuilder) WithSources(sources ...any) *ConfigBuilder {
	cb.sources = append(cb.sources, sources...)
	return cb
}

func (cb *ConfigBuilder) Build() (*Config, hcl.Diagnostics) {
	config := &Config{
		Logger:    cb.logger,
		Constants: make(map[string]cty.Value),
		Reconnect: defaultReconnectSettings(),
	}

	bodies, diags := ParseConfigFiles(cb.sources...)
	if diags.HasErrors() {
		return nil, diags
	}

	blocks, addDiags := GetBlocks(bodies)
	diags = diags.Extend(addDiags)
	if diags.HasErrors() {
		return nil, diags
	}

	config.Functions = GetFunctions(config.Logger)
	config.Constants["env"] = GetEnvObject()
	config.evalCtx = &hcl.EvalContext{
		Functions: config.Functions,
		Variables: config.Constants,
	}

	handlers := GetBlockHandlers()

	for _, block := range blocks {
		if handler, ok := handlers[block.Type]; ok {
			diags = diags.Extend(handler.Preprocess(block))
		}
	}
	if diags.HasErrors() {
		return nil, diags
	}

	// constants must be evaluated before any other block refers to them
	for _, name := range handlerOrder {
		diags = diags.Extend(handlers[name].FinishPreprocessing(config))
	}
	if diags.HasErrors() {
		return nil, diags
	}

	for _, block := range blocks {
		if handler, ok := handlers[block.Type]; ok {
			diags = diags.Extend(handler.Process(config, block))
		}
	}
	if diags.HasErrors() {
		return nil, diags
	}

	for _, name := range handlerOrder {
		diags = diags.Extend(handlers[name].FinishProcessing(config))
	}
	if diags.HasErrors() {
		return nil, diags
	}

	config.Logger.Info("Config built successfully",
		zap.String("url", config.Server.URL),
		zap.Int("schedules", len(config.Schedules)),
	)

	return config, diags
}

// ClientBuilder returns a client builder carrying the server and reconnect
// settings. Callers may keep configuring it before Build.
func (c *Config) ClientBuilder() *client.ClientBuilder {
	builder := client.NewClient().
		WithURL(c.Server.URL).
		WithLogger(c.Logger).
		WithDialTimeout(c.Server.DialTimeout).
		WithWriteTimeout(c.Server.WriteTimeout).
		WithAnnounce(c.Server.Announce).
		WithMaxAttempts(c.Reconnect.MaxAttempts).
		WithBaseDelay(c.Reconnect.BaseDelay).
		WithMaxDelay(c.Reconnect.MaxDelay).
		WithJitter(c.Reconnect.Jitter)

	for key, value := range c.Server.Headers {
		builder = builder.WithHeader(key, value)
	}

	return builder
}

// NewSession builds a client and wraps it in a session holding the
// configured subscriptions.
func (c *Config) NewSession(configure ...func(*client.ClientBuilder)) (*session.Session, error) {
	builder := c.ClientBuilder()
	for _, fn := range configure {
		fn(builder)
	}

	cl, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build client: %w", err)
	}

	return session.New(cl, c.Subscribe, c.Logger), nil
}
