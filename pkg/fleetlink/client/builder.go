package client

import (
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"github.com/tsarna/fleetlink/pkg/fleetlink/backoff"
	"github.com/tsarna/fleetlink/pkg/fleetlink/dispatch"
	"github.com/tsarna/fleetlink/pkg/fleetlink/o11y"
	"go.uber.org/zap"
)

const (
	DefaultDialTimeout  = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// ClientBuilder provides a fluent interface for building clients.
type ClientBuilder struct {
	url           string
	logger        *zap.Logger
	dialer        Dialer
	dialTimeout   time.Duration
	writeTimeout  time.Duration
	limits        backoff.Counters
	jitter        float64
	announce      bool
	headers       http.Header
	readLimit     int64
	monitor       Monitor
	observability *o11y.ObservabilityConfig
}

// NewClient creates a new client builder.
func NewClient() *ClientBuilder {
	return &ClientBuilder{
		logger:       zap.NewNop(),
		dialTimeout:  DefaultDialTimeout,
		writeTimeout: DefaultWriteTimeout,
		limits:       backoff.NewCounters(),
		announce:     true,
	}
}

// WithURL sets the WebSocket URL of the dashboard server.
func (b *ClientBuilder) WithURL(url string) *ClientBuilder {
	b.url = url
	return b
}

// WithLogger sets the logger for the client.
func (b *ClientBuilder) WithLogger(logger *zap.Logger) *ClientBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithDialer replaces the WebSocket dialer, mainly for tests.
func (b *ClientBuilder) WithDialer(dialer Dialer) *ClientBuilder {
	b.dialer = dialer
	return b
}

// WithDialTimeout bounds each connection attempt.
func (b *ClientBuilder) WithDialTimeout(timeout time.Duration) *ClientBuilder {
	if timeout > 0 {
		b.dialTimeout = timeout
	}
	return b
}

// WithWriteTimeout bounds each outbound frame write.
func (b *ClientBuilder) WithWriteTimeout(timeout time.Duration) *ClientBuilder {
	if timeout > 0 {
		b.writeTimeout = timeout
	}
	return b
}

// WithMaxAttempts sets how many consecutive failures are tolerated before
// the client gives up and enters the Failed state. Default is 5.
func (b *ClientBuilder) WithMaxAttempts(n int) *ClientBuilder {
	if n > 0 {
		b.limits.MaxAttempts = n
	}
	return b
}

// WithBaseDelay sets the delay before the first retry; each later retry
// doubles it. Default is one second.
func (b *ClientBuilder) WithBaseDelay(d time.Duration) *ClientBuilder {
	if d > 0 {
		b.limits.BaseDelay = d
	}
	return b
}

// WithMaxDelay caps the retry delay. Default is 30 seconds.
func (b *ClientBuilder) WithMaxDelay(d time.Duration) *ClientBuilder {
	if d > 0 {
		b.limits.MaxDelay = d
	}
	return b
}

// WithJitter randomizes each retry delay by up to factor in either
// direction. factor is clamped to [0, 1]; zero disables jitter.
func (b *ClientBuilder) WithJitter(factor float64) *ClientBuilder {
	b.jitter = min(max(factor, 0), 1)
	return b
}

// WithAnnounce controls whether an admin_connected command is sent to the
// server each time a connection opens. Enabled by default.
func (b *ClientBuilder) WithAnnounce(announce bool) *ClientBuilder {
	b.announce = announce
	return b
}

// WithHeaders adds HTTP headers to the WebSocket handshake.
// Example: WithHeaders(map[string][]string{"User-Agent": {"fleetlink/1.0"}})
func (b *ClientBuilder) WithHeaders(headers map[string][]string) *ClientBuilder {
	if b.headers == nil {
		b.headers = http.Header{}
	}
	for key, values := range headers {
		b.headers[key] = values
	}
	return b
}

// WithHeader sets a single handshake header.
func (b *ClientBuilder) WithHeader(key, value string) *ClientBuilder {
	if b.headers == nil {
		b.headers = http.Header{}
	}
	b.headers.Set(key, value)
	return b
}

// WithReadLimit sets the maximum inbound frame size in bytes.
func (b *ClientBuilder) WithReadLimit(limit int64) *ClientBuilder {
	if limit > 0 {
		b.readLimit = limit
	}
	return b
}

// WithMonitor sets an optional monitor that receives every state transition.
func (b *ClientBuilder) WithMonitor(monitor Monitor) *ClientBuilder {
	b.monitor = monitor
	return b
}

// WithObservability sets the metrics and tracing providers.
func (b *ClientBuilder) WithObservability(config *o11y.ObservabilityConfig) *ClientBuilder {
	b.observability = config
	return b
}

// Build creates and returns a new client with the configured options. The
// client starts Disconnected; call Connect to open it.
func (b *ClientBuilder) Build() (*Client, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	dialer := b.dialer
	if dialer == nil {
		dialer = &WebsocketDialer{Headers: b.headers, ReadLimit: b.readLimit}
	}

	client := &Client{
		url:          b.url,
		logger:       b.logger,
		dialer:       dialer,
		dialTimeout:  b.dialTimeout,
		writeTimeout: b.writeTimeout,
		limits:       b.limits,
		jitter:       b.jitter,
		random:       rand.Float64,
		announce:     b.announce,
		monitor:      b.monitor,
		registry:     dispatch.NewRegistryWithObservability(b.logger, b.observability),
		metrics: o11y.NewInstruments(b.observability,
			[]string{
				o11y.MetricFramesReceived,
				o11y.MetricFramesDropped,
				o11y.MetricCommandsEmitted,
				o11y.MetricCommandsDropped,
				o11y.MetricReconnectAttempts,
			},
			nil,
			[]string{o11y.MetricConnectionState}),
	}

	return client, nil
}

// IsValid checks that all required configuration is present.
func (b *ClientBuilder) IsValid() error {
	if b.url == "" {
		return fmt.Errorf("URL is required")
	}

	parsed, err := url.Parse(b.url)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", b.url, err)
	}
	switch parsed.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("unsupported URL scheme %q, expected ws or wss", parsed.Scheme)
	}

	// Logger is optional - we provide a default nop logger
	if b.logger == nil {
		b.logger = zap.NewNop()
	}

	if b.dialTimeout <= 0 {
		b.dialTimeout = DefaultDialTimeout
	}
	if b.writeTimeout <= 0 {
		b.writeTimeout = DefaultWriteTimeout
	}

	if b.limits.MaxAttempts <= 0 {
		b.limits.MaxAttempts = backoff.DefaultMaxAttempts
	}
	if b.limits.BaseDelay <= 0 {
		b.limits.BaseDelay = backoff.DefaultBaseDelay
	}
	if b.limits.MaxDelay <= 0 {
		b.limits.MaxDelay = backoff.DefaultMaxDelay
	}
	if b.limits.MaxDelay < b.limits.BaseDelay {
		return fmt.Errorf("max delay %s is shorter than base delay %s", b.limits.MaxDelay, b.limits.BaseDelay)
	}

	return nil
}
