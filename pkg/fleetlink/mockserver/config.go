package mockserver

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultWriteTimeout = 5 * time.Second
	DefaultInterval     = 5 * time.Second
)

// ServerConfig provides a fluent interface for building mock servers.
type ServerConfig struct {
	token        string
	logger       *zap.Logger
	interval     time.Duration
	writeTimeout time.Duration
	devices      []string
}

// NewServerConfig creates a configuration with one sample device and
// periodic sample events every five seconds.
func NewServerConfig() *ServerConfig {
	return &ServerConfig{
		logger:       zap.NewNop(),
		interval:     DefaultInterval,
		writeTimeout: DefaultWriteTimeout,
		devices:      []string{"device-1"},
	}
}

// WithToken sets the bearer token clients must present.
func (c *ServerConfig) WithToken(token string) *ServerConfig {
	c.token = token
	return c
}

func (c *ServerConfig) WithLogger(logger *zap.Logger) *ServerConfig {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// WithInterval sets how often sample events are pushed to each connection.
// Zero disables them.
func (c *ServerConfig) WithInterval(interval time.Duration) *ServerConfig {
	if interval >= 0 {
		c.interval = interval
	}
	return c
}

func (c *ServerConfig) WithWriteTimeout(timeout time.Duration) *ServerConfig {
	if timeout > 0 {
		c.writeTimeout = timeout
	}
	return c
}

// WithDevices sets the device ids announced to each new connection.
func (c *ServerConfig) WithDevices(ids ...string) *ServerConfig {
	c.devices = append([]string(nil), ids...)
	return c
}

// IsValid checks that all required configuration is present.
func (c *ServerConfig) IsValid() error {
	if c.token == "" {
		return fmt.Errorf("token is required")
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.writeTimeout <= 0 {
		c.writeTimeout = DefaultWriteTimeout
	}
	return nil
}

func (c *ServerConfig) Build() (*Server, error) {
	if err := c.IsValid(); err != nil {
		return nil, err
	}
	return newServer(c), nil
}
