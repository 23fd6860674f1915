// Package subutils holds reusable handler wrappers.
package subutils

import (
	"context"
	"encoding/json"

	"github.com/tsarna/fleetlink/pkg/fleetlink"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingHandler logs every event it receives and then passes it to the
// wrapped handler. With a nil wrapped handler it only logs, which makes it a
// convenient catch-all for watching traffic.
type LoggingHandler struct {
	wrapped  fleetlink.Handler
	logger   *zap.Logger
	logLevel zapcore.Level
	name     string
}

func NewLoggingHandler(wrapped fleetlink.Handler, logger *zap.Logger, logLevel zapcore.Level) *LoggingHandler {
	return NewNamedLoggingHandler(wrapped, logger, logLevel, "LoggingHandler")
}

// NewNamedLoggingHandler is NewLoggingHandler with a custom name for
// identification in logs.
func NewNamedLoggingHandler(wrapped fleetlink.Handler, logger *zap.Logger, logLevel zapcore.Level, name string) *LoggingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingHandler{
		wrapped:  wrapped,
		logger:   logger,
		logLevel: logLevel,
		name:     name,
	}
}

func (l *LoggingHandler) OnEvent(ctx context.Context, event fleetlink.Event) error {
	if ce := l.logger.Check(l.logLevel, "Event received"); ce != nil {
		payload, err := json.Marshal(event)
		if err != nil {
			payload = []byte("<unencodable>")
		}
		ce.Write(
			zap.String("handler", l.name),
			zap.String("event", string(event.Type())),
			zap.Time("timestamp", event.Time()),
			zap.ByteString("payload", payload),
			zap.Bool("hasWrapped", l.wrapped != nil),
		)
	}

	if l.wrapped != nil {
		return l.wrapped.OnEvent(ctx, event)
	}
	return nil
}
