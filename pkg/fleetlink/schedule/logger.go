package schedule

import (
	"go.uber.org/zap"
)

// ZapCronLogger adapts a zap.Logger to the cron.Logger interface. Cron's
// informational messages are logged at debug level.
type ZapCronLogger struct {
	logger *zap.Logger
}

func NewZapCronLogger(logger *zap.Logger) *ZapCronLogger {
	return &ZapCronLogger{logger: logger}
}

func (z *ZapCronLogger) Info(msg string, keysAndValues ...any) {
	z.logger.Debug(msg, fields(keysAndValues)...)
}

func (z *ZapCronLogger) Error(err error, msg string, keysAndValues ...any) {
	z.logger.Error(msg, append(fields(keysAndValues), zap.Error(err))...)
}

func fields(keysAndValues []any) []zap.Field {
	out := make([]zap.Field, 0, len(keysAndValues)/2+1)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			out = append(out, zap.Any(key, keysAndValues[i+1]))
		}
	}
	return out
}
