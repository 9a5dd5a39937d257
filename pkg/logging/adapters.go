package logging

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

type watermillLogger struct {
	l zerolog.Logger
}

// NewWatermill routes watermill's logs through zerolog. Watermill's info
// level is chatty, so it is logged at debug.
func NewWatermill(l zerolog.Logger) watermill.LoggerAdapter {
	return &watermillLogger{l: l}
}

func (w *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.l.Error().Err(err).Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *watermillLogger) Info(msg string, fields watermill.LogFields) {
	w.l.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.l.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.l.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{l: w.l.With().Fields(map[string]interface{}(fields)).Logger()}
}

type retryableHTTPLogger struct {
	l zerolog.Logger
}

var _ retryablehttp.LeveledLogger = &retryableHTTPLogger{}

func NewRetryableHTTP(l zerolog.Logger) retryablehttp.LeveledLogger {
	return &retryableHTTPLogger{l: l}
}

func (r *retryableHTTPLogger) Error(msg string, keysAndValues ...interface{}) {
	r.l.Error().Fields(keysAndValues).Msg(msg)
}

func (r *retryableHTTPLogger) Info(msg string, keysAndValues ...interface{}) {
	r.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (r *retryableHTTPLogger) Debug(msg string, keysAndValues ...interface{}) {
	r.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (r *retryableHTTPLogger) Warn(msg string, keysAndValues ...interface{}) {
	r.l.Warn().Fields(keysAndValues).Msg(msg)
}
