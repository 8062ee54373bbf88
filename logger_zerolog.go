package librtc

import (
	"fmt"

	"github.com/rs/zerolog"
)

// zerologLogger adapts a zerolog.Logger to the Logger interface.
type zerologLogger struct {
	inner zerolog.Logger
}

// NewZerologLogger wraps the given zerolog.Logger so it can be handed to any
// component of this package.
func NewZerologLogger(inner zerolog.Logger) Logger {
	return &zerologLogger{inner: inner}
}

func (l *zerologLogger) WithField(key string, value any) Logger {
	return &zerologLogger{inner: l.inner.With().Interface(key, value).Logger()}
}

func (l *zerologLogger) Debug(args ...any) {
	l.inner.Debug().Msg(fmt.Sprint(args...))
}

func (l *zerologLogger) Debugf(format string, args ...any) {
	l.inner.Debug().Msgf(format, args...)
}

func (l *zerologLogger) Debugln(args ...any) {
	l.inner.Debug().Msg(fmt.Sprintln(args...))
}

func (l *zerologLogger) Info(args ...any) {
	l.inner.Info().Msg(fmt.Sprint(args...))
}

func (l *zerologLogger) Infof(format string, args ...any) {
	l.inner.Info().Msgf(format, args...)
}

func (l *zerologLogger) Infoln(args ...any) {
	l.inner.Info().Msg(fmt.Sprintln(args...))
}

func (l *zerologLogger) Warn(args ...any) {
	l.inner.Warn().Msg(fmt.Sprint(args...))
}

func (l *zerologLogger) Warnf(format string, args ...any) {
	l.inner.Warn().Msgf(format, args...)
}

func (l *zerologLogger) Warnln(args ...any) {
	l.inner.Warn().Msg(fmt.Sprintln(args...))
}

func (l *zerologLogger) Error(args ...any) {
	l.inner.Error().Msg(fmt.Sprint(args...))
}

func (l *zerologLogger) Errorf(format string, args ...any) {
	l.inner.Error().Msgf(format, args...)
}

func (l *zerologLogger) Errorln(args ...any) {
	l.inner.Error().Msg(fmt.Sprintln(args...))
}
