// ABOUTME: Adapts whatsmeow's printf-style logger onto log/slog
// ABOUTME: Sub-loggers become a slash-joined "module" attribute

package whatsapp

import (
	"context"
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

type slogAdapter struct {
	logger *slog.Logger
	module string
}

// newLogger wraps logger for whatsmeow. A nil logger uses slog.Default().
func newLogger(logger *slog.Logger, module string) waLog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return slogAdapter{logger: logger, module: module}
}

func (a slogAdapter) Debugf(msg string, args ...interface{}) { a.log(slog.LevelDebug, msg, args) }
func (a slogAdapter) Infof(msg string, args ...interface{})  { a.log(slog.LevelInfo, msg, args) }
func (a slogAdapter) Warnf(msg string, args ...interface{})  { a.log(slog.LevelWarn, msg, args) }
func (a slogAdapter) Errorf(msg string, args ...interface{}) { a.log(slog.LevelError, msg, args) }

func (a slogAdapter) Sub(module string) waLog.Logger {
	if a.module != "" {
		module = a.module + "/" + module
	}
	return slogAdapter{logger: a.logger, module: module}
}

func (a slogAdapter) log(level slog.Level, msg string, args []interface{}) {
	ctx := context.Background()
	if !a.logger.Enabled(ctx, level) {
		return
	}
	a.logger.Log(ctx, level, fmt.Sprintf(msg, args...), "module", a.module)
}
