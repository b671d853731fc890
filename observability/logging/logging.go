package logging

import (
	"log"
	"log/slog"
	"os"
	"strings"
)

// Setup installs the shared JSON log handler for a lending service and
// returns the root logger. Every line carries the service name, the
// environment when set, and the severity/timestamp/message keys the log
// pipeline indexes on. Dev deployments additionally emit debug lines.
func Setup(service, env string) *slog.Logger {
	env = strings.TrimSpace(env)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:       levelFor(env),
		ReplaceAttr: renameCoreKeys,
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	args := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		args = append(args, attr)
	}

	root := slog.New(handler).With(args...)
	slog.SetDefault(root)
	bridgeStdLog(handler.WithAttrs(attrs))
	return root
}

func levelFor(env string) slog.Level {
	if strings.EqualFold(env, "dev") {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func renameCoreKeys(_ []string, attr slog.Attr) slog.Attr {
	switch attr.Key {
	case slog.TimeKey:
		attr.Key = "timestamp"
	case slog.LevelKey:
		return slog.String("severity", strings.ToUpper(attr.Value.String()))
	case slog.MessageKey:
		attr.Key = "message"
	}
	return attr
}

// bridgeStdLog routes the standard library logger through the JSON handler so
// dependencies that still call log.Printf stay on the shared schema.
func bridgeStdLog(handler slog.Handler) {
	bridge := slog.NewLogLogger(handler, slog.LevelInfo)
	bridge.SetFlags(0)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")
}
