package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/sparkplug-core/internal/infrastructure/config"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
)

const serviceName = "sparkplug"

// redacted is written in place of any attribute whose key names a secret.
const redacted = "[redacted]"

var secretKeys = []string{"password", "token", "secret"}

// Logger is the *slog.Logger every sparkplugd component logs through. The
// level is shared by a logger and all loggers derived from it, and can be
// changed at runtime with SetLevel.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// New builds a logger from the logging section of the configuration.
// Output "stderr" selects standard error; anything else is standard out.
func New(cfg config.LoggingConfig, version string) *Logger {
	var w io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		w = os.Stderr
	}
	return newWithWriter(cfg, version, w)
}

// Default is the logger used until the configuration has been read.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json"}, "dev")
}

func newWithWriter(cfg config.LoggingConfig, version string, w io.Writer) *Logger {
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Level))

	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: redactSecrets}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}

	base := slog.New(h).With("service", serviceName, "version", version)
	return &Logger{Logger: base, level: level}
}

// parseLevel maps a configured level name onto slog; unknown names are info.
func parseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func redactSecrets(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, s := range secretKeys {
		if strings.Contains(key, s) {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

// SetLevel changes the minimum level for l and everything derived from it.
func (l *Logger) SetLevel(name string) {
	l.level.Set(parseLevel(name))
}

// With returns a child logger carrying args on every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), level: l.level}
}

// Session tags a child logger with a session's name and role. Engines take
// its embedded *slog.Logger.
func (l *Logger) Session(name string, role sparkplug.Role) *Logger {
	return l.With("session", name, "role", string(role))
}

// Peer tags a child logger with the peer a record is about.
func (l *Logger) Peer(id sparkplug.PeerID) *Logger {
	return l.With("peer", id.String())
}
