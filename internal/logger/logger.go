// Package logger provides structured logging setup for Crucible.
package logger

import (
	"log/slog"
	"os"
	"path"
	"strings"

	slogmulti "github.com/samber/slog-multi"
	slogjournal "github.com/systemd/slog-journal"

	"github.com/Strob0t/Crucible/internal/config"
)

// New creates a *slog.Logger from the given Logging config, plus a Closer
// that flushes the async pipeline and any file handle on shutdown. Output is
// JSON with a "service" attribute on every record; handlers are combined
// with a slog-multi fanout. When the process runs as a systemd service the
// stdout handler is replaced by a journald handler: journald already
// captures stdout, so keeping both would double every record.
func New(cfg config.Logging) (*slog.Logger, Closer) {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handlers []slog.Handler
	if underSystemd() {
		if jh, err := slogjournal.NewHandler(nil); err == nil {
			handlers = append(handlers, jh)
		}
	}
	if len(handlers) == 0 {
		handlers = append(handlers, slog.NewJSONHandler(os.Stdout, opts))
	}
	var file *os.File
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			file = f
			handlers = append(handlers, slog.NewJSONHandler(f, opts))
		}
	}

	handler := handlers[0]
	if len(handlers) > 1 {
		handler = slogmulti.Fanout(handlers...)
	}

	closer := Closer(nopCloser{})
	if cfg.Async {
		async := NewAsyncHandler(handler, cfg.AsyncBufferSize, cfg.AsyncWorkers)
		handler = async
		closer = async
	}
	if file != nil {
		closer = fileCloser{inner: closer, file: file}
	}
	return slog.New(handler).With("service", cfg.Service), closer
}

// fileCloser closes the log file after the inner closer has drained.
type fileCloser struct {
	inner Closer
	file  *os.File
}

func (c fileCloser) Close() {
	c.inner.Close()
	_ = c.file.Close()
}

// underSystemd reports whether the process runs inside a systemd service
// unit, detected from its cgroup path.
func underSystemd() bool {
	data, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		parts := strings.SplitN(line, ":", 3)
		if len(parts) == 3 && strings.HasSuffix(path.Dir(parts[2]), ".service") {
			return true
		}
	}
	return false
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
