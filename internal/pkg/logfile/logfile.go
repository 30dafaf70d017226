// Package logfile writes JSON logs to a per-app file in the user's state
// directory.
package logfile

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/crueladdict/ori/apps/ori-runner/internal/pkg/logctx"
)

// Logger owns the open log file so it can be reopened after rotation.
type Logger struct {
	app   string
	level slog.Leveler
	dir   string

	mu   sync.Mutex
	file *os.File
	path string
}

// New opens <dir>/<app>.log. An empty dir means DefaultDir. When the file
// cannot be opened logs go to stderr.
func New(app string, level slog.Leveler, dir string) *Logger {
	if dir == "" {
		dir = DefaultDir()
	}
	return &Logger{app: app, level: level, dir: dir}
}

// Open returns a context aware logger writing to the current file.
func (l *Logger) Open() *slog.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	var w io.Writer = os.Stderr
	if err := os.MkdirAll(l.dir, 0o755); err == nil {
		path := filepath.Join(l.dir, fmt.Sprintf("%s.log", l.app))
		if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			l.file, l.path, w = f, path, f
		}
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l.level})
	return logctx.WrapLogger(slog.New(h).With(slog.String("app", l.app)))
}

// Path is the file currently written, empty when logging to stderr.
func (l *Logger) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func ParseLevel(s string, def slog.Level) slog.Leveler {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "err":
		return slog.LevelError
	default:
		return def
	}
}

func DefaultDir() string {
	if x := os.Getenv("XDG_STATE_HOME"); x != "" {
		return filepath.Join(x, "ori")
	}
	home, _ := os.UserHomeDir()
	if runtime.GOOS == "darwin" {
		if home != "" {
			return filepath.Join(home, "Library", "Logs", "ori")
		}
	}
	if home != "" {
		return filepath.Join(home, ".local", "state", "ori")
	}
	return filepath.Join(os.TempDir(), "ori")
}
