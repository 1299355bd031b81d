// Package log owns the process-wide slog logger.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu    sync.Mutex
	root  *slog.Logger
	level slog.LevelVar
)

// Setup installs the root logger on stdout.
func Setup(levelName, format string) {
	SetupWriter(os.Stdout, levelName, format)
}

// SetupWriter installs the root logger on w. The handler is built once;
// later calls only change the level.
func SetupWriter(w io.Writer, levelName, format string) {
	mu.Lock()
	defer mu.Unlock()

	level.Set(ParseLevel(levelName))
	if root != nil {
		return
	}
	opts := &slog.HandlerOptions{Level: &level}
	var h slog.Handler
	if strings.EqualFold(format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	root = slog.New(h)
	slog.SetDefault(root)
}

// ParseLevel maps a config level name onto a slog.Level. Unknown names
// are INFO.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Get returns the root logger, installing an INFO JSON one on first use.
func Get() *slog.Logger {
	mu.Lock()
	l := root
	mu.Unlock()
	if l == nil {
		Setup("info", "json")
		return Get()
	}
	return l
}

func WithComponent(name string) *slog.Logger {
	return Get().With("component", name)
}

// Discard drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
