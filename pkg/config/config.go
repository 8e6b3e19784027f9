// Package config loads ambient runtime settings from the environment,
// following the reference runtime's os.Getenv-driven pattern: a single
// Config struct, a Load() constructor, documented defaults, no
// configuration framework.
package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds the settings every CLI subcommand and package
// constructor needs to build its collaborators.
type Config struct {
	WorkspaceRoot      string
	KeyMaterialPath     string
	LockStaleTimeout    time.Duration
	LogFormat           string
	LogLevel            string
}

// Load reads AMPERSONA_-prefixed environment variables, falling back
// to documented defaults when unset.
func Load() *Config {
	root := os.Getenv("AMPERSONA_WORKSPACE_ROOT")
	if root == "" {
		if cwd, err := os.Getwd(); err == nil {
			root = cwd
		} else {
			root = "."
		}
	}

	keyPath := os.Getenv("AMPERSONA_KEY_PATH")
	if keyPath == "" {
		keyPath = filepath.Join(root, ".ampersona", "keys", "ed25519.key")
	}

	staleTimeout := 60 * time.Second
	if raw := os.Getenv("AMPERSONA_LOCK_STALE_SECONDS"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			staleTimeout = time.Duration(secs) * time.Second
		}
	}

	logFormat := os.Getenv("AMPERSONA_LOG_FORMAT")
	if logFormat == "" {
		logFormat = "text"
	}

	logLevel := os.Getenv("AMPERSONA_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	return &Config{
		WorkspaceRoot:    root,
		KeyMaterialPath:  keyPath,
		LockStaleTimeout: staleTimeout,
		LogFormat:        logFormat,
		LogLevel:         logLevel,
	}
}

// NewLogger builds the package-level *slog.Logger the Ambient Stack
// calls for: a text or JSON handler selected by LogFormat, writing to
// w (os.Stderr in production, a buffer in tests).
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if c.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "DEBUG", "debug":
		return slog.LevelDebug
	case "WARN", "warn":
		return slog.LevelWarn
	case "ERROR", "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
