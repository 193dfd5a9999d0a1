package master

import (
	"log/slog"
	"time"
)

// Progress reports how far an update has come.
type Progress struct {
	// Phase is one of "starting", "streaming", "finishing", "complete".
	Phase        string
	BytesWritten int
	TotalBytes   int
	Percentage   float64
	ElapsedTime  time.Duration
}

// ProgressCallback is called from the updating goroutine and should return quickly.
type ProgressCallback func(Progress)

// Config holds Updater settings.
type Config struct {
	// ResponseTimeout bounds the wait for an ordinary response.
	ResponseTimeout time.Duration
	// EraseTimeout bounds the wait for the update-start response, which
	// follows a partition erase.
	EraseTimeout time.Duration
	// ModeChange sends a mode-change request first and requires its ack.
	ModeChange       bool
	ProgressCallback ProgressCallback
	Logger           *slog.Logger
}

func defaultConfig() Config {
	return Config{
		ResponseTimeout: time.Second,
		EraseTimeout:    10 * time.Second,
	}
}

// Option configures an Updater.
type Option func(*Config)

func WithResponseTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.ResponseTimeout = d
		}
	}
}

func WithEraseTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.EraseTimeout = d
		}
	}
}

// WithModeChange makes Update start with a mode-change handshake.
func WithModeChange(on bool) Option { return func(c *Config) { c.ModeChange = on } }

func WithProgressCallback(cb ProgressCallback) Option {
	return func(c *Config) { c.ProgressCallback = cb }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}
