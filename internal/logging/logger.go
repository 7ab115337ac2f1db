package logging

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/wiregate/wiregate/internal/config"
)

// NewLogger creates the process logger. Empty context fields are omitted.
func NewLogger(cfg *config.Config) zerolog.Logger {
	ctx := zerolog.New(os.Stdout).With().Timestamp().Str("service", "wiregate")

	if cfg.Mode != "" {
		ctx = ctx.Str("mode", cfg.Mode)
	}
	if cfg.NodeID != "" {
		ctx = ctx.Str("node_id", cfg.NodeID)
	}

	logger := ctx.Logger()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}

	return logger.Level(level)
}

// TruncateKey shortens a WireGuard key for log output.
func TruncateKey(k string) string {
	if len(k) <= 8 {
		return k
	}
	return k[:8] + "..."
}
