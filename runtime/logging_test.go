package runtime

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLogger(t *testing.T) {
	t.Run("defaults to info", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "")
		logger := NewLogger("ear")
		assert.True(t, logger.Enabled(context.Background(), slog.LevelInfo))
		assert.False(t, logger.Enabled(context.Background(), slog.LevelDebug))
	})

	t.Run("LOG_LEVEL selects the level", func(t *testing.T) {
		cases := []struct {
			env     string
			enabled slog.Level
			muted   slog.Level
		}{
			{"DEBUG", slog.LevelDebug, slog.LevelDebug - 4},
			{"WARN", slog.LevelWarn, slog.LevelInfo},
			{"ERROR", slog.LevelError, slog.LevelWarn},
		}
		for _, tc := range cases {
			t.Run(tc.env, func(t *testing.T) {
				t.Setenv("LOG_LEVEL", tc.env)
				logger := NewLogger("ear")
				assert.True(t, logger.Enabled(context.Background(), tc.enabled))
				assert.False(t, logger.Enabled(context.Background(), tc.muted))
			})
		}
	})

	t.Run("unknown level falls back to info", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "CHATTY")
		logger := NewLogger("ear")
		assert.True(t, logger.Enabled(context.Background(), slog.LevelInfo))
		assert.False(t, logger.Enabled(context.Background(), slog.LevelDebug))
	})
}
