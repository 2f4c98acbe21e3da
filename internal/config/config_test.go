package config

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DEFAULT_BATCH_SIZE", "3")
	t.Setenv("COOKIE_TTL", "90m")
	t.Setenv("BROWSER_HEADLESS", "false")
	t.Setenv("SEARCH_URL_TEMPLATES", " /a?q={article} , ,/b?q={article}")
	t.Setenv("RATE_LIMIT_REFILL_PER_SEC", "not-a-number")

	cfg := Load()
	require.Equal(t, 3, cfg.DefaultBatchSize)
	require.Equal(t, 90*time.Minute, cfg.CookieTTL)
	require.False(t, cfg.BrowserHeadless)
	require.Equal(t, []string{"/a?q={article}", "/b?q={article}"}, cfg.SearchURLTemplates)
	require.Equal(t, float64(1), cfg.RateLimitRefill)
	require.Equal(t, "ai", cfg.StatsPreference)
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestNewFanoutLogger(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := NewFanoutLogger(&stderr, &file, slog.LevelInfo)
	logger.Info("row processed", "job_id", "j1")
	logger.Debug("hidden")

	require.Contains(t, stderr.String(), "job_id=j1")
	require.True(t, strings.HasPrefix(file.String(), "{"))
	require.Contains(t, file.String(), `"job_id":"j1"`)
	require.NotContains(t, file.String(), "hidden")
}
