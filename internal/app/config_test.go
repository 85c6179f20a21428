package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("BATCH_NUMBER_PREFIX", " off ")
	t.Setenv("AUDIT_ASYNC", "true")
	t.Setenv("APP_REQUEST_TIMEOUT", "5s")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "OFF", cfg.BatchNumberPrefix)
	require.True(t, cfg.AuditAsync)
	require.Equal(t, 5*time.Second, cfg.AppRequestTimeout)
	require.Equal(t, 120, cfg.RateLimitPerMinute)
	require.Equal(t, 24*time.Hour, cfg.IdempotencyRetention)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	t.Setenv("RATE_LIMIT_PER_MINUTE", "0")
	_, err := LoadConfig()
	require.Error(t, err)

	t.Setenv("RATE_LIMIT_PER_MINUTE", "60")
	t.Setenv("BATCH_NUMBER_PREFIX", "  ")
	_, err = LoadConfig()
	require.Error(t, err)
}

func TestNewLoggerFormats(t *testing.T) {
	buf := new(bytes.Buffer)
	newLogger(&Config{LogFormat: "json", AppEnv: "production"}, buf).Info("hello", slog.String("k", "v"))
	require.True(t, strings.HasPrefix(buf.String(), "{"))
	require.Contains(t, buf.String(), `"k":"v"`)

	buf.Reset()
	newLogger(&Config{LogFormat: "pretty"}, buf).Debug("dbg")
	require.Contains(t, buf.String(), "msg=dbg")
}

func TestInTestModeRefresh(t *testing.T) {
	t.Setenv(TestModeEnv, "1")
	RefreshTestMode()
	require.True(t, InTestMode())
	t.Setenv(TestModeEnv, "")
	RefreshTestMode()
	require.False(t, InTestMode())
}
