package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allKeys = []string{
	"PORT", "LOG_LEVEL", "LOG_FORMAT", "WS_READ_TIMEOUT", "WS_WRITE_TIMEOUT", "WS_OUTBOX_SIZE",
	"WS_MESSAGE_RATE", "WS_MESSAGE_BURST", "WS_ALLOWED_ORIGINS", "ROOM_SWEEP_INTERVAL",
	"ROOM_IDLE_THRESHOLD", "DATABASE_URL", "SHUTDOWN_TIMEOUT",
}

// clearEnv blanks every key for the test; t.Setenv restores the old values afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, found := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.False(t, found)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 64, cfg.WS.OutboxSize)
	assert.Equal(t, 5*time.Minute, cfg.Rooms.SweepInterval)
	assert.Equal(t, 30*time.Minute, cfg.Rooms.IdleThreshold)
	assert.Nil(t, cfg.WS.AllowedOrigins)
	assert.Empty(t, cfg.Database.URL)
}

func TestLoad_FromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9000")
	t.Setenv("WS_OUTBOX_SIZE", "16")
	t.Setenv("WS_MESSAGE_RATE", "2.5")
	t.Setenv("WS_ALLOWED_ORIGINS", "localhost:*, example.com ,")
	t.Setenv("ROOM_IDLE_THRESHOLD", "90s")
	t.Setenv("SHUTDOWN_TIMEOUT", "not-a-duration")

	cfg, _ := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Equal(t, ":9000", cfg.Addr())
	assert.Equal(t, 16, cfg.WS.OutboxSize)
	assert.Equal(t, 2.5, cfg.WS.MessageRate)
	assert.Equal(t, []string{"localhost:*", "example.com"}, cfg.WS.AllowedOrigins)
	assert.Equal(t, 90*time.Second, cfg.Rooms.IdleThreshold)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout, "bad values fall back")
}

func TestLoad_DotEnvFile(t *testing.T) {
	clearEnv(t)
	// godotenv never overrides variables that are already set, so unset them for this test.
	for _, k := range []string{"PORT", "LOG_FORMAT"} {
		require.NoError(t, os.Unsetenv(k))
	}
	t.Cleanup(func() {
		_ = os.Unsetenv("PORT")
		_ = os.Unsetenv("LOG_FORMAT")
	})

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("PORT=7070\nLOG_FORMAT=console\n"), 0o600))

	cfg, found := Load(path)
	assert.True(t, found)
	assert.Equal(t, ":7070", cfg.Addr())
	assert.Equal(t, "console", cfg.Log.Format)
}
