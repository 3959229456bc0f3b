package chatsync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, 3*time.Second, c.ReconcileWindow)
	assert.Equal(t, 15*time.Second, c.PendingTimeout)
	assert.Equal(t, 10*time.Minute, c.DeleteWindow)
	assert.Equal(t, time.Second, c.TypingExpiry)
	assert.Equal(t, 5, c.MaxReconnectAttempts)
	assert.Equal(t, time.Second, c.ReconnectBaseDelay)
	assert.Equal(t, 5*time.Second, c.ReconnectMaxDelay)
}

func TestConfigValidate(t *testing.T) {
	c := DefaultConfig()
	assert.Error(t, c.Validate())

	c.BaseURL = "http://localhost:8080"
	assert.Error(t, c.Validate())

	c.LocalUserID = "alice"
	assert.NoError(t, c.Validate())

	c.ReconnectBaseDelay = time.Minute
	assert.Error(t, c.Validate())
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
base_url = "https://chat.example.com"
local_user_id = "alice"
reconcile_window = "5s"
max_reconnect_attempts = 3
`), 0o600))

	t.Setenv("CHATSYNC_TOKEN", "tok-from-env")
	t.Setenv("CHATSYNC_PENDING_TIMEOUT", "30s")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://chat.example.com", cfg.BaseURL)
	assert.Equal(t, "alice", cfg.LocalUserID)
	assert.Equal(t, "tok-from-env", cfg.Token)
	assert.Equal(t, 5*time.Second, cfg.ReconcileWindow)
	assert.Equal(t, 30*time.Second, cfg.PendingTimeout)
	assert.Equal(t, 3, cfg.MaxReconnectAttempts)
	assert.Equal(t, 10*time.Minute, cfg.DeleteWindow, "unset keys keep defaults")
	assert.NoError(t, cfg.Validate())

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(dir, "nope.toml"))
		assert.Error(t, err)
	})

	t.Run("environment only", func(t *testing.T) {
		t.Setenv("CHATSYNC_BASE_URL", "http://env")
		cfg, err := LoadConfig("")
		require.NoError(t, err)
		assert.Equal(t, "http://env", cfg.BaseURL)
	})
}
