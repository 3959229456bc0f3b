package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prismer-io/chatsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetConfigValue(t *testing.T) {
	cfg := &FileConfig{}
	require.NoError(t, setConfigValue(cfg, "base_url", "https://chat.example.com"))
	require.NoError(t, setConfigValue(cfg, "reconcile_window", "5s"))
	require.NoError(t, setConfigValue(cfg, "log_level", "debug"))
	assert.Equal(t, "https://chat.example.com", cfg.BaseURL)
	assert.Equal(t, "5s", cfg.ReconcileWindow)

	assert.Error(t, setConfigValue(cfg, "pending_timeout", "soon"))
	assert.Error(t, setConfigValue(cfg, "log_level", "loud"))
	assert.Error(t, setConfigValue(cfg, "api_key", "x"))
}

func TestConfigRoundTrip(t *testing.T) {
	flagConfig = filepath.Join(t.TempDir(), "config.toml")
	t.Cleanup(func() { flagConfig = "" })

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, &FileConfig{}, cfg, "missing file loads empty")

	cfg.BaseURL = "http://localhost:8080"
	cfg.Token = "tok"
	cfg.LocalUserID = "alice"
	require.NoError(t, saveConfig(cfg))

	got, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	t.Run("engine config reads the same file", func(t *testing.T) {
		t.Setenv("CHATSYNC_PENDING_TIMEOUT", "30s")
		ec, err := engineConfig()
		require.NoError(t, err)
		assert.Equal(t, "alice", ec.LocalUserID)
		assert.Equal(t, 30*time.Second, ec.PendingTimeout)
	})
}

func TestTokenClaims(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice",
		"exp": exp.Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	claims, err := tokenClaims(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	require.NotNil(t, claims.Expires)
	assert.True(t, exp.Equal(*claims.Expires))

	_, err = tokenClaims("opaque-token")
	assert.Error(t, err)
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "****", maskKey("abcd"))
	assert.Equal(t, "abcdefgh...wxyz", maskKey("abcdefghijklmnopqrstuvwxyz"))
}

func TestSettingRows(t *testing.T) {
	cfg := chatsync.DefaultConfig()
	cfg.Token = "abcdefghijklmnopqrstuvwxyz"

	rows := map[string]string{}
	for _, r := range settingRows(&cfg) {
		rows[r[0]] = r[1]
	}
	assert.Equal(t, "abcdefgh...wxyz", rows["token"], "token is never printed in full")
	assert.Equal(t, chatsync.DefaultBaseURL, rows["base_url"])
	assert.Equal(t, "(from token)", rows["local_user_id"])
	assert.Equal(t, "15s", rows["pending_timeout"])

	cfg.Token = ""
	assert.Equal(t, [2]string{"token", "(unset)"}, settingRows(&cfg)[1])
}
