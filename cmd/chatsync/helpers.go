package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prismer-io/chatsync"
	"go.uber.org/zap"
)

// engineConfig loads the file config through chatsync.LoadConfig so that
// CHATSYNC_* variables (including ones from .env) override it. A missing
// local user id is taken from the token subject.
func engineConfig() (*chatsync.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = ""
	}
	cfg, err := chatsync.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = chatsync.DefaultBaseURL
	}
	if cfg.LocalUserID == "" && cfg.Token != "" {
		if claims, err := tokenClaims(cfg.Token); err == nil {
			cfg.LocalUserID = claims.Subject
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w (run 'chatsync init' or set CHATSYNC_* variables)", err)
	}
	return cfg, nil
}

// newLogger builds a console zap logger. The --log-level flag wins over the
// config file; the default is warn so command output stays readable.
func newLogger() (*zap.Logger, error) {
	level := flagLogLevel
	if level == "" {
		if fc, err := loadConfig(); err == nil {
			level = fc.LogLevel
		}
	}
	if level == "" {
		level = "warn"
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	zc.Encoding = "console"
	zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	return zc.Build()
}

// tokenInfo is what the CLI reads out of a bearer token.
type tokenInfo struct {
	Subject string
	Expires *time.Time
}

// tokenClaims decodes the token without verifying it. The server verifies;
// the CLI only needs the subject and expiry for display.
func tokenClaims(token string) (*tokenInfo, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("token is not a JWT: %w", err)
	}
	info := &tokenInfo{}
	if sub, err := parsed.Claims.GetSubject(); err == nil {
		info.Subject = sub
	}
	if exp, err := parsed.Claims.GetExpirationTime(); err == nil && exp != nil {
		t := exp.Time
		info.Expires = &t
	}
	return info, nil
}

// maskKey shows the first 8 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return strings.Repeat("*", len(key))
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
