package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile_Defaults(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, "30s", cfg.Alerting.Scheduler.Interval)
	assert.Equal(t, 3, cfg.Alerting.Notify.MaxRetryAttempts)
	assert.Equal(t, "1m", cfg.Alerting.Ruleset.CacheTTL)
	assert.NotEmpty(t, cfg.Server.BindAddr)
}

func TestLoadFile_OverlayAndBackfill(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
  "server": {"bindAddr": "127.0.0.1:9999"},
  "alerting": {
    "scheduler": {"interval": "5s"},
    "notify": {"maxConcurrentNotifications": 2, "baseDelay": "", "maxRetryAttempts": 0}
  }
}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.Server.BindAddr)
	assert.Equal(t, "5s", cfg.Alerting.Scheduler.Interval)
	assert.Equal(t, 2, cfg.Alerting.Notify.MaxConcurrentNotifications)
	// zeroed by the file, restored by defaults
	assert.Equal(t, "5s", cfg.Alerting.Notify.BaseDelay)
	assert.Equal(t, 3, cfg.Alerting.Notify.MaxRetryAttempts)
}

func TestLoadFile_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))

	_, err := LoadFile(path)
	require.Error(t, err)

	_, err = LoadFile(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}

func TestDatabaseConfig_DSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "alerts", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=alerts sslmode=disable", c.DSN())
	assert.Equal(t, "postgres://u:p@db:5432/alerts?sslmode=disable", c.URL())
}
