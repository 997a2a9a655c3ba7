package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

func TestLoadJSONConfigGrouped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"app": {"AppPort": "9000", "JWTSecret": "s3cret", "AdminUsernames": ["root"]},
		"database": {"DBDriver": "sqlite", "SQLitePath": "/tmp/x.db"},
		"ledger": {"ProgramID": "prog", "StrictWithdrawBound": true, "LeaderboardSize": 5}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	var c AppConfig
	require.NoError(t, loadJSONConfig(path, &c))
	assert.Equal(t, "9000", c.AppPort)
	assert.Equal(t, "s3cret", c.JWTSecret)
	assert.Equal(t, []string{"root"}, c.AdminUsernames)
	assert.Equal(t, "sqlite", c.DBDriver)
	assert.Equal(t, "/tmp/x.db", c.SQLitePath)
	assert.Equal(t, "prog", c.ProgramID)
	assert.True(t, c.StrictWithdrawBound)
	assert.Equal(t, 5, c.LeaderboardSize)
}

func TestLoadJSONConfigFlatAndMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"AppPort": "7000", "RedisPort": 6380}`), 0o600))

	var c AppConfig
	require.NoError(t, loadJSONConfig(path, &c))
	assert.Equal(t, "7000", c.AppPort)
	assert.Equal(t, 6380, c.RedisPort)

	var empty AppConfig
	assert.NoError(t, loadJSONConfig(filepath.Join(t.TempDir(), "nope.json"), &empty))

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{`), 0o600))
	assert.Error(t, loadJSONConfig(bad, &empty))
}

func TestApplyDefaultsAndEnv(t *testing.T) {
	var c AppConfig
	applyDefaults(&c)
	assert.Equal(t, "8080", c.AppPort)
	assert.Equal(t, "mysql", c.DBDriver)
	assert.Equal(t, []string{"*"}, c.AllowedOrigins)
	assert.Equal(t, 60, c.LeaderboardRefreshSeconds)
	assert.NotEmpty(t, c.ProgramID)
	assert.False(t, c.StrictWithdrawBound)
	assert.False(t, c.LegacyDepositDoubleAdd)

	t.Setenv("DB_DRIVER", "Postgres")
	t.Setenv("STRICT_WITHDRAW_BOUND", "true")
	t.Setenv("ADMIN_USERNAMES", "alice, bob,,")
	t.Setenv("LEADERBOARD_SIZE", "3")
	applyEnvOverrides(&c)
	assert.Equal(t, "postgres", c.DBDriver)
	assert.True(t, c.StrictWithdrawBound)
	assert.Equal(t, []string{"alice", "bob"}, c.AdminUsernames)
	assert.Equal(t, 3, c.LeaderboardSize)
}

func TestOpenDialector(t *testing.T) {
	d, err := openDialector(AppConfig{DBDriver: "sqlite", DatabaseURI: "file::memory:"})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", d.Name())

	d, err = openDialector(AppConfig{DBDriver: "postgres", DatabaseURI: "host=localhost"})
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Name())

	_, err = openDialector(AppConfig{DBDriver: "oracle"})
	assert.Error(t, err)
}

func TestToGormLogLevel(t *testing.T) {
	assert.Equal(t, logger.Info, toGormLogLevel("debug"))
	assert.Equal(t, logger.Warn, toGormLogLevel(""))
	assert.Equal(t, logger.Silent, toGormLogLevel("silent"))
	assert.Equal(t, logger.Warn, toGormLogLevel("bogus"))
}
