package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"DB_DRIVER", "SERVER_PORT", "CALL_TIMEOUT", "REDIS_ENABLED", "COST_TIMEZONE", "JWT_SECRET"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 10*time.Minute, cfg.Governance.CallTimeout)
	assert.Equal(t, 8, cfg.Governance.CreateVersionAttempts)
	assert.Equal(t, 1, cfg.Governance.ActivationRetries)
	assert.Equal(t, "UTC", cfg.Governance.CostTimezone)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DB_DRIVER", DriverSQLite)
	t.Setenv("SQLITE_PATH", "/tmp/plane.db")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("CALL_TIMEOUT", "90s")
	t.Setenv("CALL_SWEEP_IN_PROCESS", "true")
	t.Setenv("REDIS_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, "/tmp/plane.db", cfg.Database.SQLitePath)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 90*time.Second, cfg.Governance.CallTimeout)
	assert.True(t, cfg.Governance.SweepInProcess)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoad_ReportsEveryMalformedValue(t *testing.T) {
	t.Setenv("SERVER_PORT", "eighty")
	t.Setenv("CALL_TIMEOUT", "soon")
	t.Setenv("REDIS_ENABLED", "maybe")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SERVER_PORT")
	assert.Contains(t, err.Error(), "CALL_TIMEOUT")
	assert.Contains(t, err.Error(), "REDIS_ENABLED")
}

func validConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: DriverSQLite, SQLitePath: "plane.db"},
		Auth:     AuthConfig{JWTSecret: "secret"},
		Governance: GovernanceConfig{
			CallTimeout:           time.Minute,
			SweepInterval:         time.Second,
			CreateVersionAttempts: 3,
			CostTimezone:          "UTC",
		},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := map[string]func(c *Config){
		"postgres without url": func(c *Config) { c.Database = DatabaseConfig{Driver: DriverPostgres} },
		"unknown driver":       func(c *Config) { c.Database.Driver = "mysql" },
		"zero timeout":         func(c *Config) { c.Governance.CallTimeout = 0 },
		"no attempts":          func(c *Config) { c.Governance.CreateVersionAttempts = 0 },
		"negative retries":     func(c *Config) { c.Governance.ActivationRetries = -1 },
		"bad timezone":         func(c *Config) { c.Governance.CostTimezone = "Mars/Olympus" },
		"no jwt secret":        func(c *Config) { c.Auth.JWTSecret = "" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := validConfig()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestValidateWorker_DoesNotNeedJWT(t *testing.T) {
	c := validConfig()
	c.Auth.JWTSecret = ""
	assert.NoError(t, c.ValidateWorker())
	assert.Error(t, c.Validate())
}
