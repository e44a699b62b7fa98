package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, time.Minute, cfg.Policy.Window)
	assert.Equal(t, time.Hour, cfg.Policy.LeaseTTL)
	assert.True(t, cfg.Policy.FailOpen)
	assert.InDelta(t, 0.001, cfg.Policy.DefaultCost, 1e-9)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "agentgate", cfg.Metrics.Namespace)
}

func TestLoad_FromYAMLFile(t *testing.T) {
	content := `
database:
  driver: sqlite
  name: gate.db
redis:
  addr: redis.internal:6379
  db: 3
policy:
  window: 30s
  fail_open: false
  default_cost: 0.005
log:
  level: debug
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "gate.db", cfg.Database.Name)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, 30*time.Second, cfg.Policy.Window)
	assert.False(t, cfg.Policy.FailOpen)
	assert.InDelta(t, 0.005, cfg.Policy.DefaultCost, 1e-9)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Untouched sections keep their defaults.
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database: [not a map"), 0o644))

	_, err := NewLoader().WithConfigPath(path).Load()
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AGENTGATE_DATABASE_DRIVER", "mysql")
	t.Setenv("AGENTGATE_REDIS_ADDR", "env-redis:6379")
	t.Setenv("AGENTGATE_POLICY_WINDOW", "2m")
	t.Setenv("AGENTGATE_POLICY_FAIL_OPEN", "false")
	t.Setenv("AGENTGATE_LOG_OUTPUT_PATHS", "stdout, /var/log/gate.log")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 2*time.Minute, cfg.Policy.Window)
	assert.False(t, cfg.Policy.FailOpen)
	assert.Equal(t, []string{"stdout", "/var/log/gate.log"}, cfg.Log.OutputPaths)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	content := "redis:\n  addr: file-redis:6379\n"
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv("AGENTGATE_REDIS_ADDR", "env-redis:6379")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
}

func TestLoad_CustomEnvPrefix(t *testing.T) {
	t.Setenv("GATE_REDIS_ADDR", "custom:6379")

	cfg, err := NewLoader().WithEnvPrefix("GATE").Load()
	require.NoError(t, err)
	assert.Equal(t, "custom:6379", cfg.Redis.Addr)
}

func TestLoad_Validators(t *testing.T) {
	_, err := NewLoader().
		WithValidator(func(c *Config) error { return c.Validate() }).
		Load()
	require.NoError(t, err)

	t.Setenv("AGENTGATE_DATABASE_DRIVER", "oracle")
	_, err = NewLoader().
		WithValidator(func(c *Config) error { return c.Validate() }).
		Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())

	cfg.Database.Driver = "oracle"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Redis.Addr = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Policy.DefaultCost = -1
	assert.Error(t, cfg.Validate())
}

func TestDatabaseConfig_DSN(t *testing.T) {
	pg := DatabaseConfig{
		Driver: "postgres", Host: "db", Port: 5432,
		User: "gate", Password: "secret", Name: "agentgate", SSLMode: "disable",
	}
	assert.Equal(t,
		"host=db port=5432 user=gate password=secret dbname=agentgate sslmode=disable",
		pg.DSN(),
	)

	my := DatabaseConfig{
		Driver: "mysql", Host: "db", Port: 3306,
		User: "gate", Password: "secret", Name: "agentgate",
	}
	assert.Equal(t, "gate:secret@tcp(db:3306)/agentgate?parseTime=true", my.DSN())

	lite := DatabaseConfig{Driver: "sqlite", Name: "gate.db"}
	assert.Equal(t, "gate.db", lite.DSN())

	other := DatabaseConfig{Driver: "oracle"}
	assert.Equal(t, "", other.DSN())
}

func TestMustLoad_PanicsOnBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database: [broken"), 0o644))

	assert.Panics(t, func() { MustLoad(path) })
}
