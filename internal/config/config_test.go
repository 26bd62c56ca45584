package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/greenrack/pkg/types"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	w, err := cfg.Window()
	require.NoError(t, err)
	assert.Equal(t, time.Wednesday, w.CutoffDay)
	assert.Equal(t, 18, w.CutoffHour)
	assert.Equal(t, time.Friday, w.DeliveryDay)
	assert.True(t, cfg.Production.AutoDelivery)
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	path := writeFile(t, "config.yaml", `
delivery:
  cutoff_day: tue
  cutoff_time: "12:30"
  delivery_day: "4"
  timezone: UTC
racks:
  - id: north
    capacity: 12
production:
  auto_delivery: false
  stage_durations:
    basil:
      light: 240h
queue:
  max_attempts: 5
  workers:
    production: 1
automation:
  timers:
    - spec: "0 6 * * *"
      type: inventory_check
      payload:
        date: "{{date}}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	w, err := cfg.Window()
	require.NoError(t, err)
	assert.Equal(t, time.Tuesday, w.CutoffDay)
	assert.Equal(t, 12, w.CutoffHour)
	assert.Equal(t, 30, w.CutoffMinute)
	assert.Equal(t, time.Thursday, w.DeliveryDay)
	assert.Equal(t, "UTC", w.Location.String())

	assert.Equal(t, []RackConfig{{ID: "north", Capacity: 12}}, cfg.Racks)
	assert.False(t, cfg.Production.AutoDelivery)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 1, cfg.WorkersFor(types.DomainProduction))
	// untouched keys keep their defaults
	assert.Equal(t, 30*time.Second, cfg.Queue.VisibilityTimeout)
	require.Len(t, cfg.Automation.Timers, 1)
	assert.Equal(t, "{{date}}", cfg.Automation.Timers[0].Payload["date"])

	table, err := cfg.StageDurations()
	require.NoError(t, err)
	assert.Equal(t, 240*time.Hour, table.For("basil", types.StageLight))
	assert.Equal(t, table.For(types.DefaultCrop, types.StageSeed), table.For("basil", types.StageSeed))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("DELIVERY_CUTOFF_DAY", "monday")
	t.Setenv("DELIVERY_CUTOFF_TIME", "09:15")
	t.Setenv("DELIVERY_DAY", "saturday")
	t.Setenv("DELIVERY_TIMEZONE", "UTC")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("REDIS_ADDRESS", "localhost:6379")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/greenrack")
	t.Setenv("PRODUCTION_AUTO_DELIVERY", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "monday", cfg.Delivery.CutoffDay)
	assert.Equal(t, "09:15", cfg.Delivery.CutoffTime)
	assert.Equal(t, "saturday", cfg.Delivery.Day)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, ":9999", cfg.HTTP.Addr)
	assert.Equal(t, "localhost:6379", cfg.Redis.Address)
	assert.Equal(t, "postgres://u:p@localhost/greenrack", cfg.Database.URL)
	assert.False(t, cfg.Production.AutoDelivery)
}

func TestEnvFile(t *testing.T) {
	envPath := writeFile(t, "test.env", "GRPC_ADDR=:6000\nGRPC_ENABLED=true\n")
	t.Setenv("ENV_FILE", envPath)
	// godotenv never overrides variables already present, so clear them
	// through t.Setenv to restore after the test.
	t.Setenv("GRPC_ADDR", "")
	t.Setenv("GRPC_ENABLED", "")
	require.NoError(t, os.Unsetenv("GRPC_ADDR"))
	require.NoError(t, os.Unsetenv("GRPC_ENABLED"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":6000", cfg.GRPC.Addr)
	assert.True(t, cfg.GRPC.Enabled)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad cutoff day", func(c *Config) { c.Delivery.CutoffDay = "funday" }},
		{"bad cutoff time", func(c *Config) { c.Delivery.CutoffTime = "6pm" }},
		{"bad timezone", func(c *Config) { c.Delivery.Timezone = "Mars/Olympus" }},
		{"zero capacity", func(c *Config) { c.Racks = []RackConfig{{ID: "r", Capacity: 0}} }},
		{"duplicate rack", func(c *Config) { c.Racks = []RackConfig{{ID: "r", Capacity: 1}, {ID: "r", Capacity: 2}} }},
		{"no attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }},
		{"inverted backoff", func(c *Config) { c.Queue.MaxBackoff = time.Millisecond }},
		{"unknown domain", func(c *Config) { c.Queue.Workers = map[string]int{"billing": 1} }},
		{"unknown stage", func(c *Config) {
			c.Production.StageDurations = map[string]map[string]time.Duration{"pea": {"sprout": time.Hour}}
		}},
		{"timer without spec", func(c *Config) { c.Automation.Timers = []TimerConfig{{Type: "inventory_check"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestShippedConfigLoads(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	cfg, err := Load(filepath.Join("..", "..", "configs", "greenrack.yaml"))
	require.NoError(t, err)

	assert.Len(t, cfg.Racks, 3)
	assert.True(t, cfg.GRPC.Enabled)
	require.Len(t, cfg.Automation.Timers, 1)
	assert.Equal(t, "{{date}}", cfg.Automation.Timers[0].Payload["date"])

	durations, err := cfg.StageDurations()
	require.NoError(t, err)
	assert.Equal(t, 120*time.Hour, durations.For("pea_shoots", types.StageLight))
}
