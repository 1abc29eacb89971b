package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"level", func(c *Config) { c.Log.Level = "loud" }},
		{"format", func(c *Config) { c.Log.Format = "xml" }},
		{"device", func(c *Config) { c.Bus.Device = "pcan" }},
		{"probe order", func(c *Config) { c.Bus.ProbeOrder = []string{"auto"} }},
		{"workers", func(c *Config) { c.Bus.MaxWorkers = 0 }},
		{"poll", func(c *Config) { c.Bus.PollInterval = 0 }},
		{"cycle", func(c *Config) { c.Bus.MinCycleTime = -time.Millisecond }},
		{"replay path", func(c *Config) { c.Bus.Device = "replay" }},
		{"slcan port", func(c *Config) { c.Bus.Device = "slcan" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cansim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
bus:
  device: virtual
  baud_rate: 125
  poll_interval: 5ms
matrix:
  path: body.dbc
`), 0o600))
	t.Setenv("CANSIM_BUS_BAUD_RATE", "250")
	t.Setenv("CANSIM_MONITOR_LISTEN", ":9000")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("dbc", "", "")
	require.NoError(t, flags.Parse([]string{"--dbc", "chassis.dbc"}))

	l := NewLoader()
	require.NoError(t, l.BindFlag("matrix.path", flags.Lookup("dbc")))
	cfg, err := l.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "virtual", cfg.Bus.Device)
	assert.Equal(t, 250, cfg.Bus.BaudRate, "environment beats the file")
	assert.Equal(t, 5*time.Millisecond, cfg.Bus.PollInterval)
	assert.Equal(t, ":9000", cfg.Monitor.Listen)
	assert.Equal(t, "chassis.dbc", cfg.Matrix.Path, "a set flag beats the file")
	assert.Equal(t, "gbk", cfg.Matrix.Encoding)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestBindNilFlag(t *testing.T) {
	assert.Error(t, NewLoader().BindFlag("matrix.path", nil))
}
