package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BIwashi/cansim/pkg/config"
)

func TestWithContextLoadsConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cansim.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bus:\n  device: virtual\n  channel: 2\n"), 0o600))

	var got Input
	c := NewCLI("cansim", "test")
	c.AddCommands(&cobra.Command{
		Use: "probe",
		RunE: WithContext(func(ctx context.Context, input Input) error {
			require.NotNil(t, ctx)
			got = input
			input.Logger.Debug("visible at debug")
			return nil
		}),
	})
	var stderr bytes.Buffer
	c.Root().SetErr(&stderr)
	c.Root().SetArgs([]string{"probe", "--config", path, "--log-level", "debug", "--dbc-file", "body.dbc"})
	require.NoError(t, c.Run())

	assert.Equal(t, "virtual", got.Config.Bus.Device)
	assert.Equal(t, 2, got.Config.Bus.Channel)
	assert.Equal(t, "debug", got.Config.Log.Level)
	assert.Equal(t, "body.dbc", got.Config.Matrix.Path)
	assert.Contains(t, stderr.String(), "visible at debug")
}

func TestWithContextRejectsBadConfig(t *testing.T) {
	c := NewCLI("cansim", "test")
	called := false
	c.AddCommands(&cobra.Command{
		Use: "probe",
		RunE: WithContext(func(context.Context, Input) error {
			called = true
			return nil
		}),
	})
	c.Root().SetArgs([]string{"probe", "--device", "pcan"})
	assert.Error(t, c.Run())
	assert.False(t, called)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, config.LogConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "id", "0x064")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"id":"0x064"`)

	_, err = NewLogger(&buf, config.LogConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}
