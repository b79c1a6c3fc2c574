package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbotrt/config"
)

func TestFlagDefaults(t *testing.T) {
	cmd := newRootCommand()
	f := cmd.Flags()

	dt, err := f.GetInt("dt")
	require.NoError(t, err)
	assert.Equal(t, 20, dt)

	m, err := f.GetFloat64("magnitude-factor")
	require.NoError(t, err)
	assert.Equal(t, 1.0, m)

	for _, name := range []string{"model-path", "slowdown-factor", "torque-enabled", "torque-scale", "keyboard-commands", "config", "dry-run", "verbose"} {
		assert.NotNil(t, f.Lookup(name), name)
	}
}

func TestApplyFlagsOverridesOnlyChanged(t *testing.T) {
	cmd := newRootCommand()
	opts := &options{}
	require.NoError(t, cmd.ParseFlags([]string{"--dt", "50", "--magnitude-factor", "0", "--dry-run"}))

	cfg, err := config.LoadConfig([]byte("runtime: {slowdown_factor: 3}"))
	require.NoError(t, err)

	opts.DtMillis, _ = cmd.Flags().GetInt("dt")
	opts.MagnitudeFactor, _ = cmd.Flags().GetFloat64("magnitude-factor")
	opts.SlowdownFactor, _ = cmd.Flags().GetInt("slowdown-factor")
	opts.DryRun, _ = cmd.Flags().GetBool("dry-run")
	applyFlags(cmd, opts, cfg)

	assert.Equal(t, 50*time.Millisecond, cfg.Runtime.Period)
	assert.Equal(t, 0.0, *cfg.Runtime.MagnitudeFactor)
	assert.Equal(t, 3, cfg.Runtime.SlowdownFactor, "unset flag keeps file value")
	assert.Equal(t, "static", cfg.IMU.Driver)
	require.NoError(t, cfg.Validate())
}
