package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 20*time.Millisecond, cfg.Runtime.Period)
	assert.Equal(t, 2*time.Millisecond, cfg.Runtime.LatencyOffset)
	assert.Equal(t, 1, cfg.Runtime.SlowdownFactor)
	assert.Equal(t, 1.0, *cfg.Runtime.MagnitudeFactor)
	assert.Equal(t, 4*time.Second, cfg.Runtime.Countdown)
	assert.Equal(t, 1000000, cfg.Bridge.Baud)
	assert.Equal(t, 230400, cfg.IMU.Baud)
	assert.Equal(t, "hiwonder", cfg.IMU.Driver)
	assert.Equal(t, []string{"/dev/ttyUSB0", "/dev/ttyCH341USB0"}, cfg.IMU.Devices)
	assert.Equal(t, 0, cfg.Homing.MaxIterations)
}

func TestLoadConfigOverrides(t *testing.T) {
	data := []byte(`
bridge:
  devices: [/dev/ttyACM3]
  response_timeout: 25ms
imu:
  driver: static
runtime:
  period: 50ms
  slowdown_factor: 4
  magnitude_factor: 0
teleop:
  vel_step: 0.25
homing:
  max_iterations: 500
`)
	cfg, err := LoadConfig(data)
	require.NoError(t, err)

	assert.Equal(t, []string{"/dev/ttyACM3"}, cfg.Bridge.Devices)
	assert.Equal(t, 25*time.Millisecond, cfg.Bridge.ResponseTimeout)
	assert.Equal(t, "static", cfg.IMU.Driver)
	assert.Equal(t, 50*time.Millisecond, cfg.Runtime.Period)
	assert.Equal(t, 4, cfg.Runtime.SlowdownFactor)
	assert.Equal(t, 0.0, *cfg.Runtime.MagnitudeFactor, "explicit zero survives defaults")
	assert.Equal(t, float32(0.25), cfg.Teleop.VelStep)
	assert.Equal(t, 500, cfg.Homing.MaxIterations)

	// untouched fields still defaulted
	assert.Equal(t, 1000000, cfg.Bridge.Baud)
	assert.Equal(t, float32(0.5), cfg.Teleop.YawRateStep)
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"period", "runtime: {period: 2ms, latency_offset: 5ms}", "runtime.period"},
		{"slowdown", "runtime: {slowdown_factor: -1}", "slowdown_factor"},
		{"magnitude", "runtime: {magnitude_factor: 1.5}", "magnitude_factor"},
		{"torque scale", "runtime: {torque_scale: 2}", "torque_scale"},
		{"driver", "imu: {driver: mpu6050}", "imu.driver"},
		{"homing", "homing: {max_iterations: -3}", "max_iterations"},
		{"syntax", "runtime: [", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig([]byte(tt.yaml))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestLoad(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	path := filepath.Join(t.TempDir(), "kbot.yaml")
	require.NoError(t, os.WriteFile(path, []byte("runtime:\n  countdown: 1s\n"), 0o644))
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.Runtime.Countdown)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
