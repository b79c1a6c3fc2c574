// Package config loads the runtime configuration. Every field has a
// default, so an empty or missing file is a valid configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration
type Config struct {
	Bridge  BridgeConfig  `yaml:"bridge"`
	IMU     IMUConfig     `yaml:"imu"`
	Runtime RuntimeConfig `yaml:"runtime"`
	Teleop  TeleopConfig  `yaml:"teleop"`
	Homing  HomingConfig  `yaml:"homing"`
}

// BridgeConfig locates the bus supervisor
type BridgeConfig struct {
	Devices         []string      `yaml:"devices"`
	Baud            int           `yaml:"baud"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	AckTimeout      time.Duration `yaml:"ack_timeout"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// IMUConfig selects the IMU. Driver is "hiwonder" or "static".
type IMUConfig struct {
	Driver     string        `yaml:"driver"`
	Devices    []string      `yaml:"devices"`
	Baud       int           `yaml:"baud"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// RuntimeConfig tunes the control loop
type RuntimeConfig struct {
	Period          time.Duration `yaml:"period"`
	LatencyOffset   time.Duration `yaml:"latency_offset"`
	SlowdownFactor  int           `yaml:"slowdown_factor"`
	MagnitudeFactor *float64      `yaml:"magnitude_factor"`
	Countdown       time.Duration `yaml:"countdown"`
	TorqueEnabled   bool          `yaml:"torque_enabled"`
	TorqueScale     float64       `yaml:"torque_scale"`
}

// TeleopConfig tunes the keyboard
type TeleopConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	ReleaseAfter time.Duration `yaml:"release_after"`
	VelStep      float32       `yaml:"vel_step"`
	YawRateStep  float32       `yaml:"yaw_rate_step"`
	HeightStep   float32       `yaml:"height_step"`
	HeightLimit  float32       `yaml:"height_limit"`
	AngleStep    float32       `yaml:"angle_step"`
	AngleLimit   float32       `yaml:"angle_limit"`
}

// HomingConfig tunes the homing loop. MaxIterations 0 means no cap.
type HomingConfig struct {
	Threshold     float64       `yaml:"threshold"`
	MaxStep       float64       `yaml:"max_step"`
	Interval      time.Duration `yaml:"interval"`
	MaxIterations int           `yaml:"max_iterations"`
}

// Load reads path and applies defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := LoadConfig(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadConfig parses YAML data, applies defaults and validates the result
func LoadConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	b := &cfg.Bridge
	if len(b.Devices) == 0 {
		b.Devices = []string{"/dev/ttyACM0", "/dev/ttyACM1"}
	}
	if b.Baud == 0 {
		b.Baud = 1000000
	}
	if b.ReadTimeout == 0 {
		b.ReadTimeout = 100 * time.Millisecond
	}
	if b.AckTimeout == 0 {
		b.AckTimeout = 100 * time.Millisecond
	}
	if b.ResponseTimeout == 0 {
		b.ResponseTimeout = 10 * time.Millisecond
	}
	if b.ConnectTimeout == 0 {
		b.ConnectTimeout = 5 * time.Second
	}

	i := &cfg.IMU
	if i.Driver == "" {
		i.Driver = "hiwonder"
	}
	if len(i.Devices) == 0 {
		i.Devices = []string{"/dev/ttyUSB0", "/dev/ttyCH341USB0"}
	}
	if i.Baud == 0 {
		i.Baud = 230400
	}
	if i.StaleAfter == 0 {
		i.StaleAfter = 100 * time.Millisecond
	}

	r := &cfg.Runtime
	if r.Period == 0 {
		r.Period = 20 * time.Millisecond
	}
	if r.LatencyOffset == 0 {
		r.LatencyOffset = 2 * time.Millisecond
	}
	if r.SlowdownFactor == 0 {
		r.SlowdownFactor = 1
	}
	// nil rather than zero: 0 is a valid magnitude
	if r.MagnitudeFactor == nil {
		one := 1.0
		r.MagnitudeFactor = &one
	}
	if r.Countdown == 0 {
		r.Countdown = 4 * time.Second
	}
	if r.TorqueScale == 0 {
		r.TorqueScale = 1.0
	}

	t := &cfg.Teleop
	if t.PollInterval == 0 {
		t.PollInterval = 50 * time.Millisecond
	}
	if t.ReleaseAfter == 0 {
		t.ReleaseAfter = 600 * time.Millisecond
	}
	if t.VelStep == 0 {
		t.VelStep = 0.5
	}
	if t.YawRateStep == 0 {
		t.YawRateStep = 0.5
	}
	if t.HeightStep == 0 {
		t.HeightStep = 0.01
	}
	if t.HeightLimit == 0 {
		t.HeightLimit = 0.1
	}
	if t.AngleStep == 0 {
		t.AngleStep = 0.05
	}
	if t.AngleLimit == 0 {
		t.AngleLimit = 0.3
	}

	h := &cfg.Homing
	if h.Threshold == 0 {
		h.Threshold = 0.1
	}
	if h.MaxStep == 0 {
		h.MaxStep = 0.0698 // 4 degrees
	}
	if h.Interval == 0 {
		h.Interval = 20 * time.Millisecond
	}
}

// Validate checks values that defaults cannot repair
func (c *Config) Validate() error {
	var errs []error
	if c.Runtime.Period <= c.Runtime.LatencyOffset {
		errs = append(errs, fmt.Errorf("runtime.period %v must exceed runtime.latency_offset %v", c.Runtime.Period, c.Runtime.LatencyOffset))
	}
	if c.Runtime.SlowdownFactor < 1 {
		errs = append(errs, fmt.Errorf("runtime.slowdown_factor must be at least 1, got %d", c.Runtime.SlowdownFactor))
	}
	if m := *c.Runtime.MagnitudeFactor; m < 0 || m > 1 {
		errs = append(errs, fmt.Errorf("runtime.magnitude_factor must be in [0, 1], got %g", m))
	}
	if c.Runtime.TorqueScale <= 0 || c.Runtime.TorqueScale > 1 {
		errs = append(errs, fmt.Errorf("runtime.torque_scale must be in (0, 1], got %g", c.Runtime.TorqueScale))
	}
	if c.Runtime.Countdown < 0 {
		errs = append(errs, errors.New("runtime.countdown must not be negative"))
	}
	switch c.IMU.Driver {
	case "hiwonder", "static":
	default:
		errs = append(errs, fmt.Errorf("imu.driver %q is not one of hiwonder, static", c.IMU.Driver))
	}
	if c.Homing.MaxIterations < 0 {
		errs = append(errs, errors.New("homing.max_iterations must not be negative"))
	}
	return errors.Join(errs...)
}
