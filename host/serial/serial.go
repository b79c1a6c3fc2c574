// Package serial opens the serial links to the bus supervisor and the IMU.
package serial

import (
	"io"
	"time"
)

// Port is an open serial device. Tests substitute pipes.
type Port interface {
	io.ReadWriteCloser

	// Flush discards unread input
	Flush() error
}

// Config holds serial port configuration
type Config struct {
	// Device path, e.g. /dev/ttyACM0
	Device string

	Baud int

	// ReadTimeout bounds a single Read; 0 blocks
	ReadTimeout time.Duration
}

// Default baud rates for the two links
const (
	BridgeBaud = 1000000
	IMUBaud    = 230400
)

// DefaultConfig returns a configuration for the supervisor link
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        BridgeBaud,
		ReadTimeout: 100 * time.Millisecond,
	}
}
