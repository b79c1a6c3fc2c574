//go:build !wasm

package serial

import (
	"errors"
	"fmt"

	"github.com/tarm/serial"
)

// NativePort wraps a tarm/serial port
type NativePort struct {
	port *serial.Port
	cfg  *Config
}

// Open opens cfg.Device
func Open(cfg *Config) (Port, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.Device == "" {
		return nil, errors.New("no serial device configured")
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Device, err)
	}

	return &NativePort{port: port, cfg: cfg}, nil
}

// OpenFirst tries each device in order and returns the first that opens
func OpenFirst(devices []string, baud int, cfg Config) (Port, string, error) {
	var errs []error
	for _, dev := range devices {
		c := cfg
		c.Device = dev
		c.Baud = baud
		port, err := Open(&c)
		if err == nil {
			return port, dev, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, "", errors.New("no serial devices to try")
	}
	return nil, "", errors.Join(errs...)
}

func (p *NativePort) Read(b []byte) (int, error) {
	return p.port.Read(b)
}

func (p *NativePort) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

func (p *NativePort) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Flush discards buffered input and output
func (p *NativePort) Flush() error {
	return p.port.Flush()
}

// Device returns the opened device path
func (p *NativePort) Device() string {
	return p.cfg.Device
}
