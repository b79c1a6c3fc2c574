package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"kbotrt/config"
	"kbotrt/fusion"
	"kbotrt/host/bridge"
	"kbotrt/host/imu"
	"kbotrt/host/serial"
)

// hardware owns the bus and IMU connections
type hardware struct {
	bus     fusion.ActuatorBus
	imu     fusion.IMUDriver
	closers []func() error
}

func openHardware(ctx context.Context, cfg *config.Config, dryRun bool) (*hardware, error) {
	hw := &hardware{}

	if dryRun {
		slog.Info("dry run: using loopback actuator bus")
		hw.bus = bridge.NewLoopback()
	} else {
		bus, err := hw.openBridge(ctx, cfg.Bridge)
		if err != nil {
			hw.Close()
			return nil, err
		}
		hw.bus = bus
	}

	switch cfg.IMU.Driver {
	case "static":
		slog.Info("using static IMU")
		hw.imu = imu.NewStatic()
	default:
		h, err := imu.OpenFirst(cfg.IMU.Devices, cfg.IMU.Baud, imu.Options{StaleAfter: cfg.IMU.StaleAfter})
		if err != nil {
			hw.Close()
			return nil, err
		}
		hw.closers = append(hw.closers, h.Close)
		hw.imu = h
	}
	return hw, nil
}

func (hw *hardware) openBridge(ctx context.Context, cfg config.BridgeConfig) (*bridge.Bus, error) {
	port, dev, err := serial.OpenFirst(cfg.Devices, cfg.Baud, serial.Config{ReadTimeout: cfg.ReadTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bus supervisor: %w", err)
	}
	if err := port.Flush(); err != nil {
		slog.Debug("flush failed", "device", dev, "error", err)
	}

	cctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	link, err := bridge.Connect(cctx, port)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bus supervisor on %s: %w", dev, err)
	}
	hw.closers = append(hw.closers, link.Close)
	link.SetAckTimeout(cfg.AckTimeout)

	return bridge.NewBus(link, cfg.ResponseTimeout)
}

// Close releases every opened device
func (hw *hardware) Close() error {
	var errs []error
	for i := len(hw.closers) - 1; i >= 0; i-- {
		errs = append(errs, hw.closers[i]())
	}
	hw.closers = nil
	return errors.Join(errs...)
}
