package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"kbotrt/config"
	"kbotrt/core"
	"kbotrt/fusion"
	"kbotrt/policy"
	"kbotrt/runtime"
	"kbotrt/teleop"
)

// shutdownPoll is how often the keyboard shutdown request is checked
const shutdownPoll = 50 * time.Millisecond

func run(cmd *cobra.Command, opts *options) error {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	applyFlags(cmd, opts, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	hw, err := openHardware(ctx, cfg, opts.DryRun)
	if err != nil {
		return err
	}
	defer hw.Close()

	ch := teleop.NewChannel()
	provider := fusion.New(hw.bus, hw.imu, ch, fusion.Options{
		Homing: fusion.HomingOptions{
			Threshold:     cfg.Homing.Threshold,
			MaxStep:       cfg.Homing.MaxStep,
			Interval:      cfg.Homing.Interval,
			MaxIterations: cfg.Homing.MaxIterations,
		},
	})

	if err := provider.Configure(ctx, cfg.Runtime.TorqueEnabled, cfg.Runtime.TorqueScale); err != nil {
		return fmt.Errorf("failed to configure actuators: %w", err)
	}
	if cfg.Runtime.TorqueEnabled {
		defer disableTorque(hw.bus)
	}

	model, err := policy.Load(opts.ModelPath)
	if err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}
	runner, err := policy.NewModelRunner(model, provider)
	if err != nil {
		return err
	}
	meta := runner.Metadata()
	slog.Info("model loaded", "path", opts.ModelPath, "joints", len(meta.JointNames), "commands", meta.NumCommands)

	var kb *teleop.Keyboard
	if opts.KeyboardCommands {
		kb = teleop.NewKeyboard(ch, os.Stdin, teleop.KeyboardConfig{
			PollInterval: cfg.Teleop.PollInterval,
			ReleaseAfter: cfg.Teleop.ReleaseAfter,
			VelStep:      cfg.Teleop.VelStep,
			YawRateStep:  cfg.Teleop.YawRateStep,
			HeightStep:   cfg.Teleop.HeightStep,
			HeightLimit:  cfg.Teleop.HeightLimit,
			AngleStep:    cfg.Teleop.AngleStep,
			AngleLimit:   cfg.Teleop.AngleLimit,
		})
		teleop.PrintHelp(os.Stdout)
		defer kb.Stop()
	}

	sched, err := runtime.New(provider, runner, newConsoleOperator(os.Stdin, os.Stdout), runtime.Options{
		Period:          cfg.Runtime.Period,
		LatencyOffset:   cfg.Runtime.LatencyOffset,
		SlowdownFactor:  cfg.Runtime.SlowdownFactor,
		MagnitudeFactor: *cfg.Runtime.MagnitudeFactor,
		Countdown:       cfg.Runtime.Countdown,
		OnActivate: func() {
			if kb == nil {
				return
			}
			if err := kb.Start(); err != nil {
				slog.Warn("keyboard input unavailable", "error", err)
			}
		},
	})
	if err != nil {
		return err
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}
	go watchShutdown(ctx, sched, ch)

	err = sched.Wait()
	stats := sched.Stats()
	slog.Info("control loop exited", "ticks", stats.Ticks, "overruns", stats.Overruns, "last_tick", stats.LastTick)
	if err != nil {
		return fmt.Errorf("control loop failed: %w", err)
	}
	return nil
}

// watchShutdown stops the scheduler on cancellation or when the operator
// asks to exit from the keyboard
func watchShutdown(ctx context.Context, sched *runtime.Scheduler, ch *teleop.Channel) {
	ticker := time.NewTicker(shutdownPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sched.Stop()
			return
		case <-sched.Done():
			return
		case <-ticker.C:
			if ch.ShutdownRequested() {
				slog.Info("shutdown requested from keyboard")
				sched.Stop()
				return
			}
		}
	}
}

// disableTorque turns every actuator off on the way out. It runs after
// the run context may be cancelled, so it gets its own deadline.
func disableTorque(bus fusion.ActuatorBus) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for _, id := range core.ActuatorIDs() {
		if err := bus.Disable(ctx, id); err != nil {
			slog.Warn("failed to disable actuator", "actuator_id", id, "error", err)
		}
	}
}

// applyFlags copies explicitly set flags over the file configuration
func applyFlags(cmd *cobra.Command, opts *options, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("dt") {
		cfg.Runtime.Period = opts.dt()
	}
	if f.Changed("slowdown-factor") {
		cfg.Runtime.SlowdownFactor = opts.SlowdownFactor
	}
	if f.Changed("magnitude-factor") {
		m := opts.MagnitudeFactor
		cfg.Runtime.MagnitudeFactor = &m
	}
	if f.Changed("torque-enabled") {
		cfg.Runtime.TorqueEnabled = opts.TorqueEnabled
	}
	if f.Changed("torque-scale") {
		cfg.Runtime.TorqueScale = opts.TorqueScale
	}
	if opts.DryRun {
		cfg.IMU.Driver = "static"
	}
}
