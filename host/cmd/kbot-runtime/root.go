package main

import (
	"time"

	"github.com/spf13/cobra"
)

// options holds the command line flags. Flags that were set override the
// config file.
type options struct {
	ModelPath        string
	DtMillis         int
	SlowdownFactor   int
	MagnitudeFactor  float64
	TorqueEnabled    bool
	TorqueScale      float64
	KeyboardCommands bool
	ConfigPath       string
	DryRun           bool
	Verbose          bool
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "kbot-runtime",
		Short: "Run a locomotion policy on the robot",
		Long: `Run a locomotion policy in a fixed-period control loop.

The runtime connects to the actuator bus supervisor and the IMU, homes
every joint, waits for the operator, then steps the policy every tick and
sends interpolated position targets to the actuators.

Example:
  kbot-runtime --model-path walk.yaml --torque-enabled --keyboard-commands
  kbot-runtime --dry-run --slowdown-factor 4 --magnitude-factor 0.5`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.ModelPath, "model-path", "", "policy file (.yaml replay); empty holds the home pose")
	f.IntVar(&opts.DtMillis, "dt", 20, "control period in milliseconds")
	f.IntVar(&opts.SlowdownFactor, "slowdown-factor", 1, "sub-steps per policy step")
	f.Float64Var(&opts.MagnitudeFactor, "magnitude-factor", 1.0, "fraction of each target step to apply, in [0, 1]")
	f.BoolVar(&opts.TorqueEnabled, "torque-enabled", false, "enable actuator torque")
	f.Float64Var(&opts.TorqueScale, "torque-scale", 1.0, "scale applied to actuator torque limits, in (0, 1]")
	f.BoolVar(&opts.KeyboardCommands, "keyboard-commands", false, "read operator commands from the keyboard")
	f.StringVar(&opts.ConfigPath, "config", "", "YAML configuration file")
	f.BoolVar(&opts.DryRun, "dry-run", false, "use a loopback bus and a static IMU instead of hardware")
	f.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	return cmd
}

// dt converts the --dt flag to a period
func (o *options) dt() time.Duration {
	return time.Duration(o.DtMillis) * time.Millisecond
}
