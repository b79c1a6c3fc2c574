package fusion

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"kbotrt/core"
)

// MoveToHome drives every home-configured joint toward its home angle with
// a clamped proportional step per iteration, until the worst joint error
// drops under the threshold. There is no iteration cap unless
// MaxIterations is set; cancelling ctx is the operator override.
func (p *Provider) MoveToHome(ctx context.Context) error {
	home := core.HomePose()
	ids := make([]core.ActuatorID, len(home))
	for i, h := range home {
		ids[i] = h.ID
	}

	opts := p.opts.Homing
	slog.Info("moving to home", "joints", len(home), "threshold", opts.Threshold)

	for iter := 1; ; iter++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("homing interrupted: %w", err)
		}

		worst, err := p.homeStep(ctx, home, ids)
		if err != nil {
			return err
		}
		slog.Debug("homing step", "iteration", iter, "worst_error", worst)

		if worst < opts.Threshold {
			slog.Info("homing converged", "iterations", iter, "worst_error", worst)
			return nil
		}
		if opts.MaxIterations > 0 && iter >= opts.MaxIterations {
			return fmt.Errorf("%w after %d iterations (worst error %.3f rad)", core.ErrHomingNotConverged, iter, worst)
		}

		if opts.Interval > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("homing interrupted: %w", ctx.Err())
			case <-time.After(opts.Interval):
			}
		}
	}
}

// homeStep reads all home joints, commands one clamped step each and
// returns the worst absolute error seen before stepping. A joint without
// feedback is skipped and keeps the iteration from counting as converged.
func (p *Provider) homeStep(ctx context.Context, home []core.HomeTarget, ids []core.ActuatorID) (float64, error) {
	states, err := p.bus.GetActuatorsState(ctx, ids)
	if err != nil {
		return 0, &core.SnapshotError{Source: "actuators", Err: err}
	}
	aligned := alignStates(ids, states)

	worst := 0.0
	cmds := make([]core.ActuatorCommand, 0, len(home))
	for i, h := range home {
		s := aligned[i]
		if s == nil || s.Position == nil {
			worst = math.Inf(1)
			continue
		}

		pos := *s.Position
		errAngle := core.NormalizeAngle(h.Angle - pos)
		worst = math.Max(worst, math.Abs(errAngle))

		cmds = append(cmds, core.ActuatorCommand{
			ID:       h.ID,
			Position: pos + core.Clamp(errAngle, p.opts.Homing.MaxStep),
		})
	}

	if len(cmds) == 0 {
		return worst, nil
	}

	results, err := p.bus.CommandActuators(ctx, cmds)
	if err != nil {
		return 0, fmt.Errorf("failed to command homing step: %w", err)
	}
	for _, r := range results {
		if !r.Success {
			slog.Warn("homing command failed", "actuator_id", r.ID, "error", r.Err)
		}
	}
	return worst, nil
}
