// Package runtime runs a policy against the robot at a fixed control rate.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"kbotrt/core"
	"kbotrt/policy"
)

const (
	// DefaultLatencyOffset is how long after the feedback pre-trigger the
	// next snapshot is taken, covering the bus receive latency.
	DefaultLatencyOffset = 2 * time.Millisecond
	DefaultPeriod        = 20 * time.Millisecond
	DefaultCountdown     = 4 * time.Second
)

// Provider is the slice of sensor fusion the scheduler drives directly.
// Policy inputs and actions go through the policy.Runner.
type Provider interface {
	MoveToHome(ctx context.Context) error
	ActuatorPositions(ctx context.Context, names []core.JointName) (core.Tensor, error)
	TriggerActuatorRead(ctx context.Context) error
	ResetClock()
}

// Operator gates the startup sequence on a human
type Operator interface {
	// Confirm blocks until the operator acknowledges prompt
	Confirm(ctx context.Context, prompt string) error
	// Notify shows a status line to the operator
	Notify(msg string)
}

// Options configures a Scheduler
type Options struct {
	Period          time.Duration
	LatencyOffset   time.Duration
	SlowdownFactor  int
	MagnitudeFactor float64
	Countdown       time.Duration // 0 skips the countdown

	// OnActivate runs after the operator confirms start, before the
	// countdown. The CLI starts keyboard input here.
	OnActivate func()

	// NewTicker defaults to the platform ticker
	NewTicker func(time.Duration) (Ticker, error)
}

// DefaultOptions returns the standard 50 Hz configuration
func DefaultOptions() Options {
	return Options{
		Period:          DefaultPeriod,
		LatencyOffset:   DefaultLatencyOffset,
		SlowdownFactor:  1,
		MagnitudeFactor: 1,
		Countdown:       DefaultCountdown,
	}
}

// Stats counts loop activity
type Stats struct {
	Ticks    uint64        // completed policy steps
	Overruns uint64        // sub-steps that missed a tick boundary
	LastTick time.Duration // wall time of the most recent policy step cycle
}

// Scheduler is the control loop: homing, operator gating, then one policy
// step per tick with interpolated sub-steps and feedback pre-triggering.
type Scheduler struct {
	provider Provider
	runner   policy.Runner
	operator Operator
	opts     Options

	slowdown  atomic.Int64
	magnitude atomic.Uint64 // math.Float64bits

	mu      sync.Mutex
	running bool
	done    chan struct{}
	cancel  context.CancelFunc
	err     error

	stop     atomic.Bool
	ticks    atomic.Uint64
	overruns atomic.Uint64
	lastTick atomic.Int64
}

// New validates opts and creates a Scheduler
func New(provider Provider, runner policy.Runner, operator Operator, opts Options) (*Scheduler, error) {
	if opts.LatencyOffset < 0 {
		return nil, fmt.Errorf("latency offset must not be negative, got %v", opts.LatencyOffset)
	}
	if opts.Period <= opts.LatencyOffset {
		return nil, fmt.Errorf("tick period %v must exceed latency offset %v", opts.Period, opts.LatencyOffset)
	}
	if opts.Countdown < 0 {
		return nil, fmt.Errorf("countdown must not be negative, got %v", opts.Countdown)
	}
	if opts.NewTicker == nil {
		opts.NewTicker = NewTicker
	}

	s := &Scheduler{
		provider: provider,
		runner:   runner,
		operator: operator,
		opts:     opts,
	}
	if err := s.SetSlowdownFactor(opts.SlowdownFactor); err != nil {
		return nil, err
	}
	if err := s.SetMagnitudeFactor(opts.MagnitudeFactor); err != nil {
		return nil, err
	}
	return s, nil
}

// SetSlowdownFactor sets how many ticks each policy step is spread over.
// It takes effect at the next policy step.
func (s *Scheduler) SetSlowdownFactor(n int) error {
	if n < 1 {
		return fmt.Errorf("slowdown factor must be at least 1, got %d", n)
	}
	s.slowdown.Store(int64(n))
	return nil
}

// SetMagnitudeFactor sets the scale applied to every dispatched command
func (s *Scheduler) SetMagnitudeFactor(m float64) error {
	if math.IsNaN(m) || m < 0 || m > 1 {
		return fmt.Errorf("magnitude factor must be in [0, 1], got %v", m)
	}
	s.magnitude.Store(math.Float64bits(m))
	return nil
}

func (s *Scheduler) SlowdownFactor() int      { return int(s.slowdown.Load()) }
func (s *Scheduler) MagnitudeFactor() float64 { return math.Float64frombits(s.magnitude.Load()) }

// Start launches the startup sequence and control loop on their own
// goroutine. Calling Start while running does nothing.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.err = nil
	s.done = make(chan struct{})
	s.stop.Store(false)

	go func() {
		err := s.run(runCtx)
		if err != nil {
			slog.Error("control loop failed", "error", err)
		}

		s.mu.Lock()
		s.err = err
		s.running = false
		done := s.done
		s.mu.Unlock()

		cancel()
		close(done)
	}()
	return nil
}

// Stop asks the loop to exit. The current sub-step finishes and writes
// already issued are not cancelled.
func (s *Scheduler) Stop() {
	slog.Info("stopping control loop")
	s.stop.Store(true)

	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed when the loop goroutine exits. It is nil before Start.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Wait blocks until the loop exits and returns its fatal error, or nil
// after a clean stop
func (s *Scheduler) Wait() error {
	done := s.Done()
	if done == nil {
		return nil
	}
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Running reports whether the loop goroutine is active
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stats returns a snapshot of the loop counters
func (s *Scheduler) Stats() Stats {
	return Stats{
		Ticks:    s.ticks.Load(),
		Overruns: s.overruns.Load(),
		LastTick: time.Duration(s.lastTick.Load()),
	}
}

func (s *Scheduler) run(ctx context.Context) error {
	baseline, carry, err := s.startup(ctx)
	if err != nil {
		if s.stopping(ctx) {
			slog.Info("startup aborted", "error", err)
			return nil
		}
		return err
	}
	if s.stopping(ctx) {
		return nil
	}
	return s.loop(ctx, baseline, carry)
}

// stopping reports a Stop call or cancellation of the Start context,
// both of which are operator overrides rather than failures
func (s *Scheduler) stopping(ctx context.Context) bool {
	return s.stop.Load() || ctx.Err() != nil
}

// startup runs the operator-gated sequence and returns the interpolation
// baseline and initial carry
func (s *Scheduler) startup(ctx context.Context) (core.Tensor, core.Carry, error) {
	slog.Info("starting model runtime")

	if err := s.operator.Confirm(ctx, "Press enter to home..."); err != nil {
		return nil, nil, fmt.Errorf("operator did not confirm homing: %w", err)
	}
	if err := s.provider.MoveToHome(ctx); err != nil {
		return nil, nil, fmt.Errorf("homing failed: %w", err)
	}

	if err := s.operator.Confirm(ctx, "Press enter to start..."); err != nil {
		return nil, nil, fmt.Errorf("operator did not confirm start: %w", err)
	}
	if s.opts.OnActivate != nil {
		s.opts.OnActivate()
	}

	if err := s.countdown(ctx); err != nil {
		return nil, nil, err
	}

	carry, err := s.runner.Init(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize policy: %w", err)
	}

	baseline, err := s.provider.ActuatorPositions(ctx, s.runner.Metadata().JointNames)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read initial joint positions: %w", err)
	}

	s.provider.ResetClock()
	return baseline, carry, nil
}

func (s *Scheduler) countdown(ctx context.Context) error {
	secs := int(s.opts.Countdown / time.Second)
	for n := secs; n > 0; n-- {
		s.operator.Notify(fmt.Sprintf("Starting in %d seconds...", n))
		select {
		case <-ctx.Done():
			return fmt.Errorf("countdown interrupted: %w", ctx.Err())
		case <-time.After(time.Second):
		}
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context, baseline core.Tensor, carry core.Carry) error {
	ticker, err := s.opts.NewTicker(s.opts.Period)
	if err != nil {
		return err
	}
	defer ticker.Stop()

	// Align to the first boundary before issuing anything
	if _, err := ticker.Wait(); err != nil {
		return err
	}

	// Loop I/O outlives Stop so in-flight writes complete
	ioCtx := context.WithoutCancel(ctx)

	slog.Info("entering main control loop", "period", s.opts.Period, "slowdown", s.SlowdownFactor(), "magnitude", s.MagnitudeFactor())
	for !s.stopping(ctx) {
		trace := uuid.New()
		start := time.Now()

		target, next, err := s.runner.Step(ioCtx, carry)
		if err != nil {
			return fmt.Errorf("policy step failed: %w", err)
		}
		carry = next
		slog.Debug("policy step", "trace", trace, "elapsed", time.Since(start))

		if len(target) != len(baseline) {
			return fmt.Errorf("policy produced %d values, baseline has %d", len(target), len(baseline))
		}

		slowdown := s.SlowdownFactor()
		magnitude := s.MagnitudeFactor()
		for i := 1; i <= slowdown; i++ {
			if s.stopping(ctx) {
				break
			}
			t := float64(i) / float64(slowdown)
			if err := s.runner.TakeAction(ioCtx, Interpolate(baseline, target, t, magnitude)); err != nil {
				return fmt.Errorf("failed to dispatch command: %w", err)
			}

			missed, err := ticker.Wait()
			if err != nil {
				return err
			}
			if missed > 1 {
				n := s.overruns.Add(1)
				slog.Warn("control tick overrun", "trace", trace, "missed", missed-1, "overruns", n)
			}

			if err := s.provider.TriggerActuatorRead(ioCtx); err != nil {
				slog.Warn("feedback pre-trigger failed", "trace", trace, "error", err)
			}
			time.Sleep(s.opts.LatencyOffset)
		}

		// The next baseline is the raw output, not the throttled command
		baseline = target

		elapsed := time.Since(start)
		s.lastTick.Store(int64(elapsed))
		tick := s.ticks.Add(1)
		slog.Debug("control tick", "trace", trace, "tick", tick, "elapsed", elapsed)
	}

	slog.Info("exiting main control loop", "ticks", s.ticks.Load(), "overruns", s.overruns.Load())
	return nil
}

// Interpolate returns (prev*(1-t) + target*t) * magnitude, elementwise.
// prev and target must have equal length.
func Interpolate(prev, target core.Tensor, t, magnitude float64) core.Tensor {
	out := make(core.Tensor, len(target))
	for i := range target {
		v := float64(prev[i])*(1-t) + float64(target[i])*t
		out[i] = float32(v * magnitude)
	}
	return out
}
