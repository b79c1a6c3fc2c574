package teleop

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/term"

	"kbotrt/core"
)

const (
	keyEsc   = 0x1b
	keyCtrlC = 0x03
)

// KeyboardConfig tunes the keyboard input mapping
type KeyboardConfig struct {
	PollInterval time.Duration // input poll period
	ReleaseAfter time.Duration // a velocity key not repeated for this long counts as released
	VelStep      float32       // m/s commanded by w/s/a/d
	YawRateStep  float32       // rad/s commanded by q/e
	HeightStep   float32       // m per r/f press
	HeightLimit  float32
	AngleStep    float32 // rad per i/k/j/l press
	AngleLimit   float32
}

// DefaultKeyboardConfig returns the standard key mapping
func DefaultKeyboardConfig() KeyboardConfig {
	return KeyboardConfig{
		PollInterval: 50 * time.Millisecond,
		ReleaseAfter: 600 * time.Millisecond,
		VelStep:      0.5,
		YawRateStep:  0.5,
		HeightStep:   0.01,
		HeightLimit:  0.1,
		AngleStep:    0.05,
		AngleLimit:   0.3,
	}
}

// Keyboard polls a terminal and writes operator commands into a Channel.
// It runs on its own goroutine and shares nothing with the control loop
// except the channel's atomics.
type Keyboard struct {
	ch  *Channel
	in  io.Reader
	cfg KeyboardConfig

	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once

	restore func()

	// owned by the poll goroutine
	lastPress [NumFields]time.Time
	lastPoll  time.Time
}

// NewKeyboard creates a poller reading from in (usually os.Stdin)
func NewKeyboard(ch *Channel, in io.Reader, cfg KeyboardConfig) *Keyboard {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultKeyboardConfig().PollInterval
	}
	return &Keyboard{
		ch:   ch,
		in:   in,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// PrintHelp writes the key bindings to w
func PrintHelp(w io.Writer) {
	fmt.Fprintln(w, "Keyboard controls will be available after startup:")
	fmt.Fprintln(w, "  W/S: X velocity (forward/backward)")
	fmt.Fprintln(w, "  A/D: Y velocity (left/right)")
	fmt.Fprintln(w, "  Q/E: Yaw rate (turn left/right)")
	fmt.Fprintln(w, "  R/F: Base height up/down")
	fmt.Fprintln(w, "  I/K: Pitch, J/L: Roll")
	fmt.Fprintln(w, "  0-9: Mode index")
	fmt.Fprintln(w, "  Space: Reset all commands")
	fmt.Fprintln(w, "  ESC or Ctrl+C: Exit program")
}

// Start switches the terminal to raw mode (when in is a terminal) and
// begins polling. Calling Start on a running keyboard is a no-op.
func (k *Keyboard) Start() error {
	if !k.running.CompareAndSwap(false, true) {
		return nil
	}

	if f, ok := k.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		state, err := term.MakeRaw(fd)
		if err != nil {
			k.running.Store(false)
			return fmt.Errorf("failed to enable raw mode: %w", err)
		}
		k.restore = func() { _ = term.Restore(fd, state) }
	}

	chunks := make(chan []byte, 16)
	go k.readLoop(chunks)
	go k.pollLoop(chunks)
	return nil
}

// Stop ends polling and restores the terminal
func (k *Keyboard) Stop() {
	k.once.Do(func() {
		if !k.running.Load() {
			return
		}
		close(k.stop)
		<-k.done
		k.running.Store(false)
	})
}

// Running reports whether the poller is active
func (k *Keyboard) Running() bool {
	return k.running.Load()
}

// readLoop forwards raw input; it may stay blocked in Read after Stop,
// which is harmless for stdin.
func (k *Keyboard) readLoop(chunks chan<- []byte) {
	buf := make([]byte, 16)
	for {
		n, err := k.in.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case chunks <- chunk:
			case <-k.stop:
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				slog.Warn("keyboard read failed", "error", err)
			}
			return
		}
	}
}

func (k *Keyboard) pollLoop(chunks <-chan []byte) {
	defer close(k.done)
	defer func() {
		if k.restore != nil {
			k.restore()
		}
	}()

	ticker := time.NewTicker(k.cfg.PollInterval)
	defer ticker.Stop()
	k.lastPoll = time.Now()

	for {
		select {
		case <-k.stop:
			return
		case chunk := <-chunks:
			k.handleChunk(chunk, time.Now())
		case now := <-ticker.C:
			k.tick(now)
		}
	}
}

// handleChunk interprets one read. A lone ESC is the exit key; ESC followed
// by more bytes is a terminal escape sequence (arrow keys) and is ignored.
func (k *Keyboard) handleChunk(chunk []byte, now time.Time) {
	if len(chunk) > 1 && chunk[0] == keyEsc {
		return
	}
	for _, b := range chunk {
		k.HandleKey(b, now)
	}
}

// HandleKey applies one key press to the channel
func (k *Keyboard) HandleKey(b byte, now time.Time) {
	c := k.ch
	switch b {
	case keyEsc, keyCtrlC:
		slog.Info("exit key pressed, requesting shutdown")
		c.RequestShutdown()
	case 'w', 'W':
		k.press(VelX, k.cfg.VelStep, now)
	case 's', 'S':
		k.press(VelX, -k.cfg.VelStep, now)
	case 'a', 'A':
		k.press(VelY, k.cfg.VelStep, now)
	case 'd', 'D':
		k.press(VelY, -k.cfg.VelStep, now)
	case 'q', 'Q':
		k.press(YawRate, k.cfg.YawRateStep, now)
	case 'e', 'E':
		k.press(YawRate, -k.cfg.YawRateStep, now)
	case 'r', 'R':
		c.Add(Height, k.cfg.HeightStep, k.cfg.HeightLimit)
	case 'f', 'F':
		c.Add(Height, -k.cfg.HeightStep, k.cfg.HeightLimit)
	case 'i', 'I':
		c.Add(Pitch, k.cfg.AngleStep, k.cfg.AngleLimit)
	case 'k', 'K':
		c.Add(Pitch, -k.cfg.AngleStep, k.cfg.AngleLimit)
	case 'j', 'J':
		c.Add(Roll, k.cfg.AngleStep, k.cfg.AngleLimit)
	case 'l', 'L':
		c.Add(Roll, -k.cfg.AngleStep, k.cfg.AngleLimit)
	case ' ':
		c.Reset()
		k.lastPress = [NumFields]time.Time{}
	default:
		if b >= '0' && b <= '9' {
			c.Set(Mode, float32(b-'0'))
		}
	}
}

func (k *Keyboard) press(f Field, v float32, now time.Time) {
	k.ch.Set(f, v)
	k.lastPress[f] = now
}

// tick releases velocity keys that stopped repeating and integrates the
// commanded yaw rate into the yaw setpoint.
func (k *Keyboard) tick(now time.Time) {
	for _, f := range [...]Field{VelX, VelY, YawRate} {
		last := k.lastPress[f]
		if !last.IsZero() && now.Sub(last) > k.cfg.ReleaseAfter {
			k.ch.Set(f, 0)
			k.lastPress[f] = time.Time{}
		}
	}

	dt := now.Sub(k.lastPoll).Seconds()
	k.lastPoll = now
	if rate := k.ch.Get(YawRate); rate != 0 {
		yaw := core.NormalizeAngle(float64(k.ch.Get(Yaw)) + float64(rate)*dt)
		k.ch.Set(Yaw, float32(yaw))
	}
}
