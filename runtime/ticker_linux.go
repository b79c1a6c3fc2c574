//go:build linux

package runtime

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// timerfdTicker reads expirations from a CLOCK_MONOTONIC timerfd, which
// keeps the period exact regardless of how long each tick's work takes.
type timerfdTicker struct {
	fd int
}

// NewTicker returns the platform's precise periodic ticker
func NewTicker(period time.Duration) (Ticker, error) {
	if period <= 0 {
		return nil, fmt.Errorf("ticker period must be positive, got %v", period)
	}

	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("failed to create timerfd: %w", err)
	}

	ts := unix.NsecToTimespec(period.Nanoseconds())
	its := unix.ItimerSpec{Interval: ts, Value: ts}
	if err := unix.TimerfdSettime(fd, 0, &its, nil); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to arm timerfd: %w", err)
	}

	return &timerfdTicker{fd: fd}, nil
}

func (t *timerfdTicker) Wait() (uint64, error) {
	var buf [8]byte
	for {
		n, err := unix.Read(t.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to wait for timer: %w", err)
		}
		if n != len(buf) {
			return 0, fmt.Errorf("short timerfd read: %d bytes", n)
		}
		return binary.NativeEndian.Uint64(buf[:]), nil
	}
}

func (t *timerfdTicker) Stop() error {
	return unix.Close(t.fd)
}
