// Package imu provides IMU drivers producing core.ImuSample values.
package imu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/geo/r3"

	"kbotrt/core"
	"kbotrt/host/serial"
)

// DefaultDevices are tried in order by OpenFirst
var DefaultDevices = []string{"/dev/ttyUSB0", "/dev/ttyCH341USB0"}

// Options tunes the Hiwonder driver
type Options struct {
	// StaleAfter rejects samples older than this; 0 disables the check
	StaleAfter time.Duration
	Now        func() time.Time
}

// Hiwonder reads a Hiwonder/WitMotion IMU over serial. A reader goroutine
// keeps the latest accel and gyro frames and publishes a combined sample
// each time a quaternion frame completes the set.
type Hiwonder struct {
	port io.ReadCloser
	opts Options

	mu      sync.Mutex
	accel   *r3.Vector
	gyro    *r3.Vector
	latest  core.ImuSample
	have    bool
	seq     uint64
	decoder Decoder

	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// OpenFirst tries each device at baud and starts reading from the first one
// that opens
func OpenFirst(devices []string, baud int, opts Options) (*Hiwonder, error) {
	if len(devices) == 0 {
		return nil, errors.New("no IMU devices provided")
	}
	port, dev, err := serial.OpenFirst(devices, baud, serial.Config{ReadTimeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize IMU on any device: %w", err)
	}
	slog.Info("IMU reader started", "device", dev)
	return NewHiwonder(port, opts), nil
}

// NewHiwonder starts reading frames from port
func NewHiwonder(port io.ReadCloser, opts Options) *Hiwonder {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	h := &Hiwonder{
		port: port,
		opts: opts,
		done: make(chan struct{}),
	}
	go h.readLoop()
	return h
}

func (h *Hiwonder) readLoop() {
	defer close(h.done)

	buf := make([]byte, 256)
	for {
		n, err := h.port.Read(buf)
		if n > 0 {
			h.ingest(buf[:n])
		}
		if err != nil {
			if h.closing.Load() || errors.Is(err, io.ErrClosedPipe) {
				return
			}
			if errors.Is(err, io.EOF) {
				// Read timeout with no data
				time.Sleep(time.Millisecond)
				continue
			}
			slog.Warn("IMU read failed", "error", err)
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func (h *Hiwonder) ingest(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, f := range h.decoder.Feed(data) {
		switch f.Type {
		case FrameAccel:
			v := f.Vector(accelRange)
			h.accel = &v
		case FrameGyro:
			v := f.Vector(gyroRange)
			h.gyro = &v
		case FrameQuaternion:
			if h.accel == nil || h.gyro == nil {
				continue
			}
			h.seq++
			h.latest = core.ImuSample{
				Accel:       *h.accel,
				Gyro:        *h.gyro,
				Orientation: core.Normalize(f.Quaternion()),
				Seq:         h.seq,
				At:          h.opts.Now(),
			}
			h.have = true
		}
	}
}

// GetValues returns the latest complete sample
func (h *Hiwonder) GetValues(ctx context.Context) (core.ImuSample, error) {
	if err := ctx.Err(); err != nil {
		return core.ImuSample{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.have {
		return core.ImuSample{}, core.ErrNoSample
	}
	if h.opts.StaleAfter > 0 {
		if age := h.opts.Now().Sub(h.latest.At); age > h.opts.StaleAfter {
			return core.ImuSample{}, fmt.Errorf("%w: last sample %v old", core.ErrNoSample, age)
		}
	}
	return h.latest, nil
}

// BadFrames counts frames dropped for a bad checksum
func (h *Hiwonder) BadFrames() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.decoder.BadFrames
}

// Close stops the reader and closes the port
func (h *Hiwonder) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.closing.Store(true)
		err = h.port.Close()
		<-h.done
	})
	return err
}
