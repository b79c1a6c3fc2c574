// Package teleop carries live operator commands from an input-polling
// goroutine to the control loop without locks.
package teleop

import (
	"math"
	"sync/atomic"
)

// Field indexes one scalar of the operator command vector
type Field int

const (
	VelX Field = iota
	VelY
	YawRate
	Yaw
	Height
	Roll
	Pitch
	Mode
	NumFields
)

var fieldNames = [NumFields]string{"vel_x", "vel_y", "yaw_rate", "yaw", "height", "roll", "pitch", "mode"}

func (f Field) String() string {
	if f < 0 || f >= NumFields {
		return "invalid"
	}
	return fieldNames[f]
}

// Channel is the shared operator command vector. Each scalar is a float32
// stored as its bit pattern in an atomic word; the newest write wins.
// It is created once and handed to both the input poller and the sensor
// fusion provider.
type Channel struct {
	words    [NumFields]atomic.Uint32
	shutdown atomic.Bool
}

// NewChannel returns a zeroed channel
func NewChannel() *Channel {
	return &Channel{}
}

// Set stores v into field f
func (c *Channel) Set(f Field, v float32) {
	if f < 0 || f >= NumFields {
		return
	}
	c.words[f].Store(math.Float32bits(v))
}

// Get loads field f
func (c *Channel) Get(f Field) float32 {
	if f < 0 || f >= NumFields {
		return 0
	}
	return math.Float32frombits(c.words[f].Load())
}

// Add adds delta to field f and returns the result clamped to [-limit, limit].
// Only the input goroutine writes, so load-modify-store is sufficient.
func (c *Channel) Add(f Field, delta, limit float32) float32 {
	v := c.Get(f) + delta
	if v > limit {
		v = limit
	} else if v < -limit {
		v = -limit
	}
	c.Set(f, v)
	return v
}

// Vector loads every field. Fields are read independently, so the result
// may mix writes from different poll iterations.
func (c *Channel) Vector() [NumFields]float32 {
	var out [NumFields]float32
	for i := range out {
		out[i] = math.Float32frombits(c.words[i].Load())
	}
	return out
}

// Reset zeroes every field. The shutdown flag is left untouched.
func (c *Channel) Reset() {
	for i := range c.words {
		c.words[i].Store(0)
	}
}

// RequestShutdown asks the process to stop gracefully
func (c *Channel) RequestShutdown() {
	c.shutdown.Store(true)
}

// ShutdownRequested reports whether the input side asked to stop
func (c *Channel) ShutdownRequested() bool {
	return c.shutdown.Load()
}
