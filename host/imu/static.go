package imu

import (
	"context"
	"time"

	"github.com/golang/geo/r3"

	"kbotrt/core"
)

// Static always reports one fixed sample. It stands in for the IMU on
// the bench.
type Static struct {
	Sample core.ImuSample
}

// NewStatic returns a level, stationary IMU
func NewStatic() *Static {
	return &Static{Sample: core.ImuSample{
		Accel:       r3.Vector{Z: 9.80665},
		Orientation: core.Identity,
	}}
}

func (s *Static) GetValues(ctx context.Context) (core.ImuSample, error) {
	if err := ctx.Err(); err != nil {
		return core.ImuSample{}, err
	}
	out := s.Sample
	out.At = time.Now()
	return out, nil
}
