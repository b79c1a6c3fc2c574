package imu

import (
	"encoding/binary"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Hiwonder/WitMotion serial frames: 0x55, type, four little-endian int16
// words, then the low byte of the sum of the first ten bytes.
const (
	frameHeader = 0x55
	frameSize   = 11

	FrameAccel      = 0x51
	FrameGyro       = 0x52
	FrameAngle      = 0x53
	FrameQuaternion = 0x59

	accelRange = 16 * 9.80665         // m/s^2 at full scale
	gyroRange  = 2000 * math.Pi / 180 // rad/s at full scale
)

// Frame is one checksummed frame
type Frame struct {
	Type  byte
	Words [4]int16
}

// Vector scales the first three words to full scale
func (f Frame) Vector(fullScale float64) r3.Vector {
	return r3.Vector{
		X: float64(f.Words[0]) / 32768 * fullScale,
		Y: float64(f.Words[1]) / 32768 * fullScale,
		Z: float64(f.Words[2]) / 32768 * fullScale,
	}
}

// Quaternion decodes a 0x59 frame, words ordered w, x, y, z
func (f Frame) Quaternion() quat.Number {
	return quat.Number{
		Real: float64(f.Words[0]) / 32768,
		Imag: float64(f.Words[1]) / 32768,
		Jmag: float64(f.Words[2]) / 32768,
		Kmag: float64(f.Words[3]) / 32768,
	}
}

// EncodeFrame builds a frame, mostly for tests and simulators
func EncodeFrame(typ byte, words [4]int16) []byte {
	b := make([]byte, frameSize)
	b[0] = frameHeader
	b[1] = typ
	for i, w := range words {
		binary.LittleEndian.PutUint16(b[2+2*i:], uint16(w))
	}
	b[10] = checksum(b[:10])
	return b
}

func checksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return sum
}

// Decoder splits a byte stream into frames, skipping to the next header
// byte whenever a checksum fails
type Decoder struct {
	buf       []byte
	BadFrames uint64
}

// Feed appends data and returns the complete frames it finishes
func (d *Decoder) Feed(data []byte) []Frame {
	d.buf = append(d.buf, data...)

	var out []Frame
	i := 0
	for {
		for i < len(d.buf) && d.buf[i] != frameHeader {
			i++
		}
		if len(d.buf)-i < frameSize {
			break
		}
		raw := d.buf[i : i+frameSize]
		if checksum(raw[:10]) != raw[10] {
			d.BadFrames++
			i++
			continue
		}

		f := Frame{Type: raw[1]}
		for w := range f.Words {
			f.Words[w] = int16(binary.LittleEndian.Uint16(raw[2+2*w:]))
		}
		out = append(out, f)
		i += frameSize
	}

	d.buf = append(d.buf[:0], d.buf[i:]...)
	return out
}
