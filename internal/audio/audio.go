// Package audio provides the capture primitives used by the session and the
// engines: a microphone device, PCM streams and clip encoders.
package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"time"
)

var (
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrDeviceUnavailable = errors.New("microphone unavailable")
	ErrStreamClosed      = errors.New("audio stream closed")
)

// Format describes signed 16-bit little endian PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerSecond of PCM16 data in this format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration of n bytes of PCM16 data in this format.
func (f Format) Duration(n int64) time.Duration {
	bps := int64(f.BytesPerSecond())
	if bps <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// Stream delivers PCM16 frames until closed. Frames is closed after Close.
type Stream interface {
	Frames() <-chan []byte
	Format() Format
	Close() error
}

// Device opens independent microphone streams. Each caller owns the stream
// it opened and must close it.
type Device interface {
	Open(ctx context.Context, f Format) (Stream, error)
}

// Level returns the RMS level of a PCM16 frame in [0,1].
func Level(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Samples decodes PCM16 little endian bytes into int16 samples.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}
