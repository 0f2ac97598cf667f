//go:build tinygo || wasm

// Command energy is a reference speech guest for the on-device engine. It
// does no recognition: it segments PCM16 input on signal energy and emits a
// placeholder word per voiced segment, which is enough to exercise model
// loading, confirmation and silence handling end to end.
//
//	tinygo build -o stt.wasm -target=wasi ./guests/energy
package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"unsafe"

	"github.com/loqalabs/loqa-capture/guests/internal/host"
)

const (
	voicedRMS  = 500
	quietLimit = 0.4 // seconds of quiet that end a segment
)

var (
	buf []byte

	sampleRate int
	channels   int

	voiced   bool
	segment  float64
	quiet    float64
	segments int
)

//export alloc
func alloc(size uint32) unsafe.Pointer {
	if uint32(cap(buf)) < size {
		buf = make([]byte, size)
	}
	buf = buf[:size]
	return unsafe.Pointer(&buf[0])
}

//export stt_init
func sttInit(rate, ch int32) int32 {
	if rate <= 0 || ch <= 0 {
		return 1
	}
	sampleRate, channels = int(rate), int(ch)
	if dir := os.Getenv("MODEL_DIR"); dir != "" {
		host.Log("energy guest ready, model dir " + dir)
	}
	return 0
}

//export stt_feed
func sttFeed(ptr unsafe.Pointer, length uint32) int32 {
	if sampleRate == 0 {
		return 2
	}
	frame := unsafe.Slice((*byte)(ptr), length)
	samples := len(frame) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(frame); i += 2 {
		v := float64(int16(binary.LittleEndian.Uint16(frame[i:])))
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(samples))
	secs := float64(samples/channels) / float64(sampleRate)

	switch {
	case rms >= voicedRMS:
		voiced = true
		segment += secs
		quiet = 0
		host.Emit(fmt.Sprintf("speech %.1fs", segment), false)
	case voiced:
		quiet += secs
		if quiet >= quietLimit {
			closeSegment()
		}
	}
	return 0
}

//export stt_flush
func sttFlush() int32 {
	if voiced {
		closeSegment()
	}
	return 0
}

func closeSegment() {
	segments++
	host.Emit(fmt.Sprintf("segment%d ", segments), true)
	voiced, segment, quiet = false, 0, 0
}

func main() {}
