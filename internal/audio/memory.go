package audio

import (
	"context"
	"sync"
)

// MemoryDevice is an in-process device. Frames pushed into it are fanned out
// to every open stream. It backs tests and headless deployments.
type MemoryDevice struct {
	mu      sync.Mutex
	streams map[*memoryStream]struct{}
	openErr error
	opened  int
}

func NewMemoryDevice() *MemoryDevice {
	return &MemoryDevice{streams: make(map[*memoryStream]struct{})}
}

// FailOpen makes subsequent Open calls return err. Pass nil to clear.
func (d *MemoryDevice) FailOpen(err error) {
	d.mu.Lock()
	d.openErr = err
	d.mu.Unlock()
}

func (d *MemoryDevice) Open(ctx context.Context, f Format) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}
	s := &memoryStream{dev: d, format: f, frames: make(chan []byte, frameBuffer)}
	d.streams[s] = struct{}{}
	d.opened++
	return s, nil
}

// Push delivers a frame to all open streams, dropping it for streams whose
// buffer is full.
func (d *MemoryDevice) Push(frame []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for s := range d.streams {
		select {
		case s.frames <- append([]byte(nil), frame...):
		default:
		}
	}
}

// OpenStreams reports how many streams are currently open.
func (d *MemoryDevice) OpenStreams() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}

// Opened reports how many streams were ever opened.
func (d *MemoryDevice) Opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

type memoryStream struct {
	dev    *MemoryDevice
	format Format
	frames chan []byte
	once   sync.Once
}

func (s *memoryStream) Frames() <-chan []byte { return s.frames }

func (s *memoryStream) Format() Format { return s.format }

func (s *memoryStream) Close() error {
	s.once.Do(func() {
		s.dev.mu.Lock()
		delete(s.dev.streams, s)
		close(s.frames)
		s.dev.mu.Unlock()
	})
	return nil
}

// UnavailableDevice refuses to open streams.
type UnavailableDevice struct{}

func (UnavailableDevice) Open(context.Context, Format) (Stream, error) {
	return nil, ErrDeviceUnavailable
}
