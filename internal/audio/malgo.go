package audio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

const frameBuffer = 64

// MalgoDevice captures from a miniaudio input device.
type MalgoDevice struct {
	name string
	log  *slog.Logger

	mu  sync.Mutex
	ctx *malgo.AllocatedContext
}

// NewMalgoDevice returns a device that opens the named capture device, or the
// system default when name is empty.
func NewMalgoDevice(name string, log *slog.Logger) *MalgoDevice {
	return &MalgoDevice{
		name: name,
		log:  log.With(slog.String("component", "audio.malgo")),
	}
}

func (d *MalgoDevice) context() (*malgo.AllocatedContext, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx != nil {
		return d.ctx, nil
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: init audio context: %v", ErrDeviceUnavailable, err)
	}
	d.ctx = ctx
	return ctx, nil
}

func (d *MalgoDevice) findDevice(ctx *malgo.AllocatedContext) (*malgo.DeviceID, error) {
	if d.name == "" {
		return nil, nil
	}
	devices, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("%w: list capture devices: %v", ErrDeviceUnavailable, err)
	}
	for _, info := range devices {
		if strings.Contains(info.Name(), d.name) {
			id := info.ID
			return &id, nil
		}
	}
	return nil, fmt.Errorf("%w: capture device %q not found", ErrDeviceUnavailable, d.name)
}

func (d *MalgoDevice) Open(ctx context.Context, f Format) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	actx, err := d.context()
	if err != nil {
		return nil, err
	}
	id, err := d.findDevice(actx)
	if err != nil {
		return nil, err
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(f.Channels)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.Alsa.NoMMap = 1
	if id != nil {
		cfg.Capture.DeviceID = id.Pointer()
	}

	s := &malgoStream{format: f, frames: make(chan []byte, frameBuffer), log: d.log}
	onRecv := func(_, input []byte, _ uint32) {
		if s.closed.Load() || len(input) == 0 {
			return
		}
		frame := append([]byte(nil), input...)
		select {
		case s.frames <- frame:
		default:
			s.dropped.Add(1)
		}
	}

	device, err := malgo.InitDevice(actx.Context, cfg, malgo.DeviceCallbacks{Data: onRecv})
	if err != nil {
		return nil, classifyMalgoError("init capture device", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, classifyMalgoError("start capture device", err)
	}
	s.device = device
	d.log.Info("microphone stream opened", slog.Int("sample_rate", f.SampleRate), slog.Int("channels", f.Channels))
	return s, nil
}

// Close releases the audio context. Open streams must be closed first.
func (d *MalgoDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx == nil {
		return nil
	}
	err := d.ctx.Uninit()
	d.ctx.Free()
	d.ctx = nil
	return err
}

func classifyMalgoError(op string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "denied") || strings.Contains(msg, "permission") {
		return fmt.Errorf("%w: %s: %v", ErrPermissionDenied, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, op, err)
}

type malgoStream struct {
	format  Format
	device  *malgo.Device
	frames  chan []byte
	closed  atomic.Bool
	dropped atomic.Int64
	once    sync.Once
	log     *slog.Logger
}

func (s *malgoStream) Frames() <-chan []byte { return s.frames }

func (s *malgoStream) Format() Format { return s.format }

func (s *malgoStream) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		if s.device != nil {
			err = s.device.Stop()
			s.device.Uninit()
		}
		close(s.frames)
		if n := s.dropped.Load(); n > 0 {
			s.log.Warn("microphone frames dropped", slog.Int64("frames", n))
		}
	})
	return err
}
