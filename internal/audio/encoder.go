package audio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/braheezy/shine-mp3/pkg/mp3"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	MimeWAV = "audio/wav"
	MimeMP3 = "audio/mpeg"
)

var ErrNoSupportedEncoding = errors.New("no supported audio encoding")

// Clip is a finalized recording on disk.
type Clip struct {
	Path     string        `json:"path"`
	MimeType string        `json:"mime_type"`
	Duration time.Duration `json:"duration"`
	Bytes    int64         `json:"bytes"`
}

// Encoder consumes PCM16 frames and produces a Clip on Close.
type Encoder interface {
	MimeType() string
	Write(pcm []byte) error
	Close() (Clip, error)
}

type encoderSpec struct {
	ext string
	new func(f *os.File, format Format) Encoder
}

var encoders = map[string]encoderSpec{
	MimeWAV: {ext: ".wav", new: newWAVEncoder},
	MimeMP3: {ext: ".mp3", new: newMP3Encoder},
}

// Supported reports whether mime can be encoded.
func Supported(mime string) bool {
	_, ok := encoders[normalizeMime(mime)]
	return ok
}

// SelectEncoding returns the first supported entry of preferred.
func SelectEncoding(preferred []string) (string, error) {
	for _, mime := range preferred {
		if Supported(mime) {
			return normalizeMime(mime), nil
		}
	}
	return "", fmt.Errorf("%w: tried %s", ErrNoSupportedEncoding, strings.Join(preferred, ", "))
}

// NewEncoder creates an encoder writing a new file named base in dir.
func NewEncoder(mime, dir, base string, format Format) (Encoder, error) {
	entry, ok := encoders[normalizeMime(mime)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSupportedEncoding, mime)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create clip dir: %w", err)
	}
	file, err := os.Create(filepath.Join(dir, base+entry.ext))
	if err != nil {
		return nil, fmt.Errorf("create clip file: %w", err)
	}
	return entry.new(file, format), nil
}

func normalizeMime(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	switch mime {
	case "audio/x-wav", "audio/wave":
		return MimeWAV
	case "audio/mp3":
		return MimeMP3
	}
	return mime
}

type wavEncoder struct {
	mu      sync.Mutex
	file    *os.File
	enc     *wav.Encoder
	format  Format
	written int64
	closed  bool
}

func newWAVEncoder(f *os.File, format Format) Encoder {
	return &wavEncoder{
		file:   f,
		enc:    wav.NewEncoder(f, format.SampleRate, 16, format.Channels, 1),
		format: format,
	}
}

func (e *wavEncoder) MimeType() string { return MimeWAV }

func (e *wavEncoder) Write(pcm []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrStreamClosed
	}
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	samples := Samples(pcm)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: e.format.Channels, SampleRate: e.format.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := e.enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	e.written += int64(len(pcm))
	return nil
}

func (e *wavEncoder) Close() (Clip, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Clip{}, ErrStreamClosed
	}
	e.closed = true
	encErr := e.enc.Close()
	closeErr := e.file.Close()
	if err := errors.Join(encErr, closeErr); err != nil {
		return Clip{}, fmt.Errorf("close wav encoder: %w", err)
	}
	return finishClip(e.file.Name(), MimeWAV, e.format.Duration(e.written))
}

// mp3 frames hold 1152 samples per channel.
const mp3FrameSamples = 1152

type mp3Encoder struct {
	mu      sync.Mutex
	file    *os.File
	enc     *mp3.Encoder
	format  Format
	buffer  []int16
	written int64
	closed  bool
}

func newMP3Encoder(f *os.File, format Format) Encoder {
	return &mp3Encoder{
		file:   f,
		enc:    mp3.NewEncoder(format.SampleRate, format.Channels),
		format: format,
		buffer: make([]int16, 0, mp3FrameSamples*format.Channels*4),
	}
}

func (e *mp3Encoder) MimeType() string { return MimeMP3 }

func (e *mp3Encoder) Write(pcm []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrStreamClosed
	}
	e.buffer = append(e.buffer, Samples(pcm)...)
	e.written += int64(len(pcm) &^ 1)
	if len(e.buffer) >= mp3FrameSamples*e.format.Channels*4 {
		e.enc.Write(e.file, e.buffer)
		e.buffer = e.buffer[:0]
	}
	return nil
}

func (e *mp3Encoder) Close() (Clip, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Clip{}, ErrStreamClosed
	}
	e.closed = true
	if len(e.buffer) > 0 {
		block := mp3FrameSamples * e.format.Channels
		for len(e.buffer)%block != 0 {
			e.buffer = append(e.buffer, 0)
		}
		e.enc.Write(e.file, e.buffer)
		e.buffer = nil
	}
	if err := e.file.Close(); err != nil {
		return Clip{}, fmt.Errorf("close mp3 file: %w", err)
	}
	return finishClip(e.file.Name(), MimeMP3, e.format.Duration(e.written))
}

func finishClip(path, mime string, d time.Duration) (Clip, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Clip{}, fmt.Errorf("stat clip: %w", err)
	}
	return Clip{Path: path, MimeType: mime, Duration: d, Bytes: info.Size()}, nil
}
