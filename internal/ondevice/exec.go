package ondevice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-capture/internal/audio"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/preload"
	"github.com/loqalabs/loqa-capture/internal/speech"
	"github.com/mattn/go-shellwords"
)

// ExecBackend runs an external recognizer command over WAV segments. The
// command receives --audio, --model, --language and, for interim results,
// --partial, and prints {"text": "...", "confidence": 0.0} on stdout.
type ExecBackend struct {
	cmd    []string
	cfg    config.TranscriptionConfig
	logger *slog.Logger
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecBackend(cfg config.TranscriptionConfig, logger *slog.Logger) (*ExecBackend, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse transcription command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transcription command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecBackend{cmd: args, cfg: cfg, logger: logger}, nil
}

func (b *ExecBackend) Name() string { return "exec" }

func (b *ExecBackend) Available(preload.Model) error {
	if _, err := exec.LookPath(b.cmd[0]); err != nil {
		return fmt.Errorf("transcription command: %w", err)
	}
	return nil
}

func (b *ExecBackend) New(modelDir string, model preload.Model) (Transcriber, error) {
	modelPath := modelDir
	if dominant := model.Dominant(); dominant.Name != "" {
		modelPath = filepath.Join(modelDir, dominant.Name)
	}
	return &execTranscriber{
		cmd:          append([]string(nil), b.cmd...),
		modelPath:    modelPath,
		language:     b.cfg.Language,
		partialEvery: time.Duration(b.cfg.PartialEveryMS) * time.Millisecond,
		segment:      time.Duration(b.cfg.SegmentMS) * time.Millisecond,
		logger:       b.logger.With(slog.String("component", "exec-transcriber")),
	}, nil
}

type execTranscriber struct {
	cmd          []string
	modelPath    string
	language     string
	partialEvery time.Duration
	segment      time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

func (t *execTranscriber) Start(_ context.Context, stream audio.Stream, emit func(speech.TranscriptUpdate), fail func(error)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return speech.ErrInitCancelled
	}
	if t.cancel != nil {
		return speech.ErrAlreadyActive
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.loop(ctx, stream, emit, fail, t.done)
	return nil
}

func (t *execTranscriber) loop(ctx context.Context, stream audio.Stream, emit func(speech.TranscriptUpdate), fail func(error), done chan struct{}) {
	defer close(done)
	format := stream.Format()
	var segment []byte
	var sincePartial int64
	frames := stream.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				if len(segment) > 0 {
					t.emitResult(ctx, segment, format, true, emit, fail)
				}
				return
			}
			segment = append(segment, frame...)
			sincePartial += int64(len(frame))
			switch {
			case t.segment > 0 && format.Duration(int64(len(segment))) >= t.segment:
				if !t.emitResult(ctx, segment, format, true, emit, fail) {
					return
				}
				segment = nil
				sincePartial = 0
			case t.partialEvery > 0 && format.Duration(sincePartial) >= t.partialEvery:
				if !t.emitResult(ctx, segment, format, false, emit, fail) {
					return
				}
				sincePartial = 0
			}
		}
	}
}

// emitResult transcribes pcm and reports whether the loop should continue.
func (t *execTranscriber) emitResult(ctx context.Context, pcm []byte, format audio.Format, final bool, emit func(speech.TranscriptUpdate), fail func(error)) bool {
	callCtx, cancel := context.WithTimeout(ctx, 45*time.Second)
	defer cancel()
	res, err := t.transcribe(callCtx, pcm, format, final)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		t.logger.Error("transcription command failed", slog.String("error", err.Error()))
		if fail != nil {
			fail(err)
		}
		return false
	}
	if final {
		emit(speech.TranscriptUpdate{Final: res.Text})
	} else {
		emit(speech.TranscriptUpdate{Interim: res.Text})
	}
	return true
}

func (t *execTranscriber) transcribe(ctx context.Context, pcm []byte, format audio.Format, final bool) (execResult, error) {
	file, err := os.CreateTemp("", "loqa_capture_*.wav")
	if err != nil {
		return execResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm[:len(pcm)&^1], format); err != nil {
		return execResult{}, err
	}

	args := append([]string{}, t.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if t.modelPath != "" {
		args = append(args, "--model", t.modelPath)
	}
	if t.language != "" {
		args = append(args, "--language", t.language)
	}
	if !final {
		args = append(args, "--partial")
	}

	command := exec.CommandContext(ctx, t.cmd[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return execResult{}, fmt.Errorf("transcription command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return execResult{}, fmt.Errorf("decode transcription response: %w", err)
	}
	return resp, nil
}

func (t *execTranscriber) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	cancel, done := t.cancel, t.done
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func writePCMToWav(file *os.File, pcm []byte, format audio.Format) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	samples := audio.Samples(pcm)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buffer := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		Data:   data,
	}
	enc := wav.NewEncoder(file, format.SampleRate, 16, format.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
