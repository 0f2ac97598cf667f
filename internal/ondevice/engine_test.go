package ondevice

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-capture/internal/audio"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/overrides"
	"github.com/loqalabs/loqa-capture/internal/preload"
	"github.com/loqalabs/loqa-capture/internal/speech"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

var testFormat = audio.Format{SampleRate: 16000, Channels: 1}

func testManifest() preload.Manifest {
	return preload.Manifest{Models: []preload.Model{
		{ID: preload.FallbackModelID, Repo: "acme/tiny", Module: "stt.wasm", Files: []preload.File{{Name: "stt.wasm"}}},
		{ID: "configured", Repo: "acme/configured", Module: "stt.wasm", Files: []preload.File{{Name: "stt.wasm"}}},
		{ID: "override", Repo: "acme/override", Module: "stt.wasm", Files: []preload.File{{Name: "stt.wasm"}}},
	}}
}

type fakeModels struct {
	block bool
	err   error
	calls atomic.Int32
}

func (f *fakeModels) Manifest() preload.Manifest { return testManifest() }

func (f *fakeModels) Ensure(ctx context.Context, modelID string) (string, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.err != nil {
		return "", f.err
	}
	return "/models/" + modelID, nil
}

type fakeTranscriber struct {
	startErr error
	stopErr  error
	hold     bool

	started chan struct{}
	stopCh  chan struct{}
	once    sync.Once
	stops   atomic.Int32

	mu   sync.Mutex
	emit func(speech.TranscriptUpdate)
	fail func(error)
}

func newFakeTranscriber() *fakeTranscriber {
	return &fakeTranscriber{started: make(chan struct{}), stopCh: make(chan struct{})}
}

func (f *fakeTranscriber) Start(ctx context.Context, _ audio.Stream, emit func(speech.TranscriptUpdate), fail func(error)) error {
	f.mu.Lock()
	f.emit, f.fail = emit, fail
	f.mu.Unlock()
	close(f.started)
	if f.hold {
		select {
		case <-f.stopCh:
			return errors.New("transcriber torn down")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.startErr
}

func (f *fakeTranscriber) Stop() error {
	f.stops.Add(1)
	f.once.Do(func() { close(f.stopCh) })
	return f.stopErr
}

func (f *fakeTranscriber) send(u speech.TranscriptUpdate) {
	f.mu.Lock()
	emit := f.emit
	f.mu.Unlock()
	emit(u)
}

func (f *fakeTranscriber) crash(err error) {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	fail(err)
}

type fakeBackend struct {
	tr       *fakeTranscriber
	availErr error
	created  atomic.Int32
	lastDir  atomic.Value
}

func (b *fakeBackend) Name() string { return "fake" }
func (b *fakeBackend) Available(preload.Model) error { return b.availErr }

func (b *fakeBackend) New(dir string, _ preload.Model) (Transcriber, error) {
	b.created.Add(1)
	b.lastDir.Store(dir)
	return b.tr, nil
}

type recorder struct {
	mu          sync.Mutex
	statuses    []speech.Status
	transcripts []speech.TranscriptUpdate
	errs        []error
}

func (r *recorder) handlers() speech.Handlers {
	return speech.Handlers{
		OnStatus: func(s speech.Status) {
			r.mu.Lock()
			r.statuses = append(r.statuses, s)
			r.mu.Unlock()
		},
		OnTranscript: func(u speech.TranscriptUpdate) {
			r.mu.Lock()
			r.transcripts = append(r.transcripts, u)
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) snapshot() ([]speech.Status, []speech.TranscriptUpdate, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]speech.Status(nil), r.statuses...), append([]speech.TranscriptUpdate(nil), r.transcripts...), append([]error(nil), r.errs...)
}

type fixture struct {
	engine  *Engine
	models  *fakeModels
	backend *fakeBackend
	device  *audio.MemoryDevice
	rec     *recorder
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		models:  &fakeModels{},
		backend: &fakeBackend{tr: newFakeTranscriber()},
		device:  audio.NewMemoryDevice(),
		rec:     &recorder{},
	}
	opts := Options{
		Models:         f.models,
		Backend:        f.backend,
		Device:         f.device,
		Format:         testFormat,
		ConfirmTimeout: 5 * time.Second,
		Logger:         newLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.engine = New(opts, f.rec.handlers())
	t.Cleanup(func() { _ = f.engine.Stop() })
	return f
}

func startAsync(e *Engine) <-chan error {
	done := make(chan error, 1)
	go func() { done <- e.Start(context.Background()) }()
	return done
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for start to return")
		return nil
	}
}

func waitStarted(t *testing.T, tr *fakeTranscriber) {
	t.Helper()
	select {
	case <-tr.started:
	case <-time.After(5 * time.Second):
		t.Fatal("transcriber never started")
	}
}

func TestFirstTranscriptConfirmsListening(t *testing.T) {
	f := newFixture(t, nil)
	done := startAsync(f.engine)
	waitStarted(t, f.backend.tr)
	if f.engine.Listening() {
		t.Fatal("engine must not listen before confirmation")
	}
	f.backend.tr.send(speech.TranscriptUpdate{Interim: "hel"})
	if err := waitErr(t, done); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !f.engine.Listening() {
		t.Fatal("expected listening after first emission")
	}
	f.backend.tr.send(speech.TranscriptUpdate{Final: "hello"})

	statuses, transcripts, errs := f.rec.snapshot()
	if len(statuses) != 2 || statuses[0] != speech.StatusLoading || statuses[1] != speech.StatusListening {
		t.Fatalf("unexpected statuses %v", statuses)
	}
	if len(transcripts) != 2 || transcripts[1].Final != "hello" {
		t.Fatalf("unexpected transcripts %+v", transcripts)
	}
	if len(errs) != 0 {
		t.Fatalf("unexpected errors %v", errs)
	}
	if f.device.OpenStreams() != 1 {
		t.Fatalf("expected the engine to own one stream, got %d", f.device.OpenStreams())
	}

	if err := f.engine.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if f.device.OpenStreams() != 0 || f.backend.tr.stops.Load() != 1 {
		t.Fatalf("expected resources released, streams=%d stops=%d", f.device.OpenStreams(), f.backend.tr.stops.Load())
	}
	before, _, _ := f.rec.snapshot()
	if err := f.engine.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	after, _, _ := f.rec.snapshot()
	if len(after) != len(before) {
		t.Fatal("second stop must be a no-op")
	}
}

func TestConfirmationTimeoutProceedsToListening(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.ConfirmTimeout = 20 * time.Millisecond })
	if err := f.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !f.engine.Listening() {
		t.Fatal("expected listening after confirmation timeout")
	}
}

func TestStopDuringTranscriberStartCancels(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.tr.hold = true
	done := startAsync(f.engine)
	waitStarted(t, f.backend.tr)

	if err := f.engine.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	err := waitErr(t, done)
	if !speech.Cancelled(err) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if f.device.OpenStreams() != 0 {
		t.Fatalf("expected stream released, %d open", f.device.OpenStreams())
	}
	if _, _, errs := f.rec.snapshot(); len(errs) != 0 {
		t.Fatalf("cancellation must not surface errors, got %v", errs)
	}
	if f.engine.Listening() {
		t.Fatal("cancelled engine must not listen")
	}
}

func TestStopDuringModelLoadCancels(t *testing.T) {
	f := newFixture(t, nil)
	f.models.block = true
	done := startAsync(f.engine)
	deadline := time.Now().Add(5 * time.Second)
	for f.models.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	_ = f.engine.Stop()
	if err := waitErr(t, done); !speech.Cancelled(err) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if f.device.Opened() != 0 || f.backend.created.Load() != 0 {
		t.Fatal("no resources may be acquired after a stop")
	}
}

func TestModelLoadTimeout(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.ModelLoadTimeout = 30 * time.Millisecond })
	f.models.block = true
	err := f.engine.Start(context.Background())
	if speech.KindOf(err) != speech.KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if speech.Cancelled(err) {
		t.Fatal("timeout must not look like cancellation")
	}
}

func TestMicrophoneDenied(t *testing.T) {
	f := newFixture(t, nil)
	f.device.FailOpen(audio.ErrPermissionDenied)
	err := f.engine.Start(context.Background())
	if speech.KindOf(err) != speech.KindPermissionDenied {
		t.Fatalf("expected permission denied, got %v", err)
	}
	var se *speech.Error
	if !errors.As(err, &se) || se.Engine != Name {
		t.Fatalf("expected engine-tagged error, got %v", err)
	}
}

func TestRuntimeFailureAfterListening(t *testing.T) {
	f := newFixture(t, nil)
	done := startAsync(f.engine)
	waitStarted(t, f.backend.tr)
	f.backend.tr.send(speech.TranscriptUpdate{Final: "ok"})
	if err := waitErr(t, done); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.backend.tr.crash(errors.New("guest trapped"))

	deadline := time.Now().Add(5 * time.Second)
	for f.device.OpenStreams() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	statuses, _, errs := f.rec.snapshot()
	if statuses[len(statuses)-1] != speech.StatusError || len(errs) != 1 {
		t.Fatalf("expected surfaced failure, statuses=%v errs=%v", statuses, errs)
	}
	if f.device.OpenStreams() != 0 {
		t.Fatal("expected stream released after failure")
	}
	f.backend.tr.send(speech.TranscriptUpdate{Final: "late"})
	if _, transcripts, _ := f.rec.snapshot(); len(transcripts) != 1 {
		t.Fatalf("late emissions must be dropped, got %+v", transcripts)
	}
}

type logBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRuntimeFailureLogsReleaseError(t *testing.T) {
	logs := &logBuffer{}
	f := newFixture(t, func(o *Options) {
		o.Logger = slog.New(slog.NewTextHandler(logs, nil))
	})
	f.backend.tr.stopErr = errors.New("instance busy")
	done := startAsync(f.engine)
	waitStarted(t, f.backend.tr)
	f.backend.tr.send(speech.TranscriptUpdate{Final: "ok"})
	if err := waitErr(t, done); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.backend.tr.crash(errors.New("guest trapped"))

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(logs.String(), "instance busy") && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	out := logs.String()
	if !strings.Contains(out, "release after transcription failure") || !strings.Contains(out, "instance busy") {
		t.Fatalf("release error not logged:\n%s", out)
	}
	if f.device.OpenStreams() != 0 {
		t.Fatal("stream must close even when the transcriber fails to stop")
	}
}

func TestModelResolutionOrder(t *testing.T) {
	store := overrides.NewMemoryStore()
	_ = store.Set(context.Background(), overrides.KeyModelID, "override")

	fallback := newFixture(t, nil)
	if got := fallback.engine.ModelID(context.Background()); got != preload.FallbackModelID {
		t.Fatalf("expected fallback, got %s", got)
	}
	configured := newFixture(t, func(o *Options) { o.ModelID = "configured" })
	if got := configured.engine.ModelID(context.Background()); got != "configured" {
		t.Fatalf("expected configured default, got %s", got)
	}
	dev := newFixture(t, func(o *Options) {
		o.ModelID = "configured"
		o.Flags = overrides.Flags{Store: store}
	})
	if got := dev.engine.ModelID(context.Background()); got != "override" {
		t.Fatalf("expected override in development, got %s", got)
	}
	prod := newFixture(t, func(o *Options) {
		o.ModelID = "configured"
		o.Flags = overrides.Flags{Store: store, Production: true}
	})
	if got := prod.engine.ModelID(context.Background()); got != "configured" {
		t.Fatalf("expected override ignored in production, got %s", got)
	}

	done := startAsync(dev.engine)
	waitStarted(t, dev.backend.tr)
	dev.backend.tr.send(speech.TranscriptUpdate{Interim: "x"})
	if err := waitErr(t, done); err != nil {
		t.Fatalf("start: %v", err)
	}
	if dir, _ := dev.backend.lastDir.Load().(string); dir != "/models/override" {
		t.Fatalf("expected override model dir, got %q", dir)
	}
}

func TestSupported(t *testing.T) {
	f := newFixture(t, nil)
	if !f.engine.Supported() {
		t.Fatal("expected supported")
	}
	f.backend.availErr = errors.New("no runtime")
	if f.engine.Supported() {
		t.Fatal("expected unsupported when backend unavailable")
	}
	unknown := newFixture(t, func(o *Options) { o.ModelID = "missing" })
	if unknown.engine.Supported() {
		t.Fatal("expected unsupported for unknown model")
	}
	if New(Options{}, speech.Handlers{}).Supported() {
		t.Fatal("expected unsupported without collaborators")
	}
}

func TestStartTwiceFails(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.ConfirmTimeout = 10 * time.Millisecond })
	if err := f.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.engine.Start(context.Background()); !errors.Is(err, speech.ErrAlreadyActive) {
		t.Fatalf("expected already active, got %v", err)
	}
}

func TestExecBackendTranscribesSegments(t *testing.T) {
	script := filepath.Join(t.TempDir(), "recognize.sh")
	body := "#!/bin/sh\ncase \"$*\" in\n*--partial*) echo '{\"text\":\"par\"}' ;;\n*) echo '{\"text\":\"fin\"}' ;;\nesac\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	backend, err := NewExecBackend(config.TranscriptionConfig{Command: script, PartialEveryMS: 50, SegmentMS: 100}, newLogger())
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	if err := backend.Available(preload.Model{}); err != nil {
		t.Fatalf("expected script available: %v", err)
	}
	tr, _ := backend.New(t.TempDir(), preload.Model{})

	dev := audio.NewMemoryDevice()
	stream, _ := dev.Open(context.Background(), testFormat)
	updates := make(chan speech.TranscriptUpdate, 8)
	if err := tr.Start(context.Background(), stream, func(u speech.TranscriptUpdate) { updates <- u }, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	dev.Push(make([]byte, 1600)) // 50ms
	dev.Push(make([]byte, 1600)) // 100ms

	var got []speech.TranscriptUpdate
	for len(got) < 2 {
		select {
		case u := <-updates:
			got = append(got, u)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out, got %+v", got)
		}
	}
	if got[0].Interim != "par" || got[1].Final != "fin" {
		t.Fatalf("unexpected updates %+v", got)
	}
	_ = tr.Stop()
	_ = stream.Close()
}

func TestExecBackendUnavailableCommand(t *testing.T) {
	backend, err := NewExecBackend(config.TranscriptionConfig{Command: "definitely-not-a-recognizer --flag"}, newLogger())
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	if backend.Available(preload.Model{}) == nil {
		t.Fatal("expected missing binary to be unavailable")
	}
	if _, err := NewExecBackend(config.TranscriptionConfig{Command: "   "}, newLogger()); err == nil {
		t.Fatal("expected empty command rejected")
	}
}

func TestNewBackendModes(t *testing.T) {
	for mode, want := range map[string]string{"wasm": "wasm", "mock": "mock"} {
		b, err := NewBackend(config.TranscriptionConfig{Mode: mode}, newLogger())
		if err != nil || b.Name() != want {
			t.Fatalf("mode %s: backend %v err %v", mode, b, err)
		}
	}
	if _, err := NewBackend(config.TranscriptionConfig{Mode: "cuda"}, newLogger()); err == nil {
		t.Fatal("expected unknown mode rejected")
	}
	if err := (&WASMBackend{}).Available(preload.Model{ID: "x"}); err == nil {
		t.Fatal("expected model without module unavailable")
	}
}
