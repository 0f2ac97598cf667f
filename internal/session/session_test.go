package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-capture/internal/audio"
	"github.com/loqalabs/loqa-capture/internal/eventstore"
	"github.com/loqalabs/loqa-capture/internal/silence"
	"github.com/loqalabs/loqa-capture/internal/speech"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type fakeTranscription struct {
	mu       sync.Mutex
	h        speech.Handlers
	status   speech.Status
	startErr error
	hold     bool
	released chan struct{}
	entered  chan struct{}
	starts   int
	stops    int
	onStop   func()
}

func newFakeTranscription() *fakeTranscription {
	return &fakeTranscription{released: make(chan struct{}), entered: make(chan struct{}, 1)}
}

func (f *fakeTranscription) factory(h speech.Handlers) Transcription {
	f.h = h
	return f
}

func (f *fakeTranscription) Start(ctx context.Context) error {
	f.mu.Lock()
	f.starts++
	err, hold, released := f.startErr, f.hold, f.released
	f.mu.Unlock()
	select {
	case f.entered <- struct{}{}:
	default:
	}
	f.setStatus(speech.StatusLoading)
	if hold {
		select {
		case <-released:
		case <-ctx.Done():
		}
		return nil
	}
	if err != nil {
		f.setStatus(speech.StatusError)
		f.h.Error(err)
		return err
	}
	f.setStatus(speech.StatusListening)
	return nil
}

func (f *fakeTranscription) Stop() error {
	if f.onStop != nil {
		f.onStop()
	}
	f.mu.Lock()
	f.stops++
	if f.hold {
		f.hold = false
		close(f.released)
	}
	f.mu.Unlock()
	f.setStatus(speech.StatusIdle)
	return nil
}

func (f *fakeTranscription) Status() speech.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeTranscription) setStatus(s speech.Status) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
	f.h.Status(s)
}

func (f *fakeTranscription) final(text string) {
	f.h.Transcript(speech.TranscriptUpdate{Final: text})
}

func (f *fakeTranscription) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

type timelineRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *timelineRecorder) BeginSession(_ context.Context, _, encoding string) error {
	r.add("begin:" + encoding)
	return nil
}

func (r *timelineRecorder) EndSession(_ context.Context, _, outcome string) error {
	r.add("end:" + outcome)
	return nil
}

func (r *timelineRecorder) Append(_ context.Context, _, eventType string, _ any) error {
	r.add(eventType)
	return nil
}

func (r *timelineRecorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *timelineRecorder) has(e string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.events {
		if got == e {
			return true
		}
	}
	return false
}

type fakeVisualizer struct {
	mu              sync.Mutex
	calls           []string
	frames          atomic.Int32
	panicOnFinalize bool
	stopErr         error
}

func (v *fakeVisualizer) record(call string) {
	v.mu.Lock()
	v.calls = append(v.calls, call)
	v.mu.Unlock()
}

func (v *fakeVisualizer) Start(audio.Format) error {
	v.record("start")
	return nil
}

func (v *fakeVisualizer) Frame([]byte) { v.frames.Add(1) }

func (v *fakeVisualizer) Finalized(audio.Clip) {
	v.record("finalized")
	if v.panicOnFinalize {
		panic("render failed")
	}
}

func (v *fakeVisualizer) Stop() error {
	v.record("stop")
	return v.stopErr
}

func (v *fakeVisualizer) history() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.calls...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	ctrl     *Controller
	dev      *audio.MemoryDevice
	tr       *fakeTranscription
	timeline *timelineRecorder
	visual   *fakeVisualizer
	dir      string
}

func newFixture(t *testing.T, mod func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		dev:      audio.NewMemoryDevice(),
		tr:       newFakeTranscription(),
		timeline: &timelineRecorder{},
		visual:   &fakeVisualizer{},
		dir:      t.TempDir(),
	}
	opts := Options{
		Device:        f.dev,
		Format:        audio.Format{SampleRate: 16000, Channels: 1},
		Encodings:     []string{audio.MimeWAV},
		ClipDir:       f.dir,
		Transcription: f.tr.factory,
		Silence:       silence.Options{Threshold: time.Hour, Window: time.Minute},
		Visualizer:    f.visual,
		Timeline:      f.timeline,
		Logger:        newLogger(),
	}
	if mod != nil {
		mod(&opts)
	}
	ctrl, err := New(opts)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	f.ctrl = ctrl
	t.Cleanup(func() { _ = ctrl.DiscardRecording() })
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.ctrl.StartRecording(context.Background()); err != nil {
		t.Fatalf("start recording: %v", err)
	}
}

// pushSecond feeds one second of 16 kHz mono audio and waits until it was
// consumed.
func (f *fixture) pushSecond(t *testing.T) {
	t.Helper()
	before := f.visual.frames.Load()
	frame := make([]byte, 3200)
	for i := range frame {
		frame[i] = byte(i)
	}
	for range 10 {
		f.dev.Push(frame)
	}
	waitFor(t, func() bool { return f.visual.frames.Load() >= before+10 })
}

func serve(h http.Handler, url string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
	return rec
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRecordStopKeepsClip(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	snap := f.ctrl.Snapshot()
	if snap.Phase != PhaseRecording || !snap.Recording || snap.Status != speech.StatusListening {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	f.pushSecond(t)
	f.tr.final("hello")
	f.tr.final("world")

	if err := f.ctrl.StopRecording(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	snap = f.ctrl.Snapshot()
	if snap.Phase != PhaseStopped || snap.Recording {
		t.Fatalf("expected stopped snapshot, got %+v", snap)
	}
	if snap.Transcript != "hello world" {
		t.Fatalf("unexpected transcript %q", snap.Transcript)
	}
	if snap.Clip == nil || snap.ClipURL == "" || snap.Clip.Bytes == 0 {
		t.Fatalf("expected registered clip, got %+v", snap)
	}
	if snap.Clip.Duration != time.Second {
		t.Fatalf("expected one second clip, got %s", snap.Clip.Duration)
	}
	if _, err := os.Stat(snap.Clip.Path); err != nil {
		t.Fatalf("clip file missing: %v", err)
	}
	if f.dev.OpenStreams() != 0 {
		t.Fatal("microphone stream should be released")
	}
	if _, stops := f.tr.counts(); stops == 0 {
		t.Fatal("transcription should be stopped")
	}
	if got := f.visual.history(); len(got) != 3 || got[0] != "start" || got[1] != "finalized" || got[2] != "stop" {
		t.Fatalf("unexpected visualizer calls %v", got)
	}
	for _, e := range []string{"begin:audio/wav", eventstore.TypeRecordingStarted, eventstore.TypeTranscriptFinal, eventstore.TypeRecordingStopped, "end:" + eventstore.TypeRecordingStopped} {
		if !f.timeline.has(e) {
			t.Fatalf("timeline missing %s", e)
		}
	}
}

func TestSecondStartIsBusy(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	if err := f.ctrl.StartRecording(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if f.dev.Opened() != 1 {
		t.Fatalf("second start must not open the microphone, opened %d", f.dev.Opened())
	}
}

func TestMicrophoneFailureIsFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.dev.FailOpen(audio.ErrPermissionDenied)

	err := f.ctrl.StartRecording(context.Background())
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("expected permission error, got %v", err)
	}
	snap := f.ctrl.Snapshot()
	if snap.Phase != PhaseIdle || snap.Error == "" {
		t.Fatalf("expected idle with error, got %+v", snap)
	}
	if starts, _ := f.tr.counts(); starts != 0 {
		t.Fatal("transcription must not start without a microphone")
	}

	f.ctrl.ClearError()
	if f.ctrl.Snapshot().Error != "" {
		t.Fatal("expected error cleared")
	}
}

func TestTranscriptionFailureIsNonFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.tr.startErr = speech.NewError("cloud", speech.KindNetwork, errors.New("offline"))

	f.start(t)
	snap := f.ctrl.Snapshot()
	if snap.Phase != PhaseRecording {
		t.Fatalf("recording should continue, got %+v", snap)
	}
	if snap.Error == "" {
		t.Fatal("expected transcription error surfaced")
	}
	if !f.timeline.has(eventstore.TypeTranscriptionError) {
		t.Fatal("expected transcription error on the timeline")
	}
}

func TestStopDuringStartCancels(t *testing.T) {
	f := newFixture(t, nil)
	f.tr.hold = true

	done := make(chan error, 1)
	go func() { done <- f.ctrl.StartRecording(context.Background()) }()
	<-f.tr.entered

	if err := f.ctrl.StopRecording(); err != nil {
		t.Fatalf("stop during start: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrStartCancelled) {
			t.Fatalf("expected cancelled start, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return")
	}
	if snap := f.ctrl.Snapshot(); snap.Phase != PhaseIdle || snap.Recording {
		t.Fatalf("expected idle, got %+v", snap)
	}
	if f.dev.OpenStreams() != 0 {
		t.Fatal("microphone must be released")
	}
	entries, _ := os.ReadDir(f.dir)
	if len(entries) != 0 {
		t.Fatalf("cancelled start must not leave clips, found %d", len(entries))
	}
}

func TestDiscardRevokesOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	f.tr.final("draft")
	if err := f.ctrl.StopRecording(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	path := f.ctrl.Snapshot().Clip.Path

	if err := f.ctrl.DiscardRecording(); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if err := f.ctrl.DiscardRecording(); err != nil {
		t.Fatalf("second discard: %v", err)
	}
	snap := f.ctrl.Snapshot()
	if snap.Phase != PhaseDiscarded || snap.Transcript != "" || snap.Clip != nil {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("clip file should be removed, stat err %v", err)
	}
	clips := f.ctrl.Clips()
	if clips.Len() != 0 || clips.Revoked() != 1 {
		t.Fatalf("expected one revocation, len=%d revoked=%d", clips.Len(), clips.Revoked())
	}
	if !f.timeline.has(eventstore.TypeRecordingDiscarded) {
		t.Fatal("expected discard on the timeline")
	}
}

func TestDiscardWhileRecording(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	if err := f.ctrl.DiscardRecording(); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if f.dev.OpenStreams() != 0 {
		t.Fatal("microphone must be released")
	}
	entries, _ := os.ReadDir(f.dir)
	if len(entries) != 0 {
		t.Fatalf("discarded clip left on disk")
	}
	if f.ctrl.Snapshot().Phase != PhaseDiscarded {
		t.Fatal("expected discarded phase")
	}
}

func TestNewRecordingDropsUnfinalizedClip(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	if err := f.ctrl.StopRecording(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	first := f.ctrl.Snapshot().Clip.Path

	f.start(t)
	if _, err := os.Stat(first); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("previous clip should be removed")
	}
	if f.ctrl.Clips().Revoked() != 1 {
		t.Fatalf("expected previous resource revoked")
	}
	if snap := f.ctrl.Snapshot(); snap.Transcript != "" || snap.Clip != nil {
		t.Fatalf("expected fresh state, got %+v", snap)
	}
}

func TestFinalizeTransfersClip(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.ctrl.FinalizeRecording(); !errors.Is(err, ErrNoClip) {
		t.Fatalf("expected ErrNoClip before recording, got %v", err)
	}
	f.start(t)
	f.tr.final("note to self")
	if err := f.ctrl.StopRecording(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	f.ctrl.UpdateTranscript("note to self, edited")

	res, err := f.ctrl.FinalizeRecording()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if res.Transcript != "note to self, edited" || res.SessionID == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := os.Stat(res.Clip.Path); err != nil {
		t.Fatalf("finalized clip missing: %v", err)
	}
	if f.ctrl.Clips().Revoked() != 1 {
		t.Fatal("finalize should revoke the review resource")
	}
	if _, err := f.ctrl.FinalizeRecording(); !errors.Is(err, ErrNoClip) {
		t.Fatalf("second finalize should fail, got %v", err)
	}

	if err := f.ctrl.DiscardRecording(); err != nil {
		t.Fatalf("discard after finalize: %v", err)
	}
	if _, err := os.Stat(res.Clip.Path); err != nil {
		t.Fatal("discard must not touch a finalized clip")
	}
	if f.ctrl.Clips().Revoked() != 1 {
		t.Fatal("resource must be revoked exactly once")
	}
}

func TestSilenceAutoStops(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Silence = silence.Options{Threshold: 150 * time.Millisecond, Window: 100 * time.Millisecond, Poll: 10 * time.Millisecond}
	})
	var sawCountdown atomic.Bool
	cancel := f.ctrl.Subscribe(func(s Snapshot) {
		if s.CountdownMS != nil {
			sawCountdown.Store(true)
		}
	})
	defer cancel()

	f.start(t)
	waitFor(t, func() bool { return f.ctrl.Snapshot().Phase == PhaseStopped })

	if !sawCountdown.Load() {
		t.Fatal("expected a countdown before auto-stop")
	}
	if snap := f.ctrl.Snapshot(); snap.CountdownMS != nil {
		t.Fatal("countdown should clear after stop")
	}
	if !f.timeline.has(eventstore.TypeRecordingAutoStopped) {
		t.Fatal("expected auto-stop on the timeline")
	}
	if f.dev.OpenStreams() != 0 {
		t.Fatal("microphone must be released")
	}
}

func TestSilenceStoppedBeforeTranscription(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Silence = silence.Options{Threshold: time.Hour, Window: time.Minute, Poll: 10 * time.Millisecond}
	})
	var polling atomic.Bool
	f.tr.onStop = func() { polling.Store(f.ctrl.silence.Running()) }

	f.start(t)
	if !f.ctrl.silence.Running() {
		t.Fatal("silence polling should run while recording")
	}
	if err := f.ctrl.StopRecording(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, stops := f.tr.counts(); stops == 0 {
		t.Fatal("transcription should be stopped")
	}
	if polling.Load() {
		t.Fatal("silence polling still running when transcription was stopped")
	}
	if f.ctrl.Snapshot().CountdownMS != nil {
		t.Fatal("countdown should be cleared")
	}
}

func TestTeardownContinuesPastFailures(t *testing.T) {
	f := newFixture(t, nil)
	f.visual.panicOnFinalize = true
	f.visual.stopErr = errors.New("renderer gone")

	f.start(t)
	if err := f.ctrl.StopRecording(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if f.dev.OpenStreams() != 0 {
		t.Fatal("microphone must still be released")
	}
	got := f.visual.history()
	if got[len(got)-1] != "stop" {
		t.Fatalf("visualizer stop should still run, calls %v", got)
	}
	if f.ctrl.Snapshot().Phase != PhaseStopped {
		t.Fatal("expected stopped phase")
	}
}

func TestLateTranscriptIgnored(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	f.tr.final("kept")
	if err := f.ctrl.StopRecording(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	f.tr.final("late")
	if got := f.ctrl.Snapshot().Transcript; got != "kept" {
		t.Fatalf("late transcript leaked: %q", got)
	}
}

type lossyDevice struct {
	mu     sync.Mutex
	frames chan []byte
}

func (d *lossyDevice) Open(context.Context, audio.Format) (audio.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames = make(chan []byte)
	return &lossyStream{frames: d.frames}, nil
}

func (d *lossyDevice) unplug() {
	d.mu.Lock()
	close(d.frames)
	d.mu.Unlock()
}

type lossyStream struct {
	frames chan []byte
}

func (s *lossyStream) Frames() <-chan []byte { return s.frames }

func (s *lossyStream) Format() audio.Format { return audio.Format{SampleRate: 16000, Channels: 1} }

func (s *lossyStream) Close() error { return nil }

func TestDeviceLossStopsRecording(t *testing.T) {
	dev := &lossyDevice{}
	f := newFixture(t, func(o *Options) { o.Device = dev })
	f.start(t)

	dev.unplug()
	waitFor(t, func() bool { return f.ctrl.Snapshot().Phase == PhaseStopped })
	if snap := f.ctrl.Snapshot(); snap.Error == "" || snap.Clip == nil {
		t.Fatalf("expected error and kept clip, got %+v", snap)
	}
}

func TestPlaybackToggleAndSeek(t *testing.T) {
	clk := &clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	f := newFixture(t, func(o *Options) { o.Now = clk.Now })

	if _, err := f.ctrl.TogglePlayback(); !errors.Is(err, ErrNoClip) {
		t.Fatalf("expected ErrNoClip, got %v", err)
	}
	f.start(t)
	f.pushSecond(t)
	if err := f.ctrl.StopRecording(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	snap, err := f.ctrl.TogglePlayback()
	if err != nil || !snap.Playing || snap.DurationMS != 1000 || snap.URL == "" {
		t.Fatalf("unexpected playback %+v (%v)", snap, err)
	}
	clk.advance(400 * time.Millisecond)
	if got := f.ctrl.PlaybackSnapshot().PositionMS; got != 400 {
		t.Fatalf("expected position 400, got %d", got)
	}
	snap, _ = f.ctrl.TogglePlayback()
	if snap.Playing || snap.PositionMS != 400 {
		t.Fatalf("expected paused at 400, got %+v", snap)
	}
	snap, _ = f.ctrl.Seek(5 * time.Second)
	if snap.PositionMS != 1000 {
		t.Fatalf("seek should clamp, got %+v", snap)
	}
	snap, _ = f.ctrl.TogglePlayback()
	if !snap.Playing || snap.PositionMS != 0 {
		t.Fatalf("resume at end should rewind, got %+v", snap)
	}
}

func TestClipStoreServesUntilRevoked(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.wav")
	if err := os.WriteFile(path, []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}
	store := NewClipStore("/clips")
	res := store.Register(audio.Clip{Path: path, MimeType: audio.MimeWAV, Bytes: 4})

	rec := serve(store, res.URL())
	if rec.Code != 200 || rec.Header().Get("Content-Type") != audio.MimeWAV || rec.Body.String() != "RIFF" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
	if !res.Revoke() || res.Revoke() {
		t.Fatal("revoke should only take effect once")
	}
	if rec := serve(store, res.URL()); rec.Code != 404 {
		t.Fatalf("revoked clip should 404, got %d", rec.Code)
	}
	if store.Revoked() != 1 {
		t.Fatalf("expected one revocation, got %d", store.Revoked())
	}
}
