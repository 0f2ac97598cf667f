// Package session owns one capture session at a time: the microphone stream,
// the clip encoder, the visualizer, transcription and silence auto-stop.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-capture/internal/audio"
	"github.com/loqalabs/loqa-capture/internal/eventstore"
	"github.com/loqalabs/loqa-capture/internal/silence"
	"github.com/loqalabs/loqa-capture/internal/speech"
)

// Phase of the capture session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseRecording
	PhaseStopped
	PhaseDiscarded
	PhaseFinalized
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseRecording:
		return "recording"
	case PhaseStopped:
		return "stopped"
	case PhaseDiscarded:
		return "discarded"
	case PhaseFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

var (
	ErrBusy           = errors.New("a recording is already in progress")
	ErrNotRecording   = errors.New("not recording")
	ErrNoClip         = errors.New("no recorded clip")
	ErrStartCancelled = errors.New("recording start cancelled")
	errDeviceLost     = errors.New("microphone disconnected")
)

const (
	defaultTickEvery   = 250 * time.Millisecond
	defaultClipsPrefix = "/clips/"
)

// Transcription is the engine selector as the session sees it.
type Transcription interface {
	Start(ctx context.Context) error
	Stop() error
	Status() speech.Status
}

// TranscriptionFactory builds the transcription layer once per controller.
type TranscriptionFactory func(h speech.Handlers) Transcription

type Options struct {
	Device        audio.Device
	Format        audio.Format
	Encodings     []string
	ClipDir       string
	Transcription TranscriptionFactory
	Silence       silence.Options
	Visualizer    Visualizer
	Clips         *ClipStore
	Timeline      Timeline
	Publisher     Publisher
	// TickInterval paces elapsed-time notifications while recording.
	TickInterval time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// Snapshot is the observable session state.
type Snapshot struct {
	SessionID   string        `json:"session_id,omitempty"`
	Phase       Phase         `json:"phase"`
	Recording   bool          `json:"recording"`
	Clip        *audio.Clip   `json:"clip,omitempty"`
	ClipURL     string        `json:"clip_url,omitempty"`
	DurationMS  int64         `json:"duration_ms"`
	Transcript  string        `json:"transcript"`
	Interim     string        `json:"interim,omitempty"`
	Error       string        `json:"error,omitempty"`
	CountdownMS *int64        `json:"countdown_ms"`
	Status      speech.Status `json:"status"`
	Level       float64       `json:"level"`
	Peak        float64       `json:"peak"`
}

// Result is what a finalized session hands to its consumer.
type Result struct {
	SessionID  string     `json:"session_id"`
	Clip       audio.Clip `json:"clip"`
	Transcript string     `json:"transcript"`
}

// recording holds the resources of one in-flight capture.
type recording struct {
	id        string
	mime      string
	stream    audio.Stream
	encoder   audio.Encoder
	visual    bool
	transcr   bool
	startedAt time.Time
	pumpStop  chan struct{}
	pumpDone  chan struct{}
	tickStop  chan struct{}
	stopping  bool
	cancelled atomic.Bool
	discard   atomic.Bool
}

type Controller struct {
	opts          Options
	logger        *slog.Logger
	transcription Transcription
	silence       *silence.Controller
	cell          atomic.Pointer[speech.Handlers]

	mu         sync.Mutex
	starting   bool
	current    *recording
	phase      Phase
	sessionID  string
	clip       *audio.Clip
	resource   *Resource
	duration   time.Duration
	transcript string
	interim    string
	errMsg     string
	countdown  *time.Duration
	status     speech.Status
	playback   playback

	notifyMu sync.Mutex
	subMu    sync.Mutex
	subs     map[int]func(Snapshot)
	nextSub  int
}

func New(opts Options) (*Controller, error) {
	if opts.Device == nil {
		return nil, errors.New("session: audio device required")
	}
	if opts.Transcription == nil {
		return nil, errors.New("session: transcription factory required")
	}
	if opts.Format.SampleRate <= 0 {
		opts.Format.SampleRate = 16000
	}
	if opts.Format.Channels <= 0 {
		opts.Format.Channels = 1
	}
	if len(opts.Encodings) == 0 {
		opts.Encodings = []string{audio.MimeWAV}
	}
	if opts.ClipDir == "" {
		opts.ClipDir = os.TempDir()
	}
	if opts.Visualizer == nil {
		opts.Visualizer = NopVisualizer{}
	}
	if opts.Clips == nil {
		opts.Clips = NewClipStore(defaultClipsPrefix)
	}
	if opts.Timeline == nil {
		opts.Timeline = nopTimeline{}
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickEvery
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := os.MkdirAll(opts.ClipDir, 0o755); err != nil {
		return nil, fmt.Errorf("create clip dir: %w", err)
	}

	c := &Controller{
		opts:   opts,
		logger: opts.Logger.With(slog.String("component", "session")),
		subs:   make(map[int]func(Snapshot)),
	}
	c.cell.Store(&speech.Handlers{})
	c.transcription = opts.Transcription(speech.Handlers{
		OnStatus:     func(s speech.Status) { c.cell.Load().Status(s) },
		OnTranscript: func(u speech.TranscriptUpdate) { c.cell.Load().Transcript(u) },
		OnError:      func(err error) { c.cell.Load().Error(err) },
	})

	silOpts := opts.Silence
	silOpts.Status = c.transcription.Status
	silOpts.OnCountdown = c.onCountdown
	silOpts.OnSilence = c.onSilence
	if silOpts.Now == nil {
		silOpts.Now = opts.Now
	}
	if silOpts.Logger == nil {
		silOpts.Logger = opts.Logger
	}
	c.silence = silence.New(silOpts)
	return c, nil
}

// bind routes transcription callbacks to rec until the next bind.
func (c *Controller) bind(rec *recording) {
	c.cell.Store(&speech.Handlers{
		OnStatus:     func(s speech.Status) { c.onStatus(rec, s) },
		OnTranscript: func(u speech.TranscriptUpdate) { c.onTranscript(rec, u) },
		OnError:      func(err error) { c.onTranscriptionError(rec, err) },
	})
}

// StartRecording acquires the microphone and begins capture. Microphone and
// encoder failures abort the start; transcription failures do not.
func (c *Controller) StartRecording(ctx context.Context) error {
	c.mu.Lock()
	if c.starting || c.current != nil {
		c.mu.Unlock()
		return ErrBusy
	}
	c.starting = true
	prevClip, prevRes := c.clip, c.resource
	rec := &recording{id: uuid.NewString()}
	c.current = rec
	c.sessionID = rec.id
	c.phase = PhaseStarting
	c.clip, c.resource = nil, nil
	c.duration = 0
	c.transcript, c.interim, c.errMsg = "", "", ""
	c.countdown = nil
	c.status = speech.StatusIdle
	c.resetPlaybackLocked()
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}()

	// An unfinalized clip from the previous session is dropped.
	c.release(prevClip, prevRes)
	c.notify()

	stream, err := c.opts.Device.Open(ctx, c.opts.Format)
	if err != nil {
		return c.failStart(rec, fmt.Errorf("acquire microphone: %w", err))
	}
	rec.stream = stream

	mime, err := audio.SelectEncoding(c.opts.Encodings)
	if err != nil {
		return c.failStart(rec, err)
	}
	rec.mime = mime
	enc, err := audio.NewEncoder(mime, c.opts.ClipDir, rec.id, stream.Format())
	if err != nil {
		return c.failStart(rec, fmt.Errorf("create encoder: %w", err))
	}
	rec.encoder = enc

	if err := c.opts.Visualizer.Start(stream.Format()); err != nil {
		return c.failStart(rec, fmt.Errorf("start visualizer: %w", err))
	}
	rec.visual = true

	if rec.cancelled.Load() {
		return c.abortStart(rec)
	}

	c.bind(rec)
	rec.transcr = true
	if err := c.transcription.Start(ctx); err != nil {
		c.logger.Warn("transcription unavailable, recording without it",
			slog.String("session_id", rec.id),
			slog.String("error", err.Error()),
		)
	}

	c.mu.Lock()
	if rec.cancelled.Load() || ctx.Err() != nil || c.current != rec {
		c.mu.Unlock()
		return c.abortStart(rec)
	}
	rec.startedAt = c.opts.Now()
	rec.pumpStop = make(chan struct{})
	rec.pumpDone = make(chan struct{})
	rec.tickStop = make(chan struct{})
	c.phase = PhaseRecording
	c.mu.Unlock()

	go c.pump(rec)
	go c.tick(rec)
	c.silence.Start()

	c.logger.Info("recording started", slog.String("session_id", rec.id), slog.String("encoding", mime))
	c.begin(rec.id, mime)
	c.publishState(false)
	c.notify()
	return nil
}

func (c *Controller) failStart(rec *recording, err error) error {
	c.teardown(rec, true)
	c.mu.Lock()
	if c.current == rec {
		c.current = nil
		c.phase = PhaseIdle
		c.errMsg = err.Error()
	}
	c.mu.Unlock()
	c.logger.Error("recording start failed", slog.String("session_id", rec.id), slog.String("error", err.Error()))
	c.publishState(false)
	c.notify()
	return err
}

func (c *Controller) abortStart(rec *recording) error {
	c.teardown(rec, true)
	c.mu.Lock()
	if c.current == rec {
		c.current = nil
		c.phase = PhaseIdle
		if rec.discard.Load() {
			c.phase = PhaseDiscarded
		}
		c.transcript, c.interim = "", ""
		c.status = speech.StatusIdle
	}
	c.mu.Unlock()
	c.logger.Info("recording start cancelled", slog.String("session_id", rec.id))
	c.notify()
	return ErrStartCancelled
}

// teardown releases rec in order: transcription, pump, encoder, stream,
// visualizer, timers. Every step runs even when an earlier one fails. When
// drop is set the encoded file is deleted instead of returned.
func (c *Controller) teardown(rec *recording, drop bool) (audio.Clip, bool) {
	var errs []error
	step := func(name string, fn func() error) {
		defer func() {
			if r := recover(); r != nil {
				errs = append(errs, fmt.Errorf("%s: panic: %v", name, r))
			}
		}()
		if err := fn(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("stop silence", func() error {
		c.silence.Stop()
		return nil
	})
	if rec.transcr {
		step("stop transcription", c.transcription.Stop)
	}
	c.cell.Store(&speech.Handlers{})
	if rec.pumpStop != nil {
		step("stop pump", func() error {
			close(rec.pumpStop)
			<-rec.pumpDone
			return nil
		})
	}
	var (
		clip audio.Clip
		ok   bool
	)
	if rec.encoder != nil {
		step("close encoder", func() error {
			out, err := rec.encoder.Close()
			if err != nil {
				return err
			}
			if drop {
				return os.Remove(out.Path)
			}
			clip, ok = out, true
			c.opts.Visualizer.Finalized(out)
			return nil
		})
	}
	if rec.stream != nil {
		step("release microphone", rec.stream.Close)
	}
	if rec.visual {
		step("stop visualizer", c.opts.Visualizer.Stop)
	}
	if rec.tickStop != nil {
		step("stop ticker", func() error {
			close(rec.tickStop)
			return nil
		})
	}

	if err := errors.Join(errs...); err != nil {
		c.logger.Warn("teardown incomplete", slog.String("session_id", rec.id), slog.String("error", err.Error()))
	}
	return clip, ok
}

// StopRecording ends capture and keeps the clip for review. Stopping while
// the start is still in flight cancels it.
func (c *Controller) StopRecording() error {
	c.mu.Lock()
	rec := c.current
	c.mu.Unlock()
	if rec == nil {
		return ErrNotRecording
	}
	return c.finish(rec, eventstore.TypeRecordingStopped)
}

func (c *Controller) finish(rec *recording, outcome string) error {
	c.mu.Lock()
	if c.current != rec || rec.stopping {
		c.mu.Unlock()
		return ErrNotRecording
	}
	if c.phase == PhaseStarting {
		rec.cancelled.Store(true)
		c.mu.Unlock()
		if err := c.transcription.Stop(); err != nil {
			c.logger.Warn("cancel transcription start failed", slog.String("error", err.Error()))
		}
		return nil
	}
	rec.stopping = true
	c.mu.Unlock()

	clip, ok := c.teardown(rec, false)

	c.mu.Lock()
	c.current = nil
	c.phase = PhaseStopped
	c.countdown = nil
	c.interim = ""
	c.status = speech.StatusIdle
	c.duration = c.opts.Now().Sub(rec.startedAt)
	if ok {
		c.clip = &clip
		c.resource = c.opts.Clips.Register(clip)
		c.duration = clip.Duration
		c.playback.duration = clip.Duration
	}
	payload := stoppedPayload{DurationMS: durationMS(c.duration), Transcript: c.transcript}
	if ok {
		payload.ClipMime, payload.ClipBytes = clip.MimeType, clip.Bytes
	}
	c.mu.Unlock()

	auto := outcome == eventstore.TypeRecordingAutoStopped
	c.logger.Info("recording stopped",
		slog.String("session_id", rec.id),
		slog.Bool("auto", auto),
		slog.Int64("duration_ms", payload.DurationMS),
	)
	c.end(rec.id, outcome, payload)
	c.publishState(auto)
	c.notify()
	return nil
}

// DiscardRecording drops the clip and transcript. An active recording is torn
// down first.
func (c *Controller) DiscardRecording() error {
	c.mu.Lock()
	rec := c.current
	c.mu.Unlock()
	if rec != nil {
		rec.discard.Store(true)
		if err := c.finish(rec, eventstore.TypeRecordingStopped); err != nil && !errors.Is(err, ErrNotRecording) {
			return err
		}
	}

	c.mu.Lock()
	if c.current != nil {
		// An in-flight start aborts itself as discarded.
		c.mu.Unlock()
		return nil
	}
	if c.phase == PhaseIdle || c.phase == PhaseDiscarded {
		c.mu.Unlock()
		return nil
	}
	clip, res := c.clip, c.resource
	id := c.sessionID
	c.clip, c.resource = nil, nil
	c.transcript, c.interim, c.errMsg = "", "", ""
	c.duration = 0
	c.countdown = nil
	c.phase = PhaseDiscarded
	c.resetPlaybackLocked()
	c.mu.Unlock()

	c.release(clip, res)
	c.appendEvent(id, eventstore.TypeRecordingDiscarded, nil)
	c.logger.Info("recording discarded", slog.String("session_id", id))
	c.publishState(false)
	c.notify()
	return nil
}

// FinalizeRecording hands the clip and transcript to the caller. The file is
// no longer owned by the session afterwards.
func (c *Controller) FinalizeRecording() (Result, error) {
	c.mu.Lock()
	if c.phase != PhaseStopped || c.clip == nil {
		c.mu.Unlock()
		return Result{}, ErrNoClip
	}
	res := Result{SessionID: c.sessionID, Clip: *c.clip, Transcript: strings.TrimSpace(c.transcript)}
	resource := c.resource
	c.clip, c.resource = nil, nil
	c.phase = PhaseFinalized
	c.resetPlaybackLocked()
	c.mu.Unlock()

	resource.Revoke()
	c.appendEvent(res.SessionID, eventstore.TypeRecordingFinalized, stoppedPayload{
		DurationMS: durationMS(res.Clip.Duration),
		Transcript: res.Transcript,
		ClipMime:   res.Clip.MimeType,
		ClipBytes:  res.Clip.Bytes,
	})
	if err := c.opts.Timeline.EndSession(context.Background(), res.SessionID, eventstore.TypeRecordingFinalized); err != nil {
		c.logger.Warn("record session end failed", slog.String("error", err.Error()))
	}
	c.logger.Info("recording finalized", slog.String("session_id", res.SessionID), slog.String("path", res.Clip.Path))
	c.publishState(false)
	c.notify()
	return res, nil
}

// release revokes the clip registration and removes the file.
func (c *Controller) release(clip *audio.Clip, res *Resource) {
	res.Revoke()
	if clip == nil {
		return
	}
	if err := os.Remove(clip.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("remove clip failed", slog.String("path", clip.Path), slog.String("error", err.Error()))
	}
}

// UpdateTranscript replaces the transcript with a user edit.
func (c *Controller) UpdateTranscript(text string) {
	c.mu.Lock()
	c.transcript = text
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) ClearError() {
	c.mu.Lock()
	c.errMsg = ""
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) onStatus(rec *recording, s speech.Status) {
	c.mu.Lock()
	if c.current != rec {
		c.mu.Unlock()
		return
	}
	c.status = s
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) onTranscript(rec *recording, u speech.TranscriptUpdate) {
	if u.Empty() {
		return
	}
	c.mu.Lock()
	if c.current != rec || rec.stopping {
		c.mu.Unlock()
		return
	}
	if final := strings.TrimSpace(u.Final); final != "" {
		if c.transcript != "" && !strings.HasSuffix(c.transcript, " ") {
			c.transcript += " "
		}
		c.transcript += final
	}
	c.interim = u.Interim
	c.mu.Unlock()

	c.silence.Touch()
	if u.Interim != "" {
		c.publishTranscript(rec.id, u.Interim, true)
	}
	if final := strings.TrimSpace(u.Final); final != "" {
		c.publishTranscript(rec.id, final, false)
		c.appendEvent(rec.id, eventstore.TypeTranscriptFinal, textPayload{Text: final})
	}
	c.notify()
}

func (c *Controller) onTranscriptionError(rec *recording, err error) {
	c.mu.Lock()
	if c.current != rec {
		c.mu.Unlock()
		return
	}
	c.errMsg = err.Error()
	c.mu.Unlock()
	c.logger.Warn("transcription error",
		slog.String("session_id", rec.id),
		slog.String("kind", speech.KindOf(err).String()),
		slog.String("error", err.Error()),
	)
	c.appendEvent(rec.id, eventstore.TypeTranscriptionError, textPayload{Text: err.Error()})
	c.notify()
}

func (c *Controller) onCountdown(d *time.Duration) {
	c.mu.Lock()
	if c.current == nil {
		c.countdown = nil
	} else {
		c.countdown = d
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) onSilence() {
	c.mu.Lock()
	rec := c.current
	recording := c.phase == PhaseRecording
	c.mu.Unlock()
	if rec == nil || !recording {
		return
	}
	go func() {
		if err := c.finish(rec, eventstore.TypeRecordingAutoStopped); err != nil && !errors.Is(err, ErrNotRecording) {
			c.logger.Warn("auto-stop failed", slog.String("error", err.Error()))
		}
	}()
}

// pump feeds microphone frames to the encoder and visualizer.
func (c *Controller) pump(rec *recording) {
	defer close(rec.pumpDone)
	frames := rec.stream.Frames()
	warned := false
	for {
		select {
		case <-rec.pumpStop:
			return
		case pcm, ok := <-frames:
			if !ok {
				c.logger.Warn("microphone stream ended", slog.String("session_id", rec.id))
				c.mu.Lock()
				if c.current == rec {
					c.errMsg = errDeviceLost.Error()
				}
				c.mu.Unlock()
				go c.finish(rec, eventstore.TypeRecordingStopped)
				return
			}
			if err := rec.encoder.Write(pcm); err != nil && !warned {
				warned = true
				c.logger.Warn("encode frame failed", slog.String("session_id", rec.id), slog.String("error", err.Error()))
			}
			c.opts.Visualizer.Frame(pcm)
		}
	}
}

// tick refreshes the elapsed duration while recording.
func (c *Controller) tick(rec *recording) {
	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rec.tickStop:
			return
		case <-ticker.C:
			c.mu.Lock()
			live := c.current == rec && c.phase == PhaseRecording
			if live {
				c.duration = c.opts.Now().Sub(rec.startedAt)
			}
			c.mu.Unlock()
			if live {
				c.notify()
			}
		}
	}
}

// Snapshot returns the current session state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		SessionID:  c.sessionID,
		Phase:      c.phase,
		Recording:  c.phase == PhaseRecording,
		DurationMS: durationMS(c.duration),
		Transcript: c.transcript,
		Interim:    c.interim,
		Error:      c.errMsg,
		Status:     c.status,
	}
	if c.phase == PhaseRecording {
		snap.DurationMS = durationMS(c.opts.Now().Sub(c.current.startedAt))
	}
	if c.clip != nil {
		clip := *c.clip
		snap.Clip = &clip
		snap.ClipURL = c.resource.URL()
	}
	if c.countdown != nil {
		ms := durationMS(*c.countdown)
		snap.CountdownMS = &ms
	}
	c.mu.Unlock()

	if m, ok := c.opts.Visualizer.(interface{ Levels() (float64, float64) }); ok {
		snap.Level, snap.Peak = m.Levels()
	}
	return snap
}

// Subscribe registers fn for state changes and returns its cancel func.
func (c *Controller) Subscribe(fn func(Snapshot)) func() {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Controller) notify() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.subMu.Lock()
	subs := make([]func(Snapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()
	if len(subs) == 0 {
		return
	}
	snap := c.Snapshot()
	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Warn("session subscriber panicked", slog.Any("panic", r))
				}
			}()
			fn(snap)
		}()
	}
}

// Clips exposes the clip registry for HTTP mounting.
func (c *Controller) Clips() *ClipStore {
	return c.opts.Clips
}
