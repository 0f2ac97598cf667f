// Package ondevice implements the on-device transcription engine: a local
// streaming model that only reports listening once it has proven it can
// produce output.
package ondevice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-capture/internal/audio"
	"github.com/loqalabs/loqa-capture/internal/overrides"
	"github.com/loqalabs/loqa-capture/internal/preload"
	"github.com/loqalabs/loqa-capture/internal/speech"
)

const Name = "on-device"

const (
	DefaultModelLoadTimeout = 20 * time.Minute
	DefaultConfirmTimeout   = 5 * time.Second
)

var errModelLoadTimeout = errors.New("model load timed out")

// ModelStore resolves and fetches model packages.
type ModelStore interface {
	Manifest() preload.Manifest
	Ensure(ctx context.Context, modelID string) (string, error)
}

type Options struct {
	// ModelID is the configured default model.
	ModelID          string
	Flags            overrides.Flags
	Models           ModelStore
	Backend          Backend
	Device           audio.Device
	Format           audio.Format
	ModelLoadTimeout time.Duration
	ConfirmTimeout   time.Duration
	Logger           *slog.Logger
}

// EngineFactory returns a factory building a fresh engine per start attempt.
func (o Options) EngineFactory() speech.EngineFactory {
	return func(h speech.Handlers) speech.Engine {
		return New(o, h)
	}
}

// Supported probes the environment. The probe engine is never started.
func (o Options) Supported() bool {
	return New(o, speech.Handlers{}).Supported()
}

type state int

const (
	stateNotStarted state = iota
	stateModelLoading
	stateAwaitingConfirmation
	stateListening
	stateError
	stateStopped
)

func (s state) String() string {
	switch s {
	case stateNotStarted:
		return "not-started"
	case stateModelLoading:
		return "model-loading"
	case stateAwaitingConfirmation:
		return "awaiting-confirmation"
	case stateListening:
		return "listening"
	case stateError:
		return "error"
	default:
		return "stopped"
	}
}

// Engine is single-use: build a new one for every start attempt.
type Engine struct {
	opts     Options
	handlers speech.Handlers
	logger   *slog.Logger

	mu                 sync.Mutex
	state              state
	stoppedDuringStart bool
	timedOut           bool
	cancel             context.CancelFunc
	gate               *speech.Gate
	loadTimer          *time.Timer
	confirmTimer       *time.Timer
	stream             audio.Stream
	transcriber        Transcriber
}

func New(opts Options, h speech.Handlers) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ModelLoadTimeout <= 0 {
		opts.ModelLoadTimeout = DefaultModelLoadTimeout
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = DefaultConfirmTimeout
	}
	return &Engine{
		opts:     opts,
		handlers: h,
		logger:   opts.Logger.With(slog.String("component", "ondevice-engine")),
	}
}

func (e *Engine) Name() string { return Name }

// ModelID resolves the model: developer override, then the configured
// default, then the fallback identifier.
func (e *Engine) ModelID(ctx context.Context) string {
	if id := e.opts.Flags.ModelID(ctx); id != "" {
		return id
	}
	if e.opts.ModelID != "" {
		return e.opts.ModelID
	}
	return preload.FallbackModelID
}

func (e *Engine) model(ctx context.Context) (preload.Model, error) {
	id := e.ModelID(ctx)
	model, ok := e.opts.Models.Manifest().Lookup(id)
	if !ok {
		return preload.Model{}, fmt.Errorf("%w: %s", preload.ErrUnknownModel, id)
	}
	return model, nil
}

func (e *Engine) Supported() bool {
	if e.opts.Backend == nil || e.opts.Models == nil || e.opts.Device == nil {
		return false
	}
	model, err := e.model(context.Background())
	if err == nil {
		err = e.opts.Backend.Available(model)
	}
	if err != nil {
		e.logger.Info("on-device engine unavailable", slog.String("backend", e.opts.Backend.Name()), slog.String("error", err.Error()))
		return false
	}
	return true
}

func (e *Engine) Listening() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateListening
}

// Start loads the model, opens a microphone stream and blocks until the
// first transcript emission or the confirmation timeout. A concurrent Stop
// makes it return speech.ErrInitCancelled.
func (e *Engine) Start(ctx context.Context) error {
	if e.opts.Backend == nil || e.opts.Models == nil || e.opts.Device == nil {
		return speech.NewError(Name, speech.KindUnsupported, speech.ErrUnsupported)
	}
	e.mu.Lock()
	if e.state != stateNotStarted {
		e.mu.Unlock()
		return speech.ErrAlreadyActive
	}
	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.cancel = cancel
	e.gate = speech.NewGate()
	e.state = stateModelLoading
	e.loadTimer = time.AfterFunc(e.opts.ModelLoadTimeout, e.onLoadTimeout)
	e.mu.Unlock()

	e.handlers.Status(speech.StatusLoading)

	model, err := e.model(startCtx)
	if err := e.resume(err, nil); err != nil {
		return e.abort(err)
	}
	logger := e.logger.With(slog.String("model", model.ID), slog.String("backend", e.opts.Backend.Name()))
	logger.Info("loading on-device model")

	dir, err := e.opts.Models.Ensure(startCtx, model.ID)
	if err := e.resume(err, nil); err != nil {
		return e.abort(err)
	}

	stream, err := e.opts.Device.Open(startCtx, e.opts.Format)
	if err := e.resume(err, func() { e.stream = stream }); err != nil {
		if stream != nil {
			_ = stream.Close()
		}
		return e.abort(err)
	}

	tr, err := e.opts.Backend.New(dir, model)
	if err := e.resume(err, func() { e.transcriber = tr }); err != nil {
		if tr != nil {
			_ = tr.Stop()
		}
		return e.abort(err)
	}

	err = tr.Start(startCtx, stream, e.emitter(tr), e.failer(tr))
	if err := e.resume(err, e.awaitConfirmationLocked); err != nil {
		return e.abort(err)
	}

	err = e.gate.Wait(startCtx)
	if err := e.resume(err, func() {
		e.state = stateListening
		stopTimer(e.confirmTimer)
	}); err != nil {
		return e.abort(err)
	}

	logger.Info("on-device engine listening")
	e.handlers.Status(speech.StatusListening)
	return nil
}

// resume runs after every suspension point of Start. Cancellation wins over
// timeout, which wins over the step's own error. own runs under the lock
// only when the start may proceed.
func (e *Engine) resume(stepErr error, own func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stoppedDuringStart {
		return speech.ErrInitCancelled
	}
	if e.timedOut {
		return speech.NewError(Name, speech.KindTimeout, errModelLoadTimeout)
	}
	if stepErr != nil {
		return stepErr
	}
	if own != nil {
		own()
	}
	return nil
}

func (e *Engine) awaitConfirmationLocked() {
	e.state = stateAwaitingConfirmation
	stopTimer(e.loadTimer)
	e.confirmTimer = time.AfterFunc(e.opts.ConfirmTimeout, e.onConfirmTimeout)
}

func (e *Engine) abort(err error) error {
	e.mu.Lock()
	if e.state != stateStopped {
		e.state = stateError
	}
	res := e.takeLocked()
	e.mu.Unlock()
	if releaseErr := res.release(); releaseErr != nil {
		e.logger.Warn("release after failed start", slog.String("error", releaseErr.Error()))
	}

	if speech.Cancelled(err) {
		e.logger.Info("on-device start cancelled by stop")
		return speech.ErrInitCancelled
	}
	wrapped := classify(err)
	e.logger.Warn("on-device engine failed to start", slog.String("error", wrapped.Error()))
	return wrapped
}

func (e *Engine) onLoadTimeout() {
	e.mu.Lock()
	if e.state != stateModelLoading {
		e.mu.Unlock()
		return
	}
	e.timedOut = true
	cancel, gate := e.cancel, e.gate
	e.mu.Unlock()

	e.logger.Error("model load timed out", slog.Duration("timeout", e.opts.ModelLoadTimeout))
	cancel()
	gate.Fail(speech.NewError(Name, speech.KindTimeout, errModelLoadTimeout))
}

func (e *Engine) onConfirmTimeout() {
	e.mu.Lock()
	if e.state != stateAwaitingConfirmation {
		e.mu.Unlock()
		return
	}
	gate := e.gate
	e.mu.Unlock()

	if gate.Complete() {
		e.logger.Warn("no transcript before confirmation timeout, proceeding as listening", slog.Duration("timeout", e.opts.ConfirmTimeout))
	}
}

// emitter forwards transcripts of tr while tr is the engine's transcriber.
// The first emission completes the readiness gate.
func (e *Engine) emitter(tr Transcriber) func(speech.TranscriptUpdate) {
	return func(u speech.TranscriptUpdate) {
		e.mu.Lock()
		if e.transcriber != tr {
			e.mu.Unlock()
			return
		}
		switch e.state {
		case stateModelLoading, stateAwaitingConfirmation, stateListening:
		default:
			e.mu.Unlock()
			return
		}
		gate := e.gate
		e.mu.Unlock()

		if gate.Complete() {
			e.logger.Debug("transcription confirmed by first emission")
		}
		if !u.Empty() {
			e.handlers.Transcript(u)
		}
	}
}

func (e *Engine) failer(tr Transcriber) func(error) {
	return func(err error) {
		e.mu.Lock()
		if e.transcriber != tr {
			e.mu.Unlock()
			return
		}
		switch e.state {
		case stateModelLoading, stateAwaitingConfirmation:
			gate := e.gate
			e.mu.Unlock()
			gate.Fail(err)
		case stateListening:
			e.state = stateError
			res := e.takeLocked()
			e.mu.Unlock()
			wrapped := classify(err)
			e.logger.Error("on-device transcription failed", slog.String("error", wrapped.Error()))
			// failer runs on the transcriber's goroutine, which Stop waits for
			go func() {
				if err := res.release(); err != nil {
					e.logger.Warn("release after transcription failure", slog.String("error", err.Error()))
				}
			}()
			e.handlers.Status(speech.StatusError)
			e.handlers.Error(wrapped)
		default:
			e.mu.Unlock()
		}
	}
}

// Stop is idempotent. Stopping during Start releases everything acquired so
// far and makes Start return speech.ErrInitCancelled.
func (e *Engine) Stop() error {
	e.mu.Lock()
	prev := e.state
	if prev == stateStopped {
		e.mu.Unlock()
		return nil
	}
	if prev == stateModelLoading || prev == stateAwaitingConfirmation {
		e.stoppedDuringStart = true
	}
	e.state = stateStopped
	cancel, gate := e.cancel, e.gate
	res := e.takeLocked()
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if gate != nil {
		gate.Fail(speech.ErrInitCancelled)
	}
	err := res.release()
	if prev != stateNotStarted && prev != stateError {
		e.logger.Info("on-device engine stopped", slog.String("from", prev.String()))
		e.handlers.Status(speech.StatusIdle)
	}
	if err != nil {
		return fmt.Errorf("stop on-device engine: %w", err)
	}
	return nil
}

type resources struct {
	transcriber Transcriber
	stream      audio.Stream
}

// release stops the transcriber before closing the stream it reads.
func (r resources) release() error {
	var errs []error
	if r.transcriber != nil {
		errs = append(errs, r.transcriber.Stop())
	}
	if r.stream != nil {
		errs = append(errs, r.stream.Close())
	}
	return errors.Join(errs...)
}

func (e *Engine) takeLocked() resources {
	stopTimer(e.loadTimer)
	stopTimer(e.confirmTimer)
	res := resources{transcriber: e.transcriber, stream: e.stream}
	e.transcriber = nil
	e.stream = nil
	return res
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func classify(err error) error {
	var se *speech.Error
	if errors.As(err, &se) {
		if se.Engine == "" {
			return speech.NewError(Name, se.Kind, se.Err)
		}
		return err
	}
	switch {
	case errors.Is(err, audio.ErrPermissionDenied):
		return speech.NewError(Name, speech.KindPermissionDenied, err)
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return speech.NewError(Name, speech.KindDeviceUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded):
		return speech.NewError(Name, speech.KindTimeout, err)
	}
	return speech.NewError(Name, speech.KindGeneric, err)
}
