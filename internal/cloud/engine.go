package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-capture/internal/speech"
)

const DefaultStartTimeout = 10 * time.Second

var errEndedBeforeStart = errors.New("recognizer ended before starting")

type state int

const (
	stateIdle state = iota
	stateStarting
	stateListening
	stateEnding
	stateRestarting
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateStarting:
		return "starting"
	case stateListening:
		return "listening"
	case stateEnding:
		return "ending"
	default:
		return "restarting"
	}
}

type Options struct {
	Factory      RecognizerFactory
	Prober       *Prober
	StartTimeout time.Duration
	Logger       *slog.Logger
}

// EngineFactory returns a factory building a fresh engine per start attempt.
func (o Options) EngineFactory() speech.EngineFactory {
	return func(h speech.Handlers) speech.Engine {
		return New(o, h)
	}
}

func (o Options) Supported() bool {
	return New(o, speech.Handlers{}).Supported()
}

// instance ties recognizer callbacks to the session that created them.
type instance struct {
	rec Recognizer
}

type Engine struct {
	opts     Options
	handlers speech.Handlers
	logger   *slog.Logger

	mu            sync.Mutex
	state         state
	current       *instance
	stopRequested bool
	fatal         bool
	gate          *speech.Gate
	restarts      int
}

func New(opts Options, h speech.Handlers) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = DefaultStartTimeout
	}
	return &Engine{
		opts:     opts,
		handlers: h,
		logger:   opts.Logger.With(slog.String("component", "cloud-engine")),
	}
}

func (e *Engine) Name() string { return Name }

func (e *Engine) Supported() bool {
	if e.opts.Factory == nil {
		return false
	}
	if e.opts.Prober == nil {
		return true
	}
	return e.opts.Prober.Supported()
}

func (e *Engine) Listening() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateListening || e.state == stateRestarting
}

// Restarts reports how many times the recognizer was transparently restarted.
func (e *Engine) Restarts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.restarts
}

// Start blocks until the recognizer reports it started.
func (e *Engine) Start(ctx context.Context) error {
	if e.opts.Factory == nil {
		return speech.NewError(Name, speech.KindUnsupported, speech.ErrUnsupported)
	}
	e.mu.Lock()
	if e.state != stateIdle || e.gate != nil {
		e.mu.Unlock()
		return speech.ErrAlreadyActive
	}
	e.state = stateStarting
	gate := speech.NewGate()
	e.gate = gate
	e.mu.Unlock()

	e.handlers.Status(speech.StatusLoading)

	if err := e.launch(ctx, stateStarting, nil); err != nil {
		gate.Fail(err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.opts.StartTimeout)
	defer cancel()
	err := gate.Wait(waitCtx)
	if err == nil {
		e.logger.Info("cloud engine listening")
		e.handlers.Status(speech.StatusListening)
		return nil
	}
	if speech.Cancelled(err) {
		return speech.ErrInitCancelled
	}

	e.mu.Lock()
	cur := e.current
	e.current = nil
	if e.state != stateEnding {
		e.state = stateIdle
	}
	e.stopRequested = true
	e.mu.Unlock()
	if cur != nil {
		_ = cur.rec.Abort()
	}
	wrapped := classifyErr(err)
	e.logger.Warn("cloud engine failed to start", slog.String("error", wrapped.Error()))
	return wrapped
}

// launch builds a recognizer and starts it if the engine is still in want
// and, for restarts, ended is still the current instance.
func (e *Engine) launch(ctx context.Context, want state, ended *instance) error {
	inst := &instance{}
	rec, err := e.opts.Factory(RecognizerHandlers{
		OnStart:  func() { e.onStart(inst) },
		OnResult: func(u speech.TranscriptUpdate) { e.onResult(inst, u) },
		OnError:  func(code, message string) { e.onError(inst, code, message) },
		OnEnd:    func() { e.onEnd(inst) },
	})
	if err != nil {
		return fmt.Errorf("create recognizer: %w", err)
	}
	inst.rec = rec

	e.mu.Lock()
	if e.state != want || e.stopRequested || e.current != ended {
		if ended != nil && e.current == ended {
			// stopped while restarting; the ended session will not report again
			e.current = nil
			e.state = stateIdle
		}
		e.mu.Unlock()
		_ = rec.Abort()
		return speech.ErrInitCancelled
	}
	e.current = inst
	e.mu.Unlock()

	if err := rec.Start(ctx); err != nil {
		return err
	}
	return nil
}

func (e *Engine) onStart(inst *instance) {
	e.mu.Lock()
	if inst != e.current {
		e.mu.Unlock()
		return
	}
	switch e.state {
	case stateStarting:
		e.state = stateListening
		gate := e.gate
		e.mu.Unlock()
		gate.Complete()
	case stateRestarting:
		e.state = stateListening
		e.mu.Unlock()
		e.logger.Debug("cloud recognizer restarted")
	default:
		e.mu.Unlock()
	}
}

func (e *Engine) onResult(inst *instance, u speech.TranscriptUpdate) {
	e.mu.Lock()
	ok := inst == e.current && e.state != stateIdle && e.state != stateStarting
	e.mu.Unlock()
	if ok && !u.Empty() {
		e.handlers.Transcript(u)
	}
}

func (e *Engine) onError(inst *instance, code, message string) {
	e.mu.Lock()
	if inst != e.current {
		e.mu.Unlock()
		return
	}
	switch {
	case code == CodeNoSpeech:
		e.mu.Unlock()
		e.logger.Debug("no speech detected")
		return
	case code == CodeAborted && e.stopRequested:
		e.mu.Unlock()
		return
	}
	err := classify(code, message)
	if err.Kind.Fatal() {
		e.fatal = true
	}
	starting := e.state == stateStarting
	gate := e.gate
	fatal := e.fatal
	e.mu.Unlock()

	if starting {
		gate.Fail(err)
		return
	}
	e.logger.Warn("cloud recognizer error", slog.String("code", code), slog.String("error", err.Error()))
	if fatal {
		e.handlers.Status(speech.StatusError)
	}
	e.handlers.Error(err)
}

func (e *Engine) onEnd(inst *instance) {
	e.mu.Lock()
	if inst != e.current {
		// a superseded session ended late
		e.mu.Unlock()
		return
	}
	switch {
	case e.state == stateStarting:
		e.current = nil
		e.state = stateIdle
		gate := e.gate
		e.mu.Unlock()
		gate.Fail(&RecognizerError{Code: CodeAborted, Message: errEndedBeforeStart.Error()})
		return
	case e.stopRequested || e.fatal || e.state != stateListening:
		e.current = nil
		e.state = stateIdle
		e.mu.Unlock()
		return
	}
	e.state = stateRestarting
	e.restarts++
	e.mu.Unlock()

	go e.restart(inst)
}

func (e *Engine) restart(ended *instance) {
	err := e.launch(context.Background(), stateRestarting, ended)
	if err == nil || speech.Cancelled(err) {
		return
	}
	e.mu.Lock()
	if e.state != stateRestarting {
		e.mu.Unlock()
		return
	}
	e.state = stateIdle
	e.current = nil
	e.mu.Unlock()

	wrapped := classifyErr(err)
	e.logger.Error("cloud recognizer restart failed", slog.String("error", wrapped.Error()))
	e.handlers.Status(speech.StatusError)
	e.handlers.Error(wrapped)
}

// Stop is idempotent. The recognizer is stopped gracefully; its end event
// returns the engine to idle.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.stopRequested || e.state == stateIdle {
		e.stopRequested = true
		e.mu.Unlock()
		return nil
	}
	e.stopRequested = true
	prev := e.state
	e.state = stateEnding
	cur, gate := e.current, e.gate
	e.mu.Unlock()

	if prev == stateStarting && gate != nil {
		gate.Fail(speech.ErrInitCancelled)
	}
	var err error
	if cur != nil {
		if prev == stateStarting {
			err = cur.rec.Abort()
		} else {
			err = cur.rec.Stop()
		}
	}
	e.logger.Info("cloud engine stopped", slog.String("from", prev.String()))
	e.handlers.Status(speech.StatusIdle)
	if err != nil {
		return fmt.Errorf("stop recognizer: %w", err)
	}
	return nil
}
