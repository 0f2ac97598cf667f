// Package selector picks the transcription engine for a capture session. The
// on-device engine is always tried first; the cloud engine is the fallback.
package selector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-capture/internal/speech"
)

// Selection outcomes recorded on the selections counter.
const (
	OutcomeSuccess     = "success"
	OutcomeUnsupported = "unsupported"
	OutcomeFailure     = "failure"
	OutcomeCancelled   = "cancelled"
)

const productionMessage = "speech transcription is unavailable right now"

// Candidate is one engine strategy. Supported is probed before New is
// called, so an unsupported engine is never built.
type Candidate struct {
	Name      string
	Supported func() bool
	New       speech.EngineFactory
}

type Options struct {
	// Candidates in priority order.
	Candidates []Candidate
	Production bool
	Logger     *slog.Logger
}

// Reason records why one candidate did not end up listening.
type Reason struct {
	Engine string
	Err    error
}

// SelectionError is reported when no candidate could start.
type SelectionError struct {
	Reasons    []Reason
	Production bool
}

func (e *SelectionError) Error() string {
	if e.Production {
		return productionMessage
	}
	parts := make([]string, 0, len(e.Reasons))
	for _, r := range e.Reasons {
		parts = append(parts, fmt.Sprintf("%s: %v", r.Engine, r.Err))
	}
	return "no transcription engine could start (" + strings.Join(parts, "; ") + ")"
}

func (e *SelectionError) Unwrap() []error {
	errs := make([]error, 0, len(e.Reasons))
	for _, r := range e.Reasons {
		errs = append(errs, r.Err)
	}
	return errs
}

// attempt scopes forwarded engine events to one start attempt.
type attempt struct{}

const instrumentation = "github.com/loqalabs/loqa-capture/internal/selector"

type Selector struct {
	opts       Options
	handlers   speech.Handlers
	logger     *slog.Logger
	tracer     trace.Tracer
	selections metric.Int64Counter

	mu       sync.Mutex
	active   speech.Engine
	current  *attempt
	starting bool
	gen      uint64
	status   speech.Status
}

func New(opts Options, h speech.Handlers) *Selector {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	meter := otel.Meter(instrumentation)
	selections, err := meter.Int64Counter("loqa.capture.engine.selections",
		metric.WithDescription("Transcription engine selection outcomes"))
	if err != nil {
		selections = noop.Int64Counter{}
	}
	return &Selector{
		opts:       opts,
		handlers:   h,
		logger:     opts.Logger.With(slog.String("component", "selector")),
		tracer:     otel.Tracer(instrumentation),
		selections: selections,
	}
}

// Start blocks until an engine is listening or every candidate failed. It is
// a no-op while an engine is held or a start is in flight. A Stop during
// startup makes it return nil without trying further candidates.
func (s *Selector) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.active != nil || s.starting {
		s.mu.Unlock()
		return nil
	}
	s.starting = true
	gen := s.gen
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
	}()
	ctx, span := s.tracer.Start(ctx, "selector.Start")
	defer span.End()

	var reasons []Reason
	for _, c := range s.opts.Candidates {
		if s.stale(gen) {
			return nil
		}
		if c.Supported != nil && !c.Supported() {
			s.logger.Info("engine unsupported", slog.String("engine", c.Name))
			s.record(c.Name, OutcomeUnsupported)
			reasons = append(reasons, Reason{Engine: c.Name, Err: speech.NewError(c.Name, speech.KindUnsupported, speech.ErrUnsupported)})
			continue
		}

		att := &attempt{}
		eng := c.New(s.forward(att))
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return nil
		}
		s.active = eng
		s.current = att
		s.mu.Unlock()

		err := s.startEngine(ctx, c.Name, eng)
		if err == nil {
			s.logger.Info("engine listening", slog.String("engine", c.Name))
			s.record(c.Name, OutcomeSuccess)
			return nil
		}

		s.mu.Lock()
		if s.active == eng {
			s.active = nil
			s.current = nil
		}
		stopped := s.gen != gen
		s.mu.Unlock()
		if stopErr := eng.Stop(); stopErr != nil {
			s.logger.Debug("release failed engine", slog.String("engine", c.Name), slog.String("error", stopErr.Error()))
		}

		if speech.Cancelled(err) || stopped || ctx.Err() != nil {
			s.logger.Info("engine start cancelled", slog.String("engine", c.Name))
			s.record(c.Name, OutcomeCancelled)
			return nil
		}
		s.logger.Warn("engine failed to start", slog.String("engine", c.Name), slog.String("error", err.Error()))
		s.record(c.Name, OutcomeFailure)
		reasons = append(reasons, Reason{Engine: c.Name, Err: err})
	}

	if s.stale(gen) {
		return nil
	}
	err := &SelectionError{Reasons: reasons, Production: s.opts.Production}
	span.SetStatus(codes.Error, "no engine")
	s.logger.Error("no transcription engine available", slog.String("error", (&SelectionError{Reasons: reasons}).Error()))
	s.setStatus(speech.StatusError)
	s.handlers.Error(err)
	return err
}

func (s *Selector) startEngine(ctx context.Context, name string, eng speech.Engine) error {
	ctx, span := s.tracer.Start(ctx, "engine.Start", trace.WithAttributes(attribute.String("engine", name)))
	defer span.End()
	err := eng.Start(ctx)
	if err != nil && !speech.Cancelled(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, speech.KindOf(err).String())
	}
	return err
}

func (s *Selector) stale(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen != gen
}

// forward relays events of the engine bound to att while it is current.
func (s *Selector) forward(att *attempt) speech.Handlers {
	live := func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.current == att
	}
	return speech.Handlers{
		OnStatus: func(st speech.Status) {
			if live() {
				s.setStatus(st)
			}
		},
		OnTranscript: func(u speech.TranscriptUpdate) {
			if live() {
				s.handlers.Transcript(u)
			}
		},
		OnError: func(err error) {
			if live() {
				s.handlers.Error(err)
			}
		},
	}
}

func (s *Selector) setStatus(st speech.Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
	s.handlers.Status(st)
}

func (s *Selector) record(engine, outcome string) {
	s.selections.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("engine", engine),
		attribute.String("outcome", outcome),
	))
}

// Stop tears down whichever engine is held. It is idempotent.
func (s *Selector) Stop() error {
	s.mu.Lock()
	s.gen++
	eng := s.active
	s.active = nil
	s.current = nil
	s.mu.Unlock()
	if eng == nil {
		return nil
	}
	err := eng.Stop()
	s.setStatus(speech.StatusIdle)
	if err != nil {
		return fmt.Errorf("stop %s engine: %w", eng.Name(), err)
	}
	return nil
}

// Active returns the name of the held engine, or "".
func (s *Selector) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ""
	}
	return s.active.Name()
}

func (s *Selector) Status() speech.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Selector) Listening() bool {
	s.mu.Lock()
	eng := s.active
	s.mu.Unlock()
	return eng != nil && eng.Listening()
}

// IsSelectionError reports whether err is the consolidated failure.
func IsSelectionError(err error) bool {
	var se *SelectionError
	return errors.As(err, &se)
}
