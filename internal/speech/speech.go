// Package speech holds the vocabulary shared by the transcription engines,
// the selector and the capture session.
package speech

import "context"

// Status describes an engine lifecycle stage.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusListening
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusListening:
		return "listening"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// TranscriptUpdate is a delta. Final is appended to the accumulated
// transcript, Interim replaces the provisional text.
type TranscriptUpdate struct {
	Interim string `json:"interim"`
	Final   string `json:"final"`
}

// Empty reports whether the update carries no text at all.
func (u TranscriptUpdate) Empty() bool {
	return u.Interim == "" && u.Final == ""
}

// Handlers receive engine events. Any field may be nil.
type Handlers struct {
	OnStatus     func(Status)
	OnTranscript func(TranscriptUpdate)
	OnError      func(error)
}

func (h Handlers) Status(s Status) {
	if h.OnStatus != nil {
		h.OnStatus(s)
	}
}

func (h Handlers) Transcript(u TranscriptUpdate) {
	if h.OnTranscript != nil {
		h.OnTranscript(u)
	}
}

func (h Handlers) Error(err error) {
	if h.OnError != nil && err != nil {
		h.OnError(err)
	}
}

// Engine turns a live microphone stream into text.
type Engine interface {
	Name() string
	// Supported probes whether the engine can run in this environment.
	Supported() bool
	// Start blocks until the engine is listening or has failed.
	Start(ctx context.Context) error
	// Stop is idempotent.
	Stop() error
	Listening() bool
}

// EngineFactory builds a fresh engine for one start attempt.
type EngineFactory func(h Handlers) Engine
