// Package cloud implements the cloud streaming transcription engine. The
// underlying recognizer ends on its own after a pause in speech; the engine
// restarts it until a stop is requested.
package cloud

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-capture/internal/speech"
)

const Name = "cloud"

// Recognizer error codes.
const (
	CodeNotAllowed        = "not-allowed"
	CodeServiceNotAllowed = "service-not-allowed"
	CodeAudioCapture      = "audio-capture"
	CodeNoSpeech          = "no-speech"
	CodeNetwork           = "network"
	CodeAborted           = "aborted"
)

// RecognizerHandlers receive the events of one recognition session. OnEnd is
// delivered exactly once, after any OnError.
type RecognizerHandlers struct {
	OnStart  func()
	OnResult func(speech.TranscriptUpdate)
	OnError  func(code, message string)
	OnEnd    func()
}

// Recognizer is one streaming recognition session.
type Recognizer interface {
	// Start begins recognition. OnStart fires once audio is flowing.
	Start(ctx context.Context) error
	// Stop ends gracefully, flushing pending results before OnEnd.
	Stop() error
	// Abort ends immediately.
	Abort() error
}

// RecognizerFactory constructs a recognizer. Construction failure means the
// environment cannot host the recognizer at all.
type RecognizerFactory func(h RecognizerHandlers) (Recognizer, error)

// RecognizerError carries a recognizer error code.
type RecognizerError struct {
	Code    string
	Message string
}

func (e *RecognizerError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// classify maps a recognizer error code to an engine error.
func classify(code, message string) *speech.Error {
	cause := &RecognizerError{Code: code, Message: message}
	switch code {
	case CodeNotAllowed, CodeServiceNotAllowed:
		return speech.NewError(Name, speech.KindPermissionDenied, cause)
	case CodeAudioCapture:
		return speech.NewError(Name, speech.KindDeviceUnavailable, cause)
	case CodeNetwork:
		return speech.NewError(Name, speech.KindNetwork, cause)
	default:
		return speech.NewError(Name, speech.KindGeneric, cause)
	}
}

func classifyErr(err error) error {
	var re *RecognizerError
	if errors.As(err, &re) {
		return classify(re.Code, re.Message)
	}
	var se *speech.Error
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return speech.NewError(Name, speech.KindTimeout, err)
	}
	return speech.NewError(Name, speech.KindGeneric, err)
}
