package protocol

import "time"

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Engine    string    `json:"engine,omitempty"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Timestamp time.Time `json:"timestamp"`
}

// RecordingState is a capture session snapshot broadcast on phase changes.
type RecordingState struct {
	SessionID   string    `json:"session_id"`
	Phase       string    `json:"phase"`
	Recording   bool      `json:"recording"`
	DurationMS  int64     `json:"duration_ms"`
	Transcript  string    `json:"transcript"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	ClipMime    string    `json:"clip_mime,omitempty"`
	ClipBytes   int64     `json:"clip_bytes,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	AutoStopped bool      `json:"auto_stopped,omitempty"`
}

// PreloadState reports model preload progress.
type PreloadState struct {
	ModelID         string    `json:"model_id"`
	Status          string    `json:"status"`
	BytesDownloaded int64     `json:"bytes_downloaded"`
	TotalBytes      int64     `json:"total_bytes"`
	Percent         float64   `json:"percent"`
	CurrentFile     string    `json:"current_file,omitempty"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectRecordingState    = "capture.recording.state"
	SubjectPreloadState      = "capture.preload.state"
)
