package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-capture/internal/eventstore"
	"github.com/loqalabs/loqa-capture/internal/protocol"
)

// Timeline persists session lifecycle events. *eventstore.Store satisfies it.
type Timeline interface {
	BeginSession(ctx context.Context, sessionID, encoding string) error
	EndSession(ctx context.Context, sessionID, outcome string) error
	Append(ctx context.Context, sessionID, eventType string, payload any) error
}

// Publisher broadcasts transcripts and recording state. *bus.Client
// satisfies it.
type Publisher interface {
	Publish(subject string, v any) error
}

type nopTimeline struct{}

func (nopTimeline) BeginSession(context.Context, string, string) error { return nil }

func (nopTimeline) EndSession(context.Context, string, string) error { return nil }

func (nopTimeline) Append(context.Context, string, string, any) error { return nil }

type stoppedPayload struct {
	DurationMS int64  `json:"duration_ms"`
	Transcript string `json:"transcript"`
	ClipMime   string `json:"clip_mime,omitempty"`
	ClipBytes  int64  `json:"clip_bytes,omitempty"`
}

type textPayload struct {
	Text string `json:"text"`
}

func (c *Controller) begin(id, encoding string) {
	ctx := context.Background()
	if err := c.opts.Timeline.BeginSession(ctx, id, encoding); err != nil {
		c.logger.Warn("record session start failed", slog.String("error", err.Error()))
		return
	}
	c.appendEvent(id, eventstore.TypeRecordingStarted, map[string]string{"encoding": encoding})
}

func (c *Controller) end(id, outcome string, payload any) {
	c.appendEvent(id, outcome, payload)
	if err := c.opts.Timeline.EndSession(context.Background(), id, outcome); err != nil {
		c.logger.Warn("record session end failed", slog.String("session_id", id), slog.String("error", err.Error()))
	}
}

func (c *Controller) appendEvent(id, eventType string, payload any) {
	if err := c.opts.Timeline.Append(context.Background(), id, eventType, payload); err != nil {
		c.logger.Warn("append session event failed",
			slog.String("session_id", id),
			slog.String("type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Controller) publish(subject string, v any) {
	if c.opts.Publisher == nil {
		return
	}
	if err := c.opts.Publisher.Publish(subject, v); err != nil {
		c.logger.Warn("publish failed", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

func (c *Controller) publishTranscript(id, text string, partial bool) {
	subject := protocol.SubjectTranscriptFinal
	if partial {
		subject = protocol.SubjectTranscriptPartial
	}
	c.publish(subject, protocol.Transcript{
		SessionID: id,
		Text:      text,
		Partial:   partial,
		Timestamp: c.opts.Now().UTC(),
	})
}

func (c *Controller) publishState(autoStopped bool) {
	if c.opts.Publisher == nil {
		return
	}
	snap := c.Snapshot()
	state := protocol.RecordingState{
		SessionID:   snap.SessionID,
		Phase:       snap.Phase.String(),
		Recording:   snap.Recording,
		DurationMS:  snap.DurationMS,
		Transcript:  snap.Transcript,
		Status:      snap.Status.String(),
		Error:       snap.Error,
		Timestamp:   c.opts.Now().UTC(),
		AutoStopped: autoStopped,
	}
	if snap.Clip != nil {
		state.ClipMime = snap.Clip.MimeType
		state.ClipBytes = snap.Clip.Bytes
	}
	c.publish(protocol.SubjectRecordingState, state)
}

func durationMS(d time.Duration) int64 {
	return d.Milliseconds()
}
