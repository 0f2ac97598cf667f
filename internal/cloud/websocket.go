package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-capture/internal/audio"
	"github.com/loqalabs/loqa-capture/internal/speech"
)

// WebSocketConfig configures the streaming websocket recognizer. Audio is
// sent as binary PCM16 frames; the service answers with JSON events.
type WebSocketConfig struct {
	Endpoint    string
	Token       string
	Language    string
	Device      audio.Device
	Format      audio.Format
	DialTimeout time.Duration
	// StopTimeout bounds the wait for the end event after a graceful stop.
	// The socket is aborted once it passes.
	StopTimeout time.Duration
	Logger      *slog.Logger
}

// Event is one message on the recognition socket.
type Event struct {
	Type    string `json:"type"`
	Interim string `json:"interim,omitempty"`
	Final   string `json:"final,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Event types.
const (
	EventStart  = "start"
	EventResult = "result"
	EventError  = "error"
	EventEnd    = "end"
	EventStop   = "stop"
)

// NewWebSocketFactory validates the endpoint once per construction. The
// connection is only dialed on Start.
func NewWebSocketFactory(cfg WebSocketConfig) RecognizerFactory {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return func(h RecognizerHandlers) (Recognizer, error) {
		u, err := url.Parse(cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse cloud endpoint: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return nil, fmt.Errorf("cloud endpoint %q: unsupported scheme %q", cfg.Endpoint, u.Scheme)
		}
		if cfg.Device == nil {
			return nil, errors.New("cloud recognizer requires an audio device")
		}
		q := u.Query()
		if cfg.Language != "" {
			q.Set("language", cfg.Language)
		}
		q.Set("sample_rate", strconv.Itoa(cfg.Format.SampleRate))
		q.Set("channels", strconv.Itoa(cfg.Format.Channels))
		q.Set("encoding", "pcm_s16le")
		u.RawQuery = q.Encode()
		return &wsRecognizer{
			cfg:      cfg,
			url:      u.String(),
			handlers: h,
			logger:   cfg.Logger.With(slog.String("component", "cloud-ws")),
			done:     make(chan struct{}),
		}, nil
	}
}

type wsRecognizer struct {
	cfg      WebSocketConfig
	url      string
	handlers RecognizerHandlers
	logger   *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	stream  audio.Stream
	started   bool
	aborted   bool
	closed    bool
	stopTimer *time.Timer

	writeMu sync.Mutex
	endOnce sync.Once
	done    chan struct{}
}

func (r *wsRecognizer) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("recognizer already started")
	}
	r.started = true
	r.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, r.cfg.DialTimeout)
	defer cancel()
	header := http.Header{}
	if r.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+r.cfg.Token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, r.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &RecognizerError{Code: CodeServiceNotAllowed, Message: resp.Status}
		}
		return &RecognizerError{Code: CodeNetwork, Message: err.Error()}
	}

	stream, err := r.cfg.Device.Open(ctx, r.cfg.Format)
	if err != nil {
		_ = conn.Close()
		code := CodeAudioCapture
		if errors.Is(err, audio.ErrPermissionDenied) {
			code = CodeNotAllowed
		}
		return &RecognizerError{Code: code, Message: err.Error()}
	}

	r.mu.Lock()
	if r.aborted {
		r.mu.Unlock()
		_ = stream.Close()
		_ = conn.Close()
		return &RecognizerError{Code: CodeAborted}
	}
	r.conn = conn
	r.stream = stream
	r.mu.Unlock()

	go r.pump(conn, stream)
	go r.read(conn)
	return nil
}

func (r *wsRecognizer) pump(conn *websocket.Conn, stream audio.Stream) {
	for {
		select {
		case <-r.done:
			return
		case frame, ok := <-stream.Frames():
			if !ok {
				r.sendStop(conn)
				return
			}
			r.writeMu.Lock()
			err := conn.WriteMessage(websocket.BinaryMessage, frame)
			r.writeMu.Unlock()
			if err != nil {
				r.logger.Debug("write audio frame", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (r *wsRecognizer) read(conn *websocket.Conn) {
	defer r.finish()
	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			r.mu.Lock()
			aborted := r.aborted
			r.mu.Unlock()
			switch {
			case aborted:
				r.emitError(CodeAborted, "")
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
			default:
				r.emitError(CodeNetwork, err.Error())
			}
			return
		}
		switch ev.Type {
		case EventStart:
			if r.handlers.OnStart != nil {
				r.handlers.OnStart()
			}
		case EventResult:
			if r.handlers.OnResult != nil {
				r.handlers.OnResult(speech.TranscriptUpdate{Interim: ev.Interim, Final: ev.Final})
			}
		case EventError:
			r.emitError(ev.Code, ev.Message)
		case EventEnd:
			return
		default:
			r.logger.Debug("ignoring unknown event", slog.String("type", ev.Type))
		}
	}
}

func (r *wsRecognizer) emitError(code, message string) {
	if r.handlers.OnError != nil {
		r.handlers.OnError(code, message)
	}
}

// finish releases the socket and stream and reports the end exactly once.
func (r *wsRecognizer) finish() {
	r.endOnce.Do(func() {
		close(r.done)
		r.mu.Lock()
		conn, stream := r.conn, r.stream
		if r.stopTimer != nil {
			r.stopTimer.Stop()
		}
		r.mu.Unlock()
		if stream != nil {
			_ = stream.Close()
		}
		if conn != nil {
			r.writeMu.Lock()
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			r.writeMu.Unlock()
			_ = conn.Close()
		}
		if r.handlers.OnEnd != nil {
			r.handlers.OnEnd()
		}
	})
}

func (r *wsRecognizer) sendStop(conn *websocket.Conn) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := conn.WriteJSON(Event{Type: EventStop}); err != nil {
		r.logger.Debug("send stop", slog.String("error", err.Error()))
	}
}

// Stop asks the service to flush and end the session.
func (r *wsRecognizer) Stop() error {
	r.mu.Lock()
	if r.closed || r.conn == nil {
		r.closed = true
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	stream := r.stream
	r.stopTimer = time.AfterFunc(r.cfg.StopTimeout, r.stopExpired)
	r.mu.Unlock()

	// the pump sends the stop event once the stream drains; the service
	// answers it with an end event
	return stream.Close()
}

func (r *wsRecognizer) stopExpired() {
	select {
	case <-r.done:
		return
	default:
	}
	r.logger.Warn("no end event after stop, closing socket", slog.Duration("timeout", r.cfg.StopTimeout))
	if err := r.Abort(); err != nil {
		r.logger.Debug("abort after stop timeout", slog.String("error", err.Error()))
	}
}

func (r *wsRecognizer) Abort() error {
	r.mu.Lock()
	if r.aborted {
		r.mu.Unlock()
		return nil
	}
	r.aborted = true
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	default:
	}
	// unblocks the reader, which reports the abort and the end
	return conn.Close()
}
