package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-capture/internal/audio"
	"github.com/loqalabs/loqa-capture/internal/eventstore"
	"github.com/loqalabs/loqa-capture/internal/overrides"
	"github.com/loqalabs/loqa-capture/internal/preload"
	"github.com/loqalabs/loqa-capture/internal/session"
)

const maxBodyBytes = 1 << 20

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)

	mux.HandleFunc("GET /api/recording", r.handleRecording)
	mux.HandleFunc("POST /api/recording/start", r.handleStart)
	mux.HandleFunc("POST /api/recording/stop", r.handleStop)
	mux.HandleFunc("POST /api/recording/discard", r.handleDiscard)
	mux.HandleFunc("POST /api/recording/finalize", r.handleFinalize)
	mux.HandleFunc("PUT /api/recording/transcript", r.handleTranscript)
	mux.HandleFunc("DELETE /api/recording/error", r.handleClearError)

	mux.HandleFunc("GET /api/playback", r.handlePlayback)
	mux.HandleFunc("POST /api/playback/toggle", r.handleToggle)
	mux.HandleFunc("POST /api/playback/seek", r.handleSeek)

	mux.HandleFunc("GET /api/preload", r.handlePreload)
	mux.HandleFunc("POST /api/preload/retry", r.handlePreloadRetry)

	mux.HandleFunc("GET /api/overrides", r.handleOverrides)
	mux.HandleFunc("GET /api/overrides/{key}", r.handleOverride)
	mux.HandleFunc("PUT /api/overrides/{key}", r.handleOverride)
	mux.HandleFunc("DELETE /api/overrides/{key}", r.handleOverride)

	mux.HandleFunc("GET /api/sessions", r.handleSessions)
	mux.HandleFunc("GET /api/sessions/{id}/events", r.handleSessionEvents)

	mux.Handle("GET "+clipsPrefix, r.session.Clips())
	mux.Handle("GET /ws", r.feed)
	if r.metrics != nil {
		mux.Handle("GET /metrics", r.metrics)
	}
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(req *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// statusFor maps session and device errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrNotRecording), errors.Is(err, session.ErrStartCancelled):
		return http.StatusConflict
	case errors.Is(err, session.ErrNoClip):
		return http.StatusNotFound
	case errors.Is(err, audio.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (r *Runtime) handleRecording(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.session.Snapshot())
}

func (r *Runtime) handleStart(w http.ResponseWriter, req *http.Request) {
	// The recording outlives the request.
	ctx := context.WithoutCancel(req.Context())
	if err := r.session.StartRecording(ctx); err != nil {
		r.logger.Warn("start recording failed", slog.String("error", err.Error()))
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, r.session.Snapshot())
}

func (r *Runtime) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := r.session.StopRecording(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, r.session.Snapshot())
}

func (r *Runtime) handleDiscard(w http.ResponseWriter, _ *http.Request) {
	if err := r.session.DiscardRecording(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, r.session.Snapshot())
}

func (r *Runtime) handleFinalize(w http.ResponseWriter, _ *http.Request) {
	res, err := r.session.FinalizeRecording()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type transcriptRequest struct {
	Transcript string `json:"transcript"`
}

func (r *Runtime) handleTranscript(w http.ResponseWriter, req *http.Request) {
	var body transcriptRequest
	if err := decodeBody(req, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	r.session.UpdateTranscript(body.Transcript)
	writeJSON(w, http.StatusOK, r.session.Snapshot())
}

func (r *Runtime) handleClearError(w http.ResponseWriter, _ *http.Request) {
	r.session.ClearError()
	writeJSON(w, http.StatusOK, r.session.Snapshot())
}

func (r *Runtime) handlePlayback(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.session.PlaybackSnapshot())
}

func (r *Runtime) handleToggle(w http.ResponseWriter, _ *http.Request) {
	snap, err := r.session.TogglePlayback()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (r *Runtime) handleSeek(w http.ResponseWriter, req *http.Request) {
	ms, err := strconv.ParseInt(req.URL.Query().Get("ms"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("ms must be an integer"))
		return
	}
	snap, err := r.session.Seek(time.Duration(ms) * time.Millisecond)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (r *Runtime) handlePreload(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.preloader.Snapshot())
}

func (r *Runtime) handlePreloadRetry(w http.ResponseWriter, req *http.Request) {
	if err := r.preloader.Retry(context.WithoutCancel(req.Context())); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, preload.ErrNothingToRetry) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusAccepted, r.preloader.Snapshot())
}

var errOverridesDisabled = errors.New("overrides are disabled in production")

func (r *Runtime) handleOverrides(w http.ResponseWriter, req *http.Request) {
	if r.cfg.Production() {
		writeError(w, http.StatusForbidden, errOverridesDisabled)
		return
	}
	values, err := r.overrides.List(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, values)
}

type overrideRequest struct {
	Value string `json:"value"`
}

func (r *Runtime) handleOverride(w http.ResponseWriter, req *http.Request) {
	if r.cfg.Production() {
		writeError(w, http.StatusForbidden, errOverridesDisabled)
		return
	}
	key := req.PathValue("key")
	if !overrides.ValidKey(key) {
		writeError(w, http.StatusBadRequest, overrides.ErrUnknownKey)
		return
	}
	ctx := req.Context()
	switch req.Method {
	case http.MethodGet:
		value, ok, err := r.overrides.Get(ctx, key)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, errors.New("override not set"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
	case http.MethodPut:
		var body overrideRequest
		if err := decodeBody(req, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := r.overrides.Set(ctx, key, strings.TrimSpace(body.Value)); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		r.logger.Info("override set", slog.String("key", key))
		writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": strings.TrimSpace(body.Value)})
	case http.MethodDelete:
		if err := r.overrides.Delete(ctx, key); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func queryLimit(req *http.Request) int {
	limit, err := strconv.Atoi(req.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return limit
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	sessions, err := r.events.ListSessions(req.Context(), queryLimit(req))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if sessions == nil {
		sessions = []eventstore.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	events, err := r.events.ListSessionEvents(req.Context(), req.PathValue("id"), queryLimit(req))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []eventstore.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}
