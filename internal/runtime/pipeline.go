package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-capture/internal/audio"
	"github.com/loqalabs/loqa-capture/internal/cloud"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/ondevice"
	"github.com/loqalabs/loqa-capture/internal/preload"
	"github.com/loqalabs/loqa-capture/internal/protocol"
	"github.com/loqalabs/loqa-capture/internal/selector"
	"github.com/loqalabs/loqa-capture/internal/session"
	"github.com/loqalabs/loqa-capture/internal/silence"
	"github.com/loqalabs/loqa-capture/internal/speech"
)

const clipsPrefix = "/clips/"

func newDevice(cfg config.CaptureConfig, logger *slog.Logger) (audio.Device, error) {
	switch cfg.Device {
	case "malgo", "":
		return audio.NewMalgoDevice(cfg.DeviceName, logger), nil
	case "memory":
		return audio.NewMemoryDevice(), nil
	case "none":
		return audio.UnavailableDevice{}, nil
	default:
		return nil, fmt.Errorf("unsupported capture device %q", cfg.Device)
	}
}

// candidates lists the engines in priority order: on-device, then cloud.
func (r *Runtime) candidates() ([]selector.Candidate, error) {
	var out []selector.Candidate

	backend, err := ondevice.NewBackend(r.cfg.Transcription, r.logger)
	if err != nil {
		return nil, fmt.Errorf("build transcription backend: %w", err)
	}
	local := ondevice.Options{
		ModelID: r.cfg.Transcription.ModelID,
		Flags:   r.flags,
		Models:  r.preloader,
		Backend: backend,
		Device:  r.device,
		Format: audio.Format{
			SampleRate: r.cfg.Transcription.SampleRate,
			Channels:   r.cfg.Transcription.Channels,
		},
		ModelLoadTimeout: time.Duration(r.cfg.Transcription.ModelLoadTimeoutMS) * time.Millisecond,
		ConfirmTimeout:   time.Duration(r.cfg.Transcription.ConfirmTimeoutMS) * time.Millisecond,
		Logger:           r.logger,
	}
	out = append(out, selector.Candidate{Name: ondevice.Name, Supported: local.Supported, New: local.EngineFactory()})

	if r.cfg.Cloud.Enabled {
		factory := cloud.NewWebSocketFactory(cloud.WebSocketConfig{
			Endpoint: r.cfg.Cloud.Endpoint,
			Token:    r.cfg.Cloud.Token,
			Language: r.cfg.Cloud.Language,
			Device:   r.device,
			Format: audio.Format{
				SampleRate: r.cfg.Transcription.SampleRate,
				Channels:   r.cfg.Transcription.Channels,
			},
			StopTimeout: time.Duration(r.cfg.Cloud.StartTimeoutMS) * time.Millisecond,
			Logger:      r.logger,
		})
		remote := cloud.Options{
			Factory:      factory,
			Prober:       cloud.NewProber(factory, r.flags, r.cfg.Cloud.ForceUnsupported, r.logger),
			StartTimeout: time.Duration(r.cfg.Cloud.StartTimeoutMS) * time.Millisecond,
			Logger:       r.logger,
		}
		out = append(out, selector.Candidate{Name: cloud.Name, Supported: remote.Supported, New: remote.EngineFactory()})
	}
	return out, nil
}

func (r *Runtime) buildSession() (*session.Controller, error) {
	candidates, err := r.candidates()
	if err != nil {
		return nil, err
	}
	opts := session.Options{
		Device: r.device,
		Format: audio.Format{
			SampleRate: r.cfg.Capture.SampleRate,
			Channels:   r.cfg.Capture.Channels,
		},
		Encodings: r.cfg.Capture.Encodings,
		ClipDir:   r.cfg.Capture.ClipDir,
		Transcription: func(h speech.Handlers) session.Transcription {
			return selector.New(selector.Options{
				Candidates: candidates,
				Production: r.cfg.Production(),
				Logger:     r.logger,
			}, h)
		},
		Silence:    silence.OptionsFromConfig(r.cfg.Silence),
		Visualizer: session.NewLevelMeter(),
		Clips:      session.NewClipStore(clipsPrefix),
		Timeline:   r.events,
		Logger:     r.logger,
	}
	if r.bus != nil {
		opts.Publisher = r.bus
	}
	return session.New(opts)
}

func (r *Runtime) publishPreload(snap preload.Snapshot) {
	if r.bus == nil {
		return
	}
	state := protocol.PreloadState{
		ModelID:         snap.ModelID,
		Status:          string(snap.Status),
		BytesDownloaded: snap.Progress.BytesDownloaded,
		TotalBytes:      snap.Progress.TotalBytes,
		Percent:         snap.Progress.Percent,
		CurrentFile:     snap.Progress.CurrentFile,
		Error:           snap.Error,
		Timestamp:       time.Now().UTC(),
	}
	if err := r.bus.Publish(protocol.SubjectPreloadState, state); err != nil {
		r.logger.Warn("publish preload state failed", slog.String("error", err.Error()))
	}
}
