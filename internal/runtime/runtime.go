package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-capture/internal/audio"
	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/eventstore"
	"github.com/loqalabs/loqa-capture/internal/natsserver"
	"github.com/loqalabs/loqa-capture/internal/overrides"
	"github.com/loqalabs/loqa-capture/internal/preload"
	"github.com/loqalabs/loqa-capture/internal/session"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	metrics       http.Handler
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	device    audio.Device
	overrides overrides.Store
	flags     overrides.Flags
	events    *eventstore.Store
	broker    *natsserver.EmbeddedServer
	bus       *bus.Client
	preloader *preload.Preloader
	session   *session.Controller
	feed      *feed
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metrics, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metrics

	if err := r.init(ctx); err != nil {
		r.close()
		return err
	}
	r.boot(ctx)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if r.metrics != nil && r.cfg.Telemetry.PrometheusBind != addr {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metrics)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.Bool("production", r.cfg.Production()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.close()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

// init opens stores and the bus, then builds the capture pipeline.
func (r *Runtime) init(ctx context.Context) error {
	if r.cfg.Production() {
		r.overrides = overrides.NewMemoryStore()
	} else {
		store, err := overrides.OpenSQLite(ctx, r.cfg.Overrides.Path)
		if err != nil {
			return fmt.Errorf("open overrides: %w", err)
		}
		r.overrides = store
	}
	r.flags = overrides.Flags{Store: r.overrides, Production: r.cfg.Production()}

	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.events = events

	if r.cfg.Bus.Enabled {
		if err := r.connectBus(ctx); err != nil {
			return err
		}
	}

	manifest, err := preload.LoadManifest(r.cfg.Preload.Manifest)
	if err != nil {
		return err
	}
	r.preloader = preload.New(preload.Options{
		BaseURL:  r.cfg.Preload.BaseURL,
		CacheDir: r.cfg.Preload.CacheDir,
	}, manifest, r.logger)

	device, err := newDevice(r.cfg.Capture, r.logger)
	if err != nil {
		return err
	}
	r.device = device

	ctrl, err := r.buildSession()
	if err != nil {
		return err
	}
	r.session = ctrl
	r.feed = newFeed(r.session, r.preloader, r.logger)
	r.preloader.Subscribe(r.publishPreload)
	return nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		r.broker = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.bus = client
	return nil
}

// boot starts the background model preload.
func (r *Runtime) boot(ctx context.Context) {
	if !r.cfg.Preload.Enabled {
		return
	}
	modelID := r.modelID(ctx)
	if r.preloader.Start(ctx, modelID) {
		r.logger.Info("model preload scheduled", slog.String("model", modelID))
	}
}

func (r *Runtime) modelID(ctx context.Context) string {
	if id := r.flags.ModelID(ctx); id != "" {
		return id
	}
	if r.cfg.Transcription.ModelID != "" {
		return r.cfg.Transcription.ModelID
	}
	return preload.FallbackModelID
}

func (r *Runtime) close() {
	if r.session != nil {
		if err := r.session.DiscardRecording(); err != nil {
			r.logger.Warn("discard recording on shutdown failed", slog.String("error", err.Error()))
		}
	}
	if r.feed != nil {
		r.feed.Close()
	}
	if closer, ok := r.device.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			r.logger.Warn("close audio device failed", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.broker != nil {
		r.broker.Shutdown()
	}
	if err := r.events.Close(); err != nil {
		r.logger.Warn("close event store failed", slog.String("error", err.Error()))
	}
	if closer, ok := r.overrides.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			r.logger.Warn("close overrides failed", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
