// Package preload downloads on-device model packages in the background and
// reports progress to any number of subscribers.
package preload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type Status string

const (
	StatusIdle           Status = "idle"
	StatusLoading        Status = "loading"
	StatusSuccess        Status = "success"
	StatusPartialFailure Status = "partial_failure"
	StatusFailed         Status = "failed"
)

// dominantShare is the assumed fraction of the package held by its largest file.
const dominantShare = 0.6

var (
	ErrUnknownModel   = errors.New("unknown model")
	ErrNothingToRetry = errors.New("no failed preload to retry")
)

type Progress struct {
	BytesDownloaded int64   `json:"bytes_downloaded"`
	TotalBytes      int64   `json:"total_bytes"`
	Percent         float64 `json:"percent"`
	CurrentFile     string  `json:"current_file,omitempty"`
	FilesCompleted  int     `json:"files_completed"`
	TotalFiles      int     `json:"total_files"`
}

type Snapshot struct {
	Status      Status   `json:"status"`
	ModelID     string   `json:"model_id,omitempty"`
	Progress    Progress `json:"progress"`
	FailedFiles []string `json:"failed_files,omitempty"`
	Error       string   `json:"error,omitempty"`
}

type Options struct {
	BaseURL  string
	CacheDir string
	Client   *http.Client
	// ReportEvery throttles byte-level progress notifications. File
	// boundaries and status changes are always reported.
	ReportEvery time.Duration
}

// Preloader is process-wide: start once at boot, reset on retry.
type Preloader struct {
	opts     Options
	manifest Manifest
	client   *http.Client
	logger   *slog.Logger

	runs  metric.Int64Counter
	bytes metric.Int64Counter

	mu         sync.Mutex
	state      Snapshot
	started    bool
	running    bool
	done       chan struct{}
	lastNotify time.Time
	subs       map[int]func(Snapshot)
	nextSub    int
}

func New(opts Options, manifest Manifest, logger *slog.Logger) *Preloader {
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.Client
	if client == nil {
		// no timeout: model files are large
		client = &http.Client{}
	}
	if opts.ReportEvery <= 0 {
		opts.ReportEvery = 500 * time.Millisecond
	}
	meter := otel.Meter("github.com/loqalabs/loqa-capture/internal/preload")
	runs, err := meter.Int64Counter("loqa.capture.preload.runs")
	if err != nil {
		runs = noop.Int64Counter{}
	}
	bytes, err := meter.Int64Counter("loqa.capture.preload.bytes", metric.WithUnit("By"))
	if err != nil {
		bytes = noop.Int64Counter{}
	}
	return &Preloader{
		opts:     opts,
		manifest: manifest,
		client:   client,
		logger:   logger.With(slog.String("component", "preload")),
		runs:     runs,
		bytes:    bytes,
		state:    Snapshot{Status: StatusIdle},
		subs:     make(map[int]func(Snapshot)),
	}
}

// Manifest returns the manifest the preloader resolves models from.
func (p *Preloader) Manifest() Manifest {
	return p.manifest
}

// ModelDir is the cache directory of a model package.
func (p *Preloader) ModelDir(modelID string) string {
	return filepath.Join(p.opts.CacheDir, modelID)
}

// Snapshot returns the current state.
func (p *Preloader) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// Subscribe registers fn for every state change and immediately delivers the
// current state. The returned function unsubscribes.
func (p *Preloader) Subscribe(fn func(Snapshot)) func() {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	snap := p.snapshotLocked()
	p.mu.Unlock()
	fn(snap)
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// Start begins a background preload of modelID. Only the first call has an
// effect until a failed run resets the preloader. It reports whether a run
// was started.
func (p *Preloader) Start(ctx context.Context, modelID string) bool {
	return p.start(ctx, modelID, true)
}

// Retry re-runs a failed or partially failed preload, fetching every file again.
func (p *Preloader) Retry(ctx context.Context) error {
	p.mu.Lock()
	status, modelID := p.state.Status, p.state.ModelID
	p.mu.Unlock()
	if status != StatusFailed && status != StatusPartialFailure {
		return ErrNothingToRetry
	}
	if !p.start(ctx, modelID, false) {
		return ErrNothingToRetry
	}
	return nil
}

func (p *Preloader) start(ctx context.Context, modelID string, skipCached bool) bool {
	model, ok := p.manifest.Lookup(modelID)
	p.mu.Lock()
	if p.started || p.running {
		p.mu.Unlock()
		return false
	}
	if !ok {
		p.state = Snapshot{Status: StatusFailed, ModelID: modelID, Error: fmt.Sprintf("%v: %s", ErrUnknownModel, modelID)}
		snap, subs := p.snapshotLocked(), p.subscribersLocked()
		p.mu.Unlock()
		p.logger.Warn("preload skipped", slog.String("model", modelID), slog.String("error", ErrUnknownModel.Error()))
		notify(subs, snap)
		return false
	}
	p.started = true
	p.beginLocked()
	p.mu.Unlock()
	go p.run(ctx, model, skipCached)
	return true
}

// Wait blocks until the in-flight run, if any, finishes.
func (p *Preloader) Wait(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	done := p.done
	p.mu.Unlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ensure makes every file of modelID available locally and returns the
// model directory. It waits for an in-flight preload and downloads missing
// files otherwise.
func (p *Preloader) Ensure(ctx context.Context, modelID string) (string, error) {
	model, ok := p.manifest.Lookup(modelID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	dir := p.ModelDir(modelID)
	for {
		p.mu.Lock()
		if p.running {
			done := p.done
			p.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		if p.cached(model) {
			p.mu.Unlock()
			return dir, nil
		}
		p.beginLocked()
		p.mu.Unlock()

		if err := p.run(ctx, model, true); err != nil {
			return "", err
		}
		return dir, nil
	}
}

// Cached reports whether every file of modelID is present locally.
func (p *Preloader) Cached(modelID string) bool {
	model, ok := p.manifest.Lookup(modelID)
	return ok && p.cached(model)
}

func (p *Preloader) cached(model Model) bool {
	for _, f := range model.Files {
		if !fileExists(filepath.Join(p.ModelDir(model.ID), f.Name)) {
			return false
		}
	}
	return true
}

func (p *Preloader) beginLocked() {
	p.running = true
	p.done = make(chan struct{})
}

func (p *Preloader) run(ctx context.Context, model Model, skipCached bool) error {
	logger := p.logger.With(slog.String("model", model.ID))
	dir := p.ModelDir(model.ID)
	p.update(true, func(s *Snapshot) {
		*s = Snapshot{
			Status:  StatusLoading,
			ModelID: model.ID,
			Progress: Progress{
				TotalBytes: model.StaticTotal(),
				TotalFiles: len(model.Files),
			},
		}
	})
	logger.Info("model preload started", slog.Int("files", len(model.Files)))

	dominant := model.Dominant()
	var failed []string
	var errs []error
	for _, f := range model.Files {
		path := filepath.Join(dir, f.Name)
		if err := ctx.Err(); err != nil {
			failed = append(failed, f.Name)
			errs = append(errs, err)
			continue
		}
		if skipCached && fileExists(path) {
			p.update(true, func(s *Snapshot) { s.Progress.FilesCompleted++ })
			continue
		}
		var base int64
		p.update(true, func(s *Snapshot) {
			s.Progress.CurrentFile = f.Name
			base = s.Progress.BytesDownloaded
		})
		if err := p.download(ctx, model, f, f.Name == dominant.Name, path); err != nil {
			logger.Warn("model file download failed", slog.String("file", f.Name), slog.String("error", err.Error()))
			failed = append(failed, f.Name)
			errs = append(errs, fmt.Errorf("%s: %w", f.Name, err))
			p.update(true, func(s *Snapshot) { s.Progress.BytesDownloaded = base })
			continue
		}
		p.update(true, func(s *Snapshot) { s.Progress.FilesCompleted++ })
	}

	status := StatusSuccess
	switch {
	case len(failed) == len(model.Files):
		status = StatusFailed
	case len(failed) > 0:
		status = StatusPartialFailure
	}
	err := errors.Join(errs...)

	p.mu.Lock()
	p.state.Status = status
	p.state.Progress.CurrentFile = ""
	p.state.FailedFiles = failed
	if err != nil {
		p.state.Error = err.Error()
	} else {
		p.state.Progress.Percent = 100
		if p.state.Progress.BytesDownloaded > 0 {
			p.state.Progress.TotalBytes = p.state.Progress.BytesDownloaded
		}
	}
	if status != StatusSuccess {
		// a failed run permits a later Start or Retry
		p.started = false
	}
	snap, subs := p.snapshotLocked(), p.subscribersLocked()
	p.mu.Unlock()

	p.runs.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", string(status))))
	if err != nil {
		logger.Warn("model preload finished with failures", slog.String("status", string(status)), slog.String("error", err.Error()))
	} else {
		logger.Info("model preload complete", slog.Int64("bytes", snap.Progress.BytesDownloaded))
	}
	notify(subs, snap)

	p.mu.Lock()
	p.running = false
	close(p.done)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("preload %s: %w", model.ID, err)
	}
	return nil
}

func (p *Preloader) download(ctx context.Context, model Model, f File, dominant bool, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	url := fmt.Sprintf("%s/%s/resolve/main/%s", strings.TrimRight(p.opts.BaseURL, "/"), model.Repo, f.Name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status: %s", resp.Status)
	}
	if dominant && resp.ContentLength > 0 {
		estimate := int64(float64(resp.ContentLength) / dominantShare)
		p.update(true, func(s *Snapshot) { s.Progress.TotalBytes = estimate })
	}

	tmpPath := destPath + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	reader := &progressReader{reader: resp.Body, onBytes: func(n int64) {
		p.bytes.Add(ctx, n)
		p.update(false, func(s *Snapshot) { s.Progress.BytesDownloaded += n })
	}}
	if _, err := io.Copy(out, reader); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write file: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}

// update mutates the state and notifies subscribers. Unforced updates are
// throttled by ReportEvery.
func (p *Preloader) update(force bool, fn func(*Snapshot)) {
	p.mu.Lock()
	fn(&p.state)
	pr := &p.state.Progress
	if pr.BytesDownloaded > pr.TotalBytes {
		pr.TotalBytes = pr.BytesDownloaded
	}
	if pr.TotalBytes > 0 {
		pr.Percent = float64(pr.BytesDownloaded) / float64(pr.TotalBytes) * 100
	}
	now := time.Now()
	if !force && now.Sub(p.lastNotify) < p.opts.ReportEvery {
		p.mu.Unlock()
		return
	}
	p.lastNotify = now
	snap, subs := p.snapshotLocked(), p.subscribersLocked()
	p.mu.Unlock()
	notify(subs, snap)
}

func (p *Preloader) snapshotLocked() Snapshot {
	snap := p.state
	snap.FailedFiles = append([]string(nil), p.state.FailedFiles...)
	return snap
}

func (p *Preloader) subscribersLocked() []func(Snapshot) {
	subs := make([]func(Snapshot), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	return subs
}

func notify(subs []func(Snapshot), snap Snapshot) {
	for _, fn := range subs {
		fn(snap)
	}
}

type progressReader struct {
	reader  io.Reader
	onBytes func(int64)
}

func (r *progressReader) Read(b []byte) (int, error) {
	n, err := r.reader.Read(b)
	if n > 0 {
		r.onBytes(int64(n))
	}
	return n, err
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
