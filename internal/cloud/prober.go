package cloud

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-capture/internal/overrides"
)

// Prober decides once whether the cloud recognizer works here. Exposing a
// factory is not enough: the probe constructs one recognizer and caches the
// outcome.
type Prober struct {
	factory RecognizerFactory
	flags   overrides.Flags
	// forced mirrors the configured force switch; ignored in production.
	forced bool
	logger *slog.Logger

	once      sync.Once
	supported bool
}

func NewProber(factory RecognizerFactory, flags overrides.Flags, forced bool, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		factory: factory,
		flags:   flags,
		forced:  forced && !flags.Production,
		logger:  logger.With(slog.String("component", "cloud-prober")),
	}
}

func (p *Prober) Supported() bool {
	if p.forced || p.flags.ForceCloudUnsupported(context.Background()) {
		p.logger.Warn("cloud engine forced unsupported by developer override")
		return false
	}
	p.once.Do(func() {
		if p.factory == nil {
			return
		}
		rec, err := p.factory(RecognizerHandlers{})
		if err != nil {
			p.logger.Info("cloud recognizer unavailable", slog.String("error", err.Error()))
			return
		}
		_ = rec.Abort()
		p.supported = true
	})
	return p.supported
}
