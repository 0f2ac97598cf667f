// Package silence stops a recording after a period without transcript
// activity, publishing a countdown during the final window.
package silence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/speech"
)

const (
	DefaultThreshold = 4 * time.Second
	DefaultWindow    = 3 * time.Second
	DefaultPoll      = 100 * time.Millisecond
)

type Options struct {
	Threshold time.Duration
	Window    time.Duration
	Poll      time.Duration
	// Status reports the current engine status. The clock is held while
	// Loading and restarts from zero once loading ends. A failed engine does
	// not pause it: recording still stops on silence.
	Status func() speech.Status
	// OnCountdown receives the remaining time, or nil outside the window.
	OnCountdown func(remaining *time.Duration)
	// OnSilence fires at most once per Start.
	OnSilence func()
	Now       func() time.Time
	Logger    *slog.Logger
}

// OptionsFromConfig maps the silence config section onto Options.
func OptionsFromConfig(cfg config.SilenceConfig) Options {
	return Options{
		Threshold: time.Duration(cfg.ThresholdMS) * time.Millisecond,
		Window:    time.Duration(cfg.CountdownMS) * time.Millisecond,
		Poll:      time.Duration(cfg.PollMS) * time.Millisecond,
	}
}

// Controller is the single writer of the countdown.
type Controller struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	running   bool
	fired     bool
	paused    bool
	last      time.Time
	countdown *time.Duration
	stop      chan struct{}

	pubMu sync.Mutex
}

func New(opts Options) *Controller {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Window <= 0 || opts.Window > opts.Threshold {
		opts.Window = min(DefaultWindow, opts.Threshold)
	}
	if opts.Poll <= 0 {
		opts.Poll = DefaultPoll
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Controller{opts: opts, logger: opts.Logger.With(slog.String("component", "silence"))}
}

// Start begins polling. The silence clock starts now.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.fired = false
	c.paused = false
	c.last = c.opts.Now()
	c.countdown = nil
	stop := make(chan struct{})
	c.stop = stop
	c.mu.Unlock()

	go c.poll(stop)
}

func (c *Controller) poll(stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.tick(c.opts.Now())
		}
	}
}

func (c *Controller) tick(now time.Time) {
	status := speech.StatusListening
	if c.opts.Status != nil {
		status = c.opts.Status()
	}

	c.mu.Lock()
	if !c.running || c.fired {
		c.mu.Unlock()
		return
	}
	prev := c.countdown
	if status == speech.StatusLoading {
		c.last = now
		c.paused = true
		c.countdown = nil
		c.mu.Unlock()
		if prev != nil {
			c.notify()
		}
		return
	}
	if c.paused {
		c.paused = false
		c.last = now
	}

	elapsed := now.Sub(c.last)
	remaining := c.opts.Threshold - elapsed
	fire := false
	switch {
	case elapsed >= c.opts.Threshold:
		fire = true
		c.fired = true
		zero := time.Duration(0)
		c.countdown = &zero
	case remaining <= c.opts.Window:
		c.countdown = &remaining
	default:
		c.countdown = nil
	}
	next := c.countdown
	c.mu.Unlock()

	if changed(prev, next) {
		c.notify()
	}
	if fire {
		c.logger.Info("silence threshold reached", slog.Duration("elapsed", elapsed))
		if c.opts.OnSilence != nil {
			c.opts.OnSilence()
		}
	}
}

// Touch records transcript activity and clears the countdown.
func (c *Controller) Touch() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.last = c.opts.Now()
	had := c.countdown != nil
	c.countdown = nil
	c.mu.Unlock()
	if had {
		c.notify()
	}
}

// Stop cancels polling before clearing the countdown. It is idempotent and
// safe to call from OnSilence.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stop)
	had := c.countdown != nil
	c.countdown = nil
	c.mu.Unlock()
	if had {
		c.notify()
	}
}

// Countdown returns the remaining time inside the window, or nil.
func (c *Controller) Countdown() *time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.countdown == nil {
		return nil
	}
	d := *c.countdown
	return &d
}

func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// notify publishes the latest countdown. Notifications are serialized so the
// last one delivered always matches the current state.
func (c *Controller) notify() {
	if c.opts.OnCountdown == nil {
		return
	}
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	c.opts.OnCountdown(c.Countdown())
}

func changed(a, b *time.Duration) bool {
	if a == nil || b == nil {
		return a != b
	}
	return *a != *b
}
