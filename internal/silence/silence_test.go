package silence

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/speech"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type harness struct {
	t0     time.Time
	clock  *clock
	ctrl   *Controller
	fired  atomic.Int32
	status atomic.Int32

	mu        sync.Mutex
	countdown []*time.Duration
}

func newHarness(t *testing.T, onSilence func(*harness)) *harness {
	t.Helper()
	h := &harness{t0: time.Unix(1_700_000_000, 0)}
	h.clock = &clock{now: h.t0}
	h.status.Store(int32(speech.StatusListening))
	h.ctrl = New(Options{
		Threshold: 4000 * time.Millisecond,
		Window:    3000 * time.Millisecond,
		// ticks are driven by hand
		Poll:   time.Hour,
		Status: func() speech.Status { return speech.Status(h.status.Load()) },
		OnCountdown: func(d *time.Duration) {
			h.mu.Lock()
			h.countdown = append(h.countdown, d)
			h.mu.Unlock()
		},
		OnSilence: func() {
			h.fired.Add(1)
			if onSilence != nil {
				onSilence(h)
			}
		},
		Now:    h.clock.Now,
		Logger: newLogger(),
	})
	h.ctrl.Start()
	t.Cleanup(h.ctrl.Stop)
	return h
}

func (h *harness) at(ms int) time.Time {
	return h.t0.Add(time.Duration(ms) * time.Millisecond)
}

func (h *harness) tick(ms int) {
	h.clock.set(h.at(ms))
	h.ctrl.tick(h.at(ms))
}

func (h *harness) last() *time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.countdown) == 0 {
		return nil
	}
	return h.countdown[len(h.countdown)-1]
}

func TestCountdownTimeline(t *testing.T) {
	h := newHarness(t, nil)

	for ms := 0; ms <= 900; ms += 100 {
		h.tick(ms)
	}
	h.tick(999)
	if h.ctrl.Countdown() != nil {
		t.Fatal("countdown must be nil before the window")
	}

	h.tick(1000)
	got := h.ctrl.Countdown()
	if got == nil || *got != 3000*time.Millisecond {
		t.Fatalf("expected 3000ms remaining at t=1000, got %v", got)
	}

	prev := *got
	for ms := 1100; ms < 4000; ms += 100 {
		h.tick(ms)
		cur := h.ctrl.Countdown()
		if cur == nil || *cur >= prev {
			t.Fatalf("countdown must strictly decrease at t=%d: prev=%v cur=%v", ms, prev, cur)
		}
		prev = *cur
	}
	if h.fired.Load() != 0 {
		t.Fatal("auto-stop fired early")
	}

	h.tick(4000)
	if h.fired.Load() != 1 {
		t.Fatal("expected auto-stop at t=4000")
	}
	if cd := h.ctrl.Countdown(); cd == nil || *cd != 0 {
		t.Fatalf("countdown must reach zero before auto-stop, got %v", cd)
	}
	h.tick(4100)
	if h.fired.Load() != 1 {
		t.Fatal("auto-stop must fire once")
	}
}

func TestTranscriptResetsClock(t *testing.T) {
	h := newHarness(t, nil)
	for ms := 100; ms <= 3800; ms += 100 {
		h.tick(ms)
	}
	if h.ctrl.Countdown() == nil {
		t.Fatal("expected countdown inside the window")
	}

	h.clock.set(h.at(3900))
	h.ctrl.Touch()
	if h.ctrl.Countdown() != nil || h.last() != nil {
		t.Fatal("transcript activity must clear the countdown")
	}

	h.tick(4000)
	h.tick(4899)
	if h.ctrl.Countdown() != nil || h.fired.Load() != 0 {
		t.Fatal("clock must be measured from t=3900")
	}
	h.tick(4900)
	if cd := h.ctrl.Countdown(); cd == nil || *cd != 3000*time.Millisecond {
		t.Fatalf("expected window to open at t=4900, got %v", cd)
	}
	h.tick(7899)
	if h.fired.Load() != 0 {
		t.Fatal("fired before t=7900")
	}
	h.tick(7900)
	if h.fired.Load() != 1 {
		t.Fatal("expected auto-stop at t=7900")
	}
}

func TestLoadingPausesClock(t *testing.T) {
	h := newHarness(t, nil)
	h.status.Store(int32(speech.StatusLoading))
	for ms := 0; ms <= 10000; ms += 100 {
		h.tick(ms)
		if h.ctrl.Countdown() != nil {
			t.Fatalf("countdown must be nil while loading (t=%d)", ms)
		}
	}
	if h.fired.Load() != 0 {
		t.Fatal("auto-stop must not fire while loading")
	}

	h.status.Store(int32(speech.StatusListening))
	h.tick(10100)
	h.tick(11099)
	if h.ctrl.Countdown() != nil {
		t.Fatal("no stale elapsed time may carry over from loading")
	}
	h.tick(14099)
	if h.fired.Load() != 0 {
		t.Fatal("fired before threshold after loading")
	}
	h.tick(14100)
	if h.fired.Load() != 1 {
		t.Fatal("expected auto-stop measured from the end of loading")
	}
}

func TestFailedEngineStillAutoStops(t *testing.T) {
	for _, status := range []speech.Status{speech.StatusError, speech.StatusIdle} {
		t.Run(status.String(), func(t *testing.T) {
			h := newHarness(t, nil)
			h.status.Store(int32(status))
			for ms := 100; ms < 4000; ms += 100 {
				h.tick(ms)
			}
			if cd := h.ctrl.Countdown(); cd == nil {
				t.Fatal("countdown must run while transcription is degraded")
			}
			if h.fired.Load() != 0 {
				t.Fatal("auto-stop fired early")
			}
			h.tick(4000)
			if h.fired.Load() != 1 {
				t.Fatalf("expected auto-stop at t=4000 with status %s", status)
			}
		})
	}
}

func TestStopClearsCountdownAndCancelsPolling(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.ctrl.Stop() })
	h.tick(2000)
	if h.ctrl.Countdown() == nil {
		t.Fatal("expected countdown")
	}
	h.ctrl.Stop()
	if h.ctrl.Countdown() != nil || h.last() != nil {
		t.Fatal("stop must null the countdown")
	}
	h.tick(5000)
	if h.fired.Load() != 0 || h.ctrl.Countdown() != nil {
		t.Fatal("ticks after stop must not write state")
	}
	h.ctrl.Stop()

	// stopping from the silence callback must not deadlock
	h.clock.set(h.at(10000))
	h.ctrl.Start()
	h.tick(14000)
	if h.fired.Load() != 1 || h.ctrl.Running() {
		t.Fatal("expected auto-stop to stop the controller")
	}
	if h.last() != nil {
		t.Fatal("countdown must be nil after the callback stopped the controller")
	}
}

func TestPollingFiresWithRealTicker(t *testing.T) {
	var fired atomic.Int32
	done := make(chan struct{})
	c := New(Options{
		Threshold: 40 * time.Millisecond,
		Window:    30 * time.Millisecond,
		Poll:      5 * time.Millisecond,
		OnSilence: func() {
			if fired.Add(1) == 1 {
				close(done)
			}
		},
		Logger: newLogger(),
	})
	c.Start()
	defer c.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("silence never detected")
	}
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(config.SilenceConfig{ThresholdMS: 4000, CountdownMS: 3000, PollMS: 100})
	if opts.Threshold != 4*time.Second || opts.Window != 3*time.Second || opts.Poll != 100*time.Millisecond {
		t.Fatalf("unexpected options %+v", opts)
	}
	c := New(Options{Threshold: time.Second, Window: 5 * time.Second})
	if c.opts.Window != time.Second {
		t.Fatalf("window must not exceed the threshold, got %v", c.opts.Window)
	}
}
