package session

import (
	"sync"

	"github.com/loqalabs/loqa-capture/internal/audio"
)

// Visualizer consumes the live stream and the finalized clip. Rendering is
// up to the presentation layer; implementations only derive data from audio.
type Visualizer interface {
	Start(format audio.Format) error
	Frame(pcm []byte)
	Finalized(clip audio.Clip)
	Stop() error
}

type NopVisualizer struct{}

func (NopVisualizer) Start(audio.Format) error { return nil }
func (NopVisualizer) Frame([]byte) {}
func (NopVisualizer) Finalized(audio.Clip) {}
func (NopVisualizer) Stop() error { return nil }

// LevelMeter tracks the RMS level of the live input with a decaying peak.
type LevelMeter struct {
	mu      sync.Mutex
	running bool
	level   float64
	peak    float64
}

func NewLevelMeter() *LevelMeter {
	return &LevelMeter{}
}

func (m *LevelMeter) Start(audio.Format) error {
	m.mu.Lock()
	m.running = true
	m.level, m.peak = 0, 0
	m.mu.Unlock()
	return nil
}

func (m *LevelMeter) Frame(pcm []byte) {
	lvl := audio.Level(pcm)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.level = lvl
	m.peak = max(lvl, m.peak*0.95)
}

func (m *LevelMeter) Finalized(audio.Clip) {}

func (m *LevelMeter) Stop() error {
	m.mu.Lock()
	m.running = false
	m.level, m.peak = 0, 0
	m.mu.Unlock()
	return nil
}

// Levels returns the current level and peak in [0,1].
func (m *LevelMeter) Levels() (level, peak float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level, m.peak
}
