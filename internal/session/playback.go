package session

import "time"

// PlaybackSnapshot describes review playback of the stopped clip.
type PlaybackSnapshot struct {
	Available  bool   `json:"available"`
	Playing    bool   `json:"playing"`
	PositionMS int64  `json:"position_ms"`
	DurationMS int64  `json:"duration_ms"`
	URL        string `json:"url,omitempty"`
}

// playback is a clock over the clip; the browser or player does the audio.
type playback struct {
	playing  bool
	position time.Duration
	since    time.Time
	duration time.Duration
	timer    *time.Timer
	gen      uint64
}

func (c *Controller) resetPlaybackLocked() {
	if c.playback.timer != nil {
		c.playback.timer.Stop()
	}
	c.playback = playback{gen: c.playback.gen + 1}
}

// TogglePlayback pauses or resumes review playback. Resuming at the end
// rewinds to the start.
func (c *Controller) TogglePlayback() (PlaybackSnapshot, error) {
	c.mu.Lock()
	if c.clip == nil {
		c.mu.Unlock()
		return PlaybackSnapshot{}, ErrNoClip
	}
	now := c.opts.Now()
	p := &c.playback
	if p.playing {
		p.position = c.positionLocked(now)
		p.playing = false
		c.disarmLocked()
	} else {
		if p.position >= p.duration {
			p.position = 0
		}
		p.playing = true
		p.since = now
		c.armLocked()
	}
	snap := c.playbackLocked(now)
	c.mu.Unlock()
	c.notify()
	return snap, nil
}

// Seek moves the playback position, clamped to the clip.
func (c *Controller) Seek(pos time.Duration) (PlaybackSnapshot, error) {
	c.mu.Lock()
	if c.clip == nil {
		c.mu.Unlock()
		return PlaybackSnapshot{}, ErrNoClip
	}
	now := c.opts.Now()
	p := &c.playback
	p.position = min(max(pos, 0), p.duration)
	if p.playing {
		p.since = now
		c.armLocked()
	}
	snap := c.playbackLocked(now)
	c.mu.Unlock()
	return snap, nil
}

func (c *Controller) PlaybackSnapshot() PlaybackSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playbackLocked(c.opts.Now())
}

func (c *Controller) positionLocked(now time.Time) time.Duration {
	p := c.playback
	if !p.playing {
		return p.position
	}
	return min(p.position+now.Sub(p.since), p.duration)
}

func (c *Controller) playbackLocked(now time.Time) PlaybackSnapshot {
	if c.clip == nil {
		return PlaybackSnapshot{}
	}
	return PlaybackSnapshot{
		Available:  true,
		Playing:    c.playback.playing,
		PositionMS: durationMS(c.positionLocked(now)),
		DurationMS: durationMS(c.playback.duration),
		URL:        c.resource.URL(),
	}
}

func (c *Controller) armLocked() {
	c.disarmLocked()
	gen := c.playback.gen
	c.playback.timer = time.AfterFunc(c.playback.duration-c.playback.position, func() {
		c.playbackEnded(gen)
	})
}

func (c *Controller) disarmLocked() {
	if c.playback.timer != nil {
		c.playback.timer.Stop()
		c.playback.timer = nil
	}
	c.playback.gen++
}

func (c *Controller) playbackEnded(gen uint64) {
	c.mu.Lock()
	if c.playback.gen != gen || !c.playback.playing {
		c.mu.Unlock()
		return
	}
	c.playback.playing = false
	c.playback.position = c.playback.duration
	c.playback.timer = nil
	c.mu.Unlock()
	c.notify()
}
