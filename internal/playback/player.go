// Package playback is the headless audio playback service: it tracks which
// reply is playing, exposes its read position, and reports began/ended.
package playback

import (
	"sync"
	"time"

	"github.com/snarg/avatar-engine/internal/viseme"
)

// Clock is a monotonic time source. time.Now satisfies it via SystemClock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock's monotonic reading.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Track is one spoken reply.
type Track struct {
	URL      string          `json:"url"`
	Duration float64         `json:"duration"`
	LipSync  viseme.Sequence `json:"lip_sync"`
}

// Listener receives playback notifications. Calls happen outside the player lock.
type Listener interface {
	PlaybackStarted(t Track)
	PlaybackEnded(t Track, interrupted bool)
}

// Player plays one track at a time. Starting a new track replaces the
// previous one wholesale, including its lip-sync sequence.
type Player struct {
	clock Clock

	mu        sync.Mutex
	track     Track
	startedAt time.Time
	playing   bool
	listeners []Listener
}

// NewPlayer creates a player. A nil clock uses SystemClock.
func NewPlayer(clock Clock) *Player {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Player{clock: clock}
}

// Subscribe registers a listener for began/ended notifications.
func (p *Player) Subscribe(l Listener) {
	p.mu.Lock()
	p.listeners = append(p.listeners, l)
	p.mu.Unlock()
}

// Play starts t from position zero. A track that is already playing ends as
// interrupted first.
func (p *Player) Play(t Track) {
	p.mu.Lock()
	prev, wasPlaying := p.track, p.playing
	p.track = t
	p.startedAt = p.clock.Now()
	p.playing = true
	listeners := p.snapshotListeners()
	p.mu.Unlock()

	for _, l := range listeners {
		if wasPlaying {
			l.PlaybackEnded(prev, true)
		}
		l.PlaybackStarted(t)
	}
}

// Stop halts playback. It is a no-op when nothing is playing.
func (p *Player) Stop() {
	p.mu.Lock()
	if !p.playing {
		p.mu.Unlock()
		return
	}
	t := p.track
	p.playing = false
	listeners := p.snapshotListeners()
	p.mu.Unlock()

	for _, l := range listeners {
		l.PlaybackEnded(t, true)
	}
}

// Poll advances the play state and returns (playing, position, sequence) for
// the current tick. A track whose position reaches its duration ends here.
func (p *Player) Poll() (bool, float64, viseme.Sequence) {
	p.mu.Lock()
	if !p.playing {
		seq := p.track.LipSync
		p.mu.Unlock()
		return false, 0, seq
	}
	pos := p.clock.Now().Sub(p.startedAt).Seconds()
	if p.track.Duration > 0 && pos >= p.track.Duration {
		t := p.track
		p.playing = false
		listeners := p.snapshotListeners()
		p.mu.Unlock()
		for _, l := range listeners {
			l.PlaybackEnded(t, false)
		}
		return false, t.Duration, t.LipSync
	}
	seq := p.track.LipSync
	p.mu.Unlock()
	return true, pos, seq
}

// CurrentTime is the read position of the playing track, in seconds.
func (p *Player) CurrentTime() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing {
		return 0
	}
	return p.clock.Now().Sub(p.startedAt).Seconds()
}

// Seconds implements viseme.PlaybackClock.
func (p *Player) Seconds() float64 { return p.CurrentTime() }

// Playing reports whether a track is playing.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Track returns the current (or last) track.
func (p *Player) Track() Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.track
}

func (p *Player) snapshotListeners() []Listener {
	out := make([]Listener, len(p.listeners))
	copy(out, p.listeners)
	return out
}
