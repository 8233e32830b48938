package playback

import "sync"

// Body animation clips.
const (
	ClipIdle    = "idle"
	ClipTalking = "talking"
)

// CrossFade is the idle/talking blend time in seconds.
const CrossFade = 0.2

// Mixer blends the idle and talking body clips. Playback notifications pick
// the target clip; Update moves the blend toward it.
type Mixer struct {
	mu       sync.Mutex
	target   string
	talking  float64 // weight of the talking clip, idle is 1-talking
	fadeTime float64
}

// NewMixer starts fully idle.
func NewMixer() *Mixer {
	return &Mixer{target: ClipIdle, fadeTime: CrossFade}
}

// PlaybackStarted fades toward the talking clip.
func (m *Mixer) PlaybackStarted(Track) {
	m.mu.Lock()
	m.target = ClipTalking
	m.mu.Unlock()
}

// PlaybackEnded fades back to idle.
func (m *Mixer) PlaybackEnded(Track, bool) {
	m.mu.Lock()
	m.target = ClipIdle
	m.mu.Unlock()
}

// Update advances the crossfade by dt seconds and returns (idle, talking) weights.
func (m *Mixer) Update(dt float64) (float64, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	step := 1.0
	if m.fadeTime > 0 {
		step = dt / m.fadeTime
	}
	if m.target == ClipTalking {
		m.talking += step
		if m.talking > 1 {
			m.talking = 1
		}
	} else {
		m.talking -= step
		if m.talking < 0 {
			m.talking = 0
		}
	}
	return 1 - m.talking, m.talking
}

// Clip returns the clip the mixer is fading toward.
func (m *Mixer) Clip() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}
