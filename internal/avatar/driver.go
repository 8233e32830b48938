// Package avatar runs the render tick: it advances the body-animation mixer,
// drives the head/teeth viseme channels from the playing reply, and publishes
// a weight snapshot per frame to stream subscribers.
package avatar

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/avatar-engine/internal/metrics"
	"github.com/snarg/avatar-engine/internal/playback"
	"github.com/snarg/avatar-engine/internal/scene"
	"github.com/snarg/avatar-engine/internal/viseme"
)

// Frame is the per-tick state sent to clients.
type Frame struct {
	Seq     uint64             `json:"seq"`
	Time    float64            `json:"time"`
	Playing bool               `json:"playing"`
	Viseme  viseme.Code        `json:"viseme,omitempty"`
	Head    map[string]float64 `json:"head"`
	Teeth   map[string]float64 `json:"teeth"`
	Idle    float64            `json:"idle"`
	Talking float64            `json:"talking"`
}

// Options configures a Driver.
type Options struct {
	Player      *playback.Player
	Mixer       *playback.Mixer
	Scene       *scene.Scene
	HeadNode    string
	TeethNode   string
	FrameRate   int
	ResetOnStop bool
	Log         zerolog.Logger
}

// Driver owns the head/teeth influence slices. Only the tick goroutine (or a
// test calling Tick directly) writes them.
type Driver struct {
	player      *playback.Player
	mixer       *playback.Mixer
	headNode    string
	teethNode   string
	interval    time.Duration
	resetOnStop bool
	log         zerolog.Logger

	// swapped between ticks by SetScene
	pending atomic.Pointer[scene.Scene]
	head    *viseme.MorphTarget
	teeth   *viseme.MorphTarget

	wasPlaying bool
	seq        uint64

	subMu  sync.RWMutex
	subs   map[uint64]chan Frame
	nextID uint64

	last atomic.Pointer[Frame]

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewDriver resolves the head and teeth nodes from opts.Scene and fails fast
// when either is missing.
func NewDriver(opts Options) (*Driver, error) {
	if opts.FrameRate <= 0 {
		opts.FrameRate = 60
	}
	if opts.Mixer == nil {
		opts.Mixer = playback.NewMixer()
	}
	head, teeth, err := opts.Scene.Pair(opts.HeadNode, opts.TeethNode)
	if err != nil {
		return nil, err
	}
	d := &Driver{
		player:      opts.Player,
		mixer:       opts.Mixer,
		headNode:    opts.HeadNode,
		teethNode:   opts.TeethNode,
		interval:    time.Second / time.Duration(opts.FrameRate),
		resetOnStop: opts.ResetOnStop,
		log:         opts.Log,
		head:        head,
		teeth:       teeth,
		subs:        make(map[uint64]chan Frame),
	}
	opts.Player.Subscribe(opts.Mixer)
	return d, nil
}

// SetScene validates s and installs it at the start of the next tick.
func (d *Driver) SetScene(s *scene.Scene) error {
	if _, _, err := s.Pair(d.headNode, d.teethNode); err != nil {
		return err
	}
	d.pending.Store(s)
	return nil
}

// Start runs the tick loop until Stop.
func (d *Driver) Start() {
	d.stop = make(chan struct{})
	d.wg.Add(1)
	go d.loop()
	d.log.Info().Dur("interval", d.interval).Msg("render tick started")
}

// Stop ends the tick loop and closes every subscriber channel.
func (d *Driver) Stop() {
	if d.stop == nil {
		return
	}
	close(d.stop)
	d.wg.Wait()

	d.subMu.Lock()
	for id, ch := range d.subs {
		close(ch)
		delete(d.subs, id)
	}
	d.subMu.Unlock()
	d.log.Info().Uint64("frames", d.seq).Msg("render tick stopped")
}

func (d *Driver) loop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-d.stop:
			return
		case now := <-ticker.C:
			d.Tick(now.Sub(last).Seconds())
			last = now
		}
	}
}

// Tick evaluates one frame with dt seconds elapsed since the previous one.
func (d *Driver) Tick(dt float64) Frame {
	if s := d.pending.Swap(nil); s != nil {
		if head, teeth, err := s.Pair(d.headNode, d.teethNode); err == nil {
			d.head, d.teeth = head, teeth
			d.log.Info().Str("source", s.Source).Msg("scene swapped")
		}
	}

	idle, talking := d.mixer.Update(dt)
	playing, clock, seq := d.player.Poll()

	viseme.Animate(playing, clock, seq, d.head, d.teeth)
	if d.wasPlaying && !playing && d.resetOnStop {
		viseme.Reset(d.head, d.teeth)
	}
	d.wasPlaying = playing

	d.seq++
	f := Frame{
		Seq:     d.seq,
		Time:    clock,
		Playing: playing,
		Head:    d.head.Snapshot(),
		Teeth:   d.teeth.Snapshot(),
		Idle:    idle,
		Talking: talking,
	}
	if playing {
		if e, ok := seq.Active(clock); ok {
			f.Viseme = e.Viseme
		}
	}

	metrics.FramesTotal.Inc()
	d.last.Store(&f)
	d.broadcast(f)
	return f
}

// Last returns the most recent frame, or nil before the first tick.
func (d *Driver) Last() *Frame { return d.last.Load() }

// Subscribe returns a frame channel and a cancel func. Slow subscribers miss
// frames rather than stall the tick.
func (d *Driver) Subscribe() (<-chan Frame, func()) {
	ch := make(chan Frame, 8)
	d.subMu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = ch
	d.subMu.Unlock()
	metrics.StreamClients.Inc()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			d.subMu.Lock()
			if _, ok := d.subs[id]; ok {
				delete(d.subs, id)
				close(ch)
			}
			d.subMu.Unlock()
			metrics.StreamClients.Dec()
		})
	}
	return ch, cancel
}

func (d *Driver) broadcast(f Frame) {
	d.subMu.RLock()
	defer d.subMu.RUnlock()
	for _, ch := range d.subs {
		select {
		case ch <- f:
		default:
			metrics.FramesDroppedTotal.Inc()
		}
	}
}
