package avatar

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snarg/avatar-engine/internal/playback"
	"github.com/snarg/avatar-engine/internal/scene"
	"github.com/snarg/avatar-engine/internal/viseme"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestDriver(t *testing.T, resetOnStop bool) (*Driver, *playback.Player, *stepClock) {
	t.Helper()
	clock := &stepClock{now: time.Unix(1700000000, 0)}
	player := playback.NewPlayer(clock)
	d, err := NewDriver(Options{
		Player:      player,
		Scene:       scene.Default(),
		HeadNode:    scene.HeadNode,
		TeethNode:   scene.TeethNode,
		FrameRate:   60,
		ResetOnStop: resetOnStop,
		Log:         zerolog.Nop(),
	})
	require.NoError(t, err)
	return d, player, clock
}

func reply() playback.Track {
	return playback.Track{
		URL:      "/audio/r.mp3",
		Duration: 2,
		LipSync: viseme.Sequence{
			{Start: 0, End: 1, Viseme: viseme.CodeA, Weight: viseme.W(0.8)},
			{Start: 1, End: 2, Viseme: viseme.CodeB},
		},
	}
}

func TestNewDriver_MissingNode(t *testing.T) {
	_, err := NewDriver(Options{
		Player:    playback.NewPlayer(nil),
		Scene:     scene.Default(),
		HeadNode:  "Wolf3D_Head",
		TeethNode: "Wolf3D_Tongue",
		Log:       zerolog.Nop(),
	})
	assert.True(t, errors.Is(err, scene.ErrNodeNotFound))
}

func TestDriver_IdleTickLeavesWeights(t *testing.T) {
	d, _, _ := newTestDriver(t, true)

	f := d.Tick(1.0 / 60)

	assert.False(t, f.Playing)
	assert.InDelta(t, 0.0, f.Head["viseme_PP"], 1e-9, "no tick has animated yet")
	assert.InDelta(t, 1.0, f.Idle, 1e-9)
}

func TestDriver_DrivesActiveViseme(t *testing.T) {
	d, player, clock := newTestDriver(t, true)
	player.Play(reply())

	clock.Advance(500 * time.Millisecond)
	f := d.Tick(0.5)
	assert.True(t, f.Playing)
	assert.Equal(t, viseme.CodeA, f.Viseme)
	assert.InDelta(t, 0.8, f.Head["viseme_PP"], 1e-9)
	assert.InDelta(t, 0.8, f.Teeth["viseme_PP"], 1e-9)
	assert.InDelta(t, 0.1, f.Head["viseme_kk"], 1e-9)
	assert.InDelta(t, 1.0, f.Talking, 1e-9)

	clock.Advance(time.Second)
	f = d.Tick(1)
	assert.Equal(t, viseme.CodeB, f.Viseme)
	assert.InDelta(t, 1.0, f.Head["viseme_kk"], 1e-9)
	assert.InDelta(t, 0.1, f.Head["viseme_PP"], 1e-9)
}

func TestDriver_ResetOnStop(t *testing.T) {
	d, player, clock := newTestDriver(t, true)
	player.Play(reply())
	clock.Advance(500 * time.Millisecond)
	d.Tick(0.5)

	player.Stop()
	f := d.Tick(0.1)

	assert.False(t, f.Playing)
	for _, c := range viseme.Channels() {
		assert.InDelta(t, 0.1, f.Head[c], 1e-9, c)
	}
}

func TestDriver_KeepsLastWeightWithoutReset(t *testing.T) {
	d, player, clock := newTestDriver(t, false)
	player.Play(reply())
	clock.Advance(500 * time.Millisecond)
	d.Tick(0.5)

	player.Stop()
	f := d.Tick(0.1)

	assert.InDelta(t, 0.8, f.Head["viseme_PP"], 1e-9)
}

func TestDriver_EndOfTrackResets(t *testing.T) {
	d, player, clock := newTestDriver(t, true)
	player.Play(reply())
	clock.Advance(1500 * time.Millisecond)
	d.Tick(1.5)

	clock.Advance(time.Second)
	f := d.Tick(1)

	assert.False(t, f.Playing)
	assert.InDelta(t, 0.1, f.Head["viseme_kk"], 1e-9)
}

func TestDriver_Subscribe(t *testing.T) {
	d, _, _ := newTestDriver(t, true)
	ch, cancel := d.Subscribe()

	d.Tick(0.016)
	f := <-ch
	assert.Equal(t, uint64(1), f.Seq)
	assert.Equal(t, uint64(1), d.Last().Seq)

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestDriver_SlowSubscriberDoesNotBlock(t *testing.T) {
	d, _, _ := newTestDriver(t, true)
	_, cancel := d.Subscribe()
	defer cancel()

	for i := 0; i < 50; i++ {
		d.Tick(0.016)
	}
	assert.Equal(t, uint64(50), d.Last().Seq)
}

func TestDriver_SetScene(t *testing.T) {
	d, player, clock := newTestDriver(t, true)

	bad := scene.New("bad", viseme.NewMorphTarget("Other", viseme.Channels()))
	assert.Error(t, d.SetScene(bad))

	next := scene.Default()
	require.NoError(t, d.SetScene(next))
	player.Play(reply())
	clock.Advance(500 * time.Millisecond)
	d.Tick(0.5)

	head, err := next.MorphTarget(scene.HeadNode)
	require.NoError(t, err)
	w, _ := head.Influence("viseme_PP")
	assert.InDelta(t, 0.8, w, 1e-9, "new scene's nodes are driven after the swap")
}

func TestDriver_StartStop(t *testing.T) {
	d, _, _ := newTestDriver(t, true)
	ch, _ := d.Subscribe()

	d.Start()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no frame within 2s")
	}
	d.Stop()

	for range ch {
	}
}
