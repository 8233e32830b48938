package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snarg/avatar-engine/internal/viseme"
)

type failingPersister struct{ saves int }

func (f *failingPersister) Load(context.Context) (Persisted, error) { return Persisted{}, nil }
func (f *failingPersister) Save(context.Context, Persisted) error {
	f.saves++
	return errors.New("disk full")
}

// gatedPersister blocks the first Save until release is closed.
type gatedPersister struct {
	mu      sync.Mutex
	calls   int
	entered chan struct{}
	release chan struct{}
	last    Persisted
}

func newGatedPersister() *gatedPersister {
	return &gatedPersister{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedPersister) Load(context.Context) (Persisted, error) { return Persisted{}, nil }

func (g *gatedPersister) Save(_ context.Context, p Persisted) error {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	g.mu.Unlock()
	if first {
		close(g.entered)
		<-g.release
	}
	g.mu.Lock()
	g.last = p
	g.mu.Unlock()
	return nil
}

func (g *gatedPersister) saved() Persisted {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

func TestState_ConcurrentSavesKeepLatestHistory(t *testing.T) {
	ctx := context.Background()
	p := newGatedPersister()
	s := New(p, 0, zerolog.Nop())

	firstDone := make(chan error, 1)
	go func() {
		_, err := s.AddMessage(ctx, RoleUser, "first")
		firstDone <- err
	}()
	<-p.entered

	secondDone := make(chan error, 1)
	go func() {
		_, err := s.AddMessage(ctx, RoleAssistant, "second")
		secondDone <- err
	}()

	select {
	case <-secondDone:
		t.Fatal("second save finished while the first was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(p.release)
	require.NoError(t, <-firstDone)
	require.NoError(t, <-secondDone)

	assert.Equal(t, 2, s.HistoryLength())
	saved := p.saved().ConversationHistory
	require.Len(t, saved, 2, "persisted history must match memory")
	assert.Equal(t, "second", saved[1].Content)
}

func TestState_ClearWaitsForPendingSave(t *testing.T) {
	ctx := context.Background()
	p := newGatedPersister()
	s := New(p, 0, zerolog.Nop())

	addDone := make(chan error, 1)
	go func() {
		_, err := s.AddMessage(ctx, RoleUser, "hello")
		addDone <- err
	}()
	<-p.entered

	clearDone := make(chan error, 1)
	go func() { clearDone <- s.ClearHistory(ctx) }()

	close(p.release)
	require.NoError(t, <-addDone)
	require.NoError(t, <-clearDone)

	assert.Zero(t, s.HistoryLength())
	assert.Empty(t, p.saved().ConversationHistory)
}

func TestState_HistoryPersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.json")

	s, err := Open(ctx, NewFilePersister(path), 0, zerolog.Nop())
	require.NoError(t, err)
	_, err = s.AddMessage(ctx, RoleUser, "hello")
	require.NoError(t, err)
	_, err = s.AddMessage(ctx, RoleAssistant, "hi there")
	require.NoError(t, err)
	s.SetAudioURL("/audio/x.mp3")
	s.SetPlaying(true)
	s.SetLipSync(viseme.Sequence{{Start: 0, End: 1, Viseme: viseme.CodeA}})

	restored, err := Open(ctx, NewFilePersister(path), 0, zerolog.Nop())
	require.NoError(t, err)

	h := restored.History()
	require.Len(t, h, 2)
	assert.Equal(t, RoleUser, h[0].Role)
	assert.Equal(t, "hi there", h[1].Content)
	assert.NotEmpty(t, h[0].ID)

	assert.Empty(t, restored.AudioURL(), "transient fields are not persisted")
	assert.False(t, restored.Playing())
	assert.Empty(t, restored.LipSync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(raw), `"conversationHistory"`))
	assert.False(t, strings.Contains(string(raw), "x.mp3"))
}

func TestState_ClearHistory(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.json")
	s, err := Open(ctx, NewFilePersister(path), 0, zerolog.Nop())
	require.NoError(t, err)
	s.AddMessage(ctx, RoleUser, "hello")

	require.NoError(t, s.ClearHistory(ctx))

	restored, err := Open(ctx, NewFilePersister(path), 0, zerolog.Nop())
	require.NoError(t, err)
	assert.Empty(t, restored.History())
}

func TestState_Limit(t *testing.T) {
	s := New(nil, 2, zerolog.Nop())
	for _, c := range []string{"a", "b", "c"} {
		_, err := s.AddMessage(context.Background(), RoleUser, c)
		require.NoError(t, err)
	}

	h := s.History()
	require.Len(t, h, 2)
	assert.Equal(t, "b", h[0].Content)
	assert.Equal(t, "c", h[1].Content)
}

func TestState_InvalidRole(t *testing.T) {
	s := New(nil, 0, zerolog.Nop())

	_, err := s.AddMessage(context.Background(), "system", "x")

	assert.True(t, errors.Is(err, ErrInvalidRole))
	assert.Zero(t, s.HistoryLength())
}

func TestState_SaveFailureKeepsMessage(t *testing.T) {
	p := &failingPersister{}
	s := New(p, 0, zerolog.Nop())

	_, err := s.AddMessage(context.Background(), RoleUser, "hello")

	assert.Error(t, err)
	assert.Equal(t, 1, p.saves)
	assert.Equal(t, 1, s.HistoryLength())
}

func TestState_RestoreDropsUnknownRoles(t *testing.T) {
	s := New(nil, 0, zerolog.Nop())
	s.Restore(Persisted{ConversationHistory: []Message{
		{ID: "1", Role: RoleUser, Content: "a"},
		{ID: "2", Role: "tool", Content: "b"},
	}})

	assert.Len(t, s.History(), 1)
}

func TestState_HistoryIsCopy(t *testing.T) {
	s := New(nil, 0, zerolog.Nop())
	s.AddMessage(context.Background(), RoleUser, "a")

	h := s.History()
	h[0].Content = "mutated"

	assert.Equal(t, "a", s.History()[0].Content)
}

func TestState_MessageLookup(t *testing.T) {
	s := New(nil, 0, zerolog.Nop())
	m, err := s.AddMessage(context.Background(), RoleAssistant, "hi")
	require.NoError(t, err)

	got, err := s.Message(m.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Content)

	_, err = s.Message("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFilePersister_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Open(context.Background(), NewFilePersister(path), 0, zerolog.Nop())

	assert.Error(t, err)
}
