// Package store holds the application state shared by the relay, the
// playback service and the HTTP layer. Only the conversation history crosses
// the persistence boundary; audio URL, play flag and lip-sync are transient.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/avatar-engine/internal/viseme"
)

// Role of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var (
	// ErrInvalidRole is returned for roles other than user and assistant.
	ErrInvalidRole = errors.New("invalid message role")
	ErrNotFound    = errors.New("message not found")
)

// Message is one conversation turn.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Persisted is the subset of State that survives a restart.
type Persisted struct {
	Version             int       `json:"version"`
	ConversationHistory []Message `json:"conversationHistory"`
}

// Persister loads and saves the persisted subset.
type Persister interface {
	Load(ctx context.Context) (Persisted, error)
	Save(ctx context.Context, p Persisted) error
}

// State is the application state object. It is safe for concurrent use.
type State struct {
	persister Persister
	limit     int
	log       zerolog.Logger

	// saveMu orders mutate+save pairs so an older snapshot never lands
	// after a newer one. Lock order: saveMu, then mu.
	saveMu sync.Mutex

	mu       sync.RWMutex
	audioURL string
	playing  bool
	lipSync  viseme.Sequence
	history  []Message
}

// New creates a state. persister may be nil for purely in-memory state;
// limit bounds the history length (0 = unbounded).
func New(persister Persister, limit int, log zerolog.Logger) *State {
	return &State{persister: persister, limit: limit, log: log}
}

// Open creates a state and restores the persisted subset from persister.
func Open(ctx context.Context, persister Persister, limit int, log zerolog.Logger) (*State, error) {
	s := New(persister, limit, log)
	if persister == nil {
		return s, nil
	}
	p, err := persister.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	s.Restore(p)
	log.Info().Int("messages", len(s.history)).Msg("conversation history restored")
	return s, nil
}

// AudioURL returns the URL of the current reply audio.
func (s *State) AudioURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audioURL
}

// SetAudioURL records the current reply audio.
func (s *State) SetAudioURL(url string) {
	s.mu.Lock()
	s.audioURL = url
	s.mu.Unlock()
}

// Playing reports the transient play flag.
func (s *State) Playing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playing
}

// SetPlaying sets the transient play flag.
func (s *State) SetPlaying(playing bool) {
	s.mu.Lock()
	s.playing = playing
	s.mu.Unlock()
}

// LipSync returns the current sequence. Sequences are replaced wholesale,
// never mutated, so the returned slice is safe to read.
func (s *State) LipSync() viseme.Sequence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lipSync
}

// SetLipSync replaces the current sequence.
func (s *State) SetLipSync(seq viseme.Sequence) {
	s.mu.Lock()
	s.lipSync = seq
	s.mu.Unlock()
}

// AddMessage appends a message and persists the history. The message stays
// in memory even when saving fails; the error is returned to the caller.
func (s *State) AddMessage(ctx context.Context, role Role, content string) (Message, error) {
	if role != RoleUser && role != RoleAssistant {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	m := Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	s.history = append(s.history, m)
	if s.limit > 0 && len(s.history) > s.limit {
		s.history = append([]Message(nil), s.history[len(s.history)-s.limit:]...)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	return m, s.save(ctx, snap)
}

// History returns a copy of the conversation history.
func (s *State) History() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

// Message looks up a history entry by ID.
func (s *State) Message(id string) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.history {
		if m.ID == id {
			return m, nil
		}
	}
	return Message{}, ErrNotFound
}

// HistoryLength returns the number of messages.
func (s *State) HistoryLength() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

// ClearHistory empties and persists the history.
func (s *State) ClearHistory(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	s.history = nil
	snap := s.snapshotLocked()
	s.mu.Unlock()
	return s.save(ctx, snap)
}

// Snapshot returns the persisted subset.
func (s *State) Snapshot() Persisted {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Restore replaces the persisted subset. Transient fields are untouched.
func (s *State) Restore(p Persisted) {
	h := make([]Message, 0, len(p.ConversationHistory))
	for _, m := range p.ConversationHistory {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			s.log.Warn().Str("role", string(m.Role)).Msg("dropping message with unknown role")
			continue
		}
		h = append(h, m)
	}
	if s.limit > 0 && len(h) > s.limit {
		h = h[len(h)-s.limit:]
	}
	s.mu.Lock()
	s.history = h
	s.mu.Unlock()
}

func (s *State) snapshotLocked() Persisted {
	h := make([]Message, len(s.history))
	copy(h, s.history)
	return Persisted{Version: 1, ConversationHistory: h}
}

func (s *State) save(ctx context.Context, p Persisted) error {
	if s.persister == nil {
		return nil
	}
	if err := s.persister.Save(ctx, p); err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}
