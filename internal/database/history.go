package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/snarg/avatar-engine/internal/store"
)

// historyPool is the part of *pgxpool.Pool the history store uses.
type historyPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// HistoryStore persists the conversation history in Postgres.
// It implements store.Persister.
type HistoryStore struct {
	pool historyPool
	now  func() time.Time
}

func NewHistoryStore(db *DB) *HistoryStore {
	return &HistoryStore{pool: db.Pool, now: time.Now}
}

func (h *HistoryStore) Load(ctx context.Context) (store.Persisted, error) {
	rows, err := h.pool.Query(ctx,
		`SELECT id::text, role, content, created_at FROM conversation_messages ORDER BY position, created_at`)
	if err != nil {
		return store.Persisted{}, err
	}
	defer rows.Close()

	var msgs []store.Message
	for rows.Next() {
		var m store.Message
		var role string
		if err := rows.Scan(&m.ID, &role, &m.Content, &m.CreatedAt); err != nil {
			return store.Persisted{}, err
		}
		m.Role = store.Role(role)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return store.Persisted{}, err
	}
	return store.Persisted{Version: 1, ConversationHistory: msgs}, nil
}

const (
	pruneSQL = `DELETE FROM conversation_messages WHERE NOT (id::text = ANY($1))`

	upsertSQL = `
			INSERT INTO conversation_messages (id, position, role, content, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET position = EXCLUDED.position`
)

// Save makes the table match p exactly in one transaction: messages no longer
// in the history are deleted, the rest upserted with their position. An
// empty history clears the table.
func (h *HistoryStore) Save(ctx context.Context, p store.Persisted) error {
	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	ids := make([]string, len(p.ConversationHistory))
	for i, m := range p.ConversationHistory {
		ids[i] = m.ID
	}
	if _, err := tx.Exec(ctx, pruneSQL, ids); err != nil {
		return fmt.Errorf("prune messages: %w", err)
	}

	if rows := upsertArgs(p.ConversationHistory, h.now().UTC()); len(rows) > 0 {
		batch := &pgx.Batch{}
		for _, args := range rows {
			batch.Queue(upsertSQL, args...)
		}
		br := tx.SendBatch(ctx, batch)
		for range rows {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("upsert message: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("close batch: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// upsertArgs returns one upsertSQL argument list per message. Messages
// without a timestamp get now.
func upsertArgs(msgs []store.Message, now time.Time) [][]any {
	rows := make([][]any, 0, len(msgs))
	for i, m := range msgs {
		created := m.CreatedAt
		if created.IsZero() {
			created = now
		}
		rows = append(rows, []any{m.ID, i, string(m.Role), m.Content, created})
	}
	return rows
}
