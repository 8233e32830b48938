package database

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const (
	applicationName = "avatar-engine"

	// History writes are serialized by the store, so a handful of
	// connections covers the writer plus health checks and reads.
	maxConns = 4
	minConns = 1

	connectAttempts = 5
	connectBackoff  = time.Second
)

// DB is the Postgres pool behind the conversation history.
type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

// Open connects and brings the history schema up to date.
func Open(ctx context.Context, databaseURL string, log zerolog.Logger) (*DB, error) {
	db, err := Connect(ctx, databaseURL, log)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Connect opens the pool and waits for the server to answer. Kiosk installs
// often start Postgres next to the engine, so the first pings are retried
// with a growing delay before giving up.
func Connect(ctx context.Context, databaseURL string, log zerolog.Logger) (*DB, error) {
	cfg, err := poolConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := waitReady(ctx, pool, log); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Str("url", maskDSN(databaseURL)).
		Int32("max_conns", cfg.MaxConns).
		Msg("history database connected")

	return &DB{Pool: pool, log: log}, nil
}

func poolConfig(databaseURL string) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	// pool_max_conns in the URL may lower the cap, never raise it.
	if cfg.MaxConns > maxConns {
		cfg.MaxConns = maxConns
	}
	cfg.MinConns = minConns
	if _, ok := cfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		cfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	}
	return cfg, nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

func waitReady(ctx context.Context, p pinger, log zerolog.Logger) error {
	delay := connectBackoff
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if err = p.Ping(ctx); err == nil {
			return nil
		}
		if attempt == connectAttempts {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("history database not ready")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("ping after %d attempts: %w", connectAttempts, err)
}

// HealthCheck pings with a short deadline for /api/v1/health.
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return db.Pool.Ping(ctx)
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPass := u.User.Password(); hasPass {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}

func (db *DB) Close() {
	st := db.Pool.Stat()
	db.log.Info().
		Int64("acquires", st.AcquireCount()).
		Dur("acquire_wait", st.AcquireDuration()).
		Msg("closing history database")
	db.Pool.Close()
}
