package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// remote is the durable tier. *S3Store implements it.
type remote interface {
	upload(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, Clip, error)
	Has(ctx context.Context, key string) bool
}

// TieredStore plays replies from local disk and mirrors them to S3 in the
// background, so a slow bucket never delays a reply. A clip missing on disk
// (pruned, or a fresh node) is fetched from S3 and cached again.
type TieredStore struct {
	local         *LocalStore
	remote        remote
	uploadTimeout time.Duration
	log           zerolog.Logger

	wg      sync.WaitGroup
	pending atomic.Int64
	failed  atomic.Int64
}

// NewTieredStore mirrors local to remote.
func NewTieredStore(local *LocalStore, r remote, log zerolog.Logger) *TieredStore {
	return &TieredStore{
		local:         local,
		remote:        r,
		uploadTimeout: 30 * time.Second,
		log:           log.With().Str("component", "tiered-store").Logger(),
	}
}

func (s *TieredStore) Type() string { return "tiered" }

// Put writes the clip to disk and queues the S3 copy. Only the disk write
// can fail the reply.
func (s *TieredStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	url, err := s.local.Put(ctx, key, data, contentType)
	if err != nil {
		return "", err
	}

	s.pending.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.pending.Add(-1)
		// detached from the request; the reply outlives it
		upCtx, cancel := context.WithTimeout(context.Background(), s.uploadTimeout)
		defer cancel()
		if err := s.remote.upload(upCtx, key, data, contentType); err != nil {
			s.failed.Add(1)
			s.log.Warn().Err(err).Str("key", key).Msg("S3 mirror failed, clip kept on local disk")
		}
	}()
	return url, nil
}

// Get reads from disk, falling back to S3 and re-caching the clip.
func (s *TieredStore) Get(ctx context.Context, key string) (io.ReadCloser, Clip, error) {
	rc, clip, err := s.local.Get(ctx, key)
	if err == nil || !errors.Is(err, ErrClipNotFound) {
		return rc, clip, err
	}

	rc, clip, err = s.remote.Get(ctx, key)
	if err != nil {
		return nil, Clip{}, err
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, Clip{}, err
	}
	if _, err := s.local.Put(ctx, key, data, clip.ContentType); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("failed to re-cache clip from S3")
	}
	clip.Size = int64(len(data))
	return readSeekNopCloser{bytes.NewReader(data)}, clip, nil
}

// Pending returns the number of S3 copies still in flight.
func (s *TieredStore) Pending() int64 { return s.pending.Load() }

// Failed returns how many S3 copies have failed since start.
func (s *TieredStore) Failed() int64 { return s.failed.Load() }

// Start is a no-op; uploads begin on Put.
func (s *TieredStore) Start() {}

// Stop waits for in-flight S3 copies.
func (s *TieredStore) Stop() {
	if n := s.pending.Load(); n > 0 {
		s.log.Info().Int64("pending", n).Msg("waiting for S3 mirror uploads")
	}
	s.wg.Wait()
}

type readSeekNopCloser struct{ *bytes.Reader }

func (readSeekNopCloser) Close() error { return nil }
