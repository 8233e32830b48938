// Package storage keeps synthesized reply audio and decides the URL a client
// fetches it from.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/avatar-engine/internal/config"
)

// ServePath is where the HTTP layer serves clips held on local disk.
const ServePath = "/audio/"

// ErrClipNotFound is returned by Get for unknown keys.
var ErrClipNotFound = errors.New("reply audio not found")

// Clip describes one stored reply.
type Clip struct {
	Key         string
	ContentType string
	Size        int64
	Modified    time.Time
}

// AudioStore holds reply audio. Keys come from NewKey.
type AudioStore interface {
	// Put stores a reply and returns the URL clients play it from.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)

	// Get opens a stored reply. Clips on local disk come back as an
	// io.ReadSeeker so range requests work.
	Get(ctx context.Context, key string) (io.ReadCloser, Clip, error)

	// Type returns "local", "s3", or "tiered".
	Type() string
}

// BackgroundService is a stoppable background goroutine.
type BackgroundService interface {
	Start()
	Stop()
}

// NewKey returns a fresh key for a reply synthesized at now:
// {YYYY-MM-DD}/{uuid}.{ext}. The date prefix groups clips for pruning.
func NewKey(now time.Time, contentType string) string {
	return now.UTC().Format("2006-01-02") + "/" + uuid.NewString() + extension(contentType)
}

// ValidKey rejects keys that could escape the audio directory.
func ValidKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return false
	}
	clean := path.Clean(key)
	return clean == key && !strings.HasPrefix(clean, "..")
}

// servedURL is the client URL for a clip on local disk.
func servedURL(key string) string { return ServePath + key }

func extension(contentType string) string {
	switch mediaType(contentType) {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/ogg":
		return ".ogg"
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

// contentTypeFor guesses the type of a clip from its key.
func contentTypeFor(key string) string {
	switch path.Ext(key) {
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".ogg":
		return "audio/ogg"
	}
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func mediaType(contentType string) string {
	return strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
}

// New picks the backend from config:
//   - no bucket: clips on local disk, pruned after retention
//   - bucket without local cache: clips only in S3, played via presigned URLs
//   - bucket with local cache: tiered, served from disk and mirrored to S3
//
// The returned services must be started and stopped by the caller. An
// unreachable bucket is a startup error.
func New(cfg config.S3Config, audioDir string, retention time.Duration, log zerolog.Logger) (AudioStore, []BackgroundService, error) {
	local := NewLocalStore(audioDir)
	if !cfg.Enabled() {
		var services []BackgroundService
		if retention > 0 {
			services = append(services, NewRetentionPruner(audioDir, retention, nil, log))
		}
		return local, services, nil
	}

	remote, err := NewS3Store(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("S3 init failed: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := remote.Check(ctx); err != nil {
		return nil, nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")

	if !cfg.LocalCache {
		return remote, nil, nil
	}

	tiered := NewTieredStore(local, remote, log)
	services := []BackgroundService{tiered}
	if retention > 0 {
		services = append(services, NewRetentionPruner(audioDir, retention, remote, log))
	}
	return tiered, services, nil
}
