package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/avatar-engine/internal/config"
)

// ── keys ─────────────────────────────────────────────────────────────

func TestNewKey(t *testing.T) {
	now := time.Date(2026, 3, 4, 23, 0, 0, 0, time.UTC)
	key := NewKey(now, "audio/mpeg")

	re := regexp.MustCompile(`^2026-03-04/[0-9a-f-]{36}\.mp3$`)
	if !re.MatchString(key) {
		t.Errorf("NewKey = %q, want date/uuid.mp3", key)
	}
	if !ValidKey(key) {
		t.Errorf("generated key %q should be valid", key)
	}
}

func TestExtensionAndContentType(t *testing.T) {
	tests := []struct {
		ct   string
		ext  string
		back string
	}{
		{"audio/mpeg", ".mp3", "audio/mpeg"},
		{"audio/wav", ".wav", "audio/wav"},
		{"audio/ogg; codecs=opus", ".ogg", "audio/ogg"},
		{"application/x-unknown-thing", ".bin", "application/octet-stream"},
	}
	for _, tt := range tests {
		t.Run(tt.ct, func(t *testing.T) {
			ext := extension(tt.ct)
			if ext != tt.ext {
				t.Errorf("extension(%q) = %q, want %q", tt.ct, ext, tt.ext)
			}
			if got := contentTypeFor("2026-01-01/x" + ext); got != tt.back {
				t.Errorf("contentTypeFor(%q) = %q, want %q", ext, got, tt.back)
			}
		})
	}
}

func TestValidKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"2026-01-01/a.mp3", true},
		{"", false},
		{"/etc/passwd", false},
		{"../secret", false},
		{"2026-01-01/../../x", false},
		{"a\\b", false},
		{"a//b", false},
	}
	for _, tt := range tests {
		if got := ValidKey(tt.key); got != tt.want {
			t.Errorf("ValidKey(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}

// ── local ────────────────────────────────────────────────────────────

func TestLocalStore_PutServesFromAudioPath(t *testing.T) {
	dir := t.TempDir()
	s := NewLocalStore(dir)
	ctx := context.Background()
	key := "2026-01-01/reply.mp3"

	url, err := s.Put(ctx, key, []byte("ID3data"), "audio/mpeg")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if url != "/audio/2026-01-01/reply.mp3" {
		t.Errorf("url = %q", url)
	}

	rc, clip, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	if _, ok := rc.(io.ReadSeeker); !ok {
		t.Error("local clip should be seekable for range requests")
	}
	data, _ := io.ReadAll(rc)
	if string(data) != "ID3data" {
		t.Errorf("content = %q", data)
	}
	if clip.ContentType != "audio/mpeg" || clip.Size != 7 || clip.Modified.IsZero() {
		t.Errorf("clip = %+v", clip)
	}

	entries, _ := os.ReadDir(filepath.Join(dir, "2026-01-01"))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %d entries", len(entries))
	}
}

func TestLocalStore_Missing(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	_, _, err := s.Get(context.Background(), "2026-01-01/nope.mp3")
	if !errors.Is(err, ErrClipNotFound) {
		t.Errorf("err = %v, want ErrClipNotFound", err)
	}
	if s.Has("2026-01-01/nope.mp3") {
		t.Error("Has = true for missing clip")
	}
}

func TestLocalStore_RejectsTraversal(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	if _, err := s.Put(context.Background(), "../escape.mp3", []byte("x"), ""); err == nil {
		t.Error("expected error for traversal key")
	}
	if _, _, err := s.Get(context.Background(), "../escape.mp3"); err == nil || errors.Is(err, ErrClipNotFound) {
		t.Errorf("traversal Get err = %v, want invalid key", err)
	}
}

func TestNew_LocalWithRetention(t *testing.T) {
	store, services, err := New(config.S3Config{}, t.TempDir(), time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if store.Type() != "local" {
		t.Errorf("Type = %q, want local", store.Type())
	}
	if len(services) != 1 {
		t.Errorf("services = %d, want 1 pruner", len(services))
	}
}

// ── pruner ───────────────────────────────────────────────────────────

type fakeMirror struct {
	mu   sync.Mutex
	has  map[string]bool
	data map[string][]byte
	fail error
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{has: map[string]bool{}, data: map[string][]byte{}}
}

func (m *fakeMirror) upload(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.has[key] = true
	m.data[key] = append([]byte(nil), data...)
	return nil
}

func (m *fakeMirror) Get(_ context.Context, key string) (io.ReadCloser, Clip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[key]
	if !ok {
		return nil, Clip{}, fmt.Errorf("%w: %s", ErrClipNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(d)), Clip{Key: key, ContentType: "audio/mpeg", Size: int64(len(d))}, nil
}

func (m *fakeMirror) Has(_ context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.has[key]
}

func saveAged(t *testing.T, s *LocalStore, key string, age time.Duration) {
	t.Helper()
	if _, err := s.Put(context.Background(), key, []byte("x"), "audio/mpeg"); err != nil {
		t.Fatal(err)
	}
	if age > 0 {
		past := time.Now().Add(-age)
		if err := os.Chtimes(filepath.Join(s.Dir(), key), past, past); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRetentionPruner(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	old, fresh := "2026-01-01/old.mp3", "2026-01-02/fresh.mp3"
	saveAged(t, s, old, 3*time.Hour)
	saveAged(t, s, fresh, 0)

	p := NewRetentionPruner(s.Dir(), time.Hour, nil, zerolog.Nop())
	if n := p.prune(time.Now()); n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if s.Has(old) {
		t.Error("expired clip still present")
	}
	if !s.Has(fresh) {
		t.Error("fresh clip removed")
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "2026-01-01")); !os.IsNotExist(err) {
		t.Error("empty date directory should be removed")
	}
}

func TestRetentionPruner_KeepsClipsNotMirrored(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	mirrored, unmirrored := "2026-01-01/a.mp3", "2026-01-01/b.mp3"
	saveAged(t, s, mirrored, 3*time.Hour)
	saveAged(t, s, unmirrored, 3*time.Hour)

	m := newFakeMirror()
	m.has[mirrored] = true

	p := NewRetentionPruner(s.Dir(), time.Hour, m, zerolog.Nop())
	if n := p.prune(time.Now()); n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if s.Has(mirrored) {
		t.Error("mirrored clip should be pruned")
	}
	if !s.Has(unmirrored) {
		t.Error("clip missing from S3 must stay on disk")
	}
}

func TestHumanizeBytes(t *testing.T) {
	if got := humanizeBytes(1536); got != "1.5 KB" {
		t.Errorf("humanizeBytes(1536) = %q", got)
	}
	if got := humanizeBytes(12); got != "12 B" {
		t.Errorf("humanizeBytes(12) = %q", got)
	}
}

// ── tiered ───────────────────────────────────────────────────────────

func TestTieredStore_PutMirrorsInBackground(t *testing.T) {
	local := NewLocalStore(t.TempDir())
	m := newFakeMirror()
	s := NewTieredStore(local, m, zerolog.Nop())
	key := "2026-01-01/r.mp3"

	url, err := s.Put(context.Background(), key, []byte("ID3"), "audio/mpeg")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if url != "/audio/"+key {
		t.Errorf("url = %q, tiered clips are served from disk", url)
	}
	if !local.Has(key) {
		t.Error("clip not on local disk")
	}

	s.Stop()
	if !m.Has(context.Background(), key) {
		t.Error("clip not mirrored after Stop drained uploads")
	}
	if s.Pending() != 0 || s.Failed() != 0 {
		t.Errorf("pending=%d failed=%d", s.Pending(), s.Failed())
	}
}

func TestTieredStore_MirrorFailureKeepsReply(t *testing.T) {
	local := NewLocalStore(t.TempDir())
	m := newFakeMirror()
	m.fail = errors.New("bucket unreachable")
	s := NewTieredStore(local, m, zerolog.Nop())

	if _, err := s.Put(context.Background(), "2026-01-01/r.mp3", []byte("ID3"), "audio/mpeg"); err != nil {
		t.Fatalf("Put should not fail on mirror error: %v", err)
	}
	s.Stop()
	if s.Failed() != 1 {
		t.Errorf("Failed = %d, want 1", s.Failed())
	}
}

func TestTieredStore_GetRefillsFromMirror(t *testing.T) {
	local := NewLocalStore(t.TempDir())
	m := newFakeMirror()
	key := "2026-01-01/pruned.mp3"
	m.upload(context.Background(), key, []byte("ID3old"), "audio/mpeg")
	s := NewTieredStore(local, m, zerolog.Nop())

	rc, clip, err := s.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "ID3old" || clip.Size != 6 {
		t.Errorf("data=%q clip=%+v", data, clip)
	}
	if _, ok := rc.(io.ReadSeeker); !ok {
		t.Error("refilled clip should be seekable")
	}
	if !local.Has(key) {
		t.Error("clip should be re-cached on disk")
	}

	if _, _, err := s.Get(context.Background(), "2026-01-01/gone.mp3"); !errors.Is(err, ErrClipNotFound) {
		t.Errorf("missing everywhere err = %v", err)
	}
}

// ── s3 ───────────────────────────────────────────────────────────────

// fakeBucket is a minimal path-style S3 endpoint.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	cache   map[string]string
}

func (b *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := strings.TrimPrefix(r.URL.Path, "/")
	if !strings.Contains(key, "/") {
		w.WriteHeader(http.StatusOK) // HeadBucket
		return
	}
	switch r.Method {
	case http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		b.objects[key] = data
		b.types[key] = r.Header.Get("Content-Type")
		b.cache[key] = r.Header.Get("Cache-Control")
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		data, ok := b.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			if r.Method == http.MethodGet {
				io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			}
			return
		}
		w.Header().Set("Content-Type", b.types[key])
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		w.Header().Set("Last-Modified", time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC).Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write(data)
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestS3(t *testing.T) (*S3Store, *fakeBucket) {
	t.Helper()
	b := &fakeBucket{objects: map[string][]byte{}, types: map[string]string{}, cache: map[string]string{}}
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	s, err := NewS3Store(config.S3Config{
		Bucket:        "avatar",
		Endpoint:      srv.URL,
		Region:        "us-east-1",
		AccessKey:     "test",
		SecretKey:     "test",
		Prefix:        "dev",
		PresignExpiry: 10 * time.Minute,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewS3Store: %v", err)
	}
	return s, b
}

func TestS3Store_PutReturnsPresignedURL(t *testing.T) {
	s, b := newTestS3(t)
	ctx := context.Background()
	key := "2026-01-01/r.mp3"

	if err := s.Check(ctx); err != nil {
		t.Fatalf("Check: %v", err)
	}
	url, err := s.Put(ctx, key, []byte("ID3audio"), "audio/mpeg")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	obj := "avatar/dev/replies/" + key
	if string(b.objects[obj]) != "ID3audio" {
		t.Fatalf("object %q = %q", obj, b.objects[obj])
	}
	if b.types[obj] != "audio/mpeg" || !strings.Contains(b.cache[obj], "immutable") {
		t.Errorf("content-type=%q cache-control=%q", b.types[obj], b.cache[obj])
	}
	if !strings.Contains(url, "/"+obj+"?") || !strings.Contains(url, "X-Amz-Expires=600") ||
		!strings.Contains(url, "X-Amz-Signature=") {
		t.Errorf("url = %q, want presigned GET for %s", url, obj)
	}
	if !s.Has(ctx, key) {
		t.Error("Has = false after Put")
	}
}

func TestS3Store_Get(t *testing.T) {
	s, _ := newTestS3(t)
	ctx := context.Background()
	key := "2026-01-01/r.wav"
	if _, err := s.Put(ctx, key, []byte("RIFF"), ""); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rc, clip, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "RIFF" {
		t.Errorf("data = %q", data)
	}
	if clip.ContentType != "audio/wav" || clip.Size != 4 || clip.Modified.Year() != 2026 {
		t.Errorf("clip = %+v", clip)
	}

	if _, _, err := s.Get(ctx, "2026-01-01/none.mp3"); !errors.Is(err, ErrClipNotFound) {
		t.Errorf("missing err = %v, want ErrClipNotFound", err)
	}
	if s.Has(ctx, "2026-01-01/none.mp3") {
		t.Error("Has = true for missing object")
	}
}
