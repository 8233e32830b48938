package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// mirrorChecker confirms a clip reached the durable tier.
type mirrorChecker interface {
	Has(ctx context.Context, key string) bool
}

// RetentionPruner deletes reply audio older than the retention window from
// the local audio directory. In tiered mode a file is only removed once it
// is confirmed in S3, so S3 keeps the long-term copy.
type RetentionPruner struct {
	dir       string
	retention time.Duration
	interval  time.Duration
	mirror    mirrorChecker
	log       zerolog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewRetentionPruner creates a pruner for dir. mirror may be nil.
func NewRetentionPruner(dir string, retention time.Duration, mirror mirrorChecker, log zerolog.Logger) *RetentionPruner {
	interval := retention / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	if interval > time.Hour {
		interval = time.Hour
	}
	return &RetentionPruner{
		dir:       dir,
		retention: retention,
		interval:  interval,
		mirror:    mirror,
		log:       log.With().Str("component", "audio-pruner").Logger(),
		stop:      make(chan struct{}),
	}
}

func (p *RetentionPruner) Start() {
	go p.loop()
}

func (p *RetentionPruner) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *RetentionPruner) loop() {
	// Run once on startup to clear any backlog from downtime
	p.prune(time.Now())

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			p.prune(now)
		case <-p.stop:
			return
		}
	}
}

// prune removes expired files and returns how many were deleted.
func (p *RetentionPruner) prune(now time.Time) int {
	if p.retention <= 0 {
		return 0
	}

	cutoff := now.Add(-p.retention)
	var prunedCount int
	var prunedBytes int64
	var skippedNotInS3 int

	type fileEntry struct {
		path    string
		key     string
		modTime time.Time
		size    int64
	}
	var files []fileEntry

	filepath.WalkDir(p.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(p.dir, path)
		if relErr != nil {
			return nil
		}
		files = append(files, fileEntry{
			path:    path,
			key:     filepath.ToSlash(rel),
			modTime: info.ModTime(),
			size:    info.Size(),
		})
		return nil
	})

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	for _, f := range files {
		if !f.modTime.Before(cutoff) {
			break
		}
		if p.mirror != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			inS3 := p.mirror.Has(ctx, f.key)
			cancel()
			if !inS3 {
				skippedNotInS3++
				p.log.Warn().Str("key", f.key).Msg("skipping prune: file not in S3")
				continue
			}
		}
		if err := os.Remove(f.path); err == nil {
			prunedCount++
			prunedBytes += f.size
		}
	}

	p.removeEmptyDirs()

	if prunedCount > 0 || skippedNotInS3 > 0 {
		p.log.Info().
			Int("pruned", prunedCount).
			Str("freed", humanizeBytes(prunedBytes)).
			Int("skipped_not_in_s3", skippedNotInS3).
			Msg("audio prune complete")
	}
	return prunedCount
}

func (p *RetentionPruner) removeEmptyDirs() {
	entries, _ := os.ReadDir(p.dir)
	for _, dateDir := range entries {
		if !dateDir.IsDir() {
			continue
		}
		datePath := filepath.Join(p.dir, dateDir.Name())
		remaining, _ := os.ReadDir(datePath)
		if len(remaining) == 0 {
			os.Remove(datePath)
		}
	}
}

func humanizeBytes(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case b >= GB:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
