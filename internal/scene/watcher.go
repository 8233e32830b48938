package scene

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads a model file when it changes on disk and hands the new
// scene to onReload. Editors and exporters usually emit Create+Write bursts,
// so events are debounced.
type Watcher struct {
	path     string
	debounce time.Duration
	onReload func(*Scene)
	log      zerolog.Logger

	watcher  *fsnotify.Watcher
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu    sync.Mutex
	timer *time.Timer

	reloads atomic.Int64
	status  atomic.Value // string: "watching", "stopped"
}

// NewWatcher creates a watcher for path. Call Start to begin watching.
func NewWatcher(path string, onReload func(*Scene), log zerolog.Logger) *Watcher {
	w := &Watcher{
		path:     filepath.Clean(path),
		debounce: 250 * time.Millisecond,
		onReload: onReload,
		log:      log.With().Str("component", "scene-watcher").Logger(),
		done:     make(chan struct{}),
	}
	w.status.Store("stopped")
	return w
}

// Start watches the model's directory; watching the file itself would lose
// the watch when exporters replace it via rename.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return err
	}
	w.watcher = fw
	w.status.Store("watching")

	w.wg.Add(1)
	go w.loop()
	w.log.Info().Str("path", w.path).Msg("watching avatar model")
	return nil
}

// Stop ends watching and waits for the event loop to exit. It is safe to
// call more than once.
func (w *Watcher) Stop() {
	if w.watcher == nil {
		return
	}
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
		w.wg.Wait()

		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		w.status.Store("stopped")
	})
}

// Status returns "watching" or "stopped".
func (w *Watcher) Status() string { return w.status.Load().(string) }

// Reloads returns how many successful reloads have happened.
func (w *Watcher) Reloads() int64 { return w.reloads.Load() }

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watcher error")
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	s, err := Load(w.path)
	if err != nil {
		w.log.Warn().Err(err).Msg("model reload failed, keeping previous scene")
		return
	}
	w.reloads.Add(1)
	w.log.Info().Strs("nodes", s.Names()).Msg("avatar model reloaded")
	w.onReload(s)
}
