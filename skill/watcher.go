package skill

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/deepnoodle-ai/relay/log"
)

// DefaultDebounce is how long the watcher waits after the last change before
// reloading.
const DefaultDebounce = 250 * time.Millisecond

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	Debounce time.Duration
	Logger   log.Logger

	// OnReload, if set, is called after every reload.
	OnReload func(count int)
}

// Watcher reloads a Loader whenever a file under its search paths changes.
type Watcher struct {
	loader  *Loader
	opts    WatcherOptions
	logger  log.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher watches every existing search path of loader and the skill
// directories directly beneath them.
func NewWatcher(loader *Loader, opts WatcherOptions) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	w := &Watcher{
		loader:  loader,
		opts:    opts,
		logger:  log.OrNull(opts.Logger),
		watcher: fw,
	}
	for _, dir := range loader.SearchPaths() {
		w.addTree(dir)
	}
	return w, nil
}

// Watched returns the directories currently being watched.
func (w *Watcher) Watched() []string {
	return w.watcher.WatchList()
}

func (w *Watcher) addTree(dir string) {
	if !isDir(dir) {
		return
	}
	if err := w.watcher.Add(dir); err != nil {
		w.logger.Warn("failed to watch skill path", "path", dir, "error", err)
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			sub := filepath.Join(dir, entry.Name())
			if err := w.watcher.Add(sub); err != nil {
				w.logger.Warn("failed to watch skill path", "path", sub, "error", err)
			}
		}
	}
}

// Run processes file events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) && isDir(event.Name) {
				w.addTree(event.Name)
			}
			w.logger.Debug("skill file changed", "path", event.Name, "op", event.Op.String())
			reload = time.After(w.opts.Debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("skill watcher error", "error", err)
		case <-reload:
			reload = nil
			if err := w.loader.LoadSkills(); err != nil {
				w.logger.Error("failed to reload skills", "error", err)
				continue
			}
			count := w.loader.SkillCount()
			w.logger.Info("skills reloaded", "count", count)
			if w.opts.OnReload != nil {
				w.opts.OnReload(count)
			}
		}
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
