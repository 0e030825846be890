package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// defaultDebounce coalesces the bursts of events editors produce on save.
const defaultDebounce = 100 * time.Millisecond

// Watcher monitors a configuration file via fsnotify and hands every
// successfully parsed new version to a callback.
type Watcher struct {
	path     string
	log      zerolog.Logger
	onChange func(FileConfig)
	delay    time.Duration

	mu       sync.Mutex
	debounce *time.Timer
}

// NewWatcher returns a watcher for the configuration file at path.
func NewWatcher(path string, log zerolog.Logger, onChange func(FileConfig)) *Watcher {
	return &Watcher{
		path:     path,
		log:      log.With().Str("config", path).Logger(),
		onChange: onChange,
		delay:    defaultDebounce,
	}
}

// Run watches the directory of the configuration file until ctx is done.
// Watching the directory rather than the file survives editors which replace
// the file on save.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	defer w.stop()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	name := filepath.Base(w.path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.debounceReload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("config watcher")
		}
	}
}

func (w *Watcher) debounceReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(w.delay, w.reload)
}

func (w *Watcher) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}
}

// reload parses the configuration file. A file which does not parse is
// ignored until it changes again.
func (w *Watcher) reload() {
	fc, err := LoadFileConfig(w.path)
	if err != nil {
		w.log.Warn().Err(err).Msg("ignoring configuration change")
		return
	}
	w.log.Info().Msg("configuration changed")
	w.onChange(fc)
}
