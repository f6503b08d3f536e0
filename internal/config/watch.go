package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// debounceDelay is the time to wait after a file change before
// reloading, enough to coalesce editor save bursts into one reload.
const debounceDelay = 100 * time.Millisecond

// Load parses path into a Configuration, starting from Default() so any
// field the document omits keeps its production default rather than
// going to YAML's own zero value.
func Load(path string) (Configuration, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Configuration{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Configuration{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Watcher watches a config file on disk and republishes a parsed
// Configuration on Updates whenever it changes, debounced to coalesce
// fsnotify event bursts. A malformed document on reload is logged and
// discarded and the last good snapshot stays live, since a syntax typo
// mid-edit should never take a running process's routing table down.
type Watcher struct {
	path    string
	logger  *slog.Logger
	updates chan Configuration

	current Configuration
}

// NewWatcher loads path once (failing if it cannot be parsed) and
// returns a Watcher ready to Run.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:    path,
		logger:  logger,
		updates: make(chan Configuration, 1),
		current: cfg,
	}, nil
}

// Current returns the most recently loaded Configuration.
func (w *Watcher) Current() Configuration {
	return w.current
}

// Updates returns the channel new Configurations are delivered on.
// Receivers should drain it promptly; it is buffered to depth 1 so a
// reload that lands before the previous one is consumed simply replaces
// it rather than blocking the watch goroutine.
func (w *Watcher) Updates() <-chan Configuration {
	return w.updates
}

// Run watches the config file's directory (so editors that replace the
// file via rename-into-place still trigger a reload) until stop is closed,
// delivering debounced, successfully-parsed reloads on Updates.
func (w *Watcher) Run(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: new fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}

	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-stop:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceDelay)
			} else {
				debounce.Reset(debounceDelay)
			}
			debounceC = debounce.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config: watch error", "error", err)
		case <-debounceC:
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Warn("config: reload failed, keeping previous snapshot", "path", w.path, "error", err)
				continue
			}
			w.current = cfg
			select {
			case w.updates <- cfg:
			default:
				// Drop-and-replace: pull the stale pending update, then
				// push the fresh one, so Updates() never blocks Run.
				w.logger.Debug("config: replacing unconsumed reload", "path", w.path)
				select {
				case <-w.updates:
				default:
				}
				w.updates <- cfg
			}
		}
	}
}
