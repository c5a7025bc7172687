package config

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// ChangeEvent describes the outcome of one reload attempt.
type ChangeEvent struct {
	Accepted bool
	Reason   string
}

// Watcher owns the live configuration snapshot. Readers call Current and get
// an immutable *Config; reloads validate fully and swap the pointer
// atomically, so in-flight pipelines keep the snapshot they started with.
type Watcher struct {
	path    string
	current atomic.Pointer[Config]
	log     zerolog.Logger

	mu        sync.Mutex
	listeners []func(ChangeEvent)
}

// NewWatcher loads the initial configuration from path and returns a watcher
// holding it.
func NewWatcher(path string, log zerolog.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("initial config load: %w", err)
	}
	w := &Watcher{
		path: path,
		log:  log.With().Str("component", "config_watcher").Logger(),
	}
	w.current.Store(cfg)
	return w, nil
}

// NewStaticWatcher wraps an already-built config, for tests and embedding.
func NewStaticWatcher(cfg *Config, log zerolog.Logger) *Watcher {
	w := &Watcher{log: log.With().Str("component", "config_watcher").Logger()}
	w.current.Store(cfg)
	return w
}

// Current returns the live configuration snapshot. The returned value must
// be treated as immutable.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// OnChange registers a callback invoked after every reload attempt,
// accepted or rejected.
func (w *Watcher) OnChange(fn func(ChangeEvent)) {
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

// Reload re-reads the configuration source. On validation failure the
// previous snapshot is kept and a rejected event is emitted.
func (w *Watcher) Reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Warn().Err(err).Msg("Config reload rejected, keeping previous snapshot")
		w.notify(ChangeEvent{Accepted: false, Reason: err.Error()})
		return err
	}

	w.current.Store(cfg)
	w.log.Info().Msg("Config reloaded")
	w.notify(ChangeEvent{Accepted: true})
	return nil
}

// Watch subscribes to filesystem change notifications for the config file.
// Each change triggers a Reload. The orchestrator additionally polls on its
// reload interval, covering editors that replace the file instead of
// writing it in place.
func (w *Watcher) Watch() {
	if w.path == "" {
		return
	}
	v := viper.New()
	v.SetConfigFile(w.path)
	if err := v.ReadInConfig(); err != nil {
		w.log.Warn().Err(err).Msg("Config watch disabled, file unreadable")
		return
	}
	v.OnConfigChange(func(_ fsnotify.Event) {
		if err := w.Reload(); err != nil {
			w.log.Debug().Err(err).Msg("Watched config change rejected")
		}
	})
	v.WatchConfig()
}

func (w *Watcher) notify(ev ChangeEvent) {
	w.mu.Lock()
	listeners := make([]func(ChangeEvent), len(w.listeners))
	copy(listeners, w.listeners)
	w.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}
