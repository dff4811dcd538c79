package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Watcher monitors the .env file for changes and updates runtime-reloadable
// settings (tokens, log level). Interval changes still require a restart.
type Watcher struct {
	config      *Config
	envPath     string
	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	stopOnce    sync.Once
	lastModTime time.Time
	mu          sync.RWMutex
	onReload    func()
}

// NewWatcher creates a watcher for the .env file in the data directory.
func NewWatcher(cfg *Config) (*Watcher, error) {
	envPath := filepath.Join(cfg.DataPath, ".env")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		config:   cfg,
		envPath:  envPath,
		watcher:  watcher,
		stopChan: make(chan struct{}),
	}
	if stat, err := os.Stat(envPath); err == nil {
		w.lastModTime = stat.ModTime()
	}
	return w, nil
}

// SetReloadCallback sets the function invoked after a successful reload.
func (w *Watcher) SetReloadCallback(callback func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = callback
}

// Start begins watching the config directory.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.envPath)
	if err := w.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch config directory, falling back to polling")
		go w.pollForChanges()
		return nil
	}

	go w.watchForChanges()
	log.Info().Str("env_path", w.envPath).Msg("Started watching config file for changes")
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.watcher.Close()
	})
}

// Reload manually triggers a config reload (e.g. from SIGHUP).
func (w *Watcher) Reload() {
	w.reloadEnv()
}

func (w *Watcher) watchForChanges() {
	for {
		select {
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.envPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Editors often fire several events per save; debounce on mtime.
			stat, err := os.Stat(w.envPath)
			if err != nil {
				continue
			}
			w.mu.Lock()
			changed := stat.ModTime().After(w.lastModTime)
			if changed {
				w.lastModTime = stat.ModTime()
			}
			w.mu.Unlock()
			if changed {
				w.reloadEnv()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) pollForChanges() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			stat, err := os.Stat(w.envPath)
			if err != nil {
				continue
			}
			w.mu.Lock()
			changed := stat.ModTime().After(w.lastModTime)
			if changed {
				w.lastModTime = stat.ModTime()
			}
			w.mu.Unlock()
			if changed {
				w.reloadEnv()
			}
		}
	}
}

func (w *Watcher) reloadEnv() {
	values, err := godotenv.Read(w.envPath)
	if err != nil {
		log.Warn().Err(err).Str("file", w.envPath).Msg("Failed to re-read .env file")
		return
	}

	w.config.SetTokens(
		strings.TrimSpace(values["API_TOKEN"]),
		strings.TrimSpace(values["SERVICE_TOKEN"]),
	)
	w.config.SetLogLevel(strings.TrimSpace(values["LOG_LEVEL"]))

	w.mu.RLock()
	callback := w.onReload
	w.mu.RUnlock()

	log.Info().Str("file", w.envPath).Msg("Reloaded runtime configuration from .env")
	if callback != nil {
		callback()
	}
}
