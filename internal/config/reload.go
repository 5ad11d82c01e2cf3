package config

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloader watches the config file and reloads on changes.
// It supports fsnotify file watching and, where the platform has one, a
// reload signal (see reloadSignals).
type Reloader struct {
	mu        sync.RWMutex
	current   *Config
	path      string
	logger    *slog.Logger
	callbacks []func(*Config)
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
}

// NewReloader creates a Reloader for the given config file path.
func NewReloader(path string, initial *Config, logger *slog.Logger) *Reloader {
	return &Reloader{
		current: initial,
		path:    path,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Current returns the active configuration (thread-safe).
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// OnReload registers a callback that is invoked with the new config
// after a successful reload.
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Start begins watching the config file for changes and listening for
// reload signals. Must be called once after NewReloader. A watcher failure
// is logged and signal-driven reloads still work.
func (r *Reloader) Start() {
	r.registerSignalHandler()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Error("failed to create file watcher", "error", err)
		return
	}
	r.watcher = watcher

	if err := watcher.Add(r.path); err != nil {
		r.logger.Error("failed to watch config file", "path", r.path, "error", err)
		watcher.Close()
		r.watcher = nil
		return
	}

	r.logger.Info("config file watcher started", "path", r.path)

	go r.watchLoop()
}

func (r *Reloader) registerSignalHandler() {
	if len(reloadSignals) == 0 {
		r.logger.Info("no reload signal on this platform, using file watcher only")
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, reloadSignals...)

	go func() {
		defer signal.Stop(sigCh)
		for {
			select {
			case sig := <-sigCh:
				r.logger.Info("reload signal received", "signal", sig.String())
				r.Reload()
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the file watcher and signal handler.
func (r *Reloader) Stop() {
	close(r.stopCh)
	if r.watcher != nil {
		r.watcher.Close()
	}
}

// Reload loads the config from disk, validates it, and if valid swaps it
// in and notifies all registered callbacks. Returns true if the reload
// succeeded. Exported so signal handlers and tests can call it.
func (r *Reloader) Reload() bool {
	r.logger.Info("reloading configuration", "path", r.path)

	newCfg, err := Load(r.path)
	if err != nil {
		r.logger.Error("config reload failed: invalid config, keeping current",
			"path", r.path, "error", err)
		return false
	}

	r.mu.Lock()
	old := r.current
	r.current = newCfg
	callbacks := make([]func(*Config), len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.Unlock()

	r.logChanges(old, newCfg)

	for _, cb := range callbacks {
		cb(newCfg)
	}

	r.logger.Info("configuration reloaded successfully")
	return true
}

// watchLoop processes fsnotify events with debouncing.
func (r *Reloader) watchLoop() {
	// Debounce timer — editors often write multiple events on save.
	var debounce *time.Timer

	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(300*time.Millisecond, func() {
					r.Reload()
				})
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("file watcher error", "error", err)
		case <-r.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

// logChanges logs a summary of what changed between the old and new config.
// Only rate limits and the log level take effect at runtime; other changes
// are reported so operators know a restart is needed.
func (r *Reloader) logChanges(old, new *Config) {
	if old.RateLimit.RequestsPerSecond != new.RateLimit.RequestsPerSecond ||
		old.RateLimit.BurstSize != new.RateLimit.BurstSize {
		r.logger.Info("rate limit config changed",
			"old_rps", old.RateLimit.RequestsPerSecond,
			"new_rps", new.RateLimit.RequestsPerSecond,
			"old_burst", old.RateLimit.BurstSize,
			"new_burst", new.RateLimit.BurstSize,
		)
	}

	if len(old.RateLimit.Overrides) != len(new.RateLimit.Overrides) {
		r.logger.Info("rate limit override count changed",
			"old", len(old.RateLimit.Overrides),
			"new", len(new.RateLimit.Overrides),
		)
	}

	if old.Logging.Level != new.Logging.Level {
		r.logger.Info("log level changed", "old", old.Logging.Level, "new", new.Logging.Level)
	}

	if old.Auth.Enabled != new.Auth.Enabled {
		r.logger.Warn("auth.enabled changed; restart required to apply",
			"old", old.Auth.Enabled,
			"new", new.Auth.Enabled,
		)
	}

	if !sameKeys(old.Keys, new.Keys) || old.Provider != new.Provider {
		r.logger.Warn("keys or provider config changed; credential pool is fixed until restart")
	}
}

func sameKeys(a, b KeysConfig) bool {
	return a.EnvVar == b.EnvVar &&
		a.MaxRetries == b.MaxRetries &&
		a.RateLimitBlock == b.RateLimitBlock &&
		a.ErrorBlock == b.ErrorBlock &&
		a.MaxErrorsBeforeBlock == b.MaxErrorsBeforeBlock &&
		a.BackoffBase == b.BackoffBase &&
		a.BackoffMax == b.BackoffMax &&
		a.Sweep() == b.Sweep()
}
