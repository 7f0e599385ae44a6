package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openfroyo/gaplugin/pkg/telemetry"
)

// DefaultReloadDelay debounces bursts of file events into one reload.
const DefaultReloadDelay = 500 * time.Millisecond

// ReloadFunc receives each successfully reloaded configuration.
type ReloadFunc func(cfg *Config)

// Watcher reloads the configuration file when it changes.
type Watcher struct {
	opts        LoadOptions
	reloadDelay time.Duration
	logger      zerolog.Logger

	mu      sync.Mutex
	current *Config
}

// NewWatcher creates a watcher for opts.Path seeded with the loaded config.
func NewWatcher(opts LoadOptions, current *Config, logger zerolog.Logger) (*Watcher, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("config path is required to watch")
	}
	return &Watcher{
		opts:        opts,
		reloadDelay: DefaultReloadDelay,
		logger:      logger.With().Str("component", "config").Logger(),
		current:     current,
	}, nil
}

// Current returns the latest valid configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Watch blocks until ctx ends, reloading on change. The log level of every
// reloaded config is applied before onReload runs. Invalid files are logged
// and the previous config stays current.
func (w *Watcher) Watch(ctx context.Context, onReload ReloadFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files by rename, so watch the directory.
	target := filepath.Clean(w.opts.Path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", target, err)
	}
	w.logger.Info().Str("path", target).Msg("Watching configuration file")

	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Configuration file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(w.reloadDelay, func() {
				if ctx.Err() != nil {
					return
				}
				if err := w.reload(onReload); err != nil {
					w.logger.Error().Err(err).Msg("Failed to reload configuration")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) reload(onReload ReloadFunc) error {
	opts := w.opts
	opts.Required = true
	cfg, err := Load(opts)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	level := telemetry.ApplyLogLevel(cfg.Telemetry.Logging.Level)
	w.logger.Info().Str("log_level", level.String()).Msg("Configuration reloaded")

	if onReload != nil {
		onReload(cfg)
	}
	return nil
}
