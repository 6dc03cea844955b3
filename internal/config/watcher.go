package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gobalance/corelb/internal/logging"
)

// Watcher watches the bootstrap file for changes and triggers a
// reload callback, debounced to absorb editors that write via a
// temp-file-then-rename sequence.
type Watcher struct {
	filepath string
	logger   *logging.Logger
	onChange func(*BootstrapConfig) error
	watcher  *fsnotify.Watcher
}

// NewWatcher creates a bootstrap-file watcher. It watches the
// containing directory rather than the file itself so atomic
// replace-on-write (rename) is still observed.
func NewWatcher(path string, logger *logging.Logger, onChange func(*BootstrapConfig) error) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}

	return &Watcher{
		filepath: path,
		logger:   logger,
		onChange: onChange,
		watcher:  fw,
	}, nil
}

// Start runs the watch loop until ctx is canceled.
func (w *Watcher) Start(ctx context.Context) {
	w.logger.Info("config_watcher_started", "file", w.filepath)

	var debounceTimer *time.Timer
	const debounceDuration = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config_watcher_stopped")
			w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if filepath.Base(event.Name) != filepath.Base(w.filepath) {
				continue
			}
			w.logger.Info("bootstrap_file_changed", "event", event.Op.String())

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDuration, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config_watcher_error", "error", err.Error())
		}
	}
}

func (w *Watcher) reload() {
	w.logger.Info("reloading_bootstrap_config", "file", w.filepath)

	cfg, err := LoadBootstrapFile(w.filepath)
	if err != nil {
		w.logger.Error("bootstrap_reload_failed", "error", err.Error())
		return
	}
	if err := w.onChange(cfg); err != nil {
		w.logger.Error("bootstrap_apply_failed", "error", err.Error())
		return
	}
	w.logger.Info("bootstrap_reloaded_successfully")
}
