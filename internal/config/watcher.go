package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"tradecore/pkg/utils"
)

// SettingsWatcher перечитывает файл риск-настроек при изменении.
// Следит за директорией: редакторы часто заменяют файл через rename.
type SettingsWatcher struct {
	store    *SettingsStore
	watcher  *fsnotify.Watcher
	log      *utils.Logger
	debounce time.Duration
}

// NewSettingsWatcher создает watcher для store.Path()
func NewSettingsWatcher(store *SettingsStore, log *utils.Logger) (*SettingsWatcher, error) {
	if store.Path() == "" {
		return nil, fmt.Errorf("settings watcher: empty path")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("settings watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(store.Path())); err != nil {
		w.Close()
		return nil, fmt.Errorf("settings watcher: watch dir: %w", err)
	}

	return &SettingsWatcher{
		store:    store,
		watcher:  w,
		log:      log.WithComponent("settings_watcher"),
		debounce: 100 * time.Millisecond,
	}, nil
}

// Run обрабатывает события до отмены контекста
func (sw *SettingsWatcher) Run(ctx context.Context) {
	defer sw.watcher.Close()

	target := filepath.Clean(sw.store.Path())
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				// ждем, пока запись файла завершится
				pending = time.After(sw.debounce)
			}

		case <-pending:
			pending = nil
			if err := sw.store.Reload(); err != nil {
				sw.log.Warn("risk settings reload rejected, keeping previous", utils.Err(err))
				continue
			}
			sw.log.Info("risk settings reloaded", utils.String("path", target))

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.log.Warn("settings watcher error", utils.Err(err))
		}
	}
}
