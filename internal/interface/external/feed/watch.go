package feed

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"github.com/takumi-oki/restockd/internal/pkg/logging"
)

// WatchFile reloads the watchlist whenever the file changes and hands the
// parsed result to onReload. The parent directory is watched so editor
// rename-on-save sequences are caught. Parse failures keep the previous
// watchlist; a broken edit must not take the feed down.
func WatchFile(ctx context.Context, path string, onReload func(Watchlist)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			wl, err := LoadWatchlist(afero.NewOsFs(), path)
			if err != nil {
				logging.Warn("watchlist reload skipped: %v", err)
				continue
			}
			logging.Info("watchlist reloaded: %d products", len(wl.Products))
			onReload(wl)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn("watchlist watcher error: %v", err)
		}
	}
}
