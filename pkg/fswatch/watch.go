// Package fswatch notifies the agent when its config file changes.
package fswatch

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/bupper/pkg/errors"
)

var fs = afero.NewOsFs()

// WatchFile watches the file at `path`. It sends an event on the returned
// channel whenever the file is written, created, renamed, or removed. Changes
// that happen before the previous event was received are combined into a
// single event. The watch stops when the returned Closer is closed.
func WatchFile(path string) (chan struct{}, io.Closer, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, errors.WithContext(err, "absolute path")
	}

	// The parent directory is watched rather than the file itself, because
	// editors often save files by replacing them, which would silently end a
	// watch on the original file.
	dir := filepath.Dir(path)
	if _, err := fs.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, nil, errors.FileNotFound{Path: dir}
		}
		return nil, nil, errors.WithContext(err, "stat")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, errors.WithContext(err, "create watcher")
	}

	if err := watcher.Add(dir); err != nil {
		// Close the watcher so that we release its file handle.
		if err := watcher.Close(); err != nil {
			log.WithError(err).Warn("Failed to close file watcher")
		}
		return nil, nil, errors.WithContext(err, fmt.Sprintf("watch %q", dir))
	}

	go func() {
		for err := range watcher.Errors {
			log.WithError(err).WithField("path", path).Warn("Config file watch error")
		}
	}()
	return combineUpdates(filterEvents(watcher.Events, path)), watcher, nil
}

// filterEvents forwards the events that change the file at `path`.
func filterEvents(events <-chan fsnotify.Event, path string) <-chan fsnotify.Event {
	filtered := make(chan fsnotify.Event)
	go func() {
		defer close(filtered)
		for event := range events {
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			filtered <- event
		}
	}()
	return filtered
}

func combineUpdates(updates <-chan fsnotify.Event) chan struct{} {
	combined := make(chan struct{}, 1)
	go func() {
		for range updates {
			select {
			case combined <- struct{}{}:
			default:
			}
		}
	}()
	return combined
}
