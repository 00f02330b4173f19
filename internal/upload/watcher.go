package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// watcherTickInterval is how often pending files are checked for
	// having settled.
	watcherTickInterval = 250 * time.Millisecond

	// DefaultSettle is how long a file must go without events before it
	// is uploaded.
	DefaultSettle = 2 * time.Second
)

// uploader is the subset of Manager the watcher needs.
type uploader interface {
	Upload(path string) (*Tracker, error)
	Tracking(path string) bool
}

// Watcher turns new files in a directory into uploads once they stop
// changing.
type Watcher struct {
	dir      string
	settle   time.Duration
	uploader uploader
	logger   *slog.Logger
}

// NewWatcher creates a watcher for dir. The directory is not walked
// recursively and files already present when Watch starts are ignored.
func NewWatcher(dir string, settle time.Duration, m *Manager, logger *slog.Logger) *Watcher {
	if settle <= 0 {
		settle = DefaultSettle
	}

	return &Watcher{
		dir:      dir,
		settle:   settle,
		uploader: m,
		logger:   logger,
	}
}

// Watch blocks until ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dir, err := filepath.Abs(w.dir)
	if err != nil {
		return fmt.Errorf("resolving watch dir: %w", err)
	}

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	w.logger.Info("upload watcher started", slog.String("dir", dir), slog.Duration("settle", w.settle))

	// Last event time per path. A file is uploaded once it has been quiet
	// for the settle delay.
	pending := make(map[string]time.Time)

	ticker := time.NewTicker(watcherTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("fsnotify events channel closed unexpectedly")
			}

			if ignoredName(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < w.settle {
					continue
				}

				delete(pending, path)
				w.handleSettled(path)
			}
		}
	}
}

func (w *Watcher) handleSettled(path string) {
	info, err := os.Lstat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("stat failed", slog.String("path", path), slog.String("error", err.Error()))
		}

		return
	}

	if !info.Mode().IsRegular() {
		return
	}

	if w.uploader.Tracking(path) {
		return
	}

	tr, err := w.uploader.Upload(path)
	if err != nil {
		w.logger.Warn("starting upload", slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	w.logger.Info("new file queued for upload", slog.String("path", path), slog.String("upload_id", tr.ID()))
}

// ignoredName skips hidden files and common editor/partial-download
// temporaries.
func ignoredName(path string) bool {
	name := filepath.Base(path)

	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") {
		return true
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".tmp", ".part", ".crdownload", ".swp":
		return true
	}

	return false
}
