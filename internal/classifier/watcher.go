package classifier

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads the classifier when its artifact file changes on disk.
type Watcher struct {
	classifier *Classifier
	path       string
	debounce   time.Duration
	log        *logrus.Logger
	onReload   func(err error)
}

// NewWatcher creates a watcher for the artifact at path.
func NewWatcher(c *Classifier, path string, log *logrus.Logger) *Watcher {
	return &Watcher{classifier: c, path: path, debounce: 250 * time.Millisecond, log: log}
}

// OnReload registers a callback invoked after every reload attempt.
func (w *Watcher) OnReload(fn func(err error)) {
	w.onReload = fn
}

// Run watches until ctx is cancelled. The parent directory is watched rather
// than the file, since WriteArtifact replaces the file by rename.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create model watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.log.WithField("path", w.path).Info("Watching model artifact for changes")

	target := filepath.Clean(w.path)
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("Model watcher error")
		case <-timer.C:
			err := w.classifier.Load(w.path)
			if err != nil {
				w.log.WithError(err).WithField("version", w.classifier.Version()).Error("Model reload failed, keeping serving model")
			}
			if w.onReload != nil {
				w.onReload(err)
			}
		}
	}
}
