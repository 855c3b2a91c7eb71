// control/hotreload.go
// Author: momentics <momentics@gmail.com>
//
// File-based hot reload: polls a config file's mtime and pushes changes
// into a ConfigStore.

package control

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// FileWatcher reloads a config file into a store when its modification
// time moves past the baseline taken by NewFileWatcher.
type FileWatcher struct {
	store    *ConfigStore
	path     string
	interval time.Duration
	log      *logrus.Logger
	last     time.Time
}

// NewFileWatcher stats path before returning, so any later edit is seen
// by Run.
func NewFileWatcher(store *ConfigStore, path string, interval time.Duration, log *logrus.Logger) *FileWatcher {
	w := &FileWatcher{store: store, path: path, interval: interval, log: log}
	if fi, err := os.Stat(path); err == nil {
		w.last = fi.ModTime()
	}
	return w
}

// Run polls until ctx is done.
func (w *FileWatcher) Run(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		w.poll()
	}
}

func (w *FileWatcher) poll() {
	log := w.log.WithField("path", w.path)
	fi, err := os.Stat(w.path)
	if err != nil {
		log.WithError(err).Warn("config watch: stat failed")
		return
	}
	if !fi.ModTime().After(w.last) {
		return
	}
	w.last = fi.ModTime()
	cfg, err := Load(w.path)
	if err != nil {
		log.WithError(err).Warn("config watch: reload rejected")
		return
	}
	if err := w.store.Update(cfg); err != nil {
		log.WithError(err).Warn("config watch: update rejected")
		return
	}
	log.Info("config reloaded")
}
