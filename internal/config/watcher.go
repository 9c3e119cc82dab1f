package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/luthien-dev/luthien/internal/policy"
)

// debounceDelay absorbs editor write bursts (write + chmod + rename) into
// one reload.
const debounceDelay = 500 * time.Millisecond

// PolicyWatcher reloads the policy file on change and hands the parsed
// config to its callbacks. The watcher watches the parent directory, not the
// file, so atomic-rename saves still trigger.
type PolicyWatcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu        sync.Mutex
	callbacks []func(policy.Config)
	running   bool
	stopCh    chan struct{}
	debounce  *time.Timer
}

// NewPolicyWatcher prepares a watcher for the given policy file.
func NewPolicyWatcher(path string) (*PolicyWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &PolicyWatcher{
		path:    path,
		watcher: watcher,
		stopCh:  make(chan struct{}),
	}, nil
}

// OnChange registers a callback invoked with each successfully parsed reload.
func (w *PolicyWatcher) OnChange(callback func(policy.Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching. Safe to call once.
func (w *PolicyWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch policy directory: %w", err)
	}
	w.running = true
	go w.loop()
	return nil
}

// Stop ends watching and releases the inotify handle.
func (w *PolicyWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	w.running = false
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *PolicyWatcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logrus.WithError(err).Warn("Policy watcher error")

		case <-w.stopCh:
			return
		}
	}
}

func (w *PolicyWatcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(debounceDelay, w.reload)
}

func (w *PolicyWatcher) reload() {
	cfg, err := LoadPolicyFile(w.path)
	if err != nil {
		logrus.WithError(err).WithField("file", w.path).
			Error("Policy file changed but failed to load; keeping current policy")
		return
	}

	w.mu.Lock()
	callbacks := make([]func(policy.Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"file":  w.path,
		"class": cfg.Class,
	}).Info("Policy file reloaded")
	for _, callback := range callbacks {
		callback(cfg)
	}
}
