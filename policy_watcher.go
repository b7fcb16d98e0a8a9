package sqlguard

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// LoadPolicyFile reads a YAML policy file.
func LoadPolicyFile(path string) (PolicyConfig, error) {
	var cfg PolicyConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return cfg, nil
}

// PolicyWatcher reloads a policy file into an AuthzEngine when it changes.
type PolicyWatcher struct {
	path     string
	engine   *AuthzEngine
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	debounce time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	done     chan struct{}
}

func NewPolicyWatcher(path string, engine *AuthzEngine, logger zerolog.Logger) (*PolicyWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &PolicyWatcher{
		path:     abs,
		engine:   engine,
		watcher:  watcher,
		logger:   logger,
		debounce: 100 * time.Millisecond,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start watches the policy file's directory, so editors that replace the file
// by rename are picked up as well.
func (w *PolicyWatcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.started.Store(true)
	go w.loop()
	w.logger.Info().Str("path", w.path).Msg("watching authorization policy")
	return nil
}

func (w *PolicyWatcher) loop() {
	defer close(w.done)
	var reload <-chan time.Time
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				reload = time.After(w.debounce)
			}
		case <-reload:
			reload = nil
			w.Reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("policy watcher error")
		case <-w.stopChan:
			return
		}
	}
}

// Reload re-reads the policy file. On error the current policy is kept.
func (w *PolicyWatcher) Reload() error {
	cfg, err := LoadPolicyFile(w.path)
	if err == nil {
		err = w.engine.SetPolicy(cfg)
	}
	if err != nil {
		w.logger.Error().Err(err).Str("path", w.path).Msg("policy reload rejected, keeping previous policy")
		return err
	}
	w.logger.Info().Str("path", w.path).Msg("authorization policy reloaded")
	return nil
}

func (w *PolicyWatcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopChan)
		err = w.watcher.Close()
		if w.started.Load() {
			<-w.done
		}
	})
	return err
}
