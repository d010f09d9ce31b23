package config

import (
	"context"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rustyeddy/riskengine/logging"
)

// Store holds the live configuration. Readers call Current on every use so
// an update takes effect on the next decision without a restart.
type Store struct {
	cur atomic.Pointer[Config]

	mu   sync.Mutex
	subs []func(old, new *Config)
}

// NewStore validates cfg and makes it current.
func NewStore(cfg *Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Store{}
	s.cur.Store(cfg)
	return s, nil
}

// Current returns the active configuration. Callers must not mutate it.
func (s *Store) Current() *Config {
	return s.cur.Load()
}

// Subscribe registers fn to run after every successful update.
func (s *Store) Subscribe(fn func(old, new *Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// Update validates and swaps in cfg. An invalid cfg leaves the current
// configuration in place.
func (s *Store) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	old := s.cur.Swap(cfg)
	subs := slices.Clone(s.subs)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(old, cfg)
	}
	return nil
}

// ApplySystem overlays system_configuration rows onto the current config.
func (s *Store) ApplySystem(kv map[string]string) error {
	next, err := ApplySystemConfiguration(s.Current(), kv)
	if err != nil {
		return err
	}
	return s.Update(next)
}

// Watch loads path and then reloads it whenever it is written, waiting
// for debounce after the last change. Reload errors are logged and the
// previous config stays active. Watch returns when ctx is done.
func (s *Store) Watch(ctx context.Context, path string, debounce time.Duration) error {
	log := logging.For("config").WithField("path", path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "config watcher")
	}
	defer w.Close()

	// editors replace files, so watch the directory
	if err := w.Add(filepath.Dir(path)); err != nil {
		return errors.Wrap(err, "watch config dir")
	}

	reload := func() {
		cfg, err := LoadFromFile(path)
		if err == nil {
			err = ApplyEnv(cfg)
		}
		if err == nil {
			err = s.Update(cfg)
		}
		if err != nil {
			log.WithError(err).Error("config reload rejected")
			return
		}
		log.Info("config reloaded")
	}
	reload()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) ||
				ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			reload()

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("config watcher")
		}
	}
}
