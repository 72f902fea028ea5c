package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/greywing/botsentry/internal/engerr"
	"github.com/greywing/botsentry/internal/logging"
)

// debounceWrite is overridable in tests, mirroring the teacher's
// NewConfigWatcher debounce-variable pattern for deterministic fsnotify
// assertions without real filesystem timing races.
var debounceWrite = 200 * time.Millisecond

// Watcher re-reads the whole Config from envFile after each debounced write
// and hands it to the onReload callback (SPEC_FULL A.2), the same
// env-file-reload shape as the teacher's internal/config.NewConfigWatcher.
// It applies nothing to running components itself: an orchestrator or
// signature coordinator built from an earlier Config keeps its timeout,
// quorum threshold, and TTL unless onReload rebuilds it.
type Watcher struct {
	envFile string
	onFn    func(*Config)

	fsw  *fsnotify.Watcher
	stop chan struct{}

	mu      sync.Mutex
	current *Config
}

// NewWatcher starts watching the directory containing envFile (fsnotify
// watches directories, not bare files, so editors that replace the file via
// rename-and-move are still observed) and calls onReload with the newly
// loaded Config after each debounced write.
func NewWatcher(envFile string, initial *Config, onReload func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(envFile)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		envFile: envFile,
		onFn:    onReload,
		fsw:     fsw,
		stop:    make(chan struct{}),
		current: initial,
	}
	go w.run()
	return w, nil
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop closes the underlying fsnotify watcher and halts the reload loop.
func (w *Watcher) Stop() {
	close(w.stop)
	w.fsw.Close()
}

func (w *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case <-w.stop:
			if debounce != nil {
				debounce.Stop()
			}
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.envFile) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceWrite, w.reload)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.WithComponent("config-watcher").Warn().Err(err).Msg("fsnotify watch error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.envFile)
	if err != nil {
		classified := engerr.New(engerr.KindConfigurationError, w.envFile, err)
		logging.WithComponent("config-watcher").Warn().Err(classified).Msg("failed to reload config")
		return
	}
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
	if w.onFn != nil {
		w.onFn(cfg)
	}
}
