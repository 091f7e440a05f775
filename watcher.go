package modloader

import (
	"context"
	"errors"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/GoCodeAlone/modloader/config"
)

const defaultWatchDebounce = 500 * time.Millisecond

// Watcher reloads a runtime when its packages change. File system events and
// the optional rescan schedule only trigger a check; a reload happens when
// the content digest of some package, or the set of packages, differs from
// what was loaded.
type Watcher struct {
	rt       *Runtime
	cfg      *config.RuntimeConfig
	loader   *PackageLoader
	logger   Logger
	debounce time.Duration
	schedule string

	mu      sync.Mutex
	digests map[string]uint64
	// failed records that the last reload left the runtime down.
	failed bool
}

// NewWatcher creates a watcher for the packages of the running runtime.
func (r *Runtime) NewWatcher() (*Watcher, error) {
	if !r.started.Load() {
		return nil, ErrRuntimeNotStarted
	}
	cfg := r.Config()
	debounce := cfg.WatchDebounceDuration()
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}
	w := &Watcher{
		rt:       r,
		cfg:      cfg,
		loader:   NewPackageLoader(),
		logger:   r.logger,
		debounce: debounce,
		schedule: cfg.RescanSchedule,
	}
	digests, err := w.fingerprint()
	if err != nil {
		return nil, err
	}
	w.digests = digests
	return w, nil
}

// Watch runs a watcher until ctx is cancelled.
func (r *Runtime) Watch(ctx context.Context) error {
	w, err := r.NewWatcher()
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

// Run blocks until ctx is cancelled or the runtime is shut down, checking
// for changes after every burst of file system events and on every tick of
// the rescan schedule.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	w.addWatches(fsw)

	ticks := make(chan struct{}, 1)
	if w.schedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(w.schedule, func() {
			select {
			case ticks <- struct{}{}:
			default:
			}
		}); err != nil {
			return err
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
	}

	w.logger.Info("Watching module packages", "packages", len(w.digests), "schedule", w.schedule)

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			w.logger.Debug("Package change detected", "path", event.Name, "op", event.Op.String())
			settle = time.After(w.debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("File watcher error", "error", err)
		case <-settle:
			settle = nil
			if !w.checkAndLog(ctx) {
				return nil
			}
			w.addWatches(fsw)
		case <-ticks:
			if !w.checkAndLog(ctx) {
				return nil
			}
			w.addWatches(fsw)
		}
	}
}

// checkAndLog runs a check and reports whether watching should go on.
func (w *Watcher) checkAndLog(ctx context.Context) bool {
	_, err := w.Check(ctx)
	switch {
	case errors.Is(err, ErrRuntimeNotStarted):
		w.logger.Info("Runtime shut down, no longer watching module packages")
		return false
	case err != nil:
		w.logger.Error("Module reload failed", "error", err)
	}
	return true
}

// Check compares the current package digests with the loaded ones and
// reloads the runtime on a difference. It reports whether a reload was
// attempted. A runtime left down by a failed reload of this watcher is
// started again; a runtime that was shut down by its host is left alone
// and Check returns ErrRuntimeNotStarted.
func (w *Watcher) Check(ctx context.Context) (bool, error) {
	w.mu.Lock()
	restart := w.failed && !w.rt.Started()
	w.mu.Unlock()
	if !restart && !w.rt.Started() {
		return false, ErrRuntimeNotStarted
	}

	digests, err := w.fingerprint()
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	changed := !maps.Equal(digests, w.digests)
	w.digests = digests
	w.mu.Unlock()

	if !changed {
		return false, nil
	}
	w.logger.Info("Module packages changed, reloading")
	if restart {
		err = w.rt.Startup(ctx, w.cfg)
	} else {
		err = w.rt.Reload(ctx)
	}

	w.mu.Lock()
	w.failed = err != nil && !errors.Is(err, ErrRuntimeNotStarted) && !w.rt.Started()
	w.mu.Unlock()
	return true, err
}

// fingerprint digests every package the config currently selects. Packages
// that cannot be read are recorded with a zero digest so that they count as
// changed once they become readable.
func (w *Watcher) fingerprint() (map[string]uint64, error) {
	paths, err := packagePaths(w.cfg)
	if err != nil {
		return nil, err
	}
	digests := make(map[string]uint64, len(paths))
	for _, p := range paths {
		d, err := w.loader.Digest(p)
		if err != nil {
			w.logger.Debug("Cannot digest package", "source", p, "error", err)
		}
		digests[p] = d
	}
	return digests, nil
}

// addWatches watches package directories recursively, the parent directory
// of archive files and the module repository.
func (w *Watcher) addWatches(fsw *fsnotify.Watcher) {
	dirs := make(map[string]bool)
	if w.cfg.ModuleRepository != "" {
		dirs[w.cfg.ModuleRepository] = true
	}
	w.mu.Lock()
	paths := make([]string, 0, len(w.digests))
	for p := range w.digests {
		paths = append(paths, p)
	}
	w.mu.Unlock()

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			dirs[filepath.Dir(p)] = true
			continue
		}
		if !info.IsDir() {
			dirs[filepath.Dir(p)] = true
			continue
		}
		_ = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if path != p && strings.HasPrefix(d.Name(), ".") {
					return fs.SkipDir
				}
				dirs[path] = true
			}
			return nil
		})
	}

	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			w.logger.Debug("Cannot watch directory", "dir", dir, "error", err)
		}
	}
}
