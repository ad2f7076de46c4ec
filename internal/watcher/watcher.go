// Package watcher monitors an inbox directory and reports files once they
// have stopped changing, so they can be ingested.
package watcher

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"forensicseal/internal/artifact"
	"forensicseal/internal/logging"
)

// Event represents a file that is ready for ingestion.
type Event struct {
	Path      string
	Digest    artifact.Digest
	Size      int64
	Timestamp time.Time
}

// Watcher monitors an inbox directory for new or rewritten files.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	dir       string
	debounce  time.Duration
	tick      time.Duration
	exclude   []string
	hasher    artifact.Hasher
	logger    *slog.Logger
	clock     func() time.Time

	// path -> last observed change
	state   map[string]time.Time
	emitted map[string]artifact.Digest
	stateMu sync.RWMutex

	events chan Event
	errors chan error

	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets how long a file must stay unchanged before it is reported.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithExclude skips files whose base name matches any glob pattern.
func WithExclude(patterns ...string) Option {
	return func(w *Watcher) { w.exclude = append(w.exclude, patterns...) }
}

// WithHasher sets the suite used for event digests.
func WithHasher(h artifact.Hasher) Option {
	return func(w *Watcher) { w.hasher = h }
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) { w.logger = logger }
}

// New creates a watcher for dir. Nothing is observed until Start.
func New(dir string, opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("watcher: %w", err)
	}

	w := &Watcher{
		dir:      abs,
		debounce: time.Second,
		hasher:   artifact.NewHasher(artifact.DefaultSuite),
		clock:    time.Now,
		state:    make(map[string]time.Time),
		emitted:  make(map[string]artifact.Digest),
		events:   make(chan Event, 100),
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = logging.Discard()
	}
	w.logger = logging.WithComponent(w.logger, "watcher")

	w.tick = w.debounce / 2
	if w.tick > time.Second {
		w.tick = time.Second
	}
	if w.tick < 10*time.Millisecond {
		w.tick = 10 * time.Millisecond
	}

	for _, p := range w.exclude {
		if _, err := filepath.Match(p, ""); err != nil {
			return nil, fmt.Errorf("watcher: exclude pattern %q: %w", p, err)
		}
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: %w", err)
	}
	w.fsWatcher = fsWatcher
	return w, nil
}

// Events returns the channel of ready files. It is closed by Stop.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns the channel of errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Start begins watching. Files already present in the inbox are reported
// once they are stable, like new arrivals.
func (w *Watcher) Start() error {
	info, err := os.Stat(w.dir)
	if err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watcher: %s is not a directory", w.dir)
	}
	if err := w.fsWatcher.Add(w.dir); err != nil {
		return fmt.Errorf("watcher: %w", err)
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			w.trackFile(filepath.Join(w.dir, entry.Name()))
		}
	}

	w.logger.Info("watching inbox", "dir", w.dir, "debounce", w.debounce, "existing", w.TrackedFiles())

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()
	return nil
}

// Stop gracefully shuts down the watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	close(w.events)
	close(w.errors)
	return w.fsWatcher.Close()
}

func (w *Watcher) excluded(path string) bool {
	base := filepath.Base(path)
	for _, p := range w.exclude {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) trackFile(path string) {
	if w.excluded(path) {
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	w.stateMu.Lock()
	w.state[path] = info.ModTime()
	w.stateMu.Unlock()
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handle(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.report(err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		w.stateMu.Lock()
		delete(w.state, event.Name)
		delete(w.emitted, event.Name)
		w.stateMu.Unlock()
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || w.excluded(event.Name) {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	w.stateMu.Lock()
	w.state[event.Name] = w.clock()
	w.stateMu.Unlock()
}

func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.checkStableFiles(w.clock())
		}
	}
}

type stableFile struct {
	path    string
	lastMod time.Time
}

// checkStableFiles reports files that haven't changed for the debounce
// interval. The lock is released while hashing.
func (w *Watcher) checkStableFiles(now time.Time) {
	threshold := now.Add(-w.debounce)

	var stable []stableFile
	w.stateMu.RLock()
	for path, lastMod := range w.state {
		if !lastMod.After(threshold) {
			stable = append(stable, stableFile{path: path, lastMod: lastMod})
		}
	}
	w.stateMu.RUnlock()

	if len(stable) == 0 {
		return
	}

	type hashResult struct {
		stableFile
		digest artifact.Digest
		size   int64
		err    error
	}
	results := make([]hashResult, len(stable))
	for i, sf := range stable {
		results[i].stableFile = sf
		results[i].digest, results[i].size, results[i].err = w.hashFile(sf.path)
	}

	w.stateMu.Lock()
	defer w.stateMu.Unlock()

	for _, r := range results {
		current, exists := w.state[r.path]
		if !exists || !current.Equal(r.lastMod) {
			// removed or rewritten while hashing
			continue
		}
		if r.err != nil {
			delete(w.state, r.path)
			w.report(fmt.Errorf("watcher: %s: %w", r.path, r.err))
			continue
		}
		if prev, ok := w.emitted[r.path]; ok && prev == r.digest {
			delete(w.state, r.path)
			continue
		}

		event := Event{
			Path:      r.path,
			Digest:    r.digest,
			Size:      r.size,
			Timestamp: now,
		}
		select {
		case w.events <- event:
			delete(w.state, r.path)
			w.emitted[r.path] = r.digest
			w.logger.Debug("file ready", "path", r.path, "digest", r.digest.Short(), "size", r.size)
		default:
			// channel full, retry on the next tick
		}
	}
}

func (w *Watcher) hashFile(path string) (artifact.Digest, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return artifact.Digest{}, 0, err
	}
	defer f.Close()
	return w.hasher.SumReader(f)
}

func (w *Watcher) report(err error) {
	select {
	case w.errors <- err:
	default:
		w.logger.Warn("dropping watcher error", "error", err)
	}
}

// TrackedFiles returns the number of files waiting to become stable.
func (w *Watcher) TrackedFiles() int {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return len(w.state)
}
