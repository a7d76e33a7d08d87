// Package watcher feeds feature files from watched directories to the
// detector. Files are debounced, ordered by image id and delivered one at a
// time by a single worker.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hyperjump/lcdetect/internal/features"
	"github.com/hyperjump/lcdetect/internal/fileid"
)

const defaultDebounce = 400 * time.Millisecond

// Watcher watches directories and delivers new feature files in image id order.
type Watcher struct {
	roots       []string
	extensions  []string
	recursive   bool
	onFile      func(path string)
	debounce    time.Duration
	watcher     *fsnotify.Watcher
	mu          sync.Mutex
	debounceMap map[string]*time.Timer
	rootPaths   map[string][]string // root -> list of watched paths (dirs we added)
	pending     map[string]uint32   // path -> image id, waiting for the worker
	delivered   map[string]struct{} // file keys already handed to onFile
	wake        chan struct{}
	done        chan struct{}
	started     bool
	stopOnce    sync.Once
	logger      *zap.Logger
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets a logger for debug output (directory changes, file events, etc.).
func WithLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// WithDebounce overrides the delay between the last write to a file and its delivery.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// NewWatcher creates a watcher. onFile is called from a single goroutine,
// once per file, in ascending image id order within each batch.
// roots are initial directory paths to watch; extensions filter which files (empty = all).
func NewWatcher(roots []string, extensions []string, recursive bool, onFile func(path string), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		roots:       roots,
		extensions:  extensions,
		recursive:   recursive,
		onFile:      onFile,
		debounce:    defaultDebounce,
		debounceMap: make(map[string]*time.Timer),
		rootPaths:   make(map[string][]string),
		pending:     make(map[string]uint32),
		delivered:   make(map[string]struct{}),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start starts the watcher. It runs until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = watcher
	w.started = true
	w.logger.Debug("watcher starting", zap.Strings("roots", w.roots), zap.Strings("extensions", w.extensions), zap.Bool("recursive", w.recursive))
	for _, root := range w.roots {
		if err := w.addRootLocked(root); err != nil {
			_ = w.watcher.Close()
			w.watcher = nil
			w.started = false
			w.mu.Unlock()
			return err
		}
	}
	events, errs := w.watcher.Events, w.watcher.Errors
	w.mu.Unlock()
	go w.run(ctx, events, errs)
	go w.deliver(ctx)
	return nil
}

func (w *Watcher) run(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-errs:
			if !ok {
				return
			}
			if err != nil {
				w.logger.Debug("watcher error", zap.Error(err))
			}
		}
	}
}

// deliver is the single worker handing queued files to onFile.
func (w *Watcher) deliver(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-w.wake:
			for _, path := range w.drain() {
				select {
				case <-w.done:
					return
				default:
				}
				if w.onFile != nil {
					w.onFile(path)
				}
			}
		}
	}
}

// drain takes every pending file sorted by image id, skipping delivered ones.
func (w *Watcher) drain() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	type entry struct {
		path string
		id   uint32
	}
	batch := make([]entry, 0, len(w.pending))
	for path, id := range w.pending {
		key := fileid.FileKey(path)
		if _, ok := w.delivered[key]; ok {
			continue
		}
		w.delivered[key] = struct{}{}
		batch = append(batch, entry{path, id})
	}
	clear(w.pending)
	sort.Slice(batch, func(i, j int) bool {
		if batch[i].id != batch[j].id {
			return batch[i].id < batch[j].id
		}
		return batch[i].path < batch[j].path
	})
	out := make([]string, len(batch))
	for i, e := range batch {
		out[i] = e.path
	}
	return out
}

// enqueue schedules a file for delivery. Files without an image id in
// their name are skipped.
func (w *Watcher) enqueue(paths ...string) {
	w.mu.Lock()
	n := 0
	for _, path := range paths {
		id, err := fileid.ImageID(strings.TrimSuffix(path, features.CompressedExt))
		if err != nil {
			w.logger.Debug("watcher skipping file", zap.String("path", path), zap.Error(err))
			continue
		}
		w.pending[path] = id
		n++
	}
	w.mu.Unlock()
	if n == 0 {
		return
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := ev.Name
	if !w.underRoot(path) {
		return
	}
	w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", path))
	switch {
	case ev.Op.Has(fsnotify.Create), ev.Op.Has(fsnotify.Write):
		// Check if it's a directory (newly created or moved in)
		info, err := os.Stat(path)
		if err == nil && info.IsDir() {
			w.handleNewDirectory(path)
			return
		}
		if w.matchExtension(path) {
			w.debounceDelivery(path)
		}
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		w.cancelDebounce(path)
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
	}
}

// handleNewDirectory adds a newly created directory to the watch list
// and queues the files inside it.
func (w *Watcher) handleNewDirectory(dirPath string) {
	w.logger.Debug("watcher handling new directory", zap.String("path", dirPath))

	w.mu.Lock()
	recursive := w.recursive
	watcher := w.watcher
	w.mu.Unlock()

	if watcher == nil {
		return
	}

	if recursive {
		_ = filepath.WalkDir(dirPath, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if err := watcher.Add(path); err != nil {
					w.logger.Debug("watcher failed to add directory", zap.String("path", path), zap.Error(err))
				}
			}
			return nil
		})
	} else if err := watcher.Add(dirPath); err != nil {
		w.logger.Debug("watcher failed to add directory", zap.String("path", dirPath), zap.Error(err))
	}

	w.syncDirectory(dirPath)
}

func (w *Watcher) underRoot(path string) bool {
	w.mu.Lock()
	roots := append([]string(nil), w.roots...)
	w.mu.Unlock()
	clean := filepath.Clean(path)
	for _, root := range roots {
		rootClean := filepath.Clean(root)
		if rootClean == clean || inDir(rootClean, clean) {
			return true
		}
	}
	return false
}

func inDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (w *Watcher) matchExtension(path string) bool {
	return matchExtension(path, w.extensions)
}

func matchExtension(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	return features.HasExtension(path, extensions)
}

func (w *Watcher) debounceDelivery(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
	}
	w.debounceMap[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.debounceMap, path)
		w.mu.Unlock()
		w.enqueue(path)
	})
}

func (w *Watcher) cancelDebounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
		delete(w.debounceMap, path)
	}
}

// AddDirectory adds a root directory to watch and optionally queues existing files.
func (w *Watcher) AddDirectory(root string, syncExisting bool) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return nil
	}
	for _, r := range w.roots {
		if filepath.Clean(r) == filepath.Clean(abs) {
			return nil
		}
	}
	if err := w.addRootLocked(abs); err != nil {
		return err
	}
	w.roots = append(w.roots, abs)
	w.logger.Debug("watcher directory added", zap.String("path", abs), zap.Bool("sync_existing", syncExisting))
	if syncExisting {
		go w.syncDirectory(abs)
	}
	return nil
}

func (w *Watcher) addRootLocked(root string) error {
	root = filepath.Clean(root)
	if _, err := os.Stat(root); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		if err := os.MkdirAll(root, 0755); err != nil {
			return err
		}
	}
	var paths []string
	if w.recursive {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() {
				return nil
			}
			if err := w.watcher.Add(path); err != nil {
				return err
			}
			paths = append(paths, path)
			return nil
		})
		if err != nil {
			return err
		}
	} else {
		if err := w.watcher.Add(root); err != nil {
			return err
		}
		paths = append(paths, root)
	}
	w.rootPaths[root] = paths
	return nil
}

// ListFiles returns the feature files under root matching extensions, in
// ascending image id order. Files without an image id come last, by path.
func ListFiles(root string, extensions []string, recursive bool) ([]string, error) {
	root = filepath.Clean(root)
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if matchExtension(path, extensions) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	SortByImageID(files)
	return files, nil
}

// SortByImageID orders paths by the image id in their file names.
func SortByImageID(paths []string) {
	ids := make(map[string]int64, len(paths))
	for _, p := range paths {
		id, err := fileid.ImageID(strings.TrimSuffix(p, features.CompressedExt))
		if err != nil {
			ids[p] = -1
			continue
		}
		ids[p] = int64(id)
	}
	sort.SliceStable(paths, func(i, j int) bool {
		a, b := ids[paths[i]], ids[paths[j]]
		if (a < 0) != (b < 0) {
			return b < 0
		}
		if a != b {
			return a < b
		}
		return paths[i] < paths[j]
	})
}

func (w *Watcher) syncDirectory(root string) {
	w.mu.Lock()
	exts := append([]string(nil), w.extensions...)
	recursive := w.recursive
	w.mu.Unlock()
	w.logger.Debug("watcher syncing directory", zap.String("root", root))
	files, err := ListFiles(root, exts, recursive)
	if err != nil {
		w.logger.Debug("watcher sync failed", zap.String("root", root), zap.Error(err))
		return
	}
	w.enqueue(files...)
}

// RemoveDirectory stops watching the given root. Images already processed stay indexed.
func (w *Watcher) RemoveDirectory(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return nil
	}
	idx := -1
	for i, r := range w.roots {
		if filepath.Clean(r) == abs {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	for _, p := range w.rootPaths[abs] {
		_ = w.watcher.Remove(p)
	}
	delete(w.rootPaths, abs)
	for path := range w.pending {
		if inDir(abs, path) {
			delete(w.pending, path)
		}
	}
	w.roots = append(w.roots[:idx], w.roots[idx+1:]...)
	w.logger.Debug("watcher directory removed", zap.String("path", abs))
	return nil
}

// Directories returns a copy of the current watched root directories.
func (w *Watcher) Directories() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.roots...)
}

// SyncExistingFiles queues all existing matching files in each watched root.
// Call this after Start() to process files that were present when the watcher started.
func (w *Watcher) SyncExistingFiles() {
	w.mu.Lock()
	roots := append([]string(nil), w.roots...)
	w.mu.Unlock()
	w.logger.Debug("watcher syncing existing files", zap.Strings("roots", roots))
	var files []string
	for _, root := range roots {
		found, err := ListFiles(root, w.extensions, w.recursive)
		if err != nil {
			w.logger.Debug("watcher sync failed", zap.String("root", root), zap.Error(err))
			continue
		}
		files = append(files, found...)
	}
	w.enqueue(files...)
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started || w.watcher == nil {
		w.mu.Unlock()
		return
	}
	for path, t := range w.debounceMap {
		t.Stop()
		delete(w.debounceMap, path)
	}
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
}
