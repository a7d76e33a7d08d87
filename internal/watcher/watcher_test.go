package watcher

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) onFile(path string) {
	r.mu.Lock()
	r.paths = append(r.paths, path)
	r.mu.Unlock()
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.paths))
	for i, p := range r.paths {
		out[i] = filepath.Base(p)
	}
	return out
}

// waitFor polls until n files were delivered or the timeout expires.
func (r *recorder) waitFor(n int, timeout time.Duration) []string {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if names := r.names(); len(names) >= n {
			return names
		}
		time.Sleep(20 * time.Millisecond)
	}
	return r.names()
}

func TestWatcher_AddRemoveDirectories(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	w := NewWatcher(nil, []string{".json"}, true, rec.onFile)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := w.AddDirectory(dir, false); err != nil {
		t.Fatal(err)
	}
	dirs := w.Directories()
	if len(dirs) != 1 || filepath.Clean(dirs[0]) != filepath.Clean(dir) {
		t.Errorf("Directories() = %v", dirs)
	}

	if err := w.RemoveDirectory(dir); err != nil {
		t.Fatal(err)
	}
	if len(w.Directories()) != 0 {
		t.Errorf("after remove: %v", w.Directories())
	}
}

func TestWatcher_DebounceAndExtensionFilter(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	w := NewWatcher([]string{dir}, []string{".json"}, true, rec.onFile, WithDebounce(50*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := writeFile(filepath.Join(dir, "000001.json"), "{}"); err != nil {
		t.Fatal(err)
	}
	if err := writeFile(filepath.Join(dir, "000002.png"), "x"); err != nil {
		t.Fatal(err)
	}
	rec.waitFor(1, 2*time.Second)
	time.Sleep(150 * time.Millisecond)
	got := rec.names()
	if !reflect.DeepEqual(got, []string{"000001.json"}) {
		t.Errorf("expected only 000001.json, got %v", got)
	}
}

func TestWatcher_SyncExistingFiles_deliversInImageIDOrder(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"10.json", "2.json", "frame_0001.json.zst", "notes.json", "3.txt"} {
		if err := writeFile(filepath.Join(dir, name), "{}"); err != nil {
			t.Fatal(err)
		}
	}

	rec := &recorder{}
	w := NewWatcher([]string{dir}, []string{".json", ".json.zst"}, true, rec.onFile)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	w.SyncExistingFiles()

	got := rec.waitFor(3, 2*time.Second)
	want := []string{"frame_0001.json.zst", "2.json", "10.json"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("delivered %v, want %v", got, want)
	}

	// A second sync does not deliver the same files again.
	w.SyncExistingFiles()
	time.Sleep(200 * time.Millisecond)
	if n := len(rec.names()); n != 3 {
		t.Errorf("files delivered twice: %v", rec.names())
	}
}

func TestWatcher_Start_createsMissingRootDirectory(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "watch", "me")

	w := NewWatcher([]string{root}, []string{".json"}, true, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if _, err := os.Stat(root); err != nil {
		t.Errorf("root directory should exist after Start: %v", err)
	}
}

func TestWatcher_HandleNewDirectory_recursiveSubfolders(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	w := NewWatcher([]string{dir}, []string{".json"}, true, rec.onFile, WithDebounce(50*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	nested := filepath.Join(dir, "level1", "level2")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	if err := writeFile(filepath.Join(nested, "000005.json"), "{}"); err != nil {
		t.Fatal(err)
	}

	got := rec.waitFor(1, 3*time.Second)
	found := false
	for _, name := range got {
		if name == "000005.json" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected 000005.json to be delivered, got %v", got)
	}
}

func TestListFiles(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{filepath.Join(dir, "3.json"), filepath.Join(dir, "1.json"), filepath.Join(sub, "2.json")} {
		if err := writeFile(p, "{}"); err != nil {
			t.Fatal(err)
		}
	}

	flat, err := ListFiles(dir, []string{".json"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(flat) != 2 || filepath.Base(flat[0]) != "1.json" {
		t.Errorf("non-recursive: %v", flat)
	}

	all, err := ListFiles(dir, []string{".json"}, true)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, p := range all {
		names = append(names, filepath.Base(p))
	}
	if !reflect.DeepEqual(names, []string{"1.json", "2.json", "3.json"}) {
		t.Errorf("recursive: %v", names)
	}
}

func TestSortByImageID(t *testing.T) {
	paths := []string{"/a/b.json", "/a/20.json", "/a/3.json.zst", "/a/a.json"}
	SortByImageID(paths)
	want := []string{"/a/3.json.zst", "/a/20.json", "/a/a.json", "/a/b.json"}
	if !reflect.DeepEqual(paths, want) {
		t.Errorf("got %v, want %v", paths, want)
	}
}

func TestMatchExtension(t *testing.T) {
	tests := []struct {
		path       string
		extensions []string
		want       bool
	}{
		{"/a/1.json", []string{".json"}, true},
		{"/a/1.JSON", []string{".json"}, true},
		{"/a/1.json.zst", []string{".json.zst"}, true},
		{"/a/1.png", []string{".json"}, false},
		{"/a/b", nil, true},
	}
	for _, tt := range tests {
		if got := matchExtension(tt.path, tt.extensions); got != tt.want {
			t.Errorf("matchExtension(%q, %v) = %v, want %v", tt.path, tt.extensions, got, tt.want)
		}
	}
}

func TestInDir(t *testing.T) {
	tests := []struct {
		dir  string
		path string
		want bool
	}{
		{"/tmp/a", "/tmp/a", true},
		{"/tmp/a", "/tmp/a/b.json", true},
		{"/tmp/a", "/tmp/b", false},
		{"/tmp/a", "/tmp/a/../b", false},
	}
	for _, tt := range tests {
		if got := inDir(tt.dir, tt.path); got != tt.want {
			t.Errorf("inDir(%q, %q) = %v, want %v", tt.dir, tt.path, got, tt.want)
		}
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0600)
}
