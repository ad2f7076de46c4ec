package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"forensicseal/internal/artifact"
)

func startWatcher(t *testing.T, dir string, opts ...Option) *Watcher {
	t.Helper()
	w, err := New(dir, opts...)
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	t.Cleanup(func() { w.Stop() })
	return w
}

func TestWatcherCreation(t *testing.T) {
	tmpDir := t.TempDir()

	w, err := New(tmpDir, WithDebounce(time.Second))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	defer w.fsWatcher.Close()

	if w.Dir() != tmpDir {
		t.Errorf("expected dir %s, got %s", tmpDir, w.Dir())
	}
	if w.TrackedFiles() != 0 {
		t.Errorf("expected 0 tracked files before start, got %d", w.TrackedFiles())
	}
}

func TestWatcherBadPattern(t *testing.T) {
	if _, err := New(t.TempDir(), WithExclude("[a-")); err == nil {
		t.Error("expected error for malformed exclude pattern")
	}
}

func TestWatcherStartMissingDir(t *testing.T) {
	w, err := New(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err == nil {
		t.Error("expected error for missing inbox")
	}
	w.fsWatcher.Close()
}

func TestWatcherReportsExistingFiles(t *testing.T) {
	tmpDir := t.TempDir()
	content := []byte("CASE-001 statement text")
	if err := os.WriteFile(filepath.Join(tmpDir, "statement.txt"), content, 0600); err != nil {
		t.Fatal(err)
	}

	w := startWatcher(t, tmpDir, WithDebounce(50*time.Millisecond))

	select {
	case event := <-w.Events():
		if filepath.Base(event.Path) != "statement.txt" {
			t.Errorf("unexpected path %s", event.Path)
		}
		want := artifact.NewHasher(artifact.SHA512).Sum(content)
		if event.Digest != want {
			t.Errorf("digest mismatch: %s != %s", event.Digest.Short(), want.Short())
		}
		if event.Size != int64(len(content)) {
			t.Errorf("expected size %d, got %d", len(content), event.Size)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for existing file")
	}
}

func TestWatcherEvents(t *testing.T) {
	tmpDir := t.TempDir()
	w := startWatcher(t, tmpDir,
		WithDebounce(200*time.Millisecond),
		WithHasher(artifact.NewHasher(artifact.BLAKE3512)),
	)

	testFile := filepath.Join(tmpDir, "scan.pdf")
	if err := os.WriteFile(testFile, []byte("test content"), 0600); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	select {
	case event := <-w.Events():
		if event.Path != testFile {
			t.Errorf("expected path %s, got %s", testFile, event.Path)
		}
		if event.Size != 12 {
			t.Errorf("expected size 12, got %d", event.Size)
		}
		if event.Digest != artifact.NewHasher(artifact.BLAKE3512).Sum([]byte("test content")) {
			t.Error("event digest should use the configured suite")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestWatcherExcludes(t *testing.T) {
	tmpDir := t.TempDir()
	w := startWatcher(t, tmpDir,
		WithDebounce(50*time.Millisecond),
		WithExclude("*.part", ".*"),
	)

	for _, name := range []string{"upload.part", ".hidden", "keep.eml"} {
		if err := os.WriteFile(filepath.Join(tmpDir, name), []byte(name), 0600); err != nil {
			t.Fatal(err)
		}
	}

	var got []string
	timeout := time.After(2 * time.Second)
	for {
		select {
		case event := <-w.Events():
			got = append(got, filepath.Base(event.Path))
		case <-timeout:
			if len(got) != 1 || got[0] != "keep.eml" {
				t.Errorf("expected only keep.eml, got %v", got)
			}
			return
		}
	}
}

func TestWatcherDebounce(t *testing.T) {
	tmpDir := t.TempDir()
	w := startWatcher(t, tmpDir, WithDebounce(time.Second))

	testFile := filepath.Join(tmpDir, "debounce.txt")

	// rewrite faster than the debounce interval
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(testFile, []byte("v"+string(rune('0'+i))), 0600); err != nil {
			t.Fatalf("failed to write: %v", err)
		}
		time.Sleep(100 * time.Millisecond)
	}

	eventCount := 0
	timeout := time.After(4 * time.Second)
	for {
		select {
		case event := <-w.Events():
			eventCount++
			if eventCount > 1 {
				t.Error("expected only one event due to debouncing")
				return
			}
			if event.Size != 2 {
				t.Errorf("expected final size 2, got %d", event.Size)
			}
		case <-timeout:
			if eventCount != 1 {
				t.Errorf("expected 1 event, got %d", eventCount)
			}
			return
		}
	}
}

func TestWatcherSkipsUnchangedRewrite(t *testing.T) {
	tmpDir := t.TempDir()
	w := startWatcher(t, tmpDir, WithDebounce(50*time.Millisecond))

	testFile := filepath.Join(tmpDir, "same.txt")
	if err := os.WriteFile(testFile, []byte("same"), 0600); err != nil {
		t.Fatal(err)
	}
	select {
	case <-w.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first event")
	}

	// identical content does not produce a second event
	if err := os.WriteFile(testFile, []byte("same"), 0600); err != nil {
		t.Fatal(err)
	}
	select {
	case event := <-w.Events():
		t.Errorf("unexpected second event for %s", event.Path)
	case <-time.After(500 * time.Millisecond):
	}

	if err := os.WriteFile(testFile, []byte("changed"), 0600); err != nil {
		t.Fatal(err)
	}
	select {
	case event := <-w.Events():
		if event.Size != 7 {
			t.Errorf("expected size 7, got %d", event.Size)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for changed content")
	}
}
