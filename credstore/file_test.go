package credstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func readTokenFile(t *testing.T, path string) tokenFile {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read token file: %v", err)
	}
	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		t.Fatalf("Failed to parse token file: %v", err)
	}
	return tf
}

func TestFileBackend_ConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")

	const goroutines = 10
	var wg sync.WaitGroup

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()

			store := New(NewFileBackend(path, fmt.Sprintf("client-%d", id)))
			err := store.Save(
				fmt.Sprintf("access-token-%d", id),
				fmt.Sprintf("refresh-token-%d", id),
				time.Now().Add(time.Hour),
			)
			if err != nil {
				t.Errorf("Goroutine %d: Failed to save tokens: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	tf := readTokenFile(t, path)
	if len(tf.Tokens) != goroutines {
		t.Errorf("Expected %d client records, got %d", goroutines, len(tf.Tokens))
	}
	for i := 0; i < goroutines; i++ {
		rec, ok := tf.Tokens[fmt.Sprintf("client-%d", i)]
		if !ok {
			t.Errorf("Missing record for client-%d", i)
			continue
		}
		if want := fmt.Sprintf("access-token-%d", i); rec[KeyAccessToken] != want {
			t.Errorf("client-%d: access token = %s, want %s", i, rec[KeyAccessToken], want)
		}
	}

	if _, err := os.Stat(path + ".lock"); !os.IsNotExist(err) {
		t.Errorf("Lock file still exists after all saves completed")
	}
}

func TestFileBackend_ClearPreservesOtherClients(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	first := New(NewFileBackend(path, "client-1"))
	second := New(NewFileBackend(path, "client-2"))

	if err := first.Save("token-1", "refresh-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Failed to save first client: %v", err)
	}
	if err := second.Save("token-2", "refresh-2", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Failed to save second client: %v", err)
	}
	if err := first.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	if first.HasCredentials() {
		t.Errorf("client-1 still has credentials after Clear")
	}
	if got := second.Read().AccessToken; got != "token-2" {
		t.Errorf("client-2 access token = %q, want token-2", got)
	}
}

func TestFileBackend_LayoutAndPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	store := New(NewFileBackend(path, "client"))
	expiry := time.UnixMilli(1_700_000_900_000)

	if err := store.Save("A1", "R1", expiry); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	rec := readTokenFile(t, path).Tokens["client"]
	if rec[KeyTokenExpiry] != "1700000900000" {
		t.Errorf("%s = %q, want epoch millis", KeyTokenExpiry, rec[KeyTokenExpiry])
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("token file mode = %o, want 600", perm)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind after Save")
	}
}

func TestFileBackend_MissingAndCorruptFile(t *testing.T) {
	dir := t.TempDir()

	missing := New(NewFileBackend(filepath.Join(dir, "absent.json"), "client"))
	if !missing.Read().IsZero() {
		t.Errorf("Read() of missing file should be empty")
	}
	if err := missing.Clear(); err != nil {
		t.Errorf("Clear() of missing file error = %v", err)
	}

	corruptPath := filepath.Join(dir, "corrupt.json")
	if err := os.WriteFile(corruptPath, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	corrupt := New(NewFileBackend(corruptPath, "client"))
	if !corrupt.Read().IsZero() {
		t.Errorf("Read() of corrupt file should be empty")
	}
	if err := corrupt.Save("A1", "R1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Save() over corrupt file error = %v", err)
	}
	if got := corrupt.Read().AccessToken; got != "A1" {
		t.Errorf("AccessToken after rewrite = %q, want A1", got)
	}
}

func TestFileBackend_WatchSeesOtherWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	watcher := New(NewFileBackend(path, "client"))
	writer := New(NewFileBackend(path, "client"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notified := make(chan struct{}, 16)
	if err := watcher.Watch(ctx, func() {
		select {
		case notified <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if err := writer.Save("A1", "R1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatalf("no change notification after another writer saved")
	}
	if got := watcher.Read().AccessToken; got != "A1" {
		t.Errorf("watcher reads %q after notification, want A1", got)
	}
}

func TestFileBackend_WatchIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	store := New(NewFileBackend(filepath.Join(dir, "tokens.json"), "client"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notified := make(chan struct{}, 16)
	if err := store.Watch(ctx, func() { notified <- struct{}{} }); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	select {
	case <-notified:
		t.Errorf("notification for unrelated file")
	case <-time.After(200 * time.Millisecond):
	}
}

func BenchmarkFileBackend_Save(b *testing.B) {
	store := New(NewFileBackend(filepath.Join(b.TempDir(), "tokens.json"), "bench-client"))
	expiry := time.Now().Add(time.Hour)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := store.Save("access-token", "refresh-token", expiry); err != nil {
			b.Fatalf("Failed to save tokens: %v", err)
		}
	}
}
