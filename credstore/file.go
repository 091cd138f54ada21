package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// tokenFile is the on-disk layout, one record per namespace (client id), so
// several clients can share a single file.
type tokenFile struct {
	Tokens map[string]map[string]string `json:"tokens"`
}

// FileBackend stores the credential record in a JSON file shared by every
// process that points at the same path.
type FileBackend struct {
	path      string
	namespace string
	log       zerolog.Logger
}

// NewFileBackend returns a backend for the record of namespace inside path.
func NewFileBackend(path, namespace string) *FileBackend {
	return &FileBackend{path: path, namespace: namespace, log: zerolog.Nop()}
}

// WithLogger sets the logger used for watch diagnostics.
func (b *FileBackend) WithLogger(l zerolog.Logger) *FileBackend {
	b.log = l
	return b
}

// Path returns the token file location.
func (b *FileBackend) Path() string {
	return b.path
}

// Load returns this namespace's record, or nil if the file or record is absent.
func (b *FileBackend) Load() (map[string]string, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}
	return tf.Tokens[b.namespace], nil
}

// Save replaces this namespace's record, preserving the others.
func (b *FileBackend) Save(record map[string]string) error {
	return b.update(func(tokens map[string]map[string]string) {
		tokens[b.namespace] = record
	})
}

// Delete removes this namespace's record.
func (b *FileBackend) Delete() error {
	if _, err := os.Stat(b.path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return b.update(func(tokens map[string]map[string]string) {
		delete(tokens, b.namespace)
	})
}

// update runs mutate on the current file contents under the cross-process
// lock and writes the result back through a temp file and rename.
func (b *FileBackend) update(mutate func(map[string]map[string]string)) error {
	lock, err := acquireFileLock(b.path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			b.log.Warn().Err(releaseErr).Str("path", b.path).Msg("failed to release lock")
		}
	}()

	var tf tokenFile
	if existing, err := os.ReadFile(b.path); err == nil {
		if unmarshalErr := json.Unmarshal(existing, &tf); unmarshalErr != nil {
			b.log.Warn().Err(unmarshalErr).Str("path", b.path).Msg("token file corrupt, rewriting")
			tf.Tokens = nil
		}
	}
	if tf.Tokens == nil {
		tf.Tokens = make(map[string]map[string]string)
	}

	mutate(tf.Tokens)

	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}

	tempFile := b.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, b.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Watch calls onChange whenever the token file is created, written, replaced
// or removed, by this process or any other. The watch is registered before
// Watch returns and stops when ctx is done.
func (b *FileBackend) Watch(ctx context.Context, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory: the file itself is replaced on every write.
	dir := filepath.Dir(b.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	target := filepath.Clean(b.path)
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) ||
					ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
					onChange()
				}
			case werr, ok := <-w.Errors:
				if !ok {
					return
				}
				b.log.Warn().Err(werr).Str("path", b.path).Msg("token file watch error")
			}
		}
	}()
	return nil
}
