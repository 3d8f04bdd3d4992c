package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/student-mobility/session-agent/internal/logging"
)

// FileKV keeps every key in one JSON document on disk, the way a browser
// keeps local storage per origin. Writes replace the file atomically.
type FileKV struct {
	path   string
	logger *logging.Logger
	mu     sync.Mutex
}

// NewFileKV creates a KV backed by the JSON file at path.
// The file is created on first write.
func NewFileKV(path string, logger *logging.Logger) (*FileKV, error) {
	if path == "" {
		return nil, fmt.Errorf("file path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create session directory: %w", err)
		}
	}
	return &FileKV{path: path, logger: logging.OrGlobal(logger).Named("filekv")}, nil
}

// Path returns the backing file path
func (f *FileKV) Path() string {
	return f.path
}

// Get retrieves a value by key
func (f *FileKV) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.read()
	if err != nil {
		return "", false, err
	}
	v, ok := data[key]
	return v, ok, nil
}

// Set stores a value
func (f *FileKV) Set(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.read()
	if err != nil {
		return err
	}
	data[key] = value
	return f.write(data)
}

// Del deletes one or more keys
func (f *FileKV) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.read()
	if err != nil {
		return err
	}
	changed := false
	for _, k := range keys {
		if _, ok := data[k]; ok {
			delete(data, k)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return f.write(data)
}

func (f *FileKV) read() (map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	data := map[string]string{}
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		// a corrupt document is dropped rather than wedging the agent
		f.logger.WithError(err).WithField("path", f.path).Warn("Dropping unreadable session file")
		return map[string]string{}, nil
	}
	return data, nil
}

func (f *FileKV) write(data map[string]string) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session file: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".session-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}
