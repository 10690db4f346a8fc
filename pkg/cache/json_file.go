package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var ErrNotFound = errors.New("cache file not found")

// LoadJSON reads a cached value from path. ErrNotFound is returned when the
// file does not exist yet.
func LoadJSON(path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("read cache file: %w", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode cache file: %w", err)
	}
	return nil
}

// LoadJSONFresh is LoadJSON with a staleness bound: entries whose file mtime
// is older than maxAge are treated as missing.
func LoadJSONFresh(path string, out any, maxAge time.Duration) error {
	if maxAge > 0 {
		st, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return ErrNotFound
			}
			return fmt.Errorf("stat cache file: %w", err)
		}
		if time.Since(st.ModTime()) > maxAge {
			return ErrNotFound
		}
	}
	return LoadJSON(path, out)
}

// SaveJSON writes value to path atomically (temp file plus rename) so a crash
// never leaves a truncated cache.
func SaveJSON(path string, value any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir cache dir: %w", err)
	}
	b, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache file: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write cache temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename cache file: %w", err)
	}
	return nil
}
