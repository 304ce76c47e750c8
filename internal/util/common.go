package util

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Common timeout durations
const (
	DefaultConnectTimeout = 3 * time.Second
	ShortTimeout          = 2 * time.Second
)

// ResolvePath joins base and rel, but if rel is an absolute path it is returned
// directly (cleaned). filepath.Join("a", "/b") returns "a/b", not "/b".
func ResolvePath(base, rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(base, rel)
}

// ValidateUserID trims a user id and rejects ones that cannot be used as a
// topic key or path segment.
func ValidateUserID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("user id is empty")
	}
	if strings.ContainsAny(id, "/\\ \t\n") || strings.Contains(id, "..") {
		return "", errors.New("user id must not contain whitespace, slashes or '..'")
	}
	return id, nil
}

// WriteJSONFile writes v as indented JSON, creating parent directories.
func WriteJSONFile(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
