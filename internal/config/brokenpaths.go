package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// LoadBrokenPaths reads the persisted broken-path set. A missing file
// yields an empty set.
func LoadBrokenPaths(file string) ([]string, error) {
	data, err := os.ReadFile(file)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read broken paths %s: %w", file, err)
	}
	var paths []string
	if err := json.Unmarshal(data, &paths); err != nil {
		return nil, fmt.Errorf("config: parse broken paths %s: %w", file, err)
	}
	return paths, nil
}

// SaveBrokenPaths atomically persists the broken-path set.
func SaveBrokenPaths(file string, paths []string) error {
	data, err := json.Marshal(paths)
	if err != nil {
		return fmt.Errorf("config: marshal broken paths: %w", err)
	}
	tmp := file + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("config: write broken paths: %w", err)
	}
	if err := os.Rename(tmp, file); err != nil {
		return fmt.Errorf("config: persist broken paths: %w", err)
	}
	return nil
}
