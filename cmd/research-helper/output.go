package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// writeReport saves content as dir/name, creating dir when needed.
func writeReport(dir, name, content string) error {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644)
}
