// Package naming prepares destination paths for new recordings.
package naming

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrDirectoryMissing is returned when the output directory does not
	// exist and creating it was not requested.
	ErrDirectoryMissing = errors.New("output directory does not exist")

	// ErrNameCollision is returned when the prepared destination already
	// exists.
	ErrNameCollision = errors.New("destination file already exists")
)

// Options controls destination preparation.
type Options struct {
	// Directory receives the recording.
	Directory string

	// Prefix is the base file name; it is sanitized and suffixed with a
	// timestamp. Empty defaults to "recording".
	Prefix string

	// Extension without the dot, e.g. "flac".
	Extension string

	// CreateDirectory makes a missing Directory instead of failing with
	// ErrDirectoryMissing.
	CreateDirectory bool
}

// PrepareDestination resolves the output path for the next recording:
// <dir>/<clean-prefix>-<timestamp>.<ext>.
func PrepareDestination(opts Options) (string, error) {
	return prepareAt(opts, time.Now())
}

func prepareAt(opts Options, now time.Time) (string, error) {
	dir := expandPath(opts.Directory)
	if dir == "" {
		dir = "."
	}

	if info, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("stat output directory: %w", err)
		}
		if !opts.CreateDirectory {
			return "", fmt.Errorf("%w: %s", ErrDirectoryMissing, dir)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("create output directory: %w", err)
		}
	} else if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrDirectoryMissing, dir)
	}

	prefix := Clean(opts.Prefix)
	if prefix == "" {
		prefix = "recording"
	}
	ext := strings.TrimPrefix(opts.Extension, ".")
	if ext == "" {
		ext = "flac"
	}

	name := fmt.Sprintf("%s-%s.%s", prefix, now.Format("20060102-150405"), ext)
	destination := filepath.Join(dir, name)

	if _, err := os.Stat(destination); err == nil {
		return "", fmt.Errorf("%w: %s", ErrNameCollision, destination)
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("stat destination: %w", err)
	}

	return destination, nil
}

// Clean sanitizes a user-facing name into a safe file name component.
// Allows letters, numbers, hyphens, underscores; spaces become
// underscores.
func Clean(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == ' ':
			b.WriteRune(r)
		}
	}
	return strings.ReplaceAll(strings.TrimSpace(b.String()), " ", "_")
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}
