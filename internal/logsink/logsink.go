// Package logsink owns the per-process log files: append-mode handles for
// child stdout/stderr and a bounded tail read for the API. Concurrent writes
// from a single child are serialized by the OS through the inherited
// descriptor; the sink takes no locks of its own.
package logsink

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DefaultTailLines is used when the caller does not say how many lines.
	DefaultTailLines = 100
	// MaxTailLines bounds a single tail read.
	MaxTailLines = 10000

	readChunk = 32 * 1024
)

// OpenAppend opens path for appending, creating parent directories as needed.
func OpenAppend(path string) (*os.File, error) {
	dir := filepath.Dir(filepath.Clean(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("log dir %s: %w", dir, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	return f, nil
}

// DefaultPath derives a log path for a process id under logDir.
func DefaultPath(logDir, id string) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, id)
	if safe == "" {
		safe = "unknown"
	}
	return filepath.Join(logDir, safe+".log")
}

// Tail returns the last n newline-delimited lines of path in file order.
// n <= 0 returns an empty slice; n is capped at MaxTailLines. A missing file
// is not an error: it returns no lines.
func Tail(path string, n int) ([]string, error) {
	if n <= 0 {
		return []string{}, nil
	}
	if n > MaxTailLines {
		n = MaxTailLines
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat log %s: %w", path, err)
	}
	size := fi.Size()
	if size == 0 {
		return []string{}, nil
	}

	// Scan backwards in chunks. buf is always a suffix of the file; once it
	// holds n newlines beyond a possible trailing one, its last n segments
	// are complete lines and we can stop.
	var (
		buf    []byte
		offset = size
	)
	for offset > 0 {
		chunk := int64(readChunk)
		if chunk > offset {
			chunk = offset
		}
		offset -= chunk
		part := make([]byte, chunk)
		if _, err := f.ReadAt(part, offset); err != nil {
			return nil, fmt.Errorf("read log %s: %w", path, err)
		}
		buf = append(part, buf...)
		if strings.Count(strings.TrimSuffix(string(buf), "\n"), "\n") >= n {
			break
		}
	}

	text := strings.TrimSuffix(string(buf), "\n")
	if text == "" {
		return []string{}, nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
