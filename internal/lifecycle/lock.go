// Package lifecycle enforces single-instance execution with a PID marker file.
package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/JakeFAU/newsharvest/internal/harvest"
)

// Lock is a held instance marker. Release is safe to call more than once.
type Lock struct {
	path string
	once sync.Once
	err  error
}

// Acquire creates the marker at path holding the current PID. It fails fast
// with *harvest.LockHeldError when the marker already exists; stale markers
// left by a crash must be removed by the operator.
func Acquire(path string) (*Lock, error) {
	if strings.TrimSpace(path) == "" {
		return nil, harvest.NewConfigError("lock_file", "path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, &harvest.LockHeldError{Path: path, Holder: readHolder(path)}
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	_, writeErr := f.WriteString(strconv.Itoa(os.Getpid()))
	if syncErr := f.Sync(); writeErr == nil {
		writeErr = syncErr
	}
	if closeErr := f.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write lock file: %w", writeErr)
	}
	return &Lock{path: path}, nil
}

// Path returns the marker location.
func (l *Lock) Path() string {
	return l.path
}

// Release removes the marker.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			l.err = fmt.Errorf("remove lock file: %w", err)
		}
	})
	return l.err
}

func readHolder(path string) string {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-configured lock path
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
