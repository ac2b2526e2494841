// Package media waits for editor-exported files (frames, audio) to land on
// disk before tools read them.
package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	DefaultTimeout = 10 * time.Second
	pollInterval   = 250 * time.Millisecond
)

var ErrMissing = errors.New("media files missing")

// Waiter blocks until a set of files exists or its timeout elapses.
type Waiter struct {
	timeout time.Duration
	logger  *zap.Logger
}

func NewWaiter(timeout time.Duration, logger *zap.Logger) *Waiter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Waiter{timeout: timeout, logger: logger}
}

// Wait returns nil once every path exists. Directories that do not exist yet
// cannot be watched and are polled instead.
func (w *Waiter) Wait(ctx context.Context, paths ...string) error {
	pending := missing(paths)
	if len(pending) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	watched := map[string]struct{}{}
	for _, path := range pending {
		dir := filepath.Dir(path)
		if _, ok := watched[dir]; ok {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			w.logger.Debug("media directory not watchable, polling", zap.String("dir", dir), zap.Error(err))
			continue
		}
		watched[dir] = struct{}{}
	}
	w.logger.Debug("waiting for media", zap.Int("pending", len(pending)), zap.Duration("timeout", w.timeout))

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s", ErrMissing, strings.Join(pending, ", "))
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("%w: watcher closed", ErrMissing)
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("%w: watcher closed", ErrMissing)
			}
			w.logger.Warn("media watcher error", zap.Error(err))
			continue
		case <-ticker.C:
		}

		pending = missing(pending)
		if len(pending) == 0 {
			return nil
		}
	}
}

func missing(paths []string) []string {
	var out []string
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			out = append(out, path)
		}
	}
	return out
}

// Exists reports whether path names an existing file.
func Exists(path string) bool {
	path = strings.TrimSpace(path)
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
