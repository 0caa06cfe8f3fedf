package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/matt-riley/bucketz/internal/payload"
)

const defaultDebounce = 250 * time.Millisecond

// FileOption configures a FileSource.
type FileOption func(*FileSource)

// WithDebounce sets how long the watcher waits for writes to settle.
func WithDebounce(d time.Duration) FileOption {
	return func(s *FileSource) { s.debounce = d }
}

// WithFileLogger sets the logger used by the watcher.
func WithFileLogger(logger *slog.Logger) FileOption {
	return func(s *FileSource) { s.logger = logger }
}

// FileSource reads a JSON or YAML bundle from disk. The format follows the
// file extension.
type FileSource struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
}

func NewFileSource(path string, opts ...FileOption) *FileSource {
	s := &FileSource{
		path:     path,
		debounce: defaultDebounce,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *FileSource) Name() string {
	return "file:" + s.path
}

func (s *FileSource) Path() string {
	return s.path
}

func (s *FileSource) Load(_ context.Context) (payload.Bundle, string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return payload.Bundle{}, "", fmt.Errorf("read %s: %w", s.path, ErrNoPayload)
		}
		return payload.Bundle{}, "", fmt.Errorf("read %s: %w", s.path, err)
	}

	bundle, err := payload.Decode(data, payload.FormatFromPath(s.path))
	if err != nil {
		return payload.Bundle{}, "", fmt.Errorf("load %s: %w", s.path, err)
	}

	return bundle, payload.Digest(data), nil
}

func (s *FileSource) digest() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", err
	}
	return payload.Digest(data), nil
}

// Subscribe watches the directory holding the file so atomic saves
// (rename over the target) and ConfigMap symlink swaps are seen. A signal
// is sent only when the file content actually changed.
func (s *FileSource) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	lastDigest, _ := s.digest()
	out := make(chan struct{}, 1)
	go s.watch(ctx, watcher, lastDigest, out)

	return out, nil
}

func (s *FileSource) watch(ctx context.Context, watcher *fsnotify.Watcher, lastDigest string, out chan<- struct{}) {
	defer close(out)
	defer watcher.Close()

	target := filepath.Clean(s.path)
	var settle <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !s.relevant(event, target) {
				continue
			}
			settle = time.After(s.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("definitions watcher error", "path", s.path, "err", err)

		case <-settle:
			settle = nil

			digest, err := s.digest()
			if err != nil {
				s.logger.Warn("definitions file unreadable", "path", s.path, "err", err)
				continue
			}
			if digest == lastDigest {
				s.logger.Debug("definitions file unchanged", "path", s.path)
				continue
			}

			s.logger.Info("definitions file changed", "path", s.path, "old_revision", lastDigest, "new_revision", digest)
			lastDigest = digest
			notify(out)
		}
	}
}

func (s *FileSource) relevant(event fsnotify.Event, target string) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	name := filepath.Clean(event.Name)
	return name == target || strings.HasPrefix(filepath.Base(name), "..")
}
