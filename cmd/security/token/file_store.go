package token

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileStore serves a token read from a file and follows changes to it.
// Rotating the file (write, or write-then-rename) swaps the token without a restart.
type FileStore struct {
	path string
	log  *slog.Logger

	mu  sync.RWMutex
	tok string
}

// NewFileStore loads path once. A missing file is not an error; Token reports
// ErrMissing until the file appears.
func NewFileStore(path string, log *slog.Logger) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("token file path is required")
	}
	if log == nil {
		log = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve token file: %w", err)
	}

	s := &FileStore{path: abs, log: log}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Token() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tok == "" {
		return "", ErrMissing
	}
	return s.tok, nil
}

// Clear forgets the cached token. The file itself is left alone; the next
// change to it is picked up again.
func (s *FileStore) Clear() {
	s.set("")
}

// Reload re-reads the file. Malformed content clears the cached token.
func (s *FileStore) Reload() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.set("")
			return nil
		}
		return fmt.Errorf("read token file: %w", err)
	}

	tok, err := Validate(string(b))
	if err != nil {
		s.log.Warn("token.file.invalid", "path", s.path, "err", err)
		s.set("")
		return nil
	}

	s.set(tok)
	s.log.Info("token.file.loaded", "path", s.path, "token_fp", Fingerprint(tok))
	return nil
}

// Watch reloads the token whenever the file changes. It blocks until ctx is done.
// The parent directory is watched so editors that replace the file are handled.
func (s *FileStore) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("token watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.log.Error("token.file.reload.fail", "path", s.path, "err", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("token.file.watch.error", "path", s.path, "err", err)
		}
	}
}

func (s *FileStore) set(tok string) {
	s.mu.Lock()
	s.tok = tok
	s.mu.Unlock()
}
