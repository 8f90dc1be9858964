package token

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFileStore_Reload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "token")
	s, err := NewFileStore(path, discardLogger())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if _, err := s.Token(); !errors.Is(err, ErrMissing) {
		t.Fatalf("missing file err=%v want=%v", err, ErrMissing)
	}

	if err := os.WriteFile(path, []byte("aaa.bbb.ccc\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if tok, err := s.Token(); err != nil || tok != "aaa.bbb.ccc" {
		t.Fatalf("Token=(%q,%v)", tok, err)
	}

	if err := os.WriteFile(path, []byte("garbage"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if _, err := s.Token(); !errors.Is(err, ErrMissing) {
		t.Fatalf("malformed file err=%v want=%v", err, ErrMissing)
	}
}

func TestFileStore_WatchPicksUpRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("aaa.bbb.ccc"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := NewFileStore(path, discardLogger())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// The watcher registers asynchronously; keep rewriting until it is seen.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := os.WriteFile(path, []byte("ddd.eee.fff"), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		if tok, _ := s.Token(); tok == "ddd.eee.fff" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("rotation not observed")
		}
		time.Sleep(50 * time.Millisecond)
	}
}
