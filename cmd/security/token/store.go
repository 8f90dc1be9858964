package token

import "sync"

// Source hands out a validated bearer token on demand.
type Source interface {
	Token() (string, error)
}

// Clearer is implemented by sources that can forget their credential,
// e.g. after the server rejected it.
type Clearer interface {
	Clear()
}

// MemoryStore keeps a token in memory.
// A malformed token is dropped on first read.
type MemoryStore struct {
	mu  sync.Mutex
	raw string
}

// NewMemoryStore returns a store seeded with raw. raw is not validated until read.
func NewMemoryStore(raw string) *MemoryStore {
	return &MemoryStore{raw: raw}
}

// Set validates raw and stores the cleaned form.
func (s *MemoryStore) Set(raw string) error {
	tok, err := Validate(raw)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.raw = tok
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.raw == "" {
		return "", ErrMissing
	}
	tok, err := Validate(s.raw)
	if err != nil {
		s.raw = ""
		return "", ErrMissing
	}
	return tok, nil
}

func (s *MemoryStore) Clear() {
	s.mu.Lock()
	s.raw = ""
	s.mu.Unlock()
}
