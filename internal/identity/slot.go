package identity

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Slot is a single mutable string that may survive a process restart,
// such as a file in the peer directory.
type Slot interface {
	Load() (string, error)
	Store(value string) error
}

// FileSlot keeps the value in a file. A missing file reads as "".
type FileSlot struct {
	Path string
}

func (s FileSlot) Load() (string, error) {
	b, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func (s FileSlot) Store(value string) error {
	if dir := filepath.Dir(s.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(s.Path, []byte(value), 0o644)
}

// MemSlot is a Slot that lives only as long as the process.
type MemSlot struct {
	mu sync.Mutex
	v  string
}

func (s *MemSlot) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v, nil
}

func (s *MemSlot) Store(value string) error {
	s.mu.Lock()
	s.v = value
	s.mu.Unlock()
	return nil
}
