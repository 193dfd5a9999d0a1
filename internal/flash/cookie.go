package flash

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Cookie is a bit in the persisted flag word.
type Cookie uint32

// UpdateFlag permits the node to enter an update session.
const UpdateFlag Cookie = 1 << 0

// CookieStore keeps the flag word in a 4-byte little-endian file.
type CookieStore struct {
	mu   sync.Mutex
	path string
	word uint32
}

// OpenCookies loads the flag word from path. A missing file reads as zero.
func OpenCookies(path string) (*CookieStore, error) {
	s := &CookieStore{path: path}
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read cookies: %w", err)
	case len(b) < 4:
		return nil, fmt.Errorf("read cookies: short file (%d bytes)", len(b))
	default:
		s.word = binary.LittleEndian.Uint32(b)
	}
	return s, nil
}

func (s *CookieStore) Set(c Cookie) error {
	return s.update(func(w uint32) uint32 { return w | uint32(c) })
}

func (s *CookieStore) Clear(c Cookie) error {
	return s.update(func(w uint32) uint32 { return w &^ uint32(c) })
}

func (s *CookieStore) IsSet(c Cookie) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.word&uint32(c) != 0
}

// update persists the new word with a write-and-rename so a crash leaves
// either the old or the new value.
func (s *CookieStore) update(fn func(uint32) uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := fn(s.word)
	if next == s.word {
		if _, err := os.Stat(s.path); err == nil {
			return nil
		}
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], next)
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".cookies-*")
	if err != nil {
		return fmt.Errorf("write cookies: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b[:]); err != nil {
		tmp.Close()
		return fmt.Errorf("write cookies: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write cookies: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("write cookies: %w", err)
	}
	s.word = next
	return nil
}

// MemCookies is a volatile flag word.
type MemCookies struct {
	mu   sync.Mutex
	word uint32
}

func (m *MemCookies) Set(c Cookie) error {
	m.mu.Lock()
	m.word |= uint32(c)
	m.mu.Unlock()
	return nil
}

func (m *MemCookies) Clear(c Cookie) error {
	m.mu.Lock()
	m.word &^= uint32(c)
	m.mu.Unlock()
	return nil
}

func (m *MemCookies) IsSet(c Cookie) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.word&uint32(c) != 0
}
