package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// SessionKey is the key under which the client id is persisted.
const SessionKey = "clientId"

// SessionStore persists small string values across client restarts.
type SessionStore interface {
	// Load returns the value stored under key, or "" when unset.
	Load(key string) (string, error)
	Save(key, value string) error
}

// NewClientID returns a fresh random client id.
func NewClientID() string {
	return uuid.NewString()
}

// MemorySessionStore is a SessionStore held in memory.
type MemorySessionStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemorySessionStore creates an empty MemorySessionStore.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{data: make(map[string]string)}
}

func (s *MemorySessionStore) Load(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[key], nil
}

func (s *MemorySessionStore) Save(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

// FileSessionStore keeps values in a JSON object on disk. A missing file
// reads as empty.
type FileSessionStore struct {
	Path string

	mu sync.Mutex
}

func (s *FileSessionStore) Load(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.read()
	if err != nil {
		return "", err
	}
	return data[key], nil
}

func (s *FileSessionStore) Save(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.read()
	if err != nil {
		return err
	}
	data[key] = value
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("session marshal: %w", err)
	}
	if dir := filepath.Dir(s.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("session write: %w", err)
		}
	}
	if err := os.WriteFile(s.Path, raw, 0o600); err != nil {
		return fmt.Errorf("session write: %w", err)
	}
	return nil
}

func (s *FileSessionStore) read() (map[string]string, error) {
	data := make(map[string]string)
	raw, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return data, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session read: %w", err)
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("session unmarshal: %w", err)
	}
	return data, nil
}
