package notesync

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// JSONFileOutboxStore persists every user's outbox in a single JSON file,
// written atomically via tmp-file rename.
type JSONFileOutboxStore struct {
	mu   sync.Mutex
	path string
}

type fileStoreSnapshot struct {
	Users map[string]*outboxState `json:"users"`
}

func NewJSONFileOutboxStore(path string) (*JSONFileOutboxStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &JSONFileOutboxStore{path: path}, nil
}

func (s *JSONFileOutboxStore) Load(userID string) (*outboxState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	return snapshot.Users[userID], nil
}

func (s *JSONFileOutboxStore) Save(userID string, state *outboxState) error {
	if userID == "" || state == nil {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, err := s.readLocked()
	if err != nil {
		return err
	}
	snapshot.Users[userID] = state
	return s.writeLocked(snapshot)
}

func (s *JSONFileOutboxStore) Clear(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, err := s.readLocked()
	if err != nil {
		return err
	}
	if _, ok := snapshot.Users[userID]; !ok {
		return nil
	}
	delete(snapshot.Users, userID)
	return s.writeLocked(snapshot)
}

func (s *JSONFileOutboxStore) readLocked() (*fileStoreSnapshot, error) {
	snapshot := &fileStoreSnapshot{Users: map[string]*outboxState{}}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return snapshot, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, snapshot); err != nil {
		return nil, err
	}
	if snapshot.Users == nil {
		snapshot.Users = map[string]*outboxState{}
	}
	return snapshot, nil
}

func (s *JSONFileOutboxStore) writeLocked(snapshot *fileStoreSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// InMemoryOutboxStore keeps outbox state per user with JSON round-trip
// cloning, so callers never share backing slices with the store.
type InMemoryOutboxStore struct {
	mu    sync.Mutex
	users map[string]*outboxState
}

func NewInMemoryOutboxStore() *InMemoryOutboxStore {
	return &InMemoryOutboxStore{users: map[string]*outboxState{}}
}

func (s *InMemoryOutboxStore) Load(userID string) (*outboxState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	return cloneOutboxState(state)
}

func (s *InMemoryOutboxStore) Save(userID string, state *outboxState) error {
	if userID == "" || state == nil {
		return ErrInvalidInput
	}
	clone, err := cloneOutboxState(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = clone
	return nil
}

func (s *InMemoryOutboxStore) Clear(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, userID)
	return nil
}

func cloneOutboxState(state *outboxState) (*outboxState, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var clone outboxState
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}
