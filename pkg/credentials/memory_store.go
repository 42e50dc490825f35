package credentials

import (
	"context"
	"sync"
)

type storeKey struct {
	workspaceID string
	provider    string
}

// MemoryKeyStore is an in-memory KeyStore for the CLI and tests. Values are
// encrypted blobs, same as any other store.
type MemoryKeyStore struct {
	mu        sync.RWMutex
	workspace map[storeKey]string
	system    map[string]string
	entitled  map[string]bool
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{
		workspace: make(map[storeKey]string),
		system:    make(map[string]string),
		entitled:  make(map[string]bool),
	}
}

// SetWorkspaceKey stores an encrypted key for a (workspace, provider) pair.
func (s *MemoryKeyStore) SetWorkspaceKey(workspaceID, provider, encrypted string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.workspace[storeKey{workspaceID, provider}] = encrypted
}

// SetSystemKey stores a shared encrypted key for a provider.
func (s *MemoryKeyStore) SetSystemKey(provider, encrypted string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.system[provider] = encrypted
}

// Entitle grants a workspace access to system keys.
func (s *MemoryKeyStore) Entitle(workspaceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entitled[workspaceID] = true
}

func (s *MemoryKeyStore) WorkspaceKey(_ context.Context, workspaceID, provider string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	encrypted, ok := s.workspace[storeKey{workspaceID, provider}]
	if !ok {
		return "", ErrKeyNotFound
	}

	return encrypted, nil
}

func (s *MemoryKeyStore) SystemKey(_ context.Context, workspaceID, provider string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.entitled[workspaceID] {
		return "", ErrKeyNotFound
	}

	encrypted, ok := s.system[provider]
	if !ok {
		return "", ErrKeyNotFound
	}

	return encrypted, nil
}

var _ KeyStore = (*MemoryKeyStore)(nil)
