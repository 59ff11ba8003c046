package credentials

import "sync"

// MockStore is an in-memory Store with error injection, for tests
type MockStore struct {
	secrets map[string]*Secret
	mu      sync.RWMutex

	StoreError  error
	ListError   error
	DeleteError error
}

// NewMockStore creates an empty mock store
func NewMockStore() *MockStore {
	return &MockStore{secrets: make(map[string]*Secret)}
}

// NewMockManager creates a Manager backed by a single mock store
func NewMockManager() (*Manager, *MockStore) {
	store := NewMockStore()
	return NewManagerWithStores(store), store
}

func (m *MockStore) Store(secret *Secret) error {
	if m.StoreError != nil {
		return m.StoreError
	}
	if secret == nil || secret.Name == "" {
		return ErrInvalidSecret
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *secret
	m.secrets[secret.key()] = &cp
	return nil
}

func (m *MockStore) Retrieve(kind Kind, name string) (*Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.secrets[secretKey(kind, name)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MockStore) List() ([]*Secret, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Secret, 0, len(m.secrets))
	for _, s := range m.secrets {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MockStore) Delete(kind Kind, name string) error {
	if m.DeleteError != nil {
		return m.DeleteError
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := secretKey(kind, name)
	if _, ok := m.secrets[key]; !ok {
		return ErrNotFound
	}
	delete(m.secrets, key)
	return nil
}

func (m *MockStore) Exists(kind Kind, name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.secrets[secretKey(kind, name)]
	return ok
}

// Count returns the number of stored secrets
func (m *MockStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.secrets)
}
