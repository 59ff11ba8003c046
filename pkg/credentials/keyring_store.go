package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "mediagate"
	keyringPrefix  = "secret_"
	// keyringIndex lists stored keys; the keyring API cannot enumerate entries
	keyringIndex = "index"
)

// KeyringStore implements Store using the system keychain
type KeyringStore struct {
	mu sync.Mutex
}

// NewKeyringStore creates a new keyring-based store, failing when no keychain is reachable
func NewKeyringStore() (*KeyringStore, error) {
	testKey := "test_availability"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return nil, fmt.Errorf("keyring not available: %w", err)
	}
	_ = keyring.Delete(keyringService, testKey)

	return &KeyringStore{}, nil
}

// Store saves a secret to the system keychain
func (k *KeyringStore) Store(secret *Secret) error {
	if secret == nil || secret.Name == "" {
		return ErrInvalidSecret
	}

	data, err := json.Marshal(secret)
	if err != nil {
		return fmt.Errorf("failed to marshal secret: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if err := keyring.Set(keyringService, keyringPrefix+secret.key(), string(data)); err != nil {
		return fmt.Errorf("failed to store in keyring: %w", err)
	}

	keys := k.loadIndex()
	for _, existing := range keys {
		if existing == secret.key() {
			return nil
		}
	}
	return k.saveIndex(append(keys, secret.key()))
}

// Retrieve gets a secret from the system keychain
func (k *KeyringStore) Retrieve(kind Kind, name string) (*Secret, error) {
	if name == "" {
		return nil, ErrInvalidSecret
	}
	return k.get(secretKey(kind, name))
}

func (k *KeyringStore) get(key string) (*Secret, error) {
	data, err := keyring.Get(keyringService, keyringPrefix+key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to retrieve from keyring: %w", err)
	}

	var secret Secret
	if err := json.Unmarshal([]byte(data), &secret); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secret: %w", err)
	}
	return &secret, nil
}

// List returns all secrets recorded in the keyring index
func (k *KeyringStore) List() ([]*Secret, error) {
	k.mu.Lock()
	keys := k.loadIndex()
	k.mu.Unlock()

	var out []*Secret
	for _, key := range keys {
		if s, err := k.get(key); err == nil {
			out = append(out, s)
		}
	}
	return out, nil
}

// Delete removes a secret from the system keychain
func (k *KeyringStore) Delete(kind Kind, name string) error {
	if name == "" {
		return ErrInvalidSecret
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	key := secretKey(kind, name)
	if err := keyring.Delete(keyringService, keyringPrefix+key); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete from keyring: %w", err)
	}

	keys := k.loadIndex()
	kept := keys[:0]
	for _, existing := range keys {
		if existing != key {
			kept = append(kept, existing)
		}
	}
	return k.saveIndex(kept)
}

// Exists checks if a secret is in the keychain
func (k *KeyringStore) Exists(kind Kind, name string) bool {
	if name == "" {
		return false
	}
	_, err := keyring.Get(keyringService, keyringPrefix+secretKey(kind, name))
	return err == nil
}

func (k *KeyringStore) loadIndex() []string {
	data, err := keyring.Get(keyringService, keyringIndex)
	if err != nil {
		return nil
	}
	var keys []string
	if err := json.Unmarshal([]byte(data), &keys); err != nil {
		return nil
	}
	return keys
}

func (k *KeyringStore) saveIndex(keys []string) error {
	sort.Strings(keys)
	data, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	if err := keyring.Set(keyringService, keyringIndex, string(data)); err != nil {
		return fmt.Errorf("failed to update keyring index: %w", err)
	}
	return nil
}
