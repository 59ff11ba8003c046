// Package credentials stores the secrets the gateway needs at startup:
// bearer tokens for the site API and the circuit control password.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"
)

// Kind classifies a stored secret
type Kind string

const (
	KindBearer          Kind = "bearer"
	KindControlPassword Kind = "control_password"
)

// DefaultName is the name used for singleton secrets such as the control password
const DefaultName = "default"

// Secret is one stored credential
type Secret struct {
	Name         string    `json:"name"`
	Kind         Kind      `json:"kind"`
	Value        string    `json:"value"`
	LastModified time.Time `json:"last_modified"`
}

func (s *Secret) key() string {
	return secretKey(s.Kind, s.Name)
}

func secretKey(kind Kind, name string) string {
	return string(kind) + "/" + name
}

// Store is the interface for storing and retrieving secrets
type Store interface {
	// Store saves a secret, replacing any with the same kind and name
	Store(secret *Secret) error

	// Retrieve gets a secret by kind and name
	Retrieve(kind Kind, name string) (*Secret, error)

	// List returns all stored secrets
	List() ([]*Secret, error)

	// Delete removes a secret
	Delete(kind Kind, name string) error

	// Exists checks if a secret is stored
	Exists(kind Kind, name string) bool
}

// Manager handles secret storage with fallback across stores
type Manager struct {
	stores []Store
}

// NewManager creates a manager over the system keyring (when available), an
// encrypted file in the config directory and the environment
func NewManager() (*Manager, error) {
	var stores []Store

	if ks, err := NewKeyringStore(); err == nil {
		stores = append(stores, ks)
	}

	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}

	encryptedStore, err := NewEncryptedFileStore(filepath.Join(configDir, "credentials.enc"))
	if err != nil {
		return nil, fmt.Errorf("failed to create encrypted store: %w", err)
	}
	stores = append(stores, encryptedStore)

	stores = append(stores, NewEnvironmentStore())

	return &Manager{stores: stores}, nil
}

// NewManagerWithStores creates a manager over the given stores, in priority order
func NewManagerWithStores(stores ...Store) *Manager {
	return &Manager{stores: stores}
}

// Store saves a secret in the first store that accepts it
func (m *Manager) Store(secret *Secret) error {
	if secret == nil || secret.Name == "" {
		return errors.New("secret name is required")
	}
	if secret.Value == "" {
		return errors.New("secret value is required")
	}
	switch secret.Kind {
	case KindBearer, KindControlPassword:
	default:
		return fmt.Errorf("unknown secret kind %q", secret.Kind)
	}

	secret.LastModified = time.Now()

	var lastErr error
	for _, store := range m.stores {
		err := store.Store(secret)
		if err == nil {
			return nil
		}
		lastErr = err
	}

	if lastErr != nil {
		return fmt.Errorf("failed to store secret: %w", lastErr)
	}
	return errors.New("no available credential stores")
}

// Retrieve gets a secret from the first store that has it
func (m *Manager) Retrieve(kind Kind, name string) (*Secret, error) {
	for _, store := range m.stores {
		if s, err := store.Retrieve(kind, name); err == nil && s != nil {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, secretKey(kind, name))
}

// List returns all secrets across stores, newest copy winning, sorted by kind and name
func (m *Manager) List() ([]*Secret, error) {
	byKey := make(map[string]*Secret)

	for _, store := range m.stores {
		secrets, err := store.List()
		if err != nil {
			continue
		}
		for _, s := range secrets {
			if existing, ok := byKey[s.key()]; !ok || s.LastModified.After(existing.LastModified) {
				byKey[s.key()] = s
			}
		}
	}

	result := make([]*Secret, 0, len(byKey))
	for _, s := range byKey {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Kind != result[j].Kind {
			return result[i].Kind < result[j].Kind
		}
		return result[i].Name < result[j].Name
	})
	return result, nil
}

// Delete removes a secret from every store that has it
func (m *Manager) Delete(kind Kind, name string) error {
	var deleted bool
	var lastErr error

	for _, store := range m.stores {
		if err := store.Delete(kind, name); err == nil {
			deleted = true
		} else {
			lastErr = err
		}
	}

	if deleted {
		return nil
	}
	if lastErr != nil && !errors.Is(lastErr, ErrNotFound) && !errors.Is(lastErr, ErrStoreUnavailable) {
		return fmt.Errorf("failed to delete secret: %w", lastErr)
	}
	return fmt.Errorf("%w: %s", ErrNotFound, secretKey(kind, name))
}

// Bearers returns the stored bearer tokens ordered by name
func (m *Manager) Bearers() ([]string, error) {
	secrets, err := m.List()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, s := range secrets {
		if s.Kind == KindBearer {
			out = append(out, s.Value)
		}
	}
	return out, nil
}

// ControlPassword returns the stored control password, or "" when none is stored
func (m *Manager) ControlPassword() string {
	s, err := m.Retrieve(KindControlPassword, DefaultName)
	if err != nil {
		return ""
	}
	return s.Value
}

// MergeBearers appends stored tokens to configured ones, dropping duplicates
// and keeping first-seen order
func MergeBearers(configured, stored []string) []string {
	seen := make(map[string]bool, len(configured)+len(stored))
	var out []string
	for _, list := range [][]string{configured, stored} {
		for _, t := range list {
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// Mask hides all but the first and last 4 characters of a secret
func Mask(s string) string {
	if len(s) <= 8 {
		return "********"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// getConfigDir returns the configuration directory path
func getConfigDir() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, "Library", "Application Support", "mediagate")
	case "windows":
		configDir = filepath.Join(os.Getenv("APPDATA"), "mediagate")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			configDir = filepath.Join(xdgConfig, "mediagate")
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			configDir = filepath.Join(home, ".config", "mediagate")
		}
	}

	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	return configDir, nil
}

var (
	ErrNotFound         = errors.New("secret not found")
	ErrInvalidSecret    = errors.New("invalid secret")
	ErrStoreUnavailable = errors.New("credential store unavailable")
)
