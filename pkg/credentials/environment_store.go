package credentials

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// maxEnvBearers is the highest AUTH_BEARER_n index read
const maxEnvBearers = 9

// EnvironmentStore reads secrets from AUTH_BEARER_1..9 and
// MEDIAGATE_CONTROL_PASSWORD. It is read-only.
type EnvironmentStore struct{}

// NewEnvironmentStore creates a new environment-based store
func NewEnvironmentStore() *EnvironmentStore {
	return &EnvironmentStore{}
}

// Store is not supported for environment variables
func (e *EnvironmentStore) Store(secret *Secret) error {
	return ErrStoreUnavailable
}

// Retrieve reads a secret; bearers are named env-1..env-9
func (e *EnvironmentStore) Retrieve(kind Kind, name string) (*Secret, error) {
	var value string
	switch kind {
	case KindBearer:
		idx, err := strconv.Atoi(strings.TrimPrefix(name, "env-"))
		if err != nil || idx < 1 || idx > maxEnvBearers {
			return nil, ErrNotFound
		}
		value = os.Getenv(fmt.Sprintf("AUTH_BEARER_%d", idx))
	case KindControlPassword:
		if name != DefaultName {
			return nil, ErrNotFound
		}
		value = os.Getenv("MEDIAGATE_CONTROL_PASSWORD")
	}
	if value == "" {
		return nil, ErrNotFound
	}
	// Zero LastModified: a stored copy with the same key always wins in Manager.List
	return &Secret{Name: name, Kind: kind, Value: value}, nil
}

// List returns every secret present in the environment
func (e *EnvironmentStore) List() ([]*Secret, error) {
	var out []*Secret
	for i := 1; i <= maxEnvBearers; i++ {
		if s, err := e.Retrieve(KindBearer, fmt.Sprintf("env-%d", i)); err == nil {
			out = append(out, s)
		}
	}
	if s, err := e.Retrieve(KindControlPassword, DefaultName); err == nil {
		out = append(out, s)
	}
	return out, nil
}

// Delete is not supported for environment variables
func (e *EnvironmentStore) Delete(kind Kind, name string) error {
	return ErrStoreUnavailable
}

// Exists checks if the environment carries the secret
func (e *EnvironmentStore) Exists(kind Kind, name string) bool {
	_, err := e.Retrieve(kind, name)
	return err == nil
}
