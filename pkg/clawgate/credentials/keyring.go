package credentials

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// KeyringService is the service name used in the OS keyring
// (Secret Service on Linux, Keychain on macOS, Credential Manager on Windows).
const KeyringService = "clawgate"

// KeyringStore keeps credentials in the OS keyring as JSON values.
type KeyringStore struct {
	service string
}

// NewKeyringStore returns a store under service; empty means KeyringService.
func NewKeyringStore(service string) *KeyringStore {
	if service == "" {
		service = KeyringService
	}
	return &KeyringStore{service: service}
}

func (k *KeyringStore) Save(c *Credential) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding credential: %w", err)
	}
	if err := keyring.Set(k.service, entryName(c.Provider), string(raw)); err != nil {
		return fmt.Errorf("keyring set: %w", err)
	}
	return nil
}

func (k *KeyringStore) Load(provider string) (*Credential, error) {
	raw, err := keyring.Get(k.service, entryName(provider))
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("keyring get: %w", err)
	}
	var c Credential
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("decoding credential: %w", err)
	}
	return &c, nil
}

func (k *KeyringStore) Delete(provider string) error {
	err := keyring.Delete(k.service, entryName(provider))
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete: %w", err)
	}
	return nil
}

func (k *KeyringStore) Has(provider string) bool {
	_, err := keyring.Get(k.service, entryName(provider))
	return err == nil
}

// Available checks whether the OS keyring accepts writes.
func (k *KeyringStore) Available() bool {
	const probe = "__clawgate_probe__"
	if err := keyring.Set(k.service, probe, "ok"); err != nil {
		return false
	}
	_ = keyring.Delete(k.service, probe)
	return true
}
