package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// VaultStore keeps credentials in an unlocked Vault.
type VaultStore struct {
	vault *Vault
}

func NewVaultStore(v *Vault) *VaultStore {
	return &VaultStore{vault: v}
}

func (s *VaultStore) Save(c *Credential) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding credential: %w", err)
	}
	return s.vault.Set(entryName(c.Provider), string(raw))
}

func (s *VaultStore) Load(provider string) (*Credential, error) {
	raw, err := s.vault.Get(entryName(provider))
	if err != nil {
		return nil, err
	}
	var c Credential
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("decoding credential: %w", err)
	}
	return &c, nil
}

func (s *VaultStore) Delete(provider string) error {
	return s.vault.Delete(entryName(provider))
}

func (s *VaultStore) Has(provider string) bool {
	return s.vault.Has(entryName(provider))
}

// Chain tries stores in order. Save writes to the first store that accepts
// the credential; Load returns the first hit; Delete clears every store.
type Chain struct {
	stores []Store
	logger *slog.Logger
}

// NewChain builds a chain; nil stores are skipped.
func NewChain(logger *slog.Logger, stores ...Store) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Chain{logger: logger.With("component", "credentials")}
	for _, s := range stores {
		if s != nil {
			c.stores = append(c.stores, s)
		}
	}
	return c
}

func (c *Chain) Save(cred *Credential) error {
	var errs []error
	for _, s := range c.stores {
		err := s.Save(cred)
		if err == nil {
			return nil
		}
		c.logger.Warn("credential store rejected save, trying next", "provider", cred.Provider, "error", err)
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return errors.New("no credential store configured")
	}
	return fmt.Errorf("saving credential for %s: %w", cred.Provider, errors.Join(errs...))
}

func (c *Chain) Load(provider string) (*Credential, error) {
	for _, s := range c.stores {
		cred, err := s.Load(provider)
		if err == nil {
			return cred, nil
		}
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrVaultLocked) {
			c.logger.Debug("credential store lookup failed", "provider", provider, "error", err)
		}
	}
	return nil, ErrNotFound
}

func (c *Chain) Delete(provider string) error {
	var errs []error
	for _, s := range c.stores {
		if err := s.Delete(provider); err != nil && !errors.Is(err, ErrVaultLocked) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Chain) Has(provider string) bool {
	for _, s := range c.stores {
		if s.Has(provider) {
			return true
		}
	}
	return false
}

// MemoryStore is an in-process Store, used when no persistent backend is
// available and in tests.
type MemoryStore struct {
	mu sync.Mutex
	m  map[string]Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[string]Credential)}
}

func (s *MemoryStore) Save(c *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[c.Provider] = *c
	return nil
}

func (s *MemoryStore) Load(provider string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.m[provider]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *MemoryStore) Delete(provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, provider)
	return nil
}

func (s *MemoryStore) Has(provider string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[provider]
	return ok
}
