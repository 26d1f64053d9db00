// Package credentials stores the tokens produced by login flows.
//
// Two backends exist: the operating system keyring and an encrypted file
// vault (AES-256-GCM, Argon2id key). Chain combines them so the daemon keeps
// working on hosts without a Secret Service, such as headless servers.
package credentials

import (
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("credential not found")
	ErrVaultLocked = errors.New("vault is locked")
)

// Credential is what a provider login yields.
type Credential struct {
	Provider     string    `json:"provider"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the credential has a known expiry in the past.
func (c *Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// Store persists credentials keyed by provider id.
type Store interface {
	Save(c *Credential) error
	Load(provider string) (*Credential, error)
	Delete(provider string) error
	Has(provider string) bool
}

// entryName is the key a provider's credential is stored under.
func entryName(provider string) string {
	return "provider:" + provider
}
