package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/argon2"
)

const (
	// VaultFile is the vault's file name inside the state directory.
	VaultFile = "credentials.vault"

	// VaultPasswordEnv unlocks the vault in non-interactive runs.
	VaultPasswordEnv = "CLAWGATE_VAULT_PASSWORD"

	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32

	saltLen = 16

	verifyEntry = "__verify__"
	verifyText  = "clawgate-vault-ok"
)

// ErrWrongPassword is returned by Unlock when the password does not decrypt
// the vault.
var ErrWrongPassword = errors.New("wrong vault password")

type sealed struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type vaultFile struct {
	Version int               `json:"version"`
	Salt    string            `json:"salt"`
	Entries map[string]sealed `json:"entries"`
}

// Vault is an encrypted secret file. The master password is never stored;
// only the derived key lives in memory while the vault is unlocked.
type Vault struct {
	path string

	mu   sync.RWMutex
	data *vaultFile
	key  []byte
}

// NewVault points a locked vault at path.
func NewVault(path string) *Vault {
	return &Vault{path: path}
}

func (v *Vault) Path() string { return v.path }

// Exists reports whether the vault file is present.
func (v *Vault) Exists() bool {
	_, err := os.Stat(v.path)
	return err == nil
}

func (v *Vault) IsUnlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.key != nil
}

// Create writes an empty vault protected by password and leaves it unlocked.
func (v *Vault) Create(password string) error {
	if v.Exists() {
		return fmt.Errorf("vault already exists at %s", v.path)
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}
	key := deriveKey(password, salt)
	check, err := seal(key, []byte(verifyText))
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.key = key
	v.data = &vaultFile{
		Version: 1,
		Salt:    base64.StdEncoding.EncodeToString(salt),
		Entries: map[string]sealed{verifyEntry: check},
	}
	return v.saveLocked()
}

// Unlock loads the vault and derives its key from password.
func (v *Vault) Unlock(password string) error {
	raw, err := os.ReadFile(v.path)
	if err != nil {
		return fmt.Errorf("reading vault: %w", err)
	}
	var data vaultFile
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parsing vault: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(data.Salt)
	if err != nil {
		return fmt.Errorf("decoding salt: %w", err)
	}
	if data.Entries == nil {
		data.Entries = make(map[string]sealed)
	}

	key := deriveKey(password, salt)
	if check, ok := data.Entries[verifyEntry]; ok {
		if _, err := open(key, check); err != nil {
			return ErrWrongPassword
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.key = key
	v.data = &data
	return nil
}

// Lock zeroes and drops the derived key.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.key {
		v.key[i] = 0
	}
	v.key = nil
}

// Set encrypts and stores value under name.
func (v *Vault) Set(name, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return ErrVaultLocked
	}
	entry, err := seal(v.key, []byte(value))
	if err != nil {
		return fmt.Errorf("encrypting %s: %w", name, err)
	}
	v.data.Entries[name] = entry
	return v.saveLocked()
}

// Get decrypts the secret stored under name.
func (v *Vault) Get(name string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.key == nil {
		return "", ErrVaultLocked
	}
	entry, ok := v.data.Entries[name]
	if !ok || name == verifyEntry {
		return "", ErrNotFound
	}
	plain, err := open(v.key, entry)
	if err != nil {
		return "", fmt.Errorf("decrypting %s: %w", name, err)
	}
	return string(plain), nil
}

func (v *Vault) Has(name string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.key == nil || name == verifyEntry {
		return false
	}
	_, ok := v.data.Entries[name]
	return ok
}

func (v *Vault) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return ErrVaultLocked
	}
	if _, ok := v.data.Entries[name]; !ok || name == verifyEntry {
		return nil
	}
	delete(v.data.Entries, name)
	return v.saveLocked()
}

// Keys lists the stored secret names, sorted.
func (v *Vault) Keys() ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.key == nil {
		return nil, ErrVaultLocked
	}
	keys := make([]string, 0, len(v.data.Entries))
	for k := range v.data.Entries {
		if k != verifyEntry {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// saveLocked writes the vault atomically. Caller holds v.mu.
func (v *Vault) saveLocked() error {
	raw, err := json.MarshalIndent(v.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling vault: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return fmt.Errorf("creating vault dir: %w", err)
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("writing vault: %w", err)
	}
	if err := os.Rename(tmp, v.path); err != nil {
		return fmt.Errorf("replacing vault: %w", err)
	}
	return nil
}

// UnlockFromEnv unlocks v with CLAWGATE_VAULT_PASSWORD, creating the vault
// on first use. It returns ErrVaultLocked when the variable is unset.
func UnlockFromEnv(v *Vault) error {
	password := os.Getenv(VaultPasswordEnv)
	if password == "" {
		return ErrVaultLocked
	}
	if _, err := os.Stat(v.path); errors.Is(err, fs.ErrNotExist) {
		return v.Create(password)
	}
	return v.Unlock(password)
}

func deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

func seal(key, plaintext []byte) (sealed, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return sealed{}, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return sealed{}, err
	}
	return sealed{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, plaintext, nil)),
	}, nil
}

func open(key []byte, s sealed) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(s.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(s.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, errors.New("bad nonce size")
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
