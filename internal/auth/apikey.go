// Package auth validates Bearer API keys for the hub broadcast
// endpoints and the MCP endpoint. Keys are configured as bcrypt hashes;
// the plaintext key never appears in configuration.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const (
	// APIKeyPrefix marks keys generated by GenerateKey.
	APIKeyPrefix = "fs_"

	// apiKeyBytes is the random length of a generated key.
	apiKeyBytes = 32
)

// APIKey is a configured key: the owning user and the bcrypt hash of
// the key.
type APIKey struct {
	UserID string
	Hash   string
}

// Keyring validates presented keys against the configured hashes.
// bcrypt is slow by construction, so successful validations are cached
// by the SHA-256 of the presented key.
type Keyring struct {
	keys []APIKey

	mu       sync.Mutex
	verified map[string]string // sha256(key) -> user
}

// NewKeyring creates a keyring from configured keys.
func NewKeyring(keys []APIKey) *Keyring {
	return &Keyring{
		keys:     keys,
		verified: make(map[string]string),
	}
}

// Len returns the number of configured keys.
func (k *Keyring) Len() int {
	return len(k.keys)
}

// Validate returns the user owning key, or false if no hash matches.
func (k *Keyring) Validate(key string) (string, bool) {
	if key == "" {
		return "", false
	}

	digest := keyDigest(key)

	k.mu.Lock()
	user, ok := k.verified[digest]
	k.mu.Unlock()

	if ok {
		return user, true
	}

	for _, ak := range k.keys {
		if bcrypt.CompareHashAndPassword([]byte(ak.Hash), []byte(key)) == nil {
			k.mu.Lock()
			k.verified[digest] = ak.UserID
			k.mu.Unlock()

			return ak.UserID, true
		}
	}

	return "", false
}

func keyDigest(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// HashKey returns the bcrypt hash of key for use in configuration.
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing key: %w", err)
	}

	return string(hash), nil
}

// GenerateKey returns a new random API key with the fs_ prefix.
func GenerateKey() string {
	b := make([]byte, apiKeyBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return APIKeyPrefix + hex.EncodeToString(b)
}
