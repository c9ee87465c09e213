package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/ashita-ai/yakuin/internal/model"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// HashAPIKey hashes an API key using Argon2id.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	encoded := fmt.Sprintf("%s$%s",
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(hash),
	)
	return encoded, nil
}

// DummyVerify performs an Argon2id hash with the same cost parameters as real
// verification. Call this on auth failure paths where no real hash was checked,
// so that response timing does not reveal whether any key is configured.
func DummyVerify() {
	argon2.IDKey([]byte("dummy"), make([]byte, saltLen), argonTime, argonMemory, argonThreads, argonKeyLen)
}

// VerifyAPIKey checks an API key against an Argon2id hash.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	parts := strings.SplitN(encoded, "$", 2)
	if len(parts) != 2 {
		return false, fmt.Errorf("auth: invalid hash format")
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}

	expectedHash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false, fmt.Errorf("auth: decode hash: %w", err)
	}

	computedHash := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return subtle.ConstantTimeCompare(expectedHash, computedHash) == 1, nil
}

type keyEntry struct {
	role model.AgentRole
	hash string
}

// KeyRing maps configured API keys to roles. Only Argon2id hashes of the
// keys are retained.
type KeyRing struct {
	entries []keyEntry
}

// NewKeyRing hashes each non-empty key. Roles are checked highest first so a
// key configured for two roles authenticates as the stronger one.
func NewKeyRing(keys map[model.AgentRole]string) (*KeyRing, error) {
	kr := &KeyRing{}
	for _, role := range []model.AgentRole{model.RoleAdmin, model.RoleOperator, model.RoleReader} {
		key := keys[role]
		if key == "" {
			continue
		}
		h, err := HashAPIKey(key)
		if err != nil {
			return nil, err
		}
		kr.entries = append(kr.entries, keyEntry{role: role, hash: h})
	}
	return kr, nil
}

// Len reports how many keys are configured.
func (kr *KeyRing) Len() int { return len(kr.entries) }

// Authenticate returns the role of apiKey. Every configured hash is checked
// so timing does not reveal which role matched.
func (kr *KeyRing) Authenticate(apiKey string) (model.AgentRole, bool) {
	if apiKey == "" || len(kr.entries) == 0 {
		DummyVerify()
		return "", false
	}
	var matched model.AgentRole
	for _, e := range kr.entries {
		ok, err := VerifyAPIKey(apiKey, e.hash)
		if err == nil && ok && matched == "" {
			matched = e.role
		}
	}
	return matched, matched != ""
}
