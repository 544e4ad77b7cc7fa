package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/ashita-ai/veritas/internal/model"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// Key is one entry in the API key file written by scripts/genkey.
type Key struct {
	KeyID string     `json:"key_id"`
	Role  model.Role `json:"role"`
	Hash  string     `json:"hash"` // Argon2id, "base64(salt)$base64(hash)"
}

// Keychain verifies presented API keys against the hashed key file.
// The file is read once at startup; rotating keys means restarting or
// issuing short-lived JWTs from the new file.
type Keychain struct {
	keys map[string]Key
}

// LoadKeychain reads the key file. An empty path yields an empty chain
// where every verification fails after a dummy hash, which keeps the
// server bootable before any key has been generated.
func LoadKeychain(path string, logger *slog.Logger) (*Keychain, error) {
	kc := &Keychain{keys: make(map[string]Key)}
	if path == "" {
		logger.Warn("auth: no API key file configured, all key auth will fail")
		return kc, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path comes from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("auth: read key file: %w", err)
	}
	var keys []Key
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("auth: parse key file: %w", err)
	}

	for i, k := range keys {
		if k.KeyID == "" {
			return nil, fmt.Errorf("auth: key file entry %d: key_id is required", i)
		}
		if !k.Role.Valid() {
			return nil, fmt.Errorf("auth: key file entry %d: unknown role %q", i, k.Role)
		}
		if !strings.Contains(k.Hash, "$") {
			return nil, fmt.Errorf("auth: key file entry %d: malformed hash", i)
		}
		if _, dup := kc.keys[k.KeyID]; dup {
			return nil, fmt.Errorf("auth: key file entry %d: duplicate key_id %q", i, k.KeyID)
		}
		kc.keys[k.KeyID] = k
	}

	logger.Info("auth: keychain loaded", "keys", len(kc.keys))
	return kc, nil
}

// Verify checks a presented API key. Unknown key ids burn the same hash
// cost as real verification so response timing does not reveal whether a
// key id exists.
func (kc *Keychain) Verify(keyID, apiKey string) (Key, bool) {
	key, ok := kc.keys[keyID]
	if !ok {
		DummyVerify()
		return Key{}, false
	}
	valid, err := VerifyAPIKey(apiKey, key.Hash)
	if err != nil || !valid {
		return Key{}, false
	}
	return key, true
}

// Len returns the number of loaded keys.
func (kc *Keychain) Len() int {
	return len(kc.keys)
}

func argonIDKey(key, salt []byte) []byte {
	return argon2.IDKey(key, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// HashAPIKey hashes an API key using Argon2id.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}

	hash := argonIDKey([]byte(apiKey), salt)

	encoded := fmt.Sprintf("%s$%s",
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(hash),
	)
	return encoded, nil
}

// DummyVerify performs an Argon2id hash with the same cost parameters as real
// verification. Call this on auth failure paths where no real hash was checked,
// so that response timing does not reveal whether a key id exists.
func DummyVerify() {
	argonIDKey([]byte("dummy"), make([]byte, saltLen))
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

	computedHash := argonIDKey([]byte(apiKey), salt)

	return subtle.ConstantTimeCompare(expectedHash, computedHash) == 1, nil
}
