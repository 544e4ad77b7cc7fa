// genkey generates the credentials a VERITAS server needs: an Ed25519 key
// pair for JWT signing and an API key entry for the keychain file.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go [-role agent|admin] [-dir data]
//
// Writes:
//
//	data/jwt_private.pem  (mode 0600, keep this secret; created once)
//	data/jwt_public.pem   (mode 0600; created once)
//	data/api_keys.json    (one entry appended per run)
//
// The full API key is printed once as "<key_id>.<secret>" and never stored;
// only its Argon2id hash lands in the key file. Point the server at these
// files with VERITAS_JWT_PRIVATE_KEY_PATH, VERITAS_JWT_PUBLIC_KEY_PATH, and
// VERITAS_API_KEYS_PATH.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ashita-ai/veritas/internal/auth"
	"github.com/ashita-ai/veritas/internal/model"
)

const keysFile = "api_keys.json"

func main() {
	role := flag.String("role", "agent", "role for the new key (agent or admin)")
	dir := flag.String("dir", "data", "output directory")
	flag.Parse()

	if err := run(*dir, model.Role(*role)); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(dir string, role model.Role) error {
	if !role.Valid() {
		return fmt.Errorf("unknown role %q (want agent or admin)", role)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	privPath := filepath.Join(dir, "jwt_private.pem")
	pubPath := filepath.Join(dir, "jwt_public.pem")
	if err := ensureKeyPair(privPath, pubPath); err != nil {
		return err
	}

	keysPath := filepath.Join(dir, keysFile)
	keyID, composite, err := mintAPIKey(keysPath, role)
	if err != nil {
		return err
	}
	fmt.Printf("added %s key %s to %s\n", role, keyID, keysPath)
	fmt.Printf("\nAPI key (shown once, only the hash is stored):\n\n  %s\n\n", composite)
	fmt.Printf("Export VERITAS_API_KEYS_PATH=%s and restart the server to pick it up.\n", keysPath)
	return nil
}

// ensureKeyPair generates the JWT signing pair on first run and keeps an
// existing pair untouched, so minting more API keys never invalidates live
// tokens. A half-present pair is an error: regenerating one side would
// silently break verification.
func ensureKeyPair(privPath, pubPath string) error {
	_, privErr := os.Stat(privPath)
	_, pubErr := os.Stat(pubPath)
	switch {
	case privErr == nil && pubErr == nil:
		fmt.Printf("keeping existing %s and %s\n", privPath, pubPath)
		return nil
	case privErr == nil || pubErr == nil:
		return fmt.Errorf("found half a key pair; delete %s and %s to rotate", privPath, pubPath)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	if err := writePEM(privPath, "PRIVATE KEY", privDER); err != nil {
		return err
	}

	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	if err := writePEM(pubPath, "PUBLIC KEY", pubDER); err != nil {
		return err
	}

	fmt.Printf("wrote %s\n", privPath)
	fmt.Printf("wrote %s\n", pubPath)
	return nil
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600) //nolint:gosec // operator-chosen output path
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// mintAPIKey appends a fresh key entry to the keychain file and returns the
// key id plus the full "<key_id>.<secret>" composite. The secret is
// base64url, so the first dot always splits id from secret.
func mintAPIKey(path string, role model.Role) (keyID, composite string, err error) {
	var keys []auth.Key
	data, err := os.ReadFile(path) //nolint:gosec // operator-chosen output path
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &keys); err != nil {
			return "", "", fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// First key; start a new file.
	default:
		return "", "", fmt.Errorf("read %s: %w", path, err)
	}

	keyID, err = newKeyID(keys)
	if err != nil {
		return "", "", err
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)

	hash, err := auth.HashAPIKey(secret)
	if err != nil {
		return "", "", err
	}

	keys = append(keys, auth.Key{KeyID: keyID, Role: role, Hash: hash})
	out, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("encode key file: %w", err)
	}
	if err := os.WriteFile(path, append(out, '\n'), 0o600); err != nil {
		return "", "", fmt.Errorf("write %s: %w", path, err)
	}

	return keyID, keyID + "." + secret, nil
}

func newKeyID(existing []auth.Key) (string, error) {
	taken := make(map[string]bool, len(existing))
	for _, k := range existing {
		taken[k.KeyID] = true
	}
	for {
		raw := make([]byte, 4)
		if _, err := rand.Read(raw); err != nil {
			return "", fmt.Errorf("generate key id: %w", err)
		}
		id := "vk_" + hex.EncodeToString(raw)
		if !taken[id] {
			return id, nil
		}
	}
}
