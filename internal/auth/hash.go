package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16

	apiKeyPrefix  = "lq_"
	apiKeyRandLen = 32
)

// derive runs Argon2id with the fixed cost parameters above.
func derive(apiKey string, salt []byte) []byte {
	return argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// GenerateAPIKey returns a new random API key with the "lq_" prefix.
// The plaintext is shown to the caller exactly once; only the hash is stored.
func GenerateAPIKey() (string, error) {
	raw := make([]byte, apiKeyRandLen)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: generate api key: %w", err)
	}
	return apiKeyPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashAPIKey hashes an API key with Argon2id under a fresh random salt,
// returning "<salt>$<hash>" in base64.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	hash := derive(apiKey, salt)
	return base64.StdEncoding.EncodeToString(salt) + "$" + base64.StdEncoding.EncodeToString(hash), nil
}

// VerifyAPIKey checks an API key against a stored "<salt>$<hash>" value.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	salt, want, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	got := derive(apiKey, salt)
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

// DummyVerify burns one Argon2id derivation with the real cost parameters.
// Call it on auth failure paths where no stored hash was checked, so that
// response timing does not reveal whether a client_id exists.
func DummyVerify() {
	derive("dummy", make([]byte, saltLen))
}

func decodeHash(encoded string) (salt, hash []byte, err error) {
	parts := strings.SplitN(encoded, "$", 2)
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("auth: invalid hash format")
	}
	if salt, err = base64.StdEncoding.DecodeString(parts[0]); err != nil {
		return nil, nil, fmt.Errorf("auth: decode salt: %w", err)
	}
	if hash, err = base64.StdEncoding.DecodeString(parts[1]); err != nil {
		return nil, nil, fmt.Errorf("auth: decode hash: %w", err)
	}
	return salt, hash, nil
}
