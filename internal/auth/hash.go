package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Cost parameters for new hashes. Stored hashes carry their own parameters,
// so these can be raised without invalidating existing credentials.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// HashAPIKey hashes a Uderia API key with Argon2id. API keys are the
// long-lived credential here: clients present one at /api/v1/auth/refresh
// to mint a short-lived JWT, so the stored form must survive a database
// leak. The encoded form is
//
//	argon2id$v=19$t=1,m=65536,p=4$<salt b64>$<hash b64>
//
// with the cost parameters inline so Verify can check hashes written under
// older costs.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("argon2id$v=%d$t=%d,m=%d,p=%d$%s$%s",
		argon2.Version, argonTime, argonMemory, argonThreads,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(hash),
	), nil
}

// DummyVerify burns one Argon2id hash at the current cost parameters. The
// refresh handler calls it when the username does not resolve, so response
// timing cannot distinguish an unknown user from a wrong key.
func DummyVerify() {
	argon2.IDKey([]byte("dummy"), make([]byte, saltLen), argonTime, argonMemory, argonThreads, argonKeyLen)
}

// VerifyAPIKey checks an API key against a stored hash, using the cost
// parameters recorded in the hash itself.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 || parts[0] != "argon2id" {
		return false, fmt.Errorf("auth: invalid credential hash format")
	}

	var version int
	if _, err := fmt.Sscanf(parts[1], "v=%d", &version); err != nil {
		return false, fmt.Errorf("auth: parse hash version: %w", err)
	}
	if version != argon2.Version {
		return false, fmt.Errorf("auth: unsupported argon2 version %d", version)
	}

	var (
		timeCost uint32
		memory   uint32
		threads  uint8
	)
	if _, err := fmt.Sscanf(parts[2], "t=%d,m=%d,p=%d", &timeCost, &memory, &threads); err != nil {
		return false, fmt.Errorf("auth: parse hash parameters: %w", err)
	}

	salt, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}

	expectedHash, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("auth: decode hash: %w", err)
	}

	computedHash := argon2.IDKey([]byte(apiKey), salt, timeCost, memory, threads, uint32(len(expectedHash)))

	return subtle.ConstantTimeCompare(expectedHash, computedHash) == 1, nil
}
