// Package license derives prompt-encryption keys from the shipped license
// material and gates decrypted-prompt access by license tier.
//
// Two keys exist. The bootstrap key is derived from the public key file
// shipped with every install; it decrypts the factory prompt set on first
// boot. The tier key is derived from the install's license signature plus
// its tier string, so prompts re-encrypted under it only open on installs
// holding the same license.
package license

import (
	"crypto/sha256"
	"fmt"
	"os"

	"golang.org/x/crypto/pbkdf2"

	"github.com/uderia/uderia/internal/model"
)

const (
	kdfIterations = 100_000
	keyLen        = 32
)

// Fixed KDF salts. These are not secrets; the derived keys gate on the
// license material, not the salt. Changing either orphans every prompt
// encrypted under the old value.
var (
	bootstrapSalt = []byte("uderia-prompt-bootstrap-v1")
	tierSalt      = []byte("uderia-prompt-tier-v1")
)

// CanAccessPrompts reports whether a tier may read decrypted prompt bodies.
// The allow-list is exact; unknown tiers are denied.
func CanAccessPrompts(tier model.LicenseTier) bool {
	switch tier {
	case model.TierPromptEngineer, model.TierEnterprise:
		return true
	default:
		return false
	}
}

// DeriveBootstrapKey derives the factory prompt key from the shipped public
// key file.
func DeriveBootstrapKey(publicKeyPath string) ([]byte, error) {
	raw, err := os.ReadFile(publicKeyPath) //nolint:gosec // path comes from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("license: read public key: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("license: public key file %s is empty", publicKeyPath)
	}
	return pbkdf2.Key(raw, bootstrapSalt, kdfIterations, keyLen, sha256.New), nil
}

// DeriveTierKey derives the install-specific prompt key from the license
// signature and tier.
func DeriveTierKey(signature string, tier model.LicenseTier) ([]byte, error) {
	if signature == "" {
		return nil, fmt.Errorf("license: signature is empty")
	}
	if tier == "" {
		return nil, fmt.Errorf("license: tier is empty")
	}
	material := []byte(signature + ":" + string(tier))
	return pbkdf2.Key(material, tierSalt, kdfIterations, keyLen, sha256.New), nil
}
