package auth

import (
	"encoding/base64"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/argon2"

	"github.com/uderia/uderia/internal/model"
)

func testUser() model.User {
	return model.User{
		ID:       uuid.New(),
		Username: "alice",
		Role:     model.RoleUser,
		Tier:     model.TierPromptEngineer,
		IsActive: true,
	}
}

func TestIssueAndValidateToken(t *testing.T) {
	m, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	user := testUser()
	token, exp, err := m.IssueToken(user)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID())
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, model.RoleUser, claims.Role)
	assert.Equal(t, model.TierPromptEngineer, claims.Tier)
}

func TestValidateTokenWrongKey(t *testing.T) {
	m1, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	m2, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, _, err := m1.IssueToken(testUser())
	require.NoError(t, err)

	_, err = m2.ValidateToken(token)
	require.Error(t, err)
}

func TestValidateTokenExpired(t *testing.T) {
	m, err := NewJWTManager("", "", -time.Minute)
	require.NoError(t, err)

	token, _, err := m.IssueToken(testUser())
	require.NoError(t, err)

	_, err = m.ValidateToken(token)
	require.Error(t, err)
}

func TestValidateTokenGarbage(t *testing.T) {
	m, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	_, err = m.ValidateToken("not-a-jwt")
	require.Error(t, err)
}

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := HashAPIKey("sk-test-key")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "argon2id$v=19$t=1,m=65536,p=4$"))

	ok, err := VerifyAPIKey("sk-test-key", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyAPIKey("sk-wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyAPIKeyBadFormat(t *testing.T) {
	_, err := VerifyAPIKey("key", "no-dollar-sign")
	require.Error(t, err)

	_, err = VerifyAPIKey("key", "bcrypt$v=19$t=1,m=65536,p=4$c2FsdA==$aGFzaA==")
	require.Error(t, err)
}

func TestVerifyAPIKeyUsesStoredCosts(t *testing.T) {
	// A hash written under lower cost parameters must still verify after
	// the defaults are raised.
	salt := []byte("0123456789abcdef")
	low := argon2.IDKey([]byte("sk-old-key"), salt, 1, 16*1024, 1, 32)
	encoded := fmt.Sprintf("argon2id$v=%d$t=1,m=%d,p=1$%s$%s",
		argon2.Version, 16*1024,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(low))

	ok, err := VerifyAPIKey("sk-old-key", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyAPIKey("sk-wrong", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashAPIKeyUniqueSalts(t *testing.T) {
	h1, err := HashAPIKey("same-key")
	require.NoError(t, err)
	h2, err := HashAPIKey("same-key")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
