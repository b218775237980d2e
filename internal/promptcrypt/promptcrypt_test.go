package promptcrypt

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey(0x42)

	for _, plaintext := range []string{
		"",
		"You are a helpful data assistant.",
		`{"role": "system", "content": "structured prompt"}`,
		string(bytes.Repeat([]byte("long "), 10000)),
	} {
		token, err := Encrypt(plaintext, key)
		require.NoError(t, err)
		if len(plaintext) >= 8 {
			assert.NotContains(t, token, plaintext[:8])
		}

		got, err := Decrypt(token, key)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestEncryptNondeterministic(t *testing.T) {
	key := testKey(0x01)
	t1, err := Encrypt("same body", key)
	require.NoError(t, err)
	t2, err := Encrypt("same body", key)
	require.NoError(t, err)
	assert.NotEqual(t, t1, t2)
}

func TestDecryptWrongKey(t *testing.T) {
	token, err := Encrypt("secret prompt", testKey(0x11))
	require.NoError(t, err)

	_, err = Decrypt(token, testKey(0x22))
	require.Error(t, err)
}

func TestDecryptTampered(t *testing.T) {
	key := testKey(0x33)
	token, err := Encrypt("secret prompt", key)
	require.NoError(t, err)

	raw, err := base64.URLEncoding.DecodeString(token)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	tampered := base64.URLEncoding.EncodeToString(raw)

	_, err = Decrypt(tampered, key)
	require.Error(t, err)
}

func TestDecryptMalformed(t *testing.T) {
	key := testKey(0x44)

	_, err := Decrypt("not base64 !!!", key)
	require.Error(t, err)

	_, err = Decrypt(base64.URLEncoding.EncodeToString([]byte{0x01, 0x02}), key)
	require.Error(t, err)

	// Unknown version byte.
	good, err := Encrypt("x", key)
	require.NoError(t, err)
	raw, err := base64.URLEncoding.DecodeString(good)
	require.NoError(t, err)
	raw[0] = 0x7F
	_, err = Decrypt(base64.URLEncoding.EncodeToString(raw), key)
	require.Error(t, err)
}

func TestBadKeyLength(t *testing.T) {
	_, err := Encrypt("x", []byte("short"))
	require.Error(t, err)
	_, err = Decrypt("anything", []byte("short"))
	require.Error(t, err)
}
