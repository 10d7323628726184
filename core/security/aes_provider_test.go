package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const testKey = "0123456789abcdef"

func TestNewAESSecretProviderKeyLength(t *testing.T) {
	for _, n := range []int{16, 24, 32} {
		_, err := NewAESSecretProvider(string(make([]byte, n)))
		assert.NoError(t, err, "key length %d", n)
	}
	_, err := NewAESSecretProvider("short")
	assert.Error(t, err)
}

func TestEncryptDecrypt(t *testing.T) {
	p, err := NewAESSecretProvider(testKey)
	assert.NoError(t, err)

	a, err := p.Encrypt("tok-123")
	assert.NoError(t, err)
	b, err := p.Encrypt("tok-123")
	assert.NoError(t, err)
	assert.NotEqual(t, a, b, "nonce must differ between calls")

	plain, err := p.Decrypt(a)
	assert.NoError(t, err)
	assert.Equal(t, "tok-123", plain)
}

func TestDecryptRejectsBadInput(t *testing.T) {
	p, _ := NewAESSecretProvider(testKey)

	_, err := p.Decrypt("%%%")
	assert.Error(t, err)

	_, err = p.Decrypt("AAAA")
	assert.ErrorIs(t, err, errCiphertextTooShort)

	other, _ := NewAESSecretProvider("fedcba9876543210")
	sealed, _ := other.Encrypt("x")
	_, err = p.Decrypt(sealed)
	assert.Error(t, err)
}

func TestSealAndOpenToken(t *testing.T) {
	p, _ := NewAESSecretProvider(testKey)

	sealed, err := p.SealToken("abc")
	assert.NoError(t, err)
	assert.True(t, IsSealed(sealed))

	plain, err := p.OpenToken(sealed)
	assert.NoError(t, err)
	assert.Equal(t, "abc", plain)

	plain, err = p.OpenToken("not-sealed")
	assert.NoError(t, err)
	assert.Equal(t, "not-sealed", plain)
}
