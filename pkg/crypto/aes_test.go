package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAESCrypto_KeySizes(t *testing.T) {
	for _, size := range []int{16, 24, 32} {
		_, err := NewAESCrypto([]byte(strings.Repeat("k", size)))
		assert.NoError(t, err, "key size %d should be accepted", size)
	}

	_, err := NewAESCrypto([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}

func TestEncryptDecrypt(t *testing.T) {
	c, err := NewAESCrypto([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)

	plaintext := "user remembered: prefers concise answers"
	ciphertext, err := c.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := c.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncrypt_EmptyString(t *testing.T) {
	c, err := NewAESCrypto([]byte(strings.Repeat("k", 16)))
	require.NoError(t, err)

	ciphertext, err := c.Encrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", ciphertext)

	plaintext, err := c.Decrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", plaintext)
}

func TestEncrypt_NonceUniqueness(t *testing.T) {
	c, err := NewAESCrypto([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)

	a, err := c.Encrypt("same content")
	require.NoError(t, err)
	b, err := c.Encrypt("same content")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "same plaintext must not produce the same ciphertext")
}

func TestDecrypt_Tampered(t *testing.T) {
	c, err := NewAESCrypto([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)

	ciphertext, err := c.Encrypt("content")
	require.NoError(t, err)

	// Flip a character in the base64 payload
	tampered := []byte(ciphertext)
	if tampered[10] == 'A' {
		tampered[10] = 'B'
	} else {
		tampered[10] = 'A'
	}

	_, err = c.Decrypt(string(tampered))
	assert.Error(t, err)
}

func TestDecrypt_Malformed(t *testing.T) {
	c, err := NewAESCrypto([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)

	_, err = c.Decrypt("not base64!!!")
	assert.Error(t, err)

	_, err = c.Decrypt("c2hvcnQ=") // valid base64, shorter than a nonce
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestDecrypt_WrongKey(t *testing.T) {
	c1, err := NewAESCrypto([]byte(strings.Repeat("a", 32)))
	require.NoError(t, err)
	c2, err := NewAESCrypto([]byte(strings.Repeat("b", 32)))
	require.NoError(t, err)

	ciphertext, err := c1.Encrypt("content")
	require.NoError(t, err)

	_, err = c2.Decrypt(ciphertext)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}
