package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
)

// pageCipher wraps stored record bytes in AES-256-GCM when an
// EncryptionKey is configured (spec.md §4.1's "at-rest encryption key,
// optional, AES over stored pages"). bbolt has no native page encryption,
// so this encrypts individual record values before Put and decrypts them
// after Get, rather than the whole mmap'd file.
type pageCipher struct {
	gcm cipher.AEAD
}

// newPageCipher derives a 256-bit key from the configured key material via
// SHA-256 (so operators may supply a passphrase of any length) and builds
// an AES-GCM AEAD.
func newPageCipher(key []byte) (*pageCipher, error) {
	sum := sha256.Sum256(key)
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &pageCipher{gcm: gcm}, nil
}

// seal encrypts plaintext, prefixing the result with a random nonce.
func (c *pageCipher) seal(plaintext []byte) []byte {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		panic(err) // crypto/rand failing is not recoverable
	}
	return c.gcm.Seal(nonce, nonce, plaintext, nil)
}

var errCipherShortInput = errors.New("store: ciphertext shorter than nonce")

// open decrypts data previously produced by seal. A mismatched key or
// corrupted ciphertext both surface as an error the caller wraps into
// errs.ErrCorrupt.
func (c *pageCipher) open(data []byte) ([]byte, error) {
	n := c.gcm.NonceSize()
	if len(data) < n {
		return nil, errCipherShortInput
	}
	nonce, ciphertext := data[:n], data[n:]
	return c.gcm.Open(nil, nonce, ciphertext, nil)
}
