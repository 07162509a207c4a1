// Package vault provides authenticated symmetric encryption for the
// credential blob the Connection Manager persists across restarts. A
// fresh salt and nonce are drawn on every call, so two encryptions of
// the same plaintext never produce the same ciphertext.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	saltLen = 16
	keyLen  = 32 // 256-bit key
	// chacha20poly1305.NonceSize is 12 bytes (96-bit nonce); its Overhead
	// is 16 bytes (128-bit authentication tag), which Seal appends to the
	// ciphertext and Encrypt splits out into its own wire field.

	// argon2id parameters. Tuned for an interactive unlock (single vault
	// read on process startup, not a hot path).
	kdfTime    = 1
	kdfMemory  = 64 * 1024 // KiB
	kdfThreads = 4

	sep = ":"
)

// ErrDecryptionFailed is returned when the key is wrong, the ciphertext
// was tampered with, or the on-wire form is malformed/truncated.
var ErrDecryptionFailed = errors.New("vault: decryption failed")

// Encrypt authenticates and encrypts plain under masterKey, returning the
// on-wire form "salt:nonce:tag:ciphertext" with each field base64
// (RawStdEncoding). masterKey is the operator-supplied passphrase; the
// actual AEAD key is derived from it with argon2id and a fresh salt.
func Encrypt(plain []byte, masterKey []byte) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("vault: read salt: %w", err)
	}

	key := deriveKey(masterKey, salt)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", fmt.Errorf("vault: new aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: read nonce: %w", err)
	}

	// Seal appends the 16-byte authentication tag to the end of the
	// returned slice; split it out so the wire form carries it as its
	// own field (salt:nonce:tag:ciphertext), matching the documented
	// on-wire layout rather than leaving it fused to the ciphertext.
	sealed := aead.Seal(nil, nonce, plain, nil)
	tag := sealed[len(sealed)-aead.Overhead():]
	body := sealed[:len(sealed)-aead.Overhead()]

	return strings.Join([]string{
		b64(salt),
		b64(nonce),
		b64(tag),
		b64(body),
	}, sep), nil
}

// Decrypt reverses Encrypt. It returns ErrDecryptionFailed (wrapped) when
// masterKey is wrong, the tag doesn't verify, or ciphertext is malformed.
func Decrypt(ciphertext string, masterKey []byte) ([]byte, error) {
	parts := strings.Split(ciphertext, sep)
	if len(parts) != 4 {
		return nil, fmt.Errorf("%w: malformed wire format", ErrDecryptionFailed)
	}

	salt, err := unb64(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: bad salt: %v", ErrDecryptionFailed, err)
	}
	nonce, err := unb64(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: bad nonce: %v", ErrDecryptionFailed, err)
	}
	tag, err := unb64(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: bad tag: %v", ErrDecryptionFailed, err)
	}
	body, err := unb64(parts[3])
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext: %v", ErrDecryptionFailed, err)
	}
	if len(salt) != saltLen {
		return nil, fmt.Errorf("%w: wrong salt length", ErrDecryptionFailed)
	}

	key := deriveKey(masterKey, salt)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("vault: new aead: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: wrong nonce length", ErrDecryptionFailed)
	}
	if len(tag) != aead.Overhead() {
		return nil, fmt.Errorf("%w: wrong tag length", ErrDecryptionFailed)
	}

	plain, err := aead.Open(nil, nonce, append(body, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plain, nil
}

func deriveKey(masterKey, salt []byte) []byte {
	return argon2.IDKey(masterKey, salt, kdfTime, kdfMemory, kdfThreads, keyLen)
}

func b64(b []byte) string { return base64.RawStdEncoding.EncodeToString(b) }

func unb64(s string) ([]byte, error) { return base64.RawStdEncoding.DecodeString(s) }
