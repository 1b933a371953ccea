package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// CipherSuite names the symmetric AEAD used for message payloads.
type CipherSuite string

const (
	SuiteAES256GCM         CipherSuite = "AES-256-GCM"
	SuiteXChaCha20Poly1305 CipherSuite = "XChaCha20-Poly1305"
)

// SymmetricKeySize is the size of every epoch key.
const SymmetricKeySize = 32

// ParseCipherSuite resolves a suite name, case-insensitively.
func ParseCipherSuite(name string) (CipherSuite, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", "AES-256-GCM", "AES256GCM":
		return SuiteAES256GCM, nil
	case "XCHACHA20-POLY1305", "XCHACHA20POLY1305":
		return SuiteXChaCha20Poly1305, nil
	default:
		return "", fmt.Errorf("%w: cipher suite %q", ErrUnsupportedAlgorithm, name)
	}
}

// MessageCipher seals payloads under an epoch key. Output is nonce || ciphertext.
type MessageCipher interface {
	Suite() CipherSuite
	Seal(key, plaintext, additionalData []byte, entropy EntropySource) ([]byte, error)
	Open(key, sealed, additionalData []byte) ([]byte, error)
	Overhead() int
}

// NewMessageCipher returns the cipher for a suite.
func NewMessageCipher(suite CipherSuite) (MessageCipher, error) {
	switch suite {
	case SuiteAES256GCM:
		return aeadCipher{suite: suite, nonceSize: 12, newAEAD: newGCM}, nil
	case SuiteXChaCha20Poly1305:
		return aeadCipher{suite: suite, nonceSize: chacha20poly1305.NonceSizeX, newAEAD: chacha20poly1305.NewX}, nil
	default:
		return nil, fmt.Errorf("%w: cipher suite %q", ErrUnsupportedAlgorithm, suite)
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

type aeadCipher struct {
	suite     CipherSuite
	nonceSize int
	newAEAD   func(key []byte) (cipher.AEAD, error)
}

func (c aeadCipher) Suite() CipherSuite { return c.suite }

func (c aeadCipher) Overhead() int { return c.nonceSize + 16 }

func (c aeadCipher) Seal(key, plaintext, additionalData []byte, entropy EntropySource) ([]byte, error) {
	if len(key) != SymmetricKeySize {
		return nil, fmt.Errorf("%w: %d byte key", ErrInvalidKeySize, len(key))
	}
	aead, err := c.newAEAD(key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.suite, err)
	}
	nonce, err := RandomBytes(entropy, c.nonceSize)
	if err != nil {
		return nil, err
	}
	out := make([]byte, c.nonceSize, c.nonceSize+len(plaintext)+aead.Overhead())
	copy(out, nonce)
	return aead.Seal(out, nonce, plaintext, additionalData), nil
}

func (c aeadCipher) Open(key, sealed, additionalData []byte) ([]byte, error) {
	if len(key) != SymmetricKeySize {
		return nil, fmt.Errorf("%w: %d byte key", ErrInvalidKeySize, len(key))
	}
	if len(sealed) < c.Overhead() {
		return nil, fmt.Errorf("%w: sealed payload is %d bytes", ErrInvalidCiphertext, len(sealed))
	}
	aead, err := c.newAEAD(key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.suite, err)
	}
	pt, err := aead.Open(nil, sealed[:c.nonceSize], sealed[c.nonceSize:], additionalData)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return pt, nil
}
