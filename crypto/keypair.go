package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// KeyPair is an asymmetric credential for one KEM algorithm.
//
// Private is an opaque handle: its encoding depends on the algorithm and the
// provider backend, and it is only ever handed back to Decapsulate.
type KeyPair struct {
	Algorithm   Algorithm
	Public      []byte
	Private     []byte
	Fingerprint string
}

// Fingerprint returns the hex SHA-256 digest of an algorithm-tagged public key.
func Fingerprint(alg Algorithm, public []byte) string {
	h := sha256.New()
	h.Write([]byte(alg))
	h.Write([]byte{0})
	h.Write(public)
	return hex.EncodeToString(h.Sum(nil))
}

func newKeyPair(alg Algorithm, public, private []byte) *KeyPair {
	return &KeyPair{
		Algorithm:   alg,
		Public:      public,
		Private:     private,
		Fingerprint: Fingerprint(alg, public),
	}
}

// PublicOnly returns a copy of the key pair without the private handle.
func (kp *KeyPair) PublicOnly() *KeyPair {
	return &KeyPair{
		Algorithm:   kp.Algorithm,
		Public:      append([]byte(nil), kp.Public...),
		Fingerprint: kp.Fingerprint,
	}
}

// Clone returns a deep copy of the key pair.
func (kp *KeyPair) Clone() *KeyPair {
	return &KeyPair{
		Algorithm:   kp.Algorithm,
		Public:      append([]byte(nil), kp.Public...),
		Private:     append([]byte(nil), kp.Private...),
		Fingerprint: kp.Fingerprint,
	}
}

// EntropySource supplies cryptographically secure random bytes.
type EntropySource = io.Reader

// DefaultEntropy returns the operating system CSPRNG.
func DefaultEntropy() EntropySource {
	return rand.Reader
}

// RandomBytes reads n bytes from the entropy source.
func RandomBytes(entropy EntropySource, n int) ([]byte, error) {
	if entropy == nil {
		entropy = rand.Reader
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(entropy, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEntropy, err)
	}
	return buf, nil
}
