package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"github.com/flynn/noise"
)

const (
	wrapInfo     = "keyratchet:wrap:v1"
	keyCheckInfo = "keyratchet:keycheck:v1"
	// KeyCheckSize is the length of a key-check value.
	KeyCheckSize = 16
)

// WrapKey encapsulates to a recipient public key and seals the symmetric key
// under a DEM key derived from the fresh shared secret. The envelope is
// u32 len(kem) || kem ciphertext || sealed key.
//
// Every call encapsulates anew, so the DEM key is single-use and a zero
// nonce is safe.
func (p *Provider) WrapKey(alg Algorithm, public, key, additionalData []byte) ([]byte, error) {
	if len(key) != SymmetricKeySize {
		return nil, fmt.Errorf("%w: %d byte key", ErrInvalidKeySize, len(key))
	}
	kemCt, shared, err := p.Encapsulate(public, alg)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(shared)

	c, err := demCipher(shared)
	if err != nil {
		return nil, err
	}
	sealed := c.Encrypt(nil, 0, additionalData, key)
	return joinParts(kemCt, sealed), nil
}

// UnwrapKey reverses WrapKey. Every failure past envelope parsing collapses
// to ErrDecryptionFailed.
func (p *Provider) UnwrapKey(alg Algorithm, private, envelope, additionalData []byte) ([]byte, error) {
	kemCt, sealed, err := splitParts(envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	shared, err := p.Decapsulate(kemCt, private, alg)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(shared)

	c, err := demCipher(shared)
	if err != nil {
		return nil, err
	}
	key, err := c.Decrypt(nil, 0, additionalData, sealed)
	if err != nil || len(key) != SymmetricKeySize {
		return nil, ErrDecryptionFailed
	}
	return key, nil
}

func demCipher(shared []byte) (noise.Cipher, error) {
	demKey, err := DeriveKey(shared, nil, []byte(wrapInfo), 32)
	if err != nil {
		return nil, err
	}
	var k [32]byte
	copy(k[:], demKey)
	ZeroBytes(demKey)
	return noise.CipherChaChaPoly.Cipher(k), nil
}

// KeyCheck computes a short MAC that confirms a recovered key belongs to the
// context it was issued for without revealing the key.
func KeyCheck(key []byte, context string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(keyCheckInfo))
	mac.Write([]byte(context))
	return mac.Sum(nil)[:KeyCheckSize]
}

// VerifyKeyCheck compares in constant time.
func VerifyKeyCheck(key []byte, context string, check []byte) bool {
	return ConstantTimeEqual(KeyCheck(key, context), check)
}
