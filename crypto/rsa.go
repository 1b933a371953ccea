package crypto

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
)

// rsaOAEPLabel domain-separates our OAEP ciphertexts from any other use of the key.
var rsaOAEPLabel = []byte("keyratchet/rsa-oaep/v1")

// rsaSecretSize is the size of the random secret carried inside the OAEP ciphertext.
const rsaSecretSize = 32

// rsaOAEP turns RSA-OAEP-SHA256 into a KEM by encrypting a fresh random secret.
type rsaOAEP struct {
	bits int
}

func (r *rsaOAEP) Algorithm() Algorithm { return AlgorithmRSAOAEP4096 }

func (r *rsaOAEP) GenerateKeyPair(entropy EntropySource) (*KeyPair, error) {
	key, err := rsa.GenerateKey(entropy, r.bits)
	if err != nil {
		return nil, fmt.Errorf("%w: rsa key generation: %v", ErrEntropy, err)
	}
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal rsa public key: %w", err)
	}
	priv, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal rsa private key: %w", err)
	}
	return newKeyPair(AlgorithmRSAOAEP4096, pub, priv), nil
}

func (r *rsaOAEP) Encapsulate(public []byte, entropy EntropySource) ([]byte, []byte, error) {
	pub, err := parseRSAPublicKey(public)
	if err != nil {
		return nil, nil, err
	}

	secret, err := RandomBytes(entropy, rsaSecretSize)
	if err != nil {
		return nil, nil, err
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), entropy, pub, secret, rsaOAEPLabel)
	if err != nil {
		ZeroBytes(secret)
		return nil, nil, fmt.Errorf("rsa-oaep encrypt: %w", err)
	}
	return wrapped, secret, nil
}

func (r *rsaOAEP) Decapsulate(wrapped, private []byte) ([]byte, error) {
	priv, err := parseRSAPrivateKey(private)
	if err != nil {
		return nil, err
	}
	if len(wrapped) != priv.Size() {
		return nil, fmt.Errorf("%w: rsa ciphertext is %d bytes, want %d", ErrInvalidCiphertext, len(wrapped), priv.Size())
	}

	secret, err := rsa.DecryptOAEP(sha256.New(), nil, priv, wrapped, rsaOAEPLabel)
	if err != nil || len(secret) != rsaSecretSize {
		return nil, ErrDecryptionFailed
	}
	return secret, nil
}

func parseRSAPublicKey(der []byte) (*rsa.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an rsa key", ErrInvalidPublicKey)
	}
	if pub.N.BitLen() < MinRSABits {
		return nil, fmt.Errorf("%w: rsa modulus %d bits", ErrInvalidPublicKey, pub.N.BitLen())
	}
	return pub, nil
}

func parseRSAPrivateKey(der []byte) (*rsa.PrivateKey, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an rsa key", ErrInvalidPrivateKey)
	}
	return priv, nil
}
