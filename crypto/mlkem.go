package crypto

import (
	"fmt"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem1024"
	"github.com/cloudflare/circl/kem/mlkem/mlkem512"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
)

// circlMLKEM wraps a circl kem.Scheme. Key generation and encapsulation are
// driven through the deterministic entry points so the configured entropy
// source is the only randomness involved.
type circlMLKEM struct {
	alg    Algorithm
	scheme kem.Scheme
}

func newCIRCLMLKEM(alg Algorithm) *circlMLKEM {
	var scheme kem.Scheme
	switch alg {
	case AlgorithmMLKEM512:
		scheme = mlkem512.Scheme()
	case AlgorithmMLKEM768:
		scheme = mlkem768.Scheme()
	case AlgorithmMLKEM1024:
		scheme = mlkem1024.Scheme()
	default:
		panic("crypto: no circl scheme for " + string(alg))
	}
	return &circlMLKEM{alg: alg, scheme: scheme}
}

func (m *circlMLKEM) Algorithm() Algorithm { return m.alg }

func (m *circlMLKEM) GenerateKeyPair(entropy EntropySource) (*KeyPair, error) {
	seed, err := RandomBytes(entropy, m.scheme.SeedSize())
	if err != nil {
		return nil, err
	}
	pub, priv := m.scheme.DeriveKeyPair(seed)
	ZeroBytes(seed)

	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal %s public key: %w", m.alg, err)
	}
	privBytes, err := priv.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal %s private key: %w", m.alg, err)
	}
	return newKeyPair(m.alg, pubBytes, privBytes), nil
}

func (m *circlMLKEM) Encapsulate(public []byte, entropy EntropySource) ([]byte, []byte, error) {
	if len(public) != m.scheme.PublicKeySize() {
		return nil, nil, fmt.Errorf("%w: %s public key is %d bytes, want %d",
			ErrInvalidPublicKey, m.alg, len(public), m.scheme.PublicKeySize())
	}
	pk, err := m.scheme.UnmarshalBinaryPublicKey(public)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	seed, err := RandomBytes(entropy, m.scheme.EncapsulationSeedSize())
	if err != nil {
		return nil, nil, err
	}
	defer ZeroBytes(seed)

	ct, ss, err := m.scheme.EncapsulateDeterministically(pk, seed)
	if err != nil {
		return nil, nil, fmt.Errorf("%s encapsulate: %w", m.alg, err)
	}
	return ct, ss, nil
}

func (m *circlMLKEM) Decapsulate(wrapped, private []byte) ([]byte, error) {
	if len(private) != m.scheme.PrivateKeySize() {
		return nil, fmt.Errorf("%w: %s private key is %d bytes", ErrInvalidPrivateKey, m.alg, len(private))
	}
	if len(wrapped) != m.scheme.CiphertextSize() {
		return nil, fmt.Errorf("%w: %s ciphertext is %d bytes, want %d",
			ErrInvalidCiphertext, m.alg, len(wrapped), m.scheme.CiphertextSize())
	}
	sk, err := m.scheme.UnmarshalBinaryPrivateKey(private)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	// ML-KEM uses implicit rejection: a wrong key yields a pseudorandom secret
	// and the failure surfaces when the wrapped payload is opened.
	ss, err := m.scheme.Decapsulate(sk, wrapped)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return ss, nil
}
