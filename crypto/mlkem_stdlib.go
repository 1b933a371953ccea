package crypto

import (
	"crypto/mlkem"
	"fmt"
)

// stdlibMLKEM adapts Go's crypto/mlkem. The private handle is the 64-byte
// seed form; keys are expanded on every use. Encapsulation randomness comes
// from the standard library, not from the configured entropy source.
type stdlibMLKEM struct {
	alg            Algorithm
	publicKeySize  int
	ciphertextSize int
	fromSeed       func(seed []byte) (public []byte, err error)
	encapsulate    func(public []byte) (shared, ct []byte, err error)
	decapsulate    func(seed, ct []byte) ([]byte, error)
}

func newStdlibMLKEM768() *stdlibMLKEM {
	return &stdlibMLKEM{
		alg:            AlgorithmMLKEM768,
		publicKeySize:  mlkem.EncapsulationKeySize768,
		ciphertextSize: mlkem.CiphertextSize768,
		fromSeed: func(seed []byte) ([]byte, error) {
			dk, err := mlkem.NewDecapsulationKey768(seed)
			if err != nil {
				return nil, err
			}
			return dk.EncapsulationKey().Bytes(), nil
		},
		encapsulate: func(public []byte) ([]byte, []byte, error) {
			ek, err := mlkem.NewEncapsulationKey768(public)
			if err != nil {
				return nil, nil, err
			}
			shared, ct := ek.Encapsulate()
			return shared, ct, nil
		},
		decapsulate: func(seed, ct []byte) ([]byte, error) {
			dk, err := mlkem.NewDecapsulationKey768(seed)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
			}
			return dk.Decapsulate(ct)
		},
	}
}

func newStdlibMLKEM1024() *stdlibMLKEM {
	return &stdlibMLKEM{
		alg:            AlgorithmMLKEM1024,
		publicKeySize:  mlkem.EncapsulationKeySize1024,
		ciphertextSize: mlkem.CiphertextSize1024,
		fromSeed: func(seed []byte) ([]byte, error) {
			dk, err := mlkem.NewDecapsulationKey1024(seed)
			if err != nil {
				return nil, err
			}
			return dk.EncapsulationKey().Bytes(), nil
		},
		encapsulate: func(public []byte) ([]byte, []byte, error) {
			ek, err := mlkem.NewEncapsulationKey1024(public)
			if err != nil {
				return nil, nil, err
			}
			shared, ct := ek.Encapsulate()
			return shared, ct, nil
		},
		decapsulate: func(seed, ct []byte) ([]byte, error) {
			dk, err := mlkem.NewDecapsulationKey1024(seed)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
			}
			return dk.Decapsulate(ct)
		},
	}
}

func (m *stdlibMLKEM) Algorithm() Algorithm { return m.alg }

func (m *stdlibMLKEM) GenerateKeyPair(entropy EntropySource) (*KeyPair, error) {
	seed, err := RandomBytes(entropy, mlkem.SeedSize)
	if err != nil {
		return nil, err
	}
	public, err := m.fromSeed(seed)
	if err != nil {
		ZeroBytes(seed)
		return nil, fmt.Errorf("%s key generation: %w", m.alg, err)
	}
	return newKeyPair(m.alg, public, seed), nil
}

func (m *stdlibMLKEM) Encapsulate(public []byte, _ EntropySource) ([]byte, []byte, error) {
	if len(public) != m.publicKeySize {
		return nil, nil, fmt.Errorf("%w: %s public key is %d bytes, want %d",
			ErrInvalidPublicKey, m.alg, len(public), m.publicKeySize)
	}
	shared, ct, err := m.encapsulate(public)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return ct, shared, nil
}

func (m *stdlibMLKEM) Decapsulate(wrapped, private []byte) ([]byte, error) {
	if len(private) != mlkem.SeedSize {
		return nil, fmt.Errorf("%w: %s seed is %d bytes", ErrInvalidPrivateKey, m.alg, len(private))
	}
	if len(wrapped) != m.ciphertextSize {
		return nil, fmt.Errorf("%w: %s ciphertext is %d bytes, want %d",
			ErrInvalidCiphertext, m.alg, len(wrapped), m.ciphertextSize)
	}
	shared, err := m.decapsulate(private, wrapped)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return shared, nil
}
