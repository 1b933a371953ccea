package crypto

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"fmt"
)

// HybridInfo is the HKDF info string for combining hybrid shared secrets.
const HybridInfo = "keyratchet:hybrid:v1"

// hybridKEM runs RSA-OAEP and ML-KEM-768 side by side. The combined secret is
// HKDF-SHA-512 over both shared secrets, salted with a transcript hash of the
// public key and ciphertext, so it stays secret while either primitive holds.
//
// Public, private and ciphertext encodings are all: u32 len(classical) ||
// classical || post-quantum.
type hybridKEM struct {
	classical KEM
	pq        KEM
}

func (h *hybridKEM) Algorithm() Algorithm { return AlgorithmHybrid }

func (h *hybridKEM) GenerateKeyPair(entropy EntropySource) (*KeyPair, error) {
	c, err := h.classical.GenerateKeyPair(entropy)
	if err != nil {
		return nil, err
	}
	q, err := h.pq.GenerateKeyPair(entropy)
	if err != nil {
		WipeKeyPair(c)
		return nil, err
	}
	kp := newKeyPair(AlgorithmHybrid, joinParts(c.Public, q.Public), joinParts(c.Private, q.Private))
	WipeKeyPair(c)
	WipeKeyPair(q)
	return kp, nil
}

func (h *hybridKEM) Encapsulate(public []byte, entropy EntropySource) ([]byte, []byte, error) {
	cPub, qPub, err := splitParts(public)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	cCt, cSS, err := h.classical.Encapsulate(cPub, entropy)
	if err != nil {
		return nil, nil, err
	}
	defer ZeroBytes(cSS)

	qCt, qSS, err := h.pq.Encapsulate(qPub, entropy)
	if err != nil {
		return nil, nil, err
	}
	defer ZeroBytes(qSS)

	wrapped := joinParts(cCt, qCt)
	shared, err := combineHybrid(cSS, qSS, public, wrapped)
	if err != nil {
		return nil, nil, err
	}
	return wrapped, shared, nil
}

func (h *hybridKEM) Decapsulate(wrapped, private []byte) ([]byte, error) {
	cPriv, qPriv, err := splitParts(private)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	cCt, qCt, err := splitParts(wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}

	cSS, err := h.classical.Decapsulate(cCt, cPriv)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(cSS)

	qSS, err := h.pq.Decapsulate(qCt, qPriv)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(qSS)

	public, err := h.publicFromPrivate(cPriv, qPriv)
	if err != nil {
		return nil, err
	}
	return combineHybrid(cSS, qSS, public, wrapped)
}

// publicFromPrivate rebuilds the hybrid public encoding for the transcript.
func (h *hybridKEM) publicFromPrivate(cPriv, qPriv []byte) ([]byte, error) {
	rsaPriv, err := parseRSAPrivateKey(cPriv)
	if err != nil {
		return nil, err
	}
	cPub, err := marshalRSAPublic(&rsaPriv.PublicKey)
	if err != nil {
		return nil, err
	}
	qPub, err := mlkemPublicFromPrivate(h.pq, qPriv)
	if err != nil {
		return nil, err
	}
	return joinParts(cPub, qPub), nil
}

func marshalRSAPublic(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return der, nil
}

func mlkemPublicFromPrivate(k KEM, private []byte) ([]byte, error) {
	switch m := k.(type) {
	case *circlMLKEM:
		sk, err := m.scheme.UnmarshalBinaryPrivateKey(private)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
		}
		return sk.Public().MarshalBinary()
	case *stdlibMLKEM:
		pub, err := m.fromSeed(private)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("%w: %s cannot derive a public key", ErrUnsupportedAlgorithm, k.Algorithm())
	}
}

func combineHybrid(classicalSecret, pqSecret, public, wrapped []byte) ([]byte, error) {
	transcript := sha256.New()
	transcript.Write(public)
	transcript.Write(wrapped)

	ikm := make([]byte, 0, len(classicalSecret)+len(pqSecret))
	ikm = append(ikm, classicalSecret...)
	ikm = append(ikm, pqSecret...)
	defer ZeroBytes(ikm)

	return DeriveKey(ikm, transcript.Sum(nil), []byte(HybridInfo), 32)
}

// SplitHybrid returns the classical and post-quantum component key pairs of
// a hybrid key pair. The components share no memory with the input.
func SplitHybrid(kp *KeyPair) (classical, pq *KeyPair, err error) {
	if kp == nil || kp.Algorithm != AlgorithmHybrid {
		return nil, nil, fmt.Errorf("%w: not a hybrid key pair", ErrUnsupportedAlgorithm)
	}
	cPub, qPub, err := splitParts(kp.Public)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	classical = newKeyPair(AlgorithmRSAOAEP4096, append([]byte(nil), cPub...), nil)
	pq = newKeyPair(AlgorithmMLKEM768, append([]byte(nil), qPub...), nil)

	if len(kp.Private) > 0 {
		cPriv, qPriv, err := splitParts(kp.Private)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
		}
		classical.Private = append([]byte(nil), cPriv...)
		pq.Private = append([]byte(nil), qPriv...)
	}
	return classical, pq, nil
}

func joinParts(first, second []byte) []byte {
	out := make([]byte, 4+len(first)+len(second))
	binary.BigEndian.PutUint32(out[:4], uint32(len(first)))
	copy(out[4:], first)
	copy(out[4+len(first):], second)
	return out
}

func splitParts(b []byte) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("encoding too short: %d bytes", len(b))
	}
	n := binary.BigEndian.Uint32(b[:4])
	if uint64(n) > uint64(len(b)-4) || n == 0 || int(n) == len(b)-4 {
		return nil, nil, fmt.Errorf("bad component length %d in %d bytes", n, len(b))
	}
	return b[4 : 4+n], b[4+n:], nil
}
