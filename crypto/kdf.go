package crypto

import (
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

// DeriveKey expands input keying material with HKDF-SHA-512.
func DeriveKey(ikm, salt, info []byte, length int) ([]byte, error) {
	if length <= 0 || length > 255*sha512.Size {
		return nil, fmt.Errorf("%w: hkdf output length %d", ErrInvalidKeySize, length)
	}
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha512.New, ikm, salt, info), out); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out, nil
}

// PasswordKDF names a password-based key derivation function.
type PasswordKDF string

const (
	KDFArgon2id PasswordKDF = "argon2id"
	KDFScrypt   PasswordKDF = "scrypt"
	KDFPBKDF2   PasswordKDF = "pbkdf2-sha256"
)

// ErrInvalidKDFParams is returned for unknown or out-of-range KDF parameters.
var ErrInvalidKDFParams = errors.New("invalid password KDF parameters")

// PasswordKDFParams is stored alongside every password-protected blob so the
// same derivation can be repeated on restore.
type PasswordKDFParams struct {
	KDF PasswordKDF `cbor:"1,keyasint" yaml:"kdf"`
	// Argon2id: time cost. PBKDF2: iteration count. Scrypt: log2(N).
	Iterations uint32 `cbor:"2,keyasint" yaml:"iterations"`
	// Argon2id memory in KiB. Scrypt: r.
	Memory uint32 `cbor:"3,keyasint" yaml:"memory"`
	// Argon2id lanes. Scrypt: p.
	Parallelism uint8 `cbor:"4,keyasint" yaml:"parallelism"`
	KeyLength   uint32 `cbor:"5,keyasint" yaml:"key_length"`
}

// DefaultPasswordKDFParams returns Argon2id with the RFC 9106 second
// recommended profile (t=3, m=64 MiB, p=4).
func DefaultPasswordKDFParams() PasswordKDFParams {
	return PasswordKDFParams{
		KDF:         KDFArgon2id,
		Iterations:  3,
		Memory:      64 * 1024,
		Parallelism: 4,
		KeyLength:   32,
	}
}

// Validate checks the parameters against sane lower and upper bounds.
func (p PasswordKDFParams) Validate() error {
	if p.KeyLength < 16 || p.KeyLength > 64 {
		return fmt.Errorf("%w: key length %d", ErrInvalidKDFParams, p.KeyLength)
	}
	switch p.KDF {
	case KDFArgon2id:
		if p.Iterations < 1 || p.Iterations > 64 {
			return fmt.Errorf("%w: argon2id time cost %d", ErrInvalidKDFParams, p.Iterations)
		}
		if p.Memory < 8*1024 || p.Memory > 4*1024*1024 {
			return fmt.Errorf("%w: argon2id memory %d KiB", ErrInvalidKDFParams, p.Memory)
		}
		if p.Parallelism < 1 {
			return fmt.Errorf("%w: argon2id parallelism %d", ErrInvalidKDFParams, p.Parallelism)
		}
	case KDFScrypt:
		if p.Iterations < 10 || p.Iterations > 22 {
			return fmt.Errorf("%w: scrypt log2(N) %d", ErrInvalidKDFParams, p.Iterations)
		}
		if p.Memory < 1 || p.Memory > 32 || p.Parallelism < 1 {
			return fmt.Errorf("%w: scrypt r=%d p=%d", ErrInvalidKDFParams, p.Memory, p.Parallelism)
		}
	case KDFPBKDF2:
		if p.Iterations < 100000 || p.Iterations > 10000000 {
			return fmt.Errorf("%w: pbkdf2 iterations %d", ErrInvalidKDFParams, p.Iterations)
		}
	default:
		return fmt.Errorf("%w: unknown kdf %q", ErrInvalidKDFParams, p.KDF)
	}
	return nil
}

// DerivePasswordKey stretches a password with the configured KDF.
func DerivePasswordKey(password, salt []byte, p PasswordKDFParams) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	switch p.KDF {
	case KDFArgon2id:
		return argon2.IDKey(password, salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLength), nil
	case KDFScrypt:
		key, err := scrypt.Key(password, salt, 1<<p.Iterations, int(p.Memory), int(p.Parallelism), int(p.KeyLength))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKDFParams, err)
		}
		return key, nil
	default:
		return pbkdf2.Key(password, salt, int(p.Iterations), int(p.KeyLength), sha256.New), nil
	}
}
