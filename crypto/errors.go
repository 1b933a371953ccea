package crypto

import "errors"

var (
	// ErrUnsupportedAlgorithm is returned when the requested algorithm is not
	// implemented by the selected provider backend.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// ErrInvalidPublicKey is returned for malformed or undersized public keys.
	ErrInvalidPublicKey = errors.New("invalid public key")

	// ErrInvalidPrivateKey is returned when a private key handle cannot be parsed.
	ErrInvalidPrivateKey = errors.New("invalid private key")

	// ErrInvalidCiphertext is returned for encapsulations of the wrong shape.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrDecryptionFailed is returned when an authenticated decryption or a
	// decapsulation does not verify. It never says which check failed.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrInvalidKeySize is returned when a symmetric key has the wrong length.
	ErrInvalidKeySize = errors.New("invalid key size")

	// ErrEntropy is returned when the entropy source cannot supply bytes.
	ErrEntropy = errors.New("entropy source failure")
)
