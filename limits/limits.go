package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxPlaintextMessage is the largest message payload accepted for encryption (64 KiB).
	MaxPlaintextMessage = 64 * 1024

	// MessageOverhead is the largest AEAD overhead of any message cipher suite:
	// a 24-byte XChaCha20 nonce plus a 16-byte Poly1305 tag.
	MessageOverhead = 24 + 16

	// MaxSealedMessage is the maximum size of a sealed message payload.
	MaxSealedMessage = MaxPlaintextMessage + MessageOverhead

	// MaxWrappedKey bounds a wrapped-key envelope. The largest real envelope
	// is a hybrid one with a 4096-bit RSA ciphertext, well under this.
	MaxWrappedKey = 8 * 1024

	// MaxBackupBlob bounds an encoded backup blob (4 MiB).
	MaxBackupBlob = 4 * 1024 * 1024

	// MaxProcessingBuffer is the absolute maximum for any operation.
	// This prevents memory exhaustion attacks (16 MiB limit).
	MaxProcessingBuffer = 16 * 1024 * 1024
)

var (
	// ErrMessageEmpty indicates an empty payload was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates a payload exceeds its maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateSize validates a payload against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateSize(data []byte, maxSize int, what string) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if len(data) > maxSize {
		return fmt.Errorf("%w: %s size %d exceeds limit %d", ErrMessageTooLarge, what, len(data), maxSize)
	}
	return nil
}

// ValidatePlaintextMessage validates a plaintext message against MaxPlaintextMessage.
func ValidatePlaintextMessage(message []byte) error {
	return ValidateSize(message, MaxPlaintextMessage, "plaintext")
}

// ValidateSealedMessage validates a sealed message against MaxSealedMessage.
func ValidateSealedMessage(message []byte) error {
	return ValidateSize(message, MaxSealedMessage, "sealed")
}

// ValidateWrappedKey validates a wrapped-key envelope against MaxWrappedKey.
func ValidateWrappedKey(envelope []byte) error {
	return ValidateSize(envelope, MaxWrappedKey, "wrapped key")
}

// ValidateBackupBlob validates an encoded backup against MaxBackupBlob.
// Backups are untrusted input and are checked before decoding.
func ValidateBackupBlob(blob []byte) error {
	return ValidateSize(blob, MaxBackupBlob, "backup")
}

// ValidateProcessingBuffer validates data against the absolute maximum (MaxProcessingBuffer).
func ValidateProcessingBuffer(data []byte) error {
	return ValidateSize(data, MaxProcessingBuffer, "buffer")
}
