// Package limits provides centralized size constants and validation functions
// for keyratchet payloads, so the wrapping, message and backup paths reject
// oversized input the same way.
//
// # Size Hierarchy
//
//   - MaxPlaintextMessage (64 KiB): largest message accepted for encryption.
//   - MaxSealedMessage: plaintext plus the largest AEAD overhead (nonce and tag).
//   - MaxWrappedKey (8 KiB): bound on a single wrapped-key envelope.
//   - MaxBackupBlob (4 MiB): bound on an encoded backup read from storage.
//   - MaxProcessingBuffer (16 MiB): absolute maximum for any operation.
//
// # Validation Functions
//
// Each validation function checks for empty input and size limit violations:
//
//	if err := limits.ValidateBackupBlob(raw); err != nil {
//	    return err
//	}
//
// Errors wrap [ErrMessageEmpty] or [ErrMessageTooLarge] and can be matched
// with errors.Is.
package limits
