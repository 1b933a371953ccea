package crypto

import (
	"crypto/subtle"
	"errors"
	"runtime"
)

// SecureWipe overwrites a byte slice holding key material. It returns an
// error if the slice is nil.
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}

	clear(data)

	// Keep the slice reachable so the store is not elided.
	runtime.KeepAlive(data)

	return nil
}

// ZeroBytes erases a byte slice, ignoring nil input.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// WipeKeyPair erases the private half of a KeyPair. The public half and
// fingerprint are left intact.
func WipeKeyPair(kp *KeyPair) error {
	if kp == nil {
		return errors.New("cannot wipe nil KeyPair")
	}
	if kp.Private == nil {
		return nil
	}
	err := SecureWipe(kp.Private)
	kp.Private = nil
	return err
}

// ConstantTimeEqual compares two byte slices without leaking where they differ.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
