package crypto

import (
	"testing"
)

func TestSecureMemoryHandling(t *testing.T) {
	p, err := NewProvider(BackendCIRCL, WithRSABits(2048))
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	kp, err := p.GenerateKeyPair(AlgorithmMLKEM768)
	if err != nil {
		t.Fatalf("Failed to generate keypair: %v", err)
	}

	private := kp.Private
	allZeroInitially := true
	for _, b := range private {
		if b != 0 {
			allZeroInitially = false
			break
		}
	}
	if allZeroInitially {
		t.Fatalf("Private key is all zeros before wiping, test cannot proceed")
	}

	if err := WipeKeyPair(kp); err != nil {
		t.Fatalf("WipeKeyPair failed: %v", err)
	}
	for i, b := range private {
		if b != 0 {
			t.Fatalf("WipeKeyPair left byte %d of the private key", i)
		}
	}
	if kp.Private != nil {
		t.Errorf("WipeKeyPair should drop the private handle")
	}
	if kp.Fingerprint == "" || len(kp.Public) == 0 {
		t.Errorf("WipeKeyPair should keep the public half")
	}

	testData := []byte{1, 2, 3, 4, 5}
	ZeroBytes(testData)
	for i, b := range testData {
		if b != 0 {
			t.Fatalf("ZeroBytes failed to zero byte at position %d", i)
		}
	}
}

func TestSecureWipeNil(t *testing.T) {
	if err := SecureWipe(nil); err == nil {
		t.Error("SecureWipe(nil) should return an error")
	}
	if err := WipeKeyPair(nil); err == nil {
		t.Error("WipeKeyPair(nil) should return an error")
	}
	ZeroBytes(nil)
}

func TestConstantTimeEqual(t *testing.T) {
	if !ConstantTimeEqual([]byte("abc"), []byte("abc")) {
		t.Error("equal slices reported different")
	}
	if ConstantTimeEqual([]byte("abc"), []byte("abd")) {
		t.Error("different slices reported equal")
	}
	if ConstantTimeEqual([]byte("abc"), []byte("ab")) {
		t.Error("slices of different length reported equal")
	}
}
