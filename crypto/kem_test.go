package crypto

import (
	"bytes"
	"errors"
	mathrand "math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func newTestProvider(t *testing.T, backend Backend, opts ...ProviderOption) *Provider {
	t.Helper()
	opts = append([]ProviderOption{WithRSABits(2048)}, opts...)
	p, err := NewProvider(backend, opts...)
	require.NoError(t, err)
	return p
}

func TestProviderRoundTrip(t *testing.T) {
	for _, backend := range []Backend{BackendCIRCL, BackendStdlib} {
		p := newTestProvider(t, backend)
		for _, alg := range p.Algorithms() {
			t.Run(backend.String()+"/"+alg.String(), func(t *testing.T) {
				kp, err := p.GenerateKeyPair(alg)
				require.NoError(t, err)
				assert.Equal(t, alg, kp.Algorithm)
				assert.Equal(t, Fingerprint(alg, kp.Public), kp.Fingerprint)

				wrapped, shared, err := p.Encapsulate(kp.Public, alg)
				require.NoError(t, err)
				require.Len(t, shared, 32)

				recovered, err := p.Decapsulate(wrapped, kp.Private, alg)
				require.NoError(t, err)
				assert.Equal(t, shared, recovered)
			})
		}
	}
}

func TestProviderBackendAlgorithms(t *testing.T) {
	circl := newTestProvider(t, BackendCIRCL)
	assert.Equal(t, AllAlgorithms, circl.Algorithms())

	stdlib := newTestProvider(t, BackendStdlib)
	assert.False(t, stdlib.Supports(AlgorithmMLKEM512))
	_, err := stdlib.GenerateKeyPair(AlgorithmMLKEM512)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)

	_, err = circl.KEM(Algorithm("X25519"))
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestNewProviderRejectsSmallRSA(t *testing.T) {
	_, err := NewProvider(BackendCIRCL, WithRSABits(1024))
	assert.Error(t, err)

	_, err = NewProvider(Backend(9))
	assert.Error(t, err)
}

func TestEncapsulateRejectsMalformedPublicKey(t *testing.T) {
	p := newTestProvider(t, BackendCIRCL)
	for _, alg := range p.Algorithms() {
		_, _, err := p.Encapsulate([]byte("not a key"), alg)
		assert.ErrorIs(t, err, ErrInvalidPublicKey, alg)
	}
}

func TestDecapsulateRejectsMalformedCiphertext(t *testing.T) {
	p := newTestProvider(t, BackendCIRCL)
	for _, alg := range []Algorithm{AlgorithmRSAOAEP4096, AlgorithmMLKEM768} {
		kp, err := p.GenerateKeyPair(alg)
		require.NoError(t, err)
		_, err = p.Decapsulate([]byte{1, 2, 3}, kp.Private, alg)
		assert.ErrorIs(t, err, ErrInvalidCiphertext, alg)
	}
}

func TestDecapsulateWithWrongRSAKeyFails(t *testing.T) {
	p := newTestProvider(t, BackendCIRCL)
	a, err := p.GenerateKeyPair(AlgorithmRSAOAEP4096)
	require.NoError(t, err)
	b, err := p.GenerateKeyPair(AlgorithmRSAOAEP4096)
	require.NoError(t, err)

	wrapped, _, err := p.Encapsulate(a.Public, AlgorithmRSAOAEP4096)
	require.NoError(t, err)

	_, err = p.Decapsulate(wrapped, b.Private, AlgorithmRSAOAEP4096)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestCIRCLKeyGenerationUsesEntropySource(t *testing.T) {
	gen := func() *KeyPair {
		p := newTestProvider(t, BackendCIRCL, WithEntropy(mathrand.New(mathrand.NewSource(7))))
		kp, err := p.GenerateKeyPair(AlgorithmMLKEM1024)
		require.NoError(t, err)
		return kp
	}
	a, b := gen(), gen()
	assert.Equal(t, a.Public, b.Public)
	assert.Equal(t, a.Fingerprint, b.Fingerprint)
}

func TestEntropyFailure(t *testing.T) {
	p := newTestProvider(t, BackendCIRCL, WithEntropy(failingReader{}))
	_, err := p.GenerateKeyPair(AlgorithmMLKEM768)
	assert.ErrorIs(t, err, ErrEntropy)
}

func TestHybridSplit(t *testing.T) {
	p := newTestProvider(t, BackendCIRCL)
	kp, err := p.GenerateKeyPair(AlgorithmHybrid)
	require.NoError(t, err)

	classical, pq, err := SplitHybrid(kp)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmRSAOAEP4096, classical.Algorithm)
	assert.Equal(t, AlgorithmMLKEM768, pq.Algorithm)

	// Each component works on its own.
	for _, part := range []*KeyPair{classical, pq} {
		wrapped, shared, err := p.Encapsulate(part.Public, part.Algorithm)
		require.NoError(t, err)
		got, err := p.Decapsulate(wrapped, part.Private, part.Algorithm)
		require.NoError(t, err)
		assert.Equal(t, shared, got)
	}

	_, _, err = SplitHybrid(classical)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)

	// Public-only split leaves the private halves empty.
	c2, q2, err := SplitHybrid(kp.PublicOnly())
	require.NoError(t, err)
	assert.Nil(t, c2.Private)
	assert.Nil(t, q2.Private)
}

func TestHybridTamperedComponentChangesSecret(t *testing.T) {
	p := newTestProvider(t, BackendCIRCL)
	kp, err := p.GenerateKeyPair(AlgorithmHybrid)
	require.NoError(t, err)

	wrapped, shared, err := p.Encapsulate(kp.Public, AlgorithmHybrid)
	require.NoError(t, err)

	// Flip a byte in the ML-KEM half; implicit rejection yields a different secret.
	tampered := bytes.Clone(wrapped)
	tampered[len(tampered)-1] ^= 0xff
	got, err := p.Decapsulate(tampered, kp.Private, AlgorithmHybrid)
	if err == nil {
		assert.NotEqual(t, shared, got)
	}
}

func TestParseBackend(t *testing.T) {
	tests := []struct {
		in      string
		want    Backend
		wantErr bool
	}{
		{"", BackendCIRCL, false},
		{"circl", BackendCIRCL, false},
		{"STDLIB", BackendStdlib, false},
		{"boringssl", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseBackend(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseBackend(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseBackend(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
