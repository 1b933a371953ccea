package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeyRoundTrip(t *testing.T) {
	p := newTestProvider(t, BackendCIRCL)
	key, err := RandomBytes(nil, SymmetricKeySize)
	require.NoError(t, err)
	ad := []byte("conv-1|1|dev-1")

	for _, alg := range []Algorithm{AlgorithmRSAOAEP4096, AlgorithmMLKEM512, AlgorithmHybrid} {
		t.Run(alg.String(), func(t *testing.T) {
			kp, err := p.GenerateKeyPair(alg)
			require.NoError(t, err)

			envelope, err := p.WrapKey(alg, kp.Public, key, ad)
			require.NoError(t, err)
			assert.False(t, bytes.Contains(envelope, key), "envelope must not carry the raw key")

			got, err := p.UnwrapKey(alg, kp.Private, envelope, ad)
			require.NoError(t, err)
			assert.Equal(t, key, got)

			_, err = p.UnwrapKey(alg, kp.Private, envelope, []byte("conv-1|1|dev-2"))
			assert.ErrorIs(t, err, ErrDecryptionFailed)
		})
	}
}

func TestUnwrapKeyWithOtherDeviceKeyFails(t *testing.T) {
	p := newTestProvider(t, BackendCIRCL)
	key := bytes.Repeat([]byte{0x42}, SymmetricKeySize)

	owner, err := p.GenerateKeyPair(AlgorithmMLKEM768)
	require.NoError(t, err)
	other, err := p.GenerateKeyPair(AlgorithmMLKEM768)
	require.NoError(t, err)

	envelope, err := p.WrapKey(AlgorithmMLKEM768, owner.Public, key, nil)
	require.NoError(t, err)

	_, err = p.UnwrapKey(AlgorithmMLKEM768, other.Private, envelope, nil)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestWrapKeyRejectsBadInput(t *testing.T) {
	p := newTestProvider(t, BackendCIRCL)
	kp, err := p.GenerateKeyPair(AlgorithmMLKEM768)
	require.NoError(t, err)

	_, err = p.WrapKey(AlgorithmMLKEM768, kp.Public, []byte("short"), nil)
	assert.ErrorIs(t, err, ErrInvalidKeySize)

	_, err = p.UnwrapKey(AlgorithmMLKEM768, kp.Private, []byte{0, 0}, nil)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestKeyCheck(t *testing.T) {
	key := bytes.Repeat([]byte{1}, SymmetricKeySize)
	check := KeyCheck(key, "conv-1/1")
	assert.Len(t, check, KeyCheckSize)
	assert.True(t, VerifyKeyCheck(key, "conv-1/1", check))
	assert.False(t, VerifyKeyCheck(key, "conv-1/2", check))
	assert.False(t, VerifyKeyCheck(bytes.Repeat([]byte{2}, SymmetricKeySize), "conv-1/1", check))
	assert.False(t, VerifyKeyCheck(key, "conv-1/1", check[:KeyCheckSize/2]), "truncated check")
	assert.False(t, VerifyKeyCheck(key, "conv-1/1", nil))
}
