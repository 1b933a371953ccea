package keyring

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/keyratchet/crypto"
)

func newTestKeyring(t *testing.T, backend crypto.Backend) *Keyring {
	t.Helper()
	p, err := crypto.NewProvider(backend, crypto.WithRSABits(2048))
	require.NoError(t, err)
	return New(p, crypto.NewMockTimeProvider(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)))
}

func TestEnrollOnePairPerAlgorithm(t *testing.T) {
	k := newTestKeyring(t, crypto.BackendCIRCL)

	pairs, err := k.Enroll("alice", "d1", []crypto.Algorithm{
		crypto.AlgorithmRSAOAEP4096, crypto.AlgorithmMLKEM768, crypto.AlgorithmMLKEM1024,
	})
	require.NoError(t, err)
	require.Len(t, pairs, 3)
	assert.Equal(t, crypto.AlgorithmMLKEM1024, pairs[0].Algorithm)
	assert.Equal(t, crypto.AlgorithmMLKEM768, pairs[1].Algorithm, "lower ML-KEM levels get their own pair")
	assert.Equal(t, crypto.AlgorithmRSAOAEP4096, pairs[2].Algorithm)
	for _, p := range pairs {
		assert.Empty(t, p.Private, "enroll returns public views")
		assert.Equal(t, "alice", p.UserID)
	}

	// Enrolling again fills nothing.
	again, err := k.Enroll("alice", "d1", []crypto.Algorithm{crypto.AlgorithmMLKEM768})
	require.NoError(t, err)
	assert.Empty(t, again)

	assert.Equal(t, []crypto.Algorithm{
		crypto.AlgorithmMLKEM1024, crypto.AlgorithmMLKEM768, crypto.AlgorithmRSAOAEP4096,
	}, k.Algorithms("d1"))

	// Rotating one level leaves the others active.
	next, err := k.Rotate("d1", crypto.AlgorithmMLKEM768)
	require.NoError(t, err)
	pub, err := k.Active("d1", crypto.AlgorithmMLKEM768)
	require.NoError(t, err)
	assert.Equal(t, next.Fingerprint, pub.Fingerprint)
	pub, err = k.Active("d1", crypto.AlgorithmMLKEM1024)
	require.NoError(t, err)
	assert.Equal(t, pairs[0].Fingerprint, pub.Fingerprint)
	assert.True(t, k.Enrolled("d1"))

	_, err = k.Enroll("bob", "d1", []crypto.Algorithm{crypto.AlgorithmHybrid})
	assert.Error(t, err, "a device belongs to one user")
}

func TestEnrollSkipsBackendGaps(t *testing.T) {
	k := newTestKeyring(t, crypto.BackendStdlib)

	_, err := k.Enroll("alice", "d1", []crypto.Algorithm{crypto.AlgorithmMLKEM512})
	assert.ErrorIs(t, err, crypto.ErrUnsupportedAlgorithm)

	pairs, err := k.Enroll("alice", "d1", []crypto.Algorithm{crypto.AlgorithmMLKEM512, crypto.AlgorithmMLKEM768})
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, crypto.AlgorithmMLKEM768, pairs[0].Algorithm)
}

func TestActiveAndHybridComponents(t *testing.T) {
	k := newTestKeyring(t, crypto.BackendCIRCL)
	_, err := k.Enroll("alice", "d1", []crypto.Algorithm{crypto.AlgorithmHybrid})
	require.NoError(t, err)

	assert.Equal(t, []crypto.Algorithm{
		crypto.AlgorithmHybrid, crypto.AlgorithmMLKEM768, crypto.AlgorithmRSAOAEP4096,
	}, k.Algorithms("d1"))

	for _, alg := range []crypto.Algorithm{crypto.AlgorithmRSAOAEP4096, crypto.AlgorithmMLKEM768} {
		pub, err := k.Active("d1", alg)
		require.NoError(t, err, alg)
		assert.Equal(t, alg, pub.Algorithm)
		assert.Empty(t, pub.Private)

		// The component can be wrapped to and unwrapped via its fingerprint.
		key := make([]byte, crypto.SymmetricKeySize)
		env, err := k.Provider().WrapKey(alg, pub.Public, key, []byte("ad"))
		require.NoError(t, err)

		full, err := k.ByFingerprint("d1", pub.Fingerprint)
		require.NoError(t, err)
		got, err := k.Provider().UnwrapKey(alg, full.Private, env, []byte("ad"))
		require.NoError(t, err)
		assert.Equal(t, key, got)
	}

	_, err = k.Active("d1", crypto.AlgorithmMLKEM1024)
	assert.ErrorIs(t, err, ErrNoKeyPair)
	_, err = k.Active("nobody", crypto.AlgorithmMLKEM768)
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestRotateKeepsSupersededPairs(t *testing.T) {
	k := newTestKeyring(t, crypto.BackendCIRCL)
	_, err := k.Enroll("alice", "d1", []crypto.Algorithm{crypto.AlgorithmMLKEM768})
	require.NoError(t, err)

	old, err := k.Active("d1", crypto.AlgorithmMLKEM768)
	require.NoError(t, err)

	next, err := k.Rotate("d1", crypto.AlgorithmMLKEM1024)
	require.NoError(t, err)
	assert.NotEqual(t, old.Fingerprint, next.Fingerprint)

	_, err = k.Active("d1", crypto.AlgorithmMLKEM768)
	assert.ErrorIs(t, err, ErrNoKeyPair)
	cur, err := k.Active("d1", crypto.AlgorithmMLKEM1024)
	require.NoError(t, err)
	assert.Equal(t, next.Fingerprint, cur.Fingerprint)

	prev, err := k.ByFingerprint("d1", old.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, next.Fingerprint, prev.SupersededBy)
	assert.NotEmpty(t, prev.Private)

	_, err = k.Rotate("ghost", crypto.AlgorithmMLKEM768)
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestRevoke(t *testing.T) {
	k := newTestKeyring(t, crypto.BackendCIRCL)
	_, err := k.Enroll("alice", "d1", []crypto.Algorithm{crypto.AlgorithmMLKEM768})
	require.NoError(t, err)
	pub, err := k.Active("d1", crypto.AlgorithmMLKEM768)
	require.NoError(t, err)

	k.Revoke("d1")
	assert.True(t, k.Revoked("d1"))

	_, err = k.Active("d1", crypto.AlgorithmMLKEM768)
	assert.ErrorIs(t, err, ErrDeviceRevoked)
	_, err = k.Enroll("alice", "d1", []crypto.Algorithm{crypto.AlgorithmMLKEM768})
	assert.ErrorIs(t, err, ErrDeviceRevoked)
	_, err = k.Rotate("d1", crypto.AlgorithmMLKEM768)
	assert.ErrorIs(t, err, ErrDeviceRevoked)
	assert.Empty(t, k.Algorithms("d1"))

	// Already-delivered keys stay readable.
	full, err := k.ByFingerprint("d1", pub.Fingerprint)
	require.NoError(t, err)
	assert.True(t, full.Revoked)
	assert.NotEmpty(t, full.Private)

	assert.Empty(t, k.Snapshot("alice"))
}

func TestSnapshotAndImport(t *testing.T) {
	src := newTestKeyring(t, crypto.BackendCIRCL)
	_, err := src.Enroll("alice", "d1", []crypto.Algorithm{crypto.AlgorithmMLKEM768, crypto.AlgorithmRSAOAEP4096})
	require.NoError(t, err)
	_, err = src.Enroll("alice", "d2", []crypto.Algorithm{crypto.AlgorithmMLKEM512})
	require.NoError(t, err)
	_, err = src.Enroll("bob", "d3", []crypto.Algorithm{crypto.AlgorithmMLKEM512})
	require.NoError(t, err)

	snap := src.Snapshot("alice")
	require.Len(t, snap, 3)
	assert.Equal(t, "d1", snap[0].DeviceID)
	assert.Equal(t, "d2", snap[2].DeviceID)

	dst := newTestKeyring(t, crypto.BackendCIRCL)
	n, err := dst.Import(snap)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = dst.Import(snap)
	require.NoError(t, err)
	assert.Zero(t, n, "import is idempotent")

	a, err := src.Active("d1", crypto.AlgorithmMLKEM768)
	require.NoError(t, err)
	b, err := dst.Active("d1", crypto.AlgorithmMLKEM768)
	require.NoError(t, err)
	assert.Equal(t, a.Fingerprint, b.Fingerprint)

	// Snapshots are copies.
	snap[0].Private[0] ^= 0xff
	again := src.Snapshot("alice")
	assert.NotEqual(t, snap[0].Private[0], again[0].Private[0])
}

func TestImportIntoOccupiedSlot(t *testing.T) {
	src := newTestKeyring(t, crypto.BackendCIRCL)
	_, err := src.Enroll("alice", "d1", []crypto.Algorithm{crypto.AlgorithmMLKEM768})
	require.NoError(t, err)

	dst := newTestKeyring(t, crypto.BackendCIRCL)
	_, err = dst.Enroll("alice", "d1", []crypto.Algorithm{crypto.AlgorithmMLKEM768})
	require.NoError(t, err)
	current, err := dst.Active("d1", crypto.AlgorithmMLKEM768)
	require.NoError(t, err)

	snap := src.Snapshot("alice")
	n, err := dst.Import(snap)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	still, err := dst.Active("d1", crypto.AlgorithmMLKEM768)
	require.NoError(t, err)
	assert.Equal(t, current.Fingerprint, still.Fingerprint)

	imported, err := dst.ByFingerprint("d1", snap[0].Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, current.Fingerprint, imported.SupersededBy)
}

func TestImportRejectsMalformedPairs(t *testing.T) {
	src := newTestKeyring(t, crypto.BackendCIRCL)
	_, err := src.Enroll("alice", "d1", []crypto.Algorithm{crypto.AlgorithmMLKEM512})
	require.NoError(t, err)
	snap := src.Snapshot("alice")

	snap[0].Public[0] ^= 0xff
	_, err = newTestKeyring(t, crypto.BackendCIRCL).Import(snap)
	assert.ErrorIs(t, err, crypto.ErrInvalidPublicKey)

	snap = src.Snapshot("alice")
	snap[0].Private = nil
	_, err = newTestKeyring(t, crypto.BackendCIRCL).Import(snap)
	assert.ErrorIs(t, err, crypto.ErrInvalidPrivateKey)
}

func TestConcurrentEnroll(t *testing.T) {
	k := newTestKeyring(t, crypto.BackendCIRCL)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := k.Enroll("alice", "d1", []crypto.Algorithm{crypto.AlgorithmMLKEM512})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, k.Snapshot("alice"), 1)
}
