package negotiation

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/keyratchet/crypto"
	"github.com/opd-ai/keyratchet/model"
)

const (
	rsa    = crypto.AlgorithmRSAOAEP4096
	kem512 = crypto.AlgorithmMLKEM512
	kem768 = crypto.AlgorithmMLKEM768
	kem1k  = crypto.AlgorithmMLKEM1024
	hybrid = crypto.AlgorithmHybrid
)

func caps(id string, algs ...crypto.Algorithm) DeviceCapabilities {
	return DeviceCapabilities{DeviceID: id, Algorithms: algs}
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name      string
		caps      []DeviceCapabilities
		want      crypto.Algorithm
		mixedMode bool
		wantErr   error
	}{
		{
			name: "single device takes its strongest",
			caps: []DeviceCapabilities{caps("d1", rsa, kem768, hybrid)},
			want: hybrid,
		},
		{
			name: "highest shared post-quantum level",
			caps: []DeviceCapabilities{caps("d1", rsa, kem768, kem1k), caps("d2", kem512, kem768, kem1k)},
			want: kem1k,
		},
		{
			name:      "classical intersection with a capable device is mixed",
			caps:      []DeviceCapabilities{caps("d1", kem768, rsa), caps("d2", rsa)},
			want:      rsa,
			mixedMode: true,
		},
		{
			name: "all classical is not mixed",
			caps: []DeviceCapabilities{caps("d1", rsa), caps("d2", rsa)},
			want: rsa,
		},
		{
			name:      "hybrid widens to its classical component",
			caps:      []DeviceCapabilities{caps("d1", hybrid), caps("d2", rsa)},
			want:      rsa,
			mixedMode: true,
		},
		{
			name:      "hybrid widens to its post-quantum component",
			caps:      []DeviceCapabilities{caps("d1", hybrid), caps("d2", kem768, kem512)},
			want:      kem768,
			mixedMode: true,
		},
		{
			name:    "disjoint sets",
			caps:    []DeviceCapabilities{caps("d1", kem1k), caps("d2", rsa)},
			wantErr: ErrNoCommonAlgorithm,
		},
		{
			name:    "unknown identifiers are ignored",
			caps:    []DeviceCapabilities{caps("d1", "X448"), caps("d2", "X448")},
			wantErr: ErrNoCommonAlgorithm,
		},
		{
			name:    "no devices",
			wantErr: ErrNoCommonAlgorithm,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Negotiate(tt.caps)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Algorithm)
			assert.Equal(t, tt.mixedMode, got.MixedMode)
			assert.Len(t, got.Devices, len(tt.caps))
		})
	}
}

func TestNegotiateIsOrderIndependent(t *testing.T) {
	base := []DeviceCapabilities{
		caps("d1", rsa, kem768, kem1k),
		caps("d2", kem1k, kem768),
		caps("d3", kem768, hybrid, kem1k),
		caps("d4", kem1k, kem768, kem512),
	}
	want, err := Negotiate(base)
	require.NoError(t, err)
	wantDigest := Digest(base)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		shuffled := make([]DeviceCapabilities, len(base))
		for j, c := range base {
			algs := append([]crypto.Algorithm(nil), c.Algorithms...)
			rng.Shuffle(len(algs), func(a, b int) { algs[a], algs[b] = algs[b], algs[a] })
			shuffled[j] = DeviceCapabilities{DeviceID: c.DeviceID, Algorithms: algs}
		}
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		got, err := Negotiate(shuffled)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, wantDigest, Digest(shuffled))
	}
}

func TestNegotiatorCache(t *testing.T) {
	n := NewNegotiator()

	_, ok := n.Cached("c1")
	assert.False(t, ok)

	first := []DeviceCapabilities{caps("d1", kem768, rsa), caps("d2", kem768)}
	res, err := n.ForConversation("c1", first)
	require.NoError(t, err)
	assert.Equal(t, kem768, res.Algorithm)

	cached, ok := n.Cached("c1")
	require.True(t, ok)
	assert.Equal(t, res, cached)

	// A changed capability set is recomputed even without invalidation.
	changed := []DeviceCapabilities{caps("d1", kem768, rsa), caps("d2", kem768), caps("d3", rsa)}
	res, err = n.ForConversation("c1", changed)
	require.NoError(t, err)
	assert.Equal(t, rsa, res.Algorithm)
	assert.True(t, res.MixedMode)

	n.Invalidate("c1")
	_, ok = n.Cached("c1")
	assert.False(t, ok)

	// Failures are not cached.
	_, err = n.ForConversation("c2", []DeviceCapabilities{caps("d1", kem1k), caps("d2", rsa)})
	assert.ErrorIs(t, err, ErrNoCommonAlgorithm)
	_, ok = n.Cached("c2")
	assert.False(t, ok)
}

func TestNegotiatorReturnsCopies(t *testing.T) {
	n := NewNegotiator()
	res, err := n.ForConversation("c1", []DeviceCapabilities{caps("d1", rsa)})
	require.NoError(t, err)
	res.Devices[0] = "mallory"

	cached, _ := n.Cached("c1")
	assert.Equal(t, []string{"d1"}, cached.Devices)
}

func TestFromDevices(t *testing.T) {
	devices := []model.Device{
		{ID: "d1", SupportedAlgorithms: []crypto.Algorithm{rsa, kem768}},
		{ID: "d2", SupportedAlgorithms: []crypto.Algorithm{rsa}},
	}
	got := FromDevices(devices)
	require.Len(t, got, 2)
	assert.Equal(t, "d2", got[1].DeviceID)

	got[0].Algorithms[0] = hybrid
	assert.Equal(t, rsa, devices[0].SupportedAlgorithms[0])
}
