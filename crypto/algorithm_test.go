package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlgorithmOrder(t *testing.T) {
	want := []Algorithm{
		AlgorithmHybrid,
		AlgorithmMLKEM1024,
		AlgorithmMLKEM768,
		AlgorithmMLKEM512,
		AlgorithmRSAOAEP4096,
	}
	shuffled := []Algorithm{
		AlgorithmMLKEM512, AlgorithmRSAOAEP4096, "bogus",
		AlgorithmHybrid, AlgorithmMLKEM768, AlgorithmMLKEM1024, AlgorithmMLKEM512,
	}
	assert.Equal(t, want, SortByRank(shuffled))

	best, ok := Strongest([]Algorithm{AlgorithmRSAOAEP4096, AlgorithmMLKEM768})
	require.True(t, ok)
	assert.Equal(t, AlgorithmMLKEM768, best)

	_, ok = Strongest(nil)
	assert.False(t, ok)
}

func TestAlgorithmFamily(t *testing.T) {
	tests := []struct {
		alg    Algorithm
		family Family
	}{
		{AlgorithmRSAOAEP4096, FamilyClassical},
		{AlgorithmMLKEM512, FamilyPostQuantum},
		{AlgorithmMLKEM768, FamilyPostQuantum},
		{AlgorithmMLKEM1024, FamilyPostQuantum},
		{AlgorithmHybrid, FamilyHybrid},
		{Algorithm("DES"), FamilyUnknown},
	}
	for _, tt := range tests {
		if got := tt.alg.Family(); got != tt.family {
			t.Errorf("%s.Family() = %v, want %v", tt.alg, got, tt.family)
		}
	}
	assert.True(t, AlgorithmRSAOAEP4096.Classical())
	assert.Equal(t, []Algorithm{AlgorithmRSAOAEP4096, AlgorithmMLKEM768}, AlgorithmHybrid.Components())
	assert.Nil(t, AlgorithmMLKEM768.Components())
}

func TestParseAlgorithm(t *testing.T) {
	alg, err := ParseAlgorithm(" ml-kem-768 ")
	require.NoError(t, err)
	assert.Equal(t, AlgorithmMLKEM768, alg)

	_, err = ParseAlgorithm("kyber")
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}
