package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/keyratchet/interfaces"
	"github.com/opd-ai/keyratchet/store/storetest"
)

func TestMemoryKeyStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) interfaces.KeyStore { return NewMemory() })
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	h, recs := storetest.Epoch("c1", 1, "d1")
	require.NoError(t, m.CommitEpoch(ctx, h, recs, 0))

	// Mutating inputs after commit does not reach the store.
	recs[0].Wrapped[0] ^= 0xff
	h.Recipients[0] = "mallory"

	got, err := m.Record(ctx, "c1", 1, "d1")
	require.NoError(t, err)
	assert.Equal(t, byte('w'), got.Wrapped[0])

	got.Wrapped[0] = 'x'
	again, err := m.Record(ctx, "c1", 1, "d1")
	require.NoError(t, err)
	assert.Equal(t, byte('w'), again.Wrapped[0])

	hdr, err := m.ActiveEpoch(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, hdr.Recipients)
}

func TestMemoryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemory().ActiveEpoch(ctx, "c1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestValidateCommit(t *testing.T) {
	h, recs := storetest.Epoch("c1", 1, "d1", "d2")
	require.NoError(t, ValidateCommit(h, recs))

	assert.ErrorIs(t, ValidateCommit(nil, recs), ErrInvalidRecord)
	assert.ErrorIs(t, ValidateCommit(h, recs[:1]), ErrInvalidRecord)

	h2, recs2 := storetest.Epoch("c1", 1, "d1", "d2")
	recs2[1].DeviceID = "d1"
	assert.ErrorIs(t, ValidateCommit(h2, recs2), ErrInvalidRecord)

	h3, recs3 := storetest.Epoch("c1", 1, "d1")
	recs3[0].Wrapped = nil
	assert.ErrorIs(t, ValidateCommit(h3, recs3), ErrInvalidRecord)
}
