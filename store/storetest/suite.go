// Package storetest holds a behavioural suite every interfaces.KeyStore
// implementation must pass.
package storetest

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/keyratchet/crypto"
	"github.com/opd-ai/keyratchet/interfaces"
	"github.com/opd-ai/keyratchet/model"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) interfaces.KeyStore

// Epoch builds a header and one record per device for tests.
func Epoch(conv string, epoch uint64, devices ...string) (*model.EpochHeader, []*model.WrappedKeyRecord) {
	created := time.Date(2025, 1, 1, 0, 0, int(epoch), 0, time.UTC)
	h := &model.EpochHeader{
		ConversationID: conv,
		Epoch:          epoch,
		Algorithm:      crypto.AlgorithmMLKEM768,
		KeyCheck:       bytes.Repeat([]byte{byte(epoch)}, crypto.KeyCheckSize),
		Recipients:     append([]string(nil), devices...),
		CreatedAt:      created,
	}
	records := make([]*model.WrappedKeyRecord, 0, len(devices))
	for _, d := range devices {
		records = append(records, &model.WrappedKeyRecord{
			ConversationID: conv,
			Epoch:          epoch,
			DeviceID:       d,
			Algorithm:      crypto.AlgorithmMLKEM768,
			KeyFingerprint: "fp-" + d,
			Wrapped:        []byte(fmt.Sprintf("wrapped/%s/%d/%s", conv, epoch, d)),
			CreatedAt:      created,
		})
	}
	return h, records
}

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("CommitAndRead", func(t *testing.T) { testCommitAndRead(t, newStore(t)) })
	t.Run("OptimisticConflict", func(t *testing.T) { testOptimisticConflict(t, newStore(t)) })
	t.Run("SingleActiveEpoch", func(t *testing.T) { testSingleActiveEpoch(t, newStore(t)) })
	t.Run("InvalidCommitPersistsNothing", func(t *testing.T) { testInvalidCommit(t, newStore(t)) })
	t.Run("AddRecord", func(t *testing.T) { testAddRecord(t, newStore(t)) })
	t.Run("DeleteEpoch", func(t *testing.T) { testDeleteEpoch(t, newStore(t)) })
	t.Run("DeleteDeviceRecords", func(t *testing.T) { testDeleteDeviceRecords(t, newStore(t)) })
	t.Run("ConcurrentCommits", func(t *testing.T) { testConcurrentCommits(t, newStore(t)) })
}

func testCommitAndRead(t *testing.T, s interfaces.KeyStore) {
	ctx := context.Background()

	_, err := s.ActiveEpoch(ctx, "c1")
	require.ErrorIs(t, err, interfaces.ErrNotFound)

	h, recs := Epoch("c1", 1, "d1", "d2")
	require.NoError(t, s.CommitEpoch(ctx, h, recs, 0))

	got, err := s.ActiveEpoch(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Epoch)
	assert.Equal(t, crypto.AlgorithmMLKEM768, got.Algorithm)
	assert.ElementsMatch(t, []string{"d1", "d2"}, got.Recipients)
	assert.Equal(t, h.KeyCheck, got.KeyCheck)
	assert.True(t, got.Active())

	hdr, rec, err := s.ActiveRecord(ctx, "c1", "d2")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), hdr.Epoch)
	require.NotNil(t, rec)
	assert.Equal(t, recs[1].Wrapped, rec.Wrapped)
	assert.Equal(t, "fp-d2", rec.KeyFingerprint)

	hdr, rec, err = s.ActiveRecord(ctx, "c1", "d9")
	require.NoError(t, err)
	assert.NotNil(t, hdr)
	assert.Nil(t, rec)

	_, err = s.Record(ctx, "c1", 1, "d9")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	_, err = s.Epoch(ctx, "c1", 7)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func testOptimisticConflict(t *testing.T, s interfaces.KeyStore) {
	ctx := context.Background()
	h1, r1 := Epoch("c1", 1, "d1")
	require.NoError(t, s.CommitEpoch(ctx, h1, r1, 0))

	// Stale expectation.
	h2, r2 := Epoch("c1", 2, "d1")
	assert.ErrorIs(t, s.CommitEpoch(ctx, h2, r2, 0), interfaces.ErrEpochConflict)

	// Epoch numbers never go backwards.
	h1b, r1b := Epoch("c1", 1, "d1")
	assert.ErrorIs(t, s.CommitEpoch(ctx, h1b, r1b, 1), interfaces.ErrEpochConflict)

	require.NoError(t, s.CommitEpoch(ctx, h2, r2, 1))
}

func testSingleActiveEpoch(t *testing.T, s interfaces.KeyStore) {
	ctx := context.Background()
	for e := uint64(1); e <= 3; e++ {
		h, r := Epoch("c1", e, "d1")
		require.NoError(t, s.CommitEpoch(ctx, h, r, e-1))
	}

	epochs, err := s.ListEpochs(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, epochs, 3)

	active := 0
	for i, h := range epochs {
		assert.Equal(t, uint64(i+1), h.Epoch)
		if h.Active() {
			active++
		}
	}
	assert.Equal(t, 1, active)
	require.NotNil(t, epochs[0].SupersededAt)
	assert.True(t, epochs[0].SupersededAt.Equal(epochs[1].CreatedAt))
}

func testInvalidCommit(t *testing.T, s interfaces.KeyStore) {
	ctx := context.Background()
	h, recs := Epoch("c1", 1, "d1", "d2")
	recs[1].Epoch = 9

	assert.Error(t, s.CommitEpoch(ctx, h, recs, 0))

	_, err := s.ActiveEpoch(ctx, "c1")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	_, err = s.Record(ctx, "c1", 1, "d1")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func testAddRecord(t *testing.T, s interfaces.KeyStore) {
	ctx := context.Background()
	h, recs := Epoch("c1", 1, "d1")
	require.NoError(t, s.CommitEpoch(ctx, h, recs, 0))

	_, extra := Epoch("c1", 1, "d3")
	require.NoError(t, s.AddRecord(ctx, extra[0]))

	hdr, rec, err := s.ActiveRecord(ctx, "c1", "d3")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, hdr.HasRecipient("d3"))

	_, orphan := Epoch("c1", 5, "d3")
	assert.ErrorIs(t, s.AddRecord(ctx, orphan[0]), interfaces.ErrNotFound)
}

func testDeleteEpoch(t *testing.T, s interfaces.KeyStore) {
	ctx := context.Background()
	h1, r1 := Epoch("c1", 1, "d1")
	require.NoError(t, s.CommitEpoch(ctx, h1, r1, 0))
	h2, r2 := Epoch("c1", 2, "d1")
	require.NoError(t, s.CommitEpoch(ctx, h2, r2, 1))

	assert.ErrorIs(t, s.DeleteEpoch(ctx, "c1", 2), interfaces.ErrActiveEpoch)
	require.NoError(t, s.DeleteEpoch(ctx, "c1", 1))
	require.NoError(t, s.DeleteEpoch(ctx, "c1", 1), "deleting twice is not an error")

	_, err := s.Epoch(ctx, "c1", 1)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	_, err = s.Record(ctx, "c1", 1, "d1")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	refs, err := s.ListDeviceRecords(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, uint64(2), refs[0].Epoch)

	// A purged epoch number is never reused.
	h1b, r1b := Epoch("c1", 1, "d1")
	assert.ErrorIs(t, s.CommitEpoch(ctx, h1b, r1b, 2), interfaces.ErrEpochConflict)
}

func testDeleteDeviceRecords(t *testing.T, s interfaces.KeyStore) {
	ctx := context.Background()
	h1, r1 := Epoch("c1", 1, "d1", "d2")
	require.NoError(t, s.CommitEpoch(ctx, h1, r1, 0))
	h2, r2 := Epoch("c1", 2, "d1", "d2")
	require.NoError(t, s.CommitEpoch(ctx, h2, r2, 1))
	h3, r3 := Epoch("c2", 1, "d2")
	require.NoError(t, s.CommitEpoch(ctx, h3, r3, 0))

	n, err := s.DeleteDeviceRecords(ctx, "d2", false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.Record(ctx, "c1", 1, "d2")
	assert.NoError(t, err, "superseded records survive when supersededToo is false")

	hdr, rec, err := s.ActiveRecord(ctx, "c1", "d2")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.False(t, hdr.HasRecipient("d2"))

	n, err = s.DeleteDeviceRecords(ctx, "d2", true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	refs, err := s.ListDeviceRecords(ctx, "d2")
	require.NoError(t, err)
	assert.Empty(t, refs)

	old, err := s.Epoch(ctx, "c1", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, old.Recipients)
}

func testConcurrentCommits(t *testing.T, s interfaces.KeyStore) {
	ctx := context.Background()
	h1, r1 := Epoch("c1", 1, "d1")
	require.NoError(t, s.CommitEpoch(ctx, h1, r1, 0))

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, r := Epoch("c1", 2, "d1")
			errs[i] = s.CommitEpoch(ctx, h, r, 1)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, interfaces.ErrEpochConflict)
	}
	assert.Equal(t, 1, wins)

	epochs, err := s.ListEpochs(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, epochs, 2)
}
