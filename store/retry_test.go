package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/keyratchet/interfaces"
	"github.com/opd-ai/keyratchet/model"
	"github.com/opd-ai/keyratchet/store/storetest"
)

// flakyStore fails the first n calls to ActiveEpoch and CommitEpoch.
type flakyStore struct {
	interfaces.KeyStore
	failures int
	calls    int
	err      error
}

func (f *flakyStore) ActiveEpoch(ctx context.Context, conv string) (*model.EpochHeader, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return f.KeyStore.ActiveEpoch(ctx, conv)
}

func (f *flakyStore) CommitEpoch(ctx context.Context, h *model.EpochHeader, r []*model.WrappedKeyRecord, prev uint64) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return f.KeyStore.CommitEpoch(ctx, h, r, prev)
}

func fastRetry(max uint64) RetryOptions {
	return RetryOptions{MaxRetries: max, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetryStoreRecoversFromTransientErrors(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{KeyStore: NewMemory(), failures: 2, err: errors.New("connection reset")}
	s := WithRetry(flaky, fastRetry(3))

	h, recs := storetest.Epoch("c1", 1, "d1")
	require.NoError(t, s.CommitEpoch(ctx, h, recs, 0))
	assert.Equal(t, 3, flaky.calls)

	got, err := s.ActiveEpoch(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Epoch)
}

func TestRetryStoreGivesUp(t *testing.T) {
	transient := errors.New("timeout")
	flaky := &flakyStore{KeyStore: NewMemory(), failures: 10, err: transient}
	s := WithRetry(flaky, fastRetry(2))

	_, err := s.ActiveEpoch(context.Background(), "c1")
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 3, flaky.calls)
}

func TestRetryStoreDoesNotRetryContractErrors(t *testing.T) {
	flaky := &flakyStore{KeyStore: NewMemory()}
	s := WithRetry(flaky, fastRetry(5))

	_, err := s.ActiveEpoch(context.Background(), "missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	assert.Equal(t, 1, flaky.calls)
}

func TestRetryStorePassesSuite(t *testing.T) {
	storetest.Run(t, func(t *testing.T) interfaces.KeyStore {
		return WithRetry(NewMemory(), fastRetry(1))
	})
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{interfaces.ErrNotFound, false},
		{interfaces.ErrEpochConflict, false},
		{context.Canceled, false},
		{ErrInvalidRecord, false},
		{errors.New("i/o timeout"), true},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
