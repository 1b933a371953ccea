package store

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/keyratchet/interfaces"
	"github.com/opd-ai/keyratchet/model"
)

// RetryOptions configures the retrying decorator.
type RetryOptions struct {
	MaxRetries uint64
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Transient decides whether an error is worth retrying. Nil uses IsTransient.
	Transient func(error) bool
}

// DefaultRetryOptions retries three times starting at 50ms.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{MaxRetries: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// IsTransient reports whether a store error may succeed on a later attempt.
// Contract errors and context cancellation are permanent.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, interfaces.ErrNotFound),
		errors.Is(err, interfaces.ErrEpochConflict),
		errors.Is(err, interfaces.ErrActiveEpoch),
		errors.Is(err, ErrInvalidRecord),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}

// RetryStore retries transient failures of an underlying KeyStore with
// exponential backoff. A retried CommitEpoch whose first attempt landed
// fails with ErrEpochConflict.
type RetryStore struct {
	inner interfaces.KeyStore
	opts  RetryOptions
}

// WithRetry wraps a store.
func WithRetry(inner interfaces.KeyStore, opts RetryOptions) *RetryStore {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultRetryOptions().BaseDelay
	}
	if opts.Transient == nil {
		opts.Transient = IsTransient
	}
	return &RetryStore{inner: inner, opts: opts}
}

var _ interfaces.KeyStore = (*RetryStore)(nil)

func (s *RetryStore) backoff() retry.Backoff {
	b := retry.NewExponential(s.opts.BaseDelay)
	if s.opts.MaxDelay > 0 {
		b = retry.WithCappedDuration(s.opts.MaxDelay, b)
	}
	return retry.WithMaxRetries(s.opts.MaxRetries, b)
}

func (s *RetryStore) do(ctx context.Context, op string, fn func(context.Context) error) error {
	attempt := 0
	return retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil || !s.opts.Transient(err) {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"function": op,
			"attempt":  attempt,
			"error":    err.Error(),
		}).Warn("Transient key store failure, retrying")
		return retry.RetryableError(err)
	})
}

func (s *RetryStore) CommitEpoch(ctx context.Context, header *model.EpochHeader, records []*model.WrappedKeyRecord, prevEpoch uint64) error {
	return s.do(ctx, "CommitEpoch", func(ctx context.Context) error {
		return s.inner.CommitEpoch(ctx, header, records, prevEpoch)
	})
}

func (s *RetryStore) ActiveEpoch(ctx context.Context, conversationID string) (h *model.EpochHeader, err error) {
	err = s.do(ctx, "ActiveEpoch", func(ctx context.Context) error {
		h, err = s.inner.ActiveEpoch(ctx, conversationID)
		return err
	})
	return h, err
}

func (s *RetryStore) Epoch(ctx context.Context, conversationID string, epoch uint64) (h *model.EpochHeader, err error) {
	err = s.do(ctx, "Epoch", func(ctx context.Context) error {
		h, err = s.inner.Epoch(ctx, conversationID, epoch)
		return err
	})
	return h, err
}

func (s *RetryStore) ListEpochs(ctx context.Context, conversationID string) (hs []*model.EpochHeader, err error) {
	err = s.do(ctx, "ListEpochs", func(ctx context.Context) error {
		hs, err = s.inner.ListEpochs(ctx, conversationID)
		return err
	})
	return hs, err
}

func (s *RetryStore) ActiveRecord(ctx context.Context, conversationID, deviceID string) (h *model.EpochHeader, r *model.WrappedKeyRecord, err error) {
	err = s.do(ctx, "ActiveRecord", func(ctx context.Context) error {
		h, r, err = s.inner.ActiveRecord(ctx, conversationID, deviceID)
		return err
	})
	return h, r, err
}

func (s *RetryStore) Record(ctx context.Context, conversationID string, epoch uint64, deviceID string) (r *model.WrappedKeyRecord, err error) {
	err = s.do(ctx, "Record", func(ctx context.Context) error {
		r, err = s.inner.Record(ctx, conversationID, epoch, deviceID)
		return err
	})
	return r, err
}

func (s *RetryStore) AddRecord(ctx context.Context, record *model.WrappedKeyRecord) error {
	return s.do(ctx, "AddRecord", func(ctx context.Context) error {
		return s.inner.AddRecord(ctx, record)
	})
}

func (s *RetryStore) DeleteEpoch(ctx context.Context, conversationID string, epoch uint64) error {
	return s.do(ctx, "DeleteEpoch", func(ctx context.Context) error {
		return s.inner.DeleteEpoch(ctx, conversationID, epoch)
	})
}

func (s *RetryStore) DeleteDeviceRecords(ctx context.Context, deviceID string, supersededToo bool) (n int, err error) {
	err = s.do(ctx, "DeleteDeviceRecords", func(ctx context.Context) error {
		n, err = s.inner.DeleteDeviceRecords(ctx, deviceID, supersededToo)
		return err
	})
	return n, err
}

func (s *RetryStore) ListDeviceRecords(ctx context.Context, deviceID string) (refs []model.RecordRef, err error) {
	err = s.do(ctx, "ListDeviceRecords", func(ctx context.Context) error {
		refs, err = s.inner.ListDeviceRecords(ctx, deviceID)
		return err
	})
	return refs, err
}
