package ratchet

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/keyratchet/model"
)

// purgeLocked deletes superseded epochs beyond the retention window and
// wipes their in-memory keys. Epochs that could not be deleted stay queued
// for the next attempt. The conversation lock must be held.
func (e *Engine) purgeLocked(ctx context.Context, conversationID string) error {
	store := e.wrapper.Store()

	e.mu.Lock()
	st := e.stateLocked(conversationID)
	rescan := st.rescan
	queue := append([]uint64(nil), st.PendingPurges...)
	e.mu.Unlock()

	var errs []error
	if rescan {
		headers, err := store.ListEpochs(ctx, conversationID)
		if err != nil {
			e.purgeFailed(conversationID, 0, err)
			errs = append(errs, fmt.Errorf("list epochs of %s: %w", conversationID, err))
		} else {
			queue = mergeEpochs(queue, e.expired(headers))
			rescan = false
		}
	}

	var remaining []uint64
	for _, n := range queue {
		e.wrapper.Forget(conversationID, n)
		if err := store.DeleteEpoch(ctx, conversationID, n); err != nil {
			e.purgeFailed(conversationID, n, err)
			errs = append(errs, fmt.Errorf("delete epoch %d of %s: %w", n, conversationID, err))
			remaining = append(remaining, n)
			continue
		}
		logrus.WithFields(logrus.Fields{
			"function":        "purge",
			"conversation_id": conversationID,
			"epoch":           n,
		}).Debug("Superseded epoch purged")
		e.audit.Record(model.Event{
			Kind:           model.EventEpochPurged,
			ConversationID: conversationID,
			Epoch:          n,
			Outcome:        model.OutcomeSuccess,
			Time:           e.clock.Now(),
		})
	}

	e.mu.Lock()
	st.rescan = rescan
	st.PendingPurges = remaining
	e.mu.Unlock()
	return errors.Join(errs...)
}

// expired returns the superseded epochs outside the retention window,
// oldest first. headers are ordered oldest first.
func (e *Engine) expired(headers []*model.EpochHeader) []uint64 {
	var superseded []uint64
	for _, h := range headers {
		if !h.Active() {
			superseded = append(superseded, h.Epoch)
		}
	}
	drop := len(superseded) - e.policy.RetainedEpochs
	if drop <= 0 {
		return nil
	}
	return superseded[:drop]
}

func mergeEpochs(queue, more []uint64) []uint64 {
	for _, n := range more {
		found := false
		for _, q := range queue {
			if q == n {
				found = true
				break
			}
		}
		if !found {
			queue = append(queue, n)
		}
	}
	return queue
}

func (e *Engine) purgeFailed(conversationID string, epoch uint64, err error) {
	logrus.WithFields(logrus.Fields{
		"function":        "purge",
		"conversation_id": conversationID,
		"epoch":           epoch,
		"error":           err.Error(),
	}).Warn("Purge failed, queued for retry")
	e.audit.Record(model.Event{
		Kind:           model.EventPurgeFailed,
		ConversationID: conversationID,
		Epoch:          epoch,
		Outcome:        model.OutcomeFailure,
		Detail:         err.Error(),
		Time:           e.clock.Now(),
	})
}
