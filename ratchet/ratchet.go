// Package ratchet drives the epoch lifecycle of each conversation: when to
// rotate, how a rotation proceeds and what happens to superseded epochs.
//
// A conversation moves Idle -> Active(N) -> Rotating(N->N+1) -> Active(N+1).
// Transitions of one conversation are serialized by a per-conversation lock
// and additionally guarded by the key store's optimistic epoch check, so
// concurrent engines in separate processes cannot both commit N+1.
package ratchet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/keyratchet/audit"
	"github.com/opd-ai/keyratchet/crypto"
	"github.com/opd-ai/keyratchet/interfaces"
	"github.com/opd-ai/keyratchet/keywrap"
	"github.com/opd-ai/keyratchet/model"
	"github.com/opd-ai/keyratchet/negotiation"
)

var (
	// ErrRotationFailed wraps every retryable rotation failure. The previous
	// epoch stays active and the rotation is retried on the next trigger.
	ErrRotationFailed = errors.New("rotation failed")

	// ErrDeviceExcluded is returned when a revoked or suspended device is added.
	ErrDeviceExcluded = errors.New("device excluded from key distribution")
)

// IsRetryable reports whether a rotation error may succeed on a later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRotationFailed) && !errors.Is(err, negotiation.ErrNoCommonAlgorithm)
}

// Trigger names the reason for a rotation.
type Trigger string

const (
	TriggerBootstrap        Trigger = "bootstrap"
	TriggerMessageThreshold Trigger = "message_threshold"
	TriggerInterval         Trigger = "interval"
	TriggerMembership       Trigger = "membership_change"
	TriggerRevocation       Trigger = "device_revocation"
	TriggerSuspension       Trigger = "device_suspension"
	TriggerCapability       Trigger = "capability_change"
	TriggerManual           Trigger = "manual"
)

// Phase is the lifecycle position of a conversation.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseActive   Phase = "active"
	PhaseRotating Phase = "rotating"
)

// State is a snapshot of a conversation's rotation bookkeeping.
type State struct {
	Phase        Phase
	Epoch        uint64
	Messages     uint64
	LastRotation time.Time
	// Pending is set after a failed rotation until one succeeds.
	Pending        bool
	PendingTrigger Trigger
	// Failures counts consecutive failed rotations.
	Failures int
	// PendingPurges lists superseded epochs whose deletion has not succeeded yet.
	PendingPurges []uint64
}

type convState struct {
	State
	// rescan asks the next purge to look for superseded epochs beyond retention.
	rescan bool
}

// Engine rotates conversation epochs. It is safe for concurrent use.
type Engine struct {
	directory  interfaces.ParticipantDirectory
	wrapper    *keywrap.Engine
	negotiator *negotiation.Negotiator
	audit      interfaces.AuditSink
	clock      crypto.TimeProvider
	policy     Policy
	locks      *keyedMutex

	mu       sync.Mutex
	states   map[string]*convState
	excluded map[string]struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy replaces DefaultPolicy.
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithAudit sets the audit sink.
func WithAudit(sink interfaces.AuditSink) Option {
	return func(e *Engine) { e.audit = sink }
}

// WithClock sets the time source used for interval checks.
func WithClock(clock crypto.TimeProvider) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithNegotiator shares a negotiator, and its cache, with other components.
func WithNegotiator(n *negotiation.Negotiator) Option {
	return func(e *Engine) { e.negotiator = n }
}

// New returns an engine rotating through wrapper and reading membership
// from directory.
func New(directory interfaces.ParticipantDirectory, wrapper *keywrap.Engine, opts ...Option) *Engine {
	e := &Engine{
		directory: directory,
		wrapper:   wrapper,
		audit:     audit.Discard,
		clock:     crypto.DefaultTimeProvider{},
		policy:    DefaultPolicy(),
		locks:     newKeyedMutex(),
		states:    make(map[string]*convState),
		excluded:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.negotiator == nil {
		e.negotiator = negotiation.NewNegotiator()
	}
	return e
}

// Policy returns the engine's thresholds.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Negotiator returns the negotiator used for rotations.
func (e *Engine) Negotiator() *negotiation.Negotiator {
	return e.negotiator
}

// Wrapper returns the key wrapping engine.
func (e *Engine) Wrapper() *keywrap.Engine {
	return e.wrapper
}

// Exclude keeps a device out of every future epoch regardless of what the
// directory reports.
func (e *Engine) Exclude(deviceID string) {
	e.mu.Lock()
	e.excluded[deviceID] = struct{}{}
	e.mu.Unlock()
}

// Include reverses Exclude.
func (e *Engine) Include(deviceID string) {
	e.mu.Lock()
	delete(e.excluded, deviceID)
	e.mu.Unlock()
}

// Excluded reports whether a device was excluded.
func (e *Engine) Excluded(deviceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.excluded[deviceID]
	return ok
}

// State returns a copy of a conversation's bookkeeping.
func (e *Engine) State(conversationID string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[conversationID]
	if !ok {
		return State{Phase: PhaseIdle}
	}
	out := st.State
	out.PendingPurges = append([]uint64(nil), st.PendingPurges...)
	return out
}

// Conversations lists the conversations the engine tracks, sorted.
func (e *Engine) Conversations() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.states))
	for id := range e.states {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// stateLocked returns the conversation's state, creating it. e.mu must be held.
func (e *Engine) stateLocked(conversationID string) *convState {
	st := e.states[conversationID]
	if st == nil {
		st = &convState{State: State{Phase: PhaseIdle, LastRotation: e.clock.Now()}}
		e.states[conversationID] = st
	}
	return st
}

// Bootstrap makes sure the conversation has an active epoch, creating the
// first one when the store holds none.
func (e *Engine) Bootstrap(ctx context.Context, conversationID string) (*model.EpochHeader, error) {
	unlock := e.locks.Lock(conversationID)
	defer unlock()

	h, err := e.wrapper.Store().ActiveEpoch(ctx, conversationID)
	switch {
	case err == nil:
		e.adopt(h)
		return h, nil
	case errors.Is(err, interfaces.ErrNotFound):
		return e.rotateLocked(ctx, conversationID, TriggerBootstrap)
	default:
		return nil, err
	}
}

// started reports whether the conversation has an adopted or created epoch.
func (e *Engine) started(conversationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[conversationID]
	return ok && st.Phase != PhaseIdle
}

// adoptStored picks up the stored active epoch of a conversation the
// engine does not track yet. It reports false when the store has none.
func (e *Engine) adoptStored(ctx context.Context, conversationID string) (bool, error) {
	unlock := e.locks.Lock(conversationID)
	defer unlock()
	if e.started(conversationID) {
		return true, nil
	}

	h, err := e.wrapper.Store().ActiveEpoch(ctx, conversationID)
	switch {
	case err == nil:
		e.adopt(h)
		return true, nil
	case errors.Is(err, interfaces.ErrNotFound):
		logrus.WithFields(logrus.Fields{
			"function":        "RecordMessage",
			"conversation_id": conversationID,
		}).Debug("Message for a conversation without an epoch is not counted")
		return false, nil
	default:
		return false, err
	}
}

// adopt syncs the bookkeeping with an epoch found in the store.
func (e *Engine) adopt(h *model.EpochHeader) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stateLocked(h.ConversationID)
	if st.Epoch != h.Epoch {
		st.Epoch = h.Epoch
		st.Messages = 0
		st.LastRotation = h.CreatedAt
		st.rescan = true
	}
	if st.Phase == PhaseIdle {
		st.Phase = PhaseActive
	}
}

// Rotate replaces the conversation's active epoch.
func (e *Engine) Rotate(ctx context.Context, conversationID string, trigger Trigger) (*model.EpochHeader, error) {
	unlock := e.locks.Lock(conversationID)
	defer unlock()
	return e.rotateLocked(ctx, conversationID, trigger)
}

// RecordMessage counts one message sent in the active epoch. When the
// message threshold is reached, or an earlier rotation is pending, it
// rotates and returns the new header. Otherwise the header is nil.
//
// Only conversations with an epoch are counted. A conversation this engine
// has not seen yet is adopted from the store; one without any epoch is left
// untouched, so counting never creates a first epoch.
func (e *Engine) RecordMessage(ctx context.Context, conversationID string) (*model.EpochHeader, error) {
	if !e.started(conversationID) {
		ok, err := e.adoptStored(ctx, conversationID)
		if err != nil || !ok {
			return nil, err
		}
	}

	e.mu.Lock()
	st := e.stateLocked(conversationID)
	st.Messages++
	due := e.rotationDueLocked(st)
	e.mu.Unlock()
	if due == "" {
		return nil, nil
	}

	unlock := e.locks.Lock(conversationID)
	defer unlock()

	// Another caller may have rotated while we waited.
	e.mu.Lock()
	due = e.rotationDueLocked(st)
	e.mu.Unlock()
	if due == "" {
		return nil, nil
	}
	return e.rotateLocked(ctx, conversationID, due)
}

// rotationDueLocked returns the trigger of a due count-based or pending
// rotation, or "".
func (e *Engine) rotationDueLocked(st *convState) Trigger {
	switch {
	case st.Pending:
		return st.PendingTrigger
	case e.policy.MessageThreshold > 0 && st.Messages >= e.policy.MessageThreshold:
		return TriggerMessageThreshold
	default:
		return ""
	}
}

// CheckIntervals rotates every tracked conversation whose epoch is older
// than the interval or whose rotation is pending, and retries queued
// purges. Failures of single conversations are joined.
func (e *Engine) CheckIntervals(ctx context.Context) error {
	var errs []error
	for _, conv := range e.Conversations() {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		if err := e.check(ctx, conv); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) check(ctx context.Context, conversationID string) error {
	unlock := e.locks.Lock(conversationID)
	defer unlock()

	e.mu.Lock()
	st := e.stateLocked(conversationID)
	trigger := e.rotationDueLocked(st)
	if trigger == "" && st.Phase == PhaseActive && e.policy.Interval > 0 &&
		e.clock.Since(st.LastRotation) >= e.policy.Interval {
		trigger = TriggerInterval
	}
	purge := st.rescan || len(st.PendingPurges) > 0
	e.mu.Unlock()

	if trigger != "" {
		_, err := e.rotateLocked(ctx, conversationID, trigger)
		return err
	}
	if purge {
		return e.purgeLocked(ctx, conversationID)
	}
	return nil
}

// Run calls CheckIntervals every Policy.CheckEvery until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.policy.CheckEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.CheckIntervals(ctx); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Run",
					"error":    err.Error(),
				}).Warn("Scheduled rotation check had failures")
			}
		}
	}
}

// recipients returns the conversation's trusted devices minus excluded ones.
func (e *Engine) recipients(ctx context.Context, conversationID string) ([]model.Device, error) {
	devices, err := e.directory.ListActiveTrustedDevices(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := devices[:0:0]
	for _, d := range devices {
		if _, skip := e.excluded[d.ID]; skip || !d.Active() {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// rotateLocked performs one rotation. The conversation lock must be held.
func (e *Engine) rotateLocked(ctx context.Context, conversationID string, trigger Trigger) (*model.EpochHeader, error) {
	store := e.wrapper.Store()

	e.mu.Lock()
	st := e.stateLocked(conversationID)
	st.Phase = PhaseRotating
	e.mu.Unlock()

	e.audit.Record(model.Event{
		Kind:           model.EventRotationStarted,
		ConversationID: conversationID,
		Outcome:        model.OutcomeSuccess,
		Detail:         string(trigger),
		Time:           e.clock.Now(),
	})

	// Earlier purge failures are retried on every trigger.
	_ = e.purgeLocked(ctx, conversationID)

	var prev uint64
	h, err := store.ActiveEpoch(ctx, conversationID)
	switch {
	case err == nil:
		prev = h.Epoch
	case errors.Is(err, interfaces.ErrNotFound):
	default:
		return nil, e.fail(conversationID, prev, trigger, err)
	}

	devices, err := e.recipients(ctx, conversationID)
	if err != nil {
		return nil, e.fail(conversationID, prev, trigger, err)
	}
	if len(devices) == 0 {
		return nil, e.fail(conversationID, prev, trigger, fmt.Errorf("%w: %s", keywrap.ErrNoParticipants, conversationID))
	}

	e.negotiator.Invalidate(conversationID)
	res, err := e.negotiator.ForConversation(conversationID, e.wrapper.Capabilities(devices))
	if err != nil {
		if errors.Is(err, negotiation.ErrNoCommonAlgorithm) {
			e.abandon(conversationID, prev, trigger, err)
			return nil, err
		}
		return nil, e.fail(conversationID, prev, trigger, err)
	}
	if res.MixedMode {
		e.audit.Record(model.Event{
			Kind:           model.EventMixedModeSelected,
			ConversationID: conversationID,
			Epoch:          prev + 1,
			Algorithm:      res.Algorithm,
			Outcome:        model.OutcomeSuccess,
			Time:           e.clock.Now(),
		})
	}

	ep, err := e.wrapper.CreateEpoch(ctx, conversationID, devices, res, prev)
	if err != nil {
		return nil, e.fail(conversationID, prev, trigger, err)
	}

	e.mu.Lock()
	st.Phase = PhaseActive
	st.Epoch = ep.Header.Epoch
	st.Messages = 0
	st.LastRotation = ep.Header.CreatedAt
	st.Pending = false
	st.PendingTrigger = ""
	st.Failures = 0
	st.rescan = true
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":        "rotate",
		"conversation_id": conversationID,
		"trigger":         trigger,
		"from_epoch":      prev,
		"to_epoch":        ep.Header.Epoch,
		"algorithm":       ep.Header.Algorithm,
	}).Info("Conversation key rotated")

	// The new epoch is committed; purge failures only queue work.
	_ = e.purgeLocked(ctx, conversationID)
	return ep.Header, nil
}

// fail records a retryable rotation failure and returns the wrapped error.
func (e *Engine) fail(conversationID string, epoch uint64, trigger Trigger, cause error) error {
	e.mu.Lock()
	st := e.stateLocked(conversationID)
	st.Phase = phaseFor(epoch)
	st.Pending = true
	st.PendingTrigger = trigger
	st.Failures++
	failures := st.Failures
	e.mu.Unlock()

	entry := logrus.WithFields(logrus.Fields{
		"function":        "rotate",
		"conversation_id": conversationID,
		"epoch":           epoch,
		"trigger":         trigger,
		"failures":        failures,
		"error":           cause.Error(),
	})
	if failures >= e.policy.FailureAlertThreshold {
		entry.Error("Rotation keeps failing, previous epoch stays active")
	} else {
		entry.Warn("Rotation failed, will retry on next trigger")
	}
	e.audit.Record(model.Event{
		Kind:           model.EventRotationFailed,
		ConversationID: conversationID,
		Epoch:          epoch,
		Outcome:        model.OutcomeFailure,
		Detail:         fmt.Sprintf("%s: %v", trigger, cause),
		Time:           e.clock.Now(),
	})
	return fmt.Errorf("%w: %s: %w", ErrRotationFailed, conversationID, cause)
}

// abandon records a rotation that cannot succeed without a capability change.
func (e *Engine) abandon(conversationID string, epoch uint64, trigger Trigger, cause error) {
	e.mu.Lock()
	st := e.stateLocked(conversationID)
	st.Phase = phaseFor(epoch)
	st.Pending = false
	st.PendingTrigger = ""
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":        "rotate",
		"conversation_id": conversationID,
		"epoch":           epoch,
		"trigger":         trigger,
		"error":           cause.Error(),
	}).Error("No algorithm common to all devices")
	e.audit.Record(model.Event{
		Kind:           model.EventNegotiationFailed,
		ConversationID: conversationID,
		Epoch:          epoch,
		Outcome:        model.OutcomeFailure,
		Detail:         string(trigger),
		Time:           e.clock.Now(),
	})
}

func phaseFor(epoch uint64) Phase {
	if epoch == 0 {
		return PhaseIdle
	}
	return PhaseActive
}

// AddOption configures AddDevice.
type AddOption func(*addConfig)

type addConfig struct {
	history bool
}

// WithHistory also wraps the retained superseded epochs for the device.
func WithHistory() AddOption {
	return func(c *addConfig) { c.history = true }
}

// AddDevice gives a new device the conversation's current key. When the
// device cannot use the epoch's algorithm, or the key cannot be recovered
// locally, the conversation is rotated instead and rotated is true.
func (e *Engine) AddDevice(ctx context.Context, conversationID string, device model.Device, opts ...AddOption) (rotated bool, err error) {
	var cfg addConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if e.Excluded(device.ID) || !device.Active() {
		return false, fmt.Errorf("%w: %s", ErrDeviceExcluded, device.ID)
	}

	unlock := e.locks.Lock(conversationID)
	defer unlock()

	e.negotiator.Invalidate(conversationID)

	h, err := e.wrapper.Store().ActiveEpoch(ctx, conversationID)
	if errors.Is(err, interfaces.ErrNotFound) {
		_, err = e.rotateLocked(ctx, conversationID, TriggerMembership)
		return true, err
	}
	if err != nil {
		return false, err
	}
	e.adopt(h)

	if !e.canUse(device, h.Algorithm) {
		_, err = e.rotateLocked(ctx, conversationID, TriggerCapability)
		return true, err
	}
	if _, err := e.wrapper.WrapEpochForDevice(ctx, h, device.ID); err != nil {
		if errors.Is(err, keywrap.ErrKeyUnavailable) {
			_, err = e.rotateLocked(ctx, conversationID, TriggerMembership)
			return true, err
		}
		return false, err
	}

	e.audit.Record(model.Event{
		Kind:           model.EventDeviceAdded,
		ConversationID: conversationID,
		Epoch:          h.Epoch,
		DeviceID:       device.ID,
		UserID:         device.UserID,
		Algorithm:      h.Algorithm,
		Outcome:        model.OutcomeSuccess,
		Time:           e.clock.Now(),
	})

	if cfg.history {
		return false, e.wrapHistory(ctx, conversationID, device)
	}
	return false, nil
}

func (e *Engine) canUse(d model.Device, alg crypto.Algorithm) bool {
	caps := e.wrapper.Capabilities([]model.Device{d})
	return len(caps) == 1 && crypto.ContainsAlgorithm(caps[0].Algorithms, alg)
}

// wrapHistory wraps every retained superseded epoch the device can use.
// Epochs whose key is no longer recoverable are skipped.
func (e *Engine) wrapHistory(ctx context.Context, conversationID string, device model.Device) error {
	headers, err := e.wrapper.Store().ListEpochs(ctx, conversationID)
	if err != nil {
		return err
	}
	var errs []error
	for _, h := range headers {
		if h.Active() || h.HasRecipient(device.ID) || !e.canUse(device, h.Algorithm) {
			continue
		}
		_, err := e.wrapper.WrapEpochForDevice(ctx, h, device.ID)
		switch {
		case err == nil:
		case errors.Is(err, keywrap.ErrKeyUnavailable):
			logrus.WithFields(logrus.Fields{
				"function":        "wrapHistory",
				"conversation_id": conversationID,
				"epoch":           h.Epoch,
				"device_id":       device.ID,
			}).Debug("Historical epoch key not recoverable, skipping")
		default:
			errs = append(errs, fmt.Errorf("epoch %d: %w", h.Epoch, err))
		}
	}
	return errors.Join(errs...)
}
