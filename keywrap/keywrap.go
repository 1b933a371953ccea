// Package keywrap creates conversation epochs and wraps their symmetric keys
// for each recipient device, and unwraps them again for a device.
package keywrap

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/keyratchet/audit"
	"github.com/opd-ai/keyratchet/crypto"
	"github.com/opd-ai/keyratchet/interfaces"
	"github.com/opd-ai/keyratchet/model"
	"github.com/opd-ai/keyratchet/negotiation"
)

var (
	// ErrNotAuthorized is returned when the device is not a recipient of the
	// requested epoch, or the epoch does not exist (anymore).
	ErrNotAuthorized = errors.New("device not authorized for epoch")

	// ErrNoSuchRecord is returned when the device is a recipient but its
	// record is missing. This is a data integrity fault.
	ErrNoSuchRecord = errors.New("wrapped key record missing")

	// ErrDecapsulationFailed covers every cryptographic unwrap failure. It
	// never says which step failed.
	ErrDecapsulationFailed = errors.New("decapsulation failed")

	// ErrNoParticipants is returned when an epoch is requested for no devices.
	ErrNoParticipants = errors.New("no participant devices")

	// ErrKeyUnavailable is returned when no key pair held locally can
	// recover an epoch key.
	ErrKeyUnavailable = errors.New("epoch key unavailable")
)

// KeySource resolves device key pairs. *keyring.Keyring implements it.
type KeySource interface {
	// Active returns the public view of the device's active pair for alg.
	Active(deviceID string, alg crypto.Algorithm) (*model.KeyPair, error)
	// ByFingerprint returns a pair with its private handle.
	ByFingerprint(deviceID, fingerprint string) (*model.KeyPair, error)
	// Algorithms lists what the device holds active pairs for.
	Algorithms(deviceID string) []crypto.Algorithm
}

// Epoch is a committed epoch. The symmetric key is not part of it.
type Epoch struct {
	Header  *model.EpochHeader
	Records []*model.WrappedKeyRecord
}

type epochID struct {
	conversation string
	epoch        uint64
}

// Engine wraps and unwraps epoch keys. Raw keys live only in its memory.
type Engine struct {
	provider    *crypto.Provider
	keys        KeySource
	store       interfaces.KeyStore
	audit       interfaces.AuditSink
	clock       crypto.TimeProvider
	parallelism int

	mu    sync.RWMutex
	cache map[epochID][]byte
}

// Option configures an Engine.
type Option func(*Engine)

// WithAudit sets the audit sink.
func WithAudit(sink interfaces.AuditSink) Option {
	return func(e *Engine) { e.audit = sink }
}

// WithClock sets the time source for header and record timestamps.
func WithClock(clock crypto.TimeProvider) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithParallelism bounds concurrent wraps within one epoch.
func WithParallelism(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// New returns an engine.
func New(provider *crypto.Provider, keys KeySource, store interfaces.KeyStore, opts ...Option) *Engine {
	e := &Engine{
		provider:    provider,
		keys:        keys,
		store:       store,
		audit:       audit.Discard,
		clock:       crypto.DefaultTimeProvider{},
		parallelism: runtime.GOMAXPROCS(0),
		cache:       make(map[epochID][]byte),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the key store the engine commits to.
func (e *Engine) Store() interfaces.KeyStore {
	return e.store
}

// CreateEpoch generates a fresh key, wraps it for every device with the
// negotiated algorithm and commits the header and all records at once. On
// any failure nothing is persisted and the key is wiped.
func (e *Engine) CreateEpoch(ctx context.Context, conversationID string, devices []model.Device, negotiated negotiation.Result, prevEpoch uint64) (*Epoch, error) {
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: conversation %s", ErrNoParticipants, conversationID)
	}
	alg := negotiated.Algorithm

	key, err := crypto.RandomBytes(e.provider.Entropy(), crypto.SymmetricKeySize)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			crypto.ZeroBytes(key)
		}
	}()

	now := e.clock.Now()
	header := &model.EpochHeader{
		ConversationID: conversationID,
		Epoch:          prevEpoch + 1,
		Algorithm:      alg,
		MixedMode:      negotiated.MixedMode,
		CreatedAt:      now,
	}
	for _, d := range devices {
		header.Recipients = append(header.Recipients, d.ID)
	}
	sort.Strings(header.Recipients)
	header.KeyCheck = crypto.KeyCheck(key, header.KeyCheckContext())

	records := make([]*model.WrappedKeyRecord, len(devices))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i, d := range devices {
		g.Go(func() error {
			r, err := e.wrap(header, d.ID, key, now)
			if err != nil {
				return fmt.Errorf("wrap for device %s: %w", d.ID, err)
			}
			records[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := e.store.CommitEpoch(ctx, header, records, prevEpoch); err != nil {
		return nil, fmt.Errorf("commit epoch %d of %s: %w", header.Epoch, conversationID, err)
	}
	committed = true

	e.mu.Lock()
	e.cache[epochID{conversationID, header.Epoch}] = key
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":        "CreateEpoch",
		"conversation_id": conversationID,
		"epoch":           header.Epoch,
		"algorithm":       alg,
		"mixed_mode":      header.MixedMode,
		"recipients":      len(records),
	}).Info("Epoch created")
	e.audit.Record(model.Event{
		Kind:           model.EventEpochCreated,
		ConversationID: conversationID,
		Epoch:          header.Epoch,
		Algorithm:      alg,
		Outcome:        model.OutcomeSuccess,
		Time:           now,
	})

	return &Epoch{Header: header.Clone(), Records: records}, nil
}

// wrap seals key for one device's active pair.
func (e *Engine) wrap(header *model.EpochHeader, deviceID string, key []byte, now time.Time) (*model.WrappedKeyRecord, error) {
	kp, err := e.keys.Active(deviceID, header.Algorithm)
	if err != nil {
		return nil, err
	}
	r := &model.WrappedKeyRecord{
		ConversationID: header.ConversationID,
		Epoch:          header.Epoch,
		DeviceID:       deviceID,
		Algorithm:      header.Algorithm,
		KeyFingerprint: kp.Fingerprint,
		CreatedAt:      now,
	}
	r.Wrapped, err = e.provider.WrapKey(header.Algorithm, kp.Public, key, r.AssociatedData())
	if err != nil {
		return nil, err
	}
	return r, nil
}

// UnwrapFor returns the active epoch key for a device. Header and record
// are read in one store step, so a concurrent rotation resolves to either
// the old or the new epoch.
func (e *Engine) UnwrapFor(ctx context.Context, deviceID, conversationID string) ([]byte, *model.EpochHeader, error) {
	h, r, err := e.store.ActiveRecord(ctx, conversationID, deviceID)
	if errors.Is(err, interfaces.ErrNotFound) {
		e.deny(conversationID, 0, deviceID, "no active epoch")
		return nil, nil, fmt.Errorf("%w: %s has no active epoch", ErrNotAuthorized, conversationID)
	}
	if err != nil {
		return nil, nil, err
	}
	key, err := e.unwrap(deviceID, h, r)
	if err != nil {
		return nil, nil, err
	}
	return key, h, nil
}

// UnwrapEpoch returns a specific epoch key for a device.
func (e *Engine) UnwrapEpoch(ctx context.Context, deviceID, conversationID string, epoch uint64) ([]byte, error) {
	h, err := e.store.Epoch(ctx, conversationID, epoch)
	if errors.Is(err, interfaces.ErrNotFound) {
		e.deny(conversationID, epoch, deviceID, "epoch unknown or purged")
		return nil, fmt.Errorf("%w: %s epoch %d", ErrNotAuthorized, conversationID, epoch)
	}
	if err != nil {
		return nil, err
	}
	var r *model.WrappedKeyRecord
	if h.HasRecipient(deviceID) {
		r, err = e.store.Record(ctx, conversationID, epoch, deviceID)
		if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
			return nil, err
		}
	}
	return e.unwrap(deviceID, h, r)
}

func (e *Engine) unwrap(deviceID string, h *model.EpochHeader, r *model.WrappedKeyRecord) ([]byte, error) {
	if !h.HasRecipient(deviceID) {
		e.deny(h.ConversationID, h.Epoch, deviceID, "not a recipient")
		return nil, fmt.Errorf("%w: device %s, %s epoch %d", ErrNotAuthorized, deviceID, h.ConversationID, h.Epoch)
	}
	if r == nil {
		logrus.WithFields(logrus.Fields{
			"function":        "unwrap",
			"conversation_id": h.ConversationID,
			"epoch":           h.Epoch,
			"device_id":       deviceID,
		}).Error("Recipient has no wrapped key record")
		e.audit.Record(model.Event{
			Kind:           model.EventRecordMissing,
			ConversationID: h.ConversationID,
			Epoch:          h.Epoch,
			DeviceID:       deviceID,
			Outcome:        model.OutcomeFailure,
			Time:           e.clock.Now(),
		})
		return nil, fmt.Errorf("%w: device %s, %s epoch %d", ErrNoSuchRecord, deviceID, h.ConversationID, h.Epoch)
	}

	key, err := e.open(h, r)
	if err != nil {
		crypto.NewLogger("unwrap").
			WithField("conversation_id", h.ConversationID).
			WithField("epoch", h.Epoch).
			WithField("device_id", deviceID).
			WithBlob("envelope", r.Wrapped).
			WithError(err, "unwrap").
			Debug("Unwrap failed")
		return nil, ErrDecapsulationFailed
	}
	return key, nil
}

// open decapsulates a record with the device's pair and checks the key
// against the header commitment.
func (e *Engine) open(h *model.EpochHeader, r *model.WrappedKeyRecord) ([]byte, error) {
	kp, err := e.keys.ByFingerprint(r.DeviceID, r.KeyFingerprint)
	if err != nil {
		return nil, err
	}
	defer crypto.WipeKeyPair(&kp.KeyPair)

	key, err := e.provider.UnwrapKey(r.Algorithm, kp.Private, r.Wrapped, r.AssociatedData())
	if err != nil {
		return nil, err
	}
	if !crypto.VerifyKeyCheck(key, h.KeyCheckContext(), h.KeyCheck) {
		crypto.ZeroBytes(key)
		return nil, errors.New("key check mismatch")
	}
	return key, nil
}

func (e *Engine) deny(conversationID string, epoch uint64, deviceID, detail string) {
	e.audit.Record(model.Event{
		Kind:           model.EventUnwrapDenied,
		ConversationID: conversationID,
		Epoch:          epoch,
		DeviceID:       deviceID,
		Outcome:        model.OutcomeFailure,
		Detail:         detail,
		Time:           e.clock.Now(),
	})
}

// ActiveKey returns a copy of the active epoch key for encrypting outgoing
// messages, along with its header.
func (e *Engine) ActiveKey(ctx context.Context, conversationID string) ([]byte, *model.EpochHeader, error) {
	h, err := e.store.ActiveEpoch(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	key, err := e.epochKey(ctx, h)
	if err != nil {
		return nil, nil, err
	}
	return key, h, nil
}

// epochKey returns a copy of an epoch's key from memory, or recovers it
// through any recipient whose pair is held locally.
func (e *Engine) epochKey(ctx context.Context, h *model.EpochHeader) ([]byte, error) {
	id := epochID{h.ConversationID, h.Epoch}
	e.mu.RLock()
	if k, ok := e.cache[id]; ok {
		out := append([]byte(nil), k...)
		e.mu.RUnlock()
		return out, nil
	}
	e.mu.RUnlock()

	for _, deviceID := range h.Recipients {
		r, err := e.store.Record(ctx, h.ConversationID, h.Epoch, deviceID)
		if errors.Is(err, interfaces.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		key, err := e.open(h, r)
		if err != nil {
			continue
		}
		e.mu.Lock()
		if _, ok := e.cache[id]; !ok {
			e.cache[id] = append([]byte(nil), key...)
		}
		e.mu.Unlock()
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s epoch %d", ErrKeyUnavailable, h.ConversationID, h.Epoch)
}

// WrapForDevice adds a record for device to the active epoch.
func (e *Engine) WrapForDevice(ctx context.Context, conversationID string, deviceID string) (*model.WrappedKeyRecord, error) {
	h, err := e.store.ActiveEpoch(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return e.WrapEpochForDevice(ctx, h, deviceID)
}

// WrapEpochForDevice adds a record for device to the given epoch.
func (e *Engine) WrapEpochForDevice(ctx context.Context, h *model.EpochHeader, deviceID string) (*model.WrappedKeyRecord, error) {
	key, err := e.epochKey(ctx, h)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(key)

	now := e.clock.Now()
	r, err := e.wrap(h, deviceID, key, now)
	if err != nil {
		return nil, fmt.Errorf("wrap for device %s: %w", deviceID, err)
	}
	if err := e.store.AddRecord(ctx, r); err != nil {
		return nil, fmt.Errorf("store record for %s: %w", deviceID, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":        "WrapEpochForDevice",
		"conversation_id": h.ConversationID,
		"epoch":           h.Epoch,
		"device_id":       deviceID,
	}).Debug("Epoch key wrapped for device")
	e.audit.Record(model.Event{
		Kind:           model.EventKeyWrapped,
		ConversationID: h.ConversationID,
		Epoch:          h.Epoch,
		DeviceID:       deviceID,
		Algorithm:      h.Algorithm,
		Outcome:        model.OutcomeSuccess,
		Time:           now,
	})
	return r, nil
}

// Forget wipes an epoch key from memory.
func (e *Engine) Forget(conversationID string, epoch uint64) {
	id := epochID{conversationID, epoch}
	e.mu.Lock()
	if k, ok := e.cache[id]; ok {
		crypto.ZeroBytes(k)
		delete(e.cache, id)
	}
	e.mu.Unlock()
}

// Cached reports whether an epoch key is held in memory.
func (e *Engine) Cached(conversationID string, epoch uint64) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.cache[epochID{conversationID, epoch}]
	return ok
}

// Capabilities returns, per device, the advertised algorithms the device
// also holds an active key pair for.
func (e *Engine) Capabilities(devices []model.Device) []negotiation.DeviceCapabilities {
	out := make([]negotiation.DeviceCapabilities, 0, len(devices))
	for _, d := range devices {
		held := e.keys.Algorithms(d.ID)
		var algs []crypto.Algorithm
		for _, a := range d.SupportedAlgorithms {
			if crypto.ContainsAlgorithm(held, a) {
				algs = append(algs, a)
			}
		}
		out = append(out, negotiation.DeviceCapabilities{DeviceID: d.ID, Algorithms: algs})
	}
	return out
}
