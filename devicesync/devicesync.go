// Package devicesync fans key material out to a user's devices when one is
// added, and withdraws it when one is revoked or suspended.
package devicesync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/keyratchet/audit"
	"github.com/opd-ai/keyratchet/crypto"
	"github.com/opd-ai/keyratchet/interfaces"
	"github.com/opd-ai/keyratchet/keyring"
	"github.com/opd-ai/keyratchet/model"
	"github.com/opd-ai/keyratchet/ratchet"
)

// ErrUserMismatch is returned when a device does not belong to the given user.
var ErrUserMismatch = errors.New("device belongs to another user")

// DefaultParallelism bounds the per-conversation fan-out.
const DefaultParallelism = 8

// TrustSetter is implemented by directories that accept trust changes.
// When the configured directory implements it, revocation and suspension
// are written back to it.
type TrustSetter interface {
	SetTrust(ctx context.Context, deviceID string, trust model.TrustState) error
}

// Report summarizes one fan-out.
type Report struct {
	// Conversations touched, sorted.
	Conversations []string
	// Rotated lists the conversations that got a new epoch, sorted.
	Rotated []string
	// RecordsDeleted counts wrapped key records removed for a revoked device.
	RecordsDeleted int
}

// Synchronizer reacts to device lifecycle changes. It is safe for concurrent use.
type Synchronizer struct {
	keys        *keyring.Keyring
	ratchet     *ratchet.Engine
	directory   interfaces.ParticipantDirectory
	audit       interfaces.AuditSink
	clock       crypto.TimeProvider
	parallelism int
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithAudit sets the audit sink.
func WithAudit(sink interfaces.AuditSink) Option {
	return func(s *Synchronizer) { s.audit = sink }
}

// WithClock sets the time source for audit events.
func WithClock(clock crypto.TimeProvider) Option {
	return func(s *Synchronizer) { s.clock = clock }
}

// WithParallelism bounds how many conversations are processed at once.
func WithParallelism(n int) Option {
	return func(s *Synchronizer) {
		if n > 0 {
			s.parallelism = n
		}
	}
}

// New returns a synchronizer.
func New(keys *keyring.Keyring, engine *ratchet.Engine, directory interfaces.ParticipantDirectory, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		keys:        keys,
		ratchet:     engine,
		directory:   directory,
		audit:       audit.Discard,
		clock:       crypto.DefaultTimeProvider{},
		parallelism: DefaultParallelism,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithHistory also wraps the retained superseded epochs for the new device.
func WithHistory() ratchet.AddOption {
	return ratchet.WithHistory()
}

// OnDeviceAdded enrolls key pairs for the device if it has none, then wraps
// the current epoch of every conversation of the user for it. It does not
// force rotations; a conversation rotates only when the device cannot use
// its current algorithm.
func (s *Synchronizer) OnDeviceAdded(ctx context.Context, userID string, device model.Device, opts ...ratchet.AddOption) (*Report, error) {
	if device.UserID == "" {
		device.UserID = userID
	}
	if device.UserID != userID {
		return nil, fmt.Errorf("%w: %s is owned by %s", ErrUserMismatch, device.ID, device.UserID)
	}
	if s.keys.Revoked(device.ID) {
		return nil, fmt.Errorf("%w: %s was revoked", ratchet.ErrDeviceExcluded, device.ID)
	}

	generated, err := s.keys.Enroll(userID, device.ID, device.SupportedAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("enroll device %s: %w", device.ID, err)
	}
	for _, kp := range generated {
		s.audit.Record(model.Event{
			Kind:      model.EventKeyPairGenerated,
			DeviceID:  device.ID,
			UserID:    userID,
			Algorithm: kp.Algorithm,
			Outcome:   model.OutcomeSuccess,
			Detail:    crypto.FingerprintField(kp.Fingerprint),
			Time:      s.clock.Now(),
		})
	}
	if s.ratchet.Excluded(device.ID) {
		s.writeTrust(ctx, device.ID, model.TrustTrusted)
		s.ratchet.Include(device.ID)
	}

	convs, err := s.directory.ListConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations of %s: %w", userID, err)
	}

	report := &Report{Conversations: convs}
	err = s.fanOut(convs, func(conv string) (bool, error) {
		return s.ratchet.AddDevice(ctx, conv, device, opts...)
	}, report)

	logrus.WithFields(logrus.Fields{
		"function":      "OnDeviceAdded",
		"user_id":       userID,
		"device_id":     device.ID,
		"conversations": len(convs),
		"rotated":       len(report.Rotated),
		"new_pairs":     len(generated),
	}).Info("Device added")
	return report, err
}

// OnDeviceRevoked withdraws a device for good. The keyring stops issuing
// material for it, its records are deleted and every affected conversation
// rotates so the device cannot read any future epoch. With the ratchet's
// RetainRevokedHistory policy the records of already-delivered epochs stay
// until their epochs are purged.
func (s *Synchronizer) OnDeviceRevoked(ctx context.Context, userID, deviceID string) (*Report, error) {
	s.keys.Revoke(deviceID)
	s.ratchet.Exclude(deviceID)
	s.writeTrust(ctx, deviceID, model.TrustRevoked)

	store := s.ratchet.Wrapper().Store()
	refs, err := store.ListDeviceRecords(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list records of %s: %w", deviceID, err)
	}

	report := &Report{}
	if !s.ratchet.Policy().RetainRevokedHistory {
		report.RecordsDeleted, err = store.DeleteDeviceRecords(ctx, deviceID, true)
		if err != nil {
			return nil, fmt.Errorf("delete records of %s: %w", deviceID, err)
		}
	}

	convs, err := s.affected(ctx, userID, refs)
	if err != nil {
		return nil, err
	}
	report.Conversations = convs

	s.audit.Record(model.Event{
		Kind:     model.EventDeviceRevoked,
		DeviceID: deviceID,
		UserID:   userID,
		Outcome:  model.OutcomeSuccess,
		Detail:   fmt.Sprintf("%d records deleted, %d conversations", report.RecordsDeleted, len(convs)),
		Time:     s.clock.Now(),
	})

	err = s.fanOut(convs, func(conv string) (bool, error) {
		_, err := s.ratchet.Rotate(ctx, conv, ratchet.TriggerRevocation)
		return err == nil, err
	}, report)

	fields := logrus.Fields{
		"function":        "OnDeviceRevoked",
		"user_id":         userID,
		"device_id":       deviceID,
		"records_deleted": report.RecordsDeleted,
		"conversations":   len(convs),
		"rotated":         len(report.Rotated),
	}
	if err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Error("Device revoked but some conversations did not rotate")
	} else {
		logrus.WithFields(fields).Info("Device revoked")
	}
	return report, err
}

// OnDeviceSuspended excludes a device from future epochs and rotates its
// user's conversations. Records of earlier epochs are kept. Adding the
// device again lifts the suspension.
func (s *Synchronizer) OnDeviceSuspended(ctx context.Context, userID, deviceID string) (*Report, error) {
	s.ratchet.Exclude(deviceID)
	s.writeTrust(ctx, deviceID, model.TrustSuspended)

	convs, err := s.directory.ListConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations of %s: %w", userID, err)
	}
	report := &Report{Conversations: convs}

	s.audit.Record(model.Event{
		Kind:     model.EventDeviceSuspended,
		DeviceID: deviceID,
		UserID:   userID,
		Outcome:  model.OutcomeSuccess,
		Time:     s.clock.Now(),
	})

	err = s.fanOut(convs, func(conv string) (bool, error) {
		_, err := s.ratchet.Rotate(ctx, conv, ratchet.TriggerSuspension)
		return err == nil, err
	}, report)

	logrus.WithFields(logrus.Fields{
		"function":      "OnDeviceSuspended",
		"user_id":       userID,
		"device_id":     deviceID,
		"conversations": len(convs),
	}).Info("Device suspended")
	return report, err
}

// affected returns the user's conversations plus every conversation the
// device holds records in, sorted.
func (s *Synchronizer) affected(ctx context.Context, userID string, refs []model.RecordRef) ([]string, error) {
	convs, err := s.directory.ListConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations of %s: %w", userID, err)
	}
	set := make(map[string]struct{}, len(convs)+len(refs))
	for _, c := range convs {
		set[c] = struct{}{}
	}
	for _, r := range refs {
		set[r.ConversationID] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

// fanOut runs fn for every conversation with bounded parallelism. Every
// conversation is attempted; failures are joined.
func (s *Synchronizer) fanOut(convs []string, fn func(conv string) (rotated bool, err error), report *Report) error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(s.parallelism)
	for _, conv := range convs {
		g.Go(func() error {
			rotated, err := fn(conv)
			mu.Lock()
			defer mu.Unlock()
			if rotated {
				report.Rotated = append(report.Rotated, conv)
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("conversation %s: %w", conv, err))
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(report.Rotated)
	return errors.Join(errs...)
}

func (s *Synchronizer) writeTrust(ctx context.Context, deviceID string, trust model.TrustState) {
	ts, ok := s.directory.(TrustSetter)
	if !ok {
		return
	}
	if err := ts.SetTrust(ctx, deviceID, trust); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "writeTrust",
			"device_id": deviceID,
			"trust":     trust,
			"error":     err.Error(),
		}).Warn("Could not record trust change in directory")
	}
}
