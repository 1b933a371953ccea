package keyratchet

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/keyratchet/audit"
	"github.com/opd-ai/keyratchet/backup"
	"github.com/opd-ai/keyratchet/crypto"
	"github.com/opd-ai/keyratchet/devicesync"
	"github.com/opd-ai/keyratchet/interfaces"
	"github.com/opd-ai/keyratchet/keyring"
	"github.com/opd-ai/keyratchet/keywrap"
	"github.com/opd-ai/keyratchet/model"
	"github.com/opd-ai/keyratchet/ratchet"
	"github.com/opd-ai/keyratchet/store"
)

// Manager wires the key management components over an application's
// participant directory and key store. It is safe for concurrent use.
type Manager struct {
	options *Options

	provider  *crypto.Provider
	cipher    crypto.MessageCipher
	keys      *keyring.Keyring
	store     interfaces.KeyStore
	wrapper   *keywrap.Engine
	ratchet   *ratchet.Engine
	devices   *devicesync.Synchronizer
	backups   *backup.Codec
	blobs     backup.Store
	directory interfaces.ParticipantDirectory
	audit     *audit.AsyncSink
	clock     crypto.TimeProvider
	entropy   crypto.EntropySource
}

type managerConfig struct {
	audit   interfaces.AuditSink
	clock   crypto.TimeProvider
	entropy crypto.EntropySource
	blobs   backup.Store
}

// Option configures a Manager beyond its Options.
type Option func(*managerConfig)

// WithAuditSink sets where lifecycle events go. Events are delivered
// asynchronously. The default writes them through logrus.
func WithAuditSink(sink interfaces.AuditSink) Option {
	return func(c *managerConfig) { c.audit = sink }
}

// WithTimeProvider sets the clock, mainly for tests.
func WithTimeProvider(clock crypto.TimeProvider) Option {
	return func(c *managerConfig) { c.clock = clock }
}

// WithEntropy sets the random source for keys, nonces and salts.
func WithEntropy(entropy crypto.EntropySource) Option {
	return func(c *managerConfig) { c.entropy = entropy }
}

// WithBackupStore makes CreateBackup persist blobs and enables
// RestoreStoredBackup.
func WithBackupStore(blobs backup.Store) Option {
	return func(c *managerConfig) { c.blobs = blobs }
}

// New creates a Manager. A nil options selects NewOptions.
func New(options *Options, directory interfaces.ParticipantDirectory, keyStore interfaces.KeyStore, opts ...Option) (*Manager, error) {
	if options == nil {
		options = NewOptions()
	}
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if directory == nil || keyStore == nil {
		return nil, errors.New("directory and key store are required")
	}

	cfg := &managerConfig{
		audit:   audit.NewLogSink(nil),
		clock:   crypto.DefaultTimeProvider{},
		entropy: crypto.DefaultEntropy(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	backend, _ := crypto.ParseBackend(options.Backend)
	provider, err := crypto.NewProvider(backend,
		crypto.WithRSABits(options.RSABits),
		crypto.WithEntropy(cfg.entropy))
	if err != nil {
		return nil, fmt.Errorf("create KEM provider: %w", err)
	}
	suite, _ := crypto.ParseCipherSuite(options.Cipher)
	messageCipher, err := crypto.NewMessageCipher(suite)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		options:   options,
		provider:  provider,
		cipher:    messageCipher,
		store:     store.WithRetry(keyStore, options.retryOptions()),
		blobs:     cfg.blobs,
		directory: directory,
		audit:     audit.NewAsyncSink(cfg.audit, options.AuditBuffer),
		clock:     cfg.clock,
		entropy:   cfg.entropy,
	}
	m.keys = keyring.New(provider, m.clock)
	m.wrapper = keywrap.New(provider, m.keys, m.store,
		keywrap.WithAudit(m.audit),
		keywrap.WithClock(m.clock),
		keywrap.WithParallelism(options.WrapParallelism))
	m.ratchet = ratchet.New(directory, m.wrapper,
		ratchet.WithPolicy(options.Rotation),
		ratchet.WithAudit(m.audit),
		ratchet.WithClock(m.clock))
	m.devices = devicesync.New(m.keys, m.ratchet, directory,
		devicesync.WithAudit(m.audit),
		devicesync.WithClock(m.clock),
		devicesync.WithParallelism(options.RevocationParallelism))
	m.backups, err = backup.New(m.keys, m.store,
		backup.WithKDFParams(options.BackupKDF),
		backup.WithAudit(m.audit),
		backup.WithClock(m.clock),
		backup.WithEntropy(m.entropy))
	if err != nil {
		m.audit.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"backend":  provider.Backend(),
		"cipher":   suite,
		"kdf":      options.BackupKDF.KDF,
	}).Info("Key manager initialized")
	return m, nil
}

// Options returns the configuration the manager was built with.
func (m *Manager) Options() *Options { return m.options }

// Keyring exposes the device key custody.
func (m *Manager) Keyring() *keyring.Keyring { return m.keys }

// Ratchet exposes the rotation engine.
func (m *Manager) Ratchet() *ratchet.Engine { return m.ratchet }

// Dropped returns the number of audit events lost to a full queue.
func (m *Manager) Dropped() uint64 { return m.audit.Dropped() }

// EnrollDevice generates key pairs for a device without distributing any
// conversation keys to it. It returns the public views of new pairs.
func (m *Manager) EnrollDevice(device model.Device) ([]*model.KeyPair, error) {
	pairs, err := m.keys.Enroll(device.UserID, device.ID, device.SupportedAlgorithms)
	if err != nil {
		return nil, err
	}
	out := make([]*model.KeyPair, 0, len(pairs))
	for _, kp := range pairs {
		m.audit.Record(model.Event{
			Kind:      model.EventKeyPairGenerated,
			DeviceID:  device.ID,
			UserID:    device.UserID,
			Algorithm: kp.Algorithm,
			Outcome:   model.OutcomeSuccess,
			Detail:    crypto.FingerprintField(kp.Fingerprint),
			Time:      m.clock.Now(),
		})
		pub := *kp
		pub.KeyPair = *kp.KeyPair.PublicOnly()
		out = append(out, &pub)
	}
	return out, nil
}

// RotateDeviceKey replaces a device's active pair for alg. Records wrapped
// to the old pair stay readable; new epochs use the new one.
func (m *Manager) RotateDeviceKey(deviceID string, alg crypto.Algorithm) (*model.KeyPair, error) {
	kp, err := m.keys.Rotate(deviceID, alg)
	if err != nil {
		return nil, err
	}
	m.audit.Record(model.Event{
		Kind:      model.EventKeyPairGenerated,
		DeviceID:  deviceID,
		UserID:    kp.UserID,
		Algorithm: alg,
		Outcome:   model.OutcomeSuccess,
		Detail:    "rotated " + crypto.FingerprintField(kp.Fingerprint),
		Time:      m.clock.Now(),
	})
	return kp, nil
}

// StartConversation makes sure the conversation has an active epoch.
func (m *Manager) StartConversation(ctx context.Context, conversationID string) (*model.EpochHeader, error) {
	return m.ratchet.Bootstrap(ctx, conversationID)
}

// GetActiveEpochKey returns a copy of the active epoch key of a
// conversation and its header. The caller should zero the key after use.
func (m *Manager) GetActiveEpochKey(ctx context.Context, conversationID string) ([]byte, *model.EpochHeader, error) {
	return m.wrapper.ActiveKey(ctx, conversationID)
}

// UnwrapFor recovers the active epoch key of a conversation for a device.
func (m *Manager) UnwrapFor(ctx context.Context, deviceID, conversationID string) ([]byte, *model.EpochHeader, error) {
	return m.wrapper.UnwrapFor(ctx, deviceID, conversationID)
}

// Rotate forces a new epoch.
func (m *Manager) Rotate(ctx context.Context, conversationID string) (*model.EpochHeader, error) {
	return m.ratchet.Rotate(ctx, conversationID, ratchet.TriggerManual)
}

// AddDevice enrolls a device and gives it the current key of each of its
// user's conversations. Pass devicesync.WithHistory() to include the
// retained older epochs.
func (m *Manager) AddDevice(ctx context.Context, device model.Device, opts ...ratchet.AddOption) (*devicesync.Report, error) {
	return m.devices.OnDeviceAdded(ctx, device.UserID, device, opts...)
}

// RevokeDevice removes a device from every conversation of its user.
func (m *Manager) RevokeDevice(ctx context.Context, userID, deviceID string) (*devicesync.Report, error) {
	return m.devices.OnDeviceRevoked(ctx, userID, deviceID)
}

// SuspendDevice keeps a device out of new epochs until it is added again.
func (m *Manager) SuspendDevice(ctx context.Context, userID, deviceID string) (*devicesync.Report, error) {
	return m.devices.OnDeviceSuspended(ctx, userID, deviceID)
}

// CreateBackup seals the user's key pairs under password. With a backup
// store configured the blob is also persisted.
func (m *Manager) CreateBackup(ctx context.Context, userID string, password []byte) (*backup.Blob, error) {
	blob, err := m.backups.CreateBackup(ctx, userID, password)
	if err != nil {
		return nil, err
	}
	if m.blobs != nil {
		if err := m.blobs.Put(ctx, blob); err != nil {
			return nil, fmt.Errorf("store backup %s: %w", blob.ID, err)
		}
	}
	return blob, nil
}

// RestoreBackup opens a blob and installs its key pairs. It returns the
// number of pairs added. Every failure to open is ErrInvalidPassword.
func (m *Manager) RestoreBackup(ctx context.Context, blob *backup.Blob, password []byte) (int, error) {
	snap, err := m.backups.RestoreBackup(ctx, blob, password)
	if err != nil {
		return 0, err
	}
	defer snap.Wipe()
	return m.backups.Install(snap)
}

// RestoreStoredBackup loads a blob from the backup store and restores it.
func (m *Manager) RestoreStoredBackup(ctx context.Context, userID, backupID string, password []byte) (int, error) {
	if m.blobs == nil {
		return 0, errors.New("no backup store configured")
	}
	blob, err := m.blobs.Get(ctx, userID, backupID)
	if err != nil {
		return 0, err
	}
	return m.RestoreBackup(ctx, blob, password)
}

// Run drives interval rotations and purge retries until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	return m.ratchet.Run(ctx)
}

// Close flushes pending audit events. The manager must not be used after.
func (m *Manager) Close() error {
	return m.audit.Close()
}
