// Package backup exports a user's key pairs under a password and restores
// them on a new device.
//
// A backup is a [Blob]: a CBOR header carrying the password KDF parameters
// and salt, and an AES-256-GCM ciphertext of a [Snapshot] that binds the
// header as associated data. Every restore failure, whether a wrong
// password, a tampered ciphertext, a malformed header or parameters out of
// bounds, surfaces as [ErrInvalidPassword] after the same key derivation
// work. The actual cause is only written to the audit sink.
package backup

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/keyratchet/audit"
	"github.com/opd-ai/keyratchet/crypto"
	"github.com/opd-ai/keyratchet/interfaces"
	"github.com/opd-ai/keyratchet/keyring"
	"github.com/opd-ai/keyratchet/model"
)

var (
	// ErrInvalidPassword is the only error RestoreBackup returns for a blob
	// that does not open.
	ErrInvalidPassword = errors.New("invalid backup password")
	// ErrEmptyPassword is returned when creating a backup without a password.
	ErrEmptyPassword = errors.New("backup password is empty")
	// ErrNothingToBackUp is returned when the user has no key pairs.
	ErrNothingToBackUp = errors.New("no key pairs to back up")
)

const saltSize = 32

// dummySalt feeds the decoy derivation run for blobs that cannot be opened
// before key derivation.
var dummySalt = make([]byte, saltSize)

// Codec creates and restores backups. It is safe for concurrent use.
type Codec struct {
	keys    *keyring.Keyring
	store   interfaces.KeyStore
	params  crypto.PasswordKDFParams
	cipher  crypto.MessageCipher
	audit   interfaces.AuditSink
	clock   crypto.TimeProvider
	entropy crypto.EntropySource
}

// Option configures a Codec.
type Option func(*Codec)

// WithKDFParams sets the password KDF used for new backups. The key length
// is forced to the cipher key size.
func WithKDFParams(p crypto.PasswordKDFParams) Option {
	return func(c *Codec) { c.params = p }
}

// WithAudit sets the audit sink.
func WithAudit(sink interfaces.AuditSink) Option {
	return func(c *Codec) { c.audit = sink }
}

// WithClock sets the time source.
func WithClock(clock crypto.TimeProvider) Option {
	return func(c *Codec) { c.clock = clock }
}

// WithEntropy sets the source for salts and nonces.
func WithEntropy(entropy crypto.EntropySource) Option {
	return func(c *Codec) { c.entropy = entropy }
}

// New returns a codec over the keyring. The store is consulted for the
// record references included in a snapshot.
func New(keys *keyring.Keyring, store interfaces.KeyStore, opts ...Option) (*Codec, error) {
	aead, err := crypto.NewMessageCipher(crypto.SuiteAES256GCM)
	if err != nil {
		return nil, err
	}
	c := &Codec{
		keys:    keys,
		store:   store,
		params:  crypto.DefaultPasswordKDFParams(),
		cipher:  aead,
		audit:   audit.Discard,
		clock:   crypto.DefaultTimeProvider{},
		entropy: crypto.DefaultEntropy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.params.KeyLength = crypto.SymmetricKeySize
	if err := c.params.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// KDFParams returns the parameters used for new backups.
func (c *Codec) KDFParams() crypto.PasswordKDFParams {
	return c.params
}

// CreateBackup seals every key pair of the user's non-revoked devices,
// together with references to their wrapped key records.
func (c *Codec) CreateBackup(ctx context.Context, userID string, password []byte) (*Blob, error) {
	if len(password) == 0 {
		return nil, ErrEmptyPassword
	}
	pairs := c.keys.Snapshot(userID)
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: user %s", ErrNothingToBackUp, userID)
	}
	snap := &Snapshot{UserID: userID, CreatedAt: c.clock.Now(), KeyPairs: pairs}
	defer snap.Wipe()

	seen := make(map[string]bool)
	for _, kp := range pairs {
		if seen[kp.DeviceID] {
			continue
		}
		seen[kp.DeviceID] = true
		refs, err := c.store.ListDeviceRecords(ctx, kp.DeviceID)
		if err != nil {
			return nil, fmt.Errorf("list records of %s: %w", kp.DeviceID, err)
		}
		snap.Records = append(snap.Records, refs...)
	}

	plaintext, err := encMode.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	defer crypto.ZeroBytes(plaintext)

	salt, err := crypto.RandomBytes(c.entropy, saltSize)
	if err != nil {
		return nil, err
	}
	key, err := crypto.DerivePasswordKey(password, salt, c.params)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(key)

	blob := &Blob{
		ID:        uuid.NewString(),
		UserID:    userID,
		Version:   FormatVersion,
		KDF:       c.params,
		Salt:      salt,
		CreatedAt: snap.CreatedAt,
	}
	nonceSize := c.cipher.Overhead() - 16
	if blob.Nonce, err = crypto.RandomBytes(c.entropy, nonceSize); err != nil {
		return nil, err
	}
	ad, err := blob.associatedData()
	if err != nil {
		return nil, fmt.Errorf("encode backup header: %w", err)
	}
	sealed, err := c.cipher.Seal(key, plaintext, ad, fixedNonce(blob.Nonce))
	if err != nil {
		return nil, err
	}
	blob.Ciphertext = sealed[nonceSize:]

	c.audit.Record(model.Event{
		Kind:    model.EventBackupCreated,
		UserID:  userID,
		Outcome: model.OutcomeSuccess,
		Detail:  fmt.Sprintf("backup %s: %d key pairs, %d records", blob.ID, len(pairs), len(snap.Records)),
		Time:    snap.CreatedAt,
	})
	logrus.WithFields(logrus.Fields{
		"function":  "CreateBackup",
		"user_id":   userID,
		"backup_id": blob.ID,
		"kdf":       blob.KDF.KDF,
		"key_pairs": len(pairs),
	}).Info("Backup created")
	return blob, nil
}

// RestoreBackup opens a blob. On any failure it returns ErrInvalidPassword.
// The caller owns the returned snapshot and should Wipe it once installed.
func (c *Codec) RestoreBackup(ctx context.Context, blob *Blob, password []byte) (*Snapshot, error) {
	snap, cause := c.open(blob, password)
	userID := ""
	if blob != nil {
		userID = blob.UserID
	}
	if cause != nil {
		c.audit.Record(model.Event{
			Kind:    model.EventBackupRestoreFailed,
			UserID:  userID,
			Outcome: model.OutcomeFailure,
			Detail:  cause.Error(),
			Time:    c.clock.Now(),
		})
		logrus.WithFields(logrus.Fields{
			"function": "RestoreBackup",
			"user_id":  userID,
		}).Warn("Backup restore rejected")
		return nil, ErrInvalidPassword
	}

	c.audit.Record(model.Event{
		Kind:    model.EventBackupRestored,
		UserID:  userID,
		Outcome: model.OutcomeSuccess,
		Detail:  fmt.Sprintf("backup %s: %d key pairs", blob.ID, len(snap.KeyPairs)),
		Time:    c.clock.Now(),
	})
	logrus.WithFields(logrus.Fields{
		"function":  "RestoreBackup",
		"user_id":   userID,
		"backup_id": blob.ID,
		"key_pairs": len(snap.KeyPairs),
	}).Info("Backup restored")
	return snap, nil
}

// Install imports the snapshot's key pairs into the keyring and returns how
// many were added.
func (c *Codec) Install(snap *Snapshot) (int, error) {
	if snap == nil {
		return 0, errors.New("nil snapshot")
	}
	return c.keys.Import(snap.KeyPairs)
}

// open returns the snapshot or the reason it could not be recovered.
func (c *Codec) open(blob *Blob, password []byte) (*Snapshot, error) {
	if cause := c.checkHeader(blob); cause != nil {
		// Same derivation cost as a well-formed blob.
		key, _ := crypto.DerivePasswordKey(password, dummySalt, c.params)
		crypto.ZeroBytes(key)
		return nil, cause
	}

	key, err := crypto.DerivePasswordKey(password, blob.Salt, blob.KDF)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(key)

	ad, err := blob.associatedData()
	if err != nil {
		return nil, fmt.Errorf("encode backup header: %w", err)
	}
	sealed := make([]byte, 0, len(blob.Nonce)+len(blob.Ciphertext))
	sealed = append(append(sealed, blob.Nonce...), blob.Ciphertext...)
	plaintext, err := c.cipher.Open(key, sealed, ad)
	if err != nil {
		return nil, fmt.Errorf("open backup %s: %w", blob.ID, err)
	}
	defer crypto.ZeroBytes(plaintext)

	var snap Snapshot
	if err := decMode.Unmarshal(plaintext, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.UserID != blob.UserID {
		snap.Wipe()
		return nil, fmt.Errorf("snapshot of %s in backup of %s", snap.UserID, blob.UserID)
	}
	return &snap, nil
}

func (c *Codec) checkHeader(blob *Blob) error {
	switch {
	case blob == nil:
		return errors.New("nil blob")
	case blob.Version != FormatVersion:
		return fmt.Errorf("unsupported backup version %d", blob.Version)
	case len(blob.Salt) != saltSize:
		return fmt.Errorf("salt is %d bytes", len(blob.Salt))
	case len(blob.Nonce) != c.cipher.Overhead()-16:
		return fmt.Errorf("nonce is %d bytes", len(blob.Nonce))
	case blob.KDF.KeyLength != crypto.SymmetricKeySize:
		return fmt.Errorf("kdf key length %d", blob.KDF.KeyLength)
	}
	return blob.KDF.Validate()
}

// fixedNonce replays a nonce drawn beforehand so it can be bound into the
// associated data.
type fixedNonce []byte

func (n fixedNonce) Read(p []byte) (int, error) {
	return copy(p, n), nil
}
