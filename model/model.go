// Package model holds the records shared by the keyratchet packages: devices,
// their key pairs, epoch headers, wrapped key records and lifecycle events.
package model

import (
	"fmt"
	"time"

	"github.com/opd-ai/keyratchet/crypto"
)

// TrustState is a device's standing within its user's device set.
type TrustState string

const (
	TrustTrusted   TrustState = "trusted"
	TrustUntrusted TrustState = "untrusted"
	TrustSuspended TrustState = "suspended"
	TrustRevoked   TrustState = "revoked"
)

// DeviceClass is informational only.
type DeviceClass string

const (
	ClassMobile  DeviceClass = "mobile"
	ClassDesktop DeviceClass = "desktop"
	ClassWeb     DeviceClass = "web"
)

// Device is one endpoint of a user.
type Device struct {
	ID                  string
	UserID              string
	Name                string
	Class               DeviceClass
	SupportedAlgorithms []crypto.Algorithm
	Trust               TrustState
	CreatedAt           time.Time
	LastSeenAt          time.Time
	// Fingerprint identifies the device's primary public key for out-of-band checks.
	Fingerprint string
}

// Active reports whether the device may receive new wrapped keys.
func (d Device) Active() bool {
	return d.Trust == TrustTrusted
}

// Supports reports whether the device advertises the algorithm.
func (d Device) Supports(alg crypto.Algorithm) bool {
	return crypto.ContainsAlgorithm(d.SupportedAlgorithms, alg)
}

// KeyPair is a device's credential for one algorithm.
type KeyPair struct {
	DeviceID string
	UserID   string
	crypto.KeyPair
	CreatedAt time.Time
	// SupersededBy is the fingerprint of the replacing pair, empty while active.
	SupersededBy string
	// Revoked pairs are never used for new wraps.
	Revoked bool
}

// Active reports whether the pair is the current one for its algorithm.
func (k *KeyPair) Active() bool {
	return k.SupersededBy == "" && !k.Revoked
}

// EpochHeader describes one conversation key without the key itself.
type EpochHeader struct {
	ConversationID string
	Epoch          uint64
	Algorithm      crypto.Algorithm
	MixedMode      bool
	// KeyCheck commits to the symmetric key; see crypto.KeyCheck.
	KeyCheck   []byte
	Recipients []string
	CreatedAt  time.Time
	// SupersededAt is nil while the epoch is active.
	SupersededAt *time.Time
}

// Active reports whether the epoch is the conversation's current one.
func (h *EpochHeader) Active() bool {
	return h.SupersededAt == nil
}

// HasRecipient reports whether the device was a recipient of this epoch.
func (h *EpochHeader) HasRecipient(deviceID string) bool {
	for _, id := range h.Recipients {
		if id == deviceID {
			return true
		}
	}
	return false
}

// KeyCheckContext is the context string bound into the key-check value.
func (h *EpochHeader) KeyCheckContext() string {
	return KeyContext(h.ConversationID, h.Epoch, h.Algorithm)
}

// Clone returns a deep copy.
func (h *EpochHeader) Clone() *EpochHeader {
	c := *h
	c.KeyCheck = append([]byte(nil), h.KeyCheck...)
	c.Recipients = append([]string(nil), h.Recipients...)
	if h.SupersededAt != nil {
		t := *h.SupersededAt
		c.SupersededAt = &t
	}
	return &c
}

// KeyContext binds a key to its conversation, epoch and algorithm.
func KeyContext(conversationID string, epoch uint64, alg crypto.Algorithm) string {
	return fmt.Sprintf("%s|%d|%s", conversationID, epoch, alg)
}

// WrappedKeyRecord is an epoch key wrapped for one device.
type WrappedKeyRecord struct {
	ConversationID string
	Epoch          uint64
	DeviceID       string
	Algorithm      crypto.Algorithm
	// KeyFingerprint names the device key pair the record was wrapped to.
	KeyFingerprint string
	Wrapped        []byte
	CreatedAt      time.Time
}

// AssociatedData binds the envelope to its conversation, epoch, device and algorithm.
func (r *WrappedKeyRecord) AssociatedData() []byte {
	return []byte(KeyContext(r.ConversationID, r.Epoch, r.Algorithm) + "|" + r.DeviceID)
}

// Ref returns the record's identity without the envelope.
func (r *WrappedKeyRecord) Ref() RecordRef {
	return RecordRef{
		ConversationID: r.ConversationID,
		Epoch:          r.Epoch,
		DeviceID:       r.DeviceID,
		Algorithm:      r.Algorithm,
		KeyFingerprint: r.KeyFingerprint,
	}
}

// Clone returns a deep copy.
func (r *WrappedKeyRecord) Clone() *WrappedKeyRecord {
	c := *r
	c.Wrapped = append([]byte(nil), r.Wrapped...)
	return &c
}

// RecordRef points at a wrapped key record.
type RecordRef struct {
	ConversationID string           `cbor:"1,keyasint"`
	Epoch          uint64           `cbor:"2,keyasint"`
	DeviceID       string           `cbor:"3,keyasint"`
	Algorithm      crypto.Algorithm `cbor:"4,keyasint"`
	KeyFingerprint string           `cbor:"5,keyasint"`
}
