package model

import (
	"time"

	"github.com/opd-ai/keyratchet/crypto"
)

// EventKind names a key lifecycle event.
type EventKind string

const (
	EventKeyPairGenerated    EventKind = "keypair_generated"
	EventKeyPairSuperseded   EventKind = "keypair_superseded"
	EventEpochCreated        EventKind = "epoch_created"
	EventEpochPurged         EventKind = "epoch_purged"
	EventKeyWrapped          EventKind = "key_wrapped"
	EventKeyUnwrapped        EventKind = "key_unwrapped"
	EventUnwrapDenied        EventKind = "unwrap_denied"
	EventRecordMissing       EventKind = "record_missing"
	EventRotationStarted     EventKind = "rotation_started"
	EventRotationFailed      EventKind = "rotation_failed"
	EventPurgeFailed         EventKind = "purge_failed"
	EventNegotiationFailed   EventKind = "negotiation_failed"
	EventDeviceAdded         EventKind = "device_added"
	EventDeviceRevoked       EventKind = "device_revoked"
	EventDeviceSuspended     EventKind = "device_suspended"
	EventBackupCreated       EventKind = "backup_created"
	EventBackupRestored      EventKind = "backup_restored"
	EventBackupRestoreFailed EventKind = "backup_restore_failed"
	EventMixedModeSelected   EventKind = "mixed_mode_selected"
)

// Outcome values for Event.Outcome.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Event is a key lifecycle record for the audit sink. It never carries key
// material; Detail is free text for operators.
type Event struct {
	ID             string
	Kind           EventKind
	ConversationID string
	Epoch          uint64
	DeviceID       string
	UserID         string
	Algorithm      crypto.Algorithm
	Outcome        string
	Detail         string
	Time           time.Time
}
