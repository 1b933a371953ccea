package interfaces

import (
	"context"
	"errors"

	"github.com/opd-ai/keyratchet/crypto"
	"github.com/opd-ai/keyratchet/model"
)

var (
	// ErrNotFound is returned when a header or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrEpochConflict is returned by CommitEpoch when the active epoch is
	// not the expected one, or the new epoch number is not the next one.
	ErrEpochConflict = errors.New("epoch conflict")

	// ErrActiveEpoch is returned when deleting the active epoch.
	ErrActiveEpoch = errors.New("epoch is active")
)

// KeyStore is the durable store for epoch headers and wrapped key records.
// It never sees raw symmetric keys.
type KeyStore interface {
	// CommitEpoch atomically stores the header and records and marks the
	// previous active epoch superseded at header.CreatedAt. prevEpoch is the
	// epoch the caller believes is active, 0 when there is none.
	CommitEpoch(ctx context.Context, header *model.EpochHeader, records []*model.WrappedKeyRecord, prevEpoch uint64) error

	// ActiveEpoch returns the conversation's active header.
	ActiveEpoch(ctx context.Context, conversationID string) (*model.EpochHeader, error)

	// Epoch returns one header, active or superseded.
	Epoch(ctx context.Context, conversationID string, epoch uint64) (*model.EpochHeader, error)

	// ListEpochs returns every retained header, oldest first.
	ListEpochs(ctx context.Context, conversationID string) ([]*model.EpochHeader, error)

	// ActiveRecord returns the active header and the device's record in it,
	// read in one consistent step. The record is nil when the header exists
	// but holds no record for the device. ErrNotFound means no active epoch.
	ActiveRecord(ctx context.Context, conversationID, deviceID string) (*model.EpochHeader, *model.WrappedKeyRecord, error)

	// Record returns one wrapped key record.
	Record(ctx context.Context, conversationID string, epoch uint64, deviceID string) (*model.WrappedKeyRecord, error)

	// AddRecord stores a record for an existing epoch and adds the device to
	// the header's recipients. An existing record for the device is replaced.
	AddRecord(ctx context.Context, record *model.WrappedKeyRecord) error

	// DeleteEpoch removes a superseded header and all its records. Deleting
	// an epoch that does not exist is not an error.
	DeleteEpoch(ctx context.Context, conversationID string, epoch uint64) error

	// DeleteDeviceRecords removes the device's records and its entry in
	// each affected header's recipients. With supersededToo false only
	// records in active epochs are removed. It returns the count removed.
	DeleteDeviceRecords(ctx context.Context, deviceID string, supersededToo bool) (int, error)

	// ListDeviceRecords lists references to every record held for a device.
	ListDeviceRecords(ctx context.Context, deviceID string) ([]model.RecordRef, error)
}

// ParticipantDirectory answers membership and device questions. It is
// owned by the application.
type ParticipantDirectory interface {
	// ListActiveTrustedDevices returns the trusted devices of every current
	// member of the conversation.
	ListActiveTrustedDevices(ctx context.Context, conversationID string) ([]model.Device, error)

	// ListConversations returns the conversations the user belongs to.
	ListConversations(ctx context.Context, userID string) ([]string, error)

	// Device returns one device, in any trust state.
	Device(ctx context.Context, deviceID string) (model.Device, error)
}

// AuditSink receives key lifecycle events. Record must not block and must
// not fail the caller.
type AuditSink interface {
	Record(event model.Event)
}

// EntropySource supplies cryptographically secure random bytes.
type EntropySource = crypto.EntropySource
