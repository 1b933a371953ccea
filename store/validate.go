package store

import (
	"errors"
	"fmt"
	"sort"

	"github.com/opd-ai/keyratchet/limits"
	"github.com/opd-ai/keyratchet/model"
)

// ErrInvalidRecord is returned for headers or records that can never be stored.
var ErrInvalidRecord = errors.New("invalid key store record")

// ValidateCommit checks a header and its records before any store mutation.
// Every record must belong to the header's conversation and epoch, and each
// recipient must have exactly one record.
func ValidateCommit(header *model.EpochHeader, records []*model.WrappedKeyRecord) error {
	if header == nil {
		return fmt.Errorf("%w: nil header", ErrInvalidRecord)
	}
	if header.ConversationID == "" || header.Epoch == 0 {
		return fmt.Errorf("%w: header needs a conversation and an epoch >= 1", ErrInvalidRecord)
	}
	if len(records) != len(header.Recipients) {
		return fmt.Errorf("%w: %d records for %d recipients", ErrInvalidRecord, len(records), len(header.Recipients))
	}
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		if err := ValidateRecord(r); err != nil {
			return err
		}
		if r.ConversationID != header.ConversationID || r.Epoch != header.Epoch {
			return fmt.Errorf("%w: record %s/%d does not match header %s/%d",
				ErrInvalidRecord, r.ConversationID, r.Epoch, header.ConversationID, header.Epoch)
		}
		if _, dup := seen[r.DeviceID]; dup {
			return fmt.Errorf("%w: duplicate record for device %s", ErrInvalidRecord, r.DeviceID)
		}
		if !header.HasRecipient(r.DeviceID) {
			return fmt.Errorf("%w: device %s is not a recipient", ErrInvalidRecord, r.DeviceID)
		}
		seen[r.DeviceID] = struct{}{}
	}
	return nil
}

// ValidateRecord checks a single record.
func ValidateRecord(r *model.WrappedKeyRecord) error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if r.ConversationID == "" || r.DeviceID == "" || r.Epoch == 0 {
		return fmt.Errorf("%w: record needs conversation, device and epoch", ErrInvalidRecord)
	}
	if err := limits.ValidateWrappedKey(r.Wrapped); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}

// SortRefs orders references by conversation, epoch and device.
func SortRefs(refs []model.RecordRef) {
	sort.Slice(refs, func(i, j int) bool {
		a, b := refs[i], refs[j]
		if a.ConversationID != b.ConversationID {
			return a.ConversationID < b.ConversationID
		}
		if a.Epoch != b.Epoch {
			return a.Epoch < b.Epoch
		}
		return a.DeviceID < b.DeviceID
	})
}
