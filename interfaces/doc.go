// Package interfaces defines the collaborators the keyratchet core consumes:
// a participant directory, a durable key store, an audit sink and an entropy
// source.
//
// The core never owns application data. It asks the directory which devices
// belong to a conversation, persists only epoch headers and wrapped key
// blobs, and reports lifecycle events to the audit sink.
//
// # Key Store
//
// [KeyStore] persists [model.EpochHeader] and [model.WrappedKeyRecord]
// values. Implementations live in the store packages (memory, Postgres,
// Redis). The contract that matters most is atomicity:
//
//   - CommitEpoch stores a header and all of its records, and supersedes the
//     previous active epoch, in one step. Either everything is visible or
//     nothing is.
//   - CommitEpoch fails with [ErrEpochConflict] when the active epoch is not
//     the one the caller expected, so concurrent rotations cannot both win.
//   - ActiveRecord reads the active header and one device's record together,
//     so a reader never sees a half-finished rotation.
//
// Lookups of absent data return [ErrNotFound]. DeleteEpoch refuses the
// active epoch with [ErrActiveEpoch].
//
//	err := store.CommitEpoch(ctx, header, records, previous)
//	if errors.Is(err, interfaces.ErrEpochConflict) {
//	    // another rotation won; re-read and decide again
//	}
//
// # Thread Safety
//
// All implementations of these interfaces must be safe for concurrent use.
// AuditSink.Record is called on hot paths and must not block.
package interfaces
