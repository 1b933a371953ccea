package audit

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/opd-ai/keyratchet/model"
)

// ErrChainBroken is returned by Verify when an entry no longer matches its hash.
var ErrChainBroken = errors.New("audit chain broken")

// Entry is an event with its position in the hash chain.
type Entry struct {
	Event model.Event
	// Hash is SHA-256 over the previous entry's hash and the encoded event.
	Hash [32]byte
}

var chainEncoding cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	chainEncoding, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
}

// MemorySink keeps events in memory, each chained to its predecessor by
// hash so that edits and deletions are detectable.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemorySink returns an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func chainHash(prev [32]byte, ev model.Event) ([32]byte, error) {
	b, err := chainEncoding.Marshal(ev)
	if err != nil {
		return [32]byte{}, err
	}
	h := sha256.New()
	h.Write(prev[:])
	h.Write(b)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// Record implements interfaces.AuditSink.
func (s *MemorySink) Record(ev model.Event) {
	ev = stamp(ev)

	s.mu.Lock()
	defer s.mu.Unlock()
	var prev [32]byte
	if n := len(s.entries); n > 0 {
		prev = s.entries[n-1].Hash
	}
	h, err := chainHash(prev, ev)
	if err != nil {
		// Events hold only strings, numbers and times; this is unreachable.
		panic(fmt.Sprintf("audit: encode event: %v", err))
	}
	s.entries = append(s.entries, Entry{Event: ev, Hash: h})
}

// Entries returns a copy of the chain.
func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

// Events returns the recorded events, optionally only those of the given kinds.
func (s *MemorySink) Events(kinds ...model.EventKind) []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Event
	for _, e := range s.entries {
		if len(kinds) == 0 || containsKind(kinds, e.Event.Kind) {
			out = append(out, e.Event)
		}
	}
	return out
}

func containsKind(kinds []model.EventKind, k model.EventKind) bool {
	for _, c := range kinds {
		if c == k {
			return true
		}
	}
	return false
}

// Verify recomputes the chain and reports the first mismatch.
func (s *MemorySink) Verify() error {
	return VerifyChain(s.Entries())
}

// VerifyChain checks a chain exported with Entries.
func VerifyChain(entries []Entry) error {
	var prev [32]byte
	for i, e := range entries {
		h, err := chainHash(prev, e.Event)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrChainBroken, i, err)
		}
		if h != e.Hash {
			return fmt.Errorf("%w at entry %d (%s)", ErrChainBroken, i, e.Event.ID)
		}
		prev = h
	}
	return nil
}
