package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/opd-ai/keyratchet/interfaces"
	"github.com/opd-ai/keyratchet/model"
)

// Memory is an in-process KeyStore. Every value is copied on the way in and
// out, so callers can never mutate stored state.
type Memory struct {
	mu    sync.RWMutex
	convs map[string]*memConversation
}

type memConversation struct {
	active uint64
	last   uint64
	epochs map[uint64]*memEpoch
}

type memEpoch struct {
	header  *model.EpochHeader
	records map[string]*model.WrappedKeyRecord
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{convs: make(map[string]*memConversation)}
}

var _ interfaces.KeyStore = (*Memory)(nil)

// CommitEpoch implements interfaces.KeyStore.
func (m *Memory) CommitEpoch(ctx context.Context, header *model.EpochHeader, records []*model.WrappedKeyRecord, prevEpoch uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateCommit(header, records); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conv := m.convs[header.ConversationID]
	if conv == nil {
		conv = &memConversation{epochs: make(map[uint64]*memEpoch)}
	}
	if conv.active != prevEpoch {
		return fmt.Errorf("%w: %s active epoch is %d, expected %d",
			interfaces.ErrEpochConflict, header.ConversationID, conv.active, prevEpoch)
	}
	if header.Epoch <= conv.last {
		return fmt.Errorf("%w: %s epoch %d not after %d",
			interfaces.ErrEpochConflict, header.ConversationID, header.Epoch, conv.last)
	}

	entry := &memEpoch{
		header:  header.Clone(),
		records: make(map[string]*model.WrappedKeyRecord, len(records)),
	}
	entry.header.SupersededAt = nil
	for _, r := range records {
		entry.records[r.DeviceID] = r.Clone()
	}

	if prev := conv.epochs[conv.active]; prev != nil {
		at := header.CreatedAt
		prev.header.SupersededAt = &at
	}
	conv.epochs[header.Epoch] = entry
	conv.active = header.Epoch
	conv.last = header.Epoch
	m.convs[header.ConversationID] = conv
	return nil
}

// ActiveEpoch implements interfaces.KeyStore.
func (m *Memory) ActiveEpoch(ctx context.Context, conversationID string) (*model.EpochHeader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, err := m.activeLocked(conversationID)
	if err != nil {
		return nil, err
	}
	return e.header.Clone(), nil
}

func (m *Memory) activeLocked(conversationID string) (*memEpoch, error) {
	conv := m.convs[conversationID]
	if conv == nil || conv.active == 0 {
		return nil, fmt.Errorf("%w: no active epoch for %s", interfaces.ErrNotFound, conversationID)
	}
	return conv.epochs[conv.active], nil
}

// Epoch implements interfaces.KeyStore.
func (m *Memory) Epoch(ctx context.Context, conversationID string, epoch uint64) (*model.EpochHeader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	e := m.epochLocked(conversationID, epoch)
	if e == nil {
		return nil, fmt.Errorf("%w: %s epoch %d", interfaces.ErrNotFound, conversationID, epoch)
	}
	return e.header.Clone(), nil
}

func (m *Memory) epochLocked(conversationID string, epoch uint64) *memEpoch {
	conv := m.convs[conversationID]
	if conv == nil {
		return nil
	}
	return conv.epochs[epoch]
}

// ListEpochs implements interfaces.KeyStore.
func (m *Memory) ListEpochs(ctx context.Context, conversationID string) ([]*model.EpochHeader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv := m.convs[conversationID]
	if conv == nil {
		return nil, nil
	}
	out := make([]*model.EpochHeader, 0, len(conv.epochs))
	for _, e := range conv.epochs {
		out = append(out, e.header.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Epoch < out[j].Epoch })
	return out, nil
}

// ActiveRecord implements interfaces.KeyStore.
func (m *Memory) ActiveRecord(ctx context.Context, conversationID, deviceID string) (*model.EpochHeader, *model.WrappedKeyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, err := m.activeLocked(conversationID)
	if err != nil {
		return nil, nil, err
	}
	var rec *model.WrappedKeyRecord
	if r := e.records[deviceID]; r != nil {
		rec = r.Clone()
	}
	return e.header.Clone(), rec, nil
}

// Record implements interfaces.KeyStore.
func (m *Memory) Record(ctx context.Context, conversationID string, epoch uint64, deviceID string) (*model.WrappedKeyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	e := m.epochLocked(conversationID, epoch)
	if e == nil || e.records[deviceID] == nil {
		return nil, fmt.Errorf("%w: record %s/%d/%s", interfaces.ErrNotFound, conversationID, epoch, deviceID)
	}
	return e.records[deviceID].Clone(), nil
}

// AddRecord implements interfaces.KeyStore.
func (m *Memory) AddRecord(ctx context.Context, record *model.WrappedKeyRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateRecord(record); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.epochLocked(record.ConversationID, record.Epoch)
	if e == nil {
		return fmt.Errorf("%w: %s epoch %d", interfaces.ErrNotFound, record.ConversationID, record.Epoch)
	}
	e.records[record.DeviceID] = record.Clone()
	if !e.header.HasRecipient(record.DeviceID) {
		e.header.Recipients = append(e.header.Recipients, record.DeviceID)
	}
	return nil
}

// DeleteEpoch implements interfaces.KeyStore.
func (m *Memory) DeleteEpoch(ctx context.Context, conversationID string, epoch uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	conv := m.convs[conversationID]
	if conv == nil {
		return nil
	}
	if conv.active == epoch {
		return fmt.Errorf("%w: %s epoch %d", interfaces.ErrActiveEpoch, conversationID, epoch)
	}
	e := conv.epochs[epoch]
	if e == nil {
		return nil
	}
	for id, r := range e.records {
		clear(r.Wrapped)
		delete(e.records, id)
	}
	delete(conv.epochs, epoch)
	return nil
}

// DeleteDeviceRecords implements interfaces.KeyStore.
func (m *Memory) DeleteDeviceRecords(ctx context.Context, deviceID string, supersededToo bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for _, conv := range m.convs {
		for _, e := range conv.epochs {
			if !supersededToo && !e.header.Active() {
				continue
			}
			r := e.records[deviceID]
			if r == nil && !e.header.HasRecipient(deviceID) {
				continue
			}
			if r != nil {
				clear(r.Wrapped)
				delete(e.records, deviceID)
				removed++
			}
			e.header.Recipients = removeString(e.header.Recipients, deviceID)
		}
	}
	return removed, nil
}

// ListDeviceRecords implements interfaces.KeyStore.
func (m *Memory) ListDeviceRecords(ctx context.Context, deviceID string) ([]model.RecordRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.RecordRef
	for _, conv := range m.convs {
		for _, e := range conv.epochs {
			if r := e.records[deviceID]; r != nil {
				out = append(out, r.Ref())
			}
		}
	}
	SortRefs(out)
	return out, nil
}

// Records returns a copy of every stored record. It exists for inspection
// in tests and tooling.
func (m *Memory) Records() []*model.WrappedKeyRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.WrappedKeyRecord
	for _, conv := range m.convs {
		for _, e := range conv.epochs {
			for _, r := range e.records {
				out = append(out, r.Clone())
			}
		}
	}
	return out
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
