// Package directory provides an in-memory interfaces.ParticipantDirectory
// for tests, tooling and single-process deployments.
package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/keyratchet/interfaces"
	"github.com/opd-ai/keyratchet/model"
)

// Memory keeps devices and conversation membership in maps. It is safe for
// concurrent use.
type Memory struct {
	mu      sync.RWMutex
	devices map[string]model.Device
	// members maps a conversation to its user IDs.
	members map[string]map[string]struct{}
}

var _ interfaces.ParticipantDirectory = (*Memory)(nil)

// NewMemory returns an empty directory.
func NewMemory() *Memory {
	return &Memory{
		devices: make(map[string]model.Device),
		members: make(map[string]map[string]struct{}),
	}
}

// PutDevice adds or replaces a device. An empty trust state is stored as trusted.
func (m *Memory) PutDevice(d model.Device) {
	if d.Trust == "" {
		d.Trust = model.TrustTrusted
	}
	d.SupportedAlgorithms = append(d.SupportedAlgorithms[:0:0], d.SupportedAlgorithms...)

	m.mu.Lock()
	m.devices[d.ID] = d
	m.mu.Unlock()
}

// SetTrust changes a device's trust state.
func (m *Memory) SetTrust(ctx context.Context, deviceID string, trust model.TrustState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: device %s", interfaces.ErrNotFound, deviceID)
	}
	logrus.WithFields(logrus.Fields{
		"function":  "SetTrust",
		"device_id": deviceID,
		"from":      d.Trust,
		"to":        trust,
	}).Debug("Device trust changed")
	d.Trust = trust
	m.devices[deviceID] = d
	return nil
}

// Join adds users to a conversation, creating it when needed.
func (m *Memory) Join(conversationID string, userIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.members[conversationID]
	if set == nil {
		set = make(map[string]struct{})
		m.members[conversationID] = set
	}
	for _, u := range userIDs {
		set[u] = struct{}{}
	}
}

// Leave removes a user from a conversation.
func (m *Memory) Leave(conversationID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members[conversationID], userID)
}

// Members returns the conversation's user IDs, sorted.
func (m *Memory) Members(conversationID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.members[conversationID])
}

// ListActiveTrustedDevices implements interfaces.ParticipantDirectory.
// Devices are ordered by ID.
func (m *Memory) ListActiveTrustedDevices(ctx context.Context, conversationID string) ([]model.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	users, ok := m.members[conversationID]
	if !ok {
		return nil, fmt.Errorf("%w: conversation %s", interfaces.ErrNotFound, conversationID)
	}
	var out []model.Device
	for _, d := range m.devices {
		if _, member := users[d.UserID]; member && d.Active() {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListConversations implements interfaces.ParticipantDirectory.
func (m *Memory) ListConversations(ctx context.Context, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for conv, users := range m.members {
		if _, ok := users[userID]; ok {
			out = append(out, conv)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Device implements interfaces.ParticipantDirectory.
func (m *Memory) Device(ctx context.Context, deviceID string) (model.Device, error) {
	if err := ctx.Err(); err != nil {
		return model.Device{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.devices[deviceID]
	if !ok {
		return model.Device{}, fmt.Errorf("%w: device %s", interfaces.ErrNotFound, deviceID)
	}
	return d, nil
}

// UserDevices returns every device of a user in any trust state, ordered by ID.
func (m *Memory) UserDevices(userID string) []model.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Device
	for _, d := range m.devices {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
