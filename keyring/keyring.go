// Package keyring holds device key pairs: at most one active pair per device
// and algorithm, with superseded pairs kept for decapsulating keys that were
// wrapped to them before rotation.
package keyring

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/keyratchet/crypto"
	"github.com/opd-ai/keyratchet/model"
)

var (
	// ErrNoKeyPair is returned when a device holds no usable pair for an algorithm.
	ErrNoKeyPair = errors.New("no key pair for algorithm")
	// ErrDeviceRevoked is returned when new key material is requested for a revoked device.
	ErrDeviceRevoked = errors.New("device revoked")
	// ErrUnknownDevice is returned for devices that were never enrolled.
	ErrUnknownDevice = errors.New("unknown device")
)

type deviceKeys struct {
	userID  string
	revoked bool
	// pairs is ordered oldest first.
	pairs []*model.KeyPair
}

func (d *deviceKeys) active(alg crypto.Algorithm) *model.KeyPair {
	for _, p := range d.pairs {
		if p.Active() && p.Algorithm == alg {
			return p
		}
	}
	return nil
}

// Keyring stores key pairs for many devices. It is safe for concurrent use.
type Keyring struct {
	mu       sync.RWMutex
	provider *crypto.Provider
	clock    crypto.TimeProvider
	devices  map[string]*deviceKeys
}

// New returns an empty keyring generating pairs with provider.
func New(provider *crypto.Provider, clock crypto.TimeProvider) *Keyring {
	if clock == nil {
		clock = crypto.DefaultTimeProvider{}
	}
	return &Keyring{
		provider: provider,
		clock:    clock,
		devices:  make(map[string]*deviceKeys),
	}
}

// Provider returns the KEM provider the keyring generates pairs with.
func (k *Keyring) Provider() *crypto.Provider {
	return k.provider
}

// Enroll makes sure the device holds an active pair for every algorithm it
// supports that the provider implements. Every ML-KEM parameter set gets its
// own pair, so negotiation can settle on any level the device advertises.
// Algorithms that already have an active pair are left alone. It returns the
// public view of the pairs it generated, strongest first.
func (k *Keyring) Enroll(userID, deviceID string, algs []crypto.Algorithm) ([]*model.KeyPair, error) {
	logger := crypto.NewLogger("Enroll").WithFields(logrus.Fields{
		"device_id": deviceID,
		"user_id":   userID,
	})

	wanted := make(map[crypto.Algorithm]struct{})
	for _, alg := range crypto.SortByRank(algs) {
		if !k.provider.Supports(alg) {
			logger.WithField("algorithm", alg).Debug("Skipping algorithm the provider backend lacks")
			continue
		}
		wanted[alg] = struct{}{}
	}
	if len(wanted) == 0 {
		return nil, fmt.Errorf("%w: device %s supports nothing the %s backend implements",
			crypto.ErrUnsupportedAlgorithm, deviceID, k.provider.Backend())
	}

	k.mu.RLock()
	d := k.devices[deviceID]
	if d != nil {
		if d.revoked {
			k.mu.RUnlock()
			return nil, fmt.Errorf("%w: %s", ErrDeviceRevoked, deviceID)
		}
		if d.userID != userID {
			k.mu.RUnlock()
			return nil, fmt.Errorf("device %s belongs to user %s, not %s", deviceID, d.userID, userID)
		}
		for alg := range wanted {
			if d.active(alg) != nil {
				delete(wanted, alg)
			}
		}
	}
	k.mu.RUnlock()

	// Generate outside the lock; RSA generation takes a while.
	generated := make([]*model.KeyPair, 0, len(wanted))
	for _, alg := range sortedKeys(wanted) {
		kp, err := k.provider.GenerateKeyPair(alg)
		if err != nil {
			for _, p := range generated {
				_ = crypto.WipeKeyPair(&p.KeyPair)
			}
			return nil, fmt.Errorf("generate %s key pair for %s: %w", alg, deviceID, err)
		}
		generated = append(generated, &model.KeyPair{
			DeviceID:  deviceID,
			UserID:    userID,
			KeyPair:   *kp,
			CreatedAt: k.clock.Now(),
		})
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	d = k.devices[deviceID]
	if d == nil {
		d = &deviceKeys{userID: userID}
		k.devices[deviceID] = d
	}
	if d.revoked {
		return nil, fmt.Errorf("%w: %s", ErrDeviceRevoked, deviceID)
	}
	out := make([]*model.KeyPair, 0, len(generated))
	for _, p := range generated {
		if d.active(p.Algorithm) != nil {
			// A concurrent Enroll filled the slot first.
			_ = crypto.WipeKeyPair(&p.KeyPair)
			continue
		}
		d.pairs = append(d.pairs, p)
		out = append(out, clonePair(p, false))
		logger.WithKey(&p.KeyPair).Info("Key pair generated")
	}
	return out, nil
}

func sortedKeys(m map[crypto.Algorithm]struct{}) []crypto.Algorithm {
	out := make([]crypto.Algorithm, 0, len(m))
	for a := range m {
		out = append(out, a)
	}
	return crypto.SortByRank(out)
}

// Rotate replaces the device's active pair for alg with a fresh one. The old pair stays available through ByFingerprint.
func (k *Keyring) Rotate(deviceID string, alg crypto.Algorithm) (*model.KeyPair, error) {
	k.mu.RLock()
	d := k.devices[deviceID]
	var userID string
	if d != nil {
		userID = d.userID
	}
	revoked := d != nil && d.revoked
	k.mu.RUnlock()

	if d == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	if revoked {
		return nil, fmt.Errorf("%w: %s", ErrDeviceRevoked, deviceID)
	}

	kp, err := k.provider.GenerateKeyPair(alg)
	if err != nil {
		return nil, fmt.Errorf("generate %s key pair for %s: %w", alg, deviceID, err)
	}
	next := &model.KeyPair{
		DeviceID:  deviceID,
		UserID:    userID,
		KeyPair:   *kp,
		CreatedAt: k.clock.Now(),
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if d.revoked {
		_ = crypto.WipeKeyPair(&next.KeyPair)
		return nil, fmt.Errorf("%w: %s", ErrDeviceRevoked, deviceID)
	}
	if prev := d.active(alg); prev != nil {
		prev.SupersededBy = next.Fingerprint
	}
	d.pairs = append(d.pairs, next)

	logrus.WithFields(logrus.Fields{
		"function":    "Rotate",
		"device_id":   deviceID,
		"algorithm":   alg,
		"fingerprint": crypto.FingerprintField(next.Fingerprint),
	}).Info("Device key pair rotated")
	return clonePair(next, false), nil
}

// Active returns the public view of the device's active pair for alg. A
// device whose hybrid pair contains alg as a component can use that
// component when it holds no dedicated pair.
func (k *Keyring) Active(deviceID string, alg crypto.Algorithm) (*model.KeyPair, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	d := k.devices[deviceID]
	if d == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	if d.revoked {
		return nil, fmt.Errorf("%w: %s", ErrDeviceRevoked, deviceID)
	}
	if p := d.active(alg); p != nil {
		return clonePair(p, false), nil
	}
	if h := d.active(crypto.AlgorithmHybrid); h != nil && crypto.ContainsAlgorithm(h.Algorithm.Components(), alg) {
		comp, err := component(h, alg)
		if err != nil {
			return nil, err
		}
		defer crypto.WipeKeyPair(&comp.KeyPair)
		return clonePair(comp, false), nil
	}
	return nil, fmt.Errorf("%w: device %s has no active %s pair", ErrNoKeyPair, deviceID, alg)
}

// ByFingerprint returns a device pair, active or superseded, including its
// private handle. Hybrid component fingerprints resolve to the component.
func (k *Keyring) ByFingerprint(deviceID, fingerprint string) (*model.KeyPair, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	d := k.devices[deviceID]
	if d == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	for _, p := range d.pairs {
		if p.Fingerprint == fingerprint {
			return clonePair(p, true), nil
		}
	}
	for _, p := range d.pairs {
		if p.Algorithm != crypto.AlgorithmHybrid {
			continue
		}
		for _, alg := range p.Algorithm.Components() {
			comp, err := component(p, alg)
			if err != nil {
				return nil, err
			}
			if comp.Fingerprint == fingerprint {
				return comp, nil
			}
			_ = crypto.WipeKeyPair(&comp.KeyPair)
		}
	}
	return nil, fmt.Errorf("%w: device %s has no pair %s", ErrNoKeyPair, deviceID, crypto.FingerprintField(fingerprint))
}

// component extracts one half of a hybrid pair as a standalone pair with
// its own private handle.
func component(h *model.KeyPair, alg crypto.Algorithm) (*model.KeyPair, error) {
	classical, pq, err := crypto.SplitHybrid(&h.KeyPair)
	if err != nil {
		return nil, err
	}
	picked, other := classical, pq
	if alg != crypto.AlgorithmRSAOAEP4096 {
		picked, other = pq, classical
	}
	_ = crypto.WipeKeyPair(other)
	c := *h
	c.KeyPair = *picked
	return &c, nil
}

// Algorithms returns what the device can currently decapsulate with its
// active pairs, strongest first, including hybrid components.
func (k *Keyring) Algorithms(deviceID string) []crypto.Algorithm {
	k.mu.RLock()
	defer k.mu.RUnlock()

	d := k.devices[deviceID]
	if d == nil || d.revoked {
		return nil
	}
	var algs []crypto.Algorithm
	for _, p := range d.pairs {
		if !p.Active() {
			continue
		}
		algs = append(algs, p.Algorithm)
		algs = append(algs, p.Algorithm.Components()...)
	}
	return crypto.SortByRank(algs)
}

// Enrolled reports whether the device has any pair.
func (k *Keyring) Enrolled(deviceID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	d := k.devices[deviceID]
	return d != nil && len(d.pairs) > 0
}

// Revoke stops the device from receiving new key material. Existing pairs
// are kept so keys already delivered to the device stay readable until
// their records are purged.
func (k *Keyring) Revoke(deviceID string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	d := k.devices[deviceID]
	if d == nil {
		d = &deviceKeys{}
		k.devices[deviceID] = d
	}
	d.revoked = true
	for _, p := range d.pairs {
		p.Revoked = true
	}
	logrus.WithFields(logrus.Fields{
		"function":  "Revoke",
		"device_id": deviceID,
		"pairs":     len(d.pairs),
	}).Info("Device revoked in keyring")
}

// Revoked reports whether the device was revoked.
func (k *Keyring) Revoked(deviceID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	d := k.devices[deviceID]
	return d != nil && d.revoked
}

// Snapshot returns copies of every non-revoked pair of the user's devices,
// private handles included, ordered by device then creation.
func (k *Keyring) Snapshot(userID string) []*model.KeyPair {
	k.mu.RLock()
	defer k.mu.RUnlock()

	ids := make([]string, 0)
	for id, d := range k.devices {
		if d.userID == userID && !d.revoked {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var out []*model.KeyPair
	for _, id := range ids {
		for _, p := range k.devices[id].pairs {
			out = append(out, clonePair(p, true))
		}
	}
	return out
}

// Import installs pairs, typically from a restored backup. Pairs already
// present are skipped. An imported active pair whose algorithm slot is taken
// is stored as superseded by the current pair. It returns the number of
// pairs added.
func (k *Keyring) Import(pairs []*model.KeyPair) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	added := 0
	for _, in := range pairs {
		if in == nil || in.DeviceID == "" || !in.Algorithm.Known() {
			return added, fmt.Errorf("%w: malformed key pair", crypto.ErrInvalidPrivateKey)
		}
		if len(in.Private) == 0 {
			return added, fmt.Errorf("%w: pair %s has no private handle",
				crypto.ErrInvalidPrivateKey, crypto.FingerprintField(in.Fingerprint))
		}
		if crypto.Fingerprint(in.Algorithm, in.Public) != in.Fingerprint {
			return added, fmt.Errorf("%w: fingerprint mismatch", crypto.ErrInvalidPublicKey)
		}

		d := k.devices[in.DeviceID]
		if d == nil {
			d = &deviceKeys{userID: in.UserID}
			k.devices[in.DeviceID] = d
		}
		if d.revoked {
			continue
		}
		dup := false
		for _, p := range d.pairs {
			if p.Fingerprint == in.Fingerprint {
				dup = true
				break
			}
		}
		if dup {
			continue
		}

		p := clonePair(in, true)
		p.Revoked = false
		if p.Active() {
			if cur := d.active(p.Algorithm); cur != nil {
				p.SupersededBy = cur.Fingerprint
			}
		}
		d.pairs = append(d.pairs, p)
		added++
	}
	if added > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Import",
			"added":    added,
		}).Info("Key pairs imported")
	}
	return added, nil
}

func clonePair(p *model.KeyPair, withPrivate bool) *model.KeyPair {
	c := *p
	if withPrivate {
		c.KeyPair = *p.KeyPair.Clone()
	} else {
		c.KeyPair = *p.KeyPair.PublicOnly()
	}
	return &c
}
