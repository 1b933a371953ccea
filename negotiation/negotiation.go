// Package negotiation selects the key-encapsulation algorithm a conversation
// uses from the capability sets of its participant devices.
package negotiation

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/keyratchet/crypto"
	"github.com/opd-ai/keyratchet/model"
)

// ErrNoCommonAlgorithm is returned when no algorithm is shared by every
// device, even after widening. It is fatal to the calling flow.
var ErrNoCommonAlgorithm = errors.New("no common algorithm")

// DeviceCapabilities is one device's supported algorithm set.
type DeviceCapabilities struct {
	DeviceID   string
	Algorithms []crypto.Algorithm
}

// Result is a negotiated algorithm. It is derived per epoch and never stored.
type Result struct {
	Algorithm crypto.Algorithm
	// MixedMode is set when the conversation fell back to a classical
	// algorithm although some device could do better, or when the choice
	// needed the widened fallback.
	MixedMode bool
	// Devices lists the negotiated devices in sorted order.
	Devices []string
}

// FromDevices extracts capability sets from directory devices.
func FromDevices(devices []model.Device) []DeviceCapabilities {
	caps := make([]DeviceCapabilities, 0, len(devices))
	for _, d := range devices {
		caps = append(caps, DeviceCapabilities{
			DeviceID:   d.ID,
			Algorithms: append([]crypto.Algorithm(nil), d.SupportedAlgorithms...),
		})
	}
	return caps
}

// Negotiate picks the strongest algorithm every device supports. The result
// depends only on the set of capability tuples, not on their order.
func Negotiate(caps []DeviceCapabilities) (Result, error) {
	if len(caps) == 0 {
		return Result{}, fmt.Errorf("%w: no devices", ErrNoCommonAlgorithm)
	}
	devices := deviceIDs(caps)

	sets := make([]map[crypto.Algorithm]struct{}, len(caps))
	for i, c := range caps {
		sets[i] = toSet(c.Algorithms)
	}

	if alg, ok := strongestCommon(sets); ok {
		return Result{
			Algorithm: alg,
			MixedMode: alg.Classical() && anyBeyondClassical(caps),
			Devices:   devices,
		}, nil
	}

	// Widen every set with the primitives its hybrid entries are made of.
	for _, set := range sets {
		for a := range set {
			for _, comp := range a.Components() {
				set[comp] = struct{}{}
			}
		}
	}
	if alg, ok := strongestCommon(sets); ok {
		return Result{Algorithm: alg, MixedMode: true, Devices: devices}, nil
	}

	return Result{}, fmt.Errorf("%w among %d devices", ErrNoCommonAlgorithm, len(caps))
}

func toSet(algs []crypto.Algorithm) map[crypto.Algorithm]struct{} {
	set := make(map[crypto.Algorithm]struct{}, len(algs))
	for _, a := range algs {
		if a.Known() {
			set[a] = struct{}{}
		}
	}
	return set
}

// strongestCommon walks the fixed total order and returns the first
// algorithm present in every set.
func strongestCommon(sets []map[crypto.Algorithm]struct{}) (crypto.Algorithm, bool) {
	for _, alg := range crypto.AllAlgorithms {
		shared := true
		for _, set := range sets {
			if _, ok := set[alg]; !ok {
				shared = false
				break
			}
		}
		if shared {
			return alg, true
		}
	}
	return "", false
}

func anyBeyondClassical(caps []DeviceCapabilities) bool {
	for _, c := range caps {
		for _, a := range c.Algorithms {
			if a.Known() && !a.Classical() {
				return true
			}
		}
	}
	return false
}

func deviceIDs(caps []DeviceCapabilities) []string {
	seen := make(map[string]struct{}, len(caps))
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		if _, dup := seen[c.DeviceID]; dup {
			continue
		}
		seen[c.DeviceID] = struct{}{}
		out = append(out, c.DeviceID)
	}
	sort.Strings(out)
	return out
}

// Digest returns a stable fingerprint of a capability set, independent of
// device and algorithm order.
func Digest(caps []DeviceCapabilities) string {
	lines := make([]string, 0, len(caps))
	for _, c := range caps {
		algs := make([]string, 0, len(c.Algorithms))
		for _, a := range crypto.SortByRank(c.Algorithms) {
			algs = append(algs, string(a))
		}
		lines = append(lines, c.DeviceID+"="+strings.Join(algs, ","))
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

type cacheEntry struct {
	digest string
	result Result
}

// Negotiator caches negotiation results per conversation. Entries are
// dropped by Invalidate and recomputed when the capability digest changes.
type Negotiator struct {
	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewNegotiator returns an empty negotiator.
func NewNegotiator() *Negotiator {
	return &Negotiator{cache: make(map[string]cacheEntry)}
}

// ForConversation negotiates for a conversation, reusing the cached result
// when the capability set is unchanged.
func (n *Negotiator) ForConversation(conversationID string, caps []DeviceCapabilities) (Result, error) {
	digest := Digest(caps)

	n.mu.Lock()
	if e, ok := n.cache[conversationID]; ok && e.digest == digest {
		n.mu.Unlock()
		return cloneResult(e.result), nil
	}
	n.mu.Unlock()

	res, err := Negotiate(caps)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":        "ForConversation",
			"conversation_id": conversationID,
			"devices":         len(caps),
			"error":           err.Error(),
		}).Warn("Algorithm negotiation failed")
		return Result{}, err
	}

	fields := logrus.Fields{
		"function":        "ForConversation",
		"conversation_id": conversationID,
		"algorithm":       res.Algorithm,
		"mixed_mode":      res.MixedMode,
		"devices":         len(res.Devices),
	}
	if res.MixedMode {
		logrus.WithFields(fields).Info("Conversation negotiated in mixed mode")
	} else {
		logrus.WithFields(fields).Debug("Algorithm negotiated")
	}

	n.mu.Lock()
	n.cache[conversationID] = cacheEntry{digest: digest, result: cloneResult(res)}
	n.mu.Unlock()
	return res, nil
}

// Cached returns the cached result for a conversation, if any.
func (n *Negotiator) Cached(conversationID string) (Result, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.cache[conversationID]
	if !ok {
		return Result{}, false
	}
	return cloneResult(e.result), true
}

// Invalidate drops the cached result. Call it on every membership or
// capability change.
func (n *Negotiator) Invalidate(conversationID string) {
	n.mu.Lock()
	delete(n.cache, conversationID)
	n.mu.Unlock()
}

func cloneResult(r Result) Result {
	r.Devices = append([]string(nil), r.Devices...)
	return r
}
