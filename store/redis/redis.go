// Package redis implements interfaces.KeyStore on Redis. Headers and records
// are CBOR values; epoch transitions use WATCH/MULTI so a competing commit
// aborts with interfaces.ErrEpochConflict.
//
// All keys of one conversation share a hash tag. The per-device index spans
// conversations, so the store targets a single Redis node or a replica set,
// not a sharded cluster.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/keyratchet/interfaces"
	"github.com/opd-ai/keyratchet/model"
	"github.com/opd-ai/keyratchet/store"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "keyratchet"

// maxWatchAttempts bounds optimistic retries for operations other than
// CommitEpoch, whose conflicts are reported to the caller instead.
const maxWatchAttempts = 5

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Time:    cbor.TimeRFC3339Nano,
		TimeTag: cbor.EncTagRequired,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Store is a Redis-backed KeyStore.
type Store struct {
	rdb    goredis.UniversalClient
	prefix string
}

var _ interfaces.KeyStore = (*Store)(nil)

// New returns a store using rdb. An empty prefix selects DefaultPrefix.
func New(rdb goredis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) convKey(conv string) string {
	return fmt.Sprintf("%s:{%s}:conv", s.prefix, conv)
}

func (s *Store) epochsKey(conv string) string {
	return fmt.Sprintf("%s:{%s}:epochs", s.prefix, conv)
}

func (s *Store) headerKey(conv string, epoch uint64) string {
	return fmt.Sprintf("%s:{%s}:epoch:%d", s.prefix, conv, epoch)
}

func (s *Store) membersKey(conv string, epoch uint64) string {
	return fmt.Sprintf("%s:{%s}:epoch:%d:devices", s.prefix, conv, epoch)
}

func (s *Store) recordKey(conv string, epoch uint64, device string) string {
	return fmt.Sprintf("%s:{%s}:epoch:%d:record:%s", s.prefix, conv, epoch, device)
}

func (s *Store) deviceKey(device string) string {
	return fmt.Sprintf("%s:device:%s", s.prefix, device)
}

// deviceMember encodes a (conversation, epoch) pair in the device index.
// The epoch goes first so conversation ids may contain any byte.
func deviceMember(conv string, epoch uint64) string {
	return strconv.FormatUint(epoch, 10) + "|" + conv
}

func parseDeviceMember(m string) (string, uint64, error) {
	e, conv, ok := strings.Cut(m, "|")
	if !ok {
		return "", 0, fmt.Errorf("malformed device index entry %q", m)
	}
	epoch, err := strconv.ParseUint(e, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed device index entry %q: %w", m, err)
	}
	return conv, epoch, nil
}

func decodeHeader(b []byte) (*model.EpochHeader, error) {
	var h model.EpochHeader
	if err := decMode.Unmarshal(b, &h); err != nil {
		return nil, fmt.Errorf("decode epoch header: %w", err)
	}
	return &h, nil
}

func decodeRecord(b []byte) (*model.WrappedKeyRecord, error) {
	var r model.WrappedKeyRecord
	if err := decMode.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode wrapped key: %w", err)
	}
	return &r, nil
}

type hmGetter interface {
	HMGet(ctx context.Context, key string, fields ...string) *goredis.SliceCmd
}

// conversationState reads the active and last epoch numbers. A missing hash
// reads as zero for both.
func conversationState(ctx context.Context, c hmGetter, key string) (active, last uint64, err error) {
	vals, err := c.HMGet(ctx, key, "active", "last").Result()
	if err != nil {
		return 0, 0, err
	}
	parse := func(v interface{}) (uint64, error) {
		s, ok := v.(string)
		if !ok {
			return 0, nil
		}
		return strconv.ParseUint(s, 10, 64)
	}
	if active, err = parse(vals[0]); err != nil {
		return 0, 0, err
	}
	if last, err = parse(vals[1]); err != nil {
		return 0, 0, err
	}
	return active, last, nil
}

// CommitEpoch implements interfaces.KeyStore.
func (s *Store) CommitEpoch(ctx context.Context, header *model.EpochHeader, records []*model.WrappedKeyRecord, prevEpoch uint64) error {
	if err := store.ValidateCommit(header, records); err != nil {
		return err
	}
	conv := header.ConversationID
	headerBytes, err := encMode.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode epoch header: %w", err)
	}
	encoded := make([][]byte, len(records))
	for i, r := range records {
		if encoded[i], err = encMode.Marshal(r); err != nil {
			return fmt.Errorf("encode wrapped key for %s: %w", r.DeviceID, err)
		}
	}

	err = s.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		active, last, err := conversationState(ctx, tx, s.convKey(conv))
		if err != nil {
			return fmt.Errorf("read conversation: %w", err)
		}
		if active != prevEpoch {
			return fmt.Errorf("%w: %s active epoch is %d, expected %d",
				interfaces.ErrEpochConflict, conv, active, prevEpoch)
		}
		if header.Epoch <= last {
			return fmt.Errorf("%w: %s epoch %d not after %d",
				interfaces.ErrEpochConflict, conv, header.Epoch, last)
		}

		var prevBytes []byte
		if prevEpoch > 0 {
			b, err := tx.Get(ctx, s.headerKey(conv, prevEpoch)).Bytes()
			if err != nil && !errors.Is(err, goredis.Nil) {
				return fmt.Errorf("read previous epoch: %w", err)
			}
			if err == nil {
				prev, err := decodeHeader(b)
				if err != nil {
					return err
				}
				at := header.CreatedAt
				prev.SupersededAt = &at
				if prevBytes, err = encMode.Marshal(prev); err != nil {
					return fmt.Errorf("encode previous epoch: %w", err)
				}
			}
		}

		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			if prevBytes != nil {
				p.Set(ctx, s.headerKey(conv, prevEpoch), prevBytes, 0)
			}
			p.Set(ctx, s.headerKey(conv, header.Epoch), headerBytes, 0)
			p.ZAdd(ctx, s.epochsKey(conv), goredis.Z{Score: float64(header.Epoch), Member: header.Epoch})
			for i, r := range records {
				p.Set(ctx, s.recordKey(conv, r.Epoch, r.DeviceID), encoded[i], 0)
				p.SAdd(ctx, s.membersKey(conv, r.Epoch), r.DeviceID)
				p.SAdd(ctx, s.deviceKey(r.DeviceID), deviceMember(conv, r.Epoch))
			}
			p.HSet(ctx, s.convKey(conv), "active", header.Epoch, "last", header.Epoch)
			return nil
		})
		return err
	}, s.convKey(conv))

	if errors.Is(err, goredis.TxFailedErr) {
		return fmt.Errorf("%w: %s changed during commit", interfaces.ErrEpochConflict, conv)
	}
	return err
}

// ActiveEpoch implements interfaces.KeyStore.
func (s *Store) ActiveEpoch(ctx context.Context, conversationID string) (*model.EpochHeader, error) {
	active, _, err := conversationState(ctx, s.rdb, s.convKey(conversationID))
	if err != nil {
		return nil, fmt.Errorf("read conversation: %w", err)
	}
	if active == 0 {
		return nil, fmt.Errorf("%w: no active epoch for %s", interfaces.ErrNotFound, conversationID)
	}
	return s.Epoch(ctx, conversationID, active)
}

// Epoch implements interfaces.KeyStore.
func (s *Store) Epoch(ctx context.Context, conversationID string, epoch uint64) (*model.EpochHeader, error) {
	b, err := s.rdb.Get(ctx, s.headerKey(conversationID, epoch)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%w: %s epoch %d", interfaces.ErrNotFound, conversationID, epoch)
	}
	if err != nil {
		return nil, fmt.Errorf("read epoch: %w", err)
	}
	return decodeHeader(b)
}

// ListEpochs implements interfaces.KeyStore.
func (s *Store) ListEpochs(ctx context.Context, conversationID string) ([]*model.EpochHeader, error) {
	members, err := s.rdb.ZRange(ctx, s.epochsKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list epochs: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	keys := make([]string, len(members))
	for i, m := range members {
		e, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed epoch index entry %q: %w", m, err)
		}
		keys[i] = s.headerKey(conversationID, e)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read epochs: %w", err)
	}
	out := make([]*model.EpochHeader, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		h, err := decodeHeader([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// activeRecordScript reads the active header and one device's record in a
// single server-side step. It returns nil when no epoch is active and an
// empty string in place of a missing record.
var activeRecordScript = goredis.NewScript(`
local active = redis.call('HGET', KEYS[1], 'active')
if not active or active == '0' then
	return false
end
local base = ARGV[1] .. ':{' .. ARGV[2] .. '}:epoch:' .. active
local header = redis.call('GET', base)
if not header then
	return false
end
local record = redis.call('GET', base .. ':record:' .. ARGV[3])
if not record then
	record = ''
end
return {header, record}
`)

// ActiveRecord implements interfaces.KeyStore.
func (s *Store) ActiveRecord(ctx context.Context, conversationID, deviceID string) (*model.EpochHeader, *model.WrappedKeyRecord, error) {
	vals, err := activeRecordScript.Run(ctx, s.rdb,
		[]string{s.convKey(conversationID)}, s.prefix, conversationID, deviceID).Slice()
	if errors.Is(err, goredis.Nil) {
		return nil, nil, fmt.Errorf("%w: no active epoch for %s", interfaces.ErrNotFound, conversationID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read active record: %w", err)
	}
	if len(vals) != 2 {
		return nil, nil, fmt.Errorf("read active record: unexpected reply of %d values", len(vals))
	}
	headerStr, _ := vals[0].(string)
	recordStr, _ := vals[1].(string)

	h, err := decodeHeader([]byte(headerStr))
	if err != nil {
		return nil, nil, err
	}
	if recordStr == "" {
		return h, nil, nil
	}
	r, err := decodeRecord([]byte(recordStr))
	if err != nil {
		return nil, nil, err
	}
	return h, r, nil
}

// Record implements interfaces.KeyStore.
func (s *Store) Record(ctx context.Context, conversationID string, epoch uint64, deviceID string) (*model.WrappedKeyRecord, error) {
	b, err := s.rdb.Get(ctx, s.recordKey(conversationID, epoch, deviceID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%w: record %s/%d/%s", interfaces.ErrNotFound, conversationID, epoch, deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("read wrapped key: %w", err)
	}
	return decodeRecord(b)
}

// watch runs fn under WATCH on keys, retrying when another client touched
// them first.
func (s *Store) watch(ctx context.Context, op string, fn func(*goredis.Tx) error, keys ...string) error {
	for attempt := 1; ; attempt++ {
		err := s.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
		if attempt == maxWatchAttempts {
			return fmt.Errorf("%s: gave up after %d optimistic attempts: %w", op, attempt, err)
		}
		logrus.WithFields(logrus.Fields{
			"function": op,
			"package":  "redis",
			"attempt":  attempt,
		}).Debug("Watched key changed, retrying")
	}
}

// AddRecord implements interfaces.KeyStore.
func (s *Store) AddRecord(ctx context.Context, r *model.WrappedKeyRecord) error {
	if err := store.ValidateRecord(r); err != nil {
		return err
	}
	recordBytes, err := encMode.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode wrapped key: %w", err)
	}
	hk := s.headerKey(r.ConversationID, r.Epoch)

	return s.watch(ctx, "AddRecord", func(tx *goredis.Tx) error {
		b, err := tx.Get(ctx, hk).Bytes()
		if errors.Is(err, goredis.Nil) {
			return fmt.Errorf("%w: %s epoch %d", interfaces.ErrNotFound, r.ConversationID, r.Epoch)
		}
		if err != nil {
			return fmt.Errorf("read epoch: %w", err)
		}
		h, err := decodeHeader(b)
		if err != nil {
			return err
		}
		var headerBytes []byte
		if !h.HasRecipient(r.DeviceID) {
			h.Recipients = append(h.Recipients, r.DeviceID)
			if headerBytes, err = encMode.Marshal(h); err != nil {
				return fmt.Errorf("encode epoch header: %w", err)
			}
		}

		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			if headerBytes != nil {
				p.Set(ctx, hk, headerBytes, 0)
			}
			p.Set(ctx, s.recordKey(r.ConversationID, r.Epoch, r.DeviceID), recordBytes, 0)
			p.SAdd(ctx, s.membersKey(r.ConversationID, r.Epoch), r.DeviceID)
			p.SAdd(ctx, s.deviceKey(r.DeviceID), deviceMember(r.ConversationID, r.Epoch))
			return nil
		})
		return err
	}, hk)
}

// DeleteEpoch implements interfaces.KeyStore.
func (s *Store) DeleteEpoch(ctx context.Context, conversationID string, epoch uint64) error {
	hk := s.headerKey(conversationID, epoch)
	mk := s.membersKey(conversationID, epoch)

	return s.watch(ctx, "DeleteEpoch", func(tx *goredis.Tx) error {
		b, err := tx.Get(ctx, hk).Bytes()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read epoch: %w", err)
		}
		h, err := decodeHeader(b)
		if err != nil {
			return err
		}
		if h.Active() {
			return fmt.Errorf("%w: %s epoch %d", interfaces.ErrActiveEpoch, conversationID, epoch)
		}
		devices, err := tx.SMembers(ctx, mk).Result()
		if err != nil {
			return fmt.Errorf("read epoch devices: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			for _, d := range devices {
				p.Del(ctx, s.recordKey(conversationID, epoch, d))
				p.SRem(ctx, s.deviceKey(d), deviceMember(conversationID, epoch))
			}
			p.Del(ctx, hk, mk)
			p.ZRem(ctx, s.epochsKey(conversationID), epoch)
			return nil
		})
		return err
	}, hk, mk)
}

// DeleteDeviceRecords implements interfaces.KeyStore.
func (s *Store) DeleteDeviceRecords(ctx context.Context, deviceID string, supersededToo bool) (int, error) {
	dk := s.deviceKey(deviceID)
	var removed int

	err := s.watch(ctx, "DeleteDeviceRecords", func(tx *goredis.Tx) error {
		removed = 0
		members, err := tx.SMembers(ctx, dk).Result()
		if err != nil {
			return fmt.Errorf("read device index: %w", err)
		}

		type target struct {
			member string
			conv   string
			epoch  uint64
			header []byte
		}
		var targets []target
		for _, m := range members {
			conv, epoch, err := parseDeviceMember(m)
			if err != nil {
				return err
			}
			hk := s.headerKey(conv, epoch)
			if err := tx.Watch(ctx, hk).Err(); err != nil {
				return err
			}
			b, err := tx.Get(ctx, hk).Bytes()
			if errors.Is(err, goredis.Nil) {
				// Dangling index entry; drop it with the rest.
				targets = append(targets, target{member: m, conv: conv, epoch: epoch})
				continue
			}
			if err != nil {
				return fmt.Errorf("read epoch: %w", err)
			}
			h, err := decodeHeader(b)
			if err != nil {
				return err
			}
			if !supersededToo && !h.Active() {
				continue
			}
			t := target{member: m, conv: conv, epoch: epoch}
			if h.HasRecipient(deviceID) {
				kept := h.Recipients[:0]
				for _, r := range h.Recipients {
					if r != deviceID {
						kept = append(kept, r)
					}
				}
				h.Recipients = kept
				if t.header, err = encMode.Marshal(h); err != nil {
					return fmt.Errorf("encode epoch header: %w", err)
				}
			}
			targets = append(targets, t)
		}
		if len(targets) == 0 {
			return nil
		}

		var dels []*goredis.IntCmd
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			for _, t := range targets {
				dels = append(dels, p.Del(ctx, s.recordKey(t.conv, t.epoch, deviceID)))
				p.SRem(ctx, s.membersKey(t.conv, t.epoch), deviceID)
				p.SRem(ctx, dk, t.member)
				if t.header != nil {
					p.Set(ctx, s.headerKey(t.conv, t.epoch), t.header, 0)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, d := range dels {
			removed += int(d.Val())
		}
		return nil
	}, dk)
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// ListDeviceRecords implements interfaces.KeyStore.
func (s *Store) ListDeviceRecords(ctx context.Context, deviceID string) ([]model.RecordRef, error) {
	members, err := s.rdb.SMembers(ctx, s.deviceKey(deviceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read device index: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	keys := make([]string, len(members))
	for i, m := range members {
		conv, epoch, err := parseDeviceMember(m)
		if err != nil {
			return nil, err
		}
		keys[i] = s.recordKey(conv, epoch, deviceID)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read device records: %w", err)
	}
	refs := make([]model.RecordRef, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		r, err := decodeRecord([]byte(str))
		if err != nil {
			return nil, err
		}
		refs = append(refs, r.Ref())
	}
	store.SortRefs(refs)
	return refs, nil
}
