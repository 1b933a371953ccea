package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/keyratchet/interfaces"
	"github.com/opd-ai/keyratchet/store/storetest"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, "test"), mr
}

func TestRedisKeyStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) interfaces.KeyStore {
		s, _ := newTestStore(t)
		return s
	})
}

func TestRedisKeyLayout(t *testing.T) {
	s, mr := newTestStore(t)
	h, recs := storetest.Epoch("room", 1, "d1")
	require.NoError(t, s.CommitEpoch(context.Background(), h, recs, 0))

	assert.True(t, mr.Exists("test:{room}:conv"))
	assert.True(t, mr.Exists("test:{room}:epoch:1"))
	assert.True(t, mr.Exists("test:{room}:epoch:1:record:d1"))
	members, err := mr.Members("test:device:d1")
	require.NoError(t, err)
	assert.Equal(t, []string{"1|room"}, members)
	assert.Equal(t, "1", mr.HGet("test:{room}:conv", "active"))
}

func TestRedisPreservesTimestamps(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	h, recs := storetest.Epoch("c1", 1, "d1")
	h.CreatedAt = h.CreatedAt.Add(123456789)
	require.NoError(t, s.CommitEpoch(ctx, h, recs, 0))

	got, err := s.ActiveEpoch(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, got.CreatedAt.Equal(h.CreatedAt), "nanoseconds survive encoding")
	assert.Nil(t, got.SupersededAt)
}

func TestRedisCorruptIndexEntry(t *testing.T) {
	s, mr := newTestStore(t)
	_, err := mr.SAdd("test:device:d1", "not-an-entry")
	require.NoError(t, err)

	_, err = s.ListDeviceRecords(context.Background(), "d1")
	assert.Error(t, err)
}

func TestParseDeviceMember(t *testing.T) {
	tests := []struct {
		in      string
		conv    string
		epoch   uint64
		wantErr bool
	}{
		{"3|c1", "c1", 3, false},
		{"12|a|b", "a|b", 12, false},
		{"x|c1", "", 0, true},
		{"c1", "", 0, true},
	}
	for _, tt := range tests {
		conv, epoch, err := parseDeviceMember(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseDeviceMember(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if conv != tt.conv || epoch != tt.epoch {
			t.Errorf("parseDeviceMember(%q) = %q, %d, want %q, %d", tt.in, conv, epoch, tt.conv, tt.epoch)
		}
	}
	if got := deviceMember("a|b", 12); got != "12|a|b" {
		t.Errorf("deviceMember = %q", got)
	}
}
