package audit

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/keyratchet/model"
)

func event(kind model.EventKind, conv string) model.Event {
	return model.Event{
		Kind:           kind,
		ConversationID: conv,
		Outcome:        model.OutcomeSuccess,
		Time:           time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestMemorySinkChain(t *testing.T) {
	s := NewMemorySink()
	s.Record(event(model.EventEpochCreated, "c1"))
	s.Record(event(model.EventKeyWrapped, "c1"))
	s.Record(event(model.EventEpochPurged, "c1"))

	entries := s.Entries()
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.NotEmpty(t, e.Event.ID)
	}
	require.NoError(t, s.Verify())

	assert.Len(t, s.Events(model.EventKeyWrapped, model.EventEpochPurged), 2)
	assert.Len(t, s.Events(), 3)

	tampered := s.Entries()
	tampered[1].Event.ConversationID = "c2"
	assert.ErrorIs(t, VerifyChain(tampered), ErrChainBroken)

	dropped := append(s.Entries()[:1], s.Entries()[2:]...)
	assert.ErrorIs(t, VerifyChain(dropped), ErrChainBroken)
}

func TestMemorySinkKeepsProducerIDs(t *testing.T) {
	s := NewMemorySink()
	ev := event(model.EventBackupCreated, "")
	ev.ID = "fixed"
	s.Record(ev)
	assert.Equal(t, "fixed", s.Events()[0].ID)
}

// blockingSink holds every delivery until released.
type blockingSink struct {
	release chan struct{}
	inner   *MemorySink
}

func (b *blockingSink) Record(ev model.Event) {
	<-b.release
	b.inner.Record(ev)
}

func TestAsyncSinkNeverBlocks(t *testing.T) {
	inner := &blockingSink{release: make(chan struct{}), inner: NewMemorySink()}
	s := NewAsyncSink(inner, 2)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			s.Record(event(model.EventKeyWrapped, "c1"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a stalled sink")
	}

	close(inner.release)
	require.NoError(t, s.Close())

	delivered := len(inner.inner.Events())
	assert.Equal(t, uint64(10), uint64(delivered)+s.Dropped())
	assert.GreaterOrEqual(t, delivered, 2)

	s.Record(event(model.EventKeyWrapped, "c1"))
	assert.Equal(t, uint64(10-delivered+1), s.Dropped(), "records after Close are dropped")
}

func TestAsyncSinkDeliversInOrder(t *testing.T) {
	mem := NewMemorySink()
	s := NewAsyncSink(mem, 0)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, c := range []string{"a", "b", "c"} {
			s.Record(event(model.EventEpochCreated, c))
		}
	}()
	wg.Wait()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "Close is idempotent")

	got := mem.Events()
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].ConversationID)
	assert.Equal(t, "c", got[2].ConversationID)
}

func TestLogSinkLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.DebugLevel)

	s := NewLogSink(logger)
	s.Record(event(model.EventEpochCreated, "c1"))

	failed := event(model.EventRotationFailed, "c1")
	failed.Outcome = model.OutcomeFailure
	s.Record(failed)

	denied := event(model.EventUnwrapDenied, "c1")
	denied.Outcome = model.OutcomeFailure
	s.Record(denied)

	out := buf.String()
	assert.Contains(t, out, `"level":"info"`)
	assert.Contains(t, out, `"level":"error"`)
	assert.Contains(t, out, `"level":"warning"`)
	assert.Contains(t, out, `"kind":"rotation_failed"`)
}

func TestMulti(t *testing.T) {
	a, b := NewMemorySink(), NewMemorySink()
	Multi(a, b, Discard).Record(event(model.EventDeviceAdded, "c1"))

	require.Len(t, a.Events(), 1)
	require.Len(t, b.Events(), 1)
	assert.Equal(t, a.Events()[0].ID, b.Events()[0].ID)
}
