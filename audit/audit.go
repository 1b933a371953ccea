// Package audit provides interfaces.AuditSink implementations: a
// non-blocking asynchronous wrapper, a logrus sink and a hash-chained
// in-memory log.
package audit

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/keyratchet/interfaces"
	"github.com/opd-ai/keyratchet/model"
)

type discard struct{}

func (discard) Record(model.Event) {}

// Discard drops every event.
var Discard interfaces.AuditSink = discard{}

// stamp fills the event ID when the producer left it empty.
func stamp(ev model.Event) model.Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	return ev
}

// Multi fans events out to several sinks in order.
func Multi(sinks ...interfaces.AuditSink) interfaces.AuditSink {
	return multi(sinks)
}

type multi []interfaces.AuditSink

func (m multi) Record(ev model.Event) {
	ev = stamp(ev)
	for _, s := range m {
		s.Record(ev)
	}
}

// DefaultBufferSize is the queue length of an AsyncSink.
const DefaultBufferSize = 1024

// AsyncSink delivers events to another sink from a background goroutine.
// Record never blocks: when the queue is full the event is dropped and
// counted.
type AsyncSink struct {
	next    interfaces.AuditSink
	queue   chan model.Event
	done    chan struct{}
	dropped atomic.Uint64

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewAsyncSink starts the delivery goroutine. A size below 1 selects
// DefaultBufferSize.
func NewAsyncSink(next interfaces.AuditSink, size int) *AsyncSink {
	if size < 1 {
		size = DefaultBufferSize
	}
	s := &AsyncSink{
		next:  next,
		queue: make(chan model.Event, size),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for ev := range s.queue {
		s.next.Record(ev)
	}
}

// Record implements interfaces.AuditSink.
func (s *AsyncSink) Record(ev model.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.queue <- stamp(ev):
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			logrus.WithFields(logrus.Fields{
				"function": "AsyncSink.Record",
				"dropped":  n,
				"kind":     ev.Kind,
			}).Warn("Audit queue full, dropping event")
		}
	}
}

// Dropped returns the number of events lost to a full queue or a closed sink.
func (s *AsyncSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close stops accepting events and waits until queued ones are delivered.
func (s *AsyncSink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
	})
	<-s.done
	return nil
}

// LogSink writes events through logrus. Failures of rotation and missing
// records are logged at error level, other failures at warn level.
type LogSink struct {
	logger logrus.FieldLogger
}

// NewLogSink returns a sink writing to logger, or the standard logrus
// logger when nil.
func NewLogSink(logger logrus.FieldLogger) *LogSink {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogSink{logger: logger}
}

// Record implements interfaces.AuditSink.
func (s *LogSink) Record(ev model.Event) {
	ev = stamp(ev)
	entry := s.logger.WithFields(logrus.Fields{
		"audit_id":        ev.ID,
		"kind":            ev.Kind,
		"conversation_id": ev.ConversationID,
		"epoch":           ev.Epoch,
		"device_id":       ev.DeviceID,
		"user_id":         ev.UserID,
		"algorithm":       ev.Algorithm,
		"outcome":         ev.Outcome,
		"detail":          ev.Detail,
		"event_time":      ev.Time,
	})
	switch {
	case ev.Kind == model.EventRecordMissing, ev.Kind == model.EventRotationFailed && ev.Outcome == model.OutcomeFailure:
		entry.Error("Key lifecycle event")
	case ev.Outcome == model.OutcomeFailure:
		entry.Warn("Key lifecycle event")
	default:
		entry.Info("Key lifecycle event")
	}
}
