// Package audit records who did what on the till. Events are written off
// the request path; a sale never waits on, or fails because of, the
// audit trail.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tillbook/internal/domain"
	"tillbook/internal/xid"
)

// Sink accepts audit events. Record must not block the caller.
type Sink interface {
	Record(event domain.AuditEvent)
}

// EventStore is the persistence slice the async sink writes to.
type EventStore interface {
	CreateAuditEvent(ctx context.Context, event domain.AuditEvent) error
}

// AsyncSink buffers events on a channel and persists them from a single
// background worker. When the buffer is full the event is dropped and
// counted; losing an audit row beats stalling a sale.
type AsyncSink struct {
	events  EventStore
	log     *logrus.Logger
	ch      chan domain.AuditEvent
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	dropped int64
}

func NewAsyncSink(events EventStore, log *logrus.Logger, buffer int) *AsyncSink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &AsyncSink{
		events: events,
		log:    log,
		ch:     make(chan domain.AuditEvent, buffer),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) Record(event domain.AuditEvent) {
	if event.ID == "" {
		event.ID = xid.New("aud")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	select {
	case s.ch <- event:
	default:
		s.mu.Lock()
		s.dropped++
		n := s.dropped
		s.mu.Unlock()
		s.log.WithField("dropped_total", n).Warn("audit buffer full, event dropped")
	}
}

// Dropped reports how many events were lost to a full buffer.
func (s *AsyncSink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close stops the worker after draining buffered events.
func (s *AsyncSink) Close() {
	s.once.Do(func() {
		close(s.ch)
		<-s.done
	})
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for event := range s.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.events.CreateAuditEvent(ctx, event); err != nil {
			s.log.WithError(err).WithField("action", event.Action).Error("audit write failed")
		}
		cancel()
	}
}

// NopSink discards everything, for tests that do not assert on audit.
type NopSink struct{}

func (NopSink) Record(domain.AuditEvent) {}
