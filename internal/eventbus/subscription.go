package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/resline/dify-plugin-repackaging-sub000/internal/jobs"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/metrics"
)

// Delivery wraps an event handed to one subscriber. Gap marks the first
// event following a buffer-overflow drop on this subscription; the sequence
// numbers expose the exact hole.
type Delivery struct {
	Event jobs.Event
	Gap   bool
}

// Subscription is one consumer of a job topic. Events arrive on C() in
// sequence order; after C() is closed, Err() explains why: nil for a plain
// Close, ErrSlowConsumer or ErrBusClosed otherwise.
type Subscription struct {
	bus   *Bus
	jobID string

	ch chan Delivery

	mu           sync.Mutex
	lastSeq      int64 // highest sequence handed to ch
	ackSeq       int64 // advisory cursor reported by the client
	gap          bool  // a drop happened since the last delivery
	terminalSeen bool
	replaying    bool
	pending      []jobs.Event // live events parked while replaying
	closed       bool
	err          error
}

func newSubscription(b *Bus, jobID string, buffer int) *Subscription {
	return &Subscription{
		bus:       b,
		jobID:     jobID,
		ch:        make(chan Delivery, buffer),
		replaying: true,
	}
}

// C is the delivery channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Delivery { return s.ch }

// Err reports why C was closed. Valid after C is closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// JobID returns the topic this subscription is attached to.
func (s *Subscription) JobID() string { return s.jobID }

// Ack records the client's advisory last-seen cursor.
func (s *Subscription) Ack(seq int64) {
	s.mu.Lock()
	if seq > s.ackSeq {
		s.ackSeq = seq
	}
	s.mu.Unlock()
}

// LastAck returns the advisory cursor last reported via Ack.
func (s *Subscription) LastAck() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ackSeq
}

// Close detaches the subscription. Idempotent.
func (s *Subscription) Close() { s.closeWithErr(nil) }

func (s *Subscription) closeWithErr(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	s.pending = nil
	close(s.ch)
	s.mu.Unlock()

	s.bus.removeSub(s)
}

// replayDeliver pushes a stored event during the replay phase. The send may
// block: replay has its own goroutine and the buffer can be smaller than the
// retention window. Returns false once the subscription is gone.
func (s *Subscription) replayDeliver(ctx context.Context, ev jobs.Event) bool {
	s.mu.Lock()
	if s.closed || s.terminalSeen || ev.Seq <= s.lastSeq {
		closed := s.closed
		s.mu.Unlock()
		return !closed
	}
	d := Delivery{Event: ev, Gap: s.gap}

	// Fast path under the lock; Close cannot race a send taken here.
	select {
	case s.ch <- d:
		s.gap = false
		s.lastSeq = ev.Seq
		if ev.Terminal() {
			s.terminalSeen = true
		}
		s.mu.Unlock()
		return true
	default:
	}
	s.mu.Unlock()

	// Buffer full: wait for the reader, re-checking closure periodically
	// so a send never races the channel close.
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return false
		}
		select {
		case s.ch <- d:
			s.gap = false
			s.lastSeq = ev.Seq
			if ev.Terminal() {
				s.terminalSeen = true
			}
			s.mu.Unlock()
			return true
		default:
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return false
		case <-tick.C:
		}
	}
}

// goLive flushes events buffered during replay and switches the
// subscription to direct dispatch.
func (s *Subscription) goLive() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.replaying = false
	s.mu.Unlock()

	for _, ev := range pending {
		if ev.Terminal() {
			if !s.enqueueTerminal(ev, s.bus.opts.PublishTimeout) {
				s.closeWithErr(ErrSlowConsumer)
				return
			}
			continue
		}
		s.enqueue(ev)
	}
}

// enqueue hands a live non-terminal (or parked) event to the subscriber.
// On overflow the oldest undelivered event is dropped and the gap recorded;
// the producer never blocks here.
func (s *Subscription) enqueue(ev jobs.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.terminalSeen {
		return
	}
	if s.replaying {
		// Parked until the replay finishes. Bounded by the retention
		// window; beyond it the oldest parked event gives way.
		if len(s.pending) >= s.bus.opts.Retention {
			s.pending = s.pending[1:]
			s.gap = true
			metrics.EventDropped()
		}
		s.pending = append(s.pending, ev)
		return
	}
	if ev.Seq != 0 && ev.Seq <= s.lastSeq {
		return // duplicate of a replayed event
	}

	d := Delivery{Event: ev, Gap: s.gap}
	select {
	case s.ch <- d:
		s.gap = false
		s.lastSeq = ev.Seq
		if ev.Terminal() {
			s.terminalSeen = true
		}
		return
	default:
	}

	// Full: drop the oldest undelivered event to make room.
	select {
	case <-s.ch:
		s.gap = true
		metrics.EventDropped()
	default:
	}
	d.Gap = s.gap
	select {
	case s.ch <- d:
		s.gap = false
		s.lastSeq = ev.Seq
		if ev.Terminal() {
			s.terminalSeen = true
		}
	default:
		// Reader raced the drain and the buffer is full again; the
		// event is lost and the next delivery carries the gap.
		s.gap = true
		metrics.EventDropped()
	}
}

// enqueueTerminal delivers a terminal event, waiting up to timeout for
// buffer space. Returns false if the subscriber never made room.
func (s *Subscription) enqueueTerminal(ev jobs.Event, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		if s.closed || s.terminalSeen {
			s.mu.Unlock()
			return true
		}
		if s.replaying {
			if len(s.pending) >= s.bus.opts.Retention {
				s.pending = s.pending[1:]
				s.gap = true
				metrics.EventDropped()
			}
			s.pending = append(s.pending, ev)
			s.mu.Unlock()
			return true
		}
		if ev.Seq != 0 && ev.Seq <= s.lastSeq {
			s.mu.Unlock()
			return true
		}
		select {
		case s.ch <- Delivery{Event: ev, Gap: s.gap}:
			s.gap = false
			s.lastSeq = ev.Seq
			s.terminalSeen = true
			s.mu.Unlock()
			return true
		default:
		}
		s.mu.Unlock()

		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}
