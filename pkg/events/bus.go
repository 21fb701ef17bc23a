package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Default sizing. Both are overridable per Bus.
const (
	// DefaultBufferSize is the per-subscriber bounded queue length.
	DefaultBufferSize = 256

	// DefaultJournalLimit caps the per-run catch-up journal. Late
	// subscribers beyond this window start from the live stream only.
	DefaultJournalLimit = 2048
)

// Bus is the process-wide event bus. One publisher goroutine per run keeps
// per-run total order; the bus itself only serializes per run, so distinct
// runs publish concurrently.
type Bus struct {
	mu           sync.RWMutex
	runs         map[string]*runStream
	bufferSize   int
	journalLimit int
}

// runStream carries one run's ordered stream and its subscribers.
type runStream struct {
	mu       sync.Mutex
	seq      int64
	journal  []Event
	subs     map[string]*Subscription
	closed   bool
	batchID  string
	firstSeq int64 // sequence of journal[0], for trim accounting
}

// Subscription is one subscriber's isolated view of a run stream.
type Subscription struct {
	id      string
	batchID string
	ch      chan Event
	dropped atomic.Int64
	once    sync.Once
	bus     *Bus
}

// NewBus creates a bus with the given per-subscriber buffer size and
// journal cap; zero values select the defaults.
func NewBus(bufferSize, journalLimit int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if journalLimit <= 0 {
		journalLimit = DefaultJournalLimit
	}
	return &Bus{
		runs:         make(map[string]*runStream),
		bufferSize:   bufferSize,
		journalLimit: journalLimit,
	}
}

// Publish appends an event to the run's stream and fans it out. Never
// blocks: full subscriber queues drop the event for that subscriber with a
// warning. Returns the assigned sequence number.
func (b *Bus) Publish(batchID, eventType string, payload any) int64 {
	rs := b.stream(batchID)

	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return 0
	}
	rs.seq++
	ev := Event{
		Sequence:  rs.seq,
		Type:      eventType,
		BatchID:   batchID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	}
	rs.journal = append(rs.journal, ev)
	if overflow := len(rs.journal) - b.journalLimit; overflow > 0 {
		rs.journal = rs.journal[overflow:]
		rs.firstSeq += int64(overflow)
	}
	subs := make([]*Subscription, 0, len(rs.subs))
	for _, s := range rs.subs {
		subs = append(subs, s)
	}
	rs.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			n := s.dropped.Add(1)
			if n == 1 || n%100 == 0 {
				slog.Warn("Slow event subscriber, dropping events",
					"batch_id", batchID,
					"subscriber_id", s.id,
					"dropped_total", n)
			}
		}
	}
	return ev.Sequence
}

// Subscribe attaches a subscriber to a run stream from sinceSequence
// (exclusive; 0 replays the full retained journal). Journal replay and live
// registration are atomic, so no event is missed or duplicated at the seam.
func (b *Bus) Subscribe(batchID string, sinceSequence int64) *Subscription {
	rs := b.stream(batchID)

	sub := &Subscription{
		id:      uuid.New().String(),
		batchID: batchID,
		bus:     b,
	}

	rs.mu.Lock()
	var replay []Event
	for _, ev := range rs.journal {
		if ev.Sequence > sinceSequence {
			replay = append(replay, ev)
		}
	}
	sub.ch = make(chan Event, b.bufferSize+len(replay))
	for _, ev := range replay {
		sub.ch <- ev
	}
	if rs.closed {
		close(sub.ch)
	} else {
		rs.subs[sub.id] = sub
	}
	rs.mu.Unlock()

	return sub
}

// CloseRun closes every subscription of a run. The journal is retained so
// late Subscribe calls still receive history of a finished run.
func (b *Bus) CloseRun(batchID string) {
	b.mu.RLock()
	rs, ok := b.runs[batchID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	rs.mu.Lock()
	if !rs.closed {
		rs.closed = true
		for _, s := range rs.subs {
			close(s.ch)
		}
		rs.subs = make(map[string]*Subscription)
	}
	rs.mu.Unlock()
}

// EvictRun drops all state of a run, journal included.
func (b *Bus) EvictRun(batchID string) {
	b.CloseRun(batchID)
	b.mu.Lock()
	delete(b.runs, batchID)
	b.mu.Unlock()
}

func (b *Bus) stream(batchID string) *runStream {
	b.mu.RLock()
	rs, ok := b.runs[batchID]
	b.mu.RUnlock()
	if ok {
		return rs
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if rs, ok = b.runs[batchID]; ok {
		return rs
	}
	rs = &runStream{
		batchID:  batchID,
		subs:     make(map[string]*Subscription),
		firstSeq: 1,
	}
	b.runs[batchID] = rs
	return rs
}

// Events returns the subscriber's receive channel. Closed when the run
// finishes or the subscription is cancelled.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped reports how many events this subscriber lost to backpressure.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Cancel detaches the subscriber and closes its channel. Idempotent.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		rs := s.bus.stream(s.batchID)
		rs.mu.Lock()
		if _, ok := rs.subs[s.id]; ok {
			delete(rs.subs, s.id)
			close(s.ch)
		}
		rs.mu.Unlock()
	})
}
