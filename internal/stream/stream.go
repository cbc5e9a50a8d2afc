package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"spikeshield.io/internal/pool"
)

// DefaultBuffer is the per-subscriber channel size.
const DefaultBuffer = 64

// historySize bounds the replay window served to reconnecting SSE clients.
const historySize = 256

// Stream fans committed ledger records out to all active subscribers (SSE
// clients, indexer, snapshot worker, NATS bridge). It satisfies
// pool.Publisher.
type Stream struct {
	mu      sync.RWMutex
	subs    map[int]chan pool.Record
	next    int
	history []pool.Record
	dropped atomic.Uint64
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{
		subs:    make(map[int]chan pool.Record),
		history: make([]pool.Record, 0, historySize),
	}
}

// Subscribe registers a subscriber and returns a channel which will receive
// records. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan pool.Record {
	return s.SubscribeBuffered(ctx, DefaultBuffer)
}

// SubscribeBuffered is Subscribe with an explicit channel size.
func (s *Stream) SubscribeBuffered(ctx context.Context, size int) <-chan pool.Record {
	if size <= 0 {
		size = DefaultBuffer
	}
	ch := make(chan pool.Record, size)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fans the record out to all subscribers. It never blocks.
func (s *Stream) Publish(rec pool.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == historySize {
		copy(s.history, s.history[1:])
		s.history = s.history[:historySize-1]
	}
	s.history = append(s.history, rec)
	for _, ch := range s.subs {
		select {
		case ch <- rec:
		default:
			// Drop when subscriber is slow; the indexer resync repairs gaps.
			s.dropped.Add(1)
		}
	}
}

// Since returns buffered records with Seq greater than seq, oldest first.
func (s *Stream) Since(seq uint64) []pool.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []pool.Record
	for _, rec := range s.history {
		if rec.Seq > seq {
			out = append(out, rec)
		}
	}
	return out
}

// Subscribers reports the number of live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Dropped counts records not delivered to a slow subscriber.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }
