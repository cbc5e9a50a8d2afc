package stream

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"spikeshield.io/internal/pool"
)

func rec(seq uint64) pool.Record {
	return pool.Record{Seq: seq, At: time.Unix(int64(seq), 0).UTC(), Event: pool.OracleUpdated{NewOracle: common.HexToAddress("0x01")}}
}

func TestPublishFanOut(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := s.Subscribe(ctx)
	b := s.Subscribe(ctx)

	s.Publish(rec(1))
	for _, ch := range []<-chan pool.Record{a, b} {
		select {
		case got := <-ch:
			if got.Seq != 1 {
				t.Fatalf("seq = %d", got.Seq)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive record")
		}
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = s.SubscribeBuffered(ctx, 1)

	done := make(chan struct{})
	go func() {
		for i := uint64(1); i <= 10; i++ {
			s.Publish(rec(i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
	if s.Dropped() != 9 {
		t.Fatalf("dropped = %d, want 9", s.Dropped())
	}
}

func TestSubscriptionClosesOnCancel(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	if s.Subscribers() != 0 {
		t.Fatalf("subscribers = %d", s.Subscribers())
	}
}

func TestSinceReplaysHistory(t *testing.T) {
	s := New()
	for i := uint64(1); i <= historySize+10; i++ {
		s.Publish(rec(i))
	}
	got := s.Since(historySize + 5)
	if len(got) != 5 || got[0].Seq != historySize+6 {
		t.Fatalf("since returned %d records starting at %d", len(got), got[0].Seq)
	}
	if all := s.Since(0); len(all) != historySize || all[0].Seq != 11 {
		t.Fatalf("history window: %d records from %d", len(all), all[0].Seq)
	}
}
