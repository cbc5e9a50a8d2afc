package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go/jetstream"

	"spikeshield.io/internal/pool"
)

type published struct {
	subject string
	data    []byte
}

type fakeJS struct {
	mu   sync.Mutex
	msgs []published
	fail bool
}

func (f *fakeJS) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("no responders")
	}
	f.msgs = append(f.msgs, published{subject: subject, data: data})
	return &jetstream.PubAck{Stream: DefaultStream, Sequence: uint64(len(f.msgs))}, nil
}

func (f *fakeJS) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func record(seq uint64) pool.Record {
	return pool.Record{
		Seq: seq,
		At:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Event: pool.PayoutExecuted{
			User:     common.HexToAddress("0x0000000000000000000000000000000000000001"),
			PolicyID: 0,
			Amount:   100_000_000,
			Evidence: "spike:1@2021-05-19T13:01:00Z",
		},
	}
}

func TestSubject(t *testing.T) {
	if got := Subject(record(1)); got != "spikeshield.events.PayoutExecuted" {
		t.Fatalf("subject = %s", got)
	}
}

func TestPublishEncodesRecord(t *testing.T) {
	js := &fakeJS{}
	b := NewBridge(js)
	if err := b.Publish(context.Background(), record(5)); err != nil {
		t.Fatal(err)
	}
	var got pool.Record
	if err := json.Unmarshal(js.msgs[0].data, &got); err != nil {
		t.Fatal(err)
	}
	ev, ok := got.Event.(pool.PayoutExecuted)
	if got.Seq != 5 || !ok || ev.Amount != 100_000_000 {
		t.Fatalf("decoded = %+v", got)
	}
}

func TestRunSurvivesFailures(t *testing.T) {
	js := &fakeJS{fail: true}
	b := NewBridge(js)
	ch := make(chan pool.Record, 2)
	ch <- record(1)
	ch <- record(2)
	close(ch)
	b.Run(context.Background(), ch)

	js.fail = false
	ch = make(chan pool.Record, 1)
	ch <- record(3)
	close(ch)
	b.Run(context.Background(), ch)
	if js.count() != 1 {
		t.Fatalf("published %d", js.count())
	}
}
