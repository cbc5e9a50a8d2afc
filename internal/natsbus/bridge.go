// Package natsbus forwards committed ledger records to NATS JetStream for
// downstream consumers.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"spikeshield.io/internal/obs"
	"spikeshield.io/internal/pool"
)

// SubjectPrefix roots every published subject: spikeshield.events.<event>.
const SubjectPrefix = "spikeshield.events"

// DefaultStream is the JetStream stream capturing SubjectPrefix.>.
const DefaultStream = "SPIKESHIELD_EVENTS"

// Publisher is the part of jetstream.JetStream the bridge uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Subject returns the subject a record is published on.
func Subject(rec pool.Record) string {
	return SubjectPrefix + "." + rec.Event.EventName()
}

type Bridge struct {
	js  Publisher
	log zerolog.Logger
}

func NewBridge(js Publisher) *Bridge {
	return &Bridge{js: js, log: obs.Component("natsbus")}
}

// Run publishes records until ctx ends or records closes. Publish failures
// are logged and never stop the loop.
func (b *Bridge) Run(ctx context.Context, records <-chan pool.Record) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-records:
			if !ok {
				return
			}
			if err := b.Publish(ctx, rec); err != nil {
				b.log.Warn().Err(err).Uint64("seq", rec.Seq).Msg("outbound publish failed")
			}
		}
	}
}

// Publish sends one record. The sequence number is the message id so
// JetStream drops redeliveries of the same record.
func (b *Bridge) Publish(ctx context.Context, rec pool.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = b.js.Publish(ctx, Subject(rec), data, jetstream.WithMsgID(strconv.FormatUint(rec.Seq, 10)))
	return err
}

// Connect dials url, ensures the stream exists and returns the connection
// and JetStream handle. The caller closes the connection.
func Connect(ctx context.Context, url, stream string) (*nats.Conn, jetstream.JetStream, error) {
	if stream == "" {
		stream = DefaultStream
	}
	nc, err := nats.Connect(url,
		nats.Name("spikeshield"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	if err := EnsureStream(ctx, js, stream); err != nil {
		nc.Close()
		return nil, nil, err
	}
	return nc, js, nil
}

// EnsureStream creates or updates the outbound events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name string) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       name,
		Subjects:   []string{SubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Replicas:   1,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	obs.Component("natsbus").Info().Str("stream", name).Msg("ensured outbound stream")
	return nil
}
