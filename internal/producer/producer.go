// Package producer serializes Envelopes and LogEvents onto the stream
// store. It is used both by the HTTP ingress (to publish inbound jobs) and
// by bot workers (to publish outcome log events back onto a per-bot log
// stream).
package producer

import (
	"context"
	"fmt"
	"log"

	"github.com/allerac/tg-dispatcher/internal/message"
	"github.com/allerac/tg-dispatcher/internal/streamstore"
)

// Appender is the subset of *streamstore.Store the Producer needs —
// narrowed to ease testing with a fake.
type Appender interface {
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)
}

// Producer publishes envelopes and log events to the stream store.
type Producer struct {
	store Appender
}

// New creates a Producer backed by store.
func New(store Appender) *Producer {
	return &Producer{store: store}
}

// Publish serializes msg — an Envelope, a LogEvent, or a pre-built field
// map — and appends it to stream. Transport failures are swallowed and
// logged unless raiseOnError is true, in which case they propagate to the
// caller instead.
func (p *Producer) Publish(ctx context.Context, stream string, msg interface{}, raiseOnError bool) error {
	fields, err := fieldsFor(msg)
	if err != nil {
		log.Printf("[producer] cannot serialize message for %s: %v", stream, err)
		if raiseOnError {
			return err
		}
		return nil
	}

	if _, err := p.store.Append(ctx, stream, fields); err != nil {
		log.Printf("[producer] append to %s failed: %v", stream, err)
		if raiseOnError {
			return err
		}
		return nil
	}
	return nil
}

func fieldsFor(msg interface{}) (map[string]string, error) {
	switch v := msg.(type) {
	case message.Envelope:
		return v.ToFields(), nil
	case message.LogEvent:
		return v.ToFields()
	case map[string]string:
		return v, nil
	default:
		return nil, fmt.Errorf("producer: unsupported message type %T", msg)
	}
}
