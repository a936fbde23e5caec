// Package streamstore wraps Redis Streams and the Redis key/value
// namespace behind the narrow capability surface the dispatcher needs:
// append, read-new, read-pending-history, ack, pending-scan, claim, and a
// small key/value facet for the bot registry and rate-limiter timestamps.
//
// It is the sole non-test package in the repository that imports go-redis
// directly — every other package talks to a *Store.
package streamstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// NoBlock tells ReadNew not to send a BLOCK option at all — a pure,
// immediate poll. Any positive duration blocks for up to that long; zero
// is sent as BLOCK 0, which waits until an entry arrives.
const NoBlock time.Duration = -1

// Entry is one stream record: its id and its flat field map.
type Entry struct {
	ID     string
	Fields map[string]string
}

// PendingEntry describes one record in a consumer group's pending list.
type PendingEntry struct {
	ID         string
	Idle       time.Duration
	Deliveries int64
	Consumer   string
}

// Store is the StreamStore adapter.
type Store struct {
	client *redis.Client
}

// New creates a Store connected to the given Redis URL (e.g.
// "redis://localhost:6379").
func New(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Store{client: redis.NewClient(opts)}, nil
}

// NewFromClient wraps an existing client — used in tests against miniredis.
func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// EnsureGroup idempotently creates stream and group, creating the stream
// itself if absent. A "BUSYGROUP" response (group already exists) is
// treated as success, not a transport error.
func (s *Store) EnsureGroup(ctx context.Context, stream, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("ensure group %s/%s: %w", stream, group, err)
}

// Append adds one record to stream and returns its id.
func (s *Store) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append to %s: %w", stream, err)
	}
	return id, nil
}

// ReadNew reads undelivered entries (the ">" cursor) for consumer in
// group, blocking up to block if block > 0, without limit if block is
// zero, and not blocking at all if block is NoBlock (or any negative
// duration).
func (s *Store) ReadNew(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]Entry, error) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
	}
	if block >= 0 {
		args.Block = block
	} else {
		args.Block = NoBlock
	}
	streams, err := s.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read new from %s: %w", stream, err)
	}
	return entriesFromStreams(streams), nil
}

// ReadHistory reads entries already delivered to consumer but not yet
// acknowledged, starting from position "0" — used after Claim to pull the
// payload of messages this consumer just took ownership of.
func (s *Store) ReadHistory(ctx context.Context, group, consumer, stream string, count int64) ([]Entry, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, "0"},
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read history from %s: %w", stream, err)
	}
	return entriesFromStreams(streams), nil
}

func entriesFromStreams(streams []redis.XStream) []Entry {
	var out []Entry
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			fields := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				if s, ok := v.(string); ok {
					fields[k] = s
				} else {
					fields[k] = fmt.Sprintf("%v", v)
				}
			}
			out = append(out, Entry{ID: msg.ID, Fields: fields})
		}
	}
	return out
}

// Ack acknowledges one id on stream/group.
func (s *Store) Ack(ctx context.Context, stream, group, id string) error {
	if err := s.client.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("ack %s on %s: %w", id, stream, err)
	}
	return nil
}

// PendingScan lists up to max entries from the group's pending list.
func (s *Store) PendingScan(ctx context.Context, stream, group string, max int64) ([]PendingEntry, error) {
	res, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  max,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("pending scan %s: %w", stream, err)
	}
	out := make([]PendingEntry, 0, len(res))
	for _, p := range res {
		out = append(out, PendingEntry{
			ID:         p.ID,
			Idle:       p.Idle,
			Deliveries: p.RetryCount,
			Consumer:   p.Consumer,
		})
	}
	return out, nil
}

// Claim reassigns ids to consumer, provided they have been idle at least
// minIdle. With idsOnly it returns only the claimed ids (no payload) —
// callers that need the payload follow up with a ReadHistory call to
// fetch it under the new consumer's name.
func (s *Store) Claim(ctx context.Context, stream, group, consumer string, ids []string, minIdle time.Duration, idsOnly bool) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}
	if idsOnly {
		claimed, err := s.client.XClaimJustID(ctx, args).Result()
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", stream, err)
		}
		return claimed, nil
	}
	msgs, err := s.client.XClaim(ctx, args).Result()
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", stream, err)
	}
	claimed := make([]string, 0, len(msgs))
	for _, m := range msgs {
		claimed = append(claimed, m.ID)
	}
	return claimed, nil
}

// Get reads one key/value entry; it returns ("", nil) when absent.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return val, nil
}

// Set writes key=value, expiring after ttl unless ttl is zero.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes key; deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// ScanPrefix lists every key beginning with prefix, cursoring through the
// keyspace rather than issuing a single blocking KEYS call.
func (s *Store) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan prefix %s: %w", prefix, err)
	}
	return keys, nil
}
