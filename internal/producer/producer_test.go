package producer_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allerac/tg-dispatcher/internal/message"
	"github.com/allerac/tg-dispatcher/internal/producer"
	"github.com/allerac/tg-dispatcher/internal/streamstore"
)

func newTestProducer(t *testing.T) (*producer.Producer, *streamstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := streamstore.NewFromClient(client)
	return producer.New(store), store, mr
}

func TestPublish_Envelope(t *testing.T) {
	p, store, _ := newTestProducer(t)
	ctx := context.Background()
	require.NoError(t, store.EnsureGroup(ctx, "stream:tg_bot:42", "g"))

	text := "hi"
	env, err := message.NewTaskEnvelope(message.KindSendMsg, message.TaskPayload{
		BotID: 42, ChatID: message.NewChatID(100), Text: &text,
	})
	require.NoError(t, err)

	require.NoError(t, p.Publish(ctx, "stream:tg_bot:42", env, false))

	entries, err := store.ReadNew(ctx, "g", "c", "stream:tg_bot:42", 10, streamstore.NoBlock)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "send_msg", entries[0].Fields["type"])
}

func TestPublish_LogEvent(t *testing.T) {
	p, store, _ := newTestProducer(t)
	ctx := context.Background()
	require.NoError(t, store.EnsureGroup(ctx, "stream:tg_bot:logs:42", "base"))

	details := "Failed send message"
	ev := message.LogEvent{
		Kind: message.KindSendMsg, Status: 0, BotID: 42,
		ChatID: message.NewChatID(100), Details: &details,
	}
	require.NoError(t, p.Publish(ctx, "stream:tg_bot:logs:42", ev, false))

	entries, err := store.ReadNew(ctx, "base", "c1", "stream:tg_bot:logs:42", 10, streamstore.NoBlock)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Failed send message", entries[0].Fields["details"])
}

type failingAppender struct{}

func (failingAppender) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	return "", fmt.Errorf("boom")
}

func TestPublish_SwallowsErrorByDefault(t *testing.T) {
	p := producer.New(failingAppender{})
	err := p.Publish(context.Background(), "stream:x", map[string]string{"a": "b"}, false)
	assert.NoError(t, err)
}

func TestPublish_RaisesWhenRequested(t *testing.T) {
	p := producer.New(failingAppender{})
	err := p.Publish(context.Background(), "stream:x", map[string]string{"a": "b"}, true)
	assert.Error(t, err)
}

func TestPublish_RejectsUnsupportedType(t *testing.T) {
	p := producer.New(failingAppender{})
	err := p.Publish(context.Background(), "stream:x", 42, true)
	assert.Error(t, err)
}
