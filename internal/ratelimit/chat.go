package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Key prefixes for the three chat-scoped delay windows.
const (
	sendPrefix  = "limiter:send:chat_id:"
	editPrefix  = "limiter:edit:chat_id:"
	groupPrefix = "limiter:group:chat_id:"
)

// KV is the subset of the stream store's key/value facet ChatLimiter uses.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Delays bundles the three configurable delay windows.
type Delays struct {
	PerChat     time.Duration
	PerChatEdit time.Duration
	PerGroupMsg time.Duration
}

// DefaultDelays returns the package defaults: 1.0s per-chat send, 3.05s
// per-chat edit, 3.05s per-group send.
func DefaultDelays() Delays {
	return Delays{
		PerChat:     time.Second,
		PerChatEdit: 3050 * time.Millisecond,
		PerGroupMsg: 3050 * time.Millisecond,
	}
}

// ChatLimiter serializes outbound Telegram calls per chat (or per group
// chat, or per edit) through timestamps shared via the stream store's
// key/value facet — best-effort, each record expiring after the delay it
// governs rounded up to whole seconds, so a lost record only risks one
// premature send.
type ChatLimiter struct {
	kv     KV
	global *GlobalLimiter
	delays Delays

	// mu serializes the read-sleep-write critical section process-locally;
	// cross-process coordination relies solely on the KV timestamp.
	mu sync.Mutex
}

// NewChatLimiter creates a ChatLimiter backed by kv and the given global
// per-bot limiter.
func NewChatLimiter(kv KV, global *GlobalLimiter, delays Delays) *ChatLimiter {
	return &ChatLimiter{kv: kv, global: global, delays: delays}
}

// AcquireSend enforces the send window for chatID/botID, dispatching to
// the group window when chatID's textual form starts with "-" (Telegram's
// convention for group/channel chat ids). It always also acquires the
// global per-bot slot first.
func (c *ChatLimiter) AcquireSend(ctx context.Context, chatID string, botID int64) error {
	c.global.Acquire(botID)
	if strings.HasPrefix(chatID, "-") {
		return c.acquire(ctx, groupPrefix, chatID, botID, c.delays.PerGroupMsg)
	}
	return c.acquire(ctx, sendPrefix, chatID, botID, c.delays.PerChat)
}

// AcquireEdit enforces the edit window, which applies regardless of chat
// type.
func (c *ChatLimiter) AcquireEdit(ctx context.Context, chatID string, botID int64) error {
	c.global.Acquire(botID)
	return c.acquire(ctx, editPrefix, chatID, botID, c.delays.PerChatEdit)
}

func (c *ChatLimiter) acquire(ctx context.Context, prefix, chatID string, botID int64, delay time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := fmt.Sprintf("%s%s:%d", prefix, chatID, botID)
	raw, err := c.kv.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("chat limiter get %s: %w", key, err)
	}
	now := nowSeconds()
	if raw != "" {
		if last, err := strconv.ParseFloat(raw, 64); err == nil {
			wait := delay.Seconds() - (now - last)
			if wait > 0 {
				time.Sleep(time.Duration(wait * float64(time.Second)))
			}
		}
	}

	ttl := time.Duration(math.Ceil(delay.Seconds())) * time.Second
	if err := c.kv.Set(ctx, key, formatSeconds(nowSeconds()), ttl); err != nil {
		return fmt.Errorf("chat limiter set %s: %w", key, err)
	}
	return nil
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 6, 64)
}
