// Package controller implements the single CONTROLLER consumer that drains
// the control stream, handles add_bot/remove_bot/pulse, and restores
// worker consumers after a restart.
package controller

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/allerac/tg-dispatcher/internal/message"
	"github.com/allerac/tg-dispatcher/internal/registry"
	"github.com/allerac/tg-dispatcher/internal/streamstore"
)

const readCount = 2

// controlBlock is how long the controller's read_new blocks waiting for a
// new control command.
const controlBlock = 2 * time.Second

// Streams is the subset of *streamstore.Store the Controller needs.
type Streams interface {
	EnsureGroup(ctx context.Context, stream, group string) error
	ReadNew(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]streamstore.Entry, error)
	ReadHistory(ctx context.Context, group, consumer, stream string, count int64) ([]streamstore.Entry, error)
	Ack(ctx context.Context, stream, group, id string) error
	PendingScan(ctx context.Context, stream, group string, max int64) ([]streamstore.PendingEntry, error)
	Claim(ctx context.Context, stream, group, consumer string, ids []string, minIdle time.Duration, idsOnly bool) ([]string, error)
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)
}

// WorkerHandle is whatever the Controller needs to stop a running bot
// worker goroutine. remove_bot cancels it but does not wait for the
// goroutine's exit.
type WorkerHandle struct {
	Cancel context.CancelFunc
}

// Spawner constructs and starts one bot worker, returning its handle. It
// is responsible for verifying the bot's token against Telegram before
// the consume loop is started; a verification failure is reported as an
// error and the Controller deletes the registry key.
type Spawner func(ctx context.Context, botID int64, token string, wantLogs bool) (WorkerHandle, error)

// Config bundles the control-plane tunables.
type Config struct {
	ControlStream     string
	Group             string
	ConsumerName      string
	ReclaimInterval   time.Duration
	IdleThreshold     time.Duration
	MaxPendingToScan  int64
	RestoreRetryDelay time.Duration
}

// Controller owns the live worker-handle registry; it is the only
// goroutine that reads or writes it, so no external locking is needed.
type Controller struct {
	cfg    Config
	store  Streams
	spawn  Spawner
	bots   map[int64]WorkerHandle
	lastReclaim time.Time
}

// New constructs a Controller.
func New(cfg Config, store Streams, spawn Spawner) *Controller {
	return &Controller{cfg: cfg, store: store, spawn: spawn, bots: make(map[int64]WorkerHandle)}
}

// Start ensures the control stream's consumer group exists and restores
// any bots recorded in the registry before the caller begins Run.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.store.EnsureGroup(ctx, c.cfg.ControlStream, c.cfg.Group); err != nil {
		return fmt.Errorf("ensure group on control stream: %w", err)
	}
	c.restoreBotConsumers(ctx, nil)
	return nil
}

// restoreBotConsumers scans "bot:" registry keys and spawns a worker for
// each. Transient transport failures are retried after RestoreRetryDelay,
// excluding bot ids already restored — implemented as an iterative loop
// rather than recursion so the retry never grows the call stack.
func (c *Controller) restoreBotConsumers(ctx context.Context, excluded map[int64]bool) {
	if excluded == nil {
		excluded = make(map[int64]bool)
	}
	for {
		keys, err := c.store.ScanPrefix(ctx, registry.KeyPrefix)
		if err != nil {
			log.Printf("[controller] restore: scan_prefix failed, retrying in %s: %v", c.cfg.RestoreRetryDelay, err)
			time.Sleep(c.cfg.RestoreRetryDelay)
			continue
		}

		failed := false
		for _, key := range keys {
			botID, err := registry.BotIDFromKey(key)
			if err != nil {
				log.Printf("[controller] restore: %v", err)
				continue
			}
			if excluded[botID] {
				continue
			}
			value, err := c.store.Get(ctx, key)
			if err != nil {
				log.Printf("[controller] restore: get %s failed, retrying in %s: %v", key, c.cfg.RestoreRetryDelay, err)
				failed = true
				continue
			}
			entry, err := registry.DecodeValue(botID, value)
			if err != nil {
				log.Printf("[controller] restore: %v", err)
				excluded[botID] = true
				continue
			}
			if err := c.spawnWorker(ctx, entry.BotID, entry.Token, entry.WantLogs); err != nil {
				log.Printf("[controller] restore: spawn bot %d failed, removing registry key: %v", entry.BotID, err)
				if delErr := c.store.Delete(ctx, key); delErr != nil {
					log.Printf("[controller] restore: registry delete for bot %d failed: %v", entry.BotID, delErr)
				}
			}
			excluded[botID] = true
		}

		if !failed {
			log.Printf("[controller] restored %d bot worker(s)", len(excluded))
			return
		}
		time.Sleep(c.cfg.RestoreRetryDelay)
	}
}

// Run drains the control stream until ctx is cancelled, handling
// add_bot/remove_bot/pulse commands as they arrive.
func (c *Controller) Run(ctx context.Context) {
	log.Printf("[controller] starting")
	for {
		if ctx.Err() != nil {
			log.Printf("[controller] stopping")
			return
		}
		if err := c.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[controller] unexpected error: %v", err)
			time.Sleep(time.Second)
		}
	}
}

func (c *Controller) cycle(ctx context.Context) error {
	if err := c.maybeReclaim(ctx); err != nil {
		return err
	}
	entries, err := c.store.ReadNew(ctx, c.cfg.Group, c.cfg.ConsumerName, c.cfg.ControlStream, readCount, controlBlock)
	if err != nil {
		return fmt.Errorf("read new control: %w", err)
	}
	for _, e := range entries {
		c.process(ctx, e)
	}
	return nil
}

func (c *Controller) maybeReclaim(ctx context.Context) error {
	if time.Since(c.lastReclaim) < c.cfg.ReclaimInterval {
		return nil
	}
	pending, err := c.store.PendingScan(ctx, c.cfg.ControlStream, c.cfg.Group, c.cfg.MaxPendingToScan)
	if err != nil {
		return fmt.Errorf("pending scan control: %w", err)
	}
	var stuck []string
	for _, p := range pending {
		if p.Idle > c.cfg.IdleThreshold {
			stuck = append(stuck, p.ID)
		}
	}
	if len(stuck) > 0 {
		if _, err := c.store.Claim(ctx, c.cfg.ControlStream, c.cfg.Group, c.cfg.ConsumerName, stuck, c.cfg.IdleThreshold, true); err != nil {
			return fmt.Errorf("claim control: %w", err)
		}
		entries, err := c.store.ReadHistory(ctx, c.cfg.Group, c.cfg.ConsumerName, c.cfg.ControlStream, readCount)
		if err != nil {
			return fmt.Errorf("read history control: %w", err)
		}
		for _, e := range entries {
			c.process(ctx, e)
		}
	}
	c.lastReclaim = time.Now()
	return nil
}

func (c *Controller) process(ctx context.Context, e streamstore.Entry) {
	defer func() {
		if err := c.store.Ack(ctx, c.cfg.ControlStream, c.cfg.Group, e.ID); err != nil {
			log.Printf("[controller] ack %s failed: %v", e.ID, err)
		}
	}()

	env, err := message.EnvelopeFromFields(e.Fields)
	if err != nil {
		log.Printf("[controller] malformed envelope %s: %v", e.ID, err)
		return
	}
	if !message.IsServiceKind(env.Kind) {
		log.Printf("[controller] non-service envelope %s (kind=%s), dropping", e.ID, env.Kind)
		return
	}
	payload, err := env.Service()
	if err != nil {
		log.Printf("[controller] envelope %s is not a ServicePayload: %v", e.ID, err)
		return
	}

	switch env.Kind {
	case message.KindAddBot:
		c.addBot(ctx, payload)
	case message.KindRemoveBot:
		c.removeBot(ctx, payload.BotID)
	case message.KindPulse:
		// pulse carries no state change; its only effect is keeping the
		// control stream moving and the consumer group alive.
	}
}

// addBot is idempotent: if bot:<bot_id> already exists, it logs and
// returns without touching the registry or spawning a second worker.
func (c *Controller) addBot(ctx context.Context, payload message.ServicePayload) {
	key := registry.Key(payload.BotID)
	existing, err := c.store.Get(ctx, key)
	if err != nil {
		log.Printf("[controller] add_bot %d: registry lookup failed: %v", payload.BotID, err)
		return
	}
	if existing != "" {
		log.Printf("[controller] add_bot %d: already activated", payload.BotID)
		return
	}

	if err := c.store.Set(ctx, key, registry.EncodeValue(payload.Token, payload.WantLogs), 0); err != nil {
		log.Printf("[controller] add_bot %d: registry write failed: %v", payload.BotID, err)
		return
	}
	if err := c.spawnWorker(ctx, payload.BotID, payload.Token, payload.WantLogs); err != nil {
		log.Printf("[controller] add_bot %d: spawn failed, rolling back registry: %v", payload.BotID, err)
		if delErr := c.store.Delete(ctx, key); delErr != nil {
			log.Printf("[controller] add_bot %d: registry rollback also failed: %v", payload.BotID, delErr)
		}
	}
}

// spawnWorker verifies the bot's token and starts its worker goroutine,
// recording the handle so remove_bot can cancel it later.
func (c *Controller) spawnWorker(ctx context.Context, botID int64, token string, wantLogs bool) error {
	workerCtx, cancel := context.WithCancel(ctx)
	handle, err := c.spawn(workerCtx, botID, token, wantLogs)
	if err != nil {
		cancel()
		return err
	}
	if handle.Cancel == nil {
		handle.Cancel = cancel
	}
	c.bots[botID] = handle
	log.Printf("[controller] spawned worker for bot %d (logs=%v)", botID, wantLogs)
	return nil
}

// removeBot cancels the worker goroutine without waiting for its exit,
// and deletes the registry key regardless of whether a local handle was
// found.
func (c *Controller) removeBot(ctx context.Context, botID int64) {
	if handle, ok := c.bots[botID]; ok {
		handle.Cancel()
		delete(c.bots, botID)
	} else {
		log.Printf("[controller] remove_bot %d: no local worker task registered", botID)
	}
	if err := c.store.Delete(ctx, registry.Key(botID)); err != nil {
		log.Printf("[controller] remove_bot %d: registry delete failed: %v", botID, err)
	}
}
