// Package system wires the process-wide dependencies a dispatcher process
// needs into one construction-time root instead of global mutable
// singletons: one Context owns the stream adapter, both rate limiters,
// the producer, and spawns/cancels per-bot workers.
package system

import (
	"context"
	"fmt"
	"log"

	"github.com/allerac/tg-dispatcher/internal/config"
	"github.com/allerac/tg-dispatcher/internal/controller"
	"github.com/allerac/tg-dispatcher/internal/producer"
	"github.com/allerac/tg-dispatcher/internal/ratelimit"
	"github.com/allerac/tg-dispatcher/internal/streamstore"
	"github.com/allerac/tg-dispatcher/internal/telegram"
	"github.com/allerac/tg-dispatcher/internal/worker"
)

// Context is the dependency injection root: one instance per process,
// constructed in New and passed by reference to the Controller and (via
// its Spawner closure) to every Worker it starts.
type Context struct {
	Config     *config.Config
	Store      *streamstore.Store
	Global     *ratelimit.GlobalLimiter
	Chat       *ratelimit.ChatLimiter
	Producer   *producer.Producer
	Controller *controller.Controller
}

// New constructs a Context from cfg, connecting to Redis and wiring the
// limiters, producer, and controller together. It does not start the
// controller's Run loop — callers do that explicitly once New returns.
func New(cfg *config.Config) (*Context, error) {
	store, err := streamstore.New(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connect stream store: %w", err)
	}

	global := ratelimit.NewGlobalLimiter(cfg.GlobalRPS)
	chat := ratelimit.NewChatLimiter(store, global, ratelimit.Delays{
		PerChat:     cfg.PerChatDelay,
		PerChatEdit: cfg.PerChatEditDelay,
		PerGroupMsg: cfg.PerGroupMsgDelay,
	})
	prod := producer.New(store)

	sys := &Context{
		Config:   cfg,
		Store:    store,
		Global:   global,
		Chat:     chat,
		Producer: prod,
	}

	ctrlCfg := controller.Config{
		ControlStream:     cfg.ControlStream,
		Group:             cfg.ConsumerGroup,
		ConsumerName:      cfg.ControllerName,
		ReclaimInterval:   cfg.ReclaimInterval(),
		IdleThreshold:     cfg.IdleThreshold(),
		MaxPendingToScan:  int64(cfg.MaxPendingToScan),
		RestoreRetryDelay: cfg.RestoreRetryDelay,
	}
	sys.Controller = controller.New(ctrlCfg, store, sys.spawnWorker)
	return sys, nil
}

// Close releases the stream store's connection pool.
func (s *Context) Close() error {
	return s.Store.Close()
}

// spawnWorker is the controller.Spawner this Context hands to its
// Controller: it builds a Telegram client, verifies the bot's token, and
// — only on success — starts the worker's Run loop in its own goroutine.
func (s *Context) spawnWorker(ctx context.Context, botID int64, token string, wantLogs bool) (controller.WorkerHandle, error) {
	client, err := telegram.NewClient(token)
	if err != nil {
		return controller.WorkerHandle{}, fmt.Errorf("authenticate bot %d: %w", botID, err)
	}

	cfg := worker.Config{
		BotID:            botID,
		WantLogs:         wantLogs,
		Group:            s.Config.ConsumerGroup,
		Consumer:         s.Config.ConsumerName(botID),
		Primary:          s.Config.PrimaryStream(botID),
		Broadcast:        s.Config.BroadcastStream(botID),
		Logs:             s.Config.LogsStream(botID),
		ReclaimInterval:  s.Config.ReclaimInterval(),
		IdleThreshold:    s.Config.IdleThreshold(),
		MaxPendingToScan: int64(s.Config.MaxPendingToScan),
		MsgLimit:         s.Config.TelegramMsgLimit,
	}
	w := worker.New(cfg, s.Store, client, s.Chat, s.Producer, telegram.SplitMessage)

	workerCtx, cancel := context.WithCancel(ctx)
	if err := w.Verify(workerCtx); err != nil {
		cancel()
		return controller.WorkerHandle{}, fmt.Errorf("verify bot %d: %w", botID, err)
	}

	go func() {
		w.Run(workerCtx)
		log.Printf("[system] worker for bot %d exited", botID)
	}()

	return controller.WorkerHandle{Cancel: cancel}, nil
}
