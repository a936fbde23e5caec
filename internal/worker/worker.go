// Package worker implements the per-bot consumer loop: it drains a
// primary stream and a broadcast stream, reclaims stuck pending entries,
// dispatches send/edit/delete tasks through the rate limiter and the
// Telegram client, and appends outcome events to an optional log stream.
package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/allerac/tg-dispatcher/internal/message"
	"github.com/allerac/tg-dispatcher/internal/streamstore"
)

// readCount bounds how many entries a single ReadNew/ReadHistory call
// pulls.
const readCount = 10

// primaryBlock is how long the primary-stream read blocks waiting for new
// work before the cycle moves on to the broadcast stream.
const primaryBlock = 2 * time.Second

// Streams is the subset of *streamstore.Store a Worker needs.
type Streams interface {
	EnsureGroup(ctx context.Context, stream, group string) error
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)
	ReadNew(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]streamstore.Entry, error)
	ReadHistory(ctx context.Context, group, consumer, stream string, count int64) ([]streamstore.Entry, error)
	Ack(ctx context.Context, stream, group, id string) error
	PendingScan(ctx context.Context, stream, group string, max int64) ([]streamstore.PendingEntry, error)
	Claim(ctx context.Context, stream, group, consumer string, ids []string, minIdle time.Duration, idsOnly bool) ([]string, error)
}

// TelegramClient is the subset of *telegram.Client a Worker needs.
type TelegramClient interface {
	Verify(ctx context.Context) error
	Send(ctx context.Context, chatID int64, text string, markup *message.ReplyMarkup, replyToMessageID int) (int64, int)
	Delete(ctx context.Context, chatID int64, messageID int) bool
	Edit(ctx context.Context, chatID int64, messageID int, text *string, markup *message.ReplyMarkup) bool
}

// ChatLimiter is the subset of *ratelimit.ChatLimiter a Worker needs.
type ChatLimiter interface {
	AcquireSend(ctx context.Context, chatID string, botID int64) error
	AcquireEdit(ctx context.Context, chatID string, botID int64) error
}

// LogPublisher is the subset of *producer.Producer a Worker needs to emit
// outcome log events.
type LogPublisher interface {
	Publish(ctx context.Context, stream string, msg interface{}, raiseOnError bool) error
}

// Splitter breaks long text into Telegram-sized parts.
type Splitter func(s string, limit int) []string

// Config bundles the tunables and stream names a Worker needs, computed by
// the caller from *config.Config for one bot id.
type Config struct {
	BotID            int64
	WantLogs         bool
	Group            string
	Consumer         string
	Primary          string
	Broadcast        string
	Logs             string
	ReclaimInterval  time.Duration
	IdleThreshold    time.Duration
	MaxPendingToScan int64
	MsgLimit         int
}

// Worker drains one bot's streams for the lifetime of the context passed
// to Run.
type Worker struct {
	cfg      Config
	store    Streams
	client   TelegramClient
	limiter  ChatLimiter
	producer LogPublisher
	split    Splitter

	lastReclaimPrimary   time.Time
	lastReclaimBroadcast time.Time
}

// New constructs a Worker. split is injected so the telegram package's
// SplitMessage can be swapped for a fake in tests.
func New(cfg Config, store Streams, client TelegramClient, limiter ChatLimiter, producer LogPublisher, split Splitter) *Worker {
	return &Worker{cfg: cfg, store: store, client: client, limiter: limiter, producer: producer, split: split}
}

func (w *Worker) logPrefix() string {
	return fmt.Sprintf("[worker:%d]", w.cfg.BotID)
}

// Verify ensures the consumer groups exist and the bot's token is valid.
// Callers delete the registry key and avoid calling Run when this fails.
func (w *Worker) Verify(ctx context.Context) error {
	if err := w.store.EnsureGroup(ctx, w.cfg.Primary, w.cfg.Group); err != nil {
		return fmt.Errorf("ensure group on primary: %w", err)
	}
	if err := w.store.EnsureGroup(ctx, w.cfg.Broadcast, w.cfg.Group); err != nil {
		return fmt.Errorf("ensure group on broadcast: %w", err)
	}
	if w.cfg.WantLogs {
		if err := w.store.EnsureGroup(ctx, w.cfg.Logs, w.cfg.Group); err != nil {
			return fmt.Errorf("ensure group on logs: %w", err)
		}
	}
	if err := w.client.Verify(ctx); err != nil {
		return fmt.Errorf("get_me: %w", err)
	}
	return nil
}

// Run drains primary then broadcast on every cycle until ctx is cancelled.
// A single message's failure never aborts the loop: unexpected errors are
// logged and the worker sleeps 1s before continuing.
func (w *Worker) Run(ctx context.Context) {
	log.Printf("%s starting", w.logPrefix())
	for {
		if ctx.Err() != nil {
			log.Printf("%s stopping", w.logPrefix())
			return
		}
		if err := w.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("%s unexpected error: %v", w.logPrefix(), err)
			time.Sleep(time.Second)
		}
	}
}

func (w *Worker) cycle(ctx context.Context) error {
	if err := w.maybeReclaim(ctx); err != nil {
		return err
	}

	primary, err := w.store.ReadNew(ctx, w.cfg.Group, w.cfg.Consumer, w.cfg.Primary, readCount, primaryBlock)
	if err != nil {
		return fmt.Errorf("read new primary: %w", err)
	}
	for _, e := range primary {
		w.process(ctx, w.cfg.Primary, e)
	}

	broadcast, err := w.store.ReadNew(ctx, w.cfg.Group, w.cfg.Consumer, w.cfg.Broadcast, readCount, -1)
	if err != nil {
		return fmt.Errorf("read new broadcast: %w", err)
	}
	for _, e := range broadcast {
		w.process(ctx, w.cfg.Broadcast, e)
	}
	return nil
}

// maybeReclaim runs the reclaim cycle on primary and broadcast
// independently once ReclaimInterval has elapsed since the last run of
// each.
func (w *Worker) maybeReclaim(ctx context.Context) error {
	now := time.Now()
	if now.Sub(w.lastReclaimPrimary) >= w.cfg.ReclaimInterval {
		if err := w.reclaimStream(ctx, w.cfg.Primary); err != nil {
			return fmt.Errorf("reclaim primary: %w", err)
		}
		w.lastReclaimPrimary = now
	}
	if now.Sub(w.lastReclaimBroadcast) >= w.cfg.ReclaimInterval {
		if err := w.reclaimStream(ctx, w.cfg.Broadcast); err != nil {
			return fmt.Errorf("reclaim broadcast: %w", err)
		}
		w.lastReclaimBroadcast = now
	}
	return nil
}

func (w *Worker) reclaimStream(ctx context.Context, stream string) error {
	pending, err := w.store.PendingScan(ctx, stream, w.cfg.Group, w.cfg.MaxPendingToScan)
	if err != nil {
		return err
	}
	var stuck []string
	for _, p := range pending {
		if p.Idle > w.cfg.IdleThreshold {
			stuck = append(stuck, p.ID)
		}
	}
	if len(stuck) == 0 {
		return nil
	}
	if _, err := w.store.Claim(ctx, stream, w.cfg.Group, w.cfg.Consumer, stuck, w.cfg.IdleThreshold, true); err != nil {
		return err
	}
	entries, err := w.store.ReadHistory(ctx, w.cfg.Group, w.cfg.Consumer, stream, readCount)
	if err != nil {
		return err
	}
	for _, e := range entries {
		w.process(ctx, stream, e)
	}
	return nil
}

// process parses and dispatches one entry, acknowledging it regardless of
// business-logic outcome — a poison message is logged and acked, never
// retried forever.
func (w *Worker) process(ctx context.Context, stream string, e streamstore.Entry) {
	defer func() {
		if err := w.store.Ack(ctx, stream, w.cfg.Group, e.ID); err != nil {
			log.Printf("%s ack %s on %s failed: %v", w.logPrefix(), e.ID, stream, err)
		}
	}()

	env, err := message.EnvelopeFromFields(e.Fields)
	if err != nil {
		log.Printf("%s malformed envelope %s on %s: %v", w.logPrefix(), e.ID, stream, err)
		return
	}
	if !message.IsTaskKind(env.Kind) {
		log.Printf("%s non-task envelope %s on %s (kind=%s), dropping", w.logPrefix(), e.ID, stream, env.Kind)
		return
	}
	task, err := env.Task()
	if err != nil {
		log.Printf("%s envelope %s on %s is not a TaskPayload: %v", w.logPrefix(), e.ID, stream, err)
		return
	}

	switch env.Kind {
	case message.KindSendMsg:
		w.handleSend(ctx, task)
	case message.KindEditMsg:
		w.handleEdit(ctx, task)
	case message.KindDelMsg:
		w.handleDelete(ctx, task)
	}
}

func (w *Worker) handleSend(ctx context.Context, task message.TaskPayload) {
	if task.Text == nil {
		log.Printf("%s send_msg with no text, dropping", w.logPrefix())
		return
	}
	chatID, err := task.ChatID.Int64()
	if err != nil {
		log.Printf("%s send_msg has non-numeric chat id: %v", w.logPrefix(), err)
		return
	}
	replyTo := 0
	if task.ReplyToMessageID != nil && !task.ReplyToMessageID.IsZero() {
		if n, err := task.ReplyToMessageID.Int(); err == nil {
			replyTo = n
		}
	}

	for _, part := range w.split(*task.Text, w.cfg.MsgLimit) {
		if err := w.limiter.AcquireSend(ctx, task.ChatID.String(), task.BotID); err != nil {
			log.Printf("%s rate limiter unavailable: %v", w.logPrefix(), err)
			return
		}
		_, sentID := w.client.Send(ctx, chatID, part, task.ReplyMarkup, replyTo)
		w.emitSendLog(ctx, task, part, sentID)
	}
}

func (w *Worker) emitSendLog(ctx context.Context, task message.TaskPayload, part string, sentID int) {
	if !w.cfg.WantLogs {
		return
	}
	status := 0
	var details *string
	if sentID != 0 {
		status = 1
	} else {
		d := "Failed send message"
		details = &d
	}
	sent := sentID
	evt := message.LogEvent{
		Kind:    message.KindSendMsg,
		Status:  status,
		BotID:   task.BotID,
		ChatID:  task.ChatID,
		Text:    &part,
		Details: details,
	}
	evt.SentMsgID = &sent
	if err := w.producer.Publish(ctx, w.cfg.Logs, evt, false); err != nil {
		log.Printf("%s emit send log failed: %v", w.logPrefix(), err)
	}
}

func (w *Worker) handleEdit(ctx context.Context, task message.TaskPayload) {
	if task.MessageID == nil || task.MessageID.IsZero() {
		log.Printf("%s edit_msg with no message_id, dropping", w.logPrefix())
		return
	}
	chatID, err := task.ChatID.Int64()
	if err != nil {
		log.Printf("%s edit_msg has non-numeric chat id: %v", w.logPrefix(), err)
		return
	}
	msgID, err := task.MessageID.Int()
	if err != nil {
		log.Printf("%s edit_msg has non-numeric message id: %v", w.logPrefix(), err)
		return
	}

	if err := w.limiter.AcquireEdit(ctx, task.ChatID.String(), task.BotID); err != nil {
		log.Printf("%s rate limiter unavailable: %v", w.logPrefix(), err)
		return
	}
	ok := w.client.Edit(ctx, chatID, msgID, task.Text, task.ReplyMarkup)
	if !w.cfg.WantLogs {
		return
	}
	status := 0
	var details *string
	if ok {
		status = 1
	} else {
		d := "Failed to change msg"
		details = &d
	}
	evt := message.LogEvent{
		Kind:        message.KindEditMsg,
		Status:      status,
		BotID:       task.BotID,
		ChatID:      task.ChatID,
		Text:        task.Text,
		ReplyMarkup: task.ReplyMarkup,
		MessageID:   task.MessageID,
		Details:     details,
	}
	if err := w.producer.Publish(ctx, w.cfg.Logs, evt, false); err != nil {
		log.Printf("%s emit edit log failed: %v", w.logPrefix(), err)
	}
}

func (w *Worker) handleDelete(ctx context.Context, task message.TaskPayload) {
	if task.MessageID == nil || task.MessageID.IsZero() {
		log.Printf("%s del_msg with no message_id, dropping", w.logPrefix())
		return
	}
	chatID, err := task.ChatID.Int64()
	if err != nil {
		log.Printf("%s del_msg has non-numeric chat id: %v", w.logPrefix(), err)
		return
	}
	msgID, err := task.MessageID.Int()
	if err != nil {
		log.Printf("%s del_msg has non-numeric message id: %v", w.logPrefix(), err)
		return
	}

	if err := w.limiter.AcquireSend(ctx, task.ChatID.String(), task.BotID); err != nil {
		log.Printf("%s rate limiter unavailable: %v", w.logPrefix(), err)
		return
	}
	ok := w.client.Delete(ctx, chatID, msgID)
	if !w.cfg.WantLogs {
		return
	}
	status := 0
	var details *string
	if ok {
		status = 1
	} else {
		d := "Failed to delete msg"
		details = &d
	}
	evt := message.LogEvent{
		Kind:      message.KindDelMsg,
		Status:    status,
		BotID:     task.BotID,
		ChatID:    task.ChatID,
		MessageID: task.MessageID,
		Details:   details,
	}
	if err := w.producer.Publish(ctx, w.cfg.Logs, evt, false); err != nil {
		log.Printf("%s emit delete log failed: %v", w.logPrefix(), err)
	}
}
