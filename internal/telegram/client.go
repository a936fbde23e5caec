// Package telegram wraps the Telegram Bot HTTP API call surface the
// dispatcher needs: send, edit, delete, and the get_me identity check used
// when a bot is spawned.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/allerac/tg-dispatcher/internal/message"
)

// MsgLimit is Telegram's single-message length limit, counted in
// characters (runes).
const MsgLimit = 4096

// Client wraps one bot's tgbotapi.BotAPI with the retry/clamp policy spec
// §4.3 and §7 describe.
type Client struct {
	api *tgbotapi.BotAPI
}

// NewClient authenticates token against the production Telegram API.
func NewClient(token string) (*Client, error) {
	return newClient(token, tgbotapi.APIEndpoint, &http.Client{Timeout: 30 * time.Second})
}

// NewClientWithEndpoint authenticates against a custom API endpoint
// template (e.g. an httptest server) — used in tests.
func NewClientWithEndpoint(token, endpoint string, httpClient *http.Client) (*Client, error) {
	return newClient(token, endpoint, httpClient)
}

func newClient(token, endpoint string, httpClient *http.Client) (*Client, error) {
	api, err := tgbotapi.NewBotAPIWithClient(token, endpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("authenticate bot: %w", err)
	}
	return &Client{api: api}, nil
}

// Verify calls get_me to validate the token before the consume loop is
// spawned.
func (c *Client) Verify(ctx context.Context) error {
	_, err := c.api.GetMe()
	if err != nil {
		return fmt.Errorf("get_me: %w", err)
	}
	return nil
}

func toInlineKeyboard(markup *message.ReplyMarkup) *tgbotapi.InlineKeyboardMarkup {
	if markup.Empty() {
		return nil
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(markup.InlineKeyboard))
	for _, row := range markup.InlineKeyboard {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, btn := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(btn.Text, btn.CallbackData))
		}
		rows = append(rows, buttons)
	}
	kb := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &kb
}

// Send posts text to chatID with optional markup and reply-to id. It
// returns the chat id and the sent message id, or 0 on any failure that
// survives the single retry-after retry.
func (c *Client) Send(ctx context.Context, chatID int64, text string, markup *message.ReplyMarkup, replyToMessageID int) (int64, int) {
	msgID, err := c.sendOnce(chatID, text, markup, replyToMessageID)
	if err == nil {
		return chatID, msgID
	}
	if retryAfter, ok := retryAfterOf(err); ok {
		log.Printf("[telegram] rate limited sending to chat %d, retrying after %ds", chatID, retryAfter)
		time.Sleep(time.Duration(retryAfter) * time.Second)
		msgID, err = c.sendOnce(chatID, text, markup, replyToMessageID)
		if err == nil {
			return chatID, msgID
		}
		log.Printf("[telegram] send to chat %d failed after retry-after: %v", chatID, err)
		return chatID, 0
	}
	log.Printf("[telegram] send to chat %d failed: %v", chatID, err)
	return chatID, 0
}

func (c *Client) sendOnce(chatID int64, text string, markup *message.ReplyMarkup, replyToMessageID int) (int, error) {
	cfg := tgbotapi.NewMessage(chatID, text)
	cfg.ParseMode = tgbotapi.ModeHTML
	if kb := toInlineKeyboard(markup); kb != nil {
		cfg.ReplyMarkup = *kb
	}
	if replyToMessageID != 0 {
		cfg.ReplyToMessageID = replyToMessageID
	}
	sent, err := c.api.Send(cfg)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// Delete removes messageID from chatID. A retry-after is honored once;
// Forbidden/APIError/network failures return false with no retry.
func (c *Client) Delete(ctx context.Context, chatID int64, messageID int) bool {
	ok, err := c.deleteOnce(chatID, messageID)
	if err == nil {
		return ok
	}
	if retryAfter, ok2 := retryAfterOf(err); ok2 {
		time.Sleep(time.Duration(retryAfter) * time.Second)
		ok, err = c.deleteOnce(chatID, messageID)
		if err == nil {
			return ok
		}
		log.Printf("[telegram] delete message %d in chat %d failed after retry-after: %v", messageID, chatID, err)
		return false
	}
	log.Printf("[telegram] delete message %d in chat %d failed: %v", messageID, chatID, err)
	return false
}

func (c *Client) deleteOnce(chatID int64, messageID int) (bool, error) {
	cfg := tgbotapi.NewDeleteMessage(chatID, messageID)
	if _, err := c.api.Request(cfg); err != nil {
		return false, err
	}
	return true, nil
}

// Edit changes messageID's text and/or markup. Empty text (nil/"") edits
// only the reply markup. Text longer than MsgLimit is truncated before the
// call. A markup whose outer shape is present but contains no buttons is
// treated as "no markup".
func (c *Client) Edit(ctx context.Context, chatID int64, messageID int, text *string, markup *message.ReplyMarkup) bool {
	clamped := text
	if text != nil {
		if r := []rune(*text); len(r) > MsgLimit {
			t := string(r[:MsgLimit])
			clamped = &t
		}
	}
	ok, err := c.editOnce(chatID, messageID, clamped, markup)
	if err == nil {
		return ok
	}
	if retryAfter, ok2 := retryAfterOf(err); ok2 {
		time.Sleep(time.Duration(retryAfter) * time.Second)
		ok, err = c.editOnce(chatID, messageID, clamped, markup)
		if err == nil {
			return ok
		}
		log.Printf("[telegram] edit message %d in chat %d failed after retry-after: %v", messageID, chatID, err)
		return false
	}
	log.Printf("[telegram] edit message %d in chat %d failed: %v", messageID, chatID, err)
	return false
}

func (c *Client) editOnce(chatID int64, messageID int, text *string, markup *message.ReplyMarkup) (bool, error) {
	kb := toInlineKeyboard(markup)
	if text != nil && *text != "" {
		cfg := tgbotapi.NewEditMessageText(chatID, messageID, *text)
		cfg.ParseMode = tgbotapi.ModeHTML
		if kb != nil {
			cfg.ReplyMarkup = kb
		}
		_, err := c.api.Send(cfg)
		if err != nil {
			return false, err
		}
		return true, nil
	}
	var cfg tgbotapi.EditMessageReplyMarkupConfig
	if kb != nil {
		cfg = tgbotapi.NewEditMessageReplyMarkup(chatID, messageID, *kb)
	} else {
		cfg = tgbotapi.NewEditMessageReplyMarkup(chatID, messageID, tgbotapi.InlineKeyboardMarkup{})
	}
	_, err := c.api.Send(cfg)
	if err != nil {
		return false, err
	}
	return true, nil
}

// retryAfterOf extracts a positive Retry-After seconds value from a
// Telegram API error.
func retryAfterOf(err error) (int, bool) {
	var apiErr tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.ResponseParameters.RetryAfter > 0 {
		return apiErr.ResponseParameters.RetryAfter, true
	}
	var apiErrPtr *tgbotapi.Error
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil && apiErrPtr.ResponseParameters.RetryAfter > 0 {
		return apiErrPtr.ResponseParameters.RetryAfter, true
	}
	return 0, false
}

// IsForbidden reports whether err is Telegram reporting the bot was
// kicked/blocked from the chat (HTTP 403) — no retry applies.
func IsForbidden(err error) bool {
	var apiErr tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusForbidden
	}
	var apiErrPtr *tgbotapi.Error
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code == http.StatusForbidden
	}
	return false
}
