package telegram_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allerac/tg-dispatcher/internal/message"
	"github.com/allerac/tg-dispatcher/internal/telegram"
)

func apiError(code int, description string) tgbotapi.Error {
	return tgbotapi.Error{Code: code, Message: description}
}

// fakeAPIResult mirrors tgbotapi's envelope shape closely enough to drive
// NewClientWithEndpoint against an httptest server.
func writeOK(w http.ResponseWriter, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ok":     true,
		"result": result,
	})
}

func writeErr(w http.ResponseWriter, code int, description string, retryAfter int) {
	w.WriteHeader(http.StatusOK)
	body := map[string]interface{}{
		"ok":          false,
		"error_code":  code,
		"description": description,
	}
	if retryAfter > 0 {
		body["parameters"] = map[string]interface{}{"retry_after": retryAfter}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*telegram.Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	endpoint := srv.URL + "/bot%s/%s"
	c, err := telegram.NewClientWithEndpoint("test-token", endpoint, srv.Client())
	require.NoError(t, err)
	return c, srv
}

func TestClient_Send_Success(t *testing.T) {
	var gotMethod string
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "getMe") {
			writeOK(w, map[string]interface{}{"id": 1, "is_bot": true, "first_name": "bot", "username": "bot"})
			return
		}
		gotMethod = r.URL.Path
		writeOK(w, map[string]interface{}{"message_id": 42, "date": 0, "chat": map[string]interface{}{"id": 100}})
	})
	defer srv.Close()

	require.NoError(t, c.Verify(context.Background()))
	chatID, msgID := c.Send(context.Background(), 100, "hello", &message.ReplyMarkup{}, 0)
	assert.Equal(t, int64(100), chatID)
	assert.Equal(t, 42, msgID)
	assert.Contains(t, gotMethod, "sendMessage")
}

func TestClient_Send_RetryAfterThenSuccess(t *testing.T) {
	var calls int32
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "getMe") {
			writeOK(w, map[string]interface{}{"id": 1, "is_bot": true, "first_name": "bot", "username": "bot"})
			return
		}
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			writeErr(w, 429, "Too Many Requests", 1)
			return
		}
		writeOK(w, map[string]interface{}{"message_id": 7, "date": 0, "chat": map[string]interface{}{"id": 100}})
	})
	defer srv.Close()

	start := time.Now()
	chatID, msgID := c.Send(context.Background(), 100, "hello", &message.ReplyMarkup{}, 0)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
	assert.Equal(t, int64(100), chatID)
	assert.Equal(t, 7, msgID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_Send_RetryAfterThenFailureReturnsZero(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "getMe") {
			writeOK(w, map[string]interface{}{"id": 1, "is_bot": true, "first_name": "bot", "username": "bot"})
			return
		}
		writeErr(w, 429, "Too Many Requests", 1)
	})
	defer srv.Close()

	_, msgID := c.Send(context.Background(), 100, "hello", &message.ReplyMarkup{}, 0)
	assert.Equal(t, 0, msgID)
}

func TestClient_Send_ForbiddenNoRetry(t *testing.T) {
	var calls int32
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "getMe") {
			writeOK(w, map[string]interface{}{"id": 1, "is_bot": true, "first_name": "bot", "username": "bot"})
			return
		}
		atomic.AddInt32(&calls, 1)
		writeErr(w, http.StatusForbidden, "bot was blocked by the user", 0)
	})
	defer srv.Close()

	_, msgID := c.Send(context.Background(), 100, "hello", &message.ReplyMarkup{}, 0)
	assert.Equal(t, 0, msgID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "forbidden must not be retried")
}

func TestClient_Delete_Success(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "getMe") {
			writeOK(w, map[string]interface{}{"id": 1, "is_bot": true, "first_name": "bot", "username": "bot"})
			return
		}
		writeOK(w, true)
	})
	defer srv.Close()

	ok := c.Delete(context.Background(), 100, 42)
	assert.True(t, ok)
}

func TestClient_Edit_ClampsTextToMsgLimit(t *testing.T) {
	var gotText string
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "getMe") {
			writeOK(w, map[string]interface{}{"id": 1, "is_bot": true, "first_name": "bot", "username": "bot"})
			return
		}
		r.ParseForm()
		gotText = r.FormValue("text")
		writeOK(w, map[string]interface{}{"message_id": 42, "date": 0, "chat": map[string]interface{}{"id": 100}})
	})
	defer srv.Close()

	longText := strings.Repeat("a", telegram.MsgLimit+500)
	text := longText
	ok := c.Edit(context.Background(), 100, 42, &text, &message.ReplyMarkup{})
	assert.True(t, ok)
	assert.LessOrEqual(t, len([]rune(gotText)), telegram.MsgLimit)
}

func TestClient_Edit_NilTextEditsMarkupOnly(t *testing.T) {
	var gotMethod string
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "getMe") {
			writeOK(w, map[string]interface{}{"id": 1, "is_bot": true, "first_name": "bot", "username": "bot"})
			return
		}
		gotMethod = r.URL.Path
		writeOK(w, map[string]interface{}{"message_id": 42, "date": 0, "chat": map[string]interface{}{"id": 100}})
	})
	defer srv.Close()

	ok := c.Edit(context.Background(), 100, 42, nil, &message.ReplyMarkup{})
	assert.True(t, ok)
	assert.Contains(t, gotMethod, "editMessageReplyMarkup")
}

func TestClient_Verify_PropagatesAuthFailure(t *testing.T) {
	// the constructor's own getMe succeeds; every later call is rejected.
	var getMeCalls int32
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&getMeCalls, 1) == 1 {
			writeOK(w, map[string]interface{}{"id": 1, "is_bot": true, "first_name": "bot", "username": "bot"})
			return
		}
		writeErr(w, http.StatusUnauthorized, "Unauthorized", 0)
	})
	defer srv.Close()

	err := c.Verify(context.Background())
	assert.Error(t, err)
}

func TestClient_IsForbidden(t *testing.T) {
	err := fmt.Errorf("wrapping: %w", apiError(http.StatusForbidden, "kicked"))
	assert.True(t, telegram.IsForbidden(err))

	other := fmt.Errorf("wrapping: %w", apiError(http.StatusBadRequest, "bad"))
	assert.False(t, telegram.IsForbidden(other))
}
