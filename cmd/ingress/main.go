// cmd/ingress is the HTTP surface external callers use to drive the
// dispatcher: it turns six endpoints into Producer appends onto the
// control stream or the addressed bot's primary/broadcast stream.
package main

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/allerac/tg-dispatcher/internal/config"
	"github.com/allerac/tg-dispatcher/internal/message"
	"github.com/allerac/tg-dispatcher/internal/producer"
	"github.com/allerac/tg-dispatcher/internal/streamstore"
)

// reportFanout is how many identical Report-N messages /send_multi_msg
// fans out to the bot's primary stream.
const reportFanout = 30

type addBotRequest struct {
	BotID    int64  `json:"bot_id" binding:"required"`
	Token    string `json:"token" binding:"required"`
	WantLogs bool   `json:"is_sent_logs"`
}

type removeBotRequest struct {
	BotID int64 `json:"bot_id" binding:"required"`
}

type sendMsgRequest struct {
	BotID            int64                `json:"bot_id" binding:"required"`
	ChatID           message.ChatID       `json:"chat_id" binding:"required"`
	Text             string               `json:"text" binding:"required"`
	ReplyMarkup      *message.ReplyMarkup `json:"reply_markup"`
	ReplyToMessageID *message.IntOrString `json:"reply_to_message_id"`
}

type deleteMsgRequest struct {
	BotID     int64              `json:"bot_id" binding:"required"`
	ChatID    message.ChatID     `json:"chat_id" binding:"required"`
	MessageID message.IntOrString `json:"message_id" binding:"required"`
}

type editMsgRequest struct {
	BotID       int64                `json:"bot_id" binding:"required"`
	ChatID      message.ChatID       `json:"chat_id" binding:"required"`
	MessageID   message.IntOrString  `json:"message_id" binding:"required"`
	Text        *string              `json:"text"`
	ReplyMarkup *message.ReplyMarkup `json:"reply_markup"`
}

type server struct {
	cfg   *config.Config
	prod  *producer.Producer
}

func authMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") != "Bearer "+token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *server) addBot(c *gin.Context) {
	var req addBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	env, err := message.NewServiceEnvelope(message.KindAddBot, message.ServicePayload{
		BotID: req.BotID, Token: req.Token, WantLogs: req.WantLogs,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.prod.Publish(c.Request.Context(), s.cfg.ControlStream, env, true); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusCreated)
}

func (s *server) removeBot(c *gin.Context) {
	var req removeBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	env, err := message.NewServiceEnvelope(message.KindRemoveBot, message.ServicePayload{BotID: req.BotID})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.prod.Publish(c.Request.Context(), s.cfg.ControlStream, env, true); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusCreated)
}

func (s *server) sendMsg(c *gin.Context) {
	var req sendMsgRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	env, err := message.NewTaskEnvelope(message.KindSendMsg, message.TaskPayload{
		BotID:            req.BotID,
		ChatID:           req.ChatID,
		Text:             &req.Text,
		ReplyMarkup:      req.ReplyMarkup,
		ReplyToMessageID: req.ReplyToMessageID,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.prod.Publish(c.Request.Context(), s.cfg.PrimaryStream(req.BotID), env, true); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusCreated)
}

// sendMultiMsg fans out reportFanout identical "Report N" messages onto
// the bot's primary stream.
func (s *server) sendMultiMsg(c *gin.Context) {
	var req sendMsgRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	stream := s.cfg.PrimaryStream(req.BotID)
	for i := 1; i <= reportFanout; i++ {
		text := fmt.Sprintf("%s (Report %d)", req.Text, i)
		env, err := message.NewTaskEnvelope(message.KindSendMsg, message.TaskPayload{
			BotID:  req.BotID,
			ChatID: req.ChatID,
			Text:   &text,
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := s.prod.Publish(c.Request.Context(), stream, env, true); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
	}
	c.Status(http.StatusCreated)
}

func (s *server) broadcast(c *gin.Context) {
	var req sendMsgRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	env, err := message.NewTaskEnvelope(message.KindSendMsg, message.TaskPayload{
		BotID:       req.BotID,
		ChatID:      req.ChatID,
		Text:        &req.Text,
		ReplyMarkup: req.ReplyMarkup,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.prod.Publish(c.Request.Context(), s.cfg.BroadcastStream(req.BotID), env, true); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusCreated)
}

func (s *server) deleteMsg(c *gin.Context) {
	var req deleteMsgRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	env, err := message.NewTaskEnvelope(message.KindDelMsg, message.TaskPayload{
		BotID:     req.BotID,
		ChatID:    req.ChatID,
		MessageID: &req.MessageID,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.prod.Publish(c.Request.Context(), s.cfg.BroadcastStream(req.BotID), env, true); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusCreated)
}

func (s *server) editMsg(c *gin.Context) {
	var req editMsgRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	env, err := message.NewTaskEnvelope(message.KindEditMsg, message.TaskPayload{
		BotID:       req.BotID,
		ChatID:      req.ChatID,
		Text:        req.Text,
		MessageID:   &req.MessageID,
		ReplyMarkup: req.ReplyMarkup,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.prod.Publish(c.Request.Context(), s.cfg.BroadcastStream(req.BotID), env, true); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusCreated)
}

func newRouter(s *server) *gin.Engine {
	r := gin.Default()
	auth := r.Group("/", authMiddleware(s.cfg.IngressToken))
	auth.POST("/add", s.addBot)
	auth.DELETE("/remove", s.removeBot)
	auth.POST("/send_msg", s.sendMsg)
	auth.POST("/send_multi_msg", s.sendMultiMsg)
	auth.POST("/broadcast", s.broadcast)
	auth.DELETE("/msg", s.deleteMsg)
	auth.PATCH("/msg", s.editMsg)
	return r
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[ingress] config: %v", err)
	}

	store, err := streamstore.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("[ingress] connect stream store: %v", err)
	}
	defer store.Close()

	s := &server{cfg: cfg, prod: producer.New(store)}
	r := newRouter(s)

	log.Printf("[ingress] listening on %s", cfg.IngressAddr)
	if err := r.Run(cfg.IngressAddr); err != nil {
		log.Fatalf("[ingress] server error: %v", err)
	}
}
