// Package config loads the dispatcher's runtime configuration from the
// environment. Only the Redis address and the ingress auth token are
// environment-mandatory; every other tunable has an in-code default.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds every runtime tunable the dispatcher and ingress processes
// need.
type Config struct {
	RedisURL     string `envconfig:"REDIS_URL" required:"true"`
	IngressToken string `envconfig:"INGRESS_AUTH_TOKEN" required:"true"`
	IngressAddr  string `envconfig:"INGRESS_ADDR" default:":8080"`

	GlobalRPS        int           `envconfig:"GLOBAL_RPS" default:"28"`
	PerChatDelay     time.Duration `envconfig:"PER_CHAT_DELAY" default:"1s"`
	PerChatEditDelay time.Duration `envconfig:"PER_CHAT_EDIT_DELAY" default:"3050ms"`
	PerGroupMsgDelay time.Duration `envconfig:"PER_GROUP_MSG_DELAY" default:"3050ms"`

	TelegramMsgLimit int `envconfig:"TELEGRAM_MSG_LIMIT" default:"4096"`

	ReclaimIntervalSeconds int `envconfig:"RECLAIM_INTERVAL_SECONDS" default:"60"`
	IdleThresholdMS        int `envconfig:"IDLE_THRESHOLD_MS" default:"30000"`
	MaxPendingToScan       int `envconfig:"MAX_PENDING_TO_SCAN" default:"10"`

	ControlStream   string `envconfig:"CONTROL_STREAM" default:"stream:tg_bot:control"`
	PrimaryPrefix   string `envconfig:"PRIMARY_STREAM_PREFIX" default:"stream:tg_bot:"`
	BroadcastPrefix string `envconfig:"BROADCAST_STREAM_PREFIX" default:"stream:tg_bot:broadcast:"`
	LogsPrefix      string `envconfig:"LOGS_STREAM_PREFIX" default:"stream:tg_bot:logs:"`
	ConsumerGroup   string `envconfig:"CONSUMER_GROUP" default:"base"`
	ControllerName  string `envconfig:"CONTROLLER_CONSUMER_NAME" default:"CONTROLLER"`

	RestoreRetryDelay time.Duration `envconfig:"RESTORE_RETRY_DELAY" default:"5s"`
}

// IdleThreshold returns IdleThresholdMS as a time.Duration.
func (c Config) IdleThreshold() time.Duration {
	return time.Duration(c.IdleThresholdMS) * time.Millisecond
}

// ReclaimInterval returns ReclaimIntervalSeconds as a time.Duration.
func (c Config) ReclaimInterval() time.Duration {
	return time.Duration(c.ReclaimIntervalSeconds) * time.Second
}

// PrimaryStream returns the primary stream name for botID.
func (c Config) PrimaryStream(botID int64) string {
	return fmt.Sprintf("%s%d", c.PrimaryPrefix, botID)
}

// BroadcastStream returns the broadcast stream name for botID.
func (c Config) BroadcastStream(botID int64) string {
	return fmt.Sprintf("%s%d", c.BroadcastPrefix, botID)
}

// LogsStream returns the optional log stream name for botID.
func (c Config) LogsStream(botID int64) string {
	return fmt.Sprintf("%s%d", c.LogsPrefix, botID)
}

// ConsumerName returns the consumer-group consumer name for botID, which
// is the bot id itself.
func (c Config) ConsumerName(botID int64) string {
	return fmt.Sprintf("%d", botID)
}

// Load reads Config from the environment, applying defaults for every
// tunable that isn't required to come from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &cfg, nil
}
