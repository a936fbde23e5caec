// Package message defines the wire types exchanged through the dispatcher's
// streams: the tagged envelope, its two payload shapes, and the log records
// workers emit after each Telegram call.
package message

import (
	"encoding/json"
	"fmt"
)

// Kind tags an Envelope with the operation it carries.
type Kind string

const (
	KindPulse     Kind = "pulse"
	KindAddBot    Kind = "add_bot"
	KindRemoveBot Kind = "remove_bot"
	KindSendMsg   Kind = "send_msg"
	KindDelMsg    Kind = "del_msg"
	KindEditMsg   Kind = "edit_msg"
)

// InlineButton is one button of a ReplyMarkup row.
type InlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

// ReplyMarkup mirrors Telegram's inline keyboard shape.
type ReplyMarkup struct {
	InlineKeyboard [][]InlineButton `json:"inline_keyboard"`
}

// Empty reports whether the markup has no buttons at all — the outer shape
// is present but every row is empty. Such a markup is treated as "no
// markup" by the Telegram client wrapper.
func (r *ReplyMarkup) Empty() bool {
	if r == nil {
		return true
	}
	for _, row := range r.InlineKeyboard {
		if len(row) > 0 {
			return false
		}
	}
	return true
}

// ServicePayload backs pulse/add_bot/remove_bot envelopes.
type ServicePayload struct {
	BotID    int64  `json:"bot_id"`
	Token    string `json:"token"`
	WantLogs bool   `json:"is_sent_logs,omitempty"`
}

// ChatID is an int64 or string chat/message identifier as it appears on the
// wire — Telegram group chat ids are negative integers, but the producer
// side sometimes hands these along as strings.
type ChatID struct {
	raw json.RawMessage
}

// NewChatID wraps an int64 chat id.
func NewChatID(id int64) ChatID {
	b, _ := json.Marshal(id)
	return ChatID{raw: b}
}

// String renders the chat id in its canonical decimal form, which is all
// the rate limiter and Telegram client need (a leading "-" marks a group).
func (c ChatID) String() string {
	var n int64
	if err := json.Unmarshal(c.raw, &n); err == nil {
		return fmt.Sprintf("%d", n)
	}
	var s string
	if err := json.Unmarshal(c.raw, &s); err == nil {
		return s
	}
	return string(c.raw)
}

// Int64 parses the chat id as an integer, the form every Telegram API call
// in this repo requires.
func (c ChatID) Int64() (int64, error) {
	var n int64
	if err := json.Unmarshal(c.raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(c.raw, &s); err == nil {
		var parsed int64
		if _, err := fmt.Sscanf(s, "%d", &parsed); err == nil {
			return parsed, nil
		}
	}
	return 0, fmt.Errorf("chat id %q is not numeric", string(c.raw))
}

func (c ChatID) MarshalJSON() ([]byte, error) {
	if c.raw == nil {
		return []byte("null"), nil
	}
	return c.raw, nil
}

func (c *ChatID) UnmarshalJSON(b []byte) error {
	c.raw = append(json.RawMessage(nil), b...)
	return nil
}

// IntOrString is a message/reply-to id that the wire may encode as either a
// JSON number or a JSON string.
type IntOrString struct {
	raw json.RawMessage
}

func NewIntOrString(n int) IntOrString {
	b, _ := json.Marshal(n)
	return IntOrString{raw: b}
}

func (v IntOrString) IsZero() bool { return len(v.raw) == 0 || string(v.raw) == "null" }

func (v IntOrString) Int() (int, error) {
	var n int
	if err := json.Unmarshal(v.raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(v.raw, &s); err == nil {
		var parsed int
		if _, err := fmt.Sscanf(s, "%d", &parsed); err == nil {
			return parsed, nil
		}
	}
	return 0, fmt.Errorf("id %q is not numeric", string(v.raw))
}

func (v IntOrString) MarshalJSON() ([]byte, error) {
	if v.raw == nil {
		return []byte("null"), nil
	}
	return v.raw, nil
}

func (v *IntOrString) UnmarshalJSON(b []byte) error {
	v.raw = append(json.RawMessage(nil), b...)
	return nil
}

// TaskPayload backs send_msg/del_msg/edit_msg envelopes.
type TaskPayload struct {
	BotID            int64        `json:"bot_id"`
	ChatID           ChatID       `json:"chat_id"`
	Text             *string      `json:"text,omitempty"`
	MessageID        *IntOrString `json:"message_id,omitempty"`
	ReplyMarkup      *ReplyMarkup `json:"reply_markup,omitempty"`
	ReplyToMessageID *IntOrString `json:"reply_to_message_id,omitempty"`
	ExternalID       *int64       `json:"external_id,omitempty"`
}

// Envelope is the tagged variant stored on every stream record.
type Envelope struct {
	Kind Kind            `json:"type"`
	Data json.RawMessage `json:"-"`

	service *ServicePayload
	task    *TaskPayload
}

// NewServiceEnvelope builds an Envelope carrying a ServicePayload.
func NewServiceEnvelope(kind Kind, p ServicePayload) (Envelope, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: kind, Data: raw, service: &p}, nil
}

// NewTaskEnvelope builds an Envelope carrying a TaskPayload.
func NewTaskEnvelope(kind Kind, p TaskPayload) (Envelope, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: kind, Data: raw, task: &p}, nil
}

// Service returns the envelope's data decoded as a ServicePayload. Callers
// must check Kind first: decoding a TaskPayload's JSON as a ServicePayload
// does not itself fail (the shapes share no required fields that would
// conflict), so Kind is the only reliable discriminator.
func (e Envelope) Service() (ServicePayload, error) {
	var p ServicePayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return ServicePayload{}, err
	}
	return p, nil
}

// Task returns the envelope's data decoded as a TaskPayload.
func (e Envelope) Task() (TaskPayload, error) {
	var p TaskPayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return TaskPayload{}, err
	}
	return p, nil
}

// IsServiceKind reports whether kind is pulse/add_bot/remove_bot.
func IsServiceKind(k Kind) bool {
	switch k {
	case KindPulse, KindAddBot, KindRemoveBot:
		return true
	}
	return false
}

// IsTaskKind reports whether kind is send_msg/del_msg/edit_msg.
func IsTaskKind(k Kind) bool {
	switch k {
	case KindSendMsg, KindDelMsg, KindEditMsg:
		return true
	}
	return false
}

// ToFields flattens the envelope into the string map the stream store
// records: "type" plus "data" as a JSON string.
func (e Envelope) ToFields() map[string]string {
	return map[string]string{
		"type": string(e.Kind),
		"data": string(e.Data),
	}
}

// EnvelopeFromFields parses a stream record's flat field map back into an
// Envelope. The "data" field is a JSON string, only checked for validity
// here; callers then decode it into the payload shape that matches Kind.
func EnvelopeFromFields(fields map[string]string) (Envelope, error) {
	kind := Kind(fields["type"])
	data := fields["data"]
	if data == "" {
		return Envelope{}, fmt.Errorf("envelope missing data field")
	}
	if !json.Valid([]byte(data)) {
		return Envelope{}, fmt.Errorf("envelope data is not valid JSON")
	}
	return Envelope{Kind: kind, Data: json.RawMessage(data)}, nil
}

// LogEvent records the outcome of one task message's Telegram call.
type LogEvent struct {
	Kind             Kind         `json:"type"`
	Status           int          `json:"status"`
	BotID            int64        `json:"bot_id"`
	ChatID           ChatID       `json:"chat_id"`
	Text             *string      `json:"text,omitempty"`
	ReplyMarkup      *ReplyMarkup `json:"reply_markup,omitempty"`
	ReplyToMessageID *IntOrString `json:"reply_to_message_id,omitempty"`
	MessageID        *IntOrString `json:"message_id,omitempty"`
	SentMsgID        *int         `json:"sent_msg_id,omitempty"`
	ExternalID       *int64       `json:"external_id,omitempty"`
	Details          *string      `json:"details,omitempty"`
}

// ToFields flattens a LogEvent into a stream record, dropping every unset
// field and JSON-encoding reply_markup when present.
func (l LogEvent) ToFields() (map[string]string, error) {
	fields := map[string]string{
		"type":    string(l.Kind),
		"status":  fmt.Sprintf("%d", l.Status),
		"bot_id":  fmt.Sprintf("%d", l.BotID),
		"chat_id": l.ChatID.String(),
	}
	if l.Text != nil {
		fields["text"] = *l.Text
	}
	if l.ReplyMarkup != nil {
		b, err := json.Marshal(l.ReplyMarkup)
		if err != nil {
			return nil, err
		}
		fields["reply_markup"] = string(b)
	}
	if l.ReplyToMessageID != nil && !l.ReplyToMessageID.IsZero() {
		fields["reply_to_message_id"] = rawString(l.ReplyToMessageID.raw)
	}
	if l.MessageID != nil && !l.MessageID.IsZero() {
		fields["message_id"] = rawString(l.MessageID.raw)
	}
	if l.SentMsgID != nil {
		fields["sent_msg_id"] = fmt.Sprintf("%d", *l.SentMsgID)
	}
	if l.ExternalID != nil {
		fields["external_id"] = fmt.Sprintf("%d", *l.ExternalID)
	}
	if l.Details != nil {
		fields["details"] = *l.Details
	}
	return fields, nil
}

func rawString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return fmt.Sprintf("%d", n)
	}
	return string(raw)
}
