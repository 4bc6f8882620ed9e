package goftino

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	EventNewMessage = "new_message"

	// SenderOperator marks messages written by an agent (or by this bot).
	SenderOperator = "operator"
	SenderUser     = "user"

	MessageTypeText = "text"
)

// --- Incoming webhook payload ---

type WebhookPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type NewMessageData struct {
	ChatID  ChatID `json:"chat_id"`
	Content string `json:"content"`
	Type    string `json:"type,omitempty"`
	Sender  Sender `json:"sender"`
}

// ChatID accepts chat_id as a JSON string or number.
type ChatID string

func (c *ChatID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*c = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = ChatID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("chat_id: %w", err)
	}
	*c = ChatID(n.String())
	return nil
}

type Sender struct {
	From string `json:"from"`
	ID   string `json:"id,omitempty"`
}

// --- REST API ---

type Message struct {
	Sender  Sender    `json:"sender"`
	Content string    `json:"content"`
	Type    string    `json:"type"`
	Date    Timestamp `json:"date"`
}

type Operator struct {
	OperatorID string `json:"operator_id"`
	Name       string `json:"name,omitempty"`
}

type apiResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data"`
}

type operatorsData struct {
	Operators []Operator `json:"operators"`
}

type chatData struct {
	Messages []Message `json:"messages"`
}

type SendMessageRequest struct {
	ChatID     string `json:"chat_id"`
	OperatorID string `json:"operator_id"`
	Message    string `json:"message"`
}

// Timestamp is a message date as Goftino sends it: unix seconds (number or
// numeric string) or a formatted date string. Anything else decodes to the
// zero time rather than failing the whole history; the text is kept so such
// dates still order among themselves.
type Timestamp struct {
	time.Time
	raw string
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/01/02",
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*t = Timestamp{}
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}

	raw := string(b)
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
	}
	t.Time = parseDate(raw)
	if t.Time.IsZero() {
		t.raw = raw
	}
	return nil
}

// Raw is the original text of a date that could not be parsed.
func (t Timestamp) Raw() string {
	return t.raw
}

// Precedes orders by time; dates that did not parse sort first, by their text.
func (t Timestamp) Precedes(u Timestamp) bool {
	if !t.Time.Equal(u.Time) {
		return t.Time.Before(u.Time)
	}
	return t.raw < u.raw
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Unix())
}

func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		// millisecond epochs are 13 digits
		if f > 1e12 {
			return time.UnixMilli(int64(f)).UTC()
		}
		sec := int64(f)
		return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC()
	}
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts
		}
	}
	return time.Time{}
}
