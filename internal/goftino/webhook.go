package goftino

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/lojasmm/goftinobot/internal/metrics"
)

const maxWebhookBody = 1 << 20

// MessageHandler is called for each customer message worth answering.
// It must not block: the webhook acknowledges only after it returns.
type MessageHandler func(chatID, content string)

type WebhookHandler struct {
	onMessage MessageHandler
	logger    *slog.Logger
	metrics   *metrics.RelayMetrics
}

func NewWebhookHandler(onMessage MessageHandler, logger *slog.Logger, m *metrics.RelayMetrics) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{onMessage: onMessage, logger: logger, metrics: m}
}

// HandleIncoming processes Goftino webhook POSTs. It always answers 200:
// anything that is not a customer's new text message is logged and dropped.
func (h *WebhookHandler) HandleIncoming(w http.ResponseWriter, r *http.Request) {
	var payload WebhookPayload
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err := dec.Decode(&payload); err != nil {
		h.logger.Error("webhook: failed to decode payload", "error", err)
		h.metrics.ObserveWebhook("unknown", "malformed")
		writeJSON(w, map[string]string{"status": "error", "message": err.Error()})
		return
	}

	h.logger.Info("webhook: received event", "event", payload.Event)

	if payload.Event != EventNewMessage {
		h.metrics.ObserveWebhook(eventLabel(payload.Event), "ignored")
		writeJSON(w, map[string]string{"status": "success"})
		return
	}

	var data NewMessageData
	if err := json.Unmarshal(payload.Data, &data); err != nil {
		h.logger.Error("webhook: failed to decode new_message data", "error", err)
		h.metrics.ObserveWebhook(payload.Event, "malformed")
		writeJSON(w, map[string]string{"status": "error", "message": err.Error()})
		return
	}

	switch {
	case data.Sender.From == SenderOperator:
		// our own replies come back as operator messages; answering them would loop
		h.metrics.ObserveWebhook(payload.Event, "ignored_operator")
	case data.ChatID == "" || data.Content == "":
		h.logger.Warn("webhook: new_message without chat_id or content", "chat_id", data.ChatID)
		h.metrics.ObserveWebhook(payload.Event, "ignored_empty")
	default:
		h.onMessage(string(data.ChatID), data.Content)
		h.metrics.ObserveWebhook(payload.Event, "dispatched")
	}

	writeJSON(w, map[string]string{"status": "success"})
}

// eventLabel keeps the metric label set bounded.
func eventLabel(event string) string {
	if event == EventNewMessage {
		return event
	}
	return "other"
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
