package bot

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lojasmm/goftinobot/internal/ai"
	"github.com/lojasmm/goftinobot/internal/metrics"
	"github.com/lojasmm/goftinobot/internal/store"
)

const (
	defaultJournalLimit = 50
	maxJournalLimit     = 500
)

// Completer produces the reply text. ai.RotatingClient implements it.
type Completer interface {
	GetResponse(ctx context.Context, prompt string, history []ai.Turn, systemInstruction string) (string, error)
}

// HistoryProvider returns the reconciled history of a chat; never fails.
type HistoryProvider interface {
	History(ctx context.Context, chatID, newMessage string) []ai.Turn
}

// Sender delivers a reply into a chat. goftino.Client implements it.
type Sender interface {
	SendMessage(ctx context.Context, chatID, message string) error
}

type Handler struct {
	sender       Sender
	history      HistoryProvider
	llm          Completer
	journal      store.Journal
	systemPrompt string
	logger       *slog.Logger
	metrics      *metrics.RelayMetrics

	wg sync.WaitGroup
}

func NewHandler(sender Sender, history HistoryProvider, llm Completer, journal store.Journal, systemPrompt string, logger *slog.Logger, m *metrics.RelayMetrics) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sender:       sender,
		history:      history,
		llm:          llm,
		journal:      journal,
		systemPrompt: systemPrompt,
		logger:       logger,
		metrics:      m,
	}
}

// HandleMessage schedules the reply in the background and returns at once.
// Tasks are independent: two messages from one chat may be answered in any
// order, each with its own history fetch.
func (h *Handler) HandleMessage(chatID, content string) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("bot: panic while processing message", "chat_id", chatID, "panic", rec)
			}
		}()
		h.Process(context.Background(), chatID, content)
	}()
}

// Process runs one relay: history, completion, delivery. Failures are logged
// and journaled, never returned; the customer simply gets no reply.
func (h *Handler) Process(ctx context.Context, chatID, content string) store.Outcome {
	start := time.Now()
	logger := h.logger.With("task_id", uuid.NewString(), "chat_id", chatID)
	logger.Info("bot: processing message", "length", len(content))

	history := h.history.History(ctx, chatID, content)
	h.metrics.ObserveHistory(len(history))

	reply, err := h.llm.GetResponse(ctx, content, history, h.systemPrompt)
	if err != nil {
		outcome := store.OutcomeAborted
		if errors.Is(err, ai.ErrAllCredentialsExhausted) {
			outcome = store.OutcomeExhausted
		}
		logger.Error("bot: no reply generated", "outcome", outcome, "error", err)
		h.finish(chatID, outcome, len(history), start, err)
		return outcome
	}

	if err := h.sender.SendMessage(ctx, chatID, reply); err != nil {
		logger.Error("bot: failed to send reply", "error", err)
		h.finish(chatID, store.OutcomeDeliveryFailed, len(history), start, err)
		return store.OutcomeDeliveryFailed
	}

	logger.Info("bot: reply sent", "history_turns", len(history), "elapsed", time.Since(start))
	h.finish(chatID, store.OutcomeReplied, len(history), start, nil)
	return store.OutcomeReplied
}

func (h *Handler) finish(chatID string, outcome store.Outcome, turns int, start time.Time, err error) {
	elapsed := time.Since(start)
	h.metrics.ObserveOutcome(string(outcome), elapsed.Seconds())

	if h.journal == nil {
		return
	}
	e := store.Entry{
		ChatID:       chatID,
		Outcome:      outcome,
		HistoryTurns: turns,
		Duration:     elapsed,
	}
	if err != nil {
		e.Error = err.Error()
	}
	if jerr := h.journal.Record(e); jerr != nil {
		h.logger.Error("bot: failed to journal outcome", "chat_id", chatID, "error", jerr)
	}
}

// Wait blocks until every scheduled task has finished or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleJournal lists recent relay outcomes, newest first.
func (h *Handler) HandleJournal(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}

	limit := defaultJournalLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxJournalLimit)
	}

	entries, err := h.journal.Recent(limit)
	if err != nil {
		h.logger.Error("bot: failed to read journal", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []store.Entry{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"entries": entries})
}
