// Package history turns Goftino's recent message log into the ordered turn
// sequence used to seed a Gemini chat.
package history

import (
	"context"
	"log/slog"
	"sort"

	"github.com/lojasmm/goftinobot/internal/ai"
	"github.com/lojasmm/goftinobot/internal/goftino"
)

const DefaultLimit = 10

// Source fetches the raw message log of a chat.
type Source interface {
	ChatHistory(ctx context.Context, chatID string, limit int) ([]goftino.Message, error)
}

type Reconciler struct {
	source Source
	limit  int
	logger *slog.Logger
}

func NewReconciler(source Source, limit int, logger *slog.Logger) *Reconciler {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{source: source, limit: limit, logger: logger}
}

// History fetches the last messages of chatID and reconciles them against the
// message that triggered this call. A failed fetch yields an empty history,
// never an error: the reply then goes out without context.
func (r *Reconciler) History(ctx context.Context, chatID, newMessage string) []ai.Turn {
	raw, err := r.source.ChatHistory(ctx, chatID, r.limit)
	if err != nil {
		r.logger.Error("history: fetch failed, continuing without context",
			"chat_id", chatID, "error", err)
		return []ai.Turn{}
	}
	return Reconcile(raw, newMessage)
}

// Reconcile filters, orders and attributes raw messages:
//
//   - only non-empty "text" messages are kept;
//   - messages are stable-sorted oldest first, so equal or missing dates keep
//     fetch order (missing dates sort first, then unparseable ones by text);
//   - operator messages become assistant turns, everything else user turns;
//   - if the last turn is a user turn equal to newMessage, it is dropped,
//     since newMessage is sent separately as the prompt.
//
// Only the trailing turn is ever compared against newMessage. A copy that
// sorting places anywhere else stays in the history.
func Reconcile(raw []goftino.Message, newMessage string) []ai.Turn {
	kept := make([]goftino.Message, 0, len(raw))
	for _, m := range raw {
		if m.Type != goftino.MessageTypeText || m.Content == "" {
			continue
		}
		kept = append(kept, m)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Date.Precedes(kept[j].Date)
	})

	turns := make([]ai.Turn, 0, len(kept))
	for _, m := range kept {
		role := ai.RoleUser
		if m.Sender.From == goftino.SenderOperator {
			role = ai.RoleAssistant
		}
		turns = append(turns, ai.Turn{Role: role, Content: m.Content})
	}

	if n := len(turns); n > 0 {
		last := turns[n-1]
		if last.Role == ai.RoleUser && last.Content == newMessage {
			turns = turns[:n-1]
		}
	}
	return turns
}
