package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lojasmm/goftinobot/internal/ai"
	"github.com/lojasmm/goftinobot/internal/goftino"
	"github.com/lojasmm/goftinobot/internal/history"
	"github.com/lojasmm/goftinobot/internal/logging"
	"github.com/lojasmm/goftinobot/internal/metrics"
	"github.com/lojasmm/goftinobot/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- stubs ---

type stubCompleter struct {
	mu      sync.Mutex
	reply   string
	err     error
	panics  bool
	prompts []string
	history [][]ai.Turn
	systems []string
}

func (s *stubCompleter) GetResponse(_ context.Context, prompt string, history []ai.Turn, system string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panics {
		panic("backend exploded")
	}
	s.prompts = append(s.prompts, prompt)
	s.history = append(s.history, history)
	s.systems = append(s.systems, system)
	return s.reply, s.err
}

func (s *stubCompleter) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

type stubHistory struct {
	mu    sync.Mutex
	turns []ai.Turn
	calls int
}

func (s *stubHistory) History(_ context.Context, _, _ string) []ai.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.turns
}

type sentMessage struct {
	chatID, message string
}

type stubSender struct {
	mu   sync.Mutex
	err  error
	sent []sentMessage
}

func (s *stubSender) SendMessage(_ context.Context, chatID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentMessage{chatID, message})
	return nil
}

type memJournal struct {
	mu      sync.Mutex
	entries []store.Entry
	err     error
}

func (j *memJournal) Record(e store.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

func (j *memJournal) Recent(limit int) ([]store.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return nil, j.err
	}
	var out []store.Entry
	for i := len(j.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, j.entries[i])
	}
	return out, nil
}

func (j *memJournal) Close() error { return nil }

type fixture struct {
	handler   *Handler
	completer *stubCompleter
	history   *stubHistory
	sender    *stubSender
	journal   *memJournal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		completer: &stubCompleter{reply: "We ship everywhere in Iran."},
		history:   &stubHistory{turns: []ai.Turn{{Role: ai.RoleAssistant, Content: "Welcome!"}}},
		sender:    &stubSender{},
		journal:   &memJournal{},
	}
	f.handler = NewHandler(f.sender, f.history, f.completer, f.journal, "be nice",
		logging.Discard().Logger, metrics.NewRelayMetrics(prometheus.NewRegistry()))
	return f
}

func waitTasks(t *testing.T, h *Handler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))
}

// --- Process ---

func TestProcess_Replied(t *testing.T) {
	f := newFixture(t)

	outcome := f.handler.Process(context.Background(), "chat-1", "Do you ship?")

	assert.Equal(t, store.OutcomeReplied, outcome)
	assert.Equal(t, []string{"Do you ship?"}, f.completer.prompts)
	assert.Equal(t, []string{"be nice"}, f.completer.systems)
	assert.Equal(t, [][]ai.Turn{{{Role: ai.RoleAssistant, Content: "Welcome!"}}}, f.completer.history)
	assert.Equal(t, []sentMessage{{"chat-1", "We ship everywhere in Iran."}}, f.sender.sent)

	require.Len(t, f.journal.entries, 1)
	e := f.journal.entries[0]
	assert.Equal(t, "chat-1", e.ChatID)
	assert.Equal(t, store.OutcomeReplied, e.Outcome)
	assert.Equal(t, 1, e.HistoryTurns)
	assert.Empty(t, e.Error)
}

func TestProcess_ExhaustedSuppressesDelivery(t *testing.T) {
	f := newFixture(t)
	f.completer.reply = ""
	f.completer.err = fmt.Errorf("%w (last error: boom)", ai.ErrAllCredentialsExhausted)

	outcome := f.handler.Process(context.Background(), "chat-1", "hello")

	assert.Equal(t, store.OutcomeExhausted, outcome)
	assert.Empty(t, f.sender.sent)
	require.Len(t, f.journal.entries, 1)
	assert.Equal(t, store.OutcomeExhausted, f.journal.entries[0].Outcome)
	assert.Contains(t, f.journal.entries[0].Error, "all gemini credentials failed")
}

func TestProcess_CancelledCompletionIsNotExhaustion(t *testing.T) {
	f := newFixture(t)
	f.completer.reply = ""
	f.completer.err = fmt.Errorf("ai: gemini call cancelled: %w", context.Canceled)

	outcome := f.handler.Process(context.Background(), "chat-1", "hello")

	assert.Equal(t, store.OutcomeAborted, outcome)
	assert.Empty(t, f.sender.sent)
	require.Len(t, f.journal.entries, 1)
	assert.Equal(t, store.OutcomeAborted, f.journal.entries[0].Outcome)
	assert.Contains(t, f.journal.entries[0].Error, "context canceled")
}

func TestProcess_DeliveryFailureIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.sender.err = errors.New("send_message: status 500")

	outcome := f.handler.Process(context.Background(), "chat-1", "hello")

	assert.Equal(t, store.OutcomeDeliveryFailed, outcome)
	assert.Equal(t, 1, f.completer.calls())
	require.Len(t, f.journal.entries, 1)
	assert.Equal(t, store.OutcomeDeliveryFailed, f.journal.entries[0].Outcome)
}

func TestProcess_WithoutJournal(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.sender, f.history, f.completer, nil, "", nil, nil)

	assert.Equal(t, store.OutcomeReplied, h.Process(context.Background(), "chat-1", "hi"))
}

func TestHandleMessage_RunsInBackgroundAndRecoversPanics(t *testing.T) {
	f := newFixture(t)
	f.handler.HandleMessage("chat-1", "first")
	f.handler.HandleMessage("chat-2", "second")
	waitTasks(t, f.handler)
	assert.Len(t, f.sender.sent, 2)

	f.completer.panics = true
	f.handler.HandleMessage("chat-3", "boom")
	waitTasks(t, f.handler)
	assert.Len(t, f.sender.sent, 2)
}

// --- journal endpoint ---

func TestHandleJournal(t *testing.T) {
	f := newFixture(t)
	for i := range 3 {
		f.handler.Process(context.Background(), fmt.Sprintf("chat-%d", i), "hi")
	}

	req := httptest.NewRequest(http.MethodGet, "/journal?limit=2", nil)
	w := httptest.NewRecorder()
	f.handler.HandleJournal(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Entries []store.Entry `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Len(t, body.Entries, 2)
	assert.Equal(t, "chat-2", body.Entries[0].ChatID)
}

func TestHandleJournal_Errors(t *testing.T) {
	f := newFixture(t)

	w := httptest.NewRecorder()
	f.handler.HandleJournal(w, httptest.NewRequest(http.MethodGet, "/journal?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.journal.err = errors.New("disk gone")
	w = httptest.NewRecorder()
	f.handler.HandleJournal(w, httptest.NewRequest(http.MethodGet, "/journal", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	h := NewHandler(f.sender, f.history, f.completer, nil, "", nil, nil)
	w = httptest.NewRecorder()
	h.HandleJournal(w, httptest.NewRequest(http.MethodGet, "/journal", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// --- webhook → reply, wired through the real components ---

// fakeGoftino serves the three Goftino endpoints the relay uses.
type fakeGoftino struct {
	mu          sync.Mutex
	historyJSON string
	historyFail bool
	historyHits int
	sent        []goftino.SendMessageRequest
}

func (g *fakeGoftino) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch r.URL.Path {
	case "/operators":
		_, _ = io.WriteString(w, `{"status":"success","data":{"operators":[{"operator_id":"op-bot"}]}}`)
	case "/chat_data":
		g.historyHits++
		if g.historyFail {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, g.historyJSON)
	case "/send_message":
		var req goftino.SendMessageRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		g.sent = append(g.sent, req)
		_, _ = io.WriteString(w, `{"status":"success"}`)
	default:
		http.NotFound(w, r)
	}
}

// recordingBackend fails for poisoned keys and records successful requests.
type recordingBackend struct {
	mu       sync.Mutex
	poisoned map[string]bool
	requests []ai.Request
}

func (b *recordingBackend) Complete(_ context.Context, key string, req ai.Request) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.poisoned[key] {
		return "", errors.New("Error 403, Message: API key not valid")
	}
	b.requests = append(b.requests, req)
	return "Yes, shipping takes 3 days.", nil
}

type relay struct {
	goftino *fakeGoftino
	backend *recordingBackend
	handler *Handler
	webhook *goftino.WebhookHandler
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	logger := logging.Discard().Logger
	m := metrics.NewRelayMetrics(prometheus.NewRegistry())

	fake := &fakeGoftino{historyJSON: `{"status":"success","data":{"messages":[
		{"sender":{"from":"user"},"content":"Do you ship to Shiraz?","type":"text","date":"2024-05-01 10:00:05"},
		{"sender":{"from":"operator"},"content":"Hello! How can we help?","type":"text","date":"2024-05-01 10:00:01"},
		{"sender":{"from":"user"},"content":"hi","type":"text","date":"2024-05-01 10:00:00"}
	]}}`}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client := goftino.NewClient(srv.URL, "goftino-secret", logger)
	backend := &recordingBackend{poisoned: map[string]bool{"dead-key": true}}
	llm, err := ai.NewRotatingClient(backend, []string{"dead-key", "live-key"},
		ai.WithRetryDelay(0), ai.WithLogger(logger), ai.WithMetrics(m))
	require.NoError(t, err)

	h := NewHandler(client, history.NewReconciler(client, 10, logger), llm, nil, "be nice", logger, m)
	return &relay{
		goftino: fake,
		backend: backend,
		handler: h,
		webhook: goftino.NewWebhookHandler(h.HandleMessage, logger, m),
	}
}

func (r *relay) post(t *testing.T, body string) {
	t.Helper()
	w := httptest.NewRecorder()
	r.webhook.HandleIncoming(w, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"success"`)
	waitTasks(t, r.handler)
}

func TestRelay_CustomerMessageGetsReply(t *testing.T) {
	r := newRelay(t)

	r.post(t, `{"event":"new_message","data":{"chat_id":"chat-9","content":"Do you ship to Shiraz?","sender":{"from":"user"}}}`)

	require.Len(t, r.goftino.sent, 1)
	assert.Equal(t, goftino.SendMessageRequest{
		ChatID:     "chat-9",
		OperatorID: "op-bot",
		Message:    "Yes, shipping takes 3 days.",
	}, r.goftino.sent[0])

	require.Len(t, r.backend.requests, 1)
	req := r.backend.requests[0]
	assert.Equal(t, "Do you ship to Shiraz?", req.Prompt)
	assert.Equal(t, "be nice", req.SystemInstruction)
	assert.Equal(t, []ai.Turn{
		{Role: ai.RoleUser, Content: "hi"},
		{Role: ai.RoleAssistant, Content: "Hello! How can we help?"},
	}, req.History, "sorted, attributed, and without the triggering message")
}

func TestRelay_OperatorMessageNeverTriggersCompletion(t *testing.T) {
	r := newRelay(t)

	r.post(t, `{"event":"new_message","data":{"chat_id":"chat-9","content":"Yes, shipping takes 3 days.","sender":{"from":"operator"}}}`)

	assert.Zero(t, r.goftino.historyHits)
	assert.Empty(t, r.backend.requests)
	assert.Empty(t, r.goftino.sent)
}

func TestRelay_EmptyContentIsDiscarded(t *testing.T) {
	r := newRelay(t)

	r.post(t, `{"event":"new_message","data":{"chat_id":"chat-9","content":"","sender":{"from":"user"}}}`)

	assert.Zero(t, r.goftino.historyHits)
	assert.Empty(t, r.backend.requests)
	assert.Empty(t, r.goftino.sent)
}

func TestRelay_HistoryFailureStillReplies(t *testing.T) {
	r := newRelay(t)
	r.goftino.historyFail = true

	r.post(t, `{"event":"new_message","data":{"chat_id":"chat-9","content":"hello?","sender":{"from":"user"}}}`)

	require.Len(t, r.backend.requests, 1)
	assert.Empty(t, r.backend.requests[0].History)
	require.Len(t, r.goftino.sent, 1)
	assert.Equal(t, "chat-9", r.goftino.sent[0].ChatID)
}

func TestRelay_AllKeysDeadSendsNothing(t *testing.T) {
	r := newRelay(t)
	r.backend.poisoned["live-key"] = true

	r.post(t, `{"event":"new_message","data":{"chat_id":"chat-9","content":"anyone there?","sender":{"from":"user"}}}`)

	assert.Equal(t, 1, r.goftino.historyHits)
	assert.Empty(t, r.goftino.sent)
}
