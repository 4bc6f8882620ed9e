package ai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/genai"
)

const DefaultModel = "gemini-flash-lite-latest"

// GeminiBackend runs completions against the Gemini API, one genai.Client per key.
type GeminiBackend struct {
	model   string
	baseURL string
	http    *http.Client

	mu      sync.Mutex
	clients map[string]*genai.Client
}

type GeminiOption func(*GeminiBackend)

// WithBaseURL points the backend at a different Gemini endpoint.
func WithBaseURL(u string) GeminiOption {
	return func(b *GeminiBackend) { b.baseURL = u }
}

func WithHTTPClient(c *http.Client) GeminiOption {
	return func(b *GeminiBackend) { b.http = c }
}

func NewGeminiBackend(model string, opts ...GeminiOption) *GeminiBackend {
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	b := &GeminiBackend{
		model:   model,
		clients: make(map[string]*genai.Client),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Complete opens a chat seeded with the system instruction and history, then
// sends the prompt as the final user message.
func (b *GeminiBackend) Complete(ctx context.Context, credential string, req Request) (string, error) {
	client, err := b.client(ctx, credential)
	if err != nil {
		return "", err
	}

	cfg := &genai.GenerateContentConfig{}
	if strings.TrimSpace(req.SystemInstruction) != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}

	chat, err := client.Chats.Create(ctx, b.model, cfg, toGeminiHistory(req.History))
	if err != nil {
		return "", fmt.Errorf("gemini: creating chat: %w", err)
	}

	resp, err := chat.SendMessage(ctx, genai.Part{Text: req.Prompt})
	if err != nil {
		return "", fmt.Errorf("gemini: send message: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func (b *GeminiBackend) client(ctx context.Context, credential string) (*genai.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.clients[credential]; ok {
		return c, nil
	}

	cc := &genai.ClientConfig{
		APIKey:     credential,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: b.http,
	}
	if b.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: b.baseURL}
	}

	c, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: creating client: %w", err)
	}
	b.clients[credential] = c
	return c, nil
}

// toGeminiHistory maps turns onto Gemini's user/model roles.
func toGeminiHistory(turns []Turn) []*genai.Content {
	history := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := genai.Role(genai.RoleUser)
		if t.Role == RoleAssistant {
			role = genai.RoleModel
		}
		history = append(history, genai.NewContentFromText(t.Content, role))
	}
	return history
}
