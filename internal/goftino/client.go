package goftino

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

const DefaultBaseURL = "https://api.goftino.com/v1"

var ErrNoOperator = errors.New("goftino: no operators available")

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger

	// operatorID is filled by the first successful lookup and kept for the
	// life of the process. It is never refreshed, so a roster change on the
	// Goftino side goes unnoticed until restart.
	opMu       sync.Mutex
	operatorID string
}

func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

// OperatorID returns the operator replies are sent as: the first operator on
// the account. Failed lookups are not cached.
func (c *Client) OperatorID(ctx context.Context) (string, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.operatorID != "" {
		return c.operatorID, nil
	}

	var data operatorsData
	if err := c.do(ctx, http.MethodGet, "/operators", nil, nil, &data); err != nil {
		return "", fmt.Errorf("operators: %w", err)
	}
	if len(data.Operators) == 0 || data.Operators[0].OperatorID == "" {
		return "", ErrNoOperator
	}

	c.operatorID = data.Operators[0].OperatorID
	c.logger.Info("goftino: using operator", "operator_id", c.operatorID)
	return c.operatorID, nil
}

// SendMessage posts message into chatID as the cached operator.
func (c *Client) SendMessage(ctx context.Context, chatID, message string) error {
	operatorID, err := c.OperatorID(ctx)
	if err != nil {
		return fmt.Errorf("resolving operator: %w", err)
	}

	req := SendMessageRequest{
		ChatID:     chatID,
		OperatorID: operatorID,
		Message:    message,
	}
	if err := c.do(ctx, http.MethodPost, "/send_message", nil, req, nil); err != nil {
		return fmt.Errorf("send_message: %w", err)
	}
	return nil
}

// ChatHistory returns up to limit recent messages of chatID in whatever
// order Goftino sends them.
func (c *Client) ChatHistory(ctx context.Context, chatID string, limit int) ([]Message, error) {
	q := url.Values{}
	q.Set("chat_id", chatID)
	q.Set("limit", strconv.Itoa(limit))

	var data chatData
	if err := c.do(ctx, http.MethodGet, "/chat_data", q, nil, &data); err != nil {
		return nil, fmt.Errorf("chat_data: %w", err)
	}
	return data.Messages, nil
}

// do performs one API call and decodes the "data" envelope into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("goftino-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, respBody)
	}

	var envelope apiResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if envelope.Status != "success" {
		return fmt.Errorf("api status %q: %s", envelope.Status, envelope.Message)
	}

	if out == nil || len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decoding data: %w", err)
	}
	return nil
}
