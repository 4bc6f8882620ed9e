package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/lojasmm/goftinobot/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultRetryDelay = time.Second

var (
	// ErrAllCredentialsExhausted is returned when every credential in the pool
	// failed within one call.
	ErrAllCredentialsExhausted = errors.New("ai: all gemini credentials failed")
	ErrNoCredentials           = errors.New("ai: no gemini credentials configured")
)

var tracer trace.Tracer = otel.Tracer("github.com/lojasmm/goftinobot/internal/ai")

// RotatingClient spreads completions over a pool of Gemini API keys.
//
// The pool is a queue: each attempt uses the front key, and a key that fails
// is moved to the back. A key that succeeds stays at the front.
//
// The queue is shared by every caller. mu only protects the slice itself and
// is never held during a backend call, so overlapping calls can interleave
// their rotations and retry one key more than once across calls. The bound of
// one attempt per key holds per call only. Failed attempts never produce
// output, so the race costs redundant retries and nothing else.
type RotatingClient struct {
	backend Backend
	delay   time.Duration
	logger  *slog.Logger
	metrics *metrics.RelayMetrics
	shuffle bool

	// newTimer paces retries; nil uses backoff's real timer.
	newTimer func() backoff.Timer

	mu   sync.Mutex
	keys []string
}

type Option func(*RotatingClient)

// WithRetryDelay sets the pause between a failed attempt and the next one.
func WithRetryDelay(d time.Duration) Option {
	return func(c *RotatingClient) { c.delay = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *RotatingClient) { c.logger = l }
}

func WithMetrics(m *metrics.RelayMetrics) Option {
	return func(c *RotatingClient) { c.metrics = m }
}

// WithShuffle controls the initial randomization of the pool. Enabled by default.
func WithShuffle(enabled bool) Option {
	return func(c *RotatingClient) { c.shuffle = enabled }
}

func NewRotatingClient(backend Backend, credentials []string, opts ...Option) (*RotatingClient, error) {
	keys := dedupe(credentials)
	if len(keys) == 0 {
		return nil, ErrNoCredentials
	}

	c := &RotatingClient{
		backend: backend,
		delay:   defaultRetryDelay,
		logger:  slog.Default(),
		keys:    keys,
		shuffle: true,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.shuffle {
		rand.Shuffle(len(c.keys), func(i, j int) {
			c.keys[i], c.keys[j] = c.keys[j], c.keys[i]
		})
	}
	return c, nil
}

// GetResponse asks Gemini for a reply to prompt, seeded with history and an
// optional system instruction. It tries each credential at most once and
// returns an error wrapping ErrAllCredentialsExhausted if all of them fail.
func (c *RotatingClient) GetResponse(ctx context.Context, prompt string, history []Turn, systemInstruction string) (string, error) {
	req := Request{
		SystemInstruction: systemInstruction,
		History:           history,
		Prompt:            prompt,
	}
	if req.History == nil {
		req.History = []Turn{}
	}

	attempts := c.Size()
	n := 0
	var text string
	var lastErr error
	op := func() error {
		n++
		key := c.front()

		out, err := c.attempt(ctx, n, key, req)
		if err == nil {
			text = out
			return nil
		}
		lastErr = err

		kind := ClassifyError(err)
		c.metrics.ObserveAttempt(false, string(kind))
		c.logger.Error("ai: gemini attempt failed",
			"key", Redact(key),
			"attempt", n,
			"of", attempts,
			"kind", kind,
			"error", err,
		)

		c.rotate(key)
		c.metrics.ObserveRotation()
		return err
	}

	// one pause between attempts, none after the last
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.delay), uint64(attempts-1)),
		ctx,
	)
	var timer backoff.Timer
	if c.newTimer != nil {
		timer = c.newTimer()
	}

	err := backoff.RetryNotifyWithTimer(op, policy, nil, timer)
	if err == nil {
		return text, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", fmt.Errorf("ai: gemini call cancelled: %w", ctxErr)
	}

	c.metrics.ObserveExhausted()
	return "", fmt.Errorf("%w (last error: %w)", ErrAllCredentialsExhausted, lastErr)
}

func (c *RotatingClient) attempt(ctx context.Context, n int, key string, req Request) (string, error) {
	ctx, span := tracer.Start(ctx, "gemini.attempt", trace.WithAttributes(
		attribute.Int("attempt", n),
		attribute.String("credential", Redact(key)),
		attribute.Int("history.turns", len(req.History)),
	))
	defer span.End()

	text, err := c.backend.Complete(ctx, key, req)
	if err == nil && strings.TrimSpace(text) == "" {
		err = ErrEmptyResponse
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	c.metrics.ObserveAttempt(true, "")
	return text, nil
}

// Size is the number of credentials in the pool. It never changes.
func (c *RotatingClient) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}

// Order returns a snapshot of the pool, front first.
func (c *RotatingClient) Order() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.keys...)
}

func (c *RotatingClient) front() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys[0]
}

// rotate moves key to the back of the queue. If a concurrent call already
// moved it, it is moved again; membership never changes.
func (c *RotatingClient) rotate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, k := range c.keys {
		if k == key {
			copy(c.keys[i:], c.keys[i+1:])
			c.keys[len(c.keys)-1] = key
			return
		}
	}
}

// Redact keeps only the last 4 characters of a credential for logs.
func Redact(key string) string {
	if len(key) <= 4 {
		return "..."
	}
	return "..." + key[len(key)-4:]
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
