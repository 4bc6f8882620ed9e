package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultGoftinoBaseURL = "https://api.goftino.com/v1"
	defaultGeminiModel    = "gemini-flash-lite-latest"
	defaultHistoryLimit   = 10
	defaultRetryDelay     = time.Second
)

type Config struct {
	GeminiAPIKeys []string
	GeminiModel   string
	RetryDelay    time.Duration

	GoftinoAPIKey  string
	GoftinoBaseURL string
	HistoryLimit   int

	SystemPromptFile string

	Port     string
	DataDir  string
	LogLevel string
}

func Load() (*Config, error) {
	// .env is optional — env vars may already be set (e.g. in production)
	_ = godotenv.Load()

	cfg := &Config{
		GeminiAPIKeys:    splitList(os.Getenv("GEMINI_API_KEYS")),
		GeminiModel:      os.Getenv("GEMINI_MODEL"),
		GoftinoAPIKey:    os.Getenv("GOFTINO_API_KEY"),
		GoftinoBaseURL:   os.Getenv("GOFTINO_BASE_URL"),
		SystemPromptFile: os.Getenv("SYSTEM_PROMPT_FILE"),
		Port:             os.Getenv("PORT"),
		DataDir:          os.Getenv("DATA_DIR"),
		LogLevel:         strings.ToLower(os.Getenv("LOG_LEVEL")),
	}

	if cfg.GeminiModel == "" {
		cfg.GeminiModel = defaultGeminiModel
	}

	if cfg.GoftinoBaseURL == "" {
		cfg.GoftinoBaseURL = defaultGoftinoBaseURL
	}
	cfg.GoftinoBaseURL = strings.TrimRight(cfg.GoftinoBaseURL, "/")

	if cfg.Port == "" {
		cfg.Port = "8080"
	}

	if cfg.DataDir == "" {
		cfg.DataDir = "."
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	limit, err := parseIntEnv("HISTORY_LIMIT", defaultHistoryLimit)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("HISTORY_LIMIT must be positive, got %d", limit)
	}
	cfg.HistoryLimit = limit

	delay, err := parseDurationEnv("RETRY_DELAY", defaultRetryDelay)
	if err != nil {
		return nil, err
	}
	if delay < 0 {
		return nil, fmt.Errorf("RETRY_DELAY must not be negative, got %s", delay)
	}
	cfg.RetryDelay = delay

	for _, req := range []struct {
		name string
		set  bool
	}{
		{"GEMINI_API_KEYS", len(cfg.GeminiAPIKeys) > 0},
		{"GOFTINO_API_KEY", cfg.GoftinoAPIKey != ""},
	} {
		if !req.set {
			return nil, fmt.Errorf("required env var %s is not set", req.name)
		}
	}

	return cfg, nil
}

// splitList parses a comma-separated env value, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseIntEnv(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return v, nil
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return v, nil
}
