package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port            int
	DatabaseURL     string
	NatsURL         string
	NatsToken       string
	LogLevel        string
	UpstreamURL     string
	UpstreamAPIKey  string
	UpstreamModel   string
	APIToken        string
	StreamThrottle  time.Duration
	PageSize        int
	ContextMessages int
	ConversationCap int
	TitleLength     int
	PersistPartial  bool

	// UpstreamCumulative asks the backend for running totals instead of
	// increments.
	UpstreamCumulative bool
	// UpstreamFragmentPath is a dotted JSON path to the fragment inside a
	// record, e.g. "output.choices.[0].message.content". Empty keeps the
	// parser default.
	UpstreamFragmentPath string
}

const DefaultUpstreamURL = "https://dashscope.aliyuncs.com/api/v1/services/aigc/text-generation/generation"

func Load() Config {
	return Config{
		Port:            envInt("PARLEY_PORT", 8760),
		DatabaseURL:     envStr("DATABASE_URL", ""),
		NatsURL:         envStr("NATS_URL", ""),
		NatsToken:       envStr("NATS_TOKEN", ""),
		LogLevel:        envStr("LOG_LEVEL", "info"),
		UpstreamURL:     envStr("UPSTREAM_URL", DefaultUpstreamURL),
		UpstreamAPIKey:  envStr("UPSTREAM_API_KEY", ""),
		UpstreamModel:   envStr("UPSTREAM_MODEL", "qwen-turbo"),
		APIToken:        envStr("PARLEY_API_TOKEN", ""),
		StreamThrottle:  envDuration("STREAM_THROTTLE", 75*time.Millisecond),
		PageSize:        envInt("HISTORY_PAGE_SIZE", 10),
		ContextMessages: envInt("CONTEXT_MESSAGES", 20),
		ConversationCap: envInt("CONVERSATION_LIMIT", 50),
		TitleLength:     envInt("TITLE_LENGTH", 20),
		PersistPartial:  envBool("PERSIST_PARTIAL_REPLIES", true),

		UpstreamCumulative:   envBool("UPSTREAM_CUMULATIVE", false),
		UpstreamFragmentPath: envStr("UPSTREAM_FRAGMENT_PATH", ""),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			return d
		}
	}
	return fallback
}
