package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

const defaultSystemPrompt = "You are a helpful customer support assistant. Answer clearly and concisely, " +
	"ask for details when a request is ambiguous, and never invent account information."

var (
	ErrMissingUpstreamKey  = errors.New("UPSTREAM_API_KEY is required")
	ErrMissingDatabaseDSN  = errors.New("DB_DSN is required")
	ErrInvalidTemperature  = errors.New("CHAT_TEMPERATURE must be between 0 and 2")
	ErrInvalidDefaultModel = errors.New("UPSTREAM_DEFAULT_MODEL must be listed in UPSTREAM_MODELS")
)

type Config struct {
	HTTP     HTTPConfig
	DB       DBConfig
	Redis    RedisConfig
	Worker   WorkerConfig
	Upstream UpstreamConfig
	Chat     ChatConfig
	Crypto   CryptoConfig
	Log      LogConfig
	Tracing  TracingConfig
}

type HTTPConfig struct {
	ListenAddr  string
	HealthPath  string
	MetricsPath string
	AllowOrigin string
	JWTSecret   string
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type RedisConfig struct {
	Enabled      bool
	Addr         string
	Password     string
	DB           int
	LockTTL      time.Duration
	LockWait     time.Duration
	OutboxStream string
	OutboxGroup  string
	OutboxBlock  time.Duration
}

type WorkerConfig struct {
	Concurrency  int
	ConsumerName string
	MaxRetries   int
}

type UpstreamConfig struct {
	Kind         string
	BaseURL      string
	APIKey       string
	DefaultModel string
	Models       []string
	Timeout      time.Duration
	IdleTimeout  time.Duration
	MaxRetries   int
	BackoffBase  time.Duration
}

type ChatConfig struct {
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

// CryptoConfig is empty when at-rest encryption is off.
type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

func (c CryptoConfig) Enabled() bool { return len(c.Keys) > 0 }

type LogConfig struct {
	Level  string
	Format string
	File   string
}

type TracingConfig struct {
	Stdout bool
}

// Load reads the environment. Only the upstream key and database DSN are
// mandatory; everything else has a working default.
func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			ListenAddr:  mustEnv("HTTP_LISTEN_ADDR", ":8080"),
			HealthPath:  mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath: mustEnv("METRICS_PATH", "/metrics"),
			AllowOrigin: mustEnv("CORS_ALLOW_ORIGIN", "*"),
			JWTSecret:   mustEnv("AUTH_JWT_SECRET", ""),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "postgres")),
			DSN:         mustEnv("DB_DSN", ""),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Enabled:      mustBool("REDIS_ENABLED", true),
			Addr:         mustEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:     mustEnv("REDIS_PASSWORD", ""),
			DB:           mustInt("REDIS_DB", 0),
			LockTTL:      mustDuration("LOCK_TTL", 10*time.Minute),
			LockWait:     mustDuration("LOCK_WAIT", 5*time.Second),
			OutboxStream: mustEnv("OUTBOX_STREAM", "supportchat:saves"),
			OutboxGroup:  mustEnv("OUTBOX_GROUP", "supportchat-savers"),
			OutboxBlock:  mustDuration("OUTBOX_BLOCK", 5*time.Second),
		},
		Worker: WorkerConfig{
			Concurrency:  mustInt("WORKER_CONCURRENCY", 2),
			ConsumerName: mustEnv("WORKER_CONSUMER_NAME", hostnameOr("worker")),
			MaxRetries:   mustInt("WORKER_MAX_RETRIES", 5),
		},
		Upstream: UpstreamConfig{
			Kind:         strings.ToLower(mustEnv("UPSTREAM_KIND", "openai")),
			BaseURL:      mustEnv("UPSTREAM_BASE_URL", "https://api.openai.com/v1"),
			APIKey:       mustEnv("UPSTREAM_API_KEY", ""),
			DefaultModel: mustEnv("UPSTREAM_DEFAULT_MODEL", "gpt-4o-mini"),
			Models:       mustList("UPSTREAM_MODELS"),
			Timeout:      mustDuration("UPSTREAM_TIMEOUT", 60*time.Second),
			IdleTimeout:  mustDuration("UPSTREAM_STREAM_IDLE_TIMEOUT", 90*time.Second),
			MaxRetries:   mustInt("UPSTREAM_MAX_RETRIES", 0),
			BackoffBase:  mustDuration("UPSTREAM_BACKOFF_BASE", 400*time.Millisecond),
		},
		Chat: ChatConfig{
			SystemPrompt: mustEnv("SYSTEM_PROMPT", defaultSystemPrompt),
			Temperature:  mustFloat("CHAT_TEMPERATURE", 0.7),
			MaxTokens:    mustInt("CHAT_MAX_TOKENS", 1024),
		},
		Log: LogConfig{
			Level:  strings.ToLower(mustEnv("LOG_LEVEL", "info")),
			Format: strings.ToLower(mustEnv("LOG_FORMAT", "json")),
			File:   mustEnv("LOG_FILE", ""),
		},
		Tracing: TracingConfig{
			Stdout: mustBool("TRACING_STDOUT", false),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	return cfg, nil
}

// LoadStorage reads only what the migrate command needs.
func LoadStorage() (DBConfig, LogConfig, error) {
	db := DBConfig{
		Driver: strings.ToLower(mustEnv("DB_DRIVER", "postgres")),
		DSN:    mustEnv("DB_DSN", ""),
	}
	lc := LogConfig{
		Level:  strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		Format: strings.ToLower(mustEnv("LOG_FORMAT", "json")),
		File:   mustEnv("LOG_FILE", ""),
	}
	if db.DSN == "" {
		return db, lc, ErrMissingDatabaseDSN
	}
	return db, lc, nil
}

func (c *Config) validate() error {
	if c.Upstream.APIKey == "" {
		return ErrMissingUpstreamKey
	}
	if c.DB.DSN == "" {
		return ErrMissingDatabaseDSN
	}
	if c.Chat.Temperature < 0 || c.Chat.Temperature > 2 {
		return ErrInvalidTemperature
	}
	if c.Chat.MaxTokens < 0 {
		return fmt.Errorf("CHAT_MAX_TOKENS must not be negative, got %d", c.Chat.MaxTokens)
	}
	if len(c.Upstream.Models) > 0 && !slices.Contains(c.Upstream.Models, c.Upstream.DefaultModel) {
		return ErrInvalidDefaultModel
	}
	if c.Upstream.IdleTimeout < 0 {
		return fmt.Errorf("UPSTREAM_STREAM_IDLE_TIMEOUT must not be negative")
	}
	if c.Worker.Concurrency < 1 {
		c.Worker.Concurrency = 1
	}
	return nil
}

// loadCryptoConfig collects content keys from CONTENT_KEYS_JSON and
// CONTENT_KEY_<ID>_B64. No keys means encryption stays off.
func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}

	if raw := mustEnv("CONTENT_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse CONTENT_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	for _, e := range os.Environ() {
		k, v, ok := strings.Cut(e, "=")
		if !ok {
			continue
		}
		if !strings.HasPrefix(k, "CONTENT_KEY_") || !strings.HasSuffix(k, "_B64") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(k, "CONTENT_KEY_"), "_B64")
		if id == "" || v == "" {
			continue
		}
		keysB64[id] = v
	}

	current := mustEnv("CONTENT_KEY_CURRENT_ID", "")
	if len(keysB64) == 0 {
		if current != "" {
			return CryptoConfig{}, fmt.Errorf("CONTENT_KEY_CURRENT_ID=%q set but no content keys provided", current)
		}
		return CryptoConfig{}, nil
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode content key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("content key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		if len(keys) > 1 {
			return CryptoConfig{}, errors.New("CONTENT_KEY_CURRENT_ID is required when several content keys are set")
		}
		for id := range keys {
			current = id
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("CONTENT_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return CryptoConfig{
		CurrentKeyID: current,
		Keys:         keys,
	}, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustFloat(key string, def float64) float64 {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// mustList splits a comma-separated variable, dropping blanks.
func mustList(key string) []string {
	var out []string
	for _, part := range strings.Split(mustEnv(key, ""), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hostnameOr(def string) string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return def
	}
	return h
}
