// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	FrontendURL    string
	AllowedOrigins []string
	DBPath         string
	CheckpointTTL  time.Duration
	LLM            LLMConfig
	GitHub         GitHubConfig
	Agent          AgentConfig
	RateLimit      RateLimitConfig
	SSE            SSEConfig
	Timeout        TimeoutConfig
}

// LLMConfig selects and configures the planning model.
type LLMConfig struct {
	Provider    string // "openai" (any OpenAI-compatible endpoint) or "anthropic"
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
}

// GitHubConfig configures the repository access client.
type GitHubConfig struct {
	APIURL  string
	Timeout time.Duration
}

// AgentConfig bounds a single plan/execute run.
type AgentConfig struct {
	MaxIterations int
	RunTimeout    time.Duration
}

// RateLimitConfig controls per-user run throttling.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// SSEConfig controls state streaming.
type SSEConfig struct {
	KeepaliveInterval  time.Duration
	RetryDelay         time.Duration
	QueueSize          int
	MaxRequestBodySize int64
}

// TimeoutConfig holds miscellaneous timeouts.
type TimeoutConfig struct {
	HealthCheck time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	apiKey := getEnv("LLM_API_KEY", "")
	if apiKey == "" {
		apiKey = getEnv("GLHF_API_KEY", "")
	}

	provider := strings.ToLower(getEnv("LLM_PROVIDER", "openai"))
	defaultBaseURL := "https://glhf.chat/api/openai/v1"
	if provider == "anthropic" {
		defaultBaseURL = ""
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8000"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		DBPath:         getEnv("DB_PATH", "./data/agent.db"),
		CheckpointTTL:  getEnvDuration("CHECKPOINT_TTL", 24*time.Hour),
		LLM: LLMConfig{
			Provider:    provider,
			APIKey:      apiKey,
			BaseURL:     getEnv("LLM_BASE_URL", defaultBaseURL),
			Model:       getEnv("LLM_MODEL", "hf:meta-llama/Meta-Llama-3.1-405B-Instruct"),
			Temperature: getEnvFloat("LLM_TEMPERATURE", 0),
			MaxTokens:   getEnvInt("LLM_MAX_TOKENS", 4096),
		},
		GitHub: GitHubConfig{
			APIURL:  getEnv("GITHUB_API_URL", "https://api.github.com"),
			Timeout: getEnvDuration("GITHUB_TIMEOUT", 30*time.Second),
		},
		Agent: AgentConfig{
			MaxIterations: getEnvInt("AGENT_MAX_ITERATIONS", 25),
			RunTimeout:    getEnvDuration("AGENT_RUN_TIMEOUT", 10*time.Minute),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		SSE: SSEConfig{
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			RetryDelay:         getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
			QueueSize:          getEnvInt("SSE_QUEUE_SIZE", 100),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		},
		Timeout: TimeoutConfig{
			HealthCheck: getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric: %q", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.CheckpointTTL <= 0 {
		return fmt.Errorf("CHECKPOINT_TTL must be > 0")
	}
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("LLM_PROVIDER must be openai or anthropic, got %q", c.LLM.Provider)
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("LLM_MAX_TOKENS must be > 0")
	}
	if c.GitHub.APIURL == "" {
		return fmt.Errorf("GITHUB_API_URL cannot be empty")
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("AGENT_MAX_ITERATIONS must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.SSE.QueueSize <= 0 {
		return fmt.Errorf("SSE_QUEUE_SIZE must be > 0")
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AgentEnabled reports whether a planning model is configured.
func (c *Config) AgentEnabled() bool {
	return c.LLM.APIKey != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
