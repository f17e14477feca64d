package config

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server     ServerConfig               `mapstructure:"server" validate:"required"`
	Database   DatabaseConfig             `mapstructure:"database" validate:"required"`
	Queue      QueueConfig                `mapstructure:"queue" validate:"required"`
	Blob       BlobConfig                 `mapstructure:"blob"`
	LLM        LLMConfig                  `mapstructure:"llm"`
	Auth       AuthConfig                 `mapstructure:"auth" validate:"required"`
	Providers  map[string]ProviderConfig  `mapstructure:"providers"`
	RateLimits map[string]RateLimitConfig `mapstructure:"rate_limits"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`

	// BaseURL is the externally reachable base of this server, used to build
	// the callback URLs handed to asynchronous providers.
	BaseURL string `mapstructure:"base_url" validate:"required,url"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// QueueConfig contains the queue engine's tuning knobs.
type QueueConfig struct {
	// ClaimLimit is the maximum number of pending entries claimed per cycle.
	ClaimLimit int `mapstructure:"claim_limit" validate:"required,gt=0"`

	// RetryLimit is the default number of retries before an entry is marked
	// as a terminal error.
	RetryLimit int `mapstructure:"retry_limit" validate:"gte=0"`

	// OffloadThreshold is the payload size in bytes above which params and
	// results are offloaded to blob storage. Zero offloads everything.
	OffloadThreshold int `mapstructure:"offload_threshold" validate:"gte=0"`

	// MaxDrainCycles bounds how many claim cycles a single ProcessQueue call
	// may run while draining a backlog.
	MaxDrainCycles int `mapstructure:"max_drain_cycles" validate:"gt=0"`
}

// BlobConfig contains blob storage settings for payload offload.
type BlobConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// LLMConfig contains all LLM integration related settings.
type LLMConfig struct {
	GeminiAPIKey string `mapstructure:"gemini_api_key"`
}

// AuthConfig contains settings for authenticating provider callbacks.
type AuthConfig struct {
	CallbackSecret string `mapstructure:"callback_secret" validate:"required,min=32"`
}

// ProviderConfig describes one HTTP provider integration, keyed in
// Config.Providers by queue name (e.g. "openai", "fal").
type ProviderConfig struct {
	Endpoint     string `mapstructure:"endpoint" validate:"required,url"`
	APIKey       string `mapstructure:"api_key"`
	DefaultModel string `mapstructure:"default_model" validate:"required"`
}

// RateLimitConfig describes one provider/model rate window, keyed in
// Config.RateLimits by service name (e.g. "openai:gpt-4o").
type RateLimitConfig struct {
	MaxRequests   int `mapstructure:"max_requests" validate:"gt=0"`
	MaxTokens     int `mapstructure:"max_tokens" validate:"gte=0"`
	WindowSeconds int `mapstructure:"window_seconds" validate:"gt=0"`
}
