// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Publish modes accepted by PUBLISH_MODE.
const (
	ModeHybrid         = "hybrid"
	ModeAPIOnly        = "api-only"
	ModeAutomationOnly = "automation-only"
)

// Config holds all application configuration.
type Config struct {
	Port             string
	GRPCPort         string // empty disables the gRPC health endpoint
	FrontendURL      string
	DBPath           string
	AccessPolicy     string
	MaxFileSize      int64
	PublishTimeout   time.Duration
	SessionRetention int

	Discovery DiscoveryConfig
	Strategy  StrategyConfig
	Progress  ProgressConfig
	SSE       SSEConfig
	Reddit    RedditConfig
	SMTP      SMTPConfig
	Browser   BrowserConfig
	Workflows map[string]string // platform -> n8n webhook URL
	Redis     RedisConfig
	S3        S3Config
}

// DiscoveryConfig controls adapter discovery at startup.
type DiscoveryConfig struct {
	ManifestDir string
	Strict      bool
}

// StrategyConfig controls the hybrid fallback selector.
type StrategyConfig struct {
	Mode                     string
	APIMaxAttempts           int
	APIRetryBaseDelay        time.Duration
	AutomationMaxAttempts    int
	AutomationRetryBaseDelay time.Duration
}

// ProgressConfig controls progress bus emitter expiry.
type ProgressConfig struct {
	IdleTTL       time.Duration
	SweepInterval time.Duration
	ReplaySize    int
}

// SSEConfig controls the session event stream.
type SSEConfig struct {
	KeepaliveInterval time.Duration
	RetryDelay        time.Duration
}

// RedditConfig holds script-app credentials for the Reddit API strategy.
type RedditConfig struct {
	ClientID         string
	ClientSecret     string
	Username         string
	Password         string
	UserAgent        string
	DefaultSubreddit string
}

// SMTPConfig holds mail relay settings for the email API strategy.
type SMTPConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	Recipients []string
}

// BrowserConfig controls the browser automation engine.
type BrowserConfig struct {
	Image         string
	Endpoint      string // externally managed browser; skips container launch
	Network       string
	Token         string
	LaunchTimeout time.Duration
	ScriptTimeout time.Duration
}

// RedisConfig controls session completion notifications.
type RedisConfig struct {
	URL     string
	Channel string
}

// S3Config controls access to s3:// file references.
type S3Config struct {
	Region    string
	Endpoint  string
	PathStyle bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	workflows, err := parseWorkflows(getEnv("N8N_WORKFLOWS", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		GRPCPort:         getEnv("GRPC_PORT", ""),
		FrontendURL:      getEnv("FRONTEND_URL", ""),
		DBPath:           getEnv("DB_PATH", "./data/eventcast.db"),
		AccessPolicy:     getEnv("ACCESS_POLICY", ""),
		MaxFileSize:      int64(getEnvInt("MAX_FILE_SIZE", 20<<20)),
		PublishTimeout:   getEnvDuration("PUBLISH_TIMEOUT", 15*time.Minute),
		SessionRetention: getEnvInt("SESSION_RETENTION", 10),
		Discovery: DiscoveryConfig{
			ManifestDir: getEnv("ADAPTER_MANIFEST_DIR", "./adapters"),
			Strict:      getEnvBool("STRICT_DISCOVERY", false),
		},
		Strategy: StrategyConfig{
			Mode:                     getEnv("PUBLISH_MODE", ModeHybrid),
			APIMaxAttempts:           getEnvInt("API_MAX_ATTEMPTS", 3),
			APIRetryBaseDelay:        getEnvDuration("API_RETRY_BASE_DELAY", time.Second),
			AutomationMaxAttempts:    getEnvInt("AUTOMATION_MAX_ATTEMPTS", 2),
			AutomationRetryBaseDelay: getEnvDuration("AUTOMATION_RETRY_BASE_DELAY", 5*time.Second),
		},
		Progress: ProgressConfig{
			IdleTTL:       getEnvDuration("PROGRESS_IDLE_TTL", time.Hour),
			SweepInterval: getEnvDuration("PROGRESS_SWEEP_INTERVAL", time.Minute),
			ReplaySize:    getEnvInt("PROGRESS_REPLAY_SIZE", 256),
		},
		SSE: SSEConfig{
			KeepaliveInterval: getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			RetryDelay:        getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
		},
		Reddit: RedditConfig{
			ClientID:         getEnv("REDDIT_CLIENT_ID", ""),
			ClientSecret:     getEnv("REDDIT_CLIENT_SECRET", ""),
			Username:         getEnv("REDDIT_USERNAME", ""),
			Password:         getEnv("REDDIT_PASSWORD", ""),
			UserAgent:        getEnv("REDDIT_USER_AGENT", "eventcast/1.0"),
			DefaultSubreddit: getEnv("REDDIT_DEFAULT_SUBREDDIT", ""),
		},
		SMTP: SMTPConfig{
			Host:       getEnv("SMTP_HOST", ""),
			Port:       getEnvInt("SMTP_PORT", 587),
			Username:   getEnv("SMTP_USERNAME", ""),
			Password:   getEnv("SMTP_PASSWORD", ""),
			From:       getEnv("SMTP_FROM", ""),
			Recipients: splitList(getEnv("SMTP_RECIPIENTS", "")),
		},
		Browser: BrowserConfig{
			Image:         getEnv("BROWSER_IMAGE", "ghcr.io/browserless/chromium:latest"),
			Endpoint:      getEnv("BROWSER_ENDPOINT", ""),
			Network:       getEnv("BROWSER_NETWORK", ""),
			Token:         getEnv("BROWSER_TOKEN", ""),
			LaunchTimeout: getEnvDuration("BROWSER_LAUNCH_TIMEOUT", 60*time.Second),
			ScriptTimeout: getEnvDuration("BROWSER_SCRIPT_TIMEOUT", 2*time.Minute),
		},
		Workflows: workflows,
		Redis: RedisConfig{
			URL:     getEnv("REDIS_URL", ""),
			Channel: getEnv("REDIS_CHANNEL", "eventcast:session_completed"),
		},
		S3: S3Config{
			Region:    getEnv("S3_REGION", ""),
			Endpoint:  getEnv("S3_ENDPOINT", ""),
			PathStyle: getEnvBool("S3_PATH_STYLE", false),
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
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	switch c.Strategy.Mode {
	case ModeHybrid, ModeAPIOnly, ModeAutomationOnly:
	default:
		return fmt.Errorf("PUBLISH_MODE must be one of %s, %s, %s", ModeHybrid, ModeAPIOnly, ModeAutomationOnly)
	}
	if c.Strategy.APIMaxAttempts <= 0 {
		return fmt.Errorf("API_MAX_ATTEMPTS must be > 0")
	}
	if c.Strategy.AutomationMaxAttempts <= 0 {
		return fmt.Errorf("AUTOMATION_MAX_ATTEMPTS must be > 0")
	}
	if c.SessionRetention <= 0 {
		return fmt.Errorf("SESSION_RETENTION must be > 0")
	}
	if c.Progress.IdleTTL <= 0 {
		return fmt.Errorf("PROGRESS_IDLE_TTL must be > 0")
	}
	if c.Progress.SweepInterval <= 0 {
		return fmt.Errorf("PROGRESS_SWEEP_INTERVAL must be > 0")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// parseWorkflows parses "platform=url,platform=url".
func parseWorkflows(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, entry := range splitList(raw) {
		platform, url, ok := strings.Cut(entry, "=")
		platform, url = strings.TrimSpace(platform), strings.TrimSpace(url)
		if !ok || platform == "" || url == "" {
			return nil, fmt.Errorf("N8N_WORKFLOWS entry %q must be platform=url", entry)
		}
		out[platform] = url
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
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
