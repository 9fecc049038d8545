package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Cache     CacheConfig
	Pipeline  PipelineConfig
	Providers ProvidersConfig
	OTEL      OTELConfig
}

// AppConfig holds process-wide settings
type AppConfig struct {
	Env      string
	LogLevel string
	APIToken string
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver   string
	Path     string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// CacheConfig holds semantic cache configuration
type CacheConfig struct {
	TTLHours int
	Enabled  bool
}

// StageConfig holds the limits of a single pipeline stage
type StageConfig struct {
	Concurrency    int
	RatePerSecond  float64
	Burst          int
	HandlerTimeout time.Duration
}

// PipelineConfig holds queue and worker pool configuration
type PipelineConfig struct {
	QueueBackend        string
	Scan                StageConfig
	Analysis            StageConfig
	AnalysisDelay       time.Duration
	MaxAttempts         int
	BackoffInitial      time.Duration
	BackoffMax          time.Duration
	BackoffFactor       float64
	Lease               time.Duration
	PollInterval        time.Duration
	MaintenanceInterval time.Duration
	ShutdownTimeout     time.Duration
}

// ProviderConfig holds credentials and limits of one answer engine
type ProviderConfig struct {
	APIKey       string
	Model        string
	BaseURL      string
	Timeout      time.Duration
	RateLimitRPM int
	MaxTokens    int
}

// ProvidersConfig holds configuration for every supported answer engine
type ProvidersConfig struct {
	OpenAI         ProviderConfig
	Perplexity     ProviderConfig
	Anthropic      ProviderConfig
	Gemini         ProviderConfig
	EnableMock     bool
	DefaultCountry string
	Temperature    float64
}

// OTELConfig holds OpenTelemetry configuration
type OTELConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Enabled        bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		App: AppConfig{
			Env:      getEnv("APP_ENV", "development"),
			LogLevel: getEnv("LOG_LEVEL", "info"),
			APIToken: getEnv("API_TOKEN", ""),
		},
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvAsInt("SERVER_PORT", 8080),
			AllowedOrigins: getEnvAsList("ALLOWED_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Path:     getEnv("DB_PATH", "aivisibility.db"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "aivisibility"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Cache: CacheConfig{
			TTLHours: getEnvAsInt("CACHE_TTL_HOURS", 24),
			Enabled:  getEnvAsBool("CACHE_ENABLED", true),
		},
		Pipeline: PipelineConfig{
			QueueBackend: getEnv("QUEUE_BACKEND", "redis"),
			Scan: StageConfig{
				Concurrency:    getEnvAsInt("SCAN_CONCURRENCY", 5),
				RatePerSecond:  getEnvAsFloat("SCAN_RATE_LIMIT", 10),
				Burst:          getEnvAsInt("SCAN_RATE_BURST", 1),
				HandlerTimeout: getEnvAsDuration("SCAN_HANDLER_TIMEOUT", 2*time.Minute),
			},
			Analysis: StageConfig{
				Concurrency:    getEnvAsInt("ANALYSIS_CONCURRENCY", 5),
				RatePerSecond:  getEnvAsFloat("ANALYSIS_RATE_LIMIT", 20),
				Burst:          getEnvAsInt("ANALYSIS_RATE_BURST", 1),
				HandlerTimeout: getEnvAsDuration("ANALYSIS_HANDLER_TIMEOUT", 30*time.Second),
			},
			AnalysisDelay:       getEnvAsDuration("ANALYSIS_DELAY", time.Second),
			MaxAttempts:         getEnvAsInt("QUEUE_MAX_ATTEMPTS", 3),
			BackoffInitial:      getEnvAsDuration("QUEUE_BACKOFF_INITIAL", 5*time.Second),
			BackoffMax:          getEnvAsDuration("QUEUE_BACKOFF_MAX", 5*time.Minute),
			BackoffFactor:       getEnvAsFloat("QUEUE_BACKOFF_FACTOR", 2.0),
			Lease:               getEnvAsDuration("QUEUE_LEASE", 5*time.Minute),
			PollInterval:        getEnvAsDuration("QUEUE_POLL_INTERVAL", 500*time.Millisecond),
			MaintenanceInterval: getEnvAsDuration("QUEUE_MAINTENANCE_INTERVAL", time.Second),
			ShutdownTimeout:     getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Providers: ProvidersConfig{
			OpenAI: ProviderConfig{
				APIKey:       getEnv("OPENAI_API_KEY", ""),
				Model:        getEnv("OPENAI_MODEL", "gpt-4o-mini"),
				BaseURL:      getEnv("OPENAI_BASE_URL", ""),
				Timeout:      getEnvAsDuration("OPENAI_TIMEOUT", 60*time.Second),
				RateLimitRPM: getEnvAsInt("OPENAI_RATE_LIMIT_RPM", 60),
				MaxTokens:    getEnvAsInt("OPENAI_MAX_TOKENS", 1200),
			},
			Perplexity: ProviderConfig{
				APIKey:       getEnv("PERPLEXITY_API_KEY", ""),
				Model:        getEnv("PERPLEXITY_MODEL", "sonar"),
				BaseURL:      getEnv("PERPLEXITY_BASE_URL", ""),
				Timeout:      getEnvAsDuration("PERPLEXITY_TIMEOUT", 60*time.Second),
				RateLimitRPM: getEnvAsInt("PERPLEXITY_RATE_LIMIT_RPM", 50),
				MaxTokens:    getEnvAsInt("PERPLEXITY_MAX_TOKENS", 1200),
			},
			Anthropic: ProviderConfig{
				APIKey:       getEnv("ANTHROPIC_API_KEY", ""),
				Model:        getEnv("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),
				BaseURL:      getEnv("ANTHROPIC_BASE_URL", ""),
				Timeout:      getEnvAsDuration("ANTHROPIC_TIMEOUT", 60*time.Second),
				RateLimitRPM: getEnvAsInt("ANTHROPIC_RATE_LIMIT_RPM", 50),
				MaxTokens:    getEnvAsInt("ANTHROPIC_MAX_TOKENS", 1200),
			},
			Gemini: ProviderConfig{
				APIKey:       getEnv("GEMINI_API_KEY", ""),
				Model:        getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
				BaseURL:      getEnv("GEMINI_BASE_URL", ""),
				Timeout:      getEnvAsDuration("GEMINI_TIMEOUT", 60*time.Second),
				RateLimitRPM: getEnvAsInt("GEMINI_RATE_LIMIT_RPM", 60),
				MaxTokens:    getEnvAsInt("GEMINI_MAX_TOKENS", 1200),
			},
			EnableMock:     getEnvAsBool("PROVIDER_MOCK_ENABLED", false),
			DefaultCountry: getEnv("DEFAULT_COUNTRY", "US"),
			Temperature:    getEnvAsFloat("PROVIDER_TEMPERATURE", 0.2),
		},
		OTEL: OTELConfig{
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "aivisibility"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
			Endpoint:       getEnv("OTEL_ENDPOINT", ""),
			Enabled:        getEnvAsBool("OTEL_ENABLED", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with
func (c *Config) Validate() error {
	var errs []error

	for name, stage := range map[string]StageConfig{"scan": c.Pipeline.Scan, "analysis": c.Pipeline.Analysis} {
		if stage.Concurrency <= 0 {
			errs = append(errs, fmt.Errorf("%s concurrency must be positive, got %d", name, stage.Concurrency))
		}
		if stage.RatePerSecond <= 0 {
			errs = append(errs, fmt.Errorf("%s rate limit must be positive, got %v", name, stage.RatePerSecond))
		}
	}
	if c.Pipeline.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("queue max attempts must be positive, got %d", c.Pipeline.MaxAttempts))
	}
	if c.Cache.TTLHours <= 0 {
		errs = append(errs, fmt.Errorf("cache ttl must be positive, got %d hours", c.Cache.TTLHours))
	}
	switch c.Pipeline.QueueBackend {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown queue backend %q", c.Pipeline.QueueBackend))
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.Database.Driver))
	}

	return errors.Join(errs...)
}

// CacheTTL returns the semantic cache TTL
func (c *CacheConfig) CacheTTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// DatabaseDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return defaultValue
	}
	return items
}
