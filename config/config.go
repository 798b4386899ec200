package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	API        APIConfig
	CORS       CORSConfig
	Moderation ModerationConfig
	Classifier ClassifierConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port string
	Env  string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret      string
	ExpiryHours int
}

type APIConfig struct {
	KeyHeader string
	// ServiceKey authenticates the chat transport calling the moderation routes
	ServiceKey              string
	RateLimitMessagesPerSec int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type ModerationConfig struct {
	EnableExternalClassifiers bool
	RuleCategories            []string
	MLModels                  []string
	MLConfidenceThreshold     float64
	Language                  string
	CountryHints              []string
	RollingWindow             time.Duration
	MaxTextLength             int
	PolicyFile                string
}

type ClassifierConfig struct {
	RuleURL string
	MLURL   string
	APIKey  string
	Timeout time.Duration
}

type LogConfig struct {
	Level string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		redisDB = 0
	}

	jwtExpiry, err := strconv.Atoi(getEnv("JWT_EXPIRY_HOURS", "168"))
	if err != nil {
		jwtExpiry = 168
	}

	rateLimit, err := strconv.Atoi(getEnv("RATE_LIMIT_MESSAGES_PER_SECOND", "10"))
	if err != nil {
		rateLimit = 10
	}

	origins := splitList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"))

	threshold, err := strconv.ParseFloat(getEnv("MODERATION_ML_CONFIDENCE_THRESHOLD", "0.7"), 64)
	if err != nil || threshold < 0 || threshold > 1 {
		threshold = 0.7
	}

	windowDays, err := strconv.Atoi(getEnv("MODERATION_ROLLING_WINDOW_DAYS", "30"))
	if err != nil || windowDays < 1 {
		windowDays = 30
	}

	maxLen, err := strconv.Atoi(getEnv("MODERATION_MAX_TEXT_LENGTH", "10000"))
	if err != nil || maxLen < 1 {
		maxLen = 10000
	}

	timeoutSecs, err := strconv.Atoi(getEnv("CLASSIFIER_TIMEOUT_SECONDS", "10"))
	if err != nil || timeoutSecs < 1 {
		timeoutSecs = 10
	}

	external, err := strconv.ParseBool(getEnv("MODERATION_ENABLE_EXTERNAL_CLASSIFIERS", "true"))
	if err != nil {
		external = true
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
			Env:  getEnv("ENV", "development"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "moderation"),
			Password: getEnv("DB_PASSWORD", "moderation_password"),
			DBName:   getEnv("DB_NAME", "moderation_db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-this-secret-key"),
			ExpiryHours: jwtExpiry,
		},
		API: APIConfig{
			KeyHeader:               getEnv("API_KEY_HEADER", "X-API-Key"),
			ServiceKey:              getEnv("MODERATION_API_KEY", ""),
			RateLimitMessagesPerSec: rateLimit,
		},
		CORS: CORSConfig{
			AllowedOrigins: origins,
		},
		Moderation: ModerationConfig{
			EnableExternalClassifiers: external,
			RuleCategories:            splitList(getEnv("MODERATION_RULE_CATEGORIES", "profanity,violence,weapon,drug,extremism,self-harm,spam,money-transaction,content-trade,medical")),
			MLModels:                  splitList(getEnv("MODERATION_ML_MODELS", "toxicity,harassment,sexual")),
			MLConfidenceThreshold:     threshold,
			Language:                  getEnv("MODERATION_LANGUAGE", "en"),
			CountryHints:              splitList(getEnv("MODERATION_COUNTRY_HINTS", "")),
			RollingWindow:             time.Duration(windowDays) * 24 * time.Hour,
			MaxTextLength:             maxLen,
			PolicyFile:                getEnv("MODERATION_POLICY_FILE", ""),
		},
		Classifier: ClassifierConfig{
			RuleURL: getEnv("RULE_CLASSIFIER_URL", ""),
			MLURL:   getEnv("ML_CLASSIFIER_URL", ""),
			APIKey:  getEnv("CLASSIFIER_API_KEY", ""),
			Timeout: time.Duration(timeoutSecs) * time.Second,
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "INFO"),
		},
	}

	// Validate required fields
	if cfg.JWT.Secret == "change-this-secret-key" && cfg.Server.Env == "production" {
		return nil, fmt.Errorf("JWT_SECRET must be set in production")
	}
	if cfg.API.ServiceKey == "" && cfg.Server.Env == "production" {
		return nil, fmt.Errorf("MODERATION_API_KEY must be set in production")
	}

	return cfg, nil
}

// GetDSN returns the database connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Redis.Host, c.Redis.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
