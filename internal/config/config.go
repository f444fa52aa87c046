package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Database     DatabaseConfig
	Redis        RedisConfig
	JWT          JWTConfig
	Server       ServerConfig
	Replay       ReplayConfig
	Preferences  PreferencesConfig
	Supplemental SupplementalConfig
	SelfHosted   bool
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string //nolint:gosec // G117: DB connection config
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
}

// JWTConfig holds viewer token settings.
type JWTConfig struct {
	Secret   string //nolint:gosec // G117: JWT signing secret config
	TokenTTL time.Duration
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// ReplayConfig holds settings for the replay backend connection.
type ReplayConfig struct {
	DispatchURL       string
	APIKey            string //nolint:gosec // G117: backend credential config
	FlushDelay        time.Duration
	HandshakeTimeout  time.Duration
	BypassAccessCheck bool
}

// PreferencesConfig locates the viewer preference file.
type PreferencesConfig struct {
	Path string
}

// SupplementalConfig locates the supplemental link table. An empty Path
// means links are read from PostgreSQL.
type SupplementalConfig struct {
	Path string
}

// Load reads configuration from environment variables.
// Defaults are safe for local development only. In production,
// sensitive values (JWT secret, DB password) must be set explicitly.
func Load() (*Config, error) {
	dbPort, err := getEnvInt("REWIND_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	dbMaxConns, err := getEnvInt("REWIND_DB_MAX_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("REWIND_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	tokenTTL, err := getEnvDuration("REWIND_JWT_TOKEN_TTL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	readTimeout, err := getEnvDuration("REWIND_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	// Establishing a session waits for recording processing.
	writeTimeout, err := getEnvDuration("REWIND_SERVER_WRITE_TIMEOUT", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rateLimitRPS, err := getEnvFloat("REWIND_SERVER_RATE_LIMIT_RPS", 20)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rateLimitBurst, err := getEnvInt("REWIND_SERVER_RATE_LIMIT_BURST", 40)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	flushDelay, err := getEnvDuration("REWIND_REPLAY_FLUSH_DELAY", 250*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	handshakeTimeout, err := getEnvDuration("REWIND_REPLAY_HANDSHAKE_TIMEOUT", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	bypassAccess, err := getEnvBool("REWIND_REPLAY_BYPASS_ACCESS_CHECK", false)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	selfHosted, err := getEnvBool("REWIND_SELF_HOSTED", false)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	corsOrigins := getEnvList("REWIND_CORS_ORIGINS", []string{"http://localhost:8080"})

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("REWIND_DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("REWIND_DB_USER", "rewind"),
			Password: getEnv("REWIND_DB_PASSWORD", ""),
			DBName:   getEnv("REWIND_DB_NAME", "rewind_dev"),
			SSLMode:  getEnv("REWIND_DB_SSLMODE", "disable"),
			MaxConns: dbMaxConns,
		},
		Redis: RedisConfig{
			Addr:     getEnv("REWIND_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REWIND_REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:   getEnv("REWIND_JWT_SECRET", ""),
			TokenTTL: tokenTTL,
		},
		Server: ServerConfig{
			Addr:           getEnv("REWIND_SERVER_ADDR", ":8080"),
			ReadTimeout:    readTimeout,
			WriteTimeout:   writeTimeout,
			CORSOrigins:    corsOrigins,
			RateLimitRPS:   rateLimitRPS,
			RateLimitBurst: rateLimitBurst,
		},
		Replay: ReplayConfig{
			DispatchURL:       getEnv("REWIND_REPLAY_DISPATCH_URL", "ws://localhost:8000"),
			APIKey:            getEnv("REWIND_REPLAY_API_KEY", ""),
			FlushDelay:        flushDelay,
			HandshakeTimeout:  handshakeTimeout,
			BypassAccessCheck: bypassAccess,
		},
		Preferences: PreferencesConfig{
			Path: getEnv("REWIND_PREFERENCES_PATH", "preferences.toml"),
		},
		Supplemental: SupplementalConfig{
			Path: getEnv("REWIND_SUPPLEMENTAL_PATH", ""),
		},
		SelfHosted: selfHosted,
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	// JWT secret is required (no insecure default).
	if c.JWT.Secret == "" {
		return errors.New("REWIND_JWT_SECRET is required")
	}
	if len(c.JWT.Secret) < 32 {
		return errors.New("REWIND_JWT_SECRET must be at least 32 characters")
	}

	// DB SSL mode warning for non-self-hosted deployments.
	if c.Database.SSLMode == "disable" && !c.SelfHosted {
		log.Warn().Msg("REWIND_DB_SSLMODE=disable is insecure for production; set to 'require' or 'verify-full'")
	}
	if c.Replay.BypassAccessCheck {
		log.Warn().Msg("REWIND_REPLAY_BYPASS_ACCESS_CHECK is set; access errors will not be reported")
	}

	// Bounds checks.
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("REWIND_DB_PORT must be 1-65535, got %d", c.Database.Port)
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("REWIND_DB_MAX_CONNS must be >= 1, got %d", c.Database.MaxConns)
	}
	if c.JWT.TokenTTL <= 0 {
		return fmt.Errorf("REWIND_JWT_TOKEN_TTL must be positive, got %s", c.JWT.TokenTTL)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("REWIND_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("REWIND_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.Server.RateLimitRPS <= 0 {
		return fmt.Errorf("REWIND_SERVER_RATE_LIMIT_RPS must be positive, got %g", c.Server.RateLimitRPS)
	}
	if c.Server.RateLimitBurst < 1 {
		return fmt.Errorf("REWIND_SERVER_RATE_LIMIT_BURST must be >= 1, got %d", c.Server.RateLimitBurst)
	}
	if c.Replay.DispatchURL == "" {
		return errors.New("REWIND_REPLAY_DISPATCH_URL is required")
	}
	if c.Replay.FlushDelay < 0 {
		return fmt.Errorf("REWIND_REPLAY_FLUSH_DELAY must not be negative, got %s", c.Replay.FlushDelay)
	}
	if c.Replay.HandshakeTimeout < 0 {
		return fmt.Errorf("REWIND_REPLAY_HANDSHAKE_TIMEOUT must not be negative, got %s", c.Replay.HandshakeTimeout)
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
