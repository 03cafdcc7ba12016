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
	defaultAppName         = "keygate"
	defaultAppEnv          = "development"
	defaultPort            = "8080"
	defaultLogLevel        = "info"
	defaultBackend         = BackendFile
	defaultStorePath       = "keygate.json"
	defaultTopupStorePath  = "topups.json"
	defaultMongoDatabase   = "keygate"
	defaultKeyValidity     = 30 * 24 * time.Hour
	defaultKeyCost         = 300
	defaultStartingBonus   = 100
	defaultModel           = "gpt-4o-mini"
	defaultIssueRateLimit  = 5
	defaultShutdownDelay   = 10 * time.Second
	defaultIdempotencyTTL  = 24 * time.Hour
	defaultUpstreamTimeout = 60 * time.Second
	idemTTLSecondsEnvVar   = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar       = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar  = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar = "SHUTDOWN_TIMEOUT"
	validityDaysEnvVar     = "KEY_VALIDITY_DAYS"
	validityDurEnvVar      = "KEY_VALIDITY"
)

// Store backends selectable with STORE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName  string
	AppEnv   string
	Port     string
	LogLevel string

	StoreBackend   string
	StorePath      string
	TopupStorePath string
	DatabaseURL    string
	RedisURL       string
	MongoURL       string
	MongoDatabase  string

	KeyValidity     time.Duration
	KeyCost         int64
	StartingBonus   int64
	FreeKeysEnabled bool
	AdminIDs        []string

	BotToken       string
	SupportContact string

	UpstreamURL     string
	UpstreamAPIKey  string
	DefaultModel    string
	UpstreamTimeout time.Duration

	IssueRateLimit int
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration
}

// Load reads configuration values from the environment, after merging a
// .env file when one exists, and populates a Config instance.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		AppName:         getEnv("APP_NAME", defaultAppName),
		AppEnv:          getEnv("APP_ENV", defaultAppEnv),
		Port:            getEnv("PORT", defaultPort),
		LogLevel:        strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		StoreBackend:    strings.ToLower(getEnv("STORE_BACKEND", defaultBackend)),
		StorePath:       getEnv("STORE_PATH", defaultStorePath),
		TopupStorePath:  getEnv("TOPUP_STORE_PATH", defaultTopupStorePath),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		MongoURL:        os.Getenv("MONGO_URL"),
		MongoDatabase:   getEnv("MONGO_DATABASE", defaultMongoDatabase),
		KeyValidity:     defaultKeyValidity,
		BotToken:        os.Getenv("BOT_TOKEN"),
		SupportContact:  os.Getenv("SUPPORT_CONTACT"),
		UpstreamURL:     os.Getenv("G4F_API_URL"),
		UpstreamAPIKey:  os.Getenv("G4F_API_KEY"),
		DefaultModel:    getEnv("DEFAULT_MODEL", defaultModel),
		UpstreamTimeout: defaultUpstreamTimeout,
		ShutdownPeriod:  defaultShutdownDelay,
		IdempotencyTTL:  defaultIdempotencyTTL,
		AdminIDs:        splitList(os.Getenv("ADMIN_IDS")),
	}
	if owner := strings.TrimSpace(os.Getenv("OWNER_ID")); owner != "" {
		cfg.AdminIDs = append(cfg.AdminIDs, owner)
	}

	var err error
	if cfg.KeyCost, err = getInt64("KEY_COST", defaultKeyCost); err != nil {
		return Config{}, err
	}
	if cfg.StartingBonus, err = getInt64("STARTING_BONUS", defaultStartingBonus); err != nil {
		return Config{}, err
	}
	if cfg.FreeKeysEnabled, err = getBool("FREE_KEYS_ENABLED", true); err != nil {
		return Config{}, err
	}
	limit, err := getInt64("ISSUE_RATE_LIMIT", defaultIssueRateLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.IssueRateLimit = int(limit)

	if v := os.Getenv(validityDaysEnvVar); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", validityDaysEnvVar, err)
		}
		cfg.KeyValidity = time.Duration(days) * 24 * time.Hour
	} else if v := os.Getenv(validityDurEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", validityDurEnvVar, err)
		}
		cfg.KeyValidity = d
	}

	if v := os.Getenv(shutdownSecondsEnvVar); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownSecondsEnvVar, err)
		}
		cfg.ShutdownPeriod = time.Duration(seconds) * time.Second
	} else if v := os.Getenv(shutdownDurationEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownDurationEnvVar, err)
		}
		cfg.ShutdownPeriod = d
	}

	if v := os.Getenv(idemTTLSecondsEnvVar); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", idemTTLSecondsEnvVar, err)
		}
		cfg.IdempotencyTTL = time.Duration(seconds) * time.Second
	} else if v := os.Getenv(idemTTLDurEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", idemTTLDurEnvVar, err)
		}
		cfg.IdempotencyTTL = d
	}

	if v := os.Getenv("UPSTREAM_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid UPSTREAM_TIMEOUT: %w", err)
		}
		cfg.UpstreamTimeout = d
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory, BackendFile:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL must be set for the postgres backend")
		}
	case BackendMongo:
		if c.MongoURL == "" {
			return fmt.Errorf("MONGO_URL must be set for the mongo backend")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.StoreBackend == BackendFile && c.StorePath == "" {
		return fmt.Errorf("STORE_PATH must be set for the file backend")
	}
	if c.KeyCost <= 0 {
		return fmt.Errorf("KEY_COST must be positive")
	}
	if c.KeyValidity <= 0 {
		return fmt.Errorf("key validity must be positive")
	}
	if c.StartingBonus < 0 {
		return fmt.Errorf("STARTING_BONUS must not be negative")
	}
	return nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
