package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Auth       AuthConfig
	LLM        LLMConfig
	Governance GovernanceConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type DatabaseConfig struct {
	Driver     string
	URL        string
	SQLitePath string
	MaxConns   int
	MinConns   int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Enabled  bool
}

type AuthConfig struct {
	JWTSecret string
}

type LLMConfig struct {
	OpenAIKey    string
	AnthropicKey string
	MaxRetries   int
}

type GovernanceConfig struct {
	CallTimeout           time.Duration
	SweepInterval         time.Duration
	SweepInProcess        bool
	CreateVersionAttempts int
	ActivationRetries     int
	CostTimezone          string
	RuntimeCacheTTL       time.Duration
}

// Location resolves CostTimezone, the zone whose midnight resets daily cost.
func (g GovernanceConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(g.CostTimezone)
	if err != nil {
		return nil, fmt.Errorf("load COST_TIMEZONE %q: %w", g.CostTimezone, err)
	}
	return loc, nil
}

func Load() (*Config, error) {
	var errs []string
	intVar := func(key string, fallback int) int {
		v, err := getEnvInt(key, fallback)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid %s: %v", key, err))
		}
		return v
	}
	durationVar := func(key string, fallback time.Duration) time.Duration {
		v, err := getEnvDuration(key, fallback)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid %s: %v", key, err))
		}
		return v
	}
	boolVar := func(key string, fallback bool) bool {
		v, err := getEnvBool(key, fallback)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid %s: %v", key, err))
		}
		return v
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: intVar("SERVER_PORT", 8080),
		},
		Database: DatabaseConfig{
			Driver:     getEnv("DB_DRIVER", DriverPostgres),
			URL:        getEnv("DATABASE_URL", ""),
			SQLitePath: getEnv("SQLITE_PATH", "promptplane.db"),
			MaxConns:   intVar("DB_MAX_CONNS", 20),
			MinConns:   intVar("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       intVar("REDIS_DB", 0),
			Enabled:  boolVar("REDIS_ENABLED", true),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		LLM: LLMConfig{
			OpenAIKey:    getEnv("OPENAI_API_KEY", ""),
			AnthropicKey: getEnv("ANTHROPIC_API_KEY", ""),
			MaxRetries:   intVar("LLM_MAX_RETRIES", 2),
		},
		Governance: GovernanceConfig{
			CallTimeout:           durationVar("CALL_TIMEOUT", 10*time.Minute),
			SweepInterval:         durationVar("CALL_SWEEP_INTERVAL", time.Minute),
			SweepInProcess:        boolVar("CALL_SWEEP_IN_PROCESS", false),
			CreateVersionAttempts: intVar("CREATE_VERSION_ATTEMPTS", 8),
			ActivationRetries:     intVar("ACTIVATION_RETRIES", 1),
			CostTimezone:          getEnv("COST_TIMEZONE", "UTC"),
			RuntimeCacheTTL:       durationVar("RUNTIME_CACHE_TTL", 30*time.Second),
		},
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("load config: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate checks everything the API server needs.
func (c *Config) Validate() error {
	if err := c.ValidateWorker(); err != nil {
		return err
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("missing required env vars: JWT_SECRET")
	}
	return nil
}

// ValidateWorker checks the subset shared with the worker binary, which
// does not authenticate requests.
func (c *Config) ValidateWorker() error {
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("missing required env vars: DATABASE_URL")
		}
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("missing required env vars: SQLITE_PATH")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}

	g := c.Governance
	if g.CallTimeout <= 0 || g.SweepInterval <= 0 {
		return fmt.Errorf("CALL_TIMEOUT and CALL_SWEEP_INTERVAL must be positive")
	}
	if g.CreateVersionAttempts < 1 {
		return fmt.Errorf("CREATE_VERSION_ATTEMPTS must be at least 1")
	}
	if g.ActivationRetries < 0 {
		return fmt.Errorf("ACTIVATION_RETRIES must not be negative")
	}
	if _, err := g.Location(); err != nil {
		return err
	}
	return nil
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
	return strconv.Atoi(v)
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return time.ParseDuration(v)
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseBool(v)
}
