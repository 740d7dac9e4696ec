package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/medichain/medichain/internal/platform/exchange"
)

// Auth modes.
const (
	AuthDevelopment = "development"
	AuthJWT         = "jwt"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreLevelDB  = "leveldb"
	StorePostgres = "postgres"
)

// Exchange rate sources.
const (
	RateStatic = "static"
	RateHTTP   = "http"
	RateRedis  = "redis"
)

// Event sinks.
const (
	SinkLog  = "log"
	SinkMQTT = "mqtt"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	AuthMode        string        `mapstructure:"AUTH_MODE"`
	AuthIssuer      string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience    string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL     string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey  string        `mapstructure:"AUTH_SIGNING_KEY"`
	StoreBackend    string        `mapstructure:"STORE_BACKEND"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	LevelDBPath     string        `mapstructure:"LEVELDB_PATH"`
	RateSource      string        `mapstructure:"RATE_SOURCE"`
	RateStatic      string        `mapstructure:"RATE_STATIC"`
	RateURL         string        `mapstructure:"RATE_URL"`
	RedisURL        string        `mapstructure:"REDIS_URL"`
	RateRedisKey    string        `mapstructure:"RATE_REDIS_KEY"`
	ExchangeTimeout time.Duration `mapstructure:"EXCHANGE_TIMEOUT"`
	EventSink       string        `mapstructure:"EVENT_SINK"`
	MQTTBroker      string        `mapstructure:"MQTT_BROKER"`
	MQTTClientID    string        `mapstructure:"MQTT_CLIENT_ID"`
	MQTTTopicPrefix string        `mapstructure:"MQTT_TOPIC_PREFIX"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV",
	"AUTH_MODE", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"STORE_BACKEND", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "LEVELDB_PATH",
	"RATE_SOURCE", "RATE_STATIC", "RATE_URL", "REDIS_URL", "RATE_REDIS_KEY", "EXCHANGE_TIMEOUT",
	"EVENT_SINK", "MQTT_BROKER", "MQTT_CLIENT_ID", "MQTT_TOPIC_PREFIX",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // inferred from ENV
	v.SetDefault("STORE_BACKEND", StoreMemory)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("LEVELDB_PATH", "data/ledger")
	v.SetDefault("RATE_SOURCE", RateStatic)
	v.SetDefault("RATE_STATIC", "2000")
	v.SetDefault("RATE_REDIS_KEY", "medichain:rate")
	v.SetDefault("EXCHANGE_TIMEOUT", "5s")
	v.SetDefault("EVENT_SINK", SinkLog)
	v.SetDefault("MQTT_CLIENT_ID", "medichain-server")
	v.SetDefault("MQTT_TOPIC_PREFIX", "medichain")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "30s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma separated in the environment; entries may carry spaces.
	if origins := v.GetString("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}

	if cfg.ResolvedAuthMode() == AuthDevelopment {
		log.Warn().Msg("development auth is active: callers are identified by the X-Participant-ID header without verification. Do NOT use this configuration in production.")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. An explicit AUTH_MODE
// wins; otherwise development environments use header identities and all
// others require JWTs.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthDevelopment
	}
	return AuthJWT
}

// Validate checks that the configuration is complete and safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case AuthDevelopment:
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed when ENV=production")
		}
	case AuthJWT:
		if c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set when AUTH_MODE is \"jwt\"")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthDevelopment, AuthJWT, mode)
	}

	switch c.StoreBackend {
	case StoreMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORE_BACKEND=memory is not allowed when ENV=production")
		}
	case StoreLevelDB:
		if c.LevelDBPath == "" {
			return fmt.Errorf("LEVELDB_PATH is required when STORE_BACKEND is \"leveldb\"")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is \"postgres\"")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q, %q or %q, got %q", StoreMemory, StoreLevelDB, StorePostgres, c.StoreBackend)
	}

	switch c.RateSource {
	case RateStatic:
		if _, err := exchange.ParseRate(c.RateStatic); err != nil {
			return fmt.Errorf("RATE_STATIC: %w", err)
		}
	case RateHTTP:
		if c.RateURL == "" {
			return fmt.Errorf("RATE_URL is required when RATE_SOURCE is \"http\"")
		}
	case RateRedis:
		if c.RedisURL == "" || c.RateRedisKey == "" {
			return fmt.Errorf("REDIS_URL and RATE_REDIS_KEY are required when RATE_SOURCE is \"redis\"")
		}
	default:
		return fmt.Errorf("RATE_SOURCE must be %q, %q or %q, got %q", RateStatic, RateHTTP, RateRedis, c.RateSource)
	}
	if c.ExchangeTimeout <= 0 {
		return fmt.Errorf("EXCHANGE_TIMEOUT must be positive")
	}

	switch c.EventSink {
	case SinkLog:
	case SinkMQTT:
		if c.MQTTBroker == "" {
			return fmt.Errorf("MQTT_BROKER is required when EVENT_SINK is \"mqtt\"")
		}
	default:
		return fmt.Errorf("EVENT_SINK must be %q or %q, got %q", SinkLog, SinkMQTT, c.EventSink)
	}

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
