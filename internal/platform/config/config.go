package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const minJWTSecretLength = 32

type Config struct {
	AppEnv     string `env:"APP_ENV" default:"development"`
	Port       string `env:"PORT" default:"8080"`
	RedisURL   string `env:"REDIS_URL"`
	LogLevel   string `env:"LOG_LEVEL" default:"info"`
	LogFormat  string `env:"LOG_FORMAT" default:"text"`
	InstanceID string `env:"INSTANCE_ID"`

	JWTSecret string `env:"JWT_SECRET"`
	JWTIssuer string `env:"JWT_ISSUER"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int     `env:"MAX_CONNECTIONS_PER_IP" default:"20"`
	MessageRate             float64 `env:"MESSAGE_RATE" default:"20"`
	MessageBurst            int     `env:"MESSAGE_BURST" default:"40"`
	AllowedOrigins          string  `env:"ALLOWED_ORIGINS"`

	AdmissionSweepInterval time.Duration `env:"ADMISSION_SWEEP_INTERVAL" default:"5m"`
	AdmissionIdleTTL       time.Duration `env:"ADMISSION_IDLE_TTL" default:"1h"`
	BrokerPublishTimeout   time.Duration `env:"BROKER_PUBLISH_TIMEOUT" default:"2s"`
	InstanceHeartbeat      time.Duration `env:"INSTANCE_HEARTBEAT" default:"15s"`

	TradingEventTypes string `env:"TRADING_EVENT_TYPES" default:"trade_completed,order_placed,order_cancelled,price_alert"`
	AISignalTypes     string `env:"AI_SIGNAL_TYPES" default:"market_prediction,trading_signal,risk_alert"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if len(cfg.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", minJWTSecretLength)
	}
	if cfg.MaxWebSocketConnections <= 0 {
		return errors.New("MAX_WEBSOCKET_CONNECTIONS must be positive")
	}
	if cfg.MaxConnectionsPerIP <= 0 {
		return errors.New("MAX_CONNECTIONS_PER_IP must be positive")
	}
	if cfg.MessageRate <= 0 || cfg.MessageBurst <= 0 {
		return errors.New("MESSAGE_RATE and MESSAGE_BURST must be positive")
	}
	if cfg.AdmissionSweepInterval <= 0 {
		return errors.New("ADMISSION_SWEEP_INTERVAL must be positive")
	}
	return nil
}

// Origins returns the configured allowed WebSocket origins. Empty allows all.
func (c *Config) Origins() []string { return splitList(c.AllowedOrigins) }

func (c *Config) TradingTypes() []string { return splitList(c.TradingEventTypes) }

func (c *Config) AITypes() []string { return splitList(c.AISignalTypes) }

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
