package config

import (
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	RedisEventsHost string `env:"REDIS_EVENTS_HOST" envDefault:"localhost"`
	RedisEventsPort uint16 `env:"REDIS_EVENTS_PORT" envDefault:"6379"   validate:"min=1000,max=65535"`

	PostgresHost     string `env:"POSTGRES_HOST"     envDefault:"localhost"`
	PostgresPort     string `env:"POSTGRES_PORT"     envDefault:"5432"`
	PostgresUser     string `env:"POSTGRES_USER"     envDefault:"room_user"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" envDefault:"room_password"`
	PostgresDb       string `env:"POSTGRES_DB"       envDefault:"room_db"`

	GracePeriodSeconds  uint `env:"GRACE_PERIOD_SECONDS"       envDefault:"120"  validate:"min=1"`
	ChatRateLimit       int  `env:"CHAT_RATE_LIMIT"            envDefault:"5"    validate:"min=1"`
	ChatRateIntervalSec uint `env:"CHAT_RATE_INTERVAL_SECONDS" envDefault:"10"   validate:"min=1"`
	PersistTimeoutMs    uint `env:"PERSIST_TIMEOUT_MS"         envDefault:"2000" validate:"min=100"`

	HttpServerPort uint16 `env:"HTTP_SERVER_PORT" envDefault:"8085" validate:"min=1000,max=65535"`
}

func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	err := godotenv.Load(".env")
	if err != nil {
		zap.L().Debug(".env file not found", zap.Error(err))
	}

	cfg := &Config{}
	// Parse config from environment variables
	if err = env.Parse(cfg); err != nil {
		zap.L().Error("config_load_failed", zap.Error(err))
		return nil, err
	}

	// Validate the config
	validate := validator.New()
	err = validate.Struct(cfg)
	if err != nil {
		zap.L().Error("config_validation_failed", zap.Error(err))
		return nil, err
	}
	return cfg, nil
}
