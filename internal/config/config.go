// Package config loads the chat server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

var validate = validator.New()

type Config struct {
	Addr string `env:"ADDR" envDefault:":8080" validate:"required"`

	DBDriver string `env:"DB_DRIVER" envDefault:"postgres" validate:"oneof=postgres sqlite"`
	DBDSN    string `env:"DB_DSN" validate:"required"`

	JWTSecret   string `env:"JWT_SECRET" validate:"required"`
	TokenCookie string `env:"TOKEN_COOKIE" envDefault:"access_token" validate:"required"`

	// Empty disables the Redis relay; fan-out stays in-process.
	RedisAddr          string `env:"REDIS_ADDR"`
	RedisChannelPrefix string `env:"REDIS_CHANNEL_PREFIX" envDefault:"chat:"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`

	MaxMessageSize int64         `env:"MAX_MESSAGE_SIZE" envDefault:"4096" validate:"gt=0"`
	SendBufferSize int           `env:"SEND_BUFFER_SIZE" envDefault:"256" validate:"gt=0"`
	WriteWait      time.Duration `env:"WRITE_WAIT" envDefault:"10s" validate:"gt=0"`
	PongWait       time.Duration `env:"PONG_WAIT" envDefault:"60s" validate:"gt=0"`
	StoreTimeout   time.Duration `env:"STORE_TIMEOUT" envDefault:"5s" validate:"gt=0"`

	RateLimit float64 `env:"RATE_LIMIT_PER_SECOND" envDefault:"0" validate:"gte=0"`
	RateBurst int     `env:"RATE_LIMIT_BURST" envDefault:"5" validate:"gte=0"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s" validate:"gt=0"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text" validate:"oneof=text json"`
}

// Load reads the given dotenv files (missing files are skipped), then parses
// and validates the environment. Variables already set in the process win
// over dotenv values.
func Load(envFiles ...string) (*Config, error) {
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", file, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
