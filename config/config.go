package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	Store     StoreConfig
	Uploads   UploadsConfig
	Transport TransportConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address        string
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
	ControlSocket  string   `mapstructure:"controlSocket"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwtSecret"`
	TokenTTL  time.Duration `mapstructure:"tokenTTL"`
}

type StoreConfig struct {
	Driver string // sqlite or postgres
	DSN    string `mapstructure:"dsn"`
}

type UploadsConfig struct {
	Dir       string
	MaxSize   int64         `mapstructure:"maxSize"`
	Retention time.Duration // 0 keeps files forever
}

type TransportConfig struct {
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	PingInterval time.Duration `mapstructure:"pingInterval"`
	SendBuffer   int           `mapstructure:"sendBuffer"`

	// largest inbound frame in bytes; bigger frames close the connection
	MaxMessageSize int64 `mapstructure:"maxMessageSize"`
}

type LogConfig struct {
	Level string
}

const defaultJWTSecret = "change-me-in-production"

// Load reads configuration from defaults, an optional YAML file in the
// working directory and CHATRELAY_* environment variables, in that order.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.address", ":3000")
	v.SetDefault("server.allowedOrigins", []string{"*"})
	v.SetDefault("server.controlSocket", "/tmp/chatrelay.sock")
	v.SetDefault("auth.jwtSecret", defaultJWTSecret)
	v.SetDefault("auth.tokenTTL", "720h")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "chatrelay.db")
	v.SetDefault("uploads.dir", "uploads")
	v.SetDefault("uploads.maxSize", 25<<20)
	v.SetDefault("uploads.retention", "0s")
	v.SetDefault("transport.readTimeout", "60s")
	v.SetDefault("transport.writeTimeout", "10s")
	v.SetDefault("transport.pingInterval", "54s")
	v.SetDefault("transport.sendBuffer", 256)
	v.SetDefault("transport.maxMessageSize", 64<<10)
	v.SetDefault("log.level", "info")

	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CHATRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "config.Load.ReadInConfig: ")
		}
		logger.Warn("Config file not found, relying on defaults and env vars", slog.String("name", fileName))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "config.Load.Unmarshal: ")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Auth.JWTSecret == defaultJWTSecret {
		logger.Warn("Using the default JWT secret, set CHATRELAY_AUTH_JWTSECRET")
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwtSecret must not be empty")
	}
	if c.Auth.TokenTTL <= 0 {
		return errors.New("auth.tokenTTL must be positive")
	}
	if c.Transport.PingInterval >= c.Transport.ReadTimeout {
		return errors.Errorf("transport.pingInterval (%s) must be shorter than transport.readTimeout (%s)",
			c.Transport.PingInterval, c.Transport.ReadTimeout)
	}
	if c.Transport.SendBuffer <= 0 {
		return errors.New("transport.sendBuffer must be positive")
	}
	if c.Transport.MaxMessageSize <= 0 {
		return errors.New("transport.maxMessageSize must be positive")
	}
	if c.Uploads.MaxSize <= 0 {
		return errors.New("uploads.maxSize must be positive")
	}
	return nil
}

// LogLevel maps log.level onto a slog level, defaulting to info.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
