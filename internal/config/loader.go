package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/rpattn/profilesvc/internal/auth"
	"github.com/rpattn/profilesvc/internal/db"
)

// EnvPrefix namespaces environment overrides, e.g. PROFILES_DATABASE_HOST.
const EnvPrefix = "PROFILES"

type Config struct {
	Storage   string          `mapstructure:"storage" validate:"oneof=postgres memory"`
	Database  db.Config       `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Auth      auth.Config     `mapstructure:"auth"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Ingestion IngestionConfig `mapstructure:"ingestion"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes" validate:"gt=0"`
}

type EngineConfig struct {
	// ConflictRetries is how many times a mutation is replayed after losing a version race.
	ConflictRetries int `mapstructure:"conflict_retries" validate:"min=0,max=5"`
}

type IngestionConfig struct {
	// Concurrency is how many import rows are created in parallel.
	Concurrency int `mapstructure:"concurrency" validate:"min=1,max=64"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func setDefaults(v *viper.Viper) {
	dbDefaults := db.DefaultConfig()
	v.SetDefault("storage", "postgres")

	v.SetDefault("database.host", dbDefaults.Host)
	v.SetDefault("database.port", dbDefaults.Port)
	v.SetDefault("database.user", dbDefaults.User)
	v.SetDefault("database.password", dbDefaults.Password)
	v.SetDefault("database.dbname", dbDefaults.DBName)
	v.SetDefault("database.sslmode", dbDefaults.SSLMode)
	v.SetDefault("database.max_conns", dbDefaults.MaxConns)
	v.SetDefault("database.min_conns", dbDefaults.MinConns)
	v.SetDefault("database.isolation", dbDefaults.Isolation)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.max_upload_bytes", 10<<20)

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.disabled", false)
	v.SetDefault("auth.token_ttl", time.Hour)

	v.SetDefault("engine.conflict_retries", 1)

	v.SetDefault("ingestion.concurrency", 8)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads config.yaml from configPath (optional), applies PROFILES_*
// environment overrides on top of defaults, and validates the result.
func Load(configPath string) (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Storage = strings.ToLower(strings.TrimSpace(cfg.Storage))
	cfg.Database.Isolation = strings.ToLower(strings.TrimSpace(cfg.Database.Isolation))

	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Storage == "postgres" && cfg.Database.MinConns > cfg.Database.MaxConns {
		return Config{}, fmt.Errorf("invalid config: database.min_conns exceeds database.max_conns")
	}
	return cfg, nil
}

// NewLogger builds the process logger from the log section.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
