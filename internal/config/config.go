package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr      string
	Port      int
	JWTSecret string

	MongoURI string
	MongoDB  string

	RedisAddr string

	MDNS     bool
	Liveness time.Duration
}

func defaults() Config {
	return Config{
		Addr:     "",
		Port:     8080,
		MongoDB:  "padsync",
		Liveness: 30 * time.Second,
	}
}

// Load reads an optional .env file in the working directory and then the
// PADSYNC_* environment variables. Variables already set in the
// environment win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, err
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := defaults()
	var err error

	if v := getenv("PADSYNC_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := getenv("PADSYNC_PORT"); v != "" {
		if cfg.Port, err = strconv.Atoi(v); err != nil || cfg.Port <= 0 || cfg.Port > 65535 {
			return Config{}, fmt.Errorf("config: bad PADSYNC_PORT %q", v)
		}
	}
	cfg.JWTSecret = getenv("PADSYNC_JWT_SECRET")
	cfg.MongoURI = getenv("PADSYNC_MONGO_URI")
	if v := getenv("PADSYNC_MONGO_DB"); v != "" {
		cfg.MongoDB = v
	}
	cfg.RedisAddr = getenv("PADSYNC_REDIS_ADDR")
	if v := getenv("PADSYNC_MDNS"); v != "" {
		if cfg.MDNS, err = strconv.ParseBool(v); err != nil {
			return Config{}, fmt.Errorf("config: bad PADSYNC_MDNS %q: %w", v, err)
		}
	}
	if v := getenv("PADSYNC_LIVENESS"); v != "" {
		if cfg.Liveness, err = time.ParseDuration(v); err != nil {
			return Config{}, fmt.Errorf("config: bad PADSYNC_LIVENESS %q: %w", v, err)
		}
	}
	return cfg, nil
}

// ListenAddr is the host:port the backbone binds.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Addr, c.Port)
}
