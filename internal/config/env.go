package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Env holds process settings that never live in the workspace file.
type Env struct {
	DatabaseDriver string `env:"CL_DATABASE_DRIVER" envDefault:"sqlite"`
	DatabaseDSN    string `env:"CL_DATABASE_DSN"`
	JWTSecret      string `env:"CL_JWT_SECRET"`
	RedisURL       string `env:"CL_REDIS_URL"`
	LogLevel       string `env:"CL_LOG_LEVEL" envDefault:"info"`
	LogJSON        bool   `env:"CL_LOG_JSON" envDefault:"false"`
	AllowDevHeader bool   `env:"CL_ALLOW_DEV_HEADER" envDefault:"false"`
}

// LoadEnv parses the process environment.
func LoadEnv() (Env, error) {
	return ParseEnv(nil)
}

// ParseEnv parses settings from the given variables, or the process
// environment when vars is nil.
func ParseEnv(vars map[string]string) (Env, error) {
	var e Env
	opts := env.Options{}
	if vars != nil {
		opts.Environment = vars
	}
	if err := env.ParseWithOptions(&e, opts); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	switch e.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return Env{}, fmt.Errorf("CL_DATABASE_DRIVER must be sqlite or postgres, got %q", e.DatabaseDriver)
	}
	if e.DatabaseDriver == "postgres" && e.DatabaseDSN == "" {
		return Env{}, fmt.Errorf("CL_DATABASE_DSN is required for postgres")
	}
	return e, nil
}
