package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"collabline/internal/config"
	"collabline/internal/db"
	"collabline/internal/engine"
	"collabline/internal/migrate"
	"collabline/internal/notify"
)

// Runtime is an opened workspace: a migrated database, the loaded config
// and an engine wired to both.
type Runtime struct {
	Workspace string
	Env       config.Env
	Config    *config.Config
	DB        *sqlx.DB
	Engine    engine.Engine
	Log       zerolog.Logger

	closers []func() error
}

// NewLogger builds the process logger from the environment: console output
// for humans unless JSON is requested.
func NewLogger(env config.Env, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}
	level, err := zerolog.ParseLevel(env.LogLevel)
	if err != nil || env.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	if !env.LogJSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Open prepares the workspace. The config file is optional; defaults apply
// when it is missing. A Redis publisher is attached when env.RedisURL is set.
func Open(ctx context.Context, workspace string, env config.Env, log zerolog.Logger) (*Runtime, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace, Driver: env.DatabaseDriver, DSN: env.DatabaseDSN})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	rt := &Runtime{
		Workspace: workspace,
		Env:       env,
		Config:    cfg,
		DB:        conn,
		Log:       log,
	}
	rt.closers = append(rt.closers, conn.Close)
	if err := migrate.Migrate(conn); err != nil {
		rt.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	e := engine.New(conn, cfg)
	e.SetLogger(log)
	if env.RedisURL != "" {
		pub, err := notify.NewRedisPublisher(ctx, env.RedisURL)
		if err != nil {
			rt.Close()
			return nil, err
		}
		e.Notify.Publisher = pub
		rt.closers = append(rt.closers, pub.Close)
		log.Info().Msg("publishing notifications to redis")
	}
	rt.Engine = e
	return rt, nil
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close() error {
	var first error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	rt.closers = nil
	return first
}
