package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/judge"
	"bountyline/internal/migrate"
	"bountyline/internal/telemetry"
)

// Runtime is everything a command or the server needs for one workspace.
type Runtime struct {
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
	Telemetry *telemetry.Provider
	Logger    *slog.Logger
}

type Options struct {
	Workspace string
	// RequireConfig fails when bountyline.yml is missing instead of using defaults.
	RequireConfig bool
	LogOutput     io.Writer
}

// Open loads config, opens and migrates the workspace database and builds
// the engine. Close must be called when done.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.RequireConfig {
		cfg, err = config.Load(opts.Workspace)
	} else {
		cfg, err = config.LoadOptional(opts.Workspace)
	}
	if err != nil {
		return nil, err
	}
	logger := telemetry.Discard()
	if opts.LogOutput != nil {
		logger = telemetry.NewLogger(opts.LogOutput, cfg.Log.Level, cfg.Log.Format)
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	tel, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	eng := engine.New(conn, cfg)
	eng.Telemetry = tel
	return &Runtime{DB: conn, Config: cfg, Engine: eng, Telemetry: tel, Logger: logger}, nil
}

func (r *Runtime) Close(ctx context.Context) error {
	err := r.Telemetry.Shutdown(ctx)
	if cerr := r.DB.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// EnsurePlatform returns the platform, creating it from config when the
// workspace has none yet. The configured authority wins over actorID.
func EnsurePlatform(ctx context.Context, eng engine.Engine, cfg *config.Config, actorID string) (domain.Platform, error) {
	p, err := eng.GetPlatform(ctx)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, domain.ErrPlatformNotInitialized) {
		return domain.Platform{}, err
	}
	authority := cfg.Platform.Authority
	if authority == "" {
		authority = actorID
	}
	if authority == "" {
		return domain.Platform{}, fmt.Errorf("platform authority not configured; set platform.authority or pass --actor-id")
	}
	treasury := cfg.Platform.Treasury
	if treasury == "" {
		treasury = authority
	}
	p, err = eng.InitPlatform(ctx, authority, treasury, cfg.Platform.FeeBps)
	if errors.Is(err, domain.ErrPlatformAlreadyInitialized) {
		return eng.GetPlatform(ctx)
	}
	return p, err
}

// NewJudge builds the advisory judge from config, or returns nil when it is
// disabled.
func NewJudge(cfg *config.Config, tel *telemetry.Provider) (*judge.Judge, error) {
	if !cfg.Judge.Enabled {
		return nil, nil
	}
	c, err := judge.NewAnthropicCompleter(judge.Config{
		APIKey:    cfg.Judge.APIKey,
		Model:     cfg.Judge.Model,
		MaxTokens: cfg.Judge.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	model := cfg.Judge.Model
	if model == "" {
		model = judge.DefaultModel
	}
	return judge.New(c, model, tel), nil
}
