package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"metricwatch/internal/config"
	"metricwatch/internal/model"
	"metricwatch/internal/service"
	"metricwatch/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output; defaults to stdout.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config: cfg,
		Logger: logger.With().Str("component", "app").Logger(),
		Out:    os.Stdout,
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database, a.Config.App.Name)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// requireStore opens the store for commands that only read history.
func (a *App) requireStore(ctx context.Context, what string) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, fmt.Errorf("database not configured; cannot %s", what)
	}
	return store, closeStore, nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	svc, err := service.New(a.Config, service.Options{Store: store}, a.Logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	a.Logger.Info().Str("addr", a.Config.Server.Addr).Msg("starting monitoring service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting recorded metric samples.
type ExportOptions struct {
	Monitor   model.Kind
	EntityID  string
	Metric    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit    int
	Monitor  string
	EntityID string
	Type     string
	Since    time.Duration
}

// ReplayOptions select the recorded samples pushed through an offline monitor.
type ReplayOptions struct {
	Monitor  model.Kind
	EntityID string
	Metric   string
	From     time.Time
	To       time.Time
	// Deliver sends the replayed alerts through the configured channels.
	Deliver bool
}

// SimulateOptions describe a synthetic observation series.
type SimulateOptions struct {
	Monitor  model.Kind
	EntityID string
	Metric   string
	Values   []float64
	Step     time.Duration
	// Payload is raw JSON attached to every observation.
	Payload string
	Start   time.Time
	Deliver bool
}
