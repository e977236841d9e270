package cli

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"

	"github.com/cragr/snowmirror/internal/breaker"
	"github.com/cragr/snowmirror/internal/bus"
	"github.com/cragr/snowmirror/internal/config"
	"github.com/cragr/snowmirror/internal/docstore"
	"github.com/cragr/snowmirror/internal/logging"
	"github.com/cragr/snowmirror/internal/metrics"
	"github.com/cragr/snowmirror/internal/reconciler"
	"github.com/cragr/snowmirror/internal/repository"
	"github.com/cragr/snowmirror/internal/servicenow"
)

// App holds the wired components every command needs.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Repo       *repository.RecordRepository
	Gate       *breaker.FailureGate
	Reconciler *reconciler.Reconciler

	closers []func() error
}

// buildApp loads configuration and wires the full component graph. Callers
// must Close the returned App.
func buildApp(ctx context.Context) (*App, error) {
	logger := logging.NewLogger()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger.Info("configuration loaded",
		"servicenow_base_url", cfg.ServiceNowBaseURL,
		"store_path", cfg.StorePath,
		"sync_interval", cfg.SyncInterval,
		"sync_window", cfg.SyncWindow,
	)

	app := &App{Config: cfg, Logger: logger}

	store, err := docstore.OpenSQLite(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	app.closers = append(app.closers, store.Close)

	app.Repo = repository.New(store, logging.WithComponent(logger, "repository"))
	if err := app.Repo.EnsureIndexes(ctx); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to ensure indexes: %w", err)
	}

	snowClient := servicenow.NewClient(cfg, logging.WithComponent(logger, "servicenow"))

	app.Gate = breaker.New("servicenow", breaker.Config{
		FailureThreshold: cfg.GateFailureThreshold,
		ResetTimeout:     cfg.GateResetTimeout,
		MonitoringPeriod: cfg.GateMonitoringPeriod,
		HalfOpenMaxCalls: cfg.GateHalfOpenMaxCalls,
		MinimumCalls:     cfg.GateMinimumCalls,
	}, logging.WithComponent(logger, "breaker"))
	app.Gate.OnStateChange(func(name string, _, to breaker.State) {
		metrics.GateState.WithLabelValues(name).Set(float64(to))
	})

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		app.closers = append(app.closers, redisClient.Close)
	}

	publisher, err := app.buildPublisher(ctx, redisClient)
	if err != nil {
		app.Close()
		return nil, err
	}

	var locker reconciler.RunLocker
	if redisClient != nil {
		locker = reconciler.NewRedisLocker(redisClient)
	}

	eventTopic := cfg.EventTopic
	if cfg.PubSubTopic != "" {
		eventTopic = cfg.PubSubTopic
	}

	app.Reconciler = reconciler.New(
		snowClient,
		app.Gate,
		app.Repo,
		publisher,
		locker,
		reconciler.Config{
			Window:      cfg.SyncWindow,
			BatchSize:   cfg.BatchSize,
			MaxAttempts: cfg.MaxAttempts,
			Workers:     cfg.BatchWorkers,
			Interval:    cfg.SyncInterval,
			EventTopic:  eventTopic,
		},
		logging.WithComponent(logger, "reconciler"),
	)

	return app, nil
}

// buildPublisher picks the event bus backend from configuration. Pub/Sub wins
// when both are configured; with neither, events are dropped.
func (a *App) buildPublisher(ctx context.Context, redisClient *redis.Client) (bus.Publisher, error) {
	if a.Config.PubSubProject != "" {
		client, err := pubsub.NewClient(ctx, a.Config.PubSubProject)
		if err != nil {
			return nil, fmt.Errorf("failed to create pubsub client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		a.Logger.Info("publishing events to pubsub", "project", a.Config.PubSubProject)
		return bus.NewPubSubPublisher(client), nil
	}
	if redisClient != nil {
		a.Logger.Info("publishing events to redis", "addr", a.Config.RedisAddr)
		return bus.NewRedisPublisher(redisClient), nil
	}
	return bus.NopPublisher{}, nil
}

// Close releases every resource the App acquired, in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Error("error during shutdown", "error", err)
		}
	}
}
