// Package app wires repositories and services into the components the
// binaries run.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/steemit/hivefeed/internal/cache"
	"github.com/steemit/hivefeed/internal/db"
	"github.com/steemit/hivefeed/internal/fanout"
	"github.com/steemit/hivefeed/internal/feed"
	"github.com/steemit/hivefeed/internal/reconcile"
	"github.com/steemit/hivefeed/pkg/config"
	"github.com/steemit/hivefeed/pkg/logging"
)

// App holds the wired components
type App struct {
	DB    *db.DB
	Cache *cache.Cache

	Posts *db.PostRepository
	Feed  *db.FeedRepository
	Jobs  *db.JobRepository

	Engine    *fanout.Engine
	Queue     *fanout.Queue
	Feeds     *feed.Service
	Reconcile *reconcile.Service
}

// New connects to PostgreSQL and Redis and wires the services
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	database, err := db.New(&cfg.Database, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx); err != nil {
			database.Close()
			return nil, err
		}
	}

	var redisCache *cache.Cache
	if cfg.Redis.Enabled {
		redisCache, err = cache.New(&cfg.Redis)
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
	} else {
		logging.GetLogger().Info("Redis disabled; author cache and rescore debounce are off")
	}

	return Wire(cfg, database, redisCache), nil
}

// Wire builds the services over an open database. redisCache may be nil.
func Wire(cfg *config.Config, database *db.DB, redisCache *cache.Cache) *App {
	repo := db.NewRepository(database.DB)
	users := db.NewUserRepository(repo)
	posts := db.NewPostRepository(repo)
	entries := db.NewFeedRepository(repo)
	jobs := db.NewJobRepository(repo)

	engine := fanout.NewEngine(posts, users, entries,
		fanout.NewResolver(users, db.NewFollowRepository(repo)), &cfg.Fanout)

	return &App{
		DB:    database,
		Cache: redisCache,
		Posts: posts,
		Feed:  entries,
		Jobs:  jobs,

		Engine: engine,
		Queue:  fanout.NewQueue(jobs, engine, redisCache, &cfg.Fanout),
		Feeds: feed.NewService(entries, posts, users,
			db.NewInterestRepository(repo), db.NewInteractionRepository(repo), redisCache, &cfg.Feed),
		Reconcile: reconcile.NewService(posts, entries, engine, cfg.Fanout.ReconcileRate),
	}
}

// Close releases the database and cache connections
func (a *App) Close() {
	logger := logging.WithComponent("app")
	if err := a.Cache.Close(); err != nil {
		logger.Warn("Failed to close cache", zap.Error(err))
	}
	if err := a.DB.Close(); err != nil {
		logger.Warn("Failed to close database", zap.Error(err))
	}
}
