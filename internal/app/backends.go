// Package app assembles the storage, queue and state backends selected by configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"geoattend/internal/attendance"
	"geoattend/internal/config"
	"geoattend/internal/handler"
	"geoattend/internal/queue"
	"geoattend/internal/session"
	"geoattend/internal/store"
	"geoattend/internal/verify"
)

// Backends are the connected stores shared by the API and the worker.
type Backends struct {
	Sessions  session.Store
	Profiles  attendance.Profiles
	Verify    verify.Store
	Events    queue.Queue
	Scheduler queue.Scheduler

	DB    *store.DB
	Mongo *store.Mongo
	Redis *store.Redis
}

// Open connects every backend named by cfg. On error the already opened ones are closed.
func Open(ctx context.Context, cfg config.App, log zerolog.Logger) (*Backends, error) {
	b := &Backends{}
	if err := b.openSessions(ctx, cfg, log); err != nil {
		b.Close(ctx)
		return nil, err
	}

	needRedis := cfg.StateBackend == "redis" || cfg.QueueBackend == "redis"
	if needRedis {
		b.Redis = store.NewRedis(cfg.RedisAddr)
		if !b.Redis.Healthy(ctx) {
			log.Warn().Str("addr", cfg.RedisAddr).Msg("redis not reachable at startup")
		}
	}

	if cfg.StateBackend == "redis" {
		b.Verify = verify.NewRedisStore(b.Redis.Client, cfg.VerifyTTL)
	} else {
		b.Verify = verify.NewMemoryStore(cfg.VerifyTTL)
	}

	if cfg.QueueBackend == "redis" {
		b.Events = queue.NewRedisQueue(b.Redis.Client, "")
		b.Scheduler = queue.NewRedisScheduler(b.Redis.Client, "")
	} else {
		b.Events = queue.NewInMemory(256)
		b.Scheduler = queue.NewMemoryScheduler()
	}
	return b, nil
}

func (b *Backends) openSessions(ctx context.Context, cfg config.App, log zerolog.Logger) error {
	switch cfg.StoreBackend {
	case "postgres":
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		b.DB = db
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		if err := store.Migrate(ctx, db.Client); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
		b.Sessions = session.NewPostgresStore(db.Client)
		b.Profiles = attendance.NewRepository(db.Client)
	case "mongo":
		m, err := store.NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return err
		}
		b.Mongo = m
		sessions := session.NewMongoStore(m.Database)
		if err := sessions.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("mongo indexes: %w", err)
		}
		b.Sessions = sessions
		b.Profiles = attendance.NewMongoProfiles(m.Database)
	case "memory":
		log.Warn().Msg("using in-memory session store; data is lost on restart and not shared with the worker")
		b.Sessions = session.NewMemoryStore()
		b.Profiles = attendance.NewMemoryProfiles()
	default:
		return errors.New("unknown store backend " + cfg.StoreBackend)
	}
	log.Info().Str("backend", cfg.StoreBackend).Msg("session store ready")
	return nil
}

// Health returns the checks reported by /healthz.
func (b *Backends) Health() map[string]handler.HealthCheck {
	checks := map[string]handler.HealthCheck{
		"store": b.Sessions.Ping,
	}
	if b.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			if !b.Redis.Healthy(ctx) {
				return errors.New("redis ping failed")
			}
			return nil
		}
	}
	return checks
}

// Close releases every connection.
func (b *Backends) Close(ctx context.Context) {
	_ = b.Redis.Close()
	_ = b.DB.Close()
	_ = b.Mongo.Close(ctx)
}
