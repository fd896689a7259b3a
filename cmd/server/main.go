package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/skylens/llmgate/internal/api"
	"github.com/skylens/llmgate/internal/billing"
	"github.com/skylens/llmgate/internal/cache"
	"github.com/skylens/llmgate/internal/config"
	"github.com/skylens/llmgate/internal/health"
	"github.com/skylens/llmgate/internal/llmclient"
	"github.com/skylens/llmgate/internal/modelmeta"
	"github.com/skylens/llmgate/internal/queue"
	"github.com/skylens/llmgate/internal/router"
	"github.com/skylens/llmgate/internal/secrets"
	"github.com/skylens/llmgate/internal/storage"
	"github.com/skylens/llmgate/internal/storage/pebbledb"
	"github.com/skylens/llmgate/internal/storage/sqlite"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	setupLogging(cfg.Logging)
	log := logrus.WithField("component", "server")

	store, err := openStore(cfg.Storage)
	if err != nil {
		log.WithError(err).Fatal("failed to open storage")
	}
	if store != nil {
		defer store.Close()
	}

	// Model metadata goes through redis when configured; credentials
	// always stay in process memory.
	var metaCache cache.Cache = cache.NewMemory()
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		metaCache = cache.NewRedis(client, cfg.Redis.Prefix)
		log.WithField("addr", cfg.Redis.Addr).Info("using redis model-metadata cache")
	}
	meta := modelmeta.NewRegistry(metaCache, cfg.Models)

	creds := secrets.NewCachingResolver(
		secrets.NewStatic(cfg.Keys.System, cfg.Keys.Project),
		cache.NewMemory(),
	)

	hr := health.NewRegistry()
	client := llmclient.New(cfg.Queue.RequestTimeout)
	rt := router.New(cfg.Router, client, creds, hr, meta, cfg.Budget)

	var bill billing.Service = billing.Unlimited{}
	if cfg.Billing.Enabled {
		bill = billing.NewLedger(cfg.Billing.Balances, cfg.Billing.Markup, cfg.Billing.LowBalanceUSD)
	}

	q := queue.New(cfg.Queue, rt, bill, meta, store)

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		BodyLimit:    cfg.Server.BodyLimitMB * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} (${latency})\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.Server.CORSOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Priority",
	}))

	api.SetupRoutes(app, q, hr, providerNames(cfg.Router))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info("shutting down server")
		if err := app.Shutdown(); err != nil {
			log.WithError(err).Error("error during http shutdown")
		}

		drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := q.Shutdown(drainCtx); err != nil {
			log.WithError(err).Error("error draining queue")
		}
	}()

	log.WithField("port", cfg.Server.Port).Info("starting llmgate server")
	if err := app.Listen(cfg.Server.Port); err != nil {
		log.WithError(err).Fatal("failed to start server")
	}
}

func setupLogging(cfg config.Logging) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		logrus.SetOutput(io.MultiWriter(os.Stderr, rotator))
	}
}

// openStore returns nil for the "none" backend: the queue then runs
// memory-only with no restart recovery.
func openStore(cfg config.Storage) (storage.Store, error) {
	switch cfg.Backend {
	case "pebble":
		return pebbledb.New(cfg.Path, cfg.Batch)
	case "none":
		return nil, nil
	default:
		return sqlite.New(cfg.Path)
	}
}

func providerNames(cfg router.Config) []string {
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	if cfg.Mode == router.ModeSingle && cfg.Single.Provider != "" {
		seen := false
		for _, name := range names {
			if name == cfg.Single.Provider {
				seen = true
				break
			}
		}
		if !seen {
			names = append(names, cfg.Single.Provider)
		}
	}
	return names
}
