package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/Windi-Fikriyansyah/earn_ledger/internal/config"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/db"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/handlers"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/jobs"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/logger"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/metrics"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/middleware"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/realtime"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/services/currency"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/services/escrow"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/services/fraud"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/services/postback"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/services/provider"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/services/wallet"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checks := map[string]handlers.Pinger{}

	var st store.Store
	switch cfg.StoreDriver {
	case "memory":
		log.Warn("using in-memory store, balances are lost on restart")
		st = store.NewMemory()
	default:
		gdb, err := db.Connect(cfg.DBDSN)
		if err != nil {
			log.WithError(err).Fatal("database connection failed")
		}
		if err := db.Migrate(gdb); err != nil {
			log.WithError(err).Fatal("database migration failed")
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			log.WithError(err).Fatal("database handle unavailable")
		}
		checks["database"] = sqlDB.PingContext
		st = store.NewGorm(gdb)
	}

	rdb := realtime.NewRedis(cfg, log)
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.WithError(err).Fatal("redis not reachable")
	}
	checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }

	m := metrics.New()
	hub := realtime.NewHub(rdb, log)
	go hub.Run(ctx)
	go func() {
		if err := hub.Listen(ctx); err != nil {
			log.WithError(err).Error("wallet event listener stopped")
		}
	}()

	wallets := wallet.NewWalletService(st, log.WithField("component", "wallet"), m)
	wallets.Currency = cfg.SettlementCurrency
	wallets.Notifier = hub

	escrows := escrow.NewEscrowService(st, wallets, log.WithField("component", "escrow"), m)

	registry := provider.NewRegistry(st, rdb, log.WithField("component", "provider"))
	if err := registry.Load(ctx); err != nil {
		log.WithError(err).Fatal("provider registry load failed")
	}
	go func() {
		if err := registry.Watch(ctx); err != nil {
			log.WithError(err).Error("provider change listener stopped")
		}
	}()

	fx := currency.NewCurrencyService(cfg.FXRates, rdb, cfg.FXAPIURL, log.WithField("component", "currency"))
	gate := fraud.NewGate(fraud.NewRedisCounter(rdb), cfg.Fraud, log.WithField("component", "fraud"), m)

	pipeline := postback.NewPipeline(st, wallets, registry, gate, fx, log.WithField("component", "postback"), m, postback.Options{
		SettlementCurrency: cfg.SettlementCurrency,
		AllowUnverified:    cfg.PostbackAllowUnverified,
		ConversionTimeout:  cfg.ConversionTimeout,
		NotifyTimeout:      cfg.NotifyTimeout,
	})
	pipeline.Notifier = hub

	sched := jobs.NewScheduler(log.WithField("component", "jobs"))
	if err := jobs.Register(sched, cfg, registry, pipeline, fx); err != nil {
		log.WithError(err).Fatal("job scheduling failed")
	}
	sched.Start()

	app := fiber.New(handlers.AppConfig(cfg.TrustedProxies))
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     "GET,POST,PUT,PATCH,DELETE,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Service-Key",
		ExposeHeaders:    "Content-Length",
		AllowCredentials: true,
	}))
	app.Use(accessLog(log))

	handlers.Routes{
		Postback:       handlers.NewPostbackHandler(pipeline, registry),
		Wallet:         handlers.NewWalletHandler(wallets, registry),
		Escrow:         handlers.NewEscrowHandler(escrows),
		Admin:          handlers.NewAdminHandler(registry, pipeline, cfg.PublicBaseURL),
		System:         handlers.NewSystemHandler(hub, checks),
		JWTSecret:      cfg.JWTSecret,
		ServiceKeyHash: cfg.ServiceKeyHash,
		Limiter:        middleware.NewRateLimiter(cfg.PostbackRateLimit, cfg.PostbackRateBurst),
		Metrics:        m.Handler(),
	}.Register(app)

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		shutdown(app, sched, rdb, log)
	}()

	log.WithField("port", cfg.AppPort).Info("listening")
	if err := app.Listen(":" + cfg.AppPort); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}

func shutdown(app *fiber.App, sched *jobs.Scheduler, rdb *redis.Client, log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(ctx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	sched.Stop(ctx)
	_ = rdb.Close()
}

func accessLog(log logrus.FieldLogger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		log.WithFields(logrus.Fields{
			"method":     c.Method(),
			"path":       c.Path(),
			"status":     c.Response().StatusCode(),
			"latency_ms": time.Since(start).Milliseconds(),
			"request_id": c.GetRespHeader(fiber.HeaderXRequestID),
			"ip":         c.IP(),
		}).Debug("request")
		return err
	}
}
