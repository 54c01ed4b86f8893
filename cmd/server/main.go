package main // Entry point package

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/ticket-hold-checkout/internal/clock"
	"github.com/iliyamo/ticket-hold-checkout/internal/config"
	"github.com/iliyamo/ticket-hold-checkout/internal/database"
	"github.com/iliyamo/ticket-hold-checkout/internal/handler"
	"github.com/iliyamo/ticket-hold-checkout/internal/middleware"
	"github.com/iliyamo/ticket-hold-checkout/internal/payment"
	"github.com/iliyamo/ticket-hold-checkout/internal/queue"
	"github.com/iliyamo/ticket-hold-checkout/internal/repository"
	"github.com/iliyamo/ticket-hold-checkout/internal/router"
	"github.com/iliyamo/ticket-hold-checkout/internal/scheduler"
	"github.com/iliyamo/ticket-hold-checkout/internal/service"
	"github.com/iliyamo/ticket-hold-checkout/internal/utils"
)

// redisPrefix namespaces capacity documents and the expiry index.
const redisPrefix = "capacity"

// stores groups the persistence picked by CAPACITY_BACKEND.
type stores struct {
	capacity service.CapacityStore
	catalog  catalogWriter
	orders   service.OrderStore
	rdb      *redis.Client
	db       *sql.DB
}

func main() {
	cfg := config.Load() // Load environment config
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checkoutCfg := config.LoadCheckoutConfig()
	merchant := config.LoadMerchantConfig()
	clk := clock.Real()

	st, err := openStores(ctx, cfg)
	if err != nil {
		logger.Fatalj(log.JSON{"event": "startup_failed", "backend": cfg.CapacityBackend, "error": err.Error()})
	}
	defer st.close()

	if cfg.CatalogFile != "" {
		n, err := seedCatalog(ctx, cfg.CatalogFile, st.catalog)
		if err != nil {
			logger.Fatalj(log.JSON{"event": "catalog_seed_failed", "file": cfg.CatalogFile, "error": err.Error()})
		}
		logger.Infoj(log.JSON{"event": "catalog_seeded", "file": cfg.CatalogFile, "ticket_types": n})
	}

	timers := service.NewHoldTimers(clk, checkoutCfg.TickInterval)
	defer timers.StopAll()
	manager := service.NewReservationManager(st.capacity, clk, timers, service.ManagerConfig{
		HoldTTL:      checkoutCfg.HoldTTL,
		Policy:       checkoutCfg.Policy,
		MaxAttempts:  checkoutCfg.StoreMaxAttempts,
		RetryBackoff: checkoutCfg.StoreRetryBackoff,
	}, logger)
	signer := payment.NewSigner(merchant)
	checkouts := service.NewCheckoutOrchestrator(st.catalog, manager, st.orders, signer, utils.IDs{}, clk, service.OrchestratorConfig{
		ManagementFeeCents: checkoutCfg.ManagementFeeCents,
		PendingPaymentTTL:  checkoutCfg.PendingPaymentTTL,
		SessionRetention:   checkoutCfg.SessionRetention,
		ReconcileBatch:     checkoutCfg.SweepBatch,
		IssueRetryAfter:    checkoutCfg.IssuanceRetryAfter,
	}, logger)

	if cfg.RabbitMQURL != "" {
		checkouts.OnCompleted(service.NewIssuancePublisher(cfg.RabbitMQURL, clk, logger).Publish)
		if checkoutCfg.IssuanceConsumer {
			go func() {
				if err := queue.StartIssuanceConsumer(ctx, cfg.RabbitMQURL, checkoutCfg.IssuanceLogDir, logger); err != nil && !errors.Is(err, context.Canceled) {
					logger.Errorj(log.JSON{"event": "issuance_consumer_stopped", "error": err.Error()})
				}
			}()
		}
	}

	sweep := service.NewHoldSweep(st.capacity, manager, clk, checkoutCfg.SweepBatch, logger)
	go scheduler.New("hold_sweep", sweep.Run, checkoutCfg.SweepInterval, clk, logger).Start(ctx)
	go scheduler.New("payment_reconcile", checkouts.ReconcilePendingPayments, checkoutCfg.ReconcileInterval, clk, logger).Start(ctx)

	e := echo.New() // Create Echo instance
	e.HideBanner = true
	e.Logger = logger
	e.Use(echomw.Recover())
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			entry := log.JSON{"event": "request", "method": v.Method, "uri": v.URI, "status": v.Status, "latency": v.Latency.String()}
			if v.Error != nil {
				entry["error"] = v.Error.Error()
			}
			logger.Infoj(entry)
			return nil
		},
	}))

	router.RegisterRoutes(e, st.healthChecks())
	router.RegisterCatalog(e, handler.NewCatalogHandler(st.catalog, manager), middleware.NewRedisCache(config.LoadCacheConfig(), st.rdb))
	router.RegisterCheckout(e, handler.NewCheckoutHandler(checkouts, signer.GatewayURL()), cfg.JWTSecret, middleware.NewTokenBucket(config.LoadRateLimitConfig(), st.rdb))
	router.RegisterPayments(e, handler.NewPaymentHandler(checkouts))

	addr := ":" + cfg.Port // Address string with port
	logger.Infoj(log.JSON{"event": "listening", "addr": addr, "env": cfg.Env, "backend": cfg.CapacityBackend, "hold_policy": checkoutCfg.Policy.String()})
	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalj(log.JSON{"event": "server_failed", "error": err.Error()})
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Errorj(log.JSON{"event": "shutdown_failed", "error": err.Error()})
	}
	logger.Infoj(log.JSON{"event": "stopped"})
}

func newLogger(level string) *log.Logger {
	l := log.New("ticket-hold-checkout")
	switch strings.ToLower(level) {
	case "debug":
		l.SetLevel(log.DEBUG)
	case "warn":
		l.SetLevel(log.WARN)
	case "error":
		l.SetLevel(log.ERROR)
	case "off":
		l.SetLevel(log.OFF)
	default:
		l.SetLevel(log.INFO)
	}
	return l
}

// openStores connects the backend.  redis keeps capacity in Redis and the
// catalog and orders in MySQL; memory keeps everything in process.
func openStores(ctx context.Context, cfg config.Config) (*stores, error) {
	if cfg.CapacityBackend == config.BackendMemory {
		return &stores{
			capacity: repository.NewMemoryCapacityStore(),
			catalog:  repository.NewMemoryCatalog(),
			orders:   repository.NewMemoryOrderStore(),
		}, nil
	}

	rdb, err := config.NewRedisClient(ctx)
	if err != nil {
		return nil, err
	}
	db, err := database.Open(ctx, cfg)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	if err := database.EnsureSchema(ctx, db); err != nil {
		_ = rdb.Close()
		_ = db.Close()
		return nil, err
	}
	return &stores{
		capacity: repository.NewRedisCapacityStore(rdb, redisPrefix),
		catalog:  repository.NewTicketTypeRepo(db),
		orders:   repository.NewOrderRepo(db),
		rdb:      rdb,
		db:       db,
	}, nil
}

func (s *stores) healthChecks() map[string]handler.Check {
	checks := map[string]handler.Check{}
	if s.rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }
	}
	if s.db != nil {
		checks["mysql"] = s.db.PingContext
	}
	return checks
}

func (s *stores) close() {
	if s.rdb != nil {
		_ = s.rdb.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}
