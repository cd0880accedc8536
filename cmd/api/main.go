package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/safar/go-sql-marketplace/internal/api"
	"github.com/safar/go-sql-marketplace/internal/cart"
	"github.com/safar/go-sql-marketplace/internal/config"
	"github.com/safar/go-sql-marketplace/internal/database"
	"github.com/safar/go-sql-marketplace/internal/idempotency"
	"github.com/safar/go-sql-marketplace/internal/logger"
	"github.com/safar/go-sql-marketplace/internal/metrics"
	"github.com/safar/go-sql-marketplace/internal/notify"
	"github.com/safar/go-sql-marketplace/internal/orders"
	"github.com/safar/go-sql-marketplace/internal/payment"
	"github.com/safar/go-sql-marketplace/internal/pricing"
	"github.com/safar/go-sql-marketplace/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logg := logger.New(logger.Options{
		ServiceName: "marketplace-api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
		Output:      os.Stdout,
	})

	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	logg.Info(ctx, "connected to database")

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db, migrations.FS, "up"); err != nil {
			return err
		}
		logg.Info(ctx, "migrations applied")
	}

	gateway, err := newGateway(cfg.Payment, logg)
	if err != nil {
		return err
	}

	notifications := notify.NewStore(db)
	sinks := notify.Fanout{notifications}
	if cfg.Notify.PubSubEnabled() {
		pubsubSink, err := notify.NewPubSubSink(ctx, cfg.Notify.PubSubProjectID, cfg.Notify.PubSubTopic)
		if err != nil {
			return err
		}
		defer pubsubSink.Close()
		sinks = append(sinks, pubsubSink)
		logg.Info(logg.WithField(ctx, "topic", cfg.Notify.PubSubTopic), "publishing notifications to pubsub")
	}

	var idem idempotency.Store
	if cfg.Redis.Enabled() {
		redisStore, err := idempotency.NewRedisStore(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer redisStore.Close()
		idem = redisStore
	} else {
		logg.Warn(ctx, "REDIS_URL not set; Idempotency-Key replay disabled")
	}

	rates := pricing.Rates{
		TaxRatePercent:  cfg.Pricing.TaxRatePercent,
		ShippingFlatFee: cfg.Pricing.ShippingFlatFee,
	}
	carts := cart.NewService(db, rates, logg)
	engine := orders.NewEngine(db, carts, orders.Options{
		Gateway:       gateway,
		Sink:          sinks,
		Rates:         rates,
		Metrics:       metrics.NewOrderMetrics(prometheus.DefaultRegisterer),
		Logger:        logg,
		NotifyTimeout: cfg.Notify.Timeout,
	})

	handler := api.NewRouter(api.Deps{
		Orders:         engine,
		Carts:          carts,
		Notifications:  notifications,
		Directory:      api.SQLDirectory{DB: db},
		Catalog:        api.SQLCatalog{DB: db},
		Promotions:     api.SQLPromotions{DB: db},
		Logger:         logg,
		Idempotency:    idem,
		IdempotencyTTL: cfg.Redis.IdempotencyTTL,
		Health:         db,
		Metrics:        promhttp.Handler(),
	})

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logg.Info(logg.WithField(ctx, "port", cfg.Server.Port), "server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logg.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newGateway(cfg config.PaymentConfig, logg *logger.Logger) (payment.Gateway, error) {
	var gateway payment.Gateway
	switch strings.ToLower(strings.TrimSpace(cfg.Gateway)) {
	case config.GatewaySquare:
		square, err := payment.NewSquare(payment.SquareConfig{
			AccessToken: cfg.SquareToken,
			Environment: cfg.SquareEnv,
			LocationID:  cfg.SquareLocation,
			Currency:    cfg.Currency,
		}, logg)
		if err != nil {
			return nil, err
		}
		gateway = square
	default:
		gateway = payment.NewSimulated()
	}
	return payment.WithTimeout(gateway, cfg.Timeout), nil
}
