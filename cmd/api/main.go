package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/punchamoorthee/creditops/internal/api"
	"github.com/punchamoorthee/creditops/internal/clock"
	"github.com/punchamoorthee/creditops/internal/config"
	"github.com/punchamoorthee/creditops/internal/events"
	"github.com/punchamoorthee/creditops/internal/lease"
	"github.com/punchamoorthee/creditops/internal/provider"
	"github.com/punchamoorthee/creditops/internal/service"
	"github.com/punchamoorthee/creditops/internal/store"
	"github.com/punchamoorthee/creditops/internal/webhook"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	// 1. Storage
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	// 2. Poll lease, shared through Redis when more than one replica runs
	var ls lease.Lease = lease.NewLocal()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		ls = lease.NewRedis(rdb, "creditops:")
		logger.Info("using redis poll lease", "addr", cfg.Redis.Addr)
	}

	// 3. Event publisher
	var publisher events.Publisher = events.NewLog(logger)
	if len(cfg.Kafka.Brokers) > 0 {
		kafka, err := events.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return err
		}
		publisher = kafka
		logger.Info("publishing topup events to kafka", "topic", cfg.Kafka.Topic)
	}
	defer publisher.Close()

	// 4. Services
	gateway := provider.NewGateway(provider.Config{
		BaseURL:       cfg.Provider.BaseURL,
		AccountID:     cfg.Provider.AccountID,
		APIKey:        cfg.Provider.APIKey,
		MerchantID:    cfg.Provider.MerchantID,
		MinAmount:     cfg.Provider.MinAmount,
		Timeout:       cfg.Provider.Timeout,
		RatePerSecond: cfg.Provider.RatePerSecond,
		Burst:         cfg.Provider.Burst,
	}, logger)

	tenants := make(map[string]service.TenantRates, len(cfg.Credits.Tenants))
	for id, t := range cfg.Credits.Tenants {
		tenants[id] = service.TenantRates{CreditRate: t.CreditRate, MinAmount: t.MinAmount}
	}

	clk := clock.Real{}
	ledger := service.NewLedger(st, clk, cfg.Credits.StartingBalance, logger)
	engine := service.NewEngine(ledger, st, gateway, clk, ls, publisher, service.EngineConfig{
		PollInterval: cfg.Credits.PollInterval,
		CreditRate:   cfg.Credits.CreditRate,
		MinAmount:    cfg.Credits.MinAmount,
		Tenants:      tenants,
	}, logger)
	defer engine.Close()

	if _, err := engine.Resume(ctx); err != nil {
		return err
	}

	// 5. HTTP
	receiver := webhook.NewReceiver(cfg.WebhookSecret, engine, logger)
	router := api.NewRouter(
		api.NewHandler(ledger, engine, receiver, logger),
		api.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
	)

	var h http.Handler = router
	if len(cfg.CORSOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"Content-Type"},
		}).Handler(h)
	}
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(slog.NewLogLogger(logger.Handler(), slog.LevelError)))(h)
	h = api.LoggingMiddleware(logger, h)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Port, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Store == "memory" {
		return store.NewMemory(), nil
	}
	pg, err := store.NewPostgres(ctx, cfg.DBSource)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
