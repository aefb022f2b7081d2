// Command server runs the creditflow HTTP service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"creditflow/internal/audit"
	disputehandler "creditflow/internal/dispute/handler"
	disputeservice "creditflow/internal/dispute/service"
	"creditflow/internal/letter/carrier"
	letterhandler "creditflow/internal/letter/handler"
	letterservice "creditflow/internal/letter/service"
	"creditflow/internal/piicrypto"
	"creditflow/internal/platform/config"
	"creditflow/internal/platform/httpserver"
	"creditflow/internal/platform/logger"
	"creditflow/internal/platform/metrics"
	"creditflow/internal/platform/middleware"
	"creditflow/internal/platform/redis"
	"creditflow/internal/sla"
	"creditflow/internal/storage"
	httptransport "creditflow/internal/transport/http"
	"creditflow/internal/webhook"
	webhookhandler "creditflow/internal/webhook/handler"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New()

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err.Error())
		os.Exit(1)
	}
}

func run(cfg config.Server, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	store := storage.NewPostgres(pool)
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	rdb, err := redis.New(cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if rdb == nil {
		log.Warn("redis not configured; webhook dedup and rate limiting degraded")
	} else {
		defer rdb.Close()
	}

	cipher, cleanup, err := buildCipher(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	clock, err := sla.New(cfg.ReferenceZone)
	if err != nil {
		return fmt.Errorf("reference zone: %w", err)
	}

	m := metrics.New()
	trail := audit.New(store, cfg.Audit, log, m)

	carrierClient := carrier.NewHTTP(cfg.CarrierAPIBaseURL, cfg.CarrierAPIKey)

	disputes := disputeservice.New(store, trail, cipher, clock, cfg.SLA, log, m)
	letters := letterservice.New(store, trail, carrierClient, log, m)
	webhooks := webhook.New(store, letters, disputes, rdb, cfg.CarrierWebhookSecret, log, m)

	limiter := middleware.NewRateLimiter(rdb, cfg.WebhookRateLimit, cfg.WebhookRateWindow, log)

	router := httptransport.NewRouter(httptransport.Config{
		Logger:         log,
		Metrics:        m,
		JWTSigningKey:  cfg.JWTSigningKey,
		RequestTimeout: cfg.RequestTimeout,
		RateLimiter:    limiter,
		Disputes:       disputehandler.New(disputes, trail, log),
		Letters:        letterhandler.New(letters, log),
		Webhooks:       webhookhandler.New(webhooks, log),
		Health: func(ctx context.Context) error {
			return pool.Ping(ctx)
		},
	})

	srv := httpserver.New(cfg.Addr, router)
	errCh := make(chan error, 1)
	go func() {
		log.Info("creditflow listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}

// buildCipher selects the PII encryption backend. The KMS mode keeps the
// local backend registered so existing locally-encrypted values stay
// readable.
func buildCipher(ctx context.Context, cfg config.Server) (*piicrypto.Cipher, func(), error) {
	if cfg.CryptoMode == config.CryptoModeKMS {
		client, err := piicrypto.NewGCPKeyManagementClient(ctx)
		if err != nil {
			return nil, nil, err
		}
		cipher, err := piicrypto.NewKMS(client, cfg.KMSKeyName, cfg.LocalCryptoSecret)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return cipher, func() { client.Close() }, nil
	}
	cipher, err := piicrypto.NewLocal(cfg.LocalCryptoSecret)
	if err != nil {
		return nil, nil, err
	}
	return cipher, func() {}, nil
}
