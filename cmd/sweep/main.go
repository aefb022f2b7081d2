// Command sweep runs one pass of the SLA deadline sweep: reminders for
// disputes approaching their response deadline, breach notices past it, and
// auto-closure once the grace window is exhausted. Intended for a scheduler
// (cron, Cloud Scheduler) rather than a long-lived process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"creditflow/internal/audit"
	disputeservice "creditflow/internal/dispute/service"
	"creditflow/internal/notify"
	"creditflow/internal/piicrypto"
	"creditflow/internal/platform/config"
	"creditflow/internal/platform/logger"
	"creditflow/internal/platform/metrics"
	"creditflow/internal/platform/redis"
	"creditflow/internal/sla"
	"creditflow/internal/storage"
	"creditflow/internal/sweep"
)

const sweepTimeout = 10 * time.Minute

func main() {
	cfg := config.FromEnv()
	log := logger.New()

	if err := run(cfg, log); err != nil {
		log.Error("sweep failed", "error", err.Error())
		os.Exit(1)
	}
}

func run(cfg config.Server, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

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
	if rdb != nil {
		defer rdb.Close()
	}

	cipher, closeCipher, err := buildCipher(ctx, cfg)
	if err != nil {
		return fmt.Errorf("crypto: %w", err)
	}
	defer closeCipher()

	clock, err := sla.New(cfg.ReferenceZone)
	if err != nil {
		return fmt.Errorf("reference zone: %w", err)
	}

	m := metrics.New()
	trail := audit.New(store, cfg.Audit, log, m)
	disputes := disputeservice.New(store, trail, cipher, clock, cfg.SLA, log, m)

	svc := sweep.New(store, disputes, clock, cfg.SLA, notify.NewLog(log), rdb, log, m)

	start := time.Now()
	stats, err := svc.Run(ctx)
	if err != nil {
		return fmt.Errorf("sweep run: %w", err)
	}

	log.Info("sweep complete",
		"checked", stats.Checked,
		"reminders", stats.Reminders,
		"breaches", stats.Breaches,
		"auto_closed", stats.AutoClosed,
		"errors", stats.Errors,
		"duration", time.Since(start).String(),
	)
	if stats.Errors > 0 {
		return fmt.Errorf("%d disputes failed during sweep", stats.Errors)
	}
	return nil
}

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
