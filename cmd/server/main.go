package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"tillbook/internal/audit"
	"tillbook/internal/cache"
	"tillbook/internal/config"
	"tillbook/internal/httpapi"
	"tillbook/internal/service"
	"tillbook/internal/store"
	"tillbook/internal/store/memory"
	"tillbook/internal/store/sqlite"
)

func main() {
	_ = godotenv.Load()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("configuration invalid")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	var repo store.Repository
	if cfg.SQLitePath == ":memory:" {
		log.Warn("using the in-memory store, data will not survive a restart")
		repo = memory.New()
	} else {
		db, err := sqlite.Open(cfg.SQLitePath, log)
		if err != nil {
			log.WithError(err).Fatal("open ledger database")
		}
		defer db.Close()
		repo = db
	}

	var prices cache.PriceCache = cache.Noop{}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			log.WithError(err).Warn("redis unreachable, price cache disabled")
		} else {
			prices = cache.NewRedis(client, log)
			defer client.Close()
		}
	}

	sink := audit.NewAsyncSink(repo, log, 256)
	defer sink.Close()

	svc := service.New(repo, prices, sink, log, service.Config{
		StoreID:            cfg.StoreID,
		TaxRateBasisPoints: cfg.TaxRateBasisPoints,
		ManagerPINHash:     cfg.ManagerPINHash,
	})

	secret := cfg.AuthSecret
	if secret == "" {
		secret = "dev-secret"
	}
	auth := httpapi.NewAuthManager(repo, secret, cfg.TokenTTL)
	if cfg.DevMode {
		if err := auth.Bootstrap(context.Background(), "admin", "admin", "manager"); err != nil {
			log.WithError(err).Warn("bootstrap user not created")
		}
	}

	api := httpapi.NewServer(svc, auth, log)
	srv := httpapi.NewHTTPServer(cfg.Addr, api)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go purgeLoop(rootCtx, svc, log)

	go func() {
		log.WithField("addr", cfg.Addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server stopped")
		}
	}()

	<-rootCtx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown incomplete")
	}
}

// purgeLoop drops expired idempotency records once an hour.
func purgeLoop(ctx context.Context, svc *service.Service, log *logrus.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.PurgeIdempotency(ctx)
			if err != nil {
				log.WithError(err).Warn("idempotency purge failed")
				continue
			}
			if n > 0 {
				log.WithField("purged", n).Info("idempotency records purged")
			}
		}
	}
}
