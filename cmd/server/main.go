package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"pimutpos/backend/internal/cache"
	"pimutpos/backend/internal/config"
	"pimutpos/backend/internal/domain"
	"pimutpos/backend/internal/httpapi"
	"pimutpos/backend/internal/logging"
	"pimutpos/backend/internal/lowstock"
	"pimutpos/backend/internal/payment"
	"pimutpos/backend/internal/service"
	"pimutpos/backend/internal/store"
	"pimutpos/backend/internal/store/memory"
	pgstore "pimutpos/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.AppEnv)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, cfg.VATRate)
		if err != nil {
			logger.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		if err := pg.Migrate(); err != nil {
			logger.Fatal("apply migrations", zap.Error(err))
		}
		if err := bootstrapAdmin(ctx, pg, cfg.BootstrapAdminPassword, logger); err != nil {
			logger.Fatal("bootstrap admin account", zap.Error(err))
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded(memory.WithVATRate(cfg.VATRate))
		logger.Info("repository: in-memory")
	}

	tokens := cache.TokenCache(cache.NewMemoryTokenCache())
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisTokenCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, using in-process token cache", zap.Error(err))
			_ = redisCache.Close()
		} else {
			tokens = redisCache
			closers = append(closers, redisCache.Close)
			logger.Info("token cache: redis")
		}
	}

	var gateway payment.Gateway = payment.SimulatedGateway{}
	if cfg.Mpesa.Simulated() {
		logger.Warn("mpesa credentials not set, payments are simulated")
	} else {
		gateway = payment.NewDaraja(payment.DarajaConfig{
			BaseURL:        cfg.Mpesa.BaseURL(),
			ConsumerKey:    cfg.Mpesa.ConsumerKey,
			ConsumerSecret: cfg.Mpesa.ConsumerSecret,
			Shortcode:      cfg.Mpesa.Shortcode,
			Passkey:        cfg.Mpesa.Passkey,
			CallbackURL:    cfg.Mpesa.CallbackURL,
		}, tokens, logger)
		logger.Info("mpesa gateway", zap.String("env", cfg.Mpesa.Env))
	}

	payments := payment.NewCoordinator(gateway, payment.Options{
		Interval:    cfg.Mpesa.PollInterval,
		MaxAttempts: cfg.Mpesa.PollAttempts,
		Logger:      logger,
	})
	notifier := lowstock.NewNotifier(repo, logger)
	if _, err := notifier.Refresh(ctx); err != nil {
		logger.Warn("initial low stock scan failed", zap.Error(err))
	}

	svc := service.New(repo, payments, notifier, logger)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("POS backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	payments.Close()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Error("close error", zap.Error(err))
		}
	}

	logger.Info("server stopped")
}

type userSeeder interface {
	EnsureUser(ctx context.Context, user domain.UserAccount) (bool, error)
}

// bootstrapAdmin creates the "admin" account on a fresh database so the
// first operator can sign in.
func bootstrapAdmin(ctx context.Context, users userSeeder, password string, logger *zap.Logger) error {
	if password == "" {
		return nil
	}
	if len(password) < 8 {
		return fmt.Errorf("BOOTSTRAP_ADMIN_PASSWORD must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	created, err := users.EnsureUser(ctx, domain.UserAccount{
		Username: "admin",
		Password: string(hash),
		Role:     domain.RoleAdmin,
		Active:   true,
	})
	if err != nil {
		return err
	}
	if created {
		logger.Info("bootstrap admin account created")
	}
	return nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	callback := cfg.Mpesa.CallbackURL
	if !cfg.Mpesa.Simulated() && cfg.Mpesa.Env == "production" && (callback == "" || callback == config.DefaultCallbackURL) {
		return fmt.Errorf("MPESA_CALLBACK_URL must be set for production payments")
	}
	return nil
}
