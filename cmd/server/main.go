package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"whagate/internal/config"
	"whagate/internal/domain"
	apphttp "whagate/internal/http"
	"whagate/internal/integrations/telegram"
	"whagate/internal/integrations/webhook"
	"whagate/internal/provider"
	"whagate/internal/session"
	storepkg "whagate/internal/store"
	"whagate/internal/store/memory"
	"whagate/internal/store/postgres"
	"whagate/internal/throttle"
)

func main() {
	log := newLogger()

	if err := config.LoadDotEnv(".env"); err != nil {
		log.Warn().Err(err).Msg("failed to load .env")
	}
	cfg := config.Load()
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	var st storepkg.Store
	if cfg.StoreMode == "postgres" && cfg.DatabaseURL != "" {
		pgStore, err := postgres.NewStore(cfg.DatabaseURL, cfg.SessionEncryptionKey)
		if err != nil {
			log.Warn().Err(err).Msg("postgres store unavailable, falling back to memory store")
			st = memory.NewStore()
		} else {
			st = pgStore
		}
	} else {
		st = memory.NewStore()
	}

	seedSuperAdmin(st, cfg, log)

	factory := providerFactory(cfg, log)
	supervisorCfg := session.Config{
		MaxInitAttempts:     cfg.MaxInitAttempts,
		InitRetryDelay:      cfg.InitRetryDelay,
		ConnectTimeout:      cfg.ConnectTimeout,
		CooldownPeriod:      cfg.CooldownPeriod,
		InactivityThreshold: cfg.InactivityThreshold,
		AutoReplyTrigger:    cfg.AutoReplyTrigger,
		AutoReplyText:       cfg.AutoReplyText,
	}
	registry := session.NewRegistry(func(accountID string) *session.Supervisor {
		return session.NewSupervisor(accountID, factory, st, supervisorCfg, log)
	}, log)

	notifier := telegram.NewNotifier(cfg.TelegramBotToken, cfg.TelegramChatID)
	webhookClient := webhook.NewClient(
		cfg.WebhookURL,
		cfg.WebhookTimeout,
		cfg.WebhookMaxRetries,
		cfg.WebhookRetryBase,
		cfg.WebhookRetryMax,
	)
	limiter := throttle.NewLimiter(cfg.LoginWindow, cfg.LoginMaxAttempts, cfg.ThrottleRetention, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reaper := session.NewReaper(registry, cfg.ReapInterval, notifier, log)
	go reaper.Run(ctx)
	go limiter.Run(ctx, cfg.ThrottleSweepInterval)

	srv := apphttp.NewServer(cfg, st, registry, limiter, notifier, webhookClient, log)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("gateway listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
	}
}

func newLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// providerFactory picks the provider backend by PROVIDER_MODE. Only the
// simulated backend is built in; a real provider adapter plugs in here.
func providerFactory(cfg config.Config, log zerolog.Logger) provider.Factory {
	switch cfg.ProviderMode {
	case "simulated":
		backend := provider.NewSimulatedBackend(provider.SimulatedConfig{
			PairingDelay: cfg.SimulatedPairingDelay,
			ReadyDelay:   cfg.SimulatedReadyDelay,
		})
		return backend.NewClient
	default:
		log.Fatal().Str("mode", cfg.ProviderMode).Msg("unknown provider mode")
		return nil
	}
}

// seedSuperAdmin bootstraps the first super admin from the configured admin
// credentials when the account table is empty.
func seedSuperAdmin(st storepkg.Store, cfg config.Config, log zerolog.Logger) {
	count, err := st.CountAccounts()
	if err != nil || count > 0 {
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), 12)
	if err != nil {
		log.Warn().Err(err).Msg("failed to hash bootstrap password")
		return
	}
	_, err = st.CreateAccount(domain.Account{
		Username:     cfg.AdminUsername,
		Email:        cfg.AdminEmail,
		PasswordHash: string(hash),
		Role:         domain.RoleSuperAdmin,
		IsActive:     true,
		APIToken:     uuid.NewString(),
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to seed super admin")
		return
	}
	log.Info().Str("username", cfg.AdminUsername).Msg("seeded bootstrap super admin")
}
