package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/suspectuso/ton-trivia/internal/config"
	"github.com/suspectuso/ton-trivia/internal/guard"
	"github.com/suspectuso/ton-trivia/internal/notifier"
	"github.com/suspectuso/ton-trivia/internal/payout"
	"github.com/suspectuso/ton-trivia/internal/replies"
	"github.com/suspectuso/ton-trivia/internal/server"
	"github.com/suspectuso/ton-trivia/internal/storage"
	"github.com/suspectuso/ton-trivia/internal/telegram"
	"github.com/suspectuso/ton-trivia/internal/tonapi"
	"github.com/suspectuso/ton-trivia/internal/trivia"
)

func main() {
	// Load .env file
	envErr := godotenv.Load()

	// Load config
	cfg := config.Load()

	// Setup logger
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(log)

	if envErr != nil {
		log.Debug("no .env file found")
	}

	if err := cfg.Validate(); err != nil {
		log.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Initialize storage
	store, err := storage.New(cfg.DBPath)
	if err != nil {
		log.Error("init storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	log.Info("storage initialized", "path", cfg.DBPath)

	// Initialize TonAPI client
	tonAPI := tonapi.NewClient(cfg.TonAPIBaseURL, cfg.TonAPIKey)
	log.Info("tonapi client initialized", "base_url", cfg.TonAPIBaseURL)
	if cfg.GatingCollection == "" {
		log.Warn("GATING_COLLECTION not set, any NFT satisfies the gate")
	}

	// Reply sources
	sources := make(map[string]replies.Source, len(cfg.ReplySources))
	for name, url := range cfg.ReplySources {
		sources[name] = replies.NewHTTPSource(url, cfg.ReplySourceToken)
	}
	if len(sources) == 0 {
		log.Warn("REPLY_SOURCES not set, rounds cannot be closed")
	}

	// Payment executor
	var executor payout.Executor = payout.Disabled{}
	if cfg.PayoutURL != "" {
		executor = payout.NewHTTPExecutor(cfg.PayoutURL)
		log.Info("payout executor initialized", "url", cfg.PayoutURL)
	} else {
		log.Warn("PAYOUT_URL not set, claims will fail with not_implemented")
	}

	limiter, err := guard.New(guard.DefaultMaxKeys)
	if err != nil {
		log.Error("init limiter", "error", err)
		os.Exit(1)
	}

	// Initialize telegram bot
	var bot *telegram.Bot
	var notify trivia.Notifier
	if cfg.BotToken != "" {
		bot, err = telegram.New(cfg.BotToken, cfg.AdminChatIDs, log)
		if err != nil {
			log.Error("init telegram bot", "error", err)
			os.Exit(1)
		}
		n := notifier.New(bot, bot.AdminChats(), log)
		defer n.Wait()
		notify = n
		log.Info("telegram bot initialized", "admin_chats", len(cfg.AdminChatIDs))
	}

	svc := trivia.New(trivia.Options{
		SeedSecret:           cfg.SeedSecret,
		GatingCollection:     cfg.GatingCollection,
		RewardTokenID:        cfg.RewardTokenID,
		DefaultWindowMinutes: cfg.DefaultWindowMinutes,
		DefaultRewardAmount:  cfg.DefaultRewardAmount,
		ClaimTTL:             cfg.ClaimTTL,
		LockMaxAttempts:      cfg.LockMaxAttempts,
		LockWindow:           cfg.LockWindow,
		IPRateLimit:          cfg.IPRateLimit,
		UserRateLimit:        cfg.UserRateLimit,
		DailyCap:             cfg.DailyCap,
		MaxWinsPerUserPerDay: cfg.MaxWinsPerUserPerDay,
		AddressDailyCap:      cfg.AddressDailyCap,
		PayoutCredentials: payout.Credentials{
			WalletID: cfg.PayoutWalletID,
			APIKey:   cfg.PayoutAPIKey,
		},
	}, trivia.Deps{
		Store:    store,
		Sources:  replies.NewRegistry(sources),
		Chain:    tonAPI,
		Executor: executor,
		Limiter:  limiter,
		Notifier: notify,
	}, log)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start auto close
	scheduler := trivia.NewScheduler(svc, cfg.AutoCloseInterval, log)
	if err := scheduler.Start(ctx); err != nil {
		log.Error("start scheduler", "error", err)
		os.Exit(1)
	}
	defer scheduler.Shutdown()

	// Start HTTP server
	api := server.New(svc, store, cfg.AdminToken, cfg.TrustedProxies, log)
	go func() {
		if err := api.Start(ctx, cfg.HTTPPort); err != nil {
			log.Error("http server", "error", err)
			cancel()
		}
	}()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Info("shutting down...")
		cancel()
	}()

	if bot != nil {
		log.Info("starting bot polling...")
		bot.Start(ctx, svc)
		return
	}

	<-ctx.Done()
}
