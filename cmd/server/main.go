package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GolfredoPerezFernandez/remix-daioff/internal/api"
	"github.com/GolfredoPerezFernandez/remix-daioff/internal/auth"
	"github.com/GolfredoPerezFernandez/remix-daioff/internal/config"
	"github.com/GolfredoPerezFernandez/remix-daioff/internal/core"
	"github.com/GolfredoPerezFernandez/remix-daioff/internal/events"
	"github.com/GolfredoPerezFernandez/remix-daioff/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	seedEmail := flag.String("seed-user", "", "Create a user with this email, print a token for it and exit")
	seedProfile := flag.String("seed-profile", "", "JSON profile (personal details, labor profile, contract) applied to the seeded user")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	if cfg.SlogLevel() == slog.LevelDebug {
		slog.Debug("Service starting in DEBUG mode")
	}

	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer dbStore.Close()

	if *seedEmail != "" {
		if err := seedUser(dbStore, cfg.JWTSecret, *seedEmail, *seedProfile); err != nil {
			slog.Error("Seeding user failed", "error", err)
			os.Exit(1)
		}
		return
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := core.NewMetrics(registry)

	llmService := core.NewLLMService(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.RequestTimeout)
	defer llmService.Close()

	hub := events.NewHub(metrics)
	defer hub.Close()

	var locker core.Locker
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("Invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		redisLocker := core.NewRedisLocker(redis.NewClient(opts), 0)
		defer redisLocker.Close()
		locker = redisLocker
		slog.Info("Using Redis for thread creation locks", "addr", opts.Addr)
	}

	selector, err := newSelector(cfg, dbStore, llmService, metrics)
	if err != nil {
		slog.Error("Failed to configure assistant selection", "error", err)
		os.Exit(1)
	}

	documents := core.NewDocumentRegistry(llmService, cfg.UploadDir, cfg.MaxUploadBytes, metrics)
	threads := core.NewThreadManager(dbStore, llmService, locker, metrics)
	chatService := core.NewChatService(dbStore, llmService, documents, threads, selector, hub, metrics, cfg.RunTimeout)

	apiHandler := api.NewAPIHandler(chatService, hub, cfg.JWTSecret, cfg.MaxUploadBytes, cfg.RunTimeout)
	router := api.NewRouter(apiHandler, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second, // chat and subscribe adjust their own deadlines
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Starting server", "addr", serverAddr, "strategy", cfg.AssistantStrategy)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Could not listen", "addr", serverAddr, "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	// Closing the hub ends open event streams so Shutdown does not wait on them.
	hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	slog.Info("Server exiting gracefully")
}

func newSelector(cfg *config.Config, s core.UserStore, api core.AssistantAPI, metrics *core.Metrics) (core.AssistantSelector, error) {
	table, err := core.LoadExpertTable(cfg.ExpertsFile)
	if err != nil {
		return nil, err
	}
	defaultStore := cfg.DefaultKnowledgeStoreID
	if defaultStore == "" {
		defaultStore = table.DefaultKnowledgeStore
	}

	switch cfg.AssistantStrategy {
	case "per_user":
		return core.NewPerUserSelector(s, api, cfg.OpenAIModel, defaultStore, table.KnowledgeStores(), metrics), nil
	case "shared":
		return core.NewSharedSelector(cfg.SharedAssistantID, defaultStore, table.KnowledgeStores()), nil
	default:
		table.DefaultKnowledgeStore = defaultStore
		return core.NewExpertSelector(table), nil
	}
}

func seedUser(s *store.SQLiteStore, secret, email, profilePath string) error {
	ctx := context.Background()
	profile := &store.Profile{}
	if profilePath != "" {
		var err error
		if profile, err = store.LoadProfile(profilePath); err != nil {
			return err
		}
	}

	user, err := s.CreateUser(ctx, email, profile.FirstName, profile.LastName)
	if err != nil {
		return err
	}
	if profilePath != "" {
		if err := s.ApplyProfile(ctx, user.ID, profile); err != nil {
			return err
		}
	}
	token, err := auth.GenerateJWT(secret, user.ID)
	if err != nil {
		return err
	}
	slog.Info("Seeded user", "user_id", user.ID, "email", email, "profile", profilePath != "")
	fmt.Println(token)
	return nil
}
