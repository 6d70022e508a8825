package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"narrative-server/internal/chain"
	"narrative-server/internal/config"
	"narrative-server/internal/dedup"
	"narrative-server/internal/delivery/websocket"
	"narrative-server/internal/logger"
	"narrative-server/internal/media"
	"narrative-server/internal/models"
	"narrative-server/internal/notifier"
	"narrative-server/internal/orchestrator"
	"narrative-server/internal/provider"
	"narrative-server/internal/store"
	"narrative-server/pkg/taskmanager"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Encoding: cfg.LogEncoding, Service: cfg.ServiceName})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)
	log.Info("Configuration loaded", cfg.LogFields()...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("Server stopped with error", zap.Error(err))
	}
	log.Info("Server exiting")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	broker := notifier.NewBroker(0, log)
	defer broker.Close()

	group, groupCtx := errgroup.WithContext(ctx)

	// --- Рассылка изменений ---
	var sinks []notifier.Notifier
	var rdb redis.UniversalClient
	if cfg.RedisAddr != "" {
		client, err := setupRedis(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer client.Close()
		rdb = client

		// Через Redis события получают все инстансы, включая этот, поэтому локальный брокер питает relay.
		sinks = append(sinks, notifier.NewRedisPublisher(rdb, cfg.RedisChangeChannel, log))
		relay := notifier.NewRedisRelay(rdb, cfg.RedisChangeChannel, broker, log)
		group.Go(func() error { return relay.Run(groupCtx) })
	} else {
		sinks = append(sinks, broker)
	}

	if cfg.RabbitMQURL != "" {
		conn, err := connectRabbitMQ(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer conn.Close()
		publisher, err := notifier.NewRabbitMQPublisher(conn, cfg.ChangeExchange, cfg.ServiceName, log)
		if err != nil {
			return err
		}
		defer publisher.Close()
		sinks = append(sinks, publisher)
	}
	changes := notifier.NewFanout(log, sinks...)

	// --- Хранилище статусов ---
	var statusStore store.Store
	if cfg.UsesPostgres() {
		if err := store.ApplyMigrations(cfg.GetDSN()); err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		pool, err := setupPostgres(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer pool.Close()
		statusStore = store.NewPgStore(pool, changes, log)
	} else {
		log.Warn("Using in-memory status store, data is lost on restart")
		statusStore = store.NewMemoryStore(changes, log)
	}

	// --- Провайдеры и цепочки ---
	registry := provider.NewRegistry(provider.Settings{
		HTTPClient:        &http.Client{},
		OpenAIBaseURL:     cfg.OpenAIBaseURL,
		OpenAIAPIKey:      cfg.AIAPIKey,
		OpenAITextModel:   cfg.OpenAITextModel,
		OpenAIImageModel:  cfg.OpenAIImageModel,
		OpenAISpeechModel: cfg.OpenAISpeechModel,
		OpenAIVoice:       cfg.OpenAIVoice,
		OllamaBaseURL:     cfg.OllamaBaseURL,
		OllamaModel:       cfg.OllamaModel,
		SanaBaseURL:       cfg.SanaBaseURL,
		SovitsBaseURL:     cfg.SovitsBaseURL,
		SovitsRefAudio:    cfg.SovitsRefAudio,
		SovitsLanguage:    cfg.SovitsLanguage,
	}, log)

	textChain, err := buildChain(registry, models.ContentText, cfg.TextProviders, cfg.TextTimeout, log)
	if err != nil {
		return err
	}
	imageChain, err := buildChain(registry, models.ContentImage, cfg.ImageProviders, cfg.ImageTimeout, log)
	if err != nil {
		return err
	}
	audioChain, err := buildChain(registry, models.ContentAudio, cfg.AudioProviders, cfg.AudioTimeout, log)
	if err != nil {
		return err
	}

	mediaStore, err := media.NewFileStore(afero.NewOsFs(), cfg.MediaSavePath, cfg.MediaPublicBaseURL, log)
	if err != nil {
		return err
	}

	// --- Оркестратор ---
	tasks := taskmanager.New(taskmanager.Config{MaxTasks: cfg.MaxStageTasks}, log)
	var lease dedup.Lease
	if rdb != nil {
		lease = dedup.NewRedisLease(rdb, log)
	}
	orch, err := orchestrator.New(orchestrator.Deps{
		Store:   statusStore,
		Text:    textChain,
		Image:   imageChain,
		Audio:   audioChain,
		Media:   mediaStore,
		Tasks:   tasks,
		Dedup:   dedup.New(lease, cfg.DedupLeaseTTL, log),
		History: orchestrator.NewHistoryTrimmer(orchestrator.NewTokenCounter(cfg.HistoryEncoding, log), cfg.HistoryTokenBudget),
	}, log)
	if err != nil {
		return err
	}

	// --- Фоновые задачи ---
	sweeper := store.NewSweeper(statusStore, cfg.StaleStageTimeout, cfg.StaleSweepInterval, log)
	group.Go(func() error { return sweeper.Run(groupCtx) })
	group.Go(func() error {
		tasks.RunCleanup(groupCtx, time.Hour, 24*time.Hour)
		return nil
	})

	wsManager := websocket.NewManager(broker, cfg.CORSAllowedOrigins, log)
	group.Go(func() error {
		wsManager.Run(groupCtx)
		return nil
	})

	// --- HTTP ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRouter(cfg, log, orch, wsManager, rdb),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	group.Go(func() error {
		log.Info("Starting HTTP server", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server listen error: %w", err)
		}
		return nil
	})

	// Сначала перестаем принимать запросы, затем дожидаемся отсоединенных стадий.
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server forced to shutdown", zap.Error(err))
		}
		if err := tasks.Shutdown(shutdownCtx); err != nil {
			log.Error("Detached stages did not finish before shutdown timeout", zap.Error(err))
		}
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildChain(registry *provider.Registry, kind models.ContentKind, names []string, timeout time.Duration, log *zap.Logger) (*chain.Runner, error) {
	adapters, err := registry.Build(kind, names)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s providers: %w", kind, err)
	}
	runner, err := chain.New(kind, adapters, timeout, log)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s chain: %w", kind, err)
	}
	log.Info("Provider chain configured", zap.String("kind", string(kind)), zap.Strings("providers", names))
	return runner, nil
}
