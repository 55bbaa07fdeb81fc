package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/healthsched/platform/internal/api/handlers"
	"github.com/healthsched/platform/internal/api/router"
	"github.com/healthsched/platform/internal/booking"
	appconfig "github.com/healthsched/platform/internal/config"
	"github.com/healthsched/platform/internal/conversation"
	"github.com/healthsched/platform/internal/llm"
	"github.com/healthsched/platform/internal/scheduling"
	"github.com/healthsched/platform/internal/specialty"
	"github.com/healthsched/platform/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting healthsched API server",
		"env", cfg.Env,
		"port", cfg.Port,
		"llm_provider", cfg.LLMProvider,
	)

	ctx := context.Background()

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	redisOpts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	client, modelID, err := buildLLMClient(ctx, cfg)
	if err != nil {
		logger.Error("failed to build LLM client", "error", err)
		os.Exit(1)
	}

	store := scheduling.NewStore(pool)
	search := scheduling.NewService(store, scheduling.Config{
		MaxPractitioners:    cfg.MaxPractitioners,
		SlotPreviewCount:    cfg.SlotPreviewCount,
		PreviewWindowDays:   cfg.SlotPreviewDays,
		ExtendedWindowWeeks: cfg.ExtendedWindowWeek,
	}, logger)
	engine := booking.NewEngine(store, logger)
	resolver := specialty.NewResolver(client, modelID, specialty.NewVocabularyCache(store), logger)

	registry := conversation.NewRegistry(resolver, search, engine)
	dispatcher := conversation.NewDispatcher(registry, cfg.DefaultPatientID, logger)
	stateStore := conversation.NewStateStore(redisClient, cfg.ConversationTTL)
	planner := conversation.NewLLMPlanner(client, modelID)
	controller := conversation.NewController(planner, dispatcher, registry, stateStore, conversation.ControllerConfig{
		MaxIterations:    cfg.MaxToolIterations,
		PlannerTimeout:   cfg.PlannerTimeout,
		DefaultPatientID: cfg.DefaultPatientID,
	}, logger)

	chatHandler := handlers.NewChatHandler(controller, stateStore, logger)
	r := router.New(&router.Config{
		ChatHandler:    chatHandler,
		MetricsHandler: promhttp.Handler(),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// buildLLMClient selects the planner backend from configuration.
func buildLLMClient(ctx context.Context, cfg *appconfig.Config) (llm.Client, string, error) {
	switch cfg.LLMProvider {
	case "gemini":
		client, err := llm.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID)
		if err != nil {
			return nil, "", err
		}
		return client, cfg.GeminiModelID, nil
	case "bedrock":
		if cfg.BedrockModelID == "" {
			return nil, "", fmt.Errorf("BEDROCK_MODEL_ID is required for the bedrock provider")
		}
		opts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(cfg.AWSRegion),
		}
		if cfg.AWSAccessKeyID != "" && cfg.AWSSecretAccessKey != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, ""),
			))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, "", fmt.Errorf("load AWS config: %w", err)
		}
		api := bedrockruntime.NewFromConfig(awsCfg, func(o *bedrockruntime.Options) {
			if cfg.AWSEndpointOverride != "" {
				o.BaseEndpoint = aws.String(cfg.AWSEndpointOverride)
			}
		})
		return llm.NewBedrockClient(api), cfg.BedrockModelID, nil
	default:
		return nil, "", fmt.Errorf("unknown LLM provider %q (expected gemini or bedrock)", cfg.LLMProvider)
	}
}
