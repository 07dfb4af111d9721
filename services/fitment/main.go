// Copyright (C) 2025 vkumar04
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/vkumar04/BBS-fitment/services/fitment/config"
	"github.com/vkumar04/BBS-fitment/services/fitment/handlers"
	"github.com/vkumar04/BBS-fitment/services/fitment/middleware"
	"github.com/vkumar04/BBS-fitment/services/fitment/observability"
	"github.com/vkumar04/BBS-fitment/services/fitment/prompt"
	"github.com/vkumar04/BBS-fitment/services/fitment/routes"
	"github.com/vkumar04/BBS-fitment/services/fitment/services"
	"github.com/vkumar04/BBS-fitment/services/llm"
)

// version is stamped by the build via -ldflags.
var version = "dev"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	root := &cobra.Command{
		Use:   "fitment",
		Short: "BBS wheel fitment assistant service",
	}
	root.AddCommand(newServeCmd(), newIngestCmd())

	if err := root.Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

// =============================================================================
// serve
// =============================================================================

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the streaming chat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	cleanup, err := initTracer(cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("failed to set up the OTLP tracer: %w", err)
	}
	defer cleanup(context.Background())

	weaviateClient, err := newWeaviateClient(cfg)
	if err != nil {
		return err
	}

	llmClient, err := llm.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.VisionModel, cfg.LiteModel)
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}

	retriever, err := services.NewWeaviateRetriever(weaviateClient, cfg.CatalogClass)
	if err != nil {
		return err
	}
	retrieval, err := services.NewRetrievalService(retriever, cfg.PrimaryMarker)
	if err != nil {
		return err
	}

	prompts, err := newPromptProvider(cfg)
	if err != nil {
		return err
	}

	metrics := observability.NewStreamingMetrics()
	auditor := handlers.NewURLAuditor(cfg.SensitiveDomain, metrics)

	chatHandler, err := handlers.NewChatStreamHandler(
		retrieval,
		llmClient,
		prompts,
		auditor,
		metrics,
		otel.Tracer("fitment/handlers"),
		time.Duration(cfg.RequestTimeoutSeconds)*time.Second,
	)
	if err != nil {
		return err
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("fitment-service"))
	router.Use(middleware.RequestID())

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	routes.SetupRoutes(router, chatHandler, handlers.NewHealthHandler(version), limiter)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		slog.Info("Starting fitment server",
			"port", cfg.Port,
			"catalog_class", cfg.CatalogClass,
			"version", version,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		if err := prompts.Watch(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		slog.Info("Shutting down fitment server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown failed", "error", err)
		}
		handlers.PurgeAllSecureMemory()
		return nil
	})

	return group.Wait()
}

// =============================================================================
// ingest
// =============================================================================

func newIngestCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest catalog JSON files into the vector index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), dir)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "catalog", "directory of catalog JSON files")
	return cmd
}

func runIngest(ctx context.Context, dir string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	weaviateClient, err := newWeaviateClient(cfg)
	if err != nil {
		return err
	}

	entries, err := services.LoadCatalog(dir)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("no catalog entries found in %s", dir)
	}

	ingester, err := services.NewIngester(weaviateClient, cfg.CatalogClass)
	if err != nil {
		return err
	}

	written, err := ingester.Ingest(ctx, entries)
	if err != nil {
		return fmt.Errorf("ingestion failed after %d entries: %w", written, err)
	}

	slog.Info("Ingested catalog", "entries", written, "class", cfg.CatalogClass)
	return nil
}

// =============================================================================
// Shared setup
// =============================================================================

func newWeaviateClient(cfg *config.Config) (*weaviate.Client, error) {
	if cfg.WeaviateURL == "" {
		return nil, fmt.Errorf("WEAVIATE_SERVICE_URL is required")
	}

	parsedURL, err := url.Parse(cfg.WeaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("WEAVIATE_SERVICE_URL %q is not a valid URL", cfg.WeaviateURL)
	}

	clientConf := weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	}
	if cfg.WeaviateAPIKey != "" {
		clientConf.AuthConfig = auth.ApiKey{Value: cfg.WeaviateAPIKey}
	}

	client, err := weaviate.NewClient(clientConf)
	if err != nil {
		return nil, fmt.Errorf("failed to create Weaviate client: %w", err)
	}
	return client, nil
}

func newPromptProvider(cfg *config.Config) (*prompt.Provider, error) {
	if cfg.PromptFile == "" {
		return prompt.NewProvider(), nil
	}
	provider, err := prompt.NewProviderFromFile(cfg.PromptFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load prompt file: %w", err)
	}
	slog.Info("Loaded prompt template from file", "path", cfg.PromptFile)
	return provider, nil
}

// initTracer configures the OTLP gRPC exporter. Returns a shutdown func.
func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("fitment-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}
