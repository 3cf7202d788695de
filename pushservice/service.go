// Package pushservice assembles the push-notification service: the HTTP
// surface for subscription management and admin broadcasts, plus the Pub/Sub
// ingestion pipeline that lets the rest of the backend trigger broadcasts.
package pushservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/associazione-ets/go-push-service/internal/api"
	"github.com/associazione-ets/go-push-service/internal/pipeline"
	"github.com/associazione-ets/go-push-service/pkg/push"
	"github.com/associazione-ets/go-push-service/pushservice/config"
)

type Wrapper struct {
	*microservice.BaseServer
	pipelineService *messagepipeline.StreamingService[push.Payload]
	logger          *slog.Logger
}

// New assembles the service.
func New(
	cfg *config.Config,
	consumer messagepipeline.MessageConsumer,
	broadcaster push.Broadcaster,
	registry push.Registry,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Wrapper, error) {

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Pipeline (machine-triggered broadcasts)
	processor := pipeline.NewProcessor(broadcaster, logger)

	streamingService, err := messagepipeline.NewStreamingService(
		messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
		consumer,
		pipeline.BroadcastRequestTransformer,
		processor,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming service: %w", err)
	}

	// 3. API (subscription management + admin broadcasts)
	subscriptionAPI := api.NewSubscriptionAPI(registry, broadcaster, cfg.Vapid.PublicKey, cfg.AdminUsers, logger)

	// Register Routes
	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	// Helper for clean route definition
	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(authMiddleware(handlerFunc)))
	}

	// 1. Subscription lifecycle (Protected)
	handle("POST /subscriptions", subscriptionAPI.Subscribe)
	handle("DELETE /subscriptions", subscriptionAPI.Unsubscribe)

	// 2. Admin broadcast (Protected; handler enforces the admin list)
	handle("POST /notifications/send", subscriptionAPI.SendNotification)

	// 3. Public: the PWA needs the application server key before it can subscribe.
	mux.Handle("GET /notifications/vapid-public-key", corsMiddleware(http.HandlerFunc(subscriptionAPI.VapidPublicKey)))

	// 4. CORS preflight
	mux.Handle("OPTIONS /subscriptions", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))
	mux.Handle("OPTIONS /notifications/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	return &Wrapper{
		BaseServer:      baseServer,
		pipelineService: streamingService,
		logger:          logger,
	}, nil
}

func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info("Core processing pipeline starting...")
	if err := w.pipelineService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start processing service: %w", err)
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	if err := w.pipelineService.Stop(ctx); err != nil {
		w.logger.Error("Processing pipeline shutdown failed.", "err", err)
		finalErr = err
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
