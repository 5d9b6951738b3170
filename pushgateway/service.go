// Package pushgateway assembles the push gateway service: the streaming
// pipeline that turns queue events into device pushes, and the HTTP surface
// for device registration.
package pushgateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-push-gateway/internal/api"
	"github.com/tinywideclouds/go-push-gateway/internal/device"
	"github.com/tinywideclouds/go-push-gateway/internal/pipeline"
	"github.com/tinywideclouds/go-push-gateway/pkg/push"
	"github.com/tinywideclouds/go-push-gateway/pushgateway/config"
)

type Wrapper struct {
	*microservice.BaseServer
	pipelineService *messagepipeline.StreamingService[pipeline.PushEvent]
	logger          *slog.Logger
}

// New assembles the service. Each pipeline message gets a fresh dispatcher
// from dispatcherFactory, so dispatch state never leaks between messages.
func New(
	cfg *config.Config,
	consumer messagepipeline.MessageConsumer,
	dispatcherFactory pipeline.DispatcherFactory,
	devices device.Store,
	keys push.KeyProvider,
	sessions api.SessionResolver,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Wrapper, error) {

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Processor
	processor := pipeline.NewProcessor(dispatcherFactory, logger)

	// 3. Pipeline
	streamingService, err := messagepipeline.NewStreamingService[pipeline.PushEvent](
		messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
		consumer,
		pipeline.PushEventTransformer,
		processor,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming service: %w", err)
	}

	// 4. API (Device Registration)
	registerAPI := api.NewRegisterAPI(devices, keys, sessions, logger)

	// Register Routes
	mux := baseServer.Mux()

	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	// OPTIONS
	preflight := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	mux.Handle("OPTIONS /devices/proxy", preflight)
	mux.Handle("OPTIONS /devices/distributor", preflight)
	mux.Handle("OPTIONS /devices", preflight)

	// Device registration (Protected)
	mux.Handle("PUT /devices/proxy", corsMiddleware(authMiddleware(http.HandlerFunc(registerAPI.RegisterProxyDevice))))
	mux.Handle("PUT /devices/distributor", corsMiddleware(authMiddleware(http.HandlerFunc(registerAPI.RegisterDistributorDevice))))
	mux.Handle("DELETE /devices", corsMiddleware(authMiddleware(http.HandlerFunc(registerAPI.RemoveDevice))))

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
