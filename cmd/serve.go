package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jdiitm/delayq/internal/config"
	"github.com/jdiitm/delayq/internal/consumer"
	"github.com/jdiitm/delayq/internal/handler"
	"github.com/jdiitm/delayq/internal/healthz"
	"github.com/jdiitm/delayq/internal/idempotency"
	"github.com/jdiitm/delayq/internal/metrics"
	"github.com/jdiitm/delayq/internal/producer"
	"github.com/jdiitm/delayq/internal/registry"
	"github.com/jdiitm/delayq/internal/telemetry"
)

// shutdownSlack is added to the grace period so containers can finish
// their final commit after in-flight handlers stop.
const shutdownSlack = 5 * time.Second

func serveCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a container for every configured subscription",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting delayq",
		zap.String("broker", cfg.Broker.Kind),
		zap.Int("subscriptions", len(cfg.Subscriptions)))

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.Init(telemetry.WithEndpoint(cfg.Telemetry.Endpoint))
		if err != nil {
			return err
		}
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	m := metrics.New()
	br, err := openBroker(cfg.Broker, logger)
	if err != nil {
		return err
	}
	store, err := idempotency.NewStore(cfg.Idempotency, logger)
	if err != nil {
		return err
	}
	reg, err := buildRegistry(cfg, br, store, m, logger)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/healthz", healthz.NewChecker(m,
		healthz.WithThreshold(cfg.Health.Threshold),
		healthz.WithContainers(reg)))
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	runErr := reg.Init(ctx)
	if runErr == nil {
		logger.Info("containers started", zap.Strings("names", reg.Names()))
		<-ctx.Done()
		logger.Info("shutting down")
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownGrace+shutdownSlack)
	defer cancel()
	err = errors.Join(runErr, reg.Shutdown(stopCtx), br.close(stopCtx), srv.Shutdown(stopCtx))
	logger.Info("shutdown complete")
	return err
}

// buildRegistry creates one container per subscription without starting
// any of them.
func buildRegistry(
	cfg *config.Config,
	br *broker,
	store idempotency.Store,
	obs metrics.PipelineObserver,
	logger *zap.Logger,
) (*registry.Registry, error) {
	delays := cfg.DelayMap()
	prod := producer.New(br.publisher, delays,
		producer.WithLogger(logger),
		producer.WithObserver(obs))

	common := []consumer.ContainerOption{
		consumer.WithObserver(obs),
		consumer.WithPollTimeout(cfg.Poll.Timeout),
		consumer.WithMaxWaiting(cfg.Poll.MaxWaiting),
		consumer.WithShutdownGrace(cfg.ShutdownGrace),
	}
	if cfg.Poll.Rate > 0 {
		common = append(common, consumer.WithPollRate(rate.Limit(cfg.Poll.Rate), max(cfg.Poll.Burst, 1)))
	}

	reg := registry.New(registry.WithLogger(logger))
	for _, s := range cfg.Subscriptions {
		name := s.ContainerName()
		clog := logger.With(zap.String("container", name))

		h := logHandler(clog)
		if s.ForwardTo != "" {
			h = forwardHandler(prod, s.ForwardTo)
		}
		h = idempotency.Wrap(h, store, clog)

		c, err := newContainer(s, h, cfg, br, append([]consumer.ContainerOption{consumer.WithLogger(clog)}, common...))
		if err != nil {
			return nil, fmt.Errorf("container %s: %w", name, err)
		}
		if err := reg.Register(name, c); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func newContainer(
	s config.Subscription,
	h handler.Handler,
	cfg *config.Config,
	br *broker,
	opts []consumer.ContainerOption,
) (*consumer.Container, error) {
	return consumer.New(consumer.Subscription{
		Topic:       s.Topic,
		GroupID:     s.GroupID,
		ClientID:    s.ClientID,
		Concurrency: s.Concurrency,
		AutoStartup: s.AutoStart(),
		Dispatch:    s.Dispatch(),
		Handler:     h,
	}, cfg.DelayMap(), br.sources, opts...)
}
