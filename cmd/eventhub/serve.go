package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/stockline/eventcore"
	"github.com/stockline/eventcore/gateway"
	"github.com/stockline/eventcore/interceptors"
	"github.com/stockline/eventcore/internal/config"
	"github.com/stockline/eventcore/internal/observability"
	"github.com/stockline/eventcore/internal/rabbitmq"
	"github.com/stockline/eventcore/internal/reliability"
	"github.com/stockline/eventcore/messaging"
	transport "github.com/stockline/eventcore/transports/rabbitmq"
)

const jwksRefresh = 10 * time.Minute

func newServeCommand(load configLoader) *cobra.Command {
	var addr string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the event hub",
		Long:  "Connect to RabbitMQ, declare the topology, and serve /ws, /healthz, /readyz and /metrics until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, problems := load()
			if err := config.Err(problems); err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	serveCmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (overrides HTTP_ADDR)")
	return serveCmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := config.NewLogger(os.Stderr, cfg)
	slog.SetDefault(logger)

	tp, shutdownTracer, err := observability.InitTracer(ctx, observability.TracerConfig{
		ServiceName: cfg.ServiceName,
		Env:         cfg.Env,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    !cfg.IsProduction(),
		SampleRatio: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown", "error", err)
		}
	}()

	verifier, err := newVerifier(cfg)
	if err != nil {
		return err
	}

	busOpts := []messaging.BusOption{
		messaging.WithRetryBackoff(cfg.BackoffBase, cfg.BackoffCap, cfg.BackoffJitter),
		messaging.WithRetryAttempts(cfg.MaxRetryAttempts),
		messaging.WithDefaultPriority(cfg.EventDefaultPriority),
		messaging.WithEventTTL(cfg.EventTTL),
		messaging.WithMiddleware(interceptors.NewChain(
			interceptors.NewLoggingInterceptor(logger.With("component", "handler")),
		).Middleware()),
	}
	if cfg.BatchSize > 0 {
		busOpts = append(busOpts, messaging.WithBatching(messaging.DefaultExchange, messaging.BatchPolicy{
			Size:     cfg.BatchSize,
			Interval: cfg.BatchFlush,
		}))
	}

	if cfg.RedisURL != "" {
		client, err := newRedisClient(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		busOpts = append(busOpts,
			messaging.WithDeadLetterSink(reliability.NewRedisStreamSink(client, cfg.DLQStream,
				reliability.WithSinkLogger(logger.With("component", "dlq")))),
			messaging.WithIdempotencyStore(reliability.NewRedisIdempotencyStore(client, "", cfg.IdempotencyTTL)),
		)
	}

	hubOpts := []eventcore.HubOption{
		eventcore.WithLogger(logger),
		eventcore.WithServiceQueue(cfg.ServiceQueue),
		eventcore.WithBusOptions(busOpts...),
		eventcore.WithTransportOptions(
			transport.WithOutboxCapacity(cfg.OutboxCapacity),
			transport.WithRetryCeiling(cfg.QueueRetryCeiling),
			transport.WithTracerProvider(tp),
			transport.WithConnectionOptions(
				rabbitmq.WithBackoff(cfg.BackoffBase, cfg.BackoffCap, cfg.BackoffJitter),
				rabbitmq.WithMaxAttempts(cfg.MaxConnectAttempts),
				rabbitmq.WithRecoveryDelay(cfg.BackoffCap),
			),
		),
	}
	topology, ok, err := cfg.LoadTopology()
	if err != nil {
		return err
	}
	if ok {
		hubOpts = append(hubOpts, eventcore.WithTopology(topology))
	}

	hub, err := eventcore.NewHub(cfg.AMQP.URL(), verifier, hubOpts...)
	if err != nil {
		return err
	}
	if err := hub.Start(ctx); err != nil {
		_ = hub.Close(context.Background())
		return err
	}
	return hub.Run(ctx, cfg.HTTPAddr)
}

// newVerifier prefers a shared HS256 secret and falls back to a JWKS endpoint
func newVerifier(cfg config.Config) (gateway.TokenVerifier, error) {
	var opts []gateway.JWTOption
	if cfg.JWTIssuer != "" {
		opts = append(opts, gateway.WithIssuer(cfg.JWTIssuer))
	}
	if cfg.JWTAudience != "" {
		opts = append(opts, gateway.WithAudience(cfg.JWTAudience))
	}

	switch {
	case cfg.JWTSecret != "":
		return gateway.NewHS256Verifier([]byte(cfg.JWTSecret), opts...)
	case cfg.JWTJWKSURL != "":
		cache := gateway.NewJWKSCache(cfg.JWTJWKSURL, jwksRefresh, &http.Client{Timeout: 10 * time.Second})
		return gateway.NewJWKSVerifier(cache, opts...), nil
	default:
		return nil, errors.New("either JWT_SECRET or JWT_JWKS_URL must be set")
	}
}

func newRedisClient(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}
