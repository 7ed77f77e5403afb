// Command compensationd runs the marketplace compensation engine: it consumes
// fulfillment events from RabbitMQ, tracks per-order sagas, and reverses the
// fulfilled legs of orders that partially failed.
package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/cloudresty/emit"
	"github.com/cloudresty/go-rabbitmq"
	rabbitmqotel "github.com/cloudresty/go-rabbitmq/otel"
	"github.com/cloudresty/go-rabbitmq/shutdown"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/has99an/marketplace-compensation/internal/config"
	"github.com/has99an/marketplace-compensation/internal/consumer"
	"github.com/has99an/marketplace-compensation/internal/dispatch"
	"github.com/has99an/marketplace-compensation/internal/event"
	"github.com/has99an/marketplace-compensation/internal/metrics"
	"github.com/has99an/marketplace-compensation/internal/orchestrator"
	"github.com/has99an/marketplace-compensation/internal/retry"
	"github.com/has99an/marketplace-compensation/internal/sagastore"
)

func main() {
	if err := run(); err != nil {
		emit.Error.StructuredFields("Compensation engine exited",
			emit.ZString("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	emit.Info.StructuredFields("Starting compensation engine",
		emit.ZString("service", cfg.ServiceName),
		emit.ZString("exchange", cfg.Exchange),
		emit.ZString("aggregation_window", cfg.AggregationWindow.String()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := shutdown.NewShutdownManager(shutdown.ShutdownConfig{
		Timeout:           cfg.ShutdownTimeout,
		GracefulDrainTime: 10 * time.Second,
	})

	client, err := newBrokerClient(cfg)
	if err != nil {
		return err
	}
	manager.Register(client)

	if err := consumer.DeclareTopology(ctx, client, cfg); err != nil {
		return err
	}

	store, err := newStore(ctx, cfg, manager)
	if err != nil {
		return err
	}
	ledger, err := newLedger(cfg, manager)
	if err != nil {
		return err
	}

	publisher, err := event.NewAMQPPublisher(client, cfg.Exchange)
	if err != nil {
		return err
	}
	manager.Register(publisher)

	collector := metrics.NewCollector("compensation")
	exec := retry.NewExecutor(retry.Policy{
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		MaxAttempts: cfg.RetryMaxAttempts,
	})

	coordinator := dispatch.NewCoordinator(ledger, exec, collector,
		dispatch.NewInventoryRestoreDispatcher(publisher),
		dispatch.NewSellerStatsRevertDispatcher(publisher),
	)

	orch := orchestrator.New(store, publisher, coordinator, collector,
		orchestrator.WithAggregationWindow(cfg.AggregationWindow),
		orchestrator.WithRetryExecutor(exec))
	manager.Register(closerFunc(func() error {
		orch.Close()
		return nil
	}))

	go orchestrator.NewStuckMonitor(store, orch, collector, cfg.StuckThreshold, cfg.StuckScanInterval).Run(ctx)
	go orchestrator.NewRetentionSweeper(store, collector, cfg.Retention, cfg.RetentionInterval).Run(ctx)

	metricsServer := serveMetrics(cfg, collector)
	manager.Register(closerFunc(func() error {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		return metricsServer.Shutdown(shutdownCtx)
	}))

	// Stop consuming first when shutdown begins.
	manager.Register(closerFunc(func() error {
		cancel()
		return nil
	}))

	handlers := consumer.NewHandlers(orch, exec, collector)
	go func() {
		if err := consumer.Run(ctx, client, cfg, handlers); err != nil && !errors.Is(err, context.Canceled) {
			emit.Error.StructuredFields("Consumer stopped",
				emit.ZString("error", err.Error()))
			manager.Shutdown()
		}
	}()

	manager.SetupSignalHandler()
	manager.Wait()

	emit.Info.Msg("Compensation engine stopped")
	return nil
}

func newBrokerClient(cfg *config.Config) (*rabbitmq.Client, error) {
	opts := []rabbitmq.Option{
		rabbitmq.FromEnv(),
		rabbitmq.WithConnectionName(cfg.ServiceName),
		rabbitmq.WithLogger(emitLogger{}),
		rabbitmq.WithTracing(rabbitmqotel.NewTracer(otel.Tracer(cfg.ServiceName))),
	}
	if metricsCollector, err := rabbitmqotel.NewMetricsCollector(otel.Meter(cfg.ServiceName)); err == nil {
		opts = append(opts, rabbitmq.WithMetrics(metricsCollector))
	}
	return rabbitmq.NewClient(opts...)
}

func newStore(ctx context.Context, cfg *config.Config, manager *shutdown.ShutdownManager) (sagastore.Store, error) {
	if cfg.PostgresDSN == "" {
		emit.Warn.Msg("No Postgres DSN configured, saga state is in-memory and lost on restart")
		return sagastore.NewMemoryStore(), nil
	}

	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	manager.Register(db)

	emit.Info.Msg("Using Postgres saga store")
	return sagastore.NewPostgresStoreWithSchema(ctx, db)
}

func newLedger(cfg *config.Config, manager *shutdown.ShutdownManager) (dispatch.Ledger, error) {
	if cfg.RedisAddr == "" {
		emit.Warn.Msg("No Redis address configured, dispatch ledger is in-process only")
		return dispatch.NewMemoryLedger(), nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	manager.Register(client)

	emit.Info.StructuredFields("Using Redis dispatch ledger",
		emit.ZString("addr", cfg.RedisAddr))
	return dispatch.NewRedisLedger(client, cfg.RedisKeyPrefix, cfg.LedgerTTL), nil
}

func serveMetrics(cfg *config.Config, collector *metrics.Collector) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		emit.Info.StructuredFields("Metrics listener started",
			emit.ZString("addr", cfg.MetricsAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			emit.Error.StructuredFields("Metrics listener failed",
				emit.ZString("error", err.Error()))
		}
	}()
	return server
}

// closerFunc adapts a function to the shutdown manager's Closable interface.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// emitLogger forwards the broker client's log lines to emit. The client's
// key-value fields are dropped; the client already logs the essentials in
// the message itself.
type emitLogger struct{}

func (emitLogger) Debug(msg string, fields ...any) { emit.Debug.Msg(msg) }
func (emitLogger) Info(msg string, fields ...any)  { emit.Info.Msg(msg) }
func (emitLogger) Warn(msg string, fields ...any)  { emit.Warn.Msg(msg) }
func (emitLogger) Error(msg string, fields ...any) { emit.Error.Msg(msg) }
