package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	worker "github.com/glimte/mmate-worker"
	"github.com/glimte/mmate-worker/contracts"
	"github.com/glimte/mmate-worker/health"
	"github.com/glimte/mmate-worker/internal/config"
	"github.com/glimte/mmate-worker/internal/logging"
	"github.com/glimte/mmate-worker/internal/metrics"
	"github.com/glimte/mmate-worker/internal/rabbitmq"
	"github.com/glimte/mmate-worker/internal/server"
	"github.com/glimte/mmate-worker/internal/tracing"
	"github.com/glimte/mmate-worker/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "mmate-worker",
		Short: "Consume messages from RabbitMQ and hand them to a handler",
		Long: `mmate-worker consumes a RabbitMQ queue bound to a topic exchange, hands every
message to a handler and serves health and metrics over HTTP. Broker failures are
retried after a fixed delay for as long as the process runs.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), configFile)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (yaml, json, toml or .env)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the worker and its HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), configFile)
		},
	}

	var (
		messageID   string
		messageType string
		payload     string
		routingKey  string
	)
	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one message to the configured exchange",
		Long:  "Publish a single JSON message, useful for smoke-testing a running worker.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return publishMessage(cmd.Context(), configFile, messageID, messageType, payload, routingKey)
		},
	}
	publishCmd.Flags().StringVar(&messageID, "id", "", "Message id (generated when empty)")
	publishCmd.Flags().StringVarP(&messageType, "type", "t", "", "Message type")
	publishCmd.Flags().StringVarP(&payload, "payload", "p", "{}", "JSON payload")
	publishCmd.Flags().StringVarP(&routingKey, "routing-key", "r", "", "Routing key (defaults to one matching the worker binding)")
	_ = publishCmd.MarkFlagRequired("type")

	rootCmd.AddCommand(runCmd, publishCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setup(configFile string) (*config.Config, *slog.Logger, io.Closer, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, nil, err
	}

	logger, closer, err := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	}, os.Stdout)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	slog.SetDefault(logger)

	return cfg, logger, closer, nil
}

func runWorker(ctx context.Context, configFile string) error {
	cfg, logger, closer, err := setup(configFile)
	if err != nil {
		return err
	}
	defer closer.Close()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Service.Name,
		Version:     version,
		Environment: cfg.Service.Environment,
		Endpoint:    cfg.Tracing.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error("failed to shut down tracing", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := metrics.NewCollector(reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	handler, err := buildHandler(cfg, logger)
	if err != nil {
		return err
	}

	w, err := worker.New(cfg.RabbitMQ.URL, handler,
		worker.WithLogger(logger),
		worker.WithQueue(cfg.RabbitMQ.QueueName),
		worker.WithExchange(cfg.RabbitMQ.ExchangeName, cfg.RabbitMQ.RoutingKey),
		worker.WithConsumerTag(cfg.RabbitMQ.ConsumerTag),
		worker.WithPrefetchCount(cfg.RabbitMQ.PrefetchCount),
		worker.WithRestartDelay(cfg.Worker.RestartDelay),
		worker.WithServiceInfo(cfg.Service.Name, version),
		worker.WithMetrics(collector),
	)
	if err != nil {
		return err
	}

	srv := server.New(cfg.Addr(), health.NewHandler(w.Health(), logger),
		server.WithLogger(logger),
		server.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})),
	)

	logger.Info("starting mmate-worker",
		"version", version,
		"commit", gitCommit,
		"addr", cfg.Addr(),
		"queue", cfg.RabbitMQ.QueueName,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg      sync.WaitGroup
		errsMu  sync.Mutex
		runErrs []error
	)
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// either task ending takes the process down
			defer cancel()
			if err := fn(ctx); err != nil {
				errsMu.Lock()
				runErrs = append(runErrs, fmt.Errorf("%s: %w", name, err))
				errsMu.Unlock()
			}
		}()
	}

	run("worker", w.Run)
	run("http server", srv.Run)

	<-ctx.Done()
	w.Stop()
	wg.Wait()

	logger.Info("mmate-worker stopped")
	return errors.Join(runErrs...)
}

// buildHandler forwards to FORWARD_URL when set and logs otherwise
func buildHandler(cfg *config.Config, logger *slog.Logger) (messaging.MessageHandler, error) {
	var fallback messaging.MessageHandler = messaging.NewLogHandler(logger)

	if cfg.Forward.URL != "" {
		forward, err := messaging.NewForwardHandler(cfg.Forward.URL,
			messaging.WithForwardTimeout(cfg.Forward.Timeout),
			messaging.WithForwardLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create forward handler: %w", err)
		}
		fallback = forward
	}

	return messaging.NewTypeRouter(
		messaging.WithRouterLogger(logger),
		messaging.WithFallback(fallback),
	), nil
}

func publishMessage(ctx context.Context, configFile, id, messageType, payload, routingKey string) error {
	cfg, logger, closer, err := setup(configFile)
	if err != nil {
		return err
	}
	defer closer.Close()

	if !json.Valid([]byte(payload)) {
		return fmt.Errorf("payload is not valid JSON: %s", payload)
	}
	if routingKey == "" {
		routingKey = defaultRoutingKey(cfg.RabbitMQ, messageType)
	}

	msg, err := contracts.NewMessage(id, messageType, json.RawMessage(payload))
	if err != nil {
		return err
	}

	conn := rabbitmq.NewConnectionManager(cfg.RabbitMQ.URL, rabbitmq.WithLogger(logger))
	if err := conn.Connect(ctx); err != nil {
		return err
	}
	defer conn.Disconnect()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	publisher := rabbitmq.NewPublisher(rabbitmq.WithPublisherLogger(logger))
	if err := publisher.Publish(ctx, ch, cfg.RabbitMQ.ExchangeName, routingKey, msg); err != nil {
		return err
	}

	fmt.Printf("Published %s (%s) to %q with routing key %q\n", msg.ID, msg.MessageType, cfg.RabbitMQ.ExchangeName, routingKey)
	return nil
}
