package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/instantcocoa/weft/pkg/config"
	"github.com/instantcocoa/weft/pkg/correlate"
	"github.com/instantcocoa/weft/pkg/emit"
	"github.com/instantcocoa/weft/pkg/export/otlp"
	"github.com/instantcocoa/weft/pkg/export/postgres"
	"github.com/instantcocoa/weft/pkg/sampling"
	"github.com/instantcocoa/weft/pkg/telemetry"
	"github.com/instantcocoa/weft/pkg/trace"
)

const serviceName = "weft"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the demo correlation pipeline",
	Long: `serve starts an instrumented HTTP server: every inbound request is
correlated (trace context extraction, sampling, span creation) and the
resulting spans are exported to the configured sink.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&pipelineFile, "pipeline", "", "YAML pipeline file overlaying the environment")
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(serviceName)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if pipelineFile != "" {
		if err := cfg.LoadFile(pipelineFile); err != nil {
			return err
		}
	}
	if verbose {
		cfg.LogLevel = "debug"
	}

	logger := telemetry.NewLogger(telemetry.Config{
		ServiceName: cfg.ServiceName,
		Version:     cfg.Version,
		Environment: cfg.Environment,
		LogLevel:    cfg.LogLevel,
		LogFormat:   cfg.LogFormat,
	})

	exporter, err := buildExporter(ctx, cfg)
	if err != nil {
		return err
	}

	processor := emit.NewBatchProcessor(exporter, emit.BatchConfig{
		FlushInterval: cfg.FlushInterval,
	}, logger)
	emitter := emit.New(processor, logger)
	emitter.Subscribe(emit.SubscriberFunc(func(ev emit.Event) {
		logger.Debug("lifecycle event",
			"kind", ev.Kind.String(),
			"trace_id", ev.TraceID.String(),
			"span", ev.Name,
		)
	}))

	sampler, err := buildSampler(cfg, logger)
	if err != nil {
		return err
	}

	correlator := correlate.New(emitter, correlate.Options{
		Sampler:               sampler,
		RecordException:       cfg.RecordException,
		DisableQueryRedaction: cfg.DisableQueryRedaction,
		EnableUpgradeSpans:    cfg.EnableUpgradeSpans,
		Logger:                logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		span := trace.SpanFromContext(r.Context())
		if span != nil {
			fmt.Fprintf(w, "trace_id=%s span_id=%s\n",
				span.Context().TraceID, span.Context().SpanID)
			return
		}
		fmt.Fprintln(w, "uncorrelated")
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: correlator.Middleware(mux),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting demo pipeline",
			"port", cfg.HTTPPort,
			"exporter", string(cfg.Exporter),
			"sampler", sampler.Description(),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-stop:
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	return emitter.Shutdown(shutdownCtx)
}

func buildExporter(ctx context.Context, cfg *config.Config) (emit.Exporter, error) {
	switch cfg.Exporter {
	case config.ExporterOTLP:
		exporter, err := otlp.New(ctx, otlp.Config{
			Endpoint:       cfg.OTLPEndpoint,
			Insecure:       cfg.OTLPInsecure,
			ServiceName:    cfg.ServiceName,
			ServiceVersion: cfg.Version,
			Environment:    cfg.Environment,
			BatchTimeout:   cfg.FlushInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}
		return exporter, nil

	case config.ExporterPostgres:
		store, err := postgres.Connect(ctx, &postgres.Config{
			Host:            cfg.DBHost,
			Port:            cfg.DBPort,
			User:            cfg.DBUser,
			Password:        cfg.DBPassword,
			Database:        cfg.DBName,
			SSLMode:         cfg.DBSSLMode,
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to connect span store: %w", err)
		}
		return store, nil

	default:
		return emit.NewMemoryExporter(), nil
	}
}

func buildSampler(cfg *config.Config, logger *slog.Logger) (trace.Sampler, error) {
	switch cfg.Sampler {
	case config.SamplerNever:
		return trace.NeverSample(), nil

	case config.SamplerRatio:
		return trace.ParentBased(trace.TraceIDRatio(cfg.SamplingRatio)), nil

	case config.SamplerRateLimit:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("failed to ping Redis: %w", err)
		}
		limiter := sampling.NewRateLimited(client, sampling.RateLimitedConfig{
			PerSecond: cfg.RatePerSecond,
		}, logger)
		return trace.ParentBased(limiter), nil

	default:
		return trace.ParentBased(trace.AlwaysSample()), nil
	}
}
