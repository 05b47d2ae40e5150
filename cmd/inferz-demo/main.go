// Command inferz-demo serves a small HTTP API whose handlers are profiled
// for inferred spans. Real and inferred spans are printed to stdout and the
// profiler metrics are served on /metrics.
//
// Configuration comes from OTEL_INFERRED_SPANS_* variables; the profiler
// only runs when OTEL_INFERRED_SPANS_ENABLED=true.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zoobzio/inferz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ActivationMiddleware starts a server span per request and records it as
// active on the handling goroutine for the duration of the request.
func ActivationMiddleware(tracer trace.Tracer, profiler *inferz.Profiler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attribute.String("http.path", r.URL.Path)))
			defer span.End()

			deactivate := profiler.Activate(ctx)
			defer deactivate()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// handleReport builds a report the slow way, giving the sampler something
// to see between the instrumented calls.
func handleReport(tracer trace.Tracer, profiler *inferz.Profiler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows := loadRows(r.Context(), tracer, profiler)
		total := aggregate(rows)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"rows":  len(rows),
			"total": total,
		})
	}
}

//go:noinline
func loadRows(ctx context.Context, tracer trace.Tracer, profiler *inferz.Profiler) []float64 {
	ctx, span := tracer.Start(ctx, "db.query")
	defer span.End()
	deactivate := profiler.Activate(ctx)
	defer deactivate()

	waitForDatabase(40 * time.Millisecond)
	rows := make([]float64, 50_000)
	for i := range rows {
		rows[i] = float64(i%97) * 1.5
	}
	return rows
}

//go:noinline
func waitForDatabase(d time.Duration) {
	time.Sleep(d)
}

//go:noinline
func aggregate(rows []float64) float64 {
	var total float64
	for round := 0; round < 200; round++ {
		for _, v := range rows {
			total += v / float64(round+1)
		}
	}
	return total
}

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	flag.Parse()

	cfg, migrated, err := inferz.LoadConfig()
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}
	logger, err := inferz.NewLogger(cfg.LogConfig())
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()
	for _, name := range migrated {
		logger.Warn("deprecated configuration variable, use the OTEL_INFERRED_SPANS_ prefix", zap.String("name", name))
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		logger.Fatal("creating span exporter", zap.Error(err))
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	profiler, err := inferz.NewProfiler(cfg,
		inferz.WithTracerProvider(tp),
		inferz.WithLogger(logger),
		inferz.WithRegisterer(reg),
	)
	if err != nil {
		logger.Fatal("creating profiler", zap.Error(err))
	}
	tp.RegisterSpanProcessor(inferz.NewProcessor(profiler))
	if err := logInferredSpans(profiler.Emitter(), logger); err != nil {
		logger.Fatal("enabling span log", zap.Error(err))
	}
	if cfg.Enabled {
		if err := profiler.Start(); err != nil {
			logger.Error("profiler not started", zap.Error(err))
		}
	}

	tracer := tp.Tracer("inferz-demo")
	mux := http.NewServeMux()
	mux.Handle("/report", ActivationMiddleware(tracer, profiler)(handleReport(tracer, profiler)))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		logger.Info("listening", zap.String("addr", *addr), zap.Bool("profiling", cfg.Enabled))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", zap.Error(err))
			stop()
		}
	}()
	<-ctx.Done()

	shutdown, cancel := context.WithTimeout(context.Background(), cfg.StopTimeout)
	defer cancel()
	_ = server.Shutdown(shutdown)
	// Stops the profiler through the processor, then flushes the exporter.
	if err := tp.Shutdown(shutdown); err != nil {
		logger.Warn("tracer provider shutdown", zap.Error(err))
	}
	profiler.Emitter().Close()
}

// logInferredSpans logs a one-line summary of every inferred span off the
// profiler goroutine.
func logInferredSpans(emitter *inferz.Emitter, logger *zap.Logger) error {
	if err := emitter.EnableWorkerPool(1, 256); err != nil {
		return err
	}
	emitter.OnSpanEmittedAsync(func(s inferz.Span) {
		stack, _ := s.GetTag(string(inferz.StackTraceKey))
		logger.Info("inferred span",
			zap.String("name", s.Name),
			zap.String("trace_id", s.TraceID),
			zap.String("parent_id", s.ParentID),
			zap.Duration("duration", s.Duration),
			zap.Int("samples", s.Samples),
			zap.String("folded", stack))
	})
	return nil
}
