package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/holdfast/internal/platform/timeouts"
	"github.com/louisbranch/holdfast/internal/services/ledger/audit"
	"github.com/louisbranch/holdfast/internal/services/ledger/metrics"
	"github.com/louisbranch/holdfast/internal/services/ledger/relay"
	"github.com/louisbranch/holdfast/internal/services/ledger/storage"
	ledgersqlite "github.com/louisbranch/holdfast/internal/services/ledger/storage/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// RuntimeConfig controls ledger startup, dependencies, and relay behavior.
type RuntimeConfig struct {
	Port         int
	DBPath       string
	KafkaBrokers []string
	KafkaTopic   string
	BatchSize    int
	PollInterval time.Duration
	// RequeueDead moves up to this many dead-lettered outbox rows back to
	// pending at startup.
	RequeueDead int
	// MetricsPort serves Prometheus metrics when positive.
	MetricsPort int
}

const (
	defaultLedgerPort = 8095
	defaultLedgerDB   = "data/ledger.db"
	healthService     = "ledger.runtime"

	outboxGaugeInterval = 15 * time.Second
)

// Run opens the ledger store, serves gRPC health and relays the outbox until
// ctx is cancelled. Without Kafka brokers the outbox only accumulates.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultLedgerPort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultLedgerDB
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create ledger storage dir: %w", err)
		}
	}

	ledgerStore, err := ledgersqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open ledger sqlite store: %w", err)
	}
	defer func() {
		if closeErr := ledgerStore.Close(); closeErr != nil {
			log.Printf("close ledger sqlite store: %v", closeErr)
		}
	}()

	if err := requeueDeadOutbox(ctx, ledgerStore, audit.NewEmitter(ledgerStore), cfg.RequeueDead); err != nil {
		return err
	}
	logOutboxSummary(ctx, ledgerStore)

	var ledgerMetrics *metrics.Metrics
	if cfg.MetricsPort > 0 {
		ledgerMetrics = metrics.New()
		stopMetrics, err := serveMetrics(ctx, cfg.MetricsPort, ledgerMetrics)
		if err != nil {
			return err
		}
		defer stopMetrics()
		go watchOutbox(ctx, ledgerStore, ledgerMetrics, outboxGaugeInterval)
	}

	var outboxRelay *relay.Relay
	if len(cfg.KafkaBrokers) > 0 {
		writer, err := relay.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return fmt.Errorf("build kafka writer: %w", err)
		}
		defer func() {
			if closeErr := writer.Close(); closeErr != nil {
				log.Printf("close kafka writer: %v", closeErr)
			}
		}()
		outboxRelay, err = relay.New(ledgerStore, writer, relay.Config{
			BatchSize:    cfg.BatchSize,
			PollInterval: cfg.PollInterval,
			Metrics:      ledgerMetrics,
		})
		if err != nil {
			return fmt.Errorf("build outbox relay: %w", err)
		}
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on ledger port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()

	log.Printf("ledger server listening at %v", listener.Addr())
	if outboxRelay == nil {
		log.Printf("kafka brokers not configured; outbox relay disabled")
		<-ctx.Done()
		return nil
	}
	return outboxRelay.Run(ctx)
}

func requeueDeadOutbox(ctx context.Context, store storage.OutboxStore, emitter *audit.Emitter, limit int) error {
	if limit <= 0 {
		return nil
	}
	count, err := store.RequeueDeadOutbox(ctx, limit, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("requeue dead outbox rows: %w", err)
	}
	if count == 0 {
		return nil
	}
	log.Printf("requeued %d dead outbox rows", count)
	return emitter.EmitRecord(ctx, audit.Record{
		Name:       audit.EventOutboxRequeued,
		Severity:   audit.SeverityWarn,
		EntityType: "ledger_outbox",
		Payload:    map[string]int{"count": count},
	})
}

func logOutboxSummary(ctx context.Context, store storage.OutboxStore) {
	summary, err := store.GetOutboxSummary(ctx)
	if err != nil {
		log.Printf("read outbox summary: %v", err)
		return
	}
	oldest := "none"
	if !summary.OldestPendingAt.IsZero() {
		oldest = summary.OldestPendingAt.Format(time.RFC3339)
	}
	log.Printf("outbox: pending=%d processing=%d failed=%d dead=%d oldest_pending=%s",
		summary.PendingCount, summary.ProcessingCount, summary.FailedCount, summary.DeadCount, oldest)
}

// serveMetrics starts the Prometheus endpoint and returns its shutdown func.
func serveMetrics(ctx context.Context, port int, m *metrics.Metrics) (func(), error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on metrics port %d: %w", port, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: timeouts.ReadHeader,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(listener)
	}()
	log.Printf("ledger metrics listening at %v", listener.Addr())

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.Shutdown)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown metrics server: %v", err)
		}
		if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("serve metrics: %v", err)
		}
	}, nil
}

// watchOutbox mirrors the outbox summary into metrics until ctx ends.
func watchOutbox(ctx context.Context, store storage.OutboxStore, m *metrics.Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		summary, err := store.GetOutboxSummary(ctx)
		if err == nil {
			m.SetOutbox(summary, time.Now().UTC())
		} else if ctx.Err() == nil {
			log.Printf("read outbox summary: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
