// Package ledger parses ledger command flags and launches the ledger runtime.
package ledger

import (
	"context"
	"flag"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/holdfast/internal/platform/cmd"
	ledgerserver "github.com/louisbranch/holdfast/internal/services/ledger/app"
)

// Config holds ledger command configuration.
type Config struct {
	Port         int           `env:"HOLDFAST_LEDGER_PORT" envDefault:"8095"`
	DBPath       string        `env:"HOLDFAST_LEDGER_DB_PATH" envDefault:"data/ledger.db"`
	KafkaBrokers []string      `env:"HOLDFAST_LEDGER_KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string        `env:"HOLDFAST_LEDGER_KAFKA_TOPIC" envDefault:"holdfast.ledger.events"`
	BatchSize    int           `env:"HOLDFAST_LEDGER_RELAY_BATCH_SIZE" envDefault:"50"`
	PollInterval time.Duration `env:"HOLDFAST_LEDGER_RELAY_POLL_INTERVAL" envDefault:"2s"`
	RequeueDead  int           `env:"HOLDFAST_LEDGER_REQUEUE_DEAD" envDefault:"0"`
	MetricsPort  int           `env:"HOLDFAST_LEDGER_METRICS_PORT" envDefault:"0"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The ledger health gRPC server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The ledger SQLite database path")
	fs.Func("kafka-brokers", "Comma-separated Kafka brokers; empty disables the outbox relay", func(value string) error {
		cfg.KafkaBrokers = splitList(value)
		return nil
	})
	fs.StringVar(&cfg.KafkaTopic, "kafka-topic", cfg.KafkaTopic, "Kafka topic for ledger events")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Outbox rows claimed per relay pass")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Outbox relay poll interval")
	fs.IntVar(&cfg.RequeueDead, "requeue-dead", cfg.RequeueDead, "Dead outbox rows to requeue at startup")
	fs.IntVar(&cfg.MetricsPort, "metrics-port", cfg.MetricsPort, "Prometheus metrics port; 0 disables")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the ledger runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceLedger, func(context.Context) error {
		return ledgerserver.Run(ctx, ledgerserver.RuntimeConfig{
			Port:         cfg.Port,
			DBPath:       cfg.DBPath,
			KafkaBrokers: cfg.KafkaBrokers,
			KafkaTopic:   cfg.KafkaTopic,
			BatchSize:    cfg.BatchSize,
			PollInterval: cfg.PollInterval,
			RequeueDead:  cfg.RequeueDead,
			MetricsPort:  cfg.MetricsPort,
		})
	})
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
