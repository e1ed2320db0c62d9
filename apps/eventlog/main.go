// Command eventlog tails the chat event topic into the audit log.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mahaj/chatcore/pkg/config"
	"github.com/mahaj/chatcore/pkg/eventlog"
	"github.com/mahaj/chatcore/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadEffective(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Sink)
	if len(cfg.Kafka.Brokers) == 0 {
		logger.Error("eventlog_no_brokers")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	consumer := eventlog.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID)
	defer consumer.Close()

	logger.Info("eventlog_started", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic, "group", cfg.Kafka.GroupID)
	if err := consumer.Consume(ctx); err != nil {
		logger.Error("eventlog_failed", "error", err)
	}
}
