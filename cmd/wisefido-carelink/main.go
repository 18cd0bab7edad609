package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logpkg "wisefido-carelink/common/logger"
	"wisefido-carelink/internal/config"
	"wisefido-carelink/internal/service"

	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "wisefido-carelink: %v\n", err)
		os.Exit(1)
	}
}

// run 加载配置并运行服务，直到收到 SIGINT / SIGTERM 或控制事件消费失败
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logpkg.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-carelink")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	log.Info("Starting wisefido-carelink service",
		zap.String("event_stream", cfg.Carelink.EventStream),
		zap.String("consumer_group", cfg.Carelink.ConsumerGroup),
		zap.String("relationship_stream", cfg.Carelink.RelationshipStream),
		zap.Bool("publish_views", cfg.Carelink.PublishViews),
		zap.String("view_topic_prefix", cfg.Carelink.ViewTopicPrefix),
		zap.Duration("schedule_cache_ttl", cfg.Carelink.ScheduleCacheTTL),
		zap.Int("aggregation_max_attempts", cfg.Aggregation.MaxAttempts),
		zap.String("metrics_addr", cfg.Metrics.Addr),
	)

	svc, err := service.NewCarelinkService(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := svc.Start(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Carelink service stopped unexpectedly", zap.Error(runErr))
	} else {
		runErr = nil
		log.Info("Shutdown requested")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Carelink.ShutdownTimeout)
	defer cancel()
	if err := svc.Stop(stopCtx); err != nil {
		log.Error("Error stopping service", zap.Error(err))
		runErr = errors.Join(runErr, err)
	}

	log.Info("Service stopped")
	return runErr
}
