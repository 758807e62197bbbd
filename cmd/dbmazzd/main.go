// Command dbmazzd streams row-level changes from a PostgreSQL logical
// replication slot into a StarRocks-compatible columnar store.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dbmazz/dbmazzd/internal/checkpoint"
	"github.com/dbmazz/dbmazzd/internal/config"
	"github.com/dbmazz/dbmazzd/internal/health"
	"github.com/dbmazz/dbmazzd/internal/logging"
	"github.com/dbmazz/dbmazzd/internal/pipeline"
	"github.com/dbmazz/dbmazzd/internal/replicator"
	"github.com/dbmazz/dbmazzd/internal/schema"
	"github.com/dbmazz/dbmazzd/internal/sink"
	"github.com/dbmazz/dbmazzd/internal/wire"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New(logging.Level(cfg.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("dbmazzd: failed to create postgres pool: %v", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("dbmazzd: failed to reach postgres: %v", err)
	}
	logger.Infof("connected to source database")

	checkpoints := checkpoint.New(pool, cfg.CheckpointTable, logger)
	if err := checkpoints.EnsureTable(ctx); err != nil {
		log.Fatalf("dbmazzd: checkpoint bootstrap: %v", err)
	}
	startLSN, ok, err := checkpoints.Load(ctx, cfg.SlotName)
	if err != nil {
		log.Fatalf("dbmazzd: checkpoint load: %v", err)
	}
	if ok {
		logger.Infof("resuming slot %q from confirmed marker %d", cfg.SlotName, startLSN)
	} else {
		logger.Infof("no prior checkpoint for slot %q, starting from the current server position", cfg.SlotName)
	}

	cache := schema.New()

	repl := replicator.New(replicator.Config{
		ConnectionString:  cfg.DatabaseURL,
		SlotName:          cfg.SlotName,
		PublicationName:   cfg.PublicationName,
		Tables:            cfg.Tables,
		CreatePublication: true,
		TruncatePolicy:    cfg.TruncatePolicy,
	}, cache, logger)

	confirm := func(ctx context.Context, marker wire.CommitMarker) error {
		if err := checkpoints.Store(ctx, cfg.SlotName, marker.CommitLSN); err != nil {
			return err
		}
		repl.SetFlushLSN(marker.CommitLSN)
		return nil
	}

	starRocks := sink.New(cfg.StarRocksURL, cfg.StarRocksDB, cfg.StarRocksUser, cfg.StarRocksPass, confirm, cfg.SinkParallelism, logger)

	pipe := pipeline.New(
		starRocks,
		nil, // the sink confirms markers itself, respecting the partial-failure gap rule
		cfg.FlushSize,
		time.Duration(cfg.FlushIntervalMS)*time.Millisecond,
		cfg.FlushSize,
		logger,
	)

	pipelineCtx, cancelPipeline := context.WithCancel(context.Background())
	pipelineDone := make(chan struct{})
	go func() {
		defer close(pipelineDone)
		pipe.Run(pipelineCtx)
	}()

	healthApp := health.New(pool, repl)
	go func() {
		if err := healthApp.Listen(cfg.HealthAddr); err != nil {
			logger.Warnf("health server stopped: %v", err)
		}
	}()

	replicatorDone := make(chan error, 1)
	go func() {
		replicatorDone <- repl.Run(ctx, startLSN, pipe, pipe)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Infof("shutdown signal received, draining")
		cancel()
		<-replicatorDone
	case err := <-replicatorDone:
		if err != nil && ctx.Err() == nil {
			logger.Errorf("replicator exited: %v", err)
			cancelPipeline()
			<-pipelineDone
			_ = healthApp.Shutdown()
			os.Exit(1)
		}
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 30*time.Second)
	if err := pipe.Drain(drainCtx); err != nil {
		logger.Warnf("dbmazzd: final drain did not complete cleanly: %v", err)
	}
	cancelDrain()

	cancelPipeline()
	<-pipelineDone
	_ = healthApp.Shutdown()
	logger.Infof("dbmazzd: shut down cleanly")
}
