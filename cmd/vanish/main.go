// Command vanish runs the ephemeral messaging server: HTTP + WebSocket
// surface, ingestion pipeline worker, sweeper, and vendor push bridge.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/adred-codev/vanish/internal/async"
	"github.com/adred-codev/vanish/internal/cache"
	"github.com/adred-codev/vanish/internal/clock"
	"github.com/adred-codev/vanish/internal/config"
	"github.com/adred-codev/vanish/internal/conversation"
	"github.com/adred-codev/vanish/internal/filestore"
	"github.com/adred-codev/vanish/internal/httpapi"
	"github.com/adred-codev/vanish/internal/hub"
	"github.com/adred-codev/vanish/internal/message"
	"github.com/adred-codev/vanish/internal/monitoring"
	"github.com/adred-codev/vanish/internal/pipeline"
	"github.com/adred-codev/vanish/internal/push"
	"github.com/adred-codev/vanish/internal/queue"
	"github.com/adred-codev/vanish/internal/store"
	"github.com/adred-codev/vanish/internal/sweeper"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		lg := bootLogger()
		lg.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Server exited with error")
	}
}

func bootLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.System{}

	st, err := store.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}
	logger.Info().Msg("Database connected and migrated")

	c := cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := c.Ping(ctx); err != nil {
		return err
	}
	logger.Info().Str("addr", cfg.RedisAddr).Msg("Cache connected")

	pool := async.NewPool(cfg.PoolWorkers, cfg.PoolQueueSize, logger)
	pool.Start(ctx)

	bridge, err := push.New(push.Config{
		Enabled:    cfg.PushEnabled,
		GatewayURL: cfg.PushGatewayURL,
		Topic:      cfg.PushTopic,
		KeyID:      cfg.PushKeyID,
		TeamID:     cfg.PushTeamID,
		KeyPath:    cfg.PushKeyPath,
	}, st, c, pool, clk, logger)
	if err != nil {
		return err
	}
	registry := push.NewRegistry(st, c, clk, logger)

	q := queue.New(c, cfg.DeadLetterTTL)
	h := hub.New(cfg.MaxConnections, logger)

	convs := conversation.NewService(conversation.Config{
		ShareBaseURL:    cfg.ShareBaseURL,
		CacheTTL:        cfg.ConversationCacheTTL,
		DefaultTTLHours: cfg.DefaultTTLHours,
	}, st, c, bridge, clk, logger)
	msgs := message.NewService(message.Config{
		CacheTTL: cfg.MessageCacheTTL,
	}, st, c, q, bridge, clk, logger)
	files := filestore.NewService(filestore.Config{
		BaseDir:    cfg.FileBaseDir,
		StagingTTL: cfg.FileStagingTTL,
	}, st, c, pool, clk, logger)

	worker := pipeline.NewWorker(pipeline.Config{
		Interval:        cfg.QueueInterval,
		BatchSize:       cfg.QueueBatchSize,
		RetryLimit:      cfg.QueueRetryLimit,
		MessageCacheTTL: cfg.MessageCacheTTL,
	}, q, st, c, h, bridge, clk, logger)

	sw := sweeper.New(sweeper.Config{
		Interval: cfg.SweeperInterval,
	}, st, c, bridge, files, clk, logger)

	var background sync.WaitGroup
	background.Add(2)
	go func() {
		defer background.Done()
		worker.Run(ctx)
	}()
	go func() {
		defer background.Done()
		sw.Run(ctx)
	}()

	api := httpapi.NewServer(convs, msgs, files, registry, h, st, c, logger)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		return err
	}

	// Stop accepting requests, then stop the background loops (the
	// worker finishes its in-flight batch), drain the task pool, and
	// finally close push channel connections.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP shutdown error")
	}

	cancel()
	background.Wait()
	pool.Wait()
	h.Shutdown()

	logger.Info().Msg("Shutdown complete")
	return nil
}
