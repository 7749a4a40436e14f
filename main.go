package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"meshhub/config"
	"meshhub/handlers"
	"meshhub/queue"
	"meshhub/services"
	"meshhub/worker"
)

func main() {
	_ = godotenv.Load()

	zl, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer zl.Sync()
	logger := zl.Sugar()

	logger.Info("starting mesh conversion service")

	cfg := config.Load()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatalf("failed to connect to Redis: %v", err)
	}
	logger.Info("connected to Redis")

	dbSvc, err := services.NewDatabaseService(cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("failed to connect to database: %v", err)
	}
	defer dbSvc.Close()

	if err := dbSvc.EnsureSchema(ctx); err != nil {
		logger.Fatalf("failed to ensure schema: %v", err)
	}
	logger.Info("connected to database")

	s3Svc := services.NewS3Service(cfg)
	engineSvc := services.NewEngineService(cfg.EngineURL)
	dispatch := queue.New(redisClient, cfg.PendingQueue, cfg.ProcessingQueue, cfg.FailedQueue)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool := worker.NewPool(cfg, dispatch, dbSvc, engineSvc, logger)

	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerCount; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			pool.StartWorker(ctx, workerID)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.RecoveryLoop(ctx)
	}()

	logger.Infof("started %d conversion workers", cfg.WorkerCount)
	logger.Infof("listening on Redis queue %s, engine at %s", cfg.PendingQueue, cfg.EngineURL)

	h := handlers.New(dbSvc, s3Svc, dispatch, cfg, logger)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handlers.NewRouter(h),
	}

	go func() {
		logger.Infof("http server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("http shutdown: %v", err)
	}

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all workers stopped gracefully")
	case <-time.After(30 * time.Second):
		logger.Warn("shutdown timeout, forcing exit")
	}

	redisClient.Close()
	logger.Info("service stopped")
}
