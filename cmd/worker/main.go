package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"classtrack/internal/attendance"
	"classtrack/internal/config"
	"classtrack/internal/jobs"
	"classtrack/internal/livefeed"
	"classtrack/internal/notifier"
	"classtrack/internal/ocrclient"
	"classtrack/internal/queue"
	"classtrack/internal/store"
)

// The worker consumes the per-purpose queues and runs the verification
// pipeline off the request path.
func main() {
	cfg := config.Load()
	if cfg.Env == "production" || cfg.Env == "prod" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logrus.Info("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logrus.WithError(err).Fatal("db connect failed")
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	alerts := notifier.New(cfg.NotifyURL, cfg.NotifySkip)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		// The queue backend may still be coming up; retry before giving up
		// and paging someone.
		ping := func(ctx context.Context) error {
			return redisClient.Client.Ping(ctx).Err()
		}
		if err := jobs.AwaitBackend(ctx, ping, 5, time.Second, alerts); err != nil {
			logrus.WithError(err).Fatal("queue backend unreachable")
		}
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueuePrefix)
	}

	repo := attendance.NewRepository(db.Client)
	feed := livefeed.NewPublisher(redisClient.Client)
	svc := attendance.NewService(repo, feed)
	results := jobs.NewResultRepository(db.Client)

	ocr := ocrclient.New(cfg.OCRServiceURL, cfg.OCRSkip)
	if !cfg.OCRSkip {
		if err := ocr.Health(ctx); err != nil {
			logrus.WithError(err).Warn("extraction service not available, jobs will retry when they arrive")
		} else {
			logrus.Info("extraction service connected")
		}
	}

	policy := jobs.RetryPolicy{MaxAttempts: cfg.WorkerAttempts, BaseDelay: cfg.WorkerBaseDelay}
	runners := []*jobs.Runner{
		jobs.NewRunner(q, results, alerts, jobs.QueueMarkAttendance, jobs.MarkAttendance(svc, alerts), policy),
		jobs.NewRunner(q, results, alerts, jobs.QueueExtractData, jobs.ExtractData(svc, ocr, alerts), policy),
		jobs.NewRunner(q, results, alerts, jobs.QueueNotification, jobs.Notification(alerts), policy),
	}

	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r *jobs.Runner) {
			defer wg.Done()
			if err := r.Run(ctx); err != nil {
				logrus.WithError(err).Error("runner exited")
			}
		}(r)
	}

	// Archival sweep: sessions past end_time flip to ended. The recorder
	// re-checks end_time itself, so the sweep is bookkeeping, not enforcement.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := svc.EndExpiredSessions(ctx); err != nil {
					logrus.WithError(err).Warn("session sweep failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	logrus.Info("worker started, waiting for jobs")
	<-ctx.Done()
	wg.Wait()
	logrus.Info("worker stopped")
}
